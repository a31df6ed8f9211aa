// Package journal implements the State Journal (C1): the append-only NDJSON
// event log and the single current-state document, both written
// journal-first per spec.md §3's invariants.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

// Event is one NDJSON line in events.ndjson.
type Event struct {
	Ts         string         `json:"ts"`
	Event      string         `json:"event"`
	FromState  string         `json:"from_state"`
	ToState    string         `json:"to_state"`
	AttemptID  string         `json:"attempt_id"`
	Details    map[string]any `json:"details"`
}

// State is the current-state document, atomically overwritten on every
// transition.
type State struct {
	JobID     string            `json:"job_id"`
	State     string            `json:"state"`
	AttemptID string            `json:"attempt_id"`
	UpdatedAt string            `json:"updated_at"`
	Reason    string            `json:"reason"`
	Error     string            `json:"error"`
	Pointers  map[string]string `json:"pointers"`
}

// NowFn is overridable in tests that need deterministic timestamps; it
// defaults to the current UTC time, which nowTS truncates to second
// precision, matching ralph_loop.py's now_ts()
// (spec.md §9 ambiguous-behavior note (c): second precision is preserved,
// not upgraded to sub-second).
var NowFn = func() time.Time { return time.Now().UTC() }

func nowTS() string {
	return NowFn().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// Journal is the per-job handle for events.ndjson and state.json.
type Journal struct {
	EventsPath string
	StatePath  string
}

func New(logsDir string) *Journal {
	return &Journal{
		EventsPath: filepath.Join(logsDir, "events.ndjson"),
		StatePath:  filepath.Join(logsDir, "state.json"),
	}
}

// AppendEvent appends one line and flushes before returning, so the journal
// is durable before the caller proceeds to WriteState (journal-first
// discipline, spec.md §4.2).
func (j *Journal) AppendEvent(event, fromState, toState, attemptID string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	rec := Event{
		Ts:        nowTS(),
		Event:     event,
		FromState: fromState,
		ToState:   toState,
		AttemptID: attemptID,
		Details:   details,
	}
	if err := os.MkdirAll(filepath.Dir(j.EventsPath), 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "mkdir for events log %s", j.EventsPath)
	}
	f, err := os.OpenFile(j.EventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "open events log %s", j.EventsPath)
	}
	defer f.Close()
	line, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "marshal event")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "append event to %s", j.EventsPath)
	}
	return f.Sync()
}

// WriteState atomically overwrites state.json.
func (j *Journal) WriteState(jobID, state, attemptID, reason, errStr string, pointers map[string]string) error {
	if pointers == nil {
		pointers = map[string]string{}
	}
	doc := State{
		JobID:     jobID,
		State:     state,
		AttemptID: attemptID,
		UpdatedAt: nowTS(),
		Reason:    reason,
		Error:     errStr,
		Pointers:  pointers,
	}
	return sandbox.WriteJSONAtomic(j.StatePath, doc)
}
