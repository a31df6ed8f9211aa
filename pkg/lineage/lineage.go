// Package lineage implements the Lineage Recorder (C3): the append-only,
// read-modify-write retry-attempt lineage document. Grounded on
// ralph_loop.py's append_retry_attempt_lineage.
package lineage

import (
	"time"

	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

const version = "retry_attempt_lineage.v1"

// Artifacts mirrors the artifact relpaths recorded per attempt.
type Artifacts struct {
	QualityDecisionRelpath *string `json:"quality_decision_relpath,omitempty"`
	RetryPlanRelpath       *string `json:"retry_plan_relpath,omitempty"`
	ResultRelpath          *string `json:"result_relpath,omitempty"`
	OutputFinalRelpath     *string `json:"output_final_relpath,omitempty"`
}

// Attempt is one entry in the attempts array. SourceAttemptID points back at
// the previously recorded attempt and is nil for the first entry in a chain
// (the flat, back-pointer list spec.md §9 describes).
type Attempt struct {
	Ts              string    `json:"ts"`
	AttemptID       string    `json:"attempt_id"`
	SourceAttemptID *string   `json:"source_attempt_id"`
	DecisionAction  string    `json:"decision_action"`
	DecisionReason  string    `json:"decision_reason"`
	Resolution      string    `json:"resolution"`
	RetryType       *string   `json:"retry_type"`
	SegmentRetry    any       `json:"segment_retry"`
	Artifacts       Artifacts `json:"artifacts"`
}

// Document is the full retry_attempt_lineage.v1.json.
type Document struct {
	Version     string    `json:"version"`
	JobID       string    `json:"job_id"`
	GeneratedAt string    `json:"generated_at"`
	UpdatedAt   string    `json:"updated_at"`
	Attempts    []Attempt `json:"attempts"`
}

// NowFn matches journal.NowFn's overridability for deterministic tests.
var NowFn = func() time.Time { return time.Now().UTC() }

func nowTS() string {
	return NowFn().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// Recorder owns one job's lineage document path.
type Recorder struct {
	Path string
}

func New(path string) *Recorder {
	return &Recorder{Path: path}
}

// AppendAttempt reads any existing document, validates its version tag,
// preserves prior attempts verbatim, appends entry, refreshes updated_at,
// and atomically rewrites the whole document. An unreadable or
// wrong-version existing document starts a fresh one — the prior content is
// considered lost, per spec.md §4.4 (no merge is attempted).
func (r *Recorder) AppendAttempt(jobID string, entry Attempt) error {
	var existing Document
	generatedAt := nowTS()
	var attempts []Attempt
	if ok := sandbox.ReadJSONIfExists(r.Path, &existing, nil); ok && existing.Version == version {
		attempts = existing.Attempts
		if existing.GeneratedAt != "" {
			generatedAt = existing.GeneratedAt
		}
	}
	attempts = append(attempts, entry)
	doc := Document{
		Version:     version,
		JobID:       jobID,
		GeneratedAt: generatedAt,
		UpdatedAt:   nowTS(),
		Attempts:    attempts,
	}
	return sandbox.WriteJSONAtomic(r.Path, doc)
}
