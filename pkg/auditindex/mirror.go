package auditindex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cat-ai-factory/caf-pipeline/pkg/journal"
)

// Mirror writes a best-effort copy of each journal event to Postgres for
// operator querying. A nil Mirror (the zero value obtained from an
// unconfigured cmd/controller) is a safe no-op — callers invoke Record
// unconditionally.
type Mirror struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewMirror wraps an already-open *sql.DB-backed connection (via
// auditindex.Open) as an *sqlx.DB.
func NewMirror(m *Migrator, log *zap.Logger) *Mirror {
	if m == nil {
		return nil
	}
	return &Mirror{db: sqlx.NewDb(m.DB, "postgres"), log: log}
}

const insertEventSQL = `
INSERT INTO caf_events_mirror (job_id, ts, event, from_state, to_state, attempt_id, details)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// Record mirrors one journal event. Failures — including a down or
// unreachable Postgres — are logged at warn and swallowed: this sidecar
// must never change the controller's terminal state or exit code.
func (m *Mirror) Record(ctx context.Context, jobID string, ev journal.Event) {
	if m == nil || m.db == nil {
		return
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		details = []byte("{}")
	}
	ts, err := time.Parse("2006-01-02T15:04:05Z", ev.Ts)
	if err != nil {
		ts = time.Now().UTC()
	}
	if _, err := m.db.ExecContext(ctx, insertEventSQL, jobID, ts, ev.Event, ev.FromState, ev.ToState, ev.AttemptID, details); err != nil {
		if m.log != nil {
			m.log.Warn("postgres event mirror write failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}
