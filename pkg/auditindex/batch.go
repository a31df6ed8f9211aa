package auditindex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cat-ai-factory/caf-pipeline/pkg/journal"
)

// BatchWriter bulk-loads a burst of events via pgx's CopyFrom protocol
// extension — one round trip for an entire events.ndjson file, used to
// backfill the mirror table for a job that predates the mirror being
// enabled. The single-row Mirror.Record path (sqlx/lib/pq) remains the
// steady-state writer; CopyFrom is reserved for this bulk case because
// lib/pq has no equivalent fast path.
type BatchWriter struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewBatchWriter(pool *pgxpool.Pool, log *zap.Logger) *BatchWriter {
	return &BatchWriter{pool: pool, log: log}
}

// CopyEvents bulk-inserts events for jobID and returns the number of rows
// copied. A malformed timestamp falls back to "now" rather than failing the
// whole batch — this path is a best-effort backfill, not the source of
// truth.
func (w *BatchWriter) CopyEvents(ctx context.Context, jobID string, events []journal.Event) (int64, error) {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		details, err := json.Marshal(ev.Details)
		if err != nil {
			details = []byte("{}")
		}
		ts, err := time.Parse("2006-01-02T15:04:05Z", ev.Ts)
		if err != nil {
			ts = time.Now().UTC()
		}
		rows = append(rows, []any{jobID, ts, ev.Event, ev.FromState, ev.ToState, ev.AttemptID, details})
	}
	n, err := w.pool.CopyFrom(ctx,
		pgx.Identifier{"caf_events_mirror"},
		[]string{"job_id", "ts", "event", "from_state", "to_state", "attempt_id", "details"},
		pgx.CopyFromRows(rows),
	)
	if err != nil && w.log != nil {
		w.log.Warn("bulk event mirror copy failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return n, err
}
