// Package auditindex maintains a best-effort secondary Postgres mirror of
// events.ndjson rows for operator querying. The NDJSON log remains the sole
// source of truth per spec.md §3's journal-first invariant — this table is
// write-only and is never read back by the controller. Grounded on the
// teacher's migration tooling (pressly/goose) paired with jmoiron/sqlx and
// lib/pq for the mirror's single-row path, and jackc/pgx/v5 for its bulk
// backfill path (pkg/auditindex/batch.go).
package auditindex

import (
	"database/sql"
	"embed"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator owns the one migration that creates caf_events_mirror.
type Migrator struct {
	DB *sql.DB
}

// Open connects to dsn via lib/pq. The connection is lazy (database/sql
// pools on first use), so a misconfigured or unreachable DSN only surfaces
// once Migrate or a Mirror write is attempted — consistent with this
// component's best-effort nature.
func Open(dsn string) (*Migrator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.TypeFsFailure, "opening postgres mirror connection")
	}
	return &Migrator{DB: db}, nil
}

// Migrate runs every pending migration under migrations/ via goose.
func (m *Migrator) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperr.Wrap(err, apperr.TypeFsFailure, "setting goose dialect")
	}
	if err := goose.Up(m.DB, "migrations"); err != nil {
		return apperr.Wrap(err, apperr.TypeFsFailure, "running postgres mirror migrations")
	}
	return nil
}

func (m *Migrator) Close() error {
	return m.DB.Close()
}
