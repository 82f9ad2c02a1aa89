package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kilnhq/kiln/pkg/types"
)

// PostgresStore implements Store against a compilations table
type PostgresStore struct {
	db *sqlx.DB
}

// Schema is the DDL the store expects. Applied out of band by the
// deployment's migration tooling; exposed here for tests and dev setups.
const Schema = `
CREATE TABLE IF NOT EXISTS compilations (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	triggered_by TEXT NOT NULL DEFAULT '',
	engine       TEXT NOT NULL,
	status       TEXT NOT NULL,
	pdf_url      TEXT NOT NULL DEFAULT '',
	synctex_url  TEXT NOT NULL DEFAULT '',
	log          TEXT NOT NULL DEFAULT '',
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS compilations_project_idx ON compilations (project_id, created_at DESC);
`

// NewPostgresStore connects to Postgres and verifies the connection
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection (used by tests)
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Create inserts a new compilation row
func (s *PostgresStore) Create(ctx context.Context, c *types.Compilation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compilations (id, project_id, triggered_by, engine, status, pdf_url, synctex_url, log, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.ProjectID, c.TriggeredBy, c.Engine, c.Status,
		c.PDFURL, c.SynctexURL, c.Log, c.DurationMS, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert compilation %s: %w", c.ID, err)
	}
	return nil
}

// Get fetches a compilation row by id
func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Compilation, error) {
	var c types.Compilation
	err := s.db.GetContext(ctx, &c,
		`SELECT id, project_id, triggered_by, engine, status, pdf_url, synctex_url, log, duration_ms, created_at
		 FROM compilations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch compilation %s: %w", id, err)
	}
	return &c, nil
}

// Update applies a partial patch to a compilation row
func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) error {
	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.PDFURL != nil {
		add("pdf_url", *patch.PDFURL)
	}
	if patch.SynctexURL != nil {
		add("synctex_url", *patch.SynctexURL)
	}
	if patch.Log != nil {
		add("log", *patch.Log)
	}
	if patch.DurationMS != nil {
		add("duration_ms", *patch.DurationMS)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE compilations SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update compilation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
