// Package journal implements an optional, append-only audit trail of found
// blocks and accepted shares, backed by Postgres. It exists for
// post-mortem visibility beyond the in-process, non-persistent statistics
// store; nothing in the hot path depends on it succeeding.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store is a nil-safe handle to the audit database. A nil *Store is valid
// and every method becomes a no-op, so the journal can be left unconfigured
// without branching at every call site.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the journal schema exists. An empty dsn
// returns a nil *Store (journaling disabled) and a nil error.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ensure schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool. Safe to call on a nil
// *Store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS found_blocks (
	id          BIGSERIAL PRIMARY KEY,
	height      BIGINT NOT NULL,
	job_id      TEXT NOT NULL,
	block_hash  TEXT NOT NULL,
	submitted   BOOLEAN NOT NULL,
	reject_reason TEXT NOT NULL DEFAULT '',
	found_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS accepted_shares (
	id          BIGSERIAL PRIMARY KEY,
	worker_name TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	difficulty  DOUBLE PRECISION NOT NULL,
	accepted_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS accepted_shares_worker_idx ON accepted_shares (worker_name, accepted_at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RecordBlock appends a found-block event. submitted is true when
// submitblock accepted it (result was null); reason carries the rejection
// string otherwise. Failures are logged, not returned, since the journal
// must never affect the share-acceptance path.
func (s *Store) RecordBlock(ctx context.Context, height int64, jobID, blockHash string, submitted bool, reason string) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO found_blocks (height, job_id, block_hash, submitted, reject_reason, found_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		height, jobID, blockHash, submitted, reason, time.Now().UTC())
	if err != nil {
		log.Printf("journal: record block failed: %v", err)
	}
}

// RecordShare appends an accepted-share event.
func (s *Store) RecordShare(ctx context.Context, workerName, jobID string, difficulty float64) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accepted_shares (worker_name, job_id, difficulty, accepted_at) VALUES ($1,$2,$3,$4)`,
		workerName, jobID, difficulty, time.Now().UTC())
	if err != nil {
		log.Printf("journal: record share failed: %v", err)
	}
}
