package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"trill/internal/domain"
)

// SQLiteSessionStore persists gateway session snapshots in SQLite so a
// restarted process can resume instead of identifying from scratch.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration. Parent directories are created as needed.
func NewSQLiteSessionStore(dbPath string) (*SQLiteSessionStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create session db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			shard_id           INTEGER PRIMARY KEY,
			session_id         TEXT NOT NULL,
			sequence           INTEGER NOT NULL DEFAULT 0,
			has_sequence       INTEGER NOT NULL DEFAULT 0,
			resume_gateway_url TEXT NOT NULL DEFAULT '',
			updated_at         TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

// Save upserts the snapshot for a shard.
func (s *SQLiteSessionStore) Save(ctx context.Context, shardID int, snap domain.SessionSnapshot) error {
	hasSeq := 0
	if snap.HasSequence {
		hasSeq = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (shard_id, session_id, sequence, has_sequence, resume_gateway_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			session_id         = excluded.session_id,
			sequence           = excluded.sequence,
			has_sequence       = excluded.has_sequence,
			resume_gateway_url = excluded.resume_gateway_url,
			updated_at         = excluded.updated_at`,
		shardID, snap.SessionID, int64(snap.Sequence), hasSeq, snap.ResumeGatewayURL,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("store.save", domain.ErrSessionStore, err.Error())
	}
	return nil
}

// Load returns the snapshot for a shard; ok is false when none is stored.
func (s *SQLiteSessionStore) Load(ctx context.Context, shardID int) (domain.SessionSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT session_id, sequence, has_sequence, resume_gateway_url FROM sessions WHERE shard_id = ?",
		shardID,
	)

	var (
		snap   domain.SessionSnapshot
		seq    int64
		hasSeq int
	)
	err := row.Scan(&snap.SessionID, &seq, &hasSeq, &snap.ResumeGatewayURL)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionSnapshot{}, false, nil
	}
	if err != nil {
		return domain.SessionSnapshot{}, false, domain.NewDomainError("store.load", domain.ErrSessionStore, err.Error())
	}

	snap.Sequence = uint64(seq)
	snap.HasSequence = hasSeq != 0
	return snap, true, nil
}

// Clear removes the stored snapshot for a shard. Clearing an absent shard
// is not an error.
func (s *SQLiteSessionStore) Clear(ctx context.Context, shardID int) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE shard_id = ?", shardID)
	if err != nil {
		return domain.NewDomainError("store.clear", domain.ErrSessionStore, err.Error())
	}
	return nil
}
