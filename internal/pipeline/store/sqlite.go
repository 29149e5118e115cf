package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/xjson"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT PRIMARY KEY,
	next_stage TEXT NOT NULL,
	saved_at   TEXT NOT NULL,
	body       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint_history (
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	next_stage TEXT NOT NULL,
	saved_at   TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);`

// SQLiteStore keeps the latest checkpoint per run plus a history of
// every save for inspection.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *runtime.Checkpoint) error {
	if err := checkSave(cp); err != nil {
		return err
	}
	body, err := xjson.Marshal(cp)
	if err != nil {
		return err
	}
	savedAt := cp.Timestamp.UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints (run_id, next_stage, saved_at, body) VALUES (?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET next_stage = excluded.next_stage, saved_at = excluded.saved_at, body = excluded.body`,
		cp.RunID, string(cp.Next), savedAt, body); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoint_history (run_id, seq, next_stage, saved_at)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoint_history WHERE run_id = ?), ?, ?)`,
		cp.RunID, cp.RunID, string(cp.Next), savedAt); err != nil {
		return fmt.Errorf("append checkpoint history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (*runtime.Checkpoint, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM checkpoints WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var cp runtime.Checkpoint
	if err := xjson.Unmarshal(body, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM checkpoints ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// History returns the next-stage value of every save of a run, oldest first.
func (s *SQLiteStore) History(ctx context.Context, runID string) ([]runtime.StageName, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT next_stage FROM checkpoint_history WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []runtime.StageName
	for rows.Next() {
		var next string
		if err := rows.Scan(&next); err != nil {
			return nil, err
		}
		out = append(out, runtime.StageName(next))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
