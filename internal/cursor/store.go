// Package cursor persists the last-acknowledged replay position per
// topic. The store is the sole owner of durable checkpoint state and is
// only mutated after a successful flush.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// ErrStore marks a checkpoint read or write failure. Topic-scoped: a
// failed write skips that topic's advancement only, and the prior
// checkpoint is retried next cycle.
var ErrStore = errors.New("cursor: store error")

// Store is the durable topic -> replay id mapping.
type Store interface {
	// Get returns the checkpoint for topic, reporting absence on the
	// first-ever query.
	Get(ctx context.Context, topic string) ([]byte, bool, error)
	// Set upserts the checkpoint. Last write wins; readers never observe
	// a half-written position.
	Set(ctx context.Context, topic string, replayID []byte) error
	Close() error
}

const cursorSchema = `
CREATE TABLE IF NOT EXISTS cursors (
	topic TEXT PRIMARY KEY,
	replay_id BLOB NOT NULL
);
`

// SQLiteStore keeps checkpoints in <dir>/cursor.db.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "cursor.db"))
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStore, err)
	}
	// Serialize writers; independent topic workers contend on one file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cursorSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrStore, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, topic string) ([]byte, bool, error) {
	var replayID []byte
	err := s.db.QueryRowContext(ctx, "SELECT replay_id FROM cursors WHERE topic = ?", topic).Scan(&replayID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrStore, topic, err)
	}
	return replayID, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, topic string, replayID []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(topic, replay_id) VALUES(?, ?)
		 ON CONFLICT(topic) DO UPDATE SET replay_id = excluded.replay_id`,
		topic, replayID)
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStore, topic, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
