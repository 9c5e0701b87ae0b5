// Package sqlite flushes each batch into a fresh timestamped database
// file, one container per flush. Suited to batch mode, where every run
// hands a self-contained file to the upload collaborator.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"siphon/internal/sink"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	replay_id BLOB NOT NULL,
	event_id TEXT NOT NULL,
	payload TEXT NOT NULL
);
`

func init() {
	sink.Register("sqlite", func(cfg sink.Config) (sink.Sink, error) {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("sqlite sink: dir not set")
		}
		return &driver{dir: cfg.Dir}, nil
	})
}

type driver struct {
	dir string
}

func (d *driver) Flush(ctx context.Context, events []sink.Event) (string, int, error) {
	if len(events) == 0 {
		return "", 0, nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("%w: %v", sink.ErrPersistence, err)
	}
	name := fmt.Sprintf("events_%s.db", time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(d.dir, name)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: open %s: %v", sink.ErrPersistence, path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, eventsSchema); err != nil {
		return "", 0, fmt.Errorf("%w: init schema: %v", sink.ErrPersistence, err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: begin: %v", sink.ErrPersistence, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO events(topic, replay_id, event_id, payload) VALUES(?, ?, ?, ?)")
	if err != nil {
		return "", 0, fmt.Errorf("%w: prepare: %v", sink.ErrPersistence, err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.Topic, ev.ReplayID, ev.EventID, string(ev.Payload)); err != nil {
			return "", 0, fmt.Errorf("%w: insert event %s: %v", sink.ErrPersistence, ev.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("%w: commit: %v", sink.ErrPersistence, err)
	}
	return path, len(events), nil
}

func (d *driver) Close() error { return nil }
