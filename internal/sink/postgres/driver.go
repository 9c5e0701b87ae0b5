// Package postgres appends every flush to one cumulative events table,
// the shape continuous mode wants. Each flush is a single transaction.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"siphon/internal/sink"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id SERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	replay_id BYTEA NOT NULL,
	event_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);
`

func init() {
	sink.Register("postgres", func(cfg sink.Config) (sink.Sink, error) {
		return New(cfg.DSN)
	})
}

type driver struct {
	db *sql.DB
}

func New(dsn string) (sink.Sink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", sink.ErrPersistence, err)
	}
	if _, err := db.Exec(eventsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", sink.ErrPersistence, err)
	}
	return &driver{db: db}, nil
}

func (d *driver) Flush(ctx context.Context, events []sink.Event) (string, int, error) {
	if len(events) == 0 {
		return "events", 0, nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: begin: %v", sink.ErrPersistence, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO events(topic, replay_id, event_id, payload) VALUES($1, $2, $3, $4)")
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
	return "events", len(events), nil
}

func (d *driver) Close() error { return d.db.Close() }
