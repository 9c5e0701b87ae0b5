// Package sink is the boundary to durable event storage. A flush is
// atomic from the coordinator's point of view: either every event in
// the batch is recorded under the returned location, or none are.
package sink

import (
	"context"
	"errors"
	"fmt"
)

// ErrPersistence marks a failed flush. Cycle-scoped: checkpoint
// advancement is aborted for every topic in the cycle.
var ErrPersistence = errors.New("sink: persistence error")

// Event is the unit of persistence: one decoded envelope.
type Event struct {
	Topic    string
	ReplayID []byte
	EventID  string
	Payload  []byte // decoded record rendered as JSON
}

// Sink flushes one batch as a single durable unit.
type Sink interface {
	// Flush returns the location the batch was recorded under and the
	// number of events written.
	Flush(ctx context.Context, events []Event) (location string, count int, err error)
	Close() error
}

/*──────── registry ───────*/

// Config carries what any driver may need; each driver reads its own
// subset.
type Config struct {
	Dir string // sqlite: directory for per-flush database files
	DSN string // postgres: connection string
}

type Factory func(Config) (Sink, error)

var registry = map[string]Factory{}

func Register(name string, f Factory) { registry[name] = f }

func New(name string, cfg Config) (Sink, error) {
	if f, ok := registry[name]; ok {
		return f(cfg)
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
