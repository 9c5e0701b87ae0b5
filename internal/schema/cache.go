// Package schema resolves schema ids to decoding descriptors and turns
// raw payload bytes into structured records. Descriptors are immutable
// for the lifetime of a run: a schema id always denotes the same
// structure, so the cache never invalidates.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linkedin/goavro/v2"
)

var (
	// ErrUnavailable marks a schema that could not be fetched. Envelope-
	// scoped: the event is skipped, the topic continues, and a later
	// envelope with the same id retries the fetch.
	ErrUnavailable = errors.New("schema: unavailable")

	// ErrDecode marks payload bytes that do not match their descriptor.
	ErrDecode = errors.New("schema: decode failed")
)

// Descriptor is one compiled schema, keyed by its id.
type Descriptor struct {
	ID    string
	codec *goavro.Codec
}

// NewDescriptor compiles a schema definition. The definition is Avro
// JSON as served by the schema-fetch collaborator.
func NewDescriptor(id, definition string) (*Descriptor, error) {
	codec, err := goavro.NewCodec(definition)
	if err != nil {
		return nil, fmt.Errorf("%w: compile schema %s: %v", ErrUnavailable, id, err)
	}
	return &Descriptor{ID: id, codec: codec}, nil
}

// Fetcher retrieves a schema definition by id. Retry-across-endpoint-
// versions is the fetcher's concern; the cache sees one fallible call.
type Fetcher interface {
	Fetch(ctx context.Context, schemaID string) (string, error)
}

// Cache memoizes resolved descriptors. Concurrent resolvers of the same
// id share one fetch; failures are not cached.
type Cache struct {
	fetcher Fetcher

	// OnMiss, if set, is invoked once per fetch that goes to the
	// collaborator.
	OnMiss func()

	mu       sync.Mutex
	resolved map[string]*Descriptor
	inflight map[string]*fetchCall
}

type fetchCall struct {
	done chan struct{}
	desc *Descriptor
	err  error
}

func NewCache(f Fetcher) *Cache {
	return &Cache{
		fetcher:  f,
		resolved: make(map[string]*Descriptor),
		inflight: make(map[string]*fetchCall),
	}
}

// Resolve returns the descriptor for schemaID, fetching on first use.
func (c *Cache) Resolve(ctx context.Context, schemaID string) (*Descriptor, error) {
	c.mu.Lock()
	if d, ok := c.resolved[schemaID]; ok {
		c.mu.Unlock()
		return d, nil
	}
	if call, ok := c.inflight[schemaID]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.desc, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	c.inflight[schemaID] = call
	c.mu.Unlock()

	call.desc, call.err = c.fetch(ctx, schemaID)
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, schemaID)
	if call.err == nil {
		c.resolved[schemaID] = call.desc
	}
	c.mu.Unlock()
	return call.desc, call.err
}

func (c *Cache) fetch(ctx context.Context, schemaID string) (*Descriptor, error) {
	if c.OnMiss != nil {
		c.OnMiss()
	}
	definition, err := c.fetcher.Fetch(ctx, schemaID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch schema %s: %v", ErrUnavailable, schemaID, err)
	}
	return NewDescriptor(schemaID, definition)
}
