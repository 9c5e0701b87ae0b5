package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

const recordSchema = `{
	"type": "record",
	"name": "DeleteLog",
	"fields": [
		{"name": "RecordId", "type": "string"},
		{"name": "Count", "type": "long"}
	]
}`

type fakeFetcher struct {
	calls    int32
	failures int32 // fail this many calls before succeeding
	schema   string
}

func (f *fakeFetcher) Fetch(ctx context.Context, schemaID string) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return "", fmt.Errorf("endpoint down")
	}
	return f.schema, nil
}

func TestCache_FetchesOncePerID(t *testing.T) {
	f := &fakeFetcher{schema: recordSchema}
	c := NewCache(f)

	for i := 0; i < 5; i++ {
		if _, err := c.Resolve(context.Background(), "s1"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if got := atomic.LoadInt32(&f.calls); got != 1 {
		t.Fatalf("want exactly 1 fetch, got %d", got)
	}
}

func TestCache_FailureNotCached(t *testing.T) {
	f := &fakeFetcher{schema: recordSchema, failures: 1}
	c := NewCache(f)

	_, err := c.Resolve(context.Background(), "s1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	// The failed fetch must not poison the id; the retry succeeds.
	if _, err := c.Resolve(context.Background(), "s1"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if got := atomic.LoadInt32(&f.calls); got != 2 {
		t.Fatalf("want 2 fetches, got %d", got)
	}
}

func TestCache_ConcurrentResolversShareOneFetch(t *testing.T) {
	f := &fakeFetcher{schema: recordSchema}
	c := NewCache(f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Resolve(context.Background(), "s1"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&f.calls); got != 1 {
		t.Fatalf("want exactly 1 fetch under concurrency, got %d", got)
	}
}

func TestCache_OnMissHookCountsFetches(t *testing.T) {
	f := &fakeFetcher{schema: recordSchema}
	c := NewCache(f)
	var misses int32
	c.OnMiss = func() { atomic.AddInt32(&misses, 1) }

	_, _ = c.Resolve(context.Background(), "s1")
	_, _ = c.Resolve(context.Background(), "s1")
	_, _ = c.Resolve(context.Background(), "s2")

	if got := atomic.LoadInt32(&misses); got != 2 {
		t.Fatalf("want 2 misses, got %d", got)
	}
}

func TestNewDescriptor_RejectsBadSchema(t *testing.T) {
	if _, err := NewDescriptor("s1", "{not json"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}
