package pubsub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// The mock driver replays fixture files instead of talking to a remote
// service, for offline runs and tests. One JSON file per topic, named
// after the topic tail (/event/Foo__e -> Foo__e.json), with replay ids
// and payloads base64 encoded.
func init() {
	Register("mock", newMockDriver)
}

type mockEvent struct {
	ReplayID string `json:"replay_id"`
	EventID  string `json:"event_id"`
	SchemaID string `json:"schema_id"`
	Payload  string `json:"payload"`
}

type mockDriver struct {
	dir string
}

func newMockDriver(cfg DriverConfig) (Transport, error) {
	if cfg.FixtureDir == "" {
		return nil, fmt.Errorf("%w: mock driver needs a fixture dir", ErrTransport)
	}
	return &mockDriver{dir: cfg.FixtureDir}, nil
}

func (d *mockDriver) fixturePath(topic string) string {
	parts := strings.Split(topic, "/")
	return filepath.Join(d.dir, parts[len(parts)-1]+".json")
}

func (d *mockDriver) load(topic string) ([]Envelope, error) {
	raw, err := os.ReadFile(d.fixturePath(topic))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopicUnavailable, err)
	}
	var fixtures []mockEvent
	if err := json.Unmarshal(raw, &fixtures); err != nil {
		return nil, fmt.Errorf("%w: fixture %s: %v", ErrTransport, d.fixturePath(topic), err)
	}
	evs := make([]Envelope, 0, len(fixtures))
	for i, f := range fixtures {
		replayID, err := base64.StdEncoding.DecodeString(f.ReplayID)
		if err != nil {
			return nil, fmt.Errorf("%w: fixture %s event %d: bad replay id: %v", ErrTransport, d.fixturePath(topic), i, err)
		}
		payload, err := base64.StdEncoding.DecodeString(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: fixture %s event %d: bad payload: %v", ErrTransport, d.fixturePath(topic), i, err)
		}
		evs = append(evs, Envelope{
			Topic:    topic,
			ReplayID: replayID,
			SchemaID: f.SchemaID,
			EventID:  f.EventID,
			Payload:  payload,
		})
	}
	return evs, nil
}

func (d *mockDriver) GetTopicInfo(ctx context.Context, topic string) (TopicInfo, error) {
	evs, err := d.load(topic)
	if err != nil {
		return TopicInfo{}, err
	}
	info := TopicInfo{Name: topic, CanSubscribe: true}
	if len(evs) > 0 {
		info.SchemaID = evs[0].SchemaID
	}
	return info, nil
}

func (d *mockDriver) Subscribe(ctx context.Context, topic string, start Start, numRequested int) (Stream, error) {
	evs, err := d.load(topic)
	if err != nil {
		return nil, err
	}
	if start.Preset == PresetCustom {
		// Replay strictly after the checkpoint.
		filtered := evs[:0]
		for _, ev := range evs {
			if bytes.Compare(ev.ReplayID, start.ReplayID) > 0 {
				filtered = append(filtered, ev)
			}
		}
		evs = filtered
	} else if start.Preset == PresetLatest {
		evs = nil
	}
	return &mockStream{pending: evs, budget: numRequested, done: make(chan struct{})}, nil
}

func (d *mockDriver) Close() error { return nil }

type mockStream struct {
	mu      sync.Mutex
	pending []Envelope
	budget  int

	cancel sync.Once
	done   chan struct{}
}

func (s *mockStream) Recv() (*FetchResponse, error) {
	select {
	case <-s.done:
		return nil, context.Canceled
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.budget
	if n > len(s.pending) {
		n = len(s.pending)
	}
	if n <= 0 {
		// Caught up: keepalive.
		return &FetchResponse{}, nil
	}
	evs := s.pending[:n]
	s.pending = s.pending[n:]
	s.budget -= n
	return &FetchResponse{Events: evs, LatestReplayID: evs[len(evs)-1].ReplayID}, nil
}

func (s *mockStream) Request(n int) error {
	s.mu.Lock()
	s.budget += n
	s.mu.Unlock()
	return nil
}

func (s *mockStream) Cancel() {
	s.cancel.Do(func() { close(s.done) })
}

func (s *mockStream) Close() error { return nil }
