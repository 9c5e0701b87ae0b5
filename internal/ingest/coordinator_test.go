package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/linkedin/goavro/v2"
	"github.com/prometheus/client_golang/prometheus"

	"siphon/internal/auth"
	"siphon/internal/cursor"
	"siphon/internal/pubsub"
	"siphon/internal/schema"
	"siphon/internal/sink"
	"siphon/internal/telemetry"
)

const orderSchema = `{
	"type": "record",
	"name": "OrderEvent",
	"fields": [
		{"name": "OrderId", "type": "string"},
		{"name": "Amount", "type": "long"}
	]
}`

/*──────── fakes ───────*/

type stubTokens struct {
	err error
}

func (s *stubTokens) Token(ctx context.Context) (auth.Credentials, error) {
	if s.err != nil {
		return auth.Credentials{}, s.err
	}
	return auth.Credentials{AccessToken: "tok", InstanceURL: "https://inst", TenantID: "tid"}, nil
}

type scriptStream struct {
	mu           sync.Mutex
	responses    []*pubsub.FetchResponse
	requests     []int
	blocking     bool // once drained, block in Recv until cancelled
	ignoreCancel bool
	done         chan struct{}
	cancel       sync.Once
}

func newScriptStream(responses ...*pubsub.FetchResponse) *scriptStream {
	return &scriptStream{responses: responses, done: make(chan struct{})}
}

func (s *scriptStream) Recv() (*pubsub.FetchResponse, error) {
	s.mu.Lock()
	if len(s.responses) > 0 {
		resp := s.responses[0]
		s.responses = s.responses[1:]
		s.mu.Unlock()
		return resp, nil
	}
	blocking := s.blocking
	s.mu.Unlock()
	if blocking {
		<-s.done
		return nil, context.Canceled
	}
	select {
	case <-s.done:
		return nil, context.Canceled
	default:
	}
	return &pubsub.FetchResponse{}, nil
}

func (s *scriptStream) Request(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, n)
	return nil
}

func (s *scriptStream) Cancel() {
	if s.ignoreCancel {
		return
	}
	s.cancel.Do(func() { close(s.done) })
}

func (s *scriptStream) Close() error { return nil }

type scriptTransport struct {
	mu      sync.Mutex
	streams map[string]*scriptStream
	infoErr map[string]error
	starts  map[string]pubsub.Start
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{
		streams: map[string]*scriptStream{},
		infoErr: map[string]error{},
		starts:  map[string]pubsub.Start{},
	}
}

func (t *scriptTransport) GetTopicInfo(ctx context.Context, topic string) (pubsub.TopicInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.infoErr[topic]; err != nil {
		return pubsub.TopicInfo{}, err
	}
	return pubsub.TopicInfo{Name: topic, SchemaID: "s1", CanSubscribe: true}, nil
}

func (t *scriptTransport) Subscribe(ctx context.Context, topic string, start pubsub.Start, numRequested int) (pubsub.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts[topic] = start
	if s, ok := t.streams[topic]; ok {
		return s, nil
	}
	return newScriptStream(), nil
}

func (t *scriptTransport) Close() error { return nil }

func (t *scriptTransport) startFor(topic string) pubsub.Start {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts[topic]
}

type memCursors struct {
	mu        sync.Mutex
	data      map[string][]byte
	sets      []string
	setErr    map[string]error
	beforeSet func()
}

func newMemCursors() *memCursors {
	return &memCursors{data: map[string][]byte{}, setErr: map[string]error{}}
}

func (m *memCursors) Get(ctx context.Context, topic string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.data[topic]
	return pos, ok, nil
}

func (m *memCursors) Set(ctx context.Context, topic string, pos []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beforeSet != nil {
		m.beforeSet()
	}
	if err := m.setErr[topic]; err != nil {
		return err
	}
	m.data[topic] = append([]byte(nil), pos...)
	m.sets = append(m.sets, topic)
	return nil
}

func (m *memCursors) Close() error { return nil }

func (m *memCursors) position(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.data[topic]
	return pos, ok
}

func (m *memCursors) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets)
}

type memSink struct {
	mu       sync.Mutex
	flushes  [][]sink.Event
	attempts int
	failErr  error
	onFlush  func()
}

func (s *memSink) Flush(ctx context.Context, events []sink.Event) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failErr != nil {
		return "", 0, s.failErr
	}
	s.flushes = append(s.flushes, append([]sink.Event(nil), events...))
	if s.onFlush != nil {
		s.onFlush()
	}
	return fmt.Sprintf("mem://flush-%d", len(s.flushes)), len(events), nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) persisted() []sink.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []sink.Event
	for _, f := range s.flushes {
		all = append(all, f...)
	}
	return all
}

func (s *memSink) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flushes)
}

func (s *memSink) flushAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *scriptStream) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubSchemaFetcher struct {
	err error
}

func (f *stubSchemaFetcher) Fetch(ctx context.Context, schemaID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return orderSchema, nil
}

/*──────── helpers ───────*/

func encodeOrder(t *testing.T, orderID string, amount int64) []byte {
	t.Helper()
	codec, err := goavro.NewCodec(orderSchema)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	raw, err := codec.BinaryFromNative(nil, map[string]any{"OrderId": orderID, "Amount": amount})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func envelope(t *testing.T, topic, eventID string, replay []byte, payload []byte) pubsub.Envelope {
	t.Helper()
	return pubsub.Envelope{Topic: topic, ReplayID: replay, SchemaID: "s1", EventID: eventID, Payload: payload}
}

func testMetrics() *telemetry.Metrics {
	return telemetry.New(prometheus.NewRegistry())
}

func newCoordinator(tr *scriptTransport, cursors *memCursors, snk sink.Sink, fetcher schema.Fetcher, topics []TopicPlan) *Coordinator {
	factory := func(ctx context.Context, creds auth.Credentials) (pubsub.Transport, error) {
		return tr, nil
	}
	return NewCoordinator(&stubTokens{}, factory, schema.NewCache(fetcher), cursors, snk, nil, topics, testMetrics())
}

/*──────── tests ───────*/

func TestRunCycle_FlushesThenAdvancesCheckpoint(t *testing.T) {
	const topic = "/event/Order__e"
	tr := newScriptTransport()
	tr.streams[topic] = newScriptStream(&pubsub.FetchResponse{Events: []pubsub.Envelope{
		envelope(t, topic, "e1", []byte("p1"), encodeOrder(t, "o1", 1)),
		envelope(t, topic, "e2", []byte("p2"), encodeOrder(t, "o2", 2)),
		envelope(t, topic, "e3", []byte("p3"), encodeOrder(t, "o3", 3)),
	}})

	cursors := newMemCursors()
	snk := &memSink{}
	// Checkpoints must only advance after the flush is durable.
	flushed := false
	snk.onFlush = func() { flushed = true }
	cursors.beforeSet = func() {
		if !flushed {
			t.Error("checkpoint written before flush")
		}
	}

	c := newCoordinator(tr, cursors, snk, &stubSchemaFetcher{}, []TopicPlan{
		{Name: topic, Start: pubsub.PresetEarliest, BatchSize: 10, MaxEvents: 100},
	})
	summary, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Fetched != 3 || summary.Persisted != 3 {
		t.Fatalf("want 3 fetched and persisted, got %+v", summary)
	}
	if len(summary.Advanced) != 1 || summary.Advanced[0] != topic {
		t.Fatalf("want topic advanced, got %v", summary.Advanced)
	}
	pos, ok := cursors.position(topic)
	if !ok || !bytes.Equal(pos, []byte("p3")) {
		t.Fatalf("want checkpoint p3, got %q ok=%v", pos, ok)
	}
	if got := snk.persisted(); len(got) != 3 || got[2].EventID != "e3" {
		t.Fatalf("unexpected persisted events: %+v", got)
	}
}

func TestRunCycle_EmptyBatchIsNoFlushNoAdvance(t *testing.T) {
	const topic = "/event/Order__e"
	tr := newScriptTransport()
	cursors := newMemCursors()
	cursors.data[topic] = []byte("p9")
	snk := &memSink{}

	c := newCoordinator(tr, cursors, snk, &stubSchemaFetcher{}, []TopicPlan{
		{Name: topic, Start: pubsub.PresetEarliest, BatchSize: 10},
	})
	summary, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Persisted != 0 || snk.flushCount() != 0 {
		t.Fatalf("empty cycle must not flush, got %+v", summary)
	}
	pos, _ := cursors.position(topic)
	if !bytes.Equal(pos, []byte("p9")) {
		t.Fatalf("checkpoint moved on empty cycle: %q", pos)
	}
	if cursors.writes() != 0 {
		t.Fatal("checkpoint written on empty cycle")
	}
}

func TestRunCycle_FlushFailureWritesNoCheckpoints(t *testing.T) {
	topicA := "/event/A__e"
	topicB := "/event/B__e"
	tr := newScriptTransport()
	tr.streams[topicA] = newScriptStream(&pubsub.FetchResponse{Events: []pubsub.Envelope{
		envelope(t, topicA, "a1", []byte("pa1"), encodeOrder(t, "o1", 1)),
	}})
	tr.streams[topicB] = newScriptStream(&pubsub.FetchResponse{Events: []pubsub.Envelope{
		envelope(t, topicB, "b1", []byte("pb1"), encodeOrder(t, "o2", 2)),
	}})

	cursors := newMemCursors()
	snk := &memSink{failErr: fmt.Errorf("%w: disk full", sink.ErrPersistence)}

	c := newCoordinator(tr, cursors, snk, &stubSchemaFetcher{}, []TopicPlan{
		{Name: topicA, Start: pubsub.PresetEarliest, BatchSize: 10},
		{Name: topicB, Start: pubsub.PresetEarliest, BatchSize: 10},
	})
	_, err := c.RunCycle(context.Background())
	if !errors.Is(err, sink.ErrPersistence) {
		t.Fatalf("want ErrPersistence, got %v", err)
	}
	if cursors.writes() != 0 {
		t.Fatalf("flush failed but %d checkpoints were written", cursors.writes())
	}
}

func TestRunCycle_TopicFailureIsIsolated(t *testing.T) {
	topicA := "/event/A__e"
	topicB := "/event/B__e"
	tr := newScriptTransport()
	tr.infoErr[topicA] = fmt.Errorf("%w: no such topic", pubsub.ErrTopicUnavailable)
	tr.streams[topicB] = newScriptStream(&pubsub.FetchResponse{Events: []pubsub.Envelope{
		envelope(t, topicB, "b1", []byte("pb1"), encodeOrder(t, "o1", 1)),
	}})

	cursors := newMemCursors()
	snk := &memSink{}
	c := newCoordinator(tr, cursors, snk, &stubSchemaFetcher{}, []TopicPlan{
		{Name: topicA, Start: pubsub.PresetEarliest, BatchSize: 10},
		{Name: topicB, Start: pubsub.PresetEarliest, BatchSize: 10},
	})
	summary, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Skipped[topicA] != "topic_unavailable" {
		t.Fatalf("want topic A skipped as topic_unavailable, got %v", summary.Skipped)
	}
	if len(summary.Advanced) != 1 || summary.Advanced[0] != topicB {
		t.Fatalf("topic B should still advance, got %v", summary.Advanced)
	}
	if _, ok := cursors.position(topicA); ok {
		t.Fatal("failed topic must not gain a checkpoint")
	}
}

func TestRunCycle_DecodeFailureSkipsEnvelopeOnly(t *testing.T) {
	const topic = "/event/Order__e"
	tr := newScriptTransport()
	tr.streams[topic] = newScriptStream(&pubsub.FetchResponse{Events: []pubsub.Envelope{
		envelope(t, topic, "e1", []byte("p1"), encodeOrder(t, "o1", 1)),
		envelope(t, topic, "e2", []byte("p2"), []byte("garbage")),
	}})

	cursors := newMemCursors()
	snk := &memSink{}
	c := newCoordinator(tr, cursors, snk, &stubSchemaFetcher{}, []TopicPlan{
		{Name: topic, Start: pubsub.PresetEarliest, BatchSize: 10},
	})
	summary, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Fetched != 2 || summary.Persisted != 1 {
		t.Fatalf("want 2 fetched 1 persisted, got %+v", summary)
	}
	// The checkpoint may not cover the skipped envelope.
	pos, ok := cursors.position(topic)
	if !ok || !bytes.Equal(pos, []byte("p1")) {
		t.Fatalf("want checkpoint p1, got %q ok=%v", pos, ok)
	}
}

func TestRunCycle_SchemaUnavailableSkipsEnvelopes(t *testing.T) {
	const topic = "/event/Order__e"
	tr := newScriptTransport()
	tr.streams[topic] = newScriptStream(&pubsub.FetchResponse{Events: []pubsub.Envelope{
		envelope(t, topic, "e1", []byte("p1"), encodeOrder(t, "o1", 1)),
	}})

	cursors := newMemCursors()
	snk := &memSink{}
	c := newCoordinator(tr, cursors, snk, &stubSchemaFetcher{err: fmt.Errorf("registry down")}, []TopicPlan{
		{Name: topic, Start: pubsub.PresetEarliest, BatchSize: 10},
	})
	summary, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Fetched != 1 || summary.Persisted != 0 {
		t.Fatalf("want 1 fetched 0 persisted, got %+v", summary)
	}
	if snk.flushCount() != 0 || cursors.writes() != 0 {
		t.Fatal("nothing decodable, so nothing may be flushed or checkpointed")
	}
}

func TestRunCycle_CheckpointWriteFailureIsIsolated(t *testing.T) {
	topicA := "/event/A__e"
	topicB := "/event/B__e"
	tr := newScriptTransport()
	tr.streams[topicA] = newScriptStream(&pubsub.FetchResponse{Events: []pubsub.Envelope{
		envelope(t, topicA, "a1", []byte("pa1"), encodeOrder(t, "o1", 1)),
	}})
	tr.streams[topicB] = newScriptStream(&pubsub.FetchResponse{Events: []pubsub.Envelope{
		envelope(t, topicB, "b1", []byte("pb1"), encodeOrder(t, "o2", 2)),
	}})

	cursors := newMemCursors()
	cursors.setErr[topicA] = fmt.Errorf("%w: locked", cursor.ErrStore)
	snk := &memSink{}
	c := newCoordinator(tr, cursors, snk, &stubSchemaFetcher{}, []TopicPlan{
		{Name: topicA, Start: pubsub.PresetEarliest, BatchSize: 10},
		{Name: topicB, Start: pubsub.PresetEarliest, BatchSize: 10},
	})
	summary, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Persisted != 2 {
		t.Fatalf("both events should persist, got %+v", summary)
	}
	if summary.Skipped[topicA] != "cursor_store" {
		t.Fatalf("want topic A marked cursor_store, got %v", summary.Skipped)
	}
	if len(summary.Advanced) != 1 || summary.Advanced[0] != topicB {
		t.Fatalf("want only topic B advanced, got %v", summary.Advanced)
	}
}

func TestRunCycle_ResumesFromStoredCheckpoint(t *testing.T) {
	const topic = "/event/Order__e"
	tr := newScriptTransport()
	cursors := newMemCursors()
	cursors.data[topic] = []byte("p7")

	c := newCoordinator(tr, cursors, &memSink{}, &stubSchemaFetcher{}, []TopicPlan{
		{Name: topic, Start: pubsub.PresetLatest, BatchSize: 10},
	})
	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	start := tr.startFor(topic)
	if start.Preset != pubsub.PresetCustom || !bytes.Equal(start.ReplayID, []byte("p7")) {
		t.Fatalf("want custom start at p7, got %+v", start)
	}
}

func TestRunCycle_AuthFailureIsFatal(t *testing.T) {
	tr := newScriptTransport()
	factory := func(ctx context.Context, creds auth.Credentials) (pubsub.Transport, error) {
		return tr, nil
	}
	c := NewCoordinator(
		&stubTokens{err: fmt.Errorf("%w: invalid grant", auth.ErrAuth)},
		factory, schema.NewCache(&stubSchemaFetcher{}), newMemCursors(), &memSink{}, nil,
		[]TopicPlan{{Name: "/event/Order__e", Start: pubsub.PresetEarliest, BatchSize: 10}},
		testMetrics(),
	)
	if _, err := c.RunCycle(context.Background()); !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("want ErrAuth, got %v", err)
	}
}

func TestRunCycle_MaxEventsBoundsTheDrain(t *testing.T) {
	const topic = "/event/Order__e"
	tr := newScriptTransport()
	tr.streams[topic] = newScriptStream(
		&pubsub.FetchResponse{Events: []pubsub.Envelope{
			envelope(t, topic, "e1", []byte("p1"), encodeOrder(t, "o1", 1)),
			envelope(t, topic, "e2", []byte("p2"), encodeOrder(t, "o2", 2)),
		}},
		&pubsub.FetchResponse{Events: []pubsub.Envelope{
			envelope(t, topic, "e3", []byte("p3"), encodeOrder(t, "o3", 3)),
		}},
	)

	cursors := newMemCursors()
	snk := &memSink{}
	c := newCoordinator(tr, cursors, snk, &stubSchemaFetcher{}, []TopicPlan{
		{Name: topic, Start: pubsub.PresetEarliest, BatchSize: 10, MaxEvents: 2},
	})
	summary, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Fetched != 2 || summary.Persisted != 2 {
		t.Fatalf("want drain capped at 2, got %+v", summary)
	}
	pos, _ := cursors.position(topic)
	if !bytes.Equal(pos, []byte("p2")) {
		t.Fatalf("want checkpoint p2, got %q", pos)
	}
}
