// Package ingest drives ingestion cycles across all configured topics:
// the bounded batch cycle (Coordinator) and the continuous streaming
// run (Supervisor) share the controller, cache, decoder, and cursor
// store underneath.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"siphon/internal/auth"
	"siphon/internal/cursor"
	"siphon/internal/logging"
	"siphon/internal/pubsub"
	"siphon/internal/schema"
	"siphon/internal/sink"
	"siphon/internal/telemetry"
	"siphon/internal/upload"
)

// TransportFactory opens a transport for one cycle or one worker, using
// freshly acquired credentials.
type TransportFactory func(ctx context.Context, creds auth.Credentials) (pubsub.Transport, error)

// Coordinator runs one bounded ingestion cycle: drain every topic, flush
// once, then advance checkpoints. It exclusively owns the batch and the
// per-cycle candidate-checkpoint map.
type Coordinator struct {
	tokens       auth.TokenSource
	newTransport TransportFactory
	schemas      *schema.Cache
	cursors      cursor.Store
	sink         sink.Sink
	uploader     upload.Uploader // nil = upload disabled
	topics       []TopicPlan
	metrics      *telemetry.Metrics
}

func NewCoordinator(
	tokens auth.TokenSource,
	newTransport TransportFactory,
	schemas *schema.Cache,
	cursors cursor.Store,
	snk sink.Sink,
	uploader upload.Uploader,
	topics []TopicPlan,
	metrics *telemetry.Metrics,
) *Coordinator {
	return &Coordinator{
		tokens:       tokens,
		newTransport: newTransport,
		schemas:      schemas,
		cursors:      cursors,
		sink:         snk,
		uploader:     uploader,
		topics:       topics,
		metrics:      metrics,
	}
}

// Summary is what a cycle reports instead of crashing on partial
// failure.
type Summary struct {
	Fetched   int
	Persisted int
	Location  string
	Advanced  []string
	Skipped   map[string]string // topic -> reason
}

// RunCycle executes one cycle. Only auth and flush failures (and
// cancellation) are cycle-fatal; everything else is isolated to its
// topic or envelope and reflected in the summary.
func (c *Coordinator) RunCycle(ctx context.Context) (*Summary, error) {
	started := time.Now()
	log := logging.L()

	creds, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	transport, err := c.newTransport(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pubsub.ErrTransport, err)
	}
	defer transport.Close()

	summary := &Summary{Skipped: map[string]string{}}
	var batch []sink.Event
	candidates := map[string][]byte{}

	for _, plan := range c.topics {
		fetched, candidate, err := c.drainTopic(ctx, transport, plan, &batch)
		summary.Fetched += fetched
		if candidate != nil {
			candidates[plan.Name] = candidate
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			reason := classify(err)
			log.Error("topic cycle failed", "topic", plan.Name, "reason", reason, "err", err)
			c.metrics.TopicsSkipped.WithLabelValues(reason).Inc()
			summary.Skipped[plan.Name] = reason
		}
	}

	if len(batch) == 0 {
		log.Info("no new events", "topics", len(c.topics))
		c.metrics.CycleDuration.Observe(time.Since(started).Seconds())
		return summary, nil
	}

	location, count, err := c.sink.Flush(ctx, batch)
	if err != nil {
		// The batch spans all topics; no checkpoint may advance.
		return nil, fmt.Errorf("flush %d events: %w", len(batch), err)
	}
	summary.Persisted = count
	summary.Location = location
	perTopic := map[string]int{}
	for _, ev := range batch {
		perTopic[ev.Topic]++
	}
	for topic, n := range perTopic {
		c.metrics.EventsPersisted.WithLabelValues(topic).Add(float64(n))
	}
	log.Info("batch flushed", "events", count, "location", location)

	c.uploadFlushed(ctx, location)

	for _, plan := range c.topics {
		candidate, ok := candidates[plan.Name]
		if !ok {
			continue
		}
		if err := c.cursors.Set(ctx, plan.Name, candidate); err != nil {
			// Topic-scoped: the prior checkpoint is retried next cycle.
			log.Error("checkpoint write failed", "topic", plan.Name, "err", err)
			c.metrics.TopicsSkipped.WithLabelValues(classify(err)).Inc()
			summary.Skipped[plan.Name] = classify(err)
			continue
		}
		summary.Advanced = append(summary.Advanced, plan.Name)
	}

	c.metrics.CycleDuration.Observe(time.Since(started).Seconds())
	return summary, nil
}

// drainTopic fetches one topic's events into the shared batch. The
// returned candidate is the position of the last envelope actually
// appended, so a checkpoint can never cover an event that was skipped
// or never stored. Errors are topic-scoped; the candidate accumulated
// before the error still stands, because those events will be flushed.
func (c *Coordinator) drainTopic(ctx context.Context, transport pubsub.Transport, plan TopicPlan, batch *[]sink.Event) (int, []byte, error) {
	log := logging.L()
	controller := pubsub.NewController(transport, c.cursors, plan.Name, plan.Start, plan.BatchSize)
	sub, err := controller.Open(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer sub.Close()
	defer sub.Cancel()

	fetched := 0
	var candidate []byte
	err = sub.Drain(ctx, plan.MaxEvents, func(env pubsub.Envelope) error {
		fetched++
		c.metrics.EventsFetched.WithLabelValues(plan.Name).Inc()

		desc, err := c.schemas.Resolve(ctx, env.SchemaID)
		if err != nil {
			// Envelope-scoped: skip this event, keep the topic going.
			log.Error("schema unavailable, skipping event",
				"topic", plan.Name, "schema_id", env.SchemaID, "event_id", env.EventID, "err", err)
			return nil
		}
		payload, err := schema.DecodeJSON(desc, env.Payload)
		if err != nil {
			log.Error("decode failed, skipping event",
				"topic", plan.Name, "schema_id", env.SchemaID, "event_id", env.EventID, "err", err)
			return nil
		}
		*batch = append(*batch, sink.Event{
			Topic:    env.Topic,
			ReplayID: env.ReplayID,
			EventID:  env.EventID,
			Payload:  payload,
		})
		candidate = env.ReplayID
		return nil
	})
	return fetched, candidate, err
}

func (c *Coordinator) uploadFlushed(ctx context.Context, location string) {
	if c.uploader == nil || location == "" {
		return
	}
	remote := "events/" + filepath.Base(location)
	if err := c.uploader.Upload(ctx, location, remote); err != nil {
		// Best-effort: the flush and checkpoints stand regardless.
		logging.L().Warn("upload failed", "location", location, "err", err)
		return
	}
	logging.L().Info("uploaded flushed batch", "location", location, "remote", remote)
}

func classify(err error) string {
	switch {
	case errors.Is(err, pubsub.ErrTopicUnavailable):
		return "topic_unavailable"
	case errors.Is(err, pubsub.ErrTransport):
		return "transport"
	case errors.Is(err, schema.ErrUnavailable):
		return "schema_unavailable"
	case errors.Is(err, schema.ErrDecode):
		return "decode"
	case errors.Is(err, cursor.ErrStore):
		return "cursor_store"
	case errors.Is(err, sink.ErrPersistence):
		return "persistence"
	case errors.Is(err, auth.ErrAuth):
		return "auth"
	default:
		return "error"
	}
}
