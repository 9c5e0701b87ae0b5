package ingest

import (
	"context"
	"log/slog"
	"time"

	"siphon/internal/auth"
	"siphon/internal/cursor"
	"siphon/internal/logging"
	"siphon/internal/pubsub"
	"siphon/internal/schema"
	"siphon/internal/sink"
	"siphon/internal/telemetry"
)

// Supervisor runs the continuous mode: one worker goroutine per topic,
// each owning its own transport connection and controller, re-issuing
// fetch requests after every keepalive until cancellation. Topics share
// nothing but the cursor store and the sink.
type Supervisor struct {
	tokens       auth.TokenSource
	newTransport TransportFactory
	schemas      *schema.Cache
	cursors      cursor.Store
	sink         sink.Sink
	topics       []TopicPlan
	metrics      *telemetry.Metrics

	fetchInterval time.Duration
	joinTimeout   time.Duration
}

func NewSupervisor(
	tokens auth.TokenSource,
	newTransport TransportFactory,
	schemas *schema.Cache,
	cursors cursor.Store,
	snk sink.Sink,
	topics []TopicPlan,
	metrics *telemetry.Metrics,
	fetchInterval, joinTimeout time.Duration,
) *Supervisor {
	return &Supervisor{
		tokens:        tokens,
		newTransport:  newTransport,
		schemas:       schemas,
		cursors:       cursors,
		sink:          snk,
		topics:        topics,
		metrics:       metrics,
		fetchInterval: fetchInterval,
		joinTimeout:   joinTimeout,
	}
}

// Run blocks until ctx is cancelled, then joins every worker within the
// configured timeout. A worker that fails to exit in time is logged,
// not waited on forever.
func (s *Supervisor) Run(ctx context.Context) error {
	creds, err := s.tokens.Token(ctx)
	if err != nil {
		return err
	}
	log := logging.L()

	dones := make([]chan struct{}, len(s.topics))
	for i, plan := range s.topics {
		done := make(chan struct{})
		dones[i] = done
		go s.runTopic(ctx, creds, plan, done)
	}

	<-ctx.Done()
	log.Info("shutdown requested, joining topic workers", "timeout", s.joinTimeout)

	deadline := time.NewTimer(s.joinTimeout)
	defer deadline.Stop()
	for i, done := range dones {
		select {
		case <-done:
		case <-deadline.C:
			log.Warn("topic worker did not exit within join timeout", "topic", s.topics[i].Name)
			return nil
		}
	}
	log.Info("all topic workers exited")
	return nil
}

func (s *Supervisor) runTopic(ctx context.Context, creds auth.Credentials, plan TopicPlan, done chan struct{}) {
	defer close(done)
	log := logging.L().With("topic", plan.Name)

	transport, err := s.newTransport(ctx, creds)
	if err != nil {
		log.Error("transport setup failed", "err", err)
		s.metrics.TopicsSkipped.WithLabelValues(classify(err)).Inc()
		return
	}
	defer transport.Close()

	controller := pubsub.NewController(transport, s.cursors, plan.Name, plan.Start, plan.BatchSize)
	sub, err := controller.Open(ctx)
	if err != nil {
		if pubsub.IsCancel(err) || ctx.Err() != nil {
			return
		}
		log.Error("subscribe failed", "err", err)
		s.metrics.TopicsSkipped.WithLabelValues(classify(err)).Inc()
		return
	}
	// Cancel the in-flight call first, then close the send side.
	defer sub.Close()
	defer sub.Cancel()

	// Cancellation must interrupt a blocked Recv, not wait it out.
	go func() {
		<-ctx.Done()
		sub.Cancel()
	}()

	for {
		resp, err := sub.Recv()
		if err != nil {
			if pubsub.IsCancel(err) || ctx.Err() != nil {
				// Expected consequence of shutdown, not a failure.
				log.Info("stream cancelled, worker exiting")
				return
			}
			log.Error("stream failed", "err", err)
			s.metrics.TopicsSkipped.WithLabelValues(classify(err)).Inc()
			return
		}

		if len(resp.Events) > 0 {
			s.handleBatch(ctx, plan, resp.Events, log)
			continue
		}

		// Keepalive: caught up. Idle until the next periodic fetch; the
		// wait is interruptible by cancellation.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.fetchInterval):
		}
		if err := sub.Request(plan.BatchSize); err != nil {
			if pubsub.IsCancel(err) || ctx.Err() != nil {
				return
			}
			log.Error("re-fetch request failed", "err", err)
			return
		}
	}
}

// handleBatch decodes and flushes one fetch response, then advances the
// checkpoint. The cursor write happens only after the flush succeeds;
// a flush failure leaves the checkpoint where it was and the events are
// redelivered on the next cycle.
func (s *Supervisor) handleBatch(ctx context.Context, plan TopicPlan, envelopes []pubsub.Envelope, log *slog.Logger) {
	var events []sink.Event
	var candidate []byte
	for _, env := range envelopes {
		s.metrics.EventsFetched.WithLabelValues(plan.Name).Inc()
		desc, err := s.schemas.Resolve(ctx, env.SchemaID)
		if err != nil {
			log.Error("schema unavailable, skipping event",
				"schema_id", env.SchemaID, "event_id", env.EventID, "err", err)
			continue
		}
		payload, err := schema.DecodeJSON(desc, env.Payload)
		if err != nil {
			log.Error("decode failed, skipping event",
				"schema_id", env.SchemaID, "event_id", env.EventID, "err", err)
			continue
		}
		events = append(events, sink.Event{
			Topic:    env.Topic,
			ReplayID: env.ReplayID,
			EventID:  env.EventID,
			Payload:  payload,
		})
		candidate = env.ReplayID
	}
	if len(events) == 0 {
		return
	}
	location, count, err := s.sink.Flush(ctx, events)
	if err != nil {
		log.Error("flush failed, checkpoint not advanced", "events", len(events), "err", err)
		return
	}
	s.metrics.EventsPersisted.WithLabelValues(plan.Name).Add(float64(count))
	log.Info("batch flushed", "events", count, "location", location)

	if err := s.cursors.Set(ctx, plan.Name, candidate); err != nil {
		log.Error("checkpoint write failed", "err", err)
	}
}
