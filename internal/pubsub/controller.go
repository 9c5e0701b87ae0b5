package pubsub

import (
	"context"
	"fmt"

	"siphon/internal/logging"
)

// CursorGetter is the read side of the checkpoint store. The controller
// never writes checkpoints; advancement belongs to the coordinator.
type CursorGetter interface {
	Get(ctx context.Context, topic string) ([]byte, bool, error)
}

// Controller negotiates the starting position for one topic and opens
// the envelope stream. One instance per topic per cycle.
type Controller struct {
	transport    Transport
	cursors      CursorGetter
	topic        string
	defaultStart ReplayPreset
	batchSize    int
}

func NewController(t Transport, cursors CursorGetter, topic string, defaultStart ReplayPreset, batchSize int) *Controller {
	return &Controller{
		transport:    t,
		cursors:      cursors,
		topic:        topic,
		defaultStart: defaultStart,
		batchSize:    batchSize,
	}
}

// Open probes the topic, resolves the starting position, and issues the
// subscribe request. A stored checkpoint always wins over the configured
// default preset. Fails fast before subscribing when the topic is not
// subscribable.
func (c *Controller) Open(ctx context.Context) (*Subscription, error) {
	info, err := c.transport.GetTopicInfo(ctx, c.topic)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", c.topic, err)
	}
	if !info.CanSubscribe {
		return nil, fmt.Errorf("topic %s: not subscribable: %w", c.topic, ErrTopicUnavailable)
	}

	start := Start{Preset: c.defaultStart}
	pos, ok, err := c.cursors.Get(ctx, c.topic)
	if err != nil {
		return nil, fmt.Errorf("topic %s: read checkpoint: %w", c.topic, err)
	}
	if ok {
		start = Start{Preset: PresetCustom, ReplayID: pos}
	}
	logging.L().Info("subscribing", "topic", c.topic, "preset", start.Preset.String(), "batch_size", c.batchSize)

	stream, err := c.transport.Subscribe(ctx, c.topic, start, c.batchSize)
	if err != nil {
		return nil, fmt.Errorf("topic %s: subscribe: %w", c.topic, err)
	}
	return &Subscription{Topic: c.topic, Start: start, stream: stream}, nil
}

// Subscription is one open per-topic stream together with the start it
// was negotiated from.
type Subscription struct {
	Topic string
	Start Start

	stream Stream
}

func (s *Subscription) Recv() (*FetchResponse, error) { return s.stream.Recv() }
func (s *Subscription) Request(n int) error           { return s.stream.Request(n) }
func (s *Subscription) Cancel()                       { s.stream.Cancel() }
func (s *Subscription) Close() error                  { return s.stream.Close() }

// Drain receives until the first keepalive or until max envelopes have
// been delivered to fn. fn is invoked once per envelope; a non-nil
// return aborts the drain and surfaces as the topic's failure. Envelope
// positions within the stream are non-decreasing per the service's
// contract; the caller tracks the maximum observed position.
func (s *Subscription) Drain(ctx context.Context, max int, fn func(Envelope) error) error {
	delivered := 0
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if IsCancel(err) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(resp.Events) == 0 {
			// Keepalive: caught up for this cycle.
			return nil
		}
		for _, env := range resp.Events {
			if err := fn(env); err != nil {
				return err
			}
			delivered++
			if max > 0 && delivered >= max {
				return nil
			}
		}
	}
}
