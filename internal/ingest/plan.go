package ingest

import (
	"fmt"

	"siphon/internal/config"
	"siphon/internal/pubsub"
)

// TopicPlan is one topic's resolved cycle parameters.
type TopicPlan struct {
	Name      string
	Start     pubsub.ReplayPreset // first-run preset; a checkpoint always overrides it
	BatchSize int                 // events per fetch request
	MaxEvents int                 // drain cap per batch cycle; 0 = unbounded
}

// BuildPlans resolves per-topic overrides against the top-level
// defaults.
func BuildPlans(cfg config.Config) ([]TopicPlan, error) {
	defStart, err := pubsub.ParsePreset(cfg.ReplayDefault)
	if err != nil {
		return nil, fmt.Errorf("replay_default: %w", err)
	}
	plans := make([]TopicPlan, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		start := defStart
		if t.Start != "" {
			if start, err = pubsub.ParsePreset(t.Start); err != nil {
				return nil, fmt.Errorf("topic %s: %w", t.Name, err)
			}
		}
		batch := cfg.BatchSize
		if t.BatchSize > 0 {
			batch = t.BatchSize
		}
		plans = append(plans, TopicPlan{
			Name:      t.Name,
			Start:     start,
			BatchSize: batch,
			MaxEvents: cfg.MaxEvents,
		})
	}
	return plans, nil
}
