package events

import (
	"context"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"cohort/internal/criteria"
	"cohort/internal/platform/config"
	"cohort/internal/refresh"
)

// Consumer reads domain events from Kafka and enqueues refresh triggers.
// Offsets are committed after enqueueing; a full refresh queue leaves the
// record uncommitted so it is redelivered.
type Consumer struct {
	client   *kgo.Client
	registry *criteria.Registry
	orch     *refresh.Orchestrator
	logger   *slog.Logger
}

func NewConsumer(cfg config.Kafka, registry *criteria.Registry, orch *refresh.Orchestrator, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		client:   client,
		registry: registry,
		orch:     orch,
		logger:   logger.With("component", "events"),
	}, nil
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var processed []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			if c.handle(rec) {
				processed = append(processed, rec)
			}
		})
		if len(processed) > 0 {
			if err := c.client.CommitRecords(ctx, processed...); err != nil {
				c.logger.Error("offset commit failed", "error", err)
			}
		}
	}
}

// handle reports whether the record's offset may be committed. Malformed
// events are logged and committed; retrying them cannot succeed.
func (c *Consumer) handle(rec *kgo.Record) bool {
	env, err := ParseEnvelope(rec.Value)
	if err != nil {
		c.logger.Warn("dropping malformed event",
			"topic", rec.Topic, "offset", rec.Offset, "error", err)
		return true
	}
	t, err := TriggerFor(env, c.registry)
	if err != nil {
		c.logger.Warn("dropping unroutable event",
			"event_type", env.EventType, "error", err)
		return true
	}
	if t == nil {
		return true
	}
	if err := c.orch.Enqueue(t); err != nil {
		c.logger.Warn("refresh queue full, leaving event for redelivery",
			"event_type", env.EventType, "offset", rec.Offset)
		return false
	}
	c.logger.Debug("event trigger enqueued",
		"trigger_id", t.ID, "event_type", env.EventType, "subject_id", env.SubjectID)
	return true
}
