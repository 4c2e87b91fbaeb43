package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BootstrapConsumer makes sure the consumed topic exists, then opens the
// group reader. A topic that cannot be confirmed is logged and the reader is
// opened anyway, so the consumer keeps retrying fetches until it appears.
func BootstrapConsumer(ctx context.Context, cfg *ConsumerConfig, partitions, replication int, logger *zap.Logger) *Consumer {
	err := EnsureTopics(ctx, cfg.Brokers, 5*time.Second, logger, TopicSpec{
		Name:              cfg.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
	if err != nil && logger != nil {
		logger.Warn("consumer topic bootstrap", zap.String("topic", cfg.Topic), zap.Error(err))
	}
	return NewConsumer(cfg)
}
