package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultKafkaPolicy is used when relaying status events to kafka.
func DefaultKafkaPolicy(log *zap.Logger) Policy {
	return Policy{
		Name:     "kafka_publish",
		Attempts: 6,
		Backoff:  Exponential{Base: 200 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 100 * time.Millisecond},
		Retryable: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnAttempt: func(i int, err error) {
			if log != nil {
				log.Warn("kafka publish retry", zap.Int("attempt", i+1), zap.Error(err))
			}
		},
		OnExhaust: func(err error) {
			if log != nil && !errors.Is(err, context.Canceled) {
				log.Error("kafka publish retries exhausted", zap.Error(err))
			}
		},
	}
}
