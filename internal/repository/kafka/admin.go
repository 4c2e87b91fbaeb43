package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type TopicSpec struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

// EnsureTopics creates missing topics through the cluster controller and waits
// up to maxWait for each to report partitions.
func EnsureTopics(ctx context.Context, brokers []string, maxWait time.Duration, log *zap.Logger, specs ...TopicSpec) error {
	if len(brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	cfgs := make([]kafka.TopicConfig, 0, len(specs))
	for _, s := range specs {
		cfgs = append(cfgs, kafka.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     max(s.NumPartitions, 1),
			ReplicationFactor: max(s.ReplicationFactor, 1),
		})
	}
	if err := cc.CreateTopics(cfgs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		log.Warn("create topics", zap.Error(err))
	}

	wctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for _, s := range specs {
		for {
			if ps, err := conn.ReadPartitions(s.Name); err == nil && len(ps) > 0 {
				log.Info("topic ready", zap.String("topic", s.Name), zap.Int("partitions", len(ps)))
				break
			}
			select {
			case <-wctx.Done():
				return fmt.Errorf("topic %s not ready: %w", s.Name, wctx.Err())
			case <-tick.C:
			}
		}
	}
	return nil
}
