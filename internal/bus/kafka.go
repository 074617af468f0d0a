package bus

import (
	"context"
	"fmt"
	"log"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka is a Bus backed by a Kafka (or Redpanda) cluster. Records are keyed
// by correlation key so the broker's partitioner preserves per-key ordering.
type Kafka struct {
	brokers  []string
	producer *kgo.Client
}

// NewKafka creates the shared producer client. Each Subscribe call creates
// its own consumer-group client so groups rebalance independently.
func NewKafka(brokers []string) (*Kafka, error) {
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Kafka{brokers: brokers, producer: producer}, nil
}

// Publish produces one record synchronously.
func (k *Kafka) Publish(ctx context.Context, topic, key string, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe polls the topic under the consumer group until ctx is done.
// Offsets are committed only after the handler returns, so an uncommitted
// crash redelivers (at-least-once).
func (k *Kafka) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	defer client.Close()

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(t string, p int32, err error) {
			log.Printf("ERROR: kafka fetch error on %s[%d]: %v", t, p, err)
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			msg := Message{
				Topic:     rec.Topic,
				Key:       string(rec.Key),
				Value:     rec.Value,
				Partition: int(rec.Partition),
			}
			if err := handler(ctx, msg); err != nil {
				// The stage owns retries and dead-lettering; log and move on.
				log.Printf("ERROR: handler failed on %s[%d] offset %d: %v",
					rec.Topic, rec.Partition, rec.Offset, err)
			}
		})

		if err := client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			log.Printf("ERROR: kafka commit failed for group %s: %v", group, err)
		}
	}
}

// Close shuts down the producer client.
func (k *Kafka) Close() error {
	k.producer.Close()
	return nil
}
