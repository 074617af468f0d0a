// Package bus provides the partitioned message bus the pipeline stages
// communicate over, with an in-process implementation for tests and
// single-node deployments and a Kafka implementation for everything else.
package bus

import "context"

// Message is one record on a topic. Key determines the partition, so all
// messages sharing a key are delivered in order to a single handler.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int
}

// Handler processes one message. Returning an error triggers bounded
// redelivery; after that the message is skipped (stages own dead-lettering).
type Handler func(ctx context.Context, msg Message) error

// Bus is the publish/subscribe contract shared by implementations.
type Bus interface {
	// Publish appends one message to the topic, partitioned by key.
	Publish(ctx context.Context, topic, key string, value []byte) error

	// Subscribe consumes the topic under the given group until ctx is
	// cancelled. Messages within one partition are handled sequentially.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error

	Close() error
}
