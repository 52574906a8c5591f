package kafkahook

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the extension uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

var _ Writer = (*kafka.Writer)(nil)

// NewWriter returns a kafka-go writer for topic that waits for all in-sync
// replicas to acknowledge each write.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
