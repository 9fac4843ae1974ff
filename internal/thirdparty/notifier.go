package thirdparty

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dbsmedya/goforget/internal/logger"
)

// Message is the erasure instruction sent to one processor.
type Message struct {
	NotificationID string    `json:"notification_id"`
	RequestID      string    `json:"request_id"`
	Processor      string    `json:"processor"`
	Subject        string    `json:"subject"`
	Ground         string    `json:"erasure_ground"`
	RequestedAt    time.Time `json:"requested_at"`
}

// Notifier delivers erasure instructions to processors.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// producer is the part of *kgo.Client the Kafka notifier uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaNotifier publishes one record per notification, keyed by request id
// so that all instructions of a request land on the same partition.
type KafkaNotifier struct {
	client producer
	topic  string
	close  func()
}

// NewKafkaNotifier connects a producer to the given brokers.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaNotifier{client: client, topic: topic, close: client.Close}, nil
}

func (k *KafkaNotifier) Notify(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(msg.RequestID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "processor", Value: []byte(msg.Processor)},
			{Key: "notification_id", Value: []byte(msg.NotificationID)},
		},
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish notification for %s: %w", msg.Processor, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaNotifier) Close() {
	if k.close != nil {
		k.close()
	}
}

// LogNotifier only logs the instruction. It is used when no broker is
// configured and processors are contacted out of band.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewDefault()
	}
	return &LogNotifier{logger: log}
}

func (l *LogNotifier) Notify(_ context.Context, msg Message) error {
	l.logger.WithRequest(msg.RequestID).WithSubject(msg.Subject).Infow("Processor notification",
		"processor", msg.Processor, "notification_id", msg.NotificationID)
	return nil
}
