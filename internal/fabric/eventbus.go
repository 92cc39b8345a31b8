package fabric

import (
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// KafkaPublisher is the event-bus plane sink backed by a franz-go producer.
// Production is idempotent and acks from all in-sync replicas.
type KafkaPublisher struct {
	client *kgo.Client
	tracer *kotel.Tracer
}

// NewKafkaPublisher connects a producer to the given brokers.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	tracer := kotel.NewTracer()
	kt := kotel.NewKotel(kotel.WithTracer(tracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.WithHooks(kt.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=fabric.NewKafkaPublisher: %w", err)
	}
	return &KafkaPublisher{client: client, tracer: tracer}, nil
}

// Publish produces one record synchronously. The key drives partition
// assignment so events for one entity stay ordered.
func (p *KafkaPublisher) Publish(ctx domain.Context, topic, key string, value []byte) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=fabric.Publish topic=%s: %w", topic, err)
	}
	slog.Debug("event published",
		slog.String("topic", topic),
		slog.String("key", key),
		slog.Int("bytes", len(value)))
	return nil
}

// Close flushes pending records and releases the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
