package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// kafkaProducer abstracts the kafka writer so the mirror can be tested
// without a broker.
type kafkaProducer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaMirror republishes every bus event to a kafka topic so external
// consumers can observe the control plane. Delivery is best effort: produce
// failures are logged and never propagate to publishers.
type KafkaMirror struct {
	writer kafkaProducer
	topic  string
	cancel func()
}

// NewKafkaMirror attaches a mirror to the bus. The writer flushes a batch
// after at most 50ms; events are keyed by event name so consumers get
// per-name ordering.
func NewKafkaMirror(bus *Bus, brokers []string, topic string) *KafkaMirror {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
	return attachMirror(bus, w, topic)
}

func attachMirror(bus *Bus, producer kafkaProducer, topic string) *KafkaMirror {
	m := &KafkaMirror{writer: producer, topic: topic}
	m.cancel = bus.Subscribe("", func(ev Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("event", ev.Name).Msg("kafka mirror marshal failed")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := producer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Name), Value: payload}); err != nil {
			log.Warn().Err(err).Str("event", ev.Name).Str("topic", topic).Msg("kafka mirror produce failed")
		}
	})
	return m
}

// Close detaches the mirror from the bus and closes the writer when it owns
// one.
func (m *KafkaMirror) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if w, ok := m.writer.(*kafka.Writer); ok {
		return w.Close()
	}
	return nil
}
