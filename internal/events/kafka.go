// Package events publishes sync events to an optional Kafka stream for
// downstream consumers (analytics, warehouse feeds). The broker and topic
// come from config; when no broker is set the producer is simply not wired.
package events

import (
    "context"
    "encoding/json"
    "log"

    skafka "github.com/segmentio/kafka-go"
)

// Writer is the subset of the kafka writer the producer needs, so tests
// can inject a fake.
type Writer interface {
    WriteMessages(ctx context.Context, msgs ...skafka.Message) error
    Close() error
}

// Publisher is what the rest of the service sees.
type Publisher interface {
    Publish(ctx context.Context, key string, value any) error
    Close() error
}

type KafkaProducer struct {
    writer Writer
}

func NewKafkaProducer(brokerURL, topic string) *KafkaProducer {
    w := &skafka.Writer{
        Addr:     skafka.TCP(brokerURL),
        Topic:    topic,
        Balancer: &skafka.LeastBytes{},
    }
    return &KafkaProducer{writer: w}
}

// NewKafkaProducerWithWriter allows injecting a test writer.
func NewKafkaProducerWithWriter(w Writer) *KafkaProducer {
    return &KafkaProducer{writer: w}
}

// Publish marshals the value to JSON and writes a message keyed by key
// (the order id, so one order's events stay ordered within a partition).
func (p *KafkaProducer) Publish(ctx context.Context, key string, value any) error {
    b, err := json.Marshal(value)
    if err != nil {
        log.Println("events: marshal kafka value:", err)
        return err
    }
    msg := skafka.Message{Key: []byte(key), Value: b}
    if err := p.writer.WriteMessages(ctx, msg); err != nil {
        log.Println("events: kafka write error:", err)
        return err
    }
    return nil
}

func (p *KafkaProducer) Close() error {
    return p.writer.Close()
}
