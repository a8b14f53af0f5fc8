package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/auctionlab/internal/shared/infra/platform/bus"
)

// NewKafkaWriter configura el writer para entrega confirmada y ordenada por clave:
// el balanceador Hash envía todos los eventos de una subasta a la misma partición.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            1, // los reintentos los gestiona el worker del outbox
		AllowAutoTopicCreation: true,
	}
}

type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaPublisher(writer *kafka.Writer, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var key []byte
	if keyer, ok := event.(sharedBus.Keyer); ok {
		key = []byte(keyer.PartitionKey())
	}

	msg := kafka.Message{
		Key:     key,
		Value:   data,
		Headers: messageHeaders(event),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("Error publishing to Kafka", zap.Error(err))
		return err
	}

	p.log.Debug("Event published successfully", zap.ByteString("key", key))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func messageHeaders(event interface{}) []kafka.Header {
	var headers []kafka.Header
	if named, ok := event.(sharedBus.Named); ok {
		headers = append(headers, kafka.Header{Key: "event-type", Value: []byte(named.EventName())})
	}
	if id, ok := event.(sharedBus.Identified); ok {
		headers = append(headers, kafka.Header{Key: "event-id", Value: []byte(id.MessageID())})
	}
	return headers
}

// Verificación estática
var _ sharedBus.EventBus = (*KafkaPublisher)(nil)
