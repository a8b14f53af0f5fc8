package events

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedUtils "github.com/davicafu/auctionlab/internal/shared/infra/utils"
)

// MessageHandler define la interfaz que debe cumplir cualquier consumidor de eventos.
// Un error se reintenta; si persiste, el mensaje se registra y se confirma igualmente.
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, payload []byte) error
}

// ConsumerAdapter es el "oído" que escucha en Kafka.
type ConsumerAdapter struct {
	reader     *kafka.Reader
	handler    MessageHandler
	log        *zap.Logger
	attempts   int
	retryDelay time.Duration
	wg         sync.WaitGroup
}

// NewKafkaReader crea un reader con consumer group y commits explícitos.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
	})
}

func NewConsumerAdapter(reader *kafka.Reader, handler MessageHandler, log *zap.Logger) *ConsumerAdapter {
	return &ConsumerAdapter{
		reader:     reader,
		handler:    handler,
		log:        log,
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
	}
}

// Start inicia el bucle de consumo de mensajes en una goroutine.
func (c *ConsumerAdapter) Start(ctx context.Context) {
	c.log.Info("🎧 Iniciando consumidor de Kafka...",
		zap.String("topic", c.reader.Config().Topic),
		zap.Strings("brokers", c.reader.Config().Brokers),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// FetchMessage es bloqueante y no confirma el offset.
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				// Si el contexto se cancela, el error es normal y salimos limpiamente.
				if ctx.Err() != nil {
					c.log.Info("Consumidor de Kafka detenido.", zap.String("topic", c.reader.Config().Topic))
					return
				}
				c.log.Error("Error al leer mensaje de Kafka", zap.Error(err))
				continue
			}

			err = sharedUtils.Retry(ctx, c.attempts, c.retryDelay, func() error {
				return c.handler.HandleMessage(ctx, string(msg.Key), msg.Value)
			})
			if err != nil {
				c.log.Error("❌ Mensaje descartado tras reintentos",
					zap.String("key", string(msg.Key)),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}

			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.log.Warn("⚠️ No se pudo confirmar el offset", zap.Error(err))
			}
		}
	}()
}

// Close espera a que el bucle termine (ctx cancelado) y cierra el reader.
func (c *ConsumerAdapter) Close() error {
	c.wg.Wait()
	return c.reader.Close()
}
