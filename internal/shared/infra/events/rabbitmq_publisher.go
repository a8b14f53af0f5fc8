package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/auctionlab/internal/shared/infra/platform/bus"
)

var (
	// ErrPublishNacked indica que el broker rechazó el mensaje (publisher confirm negativo).
	ErrPublishNacked = errors.New("rabbitmq nacked the message")
	// ErrPublishReturned: el exchange no tenía ninguna cola para la routing key (mandatory).
	ErrPublishReturned = errors.New("rabbitmq returned the message as unroutable")
)

// RabbitMQPublisher publica en un exchange topic usando el tipo de evento como
// routing key. Con publisher confirms y mandatory, Publish solo devuelve nil
// tras el ack del broker y si el mensaje llegó a alguna cola.
// Si la conexión se cae, la siguiente publicación vuelve a conectar.
type RabbitMQPublisher struct {
	mu       sync.Mutex
	url      string
	conn     *amqp.Connection
	ch       *amqp.Channel
	returns  chan amqp.Return
	exchange string
	log      *zap.Logger
}

func NewRabbitMQPublisher(url, exchange string, log *zap.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: url, exchange: exchange, log: log}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// connectLocked abre conexión y canal. Se llama con mu tomado (o antes de compartir p).
func (p *RabbitMQPublisher) connectLocked() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	// El broker envía el basic.return antes del ack del mismo mensaje.
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			p.log.Warn("⚠️ Conexión con RabbitMQ cerrada, se reconectará en la próxima publicación",
				zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
		}
	}()

	p.conn, p.ch = conn, ch
	return nil
}

func (p *RabbitMQPublisher) disconnectedLocked() bool {
	return p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed()
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{},
	}
	routingKey := "event"
	if named, ok := event.(sharedBus.Named); ok {
		routingKey = named.EventName()
		msg.Type = routingKey
	}
	if id, ok := event.(sharedBus.Identified); ok {
		msg.MessageId = id.MessageID()
	}
	if keyer, ok := event.(sharedBus.Keyer); ok {
		msg.Headers["partition-key"] = keyer.PartitionKey()
	}

	// Un canal no admite publicaciones concurrentes con confirms.
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disconnectedLocked() {
		p.closeLocked()
		if err := p.connectLocked(); err != nil {
			p.log.Error("Error reconnecting to RabbitMQ", zap.Error(err))
			return err
		}
		p.log.Info("🐇 Reconectado a RabbitMQ")
	}

	// Devoluciones pendientes de publicaciones anteriores que expiraron.
	drainReturns(p.returns, "")

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, true, false, msg)
	if err != nil {
		p.log.Error("Error publishing to RabbitMQ", zap.Error(err))
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNacked
	}
	if drainReturns(p.returns, msg.MessageId) {
		p.log.Warn("Unroutable message returned by RabbitMQ",
			zap.String("routing_key", routingKey), zap.String("message_id", msg.MessageId))
		return ErrPublishReturned
	}
	return nil
}

// drainReturns vacía el canal sin bloquear e indica si alguna devolución
// corresponde a messageID. Con messageID vacío solo vacía.
func drainReturns(returns <-chan amqp.Return, messageID string) bool {
	found := false
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return found
			}
			if messageID != "" && ret.MessageId == messageID {
				found = true
			}
		default:
			return found
		}
	}
}

func (p *RabbitMQPublisher) closeLocked() error {
	var err error
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	return err
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

var _ sharedBus.EventBus = (*RabbitMQPublisher)(nil)
