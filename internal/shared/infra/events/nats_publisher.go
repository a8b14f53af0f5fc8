package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	natspkg "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/auctionlab/internal/shared/infra/platform/bus"
)

// NATSPublisher publica en JetStream. El subject es "<prefix>.<tipo de evento>"
// y el MsgId (eventId) activa la deduplicación del stream.
type NATSPublisher struct {
	nc     *natspkg.Conn
	js     natspkg.JetStreamContext
	prefix string
	log    *zap.Logger
}

func NewNATSPublisher(url, stream, prefix string, log *zap.Logger) (*NATSPublisher, error) {
	nc, err := natspkg.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, natspkg.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("stream info: %w", err)
		}
		if _, err := js.AddStream(&natspkg.StreamConfig{
			Name:     stream,
			Subjects: []string{prefix + ".>"},
			Storage:  natspkg.FileStorage,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}

	return &NATSPublisher{nc: nc, js: js, prefix: prefix, log: log}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := p.prefix + ".event"
	if named, ok := event.(sharedBus.Named); ok {
		subject = p.prefix + "." + named.EventName()
	}

	msg := natspkg.NewMsg(subject)
	msg.Data = data
	if keyer, ok := event.(sharedBus.Keyer); ok {
		msg.Header.Set("Partition-Key", keyer.PartitionKey())
	}

	opts := []natspkg.PubOpt{natspkg.Context(ctx)}
	if id, ok := event.(sharedBus.Identified); ok {
		opts = append(opts, natspkg.MsgId(id.MessageID()))
	}

	ack, err := p.js.PublishMsg(msg, opts...)
	if err != nil {
		p.log.Error("Error publishing to NATS", zap.Error(err))
		return err
	}
	if ack.Duplicate {
		p.log.Debug("NATS descartó un duplicado", zap.String("subject", subject))
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

var _ sharedBus.EventBus = (*NATSPublisher)(nil)
