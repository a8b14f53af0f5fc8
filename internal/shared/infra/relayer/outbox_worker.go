package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedDomainEvents "github.com/davicafu/auctionlab/internal/shared/domain/events"
	"github.com/davicafu/auctionlab/internal/shared/infra/metrics"
	sharedBus "github.com/davicafu/auctionlab/internal/shared/infra/platform/bus"
	sharedUtils "github.com/davicafu/auctionlab/internal/shared/infra/utils"
)

// Config agrupa los parámetros del worker. Los valores <= 0 toman el default.
type Config struct {
	Owner          string
	Interval       time.Duration
	BatchSize      int
	Lease          time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	PublishTimeout time.Duration
	StoreTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Owner:          "relayer",
		Interval:       2 * time.Second,
		BatchSize:      100,
		Lease:          30 * time.Second,
		MaxAttempts:    10,
		BackoffBase:    time.Second,
		BackoffMax:     5 * time.Minute,
		PublishTimeout: 5 * time.Second,
		StoreTimeout:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Owner = sharedUtils.Ternary(c.Owner == "", d.Owner, c.Owner)
	c.Interval = sharedUtils.Ternary(c.Interval <= 0, d.Interval, c.Interval)
	c.BatchSize = sharedUtils.Ternary(c.BatchSize <= 0, d.BatchSize, c.BatchSize)
	c.Lease = sharedUtils.Ternary(c.Lease <= 0, d.Lease, c.Lease)
	c.MaxAttempts = sharedUtils.Ternary(c.MaxAttempts <= 0, d.MaxAttempts, c.MaxAttempts)
	c.BackoffBase = sharedUtils.Ternary(c.BackoffBase <= 0, d.BackoffBase, c.BackoffBase)
	c.BackoffMax = sharedUtils.Ternary(c.BackoffMax < c.BackoffBase, c.BackoffBase, c.BackoffMax)
	c.PublishTimeout = sharedUtils.Ternary(c.PublishTimeout <= 0, d.PublishTimeout, c.PublishTimeout)
	c.StoreTimeout = sharedUtils.Ternary(c.StoreTimeout <= 0, d.StoreTimeout, c.StoreTimeout)
	return c
}

// Alerter recibe las entradas que agotaron los reintentos (fallo permanente).
type Alerter interface {
	OutboxFailed(ctx context.Context, evt sharedDomain.OutboxEvent, cause error)
}

// DeliveryLog registra los eventos entregados (analítica). Sus errores no afectan a la entrega.
type DeliveryLog interface {
	RecordDelivered(ctx context.Context, events []sharedDomain.OutboxEvent) error
}

// LogAlerter es el Alerter por defecto: deja constancia en el log.
type LogAlerter struct {
	log *zap.Logger
}

func NewLogAlerter(log *zap.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

func (a *LogAlerter) OutboxFailed(_ context.Context, evt sharedDomain.OutboxEvent, cause error) {
	a.log.Error("🚨 ALERTA: evento de outbox en fallo permanente",
		zap.String("event_id", evt.ID.String()),
		zap.String("event_type", evt.EventType),
		zap.String("aggregate_id", evt.AggregateID),
		zap.Int("attempts", evt.Attempts),
		zap.Error(cause),
	)
}

// errPoison marca entradas que ningún reintento puede arreglar.
var errPoison = errors.New("undeliverable outbox event")

// Worker procesa eventos pendientes de la tabla outbox de forma genérica.
type Worker struct {
	repo          sharedDomain.OutboxRepository
	publisher     sharedBus.EventBus
	eventRegistry sharedDomainEvents.Registry
	cfg           Config
	alerter       Alerter
	deliveryLog   DeliveryLog
	log           *zap.Logger
	now           func() time.Time
}

type Option func(*Worker)

func WithAlerter(a Alerter) Option {
	return func(w *Worker) { w.alerter = a }
}

func WithDeliveryLog(l DeliveryLog) Option {
	return func(w *Worker) { w.deliveryLog = l }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func NewOutboxWorker(
	repo sharedDomain.OutboxRepository,
	publisher sharedBus.EventBus,
	registry sharedDomainEvents.Registry,
	cfg Config,
	log *zap.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		repo:          repo,
		publisher:     publisher,
		eventRegistry: registry,
		cfg:           cfg.withDefaults(),
		log:           log,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.alerter == nil {
		w.alerter = NewLogAlerter(log)
	}
	return w
}

// Start inicia el bucle de polling del worker. Vuelve cuando ctx se cancela.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Info("🚀 Outbox worker iniciado",
		zap.String("owner", w.cfg.Owner),
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("🛑 Outbox worker detenido.")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch reclama un lote y lo entrega en orden de secuencia. Si una
// entrada falla, las siguientes de la misma subasta se liberan sin tocar
// para no adelantarla.
func (w *Worker) ProcessBatch(ctx context.Context) {
	claimCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	events, err := w.repo.ClaimPending(claimCtx, w.cfg.Owner, w.cfg.BatchSize, w.cfg.Lease)
	cancel()
	if err != nil {
		w.log.Warn("⚠️ Error al reclamar eventos pendientes", zap.Error(err))
		return
	}
	metrics.OutboxClaimed.Observe(float64(len(events)))
	if len(events) == 0 {
		return
	}
	w.log.Debug(fmt.Sprintf("📬 %d eventos reclamados para procesar", len(events)))

	blocked := make(map[string]bool)
	var delivered []sharedDomain.OutboxEvent
	for _, evt := range events {
		if ctx.Err() != nil {
			// El lease expira y otra pasada las recoge.
			return
		}
		if blocked[evt.AggregateID] {
			w.release(ctx, evt)
			continue
		}
		if w.publishAndMark(ctx, evt) {
			delivered = append(delivered, evt)
		} else {
			blocked[evt.AggregateID] = true
		}
	}

	if w.deliveryLog != nil && len(delivered) > 0 {
		if err := w.deliveryLog.RecordDelivered(ctx, delivered); err != nil {
			w.log.Warn("⚠️ No se pudo registrar la entrega en analítica", zap.Error(err))
		}
	}
}

// publishAndMark devuelve true si el evento quedó entregado.
func (w *Worker) publishAndMark(ctx context.Context, evt sharedDomain.OutboxEvent) bool {
	envelope, err := w.envelope(evt)
	if err != nil {
		w.fail(ctx, evt, err)
		return false
	}

	start := time.Now()
	pubCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
	err = w.publisher.Publish(pubCtx, envelope)
	cancel()
	metrics.OutboxPublishDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.retryOrFail(ctx, evt, err)
		return false
	}

	metrics.OutboxPublished.WithLabelValues(evt.EventType).Inc()
	storeCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := w.repo.MarkDelivered(storeCtx, evt); err != nil {
		// Ya está publicado: si otra instancia lo reclama se volverá a entregar (at-least-once).
		w.log.Warn("⚠️ No se pudo marcar evento como entregado",
			zap.String("event_id", evt.ID.String()),
			zap.Error(err),
		)
		return true
	}
	w.log.Info("✅ Evento publicado y marcado",
		zap.String("event_id", evt.ID.String()),
		zap.String("event_type", evt.EventType),
		zap.String("aggregate_id", evt.AggregateID),
	)
	return true
}

// envelope valida el payload contra el registro y construye el sobre publicado.
func (w *Worker) envelope(evt sharedDomain.OutboxEvent) (sharedDomainEvents.IntegrationEvent, error) {
	// 1. Usar el registro para validar el payload contra el tipo de evento correcto
	metadata, ok := w.eventRegistry[evt.EventType]
	if !ok {
		return sharedDomainEvents.IntegrationEvent{}, fmt.Errorf("%w: unknown event type %q", errPoison, evt.EventType)
	}

	eventPayload := reflect.New(metadata.Type).Interface()
	if err := json.Unmarshal(evt.Payload, eventPayload); err != nil {
		return sharedDomainEvents.IntegrationEvent{}, fmt.Errorf("%w: decode payload: %v", errPoison, err)
	}

	// 2. El sobre lleva el payload tal cual se persistió
	return sharedDomainEvents.FromOutbox(evt), nil
}

func (w *Worker) retryOrFail(ctx context.Context, evt sharedDomain.OutboxEvent, cause error) {
	evt.Attempts++
	evt.LastError = cause.Error()
	if evt.Attempts >= w.cfg.MaxAttempts {
		w.fail(ctx, evt, cause)
		return
	}

	delay := sharedUtils.Backoff(evt.Attempts, w.cfg.BackoffBase, w.cfg.BackoffMax)
	evt.NextAttemptAt = w.now().Add(delay).UTC().Truncate(time.Microsecond)
	metrics.OutboxRetries.WithLabelValues(evt.EventType).Inc()

	w.log.Warn("⚠️ No se pudo publicar evento, se reintentará",
		zap.String("event_id", evt.ID.String()),
		zap.Int("attempts", evt.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)

	storeCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := w.repo.MarkRetry(storeCtx, evt); err != nil {
		w.log.Warn("⚠️ No se pudo programar el reintento", zap.String("event_id", evt.ID.String()), zap.Error(err))
	}
}

// fail deja la entrada en estado terminal failed y avisa al operador.
func (w *Worker) fail(ctx context.Context, evt sharedDomain.OutboxEvent, cause error) {
	if errors.Is(cause, errPoison) {
		evt.Attempts++
		evt.LastError = cause.Error()
	}
	metrics.OutboxFailed.WithLabelValues(evt.EventType).Inc()
	w.log.Error("❌ Evento de outbox descartado tras agotar reintentos",
		zap.String("event_id", evt.ID.String()),
		zap.String("event_type", evt.EventType),
		zap.Int("attempts", evt.Attempts),
		zap.Error(cause),
	)

	storeCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := w.repo.MarkFailed(storeCtx, evt); err != nil {
		w.log.Warn("⚠️ No se pudo marcar evento como fallido", zap.String("event_id", evt.ID.String()), zap.Error(err))
		return
	}
	w.alerter.OutboxFailed(ctx, evt, cause)
}

func (w *Worker) release(ctx context.Context, evt sharedDomain.OutboxEvent) {
	storeCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := w.repo.Release(storeCtx, evt); err != nil {
		w.log.Warn("⚠️ No se pudo liberar evento", zap.String("event_id", evt.ID.String()), zap.Error(err))
	}
}
