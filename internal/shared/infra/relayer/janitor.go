package relayer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	"github.com/davicafu/auctionlab/internal/shared/infra/metrics"
)

// Archiver guarda entradas entregadas antes de purgarlas del outbox.
type Archiver interface {
	Archive(ctx context.Context, events []sharedDomain.OutboxEvent) error
}

// Janitor archiva y purga periódicamente las entradas entregadas más antiguas
// que la retención. Las pending y failed nunca se tocan.
type Janitor struct {
	cron      *cron.Cron
	repo      sharedDomain.OutboxArchiveRepository
	archiver  Archiver // nil = purgar sin archivar
	retention time.Duration
	batchSize int
	log       *zap.Logger
	now       func() time.Time
}

func NewJanitor(repo sharedDomain.OutboxArchiveRepository, archiver Archiver, retention time.Duration, batchSize int, log *zap.Logger) *Janitor {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Janitor{
		cron:      cron.New(),
		repo:      repo,
		archiver:  archiver,
		retention: retention,
		batchSize: batchSize,
		log:       log,
		now:       time.Now,
	}
}

// Start programa RunOnce con la expresión cron (p. ej. "@every 1h").
func (j *Janitor) Start(ctx context.Context, spec string) error {
	j.log.Info("🧹 Iniciando janitor del outbox", zap.String("spec", spec), zap.Duration("retention", j.retention))

	_, err := j.cron.AddFunc(spec, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Warn("⚠️ Error en la limpieza del outbox", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}

	j.cron.Start()
	return nil
}

// Stop espera a que termine la ejecución en curso.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("🛑 Janitor del outbox detenido.")
}

// RunOnce procesa lotes hasta que no quedan entradas por archivar. Devuelve cuántas purgó.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		events, err := j.repo.FetchDelivered(ctx, cutoff, j.batchSize)
		if err != nil {
			return total, err
		}
		if len(events) == 0 {
			break
		}

		if j.archiver != nil {
			if err := j.archiver.Archive(ctx, events); err != nil {
				// Sin archivo no se purga: se reintenta en la próxima ejecución.
				return total, fmt.Errorf("archive outbox batch: %w", err)
			}
		}

		ids := make([]uuid.UUID, 0, len(events))
		for _, evt := range events {
			ids = append(ids, evt.ID)
		}
		n, err := j.repo.PurgeOutbox(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		metrics.OutboxArchived.Add(float64(n))

		if len(events) < j.batchSize || n == 0 {
			break
		}
	}

	if total > 0 {
		j.log.Info("🧹 Outbox purgado", zap.Int64("purged", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}
