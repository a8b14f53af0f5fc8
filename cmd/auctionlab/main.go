package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	config "github.com/davicafu/auctionlab/internal/config"

	auctionApp "github.com/davicafu/auctionlab/internal/auction/application"
	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	auctionEvents "github.com/davicafu/auctionlab/internal/auction/infra/inbound/events"
	auctionHttp "github.com/davicafu/auctionlab/internal/auction/infra/inbound/http"
	auctionCache "github.com/davicafu/auctionlab/internal/auction/infra/outbound/cache"
	"github.com/davicafu/auctionlab/internal/auction/infra/outbound/db/memory"
	"github.com/davicafu/auctionlab/internal/auction/infra/outbound/db/mongodb"
	"github.com/davicafu/auctionlab/internal/auction/infra/outbound/db/sqlstore"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	"github.com/davicafu/auctionlab/internal/shared/infra/analytics/clickhouse"
	"github.com/davicafu/auctionlab/internal/shared/infra/archive"
	infraEvents "github.com/davicafu/auctionlab/internal/shared/infra/events"
	sharedBus "github.com/davicafu/auctionlab/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/auctionlab/internal/shared/infra/platform/cache"
	"github.com/davicafu/auctionlab/internal/shared/infra/relayer"

	"github.com/davicafu/auctionlab/pkg/logger"
	"github.com/davicafu/auctionlab/pkg/obs"
)

// store reúne todo lo que main necesita de un backend de persistencia.
type store interface {
	auctionDomain.AuctionRepository
	sharedDomain.OutboxRepository
	sharedDomain.OutboxArchiveRepository
	sharedDomain.OutboxQueryRepository
}

// ---------------- Main ----------------
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger.Init(cfg.LogLevel) // inicializa zap
	log := logger.Logger()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Tracing ----------------
	shutdownTracer, err := obs.InitTracer(ctx, "auctionlab", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// ---------------- DB ----------------
	repo, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	// ---------------- Cache ----------------
	var cacheInstance sharedCache.Cache
	if cfg.RedisAddr == "" {
		log.Info("⚡️ Cache en memoria")
		mem := auctionCache.NewInMemoryCache(cfg.CacheTTL, 3*cfg.CacheTTL, 10_000)
		defer mem.Stop()
		cacheInstance = mem
	} else if rdb, err := auctionCache.NewRedisClient(ctx, cfg.RedisAddr); err != nil {
		log.Warn("⚠️ Redis no disponible, cache en memoria", zap.Error(err))
		mem := auctionCache.NewInMemoryCache(cfg.CacheTTL, 3*cfg.CacheTTL, 10_000)
		defer mem.Stop()
		cacheInstance = mem
	} else {
		defer rdb.Close()
		cacheInstance = auctionCache.NewRedisCache(rdb, "auctionlab:", cfg.CacheTTL)
		log.Info("✅ Redis conectado, cache habilitado")
	}

	// --------------- Servicio --------------
	auctionService := auctionApp.NewAuctionService(repo, cacheInstance, log,
		auctionApp.WithSellerFold(cfg.SellerFold()),
		auctionApp.WithCacheTTL(int(cfg.CacheTTL.Seconds())),
		auctionApp.WithStoreTimeout(cfg.StoreTimeout),
	)

	// ---------------- Events ---------------
	publisher, closeBus := openBus(ctx, cfg, log)
	defer closeBus()

	if cfg.BusDriver == "kafka" {
		reader := infraEvents.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaInboundTopic, cfg.KafkaGroupID)
		bidConsumer := infraEvents.NewConsumerAdapter(reader, auctionEvents.NewBidConsumer(auctionService, log), log)
		defer bidConsumer.Close()
		bidConsumer.Start(ctx)
	}

	// ------------ Outbox Worker ------------
	workerOpts := []relayer.Option{}
	var deliveryStats sharedDomain.DeliveryStatsReader
	if cfg.ClickHouseAddr != "" {
		deliveryLog, err := clickhouse.NewDeliveryLog(cfg.ClickHouseAddr, cfg.ClickHouseDB)
		if err != nil {
			log.Warn("⚠️ ClickHouse no disponible, sin log de entregas", zap.Error(err))
		} else {
			defer deliveryLog.Close()
			if err := deliveryLog.InitSchema(ctx); err != nil {
				log.Fatal("failed to init clickhouse schema", zap.Error(err))
			}
			workerOpts = append(workerOpts, relayer.WithDeliveryLog(deliveryLog))
			deliveryStats = deliveryLog
		}
	}

	worker := relayer.NewOutboxWorker(repo, publisher, auctionDomain.NewEventRegistry(), relayer.Config{
		Owner:          cfg.WorkerID,
		Interval:       cfg.OutboxPeriod,
		BatchSize:      cfg.OutboxLimit,
		Lease:          cfg.OutboxLease,
		MaxAttempts:    cfg.OutboxMaxAttempts,
		BackoffBase:    cfg.OutboxBackoffBase,
		BackoffMax:     cfg.OutboxBackoffMax,
		PublishTimeout: cfg.PublishTimeout,
		StoreTimeout:   cfg.StoreTimeout,
	}, log, workerOpts...)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Start(ctx)
	}()

	// ------------ Janitor ------------
	janitor := relayer.NewJanitor(repo, openArchiver(ctx, cfg, log), cfg.OutboxRetention, 0, log)
	if err := janitor.Start(ctx, cfg.OutboxJanitorSpec); err != nil {
		log.Fatal("failed to start janitor", zap.Error(err))
	}
	defer janitor.Stop()

	// ---------------- HTTP ----------------
	router := auctionHttp.NewRouter(
		auctionHttp.NewAuctionHandler(auctionService, log),
		auctionHttp.NewOutboxHandler(repo, log).WithStats(deliveryStats),
	)
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}

	go func() {
		log.Info("🚀 Server running", zap.String("url", "http://localhost:"+cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("🛑 Apagando...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("error during HTTP shutdown", zap.Error(err))
	}

	// El worker debe terminar su lote antes de cerrar el store y el broker.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("⚠️ El outbox worker no terminó a tiempo")
	}
}

// openStore devuelve el backend elegido y su función de cierre.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store, func()) {
	switch cfg.StoreDriver {
	case "memory":
		log.Info("⚡️ Store en memoria (no persistente)")
		return memory.New(), func() {}

	case "mongodb":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatal("failed to connect MongoDB", zap.Error(err))
		}
		s, err := mongodb.NewStore(ctx, client, cfg.MongoDB)
		if err != nil {
			log.Fatal("failed to init MongoDB store", zap.Error(err))
		}
		log.Info("🍃 Store MongoDB", zap.String("db", cfg.MongoDB))
		return s, func() { _ = client.Disconnect(context.Background()) }

	default:
		dialect, dsn := sqlstore.DialectSQLite, cfg.SQLitePath
		switch cfg.StoreDriver {
		case "postgres":
			dialect, dsn = sqlstore.DialectPostgres, cfg.PostgresDSN
		case "mysql":
			dialect, dsn = sqlstore.DialectMySQL, cfg.MySQLDSN
		}
		s, err := sqlstore.Open(ctx, dialect, dsn)
		if err != nil {
			log.Fatal("failed to open SQL store", zap.Error(err))
		}
		log.Info("🗄️ Store SQL", zap.String("dialect", string(dialect)))
		return s, func() { _ = s.Close() }
	}
}

// openBus devuelve el publicador elegido. El bus en memoria se drena en una
// goroutine que solo registra los mensajes (no hay suscriptores reales).
func openBus(ctx context.Context, cfg *config.Config, log *zap.Logger) (sharedBus.EventBus, func()) {
	switch cfg.BusDriver {
	case "kafka":
		log.Info("🚀 Usando Kafka como bus de eventos", zap.Strings("brokers", cfg.KafkaBrokers))
		writer := infraEvents.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		p := infraEvents.NewKafkaPublisher(writer, log)
		return p, func() { _ = p.Close() }

	case "rabbitmq":
		p, err := infraEvents.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, log)
		if err != nil {
			log.Fatal("failed to connect RabbitMQ", zap.Error(err))
		}
		log.Info("🐇 Usando RabbitMQ como bus de eventos", zap.String("exchange", cfg.RabbitMQExchange))
		return p, func() { _ = p.Close() }

	case "nats":
		p, err := infraEvents.NewNATSPublisher(cfg.NATSURL, cfg.NATSStream, cfg.KafkaTopic, log)
		if err != nil {
			log.Fatal("failed to connect NATS", zap.Error(err))
		}
		log.Info("📡 Usando NATS JetStream como bus de eventos", zap.String("stream", cfg.NATSStream))
		return p, func() { _ = p.Close() }

	default:
		log.Info("⚡️ Usando bus de eventos en memoria (canales de Go)")
		bus := infraEvents.NewInMemoryEventBus()
		ch := bus.Subscribe(256)
		go func() {
			for {
				select {
				case msg := <-ch:
					log.Debug("📨 Evento publicado en memoria", zap.ByteString("payload", msg))
				case <-ctx.Done():
					return
				}
			}
		}()
		return bus, func() {}
	}
}

// openArchiver devuelve nil cuando el janitor solo debe purgar.
func openArchiver(ctx context.Context, cfg *config.Config, log *zap.Logger) relayer.Archiver {
	switch cfg.ArchiveDriver {
	case "file":
		a, err := archive.NewFileArchiver(cfg.ArchiveDir)
		if err != nil {
			log.Fatal("failed to init file archive", zap.Error(err))
		}
		return a
	case "s3":
		a, err := archive.NewS3Archiver(ctx, cfg.ArchiveRegion, cfg.ArchiveBucket, cfg.ArchiveEndpoint, "outbox")
		if err != nil {
			log.Fatal("failed to init S3 archive", zap.Error(err))
		}
		return a
	default:
		return nil
	}
}
