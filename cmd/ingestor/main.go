package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trogers1052/stock-history-ingestor/internal/api"
	"github.com/trogers1052/stock-history-ingestor/internal/config"
	"github.com/trogers1052/stock-history-ingestor/internal/database"
	"github.com/trogers1052/stock-history-ingestor/internal/ingest"
	"github.com/trogers1052/stock-history-ingestor/internal/kafka"
	"github.com/trogers1052/stock-history-ingestor/internal/lock"
	"github.com/trogers1052/stock-history-ingestor/internal/logger"
	"github.com/trogers1052/stock-history-ingestor/internal/numeric"
	"github.com/trogers1052/stock-history-ingestor/internal/scheduler"
	"github.com/trogers1052/stock-history-ingestor/internal/source"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log := logger.New(logger.Config{Level: "info"})
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting stock history ingestor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	orchestrator, closeOrchestrator := newOrchestrator(ctx, cfg, db, log)
	defer closeOrchestrator()

	var wg sync.WaitGroup
	if cfg.Kafka.Enabled {
		consumer := kafka.NewDiscoveryConsumer(cfg.Kafka.Brokers, cfg.Kafka.DiscoveryTopic, cfg.Kafka.GroupID, db, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Discovery consumer stopped")
			}
		}()
	}

	// Initialize scheduler
	job := scheduler.NewIngestJob(ctx, db, orchestrator, log)
	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.Ingest.Schedule, job); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Ingest.Schedule).Msg("Failed to register ingest job")
	}
	sched.Start()

	if cfg.Ingest.RunOnStart {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.RunNow(job); err != nil {
				log.Error().Err(err).Msg("Startup ingestion failed")
			}
		}()
	}

	// Initialize HTTP server
	handler := api.NewHandler(db, orchestrator, log)
	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.SetupRoutes(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("Server started successfully")

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sched.Stop()
	wg.Wait()

	log.Info().Msg("Server stopped")
}

// newOrchestrator wires the exchange client and the optional lease and
// event publisher around the store. The returned func closes their clients.
func newOrchestrator(ctx context.Context, cfg *config.Config, db *database.DB, log zerolog.Logger) (*ingest.Orchestrator, func()) {
	sourceCfg := source.DefaultConfig()
	sourceCfg.BaseURL = cfg.Source.BaseURL
	sourceCfg.Method = cfg.Source.Method
	sourceCfg.RequestTimeout = cfg.Source.RequestTimeout
	sourceCfg.MaxRetries = cfg.Source.MaxRetries
	sourceCfg.InitialBackoff = cfg.Source.InitialBackoff
	sourceCfg.RatePerSecond = cfg.Source.RatePerSecond
	sourceCfg.Burst = cfg.Source.Burst
	sourceCfg.Parse.TableID = cfg.Source.TableID
	sourceCfg.Parse.DropZeroVolume = cfg.Source.DropZeroVolume
	client := source.NewClient(sourceCfg, log)

	epoch, _ := cfg.Ingest.EpochDate() // checked by config.Validate
	policy, _ := ingest.ParsePolicy(cfg.Ingest.PartialFailurePolicy)

	var opts []ingest.Option
	var closers []func() error
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker := lock.NewRedisLocker(rdb, cfg.Redis.LockTTL, log)
		if err := locker.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		opts = append(opts, ingest.WithLocker(locker))
		closers = append(closers, rdb.Close)
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		opts = append(opts, ingest.WithPublisher(producer))
		closers = append(closers, producer.Close)
	}

	orchestrator := ingest.NewOrchestrator(client, db, ingest.Config{
		Epoch:       epoch,
		MaxSpanDays: cfg.Ingest.MaxSpanDays,
		Workers:     cfg.Ingest.Workers,
		Policy:      policy,
		Format:      numeric.MSE,
	}, log, opts...)

	return orchestrator, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("Failed to close client")
			}
		}
	}
}
