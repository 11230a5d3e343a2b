package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"biolog/config"
	"biolog/internal/logging"
	"biolog/internal/messaging/consumer"
	"biolog/internal/metrics"
	"biolog/pipeline"
	worker "biolog/processing"
	"biolog/routing"
	"biolog/storage/store"
)

const engineConfigPath = "./config/engine.defaults.yml"

func main() {
	// 1. Load Engine Config
	engineCfg, err := config.LoadEngineConfig(engineConfigPath)
	if err != nil {
		// No logger yet
		panic("failed to load engine configuration: " + err.Error())
	}

	rootLogger, err := logging.New(engineCfg.Monitoring.LogLevel, "engine")
	if err != nil {
		panic(err)
	}
	defer rootLogger.Sync()
	logger := rootLogger.Named("engine")
	logger.Info("Starting routing engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewCollector("biolog")

	// 2. Load and compile routing rules
	rulesCfg, err := config.LoadRulesConfig(engineCfg.RulesPath)
	if err != nil {
		logger.Fatal("Failed to load routing rules", zap.Error(err))
	}
	ruleSet, err := pipeline.Compile(rulesCfg)
	if err != nil {
		logger.Fatal("Routing rules are invalid", zap.Error(err))
	}
	for src, srcErr := range ruleSet.Failed() {
		// Blocks this source only; its records are dead-lettered as unprocessed
		m.ConfigErrors.WithLabelValues(string(src)).Inc()
		logger.Error("Source rule set rejected", zap.String("source_system", string(src)), zap.Error(srcErr))
	}
	if len(ruleSet.Sources()) == 0 {
		logger.Fatal("No source has a usable rule set")
	}

	// 3. Initialize storage
	tables := routing.PostgresTables(rulesCfg)
	var pgStore *store.PostgresStore
	if engineCfg.Database.DSN != "" || len(tables) > 0 || engineCfg.DeadLetter.Kind == config.DeadLetterPostgres {
		logger.Info("Initializing database connection...")
		engineCfg.Database.LogConfiguration(logger)
		pgStore, err = store.NewPostgresStore(ctx, engineCfg.Database, logger.Named("store"))
		if err != nil {
			logger.Fatal("Failed to initialize database store", zap.Error(err))
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx, tables...); err != nil {
			logger.Fatal("Failed to prepare database schema", zap.Error(err))
		}
	}

	var records store.RecordStore
	if pgStore != nil {
		records = pgStore
	}

	var deadLetters store.DeadLetterStore
	switch engineCfg.DeadLetter.Kind {
	case config.DeadLetterPostgres:
		deadLetters = pgStore
	default:
		fileStore, err := store.NewFileDeadLetterStore(engineCfg.DeadLetter.Path)
		if err != nil {
			logger.Fatal("Failed to open dead-letter file", zap.Error(err))
		}
		defer fileStore.Close()
		deadLetters = fileStore
	}

	// 4. Build destinations and dispatcher
	sinks, err := routing.BuildSinks(rulesCfg, records, logger.Named("sink"))
	if err != nil {
		logger.Fatal("Failed to build destinations", zap.Error(err))
	}
	dispatcher, err := routing.NewDispatcher(engineCfg.Dispatcher, sinks, deadLetters, m, logger.Named("dispatcher"))
	if err != nil {
		logger.Fatal("Failed to create dispatcher", zap.Error(err))
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("Closing destinations reported errors", zap.Error(err))
		}
	}()
	p := pipeline.New(ruleSet)

	// 5. Initialize consumers
	var mqConsumers []consumer.Consumer
	if !engineCfg.KafkaConsumer.UseMock {
		logger.Info("Initializing Kafka consumers", zap.Int("count", engineCfg.KafkaConsumer.Count))
		for i := 0; i < engineCfg.KafkaConsumer.Count; i++ {
			kafkaConsumer, err := consumer.NewKafkaConsumer(engineCfg.KafkaConsumer, logger.Named("consumer"))
			if err != nil {
				logger.Fatal("Failed to initialize Kafka consumer", zap.Int("index", i), zap.Error(err))
			}
			mqConsumers = append(mqConsumers, kafkaConsumer)
		}
	} else {
		logger.Info("Initializing mock message queue consumer...")
		mqConsumers = append(mqConsumers, consumer.NewMockConsumer(logger.Named("consumer")))
	}
	defer func() {
		for _, c := range mqConsumers {
			c.Close()
		}
	}()

	// 6. Monitoring endpoints
	mux := http.NewServeMux()
	if engineCfg.Monitoring.EnableMetrics {
		mux.Handle(engineCfg.Monitoring.MetricsPath, m.Handler())
	}
	mux.HandleFunc(engineCfg.Monitoring.HealthCheckPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"routing-engine"}`))
	})
	monitorServer := &http.Server{Addr: engineCfg.Monitoring.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Monitoring server listening", zap.String("addr", engineCfg.Monitoring.ListenAddr))
		if err := monitorServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Monitoring server failed", zap.Error(err))
		}
	}()

	// 7. Retention janitor
	if engineCfg.Retention.Enabled {
		janitor := routing.NewJanitor(ruleSet.Destinations(), dispatcher.Sinks(), engineCfg.Retention.Interval,
			m, logger.Named("janitor"), clock.WallClock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			janitor.Run(ctx)
		}()
	}

	// 8. Create and start workers, one pool per consumer
	var workersWG sync.WaitGroup
	for i, c := range mqConsumers {
		w := worker.New(engineCfg.Worker, logger.Named("worker").With(zap.Int("consumer", i+1)), c, p, dispatcher, deadLetters, m)
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			w.Run(ctx)
		}()
	}

	logger.Info("Routing engine started. Press Ctrl+C to stop.",
		zap.Int("consumers", len(mqConsumers)),
		zap.Int("sources", len(ruleSet.Sources())),
		zap.Int("destinations", len(sinks)))

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Received shutdown signal, initiating graceful shutdown...", zap.String("signal", sig.String()))
	cancel()

	logger.Info("Waiting for workers to finish...")
	workersWG.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := monitorServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Monitoring server shutdown failed", zap.Error(err))
	}
	wg.Wait()

	logger.Info("Routing engine shut down gracefully.")
}
