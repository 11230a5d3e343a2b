package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	apiconfig "biolog/config"
	core "biolog/ingestion/service/core"
	grpchandler "biolog/ingestion/service/grpc"
	httphandler "biolog/ingestion/service/http"
	"biolog/ingestion/listener"
	"biolog/internal/logging"
	"biolog/internal/messaging/producer"
	"biolog/internal/metrics"
	"biolog/storage/store"
)

// Ingestion gateway configuration file path
const ingestionConfigPath = "./config/ingestion.defaults.yml"

func main() {
	// 1. Load ingestion gateway configuration
	cfg, err := apiconfig.LoadIngestionConfig(ingestionConfigPath)
	if err != nil {
		panic("failed to load ingestion configuration: " + err.Error())
	}

	rootLogger, err := logging.New(cfg.Monitoring.LogLevel, "ingestion")
	if err != nil {
		panic(err)
	}
	defer rootLogger.Sync()
	logger := rootLogger.Named("gateway")
	logger.Info("Starting ingestion gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewCollector("biolog")

	// 2. Initialize Kafka producer
	logger.Info("Initializing Kafka producer...")
	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaProducer, logger.Named("producer"))
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer kafkaProducer.Close()

	// 3. Create core Service and transports. Batches Kafka refuses are kept on local disk.
	deadLetters, err := store.NewFileDeadLetterStore(cfg.BatchProcessor.DeadLetterPath)
	if err != nil {
		logger.Fatal("Failed to open dead-letter file", zap.Error(err))
	}
	defer deadLetters.Close()
	coreService := core.NewService(kafkaProducer, logger.Named("service"), m, cfg.BatchProcessor,
		core.WithDeadLetters(deadLetters))

	var wg sync.WaitGroup

	// 4. [Conditional startup] HTTP server
	var httpServer *http.Server
	if cfg.HttpListenAddr != "" {
		mux := http.NewServeMux()
		recordHandler := httphandler.NewRecordHandler(coreService, logger.Named("http"), cfg.HttpServer.MaxBodyBytes)
		recordHandler.Register(mux, cfg.Monitoring.HealthCheckPath)
		if cfg.Monitoring.EnableMetrics {
			mux.Handle(cfg.Monitoring.MetricsPath, m.Handler())
		}

		httpServer = &http.Server{
			Addr:           cfg.HttpListenAddr,
			Handler:        mux,
			ReadTimeout:    cfg.HttpServer.ReadTimeout,
			WriteTimeout:   cfg.HttpServer.WriteTimeout,
			IdleTimeout:    cfg.HttpServer.IdleTimeout,
			MaxHeaderBytes: cfg.HttpServer.MaxHeaderBytes,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("HTTP server listening", zap.String("addr", cfg.HttpListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("HTTP server startup failed", zap.Error(err))
			}
			logger.Info("HTTP server stopped listening.")
		}()
	} else {
		logger.Info("http_listen_addr not configured, skipping HTTP server startup.")
	}

	// 5. [Conditional startup] gRPC server
	var grpcServer *grpc.Server
	if cfg.GrpcListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
		if err != nil {
			logger.Fatal("Unable to listen on gRPC port", zap.String("addr", cfg.GrpcListenAddr), zap.Error(err))
		}
		grpcServer = grpc.NewServer()
		grpchandler.RegisterRecordIngestionServer(grpcServer, grpchandler.NewServer(coreService, logger.Named("grpc")))
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("gRPC server listening", zap.String("addr", cfg.GrpcListenAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Fatal("gRPC server startup failed", zap.Error(err))
			}
			logger.Info("gRPC server stopped listening.")
		}()
	} else {
		logger.Info("grpc_listen_addr not configured, skipping gRPC server startup.")
	}

	// 6. [Conditional startup] collectors
	var collectors sync.WaitGroup
	if cfg.Syslog.Enabled() {
		syslogListener := listener.NewSyslogListener(cfg.Syslog, coreService, m, logger.Named("syslog"))
		collectors.Add(1)
		go func() {
			defer collectors.Done()
			if err := syslogListener.Run(ctx); err != nil {
				logger.Fatal("Syslog listener failed", zap.Error(err))
			}
		}()
	}
	if len(cfg.Tail.Files) > 0 {
		tailer := listener.NewFileTailer(cfg.Tail, coreService, logger.Named("tail"), clock.WallClock)
		collectors.Add(1)
		go func() {
			defer collectors.Done()
			_ = tailer.Run(ctx)
		}()
	}

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Received shutdown signal, starting graceful shutdown of ingestion gateway...", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		logger.Info("Shutting down HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", zap.Error(err))
		}
	}
	if grpcServer != nil {
		logger.Info("Shutting down gRPC server...")
		grpcServer.GracefulStop()
	}
	collectors.Wait()
	wg.Wait()

	// Flush buffered records before the producer is closed
	coreService.Close()
	logger.Info("All servers stopped. Ingestion gateway shutdown.")
}
