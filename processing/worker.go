package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"biolog/config"
	"biolog/internal/messaging/consumer"
	"biolog/internal/metrics"
	"biolog/internal/models"
	"biolog/pipeline"
	"biolog/routing"
	"biolog/storage/store"
)

// UnprocessedDestination marks dead letters for records whose source has no
// usable rule set and therefore never reached routing.
const UnprocessedDestination = "unprocessed"

// Dispatcher delivers a processed record to its destinations
type Dispatcher interface {
	Dispatch(ctx context.Context, res pipeline.Result) (routing.Report, error)
}

// Worker processes messages in batches
type Worker struct {
	workerConfig       config.WorkerConfig
	batchTimeout       time.Duration // Parsed from workerConfig.BatchTimeout
	consumerRetryDelay time.Duration // Parsed from workerConfig.ConsumerRetryDelay
	recordTimeout      time.Duration // Parsed from workerConfig.RecordTimeout

	logger      *zap.Logger
	consumer    consumer.Consumer
	pipeline    *pipeline.Pipeline
	dispatcher  Dispatcher
	deadLetters store.DeadLetterStore
	metrics     *metrics.Collector
	now         func() time.Time
}

// New creates a new Worker instance
func New(cfg config.WorkerConfig, logger *zap.Logger, c consumer.Consumer, p *pipeline.Pipeline,
	d Dispatcher, dl store.DeadLetterStore, m *metrics.Collector) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	// Parse time duration strings
	batchTimeout, err := time.ParseDuration(cfg.BatchTimeout)
	if err != nil {
		logger.Warn("Invalid batch_timeout, using default 1s", zap.String("value", cfg.BatchTimeout))
		batchTimeout = 1 * time.Second
	}

	consumerRetryDelay, err := time.ParseDuration(cfg.ConsumerRetryDelay)
	if err != nil {
		logger.Warn("Invalid consumer_retry_delay, using default 5s", zap.String("value", cfg.ConsumerRetryDelay))
		consumerRetryDelay = 5 * time.Second
	}

	recordTimeout, err := time.ParseDuration(cfg.RecordTimeout)
	if err != nil {
		logger.Warn("Invalid record_timeout, using default 2m", zap.String("value", cfg.RecordTimeout))
		recordTimeout = 2 * time.Minute
	}

	return &Worker{
		workerConfig:       cfg,
		batchTimeout:       batchTimeout,
		consumerRetryDelay: consumerRetryDelay,
		recordTimeout:      recordTimeout,
		logger:             logger,
		consumer:           c,
		pipeline:           p,
		dispatcher:         d,
		deadLetters:        dl,
		metrics:            m,
		now:                time.Now,
	}
}

// Run starts the worker pool
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Starting worker pool",
		zap.Int("concurrency", w.workerConfig.Concurrency),
		zap.Int("batch_size", w.workerConfig.BatchSize),
		zap.Duration("batch_timeout", w.batchTimeout))
	var wg sync.WaitGroup
	for i := 0; i < w.workerConfig.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.logger.Debug("Worker started", zap.Int("worker_id", workerID))
			w.processMessagesInBatch(ctx, workerID)
			w.logger.Debug("Worker stopped", zap.Int("worker_id", workerID))
		}(i + 1)
	}
	wg.Wait()
	w.logger.Info("Worker pool stopped")
}

// processMessagesInBatch is the main loop for a worker goroutine
func (w *Worker) processMessagesInBatch(ctx context.Context, workerID int) {
	batchMessages := make([]*models.RecordMessage, 0, w.workerConfig.BatchSize)
	acks := make([]func(success bool), 0, w.workerConfig.BatchSize)
	batchTimer := time.NewTimer(0) // Start with stopped timer
	if !batchTimer.Stop() {
		select {
		case <-batchTimer.C:
		default:
		}
	}
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batchMessages) == 0 {
			return
		}

		// Stop and drain timer
		if !batchTimer.Stop() {
			select {
			case <-batchTimer.C:
			default:
			}
		}

		w.processAndAckBatch(ctx, workerID, batchMessages, acks)

		batchMessages = make([]*models.RecordMessage, 0, w.workerConfig.BatchSize)
		acks = make([]func(success bool), 0, w.workerConfig.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Context cancelled, stopping", zap.Int("worker_id", workerID))
			for _, ack := range acks {
				ack(false)
			}
			return

		case <-batchTimer.C:
			processBatch()

		default:
			consumeCtx, consumeCancel := context.WithTimeout(ctx, 100*time.Millisecond)
			msg, ack, err := w.consumer.Consume(consumeCtx)
			consumeCancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					continue
				}
				w.logger.Warn("Consumer error", zap.Int("worker_id", workerID), zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(w.consumerRetryDelay):
				}
				continue
			}

			if msg != nil {
				// Start batch timer on first message
				if len(batchMessages) == 0 {
					batchTimer.Reset(w.batchTimeout)
				}

				batchMessages = append(batchMessages, msg)
				acks = append(acks, ack)

				if len(batchMessages) >= w.workerConfig.BatchSize {
					processBatch()
				}
			}
		}
	}
}

// processAndAckBatch handles every record of the batch concurrently and
// acknowledges each one by its own outcome.
func (w *Worker) processAndAckBatch(ctx context.Context, workerID int, batch []*models.RecordMessage, acks []func(success bool)) {
	start := time.Now()
	settled := make([]bool, len(batch))

	var g errgroup.Group
	for i, msg := range batch {
		g.Go(func() error {
			settled[i] = w.HandleRecord(ctx, msg) == nil
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, ack := range acks {
		if !settled[i] {
			failed++
		}
		ack(settled[i])
	}

	if failed > 0 {
		w.logger.Warn("Batch had unsettled records, nacked for redelivery",
			zap.Int("worker_id", workerID), zap.Int("size", len(batch)), zap.Int("nacked", failed))
	}
	w.logger.Debug("Batch performance",
		zap.Int("worker_id", workerID), zap.Int("size", len(batch)), zap.Duration("total", time.Since(start)))
}

// HandleRecord runs one queued record through the pipeline and dispatches it.
// A nil return means every copy is settled and the message may be acked.
func (w *Worker) HandleRecord(ctx context.Context, msg *models.RecordMessage) error {
	ctx, cancel := context.WithTimeout(ctx, w.recordTimeout)
	defer cancel()

	rec, err := w.toLogRecord(msg)
	if err == nil {
		var res pipeline.Result
		res, err = w.pipeline.Process(rec)
		if err == nil {
			w.observe(res)
			_, err = w.dispatcher.Dispatch(ctx, res)
			return err
		}
	}

	var cfgErr *pipeline.ConfigurationError
	if !errors.As(err, &cfgErr) {
		return err
	}
	return w.deadLetterUnprocessed(ctx, msg, cfgErr)
}

func (w *Worker) toLogRecord(msg *models.RecordMessage) (pipeline.LogRecord, error) {
	source, err := pipeline.ParseSourceSystem(msg.SourceSystem)
	if err != nil {
		return pipeline.LogRecord{}, err
	}
	return pipeline.NewLogRecord(msg.RequestID, source, msg.RawPayload, w.eventTime(msg)), nil
}

func (w *Worker) eventTime(msg *models.RecordMessage) time.Time {
	for _, s := range []string{msg.Timestamp, msg.ReceivedTimestamp} {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	return w.now().UTC()
}

func (w *Worker) observe(res pipeline.Result) {
	rec := res.Record
	source := string(rec.SourceSystem)
	for _, tag := range rec.Tags.Strings() {
		w.metrics.RecordsClassified.WithLabelValues(source, tag).Inc()
	}
	if rec.Masked {
		w.metrics.RecordsMasked.WithLabelValues(source).Inc()
	}
	for _, miss := range res.Misses {
		w.metrics.ExtractionMisses.WithLabelValues(source, miss.Field).Inc()
	}
}

// deadLetterUnprocessed keeps a record whose source cannot be processed.
// The payload only gets the default masking since the source rules are
// unusable.
func (w *Worker) deadLetterUnprocessed(ctx context.Context, msg *models.RecordMessage, cfgErr *pipeline.ConfigurationError) error {
	w.metrics.ConfigErrors.WithLabelValues(msg.SourceSystem).Inc()
	w.logger.Error("Record source has no usable rule set",
		zap.String("record_id", msg.RequestID),
		zap.String("source_system", msg.SourceSystem),
		zap.Error(cfgErr))

	err := w.deadLetters.WriteDeadLetter(ctx, store.DeadLetter{
		RecordID:     msg.RequestID,
		SourceSystem: msg.SourceSystem,
		Destination:  UnprocessedDestination,
		Payload:      pipeline.Mask(w.pipeline.Rules().DefaultMasking(), msg.RawPayload),
		Masked:       true,
		Timestamp:    w.eventTime(msg),
		Fields:       map[string]string{},
		Metadata: map[string]string{
			"payload_hash": msg.PayloadHash,
			"channel":      msg.Channel,
		},
		LastError: cfgErr.Error(),
		FailedAt:  w.now().UTC(),
	})
	if err != nil {
		w.logger.Error("Failed to dead-letter unprocessed record",
			zap.String("record_id", msg.RequestID), zap.Error(err))
		return err
	}
	w.metrics.RecordsDeadLettered.WithLabelValues(msg.SourceSystem, UnprocessedDestination).Inc()
	return nil
}
