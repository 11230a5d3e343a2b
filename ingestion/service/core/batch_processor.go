package service

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"biolog/config"
	"biolog/internal/messaging/producer"
	"biolog/internal/metrics"
	"biolog/internal/models"
	"biolog/storage/store"
)

// PublishDestination names the queue in dead letters written by the gateway
const PublishDestination = "ingestion-queue"

// BatchOption customises a BatchProcessor
type BatchOption func(*BatchProcessor)

// WithDeadLetters keeps batches that could not be published within the retry
// budget. Without a store such batches are logged and counted as lost.
func WithDeadLetters(dl store.DeadLetterStore) BatchOption {
	return func(bp *BatchProcessor) { bp.deadLetters = dl }
}

// BatchProcessor handles batching of record messages for improved throughput
type BatchProcessor struct {
	cfg      config.BatchProcessorConfig
	logger   *zap.Logger
	metrics  *metrics.Collector
	producer producer.Producer

	deadLetters store.DeadLetterStore
	clock       clock.Clock

	// Buffers
	buffer      []*models.RecordMessage
	bufferMutex sync.Mutex
	closed      bool
	flushChan   chan []*models.RecordMessage

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(cfg config.BatchProcessorConfig, p producer.Producer, m *metrics.Collector, logger *zap.Logger, opts ...BatchOption) *BatchProcessor {
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	bp := &BatchProcessor{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		producer:  p,
		buffer:    make([]*models.RecordMessage, 0, cfg.BatchSize),
		flushChan: make(chan []*models.RecordMessage, cfg.FlushChannelBuffer),
		clock:     clock.WallClock,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(bp)
	}

	// Start background goroutines
	bp.wg.Add(2)
	go bp.batchTimer()
	go bp.batchProcessor()

	return bp
}

// Submit adds a message to the current batch
func (bp *BatchProcessor) Submit(msg *models.RecordMessage) error {
	bp.bufferMutex.Lock()
	if bp.closed || len(bp.buffer) >= bp.cfg.MaxBufferSize {
		bp.bufferMutex.Unlock()
		return ErrOverloaded
	}
	bp.buffer = append(bp.buffer, msg)
	var batch []*models.RecordMessage
	if len(bp.buffer) >= bp.cfg.BatchSize {
		batch = bp.takeLocked()
	}
	bp.bufferMutex.Unlock()

	// Trigger flush if buffer is full
	if batch != nil {
		bp.enqueue(batch)
	}
	return nil
}

// takeLocked returns the buffered messages and resets the buffer. Caller holds bufferMutex.
func (bp *BatchProcessor) takeLocked() []*models.RecordMessage {
	batch := bp.buffer
	bp.buffer = make([]*models.RecordMessage, 0, bp.cfg.BatchSize)
	return batch
}

// enqueue hands batch to the publisher, or puts it back for the next tick
func (bp *BatchProcessor) enqueue(batch []*models.RecordMessage) {
	select {
	case bp.flushChan <- batch:
	default:
		bp.logger.Debug("Flush channel full, will flush on next timer", zap.Int("count", len(batch)))
		bp.bufferMutex.Lock()
		bp.buffer = append(batch, bp.buffer...)
		bp.bufferMutex.Unlock()
	}
}

// batchTimer handles periodic flushing
func (bp *BatchProcessor) batchTimer() {
	defer bp.wg.Done()

	ticker := time.NewTicker(bp.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bp.flushIfNeeded()
		case <-bp.ctx.Done():
			return
		}
	}
}

// batchProcessor handles actual batch publishing
func (bp *BatchProcessor) batchProcessor() {
	defer bp.wg.Done()

	for {
		select {
		case batch := <-bp.flushChan:
			bp.processBatch(batch)
		case <-bp.ctx.Done():
			bp.drain()
			return
		}
	}
}

// drain publishes queued batches and the remaining buffer
func (bp *BatchProcessor) drain() {
	for {
		select {
		case batch := <-bp.flushChan:
			bp.processBatch(batch)
			continue
		default:
		}

		bp.bufferMutex.Lock()
		remaining := bp.takeLocked()
		bp.bufferMutex.Unlock()
		bp.processBatch(remaining)
		return
	}
}

// flushIfNeeded flushes the buffer if it has entries
func (bp *BatchProcessor) flushIfNeeded() {
	bp.bufferMutex.Lock()
	if len(bp.buffer) == 0 {
		bp.bufferMutex.Unlock()
		return
	}
	batch := bp.takeLocked()
	bp.bufferMutex.Unlock()

	bp.enqueue(batch)
}

// processBatch publishes one batch, retrying within the configured budget.
// A batch that still fails is dead-lettered record by record. Once Close has
// started, backoff is skipped so shutdown is not held up by a dead broker.
func (bp *BatchProcessor) processBatch(batch []*models.RecordMessage) {
	if len(batch) == 0 {
		return
	}

	start := bp.clock.Now()
	attempts := 0
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			ctx, cancel := context.WithTimeout(context.Background(), bp.cfg.PublishTimeout)
			defer cancel()
			if err := bp.producer.PublishBatch(ctx, batch); err != nil {
				lastErr = err
				return err
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			bp.logger.Warn("Batch Kafka publish attempt failed",
				zap.Int("count", len(batch)), zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    bp.cfg.PublishMaxAttempts,
		Delay:       bp.cfg.PublishInitialBackoff,
		MaxDelay:    bp.cfg.PublishMaxBackoff,
		BackoffFunc: retry.DoubleDelay,
		Clock:       bp.clock,
		Stop:        bp.ctx.Done(),
	})
	if err == nil {
		bp.logger.Debug("Batch published",
			zap.Int("count", len(batch)), zap.Int("attempts", attempts), zap.Duration("duration", bp.clock.Now().Sub(start)))
		return
	}
	if lastErr == nil {
		lastErr = err
	}
	bp.logger.Error("Batch Kafka publish failed", zap.Int("count", len(batch)), zap.Int("attempts", attempts), zap.Error(lastErr))
	bp.deadLetter(batch, attempts, lastErr)
}

// deadLetter keeps every record of an unpublishable batch. The payload is the
// raw one since masking only happens in the routing engine; Masked stays false.
func (bp *BatchProcessor) deadLetter(batch []*models.RecordMessage, attempts int, cause error) {
	if bp.deadLetters == nil {
		bp.metrics.RecordsRejected.WithLabelValues("batch", "publish_failed").Add(float64(len(batch)))
		bp.logger.Error("No dead-letter store configured, batch lost", zap.Int("count", len(batch)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), bp.cfg.PublishTimeout)
	defer cancel()
	failedAt := bp.clock.Now().UTC()
	for _, msg := range batch {
		err := bp.deadLetters.WriteDeadLetter(ctx, store.DeadLetter{
			RecordID:     msg.RequestID,
			SourceSystem: msg.SourceSystem,
			Destination:  PublishDestination,
			Payload:      msg.RawPayload,
			Timestamp:    messageTime(msg),
			Fields:       map[string]string{},
			Metadata: map[string]string{
				"payload_hash":       msg.PayloadHash,
				"channel":            msg.Channel,
				"received_timestamp": msg.ReceivedTimestamp,
			},
			Attempts:  attempts,
			LastError: cause.Error(),
			FailedAt:  failedAt,
		})
		if err != nil {
			bp.metrics.RecordsRejected.WithLabelValues("batch", "publish_failed").Inc()
			bp.logger.Error("Failed to dead-letter unpublished record",
				zap.String("record_id", msg.RequestID), zap.Error(err))
			continue
		}
		bp.metrics.RecordsDeadLettered.WithLabelValues(msg.SourceSystem, PublishDestination).Inc()
	}
}

func messageTime(msg *models.RecordMessage) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Close gracefully shuts down the batch processor
func (bp *BatchProcessor) Close() {
	bp.bufferMutex.Lock()
	bp.closed = true
	bp.bufferMutex.Unlock()

	bp.cancel()
	bp.wg.Wait()
	bp.drain()
}
