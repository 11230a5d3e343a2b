package service

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"biolog/config"
	"biolog/internal/messaging/producer"
	"biolog/internal/metrics"
	"biolog/internal/models"
	"biolog/pipeline"
)

// Rejection reasons, also used as metric labels
const (
	ReasonUnknownSource = "unknown_source"
	ReasonEmptyPayload  = "empty_payload"
	ReasonHashMismatch  = "hash_mismatch"
	ReasonOverloaded    = "overloaded"
)

var (
	// ErrEmptyPayload rejects records without a raw payload
	ErrEmptyPayload = errors.New("raw_payload cannot be empty")
	// ErrHashMismatch rejects records whose client hash differs from the payload hash
	ErrHashMismatch = errors.New("client payload hash does not match")
	// ErrOverloaded is returned while the publish buffer is full
	ErrOverloaded = errors.New("ingestion buffer full, retry later")
)

// RecordInput defines the core information required for record submission
type RecordInput struct {
	SourceSystem      string
	RawPayload        string
	Timestamp         *time.Time // Optional, defaults to receipt time
	ClientPayloadHash string     // Optional
	Channel           string     // http, grpc, syslog, tail
}

// RecordResult defines the return information after successful submission
type RecordResult struct {
	RequestID         string
	SourceSystem      pipeline.SourceSystem
	PayloadHash       string
	ReceivedTimestamp time.Time
}

// Service encapsulates the core business logic of the ingestion gateway
type Service struct {
	producer       producer.Producer
	logger         *zap.Logger
	metrics        *metrics.Collector
	batchProcessor *BatchProcessor
	now            func() time.Time
}

// NewService creates a new Service instance with configuration
func NewService(p producer.Producer, l *zap.Logger, m *metrics.Collector, cfg config.BatchProcessorConfig, opts ...BatchOption) *Service {
	return &Service{
		producer:       p,
		logger:         l,
		metrics:        m,
		batchProcessor: NewBatchProcessor(cfg, p, m, l, opts...),
		now:            time.Now,
	}
}

// IsRejection reports whether err is a client error rather than a server fault
func IsRejection(err error) bool {
	var cfgErr *pipeline.ConfigurationError
	return errors.As(err, &cfgErr) || errors.Is(err, ErrEmptyPayload) || errors.Is(err, ErrHashMismatch)
}

func (s *Service) reject(channel, reason string) {
	s.metrics.RecordsRejected.WithLabelValues(channel, reason).Inc()
}

// SubmitRecord validates one record and queues it for publishing. An unknown
// source system yields a *pipeline.ConfigurationError; no record is ever
// given a default source.
func (s *Service) SubmitRecord(ctx context.Context, input *RecordInput) (*RecordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. Validate input
	source, err := pipeline.ParseSourceSystem(input.SourceSystem)
	if err != nil {
		s.reject(input.Channel, ReasonUnknownSource)
		s.metrics.ConfigErrors.WithLabelValues(input.SourceSystem).Inc()
		s.logger.Warn("Rejected record from unknown source system",
			zap.String("source_system", input.SourceSystem), zap.String("channel", input.Channel))
		return nil, err
	}
	if strings.TrimSpace(input.RawPayload) == "" {
		s.reject(input.Channel, ReasonEmptyPayload)
		return nil, ErrEmptyPayload
	}

	// 2. Get received timestamp
	received := s.now().UTC()
	eventTime := received
	if input.Timestamp != nil && !input.Timestamp.IsZero() {
		eventTime = input.Timestamp.UTC()
	}

	// 3. Calculate/validate hash
	sum := sha256.Sum256([]byte(input.RawPayload))
	payloadHash := fmt.Sprintf("%x", sum)
	if input.ClientPayloadHash != "" && !strings.EqualFold(input.ClientPayloadHash, payloadHash) {
		s.reject(input.Channel, ReasonHashMismatch)
		return nil, fmt.Errorf("%w: client '%s', server '%s'", ErrHashMismatch, input.ClientPayloadHash, payloadHash)
	}

	// 4. Generate Request ID
	requestID := uuid.NewString()

	msg := &models.RecordMessage{
		RequestID:         requestID,
		SourceSystem:      string(source),
		RawPayload:        input.RawPayload,
		PayloadHash:       payloadHash,
		Timestamp:         eventTime.Format(time.RFC3339Nano),
		ReceivedTimestamp: received.Format(time.RFC3339Nano),
		Channel:           input.Channel,
	}

	// 5. Submit to batch processor (asynchronous publish)
	if err := s.batchProcessor.Submit(msg); err != nil {
		s.reject(input.Channel, ReasonOverloaded)
		return nil, err
	}
	s.metrics.RecordsIngested.WithLabelValues(string(source), input.Channel).Inc()

	return &RecordResult{
		RequestID:         requestID,
		SourceSystem:      source,
		PayloadHash:       payloadHash,
		ReceivedTimestamp: received,
	}, nil
}

// Close gracefully shuts down the service, flushing buffered records
func (s *Service) Close() {
	s.batchProcessor.Close()
}
