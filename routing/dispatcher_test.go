package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"biolog/config"
	"biolog/internal/metrics"
	"biolog/pipeline"
)

func testDispatcherConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		AttemptTimeout:  50 * time.Millisecond,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      4 * time.Millisecond,
		BreakerFailures: 100,
		BreakerCooldown: time.Minute,
		BreakerHalfOpen: 1,
	}
}

type harness struct {
	dispatcher *Dispatcher
	dead       *fakeDeadLetters
	metrics    *metrics.Collector
	logs       *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg config.DispatcherConfig, sinks ...Sink) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{dead: &fakeDeadLetters{}, metrics: metrics.NewCollector("test"), logs: logs}
	d, err := NewDispatcher(cfg, sinks, h.dead, h.metrics, zap.New(core))
	require.NoError(t, err)
	h.dispatcher = d
	return h
}

func TestDispatchFansOutMaskedPayload(t *testing.T) {
	kafkaSink := &fakeSink{name: centralSecurity.Name}
	pgSink := &fakeSink{name: clinicalStore.Name}
	h := newHarness(t, testDispatcherConfig(), kafkaSink, pgSink)

	res := pipeline.Result{Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{centralSecurity, clinicalStore}}
	report, err := h.dispatcher.Dispatch(context.Background(), res)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 2)
	for _, o := range report.Outcomes {
		assert.Equal(t, metrics.OutcomeDelivered, o.Result)
		assert.Equal(t, 1, o.Attempts)
	}
	for _, s := range []*fakeSink{kafkaSink, pgSink} {
		got := s.Delivered()
		require.Len(t, got, 1)
		assert.Equal(t, "subject ssn=[SSN-REDACTED] access denied", got[0].Payload)
		assert.True(t, got[0].Masked)
		assert.Equal(t, s.name, got[0].Metadata[MetaDestination])
		assert.Equal(t, "abc", got[0].Metadata["integrity_hash"])
	}
	assert.Equal(t, "analytics", kafkaSink.Delivered()[0].Tier)
	assert.Equal(t, "9125", pgSink.Delivered()[0].Metadata[MetaRetentionDays])

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecordsRouted.WithLabelValues("CTMS", "clinical-store", "specialized-domain")))
	assert.Empty(t, h.dead.Letters())
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	flaky := &fakeSink{name: centralSecurity.Name, failures: 2}
	h := newHarness(t, testDispatcherConfig(), flaky)

	report, err := h.dispatcher.Dispatch(context.Background(), pipeline.Result{
		Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{centralSecurity},
	})
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDelivered, report.Outcomes[0].Result)
	assert.Equal(t, 3, report.Outcomes[0].Attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DeliveryAttempts.WithLabelValues(centralSecurity.Name, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeliveryAttempts.WithLabelValues(centralSecurity.Name, "success")))
}

func TestDispatchDeadLettersAfterRetryBudget(t *testing.T) {
	down := &fakeSink{name: clinicalStore.Name, failures: 1000}
	h := newHarness(t, testDispatcherConfig(), down)

	report, err := h.dispatcher.Dispatch(context.Background(), pipeline.Result{
		Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{clinicalStore},
	})
	require.NoError(t, err, "a dead-lettered copy is settled")
	assert.Equal(t, metrics.OutcomeDeadLettered, report.Outcomes[0].Result)
	assert.Equal(t, 3, down.Calls())

	letters := h.dead.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, "rec-1", letters[0].RecordID)
	assert.Equal(t, "subject ssn=[SSN-REDACTED] access denied", letters[0].Payload, "dead letters never hold the raw PHI")
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].LastError, "destination unavailable")
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), letters[0].Timestamp)
	assert.Equal(t, map[string]string{"subject": "[SSN-REDACTED]"}, letters[0].Fields)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecordsDeadLettered.WithLabelValues("CTMS", clinicalStore.Name)))
	assert.Equal(t, 1, h.logs.FilterMessage("Delivery dead-lettered").Len())
}

func TestDispatchPermanentErrorSkipsRetries(t *testing.T) {
	bad := &fakeSink{name: basicArchive.Name, failures: 1000, err: Permanent(errors.New("payload rejected"))}
	h := newHarness(t, testDispatcherConfig(), bad)

	report, err := h.dispatcher.Dispatch(context.Background(), pipeline.Result{
		Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{basicArchive},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, bad.Calls())
	assert.Equal(t, metrics.OutcomeDeadLettered, report.Outcomes[0].Result)
}

func TestDispatchReportsLossWhenDeadLetterFails(t *testing.T) {
	down := &fakeSink{name: clinicalStore.Name, failures: 1000}
	ok := &fakeSink{name: centralSecurity.Name}
	h := newHarness(t, testDispatcherConfig(), down, ok)
	h.dead.err = errors.New("disk full")

	_, err := h.dispatcher.Dispatch(context.Background(), pipeline.Result{
		Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{centralSecurity, clinicalStore},
	})
	var failure *DeliveryFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "rec-1", failure.RecordID)
	require.Len(t, failure.Failures, 1)
	assert.Equal(t, clinicalStore.Name, failure.Failures[0].Destination)
	assert.Len(t, ok.Delivered(), 1, "healthy destination is unaffected")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeliveriesTotal.WithLabelValues(clinicalStore.Name, metrics.OutcomeLost)))
}

func TestSlowDestinationDoesNotBlockOthers(t *testing.T) {
	slow := &fakeSink{name: clinicalStore.Name, block: true}
	fast := &fakeSink{name: centralSecurity.Name}
	cfg := testDispatcherConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg, slow, fast)

	start := time.Now()
	report, err := h.dispatcher.Dispatch(context.Background(), pipeline.Result{
		Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{clinicalStore, centralSecurity},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, metrics.OutcomeDeadLettered, report.Outcomes[0].Result)
	assert.ErrorIs(t, report.Outcomes[0].Err, context.DeadlineExceeded)
	assert.Equal(t, metrics.OutcomeDelivered, report.Outcomes[1].Result)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	down := &fakeSink{name: clinicalStore.Name, failures: 1000}
	cfg := testDispatcherConfig()
	cfg.BreakerFailures = 2
	cfg.MaxAttempts = 4
	h := newHarness(t, cfg, down)

	report, err := h.dispatcher.Dispatch(context.Background(), pipeline.Result{
		Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{clinicalStore},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, down.Calls(), "open breaker short-circuits the remaining attempts")
	assert.ErrorIs(t, report.Outcomes[0].Err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, h.dispatcher.breakerState(clinicalStore.Name))
	assert.Equal(t, 1, h.logs.FilterMessage("Destination circuit breaker state changed").Len())
}

func TestRoutingGapIsReportedAndDelivered(t *testing.T) {
	archive := &fakeSink{name: "compliance-archive"}
	h := newHarness(t, testDispatcherConfig(), archive)

	rec := maskedCTMSRecord()
	fallback := pipeline.DestinationSpec{Name: "compliance-archive", Kind: pipeline.KindArchive, Tier: pipeline.TierBasic, RetentionDays: 2555}
	res := pipeline.Result{
		Record:       rec,
		Destinations: []pipeline.DestinationSpec{fallback},
		Gap:          &pipeline.RoutingGap{RecordID: rec.ID, Source: rec.SourceSystem, Fallback: fallback.Name},
	}
	_, err := h.dispatcher.Dispatch(context.Background(), res)
	require.NoError(t, err)

	assert.Len(t, archive.Delivered(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RoutingGaps.WithLabelValues("CTMS")))
	warnings := h.logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("Routing gap").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "compliance-archive", warnings[0].ContextMap()["fallback"])
}

func TestCancelledDispatchIsNotDeadLettered(t *testing.T) {
	slow := &fakeSink{name: clinicalStore.Name, block: true}
	cfg := testDispatcherConfig()
	cfg.AttemptTimeout = time.Minute
	h := newHarness(t, cfg, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.dispatcher.Dispatch(ctx, pipeline.Result{
		Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{clinicalStore},
	})
	var failure *DeliveryFailure
	require.ErrorAs(t, err, &failure)
	assert.Empty(t, h.dead.Letters())
}

func TestDispatchUnknownDestinationIsDeadLettered(t *testing.T) {
	h := newHarness(t, testDispatcherConfig())
	report, err := h.dispatcher.Dispatch(context.Background(), pipeline.Result{
		Record: maskedCTMSRecord(), Destinations: []pipeline.DestinationSpec{basicArchive},
	})
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDeadLettered, report.Outcomes[0].Result)
	assert.Equal(t, 0, report.Outcomes[0].Attempts)
}

func TestNewDispatcherRejectsDuplicatesAndMissingDeadLetters(t *testing.T) {
	_, err := NewDispatcher(testDispatcherConfig(), nil, nil, metrics.NewCollector("t"), zap.NewNop())
	assert.Error(t, err)

	a, b := &fakeSink{name: "x"}, &fakeSink{name: "x"}
	_, err = NewDispatcher(testDispatcherConfig(), []Sink{a, b}, &fakeDeadLetters{}, metrics.NewCollector("t"), zap.NewNop())
	assert.Error(t, err)
}

func TestDispatcherCloseClosesSinks(t *testing.T) {
	a, b := &fakeSink{name: "a"}, &fakeSink{name: "b"}
	h := newHarness(t, testDispatcherConfig(), a, b)
	require.NoError(t, h.dispatcher.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Len(t, h.dispatcher.Sinks(), 2)
}
