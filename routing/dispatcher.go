package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"biolog/config"
	"biolog/internal/metrics"
	"biolog/pipeline"
	"biolog/storage/store"
)

// Outcome is the settled state of one destination copy.
type Outcome struct {
	Destination string
	Result      string // metrics.OutcomeDelivered, OutcomeDeadLettered or OutcomeLost
	Attempts    int
	Err         error // last delivery error, nil when delivered
}

// Report lists the outcome of every destination copy of a record.
type Report struct {
	RecordID string
	Outcomes []Outcome
}

// DestinationError is a copy that was neither delivered nor dead-lettered.
type DestinationError struct {
	Destination string
	Attempts    int
	Err         error
}

// DeliveryFailure is returned when at least one copy of a record could not be
// settled. The source message must not be acknowledged.
type DeliveryFailure struct {
	RecordID string
	Failures []DestinationError
}

func (e *DeliveryFailure) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s after %d attempt(s): %v", f.Destination, f.Attempts, f.Err)
	}
	return fmt.Sprintf("record %s not settled: %s", e.RecordID, strings.Join(parts, "; "))
}

func (e *DeliveryFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock used between retry attempts.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// Dispatcher fans a record out to its destinations. Each copy is retried
// with exponential backoff behind a per-destination circuit breaker, and
// dead-lettered once the attempt budget is spent.
type Dispatcher struct {
	cfg         config.DispatcherConfig
	sinks       map[string]Sink
	breakers    map[string]*gobreaker.CircuitBreaker
	deadLetters store.DeadLetterStore
	metrics     *metrics.Collector
	logger      *zap.Logger
	clock       clock.Clock
}

// NewDispatcher creates a dispatcher over sinks, keyed by Sink.Name.
func NewDispatcher(cfg config.DispatcherConfig, sinks []Sink, deadLetters store.DeadLetterStore,
	m *metrics.Collector, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if deadLetters == nil {
		return nil, errors.New("dispatcher requires a dead-letter store")
	}
	cfg.SetDefaults()

	d := &Dispatcher{
		cfg:         cfg,
		sinks:       make(map[string]Sink, len(sinks)),
		breakers:    make(map[string]*gobreaker.CircuitBreaker, len(sinks)),
		deadLetters: deadLetters,
		metrics:     m,
		logger:      logger,
		clock:       clock.WallClock,
	}
	for _, o := range opts {
		o(d)
	}

	for _, s := range sinks {
		name := s.Name()
		if _, dup := d.sinks[name]; dup {
			return nil, fmt.Errorf("duplicate sink %q", name)
		}
		d.sinks[name] = s
		d.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.BreakerHalfOpen,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("Destination circuit breaker state changed",
					zap.String("destination", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return d, nil
}

// Dispatch delivers res.Record to every resolved destination. Copies are
// independent: a slow or failing destination never blocks the others. The
// returned error is a *DeliveryFailure when some copy was lost.
func (d *Dispatcher) Dispatch(ctx context.Context, res pipeline.Result) (Report, error) {
	rec := res.Record
	if res.Gap != nil {
		d.metrics.RoutingGaps.WithLabelValues(string(rec.SourceSystem)).Inc()
		d.logger.Warn("Routing gap: record matched no route, using fallback destination",
			zap.String("record_id", res.Gap.RecordID),
			zap.String("source_system", string(res.Gap.Source)),
			zap.Strings("tags", rec.Tags.Strings()),
			zap.String("fallback", res.Gap.Fallback))
	}

	report := Report{RecordID: rec.ID, Outcomes: make([]Outcome, len(res.Destinations))}

	var g errgroup.Group
	for i, dest := range res.Destinations {
		del := NewDelivery(rec, dest)
		g.Go(func() error {
			report.Outcomes[i] = d.deliver(ctx, del)
			return nil
		})
	}
	_ = g.Wait()

	var failure *DeliveryFailure
	for _, o := range report.Outcomes {
		if o.Result != metrics.OutcomeLost {
			continue
		}
		if failure == nil {
			failure = &DeliveryFailure{RecordID: rec.ID}
		}
		failure.Failures = append(failure.Failures, DestinationError{Destination: o.Destination, Attempts: o.Attempts, Err: o.Err})
	}
	if failure != nil {
		return report, failure
	}
	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, del Delivery) Outcome {
	start := d.clock.Now()
	name := del.Destination
	out := Outcome{Destination: name}

	defer func() {
		d.metrics.DeliveriesTotal.WithLabelValues(name, out.Result).Inc()
		d.metrics.DeliveryDuration.WithLabelValues(name).Observe(d.clock.Now().Sub(start).Seconds())
	}()

	sink, ok := d.sinks[name]
	if !ok {
		out.Err = Permanent(fmt.Errorf("no sink registered for destination %q", name))
	} else {
		out.Err = d.attempt(ctx, sink, d.breakers[name], del, &out.Attempts)
	}

	if out.Err == nil {
		out.Result = metrics.OutcomeDelivered
		d.metrics.RecordsRouted.WithLabelValues(del.SourceSystem, name, del.Tier).Inc()
		return out
	}

	// Shutting down: leave the copy for redelivery instead of dead-lettering it
	if ctx.Err() != nil {
		out.Result = metrics.OutcomeLost
		return out
	}

	dl := store.DeadLetter{
		RecordID:     del.RecordID,
		SourceSystem: del.SourceSystem,
		Destination:  name,
		Payload:      del.Payload,
		Masked:       del.Masked,
		Timestamp:    del.Timestamp,
		Tags:         del.Tags,
		Fields:       del.Fields,
		Metadata:     del.Metadata,
		Attempts:     out.Attempts,
		LastError:    out.Err.Error(),
		FailedAt:     d.clock.Now().UTC(),
	}
	dlCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	if err := d.deadLetters.WriteDeadLetter(dlCtx, dl); err != nil {
		out.Result = metrics.OutcomeLost
		out.Err = fmt.Errorf("%w (dead-letter write failed: %v)", out.Err, err)
		d.logger.Error("Delivery failed and dead-letter write failed",
			zap.String("record_id", del.RecordID), zap.String("destination", name),
			zap.Int("attempts", out.Attempts), zap.Error(out.Err))
		return out
	}

	out.Result = metrics.OutcomeDeadLettered
	d.metrics.RecordsDeadLettered.WithLabelValues(del.SourceSystem, name).Inc()
	d.logger.Error("Delivery dead-lettered",
		zap.String("record_id", del.RecordID), zap.String("destination", name),
		zap.Int("attempts", out.Attempts), zap.Error(out.Err))
	return out
}

// attempt runs the bounded retry loop and returns the last delivery error.
func (d *Dispatcher) attempt(ctx context.Context, sink Sink, cb *gobreaker.CircuitBreaker, del Delivery, attempts *int) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			*attempts++
			attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
			defer cancel()

			_, err := cb.Execute(func() (interface{}, error) {
				return nil, sink.Deliver(attemptCtx, del)
			})
			if err != nil {
				lastErr = err
				d.metrics.DeliveryAttempts.WithLabelValues(sink.Name(), "error").Inc()
				return err
			}
			d.metrics.DeliveryAttempts.WithLabelValues(sink.Name(), "success").Inc()
			return nil
		},
		IsFatalError: IsPermanent,
		NotifyFunc: func(err error, attempt int) {
			d.logger.Debug("Delivery attempt failed",
				zap.String("record_id", del.RecordID), zap.String("destination", sink.Name()),
				zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    d.cfg.MaxAttempts,
		Delay:       d.cfg.InitialBackoff,
		MaxDelay:    d.cfg.MaxBackoff,
		BackoffFunc: retry.DoubleDelay,
		Clock:       d.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return lastErr
}

// Close closes every sink.
func (d *Dispatcher) Close() error {
	var errs []error
	for name, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Sinks returns the registered sinks.
func (d *Dispatcher) Sinks() []Sink {
	out := make([]Sink, 0, len(d.sinks))
	for _, s := range d.sinks {
		out = append(out, s)
	}
	return out
}

// breakerState is exposed for tests.
func (d *Dispatcher) breakerState(name string) gobreaker.State {
	return d.breakers[name].State()
}
