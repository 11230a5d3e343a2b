package routing

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"biolog/internal/metrics"
	"biolog/pipeline"
)

// Janitor enforces destination retention by purging expired copies.
type Janitor struct {
	targets  []purgeTarget
	interval time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger
	clock    clock.Clock
}

type purgeTarget struct {
	spec   pipeline.DestinationSpec
	purger Purger
}

// NewJanitor selects every sink that supports purging and has a finite
// retention. Destinations with retention_days <= 0 are kept forever.
func NewJanitor(specs []pipeline.DestinationSpec, sinks []Sink, interval time.Duration,
	m *metrics.Collector, logger *zap.Logger, clk clock.Clock) *Janitor {
	byName := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		byName[s.Name()] = s
	}
	if clk == nil {
		clk = clock.WallClock
	}

	j := &Janitor{interval: interval, metrics: m, logger: logger, clock: clk}
	for _, spec := range specs {
		if spec.RetentionDays <= 0 {
			continue
		}
		p, ok := byName[spec.Name].(Purger)
		if !ok {
			continue
		}
		j.targets = append(j.targets, purgeTarget{spec: spec, purger: p})
	}
	return j
}

// RunOnce purges every target and returns the removed count per destination.
// A failing destination is logged and does not stop the others.
func (j *Janitor) RunOnce(ctx context.Context) map[string]int64 {
	now := j.clock.Now()
	purged := make(map[string]int64, len(j.targets))
	for _, t := range j.targets {
		cutoff := now.AddDate(0, 0, -t.spec.RetentionDays)
		n, err := t.purger.Purge(ctx, cutoff)
		if err != nil {
			j.logger.Error("Retention purge failed", zap.String("destination", t.spec.Name), zap.Error(err))
			continue
		}
		purged[t.spec.Name] = n
		if n > 0 {
			j.metrics.RetentionPurged.WithLabelValues(t.spec.Name).Add(float64(n))
			j.logger.Info("Retention purge completed",
				zap.String("destination", t.spec.Name), zap.Int64("removed", n), zap.Time("cutoff", cutoff))
		}
	}
	return purged
}

// Run purges immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if len(j.targets) == 0 {
		j.logger.Info("Retention janitor has nothing to purge")
		return
	}
	j.logger.Info("Retention janitor started", zap.Int("destinations", len(j.targets)), zap.Duration("interval", j.interval))
	for {
		j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			j.logger.Info("Retention janitor stopped")
			return
		case <-j.clock.After(j.interval):
		}
	}
}
