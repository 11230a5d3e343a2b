package routing

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"biolog/config"
	"biolog/pipeline"
	"biolog/storage/store"
)

// BuildSinks creates one sink per configured destination. records is only
// required when a postgres destination exists. On error every sink created
// so far is closed.
func BuildSinks(cfg *config.RulesConfig, records store.RecordStore, logger *zap.Logger) (sinks []Sink, err error) {
	defer func() {
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			sinks = nil
		}
	}()

	for _, d := range cfg.Destinations {
		var s Sink
		switch d.Kind {
		case pipeline.KindKafka:
			s, err = NewKafkaSink(d.Name, d.Kafka, logger)
		case pipeline.KindPostgres:
			if records == nil {
				return sinks, fmt.Errorf("postgres destination %q configured but no database is available", d.Name)
			}
			s, err = NewPostgresSink(d.Name, d.Postgres.Table, records)
		case pipeline.KindArchive:
			s, err = NewArchiveSink(d.Name, d.Archive.Dir)
		default:
			err = fmt.Errorf("destination %q has unknown kind %q", d.Name, d.Kind)
		}
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, s)
		logger.Info("Destination ready", zap.String("destination", d.Name), zap.String("kind", d.Kind), zap.String("tier", d.Tier))
	}
	if len(sinks) == 0 {
		return nil, errors.New("no destinations configured")
	}
	return sinks, nil
}

// PostgresTables lists the tables backing postgres destinations.
func PostgresTables(cfg *config.RulesConfig) []string {
	var tables []string
	seen := make(map[string]bool)
	for _, d := range cfg.Destinations {
		if d.Kind == pipeline.KindPostgres && !seen[d.Postgres.Table] {
			seen[d.Postgres.Table] = true
			tables = append(tables, d.Postgres.Table)
		}
	}
	return tables
}
