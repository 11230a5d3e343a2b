package routing

import (
	"context"
	"fmt"
	"time"

	"biolog/storage/store"
)

// PostgresSink stores copies in a per-destination table of the shared store.
type PostgresSink struct {
	name  string
	table string
	store store.RecordStore
}

// NewPostgresSink validates the table name up front.
func NewPostgresSink(name, table string, s store.RecordStore) (*PostgresSink, error) {
	if !store.ValidTableName(table) {
		return nil, fmt.Errorf("postgres destination %q has invalid table %q", name, table)
	}
	return &PostgresSink{name: name, table: table, store: s}, nil
}

// Name implements Sink
func (s *PostgresSink) Name() string { return s.name }

// Table returns the backing table
func (s *PostgresSink) Table() string { return s.table }

// Deliver implements Sink
func (s *PostgresSink) Deliver(ctx context.Context, d Delivery) error {
	return s.store.InsertRecord(ctx, s.table, store.RoutedRecord{
		RecordID:      d.RecordID,
		SourceSystem:  d.SourceSystem,
		Destination:   d.Destination,
		Tier:          d.Tier,
		Payload:       d.Payload,
		Masked:        d.Masked,
		Fields:        d.Fields,
		Tags:          d.Tags,
		Metadata:      d.Metadata,
		Timestamp:     d.Timestamp,
		RetentionDays: d.RetentionDays(),
	})
}

// Purge implements Purger
func (s *PostgresSink) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.PurgeOlderThan(ctx, s.table, s.name, cutoff)
}

// Close is a no-op; the store is owned by the caller.
func (s *PostgresSink) Close() error { return nil }

var (
	_ Sink   = (*PostgresSink)(nil)
	_ Purger = (*PostgresSink)(nil)
)
