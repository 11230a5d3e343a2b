// Package store persists routed record copies and dead letters.
package store

import (
	"context"
	"time"
)

// RoutedRecord is one record copy stored by a postgres destination
type RoutedRecord struct {
	RecordID      string            `json:"record_id"`
	SourceSystem  string            `json:"source_system"`
	Destination   string            `json:"destination"`
	Tier          string            `json:"tier"`
	Payload       string            `json:"payload"`
	Masked        bool              `json:"masked"`
	Fields        map[string]string `json:"fields"`
	Tags          []string          `json:"tags"`
	Metadata      map[string]string `json:"metadata"`
	Timestamp     time.Time         `json:"timestamp"`
	RetentionDays int               `json:"retention_days"`
}

// DeadLetter is a record copy that exhausted its delivery attempts. Timestamp
// is the record's event time; Fields is empty when extraction never ran.
type DeadLetter struct {
	RecordID     string            `json:"record_id"`
	SourceSystem string            `json:"source_system"`
	Destination  string            `json:"destination"`
	Payload      string            `json:"payload"`
	Masked       bool              `json:"masked"`
	Timestamp    time.Time         `json:"timestamp"`
	Tags         []string          `json:"tags"`
	Fields       map[string]string `json:"fields"`
	Metadata     map[string]string `json:"metadata"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error"`
	FailedAt     time.Time         `json:"failed_at"`
}

// RecordStore writes routed records into named tables
type RecordStore interface {
	InsertRecord(ctx context.Context, table string, rec RoutedRecord) error
	PurgeOlderThan(ctx context.Context, table, destination string, cutoff time.Time) (int64, error)
}

// DeadLetterStore persists undeliverable record copies. A failed write means
// the copy would be lost, so callers must not acknowledge the source message.
type DeadLetterStore interface {
	WriteDeadLetter(ctx context.Context, dl DeadLetter) error
	Close() error
}
