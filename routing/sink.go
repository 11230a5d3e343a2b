// Package routing delivers transformed records to their destinations.
package routing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"biolog/pipeline"
)

// Metadata keys added per destination copy
const (
	MetaDestination   = "destination"
	MetaTier          = "tier"
	MetaRetentionDays = "retention_days"
)

// Delivery is the copy of a record handed to one destination.
type Delivery struct {
	RecordID     string            `json:"record_id"`
	SourceSystem string            `json:"source_system"`
	Destination  string            `json:"destination"`
	Tier         string            `json:"tier"`
	Payload      string            `json:"payload"`
	Masked       bool              `json:"masked"`
	Fields       map[string]string `json:"fields"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata"`
	Timestamp    time.Time         `json:"timestamp"`

	retentionDays int
}

// NewDelivery builds dest's copy of rec. The payload is the masked variant
// whenever masking ran.
func NewDelivery(rec pipeline.LogRecord, dest pipeline.DestinationSpec) Delivery {
	fields := make(map[string]string, len(rec.ExtractedFields))
	for k, v := range rec.ExtractedFields {
		fields[k] = v
	}
	meta := make(map[string]string, len(rec.Metadata)+3)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta[MetaDestination] = dest.Name
	meta[MetaTier] = string(dest.Tier)
	meta[MetaRetentionDays] = strconv.Itoa(dest.RetentionDays)

	return Delivery{
		RecordID:      rec.ID,
		SourceSystem:  string(rec.SourceSystem),
		Destination:   dest.Name,
		Tier:          string(dest.Tier),
		Payload:       rec.Payload(),
		Masked:        rec.Masked,
		Fields:        fields,
		Tags:          rec.Tags.Strings(),
		Metadata:      meta,
		Timestamp:     rec.Timestamp,
		retentionDays: dest.RetentionDays,
	}
}

// RetentionDays is the retention of the destination this copy was built for.
func (d Delivery) RetentionDays() int { return d.retentionDays }

// Sink is a named destination. Deliver acknowledges one copy; it must honour
// ctx and may be called concurrently.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, d Delivery) error
	Close() error
}

// Purger is implemented by sinks that can drop copies older than cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the copy goes straight to the
// dead-letter store.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
