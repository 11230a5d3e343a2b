package pipeline

import (
	"fmt"
	"time"
)

// ConfigurationError reports an invalid rule set or an unknown source system.
// It is fatal for the named source only.
type ConfigurationError struct {
	Source SourceSystem
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Source != "" {
		msg += fmt.Sprintf(" for source %q", string(e.Source))
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ExtractionMiss records a field extractor that found no match. It is a
// diagnostic, never returned as an error.
type ExtractionMiss struct {
	Field     string
	Extractor string
}

// RoutingGap is the diagnostic emitted when a record matched no route.
type RoutingGap struct {
	RecordID string
	Source   SourceSystem
	Tags     []Tag
	Fallback string
	At       time.Time
}

func (g RoutingGap) String() string {
	return fmt.Sprintf("routing gap: record %s from %s with tags %v matched no destination, using fallback %q",
		g.RecordID, g.Source, g.Tags, g.Fallback)
}
