package pipeline

import (
	"sort"
	"time"
)

// Tag is a classification label assigned to a record.
type Tag string

const (
	TagSecurityRelevant Tag = "security-relevant"
	TagVerbose          Tag = "verbose"
	TagComplianceRecord Tag = "compliance-record"
	TagUncategorized    Tag = "uncategorized"
)

// TagSet is an unordered set of tags.
type TagSet map[Tag]struct{}

// NewTagSet builds a set from tags.
func NewTagSet(tags ...Tag) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether t is in the set.
func (s TagSet) Has(t Tag) bool {
	_, ok := s[t]
	return ok
}

// Sorted returns the tags in lexical order.
func (s TagSet) Sorted() []Tag {
	out := make([]Tag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted tags as plain strings.
func (s TagSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, t := range sorted {
		out[i] = string(t)
	}
	return out
}

// LogRecord is the unit flowing through the pipeline. Stages never modify a
// record in place; each returns a new value.
type LogRecord struct {
	ID           string
	SourceSystem SourceSystem
	RawPayload   string
	Timestamp    time.Time

	ExtractedFields map[string]string
	Tags            TagSet

	// MaskedPayload is only meaningful when Masked is true.
	MaskedPayload string
	Masked        bool

	Metadata map[string]string
}

// NewLogRecord creates a freshly ingested record with empty derived state.
func NewLogRecord(id string, source SourceSystem, raw string, ts time.Time) LogRecord {
	return LogRecord{
		ID:              id,
		SourceSystem:    source,
		RawPayload:      raw,
		Timestamp:       ts,
		ExtractedFields: map[string]string{},
		Metadata:        map[string]string{},
	}
}

// Payload returns the variant that leaves the pipeline: the masked payload
// whenever masking ran, the raw payload otherwise.
func (r LogRecord) Payload() string {
	if r.Masked {
		return r.MaskedPayload
	}
	return r.RawPayload
}

// clone copies the record's maps so a step can derive a new record.
func (r LogRecord) clone() LogRecord {
	out := r
	out.ExtractedFields = make(map[string]string, len(r.ExtractedFields))
	for k, v := range r.ExtractedFields {
		out.ExtractedFields[k] = v
	}
	out.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	if r.Tags != nil {
		out.Tags = make(TagSet, len(r.Tags))
		for t := range r.Tags {
			out.Tags[t] = struct{}{}
		}
	}
	return out
}
