// Package pipeline classifies, transforms and resolves routes for log records.
// Everything here is pure; delivery lives in the routing package.
package pipeline

import (
	"time"
)

// Result is a fully transformed record plus the destinations it must reach.
type Result struct {
	Record       LogRecord
	Destinations []DestinationSpec
	Gap          *RoutingGap
	Misses       []ExtractionMiss
}

// Pipeline runs Classification then Transform for records of any configured
// source. It holds only the immutable rule set and is safe for concurrent use.
type Pipeline struct {
	rules *RuleSet
	now   func() time.Time
}

// New creates a Pipeline over rules.
func New(rules *RuleSet) *Pipeline {
	return &Pipeline{rules: rules, now: time.Now}
}

// Rules returns the shared rule set.
func (p *Pipeline) Rules() *RuleSet { return p.rules }

// Process classifies and transforms rec and resolves its destinations. The
// only error is a *ConfigurationError for a source without a usable rule set.
func (p *Pipeline) Process(rec LogRecord) (Result, error) {
	rules, err := p.rules.Source(rec.SourceSystem)
	if err != nil {
		return Result{}, err
	}

	classified := Classify(rules, rec)
	dests, gap := p.Resolve(rules, classified)

	transformed := Fold(classified, Steps(rules, p.maskingFor(rules, dests), p.now))

	return Result{
		Record:       transformed,
		Destinations: dests,
		Gap:          gap,
		Misses:       rules.Misses(transformed),
	}, nil
}

// Resolve returns every destination whose route matches the record's tags,
// in route order and without duplicates. When nothing matches, the fallback
// destination is returned together with a RoutingGap diagnostic.
func (p *Pipeline) Resolve(rules *SourceRules, rec LogRecord) ([]DestinationSpec, *RoutingGap) {
	seen := make(map[string]bool)
	var out []DestinationSpec
	for _, r := range rules.Routes {
		if seen[r.Destination] || !r.Matches(rec.Tags) {
			continue
		}
		seen[r.Destination] = true
		d, _ := p.rules.Destination(r.Destination)
		out = append(out, d)
	}
	if len(out) > 0 {
		return out, nil
	}
	fb := p.rules.Fallback()
	return []DestinationSpec{fb}, &RoutingGap{
		RecordID: rec.ID,
		Source:   rec.SourceSystem,
		Tags:     rec.Tags.Sorted(),
		Fallback: fb.Name,
		At:       p.now(),
	}
}

// maskingFor picks the mask list: the source's own rules when it has any,
// otherwise the default rules if any destination is PHI-sensitive. A masked
// record delivers the masked variant to every destination.
func (p *Pipeline) maskingFor(rules *SourceRules, dests []DestinationSpec) []MaskRule {
	if len(rules.Masking) > 0 {
		return rules.Masking
	}
	for _, d := range dests {
		if d.PHISensitive {
			return p.rules.DefaultMasking()
		}
	}
	return nil
}
