package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"biolog/config"
)

// Tier is the retention/cost class of a destination.
type Tier string

const (
	TierAnalytics         Tier = "analytics"
	TierBasic             Tier = "basic"
	TierSpecializedDomain Tier = "specialized-domain"
)

const catchAllTag = "*"

// Destination kinds understood by the routing package.
const (
	KindKafka    = "kafka"
	KindPostgres = "postgres"
	KindArchive  = "archive"
)

// DestinationSpec is the routing-relevant view of a configured destination.
type DestinationSpec struct {
	Name          string
	Kind          string
	Tier          Tier
	RetentionDays int
	PHISensitive  bool
}

// SourceRules is the compiled, immutable rule set of one source system.
type SourceRules struct {
	Source           SourceSystem
	RecordType       string
	ComplianceTags   map[string]string
	ValidationStatus bool
	Classifiers      []Classifier
	Extractors       []RegexExtractor
	Masking          []MaskRule
	Routes           []Route
}

// RuleSet holds every compiled source rule set plus the destination catalog.
// It is never modified after Compile and is safe for concurrent readers.
type RuleSet struct {
	sources        map[SourceSystem]*SourceRules
	failed         map[SourceSystem]error
	destinations   map[string]DestinationSpec
	order          []string
	defaultMasking []MaskRule
	fallback       string
}

// Compile validates cfg eagerly. Problems with the destination catalog, the
// fallback destination or the default masking list are returned as an error.
// Problems inside one source are recorded as a *ConfigurationError for that
// source only; see Failed.
func Compile(cfg *config.RulesConfig) (*RuleSet, error) {
	if cfg == nil {
		return nil, &ConfigurationError{Reason: "rules configuration is missing"}
	}
	rs := &RuleSet{
		sources:      make(map[SourceSystem]*SourceRules),
		failed:       make(map[SourceSystem]error),
		destinations: make(map[string]DestinationSpec),
	}

	for _, d := range cfg.Destinations {
		spec, err := compileDestination(d)
		if err != nil {
			return nil, &ConfigurationError{Reason: "invalid destination", Err: err}
		}
		if _, dup := rs.destinations[spec.Name]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate destination %q", spec.Name)}
		}
		rs.destinations[spec.Name] = spec
		rs.order = append(rs.order, spec.Name)
	}
	if len(rs.destinations) == 0 {
		return nil, &ConfigurationError{Reason: "no destinations configured"}
	}

	if cfg.FallbackDestination == "" {
		return nil, &ConfigurationError{Reason: "fallback_destination is required"}
	}
	if _, ok := rs.destinations[cfg.FallbackDestination]; !ok {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("fallback_destination %q is not a configured destination", cfg.FallbackDestination)}
	}
	rs.fallback = cfg.FallbackDestination

	dm, err := compileMasking(func(i int) string { return ruleName(cfg.DefaultMasking[i].Name, "default", i) }, maskSpecs(cfg.DefaultMasking))
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid default_masking", Err: err}
	}
	rs.defaultMasking = dm

	for name, sc := range cfg.Sources {
		src, err := ParseSourceSystem(name)
		if err != nil {
			rs.failed[SourceSystem(name)] = err
			continue
		}
		_, compiled := rs.sources[src]
		_, rejected := rs.failed[src]
		if compiled || rejected {
			rs.failed[src] = &ConfigurationError{Source: src, Reason: "source configured more than once"}
			delete(rs.sources, src)
			continue
		}
		rules, err := rs.compileSource(src, sc)
		if err != nil {
			rs.failed[src] = &ConfigurationError{Source: src, Reason: "invalid rule set", Err: err}
			continue
		}
		rs.sources[src] = rules
	}

	return rs, nil
}

func compileDestination(d config.DestinationConfig) (DestinationSpec, error) {
	if strings.TrimSpace(d.Name) == "" {
		return DestinationSpec{}, errors.New("destination name is required")
	}
	switch d.Kind {
	case KindKafka, KindPostgres, KindArchive:
	default:
		return DestinationSpec{}, fmt.Errorf("destination %q: unsupported kind %q", d.Name, d.Kind)
	}
	tier := Tier(d.Tier)
	switch tier {
	case TierAnalytics, TierBasic, TierSpecializedDomain:
	default:
		return DestinationSpec{}, fmt.Errorf("destination %q: unsupported tier %q", d.Name, d.Tier)
	}
	// Zero (or omitted) keeps records forever; the janitor never purges them
	if d.RetentionDays < 0 {
		return DestinationSpec{}, fmt.Errorf("destination %q: retention_days cannot be negative", d.Name)
	}
	return DestinationSpec{
		Name:          d.Name,
		Kind:          d.Kind,
		Tier:          tier,
		RetentionDays: d.RetentionDays,
		PHISensitive:  d.PHISensitive,
	}, nil
}

func (rs *RuleSet) compileSource(src SourceSystem, sc config.SourceRulesConfig) (*SourceRules, error) {
	out := &SourceRules{
		Source:           src,
		RecordType:       sc.RecordType,
		ComplianceTags:   make(map[string]string, len(sc.ComplianceTags)),
		ValidationStatus: sc.ValidationStatus,
	}
	if out.RecordType == "" {
		out.RecordType = string(src) + "Record"
	}
	for k, v := range sc.ComplianceTags {
		out.ComplianceTags[k] = v
	}

	for i, c := range sc.Classification {
		tag := Tag(strings.TrimSpace(c.Tag))
		if tag == "" {
			return nil, fmt.Errorf("classifier %d: tag is required", i)
		}
		if tag == TagUncategorized {
			return nil, fmt.Errorf("classifier %d: tag %q is assigned automatically", i, tag)
		}
		pred, err := NewKeywordPredicate(c.IncludeAny, c.ExcludeAny, c.Patterns, c.CaseSensitive)
		if err != nil {
			return nil, fmt.Errorf("classifier %d (%s): %w", i, tag, err)
		}
		out.Classifiers = append(out.Classifiers, Classifier{Tag: tag, Predicate: pred})
	}

	for _, e := range sc.Extractors {
		ex, err := NewRegexExtractor(e.Name, e.Pattern)
		if err != nil {
			return nil, err
		}
		out.Extractors = append(out.Extractors, ex)
	}

	masking, err := compileMasking(func(i int) string { return ruleName(sc.Masking[i].Name, "mask", i) }, maskSpecs(sc.Masking))
	if err != nil {
		return nil, err
	}
	out.Masking = masking

	if len(sc.Routes) == 0 {
		return nil, errors.New("at least one route is required")
	}
	central := false
	for i, r := range sc.Routes {
		dest, ok := rs.destinations[r.Destination]
		if !ok {
			return nil, fmt.Errorf("route %d: unknown destination %q", i, r.Destination)
		}
		if len(r.Tags) == 0 {
			return nil, fmt.Errorf("route %d: tags are required (use \"*\" for every record)", i)
		}
		route := Route{Tags: NewTagSet(), Destination: dest.Name}
		for _, t := range r.Tags {
			t = strings.TrimSpace(t)
			if t == catchAllTag {
				route.CatchAll = true
				continue
			}
			route.Tags[Tag(t)] = struct{}{}
		}
		if dest.Tier == TierAnalytics {
			central = true
		}
		out.Routes = append(out.Routes, route)
	}
	if !central {
		return nil, errors.New("no classification is routed to an analytics destination")
	}
	return out, nil
}

func maskSpecs(in []config.MaskRuleConfig) []maskSpec {
	out := make([]maskSpec, len(in))
	for i, m := range in {
		out[i] = maskSpec{pattern: m.Pattern, replacement: m.Replacement}
	}
	return out
}

func ruleName(name, prefix string, i int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s-%d", prefix, i)
}

// Source returns the rule set of src, or a *ConfigurationError when the
// source is unconfigured or its rules failed to compile.
func (rs *RuleSet) Source(src SourceSystem) (*SourceRules, error) {
	if r, ok := rs.sources[src]; ok {
		return r, nil
	}
	if err, ok := rs.failed[src]; ok {
		return nil, err
	}
	return nil, &ConfigurationError{Source: src, Reason: "no rule set configured"}
}

// Sources lists the sources with a usable rule set, sorted.
func (rs *RuleSet) Sources() []SourceSystem {
	out := make([]SourceSystem, 0, len(rs.sources))
	for s := range rs.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Failed returns a copy of the per-source compile errors.
func (rs *RuleSet) Failed() map[SourceSystem]error {
	out := make(map[SourceSystem]error, len(rs.failed))
	for k, v := range rs.failed {
		out[k] = v
	}
	return out
}

// Destination looks up a destination by name.
func (rs *RuleSet) Destination(name string) (DestinationSpec, bool) {
	d, ok := rs.destinations[name]
	return d, ok
}

// Destinations returns the catalog in configuration order.
func (rs *RuleSet) Destinations() []DestinationSpec {
	out := make([]DestinationSpec, 0, len(rs.order))
	for _, n := range rs.order {
		out = append(out, rs.destinations[n])
	}
	return out
}

// Fallback returns the destination used for records that match no route.
func (rs *RuleSet) Fallback() DestinationSpec { return rs.destinations[rs.fallback] }

// DefaultMasking returns the mask list applied for PHI-sensitive destinations
// when the source defines none of its own.
func (rs *RuleSet) DefaultMasking() []MaskRule { return rs.defaultMasking }
