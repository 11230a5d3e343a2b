package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Metadata keys written by the enrichment step.
const (
	MetaIntegrityHash    = "integrity_hash"
	MetaHashAlgorithm    = "hash_algorithm"
	MetaRecordType       = "record_type"
	MetaSourceSystem     = "source_system"
	MetaMasked           = "masked"
	MetaValidationStatus = "validation_status"
	MetaProcessedAt      = "processed_at"
)

// Validation status vocabulary for manufacturing-style records, in match order.
const (
	StatusValidated  = "Validated"
	StatusQualified  = "Qualified"
	StatusProduction = "Production"
	StatusUnknown    = "Unknown"
)

var validationVocabulary = []string{StatusValidated, StatusQualified, StatusProduction}

// Step is one pure transform. Steps are applied in order by Fold.
type Step struct {
	Name  string
	Apply func(LogRecord) LogRecord
}

// Fold applies steps left to right, each to the output of the previous one.
func Fold(rec LogRecord, steps []Step) LogRecord {
	for _, s := range steps {
		rec = s.Apply(rec)
	}
	return rec
}

// Steps builds the fixed-order transform for a source: extraction, then
// masking (only when mask is non-empty), then enrichment.
func Steps(rules *SourceRules, mask []MaskRule, now func() time.Time) []Step {
	steps := []Step{{Name: "extract", Apply: extractStep(rules.Extractors)}}
	if len(mask) > 0 {
		steps = append(steps, Step{Name: "mask", Apply: maskStep(mask)})
	}
	steps = append(steps, Step{Name: "enrich", Apply: enrichStep(rules, now)})
	return steps
}

func extractStep(extractors []RegexExtractor) func(LogRecord) LogRecord {
	return func(rec LogRecord) LogRecord {
		out := rec.clone()
		for _, ex := range extractors {
			for k, v := range ex.Extract(rec.RawPayload) {
				if _, set := out.ExtractedFields[k]; !set {
					out.ExtractedFields[k] = v
				}
			}
		}
		return out
	}
}

// Mask applies rules cumulatively to one working copy of s.
func Mask(rules []MaskRule, s string) string {
	for _, r := range rules {
		s = r.Apply(s)
	}
	return s
}

func maskStep(rules []MaskRule) func(LogRecord) LogRecord {
	return func(rec LogRecord) LogRecord {
		out := rec.clone()
		out.MaskedPayload = Mask(rules, rec.RawPayload)
		out.Masked = true
		for k, v := range out.ExtractedFields {
			out.ExtractedFields[k] = Mask(rules, v)
		}
		return out
	}
}

func enrichStep(rules *SourceRules, now func() time.Time) func(LogRecord) LogRecord {
	return func(rec LogRecord) LogRecord {
		out := rec.clone()
		for k, v := range rules.ComplianceTags {
			out.Metadata[k] = v
		}
		sum := sha256.Sum256([]byte(out.Payload()))
		out.Metadata[MetaIntegrityHash] = hex.EncodeToString(sum[:])
		out.Metadata[MetaHashAlgorithm] = "sha256"
		out.Metadata[MetaRecordType] = rules.RecordType
		out.Metadata[MetaSourceSystem] = string(rec.SourceSystem)
		out.Metadata[MetaMasked] = strconv.FormatBool(out.Masked)
		out.Metadata[MetaProcessedAt] = now().UTC().Format(time.RFC3339Nano)
		if rules.ValidationStatus {
			out.Metadata[MetaValidationStatus] = ValidationStatus(rec.RawPayload)
		}
		return out
	}
}

// ValidationStatus maps payload to the four-way validation vocabulary,
// defaulting to Unknown.
func ValidationStatus(payload string) string {
	lower := strings.ToLower(payload)
	for _, s := range validationVocabulary {
		if strings.Contains(lower, strings.ToLower(s)) {
			return s
		}
	}
	return StatusUnknown
}

// Misses lists the extractor fields absent from rec.
func (r *SourceRules) Misses(rec LogRecord) []ExtractionMiss {
	var out []ExtractionMiss
	for _, ex := range r.Extractors {
		for _, f := range ex.Fields() {
			if _, ok := rec.ExtractedFields[f]; !ok {
				out = append(out, ExtractionMiss{Field: f, Extractor: ex.Name})
			}
		}
	}
	return out
}
