package pipeline

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biolog/config"
)

const rulesPath = "../config/rules.yml"

func loadRules(t *testing.T) *RuleSet {
	t.Helper()
	cfg, err := config.LoadRulesConfig(rulesPath)
	require.NoError(t, err)
	rs, err := Compile(cfg)
	require.NoError(t, err)
	require.Empty(t, rs.Failed(), "sample rules must compile for every source")
	return rs
}

func newRecord(source SourceSystem, payload string) LogRecord {
	return NewLogRecord("rec-1", source, payload, time.Date(2025, 4, 10, 14, 32, 45, 0, time.UTC))
}

func destinationNames(dests []DestinationSpec) []string {
	out := make([]string, len(dests))
	for i, d := range dests {
		out[i] = d.Name
	}
	return out
}

func TestProcessELNDownload(t *testing.T) {
	p := New(loadRules(t))
	payload := "2025-04-10T14:32:45Z User:john.doe@acme.com Action:Download Resource:CompoundAnalysis.docx Classification:Confidential"

	res, err := p.Process(newRecord(ELN, payload))
	require.NoError(t, err)

	rec := res.Record
	assert.True(t, rec.Tags.Has(TagSecurityRelevant))
	assert.False(t, rec.Tags.Has(TagVerbose))
	assert.Equal(t, "john.doe@acme.com", rec.ExtractedFields["UserName"])
	assert.Equal(t, "Download", rec.ExtractedFields["ActionType"])
	assert.Equal(t, "CompoundAnalysis.docx", rec.ExtractedFields["ResourceName"])

	assert.False(t, rec.Masked)
	assert.Equal(t, payload, rec.Payload())
	assert.Equal(t, []string{"central-security", "research-store"}, destinationNames(res.Destinations))
	assert.Nil(t, res.Gap)
	assert.Empty(t, res.Misses)

	assert.Equal(t, "ELNAuditRecord", rec.Metadata[MetaRecordType])
	assert.Equal(t, "21 CFR Part 11", rec.Metadata["framework"])
	assert.Len(t, rec.Metadata[MetaIntegrityHash], 64)
	assert.Equal(t, "false", rec.Metadata[MetaMasked])
}

func TestProcessCTMSMasksForEveryDestination(t *testing.T) {
	p := New(loadRules(t))
	payload := "User:jsmith@trial.org Access SubjectID=SUBJ-0042 SSN: 123-45-6789 phone 555-123-4567"

	res, err := p.Process(newRecord(CTMS, payload))
	require.NoError(t, err)

	rec := res.Record
	require.True(t, rec.Masked)
	assert.Contains(t, rec.MaskedPayload, "SSN: XXX-XX-XXXX")
	assert.NotContains(t, rec.MaskedPayload, "123-45-6789")
	assert.NotContains(t, rec.MaskedPayload, "jsmith@trial.org")
	assert.NotContains(t, rec.MaskedPayload, "555-123-4567")
	assert.Equal(t, rec.MaskedPayload, rec.Payload())

	assert.Equal(t, []string{"central-security", "clinical-store"}, destinationNames(res.Destinations))
	assert.Equal(t, "SUBJ-0042", rec.ExtractedFields["SubjectID"])
	assert.Equal(t, "[EMAIL]", rec.ExtractedFields["UserName"])
	assert.Equal(t, "true", rec.Metadata[MetaMasked])

	// the raw payload is retained on the record but never selected for delivery
	assert.Equal(t, payload, rec.RawPayload)
}

func TestMaskingCatchesSSNGluedToOtherText(t *testing.T) {
	p := New(loadRules(t))
	ssn := regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
	for _, src := range []SourceSystem{CTMS, PV} {
		for _, payload := range []string{
			"Access ID0123-45-6789 reviewed",
			"Access ssn123-45-6789x",
			"Access _123-45-6789_",
		} {
			res, err := p.Process(newRecord(src, payload))
			require.NoError(t, err)
			assert.False(t, ssn.MatchString(res.Record.Payload()), "%s: %q left %q", src, payload, res.Record.Payload())
		}
	}

	res, err := p.Process(newRecord(CTMS, "Access ID0123-45-6789"))
	require.NoError(t, err)
	assert.Equal(t, "Access ID0XXX-XX-XXXX", res.Record.Payload())
}

func TestMaskingWithoutPHIIsNoOp(t *testing.T) {
	p := New(loadRules(t))
	payload := "INFO Heartbeat from CTMS scheduler"

	res, err := p.Process(newRecord(CTMS, payload))
	require.NoError(t, err)
	assert.True(t, res.Record.Masked)
	assert.Equal(t, payload, res.Record.MaskedPayload)
	assert.True(t, res.Record.Tags.Has(TagVerbose))
}

func TestDefaultMaskingForPHISensitiveDestination(t *testing.T) {
	cfg, err := config.ParseRulesConfig([]byte(`
fallback_destination: central
default_masking:
  - name: ssn
    pattern: '\d{3}-\d{2}-\d{4}'
    replacement: 'XXX-XX-XXXX'
destinations:
  - {name: central, kind: kafka, tier: analytics, retention_days: 90}
  - {name: clinical, kind: postgres, tier: specialized-domain, retention_days: 365, phi_sensitive: true}
sources:
  LIMS:
    classification:
      - {tag: security-relevant, include_any: [Access]}
    routes:
      - {tags: [security-relevant], destination: central}
      - {tags: ["*"], destination: clinical}
`))
	require.NoError(t, err)
	rs, err := Compile(cfg)
	require.NoError(t, err)

	res, err := New(rs).Process(newRecord(LIMS, "Access by 123-45-6789"))
	require.NoError(t, err)
	assert.True(t, res.Record.Masked)
	assert.Equal(t, "Access by XXX-XX-XXXX", res.Record.Payload())
}

func TestParseSourceSystem(t *testing.T) {
	s, err := ParseSourceSystem("coldchain")
	require.NoError(t, err)
	assert.Equal(t, ColdChain, s)

	_, err = ParseSourceSystem("UNKNOWN_SYS")
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, SourceSystem("UNKNOWN_SYS"), cfgErr.Source)
}

var samplePayloads = []string{
	"2025-04-10T14:32:45Z User:john.doe@acme.com Action:Download Resource:CompoundAnalysis.docx",
	"INFO autosave completed for notebook NB-118",
	"Debug: cache warmed",
	"Critical Error: Authentication failed for user admin",
	"Failed login INFO retry scheduled",
	"Electronic Signature applied, Batch Release BatchID=B-2025-001 status Validated",
	"QC result Review pending SampleID=S-9 Qualified",
	"Subject: 123-45-6789 contact jane@site.org (555) 123-4567 born Mar 3, 1980 zip 02139-1234",
	"PatientID=P-77 Adverse Event reported by nurse@hospital.example on January 12, 2024",
	"Temperature=-18.5 ShipmentID=SHP-1 Excursion detected Door Open",
	"",
	"\x00\xff\xfe garbage ::: User: Action: Resource:",
	strings.Repeat("A", 64*1024),
}

func TestClassificationExclusivity(t *testing.T) {
	rs := loadRules(t)
	for _, src := range rs.Sources() {
		rules, err := rs.Source(src)
		require.NoError(t, err)
		for _, payload := range samplePayloads {
			rec := Classify(rules, newRecord(src, payload))
			assert.False(t, rec.Tags.Has(TagVerbose) && rec.Tags.Has(TagSecurityRelevant),
				"%s: %q tagged both verbose and security-relevant", src, payload)
			assert.NotEmpty(t, rec.Tags)
		}
	}
}

func TestClassifyDoesNotReclassify(t *testing.T) {
	rs := loadRules(t)
	rules, err := rs.Source(ELN)
	require.NoError(t, err)

	first := Classify(rules, newRecord(ELN, "INFO autosave"))
	require.True(t, first.Tags.Has(TagVerbose))

	first.RawPayload = "Critical Error"
	again := Classify(rules, first)
	assert.Equal(t, first.Tags, again.Tags)
}

func TestExcludeKeywordBlocksSecurityTag(t *testing.T) {
	rs := loadRules(t)
	rules, err := rs.Source(ELN)
	require.NoError(t, err)

	rec := Classify(rules, newRecord(ELN, "Failed login INFO retry scheduled"))
	assert.False(t, rec.Tags.Has(TagSecurityRelevant))
	assert.True(t, rec.Tags.Has(TagVerbose))
}

func TestExcludeKeywordMatchesWholeTermsOnly(t *testing.T) {
	p := New(loadRules(t))
	for _, payload := range []string{
		"2025-04-10T14:32:45Z User:john.doe@acme.com Action:Download Resource:PatientInformation.docx",
		"2025-04-10T14:32:45Z User:john.doe@acme.com Action:Export Resource:InformedConsentSummary.pdf",
	} {
		res, err := p.Process(newRecord(ELN, payload))
		require.NoError(t, err)
		assert.True(t, res.Record.Tags.Has(TagSecurityRelevant), payload)
		assert.False(t, res.Record.Tags.Has(TagVerbose), payload)
		assert.Equal(t, []string{"central-security", "research-store"}, destinationNames(res.Destinations), payload)
	}
}

func TestKeywordPredicateTerms(t *testing.T) {
	pred, err := NewKeywordPredicate([]string{"Audit Trail", "Download"}, []string{"INFO"}, nil, false)
	require.NoError(t, err)

	cases := map[string]bool{
		"audit  trail exported":       true,
		"AUDIT TRAIL":                 true,
		"Action:Download by jdoe":     true,
		"Downloads queued":            false,
		"AuditTrail viewer opened":    false,
		"Download INFO: done":         false,
		"Download [info] done":        false,
		"Download of Information.pdf": true,
	}
	for payload, want := range cases {
		assert.Equal(t, want, pred.Match(payload), payload)
	}

	strict, err := NewKeywordPredicate([]string{"Download"}, []string{"INFO"}, nil, true)
	require.NoError(t, err)
	assert.True(t, strict.Match("Download info only"))
	assert.False(t, strict.Match("download"))
}

func TestUncategorizedStillRoutedToDomain(t *testing.T) {
	p := New(loadRules(t))
	res, err := p.Process(newRecord(LIMS, "sample moved to freezer 4"))
	require.NoError(t, err)
	assert.True(t, res.Record.Tags.Has(TagUncategorized))
	assert.Equal(t, []string{"research-store"}, destinationNames(res.Destinations))
	assert.Nil(t, res.Gap)
}

func TestMaskingIdempotence(t *testing.T) {
	rs := loadRules(t)
	lists := [][]MaskRule{rs.DefaultMasking()}
	for _, src := range []SourceSystem{CTMS, PV} {
		rules, err := rs.Source(src)
		require.NoError(t, err)
		lists = append(lists, rules.Masking)
	}
	for _, mask := range lists {
		for _, payload := range samplePayloads {
			once := Mask(mask, payload)
			assert.Equal(t, once, Mask(mask, once), "masking %q twice changed the output", payload)
		}
	}
}

func TestMaskingCompleteness(t *testing.T) {
	rs := loadRules(t)
	p := New(rs)
	for _, src := range []SourceSystem{CTMS, PV} {
		rules, err := rs.Source(src)
		require.NoError(t, err)
		for _, payload := range samplePayloads {
			res, err := p.Process(newRecord(src, payload))
			require.NoError(t, err)
			require.True(t, res.Record.Masked)
			for _, m := range rules.Masking {
				assert.False(t, m.Matches(res.Record.Payload()), "%s: %s still matches in %q", src, m.Name, res.Record.Payload())
			}
		}
	}
}

func TestExtractionBestEffort(t *testing.T) {
	rs := loadRules(t)
	p := New(rs)
	for _, src := range rs.Sources() {
		for _, payload := range samplePayloads {
			assert.NotPanics(t, func() {
				res, err := p.Process(newRecord(src, payload))
				require.NoError(t, err)
				for k, v := range res.Record.ExtractedFields {
					assert.NotEmpty(t, v, "%s: field %s present but empty", src, k)
				}
			})
		}
	}

	res, err := p.Process(newRecord(ELN, "nothing to see"))
	require.NoError(t, err)
	assert.Empty(t, res.Record.ExtractedFields)
	assert.Len(t, res.Misses, 3)
}

func TestRoutingCompleteness(t *testing.T) {
	rs := loadRules(t)
	p := New(rs)
	for _, src := range rs.Sources() {
		for _, payload := range samplePayloads {
			res, err := p.Process(newRecord(src, payload))
			require.NoError(t, err)
			assert.NotEmpty(t, res.Destinations)
			assert.Nil(t, res.Gap, "%s: %q fell through to the fallback", src, payload)
		}
	}
}

func TestRoutingGapUsesFallback(t *testing.T) {
	cfg, err := config.ParseRulesConfig([]byte(`
fallback_destination: archive
destinations:
  - {name: central, kind: kafka, tier: analytics, retention_days: 90}
  - {name: archive, kind: archive, tier: basic, retention_days: 30}
sources:
  ELN:
    classification:
      - {tag: security-relevant, include_any: [Download]}
    routes:
      - {tags: [security-relevant], destination: central}
`))
	require.NoError(t, err)
	rs, err := Compile(cfg)
	require.NoError(t, err)

	res, err := New(rs).Process(newRecord(ELN, "page viewed"))
	require.NoError(t, err)
	require.NotNil(t, res.Gap)
	assert.Equal(t, "archive", res.Gap.Fallback)
	assert.Equal(t, []Tag{TagUncategorized}, res.Gap.Tags)
	assert.Equal(t, []string{"archive"}, destinationNames(res.Destinations))
}

func TestCompileIsolatesBrokenSources(t *testing.T) {
	cfg, err := config.ParseRulesConfig([]byte(`
fallback_destination: central
destinations:
  - {name: central, kind: kafka, tier: analytics, retention_days: 90}
  - {name: domain, kind: postgres, tier: specialized-domain, retention_days: 90}
sources:
  ELN:
    classification:
      - {tag: security-relevant, patterns: ['(unclosed']}
    routes:
      - {tags: ["*"], destination: central}
  LIMS:
    routes:
      - {tags: ["*"], destination: domain}
  MES:
    extractors:
      - {name: nocapture, pattern: 'Batch:\S+'}
    routes:
      - {tags: ["*"], destination: central}
  CTMS:
    masking:
      - {name: bad, pattern: '\d+', replacement: '000'}
    routes:
      - {tags: ["*"], destination: central}
  PV:
    routes:
      - {tags: ["*"], destination: missing}
  SAP:
    routes:
      - {tags: ["*"], destination: central}
  Instruments:
    routes:
      - {tags: ["*"], destination: central}
`))
	require.NoError(t, err)
	rs, err := Compile(cfg)
	require.NoError(t, err)

	failed := rs.Failed()
	for _, src := range []SourceSystem{ELN, LIMS, MES, CTMS, PV, "SAP"} {
		assert.Contains(t, failed, src)
		var cfgErr *ConfigurationError
		assert.True(t, errors.As(failed[src], &cfgErr), "%s: %v", src, failed[src])
	}
	assert.Equal(t, []SourceSystem{Instruments}, rs.Sources())

	_, err = New(rs).Process(newRecord(ELN, "anything"))
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = New(rs).Process(newRecord(Regulatory, "anything"))
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCompileRejectsCatalogErrors(t *testing.T) {
	cases := map[string]string{
		"missing fallback": `
destinations:
  - {name: central, kind: kafka, tier: analytics, retention_days: 90}`,
		"unknown fallback": `
fallback_destination: nowhere
destinations:
  - {name: central, kind: kafka, tier: analytics, retention_days: 90}`,
		"bad tier": `
fallback_destination: central
destinations:
  - {name: central, kind: kafka, tier: premium, retention_days: 90}`,
		"bad kind": `
fallback_destination: central
destinations:
  - {name: central, kind: s3, tier: analytics, retention_days: 90}`,
		"negative retention": `
fallback_destination: central
destinations:
  - {name: central, kind: kafka, tier: analytics, retention_days: -1}`,
		"duplicate": `
fallback_destination: central
destinations:
  - {name: central, kind: kafka, tier: analytics, retention_days: 90}
  - {name: central, kind: kafka, tier: analytics, retention_days: 90}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.ParseRulesConfig([]byte(doc))
			require.NoError(t, err)
			_, err = Compile(cfg)
			var cfgErr *ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestCompileKeepsZeroRetentionForever(t *testing.T) {
	cfg, err := config.ParseRulesConfig([]byte(`
fallback_destination: central
destinations:
  - {name: central, kind: kafka, tier: analytics}
  - {name: archive, kind: archive, tier: basic, retention_days: 0}
`))
	require.NoError(t, err)
	rs, err := Compile(cfg)
	require.NoError(t, err)
	for _, d := range rs.Destinations() {
		assert.Zero(t, d.RetentionDays, d.Name)
	}
}

func TestValidationStatus(t *testing.T) {
	tests := map[string]string{
		"Line 3 Validated for use":      StatusValidated,
		"equipment QUALIFIED yesterday": StatusQualified,
		"moved to production":           StatusProduction,
		"maintenance window":            StatusUnknown,
	}
	for payload, want := range tests {
		assert.Equal(t, want, ValidationStatus(payload), payload)
	}

	p := New(loadRules(t))
	res, err := p.Process(newRecord(MES, "Batch Release BatchID=B-7 Qualified"))
	require.NoError(t, err)
	assert.Equal(t, StatusQualified, res.Record.Metadata[MetaValidationStatus])
	assert.Equal(t, "B-7", res.Record.ExtractedFields["BatchID"])

	res, err = p.Process(newRecord(ELN, "Download"))
	require.NoError(t, err)
	assert.NotContains(t, res.Record.Metadata, MetaValidationStatus)
}

func TestFoldOrder(t *testing.T) {
	var order []string
	step := func(name string) Step {
		return Step{Name: name, Apply: func(r LogRecord) LogRecord {
			order = append(order, name)
			return r
		}}
	}
	Fold(newRecord(ELN, "x"), []Step{step("a"), step("b"), step("c")})
	assert.Equal(t, []string{"a", "b", "c"}, order)

	rs := loadRules(t)
	rules, err := rs.Source(CTMS)
	require.NoError(t, err)
	var names []string
	for _, s := range Steps(rules, rules.Masking, time.Now) {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"extract", "mask", "enrich"}, names)
}

func TestStagesDoNotMutateInput(t *testing.T) {
	p := New(loadRules(t))
	in := newRecord(CTMS, "Access SSN: 123-45-6789")
	_, err := p.Process(in)
	require.NoError(t, err)
	assert.Nil(t, in.Tags)
	assert.Empty(t, in.ExtractedFields)
	assert.Empty(t, in.Metadata)
	assert.False(t, in.Masked)
}
