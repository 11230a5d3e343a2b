package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// KeywordPredicate matches a payload containing any include keyword (or any
// pattern) and none of the exclude keywords. Keywords match whole terms only:
// "INFO" matches "INFO: saved" but not "PatientInformation.docx".
type KeywordPredicate struct {
	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
	patterns []*regexp.Regexp
}

// NewKeywordPredicate compiles a predicate. Patterns are compiled eagerly so a
// malformed expression fails here rather than per record.
func NewKeywordPredicate(include, exclude, patterns []string, caseSensitive bool) (KeywordPredicate, error) {
	var p KeywordPredicate
	for _, k := range include {
		if k = strings.TrimSpace(k); k != "" {
			p.include = append(p.include, termPattern(k, caseSensitive))
		}
	}
	for _, k := range exclude {
		if k = strings.TrimSpace(k); k != "" {
			p.exclude = append(p.exclude, termPattern(k, caseSensitive))
		}
	}
	for _, expr := range patterns {
		if !caseSensitive && !strings.HasPrefix(expr, "(?i)") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return KeywordPredicate{}, fmt.Errorf("invalid pattern %q: %w", expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	if len(p.include) == 0 && len(p.patterns) == 0 {
		return KeywordPredicate{}, fmt.Errorf("predicate needs at least one include keyword or pattern")
	}
	return p, nil
}

// termPattern matches keyword only where it is not glued to another letter or
// digit. Inner whitespace of multi-word keywords matches any whitespace run.
func termPattern(keyword string, caseSensitive bool) *regexp.Regexp {
	words := strings.Fields(keyword)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	expr := `(?:^|[^\pL\pN])` + strings.Join(words, `\s+`) + `(?:$|[^\pL\pN])`
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	return regexp.MustCompile(expr)
}

// Match evaluates the predicate against payload.
func (p KeywordPredicate) Match(payload string) bool {
	for _, re := range p.exclude {
		if re.MatchString(payload) {
			return false
		}
	}
	for _, re := range p.include {
		if re.MatchString(payload) {
			return true
		}
	}
	for _, re := range p.patterns {
		if re.MatchString(payload) {
			return true
		}
	}
	return false
}

// Classifier assigns Tag to records matching Predicate.
type Classifier struct {
	Tag       Tag
	Predicate KeywordPredicate
}

// RegexExtractor populates fields from the named captures of one expression.
type RegexExtractor struct {
	Name   string
	re     *regexp.Regexp
	fields []string
}

// NewRegexExtractor compiles an extractor; it must declare at least one named capture.
func NewRegexExtractor(name, pattern string) (RegexExtractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return RegexExtractor{}, fmt.Errorf("extractor %q: invalid pattern: %w", name, err)
	}
	var fields []string
	for _, n := range re.SubexpNames() {
		if n != "" {
			fields = append(fields, n)
		}
	}
	if len(fields) == 0 {
		return RegexExtractor{}, fmt.Errorf("extractor %q: pattern has no named captures", name)
	}
	if name == "" {
		name = strings.Join(fields, ",")
	}
	return RegexExtractor{Name: name, re: re, fields: fields}, nil
}

// Fields returns the capture names this extractor can populate.
func (e RegexExtractor) Fields() []string { return e.fields }

// Extract returns the non-empty named captures of the first match.
func (e RegexExtractor) Extract(payload string) map[string]string {
	m := e.re.FindStringSubmatch(payload)
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(e.fields))
	for i, n := range e.re.SubexpNames() {
		if n == "" || i >= len(m) || m[i] == "" {
			continue
		}
		out[n] = m[i]
	}
	return out
}

// MaskRule replaces every match of a PHI/PII pattern with a literal.
type MaskRule struct {
	Name        string
	Replacement string
	re          *regexp.Regexp
}

// NewMaskRule compiles a mask rule. A pattern matching the empty string is rejected.
func NewMaskRule(name, pattern, replacement string) (MaskRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MaskRule{}, fmt.Errorf("mask rule %q: invalid pattern: %w", name, err)
	}
	if re.MatchString("") {
		return MaskRule{}, fmt.Errorf("mask rule %q: pattern matches the empty string", name)
	}
	return MaskRule{Name: name, Replacement: replacement, re: re}, nil
}

// Apply substitutes every match in s.
func (m MaskRule) Apply(s string) string {
	return m.re.ReplaceAllLiteralString(s, m.Replacement)
}

// Matches reports whether s still contains the pattern.
func (m MaskRule) Matches(s string) bool { return m.re.MatchString(s) }

// compileMasking builds an ordered mask list and rejects any replacement that
// another rule in the list would match again.
func compileMasking(name func(i int) string, rules []maskSpec) ([]MaskRule, error) {
	out := make([]MaskRule, 0, len(rules))
	for i, r := range rules {
		mr, err := NewMaskRule(name(i), r.pattern, r.replacement)
		if err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	for _, a := range out {
		for _, b := range out {
			if b.Matches(a.Replacement) {
				return nil, fmt.Errorf("mask rule %q: replacement %q is matched by rule %q", a.Name, a.Replacement, b.Name)
			}
		}
	}
	return out, nil
}

type maskSpec struct {
	pattern     string
	replacement string
}

// Route sends records carrying any of Tags to Destination.
type Route struct {
	Tags        TagSet
	CatchAll    bool
	Destination string
}

// Matches reports whether the route applies to a record with tags.
func (r Route) Matches(tags TagSet) bool {
	if r.CatchAll {
		return true
	}
	for t := range tags {
		if r.Tags.Has(t) {
			return true
		}
	}
	return false
}
