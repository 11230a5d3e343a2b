package pipeline

// Classify returns rec with its tag set assigned from rules. A record that
// already carries tags is returned unchanged; tags are set exactly once.
//
// Non-verbose classifiers run first. Verbose classifiers only run when no
// security-relevant classifier matched, and a record that ends up with
// neither tag is marked uncategorized.
func Classify(rules *SourceRules, rec LogRecord) LogRecord {
	if rec.Tags != nil {
		return rec
	}
	out := rec.clone()
	out.Tags = NewTagSet()

	for _, c := range rules.Classifiers {
		if c.Tag == TagVerbose {
			continue
		}
		if c.Predicate.Match(rec.RawPayload) {
			out.Tags[c.Tag] = struct{}{}
		}
	}

	if !out.Tags.Has(TagSecurityRelevant) {
		for _, c := range rules.Classifiers {
			if c.Tag != TagVerbose {
				continue
			}
			if c.Predicate.Match(rec.RawPayload) {
				out.Tags[TagVerbose] = struct{}{}
				break
			}
		}
	}

	if !out.Tags.Has(TagSecurityRelevant) && !out.Tags.Has(TagVerbose) {
		out.Tags[TagUncategorized] = struct{}{}
	}
	return out
}
