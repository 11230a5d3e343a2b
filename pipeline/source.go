package pipeline

import (
	"strings"
)

// SourceSystem identifies the originating collector of a record.
type SourceSystem string

const (
	ELN         SourceSystem = "ELN"
	LIMS        SourceSystem = "LIMS"
	CTMS        SourceSystem = "CTMS"
	MES         SourceSystem = "MES"
	PV          SourceSystem = "PV"
	Instruments SourceSystem = "Instruments"
	ColdChain   SourceSystem = "ColdChain"
	QMS         SourceSystem = "QMS"
	Regulatory  SourceSystem = "Regulatory"
)

// KnownSourceSystems lists every accepted source system in canonical spelling.
var KnownSourceSystems = []SourceSystem{ELN, LIMS, CTMS, MES, PV, Instruments, ColdChain, QMS, Regulatory}

var sourceLookup = func() map[string]SourceSystem {
	m := make(map[string]SourceSystem, len(KnownSourceSystems))
	for _, s := range KnownSourceSystems {
		m[strings.ToLower(string(s))] = s
	}
	return m
}()

// ParseSourceSystem returns the canonical source system for name.
// Matching ignores case and surrounding whitespace. Unknown names yield a
// *ConfigurationError; there is no default source.
func ParseSourceSystem(name string) (SourceSystem, error) {
	if s, ok := sourceLookup[strings.ToLower(strings.TrimSpace(name))]; ok {
		return s, nil
	}
	return "", &ConfigurationError{
		Source: SourceSystem(name),
		Reason: "unknown source system",
	}
}

func (s SourceSystem) String() string { return string(s) }
