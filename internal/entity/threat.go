package entity

// ThreatCategory classifies a detected security threat.
type ThreatCategory int

const (
	CategoryUnspecified ThreatCategory = iota
	CategoryInjection
	CategoryLeak
	CategoryMaliciousContent
)

func (c ThreatCategory) String() string {
	switch c {
	case CategoryInjection:
		return "injection"
	case CategoryLeak:
		return "leak"
	case CategoryMaliciousContent:
		return "malicious_content"
	default:
		return "unspecified"
	}
}

// Severity grades a threat.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unspecified"
	}
}

// Threat is one detected security threat with the signature(s) that fired.
type Threat struct {
	Category   ThreatCategory
	Subtype    string
	Confidence float64
	Severity   Severity
	Signatures []string
}
