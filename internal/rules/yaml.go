package rules

import (
	"fmt"
	"os"
	"regexp"

	"github.com/bastion-sec/bastion/internal/entity"
	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk YAML shape. Patterns are additive: anything listed
// here is appended to the builtins rather than replacing them.
type ruleFile struct {
	Version  string `yaml:"version"`
	Entities []struct {
		Type       string  `yaml:"type"`
		Pattern    string  `yaml:"pattern"`
		Confidence float64 `yaml:"confidence"`
	} `yaml:"entities"`
	Injections []struct {
		Name       string  `yaml:"name"`
		Subtype    string  `yaml:"subtype"`
		Pattern    string  `yaml:"pattern"`
		Confidence float64 `yaml:"confidence"`
		Severity   string  `yaml:"severity"`
	} `yaml:"injections"`
	Leaks []struct {
		Name       string  `yaml:"name"`
		Pattern    string  `yaml:"pattern"`
		Confidence float64 `yaml:"confidence"`
		Severity   string  `yaml:"severity"`
	} `yaml:"leaks"`
	Exemplars []struct {
		Text     string  `yaml:"text"`
		Subtype  string  `yaml:"subtype"`
		Severity float64 `yaml:"severity"`
	} `yaml:"exemplars"`
}

var entityTypeNames = map[string]entity.Type{
	"credit_card":    entity.TypeCreditCard,
	"ssn":            entity.TypeSSN,
	"email":          entity.TypeEmail,
	"phone":          entity.TypePhone,
	"api_key":        entity.TypeAPIKey,
	"aws_key":        entity.TypeAWSKey,
	"cloud_key":      entity.TypeCloudKey,
	"token":          entity.TypeToken,
	"medical_record": entity.TypeMedicalRecord,
	"iban":           entity.TypeIBAN,
	"routing_number": entity.TypeRoutingNumber,
	"ip_address":     entity.TypeIPAddress,
	"mac_address":    entity.TypeMACAddress,
	"coordinates":    entity.TypeCoordinates,
	"generic_secret": entity.TypeGenericSecret,
}

func severityFromName(name string) entity.Severity {
	switch name {
	case "critical":
		return entity.SeverityCritical
	case "high":
		return entity.SeverityHigh
	case "low":
		return entity.SeverityLow
	default:
		return entity.SeverityMedium
	}
}

// LoadFile reads a YAML rule file and returns the builtin snapshot extended
// with its patterns. A pattern that fails to compile fails the whole load;
// a half-applied rule set is worse than the builtins.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}

	snap := DefaultSnapshot()
	if rf.Version != "" {
		snap.Version = rf.Version
	}

	for _, e := range rf.Entities {
		typ, ok := entityTypeNames[e.Type]
		if !ok {
			return nil, fmt.Errorf("rules: unknown entity type %q", e.Type)
		}
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rules: entity pattern %q: %w", e.Type, err)
		}
		snap.EntityPatterns = append(snap.EntityPatterns, EntityPattern{
			Type:       typ,
			Regex:      re,
			Confidence: e.Confidence,
		})
	}

	for _, s := range rf.Injections {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rules: injection signature %q: %w", s.Name, err)
		}
		snap.InjectionSignatures = append(snap.InjectionSignatures, InjectionSignature{
			Name:       s.Name,
			Subtype:    s.Subtype,
			Regex:      re,
			Confidence: s.Confidence,
			Severity:   severityFromName(s.Severity),
		})
	}

	for _, l := range rf.Leaks {
		re, err := regexp.Compile(l.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rules: leak fingerprint %q: %w", l.Name, err)
		}
		snap.LeakFingerprints = append(snap.LeakFingerprints, LeakFingerprint{
			Name:       l.Name,
			Regex:      re,
			Confidence: l.Confidence,
			Severity:   severityFromName(l.Severity),
		})
	}

	for _, x := range rf.Exemplars {
		snap.Exemplars = append(snap.Exemplars, Exemplar{
			Text:     x.Text,
			Subtype:  x.Subtype,
			Severity: x.Severity,
		})
	}

	return snap, nil
}
