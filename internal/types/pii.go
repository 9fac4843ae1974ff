// Package types holds the value types shared across GoForget packages.
package types

import (
	"fmt"
	"strings"
)

// PIIType is the kind of personal data a column holds.
type PIIType string

const (
	PIIEmailAddress  PIIType = "EMAIL_ADDRESS"
	PIIPhoneNumber   PIIType = "PHONE_NUMBER"
	PIIPostalAddress PIIType = "POSTAL_ADDRESS"
	PIIPersonalName  PIIType = "PERSONAL_NAME"
	PIISSN           PIIType = "SSN"
	PIIDateOfBirth   PIIType = "DATE_OF_BIRTH"
	PIIPotential     PIIType = "POTENTIAL_PII"
)

// ParsePIIType parses a PII type name.
func ParsePIIType(s string) (PIIType, error) {
	switch p := PIIType(strings.ToUpper(strings.TrimSpace(s))); p {
	case PIIEmailAddress, PIIPhoneNumber, PIIPostalAddress, PIIPersonalName, PIISSN, PIIDateOfBirth, PIIPotential:
		return p, nil
	}
	return "", fmt.Errorf("unknown pii type %q", s)
}

// SensitivityTier is an ordinal risk classification. Higher is more sensitive.
type SensitivityTier int

const (
	TierLow SensitivityTier = iota + 1
	TierMedium
	TierHigh
	TierCritical
)

var tierNames = map[SensitivityTier]string{
	TierLow:      "LOW",
	TierMedium:   "MEDIUM",
	TierHigh:     "HIGH",
	TierCritical: "CRITICAL",
}

func (t SensitivityTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseTier parses a tier name such as "HIGH".
func ParseTier(s string) (SensitivityTier, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for tier, name := range tierNames {
		if name == upper {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("unknown sensitivity tier %q", s)
}

// MarshalText renders the tier by name.
func (t SensitivityTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier name.
func (t *SensitivityTier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TierFor returns the default sensitivity tier of a PII type.
func TierFor(p PIIType) SensitivityTier {
	switch p {
	case PIISSN, PIIDateOfBirth:
		return TierCritical
	case PIIEmailAddress, PIIPhoneNumber, PIIPostalAddress:
		return TierHigh
	case PIIPersonalName:
		return TierMedium
	default:
		return TierLow
	}
}

// Disposition is what happens to a location when a subject is erased.
type Disposition string

const (
	DispositionDelete       Disposition = "DELETE"
	DispositionPseudonymize Disposition = "PSEUDONYMIZE"
)

// ParseDisposition parses a disposition; the empty string yields "".
func ParseDisposition(s string) (Disposition, error) {
	switch d := Disposition(strings.ToUpper(strings.TrimSpace(s))); d {
	case "", DispositionDelete, DispositionPseudonymize:
		return d, nil
	}
	return "", fmt.Errorf("unknown disposition %q", s)
}
