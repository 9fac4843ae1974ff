// Package classify maps candidate columns to a PII type, sensitivity tier and
// erasure disposition through an ordered registry of declarative rules.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dbsmedya/goforget/internal/config"
	"github.com/dbsmedya/goforget/internal/types"
)

// Rule maps matching columns to a classification. A zero Tier means the
// default tier of the PII type; an empty Disposition leaves the choice to
// the store category.
type Rule struct {
	Name        string
	Matcher     Matcher
	PIIType     types.PIIType
	Tier        types.SensitivityTier
	Disposition types.Disposition
}

// Classification is the outcome of classifying one column.
type Classification struct {
	Location    types.Location
	PIIType     types.PIIType
	Tier        types.SensitivityTier
	Disposition types.Disposition
	Rule        string
}

// DefaultTokens is the candidate token set for column names.
var DefaultTokens = []string{"EMAIL", "CUSTOMER", "USER", "PHONE", "ADDRESS", "NAME", "SSN", "SOCIAL", "BIRTH"}

// DefaultRules returns the built-in rules in first-match priority order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "email", Matcher: Substring{Token: "EMAIL"}, PIIType: types.PIIEmailAddress},
		{Name: "phone", Matcher: Substring{Token: "PHONE"}, PIIType: types.PIIPhoneNumber},
		{Name: "address", Matcher: Substring{Token: "ADDRESS"}, PIIType: types.PIIPostalAddress},
		{
			Name:    "personal-name",
			Matcher: All{Substring{Token: "NAME"}, Not{Matcher: Substring{Token: "USER"}}},
			PIIType: types.PIIPersonalName,
		},
		{Name: "ssn", Matcher: Any{Substring{Token: "SSN"}, Substring{Token: "SOCIAL"}}, PIIType: types.PIISSN},
		{Name: "birth", Matcher: Substring{Token: "BIRTH"}, PIIType: types.PIIDateOfBirth},
	}
}

// Registry evaluates rules in order. Configured rules come before the
// built-in ones; a column no rule matches is POTENTIAL_PII.
type Registry struct {
	tokens []string
	custom []Rule
	rules  []Rule
}

// NewRegistry builds a registry from candidate tokens and extra rules that
// take priority over DefaultRules. Empty tokens use DefaultTokens.
func NewRegistry(tokens []string, extra ...Rule) *Registry {
	if len(tokens) == 0 {
		tokens = DefaultTokens
	}
	upper := make([]string, len(tokens))
	for i, t := range tokens {
		upper[i] = strings.ToUpper(t)
	}
	rules := make([]Rule, 0, len(extra)+6)
	rules = append(rules, extra...)
	rules = append(rules, DefaultRules()...)
	return &Registry{tokens: upper, custom: extra, rules: rules}
}

// FromConfig builds a registry from the discovery tokens and configured rules.
func FromConfig(tokens []string, cfg config.ClassificationConfig) (*Registry, error) {
	extra := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		rule, err := ruleFromConfig(rc)
		if err != nil {
			return nil, fmt.Errorf("classification rule %d (%s): %w", i, rc.Name, err)
		}
		extra = append(extra, rule)
	}
	return NewRegistry(tokens, extra...), nil
}

func ruleFromConfig(rc config.RuleConfig) (Rule, error) {
	pii, err := types.ParsePIIType(rc.PIIType)
	if err != nil {
		return Rule{}, err
	}
	var tier types.SensitivityTier
	if rc.Sensitivity != "" {
		if tier, err = types.ParseTier(rc.Sensitivity); err != nil {
			return Rule{}, err
		}
	}
	disp, err := types.ParseDisposition(rc.Disposition)
	if err != nil {
		return Rule{}, err
	}

	var m Matcher
	switch rc.Matcher {
	case "exact":
		m = Exact{Pattern: rc.Pattern}
	case "substring":
		m = Substring{Token: rc.Pattern}
	case "regex", "content":
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid pattern: %w", err)
		}
		if rc.Matcher == "regex" {
			m = Regex{Pattern: re}
		} else {
			m = Content{Pattern: re}
		}
	default:
		return Rule{}, fmt.Errorf("unknown matcher %q", rc.Matcher)
	}

	name := rc.Name
	if name == "" {
		name = rc.Matcher + ":" + rc.Pattern
	}
	return Rule{Name: name, Matcher: m, PIIType: pii, Tier: tier, Disposition: disp}, nil
}

// IsCandidate reports whether a column may hold personal data: its name
// contains one of the tokens, or a configured rule explicitly matches it.
func (r *Registry) IsCandidate(col types.Column) bool {
	name := strings.ToUpper(col.Column)
	for _, t := range r.tokens {
		if strings.Contains(name, t) {
			return true
		}
	}
	for _, rule := range r.custom {
		if rule.Matcher.Match(col) {
			return true
		}
	}
	return false
}

// NeedsSamples reports whether any rule inspects column values.
func (r *Registry) NeedsSamples() bool {
	for _, rule := range r.custom {
		if rule.Matcher.NeedsSamples() {
			return true
		}
	}
	return false
}

// Classify returns the classification of the first matching rule.
func (r *Registry) Classify(col types.Column) Classification {
	for _, rule := range r.rules {
		if !rule.Matcher.Match(col) {
			continue
		}
		tier := rule.Tier
		if tier == 0 {
			tier = types.TierFor(rule.PIIType)
		}
		return Classification{
			Location:    col.Location,
			PIIType:     rule.PIIType,
			Tier:        tier,
			Disposition: rule.Disposition,
			Rule:        rule.Name,
		}
	}
	return Classification{
		Location: col.Location,
		PIIType:  types.PIIPotential,
		Tier:     types.TierFor(types.PIIPotential),
		Rule:     "default",
	}
}
