package classify

import (
	"regexp"
	"strings"

	"github.com/dbsmedya/goforget/internal/types"
)

// Matcher decides whether a rule applies to a column.
type Matcher interface {
	Match(col types.Column) bool
	// NeedsSamples reports whether the matcher inspects column values.
	NeedsSamples() bool
}

// Exact matches a column name, or a full store.container.column signature
// when the pattern contains a dot. Comparison ignores case.
type Exact struct {
	Pattern string
}

func (e Exact) Match(col types.Column) bool {
	if strings.Contains(e.Pattern, ".") {
		return strings.EqualFold(e.Pattern, col.String())
	}
	return strings.EqualFold(e.Pattern, col.Column)
}

func (Exact) NeedsSamples() bool { return false }

// Substring matches when the column name contains the token, ignoring case.
type Substring struct {
	Token string
}

func (s Substring) Match(col types.Column) bool {
	return strings.Contains(strings.ToUpper(col.Column), strings.ToUpper(s.Token))
}

func (Substring) NeedsSamples() bool { return false }

// Regex matches the column name against a regular expression.
type Regex struct {
	Pattern *regexp.Regexp
}

func (r Regex) Match(col types.Column) bool {
	return r.Pattern.MatchString(col.Column)
}

func (Regex) NeedsSamples() bool { return false }

// Content matches when at least half of the sampled non-empty values match
// the expression. A column without samples never matches.
type Content struct {
	Pattern *regexp.Regexp
}

func (c Content) Match(col types.Column) bool {
	var total, hits int
	for _, v := range col.Samples {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		total++
		if c.Pattern.MatchString(v) {
			hits++
		}
	}
	return total > 0 && hits*2 >= total
}

func (Content) NeedsSamples() bool { return true }

// All matches when every inner matcher matches.
type All []Matcher

func (a All) Match(col types.Column) bool {
	for _, m := range a {
		if !m.Match(col) {
			return false
		}
	}
	return true
}

func (a All) NeedsSamples() bool {
	for _, m := range a {
		if m.NeedsSamples() {
			return true
		}
	}
	return false
}

// Any matches when at least one inner matcher matches.
type Any []Matcher

func (a Any) Match(col types.Column) bool {
	for _, m := range a {
		if m.Match(col) {
			return true
		}
	}
	return false
}

func (a Any) NeedsSamples() bool {
	return All(a).NeedsSamples()
}

// Not inverts a matcher.
type Not struct {
	Matcher Matcher
}

func (n Not) Match(col types.Column) bool { return !n.Matcher.Match(col) }
func (n Not) NeedsSamples() bool          { return n.Matcher.NeedsSamples() }
