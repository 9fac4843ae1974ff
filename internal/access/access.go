// Package access decides what a caller may see. The caller's capability is
// always passed in explicitly.
package access

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dbsmedya/goforget/internal/config"
	"github.com/dbsmedya/goforget/internal/types"
)

// Level is a privilege level.
type Level string

const (
	LevelFull    Level = "full"
	LevelPartial Level = "partial"
	LevelNone    Level = "none"
)

// Redacted replaces values the caller may not see at all.
const Redacted = "***REDACTED***"

// Capability is what one caller is allowed to see.
type Capability struct {
	Role  string `json:"role"`
	Level Level  `json:"level"`
}

// Privileged reports whether the caller sees unmasked values and erased subjects.
func (c Capability) Privileged() bool {
	return c.Level == LevelFull
}

// Policy maps roles to levels.
type Policy struct {
	roles map[string]Level
	def   Level
}

// NewPolicy builds a policy from configuration. Unknown levels fall back to none.
func NewPolicy(cfg config.AccessConfig) *Policy {
	p := &Policy{roles: make(map[string]Level, len(cfg.Roles)), def: parseLevel(cfg.DefaultLevel)}
	for role, level := range cfg.Roles {
		p.roles[strings.ToLower(role)] = parseLevel(level)
	}
	return p
}

func parseLevel(s string) Level {
	switch Level(strings.ToLower(s)) {
	case LevelFull:
		return LevelFull
	case LevelPartial:
		return LevelPartial
	}
	return LevelNone
}

// CapabilityFor returns the capability of a role. Unknown roles get the
// default level.
func (p *Policy) CapabilityFor(role string) Capability {
	level, ok := p.roles[strings.ToLower(role)]
	if !ok {
		level = p.def
	}
	return Capability{Role: role, Level: level}
}

// Mask renders value for the caller: unchanged for full, partially redacted
// for partial, fully redacted otherwise. Empty values stay empty.
func Mask(c Capability, pii types.PIIType, value string) string {
	if value == "" {
		return ""
	}
	switch c.Level {
	case LevelFull:
		return value
	case LevelPartial:
		return partial(pii, value)
	}
	return Redacted
}

func partial(pii types.PIIType, value string) string {
	switch pii {
	case types.PIIEmailAddress:
		at := strings.LastIndex(value, "@")
		if at <= 0 {
			return Redacted
		}
		_, size := utf8.DecodeRuneInString(value)
		return value[:size] + "***" + value[at:]
	case types.PIIPhoneNumber, types.PIISSN:
		return "***" + lastDigits(value, 4)
	case types.PIIPersonalName:
		var b strings.Builder
		for i, word := range strings.Fields(value) {
			if i > 0 {
				b.WriteByte(' ')
			}
			r := []rune(word)
			b.WriteRune(r[0])
			b.WriteString(".")
		}
		return b.String()
	case types.PIIPostalAddress:
		// Keep the last component, usually the city or country.
		parts := strings.Split(value, ",")
		return "***, " + strings.TrimSpace(parts[len(parts)-1])
	case types.PIIDateOfBirth:
		if len(value) >= 4 {
			return value[:4] + "-**-**"
		}
	}
	return Redacted
}

func lastDigits(s string, n int) string {
	var digits []rune
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) <= n {
		return ""
	}
	return string(digits[len(digits)-n:])
}
