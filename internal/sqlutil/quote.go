// Package sqlutil builds dialect-aware SQL fragments for GoForget.
// Identifiers are always validated and quoted; values are always bound as
// placeholders and never interpolated.
package sqlutil

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialect is the SQL flavour of a store.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// DialectFor maps a driver name to its dialect. Unknown drivers use MySQL.
func DialectFor(driver string) Dialect {
	if driver == "postgres" || driver == "pgx" {
		return Postgres
	}
	return MySQL
}

// QuoteIdentifier quotes a table or column name for the dialect, escaping
// any embedded quote character by doubling it.
func (d Dialect) QuoteIdentifier(name string) string {
	if d == Postgres {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// validIdentifierRegex restricts identifiers to alphanumerics and underscore.
var validIdentifierRegex = regexp.MustCompile("^[a-zA-Z0-9_]+$")

// IsValidIdentifier reports whether name only contains alphanumeric
// characters and underscores.
func IsValidIdentifier(name string) bool {
	return validIdentifierRegex.MatchString(name)
}

// QuoteIdentifierSafe validates and quotes an identifier.
func (d Dialect) QuoteIdentifierSafe(name string) (string, error) {
	if !IsValidIdentifier(name) {
		return "", &InvalidIdentifierError{Name: name}
	}
	return d.QuoteIdentifier(name), nil
}

// QuoteIdentifier quotes a MySQL identifier. Used for the compliance store,
// which is always MySQL.
func QuoteIdentifier(name string) string {
	return MySQL.QuoteIdentifier(name)
}

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Placeholders returns count comma-separated bind markers starting at
// argument number start.
func (d Dialect) Placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.Placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}

// EqualsAny builds "(`a` = ? OR `b` = ?)" over columns, numbering
// placeholders from start. It returns the fragment and the number of
// placeholders consumed, which is len(columns).
func (d Dialect) EqualsAny(columns []string, start int) (string, int, error) {
	if len(columns) == 0 {
		return "", 0, fmt.Errorf("no match columns")
	}
	parts := make([]string, len(columns))
	for i, col := range columns {
		quoted, err := d.QuoteIdentifierSafe(col)
		if err != nil {
			return "", 0, err
		}
		parts[i] = quoted + " = " + d.Placeholder(start+i)
	}
	if len(parts) == 1 {
		return parts[0], 1, nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", len(parts), nil
}

// InvalidIdentifierError is returned when an identifier contains invalid characters.
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return "invalid identifier: " + e.Name + " (must contain only alphanumeric characters and underscores)"
}
