package discovery

import (
	"context"
	"strings"

	"github.com/dbsmedya/goforget/internal/catalog"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/types"
)

// Resolver builds the row predicates that select a subject's records.
// Email columns are matched directly; any other column is reached through
// the container's configured match columns.
type Resolver struct {
	scanner  *catalog.Scanner
	matchSet map[string]bool
}

// NewResolver creates a resolver over the scanner's schema cache.
func NewResolver(scanner *catalog.Scanner, matchColumns []string) *Resolver {
	r := &Resolver{scanner: scanner, matchSet: make(map[string]bool, len(matchColumns))}
	for _, c := range matchColumns {
		r.matchSet[strings.ToLower(c)] = true
	}
	return r
}

// Refresh rescans the catalog so container columns are known. Unchanged
// schemas are served from the scanner cache.
func (r *Resolver) Refresh(ctx context.Context) ([]catalog.Entry, error) {
	return r.scanner.Scan(ctx)
}

// Match returns the predicate for one location, or false when its container
// has no usable match column.
func (r *Resolver) Match(loc types.Location, pii types.PIIType, subject string) (datastore.Match, bool) {
	if pii == types.PIIEmailAddress {
		return datastore.Match{Columns: []string{loc.Column}, Value: subject}, true
	}
	return r.ContainerMatch(loc.Store, loc.Container, nil, subject)
}

// ContainerMatch returns the predicate covering a whole container: the given
// email columns plus every configured match column the container has.
func (r *Resolver) ContainerMatch(store, container string, emailColumns []string, subject string) (datastore.Match, bool) {
	seen := make(map[string]bool)
	var cols []string
	add := func(c string) {
		if !seen[strings.ToLower(c)] {
			seen[strings.ToLower(c)] = true
			cols = append(cols, c)
		}
	}
	for _, c := range emailColumns {
		add(c)
	}
	for _, c := range r.scanner.ContainerColumns(store, container) {
		if r.matchSet[strings.ToLower(c)] {
			add(c)
		}
	}
	if len(cols) == 0 {
		return datastore.Match{}, false
	}
	return datastore.Match{Columns: cols, Value: subject}, true
}
