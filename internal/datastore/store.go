// Package datastore exposes the enrolled data stores to the erasure engine
// through a small relational contract: schema introspection, parameterized
// count/select/update/delete, and point-in-time reads.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dbsmedya/goforget/internal/sqlutil"
	"github.com/dbsmedya/goforget/internal/types"
)

// ErrHistoryUnsupported is returned by CountAsOf on stores without
// system-versioned tables.
var ErrHistoryUnsupported = errors.New("historical reads are not supported by this store")

// ErrUnknownStore is returned by the registry for names it does not hold.
var ErrUnknownStore = errors.New("unknown store")

// Match selects the rows of one subject: any of Columns equal to Value.
type Match struct {
	Columns []string
	Value   string
}

// Assignment sets Column to Value. A nil Value writes NULL.
type Assignment struct {
	Column string
	Value  interface{}
}

// Store is one enrolled relational store.
type Store interface {
	Name() string
	Category() string
	Dialect() sqlutil.Dialect
	// Columns lists every column of every container in the store.
	Columns(ctx context.Context) ([]types.Column, error)
	// Sample returns up to limit non-null values of a column as strings.
	Sample(ctx context.Context, container, column string, limit int) ([]string, error)
	Count(ctx context.Context, container string, m Match) (int64, error)
	// CountAsOf counts matching rows as they were at the given instant.
	CountAsOf(ctx context.Context, container string, m Match, at time.Time) (int64, error)
	Select(ctx context.Context, container string, columns []string, m Match, limit int) ([]map[string]interface{}, error)
	Update(ctx context.Context, container string, set []Assignment, m Match) (int64, error)
	Delete(ctx context.Context, container string, m Match) (int64, error)
}

// Registry holds the enrolled stores by name.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry creates a registry holding the given stores.
func NewRegistry(stores ...Store) *Registry {
	r := &Registry{stores: make(map[string]Store, len(stores))}
	for _, s := range stores {
		r.stores[s.Name()] = s
	}
	return r
}

// Add enrolls a store, replacing any store of the same name.
func (r *Registry) Add(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.Name()] = s
}

// Get returns the named store.
func (r *Registry) Get(name string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}
	return s, nil
}

// All returns every store sorted by name.
func (r *Registry) All() []Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Categories returns the distinct categories of the enrolled stores.
func (r *Registry) Categories() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range r.All() {
		if c := s.Category(); c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
