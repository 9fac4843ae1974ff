// Package catalog scans the enrolled stores for columns that may hold
// personal data and classifies them.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/goforget/internal/classify"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/types"
)

// sampleSize is the number of values fetched per column for content rules.
const sampleSize = 20

// Entry is one classified candidate column.
type Entry struct {
	classify.Classification
	Category string
	// Pseudonymize is set when the rule or the store category asks for
	// pseudonymization instead of deletion.
	Pseudonymize bool
}

// Operation returns the erasure operation implied by the entry.
func (e Entry) Operation() types.Disposition {
	if e.Pseudonymize {
		return types.DispositionPseudonymize
	}
	return types.DispositionDelete
}

// Options configures a Scanner.
type Options struct {
	ExcludeContainers      []string
	PseudonymizeCategories []string
	Concurrency            int
}

// Scanner enumerates store schemas and classifies candidate columns.
// Classifications are cached per store and reused while the schema
// fingerprint is unchanged.
type Scanner struct {
	stores      *datastore.Registry
	rules       *classify.Registry
	exclude     map[string]bool
	pseudoCats  map[string]bool
	concurrency int
	logger      *logger.Logger

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	fingerprint string
	entries     []Entry
	containers  map[string][]string
}

// NewScanner creates a catalog scanner.
func NewScanner(stores *datastore.Registry, rules *classify.Registry, opts Options, log *logger.Logger) *Scanner {
	if log == nil {
		log = logger.NewDefault()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	s := &Scanner{
		stores:      stores,
		rules:       rules,
		exclude:     make(map[string]bool),
		pseudoCats:  make(map[string]bool),
		concurrency: opts.Concurrency,
		logger:      log,
		cache:       make(map[string]cached),
	}
	for _, c := range opts.ExcludeContainers {
		s.exclude[strings.ToLower(c)] = true
	}
	for _, c := range opts.PseudonymizeCategories {
		s.pseudoCats[strings.ToLower(c)] = true
	}
	return s
}

// Scan returns every candidate column across all stores, ordered by location.
// A store whose schema cannot be read is logged and skipped.
func (s *Scanner) Scan(ctx context.Context) ([]Entry, error) {
	stores := s.stores.All()
	results := make([][]Entry, len(stores))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, store := range stores {
		g.Go(func() error {
			entries, err := s.scanStore(gctx, store)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.WithStore(store.Name()).Warnf("Skipping store: %v", err)
				return nil
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("catalog scan interrupted: %w", err)
	}

	var all []Entry
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Location.String() < all[j].Location.String()
	})
	return all, nil
}

func (s *Scanner) scanStore(ctx context.Context, store datastore.Store) ([]Entry, error) {
	cols, err := store.Columns(ctx)
	if err != nil {
		return nil, err
	}

	kept := cols[:0]
	for _, c := range cols {
		if !s.exclude[strings.ToLower(c.Container)] {
			kept = append(kept, c)
		}
	}
	cols = kept

	fp := Fingerprint(cols)
	s.mu.Lock()
	hit, ok := s.cache[store.Name()]
	s.mu.Unlock()
	if ok && hit.fingerprint == fp {
		s.logger.WithStore(store.Name()).Debugf("Schema unchanged, reusing %d classifications", len(hit.entries))
		return hit.entries, nil
	}

	sampling := s.rules.NeedsSamples()
	var entries []Entry
	for _, c := range cols {
		if sampling && isTextual(c.DataType) {
			samples, err := store.Sample(ctx, c.Container, c.Column, sampleSize)
			if err != nil {
				s.logger.WithLocation(c.Store, c.Container, c.Column).Debugf("Sampling failed: %v", err)
			}
			c.Samples = samples
		}
		if !s.rules.IsCandidate(c) {
			continue
		}
		cl := s.rules.Classify(c)
		entries = append(entries, Entry{
			Classification: cl,
			Category:       store.Category(),
			Pseudonymize: cl.Disposition == types.DispositionPseudonymize ||
				(cl.Disposition == "" && s.pseudoCats[strings.ToLower(store.Category())]),
		})
	}

	containers := make(map[string][]string)
	for _, c := range cols {
		containers[c.Container] = append(containers[c.Container], c.Column)
	}

	s.mu.Lock()
	s.cache[store.Name()] = cached{fingerprint: fp, entries: entries, containers: containers}
	s.mu.Unlock()

	s.logger.WithStore(store.Name()).Infof("Classified %d candidate columns out of %d", len(entries), len(cols))
	return entries, nil
}

// ContainerColumns returns the columns of a container as seen by the last
// scan of its store, or nil when the store has not been scanned.
func (s *Scanner) ContainerColumns(store, container string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cache[store].containers[container]...)
}

// Invalidate drops all cached classifications.
func (s *Scanner) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cached)
}

// Fingerprint hashes a sorted listing of columns and their data types.
func Fingerprint(cols []types.Column) string {
	lines := make([]string, len(cols))
	for i, c := range cols {
		lines[i] = c.String() + ":" + c.DataType
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func isTextual(dataType string) bool {
	dt := strings.ToLower(dataType)
	return strings.Contains(dt, "char") || strings.Contains(dt, "text") || dt == ""
}

// Lookup indexes entries by location string.
func Lookup(entries []Entry) map[string]Entry {
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[e.Location.String()] = e
	}
	return out
}
