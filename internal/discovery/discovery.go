// Package discovery counts a subject's records at every candidate location
// and persists the result as an immutable batch.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/goforget/internal/audit"
	"github.com/dbsmedya/goforget/internal/catalog"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/metrics"
)

// Options configures an Engine.
type Options struct {
	// MatchColumns are the columns compared to the subject identifier when
	// the candidate column is not itself an email column.
	MatchColumns []string
	Concurrency  int
}

// Engine runs discovery for one subject at a time. Runs for different
// subjects may proceed concurrently.
type Engine struct {
	scanner  *catalog.Scanner
	stores   *datastore.Registry
	repo     compliance.Store
	audit    *audit.Writer
	clock    clock.Clock
	opts     Options
	logger   *logger.Logger
	metrics  *metrics.Metrics
	resolver *Resolver
}

// NewEngine creates a discovery engine. audit and m may be nil.
func NewEngine(scanner *catalog.Scanner, stores *datastore.Registry, repo compliance.Store,
	aw *audit.Writer, clk clock.Clock, opts Options, log *logger.Logger, m *metrics.Metrics) *Engine {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	e := &Engine{
		scanner:  scanner,
		stores:   stores,
		repo:     repo,
		audit:    aw,
		clock:    clk,
		opts:     opts,
		logger:   log,
		metrics:  m,
		resolver: NewResolver(scanner, opts.MatchColumns),
	}
	return e
}

// Discover counts the subject's records at every candidate location and
// persists a new batch, attached to requestID when one is given. The batch
// is saved even when nothing was found so that execution can tell an empty
// discovery from a missing one.
func (e *Engine) Discover(ctx context.Context, subject, requestID string) (*compliance.DiscoveryBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := e.logger.WithSubject(subject).WithRequest(requestID)

	entries, err := e.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	counts := make([]int64, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			n, err := e.count(gctx, entry, subject)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.WithLocation(entry.Location.Store, entry.Location.Container, entry.Location.Column).
					Warnf("Counting failed, treating location as empty: %v", err)
				return nil
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("discovery interrupted: %w", err)
	}

	results := []compliance.DiscoveryResult{}
	for i, entry := range entries {
		if counts[i] == 0 {
			continue
		}
		results = append(results, compliance.DiscoveryResult{
			Location:     entry.Location,
			PIIType:      entry.PIIType,
			Tier:         entry.Tier,
			RecordsFound: counts[i],
			Category:     entry.Category,
			Pseudonymize: entry.Pseudonymize,
		})
	}
	Sort(results)

	batch := &compliance.DiscoveryBatch{
		ID:           uuid.NewString(),
		Subject:      subject,
		RequestID:    requestID,
		DiscoveredAt: e.clock.Now().UTC(),
		Results:      results,
	}

	err = e.repo.InTx(ctx, func(ctx context.Context) error {
		if err := e.repo.SaveBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to save discovery batch: %w", err)
		}
		if e.audit == nil {
			return nil
		}
		_, err := e.audit.Record(ctx, audit.Event{
			Type:        compliance.EventDiscoveryCompleted,
			Subject:     subject,
			RequestID:   requestID,
			Description: fmt.Sprintf("discovery found %d location(s)", len(results)),
			Payload:     map[string]interface{}{"batch_id": batch.ID, "locations": len(results)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.ObserveDiscovery(start, len(results))
	log.Infow("Discovery completed", "batch_id", batch.ID, "locations", len(results), "candidates", len(entries))
	return batch, nil
}

func (e *Engine) count(ctx context.Context, entry catalog.Entry, subject string) (int64, error) {
	m, ok := e.resolver.Match(entry.Location, entry.PIIType, subject)
	if !ok {
		return 0, nil
	}
	store, err := e.stores.Get(entry.Location.Store)
	if err != nil {
		return 0, err
	}
	return store.Count(ctx, entry.Location.Container, m)
}

// Sort orders results by tier descending, records descending, then location.
func Sort(results []compliance.DiscoveryResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		if a.RecordsFound != b.RecordsFound {
			return a.RecordsFound > b.RecordsFound
		}
		return a.Location.String() < b.Location.String()
	})
}

// Resolver returns the predicate builder shared with execution and verification.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}
