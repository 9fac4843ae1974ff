// Package verifier confirms erasure by comparing a subject's historical and
// current record counts at every known personal-data location.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/juju/clock"

	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/discovery"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/types"
)

// DefaultLookback is the window used when none is given.
const DefaultLookback = 24 * time.Hour

// PreCountMethod tells where a pre-count came from.
type PreCountMethod string

const (
	// MethodHistory reads the store as of now minus the lookback window.
	MethodHistory PreCountMethod = "history"
	// MethodSnapshot uses the discovery batch closest to the window start.
	MethodSnapshot PreCountMethod = "snapshot"
	// MethodNone means no pre-count source was available.
	MethodNone PreCountMethod = "none"
)

// VerifyResult is the evidence for one location.
type VerifyResult struct {
	Location     types.Location `json:"location"`
	PIIType      types.PIIType  `json:"pii_type"`
	PreCount     int64          `json:"pre_count"`
	PostCount    int64          `json:"post_count"`
	Verified     bool           `json:"verified"`
	Method       PreCountMethod `json:"method"`
	ErrorMessage string         `json:"error,omitempty"`
}

// VerifyStats summarizes a verification run.
type VerifyStats struct {
	LocationsChecked int `json:"locations_checked"`
	Verified         int `json:"verified"`
	Unverified       int `json:"unverified"`
}

// Report is the outcome of Verify.
type Report struct {
	Subject  string         `json:"subject"`
	Lookback time.Duration  `json:"lookback"`
	AsOf     time.Time      `json:"as_of"`
	Results  []VerifyResult `json:"results"`
	Stats    VerifyStats    `json:"stats"`
}

// Verifier produces advisory erasure evidence. It never changes request state.
type Verifier struct {
	stores   *datastore.Registry
	repo     compliance.Store
	resolver *discovery.Resolver
	clock    clock.Clock
	logger   *logger.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(stores *datastore.Registry, repo compliance.Store, resolver *discovery.Resolver, clk clock.Clock, log *logger.Logger) (*Verifier, error) {
	if stores == nil {
		return nil, fmt.Errorf("store registry is nil")
	}
	if repo == nil {
		return nil, fmt.Errorf("compliance store is nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is nil")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Verifier{stores: stores, repo: repo, resolver: resolver, clock: clk, logger: log}, nil
}

type candidate struct {
	loc types.Location
	pii types.PIIType
}

// Verify compares, for every catalog candidate and every location recorded
// in the subject's discovery batches, the count at now-lookback with the
// current count. Only locations where either count is non-zero are
// returned, unverified first, then by pre-count descending.
func (v *Verifier) Verify(ctx context.Context, subject string, lookback time.Duration) (*Report, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	now := v.clock.Now().UTC()
	at := now.Add(-lookback)
	log := v.logger.WithSubject(subject)

	entries, err := v.resolver.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan catalog: %w", err)
	}
	batches, err := v.repo.SubjectBatches(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load discovery batches: %w", err)
	}

	seen := make(map[string]bool)
	var candidates []candidate
	add := func(loc types.Location, pii types.PIIType) {
		if !seen[loc.String()] {
			seen[loc.String()] = true
			candidates = append(candidates, candidate{loc: loc, pii: pii})
		}
	}
	for _, e := range entries {
		add(e.Location, e.PIIType)
	}
	for _, b := range batches {
		for _, r := range b.Results {
			add(r.Location, r.PIIType)
		}
	}

	snapshot := snapshotAt(batches, at)
	log.Infof("Starting verification of %d locations (lookback=%s)", len(candidates), lookback)

	report := &Report{Subject: subject, Lookback: lookback, AsOf: now, Results: []VerifyResult{}}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("verification interrupted: %w", err)
		}

		result, ok := v.verifyLocation(ctx, c, subject, at, snapshot)
		if !ok {
			continue
		}
		report.Stats.LocationsChecked++
		// Failed reads stay in the report as unverified; their counts are unknown.
		if result.PreCount == 0 && result.PostCount == 0 && result.ErrorMessage == "" {
			continue
		}
		if result.Verified {
			report.Stats.Verified++
		} else {
			report.Stats.Unverified++
		}
		report.Results = append(report.Results, result)
	}

	Sort(report.Results)
	log.Infof("Verification complete: %d locations with data history, %d verified, %d unverified",
		len(report.Results), report.Stats.Verified, report.Stats.Unverified)
	return report, nil
}

func (v *Verifier) verifyLocation(ctx context.Context, c candidate, subject string, at time.Time, snapshot *compliance.DiscoveryBatch) (VerifyResult, bool) {
	result := VerifyResult{Location: c.loc, PIIType: c.pii}
	log := v.logger.WithLocation(c.loc.Store, c.loc.Container, c.loc.Column)

	match, ok := v.resolver.Match(c.loc, c.pii, subject)
	if !ok {
		log.Debug("No match column, location not verifiable")
		return result, false
	}
	store, err := v.stores.Get(c.loc.Store)
	if err != nil {
		log.Debugf("Store not enrolled: %v", err)
		return result, false
	}

	pre, err := store.CountAsOf(ctx, c.loc.Container, match, at)
	switch {
	case err == nil:
		result.PreCount = pre
		result.Method = MethodHistory
	case errors.Is(err, datastore.ErrHistoryUnsupported):
		result.PreCount, result.Method = snapshotCount(snapshot, c.loc)
	default:
		result.ErrorMessage = fmt.Sprintf("historical count failed: %v", err)
		result.Method = MethodNone
	}

	post, err := store.Count(ctx, c.loc.Container, match)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("current count failed: %v", err)
	} else {
		result.PostCount = post
	}

	result.Verified = result.ErrorMessage == "" && result.PostCount == 0
	return result, true
}

// snapshotAt picks the earliest batch discovered at or after at, falling
// back to the latest one before it. batches are oldest first.
func snapshotAt(batches []compliance.DiscoveryBatch, at time.Time) *compliance.DiscoveryBatch {
	var before *compliance.DiscoveryBatch
	for i := range batches {
		if !batches[i].DiscoveredAt.Before(at) {
			return &batches[i]
		}
		before = &batches[i]
	}
	return before
}

func snapshotCount(b *compliance.DiscoveryBatch, loc types.Location) (int64, PreCountMethod) {
	if b == nil {
		return 0, MethodNone
	}
	for _, r := range b.Results {
		if r.Location == loc {
			return r.RecordsFound, MethodSnapshot
		}
	}
	return 0, MethodSnapshot
}

// Sort orders results unverified first, then by pre-count descending, then
// by location.
func Sort(results []VerifyResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Verified != b.Verified {
			return !a.Verified
		}
		if a.PreCount != b.PreCount {
			return a.PreCount > b.PreCount
		}
		return a.Location.String() < b.Location.String()
	})
}

// AllVerified reports whether every returned location is verified.
func (r *Report) AllVerified() bool {
	return r.Stats.Unverified == 0
}
