package erasure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goforget/internal/audit"
	"github.com/dbsmedya/goforget/internal/catalog"
	"github.com/dbsmedya/goforget/internal/classify"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/discovery"
	"github.com/dbsmedya/goforget/internal/executor"
	"github.com/dbsmedya/goforget/internal/lock"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/retention"
	"github.com/dbsmedya/goforget/internal/types"
	"github.com/dbsmedya/goforget/internal/verifier"
)

const (
	anna = "anna.mueller@email.de"
	jean = "jean.dupont@email.fr"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// scriptedSource returns no policies for the first n calls and the hold
// afterwards.
type scriptedSource struct {
	after int32
	calls int32
	hold  retention.Policy
}

func (s *scriptedSource) Policies(context.Context, string) ([]retention.Policy, error) {
	if atomic.AddInt32(&s.calls, 1) > s.after {
		return []retention.Policy{s.hold}, nil
	}
	return nil, nil
}

type fixture struct {
	clock     *testclock.Clock
	crm       *datastore.MemoryStore
	analytics *datastore.MemoryStore
	stores    *datastore.Registry
	repo      *compliance.MemoryStore
	policies  *retention.MemorySource
	locker    *lock.LocalLocker
	resolver  *discovery.Resolver
	manager   *Manager
}

type fixtureOptions struct {
	source retention.Source
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	clk := testclock.NewClock(t0)

	crm := datastore.NewMemoryStore("crm", "profile", clk)
	crm.CreateContainer("customers", "id", "email", "created_at")
	crm.CreateContainer("orders", "id", "customer_email", "total")
	analytics := datastore.NewMemoryStore("analytics", "analytics", clk)
	analytics.CreateContainer("events", "id", "user_email", "event_type")

	require.NoError(t, crm.Insert("customers", map[string]interface{}{"id": 1, "email": anna}))
	require.NoError(t, crm.Insert("customers", map[string]interface{}{"id": 2, "email": jean}))
	for i := 0; i < 2; i++ {
		require.NoError(t, crm.Insert("orders", map[string]interface{}{"id": i, "customer_email": anna, "total": 10}))
		require.NoError(t, crm.Insert("orders", map[string]interface{}{"id": 10 + i, "customer_email": jean, "total": 20}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, analytics.Insert("events", map[string]interface{}{"id": i, "user_email": anna, "event_type": "click"}))
	}

	stores := datastore.NewRegistry(crm, analytics)
	rules := classify.NewRegistry(nil, classify.Rule{
		Name: "analytics-email", Matcher: classify.Exact{Pattern: "analytics.events.user_email"},
		PIIType: types.PIIEmailAddress, Tier: types.TierMedium,
	})
	scanner := catalog.NewScanner(stores, rules, catalog.Options{PseudonymizeCategories: []string{"analytics"}}, logger.NewNop())
	repo := compliance.NewMemoryStore()
	aw := audit.NewWriter(repo, clk, audit.Options{}, logger.NewNop())
	engine := discovery.NewEngine(scanner, stores, repo, aw, clk, discovery.Options{
		MatchColumns: []string{"customer_email", "email", "user_email"},
	}, logger.NewNop(), nil)
	exec := executor.New(stores, repo, aw, engine.Resolver(), clk, executor.Options{Concurrency: 1, PseudonymSalt: "salt"}, logger.NewNop(), nil)

	policies := retention.NewMemorySource()
	var source retention.Source = policies
	if opts.source != nil {
		source = opts.source
	}
	holds := retention.NewEvaluator(source, clk, logger.NewNop())
	locker := lock.NewLocalLocker()

	m, err := NewManager(repo, engine, exec, holds, aw, locker, clk, Options{}, logger.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(m.Wait)

	return &fixture{
		clock: clk, crm: crm, analytics: analytics, stores: stores, repo: repo,
		policies: policies, locker: locker, resolver: engine.Resolver(), manager: m,
	}
}

func count(t *testing.T, s *datastore.MemoryStore, container, column, subject string) int64 {
	t.Helper()
	n, err := s.Count(context.Background(), container, datastore.Match{Columns: []string{column}, Value: subject})
	require.NoError(t, err)
	return n
}

func transitionEvents(t *testing.T, repo compliance.Store, requestID string) map[compliance.EventType]int {
	t.Helper()
	trail, err := repo.AuditTrail(context.Background(), compliance.AuditFilter{RequestID: requestID})
	require.NoError(t, err)
	out := make(map[compliance.EventType]int)
	for _, e := range trail {
		assert.True(t, audit.VerifyHash(&e), "hash of %s", e.Type)
		out[e.Type]++
	}
	return out
}

// ============================================================================
// Submission
// ============================================================================

func TestSubmit_RecordsRequest(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	req, err := f.manager.Submit(context.Background(), SubmitInput{Subject: "  Anna.Mueller@Email.de ", Ground: "withdrawn_consent", Source: "web"})
	require.NoError(t, err)

	assert.Equal(t, anna, req.Subject)
	assert.Equal(t, compliance.GroundWithdrawnConsent, req.Ground)
	assert.Equal(t, compliance.StatusSubmitted, req.Status)
	assert.Equal(t, t0, req.RequestedAt)
	assert.Equal(t, t0.AddDate(0, 0, 30), req.EstimatedCompletion)

	f.manager.Wait()
	batch, err := f.repo.LatestBatch(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Len(t, batch.Results, 3)

	events := transitionEvents(t, f.repo, req.ID)
	assert.Equal(t, 1, events[compliance.EventRequestSubmitted])
	assert.Equal(t, 1, events[compliance.EventDiscoveryCompleted])
}

func TestSubmit_ReleasesFinishedDiscoveries(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := f.manager.Submit(ctx, SubmitInput{Subject: fmt.Sprintf("user%d@example.com", i), Ground: compliance.GroundObjection})
		require.NoError(t, err)
	}
	f.manager.Wait()

	f.manager.mu.Lock()
	retained := len(f.manager.runs)
	f.manager.mu.Unlock()
	assert.Zero(t, retained, "finished discovery runs should be released")

	// Processing falls back to the persisted batch.
	list, err := f.repo.ListRequests(ctx, compliance.ListFilter{Subject: "user7@example.com"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	out, err := f.manager.Process(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusCompleted, out.Request.Status)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	tests := []struct {
		name  string
		in    SubmitInput
		field string
	}{
		{"unknown ground", SubmitInput{Subject: anna, Ground: "BORED"}, "erasure_ground"},
		{"missing ground", SubmitInput{Subject: anna}, "erasure_ground"},
		{"malformed subject", SubmitInput{Subject: "not-an-email", Ground: compliance.GroundObjection}, "subject"},
		{"missing subject", SubmitInput{Ground: compliance.GroundObjection}, "subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Submit(ctx, tt.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Fields)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
		})
	}

	reqs, err := f.repo.ListRequests(ctx, compliance.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestSubmit_ConflictWhileActive(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	first, err := f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundObjection})
	require.NoError(t, err)

	_, err = f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundWithdrawnConsent})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.ExistingID)

	_, err = f.manager.Process(ctx, first.ID)
	require.NoError(t, err)

	// A finished request no longer blocks a new one.
	_, err = f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundWithdrawnConsent})
	assert.NoError(t, err)
}

func TestSubmit_ConcurrentExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	const workers = 16
	var wg sync.WaitGroup
	var ok, conflicts int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Submit(context.Background(), SubmitInput{Subject: anna, Ground: compliance.GroundObjection})
			var conflict *ConflictError
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.As(err, &conflict):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok)
	assert.EqualValues(t, workers-1, conflicts)

	reqs, err := f.repo.ListRequests(context.Background(), compliance.ListFilter{Subject: anna})
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

// ============================================================================
// Processing
// ============================================================================

func TestProcess_EndToEnd(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.clock.Advance(30 * time.Hour)

	req, err := f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundWithdrawnConsent})
	require.NoError(t, err)

	out, err := f.manager.Process(ctx, req.ID)
	require.NoError(t, err)

	done := out.Request
	assert.Equal(t, compliance.StatusCompleted, done.Status)
	require.NotNil(t, done.ValidatedAt)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, VerificationHash(anna, *done.CompletedAt), done.VerificationHash)

	require.Len(t, done.DeletionSummary, 3)
	assert.Equal(t, "crm.orders", done.DeletionSummary[0].Location)
	assert.Equal(t, "crm.customers", done.DeletionSummary[1].Location)
	assert.Equal(t, "analytics.events", done.DeletionSummary[2].Location)
	assert.Equal(t, types.DispositionPseudonymize, done.DeletionSummary[2].Operation)

	assert.Zero(t, count(t, f.crm, "customers", "email", anna))
	assert.Zero(t, count(t, f.crm, "orders", "customer_email", anna))
	assert.Zero(t, count(t, f.analytics, "events", "user_email", anna))
	assert.EqualValues(t, 3, count(t, f.analytics, "events", "event_type", "click"))
	assert.EqualValues(t, 2, count(t, f.crm, "orders", "customer_email", jean))

	events := transitionEvents(t, f.repo, req.ID)
	for _, et := range []compliance.EventType{
		compliance.EventRequestSubmitted,
		compliance.EventRequestValidated,
		compliance.EventRequestInProgress,
		compliance.EventRequestCompleted,
	} {
		assert.Equal(t, 1, events[et], string(et))
	}
	assert.Equal(t, 3, events[compliance.EventOperationSucceeded])
	assert.Zero(t, events[compliance.EventRequestRejected])

	// Verification a day later sees every location erased.
	f.clock.Advance(time.Hour)
	v, err := verifier.NewVerifier(f.stores, f.repo, f.resolver, f.clock, logger.NewNop())
	require.NoError(t, err)
	report, err := v.Verify(ctx, anna, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	for _, r := range report.Results {
		assert.True(t, r.Verified, r.Location.String())
		assert.Positive(t, r.PreCount)
		assert.Zero(t, r.PostCount)
	}
}

func TestProcess_ZeroRecordSubject(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	req, err := f.manager.Submit(ctx, SubmitInput{Subject: "ghost@example.com", Ground: compliance.GroundObjection})
	require.NoError(t, err)

	out, err := f.manager.Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusCompleted, out.Request.Status)
	assert.Empty(t, out.Request.DeletionSummary)
	assert.NotEmpty(t, out.Request.VerificationHash)
}

func TestProcess_LegalHoldRejects(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.policies.Add(retention.Policy{
		ID: "tax-1", Subject: jean, Category: "profile", Reason: "tax retention of order records",
		RetentionEnd: t0.AddDate(5, 0, 0),
	})

	req, err := f.manager.Submit(ctx, SubmitInput{Subject: jean, Ground: compliance.GroundWithdrawnConsent})
	require.NoError(t, err)

	out, err := f.manager.Process(ctx, req.ID)
	var hold *LegalHoldError
	require.ErrorAs(t, err, &hold)
	assert.Contains(t, hold.Reason, "tax retention of order records")
	require.Len(t, hold.Holds, 1)

	assert.Equal(t, compliance.StatusRejected, out.Request.Status)
	assert.Equal(t, hold.Reason, out.Request.RejectionReason)

	ops, err := f.repo.Operations(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.EqualValues(t, 1, count(t, f.crm, "customers", "email", jean))
	assert.EqualValues(t, 2, count(t, f.crm, "orders", "customer_email", jean))

	events := transitionEvents(t, f.repo, req.ID)
	assert.Equal(t, 1, events[compliance.EventRequestRejected])
	assert.Zero(t, events[compliance.EventRequestValidated])

	_, err = f.manager.Process(ctx, req.ID)
	assert.ErrorIs(t, err, ErrFinished)
}

func TestProcess_HoldAddedAfterValidationWins(t *testing.T) {
	src := &scriptedSource{after: 1, hold: retention.Policy{
		ID: "subpoena", Subject: anna, Reason: "litigation hold", RetentionEnd: t0.AddDate(1, 0, 0),
	}}
	f := newFixture(t, fixtureOptions{source: src})
	ctx := context.Background()

	req, err := f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundObjection})
	require.NoError(t, err)

	out, err := f.manager.Process(ctx, req.ID)
	var hold *LegalHoldError
	require.ErrorAs(t, err, &hold)
	assert.Equal(t, compliance.StatusRejected, out.Request.Status)
	require.NotNil(t, out.Request.ValidatedAt)

	ops, err := f.repo.Operations(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.EqualValues(t, 1, count(t, f.crm, "customers", "email", anna))
}

func TestProcess_HoldDuringExecutionStopsRemaining(t *testing.T) {
	// validation, authoritative check, first location guard pass; the
	// second location sees the hold.
	src := &scriptedSource{after: 3, hold: retention.Policy{
		ID: "subpoena", Subject: anna, Reason: "litigation hold", RetentionEnd: t0.AddDate(1, 0, 0),
	}}
	f := newFixture(t, fixtureOptions{source: src})
	ctx := context.Background()

	req, err := f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundObjection})
	require.NoError(t, err)

	out, err := f.manager.Process(ctx, req.ID)
	var hold *LegalHoldError
	require.ErrorAs(t, err, &hold)
	assert.Equal(t, compliance.StatusRejected, out.Request.Status)
	require.Len(t, out.Request.DeletionSummary, 1)
	assert.Equal(t, "crm.orders", out.Request.DeletionSummary[0].Location)

	assert.Zero(t, count(t, f.crm, "orders", "customer_email", anna))
	assert.EqualValues(t, 1, count(t, f.crm, "customers", "email", anna))
	assert.EqualValues(t, 3, count(t, f.analytics, "events", "user_email", anna))
}

func TestProcess_PartialFailureStillCompletes(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	req, err := f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundObjection})
	require.NoError(t, err)
	f.manager.Wait()
	f.crm.SetFault("orders", errors.New("table is read only"))

	out, err := f.manager.Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusCompleted, out.Request.Status)
	assert.Contains(t, out.Message, "1 operation(s) failed")

	byLoc := make(map[string]compliance.SummaryEntry)
	for _, e := range out.Request.DeletionSummary {
		byLoc[e.Location] = e
	}
	assert.Equal(t, compliance.OperationFailed, byLoc["crm.orders"].Status)
	assert.Contains(t, byLoc["crm.orders"].Error, "read only")
	assert.Equal(t, compliance.OperationSuccess, byLoc["crm.customers"].Status)
	assert.Equal(t, compliance.OperationSuccess, byLoc["analytics.events"].Status)
	assert.Zero(t, count(t, f.crm, "customers", "email", anna))
}

func TestProcess_NotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, err := f.manager.Process(context.Background(), "missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.RequestID)
}

func TestProcess_LockedByAnotherWorker(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	req, err := f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundObjection})
	require.NoError(t, err)

	lease, err := f.locker.Acquire(ctx, lock.RequestLockName(req.ID))
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = f.manager.Process(ctx, req.ID)
	assert.ErrorIs(t, err, lock.ErrLockHeld)

	stored, err := f.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusSubmitted, stored.Status)
}

func TestProcess_DiscoveryMissingIsRerun(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	// A request left behind by another process has no running discovery.
	req := &compliance.ErasureRequest{
		ID: "orphan", Subject: anna, Ground: compliance.GroundObjection,
		Status: compliance.StatusSubmitted, RequestedAt: t0, EstimatedCompletion: t0.AddDate(0, 0, 30),
	}
	require.NoError(t, f.repo.CreateRequest(ctx, req))

	out, err := f.manager.Process(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusCompleted, out.Request.Status)
	assert.Len(t, out.Request.DeletionSummary, 3)
}

// ============================================================================
// Status and listing
// ============================================================================

func TestStatus(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.policies.Add(retention.Policy{
		ID: "ledger", Category: "profile", Reason: "bookkeeping", RetentionEnd: t0.AddDate(2, 0, 0), CanOverrideErasure: true,
	})

	st, err := f.manager.Status(ctx, anna)
	require.NoError(t, err)
	assert.False(t, st.HasActiveRequest)
	assert.False(t, st.DeletionCompleted)
	assert.Nil(t, st.LastRequestDate)

	req, err := f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundObjection})
	require.NoError(t, err)
	f.manager.Wait()

	st, err = f.manager.Status(ctx, anna)
	require.NoError(t, err)
	assert.True(t, st.HasActiveRequest)
	assert.Equal(t, req.ID, st.ActiveRequestID)
	require.NotNil(t, st.LastRequestDate)
	assert.Equal(t, t0, *st.LastRequestDate)
	// The overridable policy sets the retention date without holding erasure.
	require.NotNil(t, st.DataRetentionUntil)
	assert.Equal(t, t0.AddDate(2, 0, 0), *st.DataRetentionUntil)
	assert.Empty(t, st.Holds)

	_, err = f.manager.Process(ctx, req.ID)
	require.NoError(t, err)

	st, err = f.manager.Status(ctx, anna)
	require.NoError(t, err)
	assert.False(t, st.HasActiveRequest)
	assert.True(t, st.DeletionCompleted)
}

func TestList(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.manager.Submit(ctx, SubmitInput{Subject: anna, Ground: compliance.GroundObjection})
	require.NoError(t, err)
	f.clock.Advance(72 * time.Hour)
	_, err = f.manager.Submit(ctx, SubmitInput{Subject: jean, Ground: compliance.GroundObjection})
	require.NoError(t, err)

	list, err := f.manager.List(ctx, compliance.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, jean, list[0].Subject)
	assert.Equal(t, 0, list[0].DaysSinceRequest)
	assert.Equal(t, 3, list[1].DaysSinceRequest)
}

func TestVerificationHash(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, VerificationHash(anna, at), VerificationHash(anna, at.UTC()))
	assert.NotEqual(t, VerificationHash(anna, at), VerificationHash(jean, at))
	assert.Len(t, VerificationHash(anna, at), 64)
}
