package discovery

import (
	"context"
	"errors"
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
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/types"
)

const anna = "anna.mueller@email.de"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	crm       *datastore.MemoryStore
	analytics *datastore.MemoryStore
	repo      *compliance.MemoryStore
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(t0)

	crm := datastore.NewMemoryStore("crm", "profile", clk)
	crm.CreateContainer("customers", "id", "email", "created_at")
	crm.CreateContainer("orders", "id", "customer_email", "total")
	crm.CreateContainer("notes", "id", "author_name", "body")

	analytics := datastore.NewMemoryStore("analytics", "analytics", clk)
	analytics.CreateContainer("events", "id", "user_email", "event_type")

	require.NoError(t, crm.Insert("customers", map[string]interface{}{"id": 1, "email": anna}))
	require.NoError(t, crm.Insert("customers", map[string]interface{}{"id": 2, "email": "other@example.com"}))
	for i := 0; i < 2; i++ {
		require.NoError(t, crm.Insert("orders", map[string]interface{}{"id": i, "customer_email": anna, "total": 10}))
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

	engine := NewEngine(scanner, stores, repo, aw, clk, Options{
		MatchColumns: []string{"customer_email", "email", "user_email"},
		Concurrency:  2,
	}, logger.NewNop(), nil)

	return &fixture{crm: crm, analytics: analytics, repo: repo, engine: engine}
}

func TestDiscover_OrdersByTierThenCount(t *testing.T) {
	f := newFixture(t)

	batch, err := f.engine.Discover(context.Background(), anna, "r1")
	require.NoError(t, err)
	require.Len(t, batch.Results, 3)

	got := make([]string, len(batch.Results))
	for i, r := range batch.Results {
		got[i] = r.Location.String()
	}
	assert.Equal(t, []string{"crm.orders.customer_email", "crm.customers.email", "analytics.events.user_email"}, got)

	assert.Equal(t, types.TierHigh, batch.Results[0].Tier)
	assert.EqualValues(t, 2, batch.Results[0].RecordsFound)
	assert.EqualValues(t, 1, batch.Results[1].RecordsFound)
	assert.Equal(t, types.TierMedium, batch.Results[2].Tier)
	assert.EqualValues(t, 3, batch.Results[2].RecordsFound)
	assert.True(t, batch.Results[2].Pseudonymize)
	assert.False(t, batch.Results[0].Pseudonymize)
}

func TestDiscover_PersistsBatchAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.engine.Discover(ctx, anna, "r1")
	require.NoError(t, err)

	stored, err := f.repo.LatestBatch(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, batch.ID, stored.ID)
	assert.Equal(t, t0, stored.DiscoveredAt)

	trail, err := f.repo.AuditTrail(ctx, compliance.AuditFilter{RequestID: "r1"})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, compliance.EventDiscoveryCompleted, trail[0].Type)
}

func TestDiscover_RerunKeepsOldBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Discover(ctx, anna, "")
	require.NoError(t, err)
	second, err := f.engine.Discover(ctx, anna, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	batches, err := f.repo.SubjectBatches(ctx, anna)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestDiscover_UnknownSubjectIsEmpty(t *testing.T) {
	f := newFixture(t)

	batch, err := f.engine.Discover(context.Background(), "nobody@example.com", "r2")
	require.NoError(t, err)
	assert.NotNil(t, batch.Results)
	assert.Empty(t, batch.Results)

	_, err = f.repo.LatestBatch(context.Background(), "r2")
	assert.NoError(t, err, "empty batches are still recorded")
}

func TestDiscover_InaccessibleLocationIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.analytics.SetFault("events", errors.New("permission denied"))

	batch, err := f.engine.Discover(context.Background(), anna, "")
	require.NoError(t, err)
	require.Len(t, batch.Results, 2)
	for _, r := range batch.Results {
		assert.Equal(t, "crm", r.Location.Store)
	}
}

func TestDiscover_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Discover(ctx, anna, "")
	assert.Error(t, err)
}

func TestResolver_Match(t *testing.T) {
	f := newFixture(t)
	r := f.engine.Resolver()
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	m, ok := r.Match(types.Location{Store: "crm", Container: "customers", Column: "email"}, types.PIIEmailAddress, anna)
	require.True(t, ok)
	assert.Equal(t, []string{"email"}, m.Columns)

	_, ok = r.Match(types.Location{Store: "crm", Container: "notes", Column: "author_name"}, types.PIIPersonalName, anna)
	assert.False(t, ok, "notes has no match column")

	m, ok = r.ContainerMatch("crm", "orders", []string{"customer_email"}, anna)
	require.True(t, ok)
	assert.Equal(t, []string{"customer_email"}, m.Columns, "duplicates are collapsed")
}

func TestSort(t *testing.T) {
	loc := func(c string) types.Location { return types.Location{Store: "s", Container: c, Column: "x"} }
	results := []compliance.DiscoveryResult{
		{Location: loc("b"), Tier: types.TierHigh, RecordsFound: 1},
		{Location: loc("a"), Tier: types.TierLow, RecordsFound: 9},
		{Location: loc("c"), Tier: types.TierCritical, RecordsFound: 1},
		{Location: loc("a"), Tier: types.TierHigh, RecordsFound: 1},
		{Location: loc("d"), Tier: types.TierHigh, RecordsFound: 5},
	}
	Sort(results)

	var order []string
	for _, r := range results {
		order = append(order, r.Location.Container)
	}
	assert.Equal(t, []string{"c", "d", "a", "b", "a"}, order)
}
