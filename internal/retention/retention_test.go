package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goforget/internal/logger"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type failingSource struct{}

func (failingSource) Policies(context.Context, string) ([]Policy, error) {
	return nil, errors.New("reference store unavailable")
}

func TestCheck(t *testing.T) {
	taxHold := Policy{ID: "p1", Subject: "jean.dupont@email.fr", Category: "profile", Reason: "tax retention",
		RetentionEnd: now.AddDate(5, 0, 0)}

	tests := []struct {
		name       string
		policies   []Policy
		subject    string
		categories []string
		blocked    bool
	}{
		{"no policies", nil, "a@example.com", []string{"profile"}, false},
		{"subject hold", []Policy{taxHold}, "jean.dupont@email.fr", nil, true},
		{"subject match is case insensitive", []Policy{taxHold}, "Jean.Dupont@email.fr", nil, true},
		{"other subject", []Policy{taxHold}, "anna@example.com", []string{"profile"}, false},
		{"expired", []Policy{{ID: "p2", Subject: "a@example.com", Reason: "old", RetentionEnd: now.Add(-time.Hour)}}, "a@example.com", nil, false},
		{"ends exactly now", []Policy{{ID: "p3", Subject: "a@example.com", Reason: "edge", RetentionEnd: now}}, "a@example.com", nil, false},
		{"overridable", []Policy{{ID: "p4", Subject: "a@example.com", Reason: "soft", RetentionEnd: now.Add(time.Hour), CanOverrideErasure: true}}, "a@example.com", nil, false},
		{"category wide applies", []Policy{{ID: "p5", Category: "analytics", Reason: "audit", RetentionEnd: now.Add(time.Hour)}}, "a@example.com", []string{"profile", "analytics"}, true},
		{"category wide elsewhere", []Policy{{ID: "p6", Category: "behavioral", Reason: "audit", RetentionEnd: now.Add(time.Hour)}}, "a@example.com", []string{"profile"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(NewMemorySource(tt.policies...), testclock.NewClock(now), logger.NewNop())
			d, err := e.Check(context.Background(), tt.subject, tt.categories)
			require.NoError(t, err)
			assert.Equal(t, tt.blocked, d.Blocked)
			if tt.blocked {
				assert.NotEmpty(t, d.Holds)
				assert.Contains(t, d.Reason, "legal hold")
			} else {
				assert.Empty(t, d.Reason)
			}
		})
	}
}

func TestCheck_ReasonListsHolds(t *testing.T) {
	src := NewMemorySource(
		Policy{ID: "p1", Subject: "jean.dupont@email.fr", Reason: "tax retention", RetentionEnd: time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)},
		Policy{ID: "p2", Subject: "jean.dupont@email.fr", Reason: "litigation", RetentionEnd: time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)},
	)
	e := NewEvaluator(src, testclock.NewClock(now), logger.NewNop())

	d, err := e.Check(context.Background(), "jean.dupont@email.fr", nil)
	require.NoError(t, err)
	assert.Equal(t, "legal hold: tax retention until 2031-01-01; litigation until 2027-06-30", d.Reason)
}

func TestCheck_HoldAddedLaterWins(t *testing.T) {
	clk := testclock.NewClock(now)
	src := NewMemorySource()
	e := NewEvaluator(src, clk, logger.NewNop())

	d, err := e.Check(context.Background(), "a@example.com", nil)
	require.NoError(t, err)
	assert.False(t, d.Blocked)

	src.Add(Policy{ID: "late", Subject: "a@example.com", Reason: "subpoena", RetentionEnd: now.AddDate(1, 0, 0)})
	d, err = e.Check(context.Background(), "a@example.com", nil)
	require.NoError(t, err)
	assert.True(t, d.Blocked)
}

func TestCheck_SourceErrorIsReturned(t *testing.T) {
	e := NewEvaluator(failingSource{}, testclock.NewClock(now), logger.NewNop())
	_, err := e.Check(context.Background(), "a@example.com", nil)
	assert.Error(t, err)
}

func TestRetentionUntil(t *testing.T) {
	src := NewMemorySource(
		Policy{ID: "p1", Subject: "a@example.com", Reason: "contract", RetentionEnd: now.AddDate(1, 0, 0), CanOverrideErasure: true},
		Policy{ID: "p2", Subject: "a@example.com", Reason: "tax", RetentionEnd: now.AddDate(3, 0, 0)},
		Policy{ID: "p3", Subject: "a@example.com", Reason: "expired", RetentionEnd: now.AddDate(-1, 0, 0)},
	)
	e := NewEvaluator(src, testclock.NewClock(now), logger.NewNop())

	until, err := e.RetentionUntil(context.Background(), "a@example.com", nil)
	require.NoError(t, err)
	require.NotNil(t, until)
	assert.Equal(t, now.AddDate(3, 0, 0), *until)

	until, err = e.RetentionUntil(context.Background(), "nobody@example.com", nil)
	require.NoError(t, err)
	assert.Nil(t, until)
}

func TestSQLSource_Policies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src, err := NewSQLSource(db, logger.NewNop())
	require.NoError(t, err)

	end := now.AddDate(2, 0, 0)
	mock.ExpectQuery(`FROM retention_policies WHERE subject = \? OR subject IS NULL`).
		WithArgs("jean.dupont@email.fr").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject", "category", "reason", "retention_end", "can_override_erasure"}).
			AddRow("p1", "jean.dupont@email.fr", "profile", "tax retention", end, false).
			AddRow("p2", nil, "analytics", "statistics", end, true))

	policies, err := src.Policies(context.Background(), "jean.dupont@email.fr")
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "jean.dupont@email.fr", policies[0].Subject)
	assert.Empty(t, policies[1].Subject)
	assert.True(t, policies[1].CanOverrideErasure)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSource_InitializeTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src, err := NewSQLSource(db, logger.NewNop())
	require.NoError(t, err)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS retention_policies`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, src.InitializeTable(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = NewSQLSource(nil, nil)
	assert.Error(t, err)
}
