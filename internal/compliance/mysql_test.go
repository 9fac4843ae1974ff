package compliance

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/types"
)

func newMockMySQLStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewMySQLStore(db, logger.NewNop())
	require.NoError(t, err)
	return s, mock
}

var requestColumnNames = []string{
	"id", "subject", "erasure_ground", "source", "status", "requested_at", "estimated_completion",
	"validated_at", "started_at", "completed_at", "rejection_reason", "deletion_summary", "verification_hash",
}

func TestNewMySQLStore_NilDB(t *testing.T) {
	_, err := NewMySQLStore(nil, nil)
	assert.Error(t, err)
}

func TestMySQLStore_InitializeTables(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	for range schemaSteps {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.InitializeTables(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_InitializeTablesFailure(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS erasure_requests`).WillReturnError(errors.New("access denied"))

	err := s.InitializeTables(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestMySQLStore_CreateRequest(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	r := newRequest("r1", "anna@example.com")

	mock.ExpectExec(`INSERT INTO erasure_requests`).
		WithArgs("r1", "anna@example.com", "anna@example.com", "WITHDRAWN_CONSENT", "", "SUBMITTED", r.RequestedAt, r.EstimatedCompletion).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateRequest(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_CreateRequestConflict(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectExec(`INSERT INTO erasure_requests`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'anna@example.com' for key 'erasure_requests.uk_active_subject'"})

	err := s.CreateRequest(context.Background(), newRequest("r2", "anna@example.com"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMySQLStore_CreateRequestPrimaryKeyCollision(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectExec(`INSERT INTO erasure_requests`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'r1' for key 'PRIMARY'"})

	err := s.CreateRequest(context.Background(), newRequest("r1", "anna@example.com"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestMySQLStore_GetRequest(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	completed := t0.Add(2 * time.Hour)

	mock.ExpectQuery(`FROM erasure_requests WHERE id = \?`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(requestColumnNames).AddRow(
			"r1", "anna@example.com", "WITHDRAWN_CONSENT", "cli", "COMPLETED", t0, t0.AddDate(0, 0, 30),
			t0, t0.Add(time.Hour), completed, nil,
			`[{"location":"crm.customers.email","operation":"DELETE","status":"SUCCESS","records_affected":1}]`,
			"abc123",
		))

	r, err := s.GetRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "cli", r.Source)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, completed, *r.CompletedAt)
	require.Len(t, r.DeletionSummary, 1)
	assert.Equal(t, types.DispositionDelete, r.DeletionSummary[0].Operation)
	assert.EqualValues(t, 1, r.DeletionSummary[0].RecordsAffected)
	assert.Equal(t, "abc123", r.VerificationHash)
}

func TestMySQLStore_GetRequestNotFound(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectQuery(`FROM erasure_requests WHERE id = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(requestColumnNames))

	_, err := s.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMySQLStore_LatestRequestFiltersStatuses(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectQuery(`WHERE subject = \? AND status IN \(\?, \?\) ORDER BY requested_at DESC LIMIT 1`).
		WithArgs("anna@example.com", "IN_PROGRESS", "COMPLETED").
		WillReturnRows(sqlmock.NewRows(requestColumnNames).AddRow(
			"r1", "anna@example.com", "OBJECTION", "", "IN_PROGRESS", t0, t0.AddDate(0, 0, 30),
			t0, t0, nil, nil, nil, nil,
		))

	r, err := s.LatestRequest(context.Background(), "anna@example.com", StatusInProgress, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, GroundObjection, r.Ground)
	assert.Nil(t, r.CompletedAt)
	assert.Nil(t, r.DeletionSummary)
}

func TestMySQLStore_ListRequests(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectQuery(`WHERE 1 = 1 AND requested_at >= \? ORDER BY requested_at DESC LIMIT 10`).
		WithArgs(t0).
		WillReturnRows(sqlmock.NewRows(requestColumnNames).
			AddRow("r2", "b@example.com", "OBJECTION", "", "SUBMITTED", t0.Add(time.Hour), t0, nil, nil, nil, nil, nil, nil).
			AddRow("r1", "a@example.com", "OBJECTION", "", "REJECTED", t0, t0, nil, nil, t0, "hold", nil, nil))

	list, err := s.ListRequests(context.Background(), ListFilter{Since: t0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "hold", list[1].RejectionReason)
}

func TestMySQLStore_TransitionRequest(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	completed := t0.Add(time.Hour)
	summary := []SummaryEntry{}

	mock.ExpectExec(`UPDATE erasure_requests SET`).
		WithArgs("COMPLETED", false, nil, nil, completed, nil, "[]", "hash", "r1", "IN_PROGRESS").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.TransitionRequest(context.Background(), "r1", StatusInProgress, RequestUpdate{
		Status: StatusCompleted, CompletedAt: &completed, DeletionSummary: summary, VerificationHash: "hash",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_TransitionRequestLostRace(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectExec(`UPDATE erasure_requests SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM erasure_requests WHERE id = \?`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(requestColumnNames).AddRow(
			"r1", "anna@example.com", "OBJECTION", "", "REJECTED", t0, t0, nil, nil, t0, "hold", nil, nil,
		))

	err := s.TransitionRequest(context.Background(), "r1", StatusValidated, RequestUpdate{Status: StatusInProgress})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_TransitionRequestIllegalStep(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	err := s.TransitionRequest(context.Background(), "r1", StatusCompleted, RequestUpdate{Status: StatusRejected})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet(), "no statement is issued for an illegal step")
}

func TestMySQLStore_InTxCommitsAndRollsBack(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(ctx, func(ctx context.Context) error {
		return s.AppendAudit(ctx, &AuditEvent{ID: "e1", Type: EventRequestSubmitted, Subject: "anna@example.com", Timestamp: t0, SelfHash: "h"})
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = s.InTx(ctx, func(ctx context.Context) error {
		return s.InTx(ctx, func(context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_SaveAndLoadBatch(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	ctx := context.Background()
	loc := types.Location{Store: "crm", Container: "orders", Column: "customer_email"}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO discovery_batches`).
		WithArgs("b1", "anna@example.com", "r1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO discovery_results`).
		WithArgs("b1", "crm", "orders", "customer_email", "EMAIL_ADDRESS", "HIGH", int64(2), "profile", false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveBatch(ctx, &DiscoveryBatch{
		ID: "b1", Subject: "anna@example.com", RequestID: "r1", DiscoveredAt: t0,
		Results: []DiscoveryResult{{Location: loc, PIIType: types.PIIEmailAddress, Tier: types.TierHigh, RecordsFound: 2, Category: "profile"}},
	}))

	mock.ExpectQuery(`FROM discovery_batches WHERE request_id = \?`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject", "request_id", "discovered_at"}).
			AddRow("b1", "anna@example.com", "r1", t0))
	mock.ExpectQuery(`FROM discovery_results WHERE batch_id = \?`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"store_name", "container_name", "column_name", "pii_type",
			"sensitivity_tier", "records_found", "category", "pseudonymize"}).
			AddRow("crm", "orders", "customer_email", "EMAIL_ADDRESS", "HIGH", 2, "profile", false))

	b, err := s.LatestBatch(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, b.Results, 1)
	assert.Equal(t, loc, b.Results[0].Location)
	assert.Equal(t, types.TierHigh, b.Results[0].Tier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_FinishOperationTerminal(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	at := t0.Add(time.Second)

	mock.ExpectExec(`UPDATE erasure_operations`).
		WithArgs("FAILED", int64(0), "table missing", at, "o1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.FinishOperation(context.Background(), "o1", OperationFailed, 0, "table missing", at)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMySQLStore_AuditTrail(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectQuery(`FROM audit_events WHERE 1 = 1 AND request_id = \? ORDER BY event_timestamp, seq`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "subject", "request_id", "operation_id",
			"event_timestamp", "description", "payload", "self_hash"}).
			AddRow("e1", "REQUEST_SUBMITTED", "anna@example.com", "r1", nil, t0, "submitted", `{"ground":"OBJECTION"}`, "h1").
			AddRow("e2", "OPERATION_FAILED", "anna@example.com", "r1", "o1", t0, "failed", nil, "h2"))

	events, err := s.AuditTrail(context.Background(), AuditFilter{RequestID: "r1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "OBJECTION", events[0].Payload["ground"])
	assert.Equal(t, "o1", events[1].OperationID)
	assert.Nil(t, events[1].Payload)
}

func TestMySQLStore_UpsertNotification(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	cols := []string{"id", "request_id", "processor_name", "status", "created_at", "sent_at", "acknowledged_at", "completed_at", "detail"}

	mock.ExpectExec(`INSERT INTO third_party_notifications`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM third_party_notifications WHERE request_id = \? AND processor_name = \?`).
		WithArgs("r1", "payment_gateway").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("n1", "r1", "payment_gateway", "SENT", t0, t0, nil, nil, nil))

	n := &Notification{ID: "n9", RequestID: "r1", Processor: "payment_gateway", Status: NotificationPending, CreatedAt: t0}
	created, err := s.UpsertNotification(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, NotificationSent, n.Status)
	require.NotNil(t, n.SentAt)
}

func TestIsDuplicate(t *testing.T) {
	assert.False(t, isDuplicate(sql.ErrNoRows, "uk_active_subject"))
	assert.True(t, isDuplicate(&mysql.MySQLError{Number: 1062, Message: "for key 'uk_active_subject'"}, "uk_active_subject"))
}
