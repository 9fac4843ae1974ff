package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/types"
)

const errDuplicateEntry = 1062

type txKey struct{}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// MySQLStore implements Store on the compliance MySQL database.
type MySQLStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewMySQLStore creates a store over an open connection pool.
func NewMySQLStore(db *sql.DB, log *logger.Logger) (*MySQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &MySQLStore{db: db, logger: log}, nil
}

// InitializeTables creates the compliance tables and the audit
// immutability triggers if they do not exist. Safe to call on every startup.
func (s *MySQLStore) InitializeTables(ctx context.Context) error {
	s.logger.Debug("Initializing compliance tables")
	for _, step := range schemaSteps {
		if _, err := s.db.ExecContext(ctx, step.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", step.name, err)
		}
	}
	s.logger.Info("Compliance tables initialized")
	return nil
}

func (s *MySQLStore) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *MySQLStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warnf("Rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func isDuplicate(err error, key string) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDuplicateEntry && strings.Contains(me.Message, key)
}

const insertRequestSQL = `INSERT INTO erasure_requests
	(id, subject, active_subject, erasure_ground, source, status, requested_at, estimated_completion)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (s *MySQLStore) CreateRequest(ctx context.Context, r *ErasureRequest) error {
	var active interface{}
	if r.Status.Active() {
		active = r.Subject
	}
	_, err := s.conn(ctx).ExecContext(ctx, insertRequestSQL,
		r.ID, r.Subject, active, string(r.Ground), r.Source, string(r.Status),
		r.RequestedAt.UTC(), r.EstimatedCompletion.UTC(),
	)
	if err != nil {
		if isDuplicate(err, "uk_active_subject") {
			return ErrConflict
		}
		return fmt.Errorf("insert erasure request: %w", err)
	}
	return nil
}

const requestColumns = `id, subject, erasure_ground, source, status, requested_at, estimated_completion,
	validated_at, started_at, completed_at, rejection_reason, deletion_summary, verification_hash`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*ErasureRequest, error) {
	var (
		r                             ErasureRequest
		ground, status                string
		validated, started, completed sql.NullTime
		reason, summary, hash         sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Subject, &ground, &r.Source, &status, &r.RequestedAt, &r.EstimatedCompletion,
		&validated, &started, &completed, &reason, &summary, &hash); err != nil {
		return nil, err
	}
	r.Ground = Ground(ground)
	r.Status = RequestStatus(status)
	r.RequestedAt = r.RequestedAt.UTC()
	r.EstimatedCompletion = r.EstimatedCompletion.UTC()
	r.ValidatedAt = timePtr(validated)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.RejectionReason = reason.String
	r.VerificationHash = hash.String
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &r.DeletionSummary); err != nil {
			return nil, fmt.Errorf("decode deletion summary: %w", err)
		}
	}
	return &r, nil
}

func (s *MySQLStore) GetRequest(ctx context.Context, id string) (*ErasureRequest, error) {
	row := s.conn(ctx).QueryRowContext(ctx, "SELECT "+requestColumns+" FROM erasure_requests WHERE id = ?", id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query erasure request: %w", err)
	}
	return r, nil
}

func (s *MySQLStore) LatestRequest(ctx context.Context, subject string, statuses ...RequestStatus) (*ErasureRequest, error) {
	query := "SELECT " + requestColumns + " FROM erasure_requests WHERE subject = ?"
	args := []interface{}{subject}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY requested_at DESC LIMIT 1"

	r, err := scanRequest(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request for subject: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query latest request: %w", err)
	}
	return r, nil
}

func (s *MySQLStore) ListRequests(ctx context.Context, f ListFilter) ([]ErasureRequest, error) {
	query := "SELECT " + requestColumns + " FROM erasure_requests WHERE 1 = 1"
	var args []interface{}
	if f.Subject != "" {
		query += " AND subject = ?"
		args = append(args, f.Subject)
	}
	if !f.Since.IsZero() {
		query += " AND requested_at >= ?"
		args = append(args, f.Since.UTC())
	}
	query += " ORDER BY requested_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query erasure requests: %w", err)
	}
	defer rows.Close()

	var out []ErasureRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan erasure request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const transitionSQL = `UPDATE erasure_requests SET
	status = ?,
	active_subject = CASE WHEN ? THEN active_subject ELSE NULL END,
	validated_at = COALESCE(?, validated_at),
	started_at = COALESCE(?, started_at),
	completed_at = COALESCE(?, completed_at),
	rejection_reason = COALESCE(?, rejection_reason),
	deletion_summary = COALESCE(?, deletion_summary),
	verification_hash = COALESCE(?, verification_hash)
	WHERE id = ? AND status = ?`

func (s *MySQLStore) TransitionRequest(ctx context.Context, id string, from RequestStatus, u RequestUpdate) error {
	if !CanTransition(from, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, u.Status)
	}

	var summary interface{}
	if u.DeletionSummary != nil {
		b, err := json.Marshal(u.DeletionSummary)
		if err != nil {
			return fmt.Errorf("encode deletion summary: %w", err)
		}
		summary = string(b)
	}

	res, err := s.conn(ctx).ExecContext(ctx, transitionSQL,
		string(u.Status), u.Status.Active(),
		nullTime(u.ValidatedAt), nullTime(u.StartedAt), nullTime(u.CompletedAt),
		nullString(u.RejectionReason), summary, nullString(u.VerificationHash),
		id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update erasure request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: request %s is %s, cannot move %s -> %s", ErrInvalidTransition, id, current.Status, from, u.Status)
	}
	return nil
}

func (s *MySQLStore) SaveBatch(ctx context.Context, b *DiscoveryBatch) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		c := s.conn(ctx)
		if _, err := c.ExecContext(ctx,
			"INSERT INTO discovery_batches (id, subject, request_id, discovered_at) VALUES (?, ?, ?, ?)",
			b.ID, b.Subject, nullString(b.RequestID), b.DiscoveredAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert discovery batch: %w", err)
		}
		for _, r := range b.Results {
			if _, err := c.ExecContext(ctx, `INSERT INTO discovery_results
				(batch_id, store_name, container_name, column_name, pii_type, sensitivity_tier, records_found, category, pseudonymize)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				b.ID, r.Location.Store, r.Location.Container, r.Location.Column,
				string(r.PIIType), r.Tier.String(), r.RecordsFound, r.Category, r.Pseudonymize,
			); err != nil {
				return fmt.Errorf("insert discovery result: %w", err)
			}
		}
		return nil
	})
}

const batchColumns = "id, subject, request_id, discovered_at"

func scanBatch(row rowScanner) (*DiscoveryBatch, error) {
	var (
		b         DiscoveryBatch
		requestID sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Subject, &requestID, &b.DiscoveredAt); err != nil {
		return nil, err
	}
	b.RequestID = requestID.String
	b.DiscoveredAt = b.DiscoveredAt.UTC()
	return &b, nil
}

func (s *MySQLStore) loadResults(ctx context.Context, b *DiscoveryBatch) error {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT store_name, container_name, column_name, pii_type,
		sensitivity_tier, records_found, category, pseudonymize
		FROM discovery_results WHERE batch_id = ? ORDER BY id`, b.ID)
	if err != nil {
		return fmt.Errorf("query discovery results: %w", err)
	}
	defer rows.Close()

	b.Results = []DiscoveryResult{}
	for rows.Next() {
		var (
			r         DiscoveryResult
			pii, tier string
		)
		if err := rows.Scan(&r.Location.Store, &r.Location.Container, &r.Location.Column, &pii,
			&tier, &r.RecordsFound, &r.Category, &r.Pseudonymize); err != nil {
			return fmt.Errorf("scan discovery result: %w", err)
		}
		r.PIIType = types.PIIType(pii)
		if r.Tier, err = types.ParseTier(tier); err != nil {
			return err
		}
		b.Results = append(b.Results, r)
	}
	return rows.Err()
}

func (s *MySQLStore) LatestBatch(ctx context.Context, requestID string) (*DiscoveryBatch, error) {
	row := s.conn(ctx).QueryRowContext(ctx, "SELECT "+batchColumns+
		" FROM discovery_batches WHERE request_id = ? ORDER BY discovered_at DESC LIMIT 1", requestID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("discovery batch for request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query discovery batch: %w", err)
	}
	if err := s.loadResults(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *MySQLStore) SubjectBatches(ctx context.Context, subject string) ([]DiscoveryBatch, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, "SELECT "+batchColumns+
		" FROM discovery_batches WHERE subject = ? ORDER BY discovered_at", subject)
	if err != nil {
		return nil, fmt.Errorf("query discovery batches: %w", err)
	}
	var batches []DiscoveryBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan discovery batch: %w", err)
		}
		batches = append(batches, *b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range batches {
		if err := s.loadResults(ctx, &batches[i]); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func (s *MySQLStore) CreateOperation(ctx context.Context, op *Operation) error {
	_, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO erasure_operations
		(id, request_id, store_name, container_name, column_names, operation_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.RequestID, op.Location.Store, op.Location.Container, op.Location.Column,
		string(op.Type), string(op.Status), op.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert erasure operation: %w", err)
	}
	return nil
}

func (s *MySQLStore) FinishOperation(ctx context.Context, id string, status OperationStatus, affected int64, detail string, at time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE erasure_operations
		SET status = ?, records_affected = ?, error_detail = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(status), affected, nullString(detail), at.UTC(), id, string(OperationPending),
	)
	if err != nil {
		return fmt.Errorf("update erasure operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: operation %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

func (s *MySQLStore) Operations(ctx context.Context, requestID string) ([]Operation, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id, request_id, store_name, container_name, column_names,
		operation_type, status, records_affected, error_detail, created_at, finished_at
		FROM erasure_operations WHERE request_id = ? ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query erasure operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var (
			op          Operation
			typ, status string
			detail      sql.NullString
			finished    sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.RequestID, &op.Location.Store, &op.Location.Container, &op.Location.Column,
			&typ, &status, &op.RecordsAffected, &detail, &op.CreatedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan erasure operation: %w", err)
		}
		op.Type = types.Disposition(typ)
		op.Status = OperationStatus(status)
		op.ErrorDetail = detail.String
		op.CreatedAt = op.CreatedAt.UTC()
		op.FinishedAt = timePtr(finished)
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *MySQLStore) AppendAudit(ctx context.Context, e *AuditEvent) error {
	var payload interface{}
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		payload = string(b)
	}
	_, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO audit_events
		(id, event_type, subject, request_id, operation_id, event_timestamp, description, payload, self_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Subject, nullString(e.RequestID), nullString(e.OperationID),
		e.Timestamp.UTC(), e.Description, payload, e.SelfHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *MySQLStore) AuditTrail(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, event_type, subject, request_id, operation_id, event_timestamp, description, payload, self_hash
		FROM audit_events WHERE 1 = 1`
	var args []interface{}
	if f.Subject != "" {
		query += " AND subject = ?"
		args = append(args, f.Subject)
	}
	if f.RequestID != "" {
		query += " AND request_id = ?"
		args = append(args, f.RequestID)
	}
	query += " ORDER BY event_timestamp, seq"

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			e                     AuditEvent
			typ                   string
			requestID, opID, body sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &e.Subject, &requestID, &opID, &e.Timestamp, &e.Description, &body, &e.SelfHash); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = EventType(typ)
		e.RequestID = requestID.String
		e.OperationID = opID.String
		e.Timestamp = e.Timestamp.UTC()
		if body.Valid && body.String != "" {
			if err := json.Unmarshal([]byte(body.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const notificationColumns = `id, request_id, processor_name, status, created_at, sent_at, acknowledged_at, completed_at, detail`

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n                      Notification
		status                 string
		sent, acked, completed sql.NullTime
		detail                 sql.NullString
	)
	if err := row.Scan(&n.ID, &n.RequestID, &n.Processor, &status, &n.CreatedAt, &sent, &acked, &completed, &detail); err != nil {
		return nil, err
	}
	n.Status = NotificationStatus(status)
	n.CreatedAt = n.CreatedAt.UTC()
	n.SentAt = timePtr(sent)
	n.AcknowledgedAt = timePtr(acked)
	n.CompletedAt = timePtr(completed)
	n.Detail = detail.String
	return &n, nil
}

func (s *MySQLStore) UpsertNotification(ctx context.Context, n *Notification) (bool, error) {
	c := s.conn(ctx)
	res, err := c.ExecContext(ctx, `INSERT INTO third_party_notifications
		(id, request_id, processor_name, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
		n.ID, n.RequestID, n.Processor, string(n.Status), n.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	stored, err := scanNotification(c.QueryRowContext(ctx, "SELECT "+notificationColumns+
		" FROM third_party_notifications WHERE request_id = ? AND processor_name = ?", n.RequestID, n.Processor))
	if err != nil {
		return false, fmt.Errorf("reload notification: %w", err)
	}
	*n = *stored
	return affected == 1, nil
}

func (s *MySQLStore) UpdateNotification(ctx context.Context, n *Notification, from NotificationStatus) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE third_party_notifications
		SET status = ?, sent_at = ?, acknowledged_at = ?, completed_at = ?, detail = ?
		WHERE id = ? AND status = ?`,
		string(n.Status), nullTime(n.SentAt), nullTime(n.AcknowledgedAt), nullTime(n.CompletedAt), nullString(n.Detail),
		n.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: notification %s is no longer %s", ErrInvalidTransition, n.ID, from)
	}
	return nil
}

func (s *MySQLStore) Notifications(ctx context.Context, requestID string) ([]Notification, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, "SELECT "+notificationColumns+
		" FROM third_party_notifications WHERE request_id = ? ORDER BY created_at, processor_name", requestID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}
