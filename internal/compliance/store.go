package compliance

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a subject already has an active request.
	ErrConflict = errors.New("active erasure request already exists for subject")
	// ErrInvalidTransition is returned when a record is not in the expected state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the compliance record repository. Writes made inside InTx commit
// or roll back together.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// CreateRequest inserts a request. It returns ErrConflict when the
	// subject already has an active request.
	CreateRequest(ctx context.Context, r *ErasureRequest) error
	GetRequest(ctx context.Context, id string) (*ErasureRequest, error)
	// LatestRequest returns the newest request of the subject whose status
	// is one of statuses (any status when none are given).
	LatestRequest(ctx context.Context, subject string, statuses ...RequestStatus) (*ErasureRequest, error)
	// ListRequests returns requests newest first.
	ListRequests(ctx context.Context, f ListFilter) ([]ErasureRequest, error)
	// TransitionRequest moves a request from status from to u.Status. It
	// returns ErrInvalidTransition when the stored status is not from or
	// the step is not a legal lifecycle move.
	TransitionRequest(ctx context.Context, id string, from RequestStatus, u RequestUpdate) error

	SaveBatch(ctx context.Context, b *DiscoveryBatch) error
	// LatestBatch returns the newest batch attached to the request.
	LatestBatch(ctx context.Context, requestID string) (*DiscoveryBatch, error)
	// SubjectBatches returns every batch of the subject, oldest first.
	SubjectBatches(ctx context.Context, subject string) ([]DiscoveryBatch, error)

	CreateOperation(ctx context.Context, op *Operation) error
	// FinishOperation sets the terminal status of a PENDING operation.
	FinishOperation(ctx context.Context, id string, status OperationStatus, affected int64, detail string, at time.Time) error
	Operations(ctx context.Context, requestID string) ([]Operation, error)

	// AppendAudit inserts an audit event. No update or delete path exists.
	AppendAudit(ctx context.Context, e *AuditEvent) error
	AuditTrail(ctx context.Context, f AuditFilter) ([]AuditEvent, error)

	// UpsertNotification inserts n unless a notification for the same
	// (request, processor) exists; created reports which happened and n is
	// refreshed from the stored row.
	UpsertNotification(ctx context.Context, n *Notification) (created bool, err error)
	// UpdateNotification writes n when the stored status still equals from.
	UpdateNotification(ctx context.Context, n *Notification, from NotificationStatus) error
	Notifications(ctx context.Context, requestID string) ([]Notification, error)
}
