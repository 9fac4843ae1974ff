// Package compliance persists erasure requests, discovery snapshots,
// erasure operations, third-party notifications and the audit ledger.
package compliance

import (
	"fmt"
	"time"

	"github.com/dbsmedya/goforget/internal/types"
)

// RequestStatus is the lifecycle state of an erasure request.
type RequestStatus string

const (
	StatusSubmitted  RequestStatus = "SUBMITTED"
	StatusValidated  RequestStatus = "VALIDATED"
	StatusInProgress RequestStatus = "IN_PROGRESS"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusRejected   RequestStatus = "REJECTED"
)

// AllStatuses lists every request status in lifecycle order.
var AllStatuses = []RequestStatus{StatusSubmitted, StatusValidated, StatusInProgress, StatusCompleted, StatusRejected}

// Terminal reports whether no transition leaves the status.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// Active reports whether the status counts toward the one-active-request-per-subject rule.
func (s RequestStatus) Active() bool {
	return s == StatusSubmitted || s == StatusValidated || s == StatusInProgress
}

var transitions = map[RequestStatus][]RequestStatus{
	StatusSubmitted:  {StatusValidated, StatusRejected},
	StatusValidated:  {StatusInProgress, StatusRejected},
	StatusInProgress: {StatusCompleted, StatusRejected},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ground is the legal basis of an erasure request (GDPR Art. 17(1)).
type Ground string

const (
	GroundWithdrawnConsent   Ground = "WITHDRAWN_CONSENT"
	GroundNoLongerNecessary  Ground = "NO_LONGER_NECESSARY"
	GroundUnlawfulProcessing Ground = "UNLAWFUL_PROCESSING"
	GroundObjection          Ground = "OBJECTION"
	GroundLegalCompliance    Ground = "LEGAL_COMPLIANCE"
	GroundChildConsent       Ground = "CHILD_CONSENT"
)

// Grounds is the closed set of accepted erasure grounds.
var Grounds = []Ground{
	GroundWithdrawnConsent,
	GroundNoLongerNecessary,
	GroundUnlawfulProcessing,
	GroundObjection,
	GroundLegalCompliance,
	GroundChildConsent,
}

// ErasureRequest is one data subject's erasure request.
type ErasureRequest struct {
	ID                  string         `json:"id"`
	Subject             string         `json:"subject"`
	Ground              Ground         `json:"erasure_ground"`
	Source              string         `json:"source,omitempty"`
	Status              RequestStatus  `json:"status"`
	RequestedAt         time.Time      `json:"requested_at"`
	EstimatedCompletion time.Time      `json:"estimated_completion"`
	ValidatedAt         *time.Time     `json:"validated_at,omitempty"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	RejectionReason     string         `json:"rejection_reason,omitempty"`
	DeletionSummary     []SummaryEntry `json:"deletion_summary,omitempty"`
	VerificationHash    string         `json:"verification_hash,omitempty"`
}

// Clone returns a deep copy.
func (r *ErasureRequest) Clone() *ErasureRequest {
	c := *r
	c.ValidatedAt = cloneTime(r.ValidatedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.DeletionSummary != nil {
		c.DeletionSummary = append([]SummaryEntry(nil), r.DeletionSummary...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RequestUpdate carries the fields written by a status transition. Nil
// pointers leave the stored value unchanged.
type RequestUpdate struct {
	Status           RequestStatus
	ValidatedAt      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	RejectionReason  string
	DeletionSummary  []SummaryEntry
	VerificationHash string
}

// apply writes the update onto r.
func (u RequestUpdate) apply(r *ErasureRequest) {
	r.Status = u.Status
	if u.ValidatedAt != nil {
		r.ValidatedAt = cloneTime(u.ValidatedAt)
	}
	if u.StartedAt != nil {
		r.StartedAt = cloneTime(u.StartedAt)
	}
	if u.CompletedAt != nil {
		r.CompletedAt = cloneTime(u.CompletedAt)
	}
	if u.RejectionReason != "" {
		r.RejectionReason = u.RejectionReason
	}
	if u.DeletionSummary != nil {
		r.DeletionSummary = append([]SummaryEntry(nil), u.DeletionSummary...)
	}
	if u.VerificationHash != "" {
		r.VerificationHash = u.VerificationHash
	}
}

// SummaryEntry is the outcome of one location in a deletion summary.
type SummaryEntry struct {
	Location        string            `json:"location"`
	Operation       types.Disposition `json:"operation"`
	Status          OperationStatus   `json:"status"`
	RecordsAffected int64             `json:"records_affected"`
	Error           string            `json:"error,omitempty"`
}

// ListFilter narrows request listings. Zero values do not filter.
type ListFilter struct {
	Subject string
	Since   time.Time
	Limit   int
}

// DiscoveryBatch is one discovery run for a subject.
type DiscoveryBatch struct {
	ID           string            `json:"batch_id"`
	Subject      string            `json:"subject"`
	RequestID    string            `json:"request_id,omitempty"`
	DiscoveredAt time.Time         `json:"discovered_at"`
	Results      []DiscoveryResult `json:"results"`
}

// DiscoveryResult is one location holding subject data at discovery time.
type DiscoveryResult struct {
	Location     types.Location        `json:"location"`
	PIIType      types.PIIType         `json:"pii_type"`
	Tier         types.SensitivityTier `json:"sensitivity_tier"`
	RecordsFound int64                 `json:"records_found"`
	Category     string                `json:"category,omitempty"`
	Pseudonymize bool                  `json:"pseudonymize"`
}

// OperationStatus is the state of one erasure operation.
type OperationStatus string

const (
	OperationPending OperationStatus = "PENDING"
	OperationSuccess OperationStatus = "SUCCESS"
	OperationFailed  OperationStatus = "FAILED"
)

// Terminal reports whether the operation is finished.
func (s OperationStatus) Terminal() bool {
	return s == OperationSuccess || s == OperationFailed
}

// Operation is one delete or pseudonymize step of a request. Its location
// addresses a container; Column lists the affected columns comma-separated.
type Operation struct {
	ID              string            `json:"id"`
	RequestID       string            `json:"request_id"`
	Location        types.Location    `json:"location"`
	Type            types.Disposition `json:"operation_type"`
	Status          OperationStatus   `json:"status"`
	RecordsAffected int64             `json:"records_affected"`
	ErrorDetail     string            `json:"error_detail,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

// EventType classifies audit events.
type EventType string

const (
	EventRequestSubmitted    EventType = "REQUEST_SUBMITTED"
	EventRequestValidated    EventType = "REQUEST_VALIDATED"
	EventRequestInProgress   EventType = "REQUEST_IN_PROGRESS"
	EventRequestCompleted    EventType = "REQUEST_COMPLETED"
	EventRequestRejected     EventType = "REQUEST_REJECTED"
	EventDiscoveryCompleted  EventType = "DISCOVERY_COMPLETED"
	EventOperationSucceeded  EventType = "OPERATION_SUCCEEDED"
	EventOperationFailed     EventType = "OPERATION_FAILED"
	EventNotificationCreated EventType = "NOTIFICATION_CREATED"
	EventNotificationUpdated EventType = "NOTIFICATION_UPDATED"
)

// TransitionEvent returns the audit event type recorded when a request enters status.
func TransitionEvent(status RequestStatus) EventType {
	switch status {
	case StatusSubmitted:
		return EventRequestSubmitted
	case StatusValidated:
		return EventRequestValidated
	case StatusInProgress:
		return EventRequestInProgress
	case StatusCompleted:
		return EventRequestCompleted
	case StatusRejected:
		return EventRequestRejected
	}
	panic(fmt.Sprintf("no audit event for status %q", status))
}

// AuditEvent is an append-only ledger entry.
type AuditEvent struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"event_type"`
	Subject     string                 `json:"subject"`
	RequestID   string                 `json:"request_id,omitempty"`
	OperationID string                 `json:"operation_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Description string                 `json:"description"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	SelfHash    string                 `json:"self_hash"`
}

// AuditFilter selects audit events. At least one field should be set.
type AuditFilter struct {
	Subject   string
	RequestID string
}

// NotificationStatus is the state of a processor notification.
type NotificationStatus string

const (
	NotificationPending      NotificationStatus = "PENDING"
	NotificationSent         NotificationStatus = "SENT"
	NotificationAcknowledged NotificationStatus = "ACKNOWLEDGED"
	NotificationCompleted    NotificationStatus = "COMPLETED"
	NotificationFailed       NotificationStatus = "FAILED"
)

// Terminal reports whether the notification lifecycle has ended.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationCompleted || s == NotificationFailed
}

// Notification tracks erasure propagation to one external processor.
type Notification struct {
	ID             string             `json:"id"`
	RequestID      string             `json:"request_id"`
	Processor      string             `json:"processor"`
	Status         NotificationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time         `json:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Detail         string             `json:"detail,omitempty"`
}
