package erasure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/retention"
)

// DefaultListLimit is the number of requests List returns when no limit is given.
const DefaultListLimit = 10

// SubjectStatus is the compliance position of one subject.
type SubjectStatus struct {
	Subject            string             `json:"subject"`
	HasActiveRequest   bool               `json:"has_active_request"`
	ActiveRequestID    string             `json:"active_request_id,omitempty"`
	DeletionCompleted  bool               `json:"deletion_completed"`
	LastRequestDate    *time.Time         `json:"last_request_date,omitempty"`
	DataRetentionUntil *time.Time         `json:"data_retention_until,omitempty"`
	Holds              []retention.Policy `json:"holds,omitempty"`
}

// Status reports whether the subject has an active or completed request and
// which retention policies currently apply.
func (m *Manager) Status(ctx context.Context, subject string) (*SubjectStatus, error) {
	subject = NormalizeSubject(subject)
	st := &SubjectStatus{Subject: subject}

	latest, err := m.repo.LatestRequest(ctx, subject)
	if err != nil && !errors.Is(err, compliance.ErrNotFound) {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}
	if latest != nil {
		at := latest.RequestedAt
		st.LastRequestDate = &at
	}

	active, err := m.repo.LatestRequest(ctx, subject, compliance.StatusSubmitted, compliance.StatusValidated, compliance.StatusInProgress)
	if err != nil && !errors.Is(err, compliance.ErrNotFound) {
		return nil, fmt.Errorf("failed to load active request: %w", err)
	}
	if active != nil {
		st.HasActiveRequest = true
		st.ActiveRequestID = active.ID
	}

	_, err = m.repo.LatestRequest(ctx, subject, compliance.StatusCompleted)
	switch {
	case err == nil:
		st.DeletionCompleted = true
	case !errors.Is(err, compliance.ErrNotFound):
		return nil, fmt.Errorf("failed to load completed request: %w", err)
	}

	batches, err := m.repo.SubjectBatches(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load discovery batches: %w", err)
	}
	var categories []string
	if len(batches) > 0 {
		categories = Categories(&batches[len(batches)-1])
	}

	decision, err := m.holds.Check(ctx, subject, categories)
	if err != nil {
		return nil, err
	}
	st.Holds = decision.Holds
	if st.DataRetentionUntil, err = m.holds.RetentionUntil(ctx, subject, categories); err != nil {
		return nil, err
	}
	return st, nil
}

// Listing is a request with its age.
type Listing struct {
	compliance.ErasureRequest
	DaysSinceRequest int `json:"days_since_request"`
}

// List returns the most recent requests, newest first.
func (m *Manager) List(ctx context.Context, f compliance.ListFilter) ([]Listing, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Subject != "" {
		f.Subject = SubmitInput{Subject: f.Subject}.normalize().Subject
	}
	reqs, err := m.repo.ListRequests(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	now := m.clock.Now()
	out := make([]Listing, len(reqs))
	for i, r := range reqs {
		out[i] = Listing{ErasureRequest: r, DaysSinceRequest: int(now.Sub(r.RequestedAt).Hours() / 24)}
	}
	return out, nil
}
