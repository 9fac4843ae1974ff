// Package thirdparty propagates erasure requests to external processors and
// tracks each processor's progress.
package thirdparty

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/dbsmedya/goforget/internal/audit"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/metrics"
)

// ErrNoEligibleRequest is returned when the subject has no request in
// IN_PROGRESS or COMPLETED.
var ErrNoEligibleRequest = errors.New("no in-progress or completed erasure request for subject")

var next = map[compliance.NotificationStatus]compliance.NotificationStatus{
	compliance.NotificationPending:      compliance.NotificationSent,
	compliance.NotificationSent:         compliance.NotificationAcknowledged,
	compliance.NotificationAcknowledged: compliance.NotificationCompleted,
}

// CanMove reports whether a notification may go from one status to another:
// one step forward, or to FAILED from any non-terminal status.
func CanMove(from, to compliance.NotificationStatus) bool {
	if from.Terminal() {
		return false
	}
	return to == compliance.NotificationFailed || next[from] == to
}

// Summary describes one coordination run.
type Summary struct {
	RequestID      string                    `json:"request_id"`
	Created        int                       `json:"created"`
	Existing       int                       `json:"existing"`
	Dispatched     int                       `json:"dispatched"`
	DispatchErrors int                       `json:"dispatch_errors"`
	Notifications  []compliance.Notification `json:"notifications"`
}

// Coordinator creates and advances processor notifications.
type Coordinator struct {
	repo       compliance.Store
	audit      *audit.Writer
	notifier   Notifier
	processors []string
	clock      clock.Clock
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

// NewCoordinator creates a coordinator for the configured processors. m may be nil.
func NewCoordinator(repo compliance.Store, aw *audit.Writer, notifier Notifier, processors []string,
	clk clock.Clock, log *logger.Logger, m *metrics.Metrics) (*Coordinator, error) {
	if repo == nil {
		return nil, fmt.Errorf("compliance store is nil")
	}
	if aw == nil {
		return nil, fmt.Errorf("audit writer is nil")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	return &Coordinator{
		repo:       repo,
		audit:      aw,
		notifier:   notifier,
		processors: append([]string(nil), processors...),
		clock:      clk,
		logger:     log,
		metrics:    m,
	}, nil
}

// Coordinate makes sure every processor has a notification for the
// subject's latest in-progress or completed request and dispatches those
// still pending. Calling it again creates no duplicates; a failed dispatch
// leaves the notification PENDING for the next run.
func (c *Coordinator) Coordinate(ctx context.Context, subject string) (*Summary, error) {
	req, err := c.repo.LatestRequest(ctx, subject, compliance.StatusInProgress, compliance.StatusCompleted)
	if errors.Is(err, compliance.ErrNotFound) {
		return nil, ErrNoEligibleRequest
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	log := c.logger.WithRequest(req.ID)
	sum := &Summary{RequestID: req.ID}

	for _, p := range c.processors {
		n := &compliance.Notification{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			Processor: p,
			Status:    compliance.NotificationPending,
			CreatedAt: c.clock.Now().UTC(),
		}
		var created bool
		err := c.repo.InTx(ctx, func(ctx context.Context) error {
			var err error
			if created, err = c.repo.UpsertNotification(ctx, n); err != nil || !created {
				return err
			}
			_, err = c.audit.Record(ctx, audit.Event{
				Type:        compliance.EventNotificationCreated,
				Subject:     req.Subject,
				RequestID:   req.ID,
				Description: fmt.Sprintf("notification created for %s", p),
				Payload:     map[string]interface{}{"processor": p, "notification_id": n.ID},
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record notification for %s: %w", p, err)
		}
		if created {
			sum.Created++
			c.metrics.IncNotification(string(compliance.NotificationPending))
		} else {
			sum.Existing++
		}

		if n.Status != compliance.NotificationPending {
			continue
		}
		msg := Message{
			NotificationID: n.ID,
			RequestID:      req.ID,
			Processor:      p,
			Subject:        req.Subject,
			Ground:         string(req.Ground),
			RequestedAt:    req.RequestedAt,
		}
		if err := c.notifier.Notify(ctx, msg); err != nil {
			log.Warnf("Dispatch to %s failed, will retry on next coordination: %v", p, err)
			sum.DispatchErrors++
			continue
		}
		if _, err := c.move(ctx, req, n, compliance.NotificationSent, ""); err != nil {
			return nil, err
		}
		sum.Dispatched++
	}

	if sum.Notifications, err = c.repo.Notifications(ctx, req.ID); err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	log.Infow("Third-party coordination finished", "created", sum.Created, "existing", sum.Existing,
		"dispatched", sum.Dispatched, "dispatch_errors", sum.DispatchErrors)
	return sum, nil
}

// UpdateStatus records a processor's progress on a request.
func (c *Coordinator) UpdateStatus(ctx context.Context, requestID, processor string,
	status compliance.NotificationStatus, detail string) (*compliance.Notification, error) {
	req, err := c.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	list, err := c.repo.Notifications(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	for i := range list {
		if list[i].Processor == processor {
			return c.move(ctx, req, &list[i], status, detail)
		}
	}
	return nil, fmt.Errorf("notification for %s on request %s: %w", processor, requestID, compliance.ErrNotFound)
}

func (c *Coordinator) move(ctx context.Context, req *compliance.ErasureRequest, n *compliance.Notification,
	to compliance.NotificationStatus, detail string) (*compliance.Notification, error) {
	from := n.Status
	if !CanMove(from, to) {
		return nil, fmt.Errorf("%w: notification for %s cannot go from %s to %s",
			compliance.ErrInvalidTransition, n.Processor, from, to)
	}

	updated := *n
	updated.Status = to
	now := c.clock.Now().UTC()
	switch to {
	case compliance.NotificationSent:
		updated.SentAt = &now
	case compliance.NotificationAcknowledged:
		updated.AcknowledgedAt = &now
	case compliance.NotificationCompleted:
		updated.CompletedAt = &now
	}
	if detail != "" {
		updated.Detail = detail
	}

	err := c.repo.InTx(ctx, func(ctx context.Context) error {
		if err := c.repo.UpdateNotification(ctx, &updated, from); err != nil {
			return err
		}
		_, err := c.audit.Record(ctx, audit.Event{
			Type:        compliance.EventNotificationUpdated,
			Subject:     req.Subject,
			RequestID:   req.ID,
			Description: fmt.Sprintf("notification for %s moved from %s to %s", n.Processor, from, to),
			Payload:     map[string]interface{}{"processor": n.Processor, "from": string(from), "to": string(to)},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update notification for %s: %w", n.Processor, err)
	}
	c.metrics.IncNotification(string(to))
	*n = updated
	return &updated, nil
}
