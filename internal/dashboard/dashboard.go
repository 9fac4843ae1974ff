// Package dashboard aggregates erasure requests into compliance figures.
// Figures are recomputed on every query.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/metrics"
)

// OverallStatus grades the SLA position.
type OverallStatus string

const (
	Compliant    OverallStatus = "COMPLIANT"
	AtRisk       OverallStatus = "AT_RISK"
	NonCompliant OverallStatus = "NON_COMPLIANT"
)

// OverallStatuses lists every grade.
var OverallStatuses = []OverallStatus{Compliant, AtRisk, NonCompliant}

const (
	defaultSLADays = 30
	dueSoonDays    = 5
	activityDays   = 7
)

// Activity counts recent request events.
type Activity struct {
	Submitted int `json:"submitted"`
	Completed int `json:"completed"`
	Rejected  int `json:"rejected"`
}

// Snapshot is the dashboard at one instant.
type Snapshot struct {
	GeneratedAt       time.Time                        `json:"generated_at"`
	WindowStart       time.Time                        `json:"window_start"`
	Total             int                              `json:"total_requests"`
	ByStatus          map[compliance.RequestStatus]int `json:"by_status"`
	Overdue           int                              `json:"overdue"`
	DueSoon           int                              `json:"due_soon"`
	OverdueIDs        []string                         `json:"overdue_request_ids,omitempty"`
	AvgProcessingDays float64                          `json:"avg_processing_days"`
	MaxProcessingDays float64                          `json:"max_processing_days"`
	LastSevenDays     Activity                         `json:"last_7_days"`
	OverallStatus     OverallStatus                    `json:"overall_status"`
}

// Grade maps an overdue count to the overall status.
func Grade(overdue int) OverallStatus {
	switch {
	case overdue == 0:
		return Compliant
	case overdue <= 2:
		return AtRisk
	}
	return NonCompliant
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}

// Compute aggregates the requests of the trailing twelve months before now.
// An active request is overdue once older than slaDays and due soon in the
// last five days before that.
func Compute(reqs []compliance.ErasureRequest, now time.Time, slaDays int) Snapshot {
	if slaDays <= 0 {
		slaDays = defaultSLADays
	}
	s := Snapshot{
		GeneratedAt: now,
		WindowStart: now.AddDate(-1, 0, 0),
		ByStatus:    make(map[compliance.RequestStatus]int, len(compliance.AllStatuses)),
	}
	for _, st := range compliance.AllStatuses {
		s.ByStatus[st] = 0
	}
	activitySince := now.AddDate(0, 0, -activityDays)
	sla := float64(slaDays)

	var completed int
	var totalDays float64
	for _, r := range reqs {
		if r.RequestedAt.Before(s.WindowStart) {
			continue
		}
		s.Total++
		s.ByStatus[r.Status]++

		if !r.RequestedAt.Before(activitySince) {
			s.LastSevenDays.Submitted++
			if r.Status == compliance.StatusRejected {
				s.LastSevenDays.Rejected++
			}
		}

		if r.Status.Active() {
			age := days(now.Sub(r.RequestedAt))
			switch {
			case age > sla:
				s.Overdue++
				s.OverdueIDs = append(s.OverdueIDs, r.ID)
			case age > sla-dueSoonDays:
				s.DueSoon++
			}
		}

		if r.Status == compliance.StatusCompleted && r.CompletedAt != nil {
			d := days(r.CompletedAt.Sub(r.RequestedAt))
			completed++
			totalDays += d
			if d > s.MaxProcessingDays {
				s.MaxProcessingDays = d
			}
			if !r.CompletedAt.Before(activitySince) {
				s.LastSevenDays.Completed++
			}
		}
	}
	if completed > 0 {
		s.AvgProcessingDays = totalDays / float64(completed)
	}
	s.OverallStatus = Grade(s.Overdue)
	return s
}

// Aggregator reads requests and publishes the computed figures as gauges.
type Aggregator struct {
	repo    compliance.Store
	clock   clock.Clock
	slaDays int
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewAggregator creates an aggregator. m may be nil.
func NewAggregator(repo compliance.Store, clk clock.Clock, slaDays int, log *logger.Logger, m *metrics.Metrics) *Aggregator {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Aggregator{repo: repo, clock: clk, slaDays: slaDays, logger: log, metrics: m}
}

// Snapshot recomputes the dashboard from the stored requests.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := a.clock.Now().UTC()
	reqs, err := a.repo.ListRequests(ctx, compliance.ListFilter{Since: now.AddDate(-1, 0, 0)})
	if err != nil {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}
	s := Compute(reqs, now, a.slaDays)

	statuses := make([]string, len(OverallStatuses))
	for i, st := range OverallStatuses {
		statuses[i] = string(st)
	}
	a.metrics.SetCompliance(s.Overdue, s.DueSoon, string(s.OverallStatus), statuses)
	if s.Overdue > 0 {
		a.logger.Warnw("Erasure requests past SLA", "overdue", s.Overdue, "status", s.OverallStatus)
	}
	return &s, nil
}
