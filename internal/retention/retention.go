// Package retention evaluates retention policies and legal holds that
// override a subject's right to erasure.
package retention

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/dbsmedya/goforget/internal/logger"
)

// Policy is an externally managed retention rule. A policy with an empty
// Subject applies to every subject holding data of its Category.
type Policy struct {
	ID                 string    `json:"id"`
	Subject            string    `json:"subject,omitempty"`
	Category           string    `json:"category,omitempty"`
	Reason             string    `json:"reason"`
	RetentionEnd       time.Time `json:"retention_end"`
	CanOverrideErasure bool      `json:"can_override_erasure"`
}

// Active reports whether the retention period is still running at now.
func (p Policy) Active(now time.Time) bool {
	return p.RetentionEnd.After(now)
}

// Applies reports whether the policy is scoped to the subject, directly or
// through one of the categories the subject has data in.
func (p Policy) Applies(subject string, categories []string) bool {
	if p.Subject != "" {
		return strings.EqualFold(p.Subject, subject)
	}
	if p.Category == "" {
		return false
	}
	for _, c := range categories {
		if strings.EqualFold(c, p.Category) {
			return true
		}
	}
	return false
}

// Source supplies the policies that may concern a subject: those naming the
// subject plus all category-wide policies.
type Source interface {
	Policies(ctx context.Context, subject string) ([]Policy, error)
}

// Decision is the outcome of a hold check.
type Decision struct {
	Blocked bool
	Holds   []Policy
	Reason  string
}

// Evaluator decides whether erasure may proceed for a subject.
type Evaluator struct {
	source Source
	clock  clock.Clock
	logger *logger.Logger
}

// NewEvaluator creates an evaluator. A nil clock uses the wall clock.
func NewEvaluator(source Source, clk clock.Clock, log *logger.Logger) *Evaluator {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Evaluator{source: source, clock: clk, logger: log}
}

// Check returns a blocking decision when an active, non-overridable policy
// applies to the subject. categories are the store categories the subject
// has data in. A source error is returned as is: without it the absence of a
// hold cannot be proven.
func (e *Evaluator) Check(ctx context.Context, subject string, categories []string) (Decision, error) {
	policies, err := e.source.Policies(ctx, subject)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load retention policies: %w", err)
	}

	now := e.clock.Now()
	var d Decision
	for _, p := range policies {
		if p.CanOverrideErasure || !p.Active(now) || !p.Applies(subject, categories) {
			continue
		}
		d.Holds = append(d.Holds, p)
	}
	if len(d.Holds) == 0 {
		return d, nil
	}

	sort.Slice(d.Holds, func(i, j int) bool { return d.Holds[i].RetentionEnd.After(d.Holds[j].RetentionEnd) })
	d.Blocked = true
	reasons := make([]string, 0, len(d.Holds))
	for _, h := range d.Holds {
		reasons = append(reasons, fmt.Sprintf("%s until %s", h.Reason, h.RetentionEnd.UTC().Format("2006-01-02")))
	}
	d.Reason = "legal hold: " + strings.Join(reasons, "; ")

	e.logger.WithSubject(subject).Infow("Erasure blocked by retention policy", "holds", len(d.Holds))
	return d, nil
}

// RetentionUntil returns the latest end date among active policies that
// apply to the subject, overridable or not. Nil means no active retention.
func (e *Evaluator) RetentionUntil(ctx context.Context, subject string, categories []string) (*time.Time, error) {
	policies, err := e.source.Policies(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load retention policies: %w", err)
	}
	now := e.clock.Now()
	var until *time.Time
	for _, p := range policies {
		if !p.Active(now) || !p.Applies(subject, categories) {
			continue
		}
		if until == nil || p.RetentionEnd.After(*until) {
			end := p.RetentionEnd.UTC()
			until = &end
		}
	}
	return until, nil
}

// MemorySource is an in-process Source.
type MemorySource struct {
	mu       sync.RWMutex
	policies []Policy
}

// NewMemorySource creates a source holding the given policies.
func NewMemorySource(policies ...Policy) *MemorySource {
	return &MemorySource{policies: append([]Policy(nil), policies...)}
}

// Add registers a policy.
func (m *MemorySource) Add(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, p)
}

func (m *MemorySource) Policies(_ context.Context, subject string) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Policy
	for _, p := range m.policies {
		if p.Subject == "" || strings.EqualFold(p.Subject, subject) {
			out = append(out, p)
		}
	}
	return out, nil
}
