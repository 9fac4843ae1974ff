// Package erasure drives erasure requests through their lifecycle:
// submission, discovery, hold checks, execution and completion.
package erasure

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/dbsmedya/goforget/internal/audit"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/discovery"
	"github.com/dbsmedya/goforget/internal/executor"
	"github.com/dbsmedya/goforget/internal/lock"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/metrics"
	"github.com/dbsmedya/goforget/internal/retention"
)

// DefaultSLADays is the statutory response window.
const DefaultSLADays = 30

// Options configures a Manager.
type Options struct {
	SLADays int
}

// Outcome is the result of Process.
type Outcome struct {
	Request *compliance.ErasureRequest `json:"request"`
	Message string                     `json:"message"`
}

// Manager owns the request state machine. Each request is processed by one
// worker at a time; the lock backend extends that across processes.
type Manager struct {
	repo      compliance.Store
	discovery *discovery.Engine
	executor  *executor.Executor
	holds     *retention.Evaluator
	audit     *audit.Writer
	locker    lock.Locker
	clock     clock.Clock
	opts      Options
	logger    *logger.Logger
	metrics   *metrics.Metrics

	mu   sync.Mutex
	runs map[string]*discoveryRun
	wg   sync.WaitGroup
}

type discoveryRun struct {
	done  chan struct{}
	batch *compliance.DiscoveryBatch
	err   error
}

// NewManager creates a lifecycle manager. m may be nil.
func NewManager(repo compliance.Store, disc *discovery.Engine, exec *executor.Executor, holds *retention.Evaluator,
	aw *audit.Writer, locker lock.Locker, clk clock.Clock, opts Options, log *logger.Logger, m *metrics.Metrics) (*Manager, error) {
	switch {
	case repo == nil:
		return nil, fmt.Errorf("compliance store is nil")
	case disc == nil:
		return nil, fmt.Errorf("discovery engine is nil")
	case exec == nil:
		return nil, fmt.Errorf("executor is nil")
	case holds == nil:
		return nil, fmt.Errorf("retention evaluator is nil")
	case aw == nil:
		return nil, fmt.Errorf("audit writer is nil")
	case locker == nil:
		return nil, fmt.Errorf("locker is nil")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if opts.SLADays <= 0 {
		opts.SLADays = DefaultSLADays
	}
	return &Manager{
		repo:      repo,
		discovery: disc,
		executor:  exec,
		holds:     holds,
		audit:     aw,
		locker:    locker,
		clock:     clk,
		opts:      opts,
		logger:    log,
		metrics:   m,
		runs:      make(map[string]*discoveryRun),
	}, nil
}

// Submit validates and records a new request, then starts discovery for it
// in the background.
func (m *Manager) Submit(ctx context.Context, in SubmitInput) (*compliance.ErasureRequest, error) {
	in = in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	existing, err := m.repo.LatestRequest(ctx, in.Subject, compliance.StatusSubmitted, compliance.StatusValidated, compliance.StatusInProgress)
	switch {
	case err == nil:
		return nil, &ConflictError{ExistingID: existing.ID}
	case !errors.Is(err, compliance.ErrNotFound):
		return nil, fmt.Errorf("failed to check active requests: %w", err)
	}

	now := m.clock.Now().UTC()
	req := &compliance.ErasureRequest{
		ID:                  uuid.NewString(),
		Subject:             in.Subject,
		Ground:              in.Ground,
		Source:              in.Source,
		Status:              compliance.StatusSubmitted,
		RequestedAt:         now,
		EstimatedCompletion: now.AddDate(0, 0, m.opts.SLADays),
	}

	err = m.repo.InTx(ctx, func(ctx context.Context) error {
		if err := m.repo.CreateRequest(ctx, req); err != nil {
			return err
		}
		_, err := m.audit.Record(ctx, audit.Event{
			Type:        compliance.EventRequestSubmitted,
			Subject:     req.Subject,
			RequestID:   req.ID,
			Description: fmt.Sprintf("erasure requested on ground %s", req.Ground),
			Payload:     map[string]interface{}{"ground": string(req.Ground), "source": req.Source},
		})
		return err
	})
	if errors.Is(err, compliance.ErrConflict) {
		return nil, &ConflictError{}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record request: %w", err)
	}

	m.metrics.IncSubmitted()
	m.logger.WithRequest(req.ID).WithSubject(req.Subject).Infow("Erasure request submitted",
		"ground", req.Ground, "estimated_completion", req.EstimatedCompletion)

	m.startDiscovery(context.WithoutCancel(ctx), req)
	return req.Clone(), nil
}

func (m *Manager) startDiscovery(ctx context.Context, req *compliance.ErasureRequest) {
	run := &discoveryRun{done: make(chan struct{})}
	m.mu.Lock()
	m.runs[req.ID] = run
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run.batch, run.err = m.discovery.Discover(ctx, req.Subject, req.ID)
		if run.err != nil {
			m.logger.WithRequest(req.ID).Warnf("Background discovery failed, it will be retried on processing: %v", run.err)
		}
		// A finished run is only reachable through waiters already holding
		// it; later callers load the persisted batch or rerun discovery.
		m.mu.Lock()
		delete(m.runs, req.ID)
		m.mu.Unlock()
		close(run.done)
	}()
}

// Wait blocks until every background discovery has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// batchFor returns the discovery batch of the request, joining a running
// background discovery or running a new one when none was stored.
func (m *Manager) batchFor(ctx context.Context, req *compliance.ErasureRequest) (*compliance.DiscoveryBatch, error) {
	m.mu.Lock()
	run := m.runs[req.ID]
	m.mu.Unlock()

	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if run.err == nil {
			return run.batch, nil
		}
	}

	batch, err := m.repo.LatestBatch(ctx, req.ID)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, compliance.ErrNotFound) {
		return nil, fmt.Errorf("failed to load discovery batch: %w", err)
	}
	batch, err = m.discovery.Discover(ctx, req.Subject, req.ID)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	return batch, nil
}

// Categories returns the store categories the batch found data in.
func Categories(batch *compliance.DiscoveryBatch) []string {
	if batch == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range batch.Results {
		if r.Category != "" && !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	sort.Strings(out)
	return out
}

// Process drives the request from its current status to a terminal one.
// A request that is already terminal returns ErrFinished. A blocking hold
// rejects the request and returns a *LegalHoldError. Other errors leave the
// request where it was so that Process can be called again.
func (m *Manager) Process(ctx context.Context, id string) (*Outcome, error) {
	req, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return &Outcome{Request: req, Message: fmt.Sprintf("request is already %s", req.Status)},
			fmt.Errorf("request %s is %s: %w", id, req.Status, ErrFinished)
	}

	var out *Outcome
	err = lock.WithLock(ctx, m.locker, lock.RequestLockName(id), func(ctx context.Context) error {
		var err error
		out, err = m.process(ctx, id)
		return err
	})
	if errors.Is(err, lock.ErrLockHeld) {
		return nil, fmt.Errorf("request %s is being processed by another worker: %w", id, err)
	}
	return out, err
}

func (m *Manager) process(ctx context.Context, id string) (*Outcome, error) {
	// Reload under the lock: another worker may have moved it meanwhile.
	req, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return &Outcome{Request: req, Message: fmt.Sprintf("request is already %s", req.Status)},
			fmt.Errorf("request %s is %s: %w", id, req.Status, ErrFinished)
	}
	log := m.logger.WithRequest(id).WithSubject(req.Subject)

	batch, err := m.batchFor(ctx, req)
	if err != nil {
		return nil, err
	}
	categories := Categories(batch)

	if req.Status == compliance.StatusSubmitted {
		decision, err := m.holds.Check(ctx, req.Subject, categories)
		if err != nil {
			return nil, err
		}
		if decision.Blocked {
			return m.rejectForHold(ctx, req, decision, nil)
		}
		now := m.clock.Now().UTC()
		if req, err = m.transition(ctx, req, compliance.RequestUpdate{Status: compliance.StatusValidated, ValidatedAt: &now},
			"request validated", nil); err != nil {
			return nil, err
		}
	}

	if req.Status == compliance.StatusValidated {
		// Authoritative check: a hold added since validation wins.
		decision, err := m.holds.Check(ctx, req.Subject, categories)
		if err != nil {
			return nil, err
		}
		if decision.Blocked {
			return m.rejectForHold(ctx, req, decision, nil)
		}
		now := m.clock.Now().UTC()
		if req, err = m.transition(ctx, req, compliance.RequestUpdate{Status: compliance.StatusInProgress, StartedAt: &now},
			"erasure execution started", map[string]interface{}{"locations": len(batch.Results)}); err != nil {
			return nil, err
		}
	}

	guard := func(ctx context.Context) (retention.Decision, error) {
		return m.holds.Check(ctx, req.Subject, categories)
	}
	res, err := m.executor.Execute(ctx, req, batch.Results, guard)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}
	entries := res.Summary.Entries()
	if res.Halted {
		return m.rejectForHold(ctx, req, res.Hold, entries)
	}

	completed := m.clock.Now().UTC()
	req, err = m.transition(ctx, req, compliance.RequestUpdate{
		Status:           compliance.StatusCompleted,
		CompletedAt:      &completed,
		DeletionSummary:  entries,
		VerificationHash: VerificationHash(req.Subject, completed),
	}, "erasure completed", map[string]interface{}{
		"locations":        len(entries),
		"failed":           res.Summary.Failed(),
		"records_affected": res.Summary.RecordsAffected(),
	})
	if err != nil {
		return nil, err
	}

	m.metrics.IncFinished(string(compliance.StatusCompleted))
	msg := fmt.Sprintf("erasure completed: %d location(s), %d record(s) affected", len(entries), res.Summary.RecordsAffected())
	if failed := res.Summary.Failed(); failed > 0 {
		msg += fmt.Sprintf(", %d operation(s) failed", failed)
	}
	log.Info(msg)
	return &Outcome{Request: req, Message: msg}, nil
}

func (m *Manager) rejectForHold(ctx context.Context, req *compliance.ErasureRequest, d retention.Decision,
	entries []compliance.SummaryEntry) (*Outcome, error) {
	holdIDs := make([]string, len(d.Holds))
	for i, h := range d.Holds {
		holdIDs[i] = h.ID
	}
	req, err := m.transition(ctx, req, compliance.RequestUpdate{
		Status:          compliance.StatusRejected,
		RejectionReason: d.Reason,
		DeletionSummary: entries,
	}, d.Reason, map[string]interface{}{"policies": holdIDs})
	if err != nil {
		return nil, err
	}
	m.metrics.IncFinished(string(compliance.StatusRejected))
	m.logger.WithRequest(req.ID).Warnw("Erasure rejected by legal hold", "reason", d.Reason)
	return &Outcome{Request: req, Message: "erasure rejected: " + d.Reason},
		&LegalHoldError{RequestID: req.ID, Reason: d.Reason, Holds: d.Holds}
}

// transition applies u and writes the matching audit event in the same
// transaction, then returns the stored request.
func (m *Manager) transition(ctx context.Context, req *compliance.ErasureRequest, u compliance.RequestUpdate,
	description string, payload map[string]interface{}) (*compliance.ErasureRequest, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["from"] = string(req.Status)
	payload["to"] = string(u.Status)

	err := m.repo.InTx(ctx, func(ctx context.Context) error {
		if err := m.repo.TransitionRequest(ctx, req.ID, req.Status, u); err != nil {
			return err
		}
		_, err := m.audit.Record(ctx, audit.Event{
			Type:        compliance.TransitionEvent(u.Status),
			Subject:     req.Subject,
			RequestID:   req.ID,
			Description: description,
			Payload:     payload,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to move request %s from %s to %s: %w", req.ID, req.Status, u.Status, err)
	}
	m.logger.WithRequest(req.ID).Debugf("Request moved from %s to %s", req.Status, u.Status)
	return m.Get(ctx, req.ID)
}

// VerificationHash is the completion fingerprint: hex SHA-256 of
// subject|completed_at.
func VerificationHash(subject string, completedAt time.Time) string {
	sum := sha256.Sum256([]byte(subject + "|" + completedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// Get returns a request or a *NotFoundError.
func (m *Manager) Get(ctx context.Context, id string) (*compliance.ErasureRequest, error) {
	req, err := m.repo.GetRequest(ctx, id)
	if errors.Is(err, compliance.ErrNotFound) {
		return nil, &NotFoundError{RequestID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", id, err)
	}
	return req, nil
}
