// Package executor performs the per-location delete and pseudonymize
// operations of an erasure request.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"github.com/dbsmedya/goforget/internal/audit"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/discovery"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/metrics"
	"github.com/dbsmedya/goforget/internal/retention"
	"github.com/dbsmedya/goforget/internal/types"
)

// ExecutionError is the failure of one location's operation. It is recorded
// on the operation and never fails the request.
type ExecutionError struct {
	Location  string
	Operation types.Disposition
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", strings.ToLower(string(e.Operation)), e.Location, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Guard is consulted immediately before each destructive operation. A
// blocked decision stops every location that has not started yet.
type Guard func(ctx context.Context) (retention.Decision, error)

// Group is one container to erase, merged from the discovery results that
// point into it.
type Group struct {
	Store       string
	Container   string
	Columns     []string
	PIITypes    map[string]types.PIIType
	Disposition types.Disposition
	// EmailColumns are matched directly against the subject.
	EmailColumns []string
}

// Key returns store.container.
func (g Group) Key() string {
	return g.Store + "." + g.Container
}

// Plan groups results by container, keeping the order in which containers
// first appear. A container is pseudonymized when any of its results asks
// for it, otherwise deleted.
func Plan(results []compliance.DiscoveryResult) []Group {
	groups := orderedmap.NewOrderedMap[string, *Group]()
	for _, r := range results {
		key := r.Location.ContainerKey()
		g, ok := groups.Get(key)
		if !ok {
			g = &Group{
				Store:       r.Location.Store,
				Container:   r.Location.Container,
				PIITypes:    make(map[string]types.PIIType),
				Disposition: types.DispositionDelete,
			}
			groups.Set(key, g)
		}
		if _, seen := g.PIITypes[r.Location.Column]; !seen {
			g.Columns = append(g.Columns, r.Location.Column)
			g.PIITypes[r.Location.Column] = r.PIIType
			if r.PIIType == types.PIIEmailAddress {
				g.EmailColumns = append(g.EmailColumns, r.Location.Column)
			}
		}
		if r.Pseudonymize {
			g.Disposition = types.DispositionPseudonymize
		}
	}

	out := make([]Group, 0, groups.Len())
	for el := groups.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value)
	}
	return out
}

// Options configures an Executor.
type Options struct {
	Concurrency   int
	PseudonymSalt string
}

// Result is the outcome of Execute.
type Result struct {
	Summary *Summary
	// Halted is set when the guard reported a hold; Hold carries it.
	Halted bool
	Hold   retention.Decision
}

// Executor runs erasure operations against the enrolled stores.
type Executor struct {
	stores   *datastore.Registry
	repo     compliance.Store
	audit    *audit.Writer
	resolver *discovery.Resolver
	clock    clock.Clock
	opts     Options
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

// New creates an executor. m may be nil.
func New(stores *datastore.Registry, repo compliance.Store, aw *audit.Writer, resolver *discovery.Resolver,
	clk clock.Clock, opts Options, log *logger.Logger, m *metrics.Metrics) *Executor {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Executor{
		stores:   stores,
		repo:     repo,
		audit:    aw,
		resolver: resolver,
		clock:    clk,
		opts:     opts,
		logger:   log,
		metrics:  m,
	}
}

type run struct {
	x       *Executor
	req     *compliance.ErasureRequest
	guard   Guard
	summary *Summary
	log     *logger.Logger

	mu     sync.Mutex
	halted bool
	hold   retention.Decision
	fatal  error
}

func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted || r.fatal != nil
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *run) halt(d retention.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.halted {
		r.halted = true
		r.hold = d
	}
}

// Execute erases the subject's data at every location in results. One
// location's failure is recorded and does not stop the others. Operations
// that already reached a terminal status in an earlier attempt are reused,
// not repeated.
//
// The returned error is reserved for conditions that make the whole step
// unsafe to continue: the guard could not be evaluated, or an outcome could
// not be recorded.
func (x *Executor) Execute(ctx context.Context, req *compliance.ErasureRequest, results []compliance.DiscoveryResult, guard Guard) (*Result, error) {
	log := x.logger.WithRequest(req.ID).WithSubject(req.Subject)

	prior, err := x.repo.Operations(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	previous := make(map[string]compliance.Operation, len(prior))
	for _, op := range prior {
		previous[op.Location.ContainerKey()] = op
	}

	if _, err := x.resolver.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to refresh catalog: %w", err)
	}

	plan := Plan(results)
	r := &run{x: x, req: req, guard: guard, summary: newSummary(), log: log}
	for _, g := range plan {
		r.summary.set(compliance.SummaryEntry{Location: g.Key(), Operation: g.Disposition, Status: compliance.OperationPending})
	}

	sem := semaphore.NewWeighted(int64(x.opts.Concurrency))
	var wg sync.WaitGroup
	for _, g := range plan {
		if op, ok := previous[g.Key()]; ok && op.Status.Terminal() {
			log.Debugf("Operation %s on %s already %s, skipping", op.ID, g.Key(), op.Status)
			r.summary.set(entryFor(g.Key(), op))
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			r.fail(err)
			break
		}
		if r.stopped() {
			sem.Release(1)
			break
		}

		var pending *compliance.Operation
		if op, ok := previous[g.Key()]; ok {
			pending = &op
		}
		wg.Add(1)
		go func(g Group, pending *compliance.Operation) {
			defer wg.Done()
			defer sem.Release(1)
			r.execute(ctx, g, pending)
		}(g, pending)
	}
	wg.Wait()

	res := &Result{Summary: r.summary, Halted: r.halted, Hold: r.hold}
	if r.fatal != nil {
		return res, r.fatal
	}
	if r.halted {
		// Locations never attempted are not part of the outcome.
		for _, e := range r.summary.Entries() {
			if e.Status == compliance.OperationPending {
				r.summary.remove(e.Location)
			}
		}
		log.Warnw("Execution halted by legal hold", "reason", r.hold.Reason)
		return res, nil
	}
	log.Infow("Execution finished", "locations", len(plan), "failed", r.summary.Failed(),
		"records_affected", r.summary.RecordsAffected())
	return res, nil
}

func entryFor(key string, op compliance.Operation) compliance.SummaryEntry {
	return compliance.SummaryEntry{
		Location:        key,
		Operation:       op.Type,
		Status:          op.Status,
		RecordsAffected: op.RecordsAffected,
		Error:           op.ErrorDetail,
	}
}

func (r *run) execute(ctx context.Context, g Group, pending *compliance.Operation) {
	x := r.x
	log := r.log.WithLocation(g.Store, g.Container, strings.Join(g.Columns, ","))

	if r.guard != nil {
		d, err := r.guard(ctx)
		if err != nil {
			r.fail(fmt.Errorf("hold check before %s: %w", g.Key(), err))
			return
		}
		if d.Blocked {
			r.halt(d)
			r.summary.remove(g.Key())
			return
		}
	}

	op := pending
	if op == nil {
		op = &compliance.Operation{
			ID:        uuid.NewString(),
			RequestID: r.req.ID,
			Location:  types.Location{Store: g.Store, Container: g.Container, Column: strings.Join(g.Columns, ",")},
			Type:      g.Disposition,
			Status:    compliance.OperationPending,
			CreatedAt: x.clock.Now().UTC(),
		}
		if err := x.repo.CreateOperation(ctx, op); err != nil {
			r.fail(fmt.Errorf("failed to create operation for %s: %w", g.Key(), err))
			return
		}
	}

	affected, execErr := x.apply(ctx, g, r.req.Subject)
	status := compliance.OperationSuccess
	detail := ""
	if execErr != nil {
		status = compliance.OperationFailed
		detail = (&ExecutionError{Location: g.Key(), Operation: g.Disposition, Err: execErr}).Error()
		affected = 0
		log.Warnf("Operation failed: %v", execErr)
	}

	err := x.repo.InTx(ctx, func(ctx context.Context) error {
		if err := x.repo.FinishOperation(ctx, op.ID, status, affected, detail, x.clock.Now().UTC()); err != nil {
			return err
		}
		event := audit.Event{
			Type:        compliance.EventOperationSucceeded,
			Subject:     r.req.Subject,
			RequestID:   r.req.ID,
			OperationID: op.ID,
			Description: fmt.Sprintf("%s on %s affected %d record(s)", g.Disposition, g.Key(), affected),
			Payload: map[string]interface{}{
				"location":         g.Key(),
				"operation_type":   string(g.Disposition),
				"records_affected": affected,
			},
		}
		if status == compliance.OperationFailed {
			event.Type = compliance.EventOperationFailed
			event.Description = detail
			event.Payload["error"] = detail
		}
		_, err := x.audit.Record(ctx, event)
		return err
	})
	if err != nil {
		r.fail(fmt.Errorf("failed to record outcome of %s: %w", g.Key(), err))
		return
	}

	x.metrics.ObserveOperation(string(g.Disposition), string(status), affected)
	r.summary.set(compliance.SummaryEntry{
		Location:        g.Key(),
		Operation:       g.Disposition,
		Status:          status,
		RecordsAffected: affected,
		Error:           detail,
	})
	if status == compliance.OperationSuccess {
		log.Infow("Operation succeeded", "operation_type", g.Disposition, "records_affected", affected)
	}
}

var errNoMatchColumn = errors.New("container has no column identifying the subject")

func (x *Executor) apply(ctx context.Context, g Group, subject string) (int64, error) {
	store, err := x.stores.Get(g.Store)
	if err != nil {
		return 0, err
	}
	match, ok := x.resolver.ContainerMatch(g.Store, g.Container, g.EmailColumns, subject)
	if !ok {
		return 0, errNoMatchColumn
	}

	if g.Disposition == types.DispositionDelete {
		return store.Delete(ctx, g.Container, match)
	}

	columns := append([]string(nil), g.Columns...)
	for _, c := range match.Columns {
		if _, ok := g.PIITypes[c]; !ok {
			columns = append(columns, c)
		}
	}
	return store.Update(ctx, g.Container, assignments(x.opts.PseudonymSalt, subject, columns, g.PIITypes), match)
}
