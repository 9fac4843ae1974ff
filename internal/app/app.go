// Package app wires the GoForget components into one service facade used by
// the CLI and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/audit"
	"github.com/dbsmedya/goforget/internal/catalog"
	"github.com/dbsmedya/goforget/internal/classify"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/config"
	"github.com/dbsmedya/goforget/internal/dashboard"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/discovery"
	"github.com/dbsmedya/goforget/internal/erasure"
	"github.com/dbsmedya/goforget/internal/executor"
	"github.com/dbsmedya/goforget/internal/lock"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/metrics"
	"github.com/dbsmedya/goforget/internal/retention"
	"github.com/dbsmedya/goforget/internal/thirdparty"
	"github.com/dbsmedya/goforget/internal/verifier"
)

var tracer = otel.Tracer("goforget.app")

// Deps are the collaborators an App is assembled from. New builds them from
// configuration; tests pass in-memory ones.
type Deps struct {
	Config   *config.Config
	Stores   *datastore.Registry
	Repo     compliance.Store
	Policies retention.Source
	Locker   lock.Locker
	// Notifier defaults to logging the notifications.
	Notifier thirdparty.Notifier
	Clock    clock.Clock
	Logger   *logger.Logger
	// Registry receives the collectors. Nil disables metrics.
	Registry *prometheus.Registry
}

// App is the service facade. Every operation opens a span.
type App struct {
	cfg         *config.Config
	clock       clock.Clock
	logger      *logger.Logger
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	repo        compliance.Store
	audit       *audit.Writer
	discovery   *discovery.Engine
	manager     *erasure.Manager
	verifier    *verifier.Verifier
	coordinator *thirdparty.Coordinator
	dashboard   *dashboard.Aggregator
	policy      *access.Policy
	reader      *access.Reader

	closers []func() error
	schema  []func(context.Context) error
	ping    func(context.Context) error
}

// Build assembles an App from its collaborators.
func Build(d Deps) (*App, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("config is nil")
	case d.Stores == nil:
		return nil, errors.New("store registry is nil")
	case d.Repo == nil:
		return nil, errors.New("compliance store is nil")
	case d.Policies == nil:
		return nil, errors.New("retention policy source is nil")
	case d.Locker == nil:
		return nil, errors.New("locker is nil")
	}
	cfg := d.Config
	clk := d.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	log := d.Logger
	if log == nil {
		log = logger.NewDefault()
	}

	var m *metrics.Metrics
	if d.Registry != nil {
		m = metrics.New(d.Registry)
	}

	rules, err := classify.FromConfig(cfg.Discovery.Tokens, cfg.Classification)
	if err != nil {
		return nil, err
	}
	scanner := catalog.NewScanner(d.Stores, rules, catalog.Options{
		ExcludeContainers:      cfg.Discovery.ExcludeContainers,
		PseudonymizeCategories: cfg.Classification.PseudonymizeCategories,
		Concurrency:            cfg.Discovery.Concurrency,
	}, log)

	aw := audit.NewWriter(d.Repo, clk, audit.Options{Retries: cfg.Erasure.AuditRetries, Backoff: 100 * time.Millisecond}, log)
	aw.OnRecorded(func(t compliance.EventType) { m.IncAudit(string(t)) })

	engine := discovery.NewEngine(scanner, d.Stores, d.Repo, aw, clk, discovery.Options{
		MatchColumns: cfg.Discovery.MatchColumns,
		Concurrency:  cfg.Discovery.Concurrency,
	}, log, m)
	exec := executor.New(d.Stores, d.Repo, aw, engine.Resolver(), clk, executor.Options{
		Concurrency:   cfg.Erasure.ExecutionConcurrency,
		PseudonymSalt: cfg.Erasure.PseudonymSalt,
	}, log, m)
	holds := retention.NewEvaluator(d.Policies, clk, log)

	manager, err := erasure.NewManager(d.Repo, engine, exec, holds, aw, d.Locker, clk,
		erasure.Options{SLADays: cfg.Erasure.SLADays}, log, m)
	if err != nil {
		return nil, err
	}
	ver, err := verifier.NewVerifier(d.Stores, d.Repo, engine.Resolver(), clk, log)
	if err != nil {
		return nil, err
	}
	coord, err := thirdparty.NewCoordinator(d.Repo, aw, d.Notifier, cfg.ThirdParty.Processors, clk, log, m)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:         cfg,
		clock:       clk,
		logger:      log,
		registry:    d.Registry,
		metrics:     m,
		repo:        d.Repo,
		audit:       aw,
		discovery:   engine,
		manager:     manager,
		verifier:    ver,
		coordinator: coord,
		dashboard:   dashboard.NewAggregator(d.Repo, clk, cfg.Erasure.SLADays, log, m),
		policy:      access.NewPolicy(cfg.Access),
		reader:      access.NewReader(d.Stores, engine.Resolver(), access.NewVisibility(d.Repo), log),
	}, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the app logger.
func (a *App) Logger() *logger.Logger { return a.logger }

// Gatherer returns the metrics registry, or nil when metrics are disabled.
func (a *App) Gatherer() prometheus.Gatherer {
	if a.registry == nil {
		return nil
	}
	return a.registry
}

// Capability resolves a caller role.
func (a *App) Capability(role string) access.Capability {
	return a.policy.CapabilityFor(role)
}

// Wait blocks until background discovery runs finish.
func (a *App) Wait() {
	a.manager.Wait()
}

// Close waits for background work and releases connections.
func (a *App) Close() error {
	a.Wait()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Discover runs an ad-hoc discovery for a subject, outside any request.
func (a *App) Discover(ctx context.Context, subject string) (batch *compliance.DiscoveryBatch, err error) {
	ctx, span := start(ctx, "goforget.Discover")
	defer func() { finish(span, err) }()

	batch, err = a.discovery.Discover(ctx, erasure.NormalizeSubject(subject), "")
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("goforget.locations", len(batch.Results)))
	return batch, nil
}

// SubmitErasure records a new erasure request.
func (a *App) SubmitErasure(ctx context.Context, in erasure.SubmitInput) (req *compliance.ErasureRequest, err error) {
	ctx, span := start(ctx, "goforget.SubmitErasure", attribute.String("goforget.ground", string(in.Ground)))
	defer func() { finish(span, err) }()

	req, err = a.manager.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("goforget.request_id", req.ID))
	return req, nil
}

// ProcessErasure advances a request through validation and execution.
func (a *App) ProcessErasure(ctx context.Context, requestID string) (out *erasure.Outcome, err error) {
	ctx, span := start(ctx, "goforget.ProcessErasure", attribute.String("goforget.request_id", requestID))
	defer func() { finish(span, err) }()

	out, err = a.manager.Process(ctx, requestID)
	if out != nil && out.Request != nil {
		span.SetAttributes(attribute.String("goforget.status", string(out.Request.Status)))
	}
	return out, err
}

// Verify checks that a subject's data is gone. A zero lookback uses the
// configured default. Callers that may not see the subject get an empty
// report with the subject masked.
func (a *App) Verify(ctx context.Context, c access.Capability, subject string, lookback time.Duration) (rep *verifier.Report, err error) {
	if lookback <= 0 {
		lookback = time.Duration(a.cfg.Verification.LookbackHours) * time.Hour
	}
	ctx, span := start(ctx, "goforget.Verify",
		attribute.String("goforget.role", c.Role),
		attribute.String("goforget.lookback", lookback.String()))
	defer func() { finish(span, err) }()

	subject = erasure.NormalizeSubject(subject)
	visible, err := a.reader.Visible(ctx, c, subject)
	if err != nil {
		return nil, err
	}
	if !visible {
		span.SetAttributes(attribute.Bool("goforget.hidden", true))
		return &verifier.Report{
			Subject:  a.reader.Subject(c, subject),
			Lookback: lookback,
			AsOf:     a.clock.Now(),
			Results:  []verifier.VerifyResult{},
		}, nil
	}

	rep, err = a.verifier.Verify(ctx, subject, lookback)
	if err != nil {
		return nil, err
	}
	rep.Subject = a.reader.Subject(c, rep.Subject)
	span.SetAttributes(
		attribute.Int("goforget.locations", rep.Stats.LocationsChecked),
		attribute.Bool("goforget.verified", rep.AllVerified()),
	)
	return rep, nil
}

// CoordinateThirdParties creates and dispatches processor notifications for
// the subject's latest executing or completed request.
func (a *App) CoordinateThirdParties(ctx context.Context, subject string) (sum *thirdparty.Summary, err error) {
	ctx, span := start(ctx, "goforget.CoordinateThirdParties")
	defer func() { finish(span, err) }()

	sum, err = a.coordinator.Coordinate(ctx, erasure.NormalizeSubject(subject))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("goforget.request_id", sum.RequestID),
		attribute.Int("goforget.dispatch_errors", sum.DispatchErrors),
	)
	return sum, nil
}

// UpdateNotification records a processor's progress.
func (a *App) UpdateNotification(ctx context.Context, requestID, processor string,
	status compliance.NotificationStatus, detail string) (n *compliance.Notification, err error) {
	ctx, span := start(ctx, "goforget.UpdateNotification",
		attribute.String("goforget.request_id", requestID),
		attribute.String("goforget.processor", processor),
		attribute.String("goforget.status", string(status)))
	defer func() { finish(span, err) }()

	return a.coordinator.UpdateStatus(ctx, requestID, processor, status, detail)
}

// DashboardSnapshot computes the compliance overview.
func (a *App) DashboardSnapshot(ctx context.Context) (snap *dashboard.Snapshot, err error) {
	ctx, span := start(ctx, "goforget.DashboardSnapshot")
	defer func() { finish(span, err) }()

	snap, err = a.dashboard.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("goforget.overall_status", string(snap.OverallStatus)))
	return snap, nil
}

// Status reports a subject's erasure state. The subject is masked for the caller.
func (a *App) Status(ctx context.Context, c access.Capability, subject string) (st *erasure.SubjectStatus, err error) {
	ctx, span := start(ctx, "goforget.Status", attribute.String("goforget.role", c.Role))
	defer func() { finish(span, err) }()

	st, err = a.manager.Status(ctx, erasure.NormalizeSubject(subject))
	if err != nil {
		return nil, err
	}
	st.Subject = a.reader.Subject(c, st.Subject)
	return st, nil
}

// ListRequests returns recent requests the caller may see, newest first.
func (a *App) ListRequests(ctx context.Context, c access.Capability, f compliance.ListFilter) (out []erasure.Listing, err error) {
	ctx, span := start(ctx, "goforget.ListRequests", attribute.String("goforget.role", c.Role))
	defer func() { finish(span, err) }()

	if f.Subject != "" {
		f.Subject = erasure.NormalizeSubject(f.Subject)
	}
	listings, err := a.manager.List(ctx, f)
	if err != nil {
		return nil, err
	}
	reqs := make([]compliance.ErasureRequest, len(listings))
	days := make(map[string]int, len(listings))
	for i, l := range listings {
		reqs[i] = l.ErasureRequest
		days[l.ID] = l.DaysSinceRequest
	}
	visible, err := a.reader.Requests(ctx, c, reqs)
	if err != nil {
		return nil, err
	}
	out = make([]erasure.Listing, len(visible))
	for i, r := range visible {
		out[i] = erasure.Listing{ErasureRequest: r, DaysSinceRequest: days[r.ID]}
	}
	return out, nil
}

// AuditTrail returns the audit events of a request, or of a subject when
// requestID is empty.
func (a *App) AuditTrail(ctx context.Context, c access.Capability, subject, requestID string) (events []compliance.AuditEvent, err error) {
	ctx, span := start(ctx, "goforget.AuditTrail",
		attribute.String("goforget.role", c.Role),
		attribute.String("goforget.request_id", requestID))
	defer func() { finish(span, err) }()

	switch {
	case requestID != "":
		events, err = a.audit.RequestTrail(ctx, requestID)
	case subject != "":
		events, err = a.audit.Trail(ctx, erasure.NormalizeSubject(subject))
	default:
		return nil, fmt.Errorf("subject or request id is required")
	}
	if err != nil {
		return nil, err
	}
	if tampered := audit.Tampered(events); len(tampered) > 0 {
		a.logger.Errorw("Audit events failed hash verification", "count", len(tampered), "first_id", tampered[0].ID)
	}
	return a.reader.Events(ctx, c, events)
}

// InspectSubject returns the subject's current data as the caller may see it.
func (a *App) InspectSubject(ctx context.Context, c access.Capability, subject string) (ins *access.Inspection, err error) {
	ctx, span := start(ctx, "goforget.InspectSubject", attribute.String("goforget.role", c.Role))
	defer func() { finish(span, err) }()

	ins, err = a.reader.Inspect(ctx, c, erasure.NormalizeSubject(subject))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("goforget.hidden", ins.Hidden), attribute.Int("goforget.records", len(ins.Records)))
	return ins, nil
}

// GetRequest loads one request for a caller.
func (a *App) GetRequest(ctx context.Context, c access.Capability, requestID string) (req *compliance.ErasureRequest, err error) {
	ctx, span := start(ctx, "goforget.GetRequest", attribute.String("goforget.request_id", requestID))
	defer func() { finish(span, err) }()

	req, err = a.manager.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	visible, err := a.reader.Requests(ctx, c, []compliance.ErasureRequest{*req})
	if err != nil {
		return nil, err
	}
	if len(visible) == 0 {
		return nil, &erasure.NotFoundError{RequestID: requestID}
	}
	return &visible[0], nil
}
