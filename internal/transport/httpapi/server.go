// Package httpapi exposes the erasure workflow over HTTP. Callers
// authenticate with HS256 bearer tokens whose role claim selects their
// capability; every mutating endpoint requires full privilege.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/dashboard"
	"github.com/dbsmedya/goforget/internal/erasure"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/thirdparty"
	"github.com/dbsmedya/goforget/internal/verifier"
)

// Service is the workflow facade the API serves.
type Service interface {
	Capability(role string) access.Capability
	Discover(ctx context.Context, subject string) (*compliance.DiscoveryBatch, error)
	SubmitErasure(ctx context.Context, in erasure.SubmitInput) (*compliance.ErasureRequest, error)
	ProcessErasure(ctx context.Context, requestID string) (*erasure.Outcome, error)
	Verify(ctx context.Context, c access.Capability, subject string, lookback time.Duration) (*verifier.Report, error)
	CoordinateThirdParties(ctx context.Context, subject string) (*thirdparty.Summary, error)
	UpdateNotification(ctx context.Context, requestID, processor string, status compliance.NotificationStatus, detail string) (*compliance.Notification, error)
	DashboardSnapshot(ctx context.Context) (*dashboard.Snapshot, error)
	Status(ctx context.Context, c access.Capability, subject string) (*erasure.SubjectStatus, error)
	ListRequests(ctx context.Context, c access.Capability, f compliance.ListFilter) ([]erasure.Listing, error)
	GetRequest(ctx context.Context, c access.Capability, requestID string) (*compliance.ErasureRequest, error)
	AuditTrail(ctx context.Context, c access.Capability, subject, requestID string) ([]compliance.AuditEvent, error)
	InspectSubject(ctx context.Context, c access.Capability, subject string) (*access.Inspection, error)
	Ping(ctx context.Context) error
	Gatherer() prometheus.Gatherer
}

// Server routes HTTP requests to the service.
type Server struct {
	app    Service
	tokens *TokenValidator
	logger *logger.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(app Service, tokens *TokenValidator, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	s := &Server{app: app, tokens: tokens, logger: log}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	if g := s.app.Gatherer(); g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(s.requireAuth)

		r.Get("/dashboard", s.handleDashboard)

		r.Route("/erasure-requests", func(r chi.Router) {
			r.Get("/", s.handleListRequests)
			r.With(requireFull).Post("/", s.handleSubmit)
			r.Get("/{id}", s.handleGetRequest)
			r.Get("/{id}/audit", s.handleRequestAudit)
			r.With(requireFull).Post("/{id}/process", s.handleProcess)
			r.With(requireFull).Put("/{id}/notifications/{processor}", s.handleUpdateNotification)
		})

		r.Route("/subjects/{subject}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/data", s.handleInspect)
			r.Get("/audit", s.handleSubjectAudit)
			r.Get("/verification", s.handleVerify)
			r.With(requireFull).Post("/discovery", s.handleDiscover)
			r.With(requireFull).Post("/third-parties", s.handleCoordinate)
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(r.Context()); err != nil {
		s.logger.Warnw("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run serves until ctx is canceled, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("HTTP API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("Shutting down HTTP API")
	return srv.Shutdown(shutdownCtx)
}
