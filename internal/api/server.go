// Package api exposes the control center over REST/JSON: issue listing
// and workflow actions, timeline chains, deploy status, webhook intake
// and the admin surface.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/afu9/control-center/internal/deploy"
	"github.com/afu9/control-center/internal/events"
	"github.com/afu9/control-center/internal/forge"
	"github.com/afu9/control-center/internal/ingest"
	"github.com/afu9/control-center/internal/metrics"
	"github.com/afu9/control-center/internal/middleware"
	"github.com/afu9/control-center/internal/orchestrator"
	"github.com/afu9/control-center/internal/policy"
	"github.com/afu9/control-center/internal/postmortem"
	"github.com/afu9/control-center/internal/store"
	"github.com/afu9/control-center/internal/syncengine"
	"github.com/afu9/control-center/internal/timeline"
	"github.com/afu9/control-center/internal/verdict"
	"github.com/afu9/control-center/internal/webhooks"
)

// Deps collects everything the HTTP surface serves. Nil optional fields
// disable their endpoints with 503 rather than panicking.
type Deps struct {
	Issues     store.IssueStore
	Ops        store.OpsStore
	Navigation store.NavigationStore
	Timeline   timeline.Store

	Ingestor     *ingest.Ingestor
	Deploy       *deploy.Service
	Verdicts     *verdict.Service
	Sync         *syncengine.Engine
	Postmortems  *postmortem.Generator
	Intake       *webhooks.Intake
	Orchestrator *orchestrator.Manager
	Approvals    policy.ApprovalStore
	Evaluator    *policy.Evaluator
	Forge        *forge.Gate

	Emitter events.Emitter
	Metrics *metrics.Metrics

	// Ready reports whether the backing store is reachable. Nil means
	// the process is always ready (memory mode).
	Ready func(ctx context.Context) error

	ServiceToken     string
	DispatchEnabled  bool
	SyncDefaultDry   bool
	RateLimit        middleware.RateLimitConfig
	WorkflowBranches string // branch prefix for implementation branches
}

// Server is the HTTP front of the control center.
type Server struct {
	deps    Deps
	logger  *log.Logger
	limiter *middleware.RateLimiter
}

// NewServer wires the handler set.
func NewServer(deps Deps) *Server {
	if deps.WorkflowBranches == "" {
		deps.WorkflowBranches = "afu9"
	}
	return &Server{
		deps:    deps,
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
		limiter: middleware.NewRateLimiter(deps.RateLimit),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.limiter.Middleware)
	r.Use(s.instrument)

	// Unauthenticated surface.
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/api/webhooks/forge", s.handleForgeWebhook).Methods("POST")

	// Authenticated API.
	auth := r.PathPrefix("/api").Subrouter()
	auth.Use(middleware.ServiceAuth(s.deps.ServiceToken))

	auth.HandleFunc("/afu9/issues", s.handleListIssues).Methods("GET")
	auth.HandleFunc("/afu9/issues/stats", s.handleIssueStats).Methods("GET")
	auth.HandleFunc("/afu9/issues/{id}", s.handleGetIssue).Methods("GET")
	auth.HandleFunc("/afu9/issues/{id}/events", s.handleIssueEvents).Methods("GET")
	auth.HandleFunc("/afu9/issues/{id}/verdict", s.handleApplyVerdict).Methods("POST")

	auth.HandleFunc("/afu9/s1s3/issues/pick", s.handlePick).Methods("POST")
	auth.HandleFunc("/afu9/s1s3/issues/{id}/spec", s.handleSaveSpec).Methods("POST")
	auth.HandleFunc("/afu9/s1s3/issues/{id}/implement", s.handleImplement).Methods("POST")

	auth.HandleFunc("/timeline/chain", s.handleTimelineChain).Methods("GET")
	auth.HandleFunc("/deploy/status", s.handleDeployStatus).Methods("GET")

	auth.HandleFunc("/sync/sweep", s.handleSyncSweep).Methods("POST")
	auth.HandleFunc("/postmortem/{incidentId}", s.handleGeneratePostmortem).Methods("POST")

	auth.HandleFunc("/orchestrator/services/{service}", s.handleDescribeService).Methods("GET")
	auth.HandleFunc("/orchestrator/services/{service}/force-deploy", s.handleForceDeploy).Methods("POST")

	auth.HandleFunc("/approvals", s.handleRecordApproval).Methods("POST")

	auth.HandleFunc("/admin/navigation/{role}", s.handleGetNavigation).Methods("GET")
	auth.HandleFunc("/admin/navigation/{role}", s.handlePutNavigation).Methods("PUT")

	return r
}

// Start runs the server until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 Control center listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// instrument records request counts and latency per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.deps.Metrics.RecordHTTP(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}
