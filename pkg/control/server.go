// Package control implements the Control Surface: an HTTP API for
// operator visibility and manual intervention, separate from the
// Reasoner/Executor data path. It exposes liveness and status endpoints
// everywhere, and process-specific mutating endpoints wherever the
// corresponding dependency is wired in.
package control

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
)

// Server is the Control Surface's HTTP server. Handlers reach their
// dependencies only through the narrow interfaces declared alongside each
// handler file, so a Reasoner-side and Executor-side instance can each wire
// only what they have.
type Server struct {
	router *chi.Mux
	http   *http.Server
	log    zerolog.Logger
	clk    clock.Clock
	cfg    *config.Config

	startedAt time.Time
	latency   *Recorder

	components   []componentEntry
	depther      depther
	analyzeDeps  *analyzeDeps
	stopper      Stopper
	notifier     eventNotifier
	memory       memorySearcher
	health       healthReporter
}

type componentEntry struct {
	name string
	fn   func() ComponentStatus
}

// Option configures optional wiring on a Server. Every route is always
// registered; an endpoint whose dependency is never supplied answers 501
// Not Implemented, and /status leaves that section out.
type Option func(*Server)

// WithComponent registers a named component whose status is polled on
// every /status request.
func WithComponent(name string, fn func() ComponentStatus) Option {
	return func(s *Server) { s.components = append(s.components, componentEntry{name: name, fn: fn}) }
}

// WithQueueDepths wires bus.Bus (or a fake) so /status can report stream
// backlogs.
func WithQueueDepths(d depther) Option {
	return func(s *Server) { s.depther = d }
}

// WithAnalyze wires the Market Analyzer / Vector Memory Store / Decision
// Engine / portfolio snapshot chain so POST /analyze can run a dry-run
// think-loop pass without publishing anything.
func WithAnalyze(ma analyzer, mem memorySearcher, de decider, portfolio snapshotter, riskWeights config.RiskWeights, minConfidence float64, ttl time.Duration) Option {
	return func(s *Server) {
		s.analyzeDeps = &analyzeDeps{ma: ma, memory: mem, decider: de, portfolio: portfolio, riskWeights: riskWeights, minConfidence: minConfidence, ttl: ttl}
	}
}

// WithEmergencyStop wires the Wallet Manager's EmergencyStopAll and an
// optional control-event notifier so POST /emergency_stop can halt new
// reservations across every wallet.
func WithEmergencyStop(stopper Stopper, notifier eventNotifier) Option {
	return func(s *Server) { s.stopper = stopper; s.notifier = notifier }
}

// WithMemory wires the Vector Memory Store's search/embed/outcome surface
// for GET /memory/search and POST /memory/outcome.
func WithMemory(mem memorySearcher) Option {
	return func(s *Server) { s.memory = mem }
}

// WithWalletHealth wires the Wallet Manager's rolling per-wallet health
// profile so GET /status can report the same tie-break signal Select uses.
func WithWalletHealth(h healthReporter) Option {
	return func(s *Server) { s.health = h }
}

// New builds a Server listening on port. Call Run to serve.
func New(cfg *config.Config, log zerolog.Logger, clk clock.Clock, port int, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.With().Str("component", "control_surface").Logger(),
		clk:       clk,
		cfg:       cfg,
		startedAt: clk.Now(),
		latency:   newRecorder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(chimw.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Operator-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	mutating := s.router.With(operatorAuth(s.cfg.OperatorToken))
	mutating.Post("/emergency_stop", s.handleEmergencyStop)
	mutating.Post("/analyze", s.handleAnalyze)
	mutating.Post("/memory/outcome", s.handleMemoryOutcome)

	s.router.Get("/memory/search", s.handleMemorySearch)
}

// Run serves until the process is told to stop; callers should invoke
// Shutdown from a signal handler rather than killing the listener.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("control surface listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.latency.Observe("control_surface:"+r.URL.Path, time.Since(start))
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("control surface request")
	})
}
