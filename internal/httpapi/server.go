package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshforge/mesh2step/internal/cleanup"
	"github.com/meshforge/mesh2step/internal/jobs"
)

// processTracker reports how many native conversion processes are alive.
type processTracker interface {
	TrackedCount() int
}

type Server struct {
	queue      *jobs.Queue
	store      jobs.Store
	supervisor processTracker
	reconciler *cleanup.Reconciler

	uploadDir    string
	convertedDir string

	limiter   *rate.Limiter
	startedAt time.Time

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

// WithRateLimit bounds accepted requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithArtifactDirs sets where input references are resolved and where output
// artifacts are written.
func WithArtifactDirs(uploadDir, convertedDir string) Option {
	return func(s *Server) {
		s.uploadDir = uploadDir
		s.convertedDir = convertedDir
	}
}

func NewServer(queue *jobs.Queue, store jobs.Store, supervisor processTracker, reconciler *cleanup.Reconciler, opts ...Option) *Server {
	s := &Server{
		queue:      queue,
		store:      store,
		supervisor: supervisor,
		reconciler: reconciler,
		startedAt:  time.Now(),
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.rateLimit(s.mux)
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/convert", s.handleConvert)
	s.mux.HandleFunc("/api/jobs", s.handleListJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
