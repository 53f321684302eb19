// Package httpapi implements the HTTP control plane: note lifecycle
// endpoints, the WebSocket upgrade route, and operational endpoints, all
// fronting a coordinator.Registry.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/noteboard/noteboard/internal/ratelimit"
	"github.com/noteboard/noteboard/pkg/coordinator"
	"github.com/noteboard/noteboard/pkg/database"
	"github.com/noteboard/noteboard/pkg/logger"
)

const (
	defaultAPIRateBurst     = 60.0
	defaultAPIRatePerSecond = 10.0
)

// NoteExpiryWindow is how long a note may sit unread before the cleanup
// job reclaims it, absent an explicit expires_at.
const NoteExpiryWindow = 90 * 24 * time.Hour

// Server is the HTTP entrypoint: note CRUD, the check endpoint, stats, and
// the WebSocket upgrade, each backed by the database and a coordinator
// registry shared across requests.
type Server struct {
	db       *database.Database
	registry *coordinator.Registry
	mux      *http.ServeMux
	startAt  time.Time

	apiRateBurst        float64
	apiRatePerSecond    float64
	apiDisconnectThresh int
	limiterMu           sync.Mutex
	limiters            map[string]*ratelimit.Bucket

	cron *cron.Cron
}

// New builds a Server wired to db and a fresh coordinator registry, using
// the default per-IP API rate limit. Use NewWithRateLimit to override it.
func New(db *database.Database) *Server {
	return NewWithRateLimit(db, defaultAPIRateBurst, defaultAPIRatePerSecond, ratelimit.DefaultDisconnectThreshold)
}

// NewWithRateLimit builds a Server whose per-client-IP API token bucket uses
// the given burst, refill rate, and disconnect threshold, letting operators
// tune it without a rebuild (see cmd/server's
// API_RATE_BURST/API_RATE_PER_SECOND/API_RATE_DISCONNECT_THRESHOLD). The
// threshold is stored in each bucket, but withRateLimit acts only on whether
// a token was available: an IP over its budget gets 429 per request and is
// never refused outright.
func NewWithRateLimit(db *database.Database, apiRateBurst, apiRatePerSecond float64, disconnectThreshold int) *Server {
	s := &Server{
		db:                  db,
		registry:            coordinator.NewRegistry(db),
		mux:                 http.NewServeMux(),
		startAt:             time.Now(),
		apiRateBurst:        apiRateBurst,
		apiRatePerSecond:    apiRatePerSecond,
		apiDisconnectThresh: disconnectThreshold,
		limiters:            make(map[string]*ratelimit.Bucket),
		cron:                cron.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/notes", s.withRateLimit(s.handleCreate))
	s.mux.HandleFunc("GET /api/notes/{id}", s.withRateLimit(s.handleGet))
	s.mux.HandleFunc("PUT /api/notes/{id}", s.withRateLimit(s.handlePut))
	s.mux.HandleFunc("DELETE /api/notes/{id}", s.withRateLimit(s.handleDelete))
	s.mux.HandleFunc("GET /api/check/{id}", s.withRateLimit(s.handleCheck))
	s.mux.HandleFunc("POST /api/notes/{id}/otp", s.withRateLimit(s.handleSetOTP))
	s.mux.HandleFunc("GET /api/notes/{id}/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("http server listening", logger.Fields{"addr": addr})
	return http.ListenAndServe(addr, s)
}

// StartCleanup schedules the periodic expired-note sweep on a cron
// schedule, alongside the registry's in-memory idle teardown.
func (s *Server) StartCleanup(spec string) error {
	_, err := s.cron.AddFunc(spec, s.runCleanup)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Shutdown stops accepting cron ticks and drains every live coordinator so
// its final flush completes before the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	s.registry.ShutdownAll()
	return nil
}

// withRateLimit applies a per-client-IP token bucket to API endpoints,
// distinct from the per-session bucket the coordinator applies to
// WebSocket frames.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		bucket := s.limiterFor(ip)
		ok, _ := bucket.Consume(ratelimit.NowMS(time.Now()))
		if !ok {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) limiterFor(ip string) *ratelimit.Bucket {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	b, ok := s.limiters[ip]
	if !ok {
		b = ratelimit.New(s.apiRateBurst, s.apiRatePerSecond, s.apiDisconnectThresh, ratelimit.NowMS(time.Now()))
		s.limiters[ip] = b
	}
	return b
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
