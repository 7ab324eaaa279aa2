package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/evanmiles/sketchsync/internal/presence"
	"github.com/evanmiles/sketchsync/internal/ratelimit"
	"github.com/evanmiles/sketchsync/internal/user"
	"github.com/evanmiles/sketchsync/internal/ws"
)

const (
	defaultSessionTTL      = 24 * time.Hour
	defaultRateLimitMax    = 30
	defaultRateLimitWindow = time.Minute
)

// Server is the HTTP front of the relay: the WebSocket upgrade endpoint plus
// a small REST surface for sessions, presence queries and health.
type Server struct {
	addr     string
	mux      *http.ServeMux
	hub      *ws.Hub
	sessions *user.SessionStore
	limiter  *ratelimit.IPLimiter
	httpSrv  *http.Server

	mirror          presence.Store
	connOpts        []ws.ConnManagerOption
	sessionTTL      time.Duration
	rateLimitMax    int
	rateLimitWindow time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithRedis mirrors room presence into Redis so operators can inspect it
// without going through the relay. The registry itself stays in-memory.
func WithRedis(rdb redis.Cmdable) Option {
	return func(s *Server) {
		s.mirror = presence.NewRedisStore(rdb)
	}
}

// WithPingInterval sets the liveness ping cadence for WebSocket connections.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, ws.WithPingInterval(d))
	}
}

// WithMaxConns caps concurrent WebSocket connections. 0 means unlimited.
func WithMaxConns(n int) Option {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, ws.WithMaxConns(n))
	}
}

// WithSessionTTL sets how long an idle anonymous session survives.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.sessionTTL = ttl
	}
}

// WithRateLimit bounds upgrade and session requests per IP per window.
func WithRateLimit(max int, window time.Duration) Option {
	return func(s *Server) {
		s.rateLimitMax = max
		s.rateLimitWindow = window
	}
}

// New creates a Server listening on addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		mux:             http.NewServeMux(),
		sessionTTL:      defaultSessionTTL,
		rateLimitMax:    defaultRateLimitMax,
		rateLimitWindow: defaultRateLimitWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = ws.NewHub(s.mirror, s.connOpts...)
	s.sessions = user.NewSessionStore(s.sessionTTL)
	s.limiter = ratelimit.NewIPLimiter(s.rateLimitMax, s.rateLimitWindow)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.mux}

	s.routes()
	return s
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown closes every WebSocket so their handlers unwind, then drains the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/session", s.rateLimited(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/session/{token}", s.handleGetSession)
	s.mux.HandleFunc("GET /api/diagrams/{id}/presence", s.handlePresence)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.Handle("GET /api/diagrams/{id}/ws", s.rateLimited(ws.NewHandler(s.hub).ServeHTTP))
}

// rateLimited rejects requests from IPs over their budget with a 429.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			log.Printf("server: rate limit exceeded for %s on %s", ip, r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Create()
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("token"))
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handlePresence reports who is currently connected to a diagram. An unknown
// diagram is simply an empty one.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	users := s.hub.Users(r.PathValue("id"))
	writeJSON(w, http.StatusOK, ws.PresenceData{Users: users})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.hub.ConnMgr().Stats(),
		"rooms":       s.hub.RoomCount(),
		"sessions":    s.sessions.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

// clientIP extracts the remote IP, without the port. Proxy headers are
// deliberately not consulted; this relay is expected to face clients directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
