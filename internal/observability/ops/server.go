// Package ops serves liveness, readiness, Prometheus metrics and optional
// profiling endpoints for operators.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "gamenight/internal/runtime/supervisor"
	logx "gamenight/pkg/logx"
)

const probeTimeout = 2 * time.Second

// Config controls the ops HTTP server.
//
// Prefer a loopback Addr. A non-loopback Addr needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Profiling     bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Check reports whether a dependency is usable. It must honor ctx.
type Check func(ctx context.Context) error

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	gatherer prometheus.Gatherer
	checks   map[string]Check
	status   func() any

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	return &Server{cfg: cfg, gatherer: gatherer, checks: map[string]Check{}, log: log.With(logx.String("comp", "ops"))}
}

// AddCheck registers a readiness probe. Register before Start.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	s.checks[name] = c
	s.mu.Unlock()
}

// SetStatus installs the /status JSON source.
func (s *Server) SetStatus(fn func() any) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// Addr is the bound listen address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler builds the router. Only /healthz is reachable without the token.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.routes(cfg)
}

func (s *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Get("/readyz", s.handleReady)
		r.Get("/status", s.handleStatus)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		if cfg.Profiling {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Start binds the listener and serves in the background. A bind failure is
// returned; a later serve failure is logged by the supervisor.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		return fmt.Errorf("ops server refused %s: non-loopback addr needs a token or allow_insecure", cfg.Addr)
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("ops server running without token on non-loopback addr", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.routes(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Ops endpoints are optional; never take the bot down with them.
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		return err
	})
	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("profiling", cfg.Profiling),
	)
	return nil
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("ops server stopped")
}

type component struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type readiness struct {
	Status     string               `json:"status"`
	Components map[string]component `json:"components,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = readiness{Status: "ready", Components: make(map[string]component, len(checks))}
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runCheck(ctx, check)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Status = "unready"
				out.Components[name] = component{Status: "down", Message: err.Error()}
				return
			}
			out.Components[name] = component{Status: "up"}
		}()
	}
	wg.Wait()

	code := http.StatusOK
	if out.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

func runCheck(ctx context.Context, c Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return c(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	fn := s.status
	names := make([]string, 0, len(s.checks))
	for k := range s.checks {
		names = append(names, k)
	}
	s.mu.Unlock()
	sort.Strings(names)

	body := map[string]any{"checks": names}
	if fn != nil {
		body["status"] = fn()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(tok) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					got = strings.TrimSpace(ah)
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), tok) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
