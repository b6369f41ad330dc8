package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/lkarlslund/tutorrouter/pkg/budget"
	"github.com/lkarlslund/tutorrouter/pkg/config"
	"github.com/lkarlslund/tutorrouter/pkg/endpoint"
	"github.com/lkarlslund/tutorrouter/pkg/logstore"
	"github.com/lkarlslund/tutorrouter/pkg/logutil"
	"github.com/lkarlslund/tutorrouter/pkg/provider"
	"github.com/lkarlslund/tutorrouter/pkg/sanitize"
	"github.com/lkarlslund/tutorrouter/pkg/store"
	"github.com/lkarlslund/tutorrouter/pkg/usagedb"
	"github.com/lkarlslund/tutorrouter/pkg/version"
)

const (
	shutdownTimeout    = 10 * time.Second
	usageFlushInterval = time.Minute
	maxRequestBytes    = 8 << 20
)

// Deps are the resources a Server uses but does not create.
type Deps struct {
	Sessions   *store.Store
	Usage      *usagedb.Store
	Logs       *logstore.Store
	HTTPClient *http.Client
}

type Server struct {
	store      *config.ServerConfigStore
	sessions   *store.Store
	usage      *usagedb.Store
	logs       *logstore.Store
	registry   *endpoint.Registry
	health     *endpoint.HealthTracker
	dispatcher *Dispatcher
	prefs      *preferenceLoader
	router     chi.Router
	httpServer *http.Server
	now        func() time.Time

	activeAIRequests atomic.Int64
	draining         atomic.Bool
	closeResources   bool
}

// NewServer opens the session store and usage ledger named by cfg and
// builds the router.
func NewServer(configPath string, cfg *config.ServerConfig) (*Server, error) {
	sessions, err := store.Open(cfg.Store.Path, time.Duration(cfg.Store.OpTimeoutSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	var usage *usagedb.Store
	if cfg.Usage.Enabled {
		usage, err = usagedb.New(cfg.Usage.Dir, usagedb.Settings{})
		if err != nil {
			_ = sessions.Close()
			return nil, err
		}
	}
	logs := logstore.NewStore(cfg.Logs.MaxLines)
	s, err := New(config.NewServerConfigStore(configPath, cfg), Deps{Sessions: sessions, Usage: usage, Logs: logs})
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}
	logutil.SetOutputTee(logs.Writer())
	s.closeResources = true
	return s, nil
}

func New(cfgStore *config.ServerConfigStore, deps Deps) (*Server, error) {
	cfg := cfgStore.Snapshot()
	registry, err := endpoint.FromConfig(cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("build endpoint registry: %w", err)
	}
	health := endpoint.NewHealthTracker(cfg.Breaker.FailureThreshold, time.Duration(cfg.Breaker.CooldownSeconds)*time.Second)
	for _, ep := range registry.List() {
		health.Register(ep.ID)
	}
	opts := DispatcherOptions{
		AssistantName: cfg.Assistant.Name,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		RetryDelay:    time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
	}
	if deps.Usage != nil {
		opts.Usage = deps.Usage
	}

	s := &Server{
		store:      cfgStore,
		sessions:   deps.Sessions,
		usage:      deps.Usage,
		logs:       deps.Logs,
		registry:   registry,
		health:     health,
		dispatcher: NewDispatcher(registry, health, provider.NewClient(deps.HTTPClient), budget.NewCalculator(cfg.Budget), opts),
		now:        time.Now,
	}
	if deps.Sessions != nil {
		s.prefs = newPreferenceLoader(deps.Sessions, preferencesCacheTTL)
	} else {
		s.prefs = newPreferenceLoader(nil, preferencesCacheTTL)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.aiRequestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Tutord-Version", version.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(api chi.Router) {
		api.Use(s.authAPIMiddleware)
		api.Post("/ai/chat", s.handleAIChat)
		api.Route("/chat/sessions", func(cs chi.Router) {
			cs.Post("/", s.handleCreateSession)
			cs.Get("/{sessionID}", s.handleGetSession)
			cs.Post("/{sessionID}/messages", s.handleSendMessage)
			cs.Delete("/{sessionID}/messages/{messageID}", s.handleDeleteMessage)
		})
		api.Get("/preferences/user", s.handleGetUserPreferences)
		api.Put("/preferences/user", s.handlePutUserPreferences)
		api.Get("/preferences/lectures/{lectureID}", s.handleGetLecturePreferences)
		api.Put("/preferences/lectures/{lectureID}", s.handlePutLecturePreferences)
	})
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.authAdminMiddleware)
		admin.Get("/api/endpoints", s.handleListEndpoints)
		admin.Get("/api/usage", s.handleUsage)
		admin.Get("/api/logs", s.handleLogs)
		admin.Get("/api/version", s.handleVersion)
		admin.Post("/api/sanitize/trace", s.handleSanitizeTrace)
		admin.Get("/ws", s.handleAdminWebsocket)
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// responses wait on upstream generation
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then stops accepting AI requests, waits
// for the in-flight ones and shuts the listeners down.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{}

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}
		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, httpChallenge, httpsSrv)
		g.Go(func() error {
			slog.Info("http challenge/redirect listening", "addr", httpChallenge.Addr)
			return serveErr("http challenge server", httpChallenge.ListenAndServe())
		})
		g.Go(func() error {
			slog.Info("https listening", "addr", httpsSrv.Addr, "domain", cfg.TLS.Domain)
			return serveErr("https server", httpsSrv.ListenAndServeTLS("", ""))
		})
	} else {
		servers = append(servers, s.httpServer)
		g.Go(func() error {
			slog.Info("tutord listening", "addr", s.httpServer.Addr, "endpoints", s.registry.Len())
			return serveErr("tutord server", s.httpServer.ListenAndServe())
		})
	}

	g.Go(func() error {
		t := time.NewTicker(usageFlushInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if err := s.usage.Flush(); err != nil {
					slog.Warn("usage ledger flush failed", "err", err)
				}
				s.prefs.cache.Purge()
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		s.draining.Store(true)
		s.waitForAIIdle(shutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err := g.Wait()
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close flushes the usage ledger and, when the server opened them, closes
// its stores.
func (s *Server) Close() error {
	var errs []error
	if err := s.usage.Flush(); err != nil {
		errs = append(errs, err)
	}
	if s.closeResources {
		logutil.SetOutputTee(nil)
	}
	if s.closeResources && s.sessions != nil {
		if err := s.sessions.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func serveErr(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func isAIRequest(r *http.Request) bool {
	return r.Method == http.MethodPost && (r.URL.Path == "/api/ai/chat" ||
		(strings.HasPrefix(r.URL.Path, "/api/chat/sessions/") && strings.HasSuffix(r.URL.Path, "/messages")))
}

func (s *Server) aiRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAIRequest(r) {
			next.ServeHTTP(w, r)
			return
		}
		if s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, "server shutting down", "")
			return
		}
		s.activeAIRequests.Add(1)
		defer s.activeAIRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForAIIdle(limit time.Duration) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	deadline := time.Now().Add(limit)
	lastLog := time.Time{}
	for {
		active := s.activeAIRequests.Load()
		if active <= 0 {
			slog.Info("shutdown: ai requests idle")
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("shutdown: giving up on active ai requests", "active", active)
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			slog.Info("shutdown: waiting for active ai requests", "active", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

// sanitizerFor builds the cleaner for one response. Configured and custom
// system prompts are treated as instruction text that must not leak.
func (s *Server) sanitizerFor(cfg config.ServerConfig, leaks []string) *sanitize.Sanitizer {
	return sanitize.New(sanitize.Options{
		AssistantName: cfg.Assistant.Name,
		Fallback:      cfg.Assistant.FallbackMessage,
		MinLength:     cfg.Assistant.MinContentLength,
		Leaks:         leaks,
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
