// Package proxy implements the reverse proxy of spec.md §4.E: subdomain
// routing, lazy cold-start, cached health probing, HTTP forwarding, and
// WebSocket bridging.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazydev/lazydevd/internal/config"
	"github.com/lazydev/lazydevd/internal/process"
	"github.com/lazydev/lazydevd/internal/store"
)

// Starter is the subset of *process.ProcessManager the proxy needs to
// trigger a cold start; named here to keep the dependency narrow.
type Starter interface {
	Start(ctx context.Context, proj *config.ProjectConfig, settings config.Settings) (process.StartResult, error)
}

// Server is the loopback-bound listener of spec.md §4.E.
type Server struct {
	router     *Router
	store      *store.Store
	supervisor Starter
	configs    func() *config.Config
	health     *healthCache
	log        zerolog.Logger
}

// NewServer constructs a Server. configs must return the current config on
// every call (published by the watcher via atomic pointer, spec.md §4.F).
func NewServer(router *Router, st *store.Store, supervisor Starter, configs func() *config.Config, log zerolog.Logger) *Server {
	return &Server{
		router:     router,
		store:      st,
		supervisor: supervisor,
		configs:    configs,
		health:     newHealthCache(),
		log:        log.With().Str("component", "proxy").Logger(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	log := s.log.With().Str("request_id", reqID).Logger()

	label := Subdomain(r.Host)
	proj := s.router.Lookup(label)
	if proj == nil {
		log.Debug().Str("host", r.Host).Msg("unknown subdomain")
		http.Error(w, "Project not found", http.StatusNotFound)
		return
	}
	name := proj.Name

	if IsUpgrade(r) {
		s.serveUpgrade(w, r, proj, reqID, log)
		return
	}
	s.serveHTTP(w, r, proj, name, log)
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request, proj *config.ProjectConfig, connID string, log zerolog.Logger) {
	name := proj.Name
	port, err := s.ensureRunning(r.Context(), proj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	bridgeWebSocket(w, r, name, port, connID, s.store, log)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request, proj *config.ProjectConfig, name string, log zerolog.Logger) {
	st, err := s.store.GetState(name)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var port int
	if st != nil && st.Status == store.StatusRunning && st.Port != nil {
		p := *st.Port
		if s.health.probeWithBackoff(p) {
			_ = s.store.UpdateActivity(name)
			port = p
		}
	}

	if port == 0 {
		log.Info().Str("name", name).Msg("cold starting project")
		p, err := s.ensureRunning(r.Context(), proj)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_ = s.store.UpdateActivity(name)
		port = p
	}

	s.forward(w, r, port, log)
}

// ensureRunning invokes the supervisor's cold start (spec.md §4.E steps
// 4-5's "attempt supervisor.start").
func (s *Server) ensureRunning(ctx context.Context, proj *config.ProjectConfig) (int, error) {
	settings := s.configs().Settings
	result, err := s.supervisor.Start(ctx, proj, settings)
	if err != nil {
		return 0, fmt.Errorf("failed to start %q: %w", proj.Name, err)
	}
	return result.Port, nil
}

// forward rewrites the request to the child's loopback port and copies the
// response back, adding the forwarding headers of spec.md §4.E step 6.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, port int, log zerolog.Logger) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port)}
	originalHost := r.Host

	rp := httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set("X-Forwarded-Host", originalHost)
			resp.Header.Set("X-Forwarded-Proto", "http")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("target", target.Host).Msg("proxy forward failed")
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func targetURL(port int, path, query string) string {
	u := url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port), Path: path}
	if query != "" {
		u.RawQuery = query
	}
	return u.String()
}

// ListenAndServe binds settings.proxy_port on loopback and serves until ctx
// is cancelled (spec.md §4.E, §6).
func (s *Server) ListenAndServe(ctx context.Context, proxyPort int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", proxyPort),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       255 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
