// Package gateway composes the middleware chain, routing table, proxy, and
// health monitor into the externally visible HTTP surface, and manages their
// lifecycle.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nimbuslabs/edge-gateway/internal/audit"
	"github.com/nimbuslabs/edge-gateway/internal/config"
	"github.com/nimbuslabs/edge-gateway/internal/health"
	"github.com/nimbuslabs/edge-gateway/internal/metrics"
	"github.com/nimbuslabs/edge-gateway/internal/proxy"
	"github.com/nimbuslabs/edge-gateway/internal/server"
)

// Version is the gateway release reported on the root metadata endpoint.
const Version = "1.2.0"

// Gateway is the edge entry point for the platform. It owns the HTTP
// server, the health monitor's lifecycle, and the audit recorder.
type Gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	monitor   *health.Monitor
	forwarder *proxy.Forwarder
	recorder  audit.Recorder
	limits    *server.LimiterSet
	table     *routeTable
	router    *chi.Mux
	server    *http.Server

	startedAt time.Time
	auditWG   sync.WaitGroup
	mu        sync.Mutex
}

// New creates a Gateway from the given options. Configuration is validated
// and the routing table compiled here, so an unknown service or an
// ambiguous prefix fails construction rather than a request.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger: slog.Default(),
		limits: server.NewLimiterSet(),
	}

	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if g.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
	}

	targets := make([]health.Target, 0, len(config.KnownServices))
	services := make([]proxy.Service, 0, len(config.KnownServices))
	for _, name := range g.cfg.ServiceNames() {
		svc := g.cfg.Services[name]
		targets = append(targets, health.Target{Name: name, URL: svc.URL})
		services = append(services, proxy.Service{Name: name, URL: svc.URL, Timeout: svc.CallTimeout})
	}

	g.monitor = health.NewMonitor(targets, health.Options{
		ProbeInterval:    g.cfg.Health.ProbeIntervalDuration,
		ProbeTimeout:     g.cfg.Health.ProbeTimeoutDuration,
		FailureThreshold: g.cfg.Health.FailureThreshold,
	}, g.logger)

	forwarder, err := proxy.NewForwarder(services, g.monitor, g.logger)
	if err != nil {
		return nil, fmt.Errorf("create forwarder: %w", err)
	}
	g.forwarder = forwarder

	if g.recorder == nil {
		if g.cfg.Storage.Path != "" {
			store, err := audit.NewStore(g.cfg.Storage.Path)
			if err != nil {
				return nil, fmt.Errorf("create audit store: %w", err)
			}
			g.recorder = store
		} else {
			g.recorder = audit.NopRecorder{}
		}
	}

	table, err := newRouteTable(g.cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("compile route table: %w", err)
	}
	g.table = table
	g.compileRouteHandlers()

	metrics.Init()
	g.router = g.buildRouter()

	return g, nil
}

// compileRouteHandlers attaches the per-route middleware chain to each table
// entry: authentication, then tenant resolution, then rate limiting, then
// the proxy. Each stage short-circuits the rest on failure.
func (g *Gateway) compileRouteHandlers() {
	defaultLimit := server.Limit{
		Requests: g.cfg.RateLimit.Requests,
		Window:   g.cfg.RateLimit.WindowDuration,
	}

	// Validate rejects routes that carry different overrides for one
	// service, so collapsing by service name here loses nothing.
	limitFor := make(map[string]server.Limit, len(g.cfg.Routes))
	for _, rc := range g.cfg.Routes {
		if rc.RateLimit != nil {
			limitFor[rc.Service] = server.Limit{
				Requests: rc.RateLimit.Requests,
				Window:   rc.RateLimit.WindowDuration,
			}
		}
	}

	for _, rt := range g.table.routes {
		limit, ok := limitFor[rt.service]
		if !ok {
			limit = defaultLimit
		}

		var h http.Handler = g.proxyHandler(rt.service)
		h = server.RateLimitMiddleware(g.limits, rt.service, limit)(h)
		if rt.tenant {
			h = server.TenantMiddleware(h)
		}
		if rt.auth {
			h = server.AuthMiddleware(g.cfg.Auth.JWTSecret)(h)
		}
		rt.handler = h
	}
}

// buildRouter wires the global middleware and the fixed endpoints.
func (g *Gateway) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(server.CorrelationMiddleware)
	r.Use(server.LoggingMiddleware(g.logger))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "edge-gateway")
	})

	r.Get("/", g.handleRoot)
	r.Get("/health", g.handleHealth)
	r.Get("/health/services/{name}", g.handleServiceHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Handle("/api/v1/*", http.HandlerFunc(g.dispatch))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		server.WriteError(w, r, http.StatusNotFound, server.CodeRouteNotFound,
			fmt.Sprintf("no route for %s", r.URL.Path))
	})

	return r
}

// dispatch resolves the longest-prefix route for the request path and runs
// its compiled chain.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	rt := g.table.match(r.URL.Path)
	if rt == nil {
		server.WriteError(w, r, http.StatusNotFound, server.CodeRouteNotFound,
			fmt.Sprintf("no route for %s", r.URL.Path))
		return
	}
	if !rt.allows(r.Method) {
		w.Header().Set("Allow", rt.allowHeader())
		server.WriteError(w, r, http.StatusMethodNotAllowed, server.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, rt.prefix))
		return
	}
	rt.handler.ServeHTTP(w, r)
}

// proxyHandler terminates a route's chain: forward, relay or synthesize the
// reply, then record metrics and the audit entry.
func (g *Gateway) proxyHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := g.forwarder.Forward(r.Context(), service, r)

		metrics.ProxyRequests.WithLabelValues(service, res.Kind.String()).Inc()
		metrics.ProxyDuration.WithLabelValues(service).Observe(res.Elapsed.Seconds())

		status := res.StatusCode
		switch res.Kind {
		case proxy.OutcomeTransportFailure:
			server.AddError(r.Context(), res.Err)
			status = http.StatusInternalServerError
			server.WriteServiceError(w, r, status, server.CodeServiceUnavailable,
				fmt.Sprintf("service %s is unavailable", service), service)
		default:
			for key, values := range res.Header {
				if key == server.CorrelationHeader {
					continue
				}
				for _, v := range values {
					w.Header().Add(key, v)
				}
			}
			w.WriteHeader(res.StatusCode)
			_, _ = w.Write(res.Body)
		}

		g.recordAudit(r, service, status, res)
	}
}

// recordAudit writes the audit entry off the request goroutine. Shutdown
// waits for in-flight writes.
func (g *Gateway) recordAudit(r *http.Request, service string, status int, res proxy.Result) {
	entry := audit.Entry{
		ID:            uuid.New().String(),
		CorrelationID: server.GetCorrelationID(r.Context()),
		Service:       service,
		Method:        r.Method,
		Path:          r.URL.Path,
		Status:        status,
		Outcome:       res.Kind.String(),
		Duration:      res.Elapsed,
		CreatedAt:     time.Now(),
	}
	if ac := server.GetAuth(r.Context()); ac != nil {
		entry.TenantID = ac.TenantID
		entry.UserID = ac.UserID
	}

	g.auditWG.Add(1)
	go func() {
		defer g.auditWG.Done()
		if err := g.recorder.Record(context.Background(), entry); err != nil {
			g.logger.Error("audit record failed",
				slog.String("correlation_id", entry.CorrelationID),
				slog.String("error", err.Error()))
		}
	}()
}

// Handler exposes the composed router, primarily for tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start launches the health monitor and the HTTP server. The server runs in
// the background; fatal serve errors are logged.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.startedAt = time.Now()
	g.monitor.Start(ctx)

	g.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", g.cfg.Server.Port),
		Handler: g.router,
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("server failed", slog.String("error", err.Error()))
		}
	}()

	g.logger.Info("gateway started",
		slog.Int("port", g.cfg.Server.Port),
		slog.Int("services", g.monitor.Total()),
		slog.Int("routes", len(g.table.routes)))

	return nil
}

// Shutdown stops the probe loop, drains the HTTP server, waits for pending
// audit writes, and closes the recorder.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	g.monitor.Stop()

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("server shutdown failed", slog.String("error", err.Error()))
			return err
		}
	}

	g.auditWG.Wait()
	if err := g.recorder.Close(); err != nil {
		g.logger.Error("close audit recorder failed", slog.String("error", err.Error()))
	}

	g.logger.Info("gateway shutdown complete")
	return nil
}
