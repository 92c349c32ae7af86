package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nimbuslabs/edge-gateway/internal/audit"
	"github.com/nimbuslabs/edge-gateway/internal/config"
	"github.com/nimbuslabs/edge-gateway/internal/health"
	"github.com/nimbuslabs/edge-gateway/internal/server"
)

const testSecret = "gateway-test-secret"

// testEnv is a gateway wired to one mock downstream per configured service.
type testEnv struct {
	gw   *Gateway
	hits map[string]*atomic.Int64
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	hits := make(map[string]*atomic.Int64, len(config.KnownServices))
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret

	for _, name := range config.KnownServices {
		name := name
		counter := &atomic.Int64{}
		hits[name] = counter
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			counter.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"service": name,
				"path":    r.URL.Path,
			})
		}))
		t.Cleanup(ts.Close)
		cfg.Services[name] = config.ServiceConfig{URL: ts.URL, Timeout: "2s"}
	}

	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(WithConfig(cfg), WithLogger(logger))
	if err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	return &testEnv{gw: gw, hits: hits}
}

func (e *testEnv) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, mutate func(*server.Claims)) string {
	t.Helper()
	claims := &server.Claims{
		TenantID:  "tenant-1",
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// =============================================================================
// Routing and middleware chain
// =============================================================================

func TestProtectedRoute_NoCredentialNeverReachesDownstream(t *testing.T) {
	env := newTestEnv(t, nil)

	before := env.gw.monitor.Service("billing")
	rec := env.do(t, "GET", "/api/v1/billing/invoices", "")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := env.hits["billing"].Load(); got != 0 {
		t.Errorf("downstream hit %d times, want 0", got)
	}
	after := env.gw.monitor.Service("billing")
	if before != after {
		t.Errorf("health record changed without proxying: %+v -> %+v", before, after)
	}
}

func TestProtectedRoute_TamperedCredentialRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	tampered := token(t, nil) + "x"
	rec := env.do(t, "GET", "/api/v1/ai/completions", tampered)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if got := env.hits["ai"].Load(); got != 0 {
		t.Errorf("downstream hit %d times, want 0", got)
	}
}

func TestProtectedRoute_MissingTenantClaim(t *testing.T) {
	env := newTestEnv(t, nil)

	noTenant := token(t, func(c *server.Claims) { c.TenantID = "" })
	rec := env.do(t, "GET", "/api/v1/web3/wallets", noTenant)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if got := env.hits["web3"].Load(); got != 0 {
		t.Errorf("downstream hit %d times, want 0", got)
	}
}

func TestProtectedRoute_ValidCredentialProxies(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/api/v1/billing/invoices", token(t, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["service"] != "billing" || body["path"] != "/api/v1/billing/invoices" {
		t.Errorf("unexpected downstream reply: %v", body)
	}
	if rec.Header().Get(server.CorrelationHeader) == "" {
		t.Error("response missing correlation header")
	}
	if got := env.gw.monitor.Service("billing").Status; got != health.StatusHealthy {
		t.Errorf("health status = %s, want healthy after proxied success", got)
	}
}

func TestOpenRoute_ForwardsWithoutCredential(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/auth/login", "")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := env.hits["auth"].Load(); got != 1 {
		t.Errorf("downstream hit %d times, want 1", got)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		// Billing webhooks are handled by monitoring, not billing.
		cfg.Routes = append(cfg.Routes, config.RouteConfig{
			Prefix:  "/api/v1/billing/webhooks",
			Service: "monitoring",
		})
	})

	rec := env.do(t, "POST", "/api/v1/billing/webhooks/stripe", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := env.hits["monitoring"].Load(); got != 1 {
		t.Errorf("monitoring hit %d times, want 1", got)
	}
	if got := env.hits["billing"].Load(); got != 0 {
		t.Errorf("billing hit %d times, want 0", got)
	}
}

func TestUnmatchedPathIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/v1/nothing", "/totally/elsewhere"} {
		rec := env.do(t, "GET", path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Routes[0].Methods = []string{"GET", "POST"} // /api/v1/auth
	})

	rec := env.do(t, "DELETE", "/api/v1/auth/sessions", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, POST" {
		t.Errorf("Allow = %q, want \"GET, POST\"", allow)
	}
}

func TestRateLimit_RouteOverride(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		for i := range cfg.Routes {
			if cfg.Routes[i].Service == "billing" {
				cfg.Routes[i].RateLimit = &config.RateLimitConfig{Requests: 2, Window: "1h"}
			}
		}
	})

	valid := token(t, nil)
	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = env.do(t, "GET", "/api/v1/billing/invoices", valid)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if got := env.hits["billing"].Load(); got != 2 {
		t.Errorf("downstream hit %d times, want 2", got)
	}

	// Other services are unaffected.
	rec = env.do(t, "GET", "/api/v1/ai/chat", valid)
	if rec.Code != http.StatusOK {
		t.Errorf("ai request status = %d, want 200", rec.Code)
	}
}

// =============================================================================
// Health endpoints
// =============================================================================

func TestHealthEndpoint_Aggregate(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, name := range config.KnownServices {
		if name == "web3" {
			continue
		}
		env.gw.monitor.RecordSuccess(name, 10*time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		env.gw.monitor.RecordFailure("web3", 0)
	}

	rec := env.do(t, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status          string                 `json:"status"`
		Services        []health.ServiceHealth `json:"services"`
		HealthyServices int                    `json:"healthy_services"`
		TotalServices   int                    `json:"total_services"`
		Uptime          string                 `json:"uptime"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %s, want degraded", body.Status)
	}
	if body.HealthyServices != 5 {
		t.Errorf("healthy_services = %d, want 5", body.HealthyServices)
	}
	if body.TotalServices != 6 {
		t.Errorf("total_services = %d, want 6", body.TotalServices)
	}
	if len(body.Services) != 6 {
		t.Errorf("services table has %d rows, want 6", len(body.Services))
	}
}

func TestServiceHealthEndpoint_UnknownIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.do(t, "GET", "/health/services/ghost", "")
	second := env.do(t, "GET", "/health/services/ghost", "")

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d/%d, want 200/200", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("responses differ:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	var rec health.ServiceHealth
	if err := json.Unmarshal(first.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if rec.Status != health.StatusUnhealthy {
		t.Errorf("synthetic status = %s, want unhealthy", rec.Status)
	}
	if env.gw.monitor.Total() != 6 {
		t.Errorf("unknown lookup created state: total = %d, want 6", env.gw.monitor.Total())
	}
}

// =============================================================================
// Correlation propagation
// =============================================================================

func TestCorrelation_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/api/v1/auth/me", nil)
	req.Header.Set(server.CorrelationHeader, "abc-123")
	rec := httptest.NewRecorder()
	env.gw.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(server.CorrelationHeader); got != "abc-123" {
		t.Errorf("correlation header = %q, want abc-123", got)
	}

	first := env.do(t, "GET", "/api/v1/auth/me", "")
	second := env.do(t, "GET", "/api/v1/auth/me", "")
	a := first.Header().Get(server.CorrelationHeader)
	b := second.Header().Get(server.CorrelationHeader)
	if a == "" || b == "" {
		t.Fatal("generated correlation id missing")
	}
	if a == b {
		t.Errorf("two requests share generated id %q", a)
	}
}

// =============================================================================
// Audit trail
// =============================================================================

func TestAuditTrail_RecordsProxiedRequests(t *testing.T) {
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("create audit store: %v", err)
	}

	hits := make(map[string]*atomic.Int64)
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	for _, name := range config.KnownServices {
		counter := &atomic.Int64{}
		hits[name] = counter
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			counter.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(ts.Close)
		cfg.Services[name] = config.ServiceConfig{URL: ts.URL, Timeout: "2s"}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(WithConfig(cfg), WithLogger(logger), WithAuditRecorder(store))
	if err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	req := httptest.NewRequest("GET", "/api/v1/billing/invoices", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, nil))
	req.Header.Set(server.CorrelationHeader, "corr-audit")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	gw.auditWG.Wait()

	entries, err := store.Recent(req.Context(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Service != "billing" || e.Outcome != "ok" || e.Status != http.StatusOK {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.CorrelationID != "corr-audit" {
		t.Errorf("correlation id = %q, want corr-audit", e.CorrelationID)
	}
	if e.TenantID != "tenant-1" || e.UserID != "user-1" {
		t.Errorf("identity not recorded: %+v", e)
	}
}

// =============================================================================
// Transport failure translation
// =============================================================================

func TestDownstreamUnreachable_Synthesizes500(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		// Point web3 at a closed port.
		dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := dead.URL
		dead.Close()
		cfg.Services["web3"] = config.ServiceConfig{URL: url, Timeout: "1s"}
	})

	before := env.gw.monitor.Service("web3").ConsecutiveErrors
	rec := env.do(t, "GET", "/api/v1/web3/wallets", token(t, nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var env2 struct {
		Error struct {
			Code          string `json:"code"`
			Service       string `json:"service"`
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env2); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env2.Error.Code != server.CodeServiceUnavailable {
		t.Errorf("error code = %q, want %q", env2.Error.Code, server.CodeServiceUnavailable)
	}
	if env2.Error.Service != "web3" {
		t.Errorf("error service = %q, want web3", env2.Error.Service)
	}
	if env2.Error.CorrelationID == "" {
		t.Error("error missing correlation id")
	}
	if got := env.gw.monitor.Service("web3").ConsecutiveErrors; got != before+1 {
		t.Errorf("consecutive errors = %d, want %d", got, before+1)
	}
}

func TestDownstreamApplicationError_RelayedVerbatim(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(`{"error":"subscription lapsed"}`))
		}))
		t.Cleanup(ts.Close)
		cfg.Services["billing"] = config.ServiceConfig{URL: ts.URL, Timeout: "2s"}
	})

	rec := env.do(t, "GET", "/api/v1/billing/invoices", token(t, nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402 relayed", rec.Code)
	}
	if rec.Body.String() != `{"error":"subscription lapsed"}` {
		t.Errorf("body = %q, want downstream body verbatim", rec.Body.String())
	}
	// A live backend's own error is not a liveness failure.
	if got := env.gw.monitor.Service("billing").ConsecutiveErrors; got != 0 {
		t.Errorf("consecutive errors = %d, want 0", got)
	}
}

// =============================================================================
// Construction-time validation
// =============================================================================

func TestNew_RejectsAmbiguousRoutes(t *testing.T) {
	cfg := config.Default()
	cfg.Routes = append(cfg.Routes, config.RouteConfig{Prefix: "/api/v1/billing", Service: "billing"})

	_, err := New(WithConfig(cfg))
	if err == nil {
		t.Fatal("expected construction error for duplicate prefix")
	}
}

func TestRootMetadata(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Name   string            `json:"name"`
		Routes map[string]string `json:"routes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Name != "edge-gateway" {
		t.Errorf("name = %q", body.Name)
	}
	if body.Routes["/api/v1/billing"] != "billing" {
		t.Errorf("routes missing billing group: %v", body.Routes)
	}
}
