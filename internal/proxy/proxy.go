// Package proxy forwards inbound requests to downstream services. Every
// round trip produces an explicit Result so the call site handles success,
// downstream application errors, and transport failures exhaustively.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nimbuslabs/edge-gateway/internal/health"
	"github.com/nimbuslabs/edge-gateway/internal/server"
)

// OutcomeKind classifies a downstream round trip.
type OutcomeKind int

const (
	// OutcomeOK means the downstream answered with a 2xx.
	OutcomeOK OutcomeKind = iota
	// OutcomeApplicationError means the downstream was reachable but
	// answered with its own error status. Relayed verbatim.
	OutcomeApplicationError
	// OutcomeTransportFailure means the downstream was unreachable or timed
	// out. The gateway synthesizes the reply.
	OutcomeTransportFailure
)

// String returns the outcome label used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeApplicationError:
		return "application_error"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one proxied call. Exactly one is produced per
// request regardless of how the downstream behaved.
type Result struct {
	Kind       OutcomeKind
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Service    string
	Err        error
}

// target is a resolved downstream: base URL plus a client carrying its own
// timeout and connection budget, so one slow service cannot exhaust
// another's resources.
type target struct {
	baseURL string
	client  *http.Client
}

// Service is a downstream the forwarder can reach.
type Service struct {
	Name    string
	URL     string
	Timeout time.Duration
}

// Forwarder proxies requests to a closed set of downstream services resolved
// at construction.
type Forwarder struct {
	targets map[string]target
	monitor *health.Monitor
	logger  *slog.Logger
}

// NewForwarder builds a forwarder for the given services. The service set is
// fixed here; Forward never has to handle an unknown name at runtime.
func NewForwarder(services []Service, monitor *health.Monitor, logger *slog.Logger) (*Forwarder, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("forwarder needs at least one downstream service")
	}
	if logger == nil {
		logger = slog.Default()
	}

	targets := make(map[string]target, len(services))
	for _, svc := range services {
		if svc.Timeout <= 0 {
			return nil, fmt.Errorf("service %s has no call timeout", svc.Name)
		}
		targets[svc.Name] = target{
			baseURL: svc.URL,
			client: &http.Client{
				Timeout: svc.Timeout,
				Transport: &http.Transport{
					MaxIdleConnsPerHost: 16,
					IdleConnTimeout:     90 * time.Second,
				},
				// Redirects belong to the caller. A 3xx is relayed like any
				// other downstream status, never chased.
				CheckRedirect: func(*http.Request, []*http.Request) error {
					return http.ErrUseLastResponse
				},
			},
		}
	}
	return &Forwarder{targets: targets, monitor: monitor, logger: logger}, nil
}

// hopHeaders are stripped before forwarding, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forward sends the inbound request to the named downstream service. The
// outbound call keeps the original method, path, query, and body, with
// headers enriched by the correlation id and, when present, tenant and user
// ids. Health is reported on every call: reachability counts as success even
// when the downstream answers with its own error.
func (f *Forwarder) Forward(ctx context.Context, serviceName string, r *http.Request) Result {
	t, ok := f.targets[serviceName]
	if !ok {
		// Unreachable when the route table is validated against the service
		// set at startup.
		return Result{
			Kind:    OutcomeTransportFailure,
			Service: serviceName,
			Err:     fmt.Errorf("service %s is not configured", serviceName),
		}
	}

	outURL := t.baseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		outURL += "?" + r.URL.RawQuery
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, r.Method, outURL, r.Body)
	if err != nil {
		return Result{
			Kind:    OutcomeTransportFailure,
			Service: serviceName,
			Elapsed: time.Since(start),
			Err:     err,
		}
	}

	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Set(server.CorrelationHeader, server.GetCorrelationID(ctx))
	if ac := server.GetAuth(ctx); ac != nil {
		if ac.TenantID != "" {
			req.Header.Set("X-Tenant-ID", ac.TenantID)
		}
		if ac.UserID != "" {
			req.Header.Set("X-User-ID", ac.UserID)
		}
	}

	resp, err := t.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		f.logger.Warn("downstream transport failure",
			slog.String("service", serviceName),
			slog.String("correlation_id", server.GetCorrelationID(ctx)),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		f.monitor.RecordFailure(serviceName, elapsed)
		return Result{
			Kind:    OutcomeTransportFailure,
			Service: serviceName,
			Elapsed: elapsed,
			Err:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.monitor.RecordFailure(serviceName, elapsed)
		return Result{
			Kind:    OutcomeTransportFailure,
			Service: serviceName,
			Elapsed: time.Since(start),
			Err:     fmt.Errorf("read downstream response: %w", err),
		}
	}

	// The service answered, so it is reachable. A 4xx or 5xx here is the
	// backend's own decision, not a liveness signal.
	f.monitor.RecordSuccess(serviceName, elapsed)

	kind := OutcomeOK
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind = OutcomeApplicationError
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	return Result{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Elapsed:    time.Since(start),
		Service:    serviceName,
	}
}
