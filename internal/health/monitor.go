// Package health tracks downstream service liveness. A Monitor owns one
// record per configured service, updated both by a background probe loop and
// by the proxy reporting per-request outcomes.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the liveness classification of a single service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ServiceHealth is a point-in-time snapshot of one downstream service.
type ServiceHealth struct {
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	Status            Status    `json:"status"`
	ResponseTimeMS    int64     `json:"response_time_ms"`
	LastChecked       time.Time `json:"last_checked"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

// Target is a service the monitor watches.
type Target struct {
	Name string
	URL  string
}

// Options tunes the probe loop.
type Options struct {
	// ProbeInterval is how often every target is probed. Default 30s.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single probe call. Default 5s.
	ProbeTimeout time.Duration
	// FailureThreshold is the consecutive-error count at which a service
	// moves from degraded to unhealthy. Default 3.
	FailureThreshold int
	// Client issues probe requests. Default is a plain client; the probe
	// timeout is applied per call regardless.
	Client *http.Client
}

// Monitor owns the mutable health table. All access goes through its
// methods; callers only ever see value snapshots.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]*ServiceHealth
	names   []string // sorted, fixed at construction

	interval  time.Duration
	timeout   time.Duration
	threshold int
	client    *http.Client
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor for the given targets. Every record starts
// unhealthy until the first probe or proxied request says otherwise.
func NewMonitor(targets []Target, opts Options, logger *slog.Logger) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 3
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	records := make(map[string]*ServiceHealth, len(targets))
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		records[t.Name] = &ServiceHealth{
			Name:   t.Name,
			URL:    t.URL,
			Status: StatusUnhealthy,
		}
		names = append(names, t.Name)
	}
	sort.Strings(names)

	return &Monitor{
		records:   records,
		names:     names,
		interval:  opts.ProbeInterval,
		timeout:   opts.ProbeTimeout,
		threshold: opts.FailureThreshold,
		client:    opts.Client,
		logger:    logger,
	}
}

// Start launches the background probe loop. An immediate probe cycle runs
// before the first tick so startup does not wait a full interval for real
// statuses.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		m.probeAll(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeAll(ctx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it to exit. Safe to call when
// Start was never called.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// probeAll probes every target concurrently. Individual probe failures are
// recorded as negative health updates, never propagated.
func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]Target, 0, len(m.names))
	for _, name := range m.names {
		targets = append(targets, Target{Name: name, URL: m.records[name].URL})
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			m.probe(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, t Target) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL+"/health", nil)
	if err != nil {
		m.RecordFailure(t.Name, time.Since(start))
		return
	}

	resp, err := m.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		m.logger.Debug("health probe failed",
			slog.String("service", t.Name),
			slog.String("error", err.Error()))
		m.RecordFailure(t.Name, elapsed)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		m.RecordSuccess(t.Name, elapsed)
	} else {
		m.logger.Debug("health probe returned non-success",
			slog.String("service", t.Name),
			slog.Int("status", resp.StatusCode))
		m.RecordFailure(t.Name, elapsed)
	}
}

// RecordSuccess marks a service healthy and resets its error counter. Called
// by both the probe loop and the proxy after a reachable downstream call.
func (m *Monitor) RecordSuccess(name string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return
	}
	rec.Status = StatusHealthy
	rec.ResponseTimeMS = latency.Milliseconds()
	rec.LastChecked = time.Now()
	rec.ConsecutiveErrors = 0
}

// RecordFailure increments a service's error counter. The service is
// degraded until the failure threshold is reached, unhealthy after.
func (m *Monitor) RecordFailure(name string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return
	}
	rec.ConsecutiveErrors++
	if rec.ConsecutiveErrors >= m.threshold {
		rec.Status = StatusUnhealthy
	} else {
		rec.Status = StatusDegraded
	}
	rec.ResponseTimeMS = latency.Milliseconds()
	rec.LastChecked = time.Now()
}

// Service returns a snapshot of one service's record. Unknown names get a
// synthetic unhealthy zero record; no state is created for them.
func (m *Monitor) Service(name string) ServiceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.records[name]; ok {
		return *rec
	}
	return ServiceHealth{Name: name, Status: StatusUnhealthy}
}

// Services returns snapshots of every record, ordered by service name.
func (m *Monitor) Services() []ServiceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceHealth, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, *m.records[name])
	}
	return out
}

// Aggregate derives the platform status: healthy only when every tracked
// service is healthy, degraded otherwise.
func (m *Monitor) Aggregate() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// HealthyCount returns how many tracked services are currently healthy.
func (m *Monitor) HealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, rec := range m.records {
		if rec.Status == StatusHealthy {
			n++
		}
	}
	return n
}

// Total returns the number of tracked services.
func (m *Monitor) Total() int {
	return len(m.names)
}
