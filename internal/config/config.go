// Package config loads and validates gateway configuration from an optional
// YAML file plus GATEWAY_-prefixed environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// KnownServices is the closed set of downstream services the gateway fronts.
// Routes and service entries referring to anything outside this set are
// rejected at load time.
var KnownServices = []string{"auth", "tenant", "billing", "web3", "ai", "monitoring"}

type Config struct {
	Environment string                   `koanf:"environment"`
	Server      ServerConfig             `koanf:"server"`
	Auth        AuthConfig               `koanf:"auth"`
	RateLimit   RateLimitConfig          `koanf:"rate_limit"`
	Health      HealthConfig             `koanf:"health"`
	Storage     StorageConfig            `koanf:"storage"`
	Services    map[string]ServiceConfig `koanf:"services"`
	Routes      []RouteConfig            `koanf:"routes"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

type RateLimitConfig struct {
	Requests int    `koanf:"requests"`
	Window   string `koanf:"window"`

	// WindowDuration is the parsed form of Window, filled by Validate.
	WindowDuration time.Duration `koanf:"-"`
}

type HealthConfig struct {
	ProbeInterval    string `koanf:"probe_interval"`
	ProbeTimeout     string `koanf:"probe_timeout"`
	FailureThreshold int    `koanf:"failure_threshold"`

	ProbeIntervalDuration time.Duration `koanf:"-"`
	ProbeTimeoutDuration  time.Duration `koanf:"-"`
}

type StorageConfig struct {
	// Path is the SQLite audit database path. Empty disables auditing.
	Path string `koanf:"path"`
}

type ServiceConfig struct {
	URL     string `koanf:"url"`
	Timeout string `koanf:"timeout"` // duration string like "10s"

	// CallTimeout is the parsed form of Timeout, filled by Validate.
	CallTimeout time.Duration `koanf:"-"`
}

// RouteConfig maps a path prefix to a downstream service plus the policy the
// gateway applies before forwarding.
type RouteConfig struct {
	Prefix    string           `koanf:"prefix"`
	Service   string           `koanf:"service"`
	Auth      bool             `koanf:"auth"`
	Tenant    bool             `koanf:"tenant"`
	Methods   []string         `koanf:"methods"`    // empty means all methods
	RateLimit *RateLimitConfig `koanf:"rate_limit"` // nil means platform default
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Default returns the built-in configuration: local service URLs, open
// auth/tenant routes, and protected billing/web3/ai/monitoring routes.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server:      ServerConfig{Port: 8080},
		RateLimit:   RateLimitConfig{Requests: 100, Window: "60s"},
		Health: HealthConfig{
			ProbeInterval:    "30s",
			ProbeTimeout:     "5s",
			FailureThreshold: 3,
		},
		Services: map[string]ServiceConfig{
			"auth":       {URL: "http://localhost:8001", Timeout: "10s"},
			"tenant":     {URL: "http://localhost:8002", Timeout: "10s"},
			"billing":    {URL: "http://localhost:8003", Timeout: "15s"},
			"web3":       {URL: "http://localhost:8004", Timeout: "30s"},
			"ai":         {URL: "http://localhost:8005", Timeout: "60s"},
			"monitoring": {URL: "http://localhost:8006", Timeout: "10s"},
		},
		Routes: DefaultRoutes(),
	}
}

// DefaultRoutes returns the built-in routing table.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Prefix: "/api/v1/auth", Service: "auth"},
		{Prefix: "/api/v1/tenants", Service: "tenant"},
		{Prefix: "/api/v1/billing", Service: "billing", Auth: true, Tenant: true},
		{Prefix: "/api/v1/web3", Service: "web3", Auth: true, Tenant: true},
		{Prefix: "/api/v1/ai", Service: "ai", Auth: true, Tenant: true},
		{Prefix: "/api/v1/monitoring", Service: "monitoring", Auth: true, Tenant: true},
	}
}

// Load reads configuration from the given YAML file (missing file is fine,
// pass "" for the default "config.yaml"), overlays GATEWAY_ environment
// variables, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Environment variables override file config. GATEWAY_SERVER__PORT=9090
	// becomes server.port.
	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Auth.JWTSecret = substituteEnvVars(cfg.Auth.JWTSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills the parsed duration fields.
// Unknown services, ambiguous route prefixes, and unparseable durations are
// construction-time errors, never runtime ones.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if c.Auth.JWTSecret == "" {
		if c.Environment == "production" {
			return fmt.Errorf("auth.jwt_secret is required in production")
		}
		c.Auth.JWTSecret = "dev-secret-change-me"
	}

	if err := c.RateLimit.validate("rate_limit"); err != nil {
		return err
	}

	var err error
	if c.Health.ProbeIntervalDuration, err = parseDuration("health.probe_interval", c.Health.ProbeInterval); err != nil {
		return err
	}
	if c.Health.ProbeTimeoutDuration, err = parseDuration("health.probe_timeout", c.Health.ProbeTimeout); err != nil {
		return err
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1, got %d", c.Health.FailureThreshold)
	}

	known := make(map[string]bool, len(KnownServices))
	for _, name := range KnownServices {
		known[name] = true
	}

	for name := range c.Services {
		if !known[name] {
			return fmt.Errorf("services.%s is not a known service (known: %s)", name, strings.Join(KnownServices, ", "))
		}
	}
	for _, name := range KnownServices {
		svc, ok := c.Services[name]
		if !ok {
			return fmt.Errorf("services.%s is missing", name)
		}
		u, err := url.Parse(svc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("services.%s.url %q is not a valid URL", name, svc.URL)
		}
		if svc.Timeout == "" {
			svc.Timeout = "10s"
		}
		if svc.CallTimeout, err = parseDuration("services."+name+".timeout", svc.Timeout); err != nil {
			return err
		}
		c.Services[name] = svc
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	prefixes := make(map[string]bool, len(c.Routes))
	overrides := make(map[string]RateLimitConfig)
	for i, rt := range c.Routes {
		if !strings.HasPrefix(rt.Prefix, "/") {
			return fmt.Errorf("routes[%d].prefix %q must start with /", i, rt.Prefix)
		}
		p := strings.TrimRight(rt.Prefix, "/")
		if prefixes[p] {
			return fmt.Errorf("routes[%d].prefix %q is ambiguous: duplicate prefix", i, rt.Prefix)
		}
		prefixes[p] = true
		if !known[rt.Service] {
			return fmt.Errorf("routes[%d].service %q is not a known service", i, rt.Service)
		}
		for _, m := range rt.Methods {
			switch strings.ToUpper(m) {
			case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
			default:
				return fmt.Errorf("routes[%d] has unsupported method %q", i, m)
			}
		}
		if rt.RateLimit != nil {
			if err := rt.RateLimit.validate(fmt.Sprintf("routes[%d].rate_limit", i)); err != nil {
				return err
			}
			// The limit counter is shared per service, so two routes to the
			// same service cannot carry different overrides.
			if prev, ok := overrides[rt.Service]; ok {
				if prev.Requests != rt.RateLimit.Requests || prev.WindowDuration != rt.RateLimit.WindowDuration {
					return fmt.Errorf("routes[%d].rate_limit conflicts with an earlier override for service %q", i, rt.Service)
				}
			} else {
				overrides[rt.Service] = *rt.RateLimit
			}
		}
		c.Routes[i] = rt
	}

	return nil
}

// ServiceNames returns the known service names in stable order.
func (c *Config) ServiceNames() []string {
	names := make([]string, len(KnownServices))
	copy(names, KnownServices)
	sort.Strings(names)
	return names
}

func (r *RateLimitConfig) validate(field string) error {
	if r.Requests < 1 {
		return fmt.Errorf("%s.requests must be at least 1, got %d", field, r.Requests)
	}
	if r.Window == "" {
		r.Window = "60s"
	}
	var err error
	if r.WindowDuration, err = parseDuration(field+".window", r.Window); err != nil {
		return err
	}
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %q", field, raw)
	}
	return d, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
