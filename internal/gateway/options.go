package gateway

import (
	"fmt"
	"log/slog"

	"github.com/nimbuslabs/edge-gateway/internal/audit"
	"github.com/nimbuslabs/edge-gateway/internal/config"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithConfig uses an already-built configuration. It is validated here so a
// Gateway can never be constructed around a malformed routing table.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file plus GATEWAY_
// environment overrides.
func WithConfigFile(path string) Option {
	return func(g *Gateway) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithAuditRecorder overrides the audit recorder built from the storage
// config. Mostly useful in tests.
func WithAuditRecorder(rec audit.Recorder) Option {
	return func(g *Gateway) error {
		g.recorder = rec
		return nil
	}
}
