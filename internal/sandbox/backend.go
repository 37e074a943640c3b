package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"codepair/internal/config"
	"codepair/internal/runtime"
)

// Backend runs code somewhere isolated and classifies the outcome.
type Backend interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	Close() error
}

// NewBackend builds the HTTP sandbox client from configuration.
func NewBackend(cfg *config.Config, runtimes *runtime.Registry) (Backend, error) {
	if cfg.Sandbox.URL == "" {
		return nil, fmt.Errorf("sandbox.url is not configured")
	}

	client := NewClient(ClientConfig{
		BaseURL:        cfg.Sandbox.URL,
		APIKey:         cfg.Sandbox.APIKey,
		RunTimeout:     cfg.Sandbox.RunTimeout,
		CompileTimeout: cfg.Sandbox.CompileTimeout,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		MaxCodeBytes:   cfg.Sandbox.MaxCodeBytes,
	}, runtimes, &http.Client{
		// The per-call context carries the real deadline.
		Timeout: cfg.Sandbox.RunTimeout + cfg.Sandbox.CompileTimeout + 5*time.Second,
	})

	log.Info().Str("url", cfg.Sandbox.URL).Msg("using HTTP sandbox backend")
	return client, nil
}
