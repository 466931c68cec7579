package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/internal/toolreg"
)

// knownBackendKinds lists the backend kinds the provider layer can build.
// Unknown kinds are a warning, not an error, so new any-llm providers keep
// working without a config release.
var knownBackendKinds = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.SignatureSecret == "" {
		errs = append(errs, errors.New("server.signature_secret is required"))
	}
	if cfg.Server.JWTSecret == "" {
		errs = append(errs, errors.New("server.jwt_secret is required"))
	}
	if cfg.Server.SSEKeepAlive < 0 {
		errs = append(errs, errors.New("server.sse_keepalive must not be negative"))
	}

	// Backends
	if len(cfg.Backends.Entries) == 0 {
		errs = append(errs, errors.New("backends.entries must list at least one backend"))
	}
	names := make(map[string]int, len(cfg.Backends.Entries))
	for i, entry := range cfg.Backends.Entries {
		prefix := fmt.Sprintf("backends.entries[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, seen := names[entry.Name]; seen {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of backends.entries[%d]", prefix, entry.Name, prev))
		}
		names[entry.Name] = i

		kind := entry.Kind
		if kind == "" {
			kind = entry.Name
		}
		warnUnknownKind(kind)
	}
	for i, entry := range cfg.Backends.Entries {
		for _, fb := range entry.Fallbacks {
			if _, ok := names[fb]; !ok {
				errs = append(errs, fmt.Errorf("backends.entries[%d].fallbacks references unknown backend %q", i, fb))
			}
			if fb == entry.Name {
				errs = append(errs, fmt.Errorf("backends.entries[%d].fallbacks must not reference the entry itself", i))
			}
		}
	}
	if cfg.Backends.Default != "" {
		if _, ok := names[cfg.Backends.Default]; !ok {
			errs = append(errs, fmt.Errorf("backends.default %q is not a configured backend", cfg.Backends.Default))
		}
	}
	if cfg.Backends.FreeModel == "" {
		errs = append(errs, errors.New("backends.free_model is required"))
	} else if backend, _, found := strings.Cut(cfg.Backends.FreeModel, "/"); found {
		if _, ok := names[backend]; !ok && len(names) > 0 {
			errs = append(errs, fmt.Errorf("backends.free_model routes to unknown backend %q", backend))
		}
	}

	// Budget
	if cfg.Budget.TurnThreshold < 0 {
		errs = append(errs, errors.New("budget.turn_threshold must not be negative"))
	}

	// Billing
	if cfg.Billing.PricePerMillionTokens != "" {
		if _, err := decimal.NewFromString(cfg.Billing.PricePerMillionTokens); err != nil {
			errs = append(errs, fmt.Errorf("billing.price_per_million_tokens %q is not a decimal", cfg.Billing.PricePerMillionTokens))
		}
	}
	if cfg.Billing.PostgresDSN == "" {
		slog.Warn("billing.postgres_dsn is empty; paid models will be unavailable past the free turn threshold")
	}
	if cfg.Billing.StripeAPIKey == "" && cfg.Billing.PostgresDSN != "" {
		slog.Warn("billing.stripe_api_key is empty; payments will not be recorded automatically")
	}

	// MCP servers
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == toolreg.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == toolreg.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// DefaultBackend resolves the effective default backend name.
func (c *Config) DefaultBackend() string {
	if c.Backends.Default != "" {
		return c.Backends.Default
	}
	if len(c.Backends.Entries) > 0 {
		return c.Backends.Entries[0].Name
	}
	return ""
}

// warnUnknownKind logs when a backend kind is not in the known list; it may
// be a typo or a provider newer than this binary.
func warnUnknownKind(kind string) {
	for _, known := range knownBackendKinds {
		if kind == known {
			return
		}
	}
	slog.Warn("unknown backend kind — may be a typo or a newer any-llm provider",
		"kind", kind, "known", knownBackendKinds)
}
