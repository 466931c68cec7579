// Package config provides the configuration schema and loader for the Parley
// conversation broker.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/internal/toolreg"
)

// Duration wraps time.Duration so YAML values like "15s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %q is not a duration: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel controls log verbosity for the broker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backends BackendsConfig `yaml:"backends"`
	Budget   BudgetConfig   `yaml:"budget"`
	Billing  BillingConfig  `yaml:"billing"`
	Tools    ToolsConfig    `yaml:"tools"`
}

// ServerConfig holds network, identity, and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the chat API (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address serving /metrics and the health probes
	// (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// SignatureSecret keys the turn-integrity digest. Required.
	SignatureSecret string `yaml:"signature_secret"`

	// JWTSecret verifies bearer tokens. Required.
	JWTSecret string `yaml:"jwt_secret"`

	// SSEKeepAlive is the interval between keep-alive comments on idle SSE
	// streams. Zero means the built-in default.
	SSEKeepAlive Duration `yaml:"sse_keepalive"`
}

// BackendsConfig declares the LLM backends and model routing defaults.
type BackendsConfig struct {
	// Entries lists the configured backends. Entry names are the provider
	// prefixes of model identifiers ("openai/gpt-4o" routes to the entry
	// named "openai").
	Entries []BackendEntry `yaml:"entries"`

	// Default names the entry used for model identifiers without a provider
	// prefix. Empty means the first entry.
	Default string `yaml:"default"`

	// FreeModel is the model anonymous and exhausted accounts fall back to.
	// Required.
	FreeModel string `yaml:"free_model"`
}

// BackendEntry configures one LLM backend.
type BackendEntry struct {
	// Name is the routing prefix for this backend. Required and unique.
	Name string `yaml:"name"`

	// Kind selects the implementation: "openai" uses the native OpenAI
	// client; anything else ("anthropic", "gemini", "ollama", "deepseek",
	// "mistral", "groq", ...) goes through the any-llm multi-vendor client.
	// Empty defaults to Name.
	Kind string `yaml:"kind"`

	// APIKey authenticates against the backend, if it needs one.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the default model for capability probing when a request
	// names only the backend.
	Model string `yaml:"model"`

	// Fallbacks names other entries tried, in order, when this backend's
	// circuit breaker trips.
	Fallbacks []string `yaml:"fallbacks"`
}

// BudgetConfig tunes the Budget Gate.
type BudgetConfig struct {
	// TurnThreshold is the conversation length at which billing starts.
	// Zero means the built-in default of 10.
	TurnThreshold int `yaml:"turn_threshold"`
}

// BillingConfig wires the money collaborators. All fields optional; without
// a DSN the broker runs with an empty in-memory ledger and every account
// reads as unfunded.
type BillingConfig struct {
	// PostgresDSN is the connection string of the ledger database.
	PostgresDSN string `yaml:"postgres_dsn"`

	// StripeAPIKey enables recording Stripe payments as ledger credits.
	StripeAPIKey string `yaml:"stripe_api_key"`

	// PricePerMillionTokens is the blended usage price as a decimal string
	// (e.g. "2.00"). Empty means the built-in default.
	PricePerMillionTokens string `yaml:"price_per_million_tokens"`
}

// ToolsConfig lists external MCP servers whose tools are imported as
// backend tools.
type ToolsConfig struct {
	MCPServers []toolreg.MCPServerConfig `yaml:"mcp_servers"`
}
