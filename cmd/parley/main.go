// Command parley is the main entry point for the Parley conversation broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/parley-ai/parley/internal/billing"
	"github.com/parley-ai/parley/internal/budget"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/gateway"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/memgate"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/server"
	"github.com/parley-ai/parley/internal/signature"
	"github.com/parley-ai/parley/internal/toolreg"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/llm/anyllm"
	"github.com/parley-ai/parley/pkg/provider/llm/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── LLM backends ──────────────────────────────────────────────────────────
	backends, err := buildBackends(cfg)
	if err != nil {
		slog.Error("failed to build LLM backends", "err", err)
		return 1
	}
	gw, err := gateway.New(backends, cfg.DefaultBackend(), metrics)
	if err != nil {
		slog.Error("failed to build gateway", "err", err)
		return 1
	}

	// ── Tool registry ─────────────────────────────────────────────────────────
	registry := toolreg.New()
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Warn("tool registry close error", "err", err)
		}
	}()
	for _, mcpCfg := range cfg.Tools.MCPServers {
		if err := registry.ImportMCPServer(ctx, mcpCfg); err != nil {
			slog.Error("failed to import MCP server", "server", mcpCfg.Name, "err", err)
			return 1
		}
		slog.Info("MCP server connected", "server", mcpCfg.Name, "transport", mcpCfg.Transport)
	}

	// ── Billing ───────────────────────────────────────────────────────────────
	var (
		biller   budget.Biller
		payments *billing.StripePayments
		probes   []health.Check
	)
	if cfg.Billing.PostgresDSN != "" {
		ledger, closeLedger, err := billing.Open(ctx, cfg.Billing.PostgresDSN)
		if err != nil {
			slog.Error("failed to open billing ledger", "err", err)
			return 1
		}
		defer closeLedger()
		biller = ledger
		probes = append(probes, health.LedgerCheck(ledger))

		if cfg.Billing.StripeAPIKey != "" {
			payments, err = billing.NewStripePayments(cfg.Billing.StripeAPIKey, ledger)
			if err != nil {
				slog.Error("failed to build Stripe payments", "err", err)
				return 1
			}
		}
	} else {
		slog.Warn("no postgres_dsn configured — running with an empty ledger, paid models downgrade past the free turn threshold")
		biller = billing.NewNullLedger()
	}

	// ── Gates and orchestrator ────────────────────────────────────────────────
	gate, err := budget.New(biller, cfg.Backends.FreeModel,
		budget.WithTurnThreshold(cfg.Budget.TurnThreshold),
		budget.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to build budget gate", "err", err)
		return 1
	}
	memory, err := memgate.New(gw, memgate.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to build memory gate", "err", err)
		return 1
	}
	signer, err := signature.New([]byte(cfg.Server.SignatureSecret))
	if err != nil {
		slog.Error("failed to build signer", "err", err)
		return 1
	}

	orchOpts := []orchestrator.Option{orchestrator.WithMetrics(metrics)}
	if cfg.Billing.PricePerMillionTokens != "" {
		price, err := decimal.NewFromString(cfg.Billing.PricePerMillionTokens)
		if err != nil {
			slog.Error("invalid price_per_million_tokens", "err", err)
			return 1
		}
		orchOpts = append(orchOpts, orchestrator.WithCost(perMillionTokens(price)))
	}
	orch, err := orchestrator.New(gw, registry, gate, memory, signer, orchOpts...)
	if err != nil {
		slog.Error("failed to build orchestrator", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	auth, err := server.NewAuthenticator([]byte(cfg.Server.JWTSecret))
	if err != nil {
		slog.Error("failed to build authenticator", "err", err)
		return 1
	}
	srvOpts := []server.Option{
		server.WithKeepAliveInterval(cfg.Server.SSEKeepAlive.Std()),
		server.WithMetrics(metrics),
	}
	if payments != nil {
		srvOpts = append(srvOpts, server.WithPayments(payments))
	}
	srv, err := server.New(orch, auth, srvOpts...)
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	backendNames := make([]string, 0, len(backends))
	for name := range backends {
		backendNames = append(backendNames, name)
	}
	probes = append(probes, health.BackendCheck(backendNames))

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, payments != nil)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx, cfg.Server.ListenAddr, cfg.Server.MetricsAddr, health.New(probes...), promhttp.Handler()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// buildBackends instantiates every configured backend. Entries with fallbacks
// are wrapped in a circuit-breaking provider chain that tries the listed
// backends in order.
func buildBackends(cfg *config.Config) (map[string]llm.Provider, error) {
	base := make(map[string]llm.Provider, len(cfg.Backends.Entries))
	for _, entry := range cfg.Backends.Entries {
		p, err := buildBackend(entry)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", entry.Name, err)
		}
		base[entry.Name] = p
		slog.Info("backend created", "name", entry.Name, "model", entry.Model)
	}

	// Fallback chains reference other entries, so they wrap the finished base
	// set in a second pass.
	backends := make(map[string]llm.Provider, len(base))
	for _, entry := range cfg.Backends.Entries {
		if len(entry.Fallbacks) == 0 {
			backends[entry.Name] = base[entry.Name]
			continue
		}
		chain := resilience.NewProviderChain(resilience.BreakerConfig{Name: entry.Name})
		chain.Add(entry.Name, base[entry.Name])
		for _, name := range entry.Fallbacks {
			chain.Add(name, base[name])
		}
		backends[entry.Name] = chain
		slog.Info("backend failover chain created", "name", entry.Name, "fallbacks", entry.Fallbacks)
	}
	return backends, nil
}

func buildBackend(entry config.BackendEntry) (llm.Provider, error) {
	kind := entry.Kind
	if kind == "" {
		kind = entry.Name
	}

	// The native OpenAI client supports organisation-scoped keys and is the
	// reference implementation for tool-call streaming; everything else goes
	// through the any-llm adapter.
	if kind == "openai" {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(kind, entry.Model, opts...)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// perMillionTokens builds a cost function charging a flat blended price per
// million total tokens.
func perMillionTokens(price decimal.Decimal) orchestrator.CostFunc {
	million := decimal.NewFromInt(1_000_000)
	return func(_ string, usage llm.Usage) decimal.Decimal {
		return price.Mul(decimal.NewFromInt(int64(usage.TotalTokens))).Div(million)
	}
}

func printStartupSummary(cfg *config.Config, stripeEnabled bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Backends        : %-19d ║\n", len(cfg.Backends.Entries))
	fmt.Printf("║  Default backend : %-19s ║\n", cfg.DefaultBackend())
	fmt.Printf("║  Free model      : %-19s ║\n", cfg.Backends.FreeModel)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Tools.MCPServers))
	if cfg.Billing.PostgresDSN != "" {
		fmt.Printf("║  Ledger          : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Ledger          : %-19s ║\n", "(none)")
	}
	if stripeEnabled {
		fmt.Printf("║  Stripe          : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Stripe          : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  Metrics addr    : %-19s ║\n", cfg.Server.MetricsAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
