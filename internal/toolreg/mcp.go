package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// Transport selects the connection mechanism for an external MCP server.
type Transport string

const (
	// TransportStdio launches the server as a subprocess and speaks MCP over
	// its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a remote MCP endpoint over HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// MCPServerConfig describes how to reach a single external MCP tool server.
type MCPServerConfig struct {
	// Name is a unique identifier for this server (used in logs and for
	// connection replacement).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is
	// "streamable-http". Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// ImportMCPServer connects to the MCP server described by cfg and registers
// every tool it advertises as a backend tool whose handler proxies the call
// to the server. If a server with the same Name was imported before, its
// connection is closed and its tools are replaced.
//
// Imported tools become indistinguishable from builtin tools to the
// orchestrator: they are advertised via [Registry.DefinitionsFor] and
// executed through their [Handler].
func (r *Registry) ImportMCPServer(ctx context.Context, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolreg: mcp server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("toolreg: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolreg: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolreg: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "parley-toolreg", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolreg: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolreg: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if oldClose, ok := r.closers[cfg.Name]; ok {
		_ = oldClose()
	}
	r.closers[cfg.Name] = session.Close

	for _, mcpTool := range discovered {
		def := llm.ToolDefinition{
			Name:        mcpTool.Name,
			Description: mcpTool.Description,
			Parameters:  schemaToMap(mcpTool.InputSchema),
		}
		r.tools[mcpTool.Name] = Tool{
			Definition: def,
			Handler:    mcpHandler(session, mcpTool.Name),
		}
	}

	return nil
}

// mcpHandler returns a Handler that proxies a call to session.
func mcpHandler(session *mcpsdk.ClientSession, toolName string) Handler {
	return func(ctx context.Context, args string, _ *chat.Request) (string, error) {
		var argsMap map[string]any
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("toolreg: invalid args JSON for tool %q: %w", toolName, err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("toolreg: call to tool %q failed: %w", toolName, err)
		}

		// Concatenate all text content from the result.
		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("toolreg: tool %q reported an error: %s", toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
