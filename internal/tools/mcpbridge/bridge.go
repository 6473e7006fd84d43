// Package mcpbridge exposes tools hosted on Model Context Protocol servers
// as a [tools.Source].
//
// A [Bridge] connects to MCP servers via stdio or streamable-HTTP transports
// using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk),
// keeps the discovered tool catalogue in memory, and routes calls to the
// owning server session. Register the bridge on a tool registry to make its
// tools dispatchable:
//
//	b := mcpbridge.New()
//	if err := b.ConnectAll(ctx, serverConfigs); err != nil { ... }
//	if err := registry.RegisterSource(ctx, b); err != nil { ... }
//	defer b.Close()
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/tools"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP
	// protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP tool server.
type ServerConfig struct {
	// Name is a unique identifier for this server, used in logs and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http.
	Command string

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio.
	URL string

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string
}

// toolEntry records which server serves a discovered tool.
type toolEntry struct {
	def        tools.Definition
	serverName string
}

// Bridge maintains sessions to MCP servers and serves their merged tool
// catalogue. It is safe for concurrent use.
type Bridge struct {
	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession // key: server name
	tools    map[string]toolEntry             // key: tool name

	// client is reused across all server connections; the SDK allows one
	// Client to manage multiple sessions.
	client *mcpsdk.Client
}

// Bridge serves the registry's Source contract.
var _ tools.Source = (*Bridge)(nil)

// New returns a ready-to-use [Bridge] with no connections.
func New() *Bridge {
	return &Bridge{
		sessions: make(map[string]*mcpsdk.ClientSession),
		tools:    make(map[string]toolEntry),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxbridge", Version: "1.0.0"},
			nil,
		),
	}
}

// Connect establishes a session to the server described by cfg and imports
// its tool catalogue. Reconnecting under an existing name closes the old
// session and replaces its tools.
func (b *Bridge) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpbridge: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcpbridge: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpbridge: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("mcpbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []tools.Definition
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, tools.Definition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaString(tool.InputSchema),
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, e := range b.tools {
			if e.serverName == cfg.Name {
				delete(b.tools, name)
			}
		}
	}
	b.sessions[cfg.Name] = session
	for _, def := range discovered {
		b.tools[def.Name] = toolEntry{def: def, serverName: cfg.Name}
	}
	return nil
}

// ConnectAll connects to every configured server concurrently. The first
// failure aborts the remaining connections and is returned; servers that
// connected before the failure stay registered.
func (b *Bridge) ConnectAll(ctx context.Context, cfgs []ServerConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range cfgs {
		g.Go(func() error {
			return b.Connect(gctx, cfg)
		})
	}
	return g.Wait()
}

// List returns the merged tool catalogue across all connected servers.
func (b *Bridge) List(context.Context) ([]tools.Definition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	defs := make([]tools.Definition, 0, len(b.tools))
	for _, e := range b.tools {
		defs = append(defs, e.def)
	}
	return defs, nil
}

// Call routes the named tool call to its owning server session. args must be
// a JSON object string; "{}" is valid for parameter-less tools. A result the
// server flags as an application-level error is returned as a Go error
// carrying the result text.
func (b *Bridge) Call(ctx context.Context, name, args string) (string, error) {
	b.mu.RLock()
	entry, ok := b.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = b.sessions[entry.serverName]
	}
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcpbridge: tool %q not found", name)
	}
	if session == nil {
		return "", fmt.Errorf("mcpbridge: server %q not connected for tool %q", entry.serverName, name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("mcpbridge: invalid args JSON for tool %q: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcpbridge: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcpbridge: tool %q reported an error: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down all server sessions and clears the catalogue. The bridge
// must not be used after Close.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	b.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaString renders a tool's input schema as a JSON string, defaulting to
// a bare object schema when the server declared none.
func schemaString(schema any) string {
	if schema == nil {
		return `{"type":"object"}`
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return `{"type":"object"}`
	}
	return string(data)
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
