// Package tools resolves tool integrations for runnables: registered Go
// functions and MCP server connections.
//
// MCP connections are expensive to build, so the Registry caches one
// initialized client per distinct connection configuration.
package tools

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrToolNotFound is returned for an unregistered function or unknown MCP tool.
	ErrToolNotFound = errors.New("tools: tool not found")

	// ErrMCPConnection is returned when an MCP server cannot be reached or initialized.
	ErrMCPConnection = errors.New("tools: mcp connection failed")
)

// Connection types for MCPServerConfig.
const (
	ConnectionCommand = "command"
	ConnectionURL     = "url"
)

// MCPServerConfig describes how to reach an MCP server.
type MCPServerConfig struct {
	ConnectionType string            `json:"connection_type"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	URL            string            `json:"url,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ToolNamePrefix string            `json:"tool_name_prefix,omitempty"`
}

// Validate checks that the fields required by the connection type are set.
func (c MCPServerConfig) Validate() error {
	switch c.ConnectionType {
	case ConnectionCommand:
		if c.Command == "" {
			return fmt.Errorf("%w: command is required for command connections", ErrMCPConnection)
		}
	case ConnectionURL:
		if c.URL == "" {
			return fmt.Errorf("%w: url is required for url connections", ErrMCPConnection)
		}
	default:
		return fmt.Errorf("%w: unsupported connection type %q", ErrMCPConnection, c.ConnectionType)
	}
	return nil
}

// Fingerprint is a stable hash of every field that affects the connection.
// encoding/json sorts map keys, so equal configs always hash the same.
func (c MCPServerConfig) Fingerprint() string {
	b, _ := json.Marshal(c)
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Func is a tool implemented in Go.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Dialer opens an MCP client for cfg. The returned client may or may not be started.
type Dialer func(ctx context.Context, cfg MCPServerConfig) (*client.Client, error)

// Connection is an initialized MCP client and the tools it exposes.
type Connection struct {
	Client *client.Client
	Server mcp.Implementation
	Tools  []mcp.Tool
	prefix string
}

// ToolNames returns the exposed tool names with the configured prefix applied.
func (c *Connection) ToolNames() []string {
	names := make([]string, len(c.Tools))
	for i, t := range c.Tools {
		names[i] = c.prefix + t.Name
	}
	return names
}

// CallTool invokes a tool by its prefixed name.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	bare, ok := strings.CutPrefix(name, c.prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = bare
	req.Params.Arguments = args
	res, err := c.Client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tools: call %s: %w", name, err)
	}
	return res, nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithDialer replaces the default stdio/HTTP dialer.
func WithDialer(d Dialer) Option {
	return func(r *Registry) { r.dial = d }
}

// WithClientInfo sets the name and version announced to MCP servers.
func WithClientInfo(name, version string) Option {
	return func(r *Registry) { r.clientInfo = mcp.Implementation{Name: name, Version: version} }
}

// Registry maps tool references to callables and caches MCP connections.
// It is safe for concurrent use.
type Registry struct {
	logger     *slog.Logger
	dial       Dialer
	clientInfo mcp.Implementation

	mu        sync.Mutex
	functions map[string]Func
	conns     map[string]*Connection
	group     singleflight.Group
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:     logger,
		dial:       dialMCP,
		clientInfo: mcp.Implementation{Name: "michi", Version: "dev"},
		functions:  map[string]Func{},
		conns:      map[string]*Connection{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFunction adds or replaces a Go tool.
func (r *Registry) RegisterFunction(name string, fn Func) error {
	if name == "" {
		return errors.New("tools: function name is required")
	}
	if fn == nil {
		return fmt.Errorf("tools: function %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
	return nil
}

// Function returns a registered Go tool.
func (r *Registry) Function(name string) (Func, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: function %q", ErrToolNotFound, name)
	}
	return fn, nil
}

// Functions returns the registered function names in sorted order.
func (r *Registry) Functions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MCP returns the cached connection for cfg, connecting on first use.
// Concurrent callers with the same config share a single connect.
func (r *Registry) MCP(ctx context.Context, cfg MCPServerConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cfg.Fingerprint()

	r.mu.Lock()
	conn, ok := r.conns[key]
	r.mu.Unlock()
	if ok {
		return conn, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if conn, ok := r.conns[key]; ok {
			r.mu.Unlock()
			return conn, nil
		}
		r.mu.Unlock()

		// The connection outlives this caller, so it must not inherit its cancellation.
		conn, err := r.connect(context.WithoutCancel(ctx), cfg)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.conns[key] = conn
		r.mu.Unlock()
		r.logger.Info("tools: mcp connection established",
			"connection_type", cfg.ConnectionType, "server", conn.Server.Name, "tools", len(conn.Tools))
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (r *Registry) connect(ctx context.Context, cfg MCPServerConfig) (*Connection, error) {
	c, err := r.dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMCPConnection, err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: start: %v", ErrMCPConnection, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = r.clientInfo
	initRes, err := c.Initialize(ctx, initReq)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: initialize: %v", ErrMCPConnection, err)
	}

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: list tools: %v", ErrMCPConnection, err)
	}

	return &Connection{
		Client: c,
		Server: initRes.ServerInfo,
		Tools:  tools.Tools,
		prefix: cfg.ToolNamePrefix,
	}, nil
}

// Len returns the number of cached MCP connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close closes every cached MCP connection and empties the cache.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = map[string]*Connection{}
	r.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dialMCP opens stdio or streamable HTTP clients.
func dialMCP(_ context.Context, cfg MCPServerConfig) (*client.Client, error) {
	switch cfg.ConnectionType {
	case ConnectionCommand:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case ConnectionURL:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return client.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported connection type %q", cfg.ConnectionType)
	}
}
