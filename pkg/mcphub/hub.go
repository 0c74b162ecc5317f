package mcphub

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// HubOptions configure a Hub instance.
type HubOptions struct {
	// ClientName is advertised to servers during the handshake.
	ClientName string
	// ClientVersion is the semantic version reported to servers.
	ClientVersion string
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *HubOptions) withDefaults() HubOptions {
	opts := HubOptions{}
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-hub"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Hub owns every managed connection, performs capability discovery, and
// reconciles desired configuration against live connections.
type Hub struct {
	opts   HubOptions
	logger *slog.Logger

	mu              sync.RWMutex
	connections     map[ServerKey]*Connection
	changeListeners []func()

	cache capabilityCache

	// newTransport builds the transport for a descriptor; tests substitute
	// in-memory transports here.
	newTransport func(cfg *ServerConfig) (Transport, error)
}

// NewHub constructs an empty Hub. Connections are established through
// ConnectServer or UpdateServerConnections.
func NewHub(opts *HubOptions) *Hub {
	options := opts.withDefaults()
	return &Hub{
		opts:         options,
		logger:       options.Logger,
		connections:  make(map[ServerKey]*Connection),
		newTransport: NewTransport,
	}
}

// OnTopologyChange registers fn to run after any connection is added,
// removed, or changes status. Callbacks run synchronously with the mutation,
// after the capability cache has been invalidated.
func (h *Hub) OnTopologyChange(fn func()) {
	h.mu.Lock()
	h.changeListeners = append(h.changeListeners, fn)
	h.mu.Unlock()
}

// topologyChanged invalidates the capability cache and notifies listeners.
// Every connection mutation funnels through it.
func (h *Hub) topologyChanged() {
	h.cache.invalidate()
	h.mu.RLock()
	listeners := append([]func(){}, h.changeListeners...)
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// ConnectServer establishes a connection for (name, source), replacing any
// existing connection for the same key. Failures leave an errored placeholder
// so the server stays visible in listings.
func (h *Hub) ConnectServer(ctx context.Context, name string, cfg *ServerConfig, source ServerSource) error {
	key := ServerKey{Name: name, Source: source}
	h.removeConnection(ctx, key)

	conn := &Connection{Name: name, Source: source, Config: cfg, Status: StatusConnecting}
	h.mu.Lock()
	h.connections[key] = conn
	h.mu.Unlock()
	h.topologyChanged()

	if conn.disabled() {
		h.mu.Lock()
		conn.Status = StatusDisconnected
		h.mu.Unlock()
		h.topologyChanged()
		h.logger.Info("server disabled, skipping connect", "server", name, "source", source)
		return nil
	}

	transport, client, session, err := h.dial(ctx, cfg)
	h.mu.Lock()
	if err != nil {
		conn.Status = StatusError
		conn.Errors = append(conn.Errors, err.Error())
		h.mu.Unlock()
		h.topologyChanged()
		h.logger.Error("connect failed", "server", name, "source", source, "error", err)
		return &ConnectionError{Server: name, Err: err}
	}
	conn.transport = transport
	conn.client = client
	conn.session = session
	conn.Status = StatusConnected
	h.mu.Unlock()
	h.topologyChanged()
	h.logger.Info("server connected", "server", name, "source", source, "transport", transport.Kind())
	return nil
}

func (h *Hub) dial(ctx context.Context, cfg *ServerConfig) (Transport, *mcp.Client, *mcp.ClientSession, error) {
	transport, err := h.newTransport(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	sdkTransport, err := transport.Dial()
	if err != nil {
		return nil, nil, nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    h.opts.ClientName,
		Version: h.opts.ClientVersion,
	}, nil)
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	session, err := client.Connect(connectCtx, sdkTransport, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return transport, client, session, nil
}

// DeleteConnection removes the connection for (name, source) and closes its
// transport. Removing an unknown key is a no-op.
func (h *Hub) DeleteConnection(ctx context.Context, name string, source ServerSource) error {
	if !h.removeConnection(ctx, ServerKey{Name: name, Source: source}) {
		return nil
	}
	h.logger.Info("server removed", "server", name, "source", source)
	return nil
}

func (h *Hub) removeConnection(ctx context.Context, key ServerKey) bool {
	h.mu.Lock()
	conn, ok := h.connections[key]
	if ok {
		delete(h.connections, key)
		conn.Status = StatusDisconnected
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.topologyChanged()
	if err := closeSession(ctx, conn.session); err != nil {
		h.logger.Warn("close session", "server", key.Name, "source", key.Source, "error", err)
	}
	return true
}

// RestartConnection tears down and re-establishes one server using its last
// known configuration.
func (h *Hub) RestartConnection(ctx context.Context, name string, source ServerSource) error {
	h.mu.RLock()
	conn, ok := h.connections[ServerKey{Name: name, Source: source}]
	var cfg *ServerConfig
	if ok {
		cfg = conn.Config
	}
	h.mu.RUnlock()
	if !ok {
		return &NotFoundError{Kind: "server", Name: name}
	}
	return h.ConnectServer(ctx, name, cfg, source)
}

// UpdateServerConnections reconciles the desired configuration for one source
// against live connections: connections whose name disappeared are deleted,
// new or changed entries are (re)connected, and entries with structurally
// equal configuration are left untouched. One server's failure never aborts
// reconciliation of the others.
func (h *Hub) UpdateServerConnections(ctx context.Context, desired map[string]*ServerConfig, source ServerSource) {
	h.mu.RLock()
	var stale []ServerKey
	for key := range h.connections {
		if key.Source != source {
			continue
		}
		if _, ok := desired[key.Name]; !ok {
			stale = append(stale, key)
		}
	}
	h.mu.RUnlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i].Name < stale[j].Name })
	for _, key := range stale {
		if err := h.DeleteConnection(ctx, key.Name, key.Source); err != nil {
			h.logger.Error("reconcile delete failed", "server", key.Name, "error", err)
		}
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cfg := desired[name]
		h.mu.RLock()
		existing := h.connections[ServerKey{Name: name, Source: source}]
		h.mu.RUnlock()
		if existing != nil && existing.Config.Equal(cfg) {
			continue
		}
		if err := h.ConnectServer(ctx, name, cfg, source); err != nil {
			h.logger.Error("reconcile connect failed", "server", name, "source", source, "error", err)
		}
	}
}

// GetServers returns snapshots of all enabled servers.
func (h *Hub) GetServers() []ServerInfo {
	return h.listServers(false)
}

// GetAllServers returns snapshots of every server, disabled included.
func (h *Hub) GetAllServers() []ServerInfo {
	return h.listServers(true)
}

func (h *Hub) listServers(includeDisabled bool) []ServerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	infos := make([]ServerInfo, 0, len(h.connections))
	for _, conn := range h.sortedConnectionsLocked() {
		if conn.disabled() && !includeDisabled {
			continue
		}
		infos = append(infos, ServerInfo{
			Name:     conn.Name,
			Source:   conn.Source,
			Status:   conn.Status,
			Errors:   append([]string(nil), conn.Errors...),
			Disabled: conn.disabled(),
			Config:   conn.Config,
		})
	}
	return infos
}

// sortedConnectionsLocked returns connections ordered by name, then source
// (global before project). Aggregation de-duplication depends on this order.
func (h *Hub) sortedConnectionsLocked() []*Connection {
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].Name != conns[j].Name {
			return conns[i].Name < conns[j].Name
		}
		return conns[i].Source < conns[j].Source
	})
	return conns
}

// connectionNamed resolves a server by name alone; when both sources define
// the name, the project entry wins.
func (h *Hub) connectionNamed(name string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn, ok := h.connections[ServerKey{Name: name, Source: SourceProject}]; ok {
		return conn
	}
	if conn, ok := h.connections[ServerKey{Name: name, Source: SourceGlobal}]; ok {
		return conn
	}
	return nil
}

func (h *Hub) sessionFor(conn *Connection) *mcp.ClientSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn.session
}

// CallResult carries either a tool's result payload or an error string, never
// both.
type CallResult struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// CallTool validates args against the tool's declared input schema and
// dispatches the call. It never returns a Go error: every failure, including
// transport faults, is folded into CallResult.Error.
func (h *Hub) CallTool(ctx context.Context, server, toolID string, args map[string]any) CallResult {
	conn := h.connectionNamed(server)
	if conn == nil {
		return CallResult{Error: (&NotFoundError{Kind: "server", Name: server}).Error()}
	}
	session := h.sessionFor(conn)
	if session == nil {
		return CallResult{Error: fmt.Sprintf("Server %s is not connected", server)}
	}

	tool, err := h.findTool(ctx, conn, toolID)
	if err != nil {
		return CallResult{Error: err.Error()}
	}
	if tool == nil {
		return CallResult{Error: (&NotFoundError{Kind: "tool", Name: toolID, Server: server}).Error()}
	}

	if fields := validateToolArguments(tool.InputSchema, args); len(fields) > 0 {
		parts := make([]string, len(fields))
		for i, f := range fields {
			parts[i] = f.String()
		}
		return CallResult{Error: strings.Join(parts, ", ")}
	}

	callCtx, cancel := context.WithTimeout(ctx, conn.timeout())
	defer cancel()
	res, err := session.CallTool(callCtx, &mcp.CallToolParams{Name: toolID, Arguments: args})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CallResult{Error: (&TimeoutError{Server: server, Timeout: conn.timeout()}).Error()}
		}
		return CallResult{Error: err.Error()}
	}
	if res.IsError {
		execErr := &ToolExecutionError{Server: server, Tool: toolID, Detail: firstTextContent(res.Content)}
		return CallResult{Error: execErr.Error()}
	}
	if res.StructuredContent != nil {
		return CallResult{Result: res.StructuredContent}
	}
	return CallResult{Result: res.Content}
}

func (h *Hub) findTool(ctx context.Context, conn *Connection, toolID string) (*Tool, error) {
	tools, err := h.serverTools(ctx, conn)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].ID == toolID {
			return &tools[i], nil
		}
	}
	return nil, nil
}

func firstTextContent(content []mcp.Content) string {
	for _, c := range content {
		if text, ok := c.(*mcp.TextContent); ok && text.Text != "" {
			return text.Text
		}
	}
	return "unknown error"
}

// ResourceResult carries either a resource's content or an error string.
type ResourceResult struct {
	Content  string `json:"content,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReadResource fetches a resource by URI from the named server. Binary
// contents are base64-encoded.
func (h *Hub) ReadResource(ctx context.Context, server, uri string) ResourceResult {
	conn := h.connectionNamed(server)
	if conn == nil {
		return ResourceResult{Error: (&NotFoundError{Kind: "server", Name: server}).Error()}
	}
	session := h.sessionFor(conn)
	if session == nil {
		return ResourceResult{Error: fmt.Sprintf("Server %s is not connected", server)}
	}
	readCtx, cancel := context.WithTimeout(ctx, conn.timeout())
	defer cancel()
	res, err := session.ReadResource(readCtx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return ResourceResult{Error: err.Error()}
	}
	if res == nil || len(res.Contents) == 0 {
		return ResourceResult{Error: (&NotFoundError{Kind: "resource", Name: uri, Server: server}).Error()}
	}
	contents := res.Contents[0]
	out := ResourceResult{MIMEType: contents.MIMEType}
	if contents.Text != "" || len(contents.Blob) == 0 {
		out.Content = contents.Text
	} else {
		out.Content = base64.StdEncoding.EncodeToString(contents.Blob)
	}
	return out
}

// PromptResult carries a rendered prompt or an error string.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// PromptMessage is one rendered message of a prompt template.
type PromptMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// GetPrompt renders the named prompt with the supplied arguments.
func (h *Hub) GetPrompt(ctx context.Context, server, name string, args map[string]string) PromptResult {
	conn := h.connectionNamed(server)
	if conn == nil {
		return PromptResult{Error: (&NotFoundError{Kind: "server", Name: server}).Error()}
	}
	session := h.sessionFor(conn)
	if session == nil {
		return PromptResult{Error: fmt.Sprintf("Server %s is not connected", server)}
	}
	getCtx, cancel := context.WithTimeout(ctx, conn.timeout())
	defer cancel()
	res, err := session.GetPrompt(getCtx, &mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return PromptResult{Error: err.Error()}
	}
	out := PromptResult{Description: res.Description}
	for _, msg := range res.Messages {
		if msg == nil {
			continue
		}
		text := ""
		if tc, ok := msg.Content.(*mcp.TextContent); ok {
			text = tc.Text
		}
		out.Messages = append(out.Messages, PromptMessage{Role: string(msg.Role), Text: text})
	}
	return out
}

// Ping probes a server's session.
func (h *Hub) Ping(ctx context.Context, server string) error {
	conn := h.connectionNamed(server)
	if conn == nil {
		return &NotFoundError{Kind: "server", Name: server}
	}
	session := h.sessionFor(conn)
	if session == nil {
		return fmt.Errorf("mcphub: server %q is not connected", server)
	}
	pingCtx, cancel := context.WithTimeout(ctx, conn.timeout())
	defer cancel()
	return session.Ping(pingCtx, nil)
}

// Close tears down every connection. The hub is unusable afterwards.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for key, conn := range h.connections {
		conn.Status = StatusDisconnected
		conns = append(conns, conn)
		delete(h.connections, key)
	}
	h.mu.Unlock()
	h.topologyChanged()

	var errs []error
	for _, conn := range conns {
		if err := closeSession(ctx, conn.session); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", conn.Name, err))
		}
	}
	return errors.Join(errs...)
}
