package mcphub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// cacheTTL bounds how long aggregated capability lists stay valid without an
// explicit invalidation.
const cacheTTL = 60 * time.Second

// Tool is a callable remote operation exposed by a provider server.
type Tool struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	InputSchema  *jsonschema.Schema `json:"inputSchema,omitempty"`
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty"`
	Server       string             `json:"server"`
	AlwaysAllow  bool               `json:"alwaysAllow,omitempty"`
}

// Resource is a URI-addressable piece of content exposed by a provider
// server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Server      string `json:"server"`
}

// Prompt is a named template exposed by a provider server. Template text is
// only materialized by GetPrompt; listings carry the declared parameters.
type Prompt struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Server      string           `json:"server"`
}

// PromptArgument describes one parameter of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// capabilityCache holds the aggregated lists, each with its own computation
// timestamp. Lists are unset after invalidation and recomputed lazily; a list
// older than cacheTTL is never returned. The generation counter detects
// invalidations that land while a recompute is in flight: such a recompute
// may predate the topology change, so its result must not be cached.
type capabilityCache struct {
	mu  sync.Mutex
	gen uint64

	tools             []Tool
	toolsComputed     time.Time
	resources         []Resource
	resourcesComputed time.Time
	prompts           []Prompt
	promptsComputed   time.Time
}

func (c *capabilityCache) invalidate() {
	c.mu.Lock()
	c.gen++
	c.tools, c.resources, c.prompts = nil, nil, nil
	c.toolsComputed, c.resourcesComputed, c.promptsComputed = time.Time{}, time.Time{}, time.Time{}
	c.mu.Unlock()
}

func cacheFresh(computed time.Time) bool {
	return !computed.IsZero() && time.Since(computed) < cacheTTL
}

// GetTools returns the aggregated tool list across all enabled, connected
// servers, deduplicated by (server, id) with the first occurrence winning.
func (h *Hub) GetTools(ctx context.Context) []Tool {
	h.cache.mu.Lock()
	if cacheFresh(h.cache.toolsComputed) {
		cached := append([]Tool(nil), h.cache.tools...)
		h.cache.mu.Unlock()
		return cached
	}
	gen := h.cache.gen
	h.cache.mu.Unlock()

	var all []Tool
	seen := make(map[string]struct{})
	for _, conn := range h.activeConnections() {
		tools, err := h.serverTools(ctx, conn)
		if err != nil {
			h.logger.Error("list tools failed", "server", conn.Name, "source", conn.Source, "error", err)
			continue
		}
		for _, tool := range tools {
			key := tool.Server + "\x00" + tool.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, tool)
		}
	}

	h.cache.mu.Lock()
	if h.cache.gen == gen {
		h.cache.tools = all
		h.cache.toolsComputed = time.Now()
	}
	h.cache.mu.Unlock()
	return append([]Tool(nil), all...)
}

// GetResources returns the aggregated resource list, deduplicated by
// (server, uri).
func (h *Hub) GetResources(ctx context.Context) []Resource {
	h.cache.mu.Lock()
	if cacheFresh(h.cache.resourcesComputed) {
		cached := append([]Resource(nil), h.cache.resources...)
		h.cache.mu.Unlock()
		return cached
	}
	gen := h.cache.gen
	h.cache.mu.Unlock()

	var all []Resource
	seen := make(map[string]struct{})
	for _, conn := range h.activeConnections() {
		resources, err := h.serverResources(ctx, conn)
		if err != nil {
			h.logger.Error("list resources failed", "server", conn.Name, "source", conn.Source, "error", err)
			continue
		}
		for _, resource := range resources {
			key := resource.Server + "\x00" + resource.URI
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, resource)
		}
	}

	h.cache.mu.Lock()
	if h.cache.gen == gen {
		h.cache.resources = all
		h.cache.resourcesComputed = time.Now()
	}
	h.cache.mu.Unlock()
	return append([]Resource(nil), all...)
}

// GetPrompts returns the aggregated prompt list, deduplicated by
// (server, id).
func (h *Hub) GetPrompts(ctx context.Context) []Prompt {
	h.cache.mu.Lock()
	if cacheFresh(h.cache.promptsComputed) {
		cached := append([]Prompt(nil), h.cache.prompts...)
		h.cache.mu.Unlock()
		return cached
	}
	gen := h.cache.gen
	h.cache.mu.Unlock()

	var all []Prompt
	seen := make(map[string]struct{})
	for _, conn := range h.activeConnections() {
		prompts, err := h.serverPrompts(ctx, conn)
		if err != nil {
			h.logger.Error("list prompts failed", "server", conn.Name, "source", conn.Source, "error", err)
			continue
		}
		for _, prompt := range prompts {
			key := prompt.Server + "\x00" + prompt.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, prompt)
		}
	}

	h.cache.mu.Lock()
	if h.cache.gen == gen {
		h.cache.prompts = all
		h.cache.promptsComputed = time.Now()
	}
	h.cache.mu.Unlock()
	return append([]Prompt(nil), all...)
}

// activeConnections returns enabled, connected connections in deterministic
// (name, source) order. The order is the tie-break for de-duplication.
func (h *Hub) activeConnections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var active []*Connection
	for _, conn := range h.sortedConnectionsLocked() {
		if conn.disabled() || conn.Status != StatusConnected {
			continue
		}
		active = append(active, conn)
	}
	return active
}

func (h *Hub) serverTools(ctx context.Context, conn *Connection) ([]Tool, error) {
	session := h.sessionFor(conn)
	if session == nil {
		return nil, nil
	}
	listCtx, cancel := context.WithTimeout(ctx, conn.timeout())
	defer cancel()
	res, err := session.ListTools(listCtx, nil)
	if err != nil {
		if isMethodUnavailableError(err) {
			return nil, nil
		}
		return nil, err
	}
	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		if t == nil {
			continue
		}
		tools = append(tools, Tool{
			ID:           t.Name,
			Name:         displayName(t.Title, t.Name),
			Description:  t.Description,
			InputSchema:  toSchema(t.InputSchema),
			OutputSchema: toSchema(t.OutputSchema),
			Server:       conn.Name,
			AlwaysAllow:  conn.Config.AllowsTool(t.Name),
		})
	}
	return tools, nil
}

func (h *Hub) serverResources(ctx context.Context, conn *Connection) ([]Resource, error) {
	session := h.sessionFor(conn)
	if session == nil {
		return nil, nil
	}
	listCtx, cancel := context.WithTimeout(ctx, conn.timeout())
	defer cancel()
	res, err := session.ListResources(listCtx, nil)
	if err != nil {
		if isMethodUnavailableError(err) {
			return nil, nil
		}
		return nil, err
	}
	resources := make([]Resource, 0, len(res.Resources))
	for _, r := range res.Resources {
		if r == nil {
			continue
		}
		resources = append(resources, Resource{
			URI:         r.URI,
			Name:        displayName(r.Title, r.Name),
			Description: r.Description,
			Server:      conn.Name,
		})
	}
	return resources, nil
}

func (h *Hub) serverPrompts(ctx context.Context, conn *Connection) ([]Prompt, error) {
	session := h.sessionFor(conn)
	if session == nil {
		return nil, nil
	}
	listCtx, cancel := context.WithTimeout(ctx, conn.timeout())
	defer cancel()
	res, err := session.ListPrompts(listCtx, nil)
	if err != nil {
		if isMethodUnavailableError(err) {
			return nil, nil
		}
		return nil, err
	}
	prompts := make([]Prompt, 0, len(res.Prompts))
	for _, p := range res.Prompts {
		if p == nil {
			continue
		}
		prompt := Prompt{
			ID:          p.Name,
			Name:        displayName(p.Title, p.Name),
			Description: p.Description,
			Server:      conn.Name,
		}
		for _, arg := range p.Arguments {
			if arg == nil {
				continue
			}
			prompt.Arguments = append(prompt.Arguments, PromptArgument{
				Name:        arg.Name,
				Description: arg.Description,
				Required:    arg.Required,
			})
		}
		prompts = append(prompts, prompt)
	}
	return prompts, nil
}

func displayName(title, name string) string {
	if title != "" {
		return title
	}
	return name
}

// toSchema converts a wire-decoded schema value into its typed form. Listings
// from a remote peer arrive as generic JSON maps; in-process servers may hand
// over the typed schema directly.
func toSchema(v any) *jsonschema.Schema {
	switch s := v.(type) {
	case nil:
		return nil
	case *jsonschema.Schema:
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil
	}
	return &schema
}

// isMethodUnavailableError reports whether err looks like the server simply
// does not implement the listing method, in which case listings coerce to
// empty rather than failing the whole aggregate.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")
}
