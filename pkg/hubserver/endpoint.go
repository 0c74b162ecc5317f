// Package hubserver re-exposes a hub's aggregated capabilities as a single
// MCP server over the streamable HTTP transport. Every tool and prompt is
// published under a server-prefixed name, and calls route back through the
// hub to the owning connection.
package hubserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hubforge/mcp-hub-go/pkg/mcphub"
)

const (
	metaKeyServer = "mcphub.server"
	metaKeyNative = "mcphub.native_name"

	// nameSeparator joins the server name and the native identifier in the
	// published name. Double underscore stays within the MCP spec's
	// character guidance.
	nameSeparator = "__"
)

// Source is the slice of hub behavior the endpoint consumes. *mcphub.Hub
// satisfies it; tests substitute fakes.
type Source interface {
	GetTools(ctx context.Context) []mcphub.Tool
	GetResources(ctx context.Context) []mcphub.Resource
	GetPrompts(ctx context.Context) []mcphub.Prompt
	CallTool(ctx context.Context, server, toolID string, args map[string]any) mcphub.CallResult
	ReadResource(ctx context.Context, server, uri string) mcphub.ResourceResult
	GetPrompt(ctx context.Context, server, name string, args map[string]string) mcphub.PromptResult
}

var _ Source = (*mcphub.Hub)(nil)

// Options configure an Endpoint.
type Options struct {
	// Implementation identifies the endpoint's MCP server metadata.
	Implementation *mcp.Implementation
	// Path mounts the streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-hub",
			Title:   "MCP Hub",
			Version: "1.0.0",
		}
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Endpoint fronts a Source with one MCP server. Call Sync after topology
// changes to refresh the published registrations; the endpoint never polls.
type Endpoint struct {
	source Source
	opts   Options
	logger *slog.Logger

	server  *mcp.Server
	handler http.Handler

	mu        sync.Mutex
	tools     []string
	prompts   []string
	resources []string
}

// New builds an Endpoint over source and publishes the initial snapshot.
func New(ctx context.Context, source Source, opts *Options) (*Endpoint, error) {
	if source == nil {
		return nil, fmt.Errorf("hubserver: source is required")
	}
	options := opts.withDefaults()
	e := &Endpoint{
		source: source,
		opts:   options,
		logger: options.Logger,
	}
	e.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasPrompts:   true,
		HasResources: true,
	})
	streamHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return e.server
	}, nil)
	e.handler = mountHandler(options.Path, streamHandler)

	e.Sync(ctx)
	return e, nil
}

// Handler returns the mountable HTTP handler serving the streamable endpoint.
func (e *Endpoint) Handler() http.Handler { return e.handler }

// Sync replaces every published registration with the source's current
// snapshot. Callers invoke it after reconciliation or any other topology
// change.
func (e *Endpoint) Sync(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncToolsLocked(ctx)
	e.syncPromptsLocked(ctx)
	e.syncResourcesLocked(ctx)
}

func (e *Endpoint) syncToolsLocked(ctx context.Context) {
	tools := e.source.GetTools(ctx)
	if len(e.tools) > 0 {
		e.server.RemoveTools(e.tools...)
	}
	e.tools = e.tools[:0]
	for _, tool := range tools {
		published := publishedName(tool.Server, tool.ID)
		schema := tool.InputSchema
		if schema == nil {
			schema = &jsonschema.Schema{Type: "object"}
		}
		entry := &mcp.Tool{
			Name:        published,
			Title:       tool.Name,
			Description: tool.Description,
			InputSchema: schema,
			Meta: map[string]any{
				metaKeyServer: tool.Server,
				metaKeyNative: tool.ID,
			},
		}
		// A typed nil must not reach the any-valued field: the server treats
		// any non-nil value as a schema to resolve.
		if tool.OutputSchema != nil {
			entry.OutputSchema = tool.OutputSchema
		}
		e.server.AddTool(entry, e.makeToolHandler(tool.Server, tool.ID))
		e.tools = append(e.tools, published)
	}
}

func (e *Endpoint) syncPromptsLocked(ctx context.Context) {
	prompts := e.source.GetPrompts(ctx)
	if len(e.prompts) > 0 {
		e.server.RemovePrompts(e.prompts...)
	}
	e.prompts = e.prompts[:0]
	for _, prompt := range prompts {
		published := publishedName(prompt.Server, prompt.ID)
		args := make([]*mcp.PromptArgument, 0, len(prompt.Arguments))
		for _, arg := range prompt.Arguments {
			args = append(args, &mcp.PromptArgument{
				Name:        arg.Name,
				Description: arg.Description,
				Required:    arg.Required,
			})
		}
		e.server.AddPrompt(&mcp.Prompt{
			Name:        published,
			Title:       prompt.Name,
			Description: prompt.Description,
			Arguments:   args,
			Meta: map[string]any{
				metaKeyServer: prompt.Server,
				metaKeyNative: prompt.ID,
			},
		}, e.makePromptHandler(prompt.Server, prompt.ID))
		e.prompts = append(e.prompts, published)
	}
}

func (e *Endpoint) syncResourcesLocked(ctx context.Context) {
	resources := e.source.GetResources(ctx)
	if len(e.resources) > 0 {
		e.server.RemoveResources(e.resources...)
	}
	e.resources = e.resources[:0]
	for _, resource := range resources {
		published := publishedURI(resource.Server, resource.URI)
		e.server.AddResource(&mcp.Resource{
			URI:         published,
			Name:        publishedName(resource.Server, resource.Name),
			Title:       resource.Name,
			Description: resource.Description,
			Meta: map[string]any{
				metaKeyServer: resource.Server,
				metaKeyNative: resource.URI,
			},
		}, e.makeResourceHandler(resource.Server, resource.URI))
		e.resources = append(e.resources, published)
	}
}

func (e *Endpoint) makeToolHandler(server, toolID string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := e.source.CallTool(ctx, server, toolID, decodeArguments(req))
		if res.Error != "" {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: res.Error}},
			}, nil
		}
		if content, ok := res.Result.([]mcp.Content); ok {
			return &mcp.CallToolResult{Content: content}, nil
		}
		data, err := json.Marshal(res.Result)
		if err != nil {
			return nil, fmt.Errorf("hubserver: encode result of %s%s%s: %w", server, nameSeparator, toolID, err)
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	}
}

func (e *Endpoint) makePromptHandler(server, name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args map[string]string
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		res := e.source.GetPrompt(ctx, server, name, args)
		if res.Error != "" {
			return nil, fmt.Errorf("hubserver: prompt %s%s%s: %s", server, nameSeparator, name, res.Error)
		}
		out := &mcp.GetPromptResult{Description: res.Description}
		for _, msg := range res.Messages {
			out.Messages = append(out.Messages, &mcp.PromptMessage{
				Role:    mcp.Role(msg.Role),
				Content: &mcp.TextContent{Text: msg.Text},
			})
		}
		return out, nil
	}
}

func (e *Endpoint) makeResourceHandler(server, uri string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		res := e.source.ReadResource(ctx, server, uri)
		if res.Error != "" {
			return nil, fmt.Errorf("hubserver: resource %s on %s: %s", uri, server, res.Error)
		}
		requested := publishedURI(server, uri)
		if req != nil && req.Params != nil && req.Params.URI != "" {
			requested = req.Params.URI
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      requested,
				MIMEType: res.MIMEType,
				Text:     res.Content,
			}},
		}, nil
	}
}

func decodeArguments(req *mcp.CallToolRequest) map[string]any {
	args := map[string]any{}
	if req == nil || req.Params == nil {
		return args
	}
	switch v := any(req.Params.Arguments).(type) {
	case map[string]any:
		return v
	case json.RawMessage:
		_ = json.Unmarshal(v, &args)
	case []byte:
		_ = json.Unmarshal(v, &args)
	}
	return args
}

func publishedName(server, native string) string {
	return server + nameSeparator + native
}

func publishedURI(server, native string) string {
	return "mcphub+" + url.PathEscape(server) + "::" + native
}

func mountHandler(path string, streamHandler http.Handler) http.Handler {
	if path == "" {
		return streamHandler
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", streamHandler)
	}
	return mux
}
