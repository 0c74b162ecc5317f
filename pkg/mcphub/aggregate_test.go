package mcphub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// countMethod counts how many times the server receives method, across every
// incarnation sharing the counter.
func countMethod(s *mcp.Server, method string, counter *atomic.Int32) {
	s.AddReceivingMiddleware(func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, m string, req mcp.Request) (mcp.Result, error) {
			if m == method {
				counter.Add(1)
			}
			return next(ctx, m, req)
		}
	})
}

func TestGetToolsAggregatesAcrossServers(t *testing.T) {
	h := newTestHub(t, map[string]func() (mcp.Transport, error){
		"alpha": inMemoryDialer(t, func(s *mcp.Server) {
			addStaticTool(s, "dup", "from alpha")
			addStaticTool(s, "alpha_only", "a")
		}),
		"beta": inMemoryDialer(t, func(s *mcp.Server) {
			addStaticTool(s, "dup", "from beta")
			addStaticTool(s, "beta_only", "b")
		}),
	})
	defer h.Close(context.Background())

	connectTestServer(t, h, "alpha", SourceGlobal)
	connectTestServer(t, h, "beta", SourceGlobal)

	tools := h.GetTools(context.Background())
	if len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %d: %+v", len(tools), tools)
	}

	// Same tool id on two servers stays two distinct entries.
	dupServers := make(map[string]bool)
	for _, tool := range tools {
		if tool.ID == "dup" {
			dupServers[tool.Server] = true
		}
	}
	if !dupServers["alpha"] || !dupServers["beta"] {
		t.Fatalf("dup tool not attributed to both servers: %v", dupServers)
	}
}

func TestGetToolsCachedWithinTTL(t *testing.T) {
	var lists atomic.Int32
	h := newTestHub(t, map[string]func() (mcp.Transport, error){
		"alpha": inMemoryDialer(t, func(s *mcp.Server) {
			addStaticTool(s, "t", "a")
			countMethod(s, "tools/list", &lists)
		}),
	})
	defer h.Close(context.Background())

	connectTestServer(t, h, "alpha", SourceGlobal)
	ctx := context.Background()

	if got := len(h.GetTools(ctx)); got != 1 {
		t.Fatalf("expected 1 tool, got %d", got)
	}
	h.GetTools(ctx)
	h.GetTools(ctx)
	if got := lists.Load(); got != 1 {
		t.Fatalf("expected a single discovery within the TTL, got %d", got)
	}

	// Age the cache past the TTL; the next read must rediscover.
	h.cache.mu.Lock()
	h.cache.toolsComputed = time.Now().Add(-cacheTTL - time.Second)
	h.cache.mu.Unlock()
	h.GetTools(ctx)
	if got := lists.Load(); got != 2 {
		t.Fatalf("expected rediscovery after TTL expiry, got %d discoveries", got)
	}
}

func TestCacheTTLPerList(t *testing.T) {
	var lists atomic.Int32
	h := newTestHub(t, map[string]func() (mcp.Transport, error){
		"alpha": inMemoryDialer(t, func(s *mcp.Server) {
			addStaticTool(s, "t", "a")
			countMethod(s, "tools/list", &lists)
		}),
	})
	defer h.Close(context.Background())

	connectTestServer(t, h, "alpha", SourceGlobal)
	ctx := context.Background()
	h.GetTools(ctx)
	h.GetResources(ctx)

	// Expire both lists, then recompute only resources. That recompute must
	// not revive the tools list.
	h.cache.mu.Lock()
	h.cache.toolsComputed = time.Now().Add(-cacheTTL - time.Second)
	h.cache.resourcesComputed = time.Now().Add(-cacheTTL - time.Second)
	h.cache.mu.Unlock()
	h.GetResources(ctx)

	h.GetTools(ctx)
	if got := lists.Load(); got != 2 {
		t.Fatalf("expected tools rediscovery after expiry, got %d discoveries", got)
	}
}

func TestInvalidationDuringRecomputeIsNotLost(t *testing.T) {
	var h *Hub
	var connectBeta sync.Once
	h = newTestHub(t, map[string]func() (mcp.Transport, error){
		"alpha": inMemoryDialer(t, func(s *mcp.Server) {
			addStaticTool(s, "alpha_tool", "a")
			s.AddReceivingMiddleware(func(next mcp.MethodHandler) mcp.MethodHandler {
				return func(ctx context.Context, m string, req mcp.Request) (mcp.Result, error) {
					if m == "tools/list" {
						connectBeta.Do(func() {
							cfg := &ServerConfig{Command: "beta"}
							if err := h.ConnectServer(context.Background(), "beta", cfg, SourceGlobal); err != nil {
								t.Errorf("ConnectServer(beta): %v", err)
							}
						})
					}
					return next(ctx, m, req)
				}
			})
		}),
		"beta": inMemoryDialer(t, func(s *mcp.Server) { addStaticTool(s, "beta_tool", "b") }),
	})
	defer h.Close(context.Background())

	ctx := context.Background()
	connectTestServer(t, h, "alpha", SourceGlobal)

	// Beta connects while this aggregate pass is listing alpha, so the pass
	// overlaps an invalidation and its snapshot must not be cached.
	h.GetTools(ctx)

	tools := h.GetTools(ctx)
	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.ID] = true
	}
	if !names["alpha_tool"] || !names["beta_tool"] {
		t.Fatalf("expected both servers' tools after the overlapped connect, got %+v", tools)
	}
}

func TestTopologyChangeInvalidatesCache(t *testing.T) {
	var alphaLists atomic.Int32
	h := newTestHub(t, map[string]func() (mcp.Transport, error){
		"alpha": inMemoryDialer(t, func(s *mcp.Server) {
			addStaticTool(s, "alpha_tool", "a")
			countMethod(s, "tools/list", &alphaLists)
		}),
		"beta": inMemoryDialer(t, func(s *mcp.Server) {
			addStaticTool(s, "beta_tool", "b")
		}),
	})
	defer h.Close(context.Background())

	ctx := context.Background()
	connectTestServer(t, h, "alpha", SourceGlobal)
	if got := len(h.GetTools(ctx)); got != 1 {
		t.Fatalf("expected 1 tool, got %d", got)
	}
	if alphaLists.Load() != 1 {
		t.Fatalf("expected one discovery, got %d", alphaLists.Load())
	}

	// Connecting a server invalidates synchronously.
	connectTestServer(t, h, "beta", SourceGlobal)
	tools := h.GetTools(ctx)
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools after connect, got %d", len(tools))
	}
	if alphaLists.Load() != 2 {
		t.Fatalf("expected rediscovery after connect, got %d", alphaLists.Load())
	}

	// So does disconnecting one.
	if err := h.DeleteConnection(ctx, "beta", SourceGlobal); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	tools = h.GetTools(ctx)
	if len(tools) != 1 || tools[0].Server != "alpha" {
		t.Fatalf("expected only alpha's tools after disconnect, got %+v", tools)
	}
	if alphaLists.Load() != 3 {
		t.Fatalf("expected rediscovery after disconnect, got %d", alphaLists.Load())
	}
}

func TestAggregateSkipsUnavailableServers(t *testing.T) {
	h := newTestHub(t, map[string]func() (mcp.Transport, error){
		"alpha":  inMemoryDialer(t, func(s *mcp.Server) { addStaticTool(s, "t", "a") }),
		"broken": func() (mcp.Transport, error) { return nil, fmt.Errorf("refused") },
	})
	defer h.Close(context.Background())

	ctx := context.Background()
	connectTestServer(t, h, "alpha", SourceGlobal)
	_ = h.ConnectServer(ctx, "broken", &ServerConfig{Command: "broken"}, SourceGlobal)
	if err := h.ConnectServer(ctx, "off", &ServerConfig{Command: "alpha", Disabled: true}, SourceGlobal); err != nil {
		t.Fatalf("ConnectServer(off): %v", err)
	}

	tools := h.GetTools(ctx)
	if len(tools) != 1 || tools[0].Server != "alpha" {
		t.Fatalf("expected only the connected server's tools, got %+v", tools)
	}
}

func TestToolMetadata(t *testing.T) {
	h := newTestHub(t, map[string]func() (mcp.Transport, error){
		"alpha": inMemoryDialer(t, func(s *mcp.Server) {
			s.AddTool(&mcp.Tool{
				Name:        "read_file",
				Title:       "Read File",
				Description: "reads a file",
				InputSchema: toolSchema(),
			}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return textResult("ok"), nil
			})
		}),
	})
	defer h.Close(context.Background())

	cfg := &ServerConfig{Command: "alpha", AlwaysAllow: []string{"read_file"}}
	if err := h.ConnectServer(context.Background(), "alpha", cfg, SourceGlobal); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	tools := h.GetTools(context.Background())
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	tool := tools[0]
	if tool.ID != "read_file" || tool.Name != "Read File" || tool.Server != "alpha" {
		t.Fatalf("unexpected tool: %+v", tool)
	}
	if !tool.AlwaysAllow {
		t.Fatal("expected alwaysAllow to be set from the config")
	}
	if tool.InputSchema == nil || tool.InputSchema.Type != "object" {
		t.Fatalf("input schema not carried through: %+v", tool.InputSchema)
	}
	// The schema crosses the wire as generic JSON; its detail must survive
	// the decode back into the typed form.
	if tool.InputSchema.Properties["name"] == nil || len(tool.InputSchema.Required) != 1 {
		t.Fatalf("schema detail lost in transit: %+v", tool.InputSchema)
	}
}

func TestGetResourcesAggregates(t *testing.T) {
	h := newTestHub(t, map[string]func() (mcp.Transport, error){
		"files": inMemoryDialer(t, func(s *mcp.Server) {
			s.AddResource(&mcp.Resource{
				URI:         "file:///a.txt",
				Name:        "a",
				Description: "first file",
				MIMEType:    "text/plain",
			}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
				return &mcp.ReadResourceResult{
					Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: "a"}},
				}, nil
			})
		}),
	})
	defer h.Close(context.Background())

	connectTestServer(t, h, "files", SourceGlobal)
	resources := h.GetResources(context.Background())
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	r := resources[0]
	if r.URI != "file:///a.txt" || r.Name != "a" || r.Description != "first file" || r.Server != "files" {
		t.Fatalf("unexpected resource: %+v", r)
	}
}

func TestGetPromptsAggregates(t *testing.T) {
	h := newTestHub(t, map[string]func() (mcp.Transport, error){
		"prompts": inMemoryDialer(t, func(s *mcp.Server) {
			s.AddPrompt(&mcp.Prompt{
				Name:        "greet",
				Description: "greets someone",
				Arguments: []*mcp.PromptArgument{
					{Name: "name", Description: "who to greet", Required: true},
				},
			}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
				return &mcp.GetPromptResult{}, nil
			})
		}),
	})
	defer h.Close(context.Background())

	connectTestServer(t, h, "prompts", SourceGlobal)
	prompts := h.GetPrompts(context.Background())
	if len(prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(prompts))
	}
	p := prompts[0]
	if p.ID != "greet" || p.Server != "prompts" {
		t.Fatalf("unexpected prompt: %+v", p)
	}
	if len(p.Arguments) != 1 || p.Arguments[0].Name != "name" || !p.Arguments[0].Required {
		t.Fatalf("unexpected arguments: %+v", p.Arguments)
	}
}

func TestIsMethodUnavailableError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"method not found", fmt.Errorf("jsonrpc: method not found: tools/list"), true},
		{"not implemented", fmt.Errorf("prompts/list not implemented"), true},
		{"unsupported", fmt.Errorf("server does not support resources"), true},
		{"unrelated failure", fmt.Errorf("connection reset by peer"), false},
		{"timeout", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isMethodUnavailableError(tc.err); got != tc.want {
				t.Fatalf("isMethodUnavailableError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
