package mcphub

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport is the closed union over the two supported channel kinds. Each
// variant knows how to build the SDK transport handed to the MCP client;
// adding a channel kind means adding a variant here.
type Transport interface {
	// Kind identifies the variant ("stdio" or "stream").
	Kind() string
	// Dial builds a fresh SDK transport. The returned value is single-use:
	// the client owns it for the lifetime of one session.
	Dial() (mcp.Transport, error)
}

// StdioTransport launches a subprocess and speaks MCP over its standard
// streams.
type StdioTransport struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
}

func (t *StdioTransport) Kind() string { return "stdio" }

func (t *StdioTransport) Dial() (mcp.Transport, error) {
	if t.Command == "" {
		return nil, fmt.Errorf("mcphub: command missing")
	}
	cmd := exec.Command(t.Command, t.Args...)
	if t.Cwd != "" {
		cmd.Dir = t.Cwd
	}
	if len(t.Env) > 0 {
		// Server-specific values layer over the ambient environment.
		env := os.Environ()
		for k, v := range t.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// StreamTransport opens a long-lived event stream to a remote MCP endpoint,
// attaching the configured headers to every request.
type StreamTransport struct {
	URL     string
	Headers map[string]string

	// HTTPClient overrides the base client; nil uses http.DefaultClient.
	HTTPClient *http.Client
}

func (t *StreamTransport) Kind() string { return "stream" }

func (t *StreamTransport) Dial() (mcp.Transport, error) {
	if t.URL == "" {
		return nil, fmt.Errorf("mcphub: url missing")
	}
	return &mcp.SSEClientTransport{
		Endpoint:   t.URL,
		HTTPClient: t.decoratedClient(),
	}, nil
}

func (t *StreamTransport) decoratedClient() *http.Client {
	base := t.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if len(t.Headers) == 0 {
		return base
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: t.Headers,
	}
	return &clone
}

// NewTransport selects the variant matching the config shape.
func NewTransport(cfg *ServerConfig) (Transport, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("mcphub: nil server config")
	case cfg.Command != "":
		return &StdioTransport{
			Command: cfg.Command,
			Args:    cfg.Args,
			Cwd:     cfg.Cwd,
			Env:     cfg.Env,
		}, nil
	case cfg.URL != "":
		return &StreamTransport{URL: cfg.URL, Headers: cfg.Headers}, nil
	default:
		return nil, fmt.Errorf("mcphub: config declares neither command nor url")
	}
}

type headerDecorator struct {
	next    http.RoundTripper
	headers map[string]string
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
