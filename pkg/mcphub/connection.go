package mcphub

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Status represents the lifecycle of a managed connection. Transitions are
// connecting → connected or error, and connected → disconnected on explicit
// removal. There is no automatic reconnect.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Connection pairs one server descriptor with its transport and protocol
// client. Fields are guarded by the owning Hub's mutex.
type Connection struct {
	Name   string
	Source ServerSource
	Config *ServerConfig

	Status Status
	Errors []string

	transport Transport
	client    *mcp.Client
	session   *mcp.ClientSession
}

// Key returns the (name, source) identity of the connection.
func (c *Connection) Key() ServerKey {
	return ServerKey{Name: c.Name, Source: c.Source}
}

func (c *Connection) disabled() bool {
	return c.Config != nil && c.Config.Disabled
}

func (c *Connection) timeout() time.Duration {
	return c.Config.Timeout()
}

// closeSession tears a session down, bounded by ctx. The close runs off the
// caller's goroutine so a wedged transport cannot block teardown of sibling
// servers.
func closeSession(ctx context.Context, session *mcp.ClientSession) error {
	if session == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- session.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// ServerInfo is the externally visible snapshot of one connection.
type ServerInfo struct {
	Name     string        `json:"name"`
	Source   ServerSource  `json:"source"`
	Status   Status        `json:"status"`
	Errors   []string      `json:"errors,omitempty"`
	Disabled bool          `json:"disabled,omitempty"`
	Config   *ServerConfig `json:"config,omitempty"`
}
