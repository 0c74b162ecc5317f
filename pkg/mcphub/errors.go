package mcphub

import (
	"fmt"
	"strings"
	"time"
)

// ConfigParseError reports a settings file that could not be read or decoded.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("mcphub: parse settings %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

// FieldError pairs a field path with the reason it failed validation.
type FieldError struct {
	Path    string
	Message string
}

func (e FieldError) String() string { return e.Path + ": " + e.Message }

// ValidationError aggregates per-field failures from settings-schema
// validation or tool-argument validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "mcphub: validation failed: " + strings.Join(parts, ", ")
}

// ConnectionError reports a transport that failed to establish.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcphub: connect %q: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown server, tool, resource, or prompt
// reference.
type NotFoundError struct {
	Kind   string // "server", "tool", "resource", "prompt"
	Name   string
	Server string
}

func (e *NotFoundError) Error() string {
	if e.Kind == "server" {
		return fmt.Sprintf("Server %s not found", e.Name)
	}
	return fmt.Sprintf("%s%s %s not found on server %s",
		strings.ToUpper(e.Kind[:1]), e.Kind[1:], e.Name, e.Server)
}

// TimeoutError reports a round trip that exceeded the server's configured
// timeout.
type TimeoutError struct {
	Server  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcphub: %q timed out after %s", e.Server, e.Timeout)
}

// ToolExecutionError reports a tool that explicitly signalled failure.
type ToolExecutionError struct {
	Server string
	Tool   string
	Detail string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("mcphub: tool %q on %q failed: %s", e.Tool, e.Server, e.Detail)
}
