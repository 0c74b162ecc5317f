package mcphub

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"time"
)

// Timeout bounds for a single server, in seconds.
const (
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 3600
	DefaultTimeoutSeconds = 60
)

// DefaultSettings is written when the settings file does not exist yet.
const DefaultSettings = `{"mcpServers":{}}`

// ServerSource identifies the configuration scope a server entry came from.
type ServerSource string

const (
	SourceGlobal  ServerSource = "global"
	SourceProject ServerSource = "project"
)

// ServerKey uniquely identifies a managed connection. At most one connection
// exists per key.
type ServerKey struct {
	Name   string
	Source ServerSource
}

func (k ServerKey) String() string { return k.Name + "/" + string(k.Source) }

// ServerConfig is one entry of the settings file's "mcpServers" map. Exactly
// one of the subprocess fields (Command) or the stream fields (URL) must be
// set; mixing the two shapes in a single entry is rejected by
// ValidateServerConfig.
type ServerConfig struct {
	// Subprocess transport.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Stream transport.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Shared.
	Disabled       bool     `json:"disabled,omitempty"`
	TimeoutSeconds int      `json:"timeout,omitempty"`
	AlwaysAllow    []string `json:"alwaysAllow,omitempty"`
	WatchPaths     []string `json:"watchPaths,omitempty"`
}

// Timeout returns the effective per-call timeout, applying the default when
// the entry omits one.
func (c *ServerConfig) Timeout() time.Duration {
	if c == nil || c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AllowsTool reports whether toolID appears in the entry's alwaysAllow list.
func (c *ServerConfig) AllowsTool(toolID string) bool {
	if c == nil {
		return false
	}
	for _, id := range c.AlwaysAllow {
		if id == toolID {
			return true
		}
	}
	return false
}

// Equal reports structural equality between two configs. Reconciliation uses
// it to skip reconnecting servers whose configuration did not change.
func (c *ServerConfig) Equal(other *ServerConfig) bool {
	return reflect.DeepEqual(c, other)
}

// Settings is the decoded shape of the settings file.
type Settings struct {
	McpServers map[string]*ServerConfig `json:"mcpServers"`
}

// ParseSettings decodes raw settings JSON.
func ParseSettings(path string, data []byte) (*Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &ConfigParseError{Path: path, Err: err}
	}
	if s.McpServers == nil {
		s.McpServers = map[string]*ServerConfig{}
	}
	return &s, nil
}

// LoadSettings reads and decodes the settings file at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigParseError{Path: path, Err: err}
	}
	return ParseSettings(path, data)
}

// EnsureSettingsFile creates the settings file with an empty server map when
// it does not exist, returning the absolute path.
func EnsureSettingsFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err == nil {
		return abs, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(DefaultSettings+"\n"), 0o644); err != nil {
		return "", err
	}
	return abs, nil
}

// ValidateServerConfig checks a single entry against the settings schema.
// name scopes the reported field paths.
func ValidateServerConfig(name string, cfg *ServerConfig) []FieldError {
	path := "mcpServers." + name
	if cfg == nil {
		return []FieldError{{Path: path, Message: "entry must be an object"}}
	}
	var errs []FieldError
	hasCommand := cfg.Command != ""
	hasURL := cfg.URL != ""
	switch {
	case hasCommand && hasURL:
		errs = append(errs, FieldError{Path: path, Message: "command and url are mutually exclusive"})
	case !hasCommand && !hasURL:
		errs = append(errs, FieldError{Path: path, Message: "one of command or url is required"})
	}
	if hasURL {
		if _, err := url.ParseRequestURI(cfg.URL); err != nil {
			errs = append(errs, FieldError{Path: path + ".url", Message: "must be a valid URL"})
		}
		if len(cfg.Args) > 0 || cfg.Cwd != "" || len(cfg.Env) > 0 {
			errs = append(errs, FieldError{Path: path, Message: "args, cwd and env apply only to command servers"})
		}
	}
	if hasCommand && len(cfg.Headers) > 0 {
		errs = append(errs, FieldError{Path: path + ".headers", Message: "headers apply only to url servers"})
	}
	if cfg.TimeoutSeconds != 0 &&
		(cfg.TimeoutSeconds < MinTimeoutSeconds || cfg.TimeoutSeconds > MaxTimeoutSeconds) {
		errs = append(errs, FieldError{
			Path:    path + ".timeout",
			Message: fmt.Sprintf("must be between %d and %d seconds", MinTimeoutSeconds, MaxTimeoutSeconds),
		})
	}
	return errs
}

// ValidateSettings checks every entry, returning nil when the document
// conforms to the schema.
func ValidateSettings(s *Settings) *ValidationError {
	if s == nil {
		return &ValidationError{Fields: []FieldError{{Path: "mcpServers", Message: "document is empty"}}}
	}
	var fields []FieldError
	for name, cfg := range s.McpServers {
		fields = append(fields, ValidateServerConfig(name, cfg)...)
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
