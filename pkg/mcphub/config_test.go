package mcphub

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseSettings(t *testing.T) {
	t.Parallel()

	s, err := ParseSettings("mcp_settings.json", []byte(`{
		"mcpServers": {
			"files": {"command": "mcp-files", "args": ["--root", "/tmp"], "timeout": 30},
			"remote": {"url": "https://example.com/sse", "headers": {"Authorization": "Bearer x"}}
		}
	}`))
	if err != nil {
		t.Fatalf("ParseSettings: %v", err)
	}
	if len(s.McpServers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(s.McpServers))
	}
	files := s.McpServers["files"]
	if files.Command != "mcp-files" || files.TimeoutSeconds != 30 {
		t.Fatalf("unexpected files entry: %+v", files)
	}
	if got := s.McpServers["remote"].Headers["Authorization"]; got != "Bearer x" {
		t.Fatalf("unexpected header: %q", got)
	}
}

func TestParseSettingsEmptyDocument(t *testing.T) {
	t.Parallel()

	s, err := ParseSettings("mcp_settings.json", []byte(`{}`))
	if err != nil {
		t.Fatalf("ParseSettings: %v", err)
	}
	if s.McpServers == nil || len(s.McpServers) != 0 {
		t.Fatalf("expected empty non-nil server map, got %#v", s.McpServers)
	}
}

func TestParseSettingsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := ParseSettings("mcp_settings.json", []byte(`{"mcpServers":`))
	if err == nil {
		t.Fatal("expected an error")
	}
	var parseErr *ConfigParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ConfigParseError, got %T", err)
	}
	if parseErr.Path != "mcp_settings.json" {
		t.Fatalf("unexpected path: %q", parseErr.Path)
	}
}

func TestEnsureSettingsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "mcp_settings.json")
	abs, err := EnsureSettingsFile(path)
	if err != nil {
		t.Fatalf("EnsureSettingsFile: %v", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(data)) != DefaultSettings {
		t.Fatalf("unexpected default contents: %q", data)
	}

	// Existing files are left alone.
	if err := os.WriteFile(abs, []byte(`{"mcpServers":{"a":{"command":"x"}}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := EnsureSettingsFile(path); err != nil {
		t.Fatalf("EnsureSettingsFile second call: %v", err)
	}
	s, err := LoadSettings(abs)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if _, ok := s.McpServers["a"]; !ok {
		t.Fatal("existing settings were overwritten")
	}
}

func TestServerConfigTimeout(t *testing.T) {
	t.Parallel()

	if got := (&ServerConfig{}).Timeout(); got != 60*time.Second {
		t.Fatalf("default timeout = %v", got)
	}
	if got := (&ServerConfig{TimeoutSeconds: 5}).Timeout(); got != 5*time.Second {
		t.Fatalf("explicit timeout = %v", got)
	}
	var nilCfg *ServerConfig
	if got := nilCfg.Timeout(); got != 60*time.Second {
		t.Fatalf("nil config timeout = %v", got)
	}
}

func TestServerConfigAllowsTool(t *testing.T) {
	t.Parallel()

	cfg := &ServerConfig{AlwaysAllow: []string{"read_file", "list_dir"}}
	if !cfg.AllowsTool("read_file") {
		t.Fatal("expected read_file to be allowed")
	}
	if cfg.AllowsTool("write_file") {
		t.Fatal("write_file must not be allowed")
	}
}

func TestServerConfigEqual(t *testing.T) {
	t.Parallel()

	a := &ServerConfig{Command: "x", Args: []string{"--a"}, Env: map[string]string{"K": "v"}}
	b := &ServerConfig{Command: "x", Args: []string{"--a"}, Env: map[string]string{"K": "v"}}
	if !a.Equal(b) {
		t.Fatal("expected configs to be equal")
	}
	b.Args = []string{"--b"}
	if a.Equal(b) {
		t.Fatal("expected configs to differ")
	}
}

func TestValidateServerConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  *ServerConfig
		want string // substring of one expected message; empty means valid
	}{
		{"valid command", &ServerConfig{Command: "mcp-files"}, ""},
		{"valid url", &ServerConfig{URL: "https://example.com/sse"}, ""},
		{"both shapes", &ServerConfig{Command: "x", URL: "https://example.com"}, "mutually exclusive"},
		{"neither shape", &ServerConfig{}, "one of command or url is required"},
		{"bad url", &ServerConfig{URL: "not a url"}, "must be a valid URL"},
		{"timeout too small", &ServerConfig{Command: "x", TimeoutSeconds: 0}, ""},
		{"timeout negative", &ServerConfig{Command: "x", TimeoutSeconds: -2}, "between 1 and 3600"},
		{"timeout too large", &ServerConfig{Command: "x", TimeoutSeconds: 7200}, "between 1 and 3600"},
		{"headers on command", &ServerConfig{Command: "x", Headers: map[string]string{"A": "b"}}, "headers apply only to url servers"},
		{"env on url", &ServerConfig{URL: "https://example.com", Env: map[string]string{"A": "b"}}, "apply only to command servers"},
		{"nil entry", nil, "entry must be an object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateServerConfig("srv", tc.cfg)
			if tc.want == "" {
				if len(errs) != 0 {
					t.Fatalf("expected no errors, got %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e.Message, tc.want) {
					found = true
				}
				if !strings.HasPrefix(e.Path, "mcpServers.srv") {
					t.Fatalf("error path %q not scoped to entry", e.Path)
				}
			}
			if !found {
				t.Fatalf("expected message containing %q, got %v", tc.want, errs)
			}
		})
	}
}

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	ok := &Settings{McpServers: map[string]*ServerConfig{
		"a": {Command: "x"},
	}}
	if verr := ValidateSettings(ok); verr != nil {
		t.Fatalf("expected valid settings, got %v", verr)
	}

	bad := &Settings{McpServers: map[string]*ServerConfig{
		"a": {Command: "x", URL: "https://example.com"},
		"b": {},
	}}
	verr := ValidateSettings(bad)
	if verr == nil || len(verr.Fields) != 2 {
		t.Fatalf("expected two field errors, got %v", verr)
	}
	if !strings.Contains(verr.Error(), ": ") {
		t.Fatalf("expected path-prefixed message, got %q", verr.Error())
	}

	if ValidateSettings(nil) == nil {
		t.Fatal("nil settings must be invalid")
	}
}
