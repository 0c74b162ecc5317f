// Command mcphub runs a standalone hub: it loads the MCP settings file,
// connects the configured servers, and serves the inspection/invocation API
// over HTTP until interrupted. The aggregate is also re-exposed as a single
// streamable MCP endpoint under /mcp.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/hubforge/mcp-hub-go/pkg/hubapi"
	"github.com/hubforge/mcp-hub-go/pkg/hubserver"
	"github.com/hubforge/mcp-hub-go/pkg/mcphub"
)

const version = "1.0.0"

// CLI declares the command line flags.
type CLI struct {
	Settings string `kong:"short='s',type='path',help='Path to the MCP settings file (default: ~/.config/mcphub/mcp_settings.json)'"`
	Addr     string `kong:"default=':8710',help='HTTP listen address for the hub API'"`
	LogLevel string `kong:"default='info',enum='debug,info,warn,error',help='Log level'"`
}

func main() {
	var cli CLI
	kong.Parse(&cli)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cli.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(&cli, logger); err != nil {
		logger.Error("mcphub exited", "error", err)
		os.Exit(1)
	}
}

func run(cli *CLI, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := mcphub.NewRegistry(logger)
	handle, err := registry.Acquire(ctx, &cliProvider{settingsPath: cli.Settings, logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Release(context.Background()); err != nil {
			logger.Warn("hub release", "error", err)
		}
	}()

	api := hubapi.New(handle.Hub(), &hubapi.Options{Logger: logger})

	endpoint, err := hubserver.New(ctx, handle.Hub(), &hubserver.Options{Logger: logger})
	if err != nil {
		return err
	}
	stopSync := resyncOnChange(ctx, handle.Hub(), endpoint)
	defer stopSync()

	mux := http.NewServeMux()
	mux.Handle("/mcp", endpoint.Handler())
	mux.Handle("/mcp/", endpoint.Handler())
	mux.Handle("/", api.Handler())
	srv := &http.Server{Addr: cli.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("hub API listening", "addr", cli.Addr)

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// resyncOnChange keeps the MCP endpoint's published capabilities in step with
// the hub's connections. Topology notifications are coalesced through a
// single-slot channel so a burst of reconnects triggers one sync.
func resyncOnChange(ctx context.Context, hub *mcphub.Hub, endpoint *hubserver.Endpoint) (stop func()) {
	kick := make(chan struct{}, 1)
	quit := make(chan struct{})
	done := make(chan struct{})
	hub.OnTopologyChange(func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case <-kick:
				endpoint.Sync(ctx)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-done
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// cliProvider adapts the process environment to the mcphub.Provider
// capability set.
type cliProvider struct {
	settingsPath string
	logger       *slog.Logger
}

func (p *cliProvider) Name() string    { return "mcphub" }
func (p *cliProvider) Version() string { return version }

func (p *cliProvider) EnsureDirectoryExists(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func (p *cliProvider) GetMcpSettingsFilePath() (string, error) {
	if p.settingsPath != "" {
		return p.settingsPath, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir, err := p.EnsureDirectoryExists(filepath.Join(configDir, "mcphub"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mcp_settings.json"), nil
}

func (p *cliProvider) FileExistsAtPath(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (p *cliProvider) PostMessageToUI(message any) {
	p.logger.Debug("ui message", "message", message)
}

func (p *cliProvider) Log(message string) {
	p.logger.Info(message)
}
