package mcphub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Provider is the capability set the embedding application hands to the hub:
// identity, filesystem conventions, UI messaging, and logging.
type Provider interface {
	Name() string
	Version() string
	EnsureDirectoryExists(path string) (string, error)
	GetMcpSettingsFilePath() (string, error)
	FileExistsAtPath(path string) bool
	PostMessageToUI(message any)
	Log(message string)
}

// Registry hands out a shared Hub to any number of independent consumers.
// The hub is created lazily on the first Acquire and torn down completely
// when the last Handle is released. The embedding process owns the Registry;
// there is no hidden package-level instance.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	handles  map[string]*Handle
	hub      *Hub
	watcher  *SettingsWatcher
	building chan struct{} // non-nil while a first construction is in flight
}

// NewRegistry builds an empty registry. logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		handles: make(map[string]*Handle),
	}
}

// Handle is one consumer's reference to the shared Hub. Release it when the
// consumer detaches; the hub survives until the last handle is released.
type Handle struct {
	id       string
	provider Provider
	registry *Registry
	hub      *Hub
	released bool
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Hub returns the shared hub instance.
func (h *Handle) Hub() *Hub { return h.hub }

// Acquire registers provider as a consumer and returns a handle on the
// shared Hub, constructing it on first call. Concurrent first calls share a
// single in-flight construction: exactly one hub is built, and later callers
// wait on it rather than racing a second construction. A construction
// failure propagates to the caller that triggered it; waiting callers retry.
func (r *Registry) Acquire(ctx context.Context, provider Provider) (*Handle, error) {
	if provider == nil {
		return nil, fmt.Errorf("mcphub: provider is required")
	}
	for {
		r.mu.Lock()
		if r.hub != nil {
			handle := r.newHandleLocked(provider, r.hub)
			r.mu.Unlock()
			return handle, nil
		}
		if r.building != nil {
			ch := r.building
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
				continue
			}
		}
		// The refcount must grow before construction suspends, so a release
		// racing this acquire cannot observe zero and tear the hub down.
		handle := r.newHandleLocked(provider, nil)
		r.building = make(chan struct{})
		r.mu.Unlock()

		hub, watcher, err := r.buildHub(ctx, provider)

		r.mu.Lock()
		close(r.building)
		r.building = nil
		if err != nil {
			handle.released = true
			delete(r.handles, handle.id)
			r.mu.Unlock()
			return nil, err
		}
		r.hub = hub
		r.watcher = watcher
		handle.hub = hub
		r.mu.Unlock()
		return handle, nil
	}
}

func (r *Registry) newHandleLocked(provider Provider, hub *Hub) *Handle {
	handle := &Handle{
		id:       uuid.NewString(),
		provider: provider,
		registry: r,
		hub:      hub,
	}
	r.handles[handle.id] = handle
	return handle
}

func (r *Registry) buildHub(ctx context.Context, provider Provider) (*Hub, *SettingsWatcher, error) {
	settingsPath, err := provider.GetMcpSettingsFilePath()
	if err != nil {
		return nil, nil, err
	}
	settingsPath, err = EnsureSettingsFile(settingsPath)
	if err != nil {
		return nil, nil, err
	}

	hub := NewHub(&HubOptions{
		ClientName:    provider.Name(),
		ClientVersion: provider.Version(),
		Logger:        r.logger,
	})
	watcher := NewSettingsWatcher(settingsPath, r.logger, func(ctx context.Context, s *Settings) {
		hub.UpdateServerConnections(ctx, s.McpServers, SourceGlobal)
	})
	if err := watcher.Reload(ctx); err != nil {
		return nil, nil, err
	}
	if err := watcher.Start(context.WithoutCancel(ctx)); err != nil {
		_ = hub.Close(ctx)
		return nil, nil, err
	}
	r.logger.Info("hub initialized", "settings", settingsPath, "provider", provider.Name())
	return hub, watcher, nil
}

// Release detaches the handle's provider. When the last handle goes, the hub
// is torn down completely: every connection closed, the settings watcher
// stopped, and the shared instance cleared so the next Acquire rebuilds it.
func (h *Handle) Release(ctx context.Context) error {
	r := h.registry
	r.mu.Lock()
	if h.released {
		r.mu.Unlock()
		return nil
	}
	h.released = true
	delete(r.handles, h.id)
	var hub *Hub
	var watcher *SettingsWatcher
	if len(r.handles) == 0 {
		hub, watcher = r.hub, r.watcher
		r.hub, r.watcher = nil, nil
	}
	r.mu.Unlock()

	if hub == nil {
		return nil
	}
	var errs []error
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info("hub torn down", "provider", h.provider.Name())
	if len(errs) > 0 {
		return fmt.Errorf("mcphub: teardown: %v", errs)
	}
	return nil
}

// Consumers returns the number of live handles, mainly for diagnostics.
func (r *Registry) Consumers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
