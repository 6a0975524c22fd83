package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry resolves Config.PubSubSystem to the feed that carries network
// events in and notifications out. Names are case-insensitive.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]feed
}

type feed struct {
	build Builder
	caps  Capabilities
}

// DefaultRegistry holds the feeds registered by transport sub-packages.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]feed)}
}

func feedName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a feed without declared capabilities. Registering a name again
// replaces the builder and keeps its capabilities.
func (r *Registry) Register(name string, builder Builder) {
	key := feedName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.feeds[key]
	f.build = builder
	if f.caps.Name == "" {
		f.caps.Name = key
	}
	r.feeds[key] = f
}

// RegisterWithCapabilities adds a feed together with its delivery
// guarantees. An empty caps.Name takes the feed name.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := feedName(name)
	if caps.Name == "" {
		caps.Name = key
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[key] = feed{build: builder, caps: caps}
}

// GetCapabilities returns the declared guarantees of a feed. Unknown feeds
// report none, so the runtime emulates a poison queue for them.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.feeds[feedName(name)]; ok {
		return f.caps
	}
	return Capabilities{Name: name}
}

// Build opens the feed selected by cfg. The result always has both halves:
// the reconciler subscribes to network events and publishes notifications on
// the same feed.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport: config is required")
	}
	name := feedName(cfg.GetPubSubSystem())

	r.mu.RLock()
	f, ok := r.feeds[name]
	r.mu.RUnlock()
	if !ok || f.build == nil {
		return Transport{}, fmt.Errorf("transport: unknown transport %q (registered: %v)", name, r.Names())
	}

	t, err := f.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("transport: opening %s feed: %w", name, err)
	}
	if t.Publisher == nil || t.Subscriber == nil {
		_ = t.Close()
		return Transport{}, fmt.Errorf("transport: %s feed must provide a publisher and a subscriber", name)
	}
	return t, nil
}

// Names lists the registered feeds alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.feeds))
	for name := range r.feeds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.feeds[feedName(name)]
	return ok
}

func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build opens the configured feed from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
