package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds all registered adapters keyed by (platform, provider). It
// must be created via NewRegistry and passed explicitly to components that
// need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[registryKey]Adapter
}

type registryKey struct {
	platform Platform
	provider Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[registryKey]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	platform, err := ParsePlatform(string(adapter.Platform()))
	if err != nil {
		return err
	}
	provider := NormalizeProvider(string(adapter.Provider()))
	if provider == "" {
		return fmt.Errorf("provider is required")
	}
	key := registryKey{platform: platform, provider: provider}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[key]; exists {
		return fmt.Errorf("adapter already registered: %s/%s", platform, provider)
	}
	r.adapters[key] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Adapter returns the adapter for the given platform and provider. An empty
// provider resolves to the platform's sole registered adapter; when several
// providers serve the platform the caller must name one.
func (r *Registry) Adapter(platform Platform, provider Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if provider != "" {
		adapter, ok := r.adapters[registryKey{platform: platform, provider: provider}]
		if !ok {
			return nil, fmt.Errorf("no adapter registered for %s/%s", platform, provider)
		}
		return adapter, nil
	}
	var found Adapter
	for key, adapter := range r.adapters {
		if key.platform != platform {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("platform %s has multiple providers, provider is required", platform)
		}
		found = adapter
	}
	if found == nil {
		return nil, fmt.Errorf("no adapter registered for platform %s", platform)
	}
	return found, nil
}

// ForPlatform returns all adapters registered for a platform, ordered by
// provider name.
func (r *Registry) ForPlatform(platform Platform) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []Adapter
	for key, adapter := range r.adapters {
		if key.platform == platform {
			items = append(items, adapter)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Provider() < items[j].Provider()
	})
	return items
}

// List returns all registered adapters ordered by platform then provider.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Platform() != items[j].Platform() {
			return items[i].Platform() < items[j].Platform()
		}
		return items[i].Provider() < items[j].Provider()
	})
	return items
}

// Descriptors returns descriptors for all registered adapters.
func (r *Registry) Descriptors() []Descriptor {
	adapters := r.List()
	items := make([]Descriptor, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, a.Descriptor())
	}
	return items
}

// Platforms returns the distinct platforms with at least one adapter.
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[Platform]struct{}{}
	for key := range r.adapters {
		seen[key.platform] = struct{}{}
	}
	items := make([]Platform, 0, len(seen))
	for p := range seen {
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// Verifier returns the WebhookVerifier for an adapter, or false when the
// adapter does not authenticate webhooks.
func (r *Registry) Verifier(platform Platform, provider Provider) (WebhookVerifier, bool) {
	adapter, err := r.Adapter(platform, provider)
	if err != nil {
		return nil, false
	}
	verifier, ok := adapter.(WebhookVerifier)
	return verifier, ok
}

// Poller returns the InboundPoller for an adapter, or false when the
// platform pushes inbound messages instead.
func (r *Registry) Poller(platform Platform, provider Provider) (InboundPoller, bool) {
	adapter, err := r.Adapter(platform, provider)
	if err != nil {
		return nil, false
	}
	poller, ok := adapter.(InboundPoller)
	return poller, ok
}
