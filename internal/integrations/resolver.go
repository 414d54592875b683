package integrations

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// ResolverStore is the slice of the store the resolver reads.
type ResolverStore interface {
	ActiveForUserPlatform(ctx context.Context, userID string, platform channel.Platform) (Integration, error)
	ListActiveForPlatform(ctx context.Context, platform channel.Platform, provider channel.Provider) ([]Integration, error)
}

// Resolver maps outbound sends and inbound webhooks to the owning
// integration. Inbound resolution is the tenant-isolation boundary: a
// webhook is only accepted when exactly one active integration claims the
// channel identity in the payload.
type Resolver struct {
	store    ResolverStore
	registry *channel.Registry
	logger   *slog.Logger
}

// NewResolver creates a resolver over a store and an adapter registry.
func NewResolver(log *slog.Logger, store ResolverStore, registry *channel.Registry) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:    store,
		registry: registry,
		logger:   log.With(slog.String("component", "resolver")),
	}
}

// ResolveForOutbound returns the tenant's active integration for a platform
// with its adapter and decoded config. ErrNotConfigured when none is active.
func (r *Resolver) ResolveForOutbound(ctx context.Context, userID string, platform channel.Platform) (Resolved, error) {
	integration, err := r.store.ActiveForUserPlatform(ctx, userID, platform)
	if err != nil {
		return Resolved{}, err
	}
	adapter, err := r.registry.Adapter(integration.Platform, integration.Provider)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve adapter: %w", err)
	}
	cfg, err := adapter.DecodeConfig(integration.Config)
	if err != nil {
		return Resolved{}, fmt.Errorf("integration %s config: %w", integration.ID, err)
	}
	return Resolved{Integration: integration, Adapter: adapter, Config: cfg}, nil
}

// ResolveForInbound matches a webhook to the single active integration whose
// external identity equals the identity embedded in the request. Every
// platform resolves this way; zero matches and multiple matches both fail
// closed.
func (r *Resolver) ResolveForInbound(ctx context.Context, platform channel.Platform, provider channel.Provider, req channel.WebhookRequest) (Resolved, error) {
	adapter, err := r.registry.Adapter(platform, provider)
	if err != nil {
		return Resolved{}, err
	}
	identity, err := adapter.WebhookIdentity(req)
	if err != nil {
		return Resolved{}, fmt.Errorf("extract webhook identity: %w", err)
	}
	if identity == "" {
		return Resolved{}, ErrNoMatch
	}

	candidates, err := r.store.ListActiveForPlatform(ctx, adapter.Platform(), adapter.Provider())
	if err != nil {
		return Resolved{}, err
	}

	var matches []Resolved
	for _, integration := range candidates {
		cfg, err := adapter.DecodeConfig(integration.Config)
		if err != nil {
			// A broken config must not block other tenants' webhooks.
			r.logger.Warn("skipping integration with undecodable config",
				slog.String("integration_id", integration.ID),
				slog.Any("error", err))
			continue
		}
		if cfg.ExternalIdentity() == identity {
			matches = append(matches, Resolved{Integration: integration, Adapter: adapter, Config: cfg})
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		r.logger.Warn("inbound webhook matched no integration",
			slog.String("platform", string(platform)))
		return Resolved{}, ErrNoMatch
	default:
		r.logger.Error("inbound webhook identity claimed by multiple integrations",
			slog.String("platform", string(platform)),
			slog.Int("matches", len(matches)))
		return Resolved{}, ErrAmbiguousMatch
	}
}

// ResolveAllForPlatform returns the adapter and the decoded configs of every
// active integration on a platform. Subscription handshakes arrive before the
// payload names a tenant, so challenge handling tries each config in turn.
func (r *Resolver) ResolveAllForPlatform(ctx context.Context, platform channel.Platform, provider channel.Provider) (channel.Adapter, []channel.ProviderConfig, error) {
	adapter, err := r.registry.Adapter(platform, provider)
	if err != nil {
		return nil, nil, err
	}
	candidates, err := r.store.ListActiveForPlatform(ctx, adapter.Platform(), adapter.Provider())
	if err != nil {
		return nil, nil, err
	}
	configs := make([]channel.ProviderConfig, 0, len(candidates))
	for _, integration := range candidates {
		cfg, err := adapter.DecodeConfig(integration.Config)
		if err != nil {
			r.logger.Warn("skipping integration with undecodable config",
				slog.String("integration_id", integration.ID),
				slog.Any("error", err))
			continue
		}
		configs = append(configs, cfg)
	}
	return adapter, configs, nil
}
