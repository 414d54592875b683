package email

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/integrations"
)

// defaultReconcileInterval bounds how long a changed integration keeps its
// old watcher running.
const defaultReconcileInterval = time.Minute

// IntegrationSource lists the active integrations of one platform/provider.
type IntegrationSource interface {
	ListActiveForPlatform(ctx context.Context, platform channel.Platform, provider channel.Provider) ([]integrations.Integration, error)
}

// Ingestor receives messages discovered by a mailbox watcher.
type Ingestor interface {
	HandlePolled(ctx context.Context, resolved integrations.Resolved, msg channel.InboundMessage) error
}

// PollManager keeps one inbound watcher running per active integration whose
// adapter polls instead of receiving webhooks. Watchers reconcile against the
// store on an interval, so credential changes and deactivations take effect
// without a restart.
type PollManager struct {
	logger   *slog.Logger
	source   IntegrationSource
	registry *channel.Registry
	ingestor Ingestor
	interval time.Duration

	mu      sync.Mutex
	running map[string]pollEntry
	stopped bool
}

// pollEntry tracks one integration's watcher. A nil stop means the config
// could not start a watcher; it is retried only after the config changes.
type pollEntry struct {
	updatedAt time.Time
	stop      func()
}

func NewPollManager(log *slog.Logger, source IntegrationSource, registry *channel.Registry, ingestor Ingestor) *PollManager {
	if log == nil {
		log = slog.Default()
	}
	return &PollManager{
		logger:   log.With(slog.String("component", "mail_poller")),
		source:   source,
		registry: registry,
		ingestor: ingestor,
		interval: defaultReconcileInterval,
		running:  map[string]pollEntry{},
	}
}

// Start runs an initial reconcile and keeps reconciling until ctx is
// cancelled. The ctx also bounds every watcher it starts.
func (m *PollManager) Start(ctx context.Context) error {
	m.Reconcile(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Reconcile(ctx)
			}
		}
	}()
	return nil
}

// Reconcile aligns running watchers with the set of active pollable
// integrations: new ones start, removed ones stop, changed ones restart.
func (m *PollManager) Reconcile(ctx context.Context) {
	desired := map[string]integrations.Integration{}
	for _, adapter := range m.registry.List() {
		if _, ok := adapter.(channel.InboundPoller); !ok {
			continue
		}
		items, err := m.source.ListActiveForPlatform(ctx, adapter.Platform(), adapter.Provider())
		if err != nil {
			m.logger.Error("listing pollable integrations failed",
				slog.String("platform", string(adapter.Platform())),
				slog.Any("error", err))
			continue
		}
		for _, item := range items {
			desired[item.ID] = item
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	for id, entry := range m.running {
		item, keep := desired[id]
		if keep && item.UpdatedAt.Equal(entry.updatedAt) {
			continue
		}
		if entry.stop != nil {
			entry.stop()
		}
		delete(m.running, id)
	}

	for id, item := range desired {
		if _, exists := m.running[id]; exists {
			continue
		}
		m.running[id] = pollEntry{updatedAt: item.UpdatedAt, stop: m.startWatcher(ctx, item)}
	}
}

// startWatcher starts one integration's watcher and returns its stop
// function, or nil when the config cannot be watched.
func (m *PollManager) startWatcher(ctx context.Context, item integrations.Integration) func() {
	adapter, err := m.registry.Adapter(item.Platform, item.Provider)
	if err != nil {
		m.logger.Error("no adapter for integration",
			slog.String("integration_id", item.ID),
			slog.Any("error", err))
		return nil
	}
	poller, ok := adapter.(channel.InboundPoller)
	if !ok {
		return nil
	}
	cfg, err := adapter.DecodeConfig(item.Config)
	if err != nil {
		m.logger.Warn("integration config not watchable",
			slog.String("integration_id", item.ID),
			slog.Any("error", err))
		return nil
	}

	resolved := integrations.Resolved{Integration: item, Adapter: adapter, Config: cfg}
	deliver := func(ctx context.Context, msg channel.InboundMessage) {
		if err := m.ingestor.HandlePolled(ctx, resolved, msg); err != nil {
			m.logger.Error("polled message not processed",
				slog.String("integration_id", item.ID),
				slog.String("platform_message_id", msg.PlatformMessageID),
				slog.Any("error", err))
		}
	}

	stop, err := poller.StartPolling(ctx, cfg, deliver)
	if err != nil {
		m.logger.Warn("inbound watcher not started",
			slog.String("integration_id", item.ID),
			slog.Any("error", err))
		return nil
	}
	m.logger.Info("inbound watcher started",
		slog.String("integration_id", item.ID),
		slog.String("platform", string(item.Platform)))
	return stop
}

// Stop shuts every watcher down. The manager does not restart afterwards.
func (m *PollManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	entries := m.running
	m.running = map[string]pollEntry{}
	m.mu.Unlock()

	for _, entry := range entries {
		if entry.stop != nil {
			entry.stop()
		}
	}
}
