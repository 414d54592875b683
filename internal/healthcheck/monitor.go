package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/integrations"
)

const defaultProbeTimeout = 15 * time.Second

// CheckStore is the slice of the integration store the monitor drives.
type CheckStore interface {
	ListChecked(ctx context.Context) ([]integrations.Integration, error)
	RecordCheck(ctx context.Context, id string, healthy bool, checkErr string, at time.Time) error
}

// Monitor periodically verifies integration credentials against their
// provider APIs and records the outcome. A failing integration flips to
// error status, which takes it out of webhook resolution until a later
// check passes.
type Monitor struct {
	logger   *slog.Logger
	store    CheckStore
	registry *channel.Registry
	cron     *cron.Cron
	spec     string
	timeout  time.Duration
}

// NewMonitor creates a monitor. spec is a cron expression; empty means every
// five minutes.
func NewMonitor(log *slog.Logger, store CheckStore, registry *channel.Registry, spec string) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if spec == "" {
		spec = "@every 5m"
	}
	return &Monitor{
		logger:   log.With(slog.String("component", "healthmonitor")),
		store:    store,
		registry: registry,
		cron:     cron.New(),
		spec:     spec,
		timeout:  defaultProbeTimeout,
	}
}

// Start schedules the periodic checks.
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(m.spec, func() { m.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}
	m.cron.Start()
	m.logger.Info("integration health monitor started", slog.String("schedule", m.spec))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	stopped := m.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("health monitor drain: %w", ctx.Err())
	}
}

// RunOnce checks every active or errored integration immediately.
func (m *Monitor) RunOnce(ctx context.Context) {
	items, err := m.store.ListChecked(ctx)
	if err != nil {
		m.logger.Error("list integrations for health check", slog.Any("error", err))
		return
	}
	for _, item := range items {
		m.checkOne(ctx, item)
	}
}

func (m *Monitor) checkOne(ctx context.Context, item integrations.Integration) {
	adapter, err := m.registry.Adapter(item.Platform, item.Provider)
	if err != nil {
		m.record(ctx, item, err)
		return
	}
	cfg, err := adapter.DecodeConfig(item.Config)
	if err != nil {
		m.record(ctx, item, err)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	m.record(ctx, item, adapter.TestConnection(probeCtx, cfg))
}

func (m *Monitor) record(ctx context.Context, item integrations.Integration, checkErr error) {
	healthy := checkErr == nil
	msg := ""
	if checkErr != nil {
		msg = checkErr.Error()
	}
	if err := m.store.RecordCheck(ctx, item.ID, healthy, msg, time.Now()); err != nil {
		m.logger.Error("record health check",
			slog.String("integration_id", item.ID),
			slog.Any("error", err))
		return
	}
	switch {
	case !healthy:
		m.logger.Warn("integration health check failed",
			slog.String("integration_id", item.ID),
			slog.String("platform", string(item.Platform)),
			slog.Any("error", checkErr))
	case item.Status == integrations.StatusError:
		m.logger.Info("integration recovered",
			slog.String("integration_id", item.ID),
			slog.String("platform", string(item.Platform)))
	}
}
