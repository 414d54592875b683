package healthcheck

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/integrations"
)

type staticConfig struct{}

func (staticConfig) Validate() error          { return nil }
func (staticConfig) ExternalIdentity() string { return "probe" }

type probeAdapter struct {
	platform channel.Platform
	provider channel.Provider
	testErr  error
}

func (p *probeAdapter) Platform() channel.Platform { return p.platform }
func (p *probeAdapter) Provider() channel.Provider { return p.provider }
func (p *probeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Platform: p.platform, Provider: p.provider}
}

func (p *probeAdapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	return staticConfig{}, nil
}

func (p *probeAdapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	return channel.SendResult{}, errors.New("not used")
}

func (p *probeAdapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	return channel.WebhookEvent{}, nil
}

func (p *probeAdapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	return p.testErr
}

func (p *probeAdapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	return "probe", nil
}

type recordingCheckStore struct {
	items    []integrations.Integration
	recorded map[string]bool
	errs     map[string]string
}

func (r *recordingCheckStore) ListChecked(ctx context.Context) ([]integrations.Integration, error) {
	return r.items, nil
}

func (r *recordingCheckStore) RecordCheck(ctx context.Context, id string, healthy bool, checkErr string, at time.Time) error {
	if r.recorded == nil {
		r.recorded = map[string]bool{}
		r.errs = map[string]string{}
	}
	r.recorded[id] = healthy
	r.errs[id] = checkErr
	return nil
}

func TestMonitorRunOnce(t *testing.T) {
	t.Parallel()

	registry := channel.NewRegistry()
	registry.MustRegister(&probeAdapter{platform: channel.PlatformTelegram, provider: channel.ProviderTelegram})
	registry.MustRegister(&probeAdapter{
		platform: channel.PlatformWhatsApp,
		provider: channel.ProviderTwilio,
		testErr:  errors.New("credentials rejected"),
	})

	store := &recordingCheckStore{items: []integrations.Integration{
		{ID: "int-ok", Platform: channel.PlatformTelegram, Provider: channel.ProviderTelegram, Status: integrations.StatusActive},
		{ID: "int-bad", Platform: channel.PlatformWhatsApp, Provider: channel.ProviderTwilio, Status: integrations.StatusActive},
	}}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	monitor := NewMonitor(log, store, registry, "")
	monitor.RunOnce(context.Background())

	if len(store.recorded) != 2 {
		t.Fatalf("recorded %d checks, want 2", len(store.recorded))
	}
	if !store.recorded["int-ok"] {
		t.Fatal("int-ok recorded unhealthy, want healthy")
	}
	if store.recorded["int-bad"] {
		t.Fatal("int-bad recorded healthy, want unhealthy")
	}
	if store.errs["int-bad"] != "credentials rejected" {
		t.Fatalf("int-bad error = %q, want the probe failure", store.errs["int-bad"])
	}
}

func TestMonitorRecordsUnresolvableAdapter(t *testing.T) {
	t.Parallel()

	store := &recordingCheckStore{items: []integrations.Integration{
		{ID: "int-orphan", Platform: channel.PlatformDiscord, Provider: channel.ProviderDiscord, Status: integrations.StatusActive},
	}}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	monitor := NewMonitor(log, store, channel.NewRegistry(), "")
	monitor.RunOnce(context.Background())

	if store.recorded["int-orphan"] {
		t.Fatal("integration without an adapter recorded healthy")
	}
	if store.errs["int-orphan"] == "" {
		t.Fatal("expected a recorded error for the missing adapter")
	}
}
