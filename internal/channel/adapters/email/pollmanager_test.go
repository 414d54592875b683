package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/integrations"
)

type pollerConfig struct{}

func (pollerConfig) Validate() error          { return nil }
func (pollerConfig) ExternalIdentity() string { return "inbox@example.com" }

type fakePoller struct {
	attempts  int
	stops     int
	failStart bool
	deliver   channel.InboundFunc
}

func (p *fakePoller) Platform() channel.Platform { return channel.PlatformEmail }
func (p *fakePoller) Provider() channel.Provider { return channel.ProviderSMTP }

func (p *fakePoller) Descriptor() channel.Descriptor {
	return channel.Descriptor{Platform: channel.PlatformEmail, Provider: channel.ProviderSMTP}
}

func (p *fakePoller) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	return pollerConfig{}, nil
}

func (p *fakePoller) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	return channel.SendResult{}, nil
}

func (p *fakePoller) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	return channel.WebhookEvent{}, nil
}

func (p *fakePoller) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	return nil
}

func (p *fakePoller) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	return "", channel.ErrNoInboundSupport
}

func (p *fakePoller) StartPolling(ctx context.Context, cfg channel.ProviderConfig, deliver channel.InboundFunc) (func(), error) {
	p.attempts++
	if p.failStart {
		return nil, errors.New("mailbox unreachable")
	}
	p.deliver = deliver
	return func() { p.stops++ }, nil
}

type fakeSource struct {
	items []integrations.Integration
}

func (s *fakeSource) ListActiveForPlatform(ctx context.Context, platform channel.Platform, provider channel.Provider) ([]integrations.Integration, error) {
	return s.items, nil
}

type recordingIngestor struct {
	integrationIDs []string
	messages       []channel.InboundMessage
}

func (r *recordingIngestor) HandlePolled(ctx context.Context, resolved integrations.Resolved, msg channel.InboundMessage) error {
	r.integrationIDs = append(r.integrationIDs, resolved.Integration.ID)
	r.messages = append(r.messages, msg)
	return nil
}

func watchedIntegration(id string, updatedAt time.Time) integrations.Integration {
	return integrations.Integration{
		ID:        id,
		UserID:    "user-1",
		Platform:  channel.PlatformEmail,
		Provider:  channel.ProviderSMTP,
		Status:    integrations.StatusActive,
		UpdatedAt: updatedAt,
	}
}

func TestPollManagerReconcileLifecycle(t *testing.T) {
	poller := &fakePoller{}
	registry := channel.NewRegistry()
	registry.MustRegister(poller)
	source := &fakeSource{}
	ingestor := &recordingIngestor{}
	m := NewPollManager(nil, source, registry, ingestor)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source.items = []integrations.Integration{watchedIntegration("int-1", t0)}

	m.Reconcile(ctx)
	if poller.attempts != 1 {
		t.Fatalf("expected one watcher start, got %d", poller.attempts)
	}

	poller.deliver(ctx, channel.InboundMessage{Content: "hello", PlatformMessageID: "m-1"})
	if len(ingestor.messages) != 1 || ingestor.messages[0].Content != "hello" {
		t.Fatalf("delivered message did not reach ingestor: %#v", ingestor.messages)
	}
	if ingestor.integrationIDs[0] != "int-1" {
		t.Fatalf("wrong integration attributed: %q", ingestor.integrationIDs[0])
	}

	// Unchanged integration keeps its watcher.
	m.Reconcile(ctx)
	if poller.attempts != 1 || poller.stops != 0 {
		t.Fatalf("unchanged integration restarted: attempts=%d stops=%d", poller.attempts, poller.stops)
	}

	// A config change restarts the watcher.
	source.items = []integrations.Integration{watchedIntegration("int-1", t0.Add(time.Minute))}
	m.Reconcile(ctx)
	if poller.attempts != 2 || poller.stops != 1 {
		t.Fatalf("changed integration not restarted: attempts=%d stops=%d", poller.attempts, poller.stops)
	}

	// Deactivation stops the watcher.
	source.items = nil
	m.Reconcile(ctx)
	if poller.stops != 2 {
		t.Fatalf("removed integration not stopped: stops=%d", poller.stops)
	}

	m.Stop()
}

func TestPollManagerDoesNotRetryFailedConfigUntilChanged(t *testing.T) {
	poller := &fakePoller{failStart: true}
	registry := channel.NewRegistry()
	registry.MustRegister(poller)
	source := &fakeSource{}
	m := NewPollManager(nil, source, registry, &recordingIngestor{})
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source.items = []integrations.Integration{watchedIntegration("int-1", t0)}

	m.Reconcile(ctx)
	m.Reconcile(ctx)
	if poller.attempts != 1 {
		t.Fatalf("failing config should not be retried, attempts=%d", poller.attempts)
	}

	source.items = []integrations.Integration{watchedIntegration("int-1", t0.Add(time.Minute))}
	m.Reconcile(ctx)
	if poller.attempts != 2 {
		t.Fatalf("changed config should retry, attempts=%d", poller.attempts)
	}
}

func TestPollManagerStopPreventsRestart(t *testing.T) {
	poller := &fakePoller{}
	registry := channel.NewRegistry()
	registry.MustRegister(poller)
	source := &fakeSource{}
	m := NewPollManager(nil, source, registry, &recordingIngestor{})
	ctx := context.Background()

	source.items = []integrations.Integration{watchedIntegration("int-1", time.Now())}
	m.Reconcile(ctx)
	m.Stop()
	if poller.stops != 1 {
		t.Fatalf("stop should halt running watchers, stops=%d", poller.stops)
	}

	m.Reconcile(ctx)
	if poller.attempts != 1 {
		t.Fatalf("reconcile after stop must not start watchers, attempts=%d", poller.attempts)
	}
}
