// Package tiktok reserves the TikTok platform slot. The adapter satisfies
// the full channel.Adapter contract so the platform shows up in listings,
// but every operation reports that support has not shipped yet.
package tiktok

import (
	"context"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// Adapter is the placeholder TikTok adapter.
type Adapter struct{}

// New creates the placeholder adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Platform() channel.Platform { return channel.PlatformTikTok }
func (a *Adapter) Provider() channel.Provider { return channel.ProviderTikTok }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformTikTok,
		Provider:    channel.ProviderTikTok,
		DisplayName: "TikTok",
		ComingSoon:  true,
	}
}

func (a *Adapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	return nil, channel.ErrComingSoon
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	return channel.SendResult{}, channel.ErrComingSoon
}

func (a *Adapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	return channel.WebhookEvent{}, channel.ErrComingSoon
}

func (a *Adapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	return channel.ErrComingSoon
}

func (a *Adapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	return "", channel.ErrComingSoon
}

var _ channel.Adapter = (*Adapter)(nil)
