package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/channel"
)

type stubAdapter struct {
	platform channel.Platform
	provider channel.Provider
	schema   channel.ConfigSchema
}

func (a stubAdapter) Platform() channel.Platform { return a.platform }
func (a stubAdapter) Provider() channel.Provider { return a.provider }

func (a stubAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:     a.platform,
		Provider:     a.provider,
		DisplayName:  "Stub",
		ConfigSchema: a.schema,
	}
}

func (a stubAdapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	return channel.TikTokConfig{}, nil
}

func (a stubAdapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	return channel.SendResult{}, nil
}

func (a stubAdapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	return channel.WebhookEvent{}, nil
}

func (a stubAdapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	return nil
}

func (a stubAdapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	return "", nil
}

func TestListChannelsBuildsWebhookURL(t *testing.T) {
	registry := channel.NewRegistry()
	registry.MustRegister(stubAdapter{platform: channel.PlatformSlack, provider: channel.ProviderSlack})

	handler := NewChannelsHandler(registry, "https://gw.example.com/")
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	rec := httptest.NewRecorder()

	if err := handler.ListChannels(e.NewContext(req, rec)); err != nil {
		t.Fatalf("list channels failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var items []ChannelMeta
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one channel, got %d", len(items))
	}
	if items[0].WebhookURL != "https://gw.example.com/webhooks/slack/slack" {
		t.Fatalf("unexpected webhook url: %q", items[0].WebhookURL)
	}
}

func TestListChannelsWithoutBaseURLOmitsWebhookURL(t *testing.T) {
	registry := channel.NewRegistry()
	registry.MustRegister(stubAdapter{platform: channel.PlatformSlack, provider: channel.ProviderSlack})

	handler := NewChannelsHandler(registry, "")
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	rec := httptest.NewRecorder()

	if err := handler.ListChannels(e.NewContext(req, rec)); err != nil {
		t.Fatalf("list channels failed: %v", err)
	}
	var items []ChannelMeta
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if items[0].WebhookURL != "" {
		t.Fatalf("expected empty webhook url, got %q", items[0].WebhookURL)
	}
}

func TestGetChannelUnknownPlatform(t *testing.T) {
	handler := NewChannelsHandler(channel.NewRegistry(), "")
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/channels/pager", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/channels/:platform")
	c.SetParamNames("platform")
	c.SetParamValues("pager")

	err := handler.GetChannel(c)
	if err == nil {
		t.Fatalf("expected not found error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo HTTP error, got %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Fatalf("unexpected status code: %d", httpErr.Code)
	}
}
