package meta

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// MessengerAdapter implements channel.Adapter for Facebook pages and
// Instagram business accounts through the Meta Send API. One instance serves
// one platform; the wire protocol is shared.
type MessengerAdapter struct {
	platform channel.Platform
	logger   *slog.Logger
	client   *http.Client
	baseURL  string
}

// NewMessenger creates an adapter for channel.PlatformFacebook or
// channel.PlatformInstagram.
func NewMessenger(platform channel.Platform, log *slog.Logger) *MessengerAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &MessengerAdapter{
		platform: platform,
		logger:   log.With(slog.String("adapter", "meta-messenger"), slog.String("platform", string(platform))),
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  graphBase,
	}
}

func (a *MessengerAdapter) Platform() channel.Platform { return a.platform }
func (a *MessengerAdapter) Provider() channel.Provider { return channel.ProviderMeta }

func (a *MessengerAdapter) Descriptor() channel.Descriptor {
	display := "Facebook Messenger"
	if a.platform == channel.PlatformInstagram {
		display = "Instagram Messaging"
	}
	return channel.Descriptor{
		Platform:    a.platform,
		Provider:    channel.ProviderMeta,
		DisplayName: display,
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "page_id", Type: "string", Title: "Page ID", Required: true, Order: 1},
				{Key: "access_token", Type: "string", Title: "Page Access Token", Required: true, Secret: true, Order: 2},
				{Key: "verify_token", Type: "string", Title: "Webhook Verify Token", Order: 3},
				{Key: "app_secret", Type: "string", Title: "App Secret", Secret: true, Order: 4},
			},
		},
	}
}

func (a *MessengerAdapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.MessengerConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type messengerSendRequest struct {
	Recipient     messengerID      `json:"recipient"`
	MessagingType string           `json:"messaging_type"`
	Message       messengerPayload `json:"message"`
}

type messengerID struct {
	ID string `json:"id"`
}

type messengerPayload struct {
	Text       string               `json:"text,omitempty"`
	Attachment *messengerAttachment `json:"attachment,omitempty"`
}

type messengerAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type messengerSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (a *MessengerAdapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	mc, ok := cfg.(channel.MessengerConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	payload := messengerSendRequest{
		Recipient:     messengerID{ID: strings.TrimSpace(msg.To)},
		MessagingType: "RESPONSE",
	}
	if msg.MediaURL != "" {
		att := &messengerAttachment{Type: attachmentType(msg.MessageType)}
		att.Payload.URL = msg.MediaURL
		payload.Message.Attachment = att
	} else {
		payload.Message.Text = msg.Content
	}

	endpoint := a.baseURL + "/me/messages"
	var out messengerSendResponse
	if err := postJSON(ctx, a.client, endpoint, mc.AccessToken, payload, &out); err != nil {
		return channel.SendResult{}, err
	}
	a.logger.Debug("message sent", slog.String("mid", out.MessageID))
	return channel.SendResult{ProviderMessageID: out.MessageID}, nil
}

func attachmentType(mt channel.MessageType) string {
	switch mt {
	case channel.MessageTypeImage:
		return "image"
	case channel.MessageTypeAudio:
		return "audio"
	case channel.MessageTypeVideo:
		return "video"
	default:
		return "file"
	}
}

// messengerWebhookPayload mirrors page/instagram webhook envelopes.
type messengerWebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender    messengerID `json:"sender"`
			Recipient messengerID `json:"recipient"`
			Timestamp int64       `json:"timestamp"`
			Message   *struct {
				MID         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
			Delivery *struct {
				MIDs []string `json:"mids"`
			} `json:"delivery"`
			Read *struct {
				Watermark int64 `json:"watermark"`
			} `json:"read"`
		} `json:"messaging"`
	} `json:"entry"`
}

func (a *MessengerAdapter) expectedObject() string {
	if a.platform == channel.PlatformInstagram {
		return "instagram"
	}
	return "page"
}

func (a *MessengerAdapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	var payload messengerWebhookPayload
	if err := req.DecodeJSON(&payload); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	var event channel.WebhookEvent
	if payload.Object != a.expectedObject() {
		return event, nil
	}
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			occurred := time.UnixMilli(m.Timestamp).UTC()
			if m.Timestamp == 0 {
				occurred = time.Now().UTC()
			}
			switch {
			case m.Message != nil:
				if m.Message.IsEcho {
					// The page's own outbound messages echo back in.
					continue
				}
				inbound := channel.InboundMessage{
					SenderExternalID:  m.Sender.ID,
					Content:           m.Message.Text,
					MessageType:       channel.MessageTypeText,
					PlatformMessageID: m.Message.MID,
					ReceivedAt:        occurred,
				}
				if len(m.Message.Attachments) > 0 {
					att := m.Message.Attachments[0]
					inbound.MediaURL = att.Payload.URL
					switch att.Type {
					case "image":
						inbound.MessageType = channel.MessageTypeImage
					case "audio":
						inbound.MessageType = channel.MessageTypeAudio
					case "video":
						inbound.MessageType = channel.MessageTypeVideo
					default:
						inbound.MessageType = channel.MessageTypeDocument
					}
				}
				event.Messages = append(event.Messages, inbound)
			case m.Delivery != nil:
				for _, mid := range m.Delivery.MIDs {
					event.Statuses = append(event.Statuses, channel.StatusUpdate{
						PlatformMessageID: mid,
						Status:            channel.DeliveryDelivered,
						OccurredAt:        occurred,
					})
				}
			case m.Read != nil:
				// Read receipts are watermark-based with no message ids.
				continue
			}
		}
	}
	return event, nil
}

func (a *MessengerAdapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	mc, ok := cfg.(channel.MessengerConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := getJSON(ctx, a.client, a.baseURL+"/me", mc.AccessToken, &out); err != nil {
		return err
	}
	if out.ID == "" {
		return fmt.Errorf("page lookup returned no id")
	}
	return nil
}

// WebhookIdentity is the page (or Instagram business account) id in entry.id.
func (a *MessengerAdapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	var payload messengerWebhookPayload
	if err := req.DecodeJSON(&payload); err != nil {
		return "", fmt.Errorf("decode webhook: %w", err)
	}
	for _, entry := range payload.Entry {
		if id := strings.TrimSpace(entry.ID); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("webhook carries no entry id")
}

func (a *MessengerAdapter) VerifyWebhook(cfg channel.ProviderConfig, req channel.WebhookRequest) error {
	mc, ok := cfg.(channel.MessengerConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	return verifySignature(mc.AppSecret, req)
}

func (a *MessengerAdapter) WebhookChallenge(cfg channel.ProviderConfig, req channel.WebhookRequest) (string, bool) {
	mc, ok := cfg.(channel.MessengerConfig)
	if !ok {
		return "", false
	}
	return webhookChallenge(mc.VerifyToken, req)
}

var (
	_ channel.Adapter            = (*MessengerAdapter)(nil)
	_ channel.WebhookVerifier    = (*MessengerAdapter)(nil)
	_ channel.ChallengeResponder = (*MessengerAdapter)(nil)
)
