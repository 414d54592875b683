package meta

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// WhatsAppAdapter implements channel.Adapter for the WhatsApp Business Cloud API.
type WhatsAppAdapter struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
}

// NewWhatsApp creates a WhatsApp Cloud API adapter.
func NewWhatsApp(log *slog.Logger) *WhatsAppAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsAppAdapter{
		logger:  log.With(slog.String("adapter", "meta-whatsapp")),
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: graphBase,
	}
}

func (a *WhatsAppAdapter) Platform() channel.Platform { return channel.PlatformWhatsApp }
func (a *WhatsAppAdapter) Provider() channel.Provider { return channel.ProviderMeta }

func (a *WhatsAppAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformWhatsApp,
		Provider:    channel.ProviderMeta,
		DisplayName: "WhatsApp Business Cloud",
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "access_token", Type: "string", Title: "Access Token", Required: true, Secret: true, Order: 1},
				{Key: "phone_number_id", Type: "string", Title: "Phone Number ID", Required: true, Order: 2},
				{Key: "business_account_id", Type: "string", Title: "Business Account ID", Order: 3},
				{Key: "verify_token", Type: "string", Title: "Webhook Verify Token", Order: 4},
				{Key: "app_secret", Type: "string", Title: "App Secret", Secret: true, Order: 5},
			},
		},
	}
}

func (a *WhatsAppAdapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.MetaWhatsAppConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type waSendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *waText      `json:"text,omitempty"`
	Image            *waMediaLink `json:"image,omitempty"`
	Audio            *waMediaLink `json:"audio,omitempty"`
	Video            *waMediaLink `json:"video,omitempty"`
	Document         *waMediaLink `json:"document,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMediaLink struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (a *WhatsAppAdapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	wc, ok := cfg.(channel.MetaWhatsAppConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	payload := waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(channel.NormalizePhoneNumber(msg.To), "+"),
	}
	switch {
	case msg.MediaURL == "":
		payload.Type = "text"
		payload.Text = &waText{Body: msg.Content}
	default:
		link := &waMediaLink{Link: msg.MediaURL, Caption: msg.Content}
		switch msg.MessageType {
		case channel.MessageTypeImage:
			payload.Type = "image"
			payload.Image = link
		case channel.MessageTypeAudio:
			payload.Type = "audio"
			payload.Audio = &waMediaLink{Link: msg.MediaURL}
		case channel.MessageTypeVideo:
			payload.Type = "video"
			payload.Video = link
		default:
			payload.Type = "document"
			payload.Document = link
		}
	}

	endpoint := fmt.Sprintf("%s/%s/messages", a.baseURL, url.PathEscape(wc.PhoneNumberID))
	var out waSendResponse
	if err := postJSON(ctx, a.client, endpoint, wc.AccessToken, payload, &out); err != nil {
		return channel.SendResult{}, err
	}
	if len(out.Messages) == 0 {
		return channel.SendResult{}, fmt.Errorf("graph api returned no message id")
	}
	a.logger.Debug("message sent", slog.String("wamid", out.Messages[0].ID))
	return channel.SendResult{ProviderMessageID: out.Messages[0].ID}, nil
}

// waWebhookPayload mirrors the webhook envelope for whatsapp_business_account
// objects. Only the fields we consume are declared.
type waWebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []waWebhookMessage `json:"messages"`
				Statuses []struct {
					ID        string `json:"id"`
					Status    string `json:"status"`
					Timestamp string `json:"timestamp"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waWebhookMessage struct {
	From      string       `json:"from"`
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *waText      `json:"text"`
	Image     *waMediaMeta `json:"image"`
	Audio     *waMediaMeta `json:"audio"`
	Video     *waMediaMeta `json:"video"`
	Document  *waMediaMeta `json:"document"`
	Sticker   *waMediaMeta `json:"sticker"`
}

type waMediaMeta struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

func (a *WhatsAppAdapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	var payload waWebhookPayload
	if err := req.DecodeJSON(&payload); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	var event channel.WebhookEvent
	if payload.Object != "whatsapp_business_account" {
		return event, nil
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, m := range change.Value.Messages {
				inbound := channel.InboundMessage{
					SenderExternalID:  m.From,
					SenderDisplayName: names[m.From],
					MessageType:       channel.MessageTypeText,
					PlatformMessageID: m.ID,
					ReceivedAt:        graphTime(m.Timestamp),
				}
				switch {
				case m.Text != nil:
					inbound.Content = m.Text.Body
				case m.Image != nil:
					inbound.MessageType = channel.MessageTypeImage
					inbound.Content = m.Image.Caption
					inbound.Metadata = mediaMeta(m.Image)
				case m.Audio != nil:
					inbound.MessageType = channel.MessageTypeAudio
					inbound.Metadata = mediaMeta(m.Audio)
				case m.Video != nil:
					inbound.MessageType = channel.MessageTypeVideo
					inbound.Content = m.Video.Caption
					inbound.Metadata = mediaMeta(m.Video)
				case m.Document != nil:
					inbound.MessageType = channel.MessageTypeDocument
					inbound.Content = m.Document.Caption
					inbound.Metadata = mediaMeta(m.Document)
				case m.Sticker != nil:
					inbound.MessageType = channel.MessageTypeImage
					inbound.Metadata = mediaMeta(m.Sticker)
				default:
					// Unsupported types (reactions, locations) are dropped.
					a.logger.Debug("skipping unsupported message type", slog.String("type", m.Type))
					continue
				}
				event.Messages = append(event.Messages, inbound)
			}
			for _, s := range change.Value.Statuses {
				parsed, ok := channel.ParseDeliveryStatus(s.Status)
				if !ok {
					continue
				}
				event.Statuses = append(event.Statuses, channel.StatusUpdate{
					PlatformMessageID: s.ID,
					Status:            parsed,
					OccurredAt:        graphTime(s.Timestamp),
				})
			}
		}
	}
	return event, nil
}

// mediaMeta records the Graph media id for later retrieval; Cloud API media
// needs an authenticated download and is not a public URL.
func mediaMeta(m *waMediaMeta) map[string]any {
	return map[string]any{"media_id": m.ID, "mime_type": m.MimeType}
}

func (a *WhatsAppAdapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	wc, ok := cfg.(channel.MetaWhatsAppConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	endpoint := fmt.Sprintf("%s/%s?fields=display_phone_number,verified_name", a.baseURL, url.PathEscape(wc.PhoneNumberID))
	var out struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
	}
	if err := getJSON(ctx, a.client, endpoint, wc.AccessToken, &out); err != nil {
		return err
	}
	return nil
}

// WebhookIdentity is the phone_number_id carried in the webhook metadata.
func (a *WhatsAppAdapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	var payload waWebhookPayload
	if err := req.DecodeJSON(&payload); err != nil {
		return "", fmt.Errorf("decode webhook: %w", err)
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if id := strings.TrimSpace(change.Value.Metadata.PhoneNumberID); id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("webhook carries no phone_number_id")
}

func (a *WhatsAppAdapter) VerifyWebhook(cfg channel.ProviderConfig, req channel.WebhookRequest) error {
	wc, ok := cfg.(channel.MetaWhatsAppConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	return verifySignature(wc.AppSecret, req)
}

func (a *WhatsAppAdapter) WebhookChallenge(cfg channel.ProviderConfig, req channel.WebhookRequest) (string, bool) {
	wc, ok := cfg.(channel.MetaWhatsAppConfig)
	if !ok {
		return "", false
	}
	return webhookChallenge(wc.VerifyToken, req)
}

var (
	_ channel.Adapter            = (*WhatsAppAdapter)(nil)
	_ channel.WebhookVerifier    = (*WhatsAppAdapter)(nil)
	_ channel.ChallengeResponder = (*WhatsAppAdapter)(nil)
)
