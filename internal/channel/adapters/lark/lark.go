// Package lark sends and receives messages through the Lark open platform.
// Event subscriptions arrive as schema 2.0 callbacks authenticated by the
// app's verification token.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// Adapter implements channel.Adapter for Lark.
type Adapter struct {
	logger *slog.Logger
}

// New creates a Lark adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{logger: log.With(slog.String("adapter", "lark"))}
}

func newClient(cfg channel.LarkConfig) *lark.Client {
	base := lark.LarkBaseUrl
	if cfg.Region == "feishu" {
		base = lark.FeishuBaseUrl
	}
	return lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(base))
}

func (a *Adapter) Platform() channel.Platform { return channel.PlatformLark }
func (a *Adapter) Provider() channel.Provider { return channel.ProviderLark }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformLark,
		Provider:    channel.ProviderLark,
		DisplayName: "Lark",
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "app_id", Type: "string", Title: "App ID", Required: true, Order: 1},
				{Key: "app_secret", Type: "string", Title: "App Secret", Required: true, Secret: true, Order: 2},
				{Key: "verification_token", Type: "string", Title: "Verification Token", Secret: true, Order: 3},
				{Key: "region", Type: "string", Title: "Region", Description: "lark or feishu", Order: 4},
			},
		},
	}
}

func (a *Adapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.LarkConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	lc, ok := cfg.(channel.LarkConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	text := msg.Content
	if msg.MediaURL != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.MediaURL
	}
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("encode content: %w", err)
	}

	client := newClient(lc)
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeOpenId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(strings.TrimSpace(msg.To)).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("lark send: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, errMsg := 0, ""
		if resp != nil {
			code, errMsg = resp.Code, resp.Msg
		}
		return channel.SendResult{}, fmt.Errorf("lark send failed: %s (code %d)", errMsg, code)
	}
	var messageID string
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	return channel.SendResult{ProviderMessageID: messageID}, nil
}

// larkEvent mirrors the schema 2.0 event envelope for im.message.receive_v1.
type larkEvent struct {
	Schema    string `json:"schema"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
		AppID     string `json:"app_id"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderType string `json:"sender_type"`
			SenderID   struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			CreateTime  string `json:"create_time"`
		} `json:"message"`
	} `json:"event"`
}

func (a *Adapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	var payload larkEvent
	if err := req.DecodeJSON(&payload); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("decode event: %w", err)
	}
	var event channel.WebhookEvent
	if payload.Header.EventType != "im.message.receive_v1" {
		return event, nil
	}
	m := payload.Event.Message
	if payload.Event.Sender.SenderType != "user" || m.MessageType != "text" {
		// App and system senders, and non-text messages, are out of scope.
		return event, nil
	}
	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(m.Content), &content); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("decode message content: %w", err)
	}
	event.Messages = append(event.Messages, channel.InboundMessage{
		SenderExternalID:  payload.Event.Sender.SenderID.OpenID,
		Content:           content.Text,
		MessageType:       channel.MessageTypeText,
		PlatformMessageID: m.MessageID,
		ReceivedAt:        larkTime(m.CreateTime),
		Metadata:          map[string]any{"chat_id": m.ChatID},
	})
	return event, nil
}

func (a *Adapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	lc, ok := cfg.(channel.LarkConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	client := newClient(lc)
	req := larkim.NewListChatReqBuilder().PageSize(1).Build()
	resp, err := client.Im.V1.Chat.List(ctx, req)
	if err != nil {
		return fmt.Errorf("lark credentials check: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, errMsg := 0, ""
		if resp != nil {
			code, errMsg = resp.Code, resp.Msg
		}
		return fmt.Errorf("lark credentials rejected: %s (code %d)", errMsg, code)
	}
	return nil
}

// WebhookIdentity is the app id in the event header.
func (a *Adapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	var payload larkEvent
	if err := req.DecodeJSON(&payload); err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	if payload.Header.AppID == "" {
		return "", fmt.Errorf("event carries no app_id")
	}
	return payload.Header.AppID, nil
}

// VerifyWebhook matches the event token against the configured verification
// token.
func (a *Adapter) VerifyWebhook(cfg channel.ProviderConfig, req channel.WebhookRequest) error {
	lc, ok := cfg.(channel.LarkConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	if lc.VerificationToken == "" {
		return nil
	}
	var payload larkEvent
	if err := req.DecodeJSON(&payload); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	token := strings.TrimSpace(payload.Header.Token)
	if token == "" {
		token = strings.TrimSpace(payload.Token)
	}
	if token != lc.VerificationToken {
		return fmt.Errorf("lark verification token mismatch")
	}
	return nil
}

// WebhookChallenge answers the url_verification handshake; Lark expects a
// JSON body echoing the challenge.
func (a *Adapter) WebhookChallenge(cfg channel.ProviderConfig, req channel.WebhookRequest) (string, bool) {
	var payload larkEvent
	if err := req.DecodeJSON(&payload); err != nil {
		return "", false
	}
	if payload.Type != "url_verification" || payload.Challenge == "" {
		return "", false
	}
	if lc, ok := cfg.(channel.LarkConfig); ok && lc.VerificationToken != "" && payload.Token != lc.VerificationToken {
		return "", false
	}
	body, err := json.Marshal(map[string]string{"challenge": payload.Challenge})
	if err != nil {
		return "", false
	}
	return string(body), true
}

// larkTime converts millisecond-epoch strings.
func larkTime(raw string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

var (
	_ channel.Adapter            = (*Adapter)(nil)
	_ channel.WebhookVerifier    = (*Adapter)(nil)
	_ channel.ChallengeResponder = (*Adapter)(nil)
)
