// Package email carries the two email providers: Mailgun (API send, inbound
// route webhooks) and generic SMTP with an IMAP mailbox watcher.
package email

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	mg "github.com/mailgun/mailgun-go/v5"
	"github.com/mailgun/mailgun-go/v5/events"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const defaultSubject = "Message from support"

// MailgunAdapter implements channel.Adapter for Mailgun-backed email.
type MailgunAdapter struct {
	logger *slog.Logger
}

// NewMailgun creates a Mailgun adapter.
func NewMailgun(log *slog.Logger) *MailgunAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &MailgunAdapter{logger: log.With(slog.String("adapter", "mailgun"))}
}

func (a *MailgunAdapter) Platform() channel.Platform { return channel.PlatformEmail }
func (a *MailgunAdapter) Provider() channel.Provider { return channel.ProviderMailgun }

func (a *MailgunAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformEmail,
		Provider:    channel.ProviderMailgun,
		DisplayName: "Mailgun",
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "domain", Type: "string", Title: "Domain", Description: "Sending domain, e.g. mg.example.com", Required: true, Order: 1},
				{Key: "api_key", Type: "string", Title: "API Key", Required: true, Secret: true, Order: 2},
				{Key: "region", Type: "enum", Title: "Region", Description: "us or eu", Order: 3},
				{Key: "signing_key", Type: "string", Title: "Webhook Signing Key", Secret: true, Order: 4},
				{Key: "from_address", Type: "string", Title: "From Address", Order: 5},
				{Key: "inbound_address", Type: "string", Title: "Inbound Address", Description: "Route recipient for incoming mail", Required: true, Order: 6},
			},
		},
	}
}

func (a *MailgunAdapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.MailgunConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newClient(cfg channel.MailgunConfig) *mg.Client {
	client := mg.NewMailgun(cfg.APIKey)
	if strings.EqualFold(cfg.Region, "eu") {
		client.SetAPIBase(mg.APIBaseEU)
	}
	return client
}

func (a *MailgunAdapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	mc, ok := cfg.(channel.MailgunConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	body := msg.Content
	if msg.MediaURL != "" {
		if body != "" {
			body += "\n\n"
		}
		body += msg.MediaURL
	}

	client := newClient(mc)
	m := mg.NewMessage(mc.Domain, mc.From(), subject, body, strings.TrimSpace(msg.To))
	resp, err := client.Send(ctx, m)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("mailgun send: %w", err)
	}
	return channel.SendResult{ProviderMessageID: strings.Trim(resp.ID, "<>")}, nil
}

// ProcessWebhook parses an inbound-route post. Mailgun delivers stored
// messages as multipart form fields.
func (a *MailgunAdapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	form, err := req.Form()
	if err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("parse webhook form: %w", err)
	}
	var event channel.WebhookEvent
	sender := strings.ToLower(strings.TrimSpace(form.Get("sender")))
	if sender == "" {
		return event, nil
	}

	body := form.Get("stripped-text")
	if body == "" {
		body = form.Get("body-plain")
	}
	inbound := channel.InboundMessage{
		SenderExternalID:  sender,
		SenderDisplayName: displayName(form.Get("from")),
		Content:           strings.TrimSpace(body),
		MessageType:       channel.MessageTypeText,
		PlatformMessageID: strings.Trim(form.Get("Message-Id"), "<>"),
		ReceivedAt:        time.Now().UTC(),
	}
	if subject := strings.TrimSpace(form.Get("subject")); subject != "" {
		inbound.Metadata = map[string]any{"subject": subject}
	}
	event.Messages = append(event.Messages, inbound)
	return event, nil
}

// displayName extracts the human name from an RFC 5322 "From" value.
func displayName(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return ""
	}
	return addr.Name
}

func (a *MailgunAdapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	mc, ok := cfg.(channel.MailgunConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	client := newClient(mc)
	iter := client.ListEvents(mc.Domain, &mg.ListEventOptions{Limit: 1})
	var evts []events.Event
	iter.Next(ctx, &evts)
	if err := iter.Err(); err != nil {
		return fmt.Errorf("mailgun credentials check: %w", err)
	}
	return nil
}

// WebhookIdentity is the route recipient address.
func (a *MailgunAdapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	form, err := req.Form()
	if err != nil {
		return "", fmt.Errorf("parse webhook form: %w", err)
	}
	recipient := strings.ToLower(strings.TrimSpace(form.Get("recipient")))
	if recipient == "" {
		return "", fmt.Errorf("webhook carries no recipient")
	}
	// Routes can fan out to several recipients; the first one picks the
	// integration.
	if first, _, found := strings.Cut(recipient, ","); found {
		recipient = strings.TrimSpace(first)
	}
	return recipient, nil
}

// VerifyWebhook checks the timestamp/token signature Mailgun includes in
// every webhook post.
func (a *MailgunAdapter) VerifyWebhook(cfg channel.ProviderConfig, req channel.WebhookRequest) error {
	mc, ok := cfg.(channel.MailgunConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	if mc.SigningKey == "" {
		return nil
	}
	form, err := req.Form()
	if err != nil {
		return fmt.Errorf("parse webhook form: %w", err)
	}
	timestamp := form.Get("timestamp")
	token := form.Get("token")
	signature := form.Get("signature")
	if timestamp == "" || token == "" || signature == "" {
		return fmt.Errorf("missing mailgun signature fields")
	}
	mac := hmac.New(sha256.New, []byte(mc.SigningKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("mailgun signature mismatch")
	}
	return nil
}

var (
	_ channel.Adapter         = (*MailgunAdapter)(nil)
	_ channel.WebhookVerifier = (*MailgunAdapter)(nil)
)
