// Package twilio sends and receives WhatsApp and SMS messages through the
// Twilio Messages API. One adapter instance serves one platform; WhatsApp
// traffic carries the "whatsapp:" address prefix on the wire, SMS does not.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const apiBase = "https://api.twilio.com/2010-04-01"

// Adapter implements channel.Adapter for Twilio-backed platforms.
type Adapter struct {
	platform channel.Platform
	logger   *slog.Logger
	client   *http.Client
	baseURL  string
}

// New creates a Twilio adapter for the given platform. Only WhatsApp and SMS
// are meaningful here.
func New(platform channel.Platform, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		platform: platform,
		logger:   log.With(slog.String("adapter", "twilio"), slog.String("platform", string(platform))),
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  apiBase,
	}
}

func (a *Adapter) Platform() channel.Platform { return a.platform }
func (a *Adapter) Provider() channel.Provider { return channel.ProviderTwilio }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    a.platform,
		Provider:    channel.ProviderTwilio,
		DisplayName: "Twilio",
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "account_sid", Type: "string", Title: "Account SID", Required: true, Order: 1},
				{Key: "auth_token", Type: "string", Title: "Auth Token", Required: true, Secret: true, Order: 2},
				{Key: "phone_number", Type: "string", Title: "Phone Number", Description: "E.164 sender number", Required: true, Order: 3},
			},
		},
	}
}

func (a *Adapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.TwilioConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// twilioMessage is the subset of the Messages API response we read.
type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Code         int    `json:"code"`
	Message      string `json:"message"`
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	tc, ok := cfg.(channel.TwilioConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	form := url.Values{}
	form.Set("To", a.address(msg.To))
	form.Set("From", a.address(tc.PhoneNumber))
	if msg.Content != "" {
		form.Set("Body", msg.Content)
	}
	if msg.MediaURL != "" {
		form.Set("MediaUrl", msg.MediaURL)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", a.baseURL, url.PathEscape(tc.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(tc.AccountSID, tc.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("read response: %w", err)
	}
	var out twilioMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return channel.SendResult{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.SendResult{}, fmt.Errorf("twilio error %d: %s", out.Code, out.Message)
	}
	if out.ErrorCode != nil {
		return channel.SendResult{}, fmt.Errorf("twilio error %d: %s", *out.ErrorCode, out.ErrorMessage)
	}
	a.logger.Debug("message sent", slog.String("sid", out.SID), slog.String("status", out.Status))
	return channel.SendResult{ProviderMessageID: out.SID}, nil
}

// ProcessWebhook handles both inbound-message and status-callback posts.
// Twilio sends everything form-encoded; the two kinds are told apart by the
// presence of MessageStatus/SmsStatus versus a message body or media.
func (a *Adapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	form, err := req.Form()
	if err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("parse webhook form: %w", err)
	}
	messageSID := strings.TrimSpace(form.Get("MessageSid"))
	if messageSID == "" {
		messageSID = strings.TrimSpace(form.Get("SmsSid"))
	}

	status := strings.TrimSpace(form.Get("MessageStatus"))
	if status == "" {
		status = strings.TrimSpace(form.Get("SmsStatus"))
	}
	from := strings.TrimSpace(form.Get("From"))

	var event channel.WebhookEvent
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	hasContent := form.Get("Body") != "" || numMedia > 0

	// Status callbacks repeat SmsStatus ("received") on inbound posts, so a
	// post with content is always treated as a message.
	if hasContent && from != "" {
		inbound := channel.InboundMessage{
			SenderExternalID:  channel.NormalizePhoneNumber(from),
			SenderDisplayName: strings.TrimSpace(form.Get("ProfileName")),
			Content:           form.Get("Body"),
			MessageType:       channel.MessageTypeText,
			PlatformMessageID: messageSID,
			ReceivedAt:        time.Now().UTC(),
		}
		if numMedia > 0 {
			inbound.MediaURL = strings.TrimSpace(form.Get("MediaUrl0"))
			inbound.MessageType = channel.MessageTypeForMedia(form.Get("MediaContentType0"))
		}
		event.Messages = append(event.Messages, inbound)
		return event, nil
	}

	if status != "" && messageSID != "" {
		if parsed, ok := channel.ParseDeliveryStatus(status); ok {
			event.Statuses = append(event.Statuses, channel.StatusUpdate{
				PlatformMessageID: messageSID,
				Status:            parsed,
				OccurredAt:        time.Now().UTC(),
			})
		} else {
			a.logger.Debug("ignoring unmapped delivery status", slog.String("status", status))
		}
	}
	return event, nil
}

func (a *Adapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	tc, ok := cfg.(channel.TwilioConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s.json", a.baseURL, url.PathEscape(tc.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(tc.AccountSID, tc.AuthToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("twilio credentials rejected")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("twilio account check failed with status %d", resp.StatusCode)
	}
	return nil
}

// WebhookIdentity is the receiving Twilio number, taken from the To field.
func (a *Adapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	form, err := req.Form()
	if err != nil {
		return "", fmt.Errorf("parse webhook form: %w", err)
	}
	to := channel.NormalizePhoneNumber(form.Get("To"))
	if to == "" {
		return "", fmt.Errorf("webhook has no To number")
	}
	return to, nil
}

// address applies the whatsapp: prefix required by Twilio's WhatsApp channel.
func (a *Adapter) address(number string) string {
	normalized := channel.NormalizePhoneNumber(number)
	if a.platform == channel.PlatformWhatsApp {
		return "whatsapp:" + normalized
	}
	return normalized
}

var _ channel.Adapter = (*Adapter)(nil)
