// Package slack sends messages through chat.postMessage and receives Events
// API callbacks. Requests are authenticated with the v0 signing scheme when a
// signing secret is configured.
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const (
	apiBase = "https://slack.com/api"

	// signatureMaxAge rejects replayed Events API requests.
	signatureMaxAge = 5 * time.Minute
)

// Adapter implements channel.Adapter for Slack workspaces.
type Adapter struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// New creates a Slack adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:  log.With(slog.String("adapter", "slack")),
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: apiBase,
		now:     time.Now,
	}
}

func (a *Adapter) Platform() channel.Platform { return channel.PlatformSlack }
func (a *Adapter) Provider() channel.Provider { return channel.ProviderSlack }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformSlack,
		Provider:    channel.ProviderSlack,
		DisplayName: "Slack",
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "bot_token", Type: "string", Title: "Bot Token", Description: "xoxb- token with chat:write and im:write", Required: true, Secret: true, Order: 1},
				{Key: "team_id", Type: "string", Title: "Team ID", Required: true, Order: 2},
				{Key: "signing_secret", Type: "string", Title: "Signing Secret", Secret: true, Order: 3},
			},
		},
	}
}

func (a *Adapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.SlackConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apiCall posts JSON to a Slack Web API method and decodes the envelope.
func (a *Adapter) apiCall(ctx context.Context, token, method string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+method, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

type postMessageResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	sc, ok := cfg.(channel.SlackConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	text := msg.Content
	if msg.MediaURL != "" {
		// Slack unfurls plain links; media goes out as a link line.
		if text != "" {
			text += "\n"
		}
		text += msg.MediaURL
	}
	payload := map[string]string{
		"channel": strings.TrimSpace(msg.To),
		"text":    text,
	}
	var out postMessageResponse
	if err := a.apiCall(ctx, sc.BotToken, "chat.postMessage", payload, &out); err != nil {
		return channel.SendResult{}, err
	}
	if !out.OK {
		return channel.SendResult{}, fmt.Errorf("slack chat.postMessage: %s", out.Error)
	}
	return channel.SendResult{ProviderMessageID: out.Channel + ":" + out.TS}, nil
}

// eventEnvelope is the Events API callback wrapper.
type eventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	Event     struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Channel string `json:"channel"`
		User    string `json:"user"`
		BotID   string `json:"bot_id"`
		Text    string `json:"text"`
		TS      string `json:"ts"`
	} `json:"event"`
}

func (a *Adapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	var envelope eventEnvelope
	if err := req.DecodeJSON(&envelope); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("decode event: %w", err)
	}
	var event channel.WebhookEvent
	if envelope.Type != "event_callback" || envelope.Event.Type != "message" {
		return event, nil
	}
	ev := envelope.Event
	if ev.BotID != "" || ev.Subtype != "" || ev.User == "" {
		// Bot echoes and message subtypes (joins, edits) are not customer
		// messages.
		return event, nil
	}
	event.Messages = append(event.Messages, channel.InboundMessage{
		SenderExternalID:  ev.User,
		Content:           ev.Text,
		MessageType:       channel.MessageTypeText,
		PlatformMessageID: ev.Channel + ":" + ev.TS,
		ReceivedAt:        slackTime(ev.TS, a.now),
		Metadata:          map[string]any{"channel": ev.Channel},
	})
	return event, nil
}

func (a *Adapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	sc, ok := cfg.(channel.SlackConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	var out struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		TeamID string `json:"team_id"`
	}
	if err := a.apiCall(ctx, sc.BotToken, "auth.test", nil, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("slack auth.test: %s", out.Error)
	}
	if out.TeamID != sc.TeamID {
		return fmt.Errorf("token belongs to workspace %s, config says %s", out.TeamID, sc.TeamID)
	}
	return nil
}

// WebhookIdentity is the workspace id present in every Events API payload.
func (a *Adapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	var envelope eventEnvelope
	if err := req.DecodeJSON(&envelope); err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	if envelope.TeamID == "" {
		return "", fmt.Errorf("event carries no team_id")
	}
	return envelope.TeamID, nil
}

func (a *Adapter) VerifyWebhook(cfg channel.ProviderConfig, req channel.WebhookRequest) error {
	sc, ok := cfg.(channel.SlackConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	if sc.SigningSecret == "" {
		return nil
	}
	tsRaw := req.HeaderValue("X-Slack-Request-Timestamp")
	signature := req.HeaderValue("X-Slack-Signature")
	if tsRaw == "" || signature == "" {
		return fmt.Errorf("missing slack signature headers")
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid slack timestamp: %w", err)
	}
	if math.Abs(a.now().Sub(time.Unix(ts, 0)).Seconds()) > signatureMaxAge.Seconds() {
		return fmt.Errorf("slack request timestamp outside tolerance")
	}
	base := "v0:" + tsRaw + ":" + string(req.Body)
	mac := hmac.New(sha256.New, []byte(sc.SigningSecret))
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("slack signature mismatch")
	}
	return nil
}

// WebhookChallenge answers the url_verification handshake.
func (a *Adapter) WebhookChallenge(cfg channel.ProviderConfig, req channel.WebhookRequest) (string, bool) {
	var envelope eventEnvelope
	if err := req.DecodeJSON(&envelope); err != nil {
		return "", false
	}
	if envelope.Type != "url_verification" || envelope.Challenge == "" {
		return "", false
	}
	return envelope.Challenge, true
}

// slackTime parses the seconds.fraction ts format.
func slackTime(ts string, now func() time.Time) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil || n <= 0 {
		return now().UTC()
	}
	return time.Unix(n, 0).UTC()
}

var (
	_ channel.Adapter            = (*Adapter)(nil)
	_ channel.WebhookVerifier    = (*Adapter)(nil)
	_ channel.ChallengeResponder = (*Adapter)(nil)
)
