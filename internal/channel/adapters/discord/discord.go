// Package discord sends messages over the Discord REST API and receives
// interaction webhooks. Message sends need no gateway connection; discordgo
// sessions are used purely as REST clients.
package discord

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const maxMessageLength = 2000

// Adapter implements channel.Adapter for Discord.
type Adapter struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*discordgo.Session // keyed by bot token
}

// New creates a Discord adapter with the given logger.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "discord")),
		sessions: make(map[string]*discordgo.Session),
	}
}

var getOrCreateSessionForTest func(a *Adapter, token string) (*discordgo.Session, error)

func (a *Adapter) getOrCreateSession(token string) (*discordgo.Session, error) {
	if getOrCreateSessionForTest != nil {
		return getOrCreateSessionForTest(a, token)
	}
	a.mu.RLock()
	session, ok := a.sessions[token]
	a.mu.RUnlock()
	if ok {
		return session, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if session, ok := a.sessions[token]; ok {
		return session, nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	a.sessions[token] = session
	return session, nil
}

func (a *Adapter) Platform() channel.Platform { return channel.PlatformDiscord }
func (a *Adapter) Provider() channel.Provider { return channel.ProviderDiscord }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformDiscord,
		Provider:    channel.ProviderDiscord,
		DisplayName: "Discord",
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "bot_token", Type: "string", Title: "Bot Token", Required: true, Secret: true, Order: 1},
				{Key: "application_id", Type: "string", Title: "Application ID", Required: true, Order: 2},
				{Key: "public_key", Type: "string", Title: "Public Key", Description: "Hex Ed25519 key for interaction verification", Order: 3},
			},
		},
	}
}

func (a *Adapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.DiscordConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	dc, ok := cfg.(channel.DiscordConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	session, err := a.getOrCreateSession(dc.BotToken)
	if err != nil {
		return channel.SendResult{}, err
	}
	content := msg.Content
	if msg.MediaURL != "" {
		// Discord embeds plain links automatically.
		if content != "" {
			content += "\n"
		}
		content += msg.MediaURL
	}
	sent, err := session.ChannelMessageSend(strings.TrimSpace(msg.To), truncate(content), discordgo.WithContext(ctx))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("discord send: %w", err)
	}
	return channel.SendResult{ProviderMessageID: sent.ID}, nil
}

// ProcessWebhook turns application-command interactions into inbound
// messages. Pings are handled by WebhookChallenge; everything else is
// ignored.
func (a *Adapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	var interaction discordgo.Interaction
	if err := interaction.UnmarshalJSON(req.Body); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("decode interaction: %w", err)
	}
	var event channel.WebhookEvent
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return event, nil
	}
	user := interactionUser(&interaction)
	if user == nil {
		return event, nil
	}
	data := interaction.ApplicationCommandData()
	var parts []string
	for _, opt := range data.Options {
		if s, ok := opt.Value.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	content := strings.Join(parts, " ")
	if content == "" {
		content = "/" + data.Name
	}
	event.Messages = append(event.Messages, channel.InboundMessage{
		SenderExternalID:  user.ID,
		SenderDisplayName: user.Username,
		Content:           content,
		MessageType:       channel.MessageTypeText,
		PlatformMessageID: interaction.ID,
		ReceivedAt:        time.Now().UTC(),
		Metadata:          map[string]any{"channel": interaction.ChannelID, "command": data.Name},
	})
	return event, nil
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func (a *Adapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	dc, ok := cfg.(channel.DiscordConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	session, err := a.getOrCreateSession(dc.BotToken)
	if err != nil {
		return err
	}
	self, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord token check: %w", err)
	}
	a.logger.Debug("token verified", slog.String("bot", self.Username))
	return nil
}

// WebhookIdentity is the application id every interaction payload carries.
func (a *Adapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	var payload struct {
		ApplicationID string `json:"application_id"`
	}
	if err := req.DecodeJSON(&payload); err != nil {
		return "", fmt.Errorf("decode interaction: %w", err)
	}
	if payload.ApplicationID == "" {
		return "", fmt.Errorf("interaction carries no application_id")
	}
	return payload.ApplicationID, nil
}

// VerifyWebhook checks the Ed25519 signature Discord puts on every
// interaction request.
func (a *Adapter) VerifyWebhook(cfg channel.ProviderConfig, req channel.WebhookRequest) error {
	dc, ok := cfg.(channel.DiscordConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	if dc.PublicKey == "" {
		return nil
	}
	keyBytes, err := hex.DecodeString(dc.PublicKey)
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid discord public key")
	}
	signature := req.HeaderValue("X-Signature-Ed25519")
	timestamp := req.HeaderValue("X-Signature-Timestamp")
	if signature == "" || timestamp == "" {
		return fmt.Errorf("missing discord signature headers")
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid discord signature encoding")
	}
	signed := append([]byte(timestamp), req.Body...)
	if !ed25519.Verify(ed25519.PublicKey(keyBytes), signed, sigBytes) {
		return fmt.Errorf("discord signature mismatch")
	}
	return nil
}

// WebhookChallenge acknowledges interaction pings.
func (a *Adapter) WebhookChallenge(cfg channel.ProviderConfig, req channel.WebhookRequest) (string, bool) {
	var payload struct {
		Type int `json:"type"`
	}
	if err := req.DecodeJSON(&payload); err != nil {
		return "", false
	}
	if payload.Type != int(discordgo.InteractionPing) {
		return "", false
	}
	return `{"type":1}`, true
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxMessageLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxMessageLength])
}

var (
	_ channel.Adapter            = (*Adapter)(nil)
	_ channel.WebhookVerifier    = (*Adapter)(nil)
	_ channel.ChallengeResponder = (*Adapter)(nil)
)
