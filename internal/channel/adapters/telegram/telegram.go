// Package telegram sends and receives messages through the Telegram Bot API.
// Inbound traffic arrives as webhook updates; the per-integration webhook
// secret doubles as the tenant identity because Telegram payloads never name
// the receiving bot.
package telegram

import (
	"context"
	"crypto/hmac"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const maxMessageLength = 4096

// Adapter implements channel.Adapter for Telegram.
type Adapter struct {
	logger *slog.Logger
	mu     sync.RWMutex
	bots   map[string]*tgbotapi.BotAPI // keyed by bot token
}

// New creates a Telegram adapter with the given logger.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

var getOrCreateBotForTest func(a *Adapter, token string) (*tgbotapi.BotAPI, error)

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	if getOrCreateBotForTest != nil {
		return getOrCreateBotForTest(a, token)
	}
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	a.bots[token] = bot
	return bot, nil
}

func (a *Adapter) Platform() channel.Platform { return channel.PlatformTelegram }
func (a *Adapter) Provider() channel.Provider { return channel.ProviderTelegram }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformTelegram,
		Provider:    channel.ProviderTelegram,
		DisplayName: "Telegram",
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "bot_token", Type: "string", Title: "Bot Token", Required: true, Secret: true, Order: 1},
				{Key: "bot_username", Type: "string", Title: "Bot Username", Order: 2},
				{Key: "webhook_secret", Type: "string", Title: "Webhook Secret", Description: "Secret token set on the Telegram webhook", Required: true, Secret: true, Order: 3},
			},
		},
	}
}

func (a *Adapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.TelegramConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	tc, ok := cfg.(channel.TelegramConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.To), 10, 64)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("invalid telegram chat id %q: %w", msg.To, err)
	}
	bot, err := a.getOrCreateBot(tc.BotToken)
	if err != nil {
		return channel.SendResult{}, err
	}

	var sendable tgbotapi.Chattable
	switch {
	case msg.MediaURL != "" && msg.MessageType == channel.MessageTypeImage:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.MediaURL))
		photo.Caption = truncate(msg.Content)
		sendable = photo
	case msg.MediaURL != "":
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(msg.MediaURL))
		doc.Caption = truncate(msg.Content)
		sendable = doc
	default:
		sendable = tgbotapi.NewMessage(chatID, truncate(msg.Content))
	}

	sent, err := bot.Send(sendable)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	return channel.SendResult{ProviderMessageID: messageID(chatID, sent.MessageID)}, nil
}

// ProcessWebhook parses a Telegram update. Updates that are not plain
// messages (edits, callbacks, joins) yield an empty event.
func (a *Adapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	var update tgbotapi.Update
	if err := req.DecodeJSON(&update); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("decode update: %w", err)
	}
	var event channel.WebhookEvent
	m := update.Message
	if m == nil || m.Chat == nil {
		return event, nil
	}
	if m.From != nil && m.From.IsBot {
		// Bot-authored messages would loop replies back into the inbox.
		return event, nil
	}

	inbound := channel.InboundMessage{
		SenderExternalID:  strconv.FormatInt(m.Chat.ID, 10),
		SenderDisplayName: senderName(m.From),
		Content:           m.Text,
		MessageType:       channel.MessageTypeText,
		PlatformMessageID: messageID(m.Chat.ID, m.MessageID),
		ReceivedAt:        time.Unix(int64(m.Date), 0).UTC(),
	}
	if inbound.Content == "" {
		inbound.Content = m.Caption
	}
	switch {
	case len(m.Photo) > 0:
		inbound.MessageType = channel.MessageTypeImage
		inbound.Metadata = map[string]any{"file_id": m.Photo[len(m.Photo)-1].FileID}
	case m.Voice != nil:
		inbound.MessageType = channel.MessageTypeAudio
		inbound.Metadata = map[string]any{"file_id": m.Voice.FileID}
	case m.Audio != nil:
		inbound.MessageType = channel.MessageTypeAudio
		inbound.Metadata = map[string]any{"file_id": m.Audio.FileID}
	case m.Video != nil:
		inbound.MessageType = channel.MessageTypeVideo
		inbound.Metadata = map[string]any{"file_id": m.Video.FileID}
	case m.Document != nil:
		inbound.MessageType = channel.MessageTypeDocument
		inbound.Metadata = map[string]any{"file_id": m.Document.FileID}
	}
	if inbound.Content == "" && inbound.MessageType == channel.MessageTypeText {
		// Nothing we can persist: service messages, stickers we do not map.
		return event, nil
	}
	event.Messages = append(event.Messages, inbound)
	return event, nil
}

func (a *Adapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	tc, ok := cfg.(channel.TelegramConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	bot, err := a.getOrCreateBot(tc.BotToken)
	if err != nil {
		return err
	}
	if _, err := bot.GetMe(); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

// WebhookIdentity is the secret token Telegram echoes back on every webhook
// call. Requests without it cannot be attributed to an integration.
func (a *Adapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	secret := req.HeaderValue("X-Telegram-Bot-Api-Secret-Token")
	if secret == "" {
		return "", fmt.Errorf("missing X-Telegram-Bot-Api-Secret-Token header")
	}
	return secret, nil
}

func (a *Adapter) VerifyWebhook(cfg channel.ProviderConfig, req channel.WebhookRequest) error {
	tc, ok := cfg.(channel.TelegramConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	provided := req.HeaderValue("X-Telegram-Bot-Api-Secret-Token")
	if !hmac.Equal([]byte(provided), []byte(tc.WebhookSecret)) {
		return fmt.Errorf("webhook secret mismatch")
	}
	return nil
}

// messageID builds a globally unique id; Telegram message ids are only
// sequential within one chat.
func messageID(chatID int64, msgID int) string {
	return fmt.Sprintf("%d:%d", chatID, msgID)
}

func senderName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	return u.UserName
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxMessageLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxMessageLength])
}

// slogBotLogger adapts the tgbotapi logger interface onto slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(fmt.Sprint(v...))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

var (
	_ channel.Adapter         = (*Adapter)(nil)
	_ channel.WebhookVerifier = (*Adapter)(nil)
)
