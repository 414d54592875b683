package channel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ProviderConfig is the typed credential set of one integration. Decoding a
// stored config map into its typed form catches missing fields at
// construction time instead of at call time.
type ProviderConfig interface {
	Validate() error
	// ExternalIdentity is the channel identity this config binds to: the
	// value matched against WebhookIdentity during inbound tenant resolution.
	ExternalIdentity() string
}

// TwilioConfig serves both WhatsApp-via-Twilio and plain SMS.
type TwilioConfig struct {
	AccountSID  string `json:"account_sid" validate:"required"`
	AuthToken   string `json:"auth_token" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required"`
}

func (c TwilioConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("twilio config: %w", err)
	}
	return nil
}

func (c TwilioConfig) ExternalIdentity() string {
	return NormalizePhoneNumber(c.PhoneNumber)
}

// MetaWhatsAppConfig holds WhatsApp Business Cloud API credentials.
type MetaWhatsAppConfig struct {
	AccessToken       string `json:"access_token" validate:"required"`
	PhoneNumberID     string `json:"phone_number_id" validate:"required"`
	BusinessAccountID string `json:"business_account_id"`
	VerifyToken       string `json:"verify_token"`
	AppSecret         string `json:"app_secret"`
}

func (c MetaWhatsAppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("meta whatsapp config: %w", err)
	}
	return nil
}

func (c MetaWhatsAppConfig) ExternalIdentity() string {
	return strings.TrimSpace(c.PhoneNumberID)
}

// MessengerConfig serves Facebook pages and Instagram business accounts via
// the Meta Send API. PageID is the page-scoped (or IG business account) id.
type MessengerConfig struct {
	PageID      string `json:"page_id" validate:"required"`
	AccessToken string `json:"access_token" validate:"required"`
	VerifyToken string `json:"verify_token"`
	AppSecret   string `json:"app_secret"`
}

func (c MessengerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("messenger config: %w", err)
	}
	return nil
}

func (c MessengerConfig) ExternalIdentity() string {
	return strings.TrimSpace(c.PageID)
}

// TelegramConfig holds bot credentials. Telegram update payloads do not name
// the receiving bot, so inbound tenant matching uses the per-integration
// webhook secret echoed back by Telegram in the
// X-Telegram-Bot-Api-Secret-Token header.
type TelegramConfig struct {
	BotToken      string `json:"bot_token" validate:"required"`
	BotUsername   string `json:"bot_username"`
	WebhookSecret string `json:"webhook_secret" validate:"required"`
}

func (c TelegramConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("telegram config: %w", err)
	}
	return nil
}

func (c TelegramConfig) ExternalIdentity() string {
	return strings.TrimSpace(c.WebhookSecret)
}

// SlackConfig holds a workspace bot token. TeamID is the workspace identity
// present in every Events API payload.
type SlackConfig struct {
	BotToken      string `json:"bot_token" validate:"required"`
	TeamID        string `json:"team_id" validate:"required"`
	SigningSecret string `json:"signing_secret"`
}

func (c SlackConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("slack config: %w", err)
	}
	return nil
}

func (c SlackConfig) ExternalIdentity() string {
	return strings.TrimSpace(c.TeamID)
}

// DiscordConfig holds bot credentials. PublicKey is the hex-encoded Ed25519
// key Discord signs interaction webhooks with.
type DiscordConfig struct {
	BotToken      string `json:"bot_token" validate:"required"`
	ApplicationID string `json:"application_id" validate:"required"`
	PublicKey     string `json:"public_key"`
}

func (c DiscordConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("discord config: %w", err)
	}
	return nil
}

func (c DiscordConfig) ExternalIdentity() string {
	return strings.TrimSpace(c.ApplicationID)
}

// MailgunConfig holds Mailgun sending-domain credentials. InboundAddress is
// the route recipient that inbound-route webhooks deliver for.
type MailgunConfig struct {
	Domain         string `json:"domain" validate:"required"`
	APIKey         string `json:"api_key" validate:"required"`
	Region         string `json:"region"`
	SigningKey     string `json:"signing_key"`
	FromAddress    string `json:"from_address"`
	InboundAddress string `json:"inbound_address" validate:"required,email"`
}

func (c MailgunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("mailgun config: %w", err)
	}
	return nil
}

func (c MailgunConfig) ExternalIdentity() string {
	return strings.ToLower(strings.TrimSpace(c.InboundAddress))
}

// From returns the sender address, defaulting to noreply@domain.
func (c MailgunConfig) From() string {
	if addr := strings.TrimSpace(c.FromAddress); addr != "" {
		return addr
	}
	return "noreply@" + strings.TrimSpace(c.Domain)
}

// SMTPConfig holds generic SMTP/IMAP mailbox credentials. IMAP fields are
// optional; when IMAPHost is set an inbound poller watches the mailbox.
type SMTPConfig struct {
	Username     string `json:"username" validate:"required"`
	Password     string `json:"password" validate:"required"`
	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPSecurity string `json:"smtp_security"`
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	IMAPSecurity string `json:"imap_security"`
	PollInterval int    `json:"poll_interval_seconds"`
	Address      string `json:"address"`
}

func (c SMTPConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("smtp config: %w", err)
	}
	return nil
}

func (c SMTPConfig) ExternalIdentity() string {
	if addr := strings.ToLower(strings.TrimSpace(c.Address)); addr != "" {
		return addr
	}
	return strings.ToLower(strings.TrimSpace(c.Username))
}

// WithDefaults fills port/security/interval defaults.
func (c SMTPConfig) WithDefaults() SMTPConfig {
	out := c
	if out.SMTPPort == 0 {
		out.SMTPPort = 587
	}
	if out.SMTPSecurity == "" {
		out.SMTPSecurity = "starttls"
	}
	if out.IMAPPort == 0 {
		out.IMAPPort = 993
	}
	if out.IMAPSecurity == "" {
		out.IMAPSecurity = "tls"
	}
	if out.PollInterval < 15 {
		out.PollInterval = 300
	}
	return out
}

// LarkConfig holds Lark open-platform app credentials. Region selects the
// Lark or Feishu API domain.
type LarkConfig struct {
	AppID             string `json:"app_id" validate:"required"`
	AppSecret         string `json:"app_secret" validate:"required"`
	VerificationToken string `json:"verification_token"`
	Region            string `json:"region" validate:"omitempty,oneof=lark feishu"`
}

func (c LarkConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("lark config: %w", err)
	}
	return nil
}

func (c LarkConfig) ExternalIdentity() string {
	return strings.TrimSpace(c.AppID)
}

// TikTokConfig is a placeholder for the not-yet-supported platform.
type TikTokConfig struct{}

func (TikTokConfig) Validate() error          { return nil }
func (TikTokConfig) ExternalIdentity() string { return "" }

// DecodeInto round-trips a stored config map into a typed config struct.
func DecodeInto(raw map[string]any, dst any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// NormalizePhoneNumber strips channel prefixes and separators from a phone
// number, keeping a single leading +.
func NormalizePhoneNumber(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	s = strings.TrimSpace(s)
	plus := strings.HasPrefix(s, "+")
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	if plus {
		return "+" + digits.String()
	}
	return digits.String()
}
