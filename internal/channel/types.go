// Package channel defines the normalized message model shared by every
// provider adapter and the registry that dispatches to them.
package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrUnsupportedPlatform reports a platform string outside the known set.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Platform identifies one external messaging channel.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformTelegram  Platform = "telegram"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformSlack     Platform = "slack"
	PlatformDiscord   Platform = "discord"
	PlatformEmail     Platform = "email"
	PlatformSMS       Platform = "sms"
	PlatformLark      Platform = "lark"
	PlatformTikTok    Platform = "tiktok"
)

func (p Platform) String() string { return string(p) }

// ParsePlatform normalizes a raw platform string. Unknown values return an
// error so unsupported webhooks are rejected at the edge.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PlatformWhatsApp, PlatformTelegram, PlatformFacebook, PlatformInstagram,
		PlatformSlack, PlatformDiscord, PlatformEmail, PlatformSMS, PlatformLark, PlatformTikTok:
		return p, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnsupportedPlatform, raw)
}

// Provider identifies the transport implementation serving a platform,
// e.g. twilio vs meta for whatsapp.
type Provider string

const (
	ProviderTwilio   Provider = "twilio"
	ProviderMeta     Provider = "meta"
	ProviderTelegram Provider = "telegram"
	ProviderSlack    Provider = "slack"
	ProviderDiscord  Provider = "discord"
	ProviderMailgun  Provider = "mailgun"
	ProviderSMTP     Provider = "smtp"
	ProviderLark     Provider = "lark"
	ProviderTikTok   Provider = "tiktok"
)

func (p Provider) String() string { return string(p) }

// NormalizeProvider lowercases and trims a raw provider value. An empty
// result means "the platform default".
func NormalizeProvider(raw string) Provider {
	return Provider(strings.ToLower(strings.TrimSpace(raw)))
}

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeReaction MessageType = "reaction"
)

// ParseMessageType normalizes a raw message type, defaulting to text.
func ParseMessageType(raw string) MessageType {
	t := MessageType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio, MessageTypeVideo,
		MessageTypeDocument, MessageTypeLocation, MessageTypeContact,
		MessageTypeSticker, MessageTypeReaction:
		return t
	}
	return MessageTypeText
}

// MessageTypeForMedia maps a MIME content type to a message type.
func MessageTypeForMedia(contentType string) MessageType {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(contentType, "audio/"):
		return MessageTypeAudio
	case strings.HasPrefix(contentType, "video/"):
		return MessageTypeVideo
	case contentType == "":
		return MessageTypeText
	}
	return MessageTypeDocument
}

// SenderType is who authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
	SenderAIAgent  SenderType = "ai_agent"
)

// ParseSenderType normalizes a raw sender type. Unrecognized values default
// to agent, the author of API-initiated sends; inbound ingestion sets the
// customer sender explicitly and never parses.
func ParseSenderType(raw string) SenderType {
	s := SenderType(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case SenderCustomer, SenderAgent, SenderSystem, SenderAIAgent:
		return s
	}
	return SenderAgent
}

// Direction of a stored message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DirectionFor derives the message direction from its sender type.
func DirectionFor(sender SenderType) Direction {
	if sender == SenderCustomer {
		return DirectionInbound
	}
	return DirectionOutbound
}

// DeliveryStatus is the provider-reported lifecycle state of a message.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// ParseDeliveryStatus maps provider status strings onto the internal set.
// Unknown values return ok=false and are ignored by callers.
func ParseDeliveryStatus(raw string) (DeliveryStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent", "queued", "accepted", "sending":
		return DeliverySent, true
	case "delivered":
		return DeliveryDelivered, true
	case "read", "seen":
		return DeliveryRead, true
	case "failed", "undelivered", "error":
		return DeliveryFailed, true
	}
	return "", false
}

// OutboundMessage is the normalized payload handed to an adapter's
// SendMessage.
type OutboundMessage struct {
	To          string
	From        string
	Content     string
	MessageType MessageType
	MediaURL    string
	// Subject is used by adapters with an envelope concept (email).
	Subject  string
	Metadata map[string]any
}

// SendResult reports a successful provider send.
type SendResult struct {
	// ProviderMessageID is the platform-native id of the sent message, when
	// the provider reports one.
	ProviderMessageID string
}

// InboundMessage is one normalized message extracted from a webhook.
type InboundMessage struct {
	SenderExternalID  string
	SenderDisplayName string
	Content           string
	MessageType       MessageType
	MediaURL          string
	PlatformMessageID string
	ReceivedAt        time.Time
	Metadata          map[string]any
}

// StatusUpdate is a provider delivery-status callback for a previously sent
// message.
type StatusUpdate struct {
	PlatformMessageID string
	Status            DeliveryStatus
	OccurredAt        time.Time
}

// WebhookEvent is the normalized result of parsing one webhook delivery.
// Either list may be empty; an entirely empty event is a logged no-op.
type WebhookEvent struct {
	Messages []InboundMessage
	Statuses []StatusUpdate
}

// Empty reports whether the event carries nothing actionable.
func (e WebhookEvent) Empty() bool {
	return len(e.Messages) == 0 && len(e.Statuses) == 0
}

// WebhookRequest is the raw material of one webhook delivery, captured before
// any provider-specific parsing.
type WebhookRequest struct {
	Body        []byte
	ContentType string
	Header      http.Header
	Query       url.Values
}

// Form parses the body as form values. URL-encoded and multipart bodies are
// both supported; Mailgun posts inbound routes as multipart/form-data.
func (r WebhookRequest) Form() (url.Values, error) {
	mediaType := r.ContentType
	var params map[string]string
	if mediaType != "" {
		if parsed, p, err := mime.ParseMediaType(mediaType); err == nil {
			mediaType = parsed
			params = p
		}
	}
	switch mediaType {
	case "", "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(r.Body))
		if err != nil {
			return nil, fmt.Errorf("parse form body: %w", err)
		}
		return values, nil
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart body without boundary")
		}
		reader := multipart.NewReader(bytes.NewReader(r.Body), boundary)
		form, err := reader.ReadForm(10 << 20)
		if err != nil {
			return nil, fmt.Errorf("parse multipart body: %w", err)
		}
		defer form.RemoveAll()
		values := url.Values{}
		for key, vals := range form.Value {
			for _, v := range vals {
				values.Add(key, v)
			}
		}
		return values, nil
	}
	return nil, fmt.Errorf("unexpected content type %q", r.ContentType)
}

// DecodeJSON unmarshals the body into v.
func (r WebhookRequest) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty webhook body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode webhook json: %w", err)
	}
	return nil
}

// HeaderValue returns a trimmed header value.
func (r WebhookRequest) HeaderValue(key string) string {
	if r.Header == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(key))
}

// QueryValue returns a trimmed query parameter.
func (r WebhookRequest) QueryValue(key string) string {
	if r.Query == nil {
		return ""
	}
	return strings.TrimSpace(r.Query.Get(key))
}

// SupportedPlatforms lists every known platform, sorted for stable output.
func SupportedPlatforms() []Platform {
	platforms := []Platform{
		PlatformWhatsApp, PlatformTelegram, PlatformFacebook, PlatformInstagram,
		PlatformSlack, PlatformDiscord, PlatformEmail, PlatformSMS, PlatformLark,
		PlatformTikTok,
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}
