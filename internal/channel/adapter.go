package channel

import (
	"context"
	"errors"
)

// ErrComingSoon is returned by every operation of a registered but
// not-yet-supported platform.
var ErrComingSoon = errors.New("platform support coming soon")

// ErrNoInboundSupport is returned by WebhookIdentity when a provider has no
// inbound path.
var ErrNoInboundSupport = errors.New("provider does not support inbound messages")

// Adapter translates between the normalized message model and one provider's
// wire protocol. Implementations return errors instead of panicking; callers
// decide retry and reporting policy.
type Adapter interface {
	Platform() Platform
	Provider() Provider
	Descriptor() Descriptor

	// DecodeConfig turns a stored config map into the adapter's typed config,
	// validating required fields.
	DecodeConfig(raw map[string]any) (ProviderConfig, error)

	// SendMessage delivers one outbound message using the given credentials.
	SendMessage(ctx context.Context, cfg ProviderConfig, msg OutboundMessage) (SendResult, error)

	// ProcessWebhook parses a raw webhook request into normalized inbound
	// messages and delivery status updates. Payload shapes the adapter does
	// not handle yield an empty event, not an error.
	ProcessWebhook(ctx context.Context, cfg ProviderConfig, req WebhookRequest) (WebhookEvent, error)

	// TestConnection verifies the credentials against the provider API.
	TestConnection(ctx context.Context, cfg ProviderConfig) error

	// WebhookIdentity extracts the receiving-channel identity from a webhook
	// request before any credentials are known. The value is matched against
	// ProviderConfig.ExternalIdentity to pick the owning integration.
	WebhookIdentity(req WebhookRequest) (string, error)
}

// Descriptor holds read-only metadata for a registered (platform, provider)
// pair. It contains no behavior.
type Descriptor struct {
	Platform     Platform     `json:"platform"`
	Provider     Provider     `json:"provider"`
	DisplayName  string       `json:"display_name"`
	ComingSoon   bool         `json:"coming_soon,omitempty"`
	ConfigSchema ConfigSchema `json:"config_schema"`
}

// FieldSchema describes a single configuration field for dynamic form generation.
type FieldSchema struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Secret      bool   `json:"secret,omitempty"`
	Order       int    `json:"order"`
}

type ConfigSchema struct {
	Fields []FieldSchema `json:"fields"`
}

// WebhookVerifier authenticates webhook requests before they are processed.
// Adapters implement it when the platform signs its callbacks.
type WebhookVerifier interface {
	VerifyWebhook(cfg ProviderConfig, req WebhookRequest) error
}

// ChallengeResponder answers platform webhook-subscription handshakes.
// ok is false when the request is not a challenge for this integration.
type ChallengeResponder interface {
	WebhookChallenge(cfg ProviderConfig, req WebhookRequest) (body string, ok bool)
}

// InboundPoller is implemented by adapters whose platform pushes nothing and
// must be polled instead. The returned stop function is idempotent.
type InboundPoller interface {
	StartPolling(ctx context.Context, cfg ProviderConfig, deliver InboundFunc) (stop func(), err error)
}

// InboundFunc receives messages discovered by a polling adapter.
type InboundFunc func(ctx context.Context, msg InboundMessage)
