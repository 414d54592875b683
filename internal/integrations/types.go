// Package integrations stores per-tenant channel credentials and resolves
// which integration owns an outbound send or an inbound webhook.
package integrations

import (
	"errors"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

var (
	// ErrNotConfigured reports that a tenant has no active integration for a
	// platform. Expected during setup, surfaced as an actionable message.
	ErrNotConfigured = errors.New("no active integration for platform")
	// ErrNotFound reports a lookup by id that matched nothing.
	ErrNotFound = errors.New("integration not found")
	// ErrNoMatch reports an inbound webhook whose channel identity matches no
	// active integration. The webhook is rejected.
	ErrNoMatch = errors.New("webhook matches no active integration")
	// ErrAmbiguousMatch reports an inbound identity claimed by more than one
	// active integration. The webhook is rejected rather than guessed at.
	ErrAmbiguousMatch = errors.New("webhook identity matches multiple integrations")
)

// Status is the lifecycle state of an integration.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusActive, StatusInactive, StatusError:
		return Status(raw), nil
	default:
		return "", errors.New("unknown integration status: " + raw)
	}
}

// Integration binds one tenant to one platform+provider with its credentials.
type Integration struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Platform      channel.Platform `json:"platform"`
	Provider      channel.Provider `json:"provider"`
	Name          string           `json:"name"`
	Status        Status           `json:"status"`
	Config        map[string]any   `json:"config"`
	WebhookSecret string           `json:"-"`
	LastError     string           `json:"last_error,omitempty"`
	LastCheckedAt time.Time        `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// UpsertInput creates or replaces an integration keyed by (user, platform, name).
type UpsertInput struct {
	UserID   string
	Platform channel.Platform
	Provider channel.Provider
	Name     string
	Config   map[string]any
}

// Resolved pairs an integration with its adapter and decoded typed config.
type Resolved struct {
	Integration Integration
	Adapter     channel.Adapter
	Config      channel.ProviderConfig
}
