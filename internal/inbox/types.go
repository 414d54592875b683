// Package inbox persists customers, conversations, and messages with the
// idempotency guarantees webhook redelivery depends on.
package inbox

import (
	"errors"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// ErrNotFound reports a lookup that matched nothing within the tenant scope.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition reports a conversation status change the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// LifecycleStage tracks where a customer sits in the funnel. Informational.
type LifecycleStage string

const (
	StageLead     LifecycleStage = "lead"
	StageProspect LifecycleStage = "prospect"
	StageCustomer LifecycleStage = "customer"
	StageChurned  LifecycleStage = "churned"
)

// Customer is one external identity on one platform, scoped to one tenant.
type Customer struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Platform       channel.Platform `json:"platform"`
	ExternalID     string           `json:"external_id"`
	DisplayName    string           `json:"display_name"`
	LifecycleStage LifecycleStage   `json:"lifecycle_stage"`
	LeadScore      int              `json:"lead_score"`
	Tags           []string         `json:"tags"`
	Metadata       map[string]any   `json:"metadata"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ConversationStatus is the conversation state machine's state.
type ConversationStatus string

const (
	StatusOpen      ConversationStatus = "open"
	StatusPending   ConversationStatus = "pending"
	StatusClosed    ConversationStatus = "closed"
	StatusEscalated ConversationStatus = "escalated"
)

// ParseConversationStatus validates a status string.
func ParseConversationStatus(raw string) (ConversationStatus, error) {
	switch ConversationStatus(raw) {
	case StatusOpen, StatusPending, StatusClosed, StatusEscalated:
		return ConversationStatus(raw), nil
	default:
		return "", errors.New("unknown conversation status: " + raw)
	}
}

// ValidTransition reports whether the status change is allowed. Escalated is
// sticky: only an explicit agent action moves a conversation out of it, and
// closed conversations never reopen (a new message starts a new conversation).
func ValidTransition(from, to ConversationStatus, byAgent bool) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusOpen:
		return to == StatusPending || to == StatusClosed || to == StatusEscalated
	case StatusPending:
		return to == StatusOpen || to == StatusClosed
	case StatusEscalated:
		return byAgent && (to == StatusOpen || to == StatusClosed)
	default:
		return false
	}
}

// Priority orders conversations by urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PriorityRank maps a priority to its position in the escalation order.
// Unknown priorities rank lowest so they never displace a real one.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// ParsePriority validates a priority string.
func ParsePriority(raw string) (Priority, error) {
	if PriorityRank(Priority(raw)) == 0 {
		return "", errors.New("unknown priority: " + raw)
	}
	return Priority(raw), nil
}

// Category buckets a conversation by intent.
type Category string

const (
	CategoryAcquisition Category = "acquisition"
	CategoryEngagement  Category = "engagement"
	CategoryRetention   Category = "retention"
	CategorySupport     Category = "support"
	CategoryGeneral     Category = "general"
)

// ParseCategory validates a category string.
func ParseCategory(raw string) (Category, error) {
	switch Category(raw) {
	case CategoryAcquisition, CategoryEngagement, CategoryRetention, CategorySupport, CategoryGeneral:
		return Category(raw), nil
	default:
		return "", errors.New("unknown category: " + raw)
	}
}

// Conversation is a thread between one customer and one tenant on one
// platform.
type Conversation struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	CustomerID      string             `json:"customer_id"`
	Platform        channel.Platform   `json:"platform"`
	Status          ConversationStatus `json:"status"`
	Priority        Priority           `json:"priority"`
	Category        Category           `json:"category"`
	AssignedTeamID  string             `json:"assigned_team_id,omitempty"`
	AssignedAgentID string             `json:"assigned_agent_id,omitempty"`
	Tags            []string           `json:"tags"`
	LastMessageAt   time.Time          `json:"last_message_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Classification is the analysis attached to an inbound message.
type Classification struct {
	Category              Category `json:"category"`
	Priority              Priority `json:"priority"`
	UrgencyScore          int      `json:"urgency_score"`
	Intent                string   `json:"intent"`
	Sentiment             string   `json:"sentiment"`
	EscalationRecommended bool     `json:"escalation_recommended"`
}

// Message is one unit of communication in a conversation.
type Message struct {
	ID                string                 `json:"id"`
	ConversationID    string                 `json:"conversation_id"`
	CustomerID        string                 `json:"customer_id"`
	UserID            string                 `json:"user_id"`
	SenderType        channel.SenderType     `json:"sender_type"`
	Content           string                 `json:"content"`
	MessageType       channel.MessageType    `json:"message_type"`
	MediaURL          string                 `json:"media_url,omitempty"`
	Direction         channel.Direction      `json:"direction"`
	Platform          channel.Platform       `json:"platform"`
	PlatformMessageID string                 `json:"platform_message_id,omitempty"`
	Classification    *Classification        `json:"classification,omitempty"`
	Status            channel.DeliveryStatus `json:"status"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// StoreMessageInput describes a message to persist. Direction is derived
// from SenderType, never supplied by callers.
type StoreMessageInput struct {
	ConversationID    string
	CustomerID        string
	UserID            string
	SenderType        channel.SenderType
	Content           string
	MessageType       channel.MessageType
	MediaURL          string
	Platform          channel.Platform
	PlatformMessageID string
	Classification    *Classification
	SentAt            time.Time
}

// CustomerContext summarizes a customer's history for classification.
type CustomerContext struct {
	ConversationCount int
	LastContactAt     time.Time
	LifecycleStage    LifecycleStage
}
