// Package gateway orchestrates message flow between tenants and messaging
// platforms: outbound sends through the tenant's active integration, and
// inbound webhooks through tenant resolution, persistence, classification,
// routing and best-effort side effects.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/autoreply"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/inbox"
	"github.com/relaydesk/relaydesk/internal/integrations"
	"github.com/relaydesk/relaydesk/internal/realtime"
	"github.com/relaydesk/relaydesk/internal/routing"
	"github.com/relaydesk/relaydesk/internal/tasks"
)

// ErrVerificationFailed reports a webhook whose signature or token check did
// not pass. The HTTP edge maps it to a 403.
var ErrVerificationFailed = errors.New("webhook verification failed")

// ErrSendFailed wraps provider transport failures. The HTTP edge reports it
// generically; the provider detail stays in the logs.
var ErrSendFailed = errors.New("message delivery failed")

// SendRequest is an outbound send on behalf of a tenant.
type SendRequest struct {
	Platform    string `json:"platform"`
	To          string `json:"to"`
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	Subject     string `json:"subject,omitempty"`
	// ConversationID ties the sent message into an existing conversation.
	// Without it the message is delivered but not recorded.
	ConversationID string `json:"conversation_id,omitempty"`
	SenderType     string `json:"sender_type,omitempty"`
}

// SendReceipt reports a completed send.
type SendReceipt struct {
	Platform          channel.Platform `json:"platform"`
	Provider          channel.Provider `json:"provider"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	Message           *inbox.Message   `json:"message,omitempty"`
}

// Resolver maps sends and webhooks to integrations.
type Resolver interface {
	ResolveForOutbound(ctx context.Context, userID string, platform channel.Platform) (integrations.Resolved, error)
	ResolveForInbound(ctx context.Context, platform channel.Platform, provider channel.Provider, req channel.WebhookRequest) (integrations.Resolved, error)
	ResolveAllForPlatform(ctx context.Context, platform channel.Platform, provider channel.Provider) (channel.Adapter, []channel.ProviderConfig, error)
}

// Inbox is the slice of the conversation store the gateway writes.
type Inbox interface {
	GetOrCreateCustomer(ctx context.Context, userID string, platform channel.Platform, externalID, displayName string, metadata map[string]string) (inbox.Customer, error)
	CustomerHistory(ctx context.Context, customerID string) (inbox.CustomerContext, error)
	GetOrCreateActiveConversation(ctx context.Context, customerID, userID string, platform channel.Platform) (inbox.Conversation, error)
	GetConversation(ctx context.Context, userID, id string) (inbox.Conversation, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	StoreMessage(ctx context.Context, input inbox.StoreMessageInput) (inbox.Message, bool, error)
	AttachClassification(ctx context.Context, messageID string, c inbox.Classification) error
	ApplyClassification(ctx context.Context, conversationID string, messageAt time.Time, c inbox.Classification) error
	UpdateMessageStatus(ctx context.Context, userID string, platform channel.Platform, platformMessageID string, status channel.DeliveryStatus) (bool, error)
	Escalate(ctx context.Context, conversationID string) (bool, error)
}

// RuleEngine applies tenant routing rules after classification.
type RuleEngine interface {
	Apply(ctx context.Context, conv inbox.Conversation, content string, c inbox.Classification) (*routing.RuleMatch, error)
}

// TaskQueue runs best-effort side effects off the request path.
type TaskQueue interface {
	Submit(name string, run func(ctx context.Context) error) bool
}

// Broadcaster pushes conversation events to connected dashboard clients.
type Broadcaster interface {
	Broadcast(userID string, event realtime.Event)
}

// AutoReplier answers inbound messages with configured canned replies.
type AutoReplier interface {
	Evaluate(ctx context.Context, in autoreply.EvalInput) error
}

// Gateway wires the collaborators together. All of them are injected; the
// queue, broadcaster, rule engine and auto replier may be nil, which turns
// the matching step into a no-op.
type Gateway struct {
	logger      *slog.Logger
	resolver    Resolver
	store       Inbox
	classifier  routing.Classifier
	engine      RuleEngine
	queue       TaskQueue
	hub         Broadcaster
	replier     AutoReplier
	hours       routing.HoursWindow
	sendTimeout time.Duration
}

// New creates a gateway.
func New(log *slog.Logger, resolver Resolver, store Inbox, classifier routing.Classifier) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if classifier == nil {
		classifier = routing.NewKeywordClassifier()
	}
	return &Gateway{
		logger:     log.With(slog.String("component", "gateway")),
		resolver:   resolver,
		store:      store,
		classifier: classifier,
	}
}

// SetRuleEngine wires the routing rule engine.
func (g *Gateway) SetRuleEngine(engine RuleEngine) { g.engine = engine }

// SetTaskQueue wires the background queue for side effects.
func (g *Gateway) SetTaskQueue(queue TaskQueue) { g.queue = queue }

// SetBroadcaster wires the realtime hub.
func (g *Gateway) SetBroadcaster(hub Broadcaster) { g.hub = hub }

// SetAutoReplier wires the auto reply evaluator.
func (g *Gateway) SetAutoReplier(replier AutoReplier) { g.replier = replier }

// SetBusinessHours overrides the staffed-hours window fed to the classifier
// and auto replies.
func (g *Gateway) SetBusinessHours(w routing.HoursWindow) { g.hours = w }

// SetSendTimeout bounds each provider transport call. Zero leaves the
// caller's context in charge.
func (g *Gateway) SetSendTimeout(d time.Duration) { g.sendTimeout = d }

// SendMessage delivers one outbound message through the tenant's active
// integration. The integration is resolved before anything touches the
// provider, so an unconfigured platform never produces a transport call.
func (g *Gateway) SendMessage(ctx context.Context, userID string, req SendRequest) (SendReceipt, error) {
	platform, err := channel.ParsePlatform(req.Platform)
	if err != nil {
		return SendReceipt{}, err
	}
	if strings.TrimSpace(req.To) == "" {
		return SendReceipt{}, fmt.Errorf("recipient is required")
	}
	if strings.TrimSpace(req.Content) == "" && strings.TrimSpace(req.MediaURL) == "" {
		return SendReceipt{}, fmt.Errorf("message content is required")
	}

	resolved, err := g.resolver.ResolveForOutbound(ctx, userID, platform)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("resolve %s integration: %w", platform, err)
	}

	// When the send belongs to a conversation, load it up front so a bad
	// conversation id fails before the provider is called.
	var conv *inbox.Conversation
	if req.ConversationID != "" {
		loaded, err := g.store.GetConversation(ctx, userID, req.ConversationID)
		if err != nil {
			return SendReceipt{}, fmt.Errorf("load conversation: %w", err)
		}
		if loaded.Platform != platform {
			return SendReceipt{}, fmt.Errorf("conversation %s belongs to %s, not %s", loaded.ID, loaded.Platform, platform)
		}
		conv = &loaded
	}

	out := channel.OutboundMessage{
		To:          req.To,
		Content:     req.Content,
		MessageType: channel.ParseMessageType(req.MessageType),
		MediaURL:    req.MediaURL,
		Subject:     req.Subject,
	}
	sendCtx := ctx
	if g.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, g.sendTimeout)
		defer cancel()
	}
	result, err := resolved.Adapter.SendMessage(sendCtx, resolved.Config, out)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("%w: via %s/%s: %v", ErrSendFailed, platform, resolved.Integration.Provider, err)
	}

	receipt := SendReceipt{
		Platform:          platform,
		Provider:          resolved.Integration.Provider,
		ProviderMessageID: result.ProviderMessageID,
	}
	g.logger.Info("message sent",
		slog.String("platform", string(platform)),
		slog.String("provider", string(resolved.Integration.Provider)),
		slog.String("user_id", userID))

	if conv == nil {
		return receipt, nil
	}

	stored, _, err := g.store.StoreMessage(ctx, inbox.StoreMessageInput{
		ConversationID:    conv.ID,
		CustomerID:        conv.CustomerID,
		UserID:            userID,
		SenderType:        channel.ParseSenderType(req.SenderType),
		Content:           req.Content,
		MessageType:       out.MessageType,
		MediaURL:          req.MediaURL,
		Platform:          platform,
		PlatformMessageID: result.ProviderMessageID,
	})
	if err != nil {
		// The provider already accepted the message; failing here must not
		// trigger a retry that would send it twice.
		return receipt, fmt.Errorf("message sent but not recorded: %w", err)
	}
	receipt.Message = &stored
	g.broadcast(userID, realtime.Event{
		Type:           "message.sent",
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		MessageID:      stored.ID,
		Platform:       string(platform),
		Direction:      string(channel.DirectionOutbound),
		Content:        req.Content,
	})
	return receipt, nil
}

// SendAutoReply satisfies the auto reply evaluator's sender.
func (g *Gateway) SendAutoReply(ctx context.Context, userID, platform, recipientID, conversationID, body string) error {
	_, err := g.SendMessage(ctx, userID, SendRequest{
		Platform:       platform,
		To:             recipientID,
		Content:        body,
		ConversationID: conversationID,
		SenderType:     string(channel.SenderSystem),
	})
	return err
}

// HandleInbound processes one webhook delivery end to end. The owning
// integration is resolved first and the request rejected when no single
// active integration claims it; afterwards every message is persisted,
// classified, routed, and fanned out. Persistence is idempotent, so provider
// redeliveries are safe.
func (g *Gateway) HandleInbound(ctx context.Context, platform channel.Platform, provider channel.Provider, req channel.WebhookRequest) error {
	resolved, err := g.resolver.ResolveForInbound(ctx, platform, provider, req)
	if err != nil {
		return err
	}
	if verifier, ok := resolved.Adapter.(channel.WebhookVerifier); ok {
		if err := verifier.VerifyWebhook(resolved.Config, req); err != nil {
			return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
	}

	event, err := resolved.Adapter.ProcessWebhook(ctx, resolved.Config, req)
	if err != nil {
		return fmt.Errorf("process webhook: %w", err)
	}
	if event.Empty() {
		g.logger.Debug("webhook carried nothing actionable", slog.String("platform", string(platform)))
		return nil
	}

	var firstErr error
	for _, msg := range event.Messages {
		if err := g.processInbound(ctx, resolved, msg); err != nil {
			g.logger.Error("inbound message not processed",
				slog.String("platform", string(platform)),
				slog.String("platform_message_id", msg.PlatformMessageID),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, status := range event.Statuses {
		g.applyStatus(ctx, resolved, status)
	}
	return firstErr
}

// HandlePolled ingests one message discovered by a polling adapter. The
// caller already knows the owning integration, so no identity matching runs;
// the message goes through the same persist/classify/route pipeline as
// webhook deliveries.
func (g *Gateway) HandlePolled(ctx context.Context, resolved integrations.Resolved, msg channel.InboundMessage) error {
	return g.processInbound(ctx, resolved, msg)
}

// VerifyChallenge answers a platform's webhook-subscription handshake by
// trying every active integration's config. No match fails closed.
func (g *Gateway) VerifyChallenge(ctx context.Context, platform channel.Platform, provider channel.Provider, req channel.WebhookRequest) (string, bool) {
	adapter, configs, err := g.resolver.ResolveAllForPlatform(ctx, platform, provider)
	if err != nil {
		g.logger.Warn("challenge lookup failed",
			slog.String("platform", string(platform)),
			slog.Any("error", err))
		return "", false
	}
	responder, ok := adapter.(channel.ChallengeResponder)
	if !ok {
		return "", false
	}
	for _, cfg := range configs {
		if body, ok := responder.WebhookChallenge(cfg, req); ok {
			return body, true
		}
	}
	return "", false
}

func (g *Gateway) processInbound(ctx context.Context, resolved integrations.Resolved, msg channel.InboundMessage) error {
	userID := resolved.Integration.UserID
	platform := resolved.Integration.Platform

	meta := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		meta[k] = fmt.Sprint(v)
	}
	customer, err := g.store.GetOrCreateCustomer(ctx, userID, platform, msg.SenderExternalID, msg.SenderDisplayName, meta)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}

	// History is read before this message lands so the counts describe the
	// customer as they were when they wrote.
	history, err := g.store.CustomerHistory(ctx, customer.ID)
	if err != nil {
		g.logger.Warn("customer history unavailable",
			slog.String("customer_id", customer.ID),
			slog.Any("error", err))
		history = inbox.CustomerContext{LifecycleStage: customer.LifecycleStage}
	}

	conv, err := g.store.GetOrCreateActiveConversation(ctx, customer.ID, userID, platform)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	priorMessages, err := g.store.CountMessages(ctx, conv.ID)
	if err != nil {
		g.logger.Warn("message count unavailable",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
		priorMessages = 0
	}

	stored, created, err := g.store.StoreMessage(ctx, inbox.StoreMessageInput{
		ConversationID:    conv.ID,
		CustomerID:        customer.ID,
		UserID:            userID,
		SenderType:        channel.SenderCustomer,
		Content:           msg.Content,
		MessageType:       msg.MessageType,
		MediaURL:          msg.MediaURL,
		Platform:          platform,
		PlatformMessageID: msg.PlatformMessageID,
		SentAt:            msg.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if !created {
		g.logger.Debug("duplicate delivery ignored",
			slog.String("platform_message_id", msg.PlatformMessageID))
		return nil
	}

	now := time.Now()
	msgCtx := routing.Context{
		ConversationCount:  history.ConversationCount,
		DaysSinceContact:   daysSince(history.LastContactAt, now),
		LifecycleStage:     history.LifecycleStage,
		BusinessHours:      g.hours.Contains(now),
		FirstMessage:       priorMessages == 0,
		ConversationLength: priorMessages + 1,
	}
	classification, err := g.classifier.Classify(ctx, msg.Content, msgCtx)
	if err != nil {
		// Keyword fallback means this only happens with a broken custom
		// classifier; the message itself is already safe.
		g.logger.Warn("classification failed", slog.Any("error", err))
		g.fanOut(ctx, userID, platform, customer, conv, stored, msgCtx)
		return nil
	}

	if err := g.store.AttachClassification(ctx, stored.ID, classification); err != nil {
		g.logger.Warn("classification not attached to message",
			slog.String("message_id", stored.ID),
			slog.Any("error", err))
	}
	if err := g.store.ApplyClassification(ctx, conv.ID, stored.CreatedAt, classification); err != nil {
		g.logger.Warn("classification not applied to conversation",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
	}

	if g.engine != nil {
		if _, err := g.engine.Apply(ctx, conv, msg.Content, classification); err != nil {
			g.logger.Warn("routing rules not applied",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err))
		}
	}

	if classification.EscalationRecommended {
		escalated, err := g.store.Escalate(ctx, conv.ID)
		if err != nil {
			g.logger.Warn("escalation failed",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err))
		} else if escalated {
			g.logger.Info("conversation escalated",
				slog.String("conversation_id", conv.ID),
				slog.Int("urgency_score", classification.UrgencyScore))
			g.broadcast(userID, realtime.Event{
				Type:           "conversation.escalated",
				ConversationID: conv.ID,
				CustomerID:     customer.ID,
				Platform:       string(platform),
			})
		}
	}

	g.fanOut(ctx, userID, platform, customer, conv, stored, msgCtx)
	return nil
}

// fanOut hands the best-effort side effects to the queue. When no queue is
// wired they run inline; either way their errors never reach the caller.
func (g *Gateway) fanOut(ctx context.Context, userID string, platform channel.Platform, customer inbox.Customer, conv inbox.Conversation, stored inbox.Message, msgCtx routing.Context) {
	g.submit(ctx, tasks.Task{
		Name: "realtime.broadcast",
		Run: func(context.Context) error {
			g.broadcastNow(userID, realtime.Event{
				Type:           "message.received",
				ConversationID: conv.ID,
				CustomerID:     customer.ID,
				MessageID:      stored.ID,
				Platform:       string(platform),
				Direction:      string(channel.DirectionInbound),
				Content:        stored.Content,
				At:             stored.CreatedAt,
			})
			return nil
		},
	})
	if g.replier == nil {
		return
	}
	g.submit(ctx, tasks.Task{
		Name: "autoreply.evaluate",
		Run: func(taskCtx context.Context) error {
			return g.replier.Evaluate(taskCtx, autoreply.EvalInput{
				UserID:         userID,
				Platform:       string(platform),
				ConversationID: conv.ID,
				RecipientID:    customer.ExternalID,
				Content:        stored.Content,
				FirstMessage:   msgCtx.FirstMessage,
				BusinessHours:  msgCtx.BusinessHours,
			})
		},
	})
}

func (g *Gateway) applyStatus(ctx context.Context, resolved integrations.Resolved, status channel.StatusUpdate) {
	if status.PlatformMessageID == "" {
		return
	}
	changed, err := g.store.UpdateMessageStatus(ctx, resolved.Integration.UserID, resolved.Integration.Platform, status.PlatformMessageID, status.Status)
	if err != nil {
		g.logger.Warn("status update not applied",
			slog.String("platform_message_id", status.PlatformMessageID),
			slog.Any("error", err))
		return
	}
	if !changed {
		return
	}
	g.broadcast(resolved.Integration.UserID, realtime.Event{
		Type:      "message.status",
		MessageID: status.PlatformMessageID,
		Platform:  string(resolved.Integration.Platform),
		Status:    string(status.Status),
		At:        status.OccurredAt,
	})
}

func (g *Gateway) submit(ctx context.Context, task tasks.Task) {
	if g.queue != nil {
		g.queue.Submit(task.Name, task.Run)
		return
	}
	if err := task.Run(ctx); err != nil {
		g.logger.Warn("task failed", slog.String("task", task.Name), slog.Any("error", err))
	}
}

// broadcast queues a realtime event as a best-effort task.
func (g *Gateway) broadcast(userID string, event realtime.Event) {
	if g.hub == nil {
		return
	}
	g.submit(context.Background(), tasks.Task{
		Name: "realtime.broadcast",
		Run: func(context.Context) error {
			g.hub.Broadcast(userID, event)
			return nil
		},
	})
}

// broadcastNow pushes directly, for use inside an already queued task.
func (g *Gateway) broadcastNow(userID string, event realtime.Event) {
	if g.hub == nil {
		return
	}
	g.hub.Broadcast(userID, event)
}

func daysSince(last time.Time, now time.Time) int {
	if last.IsZero() {
		return 0
	}
	days := int(now.Sub(last).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

var _ autoreply.Sender = (*Gateway)(nil)
