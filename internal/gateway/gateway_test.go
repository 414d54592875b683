package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/autoreply"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/gateway"
	"github.com/relaydesk/relaydesk/internal/inbox"
	"github.com/relaydesk/relaydesk/internal/integrations"
	"github.com/relaydesk/relaydesk/internal/realtime"
)

type fakeConfig struct{ identity string }

func (f fakeConfig) Validate() error          { return nil }
func (f fakeConfig) ExternalIdentity() string { return f.identity }

type fakeAdapter struct {
	platform  channel.Platform
	provider  channel.Provider
	sendCalls int
	sendErr   error
	event     channel.WebhookEvent
	verifyErr error
	verified  bool
}

func (f *fakeAdapter) Platform() channel.Platform      { return f.platform }
func (f *fakeAdapter) Provider() channel.Provider      { return f.provider }
func (f *fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Platform: f.platform, Provider: f.provider}
}

func (f *fakeAdapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	return fakeConfig{identity: fmt.Sprint(raw["identity"])}, nil
}

func (f *fakeAdapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return channel.SendResult{}, f.sendErr
	}
	return channel.SendResult{ProviderMessageID: "prov-msg-1"}, nil
}

func (f *fakeAdapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	return f.event, nil
}

func (f *fakeAdapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	return nil
}

func (f *fakeAdapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	return req.HeaderValue("X-Identity"), nil
}

type verifyingAdapter struct{ *fakeAdapter }

func (v verifyingAdapter) VerifyWebhook(cfg channel.ProviderConfig, req channel.WebhookRequest) error {
	v.fakeAdapter.verified = true
	return v.fakeAdapter.verifyErr
}

type challengeAdapter struct {
	*fakeAdapter
	challengeBody string
}

func (c challengeAdapter) WebhookChallenge(cfg channel.ProviderConfig, req channel.WebhookRequest) (string, bool) {
	if req.QueryValue("hub.verify_token") != cfg.ExternalIdentity() {
		return "", false
	}
	return c.challengeBody, true
}

type fakeResolver struct {
	resolved   integrations.Resolved
	outErr     error
	inErr      error
	adapter    channel.Adapter
	configs    []channel.ProviderConfig
	allErr     error
}

func (f *fakeResolver) ResolveForOutbound(ctx context.Context, userID string, platform channel.Platform) (integrations.Resolved, error) {
	if f.outErr != nil {
		return integrations.Resolved{}, f.outErr
	}
	return f.resolved, nil
}

func (f *fakeResolver) ResolveForInbound(ctx context.Context, platform channel.Platform, provider channel.Provider, req channel.WebhookRequest) (integrations.Resolved, error) {
	if f.inErr != nil {
		return integrations.Resolved{}, f.inErr
	}
	return f.resolved, nil
}

func (f *fakeResolver) ResolveAllForPlatform(ctx context.Context, platform channel.Platform, provider channel.Provider) (channel.Adapter, []channel.ProviderConfig, error) {
	if f.allErr != nil {
		return nil, nil, f.allErr
	}
	return f.adapter, f.configs, nil
}

type fakeInbox struct {
	conversations map[string]inbox.Conversation
	stored        []inbox.StoreMessageInput
	storeErr      error
	duplicate     bool
	attached      []inbox.Classification
	applied       []inbox.Classification
	escalated     []string
	statusCalls   []channel.StatusUpdate
	statusChanged bool
	priorMessages int
	history       inbox.CustomerContext
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{conversations: map[string]inbox.Conversation{}, statusChanged: true}
}

func (f *fakeInbox) GetOrCreateCustomer(ctx context.Context, userID string, platform channel.Platform, externalID, displayName string, metadata map[string]string) (inbox.Customer, error) {
	return inbox.Customer{
		ID:             "cust-1",
		UserID:         userID,
		Platform:       platform,
		ExternalID:     externalID,
		DisplayName:    displayName,
		LifecycleStage: inbox.StageLead,
	}, nil
}

func (f *fakeInbox) CustomerHistory(ctx context.Context, customerID string) (inbox.CustomerContext, error) {
	return f.history, nil
}

func (f *fakeInbox) GetOrCreateActiveConversation(ctx context.Context, customerID, userID string, platform channel.Platform) (inbox.Conversation, error) {
	conv := inbox.Conversation{
		ID:         "conv-1",
		UserID:     userID,
		CustomerID: customerID,
		Platform:   platform,
		Status:     inbox.StatusOpen,
		Priority:   inbox.PriorityMedium,
	}
	f.conversations[conv.ID] = conv
	return conv, nil
}

func (f *fakeInbox) GetConversation(ctx context.Context, userID, id string) (inbox.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return inbox.Conversation{}, inbox.ErrNotFound
	}
	return conv, nil
}

func (f *fakeInbox) CountMessages(ctx context.Context, conversationID string) (int, error) {
	return f.priorMessages, nil
}

func (f *fakeInbox) StoreMessage(ctx context.Context, input inbox.StoreMessageInput) (inbox.Message, bool, error) {
	if f.storeErr != nil {
		return inbox.Message{}, false, f.storeErr
	}
	if f.duplicate {
		return inbox.Message{ID: "msg-dup", ConversationID: input.ConversationID}, false, nil
	}
	f.stored = append(f.stored, input)
	return inbox.Message{
		ID:             fmt.Sprintf("msg-%d", len(f.stored)),
		ConversationID: input.ConversationID,
		CustomerID:     input.CustomerID,
		UserID:         input.UserID,
		SenderType:     input.SenderType,
		Content:        input.Content,
		Direction:      channel.DirectionFor(input.SenderType),
		Platform:       input.Platform,
		CreatedAt:      time.Now(),
	}, true, nil
}

func (f *fakeInbox) AttachClassification(ctx context.Context, messageID string, c inbox.Classification) error {
	f.attached = append(f.attached, c)
	return nil
}

func (f *fakeInbox) ApplyClassification(ctx context.Context, conversationID string, messageAt time.Time, c inbox.Classification) error {
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeInbox) UpdateMessageStatus(ctx context.Context, userID string, platform channel.Platform, platformMessageID string, status channel.DeliveryStatus) (bool, error) {
	f.statusCalls = append(f.statusCalls, channel.StatusUpdate{PlatformMessageID: platformMessageID, Status: status})
	return f.statusChanged, nil
}

func (f *fakeInbox) Escalate(ctx context.Context, conversationID string) (bool, error) {
	f.escalated = append(f.escalated, conversationID)
	return true, nil
}

type syncQueue struct{}

func (syncQueue) Submit(name string, run func(ctx context.Context) error) bool {
	_ = run(context.Background())
	return true
}

type recordingHub struct{ events []realtime.Event }

func (r *recordingHub) Broadcast(userID string, event realtime.Event) {
	r.events = append(r.events, event)
}

func (r *recordingHub) eventTypes() []string {
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

type recordingReplier struct{ inputs []autoreply.EvalInput }

func (r *recordingReplier) Evaluate(ctx context.Context, in autoreply.EvalInput) error {
	r.inputs = append(r.inputs, in)
	return nil
}

func resolvedFor(adapter channel.Adapter) integrations.Resolved {
	return integrations.Resolved{
		Integration: integrations.Integration{
			ID:       "int-1",
			UserID:   "user-1",
			Platform: channel.PlatformWhatsApp,
			Provider: channel.ProviderTwilio,
		},
		Adapter: adapter,
		Config:  fakeConfig{identity: "+15550009999"},
	}
}

func webhookRequest() channel.WebhookRequest {
	return channel.WebhookRequest{Body: []byte(`{}`), ContentType: "application/json"}
}

func TestSendMessageUnconfiguredPlatformNeverTouchesAdapter(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: channel.PlatformWhatsApp, provider: channel.ProviderTwilio}
	resolver := &fakeResolver{outErr: integrations.ErrNotConfigured}
	g := gateway.New(nil, resolver, newFakeInbox(), nil)

	_, err := g.SendMessage(context.Background(), "user-1", gateway.SendRequest{
		Platform: "whatsapp", To: "+15551230000", Content: "hello",
	})
	if !errors.Is(err, integrations.ErrNotConfigured) {
		t.Fatalf("SendMessage() error = %v, want ErrNotConfigured", err)
	}
	if adapter.sendCalls != 0 {
		t.Fatalf("adapter called %d times, want 0", adapter.sendCalls)
	}
}

func TestSendMessagePersistsWhenConversationSupplied(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: channel.PlatformWhatsApp, provider: channel.ProviderTwilio}
	store := newFakeInbox()
	store.conversations["conv-9"] = inbox.Conversation{
		ID: "conv-9", UserID: "user-1", CustomerID: "cust-7",
		Platform: channel.PlatformWhatsApp, Status: inbox.StatusOpen,
	}
	g := gateway.New(nil, &fakeResolver{resolved: resolvedFor(adapter)}, store, nil)

	receipt, err := g.SendMessage(context.Background(), "user-1", gateway.SendRequest{
		Platform: "whatsapp", To: "+15551230000", Content: "your order shipped",
		ConversationID: "conv-9",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if receipt.ProviderMessageID != "prov-msg-1" {
		t.Fatalf("ProviderMessageID = %q, want prov-msg-1", receipt.ProviderMessageID)
	}
	if receipt.Message == nil {
		t.Fatal("receipt.Message = nil, want persisted message")
	}
	if len(store.stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(store.stored))
	}
	input := store.stored[0]
	if input.SenderType != channel.SenderAgent {
		t.Fatalf("SenderType = %q, want agent default", input.SenderType)
	}
	if input.PlatformMessageID != "prov-msg-1" {
		t.Fatalf("PlatformMessageID = %q, want the provider id", input.PlatformMessageID)
	}
	if input.CustomerID != "cust-7" {
		t.Fatalf("CustomerID = %q, want the conversation's customer", input.CustomerID)
	}
}

func TestSendMessageWithoutConversationSkipsPersistence(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: channel.PlatformWhatsApp, provider: channel.ProviderTwilio}
	store := newFakeInbox()
	g := gateway.New(nil, &fakeResolver{resolved: resolvedFor(adapter)}, store, nil)

	receipt, err := g.SendMessage(context.Background(), "user-1", gateway.SendRequest{
		Platform: "whatsapp", To: "+15551230000", Content: "ad hoc note",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if receipt.Message != nil {
		t.Fatal("receipt.Message set without a conversation id")
	}
	if len(store.stored) != 0 {
		t.Fatalf("stored %d messages, want 0", len(store.stored))
	}
}

func TestSendMessageRejectsConversationPlatformMismatch(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: channel.PlatformWhatsApp, provider: channel.ProviderTwilio}
	store := newFakeInbox()
	store.conversations["conv-9"] = inbox.Conversation{
		ID: "conv-9", UserID: "user-1", CustomerID: "cust-7",
		Platform: channel.PlatformTelegram, Status: inbox.StatusOpen,
	}
	g := gateway.New(nil, &fakeResolver{resolved: resolvedFor(adapter)}, store, nil)

	_, err := g.SendMessage(context.Background(), "user-1", gateway.SendRequest{
		Platform: "whatsapp", To: "+15551230000", Content: "hello",
		ConversationID: "conv-9",
	})
	if err == nil {
		t.Fatal("SendMessage() accepted a conversation on another platform")
	}
	if adapter.sendCalls != 0 {
		t.Fatalf("adapter called %d times, want 0", adapter.sendCalls)
	}
}

func TestHandleInboundFullPipeline(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		platform: channel.PlatformWhatsApp,
		provider: channel.ProviderTwilio,
		event: channel.WebhookEvent{Messages: []channel.InboundMessage{{
			SenderExternalID:  "+15557654321",
			SenderDisplayName: "Dana",
			Content:           "urgent help needed, my account is broken",
			MessageType:       channel.MessageTypeText,
			PlatformMessageID: "wamid.1",
			ReceivedAt:        time.Now(),
		}}},
	}
	store := newFakeInbox()
	hub := &recordingHub{}
	replier := &recordingReplier{}

	g := gateway.New(nil, &fakeResolver{resolved: resolvedFor(adapter)}, store, nil)
	g.SetTaskQueue(syncQueue{})
	g.SetBroadcaster(hub)
	g.SetAutoReplier(replier)

	if err := g.HandleInbound(context.Background(), channel.PlatformWhatsApp, channel.ProviderTwilio, webhookRequest()); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}

	if len(store.stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(store.stored))
	}
	if store.stored[0].SenderType != channel.SenderCustomer {
		t.Fatalf("SenderType = %q, want customer", store.stored[0].SenderType)
	}
	if len(store.attached) != 1 || len(store.applied) != 1 {
		t.Fatalf("classification attached %d applied %d, want 1 and 1", len(store.attached), len(store.applied))
	}
	if store.applied[0].Priority != inbox.PriorityUrgent {
		t.Fatalf("classified priority = %q, want urgent", store.applied[0].Priority)
	}
	if len(store.escalated) != 1 {
		t.Fatalf("escalated %d conversations, want 1", len(store.escalated))
	}
	if len(replier.inputs) != 1 {
		t.Fatalf("auto reply evaluated %d times, want 1", len(replier.inputs))
	}
	if !replier.inputs[0].FirstMessage {
		t.Fatal("auto reply input FirstMessage = false, want true for an empty conversation")
	}

	var sawReceived, sawEscalated bool
	for _, typ := range hub.eventTypes() {
		switch typ {
		case "message.received":
			sawReceived = true
		case "conversation.escalated":
			sawEscalated = true
		}
	}
	if !sawReceived || !sawEscalated {
		t.Fatalf("broadcast events = %v, want message.received and conversation.escalated", hub.eventTypes())
	}
}

func TestHandleInboundDuplicateShortCircuitsSideEffects(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		platform: channel.PlatformWhatsApp,
		provider: channel.ProviderTwilio,
		event: channel.WebhookEvent{Messages: []channel.InboundMessage{{
			SenderExternalID:  "+15557654321",
			Content:           "hello again",
			PlatformMessageID: "wamid.1",
		}}},
	}
	store := newFakeInbox()
	store.duplicate = true
	hub := &recordingHub{}
	replier := &recordingReplier{}

	g := gateway.New(nil, &fakeResolver{resolved: resolvedFor(adapter)}, store, nil)
	g.SetTaskQueue(syncQueue{})
	g.SetBroadcaster(hub)
	g.SetAutoReplier(replier)

	if err := g.HandleInbound(context.Background(), channel.PlatformWhatsApp, channel.ProviderTwilio, webhookRequest()); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if len(store.applied) != 0 {
		t.Fatalf("classification applied %d times for a duplicate, want 0", len(store.applied))
	}
	if len(replier.inputs) != 0 {
		t.Fatalf("auto reply evaluated %d times for a duplicate, want 0", len(replier.inputs))
	}
	if len(hub.events) != 0 {
		t.Fatalf("broadcast %d events for a duplicate, want 0", len(hub.events))
	}
}

func TestHandleInboundRejectsFailedVerification(t *testing.T) {
	t.Parallel()

	inner := &fakeAdapter{
		platform:  channel.PlatformWhatsApp,
		provider:  channel.ProviderTwilio,
		verifyErr: errors.New("signature mismatch"),
		event: channel.WebhookEvent{Messages: []channel.InboundMessage{{
			SenderExternalID: "+15557654321", Content: "spoofed",
		}}},
	}
	adapter := verifyingAdapter{inner}
	store := newFakeInbox()
	g := gateway.New(nil, &fakeResolver{resolved: resolvedFor(adapter)}, store, nil)

	err := g.HandleInbound(context.Background(), channel.PlatformWhatsApp, channel.ProviderTwilio, webhookRequest())
	if err == nil {
		t.Fatal("HandleInbound() accepted a webhook that failed verification")
	}
	if !errors.Is(err, gateway.ErrVerificationFailed) {
		t.Fatalf("HandleInbound() error = %v, want ErrVerificationFailed", err)
	}
	if !inner.verified {
		t.Fatal("VerifyWebhook was not called")
	}
	if len(store.stored) != 0 {
		t.Fatalf("stored %d messages from an unverified webhook, want 0", len(store.stored))
	}
}

func TestHandleInboundAppliesStatusUpdates(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		platform: channel.PlatformWhatsApp,
		provider: channel.ProviderTwilio,
		event: channel.WebhookEvent{Statuses: []channel.StatusUpdate{{
			PlatformMessageID: "wamid.9",
			Status:            channel.DeliveryRead,
			OccurredAt:        time.Now(),
		}}},
	}
	store := newFakeInbox()
	hub := &recordingHub{}
	g := gateway.New(nil, &fakeResolver{resolved: resolvedFor(adapter)}, store, nil)
	g.SetTaskQueue(syncQueue{})
	g.SetBroadcaster(hub)

	if err := g.HandleInbound(context.Background(), channel.PlatformWhatsApp, channel.ProviderTwilio, webhookRequest()); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if len(store.statusCalls) != 1 {
		t.Fatalf("status updates applied = %d, want 1", len(store.statusCalls))
	}
	if store.statusCalls[0].Status != channel.DeliveryRead {
		t.Fatalf("status = %q, want read", store.statusCalls[0].Status)
	}
	if len(hub.events) != 1 || hub.events[0].Type != "message.status" {
		t.Fatalf("broadcast events = %v, want one message.status", hub.eventTypes())
	}
}

func TestHandleInboundFailsClosedOnResolution(t *testing.T) {
	t.Parallel()

	store := newFakeInbox()
	g := gateway.New(nil, &fakeResolver{inErr: integrations.ErrNoMatch}, store, nil)

	err := g.HandleInbound(context.Background(), channel.PlatformWhatsApp, channel.ProviderTwilio, webhookRequest())
	if !errors.Is(err, integrations.ErrNoMatch) {
		t.Fatalf("HandleInbound() error = %v, want ErrNoMatch", err)
	}
	if len(store.stored) != 0 {
		t.Fatalf("stored %d messages without a resolved tenant, want 0", len(store.stored))
	}
}

func TestVerifyChallenge(t *testing.T) {
	t.Parallel()

	inner := &fakeAdapter{platform: channel.PlatformWhatsApp, provider: channel.ProviderMeta}
	adapter := challengeAdapter{fakeAdapter: inner, challengeBody: "challenge-echo"}
	resolver := &fakeResolver{
		adapter: adapter,
		configs: []channel.ProviderConfig{
			fakeConfig{identity: "other-token"},
			fakeConfig{identity: "expected-token"},
		},
	}
	g := gateway.New(nil, resolver, newFakeInbox(), nil)

	req := channel.WebhookRequest{Query: url.Values{"hub.verify_token": {"expected-token"}}}
	body, ok := g.VerifyChallenge(context.Background(), channel.PlatformWhatsApp, channel.ProviderMeta, req)
	if !ok || body != "challenge-echo" {
		t.Fatalf("VerifyChallenge() = (%q, %v), want (challenge-echo, true)", body, ok)
	}

	req = channel.WebhookRequest{Query: url.Values{"hub.verify_token": {"wrong"}}}
	if _, ok := g.VerifyChallenge(context.Background(), channel.PlatformWhatsApp, channel.ProviderMeta, req); ok {
		t.Fatal("VerifyChallenge() accepted a token no integration was configured with")
	}
}

func TestSendAutoReplyStoresSystemMessage(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: channel.PlatformWhatsApp, provider: channel.ProviderTwilio}
	store := newFakeInbox()
	store.conversations["conv-9"] = inbox.Conversation{
		ID: "conv-9", UserID: "user-1", CustomerID: "cust-7",
		Platform: channel.PlatformWhatsApp, Status: inbox.StatusOpen,
	}
	g := gateway.New(nil, &fakeResolver{resolved: resolvedFor(adapter)}, store, nil)

	if err := g.SendAutoReply(context.Background(), "user-1", "whatsapp", "+15557654321", "conv-9", "We are on it."); err != nil {
		t.Fatalf("SendAutoReply() error = %v", err)
	}
	if len(store.stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(store.stored))
	}
	if store.stored[0].SenderType != channel.SenderSystem {
		t.Fatalf("SenderType = %q, want system", store.stored[0].SenderType)
	}
}
