package autoreply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ReplySource lists the active replies for a tenant and platform.
type ReplySource interface {
	ListActive(ctx context.Context, userID, platform string) ([]Reply, error)
}

// Sender delivers an auto reply back to the customer. The gateway satisfies
// it; the evaluator receives it through SetSender after construction so the
// two packages can depend in one direction only.
type Sender interface {
	SendAutoReply(ctx context.Context, userID, platform, recipientID, conversationID, body string) error
}

// EvalInput describes the inbound message an auto reply may answer.
type EvalInput struct {
	UserID         string
	Platform       string
	ConversationID string
	RecipientID    string
	Content        string
	FirstMessage   bool
	BusinessHours  bool
}

// Evaluator picks and sends at most one auto reply per inbound message.
// Trigger precedence is first message, then after hours, then keyword, so a
// new customer writing at night gets the greeting rather than two replies.
type Evaluator struct {
	store  ReplySource
	sender Sender
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. Call SetSender before Evaluate.
func NewEvaluator(log *slog.Logger, store ReplySource) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{store: store, logger: log.With(slog.String("component", "autoreply"))}
}

// SetSender wires the outbound path.
func (e *Evaluator) SetSender(s Sender) { e.sender = s }

// Evaluate answers the inbound message when a configured trigger fires.
func (e *Evaluator) Evaluate(ctx context.Context, in EvalInput) error {
	replies, err := e.store.ListActive(ctx, in.UserID, in.Platform)
	if err != nil {
		return fmt.Errorf("load auto replies: %w", err)
	}
	reply, ok := pickReply(replies, in)
	if !ok {
		return nil
	}
	if e.sender == nil {
		return fmt.Errorf("auto reply sender not configured")
	}
	if err := e.sender.SendAutoReply(ctx, in.UserID, in.Platform, in.RecipientID, in.ConversationID, reply.Body); err != nil {
		return fmt.Errorf("send auto reply %s: %w", reply.ID, err)
	}
	e.logger.Info("auto reply sent",
		slog.String("reply_id", reply.ID),
		slog.String("trigger", string(reply.Trigger)),
		slog.String("conversation_id", in.ConversationID),
	)
	return nil
}

func pickReply(replies []Reply, in EvalInput) (Reply, bool) {
	content := strings.ToLower(in.Content)
	byKind := func(kind TriggerKind) (Reply, bool) {
		for _, r := range replies {
			if r.Trigger != kind {
				continue
			}
			if kind == TriggerKeyword && !strings.Contains(content, strings.ToLower(r.Keyword)) {
				continue
			}
			return r, true
		}
		return Reply{}, false
	}

	if in.FirstMessage {
		if r, ok := byKind(TriggerFirstMessage); ok {
			return r, true
		}
	}
	if !in.BusinessHours {
		if r, ok := byKind(TriggerAfterHours); ok {
			return r, true
		}
	}
	return byKind(TriggerKeyword)
}
