package autoreply_test

import (
	"context"
	"errors"
	"testing"

	"github.com/relaydesk/relaydesk/internal/autoreply"
)

type fakeReplies struct {
	replies []autoreply.Reply
	err     error
}

func (f *fakeReplies) ListActive(ctx context.Context, userID, platform string) ([]autoreply.Reply, error) {
	return f.replies, f.err
}

type recordingSender struct {
	bodies []string
	err    error
}

func (r *recordingSender) SendAutoReply(ctx context.Context, userID, platform, recipientID, conversationID, body string) error {
	if r.err != nil {
		return r.err
	}
	r.bodies = append(r.bodies, body)
	return nil
}

func newEvaluator(t *testing.T, replies ...autoreply.Reply) (*autoreply.Evaluator, *recordingSender) {
	t.Helper()
	eval := autoreply.NewEvaluator(nil, &fakeReplies{replies: replies})
	sender := &recordingSender{}
	eval.SetSender(sender)
	return eval, sender
}

func input() autoreply.EvalInput {
	return autoreply.EvalInput{
		UserID:         "user-1",
		Platform:       "whatsapp",
		ConversationID: "conv-1",
		RecipientID:    "+15550001111",
		Content:        "how do I reset my password?",
		BusinessHours:  true,
	}
}

func TestEvaluateFirstMessageWinsOverKeyword(t *testing.T) {
	t.Parallel()

	eval, sender := newEvaluator(t,
		autoreply.Reply{ID: "r-keyword", Trigger: autoreply.TriggerKeyword, Keyword: "password", Body: "See the reset guide."},
		autoreply.Reply{ID: "r-greet", Trigger: autoreply.TriggerFirstMessage, Body: "Welcome! An agent will be right with you."},
	)

	in := input()
	in.FirstMessage = true
	if err := eval.Evaluate(context.Background(), in); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(sender.bodies) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sender.bodies))
	}
	if sender.bodies[0] != "Welcome! An agent will be right with you." {
		t.Fatalf("sent %q, want the greeting", sender.bodies[0])
	}
}

func TestEvaluateAfterHours(t *testing.T) {
	t.Parallel()

	eval, sender := newEvaluator(t,
		autoreply.Reply{ID: "r-hours", Trigger: autoreply.TriggerAfterHours, Body: "We are closed, back at 9am."},
	)

	in := input()
	in.BusinessHours = false
	if err := eval.Evaluate(context.Background(), in); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(sender.bodies) != 1 || sender.bodies[0] != "We are closed, back at 9am." {
		t.Fatalf("sent %v, want the after hours notice", sender.bodies)
	}
}

func TestEvaluateKeywordMatchIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	eval, sender := newEvaluator(t,
		autoreply.Reply{ID: "r-keyword", Trigger: autoreply.TriggerKeyword, Keyword: "PASSWORD", Body: "See the reset guide."},
	)

	if err := eval.Evaluate(context.Background(), input()); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(sender.bodies) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sender.bodies))
	}
}

func TestEvaluateNoTriggerNoSend(t *testing.T) {
	t.Parallel()

	eval, sender := newEvaluator(t,
		autoreply.Reply{ID: "r-keyword", Trigger: autoreply.TriggerKeyword, Keyword: "billing", Body: "Billing info."},
		autoreply.Reply{ID: "r-hours", Trigger: autoreply.TriggerAfterHours, Body: "Closed."},
	)

	if err := eval.Evaluate(context.Background(), input()); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(sender.bodies) != 0 {
		t.Fatalf("sent %v, want nothing", sender.bodies)
	}
}

func TestEvaluateSendFailureSurfaces(t *testing.T) {
	t.Parallel()

	eval := autoreply.NewEvaluator(nil, &fakeReplies{replies: []autoreply.Reply{
		{ID: "r-greet", Trigger: autoreply.TriggerFirstMessage, Body: "Welcome!"},
	}})
	sendErr := errors.New("transport down")
	eval.SetSender(&recordingSender{err: sendErr})

	in := input()
	in.FirstMessage = true
	if err := eval.Evaluate(context.Background(), in); !errors.Is(err, sendErr) {
		t.Fatalf("Evaluate() error = %v, want wrapped %v", err, sendErr)
	}
}

func TestInputValidate(t *testing.T) {
	t.Parallel()

	valid := autoreply.Input{Trigger: "keyword", Keyword: "refund", Body: "We got you."}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	missingKeyword := autoreply.Input{Trigger: "keyword", Body: "We got you."}
	if err := missingKeyword.Validate(); err == nil {
		t.Fatal("Validate() accepted keyword trigger without keyword")
	}

	badPlatform := autoreply.Input{Trigger: "first_message", Body: "Hi", Platform: "fax"}
	if err := badPlatform.Validate(); err == nil {
		t.Fatal("Validate() accepted unknown platform")
	}
}
