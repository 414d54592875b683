// Package routing classifies inbound messages and applies tenant routing
// rules to conversations.
package routing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/inbox"
)

// Context carries the signals a classifier may weigh besides the message
// text itself.
type Context struct {
	ConversationCount  int
	DaysSinceContact   int
	LifecycleStage     inbox.LifecycleStage
	BusinessHours      bool
	FirstMessage       bool
	ConversationLength int
}

// Classifier scores one inbound message.
type Classifier interface {
	Classify(ctx context.Context, content string, msgCtx Context) (inbox.Classification, error)
}

var (
	urgentKeywords = []string{
		"urgent", "emergency", "asap", "immediately", "critical", "right now",
		"broken", "not working", "stopped working", "is down", "can't access",
		"cannot access", "locked out", "charged twice",
	}
	salesKeywords = []string{
		"price", "pricing", "quote", "buy", "purchase", "order", "demo",
		"trial", "upgrade", "plan", "subscribe", "cost", "discount", "how much",
	}
	supportKeywords = []string{
		"help", "support", "issue", "problem", "error", "bug", "question",
		"how do i", "how to", "fix", "trouble", "doesn't work", "failed",
	}
	retentionKeywords = []string{
		"cancel", "unsubscribe", "close my account", "delete my account",
		"leaving", "switch to", "competitor", "refund",
	}
	negativeWords = []string{
		"angry", "terrible", "awful", "worst", "useless", "unacceptable",
		"disappointed", "frustrated", "ridiculous", "scam", "never again", "hate",
	}
	positiveWords = []string{
		"thanks", "thank you", "great", "awesome", "love", "perfect",
		"excellent", "amazing", "appreciate", "wonderful",
	}
	greetingWords = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}
)

// KeywordClassifier is the deterministic fallback classifier. It never
// fails, which is what lets classification never block persistence.
type KeywordClassifier struct{}

// NewKeywordClassifier creates the keyword classifier.
func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

// Classify scores a message from keyword hits and a small sentiment lexicon.
func (c *KeywordClassifier) Classify(_ context.Context, content string, msgCtx Context) (inbox.Classification, error) {
	lower := strings.ToLower(content)

	urgentHits := countHits(lower, urgentKeywords)
	salesHits := countHits(lower, salesKeywords)
	supportHits := countHits(lower, supportKeywords)
	retentionHits := countHits(lower, retentionKeywords)
	sentiment := sentimentOf(lower)

	category := inbox.CategoryGeneral
	switch {
	case retentionHits > 0:
		category = inbox.CategoryRetention
	case salesHits > 0 && salesHits >= supportHits:
		category = inbox.CategoryAcquisition
	case supportHits > 0:
		category = inbox.CategorySupport
	case msgCtx.ConversationCount > 1:
		category = inbox.CategoryEngagement
	}

	intent := "statement"
	switch {
	case retentionHits > 0:
		intent = "cancellation_risk"
	case urgentHits > 0 || (supportHits > 0 && sentiment == "negative"):
		intent = "complaint"
	case salesHits > 0:
		intent = "purchase_interest"
	case supportHits > 0:
		intent = "support_request"
	case isGreeting(lower):
		intent = "greeting"
	case strings.Contains(content, "?"):
		intent = "question"
	}

	score := 15
	score += 30 * min(urgentHits, 2)
	if sentiment == "negative" {
		score += 15
	}
	if retentionHits > 0 {
		score += 20
	}
	if msgCtx.FirstMessage && urgentHits > 0 {
		score += 10
	}
	if !msgCtx.BusinessHours {
		score += 5
	}
	if msgCtx.ConversationLength > 10 {
		score += 5
	}
	score = min(score, 100)

	priority := inbox.PriorityMedium
	switch {
	case urgentHits > 0:
		priority = inbox.PriorityUrgent
	case retentionHits > 0 || (sentiment == "negative" && supportHits > 0):
		priority = inbox.PriorityHigh
	case intent == "greeting":
		priority = inbox.PriorityLow
	}

	return inbox.Classification{
		Category:              category,
		Priority:              priority,
		UrgencyScore:          score,
		Intent:                intent,
		Sentiment:             sentiment,
		EscalationRecommended: priority == inbox.PriorityUrgent || score >= 70,
	}, nil
}

// Composite runs a primary classifier and falls back to the keyword
// classifier on any failure. The fallback path is also taken when no
// primary is configured.
type Composite struct {
	primary  Classifier
	fallback Classifier
	logger   *slog.Logger
}

// NewComposite wires a primary classifier in front of a fallback.
func NewComposite(log *slog.Logger, primary, fallback Classifier) *Composite {
	if log == nil {
		log = slog.Default()
	}
	if fallback == nil {
		fallback = NewKeywordClassifier()
	}
	return &Composite{
		primary:  primary,
		fallback: fallback,
		logger:   log.With(slog.String("component", "classifier")),
	}
}

func (c *Composite) Classify(ctx context.Context, content string, msgCtx Context) (inbox.Classification, error) {
	if c.primary != nil {
		result, err := c.primary.Classify(ctx, content, msgCtx)
		if err == nil {
			return result, nil
		}
		c.logger.Warn("primary classifier failed, using keyword fallback", slog.Any("error", err))
	}
	return c.fallback.Classify(ctx, content, msgCtx)
}

// HoursWindow is a staffed-hours window on weekdays, expressed as whole
// hours in the server's timezone. The zero value means 9 to 17.
type HoursWindow struct {
	Start int
	End   int
}

// Contains reports whether t falls inside the window. Weekends are always
// outside.
func (w HoursWindow) Contains(t time.Time) bool {
	start, end := w.Start, w.End
	if start == 0 && end == 0 {
		start, end = 9, 17
	}
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= start && t.Hour() < end
}

// BusinessHours reports whether t falls inside the default staffed-hours
// window.
func BusinessHours(t time.Time) bool {
	return HoursWindow{}.Contains(t)
}

func countHits(content string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			hits++
		}
	}
	return hits
}

func sentimentOf(content string) string {
	neg := countHits(content, negativeWords)
	pos := countHits(content, positiveWords)
	switch {
	case neg > pos:
		return "negative"
	case pos > neg:
		return "positive"
	default:
		return "neutral"
	}
}

func isGreeting(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) > 40 {
		return false
	}
	for _, g := range greetingWords {
		if strings.HasPrefix(trimmed, g) {
			return true
		}
	}
	return false
}

var (
	_ Classifier = (*KeywordClassifier)(nil)
	_ Classifier = (*Composite)(nil)
)
