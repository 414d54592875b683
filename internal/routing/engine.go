package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/relaydesk/relaydesk/internal/inbox"
)

// RuleSource lists a tenant's active rules.
type RuleSource interface {
	ListActive(ctx context.Context, userID string) ([]Rule, error)
}

// NameResolver maps rule assignment names onto directory ids.
type NameResolver interface {
	TeamIDByName(ctx context.Context, userID, name string) (string, error)
	AgentIDByName(ctx context.Context, userID, name string) (string, error)
}

// ConversationUpdater applies a matched rule's actions to a conversation.
type ConversationUpdater interface {
	ApplyRuleActions(ctx context.Context, conversationID string, setPriority inbox.Priority, setCategory inbox.Category, teamID, agentID string) error
}

// RuleMatch reports which rule fired and what it resolved to.
type RuleMatch struct {
	Rule    Rule
	TeamID  string
	AgentID string
}

// Engine evaluates routing rules for inbound messages. Rules run in priority
// order, every condition present on a rule must hold, and only the first
// match applies; later matching rules are never stacked on top.
type Engine struct {
	rules     RuleSource
	directory NameResolver
	updater   ConversationUpdater
	logger    *slog.Logger
}

// NewEngine creates a rule engine.
func NewEngine(log *slog.Logger, rules RuleSource, directory NameResolver, updater ConversationUpdater) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		rules:     rules,
		directory: directory,
		updater:   updater,
		logger:    log.With(slog.String("component", "rules")),
	}
}

// Apply evaluates the tenant's active rules against a classified message and
// applies the first match's actions. Returns nil when no rule fires.
func (e *Engine) Apply(ctx context.Context, conv inbox.Conversation, content string, c inbox.Classification) (*RuleMatch, error) {
	rules, err := e.rules.ListActive(ctx, conv.UserID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		if !ruleMatches(rule, content, c) {
			continue
		}
		match := RuleMatch{Rule: rule}
		if rule.AssignTeam != "" {
			match.TeamID, err = e.directory.TeamIDByName(ctx, conv.UserID, rule.AssignTeam)
			if err != nil && !errors.Is(err, ErrDirectoryNotFound) {
				return nil, err
			}
			if errors.Is(err, ErrDirectoryNotFound) {
				e.logger.Warn("rule assigns unknown team",
					slog.String("rule", rule.Name), slog.String("team", rule.AssignTeam))
			}
		}
		if rule.AssignAgent != "" {
			match.AgentID, err = e.directory.AgentIDByName(ctx, conv.UserID, rule.AssignAgent)
			if err != nil && !errors.Is(err, ErrDirectoryNotFound) {
				return nil, err
			}
			if errors.Is(err, ErrDirectoryNotFound) {
				e.logger.Warn("rule assigns unknown agent",
					slog.String("rule", rule.Name), slog.String("agent", rule.AssignAgent))
			}
		}

		if err := e.updater.ApplyRuleActions(ctx, conv.ID, rule.SetPriority, rule.SetCategory, match.TeamID, match.AgentID); err != nil {
			return nil, fmt.Errorf("apply rule %q: %w", rule.Name, err)
		}
		e.logger.Info("routing rule applied",
			slog.String("rule", rule.Name),
			slog.String("conversation_id", conv.ID))
		return &match, nil
	}
	return nil, nil
}

// ruleMatches checks every condition present on the rule. A rule with no
// conditions matches everything, which makes a low-priority catch-all rule
// possible.
func ruleMatches(rule Rule, content string, c inbox.Classification) bool {
	if len(rule.Keywords) > 0 && !containsAnyKeyword(content, rule.Keywords) {
		return false
	}
	if rule.MatchCategory != "" && c.Category != rule.MatchCategory {
		return false
	}
	if rule.MatchPriority != "" && c.Priority != rule.MatchPriority {
		return false
	}
	return true
}

func containsAnyKeyword(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
