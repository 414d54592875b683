package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/inbox"
)

// ErrRuleNotFound reports a rule lookup that matched nothing.
var ErrRuleNotFound = errors.New("routing rule not found")

// Rule is a tenant-defined condition → action mapping. Conditions present on
// a rule must all match; empty condition fields are not evaluated.
type Rule struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Name          string         `json:"name"`
	Priority      int            `json:"priority"`
	Keywords      []string       `json:"keywords"`
	MatchCategory inbox.Category `json:"match_category,omitempty"`
	MatchPriority inbox.Priority `json:"match_priority,omitempty"`
	SetPriority   inbox.Priority `json:"set_priority,omitempty"`
	SetCategory   inbox.Category `json:"set_category,omitempty"`
	AssignTeam    string         `json:"assign_team,omitempty"`
	AssignAgent   string         `json:"assign_agent,omitempty"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RuleInput creates or updates a rule.
type RuleInput struct {
	Name          string
	Priority      int
	Keywords      []string
	MatchCategory inbox.Category
	MatchPriority inbox.Priority
	SetPriority   inbox.Priority
	SetCategory   inbox.Category
	AssignTeam    string
	AssignAgent   string
	Active        bool
}

// Validate rejects rules whose enum fields are off the known sets.
func (in RuleInput) Validate() error {
	if in.Name == "" {
		return errors.New("rule name is required")
	}
	if in.MatchCategory != "" {
		if _, err := inbox.ParseCategory(string(in.MatchCategory)); err != nil {
			return fmt.Errorf("match_category: %w", err)
		}
	}
	if in.MatchPriority != "" {
		if _, err := inbox.ParsePriority(string(in.MatchPriority)); err != nil {
			return fmt.Errorf("match_priority: %w", err)
		}
	}
	if in.SetCategory != "" {
		if _, err := inbox.ParseCategory(string(in.SetCategory)); err != nil {
			return fmt.Errorf("set_category: %w", err)
		}
	}
	if in.SetPriority != "" {
		if _, err := inbox.ParsePriority(string(in.SetPriority)); err != nil {
			return fmt.Errorf("set_priority: %w", err)
		}
	}
	return nil
}

const ruleColumns = `id, user_id, name, priority, keywords, match_category, match_priority,
	set_priority, set_category, assign_team, assign_agent, active, created_at, updated_at`

// RuleStore persists routing rules.
type RuleStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRuleStore creates a rule store.
func NewRuleStore(log *slog.Logger, pool *pgxpool.Pool) *RuleStore {
	if log == nil {
		log = slog.Default()
	}
	return &RuleStore{pool: pool, logger: log.With(slog.String("store", "rules"))}
}

// Create inserts a rule.
func (s *RuleStore) Create(ctx context.Context, userID string, input RuleInput) (Rule, error) {
	if err := input.Validate(); err != nil {
		return Rule{}, err
	}
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid user id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO routing_rules (user_id, name, priority, keywords, match_category,
		    match_priority, set_priority, set_category, assign_team, assign_agent, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+ruleColumns,
		pgUserID, input.Name, input.Priority, input.Keywords,
		dbpkg.TextOrNull(string(input.MatchCategory)), dbpkg.TextOrNull(string(input.MatchPriority)),
		dbpkg.TextOrNull(string(input.SetPriority)), dbpkg.TextOrNull(string(input.SetCategory)),
		dbpkg.TextOrNull(input.AssignTeam), dbpkg.TextOrNull(input.AssignAgent), input.Active)
	return scanRule(row)
}

// Update replaces a rule's definition.
func (s *RuleStore) Update(ctx context.Context, userID, id string, input RuleInput) (Rule, error) {
	if err := input.Validate(); err != nil {
		return Rule{}, err
	}
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid user id: %w", err)
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid rule id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE routing_rules SET name = $3, priority = $4, keywords = $5,
		    match_category = $6, match_priority = $7, set_priority = $8,
		    set_category = $9, assign_team = $10, assign_agent = $11,
		    active = $12, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING `+ruleColumns,
		pgID, pgUserID, input.Name, input.Priority, input.Keywords,
		dbpkg.TextOrNull(string(input.MatchCategory)), dbpkg.TextOrNull(string(input.MatchPriority)),
		dbpkg.TextOrNull(string(input.SetPriority)), dbpkg.TextOrNull(string(input.SetCategory)),
		dbpkg.TextOrNull(input.AssignTeam), dbpkg.TextOrNull(input.AssignAgent), input.Active)
	return scanRule(row)
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, userID, id string) error {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid rule id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM routing_rules WHERE id = $1 AND user_id = $2`, pgID, pgUserID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// List returns all of a tenant's rules ordered by evaluation precedence.
func (s *RuleStore) List(ctx context.Context, userID string) ([]Rule, error) {
	return s.list(ctx, userID, false)
}

// ListActive returns the tenant's active rules ordered by evaluation
// precedence (priority descending, then oldest first for stable ties).
func (s *RuleStore) ListActive(ctx context.Context, userID string) ([]Rule, error) {
	return s.list(ctx, userID, true)
}

func (s *RuleStore) list(ctx context.Context, userID string, activeOnly bool) ([]Rule, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ruleColumns+` FROM routing_rules
		WHERE user_id = $1 AND ($2 = false OR active)
		ORDER BY priority DESC, created_at`,
		pgUserID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

func scanRule(row pgx.Row) (Rule, error) {
	var (
		id, userID           pgtype.UUID
		name                 string
		priority             int
		keywords             []string
		matchCategory        pgtype.Text
		matchPriority        pgtype.Text
		setPriority          pgtype.Text
		setCategory          pgtype.Text
		assignTeam           pgtype.Text
		assignAgent          pgtype.Text
		active               bool
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &userID, &name, &priority, &keywords, &matchCategory,
		&matchPriority, &setPriority, &setCategory, &assignTeam, &assignAgent,
		&active, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, ErrRuleNotFound
	}
	if err != nil {
		return Rule{}, fmt.Errorf("scan rule: %w", err)
	}
	return Rule{
		ID:            dbpkg.UUIDString(id),
		UserID:        dbpkg.UUIDString(userID),
		Name:          name,
		Priority:      priority,
		Keywords:      keywords,
		MatchCategory: inbox.Category(matchCategory.String),
		MatchPriority: inbox.Priority(matchPriority.String),
		SetPriority:   inbox.Priority(setPriority.String),
		SetCategory:   inbox.Category(setCategory.String),
		AssignTeam:    assignTeam.String,
		AssignAgent:   assignAgent.String,
		Active:        active,
		CreatedAt:     dbpkg.TimeOrZero(createdAt),
		UpdatedAt:     dbpkg.TimeOrZero(updatedAt),
	}, nil
}
