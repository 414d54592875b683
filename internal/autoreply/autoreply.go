// Package autoreply sends tenant-configured canned replies to inbound
// messages: a greeting on a customer's first message, an after-hours notice,
// or keyword-triggered answers. At most one reply goes out per inbound
// message.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/channel"
	dbpkg "github.com/relaydesk/relaydesk/internal/db"
)

// ErrNotFound is returned when no auto reply matches the lookup.
var ErrNotFound = errors.New("auto reply not found")

// TriggerKind says what fires an auto reply.
type TriggerKind string

const (
	TriggerFirstMessage TriggerKind = "first_message"
	TriggerAfterHours   TriggerKind = "after_hours"
	TriggerKeyword      TriggerKind = "keyword"
)

// ParseTriggerKind validates a trigger kind string.
func ParseTriggerKind(s string) (TriggerKind, error) {
	switch TriggerKind(s) {
	case TriggerFirstMessage, TriggerAfterHours, TriggerKeyword:
		return TriggerKind(s), nil
	default:
		return "", fmt.Errorf("unknown trigger kind: %q", s)
	}
}

// Reply is one configured auto reply.
type Reply struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Platform  string      `json:"platform,omitempty"`
	Trigger   TriggerKind `json:"trigger_kind"`
	Keyword   string      `json:"keyword,omitempty"`
	Body      string      `json:"body"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Input creates or updates a reply.
type Input struct {
	Platform string `json:"platform"`
	Trigger  string `json:"trigger_kind"`
	Keyword  string `json:"keyword"`
	Body     string `json:"body"`
	Active   *bool  `json:"active,omitempty"`
}

// Validate checks the input. An empty platform means the reply applies to
// every platform.
func (in Input) Validate() error {
	kind, err := ParseTriggerKind(in.Trigger)
	if err != nil {
		return err
	}
	if kind == TriggerKeyword && strings.TrimSpace(in.Keyword) == "" {
		return fmt.Errorf("keyword trigger requires a keyword")
	}
	if strings.TrimSpace(in.Body) == "" {
		return fmt.Errorf("reply body required")
	}
	if in.Platform != "" {
		if _, err := channel.ParsePlatform(in.Platform); err != nil {
			return err
		}
	}
	return nil
}

const replyColumns = "id, user_id, platform, trigger_kind, keyword, body, active, created_at, updated_at"

// Store persists auto replies in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates an auto reply store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("store", "autoreply"))}
}

// Create inserts a reply for the user.
func (s *Store) Create(ctx context.Context, userID string, in Input) (Reply, error) {
	if err := in.Validate(); err != nil {
		return Reply{}, err
	}
	uid, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Reply{}, fmt.Errorf("parse user id: %w", err)
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO auto_replies (user_id, platform, trigger_kind, keyword, body, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+replyColumns,
		uid, in.Platform, in.Trigger, strings.ToLower(strings.TrimSpace(in.Keyword)), in.Body, active,
	)
	return scanReply(row)
}

// Update replaces a reply's fields.
func (s *Store) Update(ctx context.Context, userID, id string, in Input) (Reply, error) {
	if err := in.Validate(); err != nil {
		return Reply{}, err
	}
	uid, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Reply{}, fmt.Errorf("parse user id: %w", err)
	}
	rid, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Reply{}, fmt.Errorf("parse reply id: %w", err)
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE auto_replies
		SET platform = $3, trigger_kind = $4, keyword = $5, body = $6, active = $7, updated_at = now()
		WHERE id = $2 AND user_id = $1
		RETURNING `+replyColumns,
		uid, rid, in.Platform, in.Trigger, strings.ToLower(strings.TrimSpace(in.Keyword)), in.Body, active,
	)
	return scanReply(row)
}

// Delete removes a reply.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	uid, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	rid, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("parse reply id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM auto_replies WHERE id = $2 AND user_id = $1`, uid, rid)
	if err != nil {
		return fmt.Errorf("delete auto reply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all replies for the user.
func (s *Store) List(ctx context.Context, userID string) ([]Reply, error) {
	return s.list(ctx, userID, "", false)
}

// ListActive returns active replies that apply to the platform, including
// replies configured for every platform.
func (s *Store) ListActive(ctx context.Context, userID, platform string) ([]Reply, error) {
	return s.list(ctx, userID, platform, true)
}

func (s *Store) list(ctx context.Context, userID, platform string, activeOnly bool) ([]Reply, error) {
	uid, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+replyColumns+`
		FROM auto_replies
		WHERE user_id = $1
		  AND ($2 = '' OR platform = '' OR platform = $2)
		  AND ($3 = false OR active)
		ORDER BY created_at`,
		uid, platform, activeOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("list auto replies: %w", err)
	}
	defer rows.Close()

	var replies []Reply
	for rows.Next() {
		reply, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		replies = append(replies, reply)
	}
	return replies, rows.Err()
}

func scanReply(row pgx.Row) (Reply, error) {
	var (
		id, userID         pgtype.UUID
		platform, kind     string
		keyword, body      string
		active             bool
		createdAt, updated pgtype.Timestamptz
	)
	err := row.Scan(&id, &userID, &platform, &kind, &keyword, &body, &active, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reply{}, ErrNotFound
		}
		return Reply{}, fmt.Errorf("scan auto reply: %w", err)
	}
	return Reply{
		ID:        dbpkg.UUIDString(id),
		UserID:    dbpkg.UUIDString(userID),
		Platform:  platform,
		Trigger:   TriggerKind(kind),
		Keyword:   keyword,
		Body:      body,
		Active:    active,
		CreatedAt: dbpkg.TimeOrZero(createdAt),
		UpdatedAt: dbpkg.TimeOrZero(updated),
	}, nil
}
