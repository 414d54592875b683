package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/channel"
	dbpkg "github.com/relaydesk/relaydesk/internal/db"
)

const (
	customerColumns = `id, user_id, platform, external_id, display_name, lifecycle_stage,
	lead_score, tags, metadata, created_at, updated_at`

	conversationColumns = `id, user_id, customer_id, platform, status, priority, category,
	assigned_team_id, assigned_agent_id, tags, last_message_at, created_at, updated_at`

	messageColumns = `id, conversation_id, customer_id, user_id, sender_type, content,
	message_type, media_url, direction, platform, platform_message_id, classification,
	status, created_at, updated_at`

	// Shared by the monotonic-priority and forward-only-status updates.
	priorityOrder = `ARRAY['low','medium','high','urgent']`
	statusOrder   = `ARRAY['sent','delivered','read']`
)

// Store is the single write path for customers, conversations, and messages.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates an inbox store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("store", "inbox"))}
}

// GetOrCreateCustomer upserts a customer keyed by (user, platform, external
// id). Re-contact refreshes updated_at and merges routing metadata; a blank
// display name never erases a known one. Safe under concurrent webhook
// deliveries for the same customer.
func (s *Store) GetOrCreateCustomer(ctx context.Context, userID string, platform channel.Platform, externalID, displayName string, metadata map[string]string) (Customer, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Customer{}, fmt.Errorf("invalid user id: %w", err)
	}
	if externalID == "" {
		return Customer{}, errors.New("external id is required")
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return Customer{}, fmt.Errorf("encode metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO customers (user_id, platform, external_id, display_name, metadata)
		VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::jsonb))
		ON CONFLICT (user_id, platform, external_id) DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name
		                        ELSE customers.display_name END,
		    metadata = customers.metadata || EXCLUDED.metadata,
		    updated_at = now()
		RETURNING `+customerColumns,
		pgUserID, string(platform), externalID, displayName, meta)
	return scanCustomer(row)
}

// GetCustomer returns one customer scoped to its tenant.
func (s *Store) GetCustomer(ctx context.Context, userID, id string) (Customer, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Customer{}, fmt.Errorf("invalid user id: %w", err)
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Customer{}, fmt.Errorf("invalid customer id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1 AND user_id = $2`, pgID, pgUserID)
	return scanCustomer(row)
}

// CustomerHistory summarizes prior contact for classification context.
func (s *Store) CustomerHistory(ctx context.Context, customerID string) (CustomerContext, error) {
	pgID, err := dbpkg.ParseUUID(customerID)
	if err != nil {
		return CustomerContext{}, fmt.Errorf("invalid customer id: %w", err)
	}
	var (
		count       int
		lastContact pgtype.Timestamptz
		stage       string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT count(conv.id), max(conv.last_message_at), c.lifecycle_stage
		FROM customers c
		LEFT JOIN conversations conv ON conv.customer_id = c.id
		WHERE c.id = $1
		GROUP BY c.lifecycle_stage`,
		pgID).Scan(&count, &lastContact, &stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return CustomerContext{}, ErrNotFound
	}
	if err != nil {
		return CustomerContext{}, fmt.Errorf("customer history: %w", err)
	}
	return CustomerContext{
		ConversationCount: count,
		LastContactAt:     dbpkg.TimeOrZero(lastContact),
		LifecycleStage:    LifecycleStage(stage),
	}, nil
}

// GetOrCreateActiveConversation returns the customer's single non-closed
// conversation on the platform, creating one when none exists. The partial
// unique index makes concurrent creation race-safe; reuse touches
// updated_at.
func (s *Store) GetOrCreateActiveConversation(ctx context.Context, customerID, userID string, platform channel.Platform) (Conversation, error) {
	pgCustomerID, err := dbpkg.ParseUUID(customerID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid customer id: %w", err)
	}
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid user id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id, customer_id, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (customer_id, platform) WHERE status <> 'closed' DO UPDATE
		SET updated_at = now()
		RETURNING `+conversationColumns,
		pgUserID, pgCustomerID, string(platform))
	return scanConversation(row)
}

// GetConversation returns one conversation scoped to its tenant.
func (s *Store) GetConversation(ctx context.Context, userID, id string) (Conversation, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid user id: %w", err)
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND user_id = $2`, pgID, pgUserID)
	return scanConversation(row)
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Status   ConversationStatus
	Platform channel.Platform
	Limit    int
}

// ListConversations returns a tenant's conversations, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]Conversation, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR platform = $3)
		ORDER BY updated_at DESC
		LIMIT $4`,
		pgUserID, string(filter.Status), string(filter.Platform), limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// UpdateConversationStatus applies an explicit agent transition. Invalid
// transitions, including any attempt to leave escalated without agent
// authority, are rejected.
func (s *Store) UpdateConversationStatus(ctx context.Context, userID, id string, to ConversationStatus) (Conversation, error) {
	current, err := s.GetConversation(ctx, userID, id)
	if err != nil {
		return Conversation{}, err
	}
	if !ValidTransition(current.Status, to, true) {
		return Conversation{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, to)
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+conversationColumns,
		pgID, string(to), string(current.Status))
	conv, err := scanConversation(row)
	if errors.Is(err, ErrNotFound) {
		// Lost the optimistic race; re-read and report the conflict.
		return Conversation{}, fmt.Errorf("conversation status changed concurrently")
	}
	return conv, err
}

// ApplyClassification folds a message's classification into its
// conversation. The last_message_at guard keeps an older racing message from
// overwriting a newer one's result, and priority only ever rises here.
func (s *Store) ApplyClassification(ctx context.Context, conversationID string, messageAt time.Time, c Classification) error {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET
		    category = $2,
		    priority = CASE WHEN COALESCE(array_position(`+priorityOrder+`, $3::text), 0) >
		                         COALESCE(array_position(`+priorityOrder+`, priority), 0)
		               THEN $3 ELSE priority END,
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'closed'
		  AND (last_message_at IS NULL OR last_message_at <= $4)`,
		pgID, string(c.Category), string(c.Priority), dbpkg.Timestamptz(messageAt))
	if err != nil {
		return fmt.Errorf("apply classification: %w", err)
	}
	return nil
}

// ApplyRuleActions applies a matched routing rule's actions. Rule overrides
// are explicit tenant configuration, so they set priority and category
// directly rather than monotonically.
func (s *Store) ApplyRuleActions(ctx context.Context, conversationID string, setPriority Priority, setCategory Category, teamID, agentID string) error {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	pgTeam := optionalUUID(teamID)
	pgAgent := optionalUUID(agentID)
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET
		    priority = COALESCE(NULLIF($2, ''), priority),
		    category = COALESCE(NULLIF($3, ''), category),
		    assigned_team_id = COALESCE($4, assigned_team_id),
		    assigned_agent_id = COALESCE($5, assigned_agent_id),
		    updated_at = now()
		WHERE id = $1 AND status <> 'closed'`,
		pgID, string(setPriority), string(setCategory), pgTeam, pgAgent)
	if err != nil {
		return fmt.Errorf("apply rule actions: %w", err)
	}
	return nil
}

// Escalate moves an open conversation to escalated and adds the escalated
// tag exactly once. Returns whether the transition happened; an already
// escalated conversation reports false without duplicating the tag.
func (s *Store) Escalate(ctx context.Context, conversationID string) (bool, error) {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return false, fmt.Errorf("invalid conversation id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
		    status = 'escalated',
		    tags = CASE WHEN 'escalated' = ANY(tags) THEN tags
		                ELSE array_append(tags, 'escalated') END,
		    updated_at = now()
		WHERE id = $1 AND status = 'open'`,
		pgID)
	if err != nil {
		return false, fmt.Errorf("escalate conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// StoreMessage persists a message, deduplicating on (tenant, platform,
// platform message id) when the platform id is present. The bool reports
// whether a new row was created; webhook redelivery returns the original
// row. Direction is derived from the sender type, and the conversation's
// last_message_at high-water mark moves forward only.
func (s *Store) StoreMessage(ctx context.Context, input StoreMessageInput) (Message, bool, error) {
	pgConversationID, err := dbpkg.ParseUUID(input.ConversationID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid conversation id: %w", err)
	}
	pgCustomerID, err := dbpkg.ParseUUID(input.CustomerID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid customer id: %w", err)
	}
	pgUserID, err := dbpkg.ParseUUID(input.UserID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid user id: %w", err)
	}

	direction := channel.DirectionFor(input.SenderType)
	status := channel.DeliverySent
	if direction == channel.DirectionInbound {
		status = channel.DeliveryDelivered
	}
	messageType := input.MessageType
	if messageType == "" {
		messageType = channel.MessageTypeText
	}

	var classification []byte
	if input.Classification != nil {
		classification, err = json.Marshal(input.Classification)
		if err != nil {
			return Message{}, false, fmt.Errorf("encode classification: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, customer_id, user_id, sender_type, content,
		    message_type, media_url, direction, platform, platform_message_id,
		    classification, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, now()))
		ON CONFLICT (user_id, platform, platform_message_id) WHERE platform_message_id IS NOT NULL
		DO NOTHING
		RETURNING `+messageColumns,
		pgConversationID, pgCustomerID, pgUserID, string(input.SenderType), input.Content,
		string(messageType), input.MediaURL, string(direction), string(input.Platform),
		dbpkg.TextOrNull(input.PlatformMessageID), classification, string(status),
		dbpkg.Timestamptz(input.SentAt))

	msg, err := scanMessage(row)
	switch {
	case err == nil:
		if err := s.touchConversation(ctx, pgConversationID, msg.CreatedAt); err != nil {
			s.logger.Warn("bump conversation last_message_at",
				slog.String("conversation_id", input.ConversationID),
				slog.Any("error", err))
		}
		return msg, true, nil
	case errors.Is(err, ErrNotFound) && input.PlatformMessageID != "":
		existing, lookupErr := s.messageByPlatformID(ctx, pgUserID, input.Platform, input.PlatformMessageID)
		if lookupErr != nil {
			return Message{}, false, lookupErr
		}
		return existing, false, nil
	default:
		return Message{}, false, err
	}
}

// UpdateMessageStatus applies a provider delivery-status callback. Status
// only moves forward (sent → delivered → read); failed is terminal and can
// be reached from any non-failed state. Returns whether a row changed.
func (s *Store) UpdateMessageStatus(ctx context.Context, userID string, platform channel.Platform, platformMessageID string, status channel.DeliveryStatus) (bool, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return false, fmt.Errorf("invalid user id: %w", err)
	}
	if platformMessageID == "" {
		return false, errors.New("platform message id is required")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $4, updated_at = now()
		WHERE user_id = $1 AND platform = $2 AND platform_message_id = $3
		  AND status <> 'failed'
		  AND ($4 = 'failed'
		       OR COALESCE(array_position(`+statusOrder+`, $4::text), 0) >
		          COALESCE(array_position(`+statusOrder+`, status), 0))`,
		pgUserID, string(platform), platformMessageID, string(status))
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AttachClassification stamps a stored message with its analysis. The
// message is persisted before classification runs, so this lands in a
// second write.
func (s *Store) AttachClassification(ctx context.Context, messageID string, c Classification) error {
	pgID, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode classification: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET classification = $2, updated_at = now()
		WHERE id = $1`,
		pgID, encoded)
	if err != nil {
		return fmt.Errorf("attach classification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, userID, conversationID string, limit int) ([]Message, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	pgConversationID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation id: %w", err)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND user_id = $2
		ORDER BY created_at
		LIMIT $3`,
		pgConversationID, pgUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CountMessages returns how many messages a conversation holds.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return 0, fmt.Errorf("invalid conversation id: %w", err)
	}
	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`, pgID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *Store) touchConversation(ctx context.Context, conversationID pgtype.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
		    last_message_at = GREATEST(COALESCE(last_message_at, to_timestamp(0)), $2),
		    updated_at = now()
		WHERE id = $1`,
		conversationID, dbpkg.Timestamptz(at))
	return err
}

func (s *Store) messageByPlatformID(ctx context.Context, userID pgtype.UUID, platform channel.Platform, platformMessageID string) (Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE user_id = $1 AND platform = $2 AND platform_message_id = $3`,
		userID, string(platform), platformMessageID)
	return scanMessage(row)
}

func scanCustomer(row pgx.Row) (Customer, error) {
	var (
		id, userID pgtype.UUID
		platform   string
		externalID string
		name       string
		stage      string
		leadScore  int
		tags       []string
		metadata   []byte
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	err := row.Scan(&id, &userID, &platform, &externalID, &name, &stage, &leadScore,
		&tags, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("scan customer: %w", err)
	}
	meta := map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return Customer{}, fmt.Errorf("decode customer metadata: %w", err)
		}
	}
	return Customer{
		ID:             dbpkg.UUIDString(id),
		UserID:         dbpkg.UUIDString(userID),
		Platform:       channel.Platform(platform),
		ExternalID:     externalID,
		DisplayName:    name,
		LifecycleStage: LifecycleStage(stage),
		LeadScore:      leadScore,
		Tags:           tags,
		Metadata:       meta,
		CreatedAt:      dbpkg.TimeOrZero(createdAt),
		UpdatedAt:      dbpkg.TimeOrZero(updatedAt),
	}, nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		id, userID, customerID pgtype.UUID
		platform               string
		status                 string
		priority               string
		category               string
		teamID, agentID        pgtype.UUID
		tags                   []string
		lastMessageAt          pgtype.Timestamptz
		createdAt              pgtype.Timestamptz
		updatedAt              pgtype.Timestamptz
	)
	err := row.Scan(&id, &userID, &customerID, &platform, &status, &priority, &category,
		&teamID, &agentID, &tags, &lastMessageAt, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	return Conversation{
		ID:              dbpkg.UUIDString(id),
		UserID:          dbpkg.UUIDString(userID),
		CustomerID:      dbpkg.UUIDString(customerID),
		Platform:        channel.Platform(platform),
		Status:          ConversationStatus(status),
		Priority:        Priority(priority),
		Category:        Category(category),
		AssignedTeamID:  dbpkg.UUIDString(teamID),
		AssignedAgentID: dbpkg.UUIDString(agentID),
		Tags:            tags,
		LastMessageAt:   dbpkg.TimeOrZero(lastMessageAt),
		CreatedAt:       dbpkg.TimeOrZero(createdAt),
		UpdatedAt:       dbpkg.TimeOrZero(updatedAt),
	}, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		id, conversationID, customerID, userID pgtype.UUID
		senderType                             string
		content                                string
		messageType                            string
		mediaURL                               string
		direction                              string
		platform                               string
		platformMessageID                      pgtype.Text
		classification                         []byte
		status                                 string
		createdAt                              pgtype.Timestamptz
		updatedAt                              pgtype.Timestamptz
	)
	err := row.Scan(&id, &conversationID, &customerID, &userID, &senderType, &content,
		&messageType, &mediaURL, &direction, &platform, &platformMessageID,
		&classification, &status, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}

	var parsed *Classification
	if len(classification) > 0 {
		parsed = &Classification{}
		if err := json.Unmarshal(classification, parsed); err != nil {
			return Message{}, fmt.Errorf("decode classification: %w", err)
		}
	}
	return Message{
		ID:                dbpkg.UUIDString(id),
		ConversationID:    dbpkg.UUIDString(conversationID),
		CustomerID:        dbpkg.UUIDString(customerID),
		UserID:            dbpkg.UUIDString(userID),
		SenderType:        channel.SenderType(senderType),
		Content:           content,
		MessageType:       channel.MessageType(messageType),
		MediaURL:          mediaURL,
		Direction:         channel.Direction(direction),
		Platform:          channel.Platform(platform),
		PlatformMessageID: platformMessageID.String,
		Classification:    parsed,
		Status:            channel.DeliveryStatus(status),
		CreatedAt:         dbpkg.TimeOrZero(createdAt),
		UpdatedAt:         dbpkg.TimeOrZero(updatedAt),
	}, nil
}

func optionalUUID(id string) pgtype.UUID {
	parsed, err := dbpkg.ParseUUID(id)
	if err != nil {
		return pgtype.UUID{}
	}
	return parsed
}
