package integrations

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

const integrationColumns = `id, user_id, platform, provider, name, status, config,
	webhook_secret, last_error, last_checked_at, created_at, updated_at`

// Store persists integrations in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates an integration store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("store", "integrations"))}
}

// Upsert creates or replaces an integration keyed by (user, platform, name).
// New and replaced integrations land in pending until activated.
func (s *Store) Upsert(ctx context.Context, input UpsertInput) (Integration, error) {
	userID, err := dbpkg.ParseUUID(input.UserID)
	if err != nil {
		return Integration{}, fmt.Errorf("invalid user id: %w", err)
	}
	cfg, err := json.Marshal(nonNilConfig(input.Config))
	if err != nil {
		return Integration{}, fmt.Errorf("encode config: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO integrations (user_id, platform, provider, name, status, config)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT (user_id, platform, name) DO UPDATE
		SET provider = EXCLUDED.provider,
		    config = EXCLUDED.config,
		    status = 'pending',
		    last_error = '',
		    updated_at = now()
		RETURNING `+integrationColumns,
		userID, string(input.Platform), string(input.Provider), input.Name, cfg)
	return scanIntegration(row)
}

// Activate marks one integration active and deactivates every other
// integration the same tenant has on the same platform. Outbound resolution
// depends on at most one active integration per (user, platform).
func (s *Store) Activate(ctx context.Context, userID, id string) (Integration, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Integration{}, fmt.Errorf("invalid user id: %w", err)
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Integration{}, fmt.Errorf("invalid integration id: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Integration{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE integrations SET status = 'inactive', updated_at = now()
		WHERE user_id = $1 AND status = 'active'
		  AND platform = (SELECT platform FROM integrations WHERE id = $2)
		  AND id <> $2`,
		pgUserID, pgID)
	if err != nil {
		return Integration{}, fmt.Errorf("deactivate siblings: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE integrations SET status = 'active', last_error = '', updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING `+integrationColumns,
		pgID, pgUserID)
	integration, err := scanIntegration(row)
	if err != nil {
		return Integration{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Integration{}, fmt.Errorf("commit: %w", err)
	}
	return integration, nil
}

// SetStatus moves an integration into the given status, recording the error
// text for the error status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, lastError string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid integration id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE integrations SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`,
		pgID, string(status), lastError)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCheck stores the outcome of a connection health check.
func (s *Store) RecordCheck(ctx context.Context, id string, healthy bool, checkErr string, at time.Time) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid integration id: %w", err)
	}
	status := StatusActive
	if !healthy {
		status = StatusError
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE integrations
		SET status = $2, last_error = $3, last_checked_at = $4, updated_at = now()
		WHERE id = $1 AND status IN ('active', 'error')`,
		pgID, string(status), checkErr, dbpkg.Timestamptz(at))
	if err != nil {
		return fmt.Errorf("record check: %w", err)
	}
	return nil
}

// Delete removes an integration. Used for explicit disconnects only.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid integration id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM integrations WHERE id = $1 AND user_id = $2`, pgID, pgUserID)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one integration scoped to its owner.
func (s *Store) Get(ctx context.Context, userID, id string) (Integration, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Integration{}, fmt.Errorf("invalid user id: %w", err)
	}
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Integration{}, fmt.Errorf("invalid integration id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = $1 AND user_id = $2`,
		pgID, pgUserID)
	return scanIntegration(row)
}

// ListByUser returns all of a tenant's integrations, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Integration, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE user_id = $1 ORDER BY created_at DESC`,
		pgUserID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	return collectIntegrations(rows)
}

// ActiveForUserPlatform returns the tenant's single active integration for a
// platform, or ErrNotConfigured.
func (s *Store) ActiveForUserPlatform(ctx context.Context, userID string, platform channel.Platform) (Integration, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Integration{}, fmt.Errorf("invalid user id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE user_id = $1 AND platform = $2 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT 1`,
		pgUserID, string(platform))
	integration, err := scanIntegration(row)
	if errors.Is(err, ErrNotFound) {
		return Integration{}, ErrNotConfigured
	}
	return integration, err
}

// ListActiveForPlatform returns every tenant's active integrations for a
// platform and provider. Inbound resolution scans these for an identity match.
func (s *Store) ListActiveForPlatform(ctx context.Context, platform channel.Platform, provider channel.Provider) ([]Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE platform = $1 AND provider = $2 AND status = 'active'
		ORDER BY created_at`,
		string(platform), string(provider))
	if err != nil {
		return nil, fmt.Errorf("list active integrations: %w", err)
	}
	return collectIntegrations(rows)
}

// ListChecked returns integrations eligible for a connection health check.
func (s *Store) ListChecked(ctx context.Context) ([]Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE status IN ('active', 'error')
		ORDER BY last_checked_at NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("list checked integrations: %w", err)
	}
	return collectIntegrations(rows)
}

func scanIntegration(row pgx.Row) (Integration, error) {
	var (
		id, userID    pgtype.UUID
		platform      string
		provider      string
		name          string
		status        string
		config        []byte
		webhookSecret string
		lastError     string
		lastCheckedAt pgtype.Timestamptz
		createdAt     pgtype.Timestamptz
		updatedAt     pgtype.Timestamptz
	)
	err := row.Scan(&id, &userID, &platform, &provider, &name, &status, &config,
		&webhookSecret, &lastError, &lastCheckedAt, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	if err != nil {
		return Integration{}, fmt.Errorf("scan integration: %w", err)
	}

	cfg := map[string]any{}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return Integration{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return Integration{
		ID:            dbpkg.UUIDString(id),
		UserID:        dbpkg.UUIDString(userID),
		Platform:      channel.Platform(platform),
		Provider:      channel.Provider(provider),
		Name:          name,
		Status:        Status(status),
		Config:        cfg,
		WebhookSecret: webhookSecret,
		LastError:     lastError,
		LastCheckedAt: dbpkg.TimeOrZero(lastCheckedAt),
		CreatedAt:     dbpkg.TimeOrZero(createdAt),
		UpdatedAt:     dbpkg.TimeOrZero(updatedAt),
	}, nil
}

func collectIntegrations(rows pgx.Rows) ([]Integration, error) {
	defer rows.Close()
	var out []Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, integration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integrations: %w", err)
	}
	return out, nil
}

func nonNilConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}
