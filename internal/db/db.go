// Package db owns the Postgres connection pool and the pgtype conversion
// helpers shared by the store packages.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/config"
)

// Open connects a pgx pool and verifies the connection with a ping.
func Open(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// ParseUUID converts a string id into a pgtype.UUID.
func ParseUUID(raw string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("parse uuid %q: %w", raw, err)
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

// NewUUID returns a fresh random UUID as a pgtype.UUID.
func NewUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

// UUIDString renders a pgtype.UUID as its canonical string, or "" when null.
func UUIDString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

// Text wraps a string as a non-null pgtype.Text.
func Text(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: true}
}

// TextOrNull wraps a string, mapping empty/whitespace to SQL NULL.
func TextOrNull(value string) pgtype.Text {
	value = strings.TrimSpace(value)
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

// Timestamptz wraps a time, mapping the zero value to SQL NULL.
func Timestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// TimeOrZero unwraps a nullable timestamp.
func TimeOrZero(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time
}
