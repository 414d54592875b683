// Package accounts manages the tenant users that own integrations and
// conversations. Authentication is email plus password, hashed with bcrypt.
package accounts

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
	"golang.org/x/crypto/bcrypt"

	dbpkg "github.com/relaydesk/relaydesk/internal/db"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned when the password does not match.
	// Lookups by unknown email return it too, so callers cannot tell the
	// two cases apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is a tenant account.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const userColumns = "id, email, display_name, created_at, updated_at"

// Store persists users in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a user store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("store", "accounts"))}
}

// Create inserts a user with a hashed password.
func (s *Store) Create(ctx context.Context, email, password, displayName string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return User{}, fmt.Errorf("email required")
	}
	if password == "" {
		return User{}, fmt.Errorf("password required")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, display_name)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		email, string(hashed), displayName,
	)
	return scanUser(row)
}

// Get fetches a user by id.
func (s *Store) Get(ctx context.Context, id string) (User, error) {
	uid, err := dbpkg.ParseUUID(id)
	if err != nil {
		return User{}, fmt.Errorf("parse user id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, uid)
	return scanUser(row)
}

// Authenticate checks the password for an email and returns the user.
func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`, password_hash FROM users WHERE email = $1`,
		email,
	)
	var (
		id                 pgtype.UUID
		mail, display      string
		createdAt, updated pgtype.Timestamptz
		hash               string
	)
	if err := row.Scan(&id, &mail, &display, &createdAt, &updated, &hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return User{
		ID:          dbpkg.UUIDString(id),
		Email:       mail,
		DisplayName: display,
		CreatedAt:   dbpkg.TimeOrZero(createdAt),
		UpdatedAt:   dbpkg.TimeOrZero(updated),
	}, nil
}

// Count reports how many users exist.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// EnsureAdmin creates the first user from config when the table is empty.
// Subsequent starts are a no-op so a changed config never clobbers a live
// account.
func (s *Store) EnsureAdmin(ctx context.Context, email, password, displayName string) error {
	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return fmt.Errorf("admin email/password required in config")
	}
	if password == "change-your-password-here" {
		s.logger.Warn("admin password uses default placeholder; please update the config")
	}
	user, err := s.Create(ctx, email, password, displayName)
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	s.logger.Info("admin user created", slog.String("email", user.Email))
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		id                 pgtype.UUID
		email, display     string
		createdAt, updated pgtype.Timestamptz
	)
	err := row.Scan(&id, &email, &display, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return User{
		ID:          dbpkg.UUIDString(id),
		Email:       email,
		DisplayName: display,
		CreatedAt:   dbpkg.TimeOrZero(createdAt),
		UpdatedAt:   dbpkg.TimeOrZero(updated),
	}, nil
}
