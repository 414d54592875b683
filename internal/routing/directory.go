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
)

// ErrDirectoryNotFound reports a team or agent name that resolves to nothing.
var ErrDirectoryNotFound = errors.New("no team or agent with that name")

// Team groups agents for rule assignment.
type Team struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is an assignable support person.
type Agent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TeamID    string    `json:"team_id,omitempty"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory resolves rule assignment names to team and agent ids.
type Directory struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewDirectory creates a directory store.
func NewDirectory(log *slog.Logger, pool *pgxpool.Pool) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{pool: pool, logger: log.With(slog.String("store", "directory"))}
}

// EnsureTeam returns the named team, creating it when missing.
func (d *Directory) EnsureTeam(ctx context.Context, userID, name string) (Team, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Team{}, fmt.Errorf("invalid user id: %w", err)
	}
	row := d.pool.QueryRow(ctx, `
		INSERT INTO teams (user_id, name) VALUES ($1, $2)
		ON CONFLICT (user_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, user_id, name, created_at`,
		pgUserID, name)
	return scanTeam(row)
}

// EnsureAgent returns the named agent, creating it when missing.
func (d *Directory) EnsureAgent(ctx context.Context, userID, name, email, teamID string) (Agent, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Agent{}, fmt.Errorf("invalid user id: %w", err)
	}
	var pgTeamID pgtype.UUID
	if teamID != "" {
		pgTeamID, err = dbpkg.ParseUUID(teamID)
		if err != nil {
			return Agent{}, fmt.Errorf("invalid team id: %w", err)
		}
	}
	row := d.pool.QueryRow(ctx, `
		INSERT INTO agents (user_id, name, email, team_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, name) DO UPDATE
		SET email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE agents.email END,
		    team_id = COALESCE(EXCLUDED.team_id, agents.team_id)
		RETURNING id, user_id, team_id, name, email, created_at`,
		pgUserID, name, email, pgTeamID)
	return scanAgent(row)
}

// TeamIDByName resolves a team name within a tenant, case-insensitively.
func (d *Directory) TeamIDByName(ctx context.Context, userID, name string) (string, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return "", fmt.Errorf("invalid user id: %w", err)
	}
	var id pgtype.UUID
	err = d.pool.QueryRow(ctx,
		`SELECT id FROM teams WHERE user_id = $1 AND lower(name) = lower($2)`,
		pgUserID, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrDirectoryNotFound
	}
	if err != nil {
		return "", fmt.Errorf("team by name: %w", err)
	}
	return dbpkg.UUIDString(id), nil
}

// AgentIDByName resolves an agent name within a tenant, case-insensitively.
func (d *Directory) AgentIDByName(ctx context.Context, userID, name string) (string, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return "", fmt.Errorf("invalid user id: %w", err)
	}
	var id pgtype.UUID
	err = d.pool.QueryRow(ctx,
		`SELECT id FROM agents WHERE user_id = $1 AND lower(name) = lower($2)`,
		pgUserID, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrDirectoryNotFound
	}
	if err != nil {
		return "", fmt.Errorf("agent by name: %w", err)
	}
	return dbpkg.UUIDString(id), nil
}

// ListTeams returns a tenant's teams.
func (d *Directory) ListTeams(ctx context.Context, userID string) ([]Team, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	rows, err := d.pool.Query(ctx,
		`SELECT id, user_id, name, created_at FROM teams WHERE user_id = $1 ORDER BY name`, pgUserID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, team)
	}
	return out, rows.Err()
}

// ListAgents returns a tenant's agents.
func (d *Directory) ListAgents(ctx context.Context, userID string) ([]Agent, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	rows, err := d.pool.Query(ctx,
		`SELECT id, user_id, team_id, name, email, created_at FROM agents WHERE user_id = $1 ORDER BY name`, pgUserID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func scanTeam(row pgx.Row) (Team, error) {
	var (
		id, userID pgtype.UUID
		name       string
		createdAt  pgtype.Timestamptz
	)
	if err := row.Scan(&id, &userID, &name, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Team{}, ErrDirectoryNotFound
		}
		return Team{}, fmt.Errorf("scan team: %w", err)
	}
	return Team{
		ID:        dbpkg.UUIDString(id),
		UserID:    dbpkg.UUIDString(userID),
		Name:      name,
		CreatedAt: dbpkg.TimeOrZero(createdAt),
	}, nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var (
		id, userID, teamID pgtype.UUID
		name, email        string
		createdAt          pgtype.Timestamptz
	)
	if err := row.Scan(&id, &userID, &teamID, &name, &email, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrDirectoryNotFound
		}
		return Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	return Agent{
		ID:        dbpkg.UUIDString(id),
		UserID:    dbpkg.UUIDString(userID),
		TeamID:    dbpkg.UUIDString(teamID),
		Name:      name,
		Email:     email,
		CreatedAt: dbpkg.TimeOrZero(createdAt),
	}, nil
}
