package databasechecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/healthcheck"
)

const (
	checkTypeDatabase   = "database.connection"
	titleDatabase       = "Database connection"
	defaultCheckTimeout = 5 * time.Second
)

// Pinger verifies database reachability. pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker evaluates database connectivity.
type Checker struct {
	logger  *slog.Logger
	pinger  Pinger
	timeout time.Duration
}

// NewChecker creates a database health checker.
func NewChecker(log *slog.Logger, pinger Pinger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_database")),
		pinger:  pinger,
		timeout: defaultCheckTimeout,
	}
}

// ListChecks pings the database. The result is tenant independent; userID is
// accepted to satisfy the checker contract.
func (c *Checker) ListChecks(ctx context.Context, userID string) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.pinger == nil {
		c.logger.Warn("database healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeDatabase + ".service",
				Type:    checkTypeDatabase,
				Title:   titleDatabase,
				Status:  healthcheck.StatusWarn,
				Summary: "Database checker service is not available.",
				Detail:  "pinger is nil",
			},
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	check := healthcheck.CheckResult{
		ID:    checkTypeDatabase + ".primary",
		Type:  checkTypeDatabase,
		Title: titleDatabase,
	}
	if err := c.pinger.Ping(probeCtx); err != nil {
		c.logger.Warn("database healthcheck ping failed", slog.Any("error", err))
		check.Status = healthcheck.StatusError
		check.Summary = "Database is not reachable."
		check.Detail = err.Error()
		return []healthcheck.CheckResult{check}
	}
	check.Status = healthcheck.StatusOK
	check.Summary = "Database is reachable."
	return []healthcheck.CheckResult{check}
}

var _ healthcheck.Checker = (*Checker)(nil)
