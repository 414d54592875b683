package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/healthcheck"
	"github.com/relaydesk/relaydesk/internal/integrations"
)

const (
	checkTypeChannelConnection = "channel.connection"
	titleChannelConnection     = "Channel connection"
)

// IntegrationSource reads a tenant's integrations with their recorded check
// state.
type IntegrationSource interface {
	ListByUser(ctx context.Context, userID string) ([]integrations.Integration, error)
}

// Checker evaluates channel connection health from the most recent recorded
// connectivity checks.
type Checker struct {
	logger *slog.Logger
	source IntegrationSource
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, source IntegrationSource) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_channel")),
		source: source,
	}
}

// ListChecks evaluates channel connection statuses for a tenant.
func (c *Checker) ListChecks(ctx context.Context, userID string) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []healthcheck.CheckResult{}
	}
	if c.source == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable",
			slog.String("user_id", userID))
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelConnection + ".service",
				Type:    checkTypeChannelConnection,
				Title:   titleChannelConnection,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel checker service is not available.",
				Detail:  "integration source is nil",
			},
		}
	}

	items, err := c.source.ListByUser(ctx, userID)
	if err != nil {
		c.logger.Warn("channel healthcheck list integrations failed",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelConnection + ".list",
				Type:    checkTypeChannelConnection,
				Title:   titleChannelConnection,
				Status:  healthcheck.StatusError,
				Summary: "Failed to list channel integrations.",
				Detail:  err.Error(),
			},
		}
	}
	if len(items) == 0 {
		return []healthcheck.CheckResult{}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Platform == items[j].Platform {
			return items[i].Name < items[j].Name
		}
		return items[i].Platform < items[j].Platform
	})

	checks := make([]healthcheck.CheckResult, 0, len(items))
	for _, item := range items {
		checks = append(checks, checkFor(item))
	}
	return checks
}

func checkFor(item integrations.Integration) healthcheck.CheckResult {
	platform := strings.TrimSpace(item.Platform.String())
	if platform == "" {
		platform = "unknown"
	}
	check := healthcheck.CheckResult{
		ID:       checkTypeChannelConnection + "." + item.ID,
		Type:     checkTypeChannelConnection,
		Title:    titleChannelConnection,
		Subtitle: buildSubtitle(platform, item.Name),
		Metadata: map[string]any{
			"integration_id": item.ID,
			"platform":       platform,
			"provider":       item.Provider.String(),
		},
	}
	if !item.LastCheckedAt.IsZero() {
		check.Metadata["last_checked_at"] = item.LastCheckedAt.UTC().Format(time.RFC3339)
	}

	switch item.Status {
	case integrations.StatusActive:
		check.Status = healthcheck.StatusOK
		check.Summary = fmt.Sprintf("Channel %s is connected.", platform)
	case integrations.StatusError:
		check.Status = healthcheck.StatusError
		check.Summary = fmt.Sprintf("Channel %s connection failed.", platform)
		check.Detail = strings.TrimSpace(item.LastError)
	case integrations.StatusPending:
		check.Status = healthcheck.StatusUnknown
		check.Summary = fmt.Sprintf("Channel %s has not been checked yet.", platform)
	default:
		check.Status = healthcheck.StatusWarn
		check.Summary = fmt.Sprintf("Channel %s is deactivated.", platform)
	}
	return check
}

func buildSubtitle(platform, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return platform
	}
	return platform + " (" + name + ")"
}
