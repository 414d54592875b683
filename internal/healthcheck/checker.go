package healthcheck

import "context"

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
	// StatusUnknown indicates check result is not yet known.
	StatusUnknown = "unknown"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Subtitle string         `json:"subtitle,omitempty"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more runtime checks for a tenant.
type Checker interface {
	ListChecks(ctx context.Context, userID string) []CheckResult
}

// Combine runs several checkers and concatenates their results in order.
func Combine(ctx context.Context, userID string, checkers ...Checker) []CheckResult {
	results := []CheckResult{}
	for _, checker := range checkers {
		if checker == nil {
			continue
		}
		results = append(results, checker.ListChecks(ctx, userID)...)
	}
	return results
}
