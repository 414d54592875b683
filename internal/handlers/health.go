package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/healthcheck"
)

// ChecksHandler reports per-tenant runtime checks.
type ChecksHandler struct {
	checkers []healthcheck.Checker
	logger   *slog.Logger
}

func NewChecksHandler(log *slog.Logger, checkers ...healthcheck.Checker) *ChecksHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChecksHandler{
		checkers: checkers,
		logger:   log.With(slog.String("handler", "health")),
	}
}

func (h *ChecksHandler) Register(e *echo.Echo) {
	e.GET("/health/checks", h.ListChecks)
}

type listChecksResponse struct {
	Items []healthcheck.CheckResult `json:"items"`
}

// ListChecks godoc
// @Summary List runtime checks
// @Description Run connectivity checks for the database and every configured channel
// @Tags health
// @Success 200 {object} listChecksResponse
// @Failure 401 {object} ErrorResponse
// @Router /health/checks [get]
func (h *ChecksHandler) ListChecks(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	items := healthcheck.Combine(c.Request().Context(), userID, h.checkers...)
	return c.JSON(http.StatusOK, listChecksResponse{Items: items})
}
