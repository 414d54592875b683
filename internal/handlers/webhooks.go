package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/gateway"
	"github.com/relaydesk/relaydesk/internal/integrations"
)

// WebhooksHandler receives provider callbacks. Routes here stay outside the
// JWT middleware; each adapter authenticates its own payloads.
type WebhooksHandler struct {
	gateway *gateway.Gateway
	logger  *slog.Logger
}

func NewWebhooksHandler(log *slog.Logger, gw *gateway.Gateway) *WebhooksHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhooksHandler{
		gateway: gw,
		logger:  log.With(slog.String("handler", "webhooks")),
	}
}

func (h *WebhooksHandler) Register(e *echo.Echo) {
	group := e.Group("/webhooks")
	group.GET("/:platform/:provider", h.Receive)
	group.POST("/:platform/:provider", h.Receive)
}

// Receive godoc
// @Summary Receive a provider webhook
// @Description Accept inbound callbacks from a channel provider. Handles both
// @Description subscription challenges and message deliveries.
// @Tags webhooks
// @Param platform path string true "Platform"
// @Param provider path string true "Provider"
// @Success 200 {object} statusResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /webhooks/{platform}/{provider} [post]
func (h *WebhooksHandler) Receive(c echo.Context) error {
	platform, err := channel.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	provider := channel.NormalizeProvider(c.Param("provider"))

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read body")
	}
	req := channel.WebhookRequest{
		Body:        body,
		ContentType: c.Request().Header.Get(echo.HeaderContentType),
		Header:      c.Request().Header,
		Query:       c.Request().URL.Query(),
	}

	// Subscription challenges carry no message and may arrive before any
	// integration is active, so they run before inbound resolution.
	if challenge, ok := h.gateway.VerifyChallenge(c.Request().Context(), platform, provider, req); ok {
		return respondChallenge(c, challenge)
	}
	if c.Request().Method == http.MethodGet {
		// Meta-style GET verification is the only GET traffic expected here.
		return echo.NewHTTPError(http.StatusForbidden, "webhook verification failed")
	}

	if err := h.gateway.HandleInbound(c.Request().Context(), platform, provider, req); err != nil {
		switch {
		case errors.Is(err, integrations.ErrNoMatch):
			return echo.NewHTTPError(http.StatusNotFound, integrations.ErrNoMatch.Error())
		case errors.Is(err, integrations.ErrAmbiguousMatch):
			return echo.NewHTTPError(http.StatusForbidden, integrations.ErrAmbiguousMatch.Error())
		case errors.Is(err, gateway.ErrVerificationFailed):
			return echo.NewHTTPError(http.StatusForbidden, gateway.ErrVerificationFailed.Error())
		}
		h.logger.Error("inbound webhook failed",
			slog.String("platform", string(platform)),
			slog.String("provider", string(provider)),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed")
	}
	return c.JSON(http.StatusOK, okResponse)
}

// respondChallenge echoes an adapter-built challenge body. Adapters encode
// the body themselves, so the content type is sniffed rather than assumed.
func respondChallenge(c echo.Context, challenge string) error {
	if strings.HasPrefix(strings.TrimSpace(challenge), "{") {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(challenge))
	}
	return c.String(http.StatusOK, challenge)
}
