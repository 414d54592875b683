package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/gateway"
	"github.com/relaydesk/relaydesk/internal/inbox"
	"github.com/relaydesk/relaydesk/internal/integrations"
)

// MessagesHandler sends outbound messages through the gateway.
type MessagesHandler struct {
	gateway *gateway.Gateway
	logger  *slog.Logger
}

func NewMessagesHandler(log *slog.Logger, gw *gateway.Gateway) *MessagesHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessagesHandler{
		gateway: gw,
		logger:  log.With(slog.String("handler", "messages")),
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	e.POST("/messages/send", h.SendMessage)
}

// SendMessage godoc
// @Summary Send a message
// @Description Deliver a message through the platform's active integration; with a conversation_id the message is also recorded
// @Tags messages
// @Param payload body gateway.SendRequest true "Send payload"
// @Success 200 {object} gateway.SendReceipt
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /messages/send [post]
func (h *MessagesHandler) SendMessage(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req gateway.SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	receipt, err := h.gateway.SendMessage(c.Request().Context(), userID, req)
	if err != nil {
		// The provider accepted the message but recording it failed. A retry
		// would deliver it twice, so the caller sees the successful receipt.
		if receipt.ProviderMessageID != "" {
			h.logger.Error("sent message not recorded",
				slog.String("user_id", userID),
				slog.String("provider_message_id", receipt.ProviderMessageID),
				slog.Any("error", err))
			return c.JSON(http.StatusOK, receipt)
		}
		switch {
		case errors.Is(err, integrations.ErrNotConfigured):
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("connect %s first", req.Platform))
		case errors.Is(err, inbox.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		case errors.Is(err, gateway.ErrSendFailed):
			h.logger.Error("message delivery failed",
				slog.String("user_id", userID),
				slog.String("platform", req.Platform),
				slog.Any("error", err))
			return echo.NewHTTPError(http.StatusBadGateway, "message delivery failed")
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return c.JSON(http.StatusOK, receipt)
}
