package handlers

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/realtime"
)

// RealtimeHandler upgrades authenticated clients to the event stream.
type RealtimeHandler struct {
	hub    *realtime.Hub
	logger *slog.Logger
}

func NewRealtimeHandler(log *slog.Logger, hub *realtime.Hub) *RealtimeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RealtimeHandler{
		hub:    hub,
		logger: log.With(slog.String("handler", "realtime")),
	}
}

func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Connect)
}

// Connect godoc
// @Summary Open the realtime event stream
// @Description Upgrade to a websocket that pushes inbox events for the tenant
// @Tags realtime
// @Success 101 "Switching Protocols"
// @Failure 401 {object} ErrorResponse
// @Router /ws [get]
func (h *RealtimeHandler) Connect(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	return h.hub.Serve(c.Response(), c.Request(), userID)
}
