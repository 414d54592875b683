package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// ChannelsHandler serves read-only platform metadata for building
// integration forms.
type ChannelsHandler struct {
	registry *channel.Registry
	// publicBaseURL is the externally reachable origin webhooks should be
	// pointed at, e.g. https://gateway.example.com.
	publicBaseURL string
}

func NewChannelsHandler(registry *channel.Registry, publicBaseURL string) *ChannelsHandler {
	return &ChannelsHandler{
		registry:      registry,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

func (h *ChannelsHandler) Register(e *echo.Echo) {
	group := e.Group("/channels")
	group.GET("", h.ListChannels)
	group.GET("/:platform", h.GetChannel)
}

type ChannelMeta struct {
	Platform     string               `json:"platform"`
	Provider     string               `json:"provider"`
	DisplayName  string               `json:"display_name"`
	ComingSoon   bool                 `json:"coming_soon,omitempty"`
	WebhookURL   string               `json:"webhook_url,omitempty"`
	ConfigSchema channel.ConfigSchema `json:"config_schema"`
}

// ListChannels godoc
// @Summary List supported channels
// @Description List every platform/provider pair with its config schema and webhook endpoint
// @Tags channels
// @Success 200 {array} ChannelMeta
// @Failure 500 {object} ErrorResponse
// @Router /channels [get]
func (h *ChannelsHandler) ListChannels(c echo.Context) error {
	descs := h.registry.Descriptors()
	items := make([]ChannelMeta, 0, len(descs))
	for _, desc := range descs {
		items = append(items, h.meta(desc))
	}
	return c.JSON(http.StatusOK, items)
}

// GetChannel godoc
// @Summary List one platform's channels
// @Description List the providers available for a single platform
// @Tags channels
// @Param platform path string true "Platform"
// @Success 200 {array} ChannelMeta
// @Failure 404 {object} ErrorResponse
// @Router /channels/{platform} [get]
func (h *ChannelsHandler) GetChannel(c echo.Context) error {
	platform, err := channel.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	adapters := h.registry.ForPlatform(platform)
	if len(adapters) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no adapters registered for platform")
	}
	items := make([]ChannelMeta, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, h.meta(a.Descriptor()))
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ChannelsHandler) meta(desc channel.Descriptor) ChannelMeta {
	meta := ChannelMeta{
		Platform:     string(desc.Platform),
		Provider:     string(desc.Provider),
		DisplayName:  desc.DisplayName,
		ComingSoon:   desc.ComingSoon,
		ConfigSchema: desc.ConfigSchema,
	}
	if h.publicBaseURL != "" {
		meta.WebhookURL = h.publicBaseURL + "/webhooks/" + meta.Platform + "/" + meta.Provider
	}
	return meta
}
