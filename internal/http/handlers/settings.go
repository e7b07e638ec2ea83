package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/open-cnapp/open-cnapp/internal/http/authn"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

type settingsResponse struct {
	CompositeAlertMinSeverity string `json:"composite_alert_min_severity"`
}

func (h *Handlers) HandleSettingsGet(c echo.Context) error {
	p, ok := authn.PrincipalFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}

	settings, err := h.Q.GetUserSettings(c.Request().Context(), p.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusOK, settingsResponse{
				CompositeAlertMinSeverity: store.DefaultCompositeAlertMinSeverity,
			})
		}
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, settingsResponse{
		CompositeAlertMinSeverity: settings.CompositeAlertMinSeverity,
	})
}

func (h *Handlers) HandleSettingsPut(c echo.Context) error {
	p, ok := authn.PrincipalFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}

	var req settingsResponse
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed settings request")
	}
	if !validMinSeverity(req.CompositeAlertMinSeverity) {
		return badRequest(c, "composite_alert_min_severity must be one of Critical, High, Medium, Low, Info")
	}

	settings, err := h.Q.UpsertUserSettings(c.Request().Context(), store.UpsertUserSettingsParams{
		UserID:                    p.UserID,
		CompositeAlertMinSeverity: req.CompositeAlertMinSeverity,
	})
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, settingsResponse{
		CompositeAlertMinSeverity: settings.CompositeAlertMinSeverity,
	})
}

func validMinSeverity(severity string) bool {
	switch severity {
	case "Critical", "High", "Medium", "Low", "Info":
		return true
	}
	return false
}

// compositeMinSeverity resolves the alert page's default severity
// cutoff for a user. Missing settings fall back to the global default;
// lookup failures do too, with a log line, so the page still renders.
func (h *Handlers) compositeMinSeverity(ctx context.Context, userID int64) string {
	settings, err := h.Q.GetUserSettings(ctx, userID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			slog.Warn("user settings lookup failed", "user_id", userID, "err", err)
		}
		return store.DefaultCompositeAlertMinSeverity
	}
	if settings.CompositeAlertMinSeverity == "" {
		return store.DefaultCompositeAlertMinSeverity
	}
	return settings.CompositeAlertMinSeverity
}
