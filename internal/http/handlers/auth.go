package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/open-cnapp/open-cnapp/internal/auth"
	"github.com/open-cnapp/open-cnapp/internal/auth/providers"
	"github.com/open-cnapp/open-cnapp/internal/http/authn"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	IsAdmin bool   `json:"is_admin"`
}

func (h *Handlers) HandleLoginPost(c echo.Context) error {
	if h.Sessions == nil {
		return errors.New("auth sessions not configured")
	}
	ctx := c.Request().Context()

	count, err := h.Q.CountAuthUsers(ctx)
	if err != nil {
		return h.RenderError(c, err)
	}
	if count == 0 {
		return conflict(c, "no users exist yet; create one with `open-cnapp users bootstrap-admin`")
	}

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed login request")
	}
	email := auth.NormalizeEmail(req.Email)
	if email == "" || strings.TrimSpace(req.Password) == "" {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid email or password"})
	}

	provider := providers.NewPasswordProvider(h.Q)
	principal, err := provider.Authenticate(ctx, email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid email or password"})
		}
		return h.RenderError(c, err)
	}

	// Rotate the session id so a pre-login session cannot be replayed
	// as an authenticated one.
	if err := h.Sessions.RenewToken(ctx); err != nil {
		return h.RenderError(c, err)
	}
	h.Sessions.Put(ctx, authn.SessionKeyUserID, principal.UserID)

	return c.JSON(http.StatusOK, userResponse{
		Email:   principal.Email,
		Role:    principal.Role,
		IsAdmin: principal.IsAdmin(),
	})
}

func (h *Handlers) HandleLogoutPost(c echo.Context) error {
	if h.Sessions == nil {
		return errors.New("auth sessions not configured")
	}
	if err := h.Sessions.Destroy(c.Request().Context()); err != nil {
		return h.RenderError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) HandleMe(c echo.Context) error {
	p, ok := authn.PrincipalFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}
	return c.JSON(http.StatusOK, userResponse{
		Email:   p.Email,
		Role:    p.Role,
		IsAdmin: p.IsAdmin(),
	})
}
