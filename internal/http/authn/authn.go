// Package authn resolves the session principal and gates API routes.
// The API is JSON only, so unauthenticated and unauthorized requests
// are answered with JSON errors rather than login redirects.
package authn

import (
	"errors"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/open-cnapp/open-cnapp/internal/auth"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

const (
	ContextKeyPrincipal = "auth_principal"

	SessionKeyUserID = "auth_user_id"
)

func PrincipalFromContext(c echo.Context) (auth.Principal, bool) {
	p, ok := c.Get(ContextKeyPrincipal).(auth.Principal)
	return p, ok
}

// LoadPrincipal resolves the session's user against the database. A
// session pointing at a deleted or deactivated user is destroyed and
// treated as signed out, not as an error.
func LoadPrincipal(c echo.Context, sessions *scs.SessionManager, q *store.Queries) (auth.Principal, bool, error) {
	ctx := c.Request().Context()

	userID := sessions.GetInt64(ctx, SessionKeyUserID)
	if userID <= 0 {
		return auth.Principal{}, false, nil
	}

	user, err := q.GetAuthUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_ = sessions.Destroy(ctx)
			return auth.Principal{}, false, nil
		}
		return auth.Principal{}, false, err
	}
	if !user.IsActive {
		_ = sessions.Destroy(ctx)
		return auth.Principal{}, false, nil
	}

	return auth.Principal{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		Method: auth.MethodPassword,
	}, true, nil
}

func RequireAuth(sessions *scs.SessionManager, q *store.Queries) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal, ok, err := LoadPrincipal(c, sessions, q)
			if err != nil {
				return err
			}
			if !ok {
				return renderUnauthorized(c)
			}
			c.Set(ContextKeyPrincipal, principal)
			return next(c)
		}
	}
}

// RequireRole runs after RequireAuth and narrows a route group to one
// role. A missing principal means the middleware ordering is broken and
// is answered like any other unauthenticated request.
func RequireRole(role string) echo.MiddlewareFunc {
	role = strings.ToLower(strings.TrimSpace(role))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c)
			if !ok {
				return renderUnauthorized(c)
			}
			if strings.ToLower(strings.TrimSpace(p.Role)) != role {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			return next(c)
		}
	}
}

func renderUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
