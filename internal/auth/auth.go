package auth

import (
	"errors"
	"strings"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	MethodPassword = "password"
)

// ErrInvalidCredentials covers every login rejection: unknown email,
// inactive user, or password mismatch. Callers must not distinguish
// them to avoid leaking which accounts exist.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Principal struct {
	UserID int64
	Email  string
	Role   string // "admin" or "viewer"
	Method string // "password" now; "oidc" later
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
