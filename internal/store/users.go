package store

import (
	"context"
	"time"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

type AuthUser struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const authUserColumns = `id, email, password_hash, role, is_active, created_at, updated_at`

type CreateAuthUserParams struct {
	Email        string
	PasswordHash string
	Role         string
}

const createAuthUser = `
INSERT INTO auth_users (email, password_hash, role)
VALUES ($1, $2, $3)
RETURNING ` + authUserColumns

func (q *Queries) CreateAuthUser(ctx context.Context, arg CreateAuthUserParams) (AuthUser, error) {
	row := q.db.QueryRow(ctx, createAuthUser, arg.Email, arg.PasswordHash, arg.Role)
	var u AuthUser
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

const getAuthUserByEmail = `
SELECT ` + authUserColumns + `
FROM auth_users
WHERE email = $1`

func (q *Queries) GetAuthUserByEmail(ctx context.Context, email string) (AuthUser, error) {
	row := q.db.QueryRow(ctx, getAuthUserByEmail, email)
	var u AuthUser
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

const getAuthUserByID = `
SELECT ` + authUserColumns + `
FROM auth_users
WHERE id = $1`

func (q *Queries) GetAuthUserByID(ctx context.Context, id int64) (AuthUser, error) {
	row := q.db.QueryRow(ctx, getAuthUserByID, id)
	var u AuthUser
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

const countAuthUsers = `
SELECT count(*)
FROM auth_users`

func (q *Queries) CountAuthUsers(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countAuthUsers).Scan(&n)
	return n, err
}

const countAuthAdmins = `
SELECT count(*)
FROM auth_users
WHERE role = 'admin' AND is_active`

func (q *Queries) CountAuthAdmins(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countAuthAdmins).Scan(&n)
	return n, err
}

const updateAuthUserPassword = `
UPDATE auth_users
SET password_hash = $2, updated_at = now()
WHERE id = $1`

func (q *Queries) UpdateAuthUserPassword(ctx context.Context, id int64, passwordHash string) error {
	_, err := q.db.Exec(ctx, updateAuthUserPassword, id, passwordHash)
	return err
}
