package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonate/types"
)

const userColumns = `id, email, username, display_name, profile_pic_url, provider_identifier,
	is_admin, is_staff, last_login, created_at, modified_at, deleted_at`

// CreateUser inserts a user. A nil ID is replaced with a new one.
func (d *Database) CreateUser(ctx context.Context, user *types.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.ModifiedAt = now

	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO users (id, email, username, display_name, profile_pic_url, provider_identifier,
			is_admin, is_staff, last_login, created_at, modified_at, deleted_at)
		VALUES (:id, :email, :username, :display_name, :profile_pic_url, :provider_identifier,
			:is_admin, :is_staff, :last_login, :created_at, :modified_at, :deleted_at)`, user)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

// CreateOrUpdateUserFromClaim upserts the user identified by the claims'
// provider identifier. created reports whether a new row was inserted.
func (d *Database) CreateOrUpdateUserFromClaim(ctx context.Context, claims *types.OIDCClaims) (user *types.User, created bool, err error) {
	var fromClaim types.User
	fromClaim.FromClaim(claims)

	var existing types.User
	err = d.db.GetContext(ctx, &existing,
		`SELECT `+userColumns+` FROM users WHERE provider_identifier = ?`,
		fromClaim.ProviderIdentifier)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := d.CreateUser(ctx, &fromClaim); err != nil {
			return nil, false, err
		}
		return &fromClaim, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("looking up user by provider identifier: %w", err)
	}

	existing.FromClaim(claims)
	existing.ModifiedAt = time.Now().UTC()
	_, err = d.db.NamedExecContext(ctx, `
		UPDATE users SET email = :email, username = :username, display_name = :display_name,
			profile_pic_url = :profile_pic_url, modified_at = :modified_at
		WHERE id = :id`, &existing)
	if err != nil {
		return nil, false, fmt.Errorf("updating user from claim: %w", err)
	}
	return &existing, false, nil
}

// UpdateLastLogin stamps the user's last login time.
func (d *Database) UpdateLastLogin(ctx context.Context, userID uuid.UUID) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// GetUserByID returns the user, or types.ErrNotFound.
func (d *Database) GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error) {
	var user types.User
	err := d.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail returns the active user with the given email.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var user types.User
	err := d.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users WHERE email = ? AND deleted_at IS NULL ORDER BY created_at LIMIT 1`,
		email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return &user, nil
}

// GetUsersByIDs returns the users with the given ids ordered by username.
// Unknown ids are skipped.
func (d *Database) GetUsersByIDs(ctx context.Context, ids []uuid.UUID) ([]types.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE id IN (?) ORDER BY username, id`, strIDs)
	if err != nil {
		return nil, fmt.Errorf("building user id query: %w", err)
	}

	var users []types.User
	if err := d.db.SelectContext(ctx, &users, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("getting users by ids: %w", err)
	}
	return users, nil
}

// SetUserRoles updates the admin and staff flags of a user.
func (d *Database) SetUserRoles(ctx context.Context, userID uuid.UUID, isAdmin, isStaff bool) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE users SET is_admin = ?, is_staff = ?, modified_at = ? WHERE id = ?`,
		isAdmin, isStaff, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("setting user roles: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
	}
	return nil
}

// ListImpersonableUsers returns one page of active users matching q,
// ordered by username, and the total number of matches.
func (d *Database) ListImpersonableUsers(ctx context.Context, q types.UserQuery) ([]types.User, int, error) {
	where := []string{"deleted_at IS NULL"}
	var args []interface{}

	if s := strings.TrimSpace(q.Search); s != "" {
		where = append(where, "(username LIKE ? ESCAPE '\\' OR email LIKE ? ESCAPE '\\' OR display_name LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(s) + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if q.ExcludeAdmins {
		where = append(where, "is_admin = 0")
	}
	if q.ExcludeStaff {
		where = append(where, "is_staff = 0")
	}
	for _, id := range q.ExcludeIDs {
		where = append(where, "id != ?")
		args = append(args, id.String())
	}

	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := d.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM users`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("counting impersonable users: %w", err)
	}

	query := `SELECT ` + userColumns + ` FROM users` + clause + ` ORDER BY username, id`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	}

	var users []types.User
	if err := d.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing impersonable users: %w", err)
	}
	return users, total, nil
}

// ListUsers returns every active user ordered by username.
func (d *Database) ListUsers(ctx context.Context) ([]types.User, error) {
	users, _, err := d.ListImpersonableUsers(ctx, types.UserQuery{})
	return users, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
