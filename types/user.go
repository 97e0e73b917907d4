// Package types provides the records and request/response bodies shared by
// the impersonate packages.
package types

import (
	"database/sql"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User represents an application user.
type User struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	Email              string         `db:"email" json:"email"`
	Username           string         `db:"username" json:"username"`
	DisplayName        string         `db:"display_name" json:"display_name"`
	ProfilePicURL      string         `db:"profile_pic_url" json:"profile_pic_url"`
	ProviderIdentifier sql.NullString `db:"provider_identifier" json:"-"`
	IsAdmin            bool           `db:"is_admin" json:"is_admin"`
	IsStaff            bool           `db:"is_staff" json:"is_staff"`
	LastLogin          *time.Time     `db:"last_login" json:"last_login,omitempty"`

	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	ModifiedAt time.Time    `db:"modified_at" json:"modified_at"`
	DeletedAt  sql.NullTime `db:"deleted_at" json:"deleted_at,omitempty"`
}

// SessionResponse represents the response from the session check API.
type SessionResponse struct {
	Authenticated bool                `json:"authenticated"`
	User          *User               `json:"user,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Impersonation *ImpersonationState `json:"impersonation,omitempty"`
}

// FromClaim updates a User from OIDC claims.
// All fields will be updated, except for the ID and the role flags.
func (u *User) FromClaim(claims *OIDCClaims) {
	if claims.EmailVerified {
		if _, err := mail.ParseAddress(claims.Email); err == nil {
			u.Email = claims.Email
		}
	}

	u.Username = claims.Username
	if u.Username == "" && u.Email != "" {
		u.Username, _, _ = strings.Cut(u.Email, "@")
	}
	if u.Username == "" {
		u.Username = claims.Sub
	}

	identifier := claims.Identifier()
	// Keep a leading slash for issuer-less identifiers.
	if claims.Iss == "" && !strings.HasPrefix(identifier, "/") {
		identifier = "/" + identifier
	}
	u.ProviderIdentifier = sql.NullString{String: identifier, Valid: true}
	u.DisplayName = claims.Name
	u.ProfilePicURL = claims.ProfilePictureURL
}

// FriendlyName returns the full name if there is one, else the username.
// Users with neither fall back to their email.
func (u *User) FriendlyName() string {
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// IsActive returns true if the user is not soft-deleted.
func (u *User) IsActive() bool {
	return !u.DeletedAt.Valid
}

// IsStaffMember reports whether the user may use the admin API.
func (u *User) IsStaffMember() bool {
	return u.IsAdmin || u.IsStaff
}

// UserQuery selects users for listings such as the impostor list.
type UserQuery struct {
	Search        string
	ExcludeIDs    []uuid.UUID
	ExcludeAdmins bool
	ExcludeStaff  bool
	Limit         int
	Offset        int
}
