package impersonate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/juanfont/impersonate/types"
)

// Policy errors. All of them wrap types.ErrForbidden.
var (
	ErrNotAllowed        = errors.New("user may not impersonate")
	ErrSelfImpersonation = errors.New("cannot impersonate yourself")
	ErrTargetInactive    = errors.New("target user is inactive")
	ErrTargetSuperuser   = errors.New("cannot impersonate admin users")
	ErrTargetStaff       = errors.New("only admins may impersonate staff members")
)

// Policy decides who may impersonate whom.
type Policy struct {
	// RequireSuperuser restricts impersonation to admins.
	RequireSuperuser bool
	// AllowSuperuser lets admins impersonate other admins.
	AllowSuperuser bool
}

// CanImpersonate reports whether actor may impersonate anyone at all.
func (p Policy) CanImpersonate(actor *types.User) bool {
	if actor == nil || !actor.IsActive() {
		return false
	}
	if actor.IsAdmin {
		return true
	}
	return actor.IsStaff && !p.RequireSuperuser
}

// CheckTarget returns nil if actor may impersonate target.
func (p Policy) CheckTarget(actor, target *types.User) error {
	if !p.CanImpersonate(actor) {
		return forbidden(ErrNotAllowed)
	}
	if target.ID == actor.ID {
		return forbidden(ErrSelfImpersonation)
	}
	if !target.IsActive() {
		return forbidden(ErrTargetInactive)
	}
	if target.IsAdmin && !(actor.IsAdmin && p.AllowSuperuser) {
		return forbidden(ErrTargetSuperuser)
	}
	if target.IsStaff && !actor.IsAdmin {
		return forbidden(ErrTargetStaff)
	}
	return nil
}

// ImpersonableQuery returns the query selecting the users actor may
// impersonate, narrowed by search. It matches the rules of CheckTarget.
func (p Policy) ImpersonableQuery(actor *types.User, search string) types.UserQuery {
	return types.UserQuery{
		Search:        strings.TrimSpace(search),
		ExcludeIDs:    []uuid.UUID{actor.ID},
		ExcludeAdmins: !(actor.IsAdmin && p.AllowSuperuser),
		ExcludeStaff:  !actor.IsAdmin,
	}
}

func forbidden(err error) error {
	return fmt.Errorf("%w: %w", types.ErrForbidden, err)
}
