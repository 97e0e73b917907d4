// Package admin provides the JSON admin API: admin mode, impersonation
// start and stop, the impersonation log listing and the impostor listing.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonate/auth"
	"github.com/juanfont/impersonate/impersonate"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// Store is the persistence the admin API reads from.
type Store interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error)
	GetUsersByIDs(ctx context.Context, ids []uuid.UUID) ([]types.User, error)
	ListImpersonableUsers(ctx context.Context, q types.UserQuery) ([]types.User, int, error)
	GetImpersonationLog(ctx context.Context, id int64) (*types.ImpersonationLog, error)
	ListImpersonationLogs(ctx context.Context, filter types.ImpersonationLogFilter, limit, offset int) ([]types.ImpersonationLog, int, error)
	DistinctImpersonatorIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Options tunes the admin API.
type Options struct {
	AdminModeTimeout time.Duration
	// PageSize is the number of rows per listing page.
	PageSize int
	// MaxFilterSize hides the impersonator filter above this many
	// impersonators. Zero hides it once anyone has impersonated; negative
	// means DefaultMaxFilterSize.
	MaxFilterSize int
	// Location is the time zone of the started-at date filter.
	Location *time.Location
}

// Defaults.
const (
	DefaultPageSize      = 20
	DefaultMaxFilterSize = 100
)

// Handlers provides HTTP handlers for the admin API.
type Handlers struct {
	sessionStore sessions.Store
	cookieName   string
	store        Store
	auditLogger  auth.AuditLogger
	manager      *impersonate.Manager
	opts         Options
	now          func() time.Time
}

// NewHandlers creates new admin handlers.
func NewHandlers(
	sessionStore sessions.Store,
	cookieName string,
	store Store,
	auditLogger auth.AuditLogger,
	manager *impersonate.Manager,
	opts Options,
) *Handlers {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxFilterSize < 0 {
		opts.MaxFilterSize = DefaultMaxFilterSize
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Handlers{
		sessionStore: sessionStore,
		cookieName:   cookieName,
		store:        store,
		auditLogger:  auditLogger,
		manager:      manager,
		opts:         opts,
		now:          time.Now,
	}
}

// AdminModeStatusHandler handles GET /api/admin/mode/status.
func (h *Handlers) AdminModeStatusHandler(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())

	response := types.AdminModeStatusResponse{
		IsStaff: user.IsStaff,
		IsAdmin: user.IsAdmin,
	}

	if user.IsStaffMember() {
		session, err := h.sessionStore.Get(r, h.cookieName)
		if err == nil {
			if adminState, ok := session.Values[auth.SessionKeyAdminMode].(types.AdminModeState); ok {
				if adminState.IsExpiredAt(h.now(), h.opts.AdminModeTimeout) {
					delete(session.Values, auth.SessionKeyAdminMode)
					session.Save(r, w)
				} else {
					response.AdminMode = &adminState
				}
			}
		}
	}

	types.WriteJSON(w, http.StatusOK, response)
}

// AdminModeEnableHandler handles POST /api/admin/mode/enable.
func (h *Handlers) AdminModeEnableHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := auth.GetUserFromContext(ctx)

	var req types.AdminModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	if strings.TrimSpace(req.Reason) == "" {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Reason is required for admin mode", nil))
		return
	}

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err))
		return
	}

	adminState := types.AdminModeState{
		Enabled:   true,
		Since:     h.now(),
		Reason:    strings.TrimSpace(req.Reason),
		IPAddress: auth.GetClientIP(r),
	}

	session.Values[auth.SessionKeyAdminMode] = adminState
	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to save session", err))
		return
	}

	log.Info().
		Str("admin_id", user.ID.String()).
		Str("admin_email", user.Email).
		Str("reason", adminState.Reason).
		Str("ip", adminState.IPAddress).
		Msg("Admin mode enabled")

	h.audit(ctx, auth.NewAuditLogWithContext(
		ctx,
		types.ActionAdminModeEnabled,
		types.ResourceTypeUser,
		user.ID.String(),
	).WithChanges(map[string]interface{}{
		"reason":  adminState.Reason,
		"timeout": h.opts.AdminModeTimeout.String(),
	}).WithIPAddress(adminState.IPAddress).WithUserAgent(r.UserAgent()))

	types.WriteJSON(w, http.StatusOK, types.AdminModeEnableResponse{
		Message: "Admin mode enabled",
		State:   &adminState,
	})
}

// AdminModeDisableHandler handles POST /api/admin/mode/disable. It also ends
// any active impersonation.
func (h *Handlers) AdminModeDisableHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := auth.GetActorIDForAudit(ctx)

	if _, _, err := h.manager.Stop(w, r); err != nil && !errors.Is(err, impersonate.ErrNotImpersonating) {
		types.WriteHTTPError(w, impersonate.HTTPError(err))
		return
	}

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err))
		return
	}

	previousState, _ := session.Values[auth.SessionKeyAdminMode].(types.AdminModeState)
	delete(session.Values, auth.SessionKeyAdminMode)

	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to save session", err))
		return
	}

	log.Info().
		Str("admin_id", actorID.String()).
		Str("previous_reason", previousState.Reason).
		Dur("duration", previousState.Duration()).
		Str("ip", auth.GetClientIP(r)).
		Msg("Admin mode disabled")

	entry := types.NewAuditLog(
		actorID,
		types.ActionAdminModeDisabled,
		types.ResourceTypeUser,
		actorID.String(),
	).WithChanges(map[string]interface{}{
		"previous_reason": previousState.Reason,
		"duration":        types.DurationString(previousState.Duration()),
	}).WithIPAddress(auth.GetClientIP(r)).WithUserAgent(r.UserAgent())
	h.audit(ctx, entry)

	types.WriteJSON(w, http.StatusOK, types.AdminModeDisableResponse{
		Message: "Admin mode disabled",
	})
}

func (h *Handlers) audit(ctx context.Context, entry *types.AuditLog) {
	if h.auditLogger == nil {
		return
	}
	if err := h.auditLogger.CreateAuditLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("action", entry.Action).Msg("Failed to create audit log")
	}
}
