package auth

import (
	"context"
	"database/sql"
	"encoding/gob"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// ContextKeyUser is the context key for the effective user.
	ContextKeyUser ContextKey = "user"
	// ContextKeyImpersonationState is the context key for impersonation state.
	ContextKeyImpersonationState ContextKey = "impersonation_state"
	// ContextKeyOriginalAdminID is the context key for the original admin ID.
	ContextKeyOriginalAdminID ContextKey = "original_admin_id"
)

// Session value keys.
const (
	SessionKeyLogged         = "logged"
	SessionKeyUserID         = "user_id"
	SessionKeyAdminMode      = "admin_mode"
	SessionKeyImpersonation  = "impersonation_state"
	SessionKeyOriginalUserID = "original_user_id"
	SessionKeyState          = "state"
	SessionKeyNonce          = "nonce"
)

var registerGobOnce sync.Once

// registerGobTypes registers types needed for session serialization.
func registerGobTypes() {
	registerGobOnce.Do(func() {
		gob.Register(types.AdminModeState{})
		gob.Register(types.ImpersonationState{})
		gob.Register(sql.NullString{})
		gob.Register(sql.NullTime{})
	})
}

// NewCookieStore returns the cookie session store. encryptionKey may be
// empty to only sign cookies.
func NewCookieStore(authenticationKey, encryptionKey string, maxAge time.Duration, secure bool) *sessions.CookieStore {
	registerGobTypes()

	keyPairs := [][]byte{[]byte(authenticationKey)}
	if encryptionKey != "" {
		keyPairs = append(keyPairs, []byte(encryptionKey))
	}

	store := sessions.NewCookieStore(keyPairs...)
	store.Options.Path = "/"
	store.Options.HttpOnly = true
	store.Options.Secure = secure
	store.Options.SameSite = http.SameSiteLaxMode
	if maxAge > 0 {
		store.MaxAge(int(maxAge.Seconds()))
	}
	return store
}

// ImpersonationEnder is notified when the middleware finds an impersonation
// that has outlived its maximum duration.
type ImpersonationEnder interface {
	EndImpersonation(r *http.Request, state types.ImpersonationState, expired bool) error
}

// ImpersonationFromSession returns the active impersonation stored in the
// session, if any.
func ImpersonationFromSession(session *sessions.Session) (types.ImpersonationState, bool) {
	state, ok := session.Values[SessionKeyImpersonation].(types.ImpersonationState)
	if !ok || !state.Enabled {
		return types.ImpersonationState{}, false
	}
	return state, true
}

// RestoreOriginalUser switches the session back to the user who started the
// impersonation and removes the impersonation values. It returns the
// removed state. The session still has to be saved.
func RestoreOriginalUser(session *sessions.Session) (types.ImpersonationState, bool) {
	state, ok := ImpersonationFromSession(session)

	if original, found := session.Values[SessionKeyOriginalUserID].(string); found {
		session.Values[SessionKeyUserID] = original
	} else if ok {
		session.Values[SessionKeyUserID] = state.OriginalAdminID.String()
	}
	delete(session.Values, SessionKeyImpersonation)
	delete(session.Values, SessionKeyOriginalUserID)

	return state, ok
}

// SessionMiddleware provides session-based authentication middleware.
type SessionMiddleware struct {
	sessionStore     sessions.Store
	cookieName       string
	userStore        UserStore
	adminModeTimeout time.Duration
	maxImpersonation time.Duration
	ender            ImpersonationEnder
	now              func() time.Time
}

// NewSessionMiddleware creates a new session middleware. maxImpersonation
// bounds how long an impersonation lasts; zero disables the limit.
func NewSessionMiddleware(
	sessionStore sessions.Store,
	cookieName string,
	userStore UserStore,
	adminModeTimeout time.Duration,
	maxImpersonation time.Duration,
) *SessionMiddleware {
	return &SessionMiddleware{
		sessionStore:     sessionStore,
		cookieName:       cookieName,
		userStore:        userStore,
		adminModeTimeout: adminModeTimeout,
		maxImpersonation: maxImpersonation,
		now:              time.Now,
	}
}

// SetImpersonationEnder sets the receiver of expired impersonations.
func (m *SessionMiddleware) SetImpersonationEnder(e ImpersonationEnder) {
	m.ender = e
}

// Authenticate validates the session and returns the effective user. An
// expired impersonation is torn down and the original user is returned.
func (m *SessionMiddleware) Authenticate(w http.ResponseWriter, r *http.Request) (*types.User, error) {
	user, _, err := m.authenticate(w, r)
	return user, err
}

func (m *SessionMiddleware) authenticate(w http.ResponseWriter, r *http.Request) (*types.User, *types.ImpersonationState, error) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return nil, nil, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err)
	}

	logged, ok := session.Values[SessionKeyLogged].(bool)
	if !ok || !logged {
		log.Debug().
			Str("path", r.URL.Path).
			Msg("Authentication required")
		return nil, nil, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", nil)
	}

	var active *types.ImpersonationState
	if impState, ok := ImpersonationFromSession(session); ok {
		if impState.IsExpiredAt(m.now(), m.maxImpersonation) {
			log.Warn().
				Str("admin_id", impState.OriginalAdminID.String()).
				Str("target_user_id", impState.TargetUserID.String()).
				Str("session_key", impState.SessionKey).
				Msg("Impersonation session expired, restoring original user")

			RestoreOriginalUser(session)
			if err := session.Save(r, w); err != nil {
				return nil, nil, types.NewHTTPError(http.StatusInternalServerError, "Failed to save session", err)
			}

			if m.ender != nil {
				if err := m.ender.EndImpersonation(r, impState, true); err != nil {
					log.Error().Err(err).Str("session_key", impState.SessionKey).Msg("Failed to end expired impersonation")
				}
			}
		} else {
			active = &impState
		}
	}

	userIDStr, ok := session.Values[SessionKeyUserID].(string)
	if !ok {
		return nil, nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", nil)
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid user ID in session", nil)
	}

	user, err := m.userStore.GetUserByID(r.Context(), userID)
	if err != nil {
		return nil, nil, types.NewHTTPError(http.StatusUnauthorized, "User not found", err)
	}
	if !user.IsActive() {
		return nil, nil, types.NewHTTPError(http.StatusUnauthorized, "User is inactive", nil)
	}

	return user, active, nil
}

// RequireAuth returns middleware that requires authentication.
func (m *SessionMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, impState, err := m.authenticate(w, r)
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyUser, user)
		if impState != nil {
			ctx = context.WithValue(ctx, ContextKeyImpersonationState, *impState)
			ctx = context.WithValue(ctx, ContextKeyOriginalAdminID, impState.OriginalAdminID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// RequireStaff returns middleware that requires a staff member or admin.
func (m *SessionMiddleware) RequireStaff(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		if user == nil || !user.IsStaffMember() {
			logForbidden(r, user, "User is not a staff member")
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Staff privileges required", nil))
			return
		}
		next.ServeHTTP(w, r)
	}
}

// RequireAdmin returns middleware that requires admin privileges.
func (m *SessionMiddleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		if user == nil || !user.IsAdmin {
			logForbidden(r, user, "User is not an admin")
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Admin privileges required", nil))
			return
		}
		next.ServeHTTP(w, r)
	}
}

// RequireAdminMode returns middleware that requires a staff member with
// admin mode enabled.
func (m *SessionMiddleware) RequireAdminMode(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		if user == nil || !user.IsStaffMember() {
			logForbidden(r, user, "User is not a staff member")
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Staff privileges required", nil))
			return
		}

		session, err := m.sessionStore.Get(r, m.cookieName)
		if err != nil {
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err))
			return
		}

		adminState, ok := session.Values[SessionKeyAdminMode].(types.AdminModeState)
		if !ok || !adminState.Enabled {
			logForbidden(r, user, "Admin mode must be enabled to perform this action")
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Admin mode must be enabled to perform this action", nil))
			return
		}

		if adminState.IsExpiredAt(m.now(), m.adminModeTimeout) {
			delete(session.Values, SessionKeyAdminMode)
			session.Save(r, w)
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Admin mode session expired. Please re-enable admin mode.", nil))
			return
		}

		next.ServeHTTP(w, r)
	}
}

// Identify returns the session's user id and active impersonation without
// touching the database or enforcing expiry.
func (m *SessionMiddleware) Identify(r *http.Request) (string, *types.ImpersonationState) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return "", nil
	}
	if logged, _ := session.Values[SessionKeyLogged].(bool); !logged {
		return "", nil
	}

	userID, _ := session.Values[SessionKeyUserID].(string)
	if state, ok := ImpersonationFromSession(session); ok {
		return userID, &state
	}
	return userID, nil
}

func logForbidden(r *http.Request, user *types.User, msg string) {
	ev := log.Warn().Str("path", r.URL.Path)
	if user != nil {
		ev = ev.Str("user_id", user.ID.String()).Str("email", user.Email)
	}
	ev.Msg(msg)
}

// GetUserFromContext retrieves the effective user from the request context.
func GetUserFromContext(ctx context.Context) *types.User {
	user, ok := ctx.Value(ContextKeyUser).(*types.User)
	if !ok {
		return nil
	}
	return user
}

// GetImpersonationFromContext returns the active impersonation, if any.
func GetImpersonationFromContext(ctx context.Context) (types.ImpersonationState, bool) {
	state, ok := ctx.Value(ContextKeyImpersonationState).(types.ImpersonationState)
	return state, ok
}

// GetActorIDForAudit returns the correct user ID for audit logging.
// If impersonation is active, it returns the admin's ID.
func GetActorIDForAudit(ctx context.Context) uuid.UUID {
	if originalAdminID, ok := ctx.Value(ContextKeyOriginalAdminID).(uuid.UUID); ok && originalAdminID != uuid.Nil {
		return originalAdminID
	}

	if user, ok := ctx.Value(ContextKeyUser).(*types.User); ok {
		return user.ID
	}

	return uuid.Nil
}

// NewAuditLogWithContext creates an audit log with automatic impersonation handling.
func NewAuditLogWithContext(
	ctx context.Context,
	action string,
	resourceType string,
	resourceID string,
) *types.AuditLog {
	actorID := GetActorIDForAudit(ctx)
	auditLog := types.NewAuditLog(actorID, action, resourceType, resourceID)

	if impState, ok := GetImpersonationFromContext(ctx); ok {
		auditLog = auditLog.WithChanges(map[string]interface{}{
			"_impersonation": map[string]interface{}{
				"impersonated_user_id":    impState.TargetUserID.String(),
				"impersonated_user_email": impState.TargetUserEmail,
				"impersonated_user_name":  impState.TargetUserName,
				"performed_by_admin_id":   actorID.String(),
				"session_key":             impState.SessionKey,
			},
		})
	}

	return auditLog
}

// GetClientIP extracts the client IP address from the request.
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxied requests)
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
