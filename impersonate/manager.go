package impersonate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonate/auth"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// Manager errors.
var (
	ErrReasonRequired       = fmt.Errorf("%w: a reason is required for impersonation", types.ErrBadRequest)
	ErrAlreadyImpersonating = fmt.Errorf("%w: already impersonating another user, stop the current impersonation first", types.ErrBadRequest)
	ErrNotImpersonating     = fmt.Errorf("%w: not currently impersonating", types.ErrBadRequest)
)

// UserStore loads users by id.
type UserStore interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error)
}

// Config holds the impersonation settings.
type Config struct {
	// MaxDuration ends sessions older than this. Zero disables the limit.
	MaxDuration   time.Duration
	RequireReason bool
	Policy        Policy
}

// Manager starts and stops impersonation sessions stored in the cookie
// session, and sends the begin and end signals.
type Manager struct {
	sessionStore sessions.Store
	cookieName   string
	users        UserStore
	signals      *Signals
	cfg          Config
	now          func() time.Time
}

// NewManager creates a manager.
func NewManager(sessionStore sessions.Store, cookieName string, users UserStore, signals *Signals, cfg Config) *Manager {
	return &Manager{
		sessionStore: sessionStore,
		cookieName:   cookieName,
		users:        users,
		signals:      signals,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Policy returns the policy the manager enforces.
func (m *Manager) Policy() Policy {
	return m.cfg.Policy
}

// NewSessionKey returns a fresh key identifying one impersonation session.
func NewSessionKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Start makes actor impersonate the user targetID for the rest of the
// session.
func (m *Manager) Start(w http.ResponseWriter, r *http.Request, actor *types.User, targetID uuid.UUID, reason string) (*types.ImpersonationState, error) {
	ctx := r.Context()
	reason = strings.TrimSpace(reason)
	if m.cfg.RequireReason && reason == "" {
		return nil, ErrReasonRequired
	}

	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if _, ok := auth.ImpersonationFromSession(session); ok {
		return nil, ErrAlreadyImpersonating
	}

	target, err := m.users.GetUserByID(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("loading target user: %w", err)
	}
	if err := m.cfg.Policy.CheckTarget(actor, target); err != nil {
		log.Warn().
			Err(err).
			Str("admin_id", actor.ID.String()).
			Str("target_user_id", target.ID.String()).
			Msg("Impersonation refused")
		return nil, err
	}

	state := types.ImpersonationState{
		Enabled:            true,
		Since:              m.now(),
		Reason:             reason,
		SessionKey:         NewSessionKey(),
		TargetUserID:       target.ID,
		TargetUserEmail:    target.Email,
		TargetUserName:     target.FriendlyName(),
		OriginalAdminID:    actor.ID,
		OriginalAdminEmail: actor.Email,
		IPAddress:          auth.GetClientIP(r),
	}

	session.Values[auth.SessionKeyImpersonation] = state
	session.Values[auth.SessionKeyOriginalUserID] = actor.ID.String()
	session.Values[auth.SessionKeyUserID] = target.ID.String()
	if err := session.Save(r, w); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	log.Info().
		Str("admin_id", actor.ID.String()).
		Str("admin_email", actor.Email).
		Str("target_user_id", target.ID.String()).
		Str("target_user_email", target.Email).
		Str("session_key", state.SessionKey).
		Str("reason", reason).
		Str("ip", state.IPAddress).
		Msg("Impersonation started")

	ev := m.event(r, state)
	ev.At = state.Since
	// Receiver failures are logged by Signals; the session has started.
	m.signals.SendBegin(ctx, ev)

	return &state, nil
}

// Stop ends the impersonation of the request's session and returns the
// ended state and how long it lasted.
func (m *Manager) Stop(w http.ResponseWriter, r *http.Request) (*types.ImpersonationState, time.Duration, error) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return nil, 0, fmt.Errorf("getting session: %w", err)
	}

	state, ok := auth.RestoreOriginalUser(session)
	if !ok {
		return nil, 0, ErrNotImpersonating
	}
	if err := session.Save(r, w); err != nil {
		return nil, 0, fmt.Errorf("saving session: %w", err)
	}

	ev := m.endEvent(r, state, false)
	log.Info().
		Str("admin_id", state.OriginalAdminID.String()).
		Str("target_user_id", state.TargetUserID.String()).
		Str("session_key", state.SessionKey).
		Dur("duration", ev.Duration()).
		Msg("Impersonation stopped")

	m.signals.SendEnd(r.Context(), ev)
	return &state, ev.Duration(), nil
}

// Current returns the active impersonation of the request's session, or
// nil. An impersonation past MaxDuration is ended first.
func (m *Manager) Current(w http.ResponseWriter, r *http.Request) (*types.ImpersonationState, error) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	state, ok := auth.ImpersonationFromSession(session)
	if !ok {
		return nil, nil
	}
	if !state.IsExpiredAt(m.now(), m.cfg.MaxDuration) {
		return &state, nil
	}

	auth.RestoreOriginalUser(session)
	if err := session.Save(r, w); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	if err := m.EndImpersonation(r, state, true); err != nil {
		log.Error().Err(err).Str("session_key", state.SessionKey).Msg("Failed to end expired impersonation")
	}
	return nil, nil
}

// EndImpersonation sends the end signal for a session already removed from
// the cookie. It implements auth.ImpersonationEnder. A session past
// MaxDuration counts as expired whatever the caller says.
func (m *Manager) EndImpersonation(r *http.Request, state types.ImpersonationState, expired bool) error {
	ev := m.endEvent(r, state, expired)
	if ev.Expired {
		log.Warn().
			Str("admin_id", state.OriginalAdminID.String()).
			Str("target_user_id", state.TargetUserID.String()).
			Str("session_key", state.SessionKey).
			Dur("duration", ev.Duration()).
			Msg("Impersonation session expired")
	}
	return m.signals.SendEnd(r.Context(), ev)
}

func (m *Manager) event(r *http.Request, state types.ImpersonationState) Event {
	return Event{
		ImpersonatorID:     state.OriginalAdminID,
		ImpersonatorEmail:  state.OriginalAdminEmail,
		ImpersonatingID:    state.TargetUserID,
		ImpersonatingName:  state.TargetUserName,
		ImpersonatingEmail: state.TargetUserEmail,
		SessionKey:         state.SessionKey,
		Reason:             state.Reason,
		IPAddress:          auth.GetClientIP(r),
		UserAgent:          r.UserAgent(),
		StartedAt:          state.Since,
	}
}

// endEvent builds the end event. An expired session ends when its allowed
// time ran out, not when the expiry was noticed.
func (m *Manager) endEvent(r *http.Request, state types.ImpersonationState, expired bool) Event {
	ev := m.event(r, state)
	ev.At = m.now()
	ev.Expired = expired || state.IsExpiredAt(ev.At, m.cfg.MaxDuration)
	if ev.Expired && m.cfg.MaxDuration > 0 {
		if deadline := state.Since.Add(m.cfg.MaxDuration); deadline.Before(ev.At) {
			ev.At = deadline
		}
	}
	return ev
}

// HTTPError maps a manager or policy error to the HTTP error shown to the
// caller.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return types.NewHTTPError(http.StatusNotFound, "Target user not found", err)
	case errors.Is(err, types.ErrForbidden):
		return types.NewHTTPError(http.StatusForbidden, userMessage(err), err)
	case errors.Is(err, types.ErrBadRequest):
		return types.NewHTTPError(http.StatusBadRequest, userMessage(err), err)
	}
	return types.NewHTTPError(http.StatusInternalServerError, "Impersonation failed", err)
}

// userMessage drops the sentinel prefix from a wrapped error.
func userMessage(err error) string {
	msg := err.Error()
	for _, prefix := range []string{types.ErrForbidden.Error() + ": ", types.ErrBadRequest.Error() + ": "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}
