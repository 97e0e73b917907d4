// Package auth provides OIDC login, the cookie session store and the
// middleware that resolves the effective (possibly impersonated) user.
package auth

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// OIDCCallbackPath is the default callback path for OIDC.
	OIDCCallbackPath = "/api/oidc/callback"
)

var (
	ErrMissingIDToken = errors.New("missing id token")
	ErrNonceMismatch  = errors.New("nonce did not match")
)

// OIDCProvider handles OIDC authentication.
type OIDCProvider struct {
	callbackPath string

	verifier     *oidc.IDTokenVerifier
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
}

// OIDCProviderConfig holds configuration for creating an OIDC provider.
type OIDCProviderConfig struct {
	ServerURL    string
	OIDCConfig   types.OIDCConfig
	CallbackPath string
}

// NewOIDCProvider discovers the issuer and builds the OAuth2 client.
func NewOIDCProvider(ctx context.Context, cfg OIDCProviderConfig) (*OIDCProvider, error) {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = OIDCCallbackPath
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCConfig.Issuer)
	if err != nil {
		return nil, fmt.Errorf("creating OIDC provider from issuer config: %w", err)
	}

	scopes := cfg.OIDCConfig.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		callbackPath: cfg.CallbackPath,
		provider:     provider,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.OIDCConfig.ClientID,
			ClientSecret: cfg.OIDCConfig.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  strings.TrimSuffix(cfg.ServerURL, "/") + cfg.CallbackPath,
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCConfig.ClientID}),
	}, nil
}

// CallbackPath returns the OIDC callback path.
func (p *OIDCProvider) CallbackPath() string {
	return p.callbackPath
}

// AuthCodeURL generates the authorization URL for the OIDC flow.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2Config.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange exchanges an authorization code for tokens.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.oauth2Config.Exchange(ctx, code)
}

// ProcessCallback verifies the ID token in token and returns its claims,
// supplemented by the userinfo endpoint when the provider offers one.
func (p *OIDCProvider) ProcessCallback(ctx context.Context, expectedNonce string, token *oauth2.Token) (*types.OIDCClaims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, ErrMissingIDToken
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("unable to verify id token: %w", err)
	}

	if idToken.Nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}

	var claims types.OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding ID token claims: %w", err)
	}

	userinfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		log.Warn().Err(err).Msg("could not get userinfo; only checking claim")
		return &claims, nil
	}

	if userinfo.Subject == claims.Sub {
		claims.Email = cmp.Or(claims.Email, userinfo.Email)
		claims.EmailVerified = cmp.Or(claims.EmailVerified, types.FlexibleBoolean(userinfo.EmailVerified))

		var extra types.OIDCUserInfo
		if err := userinfo.Claims(&extra); err == nil {
			claims.Username = cmp.Or(claims.Username, extra.PreferredUsername)
			claims.Name = cmp.Or(claims.Name, extra.Name)
			claims.ProfilePictureURL = cmp.Or(claims.ProfilePictureURL, extra.Picture)
		}
	}

	return &claims, nil
}

// GenerateRandomState generates a secure random state string for OIDC flows.
func GenerateRandomState() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("generating random state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// UserStore is the interface for user database operations.
type UserStore interface {
	CreateOrUpdateUserFromClaim(ctx context.Context, claims *types.OIDCClaims) (*types.User, bool, error)
	UpdateLastLogin(ctx context.Context, userID uuid.UUID) error
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error)
}

// AuditLogger is the interface for audit logging.
type AuditLogger interface {
	CreateAuditLog(ctx context.Context, log *types.AuditLog) error
}

// OIDCHandlers provides HTTP handlers for OIDC authentication.
type OIDCHandlers struct {
	provider     *OIDCProvider
	sessionStore sessions.Store
	cookieName   string
	userStore    UserStore
	auditLogger  AuditLogger
	ender        ImpersonationEnder
}

// NewOIDCHandlers creates new OIDC handlers.
func NewOIDCHandlers(provider *OIDCProvider, sessionStore sessions.Store, cookieName string, userStore UserStore, auditLogger AuditLogger) *OIDCHandlers {
	return &OIDCHandlers{
		provider:     provider,
		sessionStore: sessionStore,
		cookieName:   cookieName,
		userStore:    userStore,
		auditLogger:  auditLogger,
	}
}

// SetImpersonationEnder sets who is told about impersonations ended by logout.
func (h *OIDCHandlers) SetImpersonationEnder(e ImpersonationEnder) {
	h.ender = e
}

// LoginHandler redirects to the OIDC provider for authentication.
func (h *OIDCHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	state, err := GenerateRandomState()
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	nonce, err := GenerateRandomState()
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	session.Values[SessionKeyState] = state
	session.Values[SessionKeyNonce] = nonce

	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	authURL := h.provider.AuthCodeURL(state, nonce)
	log.Debug().Str("url", authURL).Msg("Redirecting to OIDC provider")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler handles the OIDC callback.
func (h *OIDCHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	expectedState, ok := session.Values[SessionKeyState].(string)
	if !ok || r.URL.Query().Get("state") != expectedState {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid state parameter", nil))
		return
	}

	expectedNonce, ok := session.Values[SessionKeyNonce].(string)
	if !ok {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Nonce not found", nil))
		return
	}

	// Single use
	delete(session.Values, SessionKeyState)
	delete(session.Values, SessionKeyNonce)

	token, err := h.provider.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Unable to exchange authorization code", err))
		return
	}

	claims, err := h.provider.ProcessCallback(ctx, expectedNonce, token)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to process OIDC callback", err))
		return
	}

	user, created, err := h.userStore.CreateOrUpdateUserFromClaim(ctx, claims)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	if created && h.auditLogger != nil {
		auditLog := types.NewAuditLog(
			user.ID,
			types.ActionUserCreated,
			types.ResourceTypeUser,
			user.ID.String(),
		).WithChanges(map[string]interface{}{
			"email":    user.Email,
			"username": user.Username,
			"source":   "oidc",
		}).WithIPAddress(GetClientIP(r)).WithUserAgent(r.UserAgent())

		if err := h.auditLogger.CreateAuditLog(ctx, auditLog); err != nil {
			log.Error().Err(err).Msg("Failed to create audit log for new user")
		}
	}

	if err := h.userStore.UpdateLastLogin(ctx, user.ID); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	if h.auditLogger != nil {
		auditLog := types.NewAuditLog(
			user.ID,
			types.ActionUserLoggedIn,
			types.ResourceTypeUser,
			user.ID.String(),
		).WithChanges(map[string]interface{}{
			"email":        user.Email,
			"display_name": user.DisplayName,
		}).WithIPAddress(GetClientIP(r)).WithUserAgent(r.UserAgent())

		if err := h.auditLogger.CreateAuditLog(ctx, auditLog); err != nil {
			log.Error().Err(err).Msg("Failed to create audit log for login")
		}
	}

	// A fresh login never inherits admin mode or an impersonation.
	delete(session.Values, SessionKeyAdminMode)
	delete(session.Values, SessionKeyImpersonation)
	delete(session.Values, SessionKeyOriginalUserID)
	session.Values[SessionKeyLogged] = true
	session.Values[SessionKeyUserID] = user.ID.String()

	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	log.Info().
		Str("user_id", user.ID.String()).
		Str("username", user.Username).
		Msg("User logged in")

	http.Redirect(w, r, "/", http.StatusFound)
}

// LogoutHandler ends any impersonation and clears the session.
func (h *OIDCHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	impState, impersonating := RestoreOriginalUser(session)

	var userID uuid.UUID
	if idStr, ok := session.Values[SessionKeyUserID].(string); ok {
		userID, _ = uuid.Parse(idStr)
	}

	if h.auditLogger != nil && userID != uuid.Nil {
		auditLog := types.NewAuditLog(
			userID,
			types.ActionUserLoggedOut,
			types.ResourceTypeUser,
			userID.String(),
		).WithIPAddress(GetClientIP(r)).WithUserAgent(r.UserAgent())

		if err := h.auditLogger.CreateAuditLog(ctx, auditLog); err != nil {
			log.Error().Err(err).Msg("Failed to create audit log for logout")
		}
	}

	delete(session.Values, SessionKeyLogged)
	delete(session.Values, SessionKeyUserID)
	delete(session.Values, SessionKeyAdminMode)

	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	if impersonating && h.ender != nil {
		if err := h.ender.EndImpersonation(r, impState, false); err != nil {
			log.Error().Err(err).Str("session_key", impState.SessionKey).Msg("Failed to end impersonation on logout")
		}
	}

	types.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// SessionCheckHandler reports the current session status. It must not be
// wrapped in RequireAuth, so unauthenticated callers get a reason.
func (m *SessionMiddleware) SessionCheckHandler(w http.ResponseWriter, r *http.Request) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err))
		return
	}

	logged, ok := session.Values[SessionKeyLogged].(bool)
	if !ok || !logged {
		reason := "not_authenticated"
		if session.IsNew {
			reason = "session_expired"
		}
		types.WriteJSON(w, http.StatusUnauthorized, &types.SessionResponse{
			Authenticated: false,
			Reason:        reason,
		})
		return
	}

	user, impState, err := m.authenticate(w, r)
	if err != nil {
		var herr types.HTTPError
		if errors.As(err, &herr) && herr.Code >= http.StatusInternalServerError {
			types.WriteHTTPError(w, err)
			return
		}

		delete(session.Values, SessionKeyLogged)
		delete(session.Values, SessionKeyUserID)
		session.Save(r, w)

		reason := "session_corrupted"
		if errors.As(err, &herr) && herr.Err != nil {
			reason = "user_not_found"
		}
		types.WriteJSON(w, http.StatusUnauthorized, &types.SessionResponse{
			Authenticated: false,
			Reason:        reason,
		})
		return
	}

	types.WriteJSON(w, http.StatusOK, &types.SessionResponse{
		Authenticated: true,
		User:          user,
		Impersonation: impState,
	})
}
