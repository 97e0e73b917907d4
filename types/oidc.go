package types

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Expiry       time.Duration
}

// OIDCClaims represents claims from an OIDC ID token.
type OIDCClaims struct {
	// Sub is the user's unique identifier at the provider.
	Sub string `json:"sub"`
	Iss string `json:"iss"`

	Name              string          `json:"name,omitempty"`
	Groups            []string        `json:"groups,omitempty"`
	Email             string          `json:"email,omitempty"`
	EmailVerified     FlexibleBoolean `json:"email_verified,omitempty"`
	ProfilePictureURL string          `json:"picture,omitempty"`
	Username          string          `json:"preferred_username,omitempty"`
}

// OIDCUserInfo represents additional user info from the userinfo endpoint.
type OIDCUserInfo struct {
	Sub               string `json:"sub"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
}

// FlexibleBoolean accepts both JSON booleans and "true"/"false" strings.
type FlexibleBoolean bool

func (bit *FlexibleBoolean) UnmarshalJSON(data []byte) error {
	var val any
	if err := json.Unmarshal(data, &val); err != nil {
		return fmt.Errorf("could not unmarshal data: %w", err)
	}

	switch v := val.(type) {
	case bool:
		*bit = FlexibleBoolean(v)
	case string:
		pv, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("could not parse %s as boolean: %w", v, err)
		}
		*bit = FlexibleBoolean(pv)
	default:
		return fmt.Errorf("could not parse %v as boolean", v)
	}
	return nil
}

// Identifier joins the Iss and Sub claims into a provider-unique identifier.
func (c *OIDCClaims) Identifier() string {
	switch {
	case c.Iss == "" && c.Sub == "":
		return ""
	case c.Iss == "":
		return CleanIdentifier(c.Sub)
	case c.Sub == "":
		return CleanIdentifier(c.Iss)
	}

	if u, err := url.Parse(c.Iss); err == nil && u.Scheme != "" {
		if joined, err := url.JoinPath(c.Iss, c.Sub); err == nil {
			return CleanIdentifier(joined)
		}
	}
	return CleanIdentifier(strings.TrimSuffix(c.Iss, "/") + "/" + strings.TrimPrefix(c.Sub, "/"))
}

// CleanIdentifier collapses repeated slashes in an identifier while keeping a
// URL scheme such as http:// intact.
func CleanIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ""
	}

	if u, err := url.Parse(identifier); err == nil && u.Scheme != "" {
		parts := splitPath(u.Path)
		if len(parts) == 0 {
			u.Path = ""
		} else {
			u.Path = "/" + strings.Join(parts, "/")
		}
		u.Scheme = strings.ToLower(u.Scheme)
		return u.String()
	}

	return strings.Join(splitPath(identifier), "/")
}

func splitPath(p string) []string {
	fields := strings.FieldsFunc(p, func(c rune) bool { return c == '/' })
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return parts
}
