package types

import "time"

// AdminModeState is the elevated mode a staff member must enter, with a
// stated reason, before starting an impersonation.
type AdminModeState struct {
	Enabled   bool      `json:"enabled"`
	Since     time.Time `json:"since"`
	Reason    string    `json:"reason"`
	IPAddress string    `json:"ip_address"`
}

// AdminModeRequest is the request body for enabling admin mode.
type AdminModeRequest struct {
	Reason string `json:"reason"`
}

// AdminModeStatusResponse is the response for the admin mode status endpoint.
type AdminModeStatusResponse struct {
	IsStaff   bool            `json:"is_staff"`
	IsAdmin   bool            `json:"is_admin"`
	AdminMode *AdminModeState `json:"admin_mode,omitempty"`
}

// AdminModeEnableResponse is the response for enabling admin mode.
type AdminModeEnableResponse struct {
	Message string          `json:"message"`
	State   *AdminModeState `json:"state"`
}

// AdminModeDisableResponse is the response for disabling admin mode.
type AdminModeDisableResponse struct {
	Message string `json:"message"`
}

// IsExpiredAt reports whether admin mode has lapsed at now.
func (a *AdminModeState) IsExpiredAt(now time.Time, timeout time.Duration) bool {
	if !a.Enabled {
		return true
	}
	if timeout <= 0 {
		return false
	}
	return now.Sub(a.Since) > timeout
}

// Duration returns how long admin mode has been active.
func (a *AdminModeState) Duration() time.Duration {
	if a.Since.IsZero() {
		return 0
	}
	return time.Since(a.Since)
}
