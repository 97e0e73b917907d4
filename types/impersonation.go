package types

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ImpersonationState is the impersonation stored in a user's cookie session.
type ImpersonationState struct {
	Enabled            bool      `json:"enabled"`
	Since              time.Time `json:"since"`
	Reason             string    `json:"reason"`
	SessionKey         string    `json:"session_key"`
	TargetUserID       uuid.UUID `json:"target_user_id"`
	TargetUserEmail    string    `json:"target_user_email"`
	TargetUserName     string    `json:"target_user_name"`
	OriginalAdminID    uuid.UUID `json:"original_admin_id"`
	OriginalAdminEmail string    `json:"original_admin_email"`
	IPAddress          string    `json:"ip_address"`
}

// ImpersonationStartRequest is the request body for starting impersonation.
type ImpersonationStartRequest struct {
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason"`
}

// ImpersonationStatusResponse is the response for the impersonation status endpoint.
type ImpersonationStatusResponse struct {
	Active        bool                `json:"active"`
	Impersonation *ImpersonationState `json:"impersonation,omitempty"`
}

// ImpersonationStartResponse is the response for starting impersonation.
type ImpersonationStartResponse struct {
	Message       string              `json:"message"`
	Impersonation *ImpersonationState `json:"impersonation"`
}

// ImpersonationStopResponse is the response for stopping impersonation.
type ImpersonationStopResponse struct {
	Message  string `json:"message"`
	Duration string `json:"duration"`
}

// IsExpiredAt checks expiry against the given clock reading.
// A non-positive timeout never expires.
func (i *ImpersonationState) IsExpiredAt(now time.Time, timeout time.Duration) bool {
	if !i.Enabled {
		return true
	}
	if timeout <= 0 {
		return false
	}
	return now.Sub(i.Since) > timeout
}

// ImpersonationLog stores the details of one impersonation session.
type ImpersonationLog struct {
	ID               int64        `db:"id" json:"id"`
	ImpersonatorID   uuid.UUID    `db:"impersonator_id" json:"impersonator_id"`
	ImpersonatingID  uuid.UUID    `db:"impersonating_id" json:"impersonating_id"`
	SessionKey       string       `db:"session_key" json:"session_key"`
	SessionStartedAt sql.NullTime `db:"session_started_at" json:"-"`
	SessionEndedAt   sql.NullTime `db:"session_ended_at" json:"-"`
	Reason           string       `db:"reason" json:"reason"`
}

// MaxSessionKeyLength bounds ImpersonationLog.SessionKey.
const MaxSessionKeyLength = 40

// IsComplete reports whether the session has an end timestamp.
func (l *ImpersonationLog) IsComplete() bool {
	return l.SessionEndedAt.Valid
}

// Duration returns the session length. ok is false unless both timestamps
// are set and the end does not precede the start.
func (l *ImpersonationLog) Duration() (d time.Duration, ok bool) {
	if !l.SessionStartedAt.Valid || !l.SessionEndedAt.Valid {
		return 0, false
	}
	d = l.SessionEndedAt.Time.Sub(l.SessionStartedAt.Time)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// DurationString renders Duration for display, or "" if there is none.
func (l *ImpersonationLog) DurationString() string {
	d, ok := l.Duration()
	if !ok {
		return ""
	}
	return DurationString(d)
}

// SessionState is the completeness bucket used to filter impersonation logs.
type SessionState string

const (
	SessionStateAny        SessionState = ""
	SessionStateComplete   SessionState = "complete"
	SessionStateIncomplete SessionState = "incomplete"
)

// ImpersonationLogFilter narrows an impersonation log listing.
// Zero values do not filter.
type ImpersonationLogFilter struct {
	State          SessionState
	ImpersonatorID *uuid.UUID
	StartedFrom    *time.Time // inclusive
	StartedBefore  *time.Time // exclusive
	StartedSet     *bool
}

// ImpersonationLogView is a log row prepared for the admin listing.
type ImpersonationLogView struct {
	ID               int64      `json:"id"`
	Impersonator     string     `json:"impersonator"`
	ImpersonatorID   uuid.UUID  `json:"impersonator_id"`
	Impersonating    string     `json:"impersonating"`
	ImpersonatingID  uuid.UUID  `json:"impersonating_id"`
	SessionKey       string     `json:"session_key"`
	SessionStartedAt *time.Time `json:"session_started_at"`
	SessionEndedAt   *time.Time `json:"session_ended_at"`
	Duration         string     `json:"duration"`
	Reason           string     `json:"reason,omitempty"`
}

// NewImpersonationLogView builds the display row for a log. Either user may
// be nil if it could not be loaded, in which case the id is shown.
func NewImpersonationLogView(l *ImpersonationLog, impersonator, impersonating *User) ImpersonationLogView {
	v := ImpersonationLogView{
		ID:              l.ID,
		ImpersonatorID:  l.ImpersonatorID,
		Impersonator:    l.ImpersonatorID.String(),
		ImpersonatingID: l.ImpersonatingID,
		Impersonating:   l.ImpersonatingID.String(),
		SessionKey:      l.SessionKey,
		Duration:        l.DurationString(),
		Reason:          l.Reason,
	}
	if impersonator != nil {
		v.Impersonator = impersonator.FriendlyName()
	}
	if impersonating != nil {
		v.Impersonating = impersonating.FriendlyName()
	}
	if l.SessionStartedAt.Valid {
		t := l.SessionStartedAt.Time
		v.SessionStartedAt = &t
	}
	if l.SessionEndedAt.Valid {
		t := l.SessionEndedAt.Time
		v.SessionEndedAt = &t
	}
	return v
}

// ImpersonationLogListResponse is the response for the log listing.
type ImpersonationLogListResponse struct {
	Logs     []ImpersonationLogView `json:"logs"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
	Filters  map[string]string      `json:"filters"`
}

// FilterChoice is one selectable value of a list filter.
type FilterChoice struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

// FilterDescriptor describes a list filter and its choices.
type FilterDescriptor struct {
	Title     string         `json:"title"`
	Parameter string         `json:"parameter"`
	Choices   []FilterChoice `json:"choices"`
}

// FilterListResponse is the response for the filter choices endpoint.
type FilterListResponse struct {
	Filters []FilterDescriptor `json:"filters"`
}

// ImpostorView is a user the caller may impersonate.
type ImpostorView struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Impersonate string    `json:"impersonate"`
}

// ImpostorListResponse is the response for the impostor listing.
type ImpostorListResponse struct {
	Users    []ImpostorView `json:"users"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Search   string         `json:"search,omitempty"`
}
