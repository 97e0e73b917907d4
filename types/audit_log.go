package types

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AuditLog is a generic audit trail entry. Impersonation sessions get their
// own ImpersonationLog rows; the audit log records every state change around
// them, including admin mode and logins.
type AuditLog struct {
	ID           int64          `db:"id" json:"id"`
	Timestamp    time.Time      `db:"timestamp" json:"timestamp"`
	ActorUserID  uuid.NullUUID  `db:"actor_user_id" json:"actor_user_id"`
	Action       string         `db:"action" json:"action"`
	ResourceType string         `db:"resource_type" json:"resource_type"`
	ResourceID   string         `db:"resource_id" json:"resource_id"`
	Changes      JSONMap        `db:"changes" json:"changes"`
	IPAddress    sql.NullString `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    sql.NullString `db:"user_agent" json:"user_agent,omitempty"`
}

// Audit log actions.
const (
	ActionUserCreated          = "user.created"
	ActionUserRolesChanged     = "user.roles_changed"
	ActionUserLoggedIn         = "user.logged_in"
	ActionUserLoggedOut        = "user.logged_out"
	ActionAdminModeEnabled     = "user.admin_mode_enabled"
	ActionAdminModeDisabled    = "user.admin_mode_disabled"
	ActionImpersonationStarted = "user.impersonation_started"
	ActionImpersonationStopped = "user.impersonation_stopped"
	ActionImpersonationExpired = "user.impersonation_expired"
)

// ResourceTypeUser is the resource type of audit entries about users.
const ResourceTypeUser = "user"

// NewAuditLog creates a new audit log entry with common fields.
func NewAuditLog(actorUserID uuid.UUID, action, resourceType, resourceID string) *AuditLog {
	log := &AuditLog{
		Timestamp:    time.Now().UTC(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Changes:      make(JSONMap),
	}
	if actorUserID != uuid.Nil {
		log.ActorUserID = uuid.NullUUID{UUID: actorUserID, Valid: true}
	}
	return log
}

// WithChanges merges change details into the audit log.
func (a *AuditLog) WithChanges(changes map[string]interface{}) *AuditLog {
	if a.Changes == nil {
		a.Changes = make(JSONMap)
	}
	for k, v := range changes {
		a.Changes[k] = v
	}
	return a
}

// WithIPAddress adds IP address to the audit log.
func (a *AuditLog) WithIPAddress(ip string) *AuditLog {
	if ip != "" {
		a.IPAddress = sql.NullString{String: ip, Valid: true}
	}
	return a
}

// WithUserAgent adds user agent to the audit log.
func (a *AuditLog) WithUserAgent(ua string) *AuditLog {
	if ua != "" {
		a.UserAgent = sql.NullString{String: ua, Valid: true}
	}
	return a
}
