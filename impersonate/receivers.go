package impersonate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonate/auth"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// Receiver names used by the server wiring.
const (
	ReceiverLog     = "impersonation_log"
	ReceiverAudit   = "audit_log"
	ReceiverMetrics = "metrics"
	ReceiverExpiry  = "expiry_scheduler"
)

// LogStore persists impersonation log rows.
type LogStore interface {
	CreateImpersonationLog(ctx context.Context, l *types.ImpersonationLog) error
	EndImpersonationLogs(ctx context.Context, impersonatorID, impersonatingID uuid.UUID, sessionKey string, endedAt time.Time) (int, error)
}

// LogRecorder writes one impersonation_log row per session.
type LogRecorder struct {
	store    LogStore
	disabled bool
}

// NewLogRecorder returns a recorder backed by store. A disabled recorder
// accepts every event and writes nothing.
func NewLogRecorder(store LogStore, disabled bool) *LogRecorder {
	return &LogRecorder{store: store, disabled: disabled}
}

// ImpersonationBegan creates the log row for the session.
func (r *LogRecorder) ImpersonationBegan(ctx context.Context, ev Event) error {
	if r.disabled {
		return nil
	}

	entry := &types.ImpersonationLog{
		ImpersonatorID:   ev.ImpersonatorID,
		ImpersonatingID:  ev.ImpersonatingID,
		SessionKey:       ev.SessionKey,
		SessionStartedAt: sql.NullTime{Time: ev.At, Valid: true},
		Reason:           ev.Reason,
	}
	if err := r.store.CreateImpersonationLog(ctx, entry); err != nil {
		return fmt.Errorf("recording impersonation start: %w", err)
	}

	log.Debug().
		Int64("log_id", entry.ID).
		Str("session_key", ev.SessionKey).
		Msg("Impersonation log created")
	return nil
}

// ImpersonationEnded closes the open log row of the session.
func (r *LogRecorder) ImpersonationEnded(ctx context.Context, ev Event) error {
	if r.disabled {
		return nil
	}

	n, err := r.store.EndImpersonationLogs(ctx, ev.ImpersonatorID, ev.ImpersonatingID, ev.SessionKey, ev.At)
	if err != nil {
		return fmt.Errorf("recording impersonation end: %w", err)
	}

	switch {
	case n == 0 && ev.Expired:
		log.Debug().
			Str("session_key", ev.SessionKey).
			Msg("Expired impersonation log already closed")
	case n == 0:
		log.Warn().
			Str("impersonator_id", ev.ImpersonatorID.String()).
			Str("impersonating_id", ev.ImpersonatingID.String()).
			Str("session_key", ev.SessionKey).
			Msg("No open impersonation log found for session")
	case n > 1:
		log.Warn().
			Int("count", n).
			Str("session_key", ev.SessionKey).
			Msg("Multiple open impersonation logs found for session, closed all")
	}
	return nil
}

// AuditRecorder writes audit trail entries for sessions.
type AuditRecorder struct {
	logger auth.AuditLogger
}

// NewAuditRecorder returns a recorder writing to logger.
func NewAuditRecorder(logger auth.AuditLogger) *AuditRecorder {
	return &AuditRecorder{logger: logger}
}

func (r *AuditRecorder) ImpersonationBegan(ctx context.Context, ev Event) error {
	entry := types.NewAuditLog(
		ev.ImpersonatorID,
		types.ActionImpersonationStarted,
		types.ResourceTypeUser,
		ev.ImpersonatingID.String(),
	).WithChanges(map[string]interface{}{
		"admin_id":          ev.ImpersonatorID.String(),
		"admin_email":       ev.ImpersonatorEmail,
		"target_user_id":    ev.ImpersonatingID.String(),
		"target_user_email": ev.ImpersonatingEmail,
		"target_user_name":  ev.ImpersonatingName,
		"session_key":       ev.SessionKey,
		"reason":            ev.Reason,
	}).WithIPAddress(ev.IPAddress).WithUserAgent(ev.UserAgent)
	entry.Timestamp = ev.At.UTC()

	return r.logger.CreateAuditLog(ctx, entry)
}

func (r *AuditRecorder) ImpersonationEnded(ctx context.Context, ev Event) error {
	action := types.ActionImpersonationStopped
	if ev.Expired {
		action = types.ActionImpersonationExpired
	}

	entry := types.NewAuditLog(
		ev.ImpersonatorID,
		action,
		types.ResourceTypeUser,
		ev.ImpersonatingID.String(),
	).WithChanges(map[string]interface{}{
		"admin_id":          ev.ImpersonatorID.String(),
		"target_user_id":    ev.ImpersonatingID.String(),
		"target_user_email": ev.ImpersonatingEmail,
		"session_key":       ev.SessionKey,
		"reason":            ev.Reason,
		"duration":          types.DurationString(ev.Duration()),
	}).WithIPAddress(ev.IPAddress).WithUserAgent(ev.UserAgent)
	entry.Timestamp = ev.At.UTC()

	return r.logger.CreateAuditLog(ctx, entry)
}
