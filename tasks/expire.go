package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/juanfont/impersonate/impersonate"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

const (
	// TaskTypeExpireImpersonation closes the log of a session that outlived
	// the maximum impersonation duration.
	TaskTypeExpireImpersonation = "impersonation:expire"

	// QueueImpersonation is the queue expiry tasks run on.
	QueueImpersonation = "impersonation"
)

// ExpireImpersonationPayload identifies the session to close.
type ExpireImpersonationPayload struct {
	ImpersonatorID  uuid.UUID `json:"impersonator_id"`
	ImpersonatingID uuid.UUID `json:"impersonating_id"`
	SessionKey      string    `json:"session_key"`
	StartedAt       time.Time `json:"started_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ExpiryTaskID is the task id of the expiry task of a session. One session
// never schedules two expiry tasks.
func ExpiryTaskID(sessionKey string) string {
	return "expire-" + sessionKey
}

// ExpiryScheduler schedules an expiry task for every session that begins
// while a maximum duration is configured.
type ExpiryScheduler struct {
	client      *Client
	maxDuration time.Duration
}

// NewExpiryScheduler returns a receiver that enqueues expiry tasks on client.
func NewExpiryScheduler(client *Client, maxDuration time.Duration) *ExpiryScheduler {
	return &ExpiryScheduler{client: client, maxDuration: maxDuration}
}

// ImpersonationBegan enqueues the expiry task at since + max duration.
func (s *ExpiryScheduler) ImpersonationBegan(ctx context.Context, ev impersonate.Event) error {
	if s.maxDuration <= 0 {
		return nil
	}

	startedAt := ev.StartedAt
	if startedAt.IsZero() {
		startedAt = ev.At
	}
	payload := ExpireImpersonationPayload{
		ImpersonatorID:  ev.ImpersonatorID,
		ImpersonatingID: ev.ImpersonatingID,
		SessionKey:      ev.SessionKey,
		StartedAt:       startedAt.UTC(),
		ExpiresAt:       startedAt.Add(s.maxDuration).UTC(),
	}

	_, err := s.client.EnqueueAt(ctx, TaskTypeExpireImpersonation, payload, payload.ExpiresAt,
		asynq.TaskID(ExpiryTaskID(ev.SessionKey)),
		asynq.Queue(QueueImpersonation),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduling impersonation expiry: %w", err)
	}
	return nil
}

// ImpersonationEnded does nothing: the expiry task of a session that ended
// in time finds no open row.
func (s *ExpiryScheduler) ImpersonationEnded(context.Context, impersonate.Event) error {
	return nil
}

// ExpiryStore closes impersonation log rows and audits the expiry.
type ExpiryStore interface {
	EndImpersonationLogs(ctx context.Context, impersonatorID, impersonatingID uuid.UUID, sessionKey string, endedAt time.Time) (int, error)
	CreateAuditLog(ctx context.Context, l *types.AuditLog) error
}

// NewExpireHandler returns the handler of TaskTypeExpireImpersonation.
func NewExpireHandler(store ExpiryStore) *TaskHandler[ExpireImpersonationPayload] {
	return NewTaskHandler(func(ctx context.Context, p ExpireImpersonationPayload) error {
		if p.SessionKey == "" {
			return fmt.Errorf("expire task without session key: %w", asynq.SkipRetry)
		}

		n, err := store.EndImpersonationLogs(ctx, p.ImpersonatorID, p.ImpersonatingID, p.SessionKey, p.ExpiresAt)
		if err != nil {
			return fmt.Errorf("expiring impersonation session: %w", err)
		}

		if n == 0 {
			return nil
		}

		log.Info().
			Str("impersonator_id", p.ImpersonatorID.String()).
			Str("impersonating_id", p.ImpersonatingID.String()).
			Str("session_key", p.SessionKey).
			Time("expires_at", p.ExpiresAt).
			Msg("Impersonation session expired")

		// The row is closed, so a retry would not reach this point again.
		entry := types.NewAuditLog(
			p.ImpersonatorID,
			types.ActionImpersonationExpired,
			types.ResourceTypeUser,
			p.ImpersonatingID.String(),
		).WithChanges(map[string]interface{}{
			"admin_id":       p.ImpersonatorID.String(),
			"target_user_id": p.ImpersonatingID.String(),
			"session_key":    p.SessionKey,
			"duration":       types.DurationString(p.ExpiresAt.Sub(p.StartedAt)),
			"source":         "worker",
		})
		entry.Timestamp = p.ExpiresAt.UTC()
		if err := store.CreateAuditLog(ctx, entry); err != nil {
			log.Error().Err(err).Str("session_key", p.SessionKey).Msg("Failed to create audit log for expired impersonation")
		}
		return nil
	})
}
