package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonate/types"
)

// ErrSessionKeyTooLong is returned for session keys over types.MaxSessionKeyLength.
var ErrSessionKeyTooLong = errors.New("session key too long")

const impersonationLogColumns = `id, impersonator_id, impersonating_id, session_key,
	session_started_at, session_ended_at, reason`

// CreateImpersonationLog inserts a log row and sets its ID.
func (d *Database) CreateImpersonationLog(ctx context.Context, l *types.ImpersonationLog) error {
	if len(l.SessionKey) > types.MaxSessionKeyLength {
		return fmt.Errorf("%w: %d characters", ErrSessionKeyTooLong, len(l.SessionKey))
	}
	if l.SessionStartedAt.Valid {
		l.SessionStartedAt.Time = l.SessionStartedAt.Time.UTC()
	}
	if l.SessionEndedAt.Valid {
		l.SessionEndedAt.Time = l.SessionEndedAt.Time.UTC()
	}

	res, err := d.db.NamedExecContext(ctx, `
		INSERT INTO impersonation_log (impersonator_id, impersonating_id, session_key,
			session_started_at, session_ended_at, reason)
		VALUES (:impersonator_id, :impersonating_id, :session_key,
			:session_started_at, :session_ended_at, :reason)`, l)
	if err != nil {
		return fmt.Errorf("creating impersonation log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading impersonation log id: %w", err)
	}
	l.ID = id
	return nil
}

// EndImpersonationLogs sets the end timestamp on every open log row of the
// given session and returns how many rows it closed. An end time before a
// row's start is clamped to the start.
func (d *Database) EndImpersonationLogs(
	ctx context.Context,
	impersonatorID, impersonatingID uuid.UUID,
	sessionKey string,
	endedAt time.Time,
) (int, error) {
	closed := 0
	err := d.WithTx(ctx, func(tx *sqlx.Tx) error {
		var open []types.ImpersonationLog
		err := tx.SelectContext(ctx, &open, `
			SELECT `+impersonationLogColumns+` FROM impersonation_log
			WHERE impersonator_id = ? AND impersonating_id = ? AND session_key = ?
				AND session_ended_at IS NULL`,
			impersonatorID, impersonatingID, sessionKey)
		if err != nil {
			return fmt.Errorf("finding open impersonation logs: %w", err)
		}

		for _, l := range open {
			end := endedAt.UTC()
			if l.SessionStartedAt.Valid && end.Before(l.SessionStartedAt.Time) {
				end = l.SessionStartedAt.Time.UTC()
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE impersonation_log SET session_ended_at = ? WHERE id = ?`, end, l.ID); err != nil {
				return fmt.Errorf("closing impersonation log %d: %w", l.ID, err)
			}
			closed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return closed, nil
}

// GetImpersonationLog returns one log row, or types.ErrNotFound.
func (d *Database) GetImpersonationLog(ctx context.Context, id int64) (*types.ImpersonationLog, error) {
	var l types.ImpersonationLog
	err := d.db.GetContext(ctx, &l,
		`SELECT `+impersonationLogColumns+` FROM impersonation_log WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("impersonation log %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting impersonation log: %w", err)
	}
	return &l, nil
}

// ListImpersonationLogs returns one page of log rows matching filter, newest
// first, and the total number of matches. A non-positive limit returns all.
func (d *Database) ListImpersonationLogs(
	ctx context.Context,
	filter types.ImpersonationLogFilter,
	limit, offset int,
) ([]types.ImpersonationLog, int, error) {
	clause, args := impersonationLogWhere(filter)

	var total int
	if err := d.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM impersonation_log`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("counting impersonation logs: %w", err)
	}

	query := `SELECT ` + impersonationLogColumns + ` FROM impersonation_log` + clause + ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	var logs []types.ImpersonationLog
	if err := d.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing impersonation logs: %w", err)
	}
	return logs, total, nil
}

func impersonationLogWhere(f types.ImpersonationLogFilter) (string, []interface{}) {
	var where []string
	var args []interface{}

	switch f.State {
	case types.SessionStateIncomplete:
		where = append(where, "session_ended_at IS NULL")
	case types.SessionStateComplete:
		where = append(where, "session_ended_at IS NOT NULL")
	}
	if f.ImpersonatorID != nil {
		where = append(where, "impersonator_id = ?")
		args = append(args, f.ImpersonatorID.String())
	}
	if f.StartedFrom != nil {
		where = append(where, "session_started_at >= ?")
		args = append(args, f.StartedFrom.UTC())
	}
	if f.StartedBefore != nil {
		where = append(where, "session_started_at < ?")
		args = append(args, f.StartedBefore.UTC())
	}
	if f.StartedSet != nil {
		if *f.StartedSet {
			where = append(where, "session_started_at IS NOT NULL")
		} else {
			where = append(where, "session_started_at IS NULL")
		}
	}

	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// DistinctImpersonatorIDs returns every user who has impersonated someone.
func (d *Database) DistinctImpersonatorIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := d.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT impersonator_id FROM impersonation_log`); err != nil {
		return nil, fmt.Errorf("listing impersonators: %w", err)
	}
	return ids, nil
}
