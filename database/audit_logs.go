package database

import (
	"context"
	"fmt"

	"github.com/juanfont/impersonate/types"
)

// CreateAuditLog inserts an audit log entry.
func (d *Database) CreateAuditLog(ctx context.Context, l *types.AuditLog) error {
	res, err := d.db.NamedExecContext(ctx, `
		INSERT INTO audit_log (timestamp, actor_user_id, action, resource_type, resource_id,
			changes, ip_address, user_agent)
		VALUES (:timestamp, :actor_user_id, :action, :resource_type, :resource_id,
			:changes, :ip_address, :user_agent)`, l)
	if err != nil {
		return fmt.Errorf("creating audit log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		l.ID = id
	}
	return nil
}

// ListAuditLogs returns the newest audit entries for a resource.
func (d *Database) ListAuditLogs(ctx context.Context, resourceID string, limit int) ([]types.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []types.AuditLog
	err := d.db.SelectContext(ctx, &logs, `
		SELECT id, timestamp, actor_user_id, action, resource_type, resource_id,
			changes, ip_address, user_agent
		FROM audit_log WHERE resource_id = ? ORDER BY id DESC LIMIT ?`, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit logs: %w", err)
	}
	return logs, nil
}
