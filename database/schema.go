package database

// Schema returns the full schema. squibble compares it with the stored
// copy on every start and applies it to new databases.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    username TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    profile_pic_url TEXT NOT NULL DEFAULT '',
    provider_identifier TEXT UNIQUE,
    is_admin INTEGER NOT NULL DEFAULT 0,
    is_staff INTEGER NOT NULL DEFAULT 0,
    last_login DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    modified_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);

CREATE TABLE IF NOT EXISTS impersonation_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    impersonator_id TEXT NOT NULL,
    impersonating_id TEXT NOT NULL,
    session_key VARCHAR(40) NOT NULL,
    session_started_at DATETIME,
    session_ended_at DATETIME,
    reason TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (impersonator_id) REFERENCES users(id) ON DELETE CASCADE,
    FOREIGN KEY (impersonating_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_impersonation_log_impersonator ON impersonation_log(impersonator_id);
CREATE INDEX IF NOT EXISTS idx_impersonation_log_session_key ON impersonation_log(session_key);
CREATE INDEX IF NOT EXISTS idx_impersonation_log_started ON impersonation_log(session_started_at DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
    actor_user_id TEXT,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    changes TEXT,
    ip_address TEXT,
    user_agent TEXT,
    FOREIGN KEY (actor_user_id) REFERENCES users(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_user_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_type, resource_id);
`
}
