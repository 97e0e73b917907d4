// Package database stores users, impersonation logs and the audit trail in
// SQLite.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonate/database/sqliteconfig"
	"github.com/rs/zerolog/log"
	"github.com/tailscale/squibble"

	_ "modernc.org/sqlite"
)

// Database errors.
var (
	ErrBuildConnectionURL = errors.New("failed to build SQLite connection URL")
	ErrOpenDatabase       = errors.New("failed to open database")
	ErrPingDatabase       = errors.New("failed to ping database")
	ErrApplySchema        = errors.New("failed to apply schema")
)

// Database wraps the sqlx database connection.
type Database struct {
	db *sqlx.DB
}

// New opens the database at path with the default configuration and
// applies the impersonate schema.
func New(path string) (*Database, error) {
	return NewWithConfig(sqliteconfig.Default(path))
}

// NewWithConfig opens the database described by cfg and applies the schema.
func NewWithConfig(cfg *sqliteconfig.Config) (*Database, error) {
	isNewDatabase := false
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		isNewDatabase = true
	}

	connectionURL, err := cfg.ToURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildConnectionURL, err)
	}

	log.Debug().
		Str("path", cfg.Path).
		Str("config", connectionURL).
		Bool("new_database", isNewDatabase).
		Msg("Opening SQLite database")

	db, err := sqlx.Open("sqlite", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenDatabase, err)
	}

	// SQLite concurrency settings: single connection model
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPingDatabase, err)
	}

	s := &squibble.Schema{Current: Schema()}
	if err := s.Apply(context.Background(), db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrApplySchema, err)
	}

	log.Info().
		Str("path", cfg.Path).
		Msg("Database opened successfully")

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sqlx.DB for advanced operations.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// WithTx executes a function within a database transaction.
func (d *Database) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
