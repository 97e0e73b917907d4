// Package sqliteconfig builds modernc.org/sqlite connection strings from a
// validated set of pragmas.
package sqliteconfig

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by config validation.
var (
	ErrPathEmpty           = errors.New("path cannot be empty")
	ErrBusyTimeoutNegative = errors.New("busy_timeout must be >= 0")
	ErrInvalidJournalMode  = errors.New("invalid journal_mode")
	ErrWALAutocheckpoint   = errors.New("wal_autocheckpoint must be >= -1")
	ErrInvalidSynchronous  = errors.New("invalid synchronous")
	ErrInvalidTxLock       = errors.New("invalid txlock")
)

// DefaultBusyTimeout is the default busy timeout in milliseconds.
const DefaultBusyTimeout = 10000

// JournalMode represents SQLite journal_mode pragma values.
type JournalMode string

const (
	JournalModeWAL      JournalMode = "WAL"
	JournalModeDelete   JournalMode = "DELETE"
	JournalModeTruncate JournalMode = "TRUNCATE"
	JournalModeMemory   JournalMode = "MEMORY"
)

// IsValid returns true if the JournalMode is valid.
func (j JournalMode) IsValid() bool {
	switch j {
	case JournalModeWAL, JournalModeDelete, JournalModeTruncate, JournalModeMemory:
		return true
	}
	return false
}

// Synchronous represents SQLite synchronous pragma values.
type Synchronous string

const (
	SynchronousOff    Synchronous = "OFF"
	SynchronousNormal Synchronous = "NORMAL"
	SynchronousFull   Synchronous = "FULL"
)

// IsValid returns true if the Synchronous is valid.
func (s Synchronous) IsValid() bool {
	switch s {
	case SynchronousOff, SynchronousNormal, SynchronousFull:
		return true
	}
	return false
}

// TxLock represents SQLite transaction lock mode.
type TxLock string

const (
	TxLockDeferred  TxLock = "deferred"
	TxLockImmediate TxLock = "immediate"
	TxLockExclusive TxLock = "exclusive"
)

// IsValid returns true if the TxLock is valid.
func (t TxLock) IsValid() bool {
	switch t {
	case TxLockDeferred, TxLockImmediate, TxLockExclusive, "":
		return true
	}
	return false
}

// Config holds SQLite database configuration.
type Config struct {
	Path              string      // file path
	BusyTimeout       int         // milliseconds, 0 leaves the driver default
	JournalMode       JournalMode // empty leaves the driver default
	WALAutocheckpoint int         // pages; -1 = not set
	Synchronous       Synchronous
	ForeignKeys       bool
	TxLock            TxLock
	TimeFormat        string // "sqlite" writes times as 2006-01-02 15:04:05.999999999-07:00
}

// Default returns the production configuration. The impersonation log
// relies on foreign keys for ON DELETE CASCADE, so they are always on.
func Default(path string) *Config {
	return &Config{
		Path:              path,
		BusyTimeout:       DefaultBusyTimeout,
		JournalMode:       JournalModeWAL,
		WALAutocheckpoint: 1000,
		Synchronous:       SynchronousNormal,
		ForeignKeys:       true,
		TxLock:            TxLockImmediate,
		TimeFormat:        "sqlite",
	}
}

// FromSettings returns Default adjusted by the database.* config keys.
func FromSettings(path string, writeAheadLog bool, walAutocheckpoint int) *Config {
	cfg := Default(path)
	if !writeAheadLog {
		cfg.JournalMode = JournalModeDelete
		cfg.WALAutocheckpoint = -1
	} else if walAutocheckpoint != 0 {
		cfg.WALAutocheckpoint = walAutocheckpoint
	}
	return cfg
}

// Validate checks if all configuration values are valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return ErrPathEmpty
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrBusyTimeoutNegative, c.BusyTimeout)
	}
	if c.JournalMode != "" && !c.JournalMode.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidJournalMode, c.JournalMode)
	}
	if c.WALAutocheckpoint < -1 {
		return fmt.Errorf("%w, got %d", ErrWALAutocheckpoint, c.WALAutocheckpoint)
	}
	if c.Synchronous != "" && !c.Synchronous.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidSynchronous, c.Synchronous)
	}
	if !c.TxLock.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidTxLock, c.TxLock)
	}
	return nil
}

// ToURL builds the file: connection string with _pragma parameters.
func (c *Config) ToURL() (string, error) {
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("invalid config: %w", err)
	}

	var params []string
	if c.TxLock != "" {
		params = append(params, "_txlock="+string(c.TxLock))
	}
	if c.TimeFormat != "" {
		params = append(params, "_time_format="+c.TimeFormat)
	}
	if c.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout=%d", c.BusyTimeout))
	}
	if c.JournalMode != "" {
		params = append(params, "_pragma=journal_mode="+string(c.JournalMode))
	}
	if c.WALAutocheckpoint >= 0 {
		params = append(params, fmt.Sprintf("_pragma=wal_autocheckpoint=%d", c.WALAutocheckpoint))
	}
	if c.Synchronous != "" {
		params = append(params, "_pragma=synchronous="+string(c.Synchronous))
	}
	if c.ForeignKeys {
		params = append(params, "_pragma=foreign_keys=ON")
	}

	url := "file:" + c.Path
	if len(params) > 0 {
		url += "?" + strings.Join(params, "&")
	}
	return url, nil
}
