// Package config loads the impersonate service configuration from config
// files, .env files and IMPERSONATE_* environment variables through Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// JSONLogFormat indicates JSON log format.
	JSONLogFormat = "json"
	// TextLogFormat indicates text log format.
	TextLogFormat = "text"

	// EnvPrefix is the prefix of environment variables (IMPERSONATE_LISTEN_ADDR).
	EnvPrefix = "IMPERSONATE"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Format     string        `mapstructure:"format"`
	Level      zerolog.Level `mapstructure:"level"`
	WithCaller bool          `mapstructure:"with_caller"`
}

// SessionConfig holds session configuration.
type SessionConfig struct {
	AuthenticationKey string        `mapstructure:"authentication_key"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
	CookieName        string        `mapstructure:"cookie_name"`
	CookieExpiry      time.Duration `mapstructure:"cookie_expiry"`
	Secure            bool          `mapstructure:"secure"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	WriteAheadLog     bool   `mapstructure:"write_ahead_log"`
	WALAutocheckpoint int    `mapstructure:"wal_autocheckpoint"`
}

// RedisConfig holds Redis configuration for background tasks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds background worker configuration.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// OIDCConfig holds OIDC authentication configuration.
type OIDCConfig struct {
	Issuer       string   `mapstructure:"issuer"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// CORSConfig lists the origins allowed to call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ImpersonateConfig holds the impersonation settings.
type ImpersonateConfig struct {
	// MaxDuration ends sessions older than this. Zero disables expiry.
	MaxDuration      time.Duration `mapstructure:"max_duration"`
	RequireSuperuser bool          `mapstructure:"require_superuser"`
	AllowSuperuser   bool          `mapstructure:"allow_superuser"`
	RequireReason    bool          `mapstructure:"require_reason"`
	ReadOnly         bool          `mapstructure:"read_only"`
	DisableLogging   bool          `mapstructure:"disable_logging"`
	MaxFilterSize    int           `mapstructure:"max_filter_size"`
	PageSize         int           `mapstructure:"page_size"`
	TimeZone         string        `mapstructure:"time_zone"`
}

// Location resolves TimeZone. "Local" and "" are the server zone.
func (c ImpersonateConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("impersonate.time_zone: %w", err)
	}
	return loc, nil
}

// Config is the full service configuration.
type Config struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	AdvertiseURL     string        `mapstructure:"advertise_url"`
	AdminModeTimeout time.Duration `mapstructure:"admin_mode_timeout"`

	Session     SessionConfig     `mapstructure:"session"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	OIDC        OIDCConfig        `mapstructure:"oidc"`
	Logging     LogConfig         `mapstructure:"logging"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Impersonate ImpersonateConfig `mapstructure:"impersonate"`
}

// LoaderConfig holds configuration for the config loader.
type LoaderConfig struct {
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix string

	// ConfigPaths is a list of directories to search for config files.
	ConfigPaths []string

	// ConfigName is the name of the config file (without extension).
	ConfigName string

	// EnvFiles are .env files loaded into the environment before reading.
	// Missing files are skipped.
	EnvFiles []string

	// Defaults is a map of default values.
	Defaults map[string]interface{}
}

// DefaultLoaderConfig returns default loader configuration.
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		EnvPrefix:  EnvPrefix,
		ConfigName: "config",
		ConfigPaths: []string{
			"/etc/impersonate/",
			"$HOME/.impersonate",
			".",
		},
		EnvFiles: []string{".env"},
		Defaults: map[string]interface{}{
			"listen_addr":                   "localhost:8080",
			"admin_mode_timeout":            30 * time.Minute,
			"session.cookie_name":           "impersonate_session",
			"session.cookie_expiry":         24 * time.Hour,
			"session.secure":                false,
			"database.path":                 "impersonate.db",
			"database.write_ahead_log":      true,
			"database.wal_autocheckpoint":   1000,
			"redis.addr":                    "localhost:6379",
			"redis.password":                "",
			"redis.db":                      0,
			"worker.concurrency":            10,
			"oidc.scopes":                   []string{"openid", "profile", "email"},
			"logging.level":                 "info",
			"logging.format":                TextLogFormat,
			"logging.with_caller":           false,
			"cors.allowed_origins":          []string{},
			"impersonate.max_duration":      30 * time.Minute,
			"impersonate.require_superuser": false,
			"impersonate.allow_superuser":   false,
			"impersonate.require_reason":    true,
			"impersonate.read_only":         false,
			"impersonate.disable_logging":   false,
			"impersonate.max_filter_size":   100,
			"impersonate.page_size":         20,
			"impersonate.time_zone":         "Local",
		},
	}
}

// LoadEnvFiles loads .env files into the process environment. Variables
// already set are kept, and missing files are skipped.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
		log.Debug().Str("file", f).Msg("Loaded environment file")
	}
	return nil
}

// Load reads configuration from file and environment variables.
// If configPath is empty, it searches in default paths and runs on
// defaults and environment when no config file is found.
// If isFile is true, configPath is treated as a direct file path that
// must exist.
func Load(configPath string, isFile bool, cfg *LoaderConfig) error {
	if cfg == nil {
		cfg = DefaultLoaderConfig()
	}

	log.Debug().Msg("Loading configuration")

	if err := LoadEnvFiles(cfg.EnvFiles...); err != nil {
		return err
	}

	if isFile {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName(cfg.ConfigName)
		if configPath == "" {
			for _, path := range cfg.ConfigPaths {
				viper.AddConfigPath(path)
			}
		} else {
			viper.AddConfigPath(configPath)
		}
	}

	viper.SetEnvPrefix(cfg.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, value := range cfg.Defaults {
		viper.SetDefault(key, value)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if isFile || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
		log.Debug().Msg("No config file found, using defaults and environment")
		return nil
	}

	log.Debug().
		Str("config_file", viper.ConfigFileUsed()).
		Msg("Configuration loaded")

	return nil
}

// GetLogConfig returns the logging configuration from Viper.
func GetLogConfig() LogConfig {
	logLevelStr := viper.GetString("logging.level")
	logLevel, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	logFormatOpt := viper.GetString("logging.format")
	var logFormat string
	switch logFormatOpt {
	case JSONLogFormat:
		logFormat = JSONLogFormat
	case TextLogFormat, "":
		logFormat = TextLogFormat
	default:
		log.Warn().
			Str("format", logFormatOpt).
			Msg("Invalid log format, using text")
		logFormat = TextLogFormat
	}

	return LogConfig{
		Format:     logFormat,
		Level:      logLevel,
		WithCaller: viper.GetBool("logging.with_caller"),
	}
}

// GetConfig returns the configuration from Viper. Call it after Load.
func GetConfig() *Config {
	return &Config{
		ListenAddr:       viper.GetString("listen_addr"),
		AdvertiseURL:     strings.TrimSuffix(viper.GetString("advertise_url"), "/"),
		AdminModeTimeout: viper.GetDuration("admin_mode_timeout"),
		Logging:          GetLogConfig(),
		Database: DatabaseConfig{
			Path:              viper.GetString("database.path"),
			WriteAheadLog:     viper.GetBool("database.write_ahead_log"),
			WALAutocheckpoint: viper.GetInt("database.wal_autocheckpoint"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Concurrency: viper.GetInt("worker.concurrency"),
		},
		Session: SessionConfig{
			CookieName:        viper.GetString("session.cookie_name"),
			CookieExpiry:      viper.GetDuration("session.cookie_expiry"),
			Secure:            viper.GetBool("session.secure"),
			AuthenticationKey: viper.GetString("session.authentication_key"),
			EncryptionKey:     viper.GetString("session.encryption_key"),
		},
		OIDC: OIDCConfig{
			ClientID:     viper.GetString("oidc.client_id"),
			ClientSecret: viper.GetString("oidc.client_secret"),
			Issuer:       viper.GetString("oidc.issuer"),
			Scopes:       viper.GetStringSlice("oidc.scopes"),
		},
		CORS: CORSConfig{
			AllowedOrigins: viper.GetStringSlice("cors.allowed_origins"),
		},
		Impersonate: ImpersonateConfig{
			MaxDuration:      viper.GetDuration("impersonate.max_duration"),
			RequireSuperuser: viper.GetBool("impersonate.require_superuser"),
			AllowSuperuser:   viper.GetBool("impersonate.allow_superuser"),
			RequireReason:    viper.GetBool("impersonate.require_reason"),
			ReadOnly:         viper.GetBool("impersonate.read_only"),
			DisableLogging:   viper.GetBool("impersonate.disable_logging"),
			MaxFilterSize:    viper.GetInt("impersonate.max_filter_size"),
			PageSize:         viper.GetInt("impersonate.page_size"),
			TimeZone:         viper.GetString("impersonate.time_zone"),
		},
	}
}

// SetupLogging applies a logging configuration to the global zerolog logger.
func SetupLogging(cfg LogConfig) {
	zerolog.SetGlobalLevel(cfg.Level)

	logger := log.Logger
	if cfg.Format == TextLogFormat {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if cfg.WithCaller {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger
}

// ValidateRequired checks that required configuration fields are set.
func ValidateRequired(fields map[string]string) error {
	var missing []string
	for field, description := range fields {
		if viper.GetString(field) == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", field, description))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateSessionKeys validates that session keys are the correct length.
func ValidateSessionKeys() error {
	authKey := viper.GetString("session.authentication_key")
	encKey := viper.GetString("session.encryption_key")

	if len(authKey) != 32 {
		return fmt.Errorf("session.authentication_key must be 32 bytes, got %d", len(authKey))
	}
	if len(encKey) != 32 {
		return fmt.Errorf("session.encryption_key must be 32 bytes, got %d", len(encKey))
	}
	return nil
}

// ValidateServe checks the settings the HTTP server cannot start without.
func ValidateServe(cfg *Config) error {
	if err := ValidateRequired(map[string]string{
		"advertise_url":      "public URL of the service",
		"oidc.issuer":        "OIDC issuer URL",
		"oidc.client_id":     "OIDC client ID",
		"oidc.client_secret": "OIDC client secret",
	}); err != nil {
		return err
	}
	if err := ValidateSessionKeys(); err != nil {
		return err
	}
	if _, err := cfg.Impersonate.Location(); err != nil {
		return err
	}
	if cfg.Impersonate.MaxDuration < 0 {
		return fmt.Errorf("impersonate.max_duration must be >= 0, got %s", cfg.Impersonate.MaxDuration)
	}
	if cfg.Impersonate.MaxFilterSize < 0 {
		return fmt.Errorf("impersonate.max_filter_size must be >= 0, got %d", cfg.Impersonate.MaxFilterSize)
	}
	// The session cookie is sent cross-origin, so every origin must be named.
	if slices.Contains(cfg.CORS.AllowedOrigins, "*") {
		return errors.New(`cors.allowed_origins cannot contain "*"`)
	}
	return nil
}
