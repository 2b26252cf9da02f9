// Package config provides centralized configuration management for the
// coordination core. Configuration is loaded from environment variables
// with sensible defaults. Required configuration that is missing will
// cause the application to fail fast with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port   int
	DB     string
	DBType string // "sqlite" or "postgres"
	Env    string // "production" disables dev bypass regardless of headers

	JWTSecret string

	PlatformFeeRate float64
	HostPenaltyRate float64

	SessionExpirationInterval  time.Duration
	HostHeartbeatTimeout       time.Duration
	HostHeartbeatTimeoutActive time.Duration
	HostHeartbeatCheckInterval time.Duration
	HostOfflineGrace           time.Duration
	HostOfflineGraceActive     time.Duration

	QueuePromotionTTL time.Duration

	StreamConnectTokenTTL time.Duration

	RelayMaxBytesPerSecond int64
	RelayMaxControlPerSec  int
	RelayConnectRatePerMin int
	RelayRoomLingerSeconds int

	RedisAddr string

	MaxGlobalSessions int

	AdminToken string

	// Diagnostics bundle upload target. Uploads are disabled when the
	// bucket is empty. A non-empty endpoint targets MinIO or another
	// S3-compatible service; empty static credentials fall back to the
	// AWS default credential chain.
	DiagnosticsS3Bucket          string
	DiagnosticsS3Region          string
	DiagnosticsS3Endpoint        string
	DiagnosticsS3Prefix          string
	DiagnosticsS3AccessKeyID     string
	DiagnosticsS3SecretAccessKey string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values.
const (
	DefaultPort   = 3333
	DefaultDB     = "relaydesk.db"
	DefaultDBType = "sqlite"
	DefaultEnv    = "development"

	DefaultPlatformFeeRate = 0.1
	DefaultHostPenaltyRate = 0.3

	DefaultSessionExpirationIntervalMs   = 30000
	DefaultHostHeartbeatTimeoutMs        = 60000
	DefaultHostHeartbeatTimeoutActiveMs  = 180000
	DefaultHostHeartbeatCheckIntervalMs  = 30000
	DefaultHostOfflineGraceSeconds       = 45
	DefaultHostOfflineGraceActiveSeconds = 120

	DefaultQueuePromotionTTLSeconds = 90

	DefaultStreamConnectTokenTTLMs = 3600000
	MinStreamConnectTokenTTLMs     = 60000

	DefaultRelayMaxBytesPerSecond = 20 * 1024 * 1024
	DefaultRelayMaxControlPerSec  = 20
	DefaultRelayConnectRatePerMin = 6
	DefaultRelayRoomLingerSeconds = 10

	DefaultMaxGlobalSessions = 500
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   DefaultPort,
		DB:     DefaultDB,
		DBType: DefaultDBType,
		Env:    DefaultEnv,

		PlatformFeeRate: DefaultPlatformFeeRate,
		HostPenaltyRate: DefaultHostPenaltyRate,

		SessionExpirationInterval:  time.Duration(DefaultSessionExpirationIntervalMs) * time.Millisecond,
		HostHeartbeatTimeout:       time.Duration(DefaultHostHeartbeatTimeoutMs) * time.Millisecond,
		HostHeartbeatTimeoutActive: time.Duration(DefaultHostHeartbeatTimeoutActiveMs) * time.Millisecond,
		HostHeartbeatCheckInterval: time.Duration(DefaultHostHeartbeatCheckIntervalMs) * time.Millisecond,
		HostOfflineGrace:           DefaultHostOfflineGraceSeconds * time.Second,
		HostOfflineGraceActive:     DefaultHostOfflineGraceActiveSeconds * time.Second,

		QueuePromotionTTL: DefaultQueuePromotionTTLSeconds * time.Second,

		StreamConnectTokenTTL: time.Duration(DefaultStreamConnectTokenTTLMs) * time.Millisecond,

		RelayMaxBytesPerSecond: DefaultRelayMaxBytesPerSecond,
		RelayMaxControlPerSec:  DefaultRelayMaxControlPerSec,
		RelayConnectRatePerMin: DefaultRelayConnectRatePerMin,
		RelayRoomLingerSeconds: DefaultRelayRoomLingerSeconds,

		MaxGlobalSessions: DefaultMaxGlobalSessions,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"PORT", fmt.Sprintf("invalid port: %q", v)})
		} else {
			c.Port = port
		}
	}

	if v := os.Getenv("RELAYDESK_DB"); v != "" {
		c.DB = v
	}

	if v := os.Getenv("RELAYDESK_DB_TYPE"); v != "" {
		c.DBType = v
	}

	if v := os.Getenv("APP_ENV"); v != "" {
		c.Env = v
	}

	if v := os.Getenv("RELAYDESK_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}

	if v := os.Getenv("PLATFORM_FEE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"PLATFORM_FEE_RATE", fmt.Sprintf("invalid rate: %q", v)})
		} else {
			c.PlatformFeeRate = f
		}
	}

	if v := os.Getenv("HOST_PENALTY_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"HOST_PENALTY_RATE", fmt.Sprintf("invalid rate: %q", v)})
		} else {
			c.HostPenaltyRate = f
		}
	}

	if ms, ok, err := envMillis(&parseErrors, "SESSION_EXPIRATION_INTERVAL_MS"); err == nil && ok {
		c.SessionExpirationInterval = ms
	}
	if ms, ok, err := envMillis(&parseErrors, "HOST_HEARTBEAT_TIMEOUT_MS"); err == nil && ok {
		c.HostHeartbeatTimeout = ms
	}
	if ms, ok, err := envMillis(&parseErrors, "HOST_HEARTBEAT_TIMEOUT_ACTIVE_MS"); err == nil && ok {
		c.HostHeartbeatTimeoutActive = ms
	}
	if ms, ok, err := envMillis(&parseErrors, "HOST_HEARTBEAT_CHECK_INTERVAL_MS"); err == nil && ok {
		c.HostHeartbeatCheckInterval = ms
	}

	if v := os.Getenv("HOST_OFFLINE_GRACE_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"HOST_OFFLINE_GRACE_SECONDS", fmt.Sprintf("invalid seconds: %q", v)})
		} else {
			c.HostOfflineGrace = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("HOST_OFFLINE_GRACE_ACTIVE_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"HOST_OFFLINE_GRACE_ACTIVE_SECONDS", fmt.Sprintf("invalid seconds: %q", v)})
		} else {
			c.HostOfflineGraceActive = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("QUEUE_PROMOTION_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"QUEUE_PROMOTION_TTL_SECONDS", fmt.Sprintf("invalid seconds: %q", v)})
		} else {
			c.QueuePromotionTTL = time.Duration(secs) * time.Second
		}
	}

	if ms, ok, err := envMillis(&parseErrors, "STREAM_CONNECT_TOKEN_TTL_MS"); err == nil && ok {
		c.StreamConnectTokenTTL = ms
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}

	if v := os.Getenv("MAX_GLOBAL_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"MAX_GLOBAL_SESSIONS", fmt.Sprintf("invalid count: %q", v)})
		} else {
			c.MaxGlobalSessions = n
		}
	}

	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}

	c.DiagnosticsS3Bucket = os.Getenv("DIAGNOSTICS_S3_BUCKET")
	c.DiagnosticsS3Region = os.Getenv("DIAGNOSTICS_S3_REGION")
	c.DiagnosticsS3Endpoint = os.Getenv("DIAGNOSTICS_S3_ENDPOINT")
	c.DiagnosticsS3Prefix = os.Getenv("DIAGNOSTICS_S3_PREFIX")
	c.DiagnosticsS3AccessKeyID = os.Getenv("DIAGNOSTICS_S3_ACCESS_KEY_ID")
	c.DiagnosticsS3SecretAccessKey = os.Getenv("DIAGNOSTICS_S3_SECRET_ACCESS_KEY")

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

func envMillis(errs *ValidationErrors, name string) (time.Duration, bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, ValidationError{name, fmt.Sprintf("invalid milliseconds: %q", v)})
		return 0, false, err
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{"PORT", fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port)})
	}
	if c.DB == "" {
		errs = append(errs, ValidationError{"RELAYDESK_DB", "database path cannot be empty"})
	}
	if c.DBType != "sqlite" && c.DBType != "postgres" {
		errs = append(errs, ValidationError{"RELAYDESK_DB_TYPE", "must be sqlite or postgres"})
	}
	if c.PlatformFeeRate < 0 || c.PlatformFeeRate > 1 {
		errs = append(errs, ValidationError{"PLATFORM_FEE_RATE", "must be within [0,1]"})
	}
	if c.HostPenaltyRate < 0 || c.HostPenaltyRate > 1 {
		errs = append(errs, ValidationError{"HOST_PENALTY_RATE", "must be within [0,1]"})
	}
	if c.StreamConnectTokenTTL < MinStreamConnectTokenTTLMs*time.Millisecond {
		errs = append(errs, ValidationError{"STREAM_CONNECT_TOKEN_TTL_MS", "must be at least 60000ms"})
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errs = append(errs, ValidationError{"RELAYDESK_JWT_SECRET", "required in production"})
	}

	return errs
}

// IsProduction reports whether the dev bypass and dev-header auth paths
// must be disabled regardless of request headers.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// MustLoad loads configuration and exits the process on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadWithFlags loads configuration from the environment, then applies
// command-line flag overrides, re-validating afterward.
func LoadWithFlags(port int, db string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if port != 0 && port != DefaultPort {
		cfg.Port = port
	}
	if db != "" && db != DefaultDB {
		cfg.DB = db
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}
