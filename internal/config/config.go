package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr          = "UMBRA_RELAY_LISTEN_ADDR"
	envVarMode                = "UMBRA_RELAY_MODE"
	envVarLogFormat           = "UMBRA_RELAY_LOG_FORMAT"
	envVarLogLevel            = "UMBRA_RELAY_LOG_LEVEL"
	envVarShutdownTimeout     = "UMBRA_RELAY_SHUTDOWN_TIMEOUT"
	envVarAuthMode            = "UMBRA_RELAY_AUTH_MODE"
	envVarJWTSecret           = "UMBRA_RELAY_JWT_SECRET"
	envVarRedisAddr           = "UMBRA_RELAY_REDIS_ADDR"
	envVarMaxOfflinePerDID    = "UMBRA_RELAY_MAX_OFFLINE_PER_DID"
	envVarSessionTTL          = "UMBRA_RELAY_SESSION_TTL"
	envVarMaxCallParticipants = "UMBRA_RELAY_MAX_CALL_PARTICIPANTS"
	envVarMaxMsgsPerSecond    = "UMBRA_RELAY_MAX_MESSAGES_PER_SECOND"
	envVarAllowedOrigins      = "UMBRA_RELAY_ALLOWED_ORIGINS"
)

const (
	DefaultListenAddr      = "127.0.0.1:8787"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev
)

// Mode selects defaults appropriate for development or production.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// AuthMode controls the relay registration gate.
type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

// Config is the dev relay's effective configuration: env vars provide the
// values, flags override them, and everything is validated before use.
type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	JWTSecret string

	// RedisAddr, when set, selects the Redis offline-message store instead of
	// the in-memory one.
	RedisAddr string

	MaxOfflinePerDID    int
	SessionTTL          time.Duration
	MaxCallParticipants int

	// MaxMessagesPerSecond rate-limits envelopes per connection; 0 disables
	// limiting.
	MaxMessagesPerSecond int

	// AllowedOrigins restricts browser upgrades to the listed origins
	// (comma-separated env value, "*" matches any). Empty admits every origin.
	AllowedOrigins []string
}

// Load reads configuration from the environment with flag overrides.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	sessionTTL := time.Duration(0)
	if raw, ok := lookup(envVarSessionTTL); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSessionTTL, raw, err)
		}
		sessionTTL = d
	}

	maxOffline, err := envIntOrDefault(lookup, envVarMaxOfflinePerDID, 0)
	if err != nil {
		return Config{}, err
	}
	maxParticipants, err := envIntOrDefault(lookup, envVarMaxCallParticipants, 0)
	if err != nil {
		return Config{}, err
	}
	maxMsgsPerSecond, err := envIntOrDefault(lookup, envVarMaxMsgsPerSecond, 0)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins := splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, ""))

	fs := flag.NewFlagSet("umbra-relay-dev", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "host:port to listen on")
	modeStr := fs.String("mode", modeDefault, "dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "debug, info, warn, or error")
	authModeStr := fs.String("auth-mode", envOrDefault(lookup, envVarAuthMode, string(AuthModeNone)), "none or jwt")
	redisAddr := fs.String("redis-addr", envOrDefault(lookup, envVarRedisAddr, ""), "redis address for the offline store (empty = in-memory)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(*authModeStr)
	if err != nil {
		return Config{}, err
	}

	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=jwt", envVarJWTSecret, envVarAuthMode)
	}

	if _, _, err := net.SplitHostPort(*listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen addr %q: %w", *listenAddr, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarShutdownTimeout)
	}
	if maxOffline < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", envVarMaxOfflinePerDID)
	}
	if maxParticipants < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", envVarMaxCallParticipants)
	}
	if maxMsgsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", envVarMaxMsgsPerSecond)
	}

	return Config{
		ListenAddr:           *listenAddr,
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
		ShutdownTimeout:      shutdownTimeout,
		AuthMode:             authMode,
		JWTSecret:            jwtSecret,
		RedisAddr:            *redisAddr,
		MaxOfflinePerDID:     maxOffline,
		SessionTTL:           sessionTTL,
		MaxCallParticipants:  maxParticipants,
		MaxMessagesPerSecond: maxMsgsPerSecond,
		AllowedOrigins:       allowedOrigins,
	}, nil
}

// NewLogger constructs the process logger from the validated config.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(raw))) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeJWT:
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (want none or jwt)", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), string(ModeProd)) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), string(ModeProd)) {
		return "info"
	}
	return "debug"
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
