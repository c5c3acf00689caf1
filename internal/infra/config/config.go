// Package config loads and exposes the whole application's configuration.
// It reads environment variables from a .env file (via godotenv), validates
// and normalizes them, and serves a read-mostly snapshot through a
// goroutine-safe singleton. Required keys (the shared MTProto app
// credentials) fail loudly; everything else gets
// a validated default plus an accumulated warning when missing or malformed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"promofleet/internal/infra/timeutil"
)

// EnvConfig is the fully resolved, already-validated configuration for one
// process run.
type EnvConfig struct {
	APIID   int
	APIHash string
	TestDC  bool

	DataDir     string
	StatsDir    string
	BBoltPath   string
	LogLevel    string
	LogFile     string
	AppTimezone string

	ActiveSlots               int
	RotationInterval          time.Duration
	MinRotationInterval       time.Duration
	MaxRotationInterval       time.Duration
	RotationJitterPercentage  float64
	MinActiveChangePercentage float64

	HealthCheckInterval time.Duration
	ConnectionTimeout   time.Duration
	DisconnectTimeout   time.Duration
	RemoteProbeTimeout  time.Duration

	PromotionTickSecs time.Duration
	MessageCheckDelay time.Duration

	MaxQueueSize             int
	MaxResultsSize           int
	AutoSaveInterval         time.Duration
	MaxConcurrentConnections int
	MaxRotationHistory       int

	NotifyWebhookURL string
	NotifyRPS        int
}

// Config is the goroutine-safe holder for EnvConfig plus accumulated load
// warnings.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultDataDir            = "data"
	defaultStatsDir           = "."
	defaultBBoltFile          = "data/promofleet.bbolt"
	defaultLogLevel           = "info"
	defaultAppTimezone        = "UTC"
	defaultActiveSlots        = 4
	defaultRotationInterval   = 4 * time.Hour
	defaultMinRotation        = 3 * time.Hour
	defaultMaxRotation        = 6 * time.Hour
	defaultRotationJitterPct  = 0.30
	defaultMinActiveChangePct = 0.30
	defaultHealthCheckIval    = 5 * time.Minute
	defaultConnectionTimeout  = 30 * time.Second
	defaultDisconnectTimeout  = 5 * time.Second
	defaultRemoteProbeTimeout = 10 * time.Second
	defaultPromotionInterval  = 5
	defaultMessageCheckDelay  = 10 * time.Second
	defaultMaxQueueSize       = 1000
	defaultMaxResultsSize     = 5000
	defaultAutoSaveInterval   = 5 * time.Minute
	defaultMaxConnections     = 100
	defaultMaxRotationHist    = 50
	defaultNotifyRPS          = 1
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load reads the .env at envPath and installs the result as the global
// singleton. Calling it twice is an error, to avoid config races at startup.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig performs the actual parse/validate without touching global
// state, which makes it usable directly from tests.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	var warnings []string

	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	dataDir := sanitizeFile("DATA_DIR", os.Getenv("DATA_DIR"), defaultDataDir, &warnings)
	statsDir := sanitizeFile("STATS_DIR", os.Getenv("STATS_DIR"), defaultStatsDir, &warnings)
	bboltPath := sanitizeFile("BBOLT_PATH", os.Getenv("BBOLT_PATH"), defaultBBoltFile, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	appTimezone := sanitizeTimezone(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		TestDC:      testDC,
		DataDir:     dataDir,
		StatsDir:    statsDir,
		BBoltPath:   bboltPath,
		LogLevel:    logLevel,
		LogFile:     logFile,
		AppTimezone: appTimezone,

		ActiveSlots:               parseIntDefault("ACTIVE_SLOTS", defaultActiveSlots, greaterThanZero, &warnings),
		RotationInterval:          parseDurationDefault("ROTATION_INTERVAL", defaultRotationInterval, &warnings),
		MinRotationInterval:       parseDurationDefault("MIN_ROTATION_INTERVAL", defaultMinRotation, &warnings),
		MaxRotationInterval:       parseDurationDefault("MAX_ROTATION_INTERVAL", defaultMaxRotation, &warnings),
		RotationJitterPercentage:  parseFloatDefault("ROTATION_JITTER_PERCENTAGE", defaultRotationJitterPct, &warnings),
		MinActiveChangePercentage: parseFloatDefault("MIN_ACTIVE_CHANGE_PERCENTAGE", defaultMinActiveChangePct, &warnings),

		HealthCheckInterval: parseDurationDefault("HEALTH_CHECK_INTERVAL", defaultHealthCheckIval, &warnings),
		ConnectionTimeout:   parseDurationDefault("CONNECTION_TIMEOUT", defaultConnectionTimeout, &warnings),
		DisconnectTimeout:   parseDurationDefault("DISCONNECT_TIMEOUT", defaultDisconnectTimeout, &warnings),
		RemoteProbeTimeout:  parseDurationDefault("REMOTE_PROBE_TIMEOUT", defaultRemoteProbeTimeout, &warnings),

		PromotionTickSecs: parseDurationDefault("PROMOTION_INTERVAL", defaultPromotionInterval*time.Second, &warnings),
		MessageCheckDelay: parseDurationDefault("MESSAGE_CHECK_DELAY", defaultMessageCheckDelay, &warnings),

		MaxQueueSize:             parseIntDefault("MAX_QUEUE_SIZE", defaultMaxQueueSize, greaterThanZero, &warnings),
		MaxResultsSize:           parseIntDefault("MAX_RESULTS_SIZE", defaultMaxResultsSize, greaterThanZero, &warnings),
		AutoSaveInterval:         parseDurationDefault("AUTO_SAVE_INTERVAL", defaultAutoSaveInterval, &warnings),
		MaxConcurrentConnections: parseIntDefault("MAX_CONCURRENT_CONNECTIONS", defaultMaxConnections, greaterThanZero, &warnings),
		MaxRotationHistory:       parseIntDefault("MAX_ROTATION_HISTORY", defaultMaxRotationHist, greaterThanZero, &warnings),

		NotifyWebhookURL: strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL")),
		NotifyRPS:        parseIntDefault("NOTIFY_RPS", defaultNotifyRPS, greaterThanZero, &warnings),
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings returns the accumulated load-time warnings (a copy).
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	out := make([]string, len(cfgInstance.warnings))
	copy(out, cfgInstance.warnings)
	return out
}

// Env returns the global EnvConfig snapshot.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func parseFloatDefault(name string, defaultVal float64, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 || v > 1 {
		appendWarningf(warnings, "env %s value %q is invalid; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parseDurationDefault accepts either a Go duration string ("4h30m") or a
// bare integer, interpreted as seconds, to stay friendly to operators who
// just want to type a number.
func parseDurationDefault(name string, defaultVal time.Duration, warnings *[]string) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %s", name, defaultVal)
		return defaultVal
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	appendWarningf(warnings, "env %s value %q is not a valid duration; using default %s", name, value, defaultVal)
	return defaultVal
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }

func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

func sanitizeTimezone(value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "env APP_TIMEZONE value %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
