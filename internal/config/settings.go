package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DeliveryType selects which delivery strategy a Tracker uses.
type DeliveryType string

const (
	Immediate       DeliveryType = "IMMEDIATE"
	MemQueue        DeliveryType = "MEM_QUEUE"
	PersistentQueue DeliveryType = "PERSISTENT_QUEUE"
)

// Settings is the fully-resolved, immutable configuration for one Tracker.
type Settings struct {
	APIKey   string
	APIKeyID string
	APIBase  string
	APIURL   string

	DeliveryType DeliveryType
	DBPath       string

	Timeout       time.Duration
	PollInterval  time.Duration
	BatchInterval time.Duration

	MaxAttempts  int
	MaxRetries   int
	QueueSize    int
	MaxBatchSize int

	RaiseOnError  bool
	LimitsEnabled bool

	LogLevel  slog.Level
	LogBodies bool

	// DeliveryLogFile is resolved from AICM_DELIVERY_LOG_FILE or the
	// [tracker] section. No component in this module reads it: logging
	// always goes to the logger handed to the Tracker.
	DeliveryLogFile string

	// ShutdownDeadline bounds how long the in-memory queue's Close keeps
	// pulling buffered records into its final flush. The persistent queue
	// does not read it; its Close finishes the current batch and is
	// bounded only by the ctx passed to Close.
	ShutdownDeadline time.Duration
}

// TrackURL returns the full URL the tracking endpoint lives at.
func (s Settings) TrackURL() string {
	return s.APIBase + s.APIURL + "/track"
}

// LimitsURL returns the full URL the triggered-limits endpoint lives at.
func (s Settings) LimitsURL() string {
	return s.APIBase + s.APIURL + "/triggered-limits"
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "aicm", "queue.db")
}

func defaults() Settings {
	return Settings{
		APIBase:          "https://aicostmanager.com",
		APIURL:           "/api/v1",
		DeliveryType:     Immediate,
		DBPath:           defaultDBPath(),
		Timeout:          10 * time.Second,
		PollInterval:     100 * time.Millisecond,
		BatchInterval:    500 * time.Millisecond,
		MaxAttempts:      3,
		MaxRetries:       5,
		QueueSize:        10000,
		MaxBatchSize:     100,
		RaiseOnError:     false,
		LimitsEnabled:    false,
		LogLevel:         slog.LevelInfo,
		LogBodies:        false,
		ShutdownDeadline: 30 * time.Second,
	}
}

// Resolve merges overrides, AICM_* environment variables, the store's
// [tracker] section, and built-in defaults, in that precedence order
// (highest first), into one immutable Settings value.
func Resolve(overrides Settings, store *Store) (Settings, error) {
	acc := defaults()

	var storeSection map[string]string
	if store != nil {
		storeSection = store.GetSection("tracker")
	}

	apply := func(key string, setFromEnv, setFromStore func(string) error, overrideNonZero bool, applyOverride func()) error {
		if overrideNonZero {
			applyOverride()
			return nil
		}
		if raw, ok := lookupEnv(key); ok {
			return setFromEnv(raw)
		}
		if raw, ok := storeSection[strings.ToLower(key)]; ok {
			return setFromStore(raw)
		}
		return nil
	}

	if err := apply("API_KEY", func(raw string) error { acc.APIKey = raw; return nil },
		func(raw string) error { acc.APIKey = raw; return nil },
		overrides.APIKey != "", func() { acc.APIKey = overrides.APIKey }); err != nil {
		return Settings{}, err
	}

	if err := apply("API_KEY_ID", func(raw string) error { acc.APIKeyID = raw; return nil },
		func(raw string) error { acc.APIKeyID = raw; return nil },
		overrides.APIKeyID != "", func() { acc.APIKeyID = overrides.APIKeyID }); err != nil {
		return Settings{}, err
	}

	if err := apply("API_BASE", func(raw string) error { acc.APIBase = raw; return nil },
		func(raw string) error { acc.APIBase = raw; return nil },
		overrides.APIBase != "", func() { acc.APIBase = overrides.APIBase }); err != nil {
		return Settings{}, err
	}

	if err := apply("API_URL", func(raw string) error { acc.APIURL = raw; return nil },
		func(raw string) error { acc.APIURL = raw; return nil },
		overrides.APIURL != "", func() { acc.APIURL = overrides.APIURL }); err != nil {
		return Settings{}, err
	}

	deliveryExplicit := overrides.DeliveryType != ""
	if err := apply("DELIVERY_TYPE",
		func(raw string) error { return parseDeliveryType(raw, &acc.DeliveryType) },
		func(raw string) error { return parseDeliveryType(raw, &acc.DeliveryType) },
		deliveryExplicit, func() { acc.DeliveryType = overrides.DeliveryType }); err != nil {
		return Settings{}, err
	}

	dbPathExplicit := overrides.DBPath != ""
	if err := apply("DB_PATH", func(raw string) error { acc.DBPath = raw; return nil },
		func(raw string) error { acc.DBPath = raw; return nil },
		dbPathExplicit, func() { acc.DBPath = overrides.DBPath }); err != nil {
		return Settings{}, err
	}

	// DELIVERY_TYPE defaults to PERSISTENT_QUEUE when DB_PATH was set by
	// any source but DeliveryType was not explicitly chosen by any source
	// above defaults().
	if !deliveryExplicit && acc.DeliveryType == Immediate && dbPathWasSet(dbPathExplicit, storeSection) {
		acc.DeliveryType = PersistentQueue
	}

	if err := apply("TIMEOUT", durationSetter(&acc.Timeout), durationSetter(&acc.Timeout),
		overrides.Timeout != 0, func() { acc.Timeout = overrides.Timeout }); err != nil {
		return Settings{}, err
	}
	if err := apply("POLL_INTERVAL", durationSetter(&acc.PollInterval), durationSetter(&acc.PollInterval),
		overrides.PollInterval != 0, func() { acc.PollInterval = overrides.PollInterval }); err != nil {
		return Settings{}, err
	}
	if err := apply("BATCH_INTERVAL", durationSetter(&acc.BatchInterval), durationSetter(&acc.BatchInterval),
		overrides.BatchInterval != 0, func() { acc.BatchInterval = overrides.BatchInterval }); err != nil {
		return Settings{}, err
	}
	if err := apply("SHUTDOWN_DEADLINE", durationSetter(&acc.ShutdownDeadline), durationSetter(&acc.ShutdownDeadline),
		overrides.ShutdownDeadline != 0, func() { acc.ShutdownDeadline = overrides.ShutdownDeadline }); err != nil {
		return Settings{}, err
	}

	if err := apply("MAX_ATTEMPTS", intSetter(&acc.MaxAttempts), intSetter(&acc.MaxAttempts),
		overrides.MaxAttempts != 0, func() { acc.MaxAttempts = overrides.MaxAttempts }); err != nil {
		return Settings{}, err
	}
	if err := apply("MAX_RETRIES", intSetter(&acc.MaxRetries), intSetter(&acc.MaxRetries),
		overrides.MaxRetries != 0, func() { acc.MaxRetries = overrides.MaxRetries }); err != nil {
		return Settings{}, err
	}
	if err := apply("QUEUE_SIZE", intSetter(&acc.QueueSize), intSetter(&acc.QueueSize),
		overrides.QueueSize != 0, func() { acc.QueueSize = overrides.QueueSize }); err != nil {
		return Settings{}, err
	}
	if err := apply("MAX_BATCH_SIZE", intSetter(&acc.MaxBatchSize), intSetter(&acc.MaxBatchSize),
		overrides.MaxBatchSize != 0, func() { acc.MaxBatchSize = overrides.MaxBatchSize }); err != nil {
		return Settings{}, err
	}

	if err := apply("RAISE_ON_ERROR", boolSetter(&acc.RaiseOnError), boolSetter(&acc.RaiseOnError),
		overrides.RaiseOnError, func() { acc.RaiseOnError = overrides.RaiseOnError }); err != nil {
		return Settings{}, err
	}
	if err := apply("LIMITS_ENABLED", boolSetter(&acc.LimitsEnabled), boolSetter(&acc.LimitsEnabled),
		overrides.LimitsEnabled, func() { acc.LimitsEnabled = overrides.LimitsEnabled }); err != nil {
		return Settings{}, err
	}
	if err := apply("LOG_BODIES", boolSetter(&acc.LogBodies), boolSetter(&acc.LogBodies),
		overrides.LogBodies, func() { acc.LogBodies = overrides.LogBodies }); err != nil {
		return Settings{}, err
	}

	if err := apply("LOG_LEVEL", levelSetter(&acc.LogLevel), levelSetter(&acc.LogLevel),
		overrides.LogLevel != 0, func() { acc.LogLevel = overrides.LogLevel }); err != nil {
		return Settings{}, err
	}

	if err := apply("DELIVERY_LOG_FILE", func(raw string) error { acc.DeliveryLogFile = raw; return nil },
		func(raw string) error { acc.DeliveryLogFile = raw; return nil },
		overrides.DeliveryLogFile != "", func() { acc.DeliveryLogFile = overrides.DeliveryLogFile }); err != nil {
		return Settings{}, err
	}

	if acc.APIKey == "" {
		return Settings{}, fmt.Errorf("config: API_KEY is required (set it via the APIKey override, AICM_API_KEY, or the [tracker] config section)")
	}

	return acc, nil
}

func dbPathWasSet(explicit bool, storeSection map[string]string) bool {
	if explicit {
		return true
	}
	if _, ok := lookupEnv("DB_PATH"); ok {
		return true
	}
	_, ok := storeSection["db_path"]
	return ok
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv("AICM_" + key)
}

func parseDeliveryType(raw string, out *DeliveryType) error {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(Immediate):
		*out = Immediate
	case string(MemQueue):
		*out = MemQueue
	case string(PersistentQueue):
		*out = PersistentQueue
	default:
		return fmt.Errorf("config: invalid DELIVERY_TYPE %q", raw)
	}
	return nil
}

func durationSetter(out *time.Duration) func(string) error {
	return func(raw string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, err)
		}
		*out = time.Duration(f * float64(time.Second))
		return nil
	}
}

func intSetter(out *int) func(string) error {
	return func(raw string) error {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("config: invalid integer %q: %w", raw, err)
		}
		*out = n
		return nil
	}
}

func boolSetter(out *bool) func(string) error {
	return func(raw string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("config: invalid boolean %q: %w", raw, err)
		}
		*out = b
		return nil
	}
}

func levelSetter(out *slog.Level) func(string) error {
	return func(raw string) error {
		switch strings.ToUpper(strings.TrimSpace(raw)) {
		case "DEBUG":
			*out = slog.LevelDebug
		case "INFO":
			*out = slog.LevelInfo
		case "WARN", "WARNING":
			*out = slog.LevelWarn
		case "ERROR":
			*out = slog.LevelError
		default:
			return fmt.Errorf("config: invalid LOG_LEVEL %q", raw)
		}
		return nil
	}
}
