package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"

	"github.com/voyagen/streamvault/internal/stream"
)

// Config holds application configuration.
type Config struct {
	DatabaseURL    string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL       string `yaml:"redis_url" env:"REDIS_URL"`
	ServerPort     string `yaml:"server_port" env:"SERVER_PORT"`
	BaseURL        string `yaml:"base_url" env:"BASE_URL"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH"`

	AllowPeerToPeer    bool          `yaml:"allow_peer_to_peer" env:"ALLOW_PEER_TO_PEER"`
	PeerFreshness      time.Duration `yaml:"peer_freshness" env:"PEER_FRESHNESS"`
	PeerCandidateLimit int           `yaml:"peer_candidate_limit" env:"PEER_CANDIDATE_LIMIT"`
	PeerRetention      time.Duration `yaml:"peer_retention" env:"PEER_RETENTION"`
	HeartbeatRate      float64       `yaml:"heartbeat_rate" env:"HEARTBEAT_RATE"`
	HeartbeatBurst     int           `yaml:"heartbeat_burst" env:"HEARTBEAT_BURST"`

	MaxWalkDepth     int                     `yaml:"max_walk_depth" env:"MAX_WALK_DEPTH"`
	ScanWorkers      int                     `yaml:"scan_workers" env:"SCAN_WORKERS"`
	MultiRangePolicy stream.MultiRangePolicy `yaml:"multi_range_policy" env:"MULTI_RANGE_POLICY"`

	RescanSchedule string        `yaml:"rescan_schedule" env:"RESCAN_SCHEDULE"`
	PeerGCSchedule string        `yaml:"peer_gc_schedule" env:"PEER_GC_SCHEDULE"`
	WatchLibraries bool          `yaml:"watch_libraries" env:"WATCH_LIBRARIES"`
	WatchDebounce  time.Duration `yaml:"watch_debounce" env:"WATCH_DEBOUNCE"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Defaults.
const (
	DefaultServerPort     = "8080"
	DefaultMigrationsPath = "migrations"
	DefaultPeerGCSchedule = "@every 10m"
)

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load tries to load .env.local and .env first.
// An empty DATABASE_URL afterwards selects the in-memory catalog.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	f, err := fromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return f.build()
}

// fileConfig is the raw form shared by the env and YAML loaders. Durations
// stay strings so both sources report parse errors the same way; zero values
// mean "use the default".
type fileConfig struct {
	DatabaseURL        string  `yaml:"database_url"`
	RedisURL           string  `yaml:"redis_url"`
	ServerPort         string  `yaml:"server_port"`
	BaseURL            string  `yaml:"base_url"`
	MigrationsPath     string  `yaml:"migrations_path"`
	AllowPeerToPeer    bool    `yaml:"allow_peer_to_peer"`
	PeerFreshness      string  `yaml:"peer_freshness"`
	PeerCandidateLimit int     `yaml:"peer_candidate_limit"`
	PeerRetention      string  `yaml:"peer_retention"`
	HeartbeatRate      float64 `yaml:"heartbeat_rate"`
	HeartbeatBurst     int     `yaml:"heartbeat_burst"`
	MaxWalkDepth       int     `yaml:"max_walk_depth"`
	ScanWorkers        int     `yaml:"scan_workers"`
	MultiRangePolicy   string  `yaml:"multi_range_policy"`
	RescanSchedule     string  `yaml:"rescan_schedule"`
	PeerGCSchedule     *string `yaml:"peer_gc_schedule"`
	WatchLibraries     bool    `yaml:"watch_libraries"`
	WatchDebounce      string  `yaml:"watch_debounce"`
	LogLevel           string  `yaml:"log_level"`
	LogFormat          string  `yaml:"log_format"`
}

// fromEnv reads the raw config through lookupEnv (os.LookupEnv in production).
func fromEnv(lookupEnv func(string) (string, bool)) (fileConfig, error) {
	getenv := func(key string) string {
		v, _ := lookupEnv(key)
		return v
	}
	f := fileConfig{
		DatabaseURL:      getenv("DATABASE_URL"),
		RedisURL:         getenv("REDIS_URL"),
		ServerPort:       getenv("SERVER_PORT"),
		BaseURL:          getenv("BASE_URL"),
		MigrationsPath:   getenv("MIGRATIONS_PATH"),
		PeerFreshness:    getenv("PEER_FRESHNESS"),
		PeerRetention:    getenv("PEER_RETENTION"),
		MultiRangePolicy: getenv("MULTI_RANGE_POLICY"),
		RescanSchedule:   getenv("RESCAN_SCHEDULE"),
		WatchDebounce:    getenv("WATCH_DEBOUNCE"),
		LogLevel:         getenv("LOG_LEVEL"),
		LogFormat:        getenv("LOG_FORMAT"),
	}
	// Set-but-empty turns the peer GC job off.
	if v, ok := lookupEnv("PEER_GC_SCHEDULE"); ok {
		f.PeerGCSchedule = &v
	}

	var err error
	parseBool := func(key string, dst *bool) {
		if s := getenv(key); s != "" && err == nil {
			if *dst, err = strconv.ParseBool(s); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	parseInt := func(key string, dst *int) {
		if s := getenv(key); s != "" && err == nil {
			if *dst, err = strconv.Atoi(s); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	parseBool("ALLOW_PEER_TO_PEER", &f.AllowPeerToPeer)
	parseBool("WATCH_LIBRARIES", &f.WatchLibraries)
	parseInt("PEER_CANDIDATE_LIMIT", &f.PeerCandidateLimit)
	parseInt("HEARTBEAT_BURST", &f.HeartbeatBurst)
	parseInt("MAX_WALK_DEPTH", &f.MaxWalkDepth)
	parseInt("SCAN_WORKERS", &f.ScanWorkers)
	if s := getenv("HEARTBEAT_RATE"); s != "" && err == nil {
		if f.HeartbeatRate, err = strconv.ParseFloat(s, 64); err != nil {
			err = fmt.Errorf("HEARTBEAT_RATE: %w", err)
		}
	}
	return f, err
}

func (f fileConfig) build() (*Config, error) {
	c := &Config{
		DatabaseURL:        strings.TrimSpace(f.DatabaseURL),
		RedisURL:           strings.TrimSpace(f.RedisURL),
		ServerPort:         orDefault(f.ServerPort, DefaultServerPort),
		MigrationsPath:     orDefault(f.MigrationsPath, DefaultMigrationsPath),
		AllowPeerToPeer:    f.AllowPeerToPeer,
		PeerCandidateLimit: intOrDefault(f.PeerCandidateLimit, 10),
		HeartbeatRate:      f.HeartbeatRate,
		HeartbeatBurst:     intOrDefault(f.HeartbeatBurst, 40),
		MaxWalkDepth:       intOrDefault(f.MaxWalkDepth, 64),
		ScanWorkers:        intOrDefault(f.ScanWorkers, 4),
		RescanSchedule:     strings.TrimSpace(f.RescanSchedule),
		PeerGCSchedule:     DefaultPeerGCSchedule,
		WatchLibraries:     f.WatchLibraries,
		LogLevel:           orDefault(f.LogLevel, "info"),
		LogFormat:          orDefault(strings.ToLower(f.LogFormat), "json"),
	}
	if c.HeartbeatRate <= 0 {
		c.HeartbeatRate = 20
	}
	c.BaseURL = orDefault(strings.TrimRight(f.BaseURL, "/"), "http://localhost:"+c.ServerPort)
	if f.PeerGCSchedule != nil {
		c.PeerGCSchedule = strings.TrimSpace(*f.PeerGCSchedule)
	}

	var err error
	if c.PeerFreshness, err = durationOrDefault("peer_freshness", f.PeerFreshness, 5*time.Minute); err != nil {
		return nil, err
	}
	if c.PeerRetention, err = durationOrDefault("peer_retention", f.PeerRetention, 24*time.Hour); err != nil {
		return nil, err
	}
	if c.WatchDebounce, err = durationOrDefault("watch_debounce", f.WatchDebounce, 2*time.Second); err != nil {
		return nil, err
	}
	if c.MultiRangePolicy, err = stream.ParseMultiRangePolicy(f.MultiRangePolicy); err != nil {
		return nil, fmt.Errorf("multi_range_policy: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return nil, fmt.Errorf("log_format: unknown format %q (want json or console)", c.LogFormat)
	}
	for name, spec := range map[string]string{"rescan_schedule": c.RescanSchedule, "peer_gc_schedule": c.PeerGCSchedule} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	if port, err := strconv.Atoi(c.ServerPort); err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("server_port: invalid port %q", c.ServerPort)
	}
	return c, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

func intOrDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func durationOrDefault(name, s string, def time.Duration) (time.Duration, error) {
	if s = strings.TrimSpace(s); s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", name, d)
	}
	return d, nil
}
