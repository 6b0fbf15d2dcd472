package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBindAddr      = "127.0.0.1:8787"
	defaultRoomName      = "main"
	defaultSendTimeoutMS = 5000
	defaultKeepalive     = "@every 30s"
	defaultBackup        = "@daily"
	defaultBackupKeep    = 7
)

// APIKeyEntry is one accepted API key for the HTTP API.
type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	// ReadOnly keys may only issue GET requests.
	ReadOnly bool `yaml:"read_only"`
}

// AuthConfig controls API key authentication on /api routes.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls cross-origin headers on the HTTP API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls per-key request rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// TelemetryConfig mirrors otel.Config so config.yaml can carry it.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// ScheduleConfig holds cron expressions for background jobs. An empty
// expression disables the job.
type ScheduleConfig struct {
	Keepalive string `yaml:"keepalive"`
	Backup    string `yaml:"backup"`
	BackupDir string `yaml:"backup_dir"`
	// BackupKeep is how many backup files to retain. 0 keeps all.
	BackupKeep int `yaml:"backup_keep"`
}

// StalenessConfig tunes the derived-state engine.
type StalenessConfig struct {
	// Memoize caches derived state keyed by stream lengths.
	Memoize bool `yaml:"memoize"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// RoomName identifies the single broadcast room.
	RoomName string `yaml:"room_name"`

	// SendTimeoutMS bounds each per-connection write during fan-out.
	SendTimeoutMS int `yaml:"send_timeout_ms"`

	// MaxRequestBytes caps request bodies. 0 uses the gateway default.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful HTTP shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Schedules ScheduleConfig  `yaml:"schedules"`
	Staleness StalenessConfig `yaml:"staleness"`
}

// SendTimeout returns SendTimeoutMS as a duration.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the active config, exposed on /healthz.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|room=%s|send=%d|origins=%v|auth=%t|cors=%t|rl=%t",
		c.BindAddr, c.LogLevel, c.DBPath, c.RoomName, c.SendTimeoutMS, c.AllowOrigins,
		c.Auth.Enabled, c.CORS.Enabled, c.RateLimit.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		LogLevel:            "info",
		RoomName:            defaultRoomName,
		SendTimeoutMS:       defaultSendTimeoutMS,
		DrainTimeoutSeconds: 5,
		Schedules: ScheduleConfig{
			Keepalive:  defaultKeepalive,
			Backup:     defaultBackup,
			BackupKeep: defaultBackupKeep,
		},
		Staleness: StalenessConfig{Memoize: true},
	}
}

func HomeDir() string {
	if override := os.Getenv("STATUSBOARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".statusboard")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create statusboard home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "statusboard.db")
	}
	if strings.TrimSpace(cfg.RoomName) == "" {
		cfg.RoomName = defaultRoomName
	}
	if cfg.SendTimeoutMS <= 0 {
		cfg.SendTimeoutMS = defaultSendTimeoutMS
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.Schedules.BackupDir) == "" {
		cfg.Schedules.BackupDir = filepath.Join(cfg.HomeDir, "backups")
	}
}

func validate(cfg *Config) error {
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth.enabled is true but no auth.keys are configured")
	}
	for i, k := range cfg.Auth.Keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("auth.keys[%d] has an empty key", i)
		}
	}
	if cfg.Schedules.BackupKeep < 0 {
		return fmt.Errorf("schedules.backup_keep must not be negative")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.BurstSize < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STATUSBOARD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STATUSBOARD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STATUSBOARD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("STATUSBOARD_SEND_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SendTimeoutMS = v
		}
	}
	if raw := os.Getenv("STATUSBOARD_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STATUSBOARD_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = splitList(raw)
	}
	// A single key from the environment turns auth on.
	if raw := os.Getenv("STATUSBOARD_API_KEY"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{Name: "env", Key: raw})
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
