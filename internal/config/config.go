// Package config loads the gateway's runtime configuration from YAML
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig bounds the per-session and global queue depth.
type QueueConfig struct {
	MaxPerSession  int           `yaml:"max_per_session"`
	MaxTotal       int           `yaml:"max_total"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// CORSConfig controls the cross-origin policy applied to every response.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// AuthConfig gates access to the HTTP surface with a static API key set.
type AuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"`
}

// RateLimitConfig bounds inbound HTTP request rate per API key (or IP, for
// unauthenticated callers). Distinct from the UI's own quota banners, which
// the quota package tracks separately.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// Config is the gateway's full runtime configuration.
type Config struct {
	// BindAddr is the HTTP listen address.
	BindAddr string `yaml:"bind_addr"`

	// RemoteDebugURL is the remote-debugging endpoint the UIDriver attaches to.
	RemoteDebugURL string `yaml:"remote_debug_url"`

	// WorkbenchURLMarker identifies a page as a main workbench tab (as
	// opposed to an agent-manager shell) during discovery.
	WorkbenchURLMarker string `yaml:"workbench_url_marker"`
	// ManagerURLMarker identifies a page to exclude from discovery.
	ManagerURLMarker string `yaml:"manager_url_marker"`
	// AgentFrameURLMarker identifies the agent surface frame within a page.
	AgentFrameURLMarker string `yaml:"agent_frame_url_marker"`

	// PollInterval is how often the registry samples tracked sessions.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SSEHeartbeatInterval is how often a comment-line heartbeat is
	// written to open SSE connections.
	SSEHeartbeatInterval time.Duration `yaml:"sse_heartbeat_interval"`

	// RequestTimeout bounds a single prompt/idle/extract cycle.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ModelID is the stable stand-in model id returned by /v1/models.
	ModelID string `yaml:"model_id"`

	// AccountName tags persisted quota observations (§4.H keys history by
	// (model, account)); a single-account deployment can leave it blank.
	AccountName string `yaml:"account_name"`

	// AvailabilityDBPath is the sqlite file backing the AvailabilityStore's
	// history stream.
	AvailabilityDBPath string `yaml:"availability_db_path"`

	// DrainTimeout bounds graceful shutdown's wait for in-flight items.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	Queue     QueueConfig     `yaml:"queue"`
	CORS      CORSConfig      `yaml:"cors"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	LogLevel string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:             "127.0.0.1:8787",
		RemoteDebugURL:       "ws://127.0.0.1:9222",
		WorkbenchURLMarker:   "/workbench",
		ManagerURLMarker:     "/agent-manager",
		AgentFrameURLMarker:  "/agent-frame",
		PollInterval:         2 * time.Second,
		SSEHeartbeatInterval: 30 * time.Second,
		RequestTimeout:       5 * time.Minute,
		ModelID:              "gemini-antigravity",
		AvailabilityDBPath:   "./angrav-availability.db",
		DrainTimeout:         5 * time.Second,
		Queue: QueueConfig{
			MaxPerSession:  5,
			MaxTotal:       20,
			EnqueueTimeout: 2 * time.Minute,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		LogLevel: "info",
	}
}

// Load reads configPath (if non-empty and present) over the defaults, then
// applies environment-variable overrides, then normalizes zero-valued
// fields a reader might have left unset.
func Load(configPath string) (Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANGRAV_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ANGRAV_REMOTE_DEBUG_URL"); v != "" {
		cfg.RemoteDebugURL = v
	}
	if v := os.Getenv("ANGRAV_AVAILABILITY_DB_PATH"); v != "" {
		cfg.AvailabilityDBPath = v
	}
	if v := os.Getenv("ANGRAV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ANGRAV_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("ANGRAV_AUTH_KEYS"); v != "" {
		cfg.Auth.Enabled = true
		if cfg.Auth.Keys == nil {
			cfg.Auth.Keys = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			name, key, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			cfg.Auth.Keys[strings.TrimSpace(name)] = strings.TrimSpace(key)
		}
	}
	if v := os.Getenv("ANGRAV_QUEUE_MAX_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxTotal = n
		}
	}
}

// APIKey looks up a configured key by name, honoring a per-name
// environment override (ANGRAV_APIKEY_<NAME>) the way a deployment can
// rotate one key without touching the config file.
func (c Config) APIKey(name string) (string, bool) {
	envKey := "ANGRAV_APIKEY_" + strings.ToUpper(name)
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}
	v, ok := c.Auth.Keys[name]
	return v, ok
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8787"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SSEHeartbeatInterval <= 0 {
		cfg.SSEHeartbeatInterval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "gemini-antigravity"
	}
	if cfg.Queue.MaxPerSession <= 0 {
		cfg.Queue.MaxPerSession = 5
	}
	if cfg.Queue.MaxTotal <= 0 {
		cfg.Queue.MaxTotal = 20
	}
	if cfg.Queue.EnqueueTimeout <= 0 {
		cfg.Queue.EnqueueTimeout = 2 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
