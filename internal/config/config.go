// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider backends for capability calls.
const (
	ProviderRules  = "rules"
	ProviderOpenAI = "openai"
	ProviderRemote = "remote"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level

	SessionTTL           time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatMissedLimit int
	QueueDepth           int
	FrameRateLimit       float64 // frames per second per connection, 0 disables

	Provider         string
	ProviderTimeout  time.Duration
	OpenAI           OpenAIConfig
	CapabilityAddr   string // remote provider address (client side)
	CapabilityListen string // sidecar listen address (server side)

	SweepInterval  time.Duration
	IdleNudgeAfter time.Duration

	PolicyFile string
	GuidesFile string
	Policy     Policy

	StageLog StageLogConfig
}

// OpenAIConfig selects the models used by the OpenAI-backed providers.
type OpenAIConfig struct {
	APIKey       string
	Model        string
	VisionModel  string
	TTSModel     string
	WhisperModel string
	Voice        string
}

// StageLogConfig controls NDJSON stage event logging.
type StageLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("STAGE_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/safehands.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),

		SessionTTL:           getEnvDuration("SESSION_TTL", 60*time.Minute),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatMissedLimit: getEnvInt("HEARTBEAT_MISSED_LIMIT", 2),
		QueueDepth:           getEnvInt("SESSION_QUEUE_DEPTH", 8),
		FrameRateLimit:       getEnvFloat("FRAME_RATE_LIMIT", 10),

		Provider:        strings.ToLower(getEnv("PROVIDER", ProviderRules)),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second),
		OpenAI: OpenAIConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			Model:        getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
			VisionModel:  getEnv("OPENAI_VISION_MODEL", "gpt-4o-mini"),
			TTSModel:     getEnv("OPENAI_TTS_MODEL", "tts-1"),
			WhisperModel: getEnv("OPENAI_WHISPER_MODEL", "whisper-1"),
			Voice:        getEnv("OPENAI_TTS_VOICE", "alloy"),
		},
		CapabilityAddr:   getEnv("CAPABILITY_ADDR", ""),
		CapabilityListen: getEnv("CAPABILITY_LISTEN", ":9090"),

		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", time.Minute),
		IdleNudgeAfter: getEnvDuration("IDLE_NUDGE_AFTER", 2*time.Minute),

		PolicyFile: getEnv("POLICY_FILE", ""),
		GuidesFile: getEnv("GUIDES_FILE", ""),
		Policy:     DefaultPolicy(),

		StageLog: StageLogConfig{
			Enabled:       getEnvBool("STAGE_LOG_ENABLED", true),
			Dir:           getEnv("STAGE_LOG_DIR", "./data/logs/stages"),
			GlobalEnabled: getEnvBool("STAGE_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("STAGE_LOG_GLOBAL_PATH", "./data/logs/stages/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		cfg.Policy = policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.HeartbeatMissedLimit <= 0 {
		return fmt.Errorf("HEARTBEAT_MISSED_LIMIT must be > 0")
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("SESSION_QUEUE_DEPTH must be > 0")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be > 0")
	}
	switch c.Provider {
	case ProviderRules:
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when PROVIDER=openai")
		}
	case ProviderRemote:
		if c.CapabilityAddr == "" {
			return fmt.Errorf("CAPABILITY_ADDR is required when PROVIDER=remote")
		}
	default:
		return fmt.Errorf("unknown PROVIDER %q", c.Provider)
	}
	if c.StageLog.Dir == "" {
		return fmt.Errorf("STAGE_LOG_DIR cannot be empty")
	}
	if c.StageLog.GlobalPath == "" {
		return fmt.Errorf("STAGE_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.StageLog.QueueSize <= 0 {
		return fmt.Errorf("STAGE_LOG_QUEUE_SIZE must be > 0")
	}
	return c.Policy.Validate()
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
