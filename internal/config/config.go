// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string `yaml:"port"`
	GRPCPort    string `yaml:"grpc_port"`
	DBPath      string `yaml:"db_path"`
	FrontendURL string `yaml:"frontend_url"`
	// CORSAllowedOrigins lists origins allowed to call the API.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	// TranscriptTTL prunes stored transcripts not updated for this long.
	// Zero keeps them forever.
	TranscriptTTL time.Duration `yaml:"transcript_ttl"`

	Agent           AgentConfig           `yaml:"agent"`
	Engine          EngineConfig          `yaml:"engine"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SSE             SSEConfig             `yaml:"sse"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
	Redis           RedisConfig           `yaml:"redis"`
}

// AgentConfig locates the agent backend.
type AgentConfig struct {
	BaseURL        string        `yaml:"base_url"`
	GRPCAddr       string        `yaml:"grpc_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// EngineConfig tunes session handling.
type EngineConfig struct {
	DiagnosticsEnabled  bool          `yaml:"diagnostics_enabled"`
	PlanSettleDelay     time.Duration `yaml:"plan_settle_delay"`
	DefaultAllowedTools []string      `yaml:"default_allowed_tools"`
}

// RateLimitConfig throttles message sends per session.
type RateLimitConfig struct {
	SendsPerMinute int `yaml:"sends_per_minute"`
	Burst          int `yaml:"burst"`
}

// SSEConfig tunes the snapshot feeds.
type SSEConfig struct {
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	GlobalEnabled bool   `yaml:"global_enabled"`
	GlobalPath    string `yaml:"global_path"`
	QueueSize     int    `yaml:"queue_size"`
}

// RedisConfig enables the turn relay when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     "8080",
		GRPCPort: "",
		DBPath:   "./data/turnstream.db",
		Agent: AgentConfig{
			BaseURL:        "http://localhost:8000",
			RequestTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			DiagnosticsEnabled: false,
		},
		RateLimit: RateLimitConfig{
			SendsPerMinute: 10,
			Burst:          3,
		},
		SSE: SSEConfig{
			KeepaliveInterval:  10 * time.Second,
			RetryDelay:         5 * time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       true,
			Dir:           "./data/logs/conversations",
			GlobalEnabled: false,
			GlobalPath:    "./data/logs/conversations/all.ndjson",
			QueueSize:     1000,
		},
		Redis: RedisConfig{
			ChannelPrefix: "turnstream:session:",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)
	c.TranscriptTTL = getEnvDuration("TRANSCRIPT_TTL", c.TranscriptTTL)

	c.Agent.BaseURL = getEnv("AGENT_BASE_URL", c.Agent.BaseURL)
	c.Agent.GRPCAddr = getEnv("AGENT_GRPC_ADDR", c.Agent.GRPCAddr)
	c.Agent.RequestTimeout = getEnvDuration("AGENT_REQUEST_TIMEOUT", c.Agent.RequestTimeout)

	c.Engine.DiagnosticsEnabled = getEnvBool("DIAGNOSTICS_ENABLED", c.Engine.DiagnosticsEnabled)
	c.Engine.PlanSettleDelay = getEnvDuration("PLAN_SETTLE_DELAY", c.Engine.PlanSettleDelay)
	c.Engine.DefaultAllowedTools = getEnvList("DEFAULT_ALLOWED_TOOLS", c.Engine.DefaultAllowedTools)

	c.RateLimit.SendsPerMinute = getEnvInt("SEND_RATE_PER_MINUTE", c.RateLimit.SendsPerMinute)
	c.RateLimit.Burst = getEnvInt("SEND_RATE_BURST", c.RateLimit.Burst)

	c.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE_INTERVAL", c.SSE.KeepaliveInterval)
	c.SSE.RetryDelay = getEnvDuration("SSE_RETRY_DELAY", c.SSE.RetryDelay)
	c.SSE.MaxRequestBodySize = int64(getEnvInt("SSE_MAX_REQUEST_BODY", int(c.SSE.MaxRequestBodySize)))

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", c.ConversationLog.GlobalEnabled)
	c.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", c.ConversationLog.GlobalPath)
	c.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.ChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", c.Redis.ChannelPrefix)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.GRPCPort != "" && c.GRPCPort == c.Port {
		errs = append(errs, errors.New("GRPC_PORT must differ from PORT"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.Agent.BaseURL == "" {
		errs = append(errs, errors.New("AGENT_BASE_URL cannot be empty"))
	}
	if c.Agent.RequestTimeout <= 0 {
		errs = append(errs, errors.New("AGENT_REQUEST_TIMEOUT must be > 0"))
	}
	if c.Engine.PlanSettleDelay < 0 {
		errs = append(errs, errors.New("PLAN_SETTLE_DELAY cannot be negative"))
	}
	if c.RateLimit.SendsPerMinute <= 0 {
		errs = append(errs, errors.New("SEND_RATE_PER_MINUTE must be > 0"))
	}
	if c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("SEND_RATE_BURST must be > 0"))
	}
	if c.SSE.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("SSE_KEEPALIVE_INTERVAL must be > 0"))
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		errs = append(errs, errors.New("SSE_MAX_REQUEST_BODY must be > 0"))
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_DIR cannot be empty"))
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty"))
	}
	if c.ConversationLog.QueueSize <= 0 {
		errs = append(errs, errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins, falling back to the frontend URL
// and, in development, to any origin.
func (c *Config) AllowedOrigins() []string {
	switch {
	case len(c.CORSAllowedOrigins) > 0:
		return c.CORSAllowedOrigins
	case c.FrontendURL != "" && !c.IsDevelopment():
		return []string{c.FrontendURL}
	case c.FrontendURL != "":
		return []string{c.FrontendURL, "*"}
	default:
		return []string{"*"}
	}
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

// getEnvList splits a comma separated variable. An empty value clears the
// list.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
