// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Runner modes.
const (
	RunnerProcess = "process"
	RunnerDocker  = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	GRPCPort      string // empty disables the gRPC health server
	FrontendURL   string
	CORSOrigins   []string
	DBPath        string
	SessionTTL    time.Duration
	ActionTimeout time.Duration
	LogLevel      slog.Level
	RolesFile     string
	LLM           LLMConfig
	Runner        RunnerConfig
	RateLimit     RateLimitConfig
}

// LLMConfig configures the completion service client.
type LLMConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// RunnerConfig configures code execution.
type RunnerConfig struct {
	Mode             string
	Interpreter      []string
	Image            string
	PullImage        bool
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Timeout          time.Duration
	MaxOutput        int
}

// RateLimitConfig bounds completion-backed actions per candidate.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		GRPCPort:      getEnv("GRPC_PORT", ""),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "*")),
		DBPath:        getEnv("DB_PATH", "./data/aegis.db"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 60*time.Minute),
		ActionTimeout: getEnvDuration("ACTION_TIMEOUT", 2*time.Minute),
		LogLevel:      ParseLevel(getEnv("LOG_LEVEL", "info")),
		RolesFile:     getEnv("ROLES_FILE", ""),
		LLM: LLMConfig{
			BaseURL:   getEnv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
			APIKey:    getEnv("GROQ_API_KEY", ""),
			Model:     getEnv("LLM_MODEL", "llama-3.3-70b-versatile"),
			Timeout:   getEnvDuration("LLM_TIMEOUT", 60*time.Second),
			MaxTokens: getEnvInt("LLM_MAX_TOKENS", 0),
		},
		Runner: RunnerConfig{
			Mode:             strings.ToLower(getEnv("RUNNER_MODE", RunnerProcess)),
			Interpreter:      strings.Fields(getEnv("RUNNER_INTERPRETER", "python3 -")),
			Image:            getEnv("RUNNER_IMAGE", "python:3.12-alpine"),
			PullImage:        getEnvBool("RUNNER_PULL_IMAGE", true),
			ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
			Timeout:          getEnvDuration("RUNNER_TIMEOUT", 10*time.Second),
			MaxOutput:        getEnvInt("RUNNER_MAX_OUTPUT", 64*1024),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be > 0"))
	}
	if c.ActionTimeout <= 0 {
		errs = append(errs, errors.New("ACTION_TIMEOUT must be > 0"))
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("LLM_BASE_URL cannot be empty"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("LLM_MODEL cannot be empty"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("LLM_TIMEOUT must be > 0"))
	}
	switch c.Runner.Mode {
	case RunnerProcess:
		if len(c.Runner.Interpreter) == 0 {
			errs = append(errs, errors.New("RUNNER_INTERPRETER cannot be empty in process mode"))
		}
	case RunnerDocker:
		if c.Runner.Image == "" {
			errs = append(errs, errors.New("RUNNER_IMAGE cannot be empty in docker mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("RUNNER_MODE must be %q or %q, got %q", RunnerProcess, RunnerDocker, c.Runner.Mode))
	}
	if c.Runner.Timeout <= 0 {
		errs = append(errs, errors.New("RUNNER_TIMEOUT must be > 0"))
	}
	if c.Runner.MaxOutput <= 0 {
		errs = append(errs, errors.New("RUNNER_MAX_OUTPUT must be > 0"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseLevel parses a slog level name, falling back to info.
func ParseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo
	}
	return level
}
