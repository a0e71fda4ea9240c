// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/joho/godotenv"
)

// Framing modes for inbound terminal messages.
const (
	// FramingLegacy decodes any message that parses as a known JSON
	// envelope as a control command; everything else is raw input.
	FramingLegacy = "legacy"

	// FramingPrefixed treats a message as a control command only when its
	// first byte is the control prefix.
	FramingPrefixed = "prefixed"
)

// Config holds all server configuration.
type Config struct {
	// HTTP
	ListenAddr         string
	TerminalPath       string
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration

	// Sandbox image
	SandboxImage        string
	SandboxBuildContext string
	SandboxDockerfile   string
	BuildProgress       bool
	WatchBuildContext   bool

	// Sandbox identity and shell
	SandboxUser       string
	SandboxWorkDir    string
	SandboxShell      []string
	SandboxNamePrefix string
	SandboxStopTime   time.Duration
	SandboxMemoryMB   int
	SandboxCPUs       float64
	SandboxPorts      []int

	// Sessions
	ValidationTimeout time.Duration
	Framing           string

	// Docker
	DockerHost string

	// Database
	DatabaseDriver string
	DatabaseDSN    string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables without touching .env.
func FromEnv() (*Config, error) {
	p := &envParser{}
	cfg := &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":3001"),
		TerminalPath:       getEnv("TERMINAL_PATH", "/terminal"),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		ShutdownTimeout:    p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		SandboxImage:        getEnv("SANDBOX_IMAGE", "interactive-terminal-env"),
		SandboxBuildContext: getEnv("SANDBOX_BUILD_CONTEXT", "build/sandbox"),
		SandboxDockerfile:   getEnv("SANDBOX_DOCKERFILE", "Dockerfile"),
		BuildProgress:       p.boolean("BUILD_PROGRESS", true),
		WatchBuildContext:   p.boolean("WATCH_BUILD_CONTEXT", false),

		SandboxUser:       getEnv("SANDBOX_USER", "student"),
		SandboxWorkDir:    getEnv("SANDBOX_WORKDIR", "/home/student"),
		SandboxShell:      strings.Fields(getEnv("SANDBOX_SHELL", "/bin/bash -l")),
		SandboxNamePrefix: getEnv("SANDBOX_NAME_PREFIX", "labterm-"),
		SandboxStopTime:   p.duration("SANDBOX_STOP_TIMEOUT", 5*time.Second),
		SandboxMemoryMB:   p.integer("SANDBOX_MEMORY_MB", 0),
		SandboxCPUs:       p.number("SANDBOX_CPUS", 0),

		ValidationTimeout: p.duration("VALIDATION_TIMEOUT", 30*time.Second),
		Framing:           strings.ToLower(getEnv("FRAMING", FramingLegacy)),

		DockerHost: getEnv("DOCKER_HOST", ""),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabaseDSN:    getEnv("DATABASE_DSN", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := p.err(); err != nil {
		return nil, err
	}

	ports, err := parsePorts(getEnv("SANDBOX_PORTS", ""))
	if err != nil {
		return nil, err
	}
	cfg.SandboxPorts = ports

	if cfg.DatabaseDSN == "" && cfg.DatabaseDriver == "sqlite" {
		path, err := xdg.DataFile(filepath.Join("labterm", "labterm.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		cfg.DatabaseDSN = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if _, err := name.ParseReference(c.SandboxImage); err != nil {
		return fmt.Errorf("invalid SANDBOX_IMAGE %q: %w", c.SandboxImage, err)
	}
	if !strings.HasPrefix(c.TerminalPath, "/") {
		return fmt.Errorf("TERMINAL_PATH must start with '/': %q", c.TerminalPath)
	}
	if len(c.SandboxShell) == 0 {
		return fmt.Errorf("SANDBOX_SHELL must not be empty")
	}
	if c.SandboxWorkDir == "" || !strings.HasPrefix(c.SandboxWorkDir, "/") {
		return fmt.Errorf("SANDBOX_WORKDIR must be an absolute path: %q", c.SandboxWorkDir)
	}
	if c.SandboxMemoryMB < 0 {
		return fmt.Errorf("SANDBOX_MEMORY_MB must not be negative: %d", c.SandboxMemoryMB)
	}
	if c.SandboxCPUs < 0 {
		return fmt.Errorf("SANDBOX_CPUS must not be negative: %v", c.SandboxCPUs)
	}
	if c.ValidationTimeout < 0 {
		return fmt.Errorf("VALIDATION_TIMEOUT must not be negative: %s", c.ValidationTimeout)
	}
	switch c.Framing {
	case FramingLegacy, FramingPrefixed:
	default:
		return fmt.Errorf("FRAMING must be %q or %q, got %q", FramingLegacy, FramingPrefixed, c.Framing)
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required for driver %s", c.DatabaseDriver)
	}
	return nil
}

func parsePorts(value string) ([]int, error) {
	var ports []int
	for _, item := range splitList(value) {
		port, err := strconv.Atoi(item)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in SANDBOX_PORTS: %q", item)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// envParser reads typed variables and collects every value that does not
// parse, so all of them are reported together.
type envParser struct {
	errs []error
}

func (p *envParser) fail(key, value, want string, err error) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s %q: expected %s: %w", key, value, want, err))
}

func (p *envParser) err() error {
	return errors.Join(p.errs...)
}

func (p *envParser) integer(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, "an integer", err)
		return fallback
	}
	return n
}

func (p *envParser) number(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, "a number", err)
		return fallback
	}
	return f
}

func (p *envParser) boolean(key string, fallback bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, "true or false", err)
		return fallback
	}
	return b
}

func (p *envParser) duration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, "a duration such as 30s", err)
		return fallback
	}
	return d
}
