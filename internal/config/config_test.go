package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DSN", filepath.Join(t.TempDir(), "test.db"))
}

func TestFromEnv_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.ListenAddr != ":3001" {
		t.Errorf("Expected listen addr :3001, got %q", cfg.ListenAddr)
	}
	if cfg.TerminalPath != "/terminal" {
		t.Errorf("Expected terminal path /terminal, got %q", cfg.TerminalPath)
	}
	if cfg.SandboxImage != "interactive-terminal-env" {
		t.Errorf("Expected default image, got %q", cfg.SandboxImage)
	}
	if cfg.SandboxUser != "student" || cfg.SandboxWorkDir != "/home/student" {
		t.Errorf("Unexpected sandbox identity %q %q", cfg.SandboxUser, cfg.SandboxWorkDir)
	}
	if strings.Join(cfg.SandboxShell, " ") != "/bin/bash -l" {
		t.Errorf("Expected login shell, got %v", cfg.SandboxShell)
	}
	if cfg.ValidationTimeout != 30*time.Second {
		t.Errorf("Expected validation timeout 30s, got %s", cfg.ValidationTimeout)
	}
	if cfg.Framing != FramingLegacy {
		t.Errorf("Expected legacy framing, got %q", cfg.Framing)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Errorf("Expected permissive CORS, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SANDBOX_IMAGE", "ghcr.io/example/lab:1.2")
	t.Setenv("SANDBOX_PORTS", "8000, 8080")
	t.Setenv("SANDBOX_MEMORY_MB", "512")
	t.Setenv("SANDBOX_CPUS", "1.5")
	t.Setenv("VALIDATION_TIMEOUT", "5s")
	t.Setenv("FRAMING", "PREFIXED")
	t.Setenv("BUILD_PROGRESS", "false")
	t.Setenv("WATCH_BUILD_CONTEXT", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,https://lab.example.com")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.SandboxImage != "ghcr.io/example/lab:1.2" {
		t.Errorf("Expected image override, got %q", cfg.SandboxImage)
	}
	if len(cfg.SandboxPorts) != 2 || cfg.SandboxPorts[0] != 8000 || cfg.SandboxPorts[1] != 8080 {
		t.Errorf("Expected ports [8000 8080], got %v", cfg.SandboxPorts)
	}
	if cfg.SandboxMemoryMB != 512 {
		t.Errorf("Expected memory 512, got %d", cfg.SandboxMemoryMB)
	}
	if cfg.SandboxCPUs != 1.5 {
		t.Errorf("Expected cpus 1.5, got %v", cfg.SandboxCPUs)
	}
	if cfg.ValidationTimeout != 5*time.Second {
		t.Errorf("Expected validation timeout 5s, got %s", cfg.ValidationTimeout)
	}
	if cfg.Framing != FramingPrefixed {
		t.Errorf("Expected prefixed framing, got %q", cfg.Framing)
	}
	if cfg.BuildProgress {
		t.Error("Expected build progress disabled")
	}
	if !cfg.WatchBuildContext {
		t.Error("Expected build context watch enabled")
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Errorf("Expected 2 CORS origins, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		errMsg string
	}{
		{name: "bad image reference", key: "SANDBOX_IMAGE", value: "Bad Image!", errMsg: "invalid SANDBOX_IMAGE"},
		{name: "bad port", key: "SANDBOX_PORTS", value: "80,abc", errMsg: "invalid port"},
		{name: "port out of range", key: "SANDBOX_PORTS", value: "70000", errMsg: "invalid port"},
		{name: "relative workdir", key: "SANDBOX_WORKDIR", value: "home/student", errMsg: "absolute path"},
		{name: "unknown framing", key: "FRAMING", value: "binary", errMsg: "FRAMING must be"},
		{name: "unknown database", key: "DATABASE_DRIVER", value: "mysql", errMsg: "DATABASE_DRIVER"},
		{name: "terminal path", key: "TERMINAL_PATH", value: "terminal", errMsg: "TERMINAL_PATH"},
		{name: "negative memory", key: "SANDBOX_MEMORY_MB", value: "-1", errMsg: "SANDBOX_MEMORY_MB"},
		{name: "memory with unit", key: "SANDBOX_MEMORY_MB", value: "512MB", errMsg: "invalid SANDBOX_MEMORY_MB"},
		{name: "cpus not a number", key: "SANDBOX_CPUS", value: "two", errMsg: "invalid SANDBOX_CPUS"},
		{name: "timeout not a duration", key: "VALIDATION_TIMEOUT", value: "thirty", errMsg: "invalid VALIDATION_TIMEOUT"},
		{name: "timeout without unit", key: "VALIDATION_TIMEOUT", value: "30", errMsg: "invalid VALIDATION_TIMEOUT"},
		{name: "stop timeout", key: "SANDBOX_STOP_TIMEOUT", value: "soon", errMsg: "invalid SANDBOX_STOP_TIMEOUT"},
		{name: "build progress not a bool", key: "BUILD_PROGRESS", value: "nope", errMsg: "invalid BUILD_PROGRESS"},
		{name: "watch not a bool", key: "WATCH_BUILD_CONTEXT", value: "sometimes", errMsg: "invalid WATCH_BUILD_CONTEXT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()
			if err == nil {
				t.Fatalf("Expected error for %s=%q, got nil", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestFromEnv_ReportsEveryInvalidValue(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SANDBOX_MEMORY_MB", "512MB")
	t.Setenv("VALIDATION_TIMEOUT", "thirty")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	for _, key := range []string{"SANDBOX_MEMORY_MB", "VALIDATION_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("Expected error to mention %s, got %v", key, err)
		}
	}
}
