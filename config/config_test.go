package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"LISTEN_ADDR", "DEFAULT_BITRATE_KBPS", "STARTUP_TIMEOUT", "PACE_OUTPUT", "BACKEND_API"} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()

	if cfg.ListenAddr != ":5000" {
		t.Errorf("ListenAddr = %q, want :5000", cfg.ListenAddr)
	}
	if cfg.DefaultBitrateKbps != 128 {
		t.Errorf("DefaultBitrateKbps = %d, want 128", cfg.DefaultBitrateKbps)
	}
	if cfg.BytesPerSecond() != 16000 {
		t.Errorf("BytesPerSecond() = %d, want 16000", cfg.BytesPerSecond())
	}
	if cfg.StartupTimeout != 8*time.Second {
		t.Errorf("StartupTimeout = %s, want 8s", cfg.StartupTimeout)
	}
	if !cfg.PaceOutput {
		t.Error("PaceOutput should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		check func(*Config) bool
	}{
		{"duration", "RETRY_DELAY", "750ms", func(c *Config) bool { return c.RetryDelay == 750*time.Millisecond }},
		{"invalid duration keeps default", "JOIN_WAIT", "soon", func(c *Config) bool { return c.JoinWait == 5*time.Second }},
		{"integer", "LISTENER_QUEUE_SIZE", "32", func(c *Config) bool { return c.ListenerQueueSize == 32 }},
		{"invalid integer keeps default", "MAX_BUFFER_BYTES", "lots", func(c *Config) bool { return c.MaxBufferBytes == 32<<20 }},
		{"pacing off", "PACE_OUTPUT", "0", func(c *Config) bool { return !c.PaceOutput }},
		{"backend trailing slash", "BACKEND_API", "https://api.example.com/internal/", func(c *Config) bool {
			return c.BackendAPI == "https://api.example.com/internal"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if cfg := LoadConfig(); !tt.check(cfg) {
				t.Errorf("%s=%s not applied as expected: %+v", tt.key, tt.value, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := LoadConfig()
	cfg.DefaultBitrateKbps = 0
	cfg.ListenerQueueSize = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DEFAULT_BITRATE_KBPS", "LISTENER_QUEUE_SIZE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}
