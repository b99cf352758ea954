package config

import (
	"os"
	"testing"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	_ = os.Unsetenv("RELAY_CONFIG_FILE")
	fn()
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, map[string]string{}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if cfg.MaxDevicesPerSession != 2 {
			t.Errorf("MaxDevicesPerSession = %d, want 2", cfg.MaxDevicesPerSession)
		}
		if cfg.PairApprovalTimeoutMs != 45000 {
			t.Errorf("PairApprovalTimeoutMs = %d, want 45000", cfg.PairApprovalTimeoutMs)
		}
		if cfg.RedisKeyPrefix != "codexchat:remote-control:relay" {
			t.Errorf("RedisKeyPrefix = %q, want default", cfg.RedisKeyPrefix)
		}
	})
}

func TestLoadEnvironmentOverride(t *testing.T) {
	withEnv(t, map[string]string{
		"MAX_DEVICES_PER_SESSION": "5",
		"PORT":                    "9999",
	}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if cfg.MaxDevicesPerSession != 5 {
			t.Errorf("MaxDevicesPerSession = %d, want 5", cfg.MaxDevicesPerSession)
		}
		if cfg.Port != 9999 {
			t.Errorf("Port = %d, want 9999", cfg.Port)
		}
	})
}

func TestWebsocketURLDerivation(t *testing.T) {
	cfg := &Config{PublicBaseURL: "https://relay.example.com", Port: 443}
	if got, want := cfg.WebsocketURL(), "wss://relay.example.com/ws"; got != want {
		t.Errorf("WebsocketURL() = %q, want %q", got, want)
	}
}

func TestIsAllowedOriginWildcard(t *testing.T) {
	cfg := &Config{AllowedOrigins: map[string]bool{"*": true}}
	if !cfg.IsAllowedOrigin("https://anything.example") {
		t.Error("wildcard should allow any origin")
	}
}

func TestIsAllowedOriginAbsentAccepted(t *testing.T) {
	cfg := &Config{AllowedOrigins: map[string]bool{"https://only.example": true}}
	if !cfg.IsAllowedOrigin("") {
		t.Error("absent Origin header should be accepted (non-browser caller)")
	}
	if cfg.IsAllowedOrigin("https://evil.example") {
		t.Error("unlisted origin should be rejected")
	}
}

func TestValidateRejectsLowApprovalTimeout(t *testing.T) {
	cfg := &Config{
		MaxDevicesPerSession:   1,
		PairApprovalTimeoutMs:  100,
		SessionRetentionMs:     1000,
		WSAuthTimeoutMs:        1000,
	}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error for too-low pair_approval_timeout_ms")
	}
}
