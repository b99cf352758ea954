// Package config loads the relay's configuration from environment
// variables (with an optional YAML file layered underneath) using
// koanf/v2, the way a declarative-config daemon in this codebase's
// lineage does it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every environment-configurable option enumerated in
// SPEC_FULL.md §6.
type Config struct {
	Host          string `koanf:"host"`
	Port          uint16 `koanf:"port"`
	PublicBaseURL string `koanf:"public_base_url"`
	MetricsNS     string `koanf:"metrics_namespace"`
	LogLevel      string `koanf:"log_level"`
	LogFormat     string `koanf:"log_format"`

	MaxJSONBytes                  int   `koanf:"max_json_bytes"`
	MaxPairRequestsPerMinute      int   `koanf:"max_pair_requests_per_minute"`
	MaxDevicesPerSession          int   `koanf:"max_devices_per_session"`
	SessionRetentionMs            int64 `koanf:"session_retention_ms"`
	PairApprovalTimeoutMs         int64 `koanf:"pair_approval_timeout_ms"`
	WSAuthTimeoutMs                int64 `koanf:"ws_auth_timeout_ms"`
	TokenRotationGraceMs           int64 `koanf:"token_rotation_grace_ms"`
	MaxPendingJoinWaiters           int  `koanf:"max_pending_join_waiters"`
	MaxWSMessageBytes               int  `koanf:"max_ws_message_bytes"`
	MaxActiveWebsocketConnections   int  `koanf:"max_active_websocket_connections"`
	MaxRemoteCommandsPerMinute      int  `koanf:"max_remote_commands_per_minute"`
	MaxRemoteCommandTextBytes       int  `koanf:"max_remote_command_text_bytes"`
	MaxSnapshotRequestsPerMinute    int  `koanf:"max_snapshot_requests_per_minute"`
	MaxSocketOutboundQueue          int  `koanf:"max_socket_outbound_queue"`

	RedisURL       string `koanf:"redis_url"`
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	NatsURL           string `koanf:"nats_url"`
	NatsSubjectPrefix string `koanf:"nats_subject_prefix"`

	TrustProxy                bool `koanf:"trust_proxy"`
	AllowLegacyQueryTokenAuth bool `koanf:"allow_legacy_query_token_auth"`

	AllowedOrigins map[string]bool `koanf:"-"`
}

const envPrefix = "" // flat names, matching spec.md's table verbatim

var defaults = map[string]interface{}{
	"host":                              "0.0.0.0",
	"port":                              8787,
	"metrics_namespace":                 "remote_control_relay",
	"log_level":                         "info",
	"log_format":                        "json",
	"max_json_bytes":                    65536,
	"max_pair_requests_per_minute":      60,
	"max_devices_per_session":           2,
	"session_retention_ms":              600000,
	"pair_approval_timeout_ms":          45000,
	"ws_auth_timeout_ms":                10000,
	"token_rotation_grace_ms":           15000,
	"max_pending_join_waiters":          64,
	"max_ws_message_bytes":              65536,
	"max_active_websocket_connections":  10000,
	"max_remote_commands_per_minute":    240,
	"max_remote_command_text_bytes":     16384,
	"max_snapshot_requests_per_minute":  120,
	"max_socket_outbound_queue":         64,
	"redis_key_prefix":                  "codexchat:remote-control:relay",
	"nats_subject_prefix":               "codexchat.remote.relay",
}

// envKeyMapper turns "MAX_JSON_BYTES" into "max_json_bytes" to match the
// lower_snake koanf tags above, mirroring the teacher's envKeyMapper.
func envKeyMapper(s string) string {
	return strings.ToLower(s)
}

// Load builds a Config from an optional YAML file (path from
// RELAY_CONFIG_FILE, if set) and the process environment, environment
// variables taking precedence over the file, both taking precedence over
// the built-in defaults above.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap(defaults), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	// Normalize boolean options so 1/true/yes/on (any case) enable them.
	for _, key := range []string{"trust_proxy", "allow_legacy_query_token_auth"} {
		if k.Exists(key) {
			v := strings.ToLower(strings.TrimSpace(k.String(key)))
			if err := k.Set(key, v == "1" || v == "true" || v == "yes" || v == "on"); err != nil {
				return nil, fmt.Errorf("config: normalize %s: %w", key, err)
			}
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	cfg.RedisURL = strings.TrimSpace(k.String("redis_url"))
	cfg.NatsURL = strings.TrimSpace(k.String("nats_url"))

	origins := k.String("allowed_origins")
	if origins == "" {
		origins = defaultAllowedOrigins(cfg.PublicBaseURL)
	}
	cfg.AllowedOrigins = parseAllowedOrigins(origins)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxDevicesPerSession < 1 {
		return fmt.Errorf("config: max_devices_per_session must be >= 1")
	}
	if c.PairApprovalTimeoutMs < 5000 {
		return fmt.Errorf("config: pair_approval_timeout_ms must be >= 5000")
	}
	for name, v := range map[string]int64{
		"session_retention_ms":    c.SessionRetentionMs,
		"ws_auth_timeout_ms":      c.WSAuthTimeoutMs,
	} {
		if v <= 0 {
			return fmt.Errorf("config: %s must be > 0", name)
		}
	}
	return nil
}

// WebsocketURL derives the default relay WebSocket URL from PublicBaseURL:
// scheme flipped to ws/wss, path forced to /ws, query and fragment dropped.
func (c *Config) WebsocketURL() string {
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil {
		return fmt.Sprintf("ws://localhost:%d/ws", c.Port)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func normalizedOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

func defaultAllowedOrigins(publicBaseURL string) string {
	parts := []string{}
	if o, ok := normalizedOrigin(publicBaseURL); ok {
		parts = append(parts, o)
	}
	parts = append(parts, "http://localhost:4173", "http://127.0.0.1:4173")
	return strings.Join(parts, ",")
}

func parseAllowedOrigins(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out["*"] = true
			continue
		}
		if o, ok := normalizedOrigin(entry); ok {
			out[o] = true
		}
	}
	return out
}

// IsAllowedOrigin reports whether origin is permitted by AllowedOrigins.
// An absent origin (non-browser caller) is accepted.
func (c *Config) IsAllowedOrigin(origin string) bool {
	if c.AllowedOrigins["*"] {
		return true
	}
	if origin == "" {
		return true
	}
	o, ok := normalizedOrigin(origin)
	if !ok {
		return false
	}
	return c.AllowedOrigins[o]
}

// PairApprovalTimeout returns PairApprovalTimeoutMs as a time.Duration.
func (c *Config) PairApprovalTimeout() time.Duration {
	return time.Duration(c.PairApprovalTimeoutMs) * time.Millisecond
}

// confmap is a tiny koanf.Provider that reads from an in-memory map,
// used to seed defaults before the file/environment layers apply.
type confmap map[string]interface{}

func (c confmap) ReadBytes() ([]byte, error) { return nil, fmt.Errorf("confmap: ReadBytes not supported") }
func (c confmap) Read() (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out, nil
}
