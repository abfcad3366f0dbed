// Package config loads and hot-reloads the gateway's JSON5 configuration
// file, covering exactly the ambient surface the gateway needs to run:
// transport, per-channel policy, session storage, provider credentials,
// optional Postgres/Tailscale backends. Managed-mode concerns (multi-tenant
// agent CRUD, skills storage, sandboxed tool execution, cron, telemetry)
// are out of scope and were trimmed rather than carried over unused.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root gateway configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	Providers ProvidersConfig `json:"providers"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the RPC transport (C9).
type GatewayConfig struct {
	Host            string              `json:"host"`
	Port            int                 `json:"port"`
	MaxMessageChars int                 `json:"max_message_chars,omitempty"`
	RateLimitRPM    int                 `json:"rate_limit_rpm,omitempty"`
	StateDir        string              `json:"state_dir,omitempty"` // resolved; see ResolveStateDir
	AllowedOrigins  FlexibleStringSlice `json:"allowed_origins,omitempty"`
	HandshakeTimeoutMS int              `json:"handshake_timeout_ms,omitempty"`
	RequestTimeoutMS   int              `json:"request_timeout_ms,omitempty"`
}

// ChannelsConfig contains per-channel configuration, one entry per channel
// plugin the registry (C3) knows how to construct.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	WebChat  WebChatConfig  `json:"webchat"`
}

// ChannelPolicy is embedded by every per-channel config: the admission rules
// the channel plugin's BaseChannel evaluates before publishing an inbound
// message.
type ChannelPolicy struct {
	Enabled        bool                `json:"enabled"`
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "pairing" (default), "open", "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
}

type TelegramConfig struct {
	ChannelPolicy
	Token         string `json:"token"`
	Proxy         string `json:"proxy,omitempty"`
	MediaMaxBytes int64  `json:"media_max_bytes,omitempty"` // default 20MB
	HistoryLimit  int    `json:"history_limit,omitempty"`   // buffered unmentioned group messages; 0 = channels.DefaultGroupHistoryLimit
	StreamMode    string `json:"stream_mode,omitempty"`      // "partial" enables incremental edit-in-place streaming
	VoiceAgentID  string `json:"voice_agent_id,omitempty"`   // agent to route voice/audio inbound to, overriding the channel's default agent

	// Voice-note transcription: proxies audio to an external speech-to-text
	// endpoint before handing the transcript to the agent turn as text.
	STTProxyURL        string `json:"stt_proxy_url,omitempty"`
	STTAPIKey          string `json:"-"` // env only, never persisted
	STTTenantID        string `json:"stt_tenant_id,omitempty"`
	STTTimeoutSeconds  int    `json:"stt_timeout_seconds,omitempty"`
}

type DiscordConfig struct {
	ChannelPolicy
	Token        string `json:"token"`
	HistoryLimit int    `json:"history_limit,omitempty"`
}

type SlackConfig struct {
	ChannelPolicy
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type WhatsAppConfig struct {
	ChannelPolicy
	BridgeURL string `json:"bridge_url"`
}

type WebChatConfig struct {
	ChannelPolicy
}

// ProvidersConfig holds per-backend credentials for the opaque agent
// provider adapters.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
}

type ProviderConfig struct {
	APIKey       string `json:"-"` // env only, never persisted to disk
	APIBase      string `json:"api_base,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
}

// SessionsConfig configures the session store (C2) and transcript directory.
type SessionsConfig struct {
	Storage      string   `json:"storage"` // directory holding sessions.json + transcripts/
	AllowedModels []string `json:"allowed_models,omitempty"`
}

// DatabaseConfig holds the optional Postgres DSN read by the migrate
// command. The gateway itself always uses the file-backed session and
// pairing stores, whether or not a DSN is set.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"` // from env only, never persisted
}

// TailscaleConfig configures the optional tsnet listener as an alternate C9
// transport for operators who want the gateway reachable only over their
// tailnet instead of a public port.
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // env only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Sessions: SessionsConfig{
			Storage: "~/.clawgate/sessions",
		},
	}
}

// Load reads config from a JSON5 file, applies defaults for anything
// missing, then overlays environment variables (credentials are never read
// from the file).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Providers.Anthropic.APIKey = firstNonEmpty(os.Getenv("ANTHROPIC_API_KEY"), c.Providers.Anthropic.APIKey)
	c.Providers.OpenAI.APIKey = firstNonEmpty(os.Getenv("OPENAI_API_KEY"), c.Providers.OpenAI.APIKey)
	c.Providers.OpenRouter.APIKey = firstNonEmpty(os.Getenv("OPENROUTER_API_KEY"), c.Providers.OpenRouter.APIKey)
	c.Database.PostgresDSN = os.Getenv("CLAWGATE_POSTGRES_DSN")
	c.Tailscale.AuthKey = os.Getenv("CLAWGATE_TSNET_AUTH_KEY")
	c.Channels.Telegram.STTAPIKey = os.Getenv("CLAWGATE_STT_API_KEY")

	if v := os.Getenv("CLAWGATE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	c.Gateway.StateDir = ResolveStateDir()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResolveStateDir returns the gateway's persistent state directory.
// OPENCLAW_STATE_DIR is checked first and is canonical for new installs;
// CLAWDBOT_STATE_DIR is accepted for compatibility with an existing
// operator setup. Falls back to ~/.clawgate.
func ResolveStateDir() string {
	if v := os.Getenv("OPENCLAW_STATE_DIR"); v != "" {
		return v
	}
	if v := os.Getenv("CLAWDBOT_STATE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawgate"
	}
	return filepath.Join(home, ".clawgate")
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a stable content hash, used to detect config drift between
// reload ticks without a full deep-equal.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)[:16]
}

// ReplaceFrom copies all data fields from src into c under c's own lock,
// used by the hot-reload watcher below.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Sessions = src.Sessions
	c.Providers = src.Providers
	c.Database = src.Database
	c.Tailscale = src.Tailscale
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// WatchReload watches path for changes via fsnotify and calls onChange with
// a freshly-loaded Config after each write, matching the teacher's
// hot-reload approach for config edited while the gateway is running.
func WatchReload(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "module", "config", "error", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", "module", "config", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
