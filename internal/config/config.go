// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/rigrun-relay/internal/logging"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/util"
	"github.com/jeranaias/rigrun-relay/internal/voice"
)

// ErrMissingCredential is returned by RequireCredential when no upstream
// API key is configured. It is fatal at startup.
var ErrMissingCredential = errors.New("missing upstream credential: set OPENROUTER_API_KEY or upstream.api_key")

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relay configuration.
type Config struct {
	// DefaultModel is the backend new users start with
	DefaultModel string `toml:"default_model" json:"default_model" yaml:"default_model"`

	// Models replaces the built-in catalog when non-empty
	Models []model.Descriptor `toml:"models,omitempty" json:"models,omitempty" yaml:"models,omitempty"`

	Upstream  UpstreamConfig  `toml:"upstream" json:"upstream" yaml:"upstream"`
	Dispatch  DispatchConfig  `toml:"dispatch" json:"dispatch" yaml:"dispatch"`
	Voice     VoiceConfig     `toml:"voice" json:"voice" yaml:"voice"`
	Session   SessionConfig   `toml:"session" json:"session" yaml:"session"`
	Keepalive KeepaliveConfig `toml:"keepalive" json:"keepalive" yaml:"keepalive"`
	Server    ServerConfig    `toml:"server" json:"server" yaml:"server"`
	RateLimit RateLimitConfig `toml:"ratelimit" json:"ratelimit" yaml:"ratelimit"`
	Log       LogConfig       `toml:"log" json:"log" yaml:"log"`
}

// UpstreamConfig describes the chat-completion provider.
type UpstreamConfig struct {
	// APIKey is the bearer credential (OPENROUTER_API_KEY)
	APIKey string `toml:"api_key" json:"api_key" yaml:"api_key"`
	// BaseURL is the API root; /chat/completions is appended
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`
	// SiteURL and SiteName are sent as HTTP-Referer and X-Title
	SiteURL  string `toml:"site_url" json:"site_url" yaml:"site_url"`
	SiteName string `toml:"site_name" json:"site_name" yaml:"site_name"`
}

// DispatchConfig holds per-request budgets.
type DispatchConfig struct {
	TextTimeoutSecs  int `toml:"text_timeout_secs" json:"text_timeout_secs" yaml:"text_timeout_secs"`
	TextMaxTokens    int `toml:"text_max_tokens" json:"text_max_tokens" yaml:"text_max_tokens"`
	VoiceTimeoutSecs int `toml:"voice_timeout_secs" json:"voice_timeout_secs" yaml:"voice_timeout_secs"`
	VoiceMaxTokens   int `toml:"voice_max_tokens" json:"voice_max_tokens" yaml:"voice_max_tokens"`
}

// TextTimeout returns the text reply budget.
func (d DispatchConfig) TextTimeout() time.Duration {
	return time.Duration(d.TextTimeoutSecs) * time.Second
}

// VoiceTimeout returns the voice reply budget.
func (d DispatchConfig) VoiceTimeout() time.Duration {
	return time.Duration(d.VoiceTimeoutSecs) * time.Second
}

// VoiceConfig controls voice-note synthesis.
type VoiceConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	// Lang is the default speech language (BCP 47)
	Lang string `toml:"lang" json:"lang" yaml:"lang"`
	// FFmpegPath is the transcoder binary; empty means "ffmpeg" on PATH
	FFmpegPath string `toml:"ffmpeg_path" json:"ffmpeg_path" yaml:"ffmpeg_path"`
	// Bitrate is the Opus bitrate, e.g. "32k"
	Bitrate string `toml:"bitrate" json:"bitrate" yaml:"bitrate"`
	// TTSURL overrides the speech endpoint
	TTSURL string `toml:"tts_url" json:"tts_url" yaml:"tts_url"`
}

// SessionConfig controls per-user state.
type SessionConfig struct {
	HistoryLimit int `toml:"history_limit" json:"history_limit" yaml:"history_limit"`
}

// KeepaliveConfig controls the liveness probe.
type KeepaliveConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	// URL is the address probed; empty means this server's own /health
	URL              string `toml:"url" json:"url" yaml:"url"`
	InitialDelaySecs int    `toml:"initial_delay_secs" json:"initial_delay_secs" yaml:"initial_delay_secs"`
	IntervalSecs     int    `toml:"interval_secs" json:"interval_secs" yaml:"interval_secs"`
}

// InitialDelay returns the wait before the first probe.
func (k KeepaliveConfig) InitialDelay() time.Duration {
	return time.Duration(k.InitialDelaySecs) * time.Second
}

// Interval returns the time between probes.
func (k KeepaliveConfig) Interval() time.Duration {
	return time.Duration(k.IntervalSecs) * time.Second
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr" yaml:"addr"`
	// AuthToken protects /v1/ routes when set
	AuthToken string `toml:"auth_token" json:"auth_token" yaml:"auth_token"`
}

// RateLimitConfig is per-user flood control. PerMinute 0 disables it.
type RateLimitConfig struct {
	PerMinute float64 `toml:"per_minute" json:"per_minute" yaml:"per_minute"`
	Burst     int     `toml:"burst" json:"burst" yaml:"burst"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		DefaultModel: model.DefaultKey,
		Upstream: UpstreamConfig{
			BaseURL:  "https://openrouter.ai/api/v1",
			SiteURL:  "https://github.com/jeranaias/rigrun-relay",
			SiteName: "rigrun-relay",
		},
		Dispatch: DispatchConfig{
			TextTimeoutSecs:  30,
			TextMaxTokens:    1000,
			VoiceTimeoutSecs: 30,
			VoiceMaxTokens:   500,
		},
		Voice: VoiceConfig{
			Enabled: true,
			Lang:    voice.DefaultLang,
			Bitrate: voice.DefaultBitrate,
		},
		Session: SessionConfig{
			HistoryLimit: 50,
		},
		Keepalive: KeepaliveConfig{
			Enabled:          true,
			InitialDelaySecs: 30,
			IntervalSecs:     300,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		RateLimit: RateLimitConfig{
			PerMinute: 20,
			Burst:     5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// fillDefaults sets zero-valued fields to their defaults. Booleans are left
// alone because false is meaningful.
func fillDefaults(cfg *Config) {
	d := Default()

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = d.DefaultModel
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = d.Upstream.BaseURL
	}
	if cfg.Upstream.SiteURL == "" {
		cfg.Upstream.SiteURL = d.Upstream.SiteURL
	}
	if cfg.Upstream.SiteName == "" {
		cfg.Upstream.SiteName = d.Upstream.SiteName
	}
	if cfg.Dispatch.TextTimeoutSecs == 0 {
		cfg.Dispatch.TextTimeoutSecs = d.Dispatch.TextTimeoutSecs
	}
	if cfg.Dispatch.TextMaxTokens == 0 {
		cfg.Dispatch.TextMaxTokens = d.Dispatch.TextMaxTokens
	}
	if cfg.Dispatch.VoiceTimeoutSecs == 0 {
		cfg.Dispatch.VoiceTimeoutSecs = d.Dispatch.VoiceTimeoutSecs
	}
	if cfg.Dispatch.VoiceMaxTokens == 0 {
		cfg.Dispatch.VoiceMaxTokens = d.Dispatch.VoiceMaxTokens
	}
	if cfg.Voice.Lang == "" {
		cfg.Voice.Lang = d.Voice.Lang
	}
	if cfg.Voice.Bitrate == "" {
		cfg.Voice.Bitrate = d.Voice.Bitrate
	}
	if cfg.Session.HistoryLimit == 0 {
		cfg.Session.HistoryLimit = d.Session.HistoryLimit
	}
	if cfg.Keepalive.IntervalSecs == 0 {
		cfg.Keepalive.IntervalSecs = d.Keepalive.IntervalSecs
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the relay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-relay"), nil
}

// configPaths returns the candidate files in load order.
func configPaths() ([]string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return []string{
		filepath.Join(dir, "config.toml"),
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.json"),
	}, nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens config file permissions.
// SECURITY: Config files hold the upstream API key and should be 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the first config file found in ConfigDir (TOML, then YAML,
// then JSON), falling back to defaults. Environment overrides are applied
// last and the result is validated.
func Load() (*Config, error) {
	paths, err := configPaths()
	if err == nil {
		for _, path := range paths {
			if _, statErr := os.Stat(path); statErr == nil {
				return LoadFromPath(path)
			}
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file. The format is
// chosen by extension; anything unrecognised is read as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = LoadJSON(cfg, path)
	case ".yaml", ".yml":
		err = LoadYAML(cfg, path)
	default:
		err = LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg and fills defaults.
func LoadTOML(cfg *Config, path string) error {
	warnPermissions(path)
	// Decoding over defaults keeps omitted booleans at their default.
	*cfg = *Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadYAML decodes a YAML file into cfg and fills defaults.
func LoadYAML(cfg *Config, path string) error {
	warnPermissions(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file: %w", err)
	}
	*cfg = *Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode YAML file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadJSON decodes a JSON file into cfg and fills defaults.
func LoadJSON(cfg *Config, path string) error {
	warnPermissions(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	*cfg = *Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

func warnPermissions(path string) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
}

// =============================================================================
// SAVE
// =============================================================================

// SaveTOML writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# rigrun-relay configuration file\n")
	buf.WriteString("# The API key is better supplied via OPENROUTER_API_KEY.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// SECURITY: Write with restrictive permissions (0600 = owner read/write only)
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// ApplyEnvOverrides applies environment variables on top of file values.
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.Upstream.APIKey = key
	}

	// PORT is what most hosting platforms inject; RELAY_ADDR wins over it.
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if addr := os.Getenv("RELAY_ADDR"); addr != "" {
		c.Server.Addr = addr
	}

	if u := os.Getenv("RELAY_KEEPALIVE_URL"); u != "" {
		c.Keepalive.URL = u
	}
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if m := os.Getenv("RELAY_DEFAULT_MODEL"); m != "" {
		c.DefaultModel = m
	}
	if token := os.Getenv("RELAY_AUTH_TOKEN"); token != "" {
		c.Server.AuthToken = token
	}
	if v := os.Getenv("RELAY_VOICE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Voice.Enabled = enabled
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section. The API key is not checked here; see
// RequireCredential.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := c.Registry(); err != nil {
		add("models", "%v", err)
	}

	if err := validateHTTPURL(c.Upstream.BaseURL); err != nil {
		add("upstream.base_url", "%v", err)
	}

	if c.Dispatch.TextTimeoutSecs < 1 || c.Dispatch.TextTimeoutSecs > 300 {
		add("dispatch.text_timeout_secs", "must be between 1 and 300, got %d", c.Dispatch.TextTimeoutSecs)
	}
	if c.Dispatch.VoiceTimeoutSecs < 1 || c.Dispatch.VoiceTimeoutSecs > 300 {
		add("dispatch.voice_timeout_secs", "must be between 1 and 300, got %d", c.Dispatch.VoiceTimeoutSecs)
	}
	if c.Dispatch.TextMaxTokens < 1 || c.Dispatch.TextMaxTokens > 32000 {
		add("dispatch.text_max_tokens", "must be between 1 and 32000, got %d", c.Dispatch.TextMaxTokens)
	}
	if c.Dispatch.VoiceMaxTokens < 1 || c.Dispatch.VoiceMaxTokens > 32000 {
		add("dispatch.voice_max_tokens", "must be between 1 and 32000, got %d", c.Dispatch.VoiceMaxTokens)
	}

	if voice.NormalizeLang(c.Voice.Lang, "") == "" {
		add("voice.lang", "%q is not a valid language tag", c.Voice.Lang)
	}
	if c.Voice.TTSURL != "" {
		if err := validateHTTPURL(c.Voice.TTSURL); err != nil {
			add("voice.tts_url", "%v", err)
		}
	}

	if c.Session.HistoryLimit < 1 || c.Session.HistoryLimit > 10000 {
		add("session.history_limit", "must be between 1 and 10000, got %d", c.Session.HistoryLimit)
	}

	if c.Keepalive.Enabled {
		if c.Keepalive.URL != "" {
			if err := validateHTTPURL(c.Keepalive.URL); err != nil {
				add("keepalive.url", "%v", err)
			}
		}
		if c.Keepalive.InitialDelaySecs < 0 {
			add("keepalive.initial_delay_secs", "must not be negative")
		}
		if c.Keepalive.IntervalSecs < 10 {
			add("keepalive.interval_secs", "must be at least 10, got %d", c.Keepalive.IntervalSecs)
		}
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr", "must not be empty")
	}

	if c.RateLimit.PerMinute < 0 {
		add("ratelimit.per_minute", "must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		add("ratelimit.burst", "must not be negative")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	if f := c.Log.Format; f != logging.FormatConsole && f != logging.FormatJSON {
		add("log.format", "must be %q or %q, got %q", logging.FormatConsole, logging.FormatJSON, f)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RequireCredential returns ErrMissingCredential when no API key is set.
func (c *Config) RequireCredential() error {
	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		return ErrMissingCredential
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host: %q", raw)
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// Registry builds the model registry: the configured catalog if any,
// otherwise the built-in one.
func (c *Config) Registry() (*model.Registry, error) {
	descriptors := c.Models
	if len(descriptors) == 0 {
		descriptors = model.BuiltinDescriptors
	}
	return model.NewRegistry(c.DefaultModel, descriptors...)
}

// KeepaliveURL returns the probe target, defaulting to this server's own
// /health endpoint.
func (c *Config) KeepaliveURL() string {
	if c.Keepalive.URL != "" {
		return c.Keepalive.URL
	}
	host, port := "127.0.0.1", "8080"
	addr := c.Server.Addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if h := addr[:i]; h != "" && h != "0.0.0.0" && h != "[::]" {
			host = h
		}
		if p := addr[i+1:]; p != "" {
			port = p
		}
	}
	return "http://" + host + ":" + port + "/health"
}

// =============================================================================
// DEBUG OUTPUT
// =============================================================================

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Models != nil {
		clone.Models = append([]model.Descriptor(nil), c.Models...)
	}
	return &clone
}

// String returns a JSON rendering of the config for debugging.
// SECURITY: Secrets are redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Upstream.APIKey != "" {
		safe.Upstream.APIKey = "[REDACTED]"
	}
	if safe.Server.AuthToken != "" {
		safe.Server.AuthToken = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
