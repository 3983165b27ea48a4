// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"OPENROUTER_API_KEY", "PORT", "RELAY_ADDR", "RELAY_KEEPALIVE_URL",
	"RELAY_LOG_LEVEL", "RELAY_DEFAULT_MODEL", "RELAY_AUTH_TOKEN", "RELAY_VOICE_ENABLED",
}

// clearEnv isolates a test from the caller's environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "gpt", cfg.DefaultModel)
	require.Equal(t, 30*time.Second, cfg.Dispatch.TextTimeout())
	require.Equal(t, 30*time.Second, cfg.Dispatch.VoiceTimeout())
	require.Equal(t, 500, cfg.Dispatch.VoiceMaxTokens)
	require.Equal(t, 30*time.Second, cfg.Keepalive.InitialDelay())
	require.Equal(t, 5*time.Minute, cfg.Keepalive.Interval())
	require.Equal(t, 50, cfg.Session.HistoryLimit)
	require.True(t, cfg.Voice.Enabled)
}

func TestRequireCredential(t *testing.T) {
	cfg := Default()
	require.ErrorIs(t, cfg.RequireCredential(), ErrMissingCredential)

	cfg.Upstream.APIKey = "   "
	require.ErrorIs(t, cfg.RequireCredential(), ErrMissingCredential)

	cfg.Upstream.APIKey = "sk-or-test"
	require.NoError(t, cfg.RequireCredential())
}

func TestLoadFromPath_TOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", `
default_model = "llama"

[upstream]
api_key = "sk-file"

[dispatch]
text_max_tokens = 800

[voice]
enabled = false
lang = "en"

[keepalive]
url = "https://relay.example.com/health"
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "llama", cfg.DefaultModel)
	require.Equal(t, "sk-file", cfg.Upstream.APIKey)
	require.Equal(t, 800, cfg.Dispatch.TextMaxTokens)
	require.Equal(t, 500, cfg.Dispatch.VoiceMaxTokens, "unset fields keep defaults")
	require.False(t, cfg.Voice.Enabled)
	require.Equal(t, "en", cfg.Voice.Lang)
	require.True(t, cfg.Keepalive.Enabled)
	require.Equal(t, "https://relay.example.com/health", cfg.KeepaliveURL())
	require.Equal(t, float64(20), cfg.RateLimit.PerMinute)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	require.Equal(t, "llama", reg.DefaultKey())
}

func TestLoadFromPath_CustomModels(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", `
default_model = "fast"

[[models]]
key = "fast"
upstream_id = "openai/gpt-4o-mini"
display_name = "Fast"

[[models]]
key = "smart"
upstream_id = "anthropic/claude-3.5-sonnet"
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	require.Equal(t, []string{"fast", "smart"}, reg.Keys())
	require.Equal(t, "fast", reg.Default().Key)
}

func TestLoadFromPath_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
default_model: claude
session:
  history_limit: 20
server:
  addr: ":9000"
log:
  format: json
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "claude", cfg.DefaultModel)
	require.Equal(t, 20, cfg.Session.HistoryLimit)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, "json", cfg.Log.Format)
	require.True(t, cfg.Voice.Enabled)
	require.Equal(t, "http://127.0.0.1:9000/health", cfg.KeepaliveURL())
}

func TestLoadFromPath_JSON(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.json", `{"ratelimit": {"per_minute": 0}, "keepalive": {"enabled": false}}`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Zero(t, cfg.RateLimit.PerMinute)
	require.False(t, cfg.Keepalive.Enabled)
	require.Equal(t, "gpt", cfg.DefaultModel)
}

func TestLoadFromPath_Invalid(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name  string
		file  string
		body  string
		field string
	}{
		{"unknown default model", "c.toml", `default_model = "nope"`, "models"},
		{"duplicate model", "c.toml", "default_model=\"a\"\n[[models]]\nkey=\"a\"\nupstream_id=\"x\"\n[[models]]\nkey=\"A\"\nupstream_id=\"y\"", "models"},
		{"bad base url", "c.toml", "[upstream]\nbase_url = \"ftp://x\"", "upstream.base_url"},
		{"timeout too long", "c.toml", "[dispatch]\ntext_timeout_secs = 9999", "dispatch.text_timeout_secs"},
		{"bad lang", "c.toml", "[voice]\nlang = \"!!\"", "voice.lang"},
		{"short keepalive", "c.yaml", "keepalive:\n  interval_secs: 2", "keepalive.interval_secs"},
		{"bad level", "c.json", `{"log": {"level": "loud"}}`, "log.level"},
		{"bad format", "c.json", `{"log": {"format": "xml"}}`, "log.format"},
		{"negative burst", "c.json", `{"ratelimit": {"burst": -1}}`, "ratelimit.burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromPath(writeFile(t, tt.file, tt.body))
			require.Error(t, err)

			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs), "got %v", err)
			require.Contains(t, verrs.Error(), tt.field)
		})
	}
}

func TestLoadFromPath_Malformed(t *testing.T) {
	clearEnv(t)
	_, err := LoadFromPath(writeFile(t, "c.toml", "default_model = "))
	require.Error(t, err)
	require.Contains(t, err.Error(), "TOML")

	_, err = LoadFromPath(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-env")
	t.Setenv("PORT", "10000")
	t.Setenv("RELAY_KEEPALIVE_URL", "https://me.example.com/health")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_DEFAULT_MODEL", "deepseek")
	t.Setenv("RELAY_AUTH_TOKEN", "secret")
	t.Setenv("RELAY_VOICE_ENABLED", "false")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	require.Equal(t, "sk-env", cfg.Upstream.APIKey)
	require.Equal(t, ":10000", cfg.Server.Addr)
	require.Equal(t, "https://me.example.com/health", cfg.Keepalive.URL)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "deepseek", cfg.DefaultModel)
	require.Equal(t, "secret", cfg.Server.AuthToken)
	require.False(t, cfg.Voice.Enabled)
	require.NoError(t, cfg.Validate())

	t.Setenv("RELAY_ADDR", "127.0.0.1:7000")
	cfg.ApplyEnvOverrides()
	require.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-env")
	path := writeFile(t, "config.toml", "[upstream]\napi_key = \"sk-file\"")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "sk-env", cfg.Upstream.APIKey)
}

func TestLoad_FromHome(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, Default().Server.Addr, cfg.Server.Addr)

	dir := filepath.Join(home, ".rigrun-relay")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("default_model: gemini\n"), 0o600))

	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, "gemini", cfg.DefaultModel)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.DefaultModel = "mistral"
	cfg.Voice.Enabled = false
	require.NoError(t, SaveTOML(cfg, path))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "mistral", loaded.DefaultModel)
	require.False(t, loaded.Voice.Enabled)
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Upstream.APIKey = "sk-or-very-secret"
	cfg.Server.AuthToken = "bearer-secret"

	out := cfg.String()
	require.NotContains(t, out, "very-secret")
	require.NotContains(t, out, "bearer-secret")
	require.Equal(t, 2, strings.Count(out, "[REDACTED]"))
	require.Equal(t, "sk-or-very-secret", cfg.Upstream.APIKey, "original is untouched")
}

func TestKeepaliveURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://127.0.0.1:8080/health"},
		{"0.0.0.0:3000", "http://127.0.0.1:3000/health"},
		{"localhost:4000", "http://localhost:4000/health"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Server.Addr = tt.addr
		require.Equal(t, tt.want, cfg.KeepaliveURL())
	}
}
