// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wiring shared by serve and console.

package cli

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/engine"
	"github.com/jeranaias/rigrun-relay/internal/logging"
	"github.com/jeranaias/rigrun-relay/internal/session"
	"github.com/jeranaias/rigrun-relay/internal/voice"
)

// loadConfig reads the config file named by --config, or the default
// location, and applies the logging flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFromPath(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	return cfg, nil
}

// setupLogging installs the global logger described by cfg.
func setupLogging(cfg *config.Config, w io.Writer) error {
	if _, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, w); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// buildEngine assembles registry, store, dispatcher and synthesizer.
// A missing upstream credential is fatal here.
func buildEngine(cfg *config.Config) (*engine.Engine, error) {
	if err := cfg.RequireCredential(); err != nil {
		return nil, err
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("model catalog: %w", err)
	}

	dispatcher, err := cloud.NewDispatcher(cfg.Upstream.APIKey,
		cloud.WithBaseURL(cfg.Upstream.BaseURL),
		cloud.WithSiteURL(cfg.Upstream.SiteURL),
		cloud.WithSiteName(cfg.Upstream.SiteName),
	)
	if err != nil {
		return nil, err
	}

	store := session.NewStore(registry, session.WithHistoryLimit(cfg.Session.HistoryLimit))

	var synth engine.Synthesizer
	if cfg.Voice.Enabled {
		synth = buildSynthesizer(cfg)
	}

	eng := engine.New(registry, store, dispatcher, synth, engine.Config{
		TextTimeout:    cfg.Dispatch.TextTimeout(),
		TextMaxTokens:  cfg.Dispatch.TextMaxTokens,
		VoiceTimeout:   cfg.Dispatch.VoiceTimeout(),
		VoiceMaxTokens: cfg.Dispatch.VoiceMaxTokens,
		VoiceEnabled:   cfg.Voice.Enabled,
		Lang:           cfg.Voice.Lang,
		RatePerMinute:  cfg.RateLimit.PerMinute,
		RateBurst:      cfg.RateLimit.Burst,
	})

	log.Info().
		Str("upstream", dispatcher.BaseURL()).
		Str("key", dispatcher.KeyFingerprint()).
		Int("models", registry.Len()).
		Str("default_model", registry.DefaultKey()).
		Bool("voice", cfg.Voice.Enabled).
		Msg("ENGINE_READY")
	return eng, nil
}

// buildSynthesizer wires the HTTP speech engine to the ffmpeg transcoder.
// A missing ffmpeg binary is logged; voice requests then fall back to text.
func buildSynthesizer(cfg *config.Config) *voice.Synthesizer {
	speech := voice.NewGoogleEngine()
	if cfg.Voice.TTSURL != "" {
		speech = speech.WithEndpoint(cfg.Voice.TTSURL)
	}
	transcoder := voice.NewFFmpegTranscoder(cfg.Voice.FFmpegPath).WithBitrate(cfg.Voice.Bitrate)
	if !transcoder.Available() {
		log.Warn().Str("ffmpeg", cfg.Voice.FFmpegPath).Msg("FFMPEG_NOT_FOUND")
	}
	return voice.NewSynthesizer(speech, transcoder).WithDefaultLang(cfg.Voice.Lang)
}
