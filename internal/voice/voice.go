// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	"github.com/jeranaias/rigrun-relay/internal/util"
)

const (
	// MaxChars is the longest text spoken in one voice note.
	MaxChars = 500

	// CodecOggOpus is the codec of every Payload.
	CodecOggOpus = "ogg/opus"

	// DefaultLang is used when no language or an invalid one is given.
	DefaultLang = "ru"
)

// Stage names used in SynthesisError.
const (
	StageSpeak     = "speak"
	StageTranscode = "transcode"
)

// ErrEmptyText is returned for text with nothing to speak.
var ErrEmptyText = errors.New("nothing to speak")

// Payload is a delivery-ready voice note.
type Payload struct {
	Data  []byte `json:"data"`
	Codec string `json:"codec"`
}

// SynthesisError reports which stage failed.
type SynthesisError struct {
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *SynthesisError) Error() string {
	return fmt.Sprintf("voice synthesis failed at %s: %v", e.Stage, e.Err)
}

// Unwrap returns the stage error.
func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// Engine converts text into MP3 speech.
type Engine interface {
	Speak(ctx context.Context, text, lang string) ([]byte, error)
}

// Transcoder converts MP3 audio into OGG/Opus.
type Transcoder interface {
	Transcode(ctx context.Context, mp3 []byte) ([]byte, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, text, lang string) ([]byte, error)

// Speak calls f.
func (f EngineFunc) Speak(ctx context.Context, text, lang string) ([]byte, error) {
	return f(ctx, text, lang)
}

// TranscoderFunc adapts a function to Transcoder.
type TranscoderFunc func(ctx context.Context, mp3 []byte) ([]byte, error)

// Transcode calls f.
func (f TranscoderFunc) Transcode(ctx context.Context, mp3 []byte) ([]byte, error) {
	return f(ctx, mp3)
}

// =============================================================================
// SYNTHESIZER
// =============================================================================

// Synthesizer runs the speak and transcode stages.
type Synthesizer struct {
	engine     Engine
	transcoder Transcoder
	lang       string
}

// NewSynthesizer wires the two stages together.
func NewSynthesizer(engine Engine, transcoder Transcoder) *Synthesizer {
	return &Synthesizer{engine: engine, transcoder: transcoder, lang: DefaultLang}
}

// WithDefaultLang sets the language used when Synthesize gets none.
func (s *Synthesizer) WithDefaultLang(lang string) *Synthesizer {
	s.lang = NormalizeLang(lang, DefaultLang)
	return s
}

// Synthesize speaks text in lang and returns an OGG/Opus payload.
// Text over MaxChars characters is cut to MaxChars-3 plus "...".
func (s *Synthesizer) Synthesize(ctx context.Context, text, lang string) (Payload, error) {
	spoken := PrepareText(text)
	if strings.TrimSpace(spoken) == "" {
		return Payload{}, &SynthesisError{Stage: StageSpeak, Err: ErrEmptyText}
	}
	lang = NormalizeLang(lang, s.lang)

	start := time.Now()
	mp3, err := s.engine.Speak(ctx, spoken, lang)
	if err == nil && len(mp3) == 0 {
		err = errors.New("engine returned no audio")
	}
	if err != nil {
		return Payload{}, &SynthesisError{Stage: StageSpeak, Err: err}
	}

	ogg, err := s.transcoder.Transcode(ctx, mp3)
	if err == nil && len(ogg) == 0 {
		err = errors.New("transcoder returned no audio")
	}
	if err != nil {
		return Payload{}, &SynthesisError{Stage: StageTranscode, Err: err}
	}

	log.Debug().
		Str("lang", lang).
		Int("chars", util.RuneLen(spoken)).
		Int("mp3_bytes", len(mp3)).
		Int("ogg_bytes", len(ogg)).
		Dur("latency", time.Since(start)).
		Msg("VOICE_SYNTHESIZED")

	return Payload{Data: ogg, Codec: CodecOggOpus}, nil
}

// PrepareText applies the MaxChars cap.
func PrepareText(text string) string {
	return util.TruncateRunes(text, MaxChars)
}

// NormalizeLang returns the canonical BCP 47 form of lang, or fallback
// when lang is empty or not a valid tag.
func NormalizeLang(lang, fallback string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return fallback
	}
	tag, err := language.Parse(lang)
	if err != nil || tag == language.Und {
		return fallback
	}
	return tag.String()
}
