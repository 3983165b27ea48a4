// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package voice turns reply text into a voice note.
//
// Synthesis runs in two stages. An Engine speaks the text into MP3, then a
// Transcoder converts the MP3 into OGG/Opus, the only codec voice notes are
// delivered in. Text longer than MaxChars characters is cut to fit before
// stage one.
//
// A failure in either stage returns a *SynthesisError. Callers are expected
// to deliver the same text as a plain message instead.
//
// # Key Types
//
//   - Synthesizer: runs the two stages
//   - Engine, Transcoder: stage interfaces
//   - GoogleEngine: HTTP text-to-speech engine
//   - FFmpegTranscoder: MP3 to OGG/Opus via an ffmpeg subprocess
//   - Payload: the resulting audio bytes and codec
//
// # Usage
//
//	syn := voice.NewSynthesizer(voice.NewGoogleEngine(), voice.NewFFmpegTranscoder(""))
//	p, err := syn.Synthesize(ctx, reply, "ru")
//	if err != nil {
//	    // send reply as text
//	}
package voice
