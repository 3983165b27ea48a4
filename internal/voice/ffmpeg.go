// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultBitrate is the Opus bitrate for voice notes.
const DefaultBitrate = "32k"

// FFmpegTranscoder converts MP3 to OGG/Opus by piping through ffmpeg.
// The process is killed when the context ends.
type FFmpegTranscoder struct {
	path    string
	bitrate string
}

// NewFFmpegTranscoder uses the ffmpeg binary at path, or "ffmpeg" from PATH.
func NewFFmpegTranscoder(path string) *FFmpegTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{path: path, bitrate: DefaultBitrate}
}

// WithBitrate sets the Opus bitrate, e.g. "24k".
func (f *FFmpegTranscoder) WithBitrate(bitrate string) *FFmpegTranscoder {
	if bitrate != "" {
		f.bitrate = bitrate
	}
	return f
}

// Args returns the ffmpeg argument list.
func (f *FFmpegTranscoder) Args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "mp3", "-i", "pipe:0",
		"-vn", "-ac", "1",
		"-c:a", "libopus", "-b:a", f.bitrate,
		"-f", "ogg", "pipe:1",
	}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpegTranscoder) Available() bool {
	_, err := exec.LookPath(f.path)
	return err == nil
}

// Transcode implements Transcoder.
func (f *FFmpegTranscoder) Transcode(ctx context.Context, mp3 []byte) ([]byte, error) {
	if len(mp3) == 0 {
		return nil, errors.New("no input audio")
	}

	cmd := exec.CommandContext(ctx, f.path, f.Args()...)
	cmd.Stdin = bytes.NewReader(mp3)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[len(msg)-300:]
		}
		if msg != "" {
			return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg failed: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}
	return stdout.Bytes(), nil
}
