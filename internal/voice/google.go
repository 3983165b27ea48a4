// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/util"
)

const (
	// DefaultTTSURL is the public translate text-to-speech endpoint.
	DefaultTTSURL = "https://translate.google.com/translate_tts"

	// ChunkChars is the longest text sent in one TTS request.
	ChunkChars = 100

	// maxChunkBytes caps a single MP3 chunk.
	maxChunkBytes = 2 * 1024 * 1024
)

// GoogleEngine speaks text through the translate TTS endpoint. Text is sent
// in word-aligned chunks of at most ChunkChars characters and the returned
// MP3 streams are concatenated, which MP3 players handle frame by frame.
type GoogleEngine struct {
	endpoint   string
	httpClient *http.Client
	slow       bool
}

// NewGoogleEngine creates an engine using DefaultTTSURL.
func NewGoogleEngine() *GoogleEngine {
	return &GoogleEngine{
		endpoint:   DefaultTTSURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithEndpoint overrides the TTS URL.
func (g *GoogleEngine) WithEndpoint(endpoint string) *GoogleEngine {
	if endpoint != "" {
		g.endpoint = endpoint
	}
	return g
}

// WithHTTPClient overrides the HTTP client.
func (g *GoogleEngine) WithHTTPClient(c *http.Client) *GoogleEngine {
	if c != nil {
		g.httpClient = c
	}
	return g
}

// WithSlow requests the slower speaking rate.
func (g *GoogleEngine) WithSlow(slow bool) *GoogleEngine {
	g.slow = slow
	return g
}

// Speak implements Engine.
func (g *GoogleEngine) Speak(ctx context.Context, text, lang string) ([]byte, error) {
	chunks := util.ChunkRunes(text, ChunkChars)
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}

	var out bytes.Buffer
	for i, chunk := range chunks {
		if err := g.fetch(ctx, &out, chunk, lang, i, len(chunks)); err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return out.Bytes(), nil
}

// fetch appends the MP3 for one chunk to w.
func (g *GoogleEngine) fetch(ctx context.Context, w *bytes.Buffer, chunk, lang string, idx, total int) error {
	speed := "1"
	if g.slow {
		speed = "0.3"
	}
	q := url.Values{
		"ie":       {"UTF-8"},
		"client":   {"tw-ob"},
		"tl":       {lang},
		"q":        {chunk},
		"textlen":  {strconv.Itoa(util.RuneLen(chunk))},
		"idx":      {strconv.Itoa(idx)},
		"total":    {strconv.Itoa(total)},
		"ttsspeed": {speed},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; rigrun-relay/1.0)")
	req.Header.Set("Referer", "https://translate.google.com/")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tts endpoint returned HTTP %d", resp.StatusCode)
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, maxChunkBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read audio: %w", err)
	}
	if n > maxChunkBytes {
		return fmt.Errorf("audio chunk exceeded %d bytes", maxChunkBytes)
	}
	if n == 0 {
		return fmt.Errorf("tts endpoint returned no audio")
	}
	return nil
}
