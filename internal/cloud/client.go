// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// Configuration constants for the completion endpoint.
const (
	// DefaultBaseURL is the base URL for the OpenRouter API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout is the per-call budget used when Complete gets zero.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	userAgent = "rigrun-relay/1.0"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is a single message in the request body.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body sent to /chat/completions.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

// chatResponse mirrors only the fields we read. Pointers and RawMessage let
// us tell "missing" apart from "zero".
type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

// apiErrorResponse is the error envelope OpenRouter uses on failures.
type apiErrorResponse struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher sends single-turn prompts to the completion endpoint.
// It is safe for concurrent use.
type Dispatcher struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	siteURL    string
	siteName   string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(url string) Option {
	return func(d *Dispatcher) {
		if url != "" {
			d.baseURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithHTTPClient replaces the pooled HTTP client.
// The client should not set its own Timeout; Complete controls the deadline.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.httpClient = c
		}
	}
}

// WithSiteURL sets the HTTP-Referer header OpenRouter uses for attribution.
func WithSiteURL(url string) Option {
	return func(d *Dispatcher) { d.siteURL = url }
}

// WithSiteName sets the X-Title header.
func WithSiteName(name string) Option {
	return func(d *Dispatcher) { d.siteName = name }
}

// NewDispatcher creates a dispatcher. An empty key returns ErrNotConfigured.
func NewDispatcher(apiKey string, opts ...Option) (*Dispatcher, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrNotConfigured
	}

	d := &Dispatcher{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: newPooledClient(),
		siteName:   "rigrun-relay",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// newPooledClient returns a client with connection pooling and no global
// timeout; deadlines come from the request context.
// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
func newPooledClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key for logs.
// SECURITY: Never expose key fragments.
func (d *Dispatcher) KeyFingerprint() string {
	h := sha256.Sum256([]byte(d.apiKey))
	return hex.EncodeToString(h[:4])
}

// BaseURL returns the endpoint base URL.
func (d *Dispatcher) BaseURL() string {
	return d.baseURL
}

// Complete sends prompt to the backend described by m and returns the reply.
//
// The call makes exactly one attempt. Errors are one of *UpstreamError,
// *TimeoutError, *TransportError, *ProtocolError, or the caller's
// context.Canceled. Partial output is never returned alongside an error.
func (d *Dispatcher) Complete(ctx context.Context, prompt string, m model.Descriptor, maxTokens int, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	budget := effectiveBudget(ctx, timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(ChatRequest{
		Model:     m.UpstreamID,
		Messages:  []ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	d.setHeaders(req)

	logger := log.With().
		Str("model", m.Key).
		Str("upstream_id", m.UpstreamID).
		Str("key_fp", d.KeyFingerprint()).
		Logger()

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	// SECURITY: Drop the credential from the request as soon as it is sent.
	req.Header.Del("Authorization")
	if err != nil {
		err = classifyTransport(ctx, err, budget)
		logger.Warn().Err(err).Dur("latency", time.Since(start)).Msg("API_REQUEST_FAILED")
		return "", err
	}
	defer resp.Body.Close()

	raw, err := readResponse(resp)
	if err != nil {
		err = classifyTransport(ctx, err, budget)
		logger.Warn().Err(err).Int("status", resp.StatusCode).Msg("API_READ_FAILED")
		return "", err
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Int("bytes", len(raw)).
		Msg("API_RESPONSE")

	if resp.StatusCode != http.StatusOK {
		return "", parseErrorResponse(resp.StatusCode, raw)
	}
	return parseContent(raw)
}

// setHeaders sets the headers OpenRouter expects.
func (d *Dispatcher) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if d.siteURL != "" {
		req.Header.Set("HTTP-Referer", d.siteURL)
	}
	if d.siteName != "" {
		req.Header.Set("X-Title", d.siteName)
	}
}

// =============================================================================
// RESPONSE HANDLING
// =============================================================================

// maxErrorMessage caps the non-JSON error body kept in UpstreamError, in runes.
const maxErrorMessage = 200

// errResponseTooLarge is returned by readResponse for oversized bodies.
var errResponseTooLarge = fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)

// readResponse reads the body with a size limit.
// SECURITY: Response size limit prevents memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, errResponseTooLarge
	}
	return body, nil
}

// effectiveBudget is the time the call actually has: timeout, or less when
// the caller's context expires first.
func effectiveBudget(ctx context.Context, timeout time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			if left < 0 {
				left = 0
			}
			return left.Round(time.Millisecond)
		}
	}
	return timeout
}

// classifyTransport maps an error from Do or body reading onto the taxonomy.
func classifyTransport(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(err, errResponseTooLarge) {
		return &ProtocolError{Reason: err.Error()}
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return &TimeoutError{After: timeout}
	case context.Canceled:
		return context.Canceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{After: timeout}
	}
	return &TransportError{Err: err}
}

// parseErrorResponse builds an UpstreamError, keeping any message the API sent.
func parseErrorResponse(status int, body []byte) error {
	e := &UpstreamError{Status: status}

	var env apiErrorResponse
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		e.Message = env.Error.Message
		e.Code = codeString(env.Error.Code)
		return e
	}

	e.Message = util.TruncateRunesNoEllipsis(strings.TrimSpace(string(body)), maxErrorMessage)
	return e
}

// parseContent validates the success body and extracts choices[0].message.content.
func parseContent(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &ProtocolError{Reason: "malformed JSON body: " + err.Error()}
	}

	if len(resp.Choices) == 0 {
		if resp.Error != nil && resp.Error.Message != "" {
			return "", &ProtocolError{Reason: "no choices, upstream said: " + resp.Error.Message}
		}
		return "", &ProtocolError{Reason: "missing choices"}
	}

	msg := resp.Choices[0].Message
	if msg == nil {
		return "", &ProtocolError{Reason: "missing choices[0].message"}
	}
	if len(msg.Content) == 0 || string(msg.Content) == "null" {
		return "", &ProtocolError{Reason: "missing choices[0].message.content"}
	}

	var content string
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return "", &ProtocolError{Reason: "choices[0].message.content is not a string"}
	}
	if strings.TrimSpace(content) == "" {
		return "", &ProtocolError{Reason: "empty choices[0].message.content"}
	}
	return content, nil
}

// codeString renders the error code, which OpenRouter sends as a number or a string.
func codeString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
