// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

const testKey = "sk-or-test-abcdefghijklmnopqrstuvwxyz0123456789"

var testModel = model.Descriptor{Key: "gpt", UpstreamID: "openai/gpt-4o-mini"}

func newTestDispatcher(t *testing.T, url string) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(testKey, WithBaseURL(url), WithHTTPClient(&http.Client{}))
	require.NoError(t, err)
	return d
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

// =============================================================================
// CONSTRUCTION TESTS
// =============================================================================

func TestNewDispatcher_RequiresKey(t *testing.T) {
	_, err := NewDispatcher("   ")
	require.ErrorIs(t, err, ErrNotConfigured)

	d, err := NewDispatcher(testKey, WithBaseURL("http://example.test/v1/"))
	require.NoError(t, err)
	require.Equal(t, "http://example.test/v1", d.BaseURL())
}

func TestKeyFingerprint(t *testing.T) {
	d, err := NewDispatcher(testKey)
	require.NoError(t, err)

	fp := d.KeyFingerprint()
	require.Len(t, fp, 8)
	require.NotContains(t, testKey, fp, "fingerprint must not be a key fragment")
}

// =============================================================================
// REQUEST SHAPE TESTS
// =============================================================================

func TestComplete_RequestShape(t *testing.T) {
	type captured struct {
		method, path, auth string
		body               ChatRequest
	}
	seen := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		json.NewDecoder(r.Body).Decode(&c.body)
		seen <- c
		respond(http.StatusOK, `{"choices":[{"message":{"content":"Hi"}}]}`)(w, r)
	}))
	defer server.Close()

	d := newTestDispatcher(t, server.URL)
	text, err := d.Complete(context.Background(), "hello", testModel, 500, time.Second)
	require.NoError(t, err)
	require.Equal(t, "Hi", text)

	got := <-seen
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/chat/completions", got.path)
	require.Equal(t, "Bearer "+testKey, got.auth)
	require.Equal(t, "openai/gpt-4o-mini", got.body.Model)
	require.Equal(t, 500, got.body.MaxTokens)
	require.Equal(t, []ChatMessage{{Role: "user", Content: "hello"}}, got.body.Messages)
}

// =============================================================================
// ERROR TAXONOMY TESTS
// =============================================================================

func TestComplete_UpstreamError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		message  string
	}{
		{"server error", 500, `oops`, nil, "oops"},
		{"bad gateway json", 502, `{"error":{"code":502,"message":"provider down"}}`, nil, "provider down"},
		{"unauthorized", 401, `{"error":{"code":401,"message":"No auth credentials found"}}`, ErrAuthFailed, "No auth credentials found"},
		{"credits", 402, `{}`, ErrInsufficientCredits, ""},
		{"model", 404, ``, ErrModelNotFound, ""},
		{"rate limited", 429, `{"error":{"code":"rate_limit","message":"slow down"}}`, ErrRateLimited, "slow down"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(respond(tc.status, tc.body))
			defer server.Close()

			_, err := newTestDispatcher(t, server.URL).Complete(context.Background(), "x", testModel, 10, time.Second)

			var up *UpstreamError
			require.True(t, errors.As(err, &up), "want *UpstreamError, got %T: %v", err, err)
			require.Equal(t, tc.status, up.Status)
			require.Equal(t, tc.status, Status(err))
			require.Equal(t, KindUpstream, Kind(err))
			if tc.sentinel != nil {
				require.ErrorIs(t, err, tc.sentinel)
			}
			if tc.message != "" {
				require.Equal(t, tc.message, up.Message)
			}
		})
	}
}

func TestComplete_ProtocolError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>hi</html>`},
		{"missing choices", `{"id":"x"}`},
		{"empty choices", `{"choices":[]}`},
		{"missing message", `{"choices":[{"finish_reason":"stop"}]}`},
		{"missing content", `{"choices":[{"message":{"role":"assistant"}}]}`},
		{"null content", `{"choices":[{"message":{"content":null}}]}`},
		{"content not string", `{"choices":[{"message":{"content":42}}]}`},
		{"empty content", `{"choices":[{"message":{"content":"  "}}]}`},
		{"error envelope", `{"error":{"message":"context length exceeded"}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(respond(http.StatusOK, tc.body))
			defer server.Close()

			text, err := newTestDispatcher(t, server.URL).Complete(context.Background(), "x", testModel, 10, time.Second)

			var pe *ProtocolError
			require.True(t, errors.As(err, &pe), "want *ProtocolError, got %T: %v", err, err)
			require.Equal(t, KindProtocol, Kind(err))
			require.Empty(t, text)
		})
	}
}

func TestComplete_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestDispatcher(t, server.URL).Complete(context.Background(), "x", testModel, 10, 50*time.Millisecond)

	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, KindTimeout, Kind(err))
	require.Less(t, time.Since(start), 2*time.Second)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	require.Equal(t, 50*time.Millisecond, te.After)
}

func TestComplete_TimeoutReportsCallerDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := newTestDispatcher(t, server.URL).Complete(ctx, "x", testModel, 10, 30*time.Second)
	require.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	require.LessOrEqual(t, te.After, 80*time.Millisecond)
	require.Greater(t, te.After, time.Duration(0))
}

func TestComplete_UpstreamErrorKeepsWholeRunes(t *testing.T) {
	body := strings.Repeat("ж", 300)
	server := httptest.NewServer(respond(http.StatusInternalServerError, body))
	defer server.Close()

	_, err := newTestDispatcher(t, server.URL).Complete(context.Background(), "x", testModel, 10, time.Second)

	var up *UpstreamError
	require.True(t, errors.As(err, &up))
	require.True(t, utf8.ValidString(up.Message))
	require.Equal(t, strings.Repeat("ж", 200), up.Message)
}

func TestComplete_TransportError(t *testing.T) {
	// Grab a free port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = newTestDispatcher(t, "http://"+addr).Complete(context.Background(), "x", testModel, 10, time.Second)

	var te *TransportError
	require.True(t, errors.As(err, &te), "want *TransportError, got %T: %v", err, err)
	require.Equal(t, KindTransport, Kind(err))
}

func TestComplete_CallerCancel(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	text, err := newTestDispatcher(t, server.URL).Complete(ctx, "x", testModel, 10, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, KindCanceled, Kind(err))
	require.Empty(t, text)
}

func TestComplete_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestDispatcher(t, server.URL).Complete(context.Background(), "x", testModel, 10, time.Second)
	require.Equal(t, KindUpstream, Kind(err))
	require.Equal(t, int32(1), calls.Load(), "dispatch must not retry")
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

// TestComplete_ConcurrentModels checks that concurrent calls for different
// backends each send their own model id.
func TestComplete_ConcurrentModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		out, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": req.Model}}},
		})
		w.Write(out)
	}))
	defer server.Close()

	d := newTestDispatcher(t, server.URL)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := model.BuiltinDescriptors[i%len(model.BuiltinDescriptors)]
			text, err := d.Complete(context.Background(), "x", m, 10, 5*time.Second)
			if err != nil {
				t.Errorf("Complete: %v", err)
				return
			}
			if text != m.UpstreamID {
				t.Errorf("got %q, want %q", text, m.UpstreamID)
			}
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// ERROR HELPER TESTS
// =============================================================================

func TestKind(t *testing.T) {
	require.Equal(t, KindNone, Kind(nil))
	require.Equal(t, KindUnknown, Kind(errors.New("boom")))
	require.Equal(t, KindTimeout, Kind(&TimeoutError{}))
	require.Equal(t, "timeout", KindTimeout.String())
	require.Equal(t, 0, Status(errors.New("boom")))
}

func TestUpstreamError_Message(t *testing.T) {
	require.Equal(t, "upstream error (HTTP 500)", (&UpstreamError{Status: 500}).Error())
	require.Equal(t, "upstream error [x] (HTTP 400): bad", (&UpstreamError{Status: 400, Code: "x", Message: "bad"}).Error())
}
