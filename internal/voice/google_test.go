// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoogleEngine_ChunksAndConcatenates(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	var langs []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		queries = append(queries, q.Get("q"))
		langs = append(langs, q.Get("tl"))
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("[" + q.Get("idx") + "]"))
	}))
	defer srv.Close()

	g := NewGoogleEngine().WithEndpoint(srv.URL).WithHTTPClient(srv.Client())

	word := strings.Repeat("x", 40)
	text := strings.Join([]string{word, word, word, word, word}, " ")

	audio, err := g.Speak(context.Background(), text, "ru")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 3)
	for _, q := range queries {
		require.LessOrEqual(t, len([]rune(q)), ChunkChars)
	}
	require.Equal(t, text, strings.Join(queries, " "))
	require.Equal(t, []string{"ru", "ru", "ru"}, langs)
	require.Equal(t, "[0][1][2]", string(audio))
}

func TestGoogleEngine_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGoogleEngine().WithEndpoint(srv.URL)
	_, err := g.Speak(context.Background(), "hello", "en")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestGoogleEngine_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGoogleEngine().WithEndpoint(srv.URL)
	_, err := g.Speak(context.Background(), "hello", "en")
	require.Error(t, err)
}

func TestGoogleEngine_EmptyText(t *testing.T) {
	g := NewGoogleEngine().WithEndpoint("http://127.0.0.1:1")
	_, err := g.Speak(context.Background(), "   ", "en")
	require.ErrorIs(t, err, ErrEmptyText)
}

func TestGoogleEngine_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewGoogleEngine().WithEndpoint(srv.URL)
	_, err := g.Speak(ctx, "hello", "en")
	require.ErrorIs(t, err, context.Canceled)
}
