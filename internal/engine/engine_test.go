// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/session"
	"github.com/jeranaias/rigrun-relay/internal/voice"
)

// =============================================================================
// STUBS
// =============================================================================

type call struct {
	prompt    string
	model     string
	maxTokens int
	timeout   time.Duration
}

type stubCompleter struct {
	mu     sync.Mutex
	calls  []call
	answer string
	err    error
	panic  bool
}

func (s *stubCompleter) Complete(_ context.Context, prompt string, m model.Descriptor, maxTokens int, timeout time.Duration) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{prompt, m.Key, maxTokens, timeout})
	s.mu.Unlock()
	if s.panic {
		panic("upstream exploded")
	}
	if s.err != nil {
		return "", s.err
	}
	if s.answer != "" {
		return s.answer, nil
	}
	return "echo: " + prompt, nil
}

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestEngine(t *testing.T, c Completer, synth Synthesizer, mutate func(*Config)) (*Engine, *session.Store) {
	t.Helper()
	reg := model.Builtin()
	store := session.NewStore(reg)
	cfg := DefaultConfig()
	cfg.RatePerMinute = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return New(reg, store, c, synth, cfg), store
}

func okSynth() *voice.Synthesizer {
	return voice.NewSynthesizer(
		voice.EngineFunc(func(_ context.Context, text, _ string) ([]byte, error) { return []byte(text), nil }),
		voice.TranscoderFunc(func(_ context.Context, mp3 []byte) ([]byte, error) { return mp3, nil }),
	)
}

// =============================================================================
// TEXT FLOW
// =============================================================================

func TestHandle_TextSuccess(t *testing.T) {
	c := &stubCompleter{answer: "Hi"}
	e, store := newTestEngine(t, c, nil, nil)

	reply := e.Handle(context.Background(), Request{UserID: 7, Text: "  hello  "})
	require.False(t, reply.Failed())
	require.Equal(t, "Hi", reply.Text)
	require.Nil(t, reply.Audio)
	require.Equal(t, model.DefaultKey, reply.Model)
	require.NotEmpty(t, reply.RequestID)

	require.Len(t, c.calls, 1)
	require.Equal(t, "hello", c.calls[0].prompt)
	require.Equal(t, DefaultTextMaxTokens, c.calls[0].maxTokens)
	require.Equal(t, DefaultTextTimeout, c.calls[0].timeout)

	sess, ok := store.Lookup(7)
	require.True(t, ok)
	require.Equal(t, 1, sess.MessageCount)
	require.Len(t, sess.History, 1)
	require.Equal(t, "hello", sess.History[0].Question)
	require.Equal(t, "Hi", sess.History[0].Answer)
}

func TestHandle_ModelSwitchThenDispatch(t *testing.T) {
	c := &stubCompleter{}
	e, store := newTestEngine(t, c, nil, nil)

	reply := e.Handle(context.Background(), Request{UserID: 1, Text: "hi", ModelKey: "Claude"})
	require.False(t, reply.Failed())
	require.Equal(t, "claude", reply.Model)
	require.Equal(t, "claude", c.calls[0].model)

	sess, _ := store.Lookup(1)
	require.Equal(t, "claude", sess.ModelKey)
}

func TestHandle_ModelSwitchWithoutText(t *testing.T) {
	c := &stubCompleter{}
	e, store := newTestEngine(t, c, nil, nil)

	reply := e.Handle(context.Background(), Request{UserID: 1, ModelKey: "llama"})
	require.False(t, reply.Failed())
	require.Contains(t, reply.Text, "switched")
	require.Zero(t, c.callCount())

	sess, _ := store.Lookup(1)
	require.Equal(t, "llama", sess.ModelKey)
	require.Zero(t, sess.MessageCount)
}

func TestHandle_UnknownModel(t *testing.T) {
	c := &stubCompleter{}
	e, store := newTestEngine(t, c, nil, nil)

	_, err := e.SelectModel(3, "mistral")
	require.NoError(t, err)

	reply := e.Handle(context.Background(), Request{UserID: 3, Text: "hi", ModelKey: "nonexistent"})
	require.Equal(t, KindUnknownModel, reply.Err)
	require.Equal(t, UnknownModelMessage("nonexistent", e.Registry()), reply.Text)
	require.Contains(t, reply.Text, "gpt")
	require.Zero(t, c.callCount())

	sess, _ := store.Lookup(3)
	require.Equal(t, "mistral", sess.ModelKey)
	require.Zero(t, sess.MessageCount)
}

func TestHandle_UnknownModelDoesNotCreateSession(t *testing.T) {
	e, store := newTestEngine(t, &stubCompleter{}, nil, nil)
	e.Handle(context.Background(), Request{UserID: 99, Text: "hi", ModelKey: "nope"})
	_, ok := store.Lookup(99)
	require.False(t, ok)
}

func TestHandle_EmptyText(t *testing.T) {
	c := &stubCompleter{}
	e, _ := newTestEngine(t, c, nil, nil)

	reply := e.Handle(context.Background(), Request{UserID: 1, Text: "   "})
	require.Equal(t, KindEmptyText, reply.Err)
	require.Equal(t, MsgEmptyText, reply.Text)
	require.Zero(t, c.callCount())
}

func TestHandle_LongPromptRejected(t *testing.T) {
	c := &stubCompleter{answer: "ok"}
	e, store := newTestEngine(t, c, nil, nil)

	reply := e.Handle(context.Background(), Request{UserID: 1, Text: strings.Repeat("я", MaxPromptChars+1)})
	require.Equal(t, KindTooLong, reply.Err)
	require.Equal(t, TooLongMessage(MaxPromptChars+1), reply.Text)
	require.Zero(t, c.callCount())
	require.Equal(t, 0, store.GetOrCreate(1).MessageCount)

	// Exactly at the limit is forwarded untouched.
	text := strings.Repeat("я", MaxPromptChars)
	reply = e.Handle(context.Background(), Request{UserID: 1, Text: text})
	require.False(t, reply.Failed())
	require.Equal(t, text, c.calls[0].prompt)
}

// =============================================================================
// DISPATCH ERRORS
// =============================================================================

func TestHandle_DispatchErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
		wantText string
	}{
		{"server error", &cloud.UpstreamError{Status: 500}, KindUpstream, MsgUpstream},
		{"unauthorized", &cloud.UpstreamError{Status: 401}, KindUpstream, MsgAuth},
		{"no credits", &cloud.UpstreamError{Status: 402}, KindUpstream, MsgCredits},
		{"model gone", &cloud.UpstreamError{Status: 404}, KindUpstream, MsgModelMissing},
		{"rate limited", &cloud.UpstreamError{Status: 429}, KindUpstream, MsgUpstreamBusy},
		{"timeout", &cloud.TimeoutError{After: time.Second}, KindTimeout, MsgTimeout},
		{"transport", &cloud.TransportError{Err: errors.New("refused")}, KindTransport, MsgTransport},
		{"protocol", &cloud.ProtocolError{Reason: "missing choices"}, KindProtocol, MsgProtocol},
		{"unknown", errors.New("weird"), KindInternal, MsgInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store := newTestEngine(t, &stubCompleter{err: tt.err}, nil, nil)

			reply := e.Handle(context.Background(), Request{UserID: 5, Text: "hi"})
			require.Equal(t, tt.wantKind, reply.Err)
			require.Equal(t, tt.wantText, reply.Text)
			require.Nil(t, reply.Audio)

			sess, _ := store.Lookup(5)
			require.Equal(t, 1, sess.MessageCount)
			require.Equal(t, 1, sess.FailureCount)
			require.Len(t, sess.History, 1)
			require.Equal(t, tt.wantText, sess.History[0].Answer)
		})
	}
}

func TestHandle_CanceledDeliversNothing(t *testing.T) {
	e, store := newTestEngine(t, &stubCompleter{err: context.Canceled}, nil, nil)

	reply := e.Handle(context.Background(), Request{UserID: 5, Text: "hi"})
	require.Equal(t, KindCanceled, reply.Err)
	require.Empty(t, reply.Text)

	sess, _ := store.Lookup(5)
	require.Equal(t, 1, sess.MessageCount)
	require.Empty(t, sess.History)
}

func TestHandle_PanicIsContained(t *testing.T) {
	e, store := newTestEngine(t, &stubCompleter{panic: true}, nil, nil)

	var reply Reply
	require.NotPanics(t, func() {
		reply = e.Handle(context.Background(), Request{UserID: 5, Text: "hi"})
	})
	require.Equal(t, KindInternal, reply.Err)
	require.Equal(t, MsgInternal, reply.Text)
	require.NotEmpty(t, reply.RequestID)

	// Other users keep working.
	e.dispatch = &stubCompleter{answer: "fine"}
	reply = e.Handle(context.Background(), Request{UserID: 6, Text: "hi"})
	require.Equal(t, "fine", reply.Text)
	sess, _ := store.Lookup(6)
	require.Equal(t, 1, sess.MessageCount)
}

// =============================================================================
// VOICE FLOW
// =============================================================================

func TestHandle_VoiceSuccess(t *testing.T) {
	c := &stubCompleter{answer: "spoken answer"}
	synth := okSynth()
	e, store := newTestEngine(t, c, synth, nil)

	reply := e.Handle(context.Background(), Request{UserID: 2, Text: "talk", WantsVoice: true})
	require.False(t, reply.Failed())
	require.Equal(t, "spoken answer", reply.Text)
	require.NotNil(t, reply.Audio)
	require.Equal(t, voice.CodecOggOpus, reply.Audio.Codec)
	require.Equal(t, "spoken answer", string(reply.Audio.Data))

	require.Equal(t, DefaultVoiceMaxTokens, c.calls[0].maxTokens)
	require.Equal(t, DefaultVoiceTimeout, c.calls[0].timeout)

	sess, _ := store.Lookup(2)
	require.Equal(t, 1, sess.VoiceCount)
}

func TestHandle_VoiceStageTwoFailureFallsBackToText(t *testing.T) {
	var synthErr error
	synth := voice.NewSynthesizer(
		voice.EngineFunc(func(context.Context, string, string) ([]byte, error) { return []byte("mp3"), nil }),
		voice.TranscoderFunc(func(context.Context, []byte) ([]byte, error) { return nil, errors.New("ffmpeg died") }),
	)
	_, synthErr = synth.Synthesize(context.Background(), "x", "")
	var se *voice.SynthesisError
	require.ErrorAs(t, synthErr, &se)
	require.Equal(t, voice.StageTranscode, se.Stage)

	e, store := newTestEngine(t, &stubCompleter{answer: "plain answer"}, synth, nil)

	reply := e.Handle(context.Background(), Request{UserID: 2, Text: "talk", WantsVoice: true})
	require.False(t, reply.Failed())
	require.Equal(t, "plain answer", reply.Text)
	require.Nil(t, reply.Audio)

	sess, _ := store.Lookup(2)
	require.Equal(t, 1, sess.MessageCount)
	require.Zero(t, sess.VoiceCount)
	require.Equal(t, "plain answer", sess.History[0].Answer)
}

func TestHandle_VoiceDisabledUsesTextBudget(t *testing.T) {
	c := &stubCompleter{}
	synth := okSynth()
	e, _ := newTestEngine(t, c, synth, func(cfg *Config) { cfg.VoiceEnabled = false })

	reply := e.Handle(context.Background(), Request{UserID: 2, Text: "talk", WantsVoice: true})
	require.Nil(t, reply.Audio)
	require.Equal(t, DefaultTextMaxTokens, c.calls[0].maxTokens)
}

func TestHandle_VoiceLang(t *testing.T) {
	var gotLang string
	synth := voice.NewSynthesizer(
		voice.EngineFunc(func(_ context.Context, _ string, lang string) ([]byte, error) {
			gotLang = lang
			return []byte("mp3"), nil
		}),
		voice.TranscoderFunc(func(_ context.Context, b []byte) ([]byte, error) { return b, nil }),
	)
	e, _ := newTestEngine(t, &stubCompleter{}, synth, func(cfg *Config) { cfg.Lang = "de" })

	e.Handle(context.Background(), Request{UserID: 1, Text: "a", WantsVoice: true})
	require.Equal(t, "de", gotLang)

	e.Handle(context.Background(), Request{UserID: 1, Text: "a", WantsVoice: true, Lang: "en"})
	require.Equal(t, "en", gotLang)
}

// =============================================================================
// FLOOD CONTROL
// =============================================================================

func TestHandle_RateLimitPerUser(t *testing.T) {
	c := &stubCompleter{}
	e, _ := newTestEngine(t, c, nil, func(cfg *Config) {
		cfg.RatePerMinute = 1
		cfg.RateBurst = 2
	})

	for i := 0; i < 2; i++ {
		reply := e.Handle(context.Background(), Request{UserID: 1, Text: "hi"})
		require.False(t, reply.Failed())
	}
	reply := e.Handle(context.Background(), Request{UserID: 1, Text: "hi"})
	require.Equal(t, KindRateLimited, reply.Err)
	require.Equal(t, MsgRateLimited, reply.Text)
	require.Equal(t, 2, c.callCount())

	// A different user has their own budget.
	reply = e.Handle(context.Background(), Request{UserID: 2, Text: "hi"})
	require.False(t, reply.Failed())
}

func TestHandle_IdleLimitersSwept(t *testing.T) {
	e, _ := newTestEngine(t, &stubCompleter{}, nil, func(cfg *Config) {
		cfg.RatePerMinute = 60
	})
	e.limitSweepAt = 3
	e.limitIdle = time.Millisecond

	for uid := int64(1); uid <= 3; uid++ {
		require.False(t, e.Handle(context.Background(), Request{UserID: uid, Text: "hi"}).Failed())
	}
	time.Sleep(5 * time.Millisecond)

	// A new user arriving at the threshold evicts the idle buckets.
	require.False(t, e.Handle(context.Background(), Request{UserID: 4, Text: "hi"}).Failed())
	e.limitMu.Lock()
	defer e.limitMu.Unlock()
	require.Len(t, e.limiters, 1)
	require.Contains(t, e.limiters, int64(4))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestHandle_ConcurrentUsers(t *testing.T) {
	const users, perUser = 8, 25
	e, store := newTestEngine(t, &stubCompleter{}, nil, nil)

	var wg sync.WaitGroup
	for u := 1; u <= users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(uid int64, i int) {
				defer wg.Done()
				e.Handle(context.Background(), Request{UserID: uid, Text: fmt.Sprintf("m%d", i)})
			}(int64(u), i)
		}
	}
	wg.Wait()

	stats := e.Stats()
	require.Equal(t, users, stats.UserCount)
	require.Equal(t, users*perUser, stats.TotalMessages)
	for u := 1; u <= users; u++ {
		sess, _ := store.Lookup(int64(u))
		require.Equal(t, perUser, sess.MessageCount)
		require.Len(t, sess.History, perUser)
	}
}

// =============================================================================
// END TO END
// =============================================================================

func TestEndToEnd_StubUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"Hi"}}]}`))
	}))
	defer srv.Close()

	d, err := cloud.NewDispatcher("sk-test", cloud.WithBaseURL(srv.URL), cloud.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	e, store := newTestEngine(t, d, nil, nil)

	_, err = e.SelectModel(42, "gpt")
	require.NoError(t, err)

	reply := e.Handle(context.Background(), Request{UserID: 42, Text: "hello"})
	require.False(t, reply.Failed())
	require.Equal(t, "Hi", reply.Text)

	sess, ok := e.Session(42)
	require.True(t, ok)
	require.Equal(t, "gpt", sess.ModelKey)
	require.Equal(t, 1, sess.MessageCount)
	require.Equal(t, 1, store.Len())
}

func TestFrontEndOperations(t *testing.T) {
	e, _ := newTestEngine(t, &stubCompleter{}, nil, nil)

	require.Len(t, e.Models(), len(model.BuiltinDescriptors))
	require.False(t, e.ClearHistory(1))

	e.Handle(context.Background(), Request{UserID: 1, Text: "hi"})
	require.True(t, e.ClearHistory(1))
	sess, _ := e.Session(1)
	require.Empty(t, sess.History)
	require.Equal(t, 1, sess.MessageCount)

	_, err := e.SelectModel(1, "bogus")
	require.ErrorIs(t, err, session.ErrUnknownModel)
	require.Contains(t, e.String(), "default=gpt")
}
