// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/session"
	"github.com/jeranaias/rigrun-relay/internal/util"
	"github.com/jeranaias/rigrun-relay/internal/voice"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	DefaultTextTimeout    = 30 * time.Second
	DefaultTextMaxTokens  = 1000
	DefaultVoiceTimeout   = 30 * time.Second
	DefaultVoiceMaxTokens = 500

	// MaxPromptChars is the longest message forwarded upstream, in runes.
	// Longer messages are rejected, never cut.
	MaxPromptChars = 4000
)

// ErrorKind classifies the outcome of an interaction.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindEmptyText    ErrorKind = "empty_text"
	KindTooLong      ErrorKind = "too_long"
	KindUnknownModel ErrorKind = "unknown_model"
	KindRateLimited  ErrorKind = "rate_limited"
	KindUpstream     ErrorKind = "upstream"
	KindTimeout      ErrorKind = "timeout"
	KindTransport    ErrorKind = "transport"
	KindProtocol     ErrorKind = "protocol"
	KindCanceled     ErrorKind = "canceled"
	KindInternal     ErrorKind = "internal"
)

// kindOf converts a dispatch error kind.
func kindOf(k cloud.ErrorKind) ErrorKind {
	switch k {
	case cloud.KindNone:
		return KindNone
	case cloud.KindUpstream:
		return KindUpstream
	case cloud.KindTimeout:
		return KindTimeout
	case cloud.KindTransport:
		return KindTransport
	case cloud.KindProtocol:
		return KindProtocol
	case cloud.KindCanceled:
		return KindCanceled
	default:
		return KindInternal
	}
}

// =============================================================================
// TYPES
// =============================================================================

// Completer is the upstream dispatch dependency (cloud.Dispatcher).
type Completer interface {
	Complete(ctx context.Context, prompt string, m model.Descriptor, maxTokens int, timeout time.Duration) (string, error)
}

// Synthesizer is the voice dependency (voice.Synthesizer).
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string) (voice.Payload, error)
}

// Request is one inbound interaction.
type Request struct {
	UserID     int64  `json:"user_id"`
	Text       string `json:"text"`
	WantsVoice bool   `json:"wants_voice"`
	ModelKey   string `json:"model,omitempty"`
	Lang       string `json:"lang,omitempty"`
}

// Reply is what the front-end delivers. Audio is set only when a voice note
// was requested and synthesized; Text is always the full answer or message.
type Reply struct {
	Text      string         `json:"text"`
	Audio     *voice.Payload `json:"audio,omitempty"`
	Model     string         `json:"model,omitempty"`
	Err       ErrorKind      `json:"error,omitempty"`
	RequestID string         `json:"request_id"`
}

// Failed reports whether the interaction produced an error reply.
func (r Reply) Failed() bool {
	return r.Err != KindNone
}

// Config holds dispatch budgets and flood-control settings.
type Config struct {
	TextTimeout    time.Duration
	TextMaxTokens  int
	VoiceTimeout   time.Duration
	VoiceMaxTokens int

	// VoiceEnabled turns voice requests into text-only replies when false.
	VoiceEnabled bool
	Lang         string

	// RatePerMinute is the sustained per-user message rate; 0 disables it.
	RatePerMinute float64
	RateBurst     int
}

// DefaultConfig returns the stock budgets.
func DefaultConfig() Config {
	return Config{
		TextTimeout:    DefaultTextTimeout,
		TextMaxTokens:  DefaultTextMaxTokens,
		VoiceTimeout:   DefaultVoiceTimeout,
		VoiceMaxTokens: DefaultVoiceMaxTokens,
		VoiceEnabled:   true,
		Lang:           voice.DefaultLang,
		RatePerMinute:  20,
		RateBurst:      5,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.TextTimeout <= 0 {
		c.TextTimeout = d.TextTimeout
	}
	if c.TextMaxTokens <= 0 {
		c.TextMaxTokens = d.TextMaxTokens
	}
	if c.VoiceTimeout <= 0 {
		c.VoiceTimeout = d.VoiceTimeout
	}
	if c.VoiceMaxTokens <= 0 {
		c.VoiceMaxTokens = d.VoiceMaxTokens
	}
	if c.Lang == "" {
		c.Lang = d.Lang
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine coordinates registry, store, dispatcher and synthesizer.
// It is safe for concurrent use; interactions for different users never
// wait on each other.
type Engine struct {
	registry *model.Registry
	store    *session.Store
	dispatch Completer
	voice    Synthesizer
	cfg      Config

	limitMu      sync.Mutex
	limiters     map[int64]*userLimiter
	limitIdle    time.Duration
	limitSweepAt int

	started time.Time
}

// New creates an engine. synth may be nil, in which case voice requests are
// answered with text.
func New(registry *model.Registry, store *session.Store, dispatch Completer, synth Synthesizer, cfg Config) *Engine {
	cfg.fillDefaults()
	return &Engine{
		registry: registry,
		store:    store,
		dispatch: dispatch,
		voice:    synth,
		cfg:      cfg,
		limiters:     make(map[int64]*userLimiter),
		limitIdle:    limiterIdleTTL,
		limitSweepAt: limiterSweepThreshold,
		started:  time.Now(),
	}
}

// Handle runs one interaction. It never panics and never returns partial
// upstream text.
func (e *Engine) Handle(ctx context.Context, req Request) (reply Reply) {
	requestID := uuid.NewString()
	logger := log.With().
		Str("request_id", requestID).
		Int64("user_id", req.UserID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("INTERACTION_PANIC")
			reply = Reply{Text: MsgInternal, Err: KindInternal, RequestID: requestID}
		}
	}()

	reply = e.handle(ctx, req, logger)
	reply.RequestID = requestID
	return reply
}

func (e *Engine) handle(ctx context.Context, req Request, logger zerolog.Logger) Reply {
	start := time.Now()

	// Explicit model switch. Unknown keys leave the session untouched.
	if key := strings.TrimSpace(req.ModelKey); key != "" {
		if err := e.store.SetModel(req.UserID, key); err != nil {
			logger.Info().Str("model", key).Msg("UNKNOWN_MODEL")
			return Reply{Text: UnknownModelMessage(key, e.registry), Err: KindUnknownModel}
		}
	}

	sess := e.store.GetOrCreate(req.UserID)
	desc := e.store.Model(req.UserID)

	prompt := strings.TrimSpace(req.Text)
	if prompt == "" {
		if strings.TrimSpace(req.ModelKey) != "" {
			return Reply{Text: ModelSelectedMessage(desc), Model: desc.Key}
		}
		return Reply{Text: MsgEmptyText, Model: desc.Key, Err: KindEmptyText}
	}
	if n := util.RuneLen(prompt); n > MaxPromptChars {
		logger.Info().Int("prompt_chars", n).Msg("PROMPT_TOO_LONG")
		return Reply{Text: TooLongMessage(n), Model: desc.Key, Err: KindTooLong}
	}

	if !e.allow(req.UserID) {
		logger.Warn().Msg("RATE_LIMITED")
		return Reply{Text: MsgRateLimited, Model: desc.Key, Err: KindRateLimited}
	}

	wantsVoice := req.WantsVoice && e.cfg.VoiceEnabled && e.voice != nil
	timeout, maxTokens := e.cfg.TextTimeout, e.cfg.TextMaxTokens
	if wantsVoice {
		timeout, maxTokens = e.cfg.VoiceTimeout, e.cfg.VoiceMaxTokens
	}

	// No store lock is held past this point until recording.
	answer, err := e.dispatch.Complete(ctx, prompt, desc, maxTokens, timeout)
	if err != nil {
		kind := kindOf(cloud.Kind(err))
		if kind == KindCanceled || errors.Is(err, context.Canceled) {
			// Caller went away; count the attempt but deliver nothing.
			e.store.RecordActivity(req.UserID)
			logger.Info().Str("model", desc.Key).Msg("INTERACTION_CANCELED")
			return Reply{Model: desc.Key, Err: KindCanceled}
		}

		msg := apology(err)
		logger.Warn().
			Err(err).
			Str("model", desc.Key).
			Str("upstream_id", desc.UpstreamID).
			Str("kind", string(kind)).
			Int("status", cloud.Status(err)).
			Dur("latency", time.Since(start)).
			Msg("DISPATCH_FAILED")

		e.store.RecordActivity(req.UserID)
		e.store.RecordFailure(req.UserID)
		e.store.AppendHistory(req.UserID, prompt, msg)
		return Reply{Text: msg, Model: desc.Key, Err: kind}
	}

	reply := Reply{Text: answer, Model: desc.Key}
	if wantsVoice {
		payload, verr := e.voice.Synthesize(ctx, answer, e.lang(req.Lang))
		if verr != nil {
			var se *voice.SynthesisError
			stage := ""
			if errors.As(verr, &se) {
				stage = se.Stage
			}
			logger.Warn().Err(verr).Str("stage", stage).Msg("VOICE_FALLBACK")
		} else {
			reply.Audio = &payload
			e.store.RecordVoice(req.UserID)
		}
	}

	e.store.RecordActivity(req.UserID)
	e.store.AppendHistory(req.UserID, prompt, answer)

	logger.Info().
		Str("model", desc.Key).
		Int("prompt_chars", util.RuneLen(prompt)).
		Int("answer_chars", util.RuneLen(answer)).
		Bool("voice", reply.Audio != nil).
		Int("message_count", sess.MessageCount+1).
		Dur("latency", time.Since(start)).
		Msg("INTERACTION_COMPLETE")

	return reply
}

func (e *Engine) lang(requested string) string {
	if requested != "" {
		return requested
	}
	return e.cfg.Lang
}

// userLimiter is one user's flood-control bucket.
type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	// limiterSweepThreshold is the map size that triggers eviction of idle
	// limiters; limiterIdleTTL is how long a bucket may sit unused.
	limiterSweepThreshold = 4096
	limiterIdleTTL        = 10 * time.Minute
)

// allow applies per-user flood control.
func (e *Engine) allow(userID int64) bool {
	if e.cfg.RatePerMinute <= 0 {
		return true
	}
	now := time.Now()
	e.limitMu.Lock()
	entry, ok := e.limiters[userID]
	if !ok {
		if len(e.limiters) >= e.limitSweepAt {
			e.sweepLimiters(now)
		}
		every := time.Duration(float64(time.Minute) / e.cfg.RatePerMinute)
		entry = &userLimiter{lim: rate.NewLimiter(rate.Every(every), e.cfg.RateBurst)}
		e.limiters[userID] = entry
	}
	entry.lastSeen = now
	e.limitMu.Unlock()
	return entry.lim.Allow()
}

// sweepLimiters drops idle buckets. Caller holds e.limitMu.
func (e *Engine) sweepLimiters(now time.Time) {
	for id, entry := range e.limiters {
		if now.Sub(entry.lastSeen) > e.limitIdle {
			delete(e.limiters, id)
		}
	}
}

// =============================================================================
// FRONT-END OPERATIONS
// =============================================================================

// Models lists the registered backends.
func (e *Engine) Models() []model.Descriptor {
	return e.registry.List()
}

// Registry returns the model registry.
func (e *Engine) Registry() *model.Registry {
	return e.registry
}

// SelectModel switches userID to key.
func (e *Engine) SelectModel(userID int64, key string) (model.Descriptor, error) {
	if err := e.store.SetModel(userID, key); err != nil {
		return model.Descriptor{}, err
	}
	return e.store.Model(userID), nil
}

// Session returns a copy of userID's session without creating one.
func (e *Engine) Session(userID int64) (session.Session, bool) {
	return e.store.Lookup(userID)
}

// ClearHistory drops userID's history. It reports whether the user exists.
func (e *Engine) ClearHistory(userID int64) bool {
	if _, ok := e.store.Lookup(userID); !ok {
		return false
	}
	e.store.ClearHistory(userID)
	return true
}

// Stats returns a read-only snapshot of the session store.
func (e *Engine) Stats() session.Stats {
	return e.store.SnapshotStats()
}

// Uptime returns the time since the engine was created.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.started)
}

// String describes the engine for startup logs.
func (e *Engine) String() string {
	return fmt.Sprintf("engine(models=%d default=%s voice=%t)",
		e.registry.Len(), e.registry.DefaultKey(), e.cfg.VoiceEnabled && e.voice != nil)
}
