// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jeranaias/rigrun-relay/internal/engine"
	"github.com/jeranaias/rigrun-relay/internal/keepalive"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/session"
	"github.com/jeranaias/rigrun-relay/internal/voice"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"

	// MaxTextLength is the longest message accepted by /v1/interact.
	MaxTextLength = 16000

	// MaxRequestBodySize is the maximum size for request bodies (64KB).
	MaxRequestBodySize = 64 * 1024
)

// Version is the server version reported by /health.
var Version = "dev"

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats counts HTTP interactions.
type ServerStats struct {
	Interactions atomic.Int64
	VoiceReplies atomic.Int64
	Failures     atomic.Int64
	StartTime    time.Time
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{StartTime: time.Now()}
}

// RecordReply counts one engine reply.
func (s *ServerStats) RecordReply(r engine.Reply) {
	s.Interactions.Add(1)
	if r.Audio != nil {
		s.VoiceReplies.Add(1)
	}
	if r.Failed() {
		s.Failures.Add(1)
	}
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// SERVER
// ============================================================================

// ProbeStatus reports liveness probe activity (keepalive.Probe).
type ProbeStatus interface {
	Status() keepalive.Status
}

// Server is the HTTP bridge between a messaging front-end and the engine.
type Server struct {
	addr   string
	router *http.ServeMux
	server *http.Server

	engine  *engine.Engine
	probe   ProbeStatus
	stats   *ServerStats
	auth    *AuthConfig
	limiter *RateLimiter

	// closed is set by Shutdown so a later Serve returns at once.
	closed bool
	mu     sync.RWMutex
}

// NewServer creates a server for eng listening on addr.
func NewServer(addr string, eng *engine.Engine) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:    addr,
		router:  http.NewServeMux(),
		engine:  eng,
		stats:   NewServerStats(),
		auth:    &AuthConfig{PathPrefix: "/v1/"},
		limiter: DefaultRateLimiter(),
	}
	s.setupRoutes()
	return s
}

// WithAuthToken protects /v1/ routes with a bearer token.
func (s *Server) WithAuthToken(token string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = &AuthConfig{BearerToken: token, PathPrefix: "/v1/"}
	return s
}

// WithProbe attaches the liveness probe for /stats.
func (s *Server) WithProbe(p ProbeStatus) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = p
	return s
}

// WithRateLimiter replaces the per-IP limiter. nil disables it.
func (s *Server) WithRateLimiter(rl *RateLimiter) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = rl
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)

	s.router.HandleFunc("GET /v1/models", s.handleModels)
	s.router.HandleFunc("POST /v1/interact", s.handleInteract)
	s.router.HandleFunc("GET /v1/users/{id}", s.handleGetUser)
	s.router.HandleFunc("PUT /v1/users/{id}/model", s.handleSetModel)
	s.router.HandleFunc("DELETE /v1/users/{id}/history", s.handleClearHistory)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	auth, limiter := s.auth, s.limiter
	s.mu.RUnlock()

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		LoggingMiddleware(),
		SecurityHeadersMiddleware(),
	}
	if limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(limiter))
	}
	middlewares = append(middlewares, AuthMiddleware(auth))
	return Chain(middlewares...)(s.router)
}

// ============================================================================
// HEALTH AND STATS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Users         int       `json:"users"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       Version,
		Users:         st.UserCount,
		UptimeSeconds: int64(s.stats.Uptime().Seconds()),
		Timestamp:     st.Timestamp,
	})
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	session.Stats
	Interactions  int64             `json:"interactions"`
	VoiceReplies  int64             `json:"voice_replies"`
	Failures      int64             `json:"failures"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Keepalive     *keepalive.Status `json:"keepalive,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Stats:         s.engine.Stats(),
		Interactions:  s.stats.Interactions.Load(),
		VoiceReplies:  s.stats.VoiceReplies.Load(),
		Failures:      s.stats.Failures.Load(),
		UptimeSeconds: int64(s.stats.Uptime().Seconds()),
	}

	s.mu.RLock()
	probe := s.probe
	s.mu.RUnlock()
	if probe != nil {
		st := probe.Status()
		resp.Keepalive = &st
	}

	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// MODELS
// ============================================================================

// ModelInfo is one entry of GET /v1/models.
type ModelInfo struct {
	ID          string `json:"id"`
	UpstreamID  string `json:"upstream_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

func modelInfo(d model.Descriptor, defaultKey string) ModelInfo {
	return ModelInfo{
		ID:          d.Key,
		UpstreamID:  d.UpstreamID,
		Name:        d.Title(),
		Description: d.Description,
		Default:     d.Key == defaultKey,
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	defaultKey := s.engine.Registry().DefaultKey()
	models := s.engine.Models()
	data := make([]ModelInfo, 0, len(models))
	for _, d := range models {
		data = append(data, modelInfo(d, defaultKey))
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Object: "list", Data: data})
}

// ============================================================================
// INTERACT
// ============================================================================

// InteractRequest is the body of POST /v1/interact.
type InteractRequest struct {
	UserID     int64  `json:"user_id"`
	Text       string `json:"text"`
	WantsVoice bool   `json:"wants_voice"`
	Model      string `json:"model,omitempty"`
	Lang       string `json:"lang,omitempty"`
}

// InteractResponse is the body returned by POST /v1/interact. Audio data is
// base64 encoded by encoding/json.
type InteractResponse struct {
	Text      string         `json:"text"`
	Audio     *voice.Payload `json:"audio,omitempty"`
	Model     string         `json:"model,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id"`
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	var req InteractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(req.Text) > MaxTextLength {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum length of %d bytes", MaxTextLength))
		return
	}

	reply := s.engine.Handle(r.Context(), engine.Request{
		UserID:     req.UserID,
		Text:       req.Text,
		WantsVoice: req.WantsVoice,
		ModelKey:   req.Model,
		Lang:       req.Lang,
	})
	s.stats.RecordReply(reply)

	// The caller is gone; nothing to deliver.
	if reply.Err == engine.KindCanceled {
		return
	}

	writeJSON(w, http.StatusOK, InteractResponse{
		Text:      reply.Text,
		Audio:     reply.Audio,
		Model:     reply.Model,
		Error:     string(reply.Err),
		RequestID: reply.RequestID,
	})
}

// ============================================================================
// USERS
// ============================================================================

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	sess, found := s.engine.Session(id)
	if !found {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SetModelRequest is the body of PUT /v1/users/{id}/model.
type SetModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req SetModelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	d, err := s.engine.SelectModel(id, req.Model)
	if errors.Is(err, session.ErrUnknownModel) {
		writeError(w, http.StatusBadRequest, engine.UnknownModelMessage(req.Model, s.engine.Registry()))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to select model")
		return
	}
	writeJSON(w, http.StatusOK, modelInfo(d, s.engine.Registry().DefaultKey()))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	if !s.engine.ClearHistory(id) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		// Shutdown already ran; never start serving.
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Str("version", Version).Msg("SERVER_START")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	log.Info().
		Int64("interactions", s.stats.Interactions.Load()).
		Msg("SERVER_SHUTDOWN")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}

// decodeBody reads a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// userID parses the {id} path value, writing a 400 on failure.
func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}
