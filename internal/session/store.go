// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// DefaultHistoryLimit is the number of entries kept per user.
const DefaultHistoryLimit = 50

// ErrUnknownModel is returned by SetModel when the key is not registered.
var ErrUnknownModel = errors.New("unknown model")

// =============================================================================
// TYPES
// =============================================================================

// Entry is one question/answer exchange.
type Entry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a point-in-time copy of one user's state.
type Session struct {
	UserID       int64     `json:"user_id"`
	ModelKey     string    `json:"model"`
	MessageCount int       `json:"message_count"`
	VoiceCount   int       `json:"voice_count"`
	FailureCount int       `json:"failure_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastActive   time.Time `json:"last_active"`
	History      []Entry   `json:"history,omitempty"`
}

// Summary is the per-user line in Stats. It omits history.
type Summary struct {
	UserID       int64     `json:"user_id"`
	ModelKey     string    `json:"model"`
	MessageCount int       `json:"message_count"`
	VoiceCount   int       `json:"voice_count"`
	FailureCount int       `json:"failure_count"`
	HistoryLen   int       `json:"history_len"`
	LastActive   time.Time `json:"last_active"`
}

// Stats is an aggregate view of the store.
type Stats struct {
	UserCount     int       `json:"user_count"`
	TotalMessages int       `json:"total_messages"`
	Users         []Summary `json:"users,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// userState is the mutable record behind a Session.
type userState struct {
	mu sync.Mutex

	modelKey     string
	messageCount int
	voiceCount   int
	failureCount int
	firstSeen    time.Time
	lastActive   time.Time

	// history is a ring of at most limit entries; head is the oldest.
	history []Entry
	head    int
}

// =============================================================================
// STORE
// =============================================================================

// Store owns every user session.
type Store struct {
	registry     *model.Registry
	historyLimit int
	now          func() time.Time

	mu    sync.RWMutex
	users map[int64]*userState
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit sets how many history entries are kept per user.
// Values below 1 are ignored.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store validating selections against registry.
func NewStore(registry *model.Registry, opts ...Option) *Store {
	s := &Store{
		registry:     registry,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		users:        make(map[int64]*userState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HistoryLimit returns the per-user history cap.
func (s *Store) HistoryLimit() int {
	return s.historyLimit
}

// user returns the state for userID, creating it if needed.
func (s *Store) user(userID int64) *userState {
	s.mu.RLock()
	u, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have created it between the two locks.
	if u, ok := s.users[userID]; ok {
		return u
	}
	now := s.now()
	u = &userState{
		modelKey:   s.registry.DefaultKey(),
		firstSeen:  now,
		lastActive: now,
		history:    make([]Entry, 0, 8),
	}
	s.users[userID] = u
	return u
}

// lookup returns the state for userID without creating it.
func (s *Store) lookup(userID int64) (*userState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return u, ok
}

// =============================================================================
// ACCESSORS
// =============================================================================

// GetOrCreate returns the user's session, creating it with the default
// model on first contact. Repeated calls never reset existing state.
func (s *Store) GetOrCreate(userID int64) Session {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshot(userID)
}

// Lookup returns the user's session if it exists.
func (s *Store) Lookup(userID int64) (Session, bool) {
	u, ok := s.lookup(userID)
	if !ok {
		return Session{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshot(userID), true
}

// SetModel switches the user's backend. Unknown keys return ErrUnknownModel
// and leave the current selection in place.
func (s *Store) SetModel(userID int64, key string) error {
	d, err := s.registry.Lookup(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownModel, err)
	}

	u := s.user(userID)
	u.mu.Lock()
	u.modelKey = d.Key
	u.mu.Unlock()
	return nil
}

// Model returns the descriptor currently selected by the user.
func (s *Store) Model(userID int64) model.Descriptor {
	u := s.user(userID)
	u.mu.Lock()
	key := u.modelKey
	u.mu.Unlock()

	d, err := s.registry.Lookup(key)
	if err != nil {
		// Selections are validated on assignment, so this only happens if
		// the registry was swapped under us.
		return s.registry.Default()
	}
	return d
}

// RecordActivity counts one message and refreshes LastActive.
func (s *Store) RecordActivity(userID int64) {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.messageCount++
	u.lastActive = s.now()
}

// RecordVoice counts one delivered voice reply.
func (s *Store) RecordVoice(userID int64) {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.voiceCount++
}

// RecordFailure counts one failed dispatch.
func (s *Store) RecordFailure(userID int64) {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failureCount++
}

// AppendHistory stores a question/answer pair, evicting the oldest entry
// once the history limit is reached.
func (s *Store) AppendHistory(userID int64, question, answer string) {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	e := Entry{Question: question, Answer: answer, Timestamp: s.now()}
	if len(u.history) < s.historyLimit {
		u.history = append(u.history, e)
		return
	}
	u.history[u.head] = e
	u.head = (u.head + 1) % len(u.history)
}

// History returns the user's entries, oldest first.
func (s *Store) History(userID int64) []Entry {
	u, ok := s.lookup(userID)
	if !ok {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.orderedHistory()
}

// ClearHistory drops the user's history. Counters are kept.
func (s *Store) ClearHistory(userID int64) {
	u, ok := s.lookup(userID)
	if !ok {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.history = u.history[:0]
	u.head = 0
}

// Len returns the number of known users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// =============================================================================
// STATS
// =============================================================================

// SnapshotStats returns aggregate counters. The store lock is held only
// while collecting user pointers; each user is then locked on its own.
func (s *Store) SnapshotStats() Stats {
	type pair struct {
		id int64
		u  *userState
	}

	s.mu.RLock()
	pairs := make([]pair, 0, len(s.users))
	for id, u := range s.users {
		pairs = append(pairs, pair{id, u})
	}
	s.mu.RUnlock()

	stats := Stats{
		UserCount: len(pairs),
		Users:     make([]Summary, 0, len(pairs)),
		Timestamp: s.now(),
	}
	for _, p := range pairs {
		p.u.mu.Lock()
		sum := Summary{
			UserID:       p.id,
			ModelKey:     p.u.modelKey,
			MessageCount: p.u.messageCount,
			VoiceCount:   p.u.voiceCount,
			FailureCount: p.u.failureCount,
			HistoryLen:   len(p.u.history),
			LastActive:   p.u.lastActive,
		}
		p.u.mu.Unlock()

		stats.TotalMessages += sum.MessageCount
		stats.Users = append(stats.Users, sum)
	}
	sort.Slice(stats.Users, func(i, j int) bool {
		return stats.Users[i].UserID < stats.Users[j].UserID
	})
	return stats
}

// =============================================================================
// HELPERS
// =============================================================================

// snapshot copies u. Caller holds u.mu.
func (u *userState) snapshot(userID int64) Session {
	return Session{
		UserID:       userID,
		ModelKey:     u.modelKey,
		MessageCount: u.messageCount,
		VoiceCount:   u.voiceCount,
		FailureCount: u.failureCount,
		FirstSeen:    u.firstSeen,
		LastActive:   u.lastActive,
		History:      u.orderedHistory(),
	}
}

// orderedHistory unrolls the ring oldest first. Caller holds u.mu.
func (u *userState) orderedHistory() []Entry {
	out := make([]Entry, 0, len(u.history))
	out = append(out, u.history[u.head:]...)
	out = append(out, u.history[:u.head]...)
	return out
}
