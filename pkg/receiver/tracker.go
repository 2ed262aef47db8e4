// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// maxTrackedSessions bounds the number of concurrent senders. When full,
// the oldest session is closed to make room.
const maxTrackedSessions = 64

// Tracker maps session IDs to live sessions across all listeners.
type Tracker struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTracker creates an empty session tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Add records a new session.
func (t *Tracker) Add(s *Session) {
	var evicted *Session

	t.mu.Lock()
	if len(t.sessions) >= maxTrackedSessions {
		evicted = t.oldestLocked()
		if evicted != nil {
			delete(t.sessions, evicted.id)
		}
	}
	t.sessions[s.id] = s
	t.mu.Unlock()

	if evicted != nil {
		t.logger.Warn("session limit reached, closing oldest", zap.String("session", evicted.id))
		evicted.Close()
	}
}

// Lookup returns the session with the given ID, or nil.
func (t *Tracker) Lookup(id string) *Session {
	t.mu.RLock()
	s := t.sessions[id]
	t.mu.RUnlock()
	return s
}

// Remove forgets a session and returns it.
func (t *Tracker) Remove(id string) *Session {
	t.mu.Lock()
	s := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()
	return s
}

// Count returns the number of live sessions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	n := len(t.sessions)
	t.mu.RUnlock()
	return n
}

// Sessions returns the live sessions, oldest first.
func (t *Tracker) Sessions() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].opened.Before(out[j].opened) })
	return out
}

// Broadcast sends one packet to every session. A session that cannot be
// written to is closed and removed. It returns the number of sessions the
// packet reached.
func (t *Tracker) Broadcast(op Opcode, msg any) (int, error) {
	frame, err := EncodePacket(op, msg)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, s := range t.Sessions() {
		if err := s.sendFrame(frame); err != nil {
			t.logger.Warn("failed to send, closing session",
				zap.String("session", s.id),
				zap.Stringer("opcode", op),
				zap.Error(err),
			)
			t.Remove(s.id)
			s.Close()
			continue
		}
		sent++
	}
	return sent, nil
}

// CloseAll closes and forgets every session.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// oldestLocked returns the longest-lived session. Must be called under t.mu.
func (t *Tracker) oldestLocked() *Session {
	var oldest *Session
	for _, s := range t.sessions {
		if oldest == nil || s.opened.Before(oldest.opened) {
			oldest = s
		}
	}
	return oldest
}
