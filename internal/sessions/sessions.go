// Package sessions keeps server-side conversation history for /ask, so a
// client can send a session id instead of replaying its own history.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

// DefaultMaxMessages bounds the turns kept per session.
const DefaultMaxMessages = 20

// MemorySessionStore is a thread-safe in-memory session store. Sessions are
// keyed by owner and id, so one owner can never read another's session.
type MemorySessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session // key: owner:id
	maxMessages int
	now         func() time.Time
}

// NewMemorySessionStore creates a store that keeps at most maxMessages turns
// per session (DefaultMaxMessages if maxMessages < 1).
func NewMemorySessionStore(maxMessages int) *MemorySessionStore {
	if maxMessages < 1 {
		maxMessages = DefaultMaxMessages
	}
	return &MemorySessionStore{
		sessions:    make(map[string]*models.Session),
		maxMessages: maxMessages,
		now:         time.Now,
	}
}

func key(owner, id string) string { return owner + ":" + id }

// Get returns a copy of the owner's session.
func (s *MemorySessionStore) Get(_ context.Context, owner, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key(owner, id)]
	if !ok {
		return nil, &store.ErrNotFound{Entity: "session", Key: id}
	}
	cp := *sess
	cp.Messages = append([]models.ChatMessage(nil), sess.Messages...)
	return &cp, nil
}

// History returns the session's messages, or nil for an unknown session.
func (s *MemorySessionStore) History(ctx context.Context, owner, id string) []models.ChatMessage {
	sess, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil
	}
	return sess.Messages
}

// Append adds turns to the owner's session, creating it on first use, and
// drops the oldest turns beyond the cap.
func (s *MemorySessionStore) Append(_ context.Context, owner, id string, msgs ...models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	k := key(owner, id)
	sess, ok := s.sessions[k]
	if !ok {
		sess = &models.Session{ID: id, OwnerID: owner, CreatedAt: now}
		s.sessions[k] = sess
	}
	sess.Messages = append(sess.Messages, msgs...)
	if over := len(sess.Messages) - s.maxMessages; over > 0 {
		sess.Messages = append([]models.ChatMessage(nil), sess.Messages[over:]...)
	}
	sess.UpdatedAt = now
}

// Delete removes the owner's session.
func (s *MemorySessionStore) Delete(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(owner, id)
	if _, exists := s.sessions[k]; !exists {
		return &store.ErrNotFound{Entity: "session", Key: id}
	}
	delete(s.sessions, k)
	return nil
}

// PurgeIdle deletes sessions not updated since cutoff and returns how many
// were removed.
func (s *MemorySessionStore) PurgeIdle(_ context.Context, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, k)
			n++
		}
	}
	return n
}

// Len reports the number of live sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
