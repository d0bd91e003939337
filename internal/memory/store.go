// Package memory provides conversation history storage: a bounded
// in-memory working set per conversation, and a SQLite-backed durable log
// owned by the calling layer.
package memory

import (
	"sync"
	"time"

	"github.com/EduMMorenolp/argenteia/internal/llm"
)

// HistoryStore is the bounded session history consumed by the agent loop.
type HistoryStore interface {
	GetHistory(conversationID string) []llm.Message
	Append(conversationID string, msg llm.Message)
	Reset(conversationID string)
	// SetMeta records the origin tag and bound expert; Meta reads them
	// back. The loop uses the recorded expert when a request names none,
	// so a binding survives across turns.
	SetMeta(conversationID, origin, expert string)
	Meta(conversationID string) (origin, expert string)
}

// Conversation holds the working state of a single conversation.
type Conversation struct {
	ID        string        `json:"id"`
	Origin    string        `json:"origin"`
	Expert    string        `json:"expert,omitempty"`
	Messages  []llm.Message `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Store manages bounded in-memory conversation histories. Each
// conversation keeps at most maxMessages entries; oldest are evicted
// first (plain FIFO, no summarization).
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	maxMessages   int
}

// NewStore creates a bounded history store.
func NewStore(maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = 40
	}
	return &Store{
		conversations: make(map[string]*Conversation),
		maxMessages:   maxMessages,
	}
}

// GetHistory returns a copy of the messages for a conversation, oldest
// first. Unknown conversations yield an empty slice.
func (s *Store) GetHistory(conversationID string) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	msgs := make([]llm.Message, len(conv.Messages))
	copy(msgs, conv.Messages)
	return msgs
}

// Append adds a message to a conversation, creating it on first use and
// evicting the oldest entries beyond the bound.
func (s *Store) Append(conversationID string, msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &Conversation{
			ID:        conversationID,
			CreatedAt: time.Now(),
		}
		s.conversations[conversationID] = conv
	}

	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()

	if n := len(conv.Messages); n > s.maxMessages {
		conv.Messages = conv.Messages[n-s.maxMessages:]
	}
}

// Reset clears a conversation's history to empty.
func (s *Store) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
}

// SetMeta records the origin tag and bound expert for a conversation
// without touching its messages.
func (s *Store) SetMeta(conversationID, origin, expert string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID, CreatedAt: time.Now()}
		s.conversations[conversationID] = conv
	}
	if origin != "" {
		conv.Origin = origin
	}
	if expert != "" {
		conv.Expert = expert
	}
}

// Meta returns the origin tag and bound expert for a conversation.
func (s *Store) Meta(conversationID string) (origin, expert string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return conv.Origin, conv.Expert
	}
	return "", ""
}

// Stats returns working-set statistics for the dashboard.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, conv := range s.conversations {
		total += len(conv.Messages)
	}
	return map[string]any{
		"conversations": len(s.conversations),
		"messages":      total,
		"max_per_conv":  s.maxMessages,
	}
}
