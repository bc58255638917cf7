package chatsync

import (
	"sort"
	"sync"
)

// Storage is the local cache merged state is written through to. It is not
// the source of truth: the provider is, and a failed write only costs
// resumability.
type Storage interface {
	PutMessages(msgs []Message) error
	// Messages returns up to limit of the latest messages of a conversation
	// in view order (oldest first). limit <= 0 means all.
	Messages(conversationID string, limit int) ([]Message, error)
	PutConversations(convs []Conversation) error
	Conversations() ([]Conversation, error)
	GetCursor(key string) (string, error)
	SetCursor(key, value string) error
	Clear() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu            sync.RWMutex
	messages      map[string]Message
	conversations map[string]Conversation
	cursors       map[string]string
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages:      make(map[string]Message),
		conversations: make(map[string]Conversation),
		cursors:       make(map[string]string),
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStorage) PutMessages(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		// A local entry is superseded once its confirmed twin is stored.
		if local := localID(m.CorrelationToken); m.CorrelationToken != "" && m.ID != local {
			delete(s.messages, local)
		}
		s.messages[m.ID] = m
	}
	return nil
}

func (s *MemoryStorage) Messages(conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return lessInView(&result[i], &result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryStorage) PutConversations(convs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		s.conversations[c.ID] = cloneConversation(c)
	}
	return nil
}

func (s *MemoryStorage) Conversations() ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		result = append(result, cloneConversation(c))
	}
	sortConversations(result)
	return result, nil
}

// ── Cursors ──────────────────────────────────────────────

func (s *MemoryStorage) GetCursor(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[key], nil
}

func (s *MemoryStorage) SetCursor(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = value
	return nil
}

func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]Message)
	s.conversations = make(map[string]Conversation)
	s.cursors = make(map[string]string)
	return nil
}

// ============================================================================
// Ordering helpers
// ============================================================================

// lessInView orders messages by sent time, then local receipt sequence.
func lessInView(a, b *Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// sortConversations orders by last message time, newest first.
func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessage, convs[j].LastMessage
		switch {
		case a == nil && b == nil:
			return convs[i].ID < convs[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.SentAt.Equal(b.SentAt):
			return a.SentAt.After(b.SentAt)
		default:
			return convs[i].ID < convs[j].ID
		}
	})
}

func cloneConversation(c Conversation) Conversation {
	if c.LastMessage != nil {
		snap := *c.LastMessage
		c.LastMessage = &snap
	}
	return c
}
