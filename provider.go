package chatsync

import (
	"context"
	"sync"
)

// Provider is the remote chat provider. One-shot calls block until the
// provider resolves them; push events arrive on listeners registered by id.
type Provider interface {
	Login(ctx context.Context, userID string) (*Identity, error)
	CreateUser(ctx context.Context, user Identity) (*Identity, error)
	Logout(ctx context.Context) error

	SendMessage(ctx context.Context, msg OutgoingMessage) (*Message, error)
	// FetchMessages returns up to limit of the most recent messages exchanged
	// with the counterpart conversationID, in any order.
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	FetchConversations(ctx context.Context, cursor string, limit int) (*ConversationPage, error)

	MarkAsRead(ctx context.Context, messageID, conversationID string) error
	MarkConversationRead(ctx context.Context, conversationID string) error

	StartTyping(ctx context.Context, conversationID string) error
	EndTyping(ctx context.Context, conversationID string) error

	AddListener(id string, l Listener)
	RemoveListener(id string)
}

// Listener receives unsolicited provider events. Nil callbacks are skipped.
type Listener struct {
	OnMessage func(Message)
	OnTyping  func(TypingSignal)
	OnReceipt func(ReadReceipt)
}

// ============================================================================
// Listener registry
// ============================================================================

// listenerRegistry fans provider push events out to listeners keyed by id.
// Provider implementations embed it.
type listenerRegistry struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

func (r *listenerRegistry) AddListener(id string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[string]Listener)
	}
	r.listeners[id] = l
}

func (r *listenerRegistry) RemoveListener(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

func (r *listenerRegistry) snapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *listenerRegistry) emitMessage(m Message) {
	for _, l := range r.snapshot() {
		if l.OnMessage != nil {
			l.OnMessage(m)
		}
	}
}

func (r *listenerRegistry) emitTyping(s TypingSignal) {
	for _, l := range r.snapshot() {
		if l.OnTyping != nil {
			l.OnTyping(s)
		}
	}
}

func (r *listenerRegistry) emitReceipt(rc ReadReceipt) {
	for _, l := range r.snapshot() {
		if l.OnReceipt != nil {
			l.OnReceipt(rc)
		}
	}
}
