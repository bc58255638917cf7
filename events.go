package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// Events emitted on the engine's emitter.
const (
	EventIdentityChanged      = "identity.changed"
	EventConversationsChanged = "conversations.changed"
	EventMessagesChanged      = "messages.changed"
	EventTypingChanged        = "typing.changed"
	EventReceiptApplied       = "receipt.applied"
	EventMessageFailed        = "message.failed"
)

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles engine events. The payload type depends on the event:
// *Identity, []Conversation, Message, TypingSignal or ReadReceipt.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       zerolog.Logger
}

func newEmitter(log zerolog.Logger) *emitter {
	return &emitter{listeners: make(map[string][]EventHandler), log: log}
}

// On registers a handler for an event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("event", event).Msg("event handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is a cancellable registration for pushed updates.
type Subscription struct {
	mu     sync.Mutex
	closed bool
	once   sync.Once
	remove func()
}

func newSubscription(remove func()) *Subscription {
	return &Subscription{remove: remove}
}

// deliver runs fn unless the subscription is closed. It holds the
// subscription's lock while fn runs so Unsubscribe cannot return mid-delivery.
func (s *Subscription) deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fn()
	return true
}

// Unsubscribe stops delivery. Once it returns no further callback runs, even
// for events already in flight. It waits for a running callback to finish,
// so it must not be called synchronously from that callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.remove != nil {
			s.remove()
		}
	})
}

// Active reports whether the subscription still delivers.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// ============================================================================
// Keyed mutex
// ============================================================================

// keyedMutex serializes work per key while letting different keys run in
// parallel. Entries are dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
