package chatsync

import (
	"context"
	"fmt"
	"sync"
)

const ownerCursorKey = "owner"

// Engine composes the session with the conversation, message, read and
// typing components over one provider. It owns the provider listener and
// wipes all local state whenever the identity changes.
type Engine struct {
	core *core

	Session       *Session
	Conversations *ConversationIndex
	Stream        *MessageStream
	Receipts      *ReadTracker
	Typing        *TypingSignals

	listenerMu    sync.Mutex
	listenerID    string
	listenerEpoch uint64
	closed        bool
}

// New creates an engine. The provider's push events are consumed once a
// session is logged in.
func New(provider Provider, opts ...Option) *Engine {
	o := buildOptions(opts)
	c := &core{
		provider: provider,
		session:  NewSession(provider, o.log),
		log:      o.log,
		events:   newEmitter(o.log),
		storage:  o.storage,
		locks:    newKeyedMutex(),
	}

	e := &Engine{
		core:          c,
		Session:       c.session,
		Conversations: newConversationIndex(c),
		Stream:        newMessageStream(c),
		Receipts:      newReadTracker(c, o.receiptBufferSize),
		Typing:        newTypingSignals(c, o.typingTimeout, o.typingThrottle),
	}
	e.Conversations.stream = e.Stream
	e.Stream.index = e.Conversations
	e.Stream.tracker = e.Receipts
	e.Receipts.stream = e.Stream
	e.Receipts.index = e.Conversations

	c.session.OnChange(func(*Identity) { e.identityChanged() })
	return e
}

// On registers a handler for one of the Event* events.
func (e *Engine) On(event string, handler EventHandler) {
	e.core.events.On(event, handler)
}

// Login, Register and Logout forward to the session.

func (e *Engine) Login(ctx context.Context, userID string) (*Identity, error) {
	return e.Session.Login(ctx, userID)
}

func (e *Engine) Register(ctx context.Context, user Identity) (*Identity, error) {
	return e.Session.Register(ctx, user)
}

func (e *Engine) Logout(ctx context.Context) error {
	return e.Session.Logout(ctx)
}

// Restore reloads the cached conversations and messages of the current
// identity. Messages cached while still pending are restored as failed so
// they can be retried.
func (e *Engine) Restore() error {
	self, err := e.Session.RequireIdentity()
	if err != nil {
		return err
	}
	epoch := e.Session.Epoch()

	convs, err := e.core.storage.Conversations()
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	for _, conv := range convs {
		msgs, err := e.core.storage.Messages(conv.ID, 0)
		if err != nil {
			return fmt.Errorf("restore messages of %s: %w", conv.ID, err)
		}
		release, ok := e.core.enter(conv.ID, epoch)
		if !ok {
			return fmt.Errorf("restore: %w", ErrUnauthorized)
		}
		var fx effects
		for _, m := range msgs {
			if m.Pending() {
				m.Status = StatusFailed
				m.Error = "interrupted before confirmation"
			}
			e.Stream.applyLocked(m, self.ID, false, &fx)
		}
		e.Conversations.mergeListedLocked(conv, &fx)
		release()
		fx.run()
	}

	if cursor, err := e.core.storage.GetCursor(conversationCursorKey); err == nil && cursor != "" {
		e.Conversations.pageMu.Lock()
		e.Conversations.cursor, e.Conversations.started, e.Conversations.hasMore = cursor, true, true
		e.Conversations.pageMu.Unlock()
	}
	e.core.log.Info().Int("conversations", len(convs)).Msg("restored from cache")
	return nil
}

// Close detaches from the provider and waits for in-flight typing calls.
func (e *Engine) Close() error {
	e.listenerMu.Lock()
	if e.closed {
		e.listenerMu.Unlock()
		return nil
	}
	e.closed = true
	if e.listenerID != "" {
		e.core.provider.RemoveListener(e.listenerID)
		e.listenerID = ""
	}
	e.listenerMu.Unlock()

	for _, sub := range e.Typing.reset() {
		sub.Unsubscribe()
	}
	e.Typing.wait()
	e.core.events.removeAll()
	return nil
}

// identityChanged wipes local state for the new identity and moves the
// provider listener to the new epoch.
func (e *Engine) identityChanged() {
	e.listenerMu.Lock()
	epoch := e.Session.Epoch()
	if e.closed || epoch == e.listenerEpoch {
		e.listenerMu.Unlock()
		return
	}
	e.listenerEpoch = epoch
	self := e.Session.Current()

	if e.listenerID != "" {
		e.core.provider.RemoveListener(e.listenerID)
		e.listenerID = ""
	}

	e.core.state.Lock()
	closing := e.Stream.reset()
	e.Conversations.reset()
	e.Receipts.reset()
	closing = append(closing, e.Typing.reset()...)
	e.resetStorage(self)
	e.core.state.Unlock()

	if self != nil {
		e.listenerID = fmt.Sprintf("chatsync:%d", epoch)
		e.core.provider.AddListener(e.listenerID, e.listener(epoch))
	}
	listenerID := e.listenerID
	e.listenerMu.Unlock()

	for _, sub := range closing {
		sub.Unsubscribe()
	}
	e.core.log.Debug().Uint64("epoch", epoch).Str("listener_id", listenerID).Msg("identity changed")
	e.core.events.emit(EventIdentityChanged, self)
}

// resetStorage clears the cache on logout and whenever it belongs to a
// different identity.
func (e *Engine) resetStorage(self *Identity) {
	st := e.core.storage
	if self != nil {
		owner, err := st.GetCursor(ownerCursorKey)
		if err == nil && owner == self.ID {
			return
		}
	}
	if err := st.Clear(); err != nil {
		e.core.log.Warn().Err(err).Msg("cache clear failed")
		return
	}
	if self != nil {
		if err := st.SetCursor(ownerCursorKey, self.ID); err != nil {
			e.core.log.Warn().Err(err).Msg("cache owner write failed")
		}
	}
}

// ============================================================================
// Push handlers
// ============================================================================

func (e *Engine) listener(epoch uint64) Listener {
	return Listener{
		OnMessage: func(m Message) {
			e.guard("message", func() { e.pushMessage(m, epoch) })
		},
		OnTyping: func(sig TypingSignal) {
			e.guard("typing", func() { e.pushTyping(sig, epoch) })
		},
		OnReceipt: func(r ReadReceipt) {
			e.guard("receipt", func() { e.Receipts.apply(r, epoch) })
		},
	}
}

// guard keeps a failing push event from taking down the provider's dispatch.
func (e *Engine) guard(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.core.log.Error().Interface("panic", r).Str("kind", kind).Msg("push handler panicked")
		}
	}()
	fn()
}

func (e *Engine) pushMessage(m Message, epoch uint64) {
	self := e.Session.Current()
	if self == nil {
		return
	}
	conversationID := conversationFor(m, self.ID)
	if conversationID == "" || m.ID == "" {
		e.core.log.Warn().Str("message_id", m.ID).Msg("push message without id or conversation dropped")
		return
	}
	m.ConversationID = conversationID

	release, ok := e.core.enter(conversationID, epoch)
	if !ok {
		e.core.log.Debug().Str("message_id", m.ID).Msg("push message from previous session dropped")
		return
	}
	var fx effects
	e.Stream.applyLocked(m, self.ID, true, &fx)
	release()
	fx.run()
}

func (e *Engine) pushTyping(sig TypingSignal, epoch uint64) {
	self := e.Session.Current()
	if self == nil || sig.UserID == self.ID {
		return
	}
	// The conversation is keyed by the counterpart, which is the typist.
	if sig.UserID != "" {
		sig.ConversationID = sig.UserID
	}
	e.Typing.handle(sig, epoch)
}
