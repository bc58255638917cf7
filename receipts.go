package chatsync

import (
	"context"
	"sync"
)

// ReadTracker applies read state: local MarkRead commands and receipts
// pushed by the provider. Receipts for messages not yet known are held in a
// bounded buffer until the message shows up.
type ReadTracker struct {
	*core
	stream *MessageStream
	index  *ConversationIndex

	mu      sync.Mutex
	pending map[string]ReadReceipt
	order   []string
	limit   int

	subMu     sync.Mutex
	observers map[*Subscription]func(ReadReceipt)
}

func newReadTracker(c *core, limit int) *ReadTracker {
	return &ReadTracker{
		core:      c,
		pending:   make(map[string]ReadReceipt),
		limit:     limit,
		observers: make(map[*Subscription]func(ReadReceipt)),
	}
}

// MarkRead marks a message read with the provider. A message already read
// locally is left alone and the provider is not called.
func (t *ReadTracker) MarkRead(ctx context.Context, messageID, conversationID string) error {
	self, err := t.session.RequireIdentity()
	if err != nil {
		return &SendError{Kind: SendNotAuthenticated, Err: err}
	}
	epoch := t.session.Epoch()

	if m, ok := t.stream.Lookup(messageID); ok {
		if m.IsRead() {
			return nil
		}
		if conversationID == "" {
			conversationID = m.ConversationID
		}
	}

	if err := t.provider.MarkAsRead(ctx, messageID, conversationID); err != nil {
		t.log.Warn().Err(err).Str("message_id", messageID).Msg("mark read failed")
		return newSendError(err)
	}
	t.apply(ReadReceipt{
		MessageID:      messageID,
		ConversationID: conversationID,
		ReaderID:       self.ID,
		ReadAt:         now(),
	}, epoch)
	return nil
}

// HandleReceipt applies a receipt under the current session.
func (t *ReadTracker) HandleReceipt(r ReadReceipt) {
	t.apply(r, t.session.Epoch())
}

// OnReceipt registers fn for every receipt that changes a message's state.
func (t *ReadTracker) OnReceipt(fn func(ReadReceipt)) *Subscription {
	sub := newSubscription(nil)
	sub.remove = func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.observers, sub)
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.observers[sub] = fn
	return sub
}

// Buffered returns the number of receipts waiting for their message.
func (t *ReadTracker) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *ReadTracker) apply(r ReadReceipt, epoch uint64) {
	if r.MessageID == "" {
		t.log.Warn().Msg("receipt without message id dropped")
		return
	}
	self := t.session.Current()
	if self == nil {
		return
	}

	conversationID, known := t.stream.conversationOf(r.MessageID)
	if !known {
		t.mu.Lock()
		// The message may have been merged since the first check; its flush
		// needs t.mu, so checking again here cannot miss it.
		if conversationID, known = t.stream.conversationOf(r.MessageID); !known {
			if t.session.Epoch() == epoch {
				t.bufferLocked(r)
			}
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}

	release, ok := t.enter(conversationID, epoch)
	if !ok {
		return
	}
	var fx effects
	t.applyLocked(conversationID, r, self.ID, &fx)
	release()
	fx.run()
}

func (t *ReadTracker) bufferLocked(r ReadReceipt) {
	if _, dup := t.pending[r.MessageID]; dup {
		return
	}
	for len(t.pending) >= t.limit && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		if _, ok := t.pending[oldest]; ok {
			delete(t.pending, oldest)
			t.log.Debug().Str("message_id", oldest).Msg("receipt buffer full, dropped oldest")
		}
	}
	t.pending[r.MessageID] = r
	t.order = append(t.order, r.MessageID)
}

// flushLocked applies a buffered receipt for a message that just became
// known. The caller holds the message's conversation lock.
func (t *ReadTracker) flushLocked(messageID, self string, fx *effects) {
	t.mu.Lock()
	r, ok := t.pending[messageID]
	if ok {
		delete(t.pending, messageID)
		for i, id := range t.order {
			if id == messageID {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if conversationID, known := t.stream.conversationOf(messageID); known {
		t.applyLocked(conversationID, r, self, fx)
	}
}

func (t *ReadTracker) applyLocked(conversationID string, r ReadReceipt, self string, fx *effects) {
	m, transitioned := t.stream.markReadLocked(conversationID, r.MessageID, r.ReadAt, fx)
	if !transitioned {
		return
	}
	if m.SenderID != self {
		t.index.decrementLocked(conversationID, m.ID, fx)
	}
	r.ConversationID = conversationID
	r.ReadAt = m.ReadAt
	fx.add(func() { t.notify(r) })
}

func (t *ReadTracker) notify(r ReadReceipt) {
	t.subMu.Lock()
	type target struct {
		sub *Subscription
		fn  func(ReadReceipt)
	}
	targets := make([]target, 0, len(t.observers))
	for sub, fn := range t.observers {
		targets = append(targets, target{sub, fn})
	}
	t.subMu.Unlock()

	for _, tg := range targets {
		fn := tg.fn
		tg.sub.deliver(func() {
			defer func() {
				if rec := recover(); rec != nil {
					t.log.Error().Interface("panic", rec).Str("message_id", r.MessageID).Msg("receipt observer panicked")
				}
			}()
			fn(r)
		})
	}
	t.events.emit(EventReceiptApplied, r)
}

func (t *ReadTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]ReadReceipt)
	t.order = nil
}
