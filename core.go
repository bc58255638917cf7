package chatsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTypingTimeout     = 10 * time.Second
	DefaultTypingThrottle    = 3 * time.Second
	DefaultReceiptBufferSize = 256
	DefaultHistoryLimit      = 30
	DefaultConversationPage  = 50
)

// ============================================================================
// Options
// ============================================================================

type options struct {
	log               zerolog.Logger
	storage           Storage
	typingTimeout     time.Duration
	typingThrottle    time.Duration
	receiptBufferSize int
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the structured logger used by every component.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithStorage sets the local cache merged state is written through to.
func WithStorage(s Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithTypingTimeout sets how long a received typing signal lasts without a refresh.
func WithTypingTimeout(d time.Duration) Option {
	return func(o *options) { o.typingTimeout = d }
}

// WithTypingThrottle sets the minimum spacing of outgoing typing starts per conversation.
func WithTypingThrottle(d time.Duration) Option {
	return func(o *options) { o.typingThrottle = d }
}

// WithReceiptBuffer bounds the receipts held for not-yet-known messages.
func WithReceiptBuffer(n int) Option {
	return func(o *options) { o.receiptBufferSize = n }
}

func buildOptions(opts []Option) *options {
	o := &options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.storage == nil {
		o.storage = NewMemoryStorage()
	}
	if o.typingTimeout <= 0 {
		o.typingTimeout = DefaultTypingTimeout
	}
	if o.typingThrottle < 0 {
		o.typingThrottle = 0
	} else if o.typingThrottle == 0 {
		o.typingThrottle = DefaultTypingThrottle
	}
	if o.receiptBufferSize <= 0 {
		o.receiptBufferSize = DefaultReceiptBufferSize
	}
	return o
}

// ============================================================================
// Shared core
// ============================================================================

// core is the state shared by all components: the provider, the session
// handle, the per-conversation locks and the reset guard.
//
// Lock order is state (read) then the conversation key. state is only
// write-locked while wiping everything on an identity change.
type core struct {
	provider Provider
	session  *Session
	log      zerolog.Logger
	events   *emitter
	storage  Storage

	state sync.RWMutex
	locks *keyedMutex
}

// enter locks conversationID for mutation if the session is still at epoch.
func (c *core) enter(conversationID string, epoch uint64) (release func(), ok bool) {
	c.state.RLock()
	if c.session.Epoch() != epoch {
		c.state.RUnlock()
		return nil, false
	}
	unlock := c.locks.Lock(conversationID)
	return func() {
		unlock()
		c.state.RUnlock()
	}, true
}

// effects collects callbacks to run once locks are released, so user code
// never runs while a conversation is locked.
type effects []func()

func (fx *effects) add(fn func()) {
	*fx = append(*fx, fn)
}

func (fx effects) run() {
	for _, fn := range fx {
		fn()
	}
}
