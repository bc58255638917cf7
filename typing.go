package chatsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypingSignals tracks whether the counterpart of each conversation is
// typing and sends our own typing state. Nothing here is persisted.
type TypingSignals struct {
	*core
	timeout  time.Duration
	throttle time.Duration

	mu       sync.Mutex
	states   map[string]*typingState
	limiters map[string]*rate.Limiter

	subMu sync.Mutex
	subs  map[string]map[*Subscription]func()

	calls sync.WaitGroup
}

type typingState struct {
	typing bool
	gen    uint64
	timer  *time.Timer
}

func newTypingSignals(c *core, timeout, throttle time.Duration) *TypingSignals {
	return &TypingSignals{
		core:     c,
		timeout:  timeout,
		throttle: throttle,
		states:   make(map[string]*typingState),
		limiters: make(map[string]*rate.Limiter),
		subs:     make(map[string]map[*Subscription]func()),
	}
}

// StartTyping tells the counterpart we are typing. Best effort: failures
// are logged. Repeated starts within the throttle interval are not sent.
func (ts *TypingSignals) StartTyping(conversationID string) {
	if ts.session.Current() == nil {
		ts.log.Debug().Str("conversation_id", conversationID).Msg("typing start without session ignored")
		return
	}
	if !ts.allow(conversationID) {
		return
	}
	ts.fire(conversationID, "start", ts.provider.StartTyping)
}

// StopTyping tells the counterpart we stopped typing. Best effort.
func (ts *TypingSignals) StopTyping(conversationID string) {
	if ts.session.Current() == nil {
		return
	}
	ts.mu.Lock()
	delete(ts.limiters, conversationID)
	ts.mu.Unlock()
	ts.fire(conversationID, "stop", ts.provider.EndTyping)
}

func (ts *TypingSignals) allow(conversationID string) bool {
	if ts.throttle <= 0 {
		return true
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	lim := ts.limiters[conversationID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(ts.throttle), 1)
		ts.limiters[conversationID] = lim
	}
	return lim.Allow()
}

func (ts *TypingSignals) fire(conversationID, kind string, call func(context.Context, string) error) {
	ts.calls.Add(1)
	go func() {
		defer ts.calls.Done()
		if err := call(context.Background(), conversationID); err != nil {
			ts.log.Warn().Err(err).Str("conversation_id", conversationID).Str("kind", kind).Msg("typing signal failed")
		}
	}()
}

// Observe registers fn for typing changes of one conversation. fn only sees
// actual changes, never the same value twice in a row.
func (ts *TypingSignals) Observe(conversationID string, fn func(typing bool)) *Subscription {
	sub := newSubscription(nil)
	sub.remove = func() {
		ts.subMu.Lock()
		defer ts.subMu.Unlock()
		if set := ts.subs[conversationID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(ts.subs, conversationID)
			}
		}
	}

	last := ts.IsTyping(conversationID)
	deliver := func() {
		cur := ts.IsTyping(conversationID)
		if cur == last {
			return
		}
		last = cur
		defer func() {
			if r := recover(); r != nil {
				ts.log.Error().Interface("panic", r).Str("conversation_id", conversationID).Msg("typing observer panicked")
			}
		}()
		fn(cur)
	}

	ts.subMu.Lock()
	defer ts.subMu.Unlock()
	set := ts.subs[conversationID]
	if set == nil {
		set = make(map[*Subscription]func())
		ts.subs[conversationID] = set
	}
	set[sub] = deliver
	return sub
}

// IsTyping reports whether the counterpart of conversationID is typing.
func (ts *TypingSignals) IsTyping(conversationID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	st := ts.states[conversationID]
	return st != nil && st.typing
}

// HandleSignal applies a received typing signal under the current session.
func (ts *TypingSignals) HandleSignal(sig TypingSignal) {
	ts.handle(sig, ts.session.Epoch())
}

func (ts *TypingSignals) handle(sig TypingSignal, epoch uint64) {
	conversationID := sig.ConversationID
	if conversationID == "" {
		return
	}
	release, ok := ts.enter(conversationID, epoch)
	if !ok {
		return
	}
	ts.mu.Lock()
	st := ts.states[conversationID]
	if st == nil {
		st = &typingState{}
		ts.states[conversationID] = st
	}
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	changed := st.typing != sig.IsTyping
	st.typing = sig.IsTyping
	if sig.IsTyping {
		gen := st.gen
		st.timer = time.AfterFunc(ts.timeout, func() { ts.expire(conversationID, gen, epoch) })
	}
	ts.mu.Unlock()
	release()

	if changed {
		ts.notify(conversationID)
	}
}

// expire drops a typing state that was not refreshed in time. gen guards
// against timers that fired after a newer signal replaced them.
func (ts *TypingSignals) expire(conversationID string, gen, epoch uint64) {
	release, ok := ts.enter(conversationID, epoch)
	if !ok {
		return
	}
	ts.mu.Lock()
	st := ts.states[conversationID]
	expired := st != nil && st.gen == gen && st.typing
	if expired {
		st.typing = false
		st.timer = nil
	}
	ts.mu.Unlock()
	release()

	if expired {
		ts.log.Debug().Str("conversation_id", conversationID).Msg("typing expired")
		ts.notify(conversationID)
	}
}

func (ts *TypingSignals) notify(conversationID string) {
	ts.subMu.Lock()
	type target struct {
		sub *Subscription
		fn  func()
	}
	targets := make([]target, 0, len(ts.subs[conversationID]))
	for sub, fn := range ts.subs[conversationID] {
		targets = append(targets, target{sub, fn})
	}
	ts.subMu.Unlock()

	for _, t := range targets {
		t.sub.deliver(t.fn)
	}
	ts.events.emit(EventTypingChanged, TypingSignal{ConversationID: conversationID, IsTyping: ts.IsTyping(conversationID)})
}

// wait blocks until in-flight outgoing signals have finished.
func (ts *TypingSignals) wait() {
	ts.calls.Wait()
}

// reset clears all typing state and returns the observers to close once
// the caller has released the state lock.
func (ts *TypingSignals) reset() []*Subscription {
	ts.mu.Lock()
	for _, st := range ts.states {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	ts.states = make(map[string]*typingState)
	ts.limiters = make(map[string]*rate.Limiter)
	ts.mu.Unlock()

	ts.subMu.Lock()
	defer ts.subMu.Unlock()
	var subs []*Subscription
	for _, set := range ts.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	return subs
}
