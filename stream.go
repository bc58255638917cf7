package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageStream keeps one ordered log per conversation. The log is the
// union of history fetches, push deliveries and local sends, deduplicated by
// message id and ordered by sent time, then local receipt sequence.
type MessageStream struct {
	*core
	index   *ConversationIndex
	tracker *ReadTracker

	mu    sync.RWMutex
	logs  map[string]*messageLog
	where map[string]string // message id -> conversation id
	seq   atomic.Uint64

	// version stamps every change; delivered keeps the newest version each
	// message reached subscribers with, so a late older copy is dropped.
	version    atomic.Uint64
	delivering *keyedMutex

	subMu     sync.Mutex
	subs      map[string]map[*Subscription]func(Message)
	delivered map[string]uint64
}

type messageLog struct {
	byID    map[string]*Message
	byToken map[string]*Message
	ordered []*Message
}

func newMessageLog() *messageLog {
	return &messageLog{
		byID:    make(map[string]*Message),
		byToken: make(map[string]*Message),
	}
}

func newMessageStream(c *core) *MessageStream {
	return &MessageStream{
		core:  c,
		logs:  make(map[string]*messageLog),
		where: make(map[string]string),
		subs:  make(map[string]map[*Subscription]func(Message)),

		delivering: newKeyedMutex(),
		delivered:  make(map[string]uint64),
	}
}

func now() time.Time { return time.Now().UTC() }

func localID(token string) string {
	return "local-" + token
}

func isLocalID(id string) bool {
	return strings.HasPrefix(id, "local-")
}

// ============================================================================
// Commands
// ============================================================================

// History fetches the latest limit messages of a conversation, merges them
// into the local log and returns them most recent first. Every call starts
// from the most recent message again.
func (ms *MessageStream) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	self, err := ms.session.RequireIdentity()
	if err != nil {
		return nil, &FetchError{Kind: FetchUnknown, Detail: "no active session", Err: err}
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	epoch := ms.session.Epoch()

	fetched, err := ms.provider.FetchMessages(ctx, conversationID, limit)
	if err != nil {
		ms.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("history fetch failed")
		return nil, newFetchError(err)
	}

	// Oldest first so same-timestamp messages get sequences in provider order.
	sort.SliceStable(fetched, func(i, j int) bool { return fetched[i].SentAt.Before(fetched[j].SentAt) })
	if len(fetched) > limit {
		fetched = fetched[len(fetched)-limit:]
	}

	release, ok := ms.enter(conversationID, epoch)
	if !ok {
		return nil, &FetchError{Kind: FetchUnknown, Detail: "session changed during fetch"}
	}
	var fx effects
	out := make([]Message, 0, len(fetched))
	for _, m := range fetched {
		m.ConversationID = conversationID
		merged := ms.applyLocked(m, self.ID, false, &fx)
		out = append(out, merged)
	}
	release()
	fx.run()

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Send delivers body to the conversation's counterpart. The message is
// visible as pending before the provider answers; the provider's
// confirmation replaces it in place, matched by correlation token. On
// failure the entry stays in the log marked failed so it can be retried.
func (ms *MessageStream) Send(ctx context.Context, conversationID, body string) (*Message, error) {
	self, err := ms.session.RequireIdentity()
	if err != nil {
		return nil, &SendError{Kind: SendNotAuthenticated, Err: err}
	}
	if strings.TrimSpace(body) == "" {
		return nil, &SendError{Kind: SendRejected, Reason: "empty message", Err: ErrRejected}
	}
	epoch := ms.session.Epoch()

	token := uuid.NewString()
	pending := Message{
		ID:               localID(token),
		ConversationID:   conversationID,
		SenderID:         self.ID,
		ReceiverID:       conversationID,
		Body:             body,
		SentAt:           now(),
		CorrelationToken: token,
		Status:           StatusPending,
	}

	release, ok := ms.enter(conversationID, epoch)
	if !ok {
		return nil, &SendError{Kind: SendNotAuthenticated, Reason: "session changed"}
	}
	var fx effects
	ms.applyLocked(pending, self.ID, true, &fx)
	release()
	fx.run()

	return ms.dispatch(ctx, conversationID, token, body, self.ID, epoch)
}

// Retry re-sends a failed message under its original correlation token.
func (ms *MessageStream) Retry(ctx context.Context, conversationID, token string) (*Message, error) {
	self, err := ms.session.RequireIdentity()
	if err != nil {
		return nil, &SendError{Kind: SendNotAuthenticated, Err: err}
	}
	epoch := ms.session.Epoch()

	release, ok := ms.enter(conversationID, epoch)
	if !ok {
		return nil, &SendError{Kind: SendNotAuthenticated, Reason: "session changed"}
	}
	var fx effects
	var body string
	entry := ms.logLocked(conversationID).byToken[token]
	if entry != nil && entry.Status == StatusFailed {
		entry.Status = StatusPending
		entry.Error = ""
		body = entry.Body
		ms.changedLocked(*entry, &fx)
	}
	release()
	fx.run()

	if body == "" {
		return nil, &SendError{Kind: SendRejected, Reason: "no failed message for token " + token, Err: ErrNotFound}
	}
	return ms.dispatch(ctx, conversationID, token, body, self.ID, epoch)
}

func (ms *MessageStream) dispatch(ctx context.Context, conversationID, token, body, self string, epoch uint64) (*Message, error) {
	confirmed, err := ms.provider.SendMessage(ctx, OutgoingMessage{
		ReceiverID:       conversationID,
		Body:             body,
		CorrelationToken: token,
	})
	if err != nil {
		se := newSendError(err)
		ms.log.Warn().Err(err).Str("conversation_id", conversationID).Str("token", token).Msg("send failed")
		ms.markFailed(conversationID, token, se.Error(), epoch)
		return nil, se
	}

	conf := *confirmed
	conf.ConversationID = conversationID
	conf.CorrelationToken = token
	if conf.Body == "" {
		conf.Body = body
	}
	if conf.SenderID == "" {
		conf.SenderID = self
	}
	if conf.ReceiverID == "" {
		conf.ReceiverID = conversationID
	}

	release, ok := ms.enter(conversationID, epoch)
	if !ok {
		return &conf, nil
	}
	var fx effects
	merged := ms.applyLocked(conf, self, true, &fx)
	release()
	fx.run()
	return &merged, nil
}

func (ms *MessageStream) markFailed(conversationID, token, reason string, epoch uint64) {
	release, ok := ms.enter(conversationID, epoch)
	if !ok {
		return
	}
	var fx effects
	if entry := ms.logLocked(conversationID).byToken[token]; entry != nil && entry.Pending() {
		entry.Status = StatusFailed
		entry.Error = reason
		failed := *entry
		ms.changedLocked(failed, &fx)
		fx.add(func() { ms.events.emit(EventMessageFailed, failed) })
	}
	release()
	fx.run()
}

// ============================================================================
// Subscriptions and views
// ============================================================================

// Subscribe registers fn for new or changed messages of one conversation.
// Every registration gets its own copy of each update. Callbacks for one
// conversation run one at a time, and a copy older than one already
// delivered for the same message is skipped, so the last copy fn sees is
// the current one.
func (ms *MessageStream) Subscribe(conversationID string, fn func(Message)) *Subscription {
	sub := newSubscription(nil)
	sub.remove = func() {
		ms.subMu.Lock()
		defer ms.subMu.Unlock()
		if set := ms.subs[conversationID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(ms.subs, conversationID)
			}
		}
	}

	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	set := ms.subs[conversationID]
	if set == nil {
		set = make(map[*Subscription]func(Message))
		ms.subs[conversationID] = set
	}
	set[sub] = fn
	return sub
}

// Messages returns the merged, ordered view of a conversation.
func (ms *MessageStream) Messages(conversationID string) []Message {
	ms.state.RLock()
	defer ms.state.RUnlock()
	unlock := ms.locks.Lock(conversationID)
	defer unlock()

	ms.mu.RLock()
	log := ms.logs[conversationID]
	ms.mu.RUnlock()
	if log == nil {
		return nil
	}
	out := make([]Message, len(log.ordered))
	for i, m := range log.ordered {
		out[i] = *m
	}
	return out
}

// Lookup returns a known message by id.
func (ms *MessageStream) Lookup(messageID string) (Message, bool) {
	conversationID, ok := ms.conversationOf(messageID)
	if !ok {
		return Message{}, false
	}
	ms.state.RLock()
	defer ms.state.RUnlock()
	unlock := ms.locks.Lock(conversationID)
	defer unlock()
	if m := ms.getLocked(conversationID, messageID); m != nil {
		return *m, true
	}
	return Message{}, false
}

func (ms *MessageStream) notify(conversationID string, m Message, version uint64) {
	unlock := ms.delivering.Lock(conversationID)
	ms.subMu.Lock()
	key := deliveryKey(m)
	if ms.delivered[key] >= version {
		ms.subMu.Unlock()
		unlock()
		return
	}
	ms.delivered[key] = version
	type target struct {
		sub *Subscription
		fn  func(Message)
	}
	targets := make([]target, 0, len(ms.subs[conversationID]))
	for sub, fn := range ms.subs[conversationID] {
		targets = append(targets, target{sub, fn})
	}
	ms.subMu.Unlock()

	for _, t := range targets {
		fn := t.fn
		t.sub.deliver(func() {
			defer func() {
				if r := recover(); r != nil {
					ms.log.Error().Interface("panic", r).Str("conversation_id", conversationID).Msg("message subscriber panicked")
				}
			}()
			fn(m)
		})
	}
	unlock()
	ms.events.emit(EventMessagesChanged, m)
}

// deliveryKey identifies a message across the rename of its local entry.
func deliveryKey(m Message) string {
	if m.CorrelationToken != "" {
		return "token:" + m.CorrelationToken
	}
	return "id:" + m.ID
}

// ============================================================================
// Locked merge (caller holds the conversation lock)
// ============================================================================

func (ms *MessageStream) logLocked(conversationID string) *messageLog {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	log := ms.logs[conversationID]
	if log == nil {
		log = newMessageLog()
		ms.logs[conversationID] = log
	}
	return log
}

func (ms *MessageStream) conversationOf(messageID string) (string, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	c, ok := ms.where[messageID]
	return c, ok
}

func (ms *MessageStream) getLocked(conversationID, messageID string) *Message {
	ms.mu.RLock()
	log := ms.logs[conversationID]
	ms.mu.RUnlock()
	if log == nil {
		return nil
	}
	return log.byID[messageID]
}

// applyLocked merges m and runs the cross-component consequences: index
// upsert and buffered receipts for newly known messages, subscriber
// notification for any change. live is false for history, which does not
// count toward unread. It returns the merged message.
func (ms *MessageStream) applyLocked(m Message, self string, live bool, fx *effects) Message {
	known := m.ID != "" && ms.getLocked(m.ConversationID, m.ID) != nil
	merged, inserted, changed := ms.mergeLocked(m)
	if inserted || changed {
		ms.changedLocked(merged, fx)
		if ms.index != nil {
			ms.index.upsertLocked(merged, self, live, fx)
		}
	}
	// A confirmed send renames its local entry, which makes the provider id
	// known without an insert.
	if !known && ms.tracker != nil && !isLocalID(merged.ID) {
		ms.tracker.flushLocked(merged.ID, self, fx)
		if cur := ms.getLocked(merged.ConversationID, merged.ID); cur != nil {
			merged = *cur
		}
	}
	return merged
}

func (ms *MessageStream) changedLocked(m Message, fx *effects) {
	if err := ms.storage.PutMessages([]Message{m}); err != nil {
		ms.log.Warn().Err(err).Str("message_id", m.ID).Msg("cache write failed")
	}
	conversationID := m.ConversationID
	version := ms.version.Add(1)
	fx.add(func() { ms.notify(conversationID, m, version) })
}

// mergeLocked inserts m or folds it into the entry it matches, by id first
// and correlation token second.
func (ms *MessageStream) mergeLocked(m Message) (merged Message, inserted, changed bool) {
	log := ms.logLocked(m.ConversationID)
	if m.Status == "" {
		m.Status = StatusSent
	}

	if existing := log.byID[m.ID]; existing != nil && m.ID != "" {
		changed = mergeFields(existing, &m)
		// The provider echoed our send without its token first; drop the
		// now-duplicate local entry.
		if local := log.byToken[m.CorrelationToken]; m.CorrelationToken != "" && local != nil && local != existing {
			ms.removeLocked(log, local)
			existing.CorrelationToken = m.CorrelationToken
			log.byToken[m.CorrelationToken] = existing
			changed = true
		}
		if changed {
			ms.resortLocked(log)
		}
		return *existing, false, changed
	}

	if local := log.byToken[m.CorrelationToken]; m.CorrelationToken != "" && local != nil {
		if isLocalID(local.ID) && m.ID != "" && !isLocalID(m.ID) {
			ms.mu.Lock()
			delete(log.byID, local.ID)
			delete(ms.where, local.ID)
			local.ID = m.ID
			log.byID[m.ID] = local
			ms.where[m.ID] = m.ConversationID
			ms.mu.Unlock()
			if !m.SentAt.IsZero() {
				local.SentAt = m.SentAt
			}
		}
		mergeFields(local, &m)
		ms.resortLocked(log)
		return *local, false, true
	}

	if m.ID == "" {
		m.ID = localID(m.CorrelationToken)
	}
	entry := m
	if entry.Seq == 0 {
		entry.Seq = ms.seq.Add(1)
	} else {
		ms.observeSeq(entry.Seq)
	}
	ms.mu.Lock()
	log.byID[entry.ID] = &entry
	ms.where[entry.ID] = entry.ConversationID
	ms.mu.Unlock()
	if entry.CorrelationToken != "" {
		log.byToken[entry.CorrelationToken] = &entry
	}
	i := sort.Search(len(log.ordered), func(i int) bool { return lessInView(&entry, log.ordered[i]) })
	log.ordered = append(log.ordered, nil)
	copy(log.ordered[i+1:], log.ordered[i:])
	log.ordered[i] = &entry
	return entry, true, true
}

// observeSeq moves the sequence past a restored entry's, so later arrivals
// order after it.
func (ms *MessageStream) observeSeq(seq uint64) {
	for {
		cur := ms.seq.Load()
		if seq <= cur || ms.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (ms *MessageStream) removeLocked(log *messageLog, m *Message) {
	ms.mu.Lock()
	delete(log.byID, m.ID)
	delete(ms.where, m.ID)
	ms.mu.Unlock()
	for i, e := range log.ordered {
		if e == m {
			log.ordered = append(log.ordered[:i], log.ordered[i+1:]...)
			break
		}
	}
}

func (ms *MessageStream) resortLocked(log *messageLog) {
	sort.SliceStable(log.ordered, func(i, j int) bool { return lessInView(log.ordered[i], log.ordered[j]) })
}

// mergeFields folds incoming into existing. Read state never reverts and a
// confirmed message never goes back to pending.
func mergeFields(existing, incoming *Message) bool {
	changed := false
	if incoming.Body != "" && incoming.Body != existing.Body {
		existing.Body = incoming.Body
		changed = true
	}
	if existing.ReadAt.IsZero() && !incoming.ReadAt.IsZero() {
		existing.ReadAt = incoming.ReadAt
		changed = true
	}
	if existing.Status != StatusSent && incoming.Status == StatusSent {
		existing.Status = StatusSent
		existing.Error = ""
		changed = true
	}
	if existing.SenderID == "" && incoming.SenderID != "" {
		existing.SenderID = incoming.SenderID
		changed = true
	}
	if existing.ReceiverID == "" && incoming.ReceiverID != "" {
		existing.ReceiverID = incoming.ReceiverID
		changed = true
	}
	return changed
}

// markReadLocked records a read time; it reports whether this was the
// unread to read transition.
func (ms *MessageStream) markReadLocked(conversationID, messageID string, at time.Time, fx *effects) (Message, bool) {
	m := ms.getLocked(conversationID, messageID)
	if m == nil || m.IsRead() {
		if m == nil {
			return Message{}, false
		}
		return *m, false
	}
	if at.IsZero() {
		at = now()
	}
	m.ReadAt = at
	ms.changedLocked(*m, fx)
	return *m, true
}

// unreadInboundLocked lists the ids of messages from the counterpart not yet read.
func (ms *MessageStream) unreadInboundLocked(conversationID, self string) []string {
	ms.mu.RLock()
	log := ms.logs[conversationID]
	ms.mu.RUnlock()
	if log == nil {
		return nil
	}
	var ids []string
	for _, m := range log.ordered {
		if m.SenderID != self && !m.IsRead() && !isLocalID(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// reset drops every log and returns the subscriptions to close once the
// caller has released the state lock.
func (ms *MessageStream) reset() []*Subscription {
	ms.mu.Lock()
	ms.logs = make(map[string]*messageLog)
	ms.where = make(map[string]string)
	ms.mu.Unlock()

	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	ms.delivered = make(map[string]uint64)
	var subs []*Subscription
	for _, set := range ms.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	return subs
}
