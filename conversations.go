package chatsync

import (
	"context"
	"sync"
	"time"
)

const conversationCursorKey = "conversations"

// ConversationIndex keeps the known conversations with their last message
// and unread count. It is fed by paged listings and by every message the
// stream learns about.
type ConversationIndex struct {
	*core
	stream *MessageStream

	mu      sync.RWMutex
	entries map[string]*conversationEntry

	listMu  sync.Mutex // serializes List calls
	pageMu  sync.Mutex
	cursor  string
	started bool
	hasMore bool
}

type conversationEntry struct {
	conv    Conversation
	counted map[string]struct{} // inbound message ids already added to UnreadCount
}

func newConversationIndex(c *core) *ConversationIndex {
	return &ConversationIndex{
		core:    c,
		entries: make(map[string]*conversationEntry),
	}
}

// List fetches the next page of conversations and merges it into the index.
// It returns an empty page once the provider reports no more; Refresh starts
// over from the first page. A listed conversation's unread count replaces
// the local one, so it can drop without a receipt or MarkAllRead.
func (ci *ConversationIndex) List(ctx context.Context, pageSize int) ([]Conversation, error) {
	if _, err := ci.session.RequireIdentity(); err != nil {
		return nil, &FetchError{Kind: FetchUnknown, Detail: "no active session", Err: err}
	}
	if pageSize <= 0 {
		pageSize = DefaultConversationPage
	}
	epoch := ci.session.Epoch()

	ci.listMu.Lock()
	defer ci.listMu.Unlock()

	ci.pageMu.Lock()
	cursor, started, more := ci.cursor, ci.started, ci.hasMore
	ci.pageMu.Unlock()
	if started && !more {
		return []Conversation{}, nil
	}

	page, err := ci.provider.FetchConversations(ctx, cursor, pageSize)
	if err != nil {
		ci.log.Warn().Err(err).Str("cursor", cursor).Msg("conversation listing failed")
		return nil, newFetchError(err)
	}

	ci.state.RLock()
	if ci.session.Epoch() != epoch {
		ci.state.RUnlock()
		return nil, &FetchError{Kind: FetchUnknown, Detail: "session changed during fetch"}
	}
	var fx effects
	out := make([]Conversation, 0, len(page.Conversations))
	for _, c := range page.Conversations {
		if c.ID == "" {
			continue
		}
		unlock := ci.locks.Lock(c.ID)
		out = append(out, ci.mergeListedLocked(c, &fx))
		unlock()
	}
	ci.pageMu.Lock()
	ci.cursor, ci.started, ci.hasMore = page.NextCursor, true, page.HasMore
	ci.pageMu.Unlock()
	if err := ci.storage.SetCursor(conversationCursorKey, page.NextCursor); err != nil {
		ci.log.Warn().Err(err).Msg("cache cursor write failed")
	}
	ci.state.RUnlock()
	fx.run()
	return out, nil
}

// HasMore reports whether another List call can return conversations.
func (ci *ConversationIndex) HasMore() bool {
	ci.pageMu.Lock()
	defer ci.pageMu.Unlock()
	return !ci.started || ci.hasMore
}

// Refresh resets the listing cursor so the next List starts from the top.
func (ci *ConversationIndex) Refresh() {
	ci.pageMu.Lock()
	defer ci.pageMu.Unlock()
	ci.cursor, ci.started, ci.hasMore = "", false, false
}

// UpsertFromMessage folds a message into its conversation. Problems are
// logged, never returned.
func (ci *ConversationIndex) UpsertFromMessage(m Message) {
	self := ci.session.Current()
	if self == nil {
		ci.log.Debug().Str("message_id", m.ID).Msg("upsert without session dropped")
		return
	}
	conversationID := conversationFor(m, self.ID)
	if conversationID == "" {
		ci.log.Warn().Str("message_id", m.ID).Msg("upsert for message without conversation dropped")
		return
	}
	m.ConversationID = conversationID

	release, ok := ci.enter(conversationID, ci.session.Epoch())
	if !ok {
		return
	}
	var fx effects
	ci.upsertLocked(m, self.ID, true, &fx)
	release()
	fx.run()
}

// MarkAllRead marks every message of a conversation read with the provider
// and resets its unread count.
func (ci *ConversationIndex) MarkAllRead(ctx context.Context, conversationID string) error {
	self, err := ci.session.RequireIdentity()
	if err != nil {
		return &SendError{Kind: SendNotAuthenticated, Err: err}
	}
	epoch := ci.session.Epoch()
	if err := ci.provider.MarkConversationRead(ctx, conversationID); err != nil {
		ci.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark conversation read failed")
		return newSendError(err)
	}

	release, ok := ci.enter(conversationID, epoch)
	if !ok {
		return nil
	}
	var fx effects
	if ci.stream != nil {
		for _, m := range ci.stream.unreadInboundLocked(conversationID, self.ID) {
			ci.stream.markReadLocked(conversationID, m, now(), &fx)
		}
	}
	ci.mu.Lock()
	if e := ci.entries[conversationID]; e != nil && e.conv.UnreadCount != 0 {
		e.conv.UnreadCount = 0
		e.counted = make(map[string]struct{})
		ci.changedLocked(e, &fx)
	}
	ci.mu.Unlock()
	release()
	fx.run()
	return nil
}

// Get returns one conversation.
func (ci *ConversationIndex) Get(conversationID string) (Conversation, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	e, ok := ci.entries[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return cloneConversation(e.conv), true
}

// Snapshot returns all conversations, most recently active first.
func (ci *ConversationIndex) Snapshot() []Conversation {
	ci.mu.RLock()
	out := make([]Conversation, 0, len(ci.entries))
	for _, e := range ci.entries {
		out = append(out, cloneConversation(e.conv))
	}
	ci.mu.RUnlock()
	sortConversations(out)
	return out
}

// ============================================================================
// Locked updates (caller holds the conversation lock)
// ============================================================================

func (ci *ConversationIndex) entryLocked(conversationID string) *conversationEntry {
	e := ci.entries[conversationID]
	if e == nil {
		e = &conversationEntry{
			conv:    Conversation{ID: conversationID, DisplayName: conversationID},
			counted: make(map[string]struct{}),
		}
		ci.entries[conversationID] = e
	}
	return e
}

// mergeListedLocked merges one listed conversation. The provider's unread
// count replaces ours.
func (ci *ConversationIndex) mergeListedLocked(c Conversation, fx *effects) Conversation {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	e := ci.entryLocked(c.ID)
	if c.DisplayName != "" {
		e.conv.DisplayName = c.DisplayName
	}
	if c.LastMessage != nil && replacesSnapshot(e.conv.LastMessage, c.LastMessage.MessageID, c.LastMessage.SentAt, "") {
		snap := *c.LastMessage
		e.conv.LastMessage = &snap
	}
	e.conv.UnreadCount = max(c.UnreadCount, 0)
	ci.changedLocked(e, fx)
	return cloneConversation(e.conv)
}

// upsertLocked applies a message to its conversation. countUnread is false
// for history, whose unread messages the provider listing already counts.
func (ci *ConversationIndex) upsertLocked(m Message, self string, countUnread bool, fx *effects) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	e := ci.entryLocked(m.ConversationID)
	changed := false

	if replacesSnapshot(e.conv.LastMessage, m.ID, m.SentAt, m.CorrelationToken) {
		next := Snapshot{MessageID: m.ID, Body: m.Body, SentAt: m.SentAt, SenderID: m.SenderID}
		if e.conv.LastMessage == nil || *e.conv.LastMessage != next {
			e.conv.LastMessage = &next
			changed = true
		}
	}

	if countUnread && m.SenderID != self && !m.IsRead() && !isLocalID(m.ID) {
		if _, seen := e.counted[m.ID]; !seen {
			e.counted[m.ID] = struct{}{}
			e.conv.UnreadCount++
			changed = true
		}
	}

	if changed {
		ci.changedLocked(e, fx)
	}
}

// decrementLocked applies one unread to read transition, floored at zero.
func (ci *ConversationIndex) decrementLocked(conversationID, messageID string, fx *effects) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	e := ci.entries[conversationID]
	if e == nil {
		return
	}
	delete(e.counted, messageID)
	if e.conv.UnreadCount > 0 {
		e.conv.UnreadCount--
		ci.changedLocked(e, fx)
	}
}

func (ci *ConversationIndex) changedLocked(e *conversationEntry, fx *effects) {
	c := cloneConversation(e.conv)
	if err := ci.storage.PutConversations([]Conversation{c}); err != nil {
		ci.log.Warn().Err(err).Str("conversation_id", c.ID).Msg("cache write failed")
	}
	fx.add(func() { ci.events.emit(EventConversationsChanged, ci.Snapshot()) })
}

func (ci *ConversationIndex) reset() {
	ci.mu.Lock()
	ci.entries = make(map[string]*conversationEntry)
	ci.mu.Unlock()
	ci.Refresh()
}

// replacesSnapshot reports whether a message with id and sentAt becomes the
// conversation's last message. Later wins; equal times go to the higher id.
// The confirmation of a pending last message always replaces it.
func replacesSnapshot(cur *Snapshot, id string, sentAt time.Time, token string) bool {
	switch {
	case cur == nil:
		return true
	case cur.MessageID == id:
		return true
	case token != "" && cur.MessageID == localID(token):
		return true
	case sentAt.After(cur.SentAt):
		return true
	case sentAt.Equal(cur.SentAt):
		return id >= cur.MessageID
	default:
		return false
	}
}

// conversationFor derives the conversation of m as seen by self: the
// counterpart's id.
func conversationFor(m Message, self string) string {
	if self != "" {
		if c := m.counterpart(self); c != "" {
			return c
		}
	}
	return m.ConversationID
}
