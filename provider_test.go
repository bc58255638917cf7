package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeProvider is an in-memory Provider. Push events are injected with the
// embedded registry's emit methods.
type fakeProvider struct {
	listenerRegistry

	mu            sync.Mutex
	loginErr      error
	createErr     error
	logoutErr     error
	sendErr       error
	fetchErr      error
	markErr       error
	sendHook      func(OutgoingMessage) (*Message, error)
	history       map[string][]Message
	pages         map[string]ConversationPage
	sent          []OutgoingMessage
	markReadCalls []string
	convReadCalls []string
	typingStarts  []string
	typingStops   []string
	nextID        int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		history: make(map[string][]Message),
		pages:   make(map[string]ConversationPage),
	}
}

func (p *fakeProvider) Login(_ context.Context, userID string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loginErr != nil {
		return nil, p.loginErr
	}
	return &Identity{ID: userID, DisplayName: userID}, nil
}

func (p *fakeProvider) CreateUser(_ context.Context, user Identity) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &user, nil
}

func (p *fakeProvider) Logout(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logoutErr
}

func (p *fakeProvider) SendMessage(_ context.Context, msg OutgoingMessage) (*Message, error) {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	hook, err := p.sendHook, p.sendErr
	p.nextID++
	id := fmt.Sprintf("m%d", p.nextID)
	p.mu.Unlock()

	if hook != nil {
		return hook(msg)
	}
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:               id,
		ReceiverID:       msg.ReceiverID,
		Body:             msg.Body,
		SentAt:           t0.Add(time.Hour),
		CorrelationToken: msg.CorrelationToken,
	}, nil
}

func (p *fakeProvider) FetchMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	msgs := append([]Message{}, p.history[conversationID]...)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (p *fakeProvider) FetchConversations(_ context.Context, cursor string, _ int) (*ConversationPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	page := p.pages[cursor]
	return &page, nil
}

func (p *fakeProvider) MarkAsRead(_ context.Context, messageID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.markErr != nil {
		return p.markErr
	}
	p.markReadCalls = append(p.markReadCalls, messageID)
	return nil
}

func (p *fakeProvider) MarkConversationRead(_ context.Context, conversationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.markErr != nil {
		return p.markErr
	}
	p.convReadCalls = append(p.convReadCalls, conversationID)
	return nil
}

func (p *fakeProvider) StartTyping(_ context.Context, conversationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typingStarts = append(p.typingStarts, conversationID)
	return nil
}

func (p *fakeProvider) EndTyping(_ context.Context, conversationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typingStops = append(p.typingStops, conversationID)
	return nil
}

func (p *fakeProvider) set(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakeProvider) calls(fn func(p *fakeProvider) int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p)
}

// listeners returns the currently registered listeners, as a provider
// would capture them when it starts dispatching an event.
func (p *fakeProvider) listeners() []Listener {
	return p.snapshot()
}

// ============================================================================
// Helpers
// ============================================================================

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeProvider) {
	t.Helper()
	p := newFakeProvider()
	e := New(p, opts...)
	t.Cleanup(func() { e.Close() })
	_, err := e.Login(context.Background(), "me")
	require.NoError(t, err)
	return e, p
}

func inbound(id, from string, at time.Time, body string) Message {
	return Message{ID: id, SenderID: from, ReceiverID: "me", Body: body, SentAt: at}
}

func outbound(id, to string, at time.Time, body string) Message {
	return Message{ID: id, SenderID: "me", ReceiverID: to, Body: body, SentAt: at}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
