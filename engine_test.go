package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("clears state and cache", func(t *testing.T) {
		store := NewMemoryStorage()
		e, p := newTestEngine(t, WithStorage(store))
		pushInbound(p, inbound("a1", "alice", t0, "hi"))
		p.emitTyping(TypingSignal{UserID: "alice", IsTyping: true})
		p.emitReceipt(ReadReceipt{MessageID: "unknown", ReaderID: "me"})
		sub := e.Stream.Subscribe("alice", func(Message) {})

		require.NoError(t, e.Logout(ctx))

		assert.Nil(t, e.Session.Current())
		assert.Empty(t, e.Conversations.Snapshot())
		assert.Empty(t, e.Stream.Messages("alice"))
		assert.False(t, e.Typing.IsTyping("alice"))
		assert.Equal(t, 0, e.Receipts.Buffered())
		assert.False(t, sub.Active())
		assert.Empty(t, p.listeners())

		convs, err := store.Conversations()
		require.NoError(t, err)
		assert.Empty(t, convs)
	})

	t.Run("emits identity changed", func(t *testing.T) {
		e, _ := newTestEngine(t)
		var mu sync.Mutex
		var got []*Identity
		e.On(EventIdentityChanged, func(_ string, payload any) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, payload.(*Identity))
		})

		require.NoError(t, e.Logout(ctx))
		_, err := e.Login(ctx, "other")
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 2)
		assert.Nil(t, got[0])
		assert.Equal(t, "other", got[1].ID)
	})
}

func TestEngineIdentitySwitch(t *testing.T) {
	ctx := context.Background()

	t.Run("events from the previous session are dropped", func(t *testing.T) {
		e, p := newTestEngine(t)
		stale := p.listeners()
		require.Len(t, stale, 1)

		_, err := e.Login(ctx, "other")
		require.NoError(t, err)

		// A provider that captured its listeners before the switch still
		// dispatches to the old one.
		stale[0].OnMessage(inbound("a1", "alice", t0, "for me"))
		stale[0].OnTyping(TypingSignal{UserID: "alice", IsTyping: true})

		assert.Empty(t, e.Stream.Messages("alice"))
		assert.Empty(t, e.Conversations.Snapshot())
		assert.False(t, e.Typing.IsTyping("alice"))

		p.emitMessage(Message{ID: "b1", SenderID: "bob", ReceiverID: "other", Body: "hi", SentAt: t0})
		assert.Len(t, e.Stream.Messages("bob"), 1)
	})

	t.Run("one listener per session", func(t *testing.T) {
		e, p := newTestEngine(t)
		for _, u := range []string{"a", "b", "c"} {
			_, err := e.Login(ctx, u)
			require.NoError(t, err)
		}
		assert.Len(t, p.listeners(), 1)
	})

	t.Run("cache kept for the same identity", func(t *testing.T) {
		store := NewMemoryStorage()
		e, p := newTestEngine(t, WithStorage(store))
		pushInbound(p, inbound("a1", "alice", t0, "hi"))

		_, err := e.Login(ctx, "me")
		require.NoError(t, err)
		msgs, err := store.Messages("alice", 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)

		_, err = e.Login(ctx, "someone-else")
		require.NoError(t, err)
		msgs, err = store.Messages("alice", 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestEngineRestore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	first, p := newTestEngine(t, WithStorage(store))
	pushInbound(p, inbound("a1", "alice", t0, "hi"))
	block := make(chan struct{})
	p.set(func(p *fakeProvider) {
		p.sendHook = func(OutgoingMessage) (*Message, error) {
			<-block
			return nil, ErrNetwork
		}
	})
	go func() { _, _ = first.Stream.Send(ctx, "alice", "unsent") }()
	require.Eventually(t, func() bool {
		msgs, _ := store.Messages("alice", 0)
		return len(msgs) == 2
	}, time.Second, 5*time.Millisecond)

	// A second engine over the same cache, as after a restart.
	second := New(newFakeProvider(), WithStorage(store))
	defer second.Close()
	_, err := second.Login(ctx, "me")
	require.NoError(t, err)
	require.NoError(t, second.Restore())
	close(block)

	msgs := second.Stream.Messages("alice")
	require.Len(t, msgs, 2)
	assert.Equal(t, "a1", msgs[0].ID)
	assert.Equal(t, StatusFailed, msgs[1].Status)
	assert.Equal(t, "unsent", msgs[1].Body)

	conv, ok := second.Conversations.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 1, conv.UnreadCount)

	retried, err := second.Stream.Retry(ctx, "alice", msgs[1].CorrelationToken)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, retried.Status)
	assert.Len(t, second.Stream.Messages("alice"), 2)
}

func TestEngineRestoreKeepsArrivalOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, p := newTestEngine(t, WithStorage(store))
	pushInbound(p,
		inbound("a", "alice", t0, "one"),
		inbound("b", "alice", t0.Add(time.Second), "two"),
		inbound("x", "alice", t0.Add(5*time.Second), "three"),
	)

	p2 := newFakeProvider()
	second := New(p2, WithStorage(store))
	defer second.Close()
	_, err := second.Login(ctx, "me")
	require.NoError(t, err)
	require.NoError(t, second.Restore())

	t.Run("live message after restored one with same time", func(t *testing.T) {
		pushInbound(p2, inbound("y", "alice", t0.Add(5*time.Second), "four"))
		assert.Equal(t, []string{"a", "b", "x", "y"}, ids(second.Stream.Messages("alice")))
	})

	t.Run("sequence continues past restored entries", func(t *testing.T) {
		x, ok := second.Stream.Lookup("x")
		require.True(t, ok)
		y, ok := second.Stream.Lookup("y")
		require.True(t, ok)
		assert.Greater(t, y.Seq, x.Seq)
	})
}

func TestEngineRestoreRequiresSession(t *testing.T) {
	e := New(newFakeProvider())
	defer e.Close()
	assert.ErrorIs(t, e.Restore(), ErrUnauthorized)
}

func TestEnginePushPanicContained(t *testing.T) {
	e, p := newTestEngine(t)
	e.On(EventMessagesChanged, func(string, any) { panic("boom") })
	sub := e.Stream.Subscribe("alice", func(Message) { panic("boom") })
	defer sub.Unsubscribe()

	assert.NotPanics(t, func() { pushInbound(p, inbound("a1", "alice", t0, "hi")) })
	assert.Len(t, e.Stream.Messages("alice"), 1)
}

func TestEngineClose(t *testing.T) {
	e, p := newTestEngine(t)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Empty(t, p.listeners())
}
