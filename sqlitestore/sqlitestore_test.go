package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textb-app/chatsync"
)

var t0 = time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache", "chatsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id, conv string, at time.Time, seq uint64) chatsync.Message {
	return chatsync.Message{ID: id, ConversationID: conv, SenderID: conv, ReceiverID: "me", Body: id, SentAt: at, Seq: seq, Status: chatsync.StatusSent}
}

func TestMessages(t *testing.T) {
	t.Run("ordered and limited", func(t *testing.T) {
		s := openTemp(t)
		require.NoError(t, s.PutMessages([]chatsync.Message{
			msg("c", "alice", t0.Add(2*time.Minute), 3),
			msg("a", "alice", t0, 1),
			msg("b2", "alice", t0.Add(time.Minute), 5),
			msg("b1", "alice", t0.Add(time.Minute), 4),
			msg("x", "bob", t0, 2),
		}))

		all, err := s.Messages("alice", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b1", "b2", "c"}, ids(all))

		latest, err := s.Messages("alice", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"b2", "c"}, ids(latest))
	})

	t.Run("upsert keeps one row", func(t *testing.T) {
		s := openTemp(t)
		m := msg("a", "alice", t0, 1)
		require.NoError(t, s.PutMessages([]chatsync.Message{m}))
		m.ReadAt = t0.Add(time.Hour)
		require.NoError(t, s.PutMessages([]chatsync.Message{m}))

		got, err := s.Messages("alice", 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].ReadAt.Equal(t0.Add(time.Hour)))
	})

	t.Run("confirmed message replaces local entry", func(t *testing.T) {
		s := openTemp(t)
		local := msg("local-tok", "alice", t0, 1)
		local.CorrelationToken = "tok"
		local.Status = chatsync.StatusPending
		require.NoError(t, s.PutMessages([]chatsync.Message{local}))

		confirmed := msg("m1", "alice", t0, 1)
		confirmed.CorrelationToken = "tok"
		require.NoError(t, s.PutMessages([]chatsync.Message{confirmed}))

		got, err := s.Messages("alice", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(got))
	})
}

func TestConversationsAndCursors(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.PutConversations([]chatsync.Conversation{
		{ID: "empty"},
		{ID: "old", LastMessage: &chatsync.Snapshot{MessageID: "o", SentAt: t0}},
		{ID: "new", LastMessage: &chatsync.Snapshot{MessageID: "n", SentAt: t0.Add(time.Hour)}, UnreadCount: 2},
	}))

	convs, err := s.Conversations()
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, "new", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Equal(t, "old", convs[1].ID)
	assert.Equal(t, "empty", convs[2].ID)

	cur, err := s.GetCursor("conversations")
	require.NoError(t, err)
	assert.Empty(t, cur)
	require.NoError(t, s.SetCursor("conversations", "c1"))
	require.NoError(t, s.SetCursor("conversations", "c2"))
	cur, err = s.GetCursor("conversations")
	require.NoError(t, err)
	assert.Equal(t, "c2", cur)

	require.NoError(t, s.Clear())
	convs, err = s.Conversations()
	require.NoError(t, err)
	assert.Empty(t, convs)
	cur, err = s.GetCursor("conversations")
	require.NoError(t, err)
	assert.Empty(t, cur)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutMessages([]chatsync.Message{msg("a", "alice", t0, 1)}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Messages("alice", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))
}

// nopProvider answers every call successfully and never pushes.
type nopProvider struct{}

func (nopProvider) Login(_ context.Context, userID string) (*chatsync.Identity, error) {
	return &chatsync.Identity{ID: userID}, nil
}
func (nopProvider) CreateUser(_ context.Context, u chatsync.Identity) (*chatsync.Identity, error) {
	return &u, nil
}
func (nopProvider) Logout(context.Context) error { return nil }
func (nopProvider) SendMessage(context.Context, chatsync.OutgoingMessage) (*chatsync.Message, error) {
	return nil, chatsync.ErrNetwork
}
func (nopProvider) FetchMessages(context.Context, string, int) ([]chatsync.Message, error) {
	return nil, nil
}
func (nopProvider) FetchConversations(context.Context, string, int) (*chatsync.ConversationPage, error) {
	return &chatsync.ConversationPage{}, nil
}
func (nopProvider) MarkAsRead(context.Context, string, string) error    { return nil }
func (nopProvider) MarkConversationRead(context.Context, string) error  { return nil }
func (nopProvider) StartTyping(context.Context, string) error           { return nil }
func (nopProvider) EndTyping(context.Context, string) error             { return nil }
func (nopProvider) AddListener(string, chatsync.Listener) {}
func (nopProvider) RemoveListener(string) {}

func TestEngineRestoresFromSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chatsync.db")

	s, err := Open(path)
	require.NoError(t, err)
	first := chatsync.New(nopProvider{}, chatsync.WithStorage(s))
	_, err = first.Login(ctx, "me")
	require.NoError(t, err)
	_, err = first.Stream.Send(ctx, "alice", "queued while offline")
	require.Error(t, err)
	first.Close()
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	second := chatsync.New(nopProvider{}, chatsync.WithStorage(s))
	defer second.Close()
	_, err = second.Login(ctx, "me")
	require.NoError(t, err)
	require.NoError(t, second.Restore())

	msgs := second.Stream.Messages("alice")
	require.Len(t, msgs, 1)
	assert.Equal(t, chatsync.StatusFailed, msgs[0].Status)
	assert.Equal(t, "queued while offline", msgs[0].Body)
	_, ok := second.Conversations.Get("alice")
	assert.True(t, ok)
}

func ids(msgs []chatsync.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
