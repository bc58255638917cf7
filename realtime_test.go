package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func frame(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(Envelope{Type: typ, Payload: p})
	require.NoError(t, err)
	return b
}

// wsServer authenticates, pushes frames and answers pings until the client goes away.
func wsServer(t *testing.T, frames ...[]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("token") != "tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		if err := conn.Write(ctx, websocket.MessageText, frame(t, EventTypeAuthenticated, AuthenticatedPayload{UserID: "me"})); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, f); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd struct {
				Type    string            `json:"type"`
				Payload map[string]string `json:"payload"`
			}
			if json.Unmarshal(data, &cmd) == nil && cmd.Type == "ping" {
				pong := frame(t, EventTypePong, PongPayload{RequestID: cmd.Payload["requestId"]})
				if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRealtimeURLs(t *testing.T) {
	f := NewClient(WithBaseURL("https://chat.example.com")).Realtime()
	assert.Equal(t, "wss://chat.example.com/ws?token=a+b", f.WSUrl("a b"))
	assert.Equal(t, "wss://chat.example.com/ws", f.WSUrl(""))
	assert.Equal(t, "https://chat.example.com/sse?token=x", f.SSEUrl("x"))
}

func TestRealtimeWS(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers pushed events in order", func(t *testing.T) {
		var frames [][]byte
		for i := 1; i <= 5; i++ {
			frames = append(frames, frame(t, EventTypeMessageNew, inbound(fmt.Sprintf("a%d", i), "alice", t0.Add(time.Duration(i)*time.Second), "hi")))
		}
		srv := wsServer(t, frames...)

		client := NewClient(WithBaseURL(srv.URL), WithToken("tok-1"))
		received := make(chan string, 10)
		client.AddListener("test", Listener{OnMessage: func(m Message) { received <- m.ID }})

		ws := client.Realtime().ConnectWS(nil)
		connected := make(chan struct{}, 1)
		ws.OnConnected(func() { connected <- struct{}{} })
		require.NoError(t, ws.Connect(ctx))
		defer ws.Disconnect()
		assert.Equal(t, StateConnected, ws.State())

		select {
		case <-connected:
		case <-time.After(time.Second):
			t.Fatal("no connected event")
		}
		for i := 1; i <= 5; i++ {
			select {
			case id := <-received:
				assert.Equal(t, fmt.Sprintf("a%d", i), id)
			case <-time.After(time.Second):
				t.Fatalf("message %d not delivered", i)
			}
		}
	})

	t.Run("ping pong", func(t *testing.T) {
		srv := wsServer(t)
		client := NewClient(WithBaseURL(srv.URL), WithToken("tok-1"))
		ws := client.Realtime().ConnectWS(nil)
		require.NoError(t, ws.Connect(ctx))
		defer ws.Disconnect()

		pong, err := ws.Ping(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ping-1", pong.RequestID)
	})

	t.Run("rejected token", func(t *testing.T) {
		srv := wsServer(t)
		client := NewClient(WithBaseURL(srv.URL), WithToken("wrong"))
		ws := client.Realtime().ConnectWS(nil)
		assert.Error(t, ws.Connect(ctx))
		assert.Equal(t, StateDisconnected, ws.State())
	})

	t.Run("send while disconnected", func(t *testing.T) {
		ws := NewClient().Realtime().ConnectWS(nil)
		err := ws.Send(ctx, &RealtimeCommand{Type: "ping"})
		assert.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("feeds an engine", func(t *testing.T) {
		srv := wsServer(t,
			frame(t, EventTypeTypingStart, TypingSignal{UserID: "alice"}),
			frame(t, EventTypeMessageNew, inbound("a1", "alice", t0, "hello")),
		)
		client := NewClient(WithBaseURL(srv.URL), WithToken("tok-1"))
		e := New(client)
		defer e.Close()
		e.Session.swap(&Identity{ID: "me"})

		ws := client.Realtime().ConnectWS(nil)
		require.NoError(t, ws.Connect(ctx))
		defer ws.Disconnect()

		assert.Eventually(t, func() bool { return len(e.Stream.Messages("alice")) == 1 }, time.Second, 10*time.Millisecond)
		assert.True(t, e.Typing.IsTyping("alice"))
		conv, _ := e.Conversations.Get("alice")
		assert.Equal(t, 1, conv.UnreadCount)
	})
}

func TestRealtimeSSE(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "bad accept", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprintf(w, "data: %s\n\n", frame(t, EventTypeMessageRead, ReadReceipt{MessageID: "m1", ReaderID: "alice", ReadAt: t0}))
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprintf(w, "data: %s\n\n", frame(t, EventTypeTypingStop, TypingSignal{UserID: "alice"}))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithToken("tok-1"))
	receipts := make(chan ReadReceipt, 1)
	typing := make(chan TypingSignal, 1)
	client.AddListener("test", Listener{
		OnReceipt: func(r ReadReceipt) { receipts <- r },
		OnTyping:  func(s TypingSignal) { typing <- s },
	})

	sse := client.Realtime().ConnectSSE(nil)
	require.NoError(t, sse.Connect(ctx))
	assert.Equal(t, StateConnected, sse.State())
	assert.True(t, strings.HasSuffix(sse.url, "/sse?token=tok-1"))

	select {
	case r := <-receipts:
		assert.Equal(t, "m1", r.MessageID)
		assert.True(t, t0.Equal(r.ReadAt))
	case <-time.After(time.Second):
		t.Fatal("receipt not delivered")
	}
	select {
	case s := <-typing:
		assert.False(t, s.IsTyping)
	case <-time.After(time.Second):
		t.Fatal("typing not delivered")
	}

	require.NoError(t, sse.Disconnect())
	assert.Equal(t, StateDisconnected, sse.State())
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})
	var prev time.Duration
	for i := 0; i < 3; i++ {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
	assert.False(t, r.shouldReconnect())
}
