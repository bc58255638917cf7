package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/textb-app/chatsync"
)

var (
	watchTransport    string
	watchConversation string
)

func init() {
	watchCmd.Flags().StringVar(&watchTransport, "transport", "ws", "Push transport: ws or sse")
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "Only show events of this conversation")
	rootCmd.AddCommand(watchCmd)
}

// pushConn is the part of the realtime clients watch needs.
type pushConn interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages, receipts and typing signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loggedInApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		subscribeWatch(a.engine, out, watchConversation)

		cfg := &chatsync.RealtimeConfig{AutoReconnect: true}
		var conn pushConn
		switch watchTransport {
		case "ws":
			ws := a.client.Realtime().ConnectWS(cfg)
			ws.OnDisconnected(func(code int, reason string) {
				a.log.Warn().Int("code", code).Str("reason", reason).Msg("push connection closed")
			})
			ws.OnReconnecting(func(attempt int, delay time.Duration) {
				a.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
			})
			conn = ws
		case "sse":
			sse := a.client.Realtime().ConnectSSE(cfg)
			sse.OnDisconnected(func(code int, reason string) {
				a.log.Warn().Int("code", code).Str("reason", reason).Msg("push connection closed")
			})
			sse.OnReconnecting(func(attempt int, delay time.Duration) {
				a.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
			})
			conn = sse
		default:
			return fmt.Errorf("unknown transport %q (valid: ws, sse)", watchTransport)
		}

		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		fmt.Fprintf(out, "Watching as %s (Ctrl-C to stop)\n", a.cfg.Auth.UserID)

		<-ctx.Done()
		return conn.Disconnect()
	},
}

// subscribeWatch prints the engine events watch reports. An empty
// conversation shows all of them.
func subscribeWatch(e *chatsync.Engine, out io.Writer, conversation string) {
	self := ""
	if id := e.Session.Current(); id != nil {
		self = id.ID
	}
	match := func(conversationID string) bool {
		return conversation == "" || conversation == conversationID
	}

	e.On(chatsync.EventMessagesChanged, func(_ string, payload any) {
		m, ok := payload.(chatsync.Message)
		// Inbound and unread only; own sends are reported by send itself.
		if !ok || !match(m.ConversationID) || m.Pending() || m.SenderID == self || m.IsRead() {
			return
		}
		printMessage(out, m, self)
	})
	e.On(chatsync.EventReceiptApplied, func(_ string, payload any) {
		r, ok := payload.(chatsync.ReadReceipt)
		if !ok || !match(r.ConversationID) {
			return
		}
		fmt.Fprintf(out, "%s  %-12s read %s\n", r.ReadAt.Local().Format("Jan 02 15:04"), r.ReaderID, r.MessageID)
	})
	e.On(chatsync.EventTypingChanged, func(_ string, payload any) {
		s, ok := payload.(chatsync.TypingSignal)
		if !ok || !match(s.ConversationID) {
			return
		}
		if s.IsTyping {
			fmt.Fprintf(out, "%s is typing...\n", s.ConversationID)
		}
	})
	e.On(chatsync.EventMessageFailed, func(_ string, payload any) {
		if m, ok := payload.(chatsync.Message); ok && match(m.ConversationID) {
			printMessage(out, m, self)
		}
	})
}
