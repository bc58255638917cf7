package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/textb-app/chatsync"
)

var (
	jsonOutput bool

	conversationsPageSize int
	conversationsAll      bool
	conversationsUnread   bool

	historyLimit int

	sendRetry string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	conversationsCmd.Flags().IntVar(&conversationsPageSize, "page-size", 20, "Conversations per page")
	conversationsCmd.Flags().BoolVar(&conversationsAll, "all", false, "Keep paging until the provider has no more")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")

	historyCmd.Flags().IntVar(&historyLimit, "limit", chatsync.DefaultHistoryLimit, "Number of messages to fetch")

	sendCmd.Flags().StringVar(&sendRetry, "retry", "", "Correlation token of a failed message to resend")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, readCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := loggedInApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		// A fresh listing starts from the first page; the cached cursor only
		// matters within one process.
		a.engine.Conversations.Refresh()
		convs, err := a.engine.Conversations.List(ctx, conversationsPageSize)
		for err == nil && conversationsAll && a.engine.Conversations.HasMore() {
			convs, err = a.engine.Conversations.List(ctx, conversationsPageSize)
		}
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}

		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		for _, c := range convs {
			printConversation(out, c)
		}
		if a.engine.Conversations.HasMore() {
			fmt.Fprintln(out, "(more available, use --all)")
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the latest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := loggedInApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.engine.Stream.History(ctx, args[0], historyLimit); err != nil {
			return fmt.Errorf("fetch history: %w", err)
		}
		// The merged log also carries cached pending and failed messages.
		msgs := a.engine.Stream.Messages(args[0])

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		self := a.engine.Session.Current()
		for _, m := range msgs {
			printMessage(out, m, self.ID)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message, or resend a failed one with --retry",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendRetry == "" && len(args) != 2 {
			return fmt.Errorf("a message is required unless --retry is set")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := loggedInApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var m *chatsync.Message
		if sendRetry != "" {
			m, err = a.engine.Stream.Retry(ctx, args[0], sendRetry)
		} else {
			m, err = a.engine.Stream.Send(ctx, args[0], args[1])
		}
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, m)
		}
		fmt.Fprintf(out, "Message sent to %s\n", m.ConversationID)
		fmt.Fprintf(out, "  Message ID: %s\n", m.ID)
		fmt.Fprintf(out, "  Sent at:    %s\n", m.SentAt.Local().Format(time.RFC3339))
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id> [message-id]",
	Short: "Mark one message, or the whole conversation, as read",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := loggedInApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 2 {
			if err := a.engine.Receipts.MarkRead(ctx, args[1], args[0]); err != nil {
				return fmt.Errorf("mark read: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read\n", args[1])
			return nil
		}
		if err := a.engine.Conversations.MarkAllRead(ctx, args[0]); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Marked conversation %s as read\n", args[0])
		return nil
	},
}

// ============================================================================
// Output
// ============================================================================

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printConversation(w io.Writer, c chatsync.Conversation) {
	name := valueOrDefault(c.DisplayName, c.ID)
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	if c.LastMessage == nil {
		fmt.Fprintf(w, "%-20s%s\n", name, unread)
		return
	}
	fmt.Fprintf(w, "%-20s%s  %s  %s\n", name, unread,
		c.LastMessage.SentAt.Local().Format("Jan 02 15:04"), truncate(c.LastMessage.Body, 50))
}

func printMessage(w io.Writer, m chatsync.Message, self string) {
	from := m.SenderID
	if from == self {
		from = "me"
	}
	var flag string
	switch m.Status {
	case chatsync.StatusPending:
		flag = " [pending]"
	case chatsync.StatusFailed:
		flag = fmt.Sprintf(" [failed: %s, retry with --retry %s]", m.Error, m.CorrelationToken)
	default:
		if m.SenderID != self && !m.IsRead() {
			flag = " [unread]"
		}
	}
	fmt.Fprintf(w, "%s  %-12s %s%s\n", m.SentAt.Local().Format("Jan 02 15:04"), from, m.Body, flag)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
