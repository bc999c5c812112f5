package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	fanlume "github.com/fanlume/fanlume-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat list
	chatListJSON bool

	// chat history
	chatHistoryLimit int
	chatHistoryJSON  bool

	// chat send
	chatSendJSON bool

	// chat start
	chatStartJSON bool

	// chat watch
	chatWatchConversation string
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "Interact with Fanlume conversations: list them, read history, send messages, and watch a live session.",
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		selfID := getUserID()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.Chat().Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatListJSON {
			return printJSON(conversations)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, conv := range conversations {
			label := conv.ID
			if other, ok := conv.OtherParticipant(selfID); ok {
				label = other.String()
			}
			last := "(no messages)"
			if conv.LastMessage != nil {
				last = conv.LastMessage.Text
			}
			fmt.Printf("%s  %s  %s\n", conv.ID, label, last)
		}
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.Chat().Messages(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatHistoryLimit > 0 && len(messages) > chatHistoryLimit {
			messages = messages[len(messages)-chatHistoryLimit:]
		}

		if chatHistoryJSON {
			return printJSON(messages)
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, msg.Sender.String(), msg.Text)
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message into a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], strings.TrimSpace(args[1])
		if text == "" {
			return fmt.Errorf("message text must not be empty")
		}

		client := getClient()
		selfID := getUserID()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.Chat().Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		receiverID := ""
		for _, conv := range conversations {
			if conv.ID != conversationID {
				continue
			}
			if other, ok := conv.OtherParticipant(selfID); ok {
				receiverID = other.ID
			}
		}
		if receiverID == "" {
			return fmt.Errorf("conversation %s not found or has no counterpart", conversationID)
		}

		msg, err := client.Chat().SendMessage(ctx, fanlume.SendMessageRequest{
			ConversationID: conversationID,
			SenderID:       selfID,
			ReceiverID:     receiverID,
			Text:           text,
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if chatSendJSON {
			return printJSON(msg)
		}

		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Text:       %s\n", msg.Text)
		return nil
	},
}

// ============================================================================
// chat start
// ============================================================================

var chatStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Start (or reuse) a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID := args[0]
		client := getClient()
		selfID := getUserID()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Chat().CreateConversation(ctx, selfID, receiverID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatStartJSON {
			return printJSON(conv)
		}

		fmt.Printf("Conversation ready: %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a live chat session",
	Long:  "Connect to the realtime socket and print inbound messages, typing indicators, and presence changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		selfID := getUserID()

		socket := client.Realtime().Dial(&fanlume.SocketConfig{AutoReconnect: true})
		socket.OnConnected(func() {
			fmt.Println("* connected")
		})
		socket.OnDisconnected(func(reason string) {
			fmt.Printf("* disconnected: %s\n", reason)
		})
		socket.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("* reconnecting (attempt %d) in %s\n", attempt, delay)
		})

		ctrl := fanlume.NewSyncController(client.Chat(), socket, selfID, &fanlume.SyncOptions{
			TargetConversation: chatWatchConversation,
			OnMessage: func(msg fanlume.Message) {
				fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, msg.Sender.String(), msg.Text)
			},
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("start failed: %w", err)
		}
		defer ctrl.Close()

		fmt.Printf("Watching as %s. Press Ctrl-C to stop.\n", selfID)

		// Poll presence so typing and online changes show up without a UI.
		go func() {
			var lastOnline string
			var lastTyping bool
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					online := strings.Join(ctrl.Presence().OnlineUsers(), ", ")
					if online != lastOnline {
						lastOnline = online
						fmt.Printf("* online: [%s]\n", online)
					}
					typing := ctrl.CounterpartTyping()
					if typing != lastTyping {
						lastTyping = typing
						if typing {
							fmt.Println("* counterpart is typing...")
						} else {
							fmt.Println("* counterpart stopped typing")
						}
					}
				}
			}
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopping.")
		return nil
	},
}

// printJSON pretty-prints v to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// chat list
	chatListCmd.Flags().BoolVar(&chatListJSON, "json", false, "Output raw JSON")

	// chat history
	chatHistoryCmd.Flags().IntVarP(&chatHistoryLimit, "limit", "n", 0, "Maximum number of messages to show")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output raw JSON")

	// chat send
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "Output raw JSON")

	// chat start
	chatStartCmd.Flags().BoolVar(&chatStartJSON, "json", false, "Output raw JSON")

	// chat watch
	chatWatchCmd.Flags().StringVar(&chatWatchConversation, "conversation", "", "Conversation to open on connect")

	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatStartCmd)
	chatCmd.AddCommand(chatWatchCmd)

	rootCmd.AddCommand(chatCmd)
}
