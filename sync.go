package fanlume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Collaborator contracts
// ============================================================================

// ChatAPI is the REST collaborator the controller drives. *ChatService
// satisfies it; tests substitute fakes.
type ChatAPI interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error)
	CreateConversation(ctx context.Context, senderID, receiverID string) (*Conversation, error)
}

// EventConn is the duplex connection the controller owns. *Socket satisfies
// it. Only the controller connects and disconnects; every other component
// just subscribes or emits through it.
type EventConn interface {
	Connect(ctx context.Context, identity string) error
	Disconnect() error
	On(event string, h EventHandler)
	ClearHandlers()
	EmitMessage(ctx context.Context, msg Message, receiverID string) error
	EmitTyping(ctx context.Context, senderID, receiverID string) error
}

// ============================================================================
// Options
// ============================================================================

// SyncState is the controller's connection phase.
type SyncState string

const (
	SyncDisconnected SyncState = "disconnected"
	SyncConnecting   SyncState = "connecting"
	SyncConnected    SyncState = "connected"
)

// SyncOptions tunes a SyncController.
type SyncOptions struct {
	// TargetConversation, when set, is selected once it appears in the
	// initial conversation list (deep link from elsewhere in the app).
	TargetConversation string

	// TypingWindow overrides the typing cool-down/expiry window, mainly for
	// tests. Defaults to TypingWindow.
	TypingWindow time.Duration

	// OnMessage is invoked for each inbound message appended to the open
	// log. Called from the connection's read loop; must not block.
	OnMessage func(Message)

	// OnUpdate is invoked after any observable state change: log or summary
	// mutation, presence replacement, typing transitions (including
	// timer-driven expiry). Must not call back into the controller.
	OnUpdate func()

	Logger *slog.Logger
}

// ============================================================================
// SyncController
// ============================================================================

// SyncController orchestrates the conversation synchronization engine: it
// owns the duplex connection lifecycle, routes inbound events into the
// stores, and exposes the command surface (open conversation, send, start
// conversation, notify typing) to the rest of the application.
type SyncController struct {
	api    ChatAPI
	conn   EventConn
	selfID string
	logger *slog.Logger
	opts   SyncOptions

	store    *ConversationStore
	stream   *MessageStream
	presence *PresenceTracker

	mu         sync.Mutex
	state      SyncState
	subscribed bool
	draft      string
}

// NewSyncController wires a controller for the authenticated identity.
// The connection is not opened until Start.
func NewSyncController(api ChatAPI, conn EventConn, selfID string, opts *SyncOptions) *SyncController {
	var o SyncOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	c := &SyncController{
		api:    api,
		conn:   conn,
		selfID: selfID,
		logger: o.Logger,
		opts:   o,
		state:  SyncDisconnected,
		store:  NewConversationStore(),
		stream: NewMessageStream(),
	}
	c.presence = NewPresenceTracker(o.TypingWindow, c.update)
	return c
}

// Store exposes the conversation summaries.
func (c *SyncController) Store() *ConversationStore { return c.store }

// Stream exposes the open conversation's message log.
func (c *SyncController) Stream() *MessageStream { return c.stream }

// Presence exposes online and typing state.
func (c *SyncController) Presence() *PresenceTracker { return c.presence }

// State returns the controller's connection phase.
func (c *SyncController) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects for the controller's identity, subscribes the inbound event
// handlers once for the connection's lifetime, and fetches the initial
// conversation list. A list fetch failure degrades to an empty collection;
// it is logged, not fatal.
func (c *SyncController) Start(ctx context.Context) error {
	if c.selfID == "" {
		return fmt.Errorf("sync controller requires an authenticated identity")
	}

	c.mu.Lock()
	if c.state != SyncDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = SyncConnecting
	if !c.subscribed {
		c.subscribe()
		c.subscribed = true
	}
	c.mu.Unlock()

	if err := c.conn.Connect(ctx, c.selfID); err != nil {
		c.mu.Lock()
		c.state = SyncDisconnected
		c.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.state = SyncConnected
	c.mu.Unlock()

	conversations, err := c.api.Conversations(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch conversations", "error", err)
		conversations = nil
	}
	c.store.Load(conversations)
	c.update()

	if target := c.opts.TargetConversation; target != "" {
		if _, ok := c.store.Get(target); ok {
			if err := c.OpenConversation(ctx, target); err != nil {
				c.logger.Warn("failed to open target conversation",
					"conversation", target, "error", err)
			}
		}
	}
	return nil
}

// Close tears the engine down: handlers are removed, the connection is
// dropped, and transient state is cleared. Safe to call repeatedly and on
// identity loss.
func (c *SyncController) Close() error {
	c.mu.Lock()
	c.state = SyncDisconnected
	c.subscribed = false
	c.draft = ""
	c.mu.Unlock()

	c.conn.ClearHandlers()
	err := c.conn.Disconnect()
	c.presence.Reset()
	c.stream.Close()
	return err
}

// ============================================================================
// Command surface
// ============================================================================

// OpenConversation selects a conversation and loads its history. The
// selection cell is written synchronously before the fetch is issued, so
// inbound routing switches immediately; the fetched history is applied only
// if the selection still matches when the response arrives.
func (c *SyncController) OpenConversation(ctx context.Context, conversationID string) error {
	if _, ok := c.store.Get(conversationID); !ok {
		return fmt.Errorf("unknown conversation %q", conversationID)
	}

	c.stream.Open(conversationID)
	c.update()

	messages, err := c.api.Messages(ctx, conversationID)
	if err != nil {
		c.logger.Warn("failed to fetch messages",
			"conversation", conversationID, "error", err)
		return err
	}
	if c.stream.Replace(conversationID, messages) {
		c.update()
	}
	return nil
}

// CloseConversation clears the selection.
func (c *SyncController) CloseConversation() {
	c.stream.Close()
	c.update()
}

// SetDraft updates the draft input for the open conversation.
func (c *SyncController) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the current draft input.
func (c *SyncController) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Send sends the current draft to the open conversation.
//
// Empty (after trimming) drafts and a missing selection are silent no-ops
// with no network traffic. The draft is cleared before the request is
// issued; an optimistic pending message is appended to the log and
// reconciled with the server's canonical copy on acknowledgment. On failure
// the pending entry is removed, the original text is restored to the draft,
// and the error is returned to the caller without retry.
func (c *SyncController) Send(ctx context.Context) error {
	c.mu.Lock()
	text := strings.TrimSpace(c.draft)
	conversationID := c.stream.ConversationID()
	if text == "" || conversationID == "" {
		c.mu.Unlock()
		return nil
	}
	c.draft = ""
	c.mu.Unlock()

	conversation, ok := c.store.Get(conversationID)
	if !ok {
		return nil
	}
	receiver, ok := conversation.OtherParticipant(c.selfID)
	if !ok {
		return nil
	}

	localID := "local-" + uuid.NewString()
	pending := Message{
		ID:             localID,
		ConversationID: conversationID,
		Sender:         UserRef{ID: c.selfID},
		Receiver:       receiver,
		Text:           text,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	c.stream.AppendPending(pending)
	c.update()

	confirmed, err := c.api.SendMessage(ctx, SendMessageRequest{
		ConversationID: conversationID,
		SenderID:       c.selfID,
		ReceiverID:     receiver.ID,
		Text:           text,
	})
	if err != nil {
		c.stream.Remove(localID)
		c.mu.Lock()
		c.draft = text
		c.mu.Unlock()
		c.update()
		return fmt.Errorf("send message: %w", err)
	}

	c.stream.Confirm(localID, *confirmed)
	c.store.UpsertSummary(conversationID, *confirmed)

	if err := c.conn.EmitMessage(ctx, *confirmed, receiver.ID); err != nil {
		// The message is persisted; the counterpart will see it on the next
		// fetch even if the low-latency broadcast failed.
		c.logger.Warn("failed to broadcast message", "error", err)
	}

	c.update()
	return nil
}

// StartConversation creates (or retrieves) the conversation with receiverID,
// places it at the front of the list, and opens it.
func (c *SyncController) StartConversation(ctx context.Context, receiverID string) (*Conversation, error) {
	conversation, err := c.api.CreateConversation(ctx, c.selfID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	c.store.InsertIfAbsent(*conversation)
	c.update()

	if err := c.OpenConversation(ctx, conversation.ID); err != nil {
		return conversation, err
	}
	return conversation, nil
}

// NotifyTyping emits one typing signal per cool-down window while the user
// keeps typing in the open conversation. Call it on every keystroke; the
// leading-edge debounce suppresses the excess.
func (c *SyncController) NotifyTyping(ctx context.Context) {
	conversationID := c.stream.ConversationID()
	if conversationID == "" {
		return
	}
	if !c.presence.ShouldNotifyTyping(conversationID) {
		return
	}
	conversation, ok := c.store.Get(conversationID)
	if !ok {
		return
	}
	receiver, ok := conversation.OtherParticipant(c.selfID)
	if !ok {
		return
	}
	if err := c.conn.EmitTyping(ctx, c.selfID, receiver.ID); err != nil {
		c.logger.Debug("failed to emit typing signal", "error", err)
	}
}

// CounterpartTyping reports whether the open conversation's counterpart is
// inside an unexpired typing window.
func (c *SyncController) CounterpartTyping() bool {
	conversationID := c.stream.ConversationID()
	if conversationID == "" {
		return false
	}
	conversation, ok := c.store.Get(conversationID)
	if !ok {
		return false
	}
	counterpart, ok := conversation.OtherParticipant(c.selfID)
	if !ok {
		return false
	}
	return c.presence.IsTyping(counterpart.ID)
}

// ============================================================================
// Inbound routing
// ============================================================================

// subscribe registers the long-lived event handlers. Requires c.mu held.
// The handlers read the selection from the stream at dispatch time; nothing
// conversation-specific is captured here, which is what keeps routing
// correct after the user switches chats.
func (c *SyncController) subscribe() {
	c.conn.On(EventReceiveMessage, c.handleReceiveMessage)
	c.conn.On(EventTyping, c.handleTyping)
	c.conn.On(EventOnlineUsers, c.handleOnlineUsers)
}

func (c *SyncController) handleReceiveMessage(_ string, data json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed receiveMessage payload", "error", err)
		return
	}
	if msg.ConversationID == "" {
		c.logger.Warn("receiveMessage payload without conversation", "message", msg.ID)
		return
	}

	// The summary is always updated; the open log only when the message
	// belongs to the current selection.
	c.store.UpsertSummary(msg.ConversationID, msg)
	if c.stream.AppendConfirmed(msg) && c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
	c.update()
}

func (c *SyncController) handleTyping(_ string, data json.RawMessage) {
	var signal TypingSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		c.logger.Warn("malformed typing payload", "error", err)
		return
	}
	// Our own signals can echo back through the fan-out.
	if signal.Sender.Is(c.selfID) || signal.Sender.ID == "" {
		return
	}
	c.presence.TouchTyping(signal.Sender.ID)
}

func (c *SyncController) handleOnlineUsers(_ string, data json.RawMessage) {
	var refs []UserRef
	if err := json.Unmarshal(data, &refs); err != nil {
		c.logger.Warn("malformed getOnlineUsers payload", "error", err)
		return
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	c.presence.SetOnlineUsers(ids)
}

func (c *SyncController) update() {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate()
	}
}
