package fanlume

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeAPI struct {
	mu sync.Mutex

	conversations []Conversation
	convErr       error

	messages map[string][]Message
	msgErr   error
	// onMessages, if set, runs before the history for the id is returned.
	onMessages func(conversationID string)

	sendErr   error
	sendCalls []SendMessageRequest
	// onSend, if set, runs while the send request is "in flight".
	onSend func(req SendMessageRequest)

	created   *Conversation
	createErr error
}

func (f *fakeAPI) Conversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convErr != nil {
		return nil, f.convErr
	}
	return f.conversations, nil
}

func (f *fakeAPI) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	f.mu.Lock()
	hook := f.onMessages
	f.onMessages = nil
	msgs := f.messages[conversationID]
	err := f.msgErr
	f.mu.Unlock()
	if hook != nil {
		hook(conversationID)
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, req)
	hook := f.onSend
	err := f.sendErr
	n := len(f.sendCalls)
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:             "srv-" + req.ConversationID + "-" + strconv.Itoa(n),
		ConversationID: req.ConversationID,
		Sender:         UserRef{ID: req.SenderID},
		Receiver:       UserRef{ID: req.ReceiverID},
		Text:           req.Text,
		CreatedAt:      "2026-01-01T00:00:00Z",
		DeliveryState:  DeliveryConfirmed,
	}, nil
}

func (f *fakeAPI) CreateConversation(ctx context.Context, senderID, receiverID string) (*Conversation, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.created != nil {
		return f.created, nil
	}
	c := conv("new-conv", senderID, receiverID)
	return &c, nil
}

func (f *fakeAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sendCalls)
}

type emitRecord struct {
	event    string
	message  Message
	receiver string
	sender   string
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string][]EventHandler

	connected    bool
	identity     string
	connectErr   error
	disconnects  int
	emits        []emitRecord
	emitMsgErr   error
	emitTypeErr  error
	handlerClear int
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string][]EventHandler)}
}

func (f *fakeConn) Connect(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.identity = identity
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeConn) On(event string, h EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeConn) ClearHandlers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = make(map[string][]EventHandler)
	f.handlerClear++
}

func (f *fakeConn) EmitMessage(ctx context.Context, msg Message, receiverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitMsgErr != nil {
		return f.emitMsgErr
	}
	f.emits = append(f.emits, emitRecord{event: EventSendMessage, message: msg, receiver: receiverID})
	return nil
}

func (f *fakeConn) EmitTyping(ctx context.Context, senderID, receiverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitTypeErr != nil {
		return f.emitTypeErr
	}
	f.emits = append(f.emits, emitRecord{event: EventTyping, sender: senderID, receiver: receiverID})
	return nil
}

// deliver simulates an inbound event arriving on the connection.
func (f *fakeConn) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]EventHandler{}, f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(event, data)
	}
}

func (f *fakeConn) typingEmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.event == EventTyping {
			n++
		}
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, api *fakeAPI, conn *fakeConn, opts *SyncOptions) *SyncController {
	t.Helper()
	if opts == nil {
		opts = &SyncOptions{}
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return NewSyncController(api, conn, "self", opts)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSyncStart(t *testing.T) {
	api := &fakeAPI{conversations: []Conversation{conv("c1", "self", "fan-1"), conv("c2", "self", "fan-2")}}
	connFake := newFakeConn()
	ctrl := newTestController(t, api, connFake, nil)

	require.NoError(t, ctrl.Start(context.Background()))
	assert.Equal(t, SyncConnected, ctrl.State())
	assert.Equal(t, "self", connFake.identity)
	assert.Equal(t, 2, ctrl.Store().Len())
	assert.Equal(t, "", ctrl.Stream().ConversationID(), "nothing is selected without a deep link")

	// Starting again while connected is a no-op.
	require.NoError(t, ctrl.Start(context.Background()))
}

func TestSyncStartRequiresIdentity(t *testing.T) {
	ctrl := NewSyncController(&fakeAPI{}, newFakeConn(), "", &SyncOptions{Logger: quietLogger()})
	require.Error(t, ctrl.Start(context.Background()))
	assert.Equal(t, SyncDisconnected, ctrl.State())
}

func TestSyncStartConnectFailure(t *testing.T) {
	connFake := newFakeConn()
	connFake.connectErr = errors.New("dial refused")
	ctrl := newTestController(t, &fakeAPI{}, connFake, nil)

	require.Error(t, ctrl.Start(context.Background()))
	assert.Equal(t, SyncDisconnected, ctrl.State())
}

func TestSyncStartListFetchDegrades(t *testing.T) {
	api := &fakeAPI{convErr: errors.New("boom")}
	ctrl := newTestController(t, api, newFakeConn(), nil)

	require.NoError(t, ctrl.Start(context.Background()), "list fetch failure is not fatal")
	assert.Equal(t, SyncConnected, ctrl.State())
	assert.Equal(t, 0, ctrl.Store().Len())
}

func TestSyncStartDeepLink(t *testing.T) {
	api := &fakeAPI{
		conversations: []Conversation{conv("c1", "self", "fan-1"), conv("c2", "self", "fan-2")},
		messages:      map[string][]Message{"c2": {{ID: "m1", ConversationID: "c2", Sender: UserRef{ID: "fan-2"}, Text: "hey"}}},
	}
	ctrl := newTestController(t, api, newFakeConn(), &SyncOptions{TargetConversation: "c2"})

	require.NoError(t, ctrl.Start(context.Background()))
	assert.Equal(t, "c2", ctrl.Stream().ConversationID())
	assert.Equal(t, 1, ctrl.Stream().Len())
}

func TestSyncClose(t *testing.T) {
	api := &fakeAPI{conversations: []Conversation{conv("c1", "self", "fan-1")}}
	connFake := newFakeConn()
	ctrl := newTestController(t, api, connFake, nil)

	require.NoError(t, ctrl.Start(context.Background()))
	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))
	ctrl.SetDraft("unsent")

	require.NoError(t, ctrl.Close())
	assert.Equal(t, SyncDisconnected, ctrl.State())
	assert.False(t, connFake.connected)
	assert.Equal(t, 1, connFake.handlerClear)
	assert.Equal(t, "", ctrl.Stream().ConversationID())
	assert.Equal(t, "", ctrl.Draft())

	// Idempotent.
	require.NoError(t, ctrl.Close())
}

// ============================================================================
// Open conversation
// ============================================================================

func TestOpenConversation(t *testing.T) {
	api := &fakeAPI{
		conversations: []Conversation{conv("c1", "self", "fan-1")},
		messages:      map[string][]Message{"c1": {{ID: "m1", ConversationID: "c1"}, {ID: "m2", ConversationID: "c1"}}},
	}
	ctrl := newTestController(t, api, newFakeConn(), nil)
	require.NoError(t, ctrl.Start(context.Background()))

	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))
	assert.Equal(t, 2, ctrl.Stream().Len())

	assert.Error(t, ctrl.OpenConversation(context.Background(), "nope"))
}

func TestOpenConversationStaleFetchDiscarded(t *testing.T) {
	api := &fakeAPI{
		conversations: []Conversation{conv("c1", "self", "fan-1"), conv("c2", "self", "fan-2")},
		messages: map[string][]Message{
			"c1": {{ID: "a1", ConversationID: "c1"}},
			"c2": {{ID: "b1", ConversationID: "c2"}, {ID: "b2", ConversationID: "c2"}},
		},
	}
	ctrl := newTestController(t, api, newFakeConn(), nil)
	require.NoError(t, ctrl.Start(context.Background()))

	// While c1's history is still in flight, the user switches to c2. The
	// late c1 response must not clobber c2's log.
	api.onMessages = func(conversationID string) {
		if conversationID == "c1" {
			require.NoError(t, ctrl.OpenConversation(context.Background(), "c2"))
		}
	}
	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))

	assert.Equal(t, "c2", ctrl.Stream().ConversationID())
	msgs := ctrl.Stream().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "b1", msgs[0].ID)
	assert.Equal(t, "b2", msgs[1].ID)
}

// ============================================================================
// Send
// ============================================================================

func TestSendLifecycle(t *testing.T) {
	api := &fakeAPI{
		conversations: []Conversation{conv("c1", "self", "fan-1")},
	}
	connFake := newFakeConn()
	ctrl := newTestController(t, api, connFake, nil)
	require.NoError(t, ctrl.Start(context.Background()))
	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))

	// While the request is in flight the pending copy is already visible.
	api.onSend = func(req SendMessageRequest) {
		msgs := ctrl.Stream().Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, DeliveryPending, msgs[0].DeliveryState)
		assert.Equal(t, "hello fan", msgs[0].Text)
		assert.Equal(t, "", ctrl.Draft(), "draft clears before the request is issued")
	}

	ctrl.SetDraft("  hello fan  ")
	require.NoError(t, ctrl.Send(context.Background()))

	require.Equal(t, 1, api.sendCount())
	req := api.sendCalls[0]
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, "self", req.SenderID)
	assert.Equal(t, "fan-1", req.ReceiverID)
	assert.Equal(t, "hello fan", req.Text, "draft is trimmed")

	msgs := ctrl.Stream().Messages()
	require.Len(t, msgs, 1, "pending copy is reconciled, not duplicated")
	assert.Equal(t, DeliveryConfirmed, msgs[0].DeliveryState)
	assert.Equal(t, "srv-c1-1", msgs[0].ID)

	summary, _ := ctrl.Store().Get("c1")
	require.NotNil(t, summary.LastMessage)
	assert.Equal(t, "hello fan", summary.LastMessage.Text)

	require.Len(t, connFake.emits, 1)
	assert.Equal(t, EventSendMessage, connFake.emits[0].event)
	assert.Equal(t, "fan-1", connFake.emits[0].receiver)
}

func TestSendNoops(t *testing.T) {
	api := &fakeAPI{conversations: []Conversation{conv("c1", "self", "fan-1")}}
	ctrl := newTestController(t, api, newFakeConn(), nil)
	require.NoError(t, ctrl.Start(context.Background()))

	t.Run("no selection", func(t *testing.T) {
		ctrl.SetDraft("hello")
		require.NoError(t, ctrl.Send(context.Background()))
		assert.Equal(t, 0, api.sendCount())
	})

	t.Run("whitespace draft", func(t *testing.T) {
		require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))
		ctrl.SetDraft("   \n\t ")
		require.NoError(t, ctrl.Send(context.Background()))
		assert.Equal(t, 0, api.sendCount())
		assert.Equal(t, 0, ctrl.Stream().Len())
	})
}

func TestSendFailureRollsBack(t *testing.T) {
	api := &fakeAPI{
		conversations: []Conversation{conv("c1", "self", "fan-1")},
		sendErr:       errors.New("persist failed"),
	}
	connFake := newFakeConn()
	ctrl := newTestController(t, api, connFake, nil)
	require.NoError(t, ctrl.Start(context.Background()))
	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))

	ctrl.SetDraft("hello")
	err := ctrl.Send(context.Background())
	require.Error(t, err)

	assert.Equal(t, 0, ctrl.Stream().Len(), "pending copy is removed")
	assert.Equal(t, "hello", ctrl.Draft(), "text restored for retry")
	assert.Empty(t, connFake.emits, "nothing is broadcast")
	summary, _ := ctrl.Store().Get("c1")
	assert.Nil(t, summary.LastMessage)
}

func TestSendBroadcastFailureIsNotFatal(t *testing.T) {
	api := &fakeAPI{conversations: []Conversation{conv("c1", "self", "fan-1")}}
	connFake := newFakeConn()
	connFake.emitMsgErr = errors.New("socket down")
	ctrl := newTestController(t, api, connFake, nil)
	require.NoError(t, ctrl.Start(context.Background()))
	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))

	ctrl.SetDraft("hello")
	require.NoError(t, ctrl.Send(context.Background()), "the message is persisted; broadcast is best effort")
	require.Equal(t, 1, ctrl.Stream().Len())
	assert.Equal(t, DeliveryConfirmed, ctrl.Stream().Messages()[0].DeliveryState)
}

// ============================================================================
// Inbound routing
// ============================================================================

func TestInboundMessageRouting(t *testing.T) {
	api := &fakeAPI{conversations: []Conversation{conv("c1", "self", "fan-1"), conv("c2", "self", "fan-2")}}
	connFake := newFakeConn()

	var received []Message
	ctrl := newTestController(t, api, connFake, &SyncOptions{
		OnMessage: func(m Message) { received = append(received, m) },
	})
	require.NoError(t, ctrl.Start(context.Background()))
	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))

	t.Run("matching conversation appends", func(t *testing.T) {
		connFake.deliver(t, EventReceiveMessage, map[string]any{
			"_id": "m1", "conversationId": "c1", "sender": "fan-1", "text": "hi",
		})
		require.Equal(t, 1, ctrl.Stream().Len())
		require.Len(t, received, 1)
		assert.Equal(t, "hi", received[0].Text)

		summary, _ := ctrl.Store().Get("c1")
		require.NotNil(t, summary.LastMessage)
		assert.Equal(t, "hi", summary.LastMessage.Text)
	})

	t.Run("conversation alias field routes too", func(t *testing.T) {
		connFake.deliver(t, EventReceiveMessage, map[string]any{
			"_id": "m2", "conversation": "c1", "sender": "fan-1", "text": "again",
		})
		assert.Equal(t, 2, ctrl.Stream().Len())
	})

	t.Run("other conversation updates summary only", func(t *testing.T) {
		connFake.deliver(t, EventReceiveMessage, map[string]any{
			"_id": "m3", "conversationId": "c2", "sender": "fan-2", "text": "psst",
		})
		assert.Equal(t, 2, ctrl.Stream().Len(), "open log untouched")
		summary, _ := ctrl.Store().Get("c2")
		require.NotNil(t, summary.LastMessage)
		assert.Equal(t, "psst", summary.LastMessage.Text)
	})

	t.Run("duplicate id is dropped", func(t *testing.T) {
		connFake.deliver(t, EventReceiveMessage, map[string]any{
			"_id": "m1", "conversationId": "c1", "sender": "fan-1", "text": "hi",
		})
		assert.Equal(t, 2, ctrl.Stream().Len())
		assert.Len(t, received, 2, "callback fires only for appended messages")
	})

	t.Run("malformed payload is ignored", func(t *testing.T) {
		connFake.deliver(t, EventReceiveMessage, "not an object")
		connFake.deliver(t, EventReceiveMessage, map[string]any{"_id": "m9", "text": "no conversation"})
		assert.Equal(t, 2, ctrl.Stream().Len())
	})
}

func TestInboundRoutingFollowsSelectionSwitch(t *testing.T) {
	api := &fakeAPI{conversations: []Conversation{conv("c1", "self", "fan-1"), conv("c2", "self", "fan-2")}}
	connFake := newFakeConn()
	ctrl := newTestController(t, api, connFake, nil)
	require.NoError(t, ctrl.Start(context.Background()))

	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))
	connFake.deliver(t, EventReceiveMessage, map[string]any{
		"_id": "m1", "conversationId": "c1", "sender": "fan-1", "text": "one",
	})
	require.Equal(t, 1, ctrl.Stream().Len())

	// Switch selection; the same long-lived handler must now route to c2.
	require.NoError(t, ctrl.OpenConversation(context.Background(), "c2"))
	connFake.deliver(t, EventReceiveMessage, map[string]any{
		"_id": "m2", "conversationId": "c1", "sender": "fan-1", "text": "late for c1",
	})
	assert.Equal(t, 0, ctrl.Stream().Len(), "c1 traffic no longer lands in the log")

	connFake.deliver(t, EventReceiveMessage, map[string]any{
		"_id": "m3", "conversationId": "c2", "sender": "fan-2", "text": "for c2",
	})
	require.Equal(t, 1, ctrl.Stream().Len())
	assert.Equal(t, "for c2", ctrl.Stream().Messages()[0].Text)
}

func TestInboundOnlineUsers(t *testing.T) {
	api := &fakeAPI{conversations: []Conversation{conv("c1", "self", "fan-1")}}
	connFake := newFakeConn()
	ctrl := newTestController(t, api, connFake, nil)
	require.NoError(t, ctrl.Start(context.Background()))

	connFake.deliver(t, EventOnlineUsers, []any{"fan-1", map[string]any{"_id": "fan-2", "name": "Ben"}})
	assert.Equal(t, []string{"fan-1", "fan-2"}, ctrl.Presence().OnlineUsers())

	connFake.deliver(t, EventOnlineUsers, []any{"fan-2"})
	assert.Equal(t, []string{"fan-2"}, ctrl.Presence().OnlineUsers(), "replacement, not union")
}

// ============================================================================
// Typing
// ============================================================================

func TestTyping(t *testing.T) {
	api := &fakeAPI{conversations: []Conversation{conv("c1", "self", "fan-1")}}
	connFake := newFakeConn()
	ctrl := newTestController(t, api, connFake, &SyncOptions{TypingWindow: 40 * time.Millisecond})
	require.NoError(t, ctrl.Start(context.Background()))
	require.NoError(t, ctrl.OpenConversation(context.Background(), "c1"))

	t.Run("outbound leading edge", func(t *testing.T) {
		ctrl.NotifyTyping(context.Background())
		ctrl.NotifyTyping(context.Background())
		ctrl.NotifyTyping(context.Background())
		assert.Equal(t, 1, connFake.typingEmits(), "one signal per window")

		require.Eventually(t, func() bool {
			ctrl.NotifyTyping(context.Background())
			return connFake.typingEmits() == 2
		}, time.Second, 10*time.Millisecond, "next window emits again")
	})

	t.Run("inbound trailing edge", func(t *testing.T) {
		connFake.deliver(t, EventTyping, map[string]any{"senderId": "fan-1"})
		assert.True(t, ctrl.CounterpartTyping())

		require.Eventually(t, func() bool {
			return !ctrl.CounterpartTyping()
		}, time.Second, 10*time.Millisecond, "indicator clears after the window")
	})

	t.Run("own echo is ignored", func(t *testing.T) {
		connFake.deliver(t, EventTyping, map[string]any{"senderId": "self"})
		assert.False(t, ctrl.CounterpartTyping())
	})

	t.Run("expanded sender object", func(t *testing.T) {
		connFake.deliver(t, EventTyping, map[string]any{"senderId": map[string]any{"_id": "fan-1", "name": "Ana"}})
		assert.True(t, ctrl.CounterpartTyping())
	})

	t.Run("no selection", func(t *testing.T) {
		before := connFake.typingEmits()
		ctrl.CloseConversation()
		ctrl.NotifyTyping(context.Background())
		assert.Equal(t, before, connFake.typingEmits())
		assert.False(t, ctrl.CounterpartTyping())
	})
}

// ============================================================================
// Start conversation
// ============================================================================

func TestStartConversation(t *testing.T) {
	created := conv("c-new", "self", "fan-9")
	api := &fakeAPI{
		conversations: []Conversation{conv("c1", "self", "fan-1")},
		created:       &created,
	}
	ctrl := newTestController(t, api, newFakeConn(), nil)
	require.NoError(t, ctrl.Start(context.Background()))

	got, err := ctrl.StartConversation(context.Background(), "fan-9")
	require.NoError(t, err)
	assert.Equal(t, "c-new", got.ID)

	all := ctrl.Store().All()
	require.Len(t, all, 2)
	assert.Equal(t, "c-new", all[0].ID, "new conversation leads the list")
	assert.Equal(t, "c-new", ctrl.Stream().ConversationID(), "and is opened")

	// Starting it again must not duplicate the entry.
	_, err = ctrl.StartConversation(context.Background(), "fan-9")
	require.NoError(t, err)
	assert.Equal(t, 2, ctrl.Store().Len())
}
