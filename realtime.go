package fanlume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire protocol
// ============================================================================

// Duplex connection event names. Outbound: join, sendMessage, typing.
// Inbound: receiveMessage, typing, getOnlineUsers.
const (
	EventJoin           = "join"
	EventSendMessage    = "sendMessage"
	EventTyping         = "typing"
	EventReceiveMessage = "receiveMessage"
	EventOnlineUsers    = "getOnlineUsers"
)

// Envelope is the wire format for all duplex connection events.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// TypingSignal is the payload of the typing event. Inbound signals only carry
// the sender; there is no explicit "stopped typing" event in the protocol.
// User references may arrive bare or expanded, so the fields are UserRef.
type TypingSignal struct {
	Sender   UserRef `json:"senderId"`
	Receiver UserRef `json:"receiverId,omitempty"`
}

// outboundMessage is the sendMessage payload: the confirmed message plus the
// intended receiver, so the server can fan out without a lookup.
type outboundMessage struct {
	Message
	ReceiverID string `json:"receiver"`
}

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures the duplex connection.
type SocketConfig struct {
	// AutoReconnect enables exponential-backoff reconnection after an
	// unexpected drop. Off by default: the backend defines no reconnection
	// contract, so callers opt in explicitly.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SocketState represents the connection state.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"
	StateReconnecting SocketState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// EventHandler is the generic inbound event callback type.
type EventHandler func(event string, data json.RawMessage)

type eventDispatcher struct {
	mu             sync.RWMutex
	logger         *slog.Logger
	handlers       map[string][]EventHandler
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:   logger,
		handlers: make(map[string][]EventHandler),
	}
}

// dispatch invokes handlers synchronously in registration order. The read
// loop is the only caller, so inbound events are applied in arrival order.
// A panicking handler is contained and logged; it must not kill the loop or
// starve the handlers after it.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.handlers[env.Event]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panicked", "event", env.Event, "panic", r)
				}
			}()
			h(env.Event, env.Data)
		}()
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[string][]EventHandler)
	d.onConnected = nil
	d.onDisconnected = nil
	d.onReconnecting = nil
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Socket
// ============================================================================

// Socket owns one persistent duplex connection to the messaging backend.
// Exactly one socket is live per authenticated identity: the session owner
// connects it after login and disconnects it on logout or identity change.
type Socket struct {
	baseURL string
	config  *SocketConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            SocketState
	identity         string
	intentionalClose bool
	cancelFn         context.CancelFunc
	reconnectCancel  chan struct{}

	dispatcher *eventDispatcher
	recon      *reconnector
}

// RealtimeService is the duplex connection factory on the Client.
type RealtimeService struct{ client *Client }

// URL returns the duplex connection endpoint.
func (r *RealtimeService) URL() string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/socket"
}

// Dial creates a Socket bound to the client's backend and session.
// Call Connect to establish the connection.
func (r *RealtimeService) Dial(config *SocketConfig) *Socket {
	var cfg SocketConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = r.client.logger
	}
	cfg.defaults()
	return &Socket{
		baseURL:    r.client.baseURL,
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(cfg.Logger),
		recon:      newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// On registers a handler for an inbound event. Handlers run on the read-loop
// goroutine, in arrival order; they must read live state rather than capture
// it, and must not block.
func (s *Socket) On(event string, h EventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.handlers[event] = append(s.dispatcher.handlers[event], h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *Socket) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *Socket) OnDisconnected(h func(reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *Socket) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// ClearHandlers removes every registered handler. Called on teardown so a
// dead controller's closures cannot be invoked by a lingering read loop.
func (s *Socket) ClearHandlers() {
	s.dispatcher.removeAll()
}

// Connect establishes the connection for the given identity and announces
// presence with a join signal. Connecting with a different identity first
// tears down the existing connection; connections are never multiplexed
// across identities.
func (s *Socket) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("connect requires an authenticated identity")
	}

	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		if s.identity == identity {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		if err := s.Disconnect(); err != nil {
			return err
		}
		s.mu.Lock()
	}
	s.state = StateConnecting
	s.identity = identity
	s.intentionalClose = false
	s.mu.Unlock()

	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()

	if err := s.Emit(ctx, EventJoin, identity); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.mu.Lock()
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("join: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()

	s.dispatcher.emitConnected()

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection. It is idempotent and safe to
// call when no connection exists.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.reconnectCancel != nil {
		close(s.reconnectCancel)
		s.reconnectCancel = nil
	}
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	alreadyDown := s.state == StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		s.dispatcher.emitDisconnected("client disconnect")
		return err
	}
	if !alreadyDown {
		s.dispatcher.emitDisconnected("client disconnect")
	}
	return nil
}

// Emit sends an event over the live connection.
func (s *Socket) Emit(ctx context.Context, event string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, env)
}

// EmitMessage broadcasts a just-confirmed message tagged with its receiver,
// so the counterpart's client gets it without polling.
func (s *Socket) EmitMessage(ctx context.Context, msg Message, receiverID string) error {
	return s.Emit(ctx, EventSendMessage, outboundMessage{Message: msg, ReceiverID: receiverID})
}

// EmitTyping sends a typing signal to the counterpart.
func (s *Socket) EmitTyping(ctx context.Context, senderID, receiverID string) error {
	return s.Emit(ctx, EventTyping, TypingSignal{
		Sender:   UserRef{ID: senderID},
		Receiver: UserRef{ID: receiverID},
	})
}

// readLoop reads frames from its bound connection until it dies. The loop is
// bound to one conn so a stale loop can never tear down a connection that
// replaced its own.
func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if s.conn != conn || s.intentionalClose {
				s.mu.Unlock()
				return
			}
			s.state = StateDisconnected
			s.conn = nil
			identity := s.identity
			s.mu.Unlock()

			s.config.Logger.Warn("socket connection dropped", "error", err)
			s.dispatcher.emitDisconnected(err.Error())

			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect(identity)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.config.Logger.Warn("socket received malformed frame", "error", err)
			continue
		}
		s.dispatcher.dispatch(env)
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			live := s.conn == conn
			s.mu.Unlock()
			if !live {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// scheduleReconnect waits out the backoff delay and re-dials. The wait is
// cancellable: Disconnect during the backoff closes reconnectCancel and the
// pending attempt is abandoned, so a logged-out identity is never re-joined.
func (s *Socket) scheduleReconnect(identity string) {
	delay := s.recon.nextDelay()

	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	cancel := make(chan struct{})
	s.reconnectCancel = cancel
	s.mu.Unlock()

	s.dispatcher.emitReconnecting(s.recon.attempt, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-cancel:
		return
	case <-timer.C:
	}

	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.reconnectCancel = nil
	s.mu.Unlock()

	if err := s.Connect(context.Background(), identity); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect(identity)
		} else {
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
		}
	}
}
