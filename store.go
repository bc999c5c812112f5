package fanlume

import "sync"

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore holds the ordered collection of conversation summaries,
// most recent first. It guarantees at most one entry per conversation id.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations []Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// Load replaces the full collection, used after the initial fetch.
func (s *ConversationStore) Load(conversations []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append([]Conversation(nil), conversations...)
}

// UpsertSummary replaces the conversation's lastMessage denormalization.
// A summary update for an unknown conversation is dropped, not created as a
// stub: the authoritative entry arrives via Load or InsertIfAbsent.
func (s *ConversationStore) UpsertSummary(conversationID string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			m := msg
			s.conversations[i].LastMessage = &m
			return true
		}
	}
	return false
}

// InsertIfAbsent places a freshly created or received conversation at the
// front of the collection. If an entry with the same id already exists the
// store is left unchanged.
func (s *ConversationStore) InsertIfAbsent(conversation Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == conversation.ID {
			return false
		}
	}
	s.conversations = append([]Conversation{conversation}, s.conversations...)
	return true
}

// Get returns the conversation with the given id.
func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return s.conversations[i], true
		}
	}
	return Conversation{}, false
}

// All returns a copy of the ordered collection.
func (s *ConversationStore) All() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation(nil), s.conversations...)
}

// Len returns the number of conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// ============================================================================
// MessageStream
// ============================================================================

// MessageStream owns the ordered message log for the single open
// conversation. Its current conversation id doubles as the selection cell:
// it is written synchronously on every selection change and read at dispatch
// time by the long-lived event handlers, never captured by them.
//
// Mutations that carry a conversation id (Replace, AppendConfirmed) are
// guarded against the current selection at apply time, which discards both
// stale history fetches and messages routed to a conversation that is no
// longer open.
type MessageStream struct {
	mu             sync.RWMutex
	conversationID string
	log            []Message
}

func NewMessageStream() *MessageStream {
	return &MessageStream{}
}

// Open makes conversationID the current selection and clears any prior log.
// The caller fetches history separately and applies it through Replace.
func (s *MessageStream) Open(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = conversationID
	s.log = nil
}

// Close clears the selection and the log.
func (s *MessageStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = ""
	s.log = nil
}

// ConversationID returns the current selection, or "" when none is open.
func (s *MessageStream) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// IsOpen reports whether conversationID equals the current selection.
func (s *MessageStream) IsOpen(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conversationID != "" && conversationID == s.conversationID
}

// Replace applies a fetched history wholesale. The response is correlated
// against the current selection: a fetch that resolves after the user has
// switched conversations is discarded, not applied.
func (s *MessageStream) Replace(conversationID string, messages []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == "" || conversationID != s.conversationID {
		return false
	}
	s.log = make([]Message, 0, len(messages))
	for _, m := range messages {
		m.DeliveryState = DeliveryConfirmed
		s.log = append(s.log, m)
	}
	return true
}

// AppendConfirmed appends an already-confirmed message to the end of the log
// if its conversation matches the current selection. Append order is local
// arrival order; a message whose id is already present is dropped so a
// history refetch racing a live event cannot duplicate entries.
func (s *MessageStream) AppendConfirmed(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ConversationID == "" || msg.ConversationID != s.conversationID {
		return false
	}
	if msg.ID != "" && s.indexOf(msg.ID) >= 0 {
		return false
	}
	msg.DeliveryState = DeliveryConfirmed
	s.log = append(s.log, msg)
	return true
}

// AppendPending appends a locally created message awaiting server
// acknowledgment. The caller assigns it a client-generated id.
func (s *MessageStream) AppendPending(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ConversationID == "" || msg.ConversationID != s.conversationID {
		return false
	}
	msg.DeliveryState = DeliveryPending
	s.log = append(s.log, msg)
	return true
}

// Confirm reconciles a pending message with the server's canonical copy,
// in place, preserving its position in the log. When the entry has already
// been dropped (selection changed while the send was in flight) the
// confirmation is a no-op.
func (s *MessageStream) Confirm(localID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(localID)
	if i < 0 {
		return false
	}
	confirmed.DeliveryState = DeliveryConfirmed
	s.log[i] = confirmed
	return true
}

// Remove drops a message from the log, used to roll back a failed send.
func (s *MessageStream) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.log = append(s.log[:i], s.log[i+1:]...)
	return true
}

// Messages returns a copy of the ordered log.
func (s *MessageStream) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.log...)
}

// Len returns the number of messages in the log.
func (s *MessageStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// indexOf requires s.mu held.
func (s *MessageStream) indexOf(id string) int {
	for i := range s.log {
		if s.log[i].ID == id {
			return i
		}
	}
	return -1
}
