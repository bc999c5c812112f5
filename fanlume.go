// Package fanlume provides the Go client for the Fanlume creator-platform
// messaging backend.
//
// It covers the chat REST API and the real-time conversation synchronization
// engine that keeps conversation lists, the open message stream, and
// presence/typing signals consistent across REST round-trips and the
// persistent duplex connection.
//
// Example:
//
//	client := fanlume.NewClient(sessionToken)
//
//	// REST API
//	convos, _ := client.Chat().Conversations(ctx)
//
//	// Sync engine
//	ctrl := fanlume.NewSyncController(client.Chat(), client.Realtime().Dial(nil), "user-123", nil)
//	ctrl.Start(ctx)
//	defer ctrl.Close()
package fanlume

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.fanlume.app"
	DefaultTimeout = 30 * time.Second

	// sessionCookie is the cookie carrying the authenticated session,
	// issued by the login endpoint.
	sessionCookie = "fanlume_session"
)

// ============================================================================
// Client
// ============================================================================

// Client is the entry point to the Fanlume API. It authenticates with the
// session cookie issued at login and exposes sub-clients per API area.
type Client struct {
	session    string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	chat     *ChatService
	users    *UsersService
	realtime *RealtimeService
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger inherited by sockets dialed from this client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Fanlume client. session is the value of the
// session cookie; pass "" for unauthenticated endpoints.
func NewClient(session string, opts ...ClientOption) *Client {
	c := &Client{
		session: session,
		baseURL: DefaultBaseURL,
		logger:  slog.Default(),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.chat = &ChatService{client: c}
	c.users = &UsersService{client: c}
	c.realtime = &RealtimeService{client: c}
	return c
}

// SetSession sets or updates the session cookie value, e.g. after re-login.
func (c *Client) SetSession(session string) {
	c.session = session
}

// Chat returns the chat API sub-client.
func (c *Client) Chat() *ChatService { return c.chat }

// Users returns the user listing sub-client.
func (c *Client) Users() *UsersService { return c.users }

// Realtime returns the real-time connection factory.
func (c *Client) Realtime() *RealtimeService { return c.realtime }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.session})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, &APIError{
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: strings.TrimSpace(string(data)),
		}
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat API
// ============================================================================

// ChatService covers the messaging backend's REST contract.
type ChatService struct{ client *Client }

// Conversations fetches the authenticated user's conversation list.
func (s *ChatService) Conversations(ctx context.Context) ([]Conversation, error) {
	data, err := s.client.doRequest(ctx, "GET", "/chat", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[conversationsResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Conversations, nil
}

// Messages fetches the full ordered message history of one conversation.
func (s *ChatService) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := s.client.doRequest(ctx, "GET", "/chat/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messagesResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Messages, nil
}

// SendMessage persists a message and returns the server's canonical copy,
// with its assigned id and timestamp.
func (s *ChatService) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	data, err := s.client.doRequest(ctx, "POST", "/chat/message", req, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messageResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("send response carried no message")
	}
	return resp.Message, nil
}

// CreateConversation opens a conversation between two users. The server
// returns the existing conversation if one already exists for the pair.
func (s *ChatService) CreateConversation(ctx context.Context, senderID, receiverID string) (*Conversation, error) {
	body := map[string]string{"senderId": senderID, "receiverId": receiverID}
	data, err := s.client.doRequest(ctx, "POST", "/chat/conversation", body, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[conversationResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Conversation == nil {
		return nil, fmt.Errorf("create response carried no conversation")
	}
	return resp.Conversation, nil
}

// ============================================================================
// Users API
// ============================================================================

// UsersService lists platform users, used when starting a new conversation.
type UsersService struct{ client *Client }

// List returns all users visible to the authenticated session.
func (s *UsersService) List(ctx context.Context) ([]ChatUser, error) {
	data, err := s.client.doRequest(ctx, "GET", "/users", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[usersResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Users, nil
}
