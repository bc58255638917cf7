// Package chatsync keeps a consistent local view of one-to-one chat
// conversations on top of a push-style remote chat provider.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("https://chat.example.com"))
//	engine := chatsync.New(client, chatsync.WithLogger(log))
//	defer engine.Close()
//
//	engine.Login(ctx, "u1")
//	engine.Stream.Subscribe("u2", func(m chatsync.Message) { fmt.Println(m.Body) })
//	engine.Stream.Send(ctx, "u2", "hello")
//
//	ws := client.Realtime().ConnectWS(&chatsync.RealtimeConfig{AutoReconnect: true})
//	ws.Connect(ctx)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// Push event types carried in an Envelope.
const (
	EventTypeAuthenticated = "authenticated"
	EventTypeMessageNew    = "message.new"
	EventTypeMessageRead   = "message.read"
	EventTypeTypingStart   = "typing.start"
	EventTypeTypingStop    = "typing.stop"
	EventTypePong          = "pong"
	EventTypeError         = "error"
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST provider. It implements Provider; push events reach
// its listeners through Deliver, fed by a realtime connection or a webhook.
type Client struct {
	listenerRegistry

	baseURL    string
	agent      string
	httpClient *http.Client
	log        zerolog.Logger

	mu    sync.RWMutex
	token string
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

// WithToken starts the client with a token from a previous login.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithAgent(agent string) ClientOption {
	return func(c *Client) { c.agent = agent }
}

func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a provider client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the provider base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime returns the push connection factory.
func (c *Client) Realtime() *RealtimeFactory {
	return &RealtimeFactory{client: c}
}

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
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", errors.Join(ErrNetwork, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", errors.Join(ErrNetwork, err))
	}
	if resp.StatusCode >= 500 && len(data) == 0 {
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, ErrNetwork)
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

// do performs a request and unwraps the Result envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "request failed without error detail"}
	}
	if out != nil {
		if err := res.Decode(out); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return res, nil
}

// ============================================================================
// Provider
// ============================================================================

type loginResponse struct {
	Token string   `json:"token"`
	User  Identity `json:"user"`
}

func (c *Client) Login(ctx context.Context, userID string) (*Identity, error) {
	var out loginResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{"uid": userID}, nil, &out); err != nil {
		return nil, err
	}
	if out.Token != "" {
		c.SetToken(out.Token)
	}
	if out.User.ID == "" {
		out.User.ID = userID
	}
	return &out.User, nil
}

func (c *Client) CreateUser(ctx context.Context, user Identity) (*Identity, error) {
	var out Identity
	if _, err := c.do(ctx, http.MethodPost, "/api/users", user, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) (*Message, error) {
	var out Message
	path := "/api/users/" + url.PathEscape(msg.ReceiverID) + "/messages"
	if _, err := c.do(ctx, http.MethodPost, path, msg, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var out []Message
	path := "/api/users/" + url.PathEscape(conversationID) + "/messages"
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if _, err := c.do(ctx, http.MethodGet, path, nil, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchConversations(ctx context.Context, cursor string, limit int) (*ConversationPage, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if cursor != "" {
		query["cursor"] = cursor
	}
	var convs []Conversation
	res, err := c.do(ctx, http.MethodGet, "/api/conversations", nil, query, &convs)
	if err != nil {
		return nil, err
	}
	page := &ConversationPage{Conversations: convs}
	if res.Meta != nil {
		if next, ok := res.Meta["nextCursor"].(string); ok {
			page.NextCursor = next
		}
		if more, ok := res.Meta["hasMore"].(bool); ok {
			page.HasMore = more
		}
	}
	return page, nil
}

func (c *Client) MarkAsRead(ctx context.Context, messageID, conversationID string) error {
	path := "/api/messages/" + url.PathEscape(messageID) + "/read"
	_, err := c.do(ctx, http.MethodPost, path, map[string]string{"conversationId": conversationID}, nil, nil)
	return err
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	_, err := c.do(ctx, http.MethodPost, path, nil, nil, nil)
	return err
}

func (c *Client) StartTyping(ctx context.Context, conversationID string) error {
	return c.typing(ctx, conversationID, true)
}

func (c *Client) EndTyping(ctx context.Context, conversationID string) error {
	return c.typing(ctx, conversationID, false)
}

func (c *Client) typing(ctx context.Context, conversationID string, typing bool) error {
	path := "/api/users/" + url.PathEscape(conversationID) + "/typing"
	_, err := c.do(ctx, http.MethodPost, path, map[string]bool{"isTyping": typing}, nil, nil)
	return err
}

// Me returns the identity the current token belongs to.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var out Identity
	if _, err := c.do(ctx, http.MethodGet, "/api/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Push ingress
// ============================================================================

// Envelope is the wire format of every push event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Deliver decodes a push envelope and fans it out to the registered
// listeners. Unknown event types are ignored.
func (c *Client) Deliver(env Envelope) error {
	switch env.Type {
	case EventTypeMessageNew:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		c.emitMessage(m)
	case EventTypeMessageRead:
		var r ReadReceipt
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if r.ReadAt.IsZero() {
			r.ReadAt = now()
		}
		c.emitReceipt(r)
	case EventTypeTypingStart, EventTypeTypingStop:
		var s TypingSignal
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		s.IsTyping = env.Type == EventTypeTypingStart
		c.emitTyping(s)
	default:
		c.log.Debug().Str("type", env.Type).Msg("push event ignored")
	}
	return nil
}

// ============================================================================
// Token expiry
// ============================================================================

// TokenExpiry reads the exp claim of a provider JWT without verifying it;
// the provider verifies, the client only needs to know when to log in again.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
