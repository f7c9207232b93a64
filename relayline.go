// Package relayline implements the client-side message synchronization and
// reconciliation engine for the Relayline chat service.
//
// The engine keeps a per-conversation, in-memory message log consistent
// across an initial history fetch, an unreliable bidirectional event stream,
// locally-originated optimistic sends, and asynchronous delivery/read
// acknowledgements, while the underlying transport connection may drop,
// re-authenticate, and reconnect at any time.
//
// Example:
//
//	client := relayline.NewClient("https://chat.example.com",
//		relayline.WithToken(token))
//
//	session := relayline.NewSession(client.BaseURL(), &relayline.SessionConfig{
//		TokenSource:      client.TokenSource(),
//		AutoReconnect:    true,
//		OnSessionExpired: logout,
//	})
//
//	engine := relayline.NewEngine(session, client, &relayline.EngineConfig{SelfID: me.ID})
//	engine.Bind(ctx)
//	session.Connect(ctx)
//	engine.ActivateConversation(ctx, conversationID)
//	engine.SendMessage(ctx, conversationID, "hello")
package relayline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds each HTTP request made by the Client.
const DefaultTimeout = 30 * time.Second

// refreshLeeway is how close to expiry a token may get before the token
// source refreshes it ahead of use.
const refreshLeeway = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP API client: credential exchange, conversation listing,
// and message history fetches. The realtime stream is the Session's concern.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithToken sets the initial access token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current access token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken replaces the access token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	data, apiErr, err := c.doOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		// Stale access token: refresh once and retry the original request,
		// mirroring the interceptor behavior on the HTTP side.
		if apiErr.Code == "InvalidAccessToken" {
			if _, rerr := c.RefreshAccessToken(ctx); rerr != nil {
				return nil, fmt.Errorf("refresh access token: %w", rerr)
			}
			data, apiErr, err = c.doOnce(ctx, method, path, body)
			if err != nil {
				return nil, err
			}
			if apiErr == nil {
				return data, nil
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}) ([]byte, *APIError, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr = &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: string(data)}
		}
		return nil, apiErr, nil
	}
	return data, nil, nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for an access token and installs it on the
// client.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, "POST", "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	c.SetToken(result.AccessToken)
	return result, nil
}

// RefreshAccessToken obtains a new access token using the durable credential
// held by the HTTP client (cookie jar) and installs it.
func (c *Client) RefreshAccessToken(ctx context.Context) (string, error) {
	data, apiErr, err := c.doOnce(ctx, "GET", "/auth/refresh", nil)
	if err != nil {
		return "", err
	}
	if apiErr != nil {
		return "", apiErr
	}
	result, err := decodeJSON[LoginResult](data)
	if err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	c.SetToken(result.AccessToken)
	return result.AccessToken, nil
}

// Profile fetches the authenticated user's profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	data, err := c.doRequest(ctx, "GET", "/users/profile", nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Profile](data)
}

// ============================================================================
// Conversations & history
// ============================================================================

// FetchHistory fetches the full message history for a conversation from the
// durable store.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]*Message, error) {
	data, err := c.doRequest(ctx, "GET", "/messages/conversation/"+conversationID, nil)
	if err != nil {
		return nil, err
	}
	var messages []*Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return messages, nil
}

// ListConversations fetches the user's conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]*Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/conversations", nil)
	if err != nil {
		return nil, err
	}
	var conversations []*Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return conversations, nil
}

// ============================================================================
// TokenSource
// ============================================================================

// TokenSource returns a TokenSource backed by this client's refresh
// endpoint. Token refreshes proactively when the current JWT is within a few
// seconds of expiry.
func (c *Client) TokenSource() TokenSource {
	return &clientTokenSource{client: c}
}

type clientTokenSource struct {
	client *Client
}

func (ts *clientTokenSource) Token(ctx context.Context) (string, error) {
	tok := ts.client.Token()
	if tok == "" || tokenExpired(tok, refreshLeeway) {
		return ts.Refresh(ctx)
	}
	return tok, nil
}

func (ts *clientTokenSource) Refresh(ctx context.Context) (string, error) {
	return ts.client.RefreshAccessToken(ctx)
}
