// Package ripple provides the official Go SDK for the Ripple chat platform.
//
// The SDK centers on the per-chat synchronization core: a ChatSession owns
// one live stream connection, merges server history, live events and
// optimistic local sends into a single ordered Timeline, and feeds
// presence and typing signals into a shared PresenceStore.
//
// Example:
//
//	client := ripple.NewClient()
//	presence := ripple.NewPresenceStore()
//	creds := &ripple.StaticCredentials{SessionToken: token, CurrentUserID: userID}
//
//	session := client.NewSession("chat-42", creds, presence, nil)
//	if err := session.Start(ctx); err != nil {
//		// transient; the session keeps retrying on its own
//	}
//	defer session.Stop()
//
//	token, err := session.SendText("hello")
package ripple

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.ripple.chat"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Credentials
// ============================================================================

// CredentialSource supplies the current session token and user identity.
// Both calls must be synchronous and cheap; an empty token is a recoverable
// condition (the session retries), not a fatal error.
type CredentialSource interface {
	Token() string
	UserID() string
}

// StaticCredentials is a fixed-value CredentialSource.
type StaticCredentials struct {
	SessionToken  string
	CurrentUserID string
}

func (c *StaticCredentials) Token() string  { return c.SessionToken }
func (c *StaticCredentials) UserID() string { return c.CurrentUserID }

// ============================================================================
// Client
// ============================================================================

// Client is the entry point for the Ripple API: history fetches over HTTP
// and ChatSession construction for the live stream.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger installs a logger for diagnostics (dropped frames, reconnect
// attempts). The default is a no-op logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Ripple client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// History fetches the chat's message history. The server returns the array
// already ordered; the result is passed through as-is.
func (c *Client) History(ctx context.Context, chatID, token string) ([]HistoryRecord, error) {
	u := c.baseURL + "/api/chats/" + url.PathEscape(chatID) + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read history response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("history request failed: HTTP %d", resp.StatusCode)
	}

	var records []HistoryRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return records, nil
}

// wsURL returns the chat-scoped stream endpoint for chatID.
func (c *Client) wsURL(chatID, token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + "/ws/chats/" + url.PathEscape(chatID)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}
