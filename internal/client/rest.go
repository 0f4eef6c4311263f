package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"quadchat/internal/models"
)

// REST is the authenticated HTTP client for the broker's REST surface. It
// is the history/fallback path next to the live transport.
type REST struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func NewREST(baseURL, token string) *REST {
	return &REST{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		token:      token,
	}
}

// ClearToken drops the bearer token; subsequent calls behave logged-out.
func (c *REST) ClearToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

func (c *REST) getToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *REST) do(ctx context.Context, method, path string, body any, out any) error {
	token := c.getToken()
	if token == "" {
		return models.ErrUnauthorized
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return models.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Conversations fetches the caller's conversation directory.
func (c *REST) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// History fetches the full message history with one peer.
func (c *REST) History(ctx context.Context, peerID string) ([]models.Message, error) {
	var messages []models.Message
	path := "/api/messages/" + url.PathEscape(peerID)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Send posts a message over the HTTP fallback path and returns the
// confirmed message.
func (c *REST) Send(ctx context.Context, req models.SendMessage) (models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/send", req, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// MarkRead clears the unread state for the conversation with peerID.
func (c *REST) MarkRead(ctx context.Context, peerID string) error {
	return c.do(ctx, http.MethodPatch, "/api/read/"+url.PathEscape(peerID), nil, nil)
}

// UnreadCount returns the total unread count across conversations,
// defaulting to 0 on failure.
func (c *REST) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
