// Package api provides an HTTP client for the chatd REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/chatsync/internal/domain"
)

// UserIDHeader carries the caller identity.
const UserIDHeader = "X-User-ID"

// Client is an HTTP client for the chatd REST API, bound to one user.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates a new REST client.
func NewClient(baseURL, userID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SendRequest represents a fallback send.
type SendRequest struct {
	To           string      `json:"to"`
	Content      string      `json:"content,omitempty"`
	MediaRef     string      `json:"media_ref,omitempty"`
	Kind         domain.Kind `json:"kind"`
	ClientTempID string      `json:"client_temp_id,omitempty"`
}

// ErrorResponse represents an error response from chatd.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chatd returned status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chatd returned status %d: %s", e.Status, e.Message)
}

// FetchUnread calls GET /v1/messages/unread and returns the unread message
// ids per sender.
func (c *Client) FetchUnread(ctx context.Context) (map[string][]string, error) {
	var resp struct {
		UnreadIDs map[string][]string `json:"unread_ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/messages/unread", nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: unread snapshot: %w", domain.ErrFetchFailed, err)
	}
	if resp.UnreadIDs == nil {
		resp.UnreadIDs = map[string][]string{}
	}
	return resp.UnreadIDs, nil
}

// FetchLog calls GET /v1/messages/:user_id.
func (c *Client) FetchLog(ctx context.Context, counterparty string) ([]domain.Message, error) {
	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(counterparty), nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: conversation with %s: %w", domain.ErrFetchFailed, counterparty, err)
	}
	return resp.Messages, nil
}

// Send calls POST /v1/messages/send. A response from chatd refusing the
// message wraps domain.ErrSendRejected; failing to reach chatd at all wraps
// domain.ErrTransportUnavailable.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*domain.Message, error) {
	var resp struct {
		Message domain.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages/send", req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %w", domain.ErrSendRejected, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)
	}
	return &resp.Message, nil
}

// MarkRead calls PUT /v1/messages/read/:user_id and returns the ids that flipped.
func (c *Client) MarkRead(ctx context.Context, counterparty string) ([]string, error) {
	var resp struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := c.do(ctx, http.MethodPut, "/v1/messages/read/"+url.PathEscape(counterparty), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	return resp.MessageIDs, nil
}

// Clear calls DELETE /v1/messages/clear/:user_id.
func (c *Client) Clear(ctx context.Context, counterparty string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/messages/clear/"+url.PathEscape(counterparty), nil, nil); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

// Edit calls PUT /v1/messages/:message_id.
func (c *Client) Edit(ctx context.Context, messageID, content string) (*domain.Message, error) {
	var resp struct {
		Message domain.Message `json:"message"`
	}
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPut, "/v1/messages/"+url.PathEscape(messageID), body, &resp); err != nil {
		return nil, fmt.Errorf("failed to edit message: %w", err)
	}
	return &resp.Message, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(UserIDHeader, c.userID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call chatd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
