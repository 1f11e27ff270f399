// Package notifier delivers task lifecycle updates to the chat workspace
// and renders the interactive project-selection prompt.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/uesteibar/dispatchd/internal/retry"
)

// Client is a typed chat API client over net/http. It speaks the
// postMessage/update message surface and nothing more.
type Client struct {
	token      string
	httpClient *http.Client
	endpoint   string
	retry      retry.Policy
}

// New creates a chat client.
// Use WithEndpoint to override the default API URL (useful for testing).
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		httpClient: http.DefaultClient,
		endpoint:   "https://slack.com/api",
		retry:      retry.Default,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API base URL.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.retry = retry.Schedule(delays...) }
}

// Message is one outbound chat message. Blocks are optional rich content;
// Text is always set as the fallback rendering.
type Message struct {
	Channel   string  `json:"channel"`
	ThreadTS  string  `json:"thread_ts,omitempty"`
	Text      string  `json:"text"`
	Blocks    []Block `json:"blocks,omitempty"`
	Timestamp string  `json:"ts,omitempty"`
}

// Block is a minimal Block Kit element: a section of text or a row of
// actions holding a select menu.
type Block struct {
	Type     string    `json:"type"`
	Text     *Text     `json:"text,omitempty"`
	BlockID  string    `json:"block_id,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Element is an interactive block element. Only static_select is used.
type Element struct {
	Type        string         `json:"type"`
	ActionID    string         `json:"action_id,omitempty"`
	Placeholder *Text          `json:"placeholder,omitempty"`
	Options     []SelectOption `json:"options,omitempty"`
}

// SelectOption is one entry of a static_select menu. Value carries the
// round-trip selection payload.
type SelectOption struct {
	Text  *Text  `json:"text"`
	Value string `json:"value"`
}

func SectionBlock(text string) Block {
	return Block{Type: "section", Text: &Text{Type: "mrkdwn", Text: text}}
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// PostMessage sends a new message and returns its timestamp, which serves
// as the message's identity for later updates.
func (c *Client) PostMessage(ctx context.Context, msg Message) (string, error) {
	resp, err := c.call(ctx, "chat.postMessage", msg)
	if err != nil {
		return "", fmt.Errorf("posting message: %w", err)
	}
	return resp.TS, nil
}

// UpdateMessage replaces the content of an existing message in place.
// msg.Timestamp identifies the message to replace.
func (c *Client) UpdateMessage(ctx context.Context, msg Message) error {
	if msg.Timestamp == "" {
		return fmt.Errorf("updating message: missing timestamp")
	}
	if _, err := c.call(ctx, "chat.update", msg); err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	return nil
}

// call posts one API method, retrying on transient errors (HTTP 5xx,
// network errors) with backoff.
func (c *Client) call(ctx context.Context, method string, msg Message) (apiResponse, error) {
	return retry.DoVal(ctx, c.retry, func() (apiResponse, error) {
		return c.callOnce(ctx, method, msg)
	})
}

func (c *Client) callOnce(ctx context.Context, method string, msg Message) (apiResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return apiResponse{}, retry.Permanent(fmt.Errorf("marshaling message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+method, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return apiResponse{}, fmt.Errorf("chat API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return apiResponse{}, retry.Permanent(fmt.Errorf("chat API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	var api apiResponse
	if err := json.Unmarshal(respBody, &api); err != nil {
		return apiResponse{}, retry.Permanent(fmt.Errorf("decoding response: %w", err))
	}
	if !api.OK {
		return apiResponse{}, retry.Permanent(fmt.Errorf("chat API error: %s", api.Error))
	}
	return api, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
