package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message is one turn of a preview conversation, oldest first.
type Message struct {
	Role    string `json:"role" enum:"user,assistant"`
	Content string `json:"content"`
}

// Client produces the agent's reply for a preview conversation. The config
// is the version snapshot frozen at conversation start, so edits and
// publishes after that point never leak into an open conversation.
type Client interface {
	Reply(ctx context.Context, configJSON string, history []Message, message string) (string, error)
}

type request struct {
	Config  json.RawMessage `json:"config"`
	History []Message       `json:"history,omitempty"`
	Message string          `json:"message"`
}

type response struct {
	Reply string `json:"reply"`
}

// HTTPClient calls an external responder service over HTTP.
type HTTPClient struct {
	URL     string
	Timeout time.Duration
	HTTP    *http.Client
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{URL: url, Timeout: timeout}
}

func (c *HTTPClient) Reply(ctx context.Context, configJSON string, history []Message, message string) (string, error) {
	body, err := json.Marshal(request{
		Config:  json.RawMessage(configJSON),
		History: history,
		Message: message,
	})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("responder: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("responder: status %d", resp.StatusCode)
	}
	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("responder: decode reply: %w", err)
	}
	return out.Reply, nil
}

// Static returns a canned reply regardless of input. It backs previews when
// no responder URL is configured, and tests.
type Static struct {
	Text string
}

func (s Static) Reply(_ context.Context, _ string, _ []Message, _ string) (string, error) {
	return s.Text, nil
}
