package agentstagesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Agentstage HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent represents the API agent model.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	CreatedBy   string `json:"created_by"`
}

// Version represents an agent version.
type Version struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	VersionNumber int            `json:"version_number"`
	Status        string         `json:"status"`
	Config        map[string]any `json:"config,omitempty"`
	CreatedAt     string         `json:"created_at"`
	PublishedAt   *string        `json:"published_at,omitempty"`
}

// Link represents a preview link.
type Link struct {
	ID                string  `json:"id"`
	Token             string  `json:"token"`
	URL               string  `json:"url"`
	AgentVersionID    string  `json:"agent_version_id"`
	ExpiresAt         string  `json:"expires_at"`
	PasswordRequired  bool    `json:"password_required"`
	MaxConversations  int     `json:"max_conversations"`
	ConversationCount int     `json:"conversation_count"`
	IncludeFeedback   bool    `json:"include_feedback"`
	RevokedAt         *string `json:"revoked_at,omitempty"`
	Password          string  `json:"password,omitempty"`
}

// Feedback represents a collected feedback entry.
type Feedback struct {
	ID        string  `json:"id"`
	LinkID    string  `json:"link_id"`
	Name      *string `json:"name,omitempty"`
	Rating    *int    `json:"rating,omitempty"`
	Text      *string `json:"text,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAgent registers a new agent.
func (c *Client) CreateAgent(ctx context.Context, name, description string) (Agent, error) {
	body := map[string]any{"name": name}
	if description != "" {
		body["description"] = description
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v1/agents", body, &resp)
	return resp, err
}

// ListAgents returns all agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "v1/agents", nil, &resp)
	return resp, err
}

// CreateDraft opens a draft version for an agent.
func (c *Client) CreateDraft(ctx context.Context, agentID string, config map[string]any) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v1/agents/%s/versions", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"config": config}, &resp)
	return resp, err
}

// EditDraft replaces a draft's config.
func (c *Client) EditDraft(ctx context.Context, versionID string, config map[string]any) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v1/versions/%s", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"config": config}, &resp)
	return resp, err
}

// Publish promotes a draft to production.
func (c *Client) Publish(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v1/versions/%s/publish", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Rollback creates a fresh draft from an older version.
func (c *Client) Rollback(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v1/versions/%s/rollback", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListVersions returns an agent's version history.
func (c *Client) ListVersions(ctx context.Context, agentID string) ([]Version, error) {
	var resp []Version
	endpoint := fmt.Sprintf("v1/agents/%s/versions", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// IssueLinkOptions control preview link issuance. Zero values defer to
// server-side defaults.
type IssueLinkOptions struct {
	ExpirationHours  int
	MaxConversations int
	Password         string
	IncludeFeedback  bool
}

// IssueLink mints a preview link for a version. The returned Password field
// is populated exactly once.
func (c *Client) IssueLink(ctx context.Context, versionID string, opts IssueLinkOptions) (Link, error) {
	body := map[string]any{"include_feedback": opts.IncludeFeedback}
	if opts.ExpirationHours > 0 {
		body["expiration_hours"] = opts.ExpirationHours
	}
	if opts.MaxConversations > 0 {
		body["max_conversations"] = opts.MaxConversations
	}
	if opts.Password != "" {
		body["password"] = opts.Password
	}
	var resp Link
	endpoint := fmt.Sprintf("v1/versions/%s/links", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RevokeLink revokes a preview link.
func (c *Client) RevokeLink(ctx context.Context, linkID string) (Link, error) {
	var resp Link
	endpoint := fmt.Sprintf("v1/links/%s/revoke", url.PathEscape(linkID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListFeedback returns feedback collected through a link.
func (c *Client) ListFeedback(ctx context.Context, linkID string) ([]Feedback, error) {
	var resp []Feedback
	endpoint := fmt.Sprintf("v1/links/%s/feedback", url.PathEscape(linkID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
