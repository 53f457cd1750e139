package server

import (
	"encoding/json"

	"agentstage/internal/domain"
	"agentstage/internal/responder"
)

// Request payloads

type CreateAgentRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type CreateDraftRequest struct {
	Config map[string]any `json:"config"`
}

type EditDraftRequest struct {
	Config map[string]any `json:"config"`
}

type IssueLinkRequest struct {
	ExpirationHours  *int    `json:"expiration_hours,omitempty" minimum:"1"`
	MaxConversations *int    `json:"max_conversations,omitempty" minimum:"1"`
	Password         *string `json:"password,omitempty"`
	IncludeFeedback  bool    `json:"include_feedback,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type StartConversationRequest struct {
	Password *string `json:"password,omitempty"`
}

type PostMessageRequest struct {
	Message string              `json:"message"`
	History []responder.Message `json:"history,omitempty"`
}

type SubmitFeedbackRequest struct {
	Name   *string `json:"name,omitempty"`
	Email  *string `json:"email,omitempty" format:"email"`
	Rating *int    `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Text   *string `json:"text,omitempty"`
}

// Response payloads

type AgentResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	CreatedBy   string `json:"created_by"`
}

type VersionResponse struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	VersionNumber int            `json:"version_number"`
	Status        string         `json:"status" enum:"draft,production,archived"`
	Config        map[string]any `json:"config,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	CreatedBy     string         `json:"created_by"`
	PublishedAt   *string        `json:"published_at,omitempty" format:"date-time"`
	PublishedBy   *string        `json:"published_by,omitempty"`
}

type LinkResponse struct {
	ID                string  `json:"id"`
	Token             string  `json:"token"`
	URL               string  `json:"url"`
	AgentVersionID    string  `json:"agent_version_id"`
	ExpiresAt         string  `json:"expires_at" format:"date-time"`
	PasswordRequired  bool    `json:"password_required"`
	MaxConversations  int     `json:"max_conversations"`
	ConversationCount int     `json:"conversation_count"`
	IncludeFeedback   bool    `json:"include_feedback"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	CreatedBy         string  `json:"created_by"`
	LastAccessedAt    *string `json:"last_accessed_at,omitempty" format:"date-time"`
	RevokedAt         *string `json:"revoked_at,omitempty" format:"date-time"`
}

// IssuedLinkResponse is the only place the plaintext password ever appears.
type IssuedLinkResponse struct {
	LinkResponse
	Password string `json:"password,omitempty"`
}

type FeedbackResponse struct {
	ID        string  `json:"id"`
	LinkID    string  `json:"link_id"`
	Name      *string `json:"name,omitempty"`
	Email     *string `json:"email,omitempty"`
	Rating    *int    `json:"rating,omitempty"`
	Text      *string `json:"text,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	AgentID    string         `json:"agent_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PreviewMetaResponse is the reviewer-facing view of a link. It carries no
// identifiers beyond the agent name and nothing about the link's owner.
type PreviewMetaResponse struct {
	AgentName              string `json:"agent_name"`
	AgentDescription       string `json:"agent_description,omitempty"`
	PasswordRequired       bool   `json:"password_required"`
	IncludeFeedback        bool   `json:"include_feedback"`
	ExpiresAt              string `json:"expires_at" format:"date-time"`
	ConversationsRemaining int    `json:"conversations_remaining"`
}

type ConversationResponse struct {
	ID            string  `json:"id"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	MessageCount  int     `json:"message_count"`
	LastMessageAt *string `json:"last_message_at,omitempty" format:"date-time"`
}

type MessageResponse struct {
	Reply string `json:"reply"`
}

// Mapping helpers

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		CreatedAt:   a.CreatedAt,
		CreatedBy:   a.CreatedBy,
	}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func versionResponse(v domain.AgentVersion) VersionResponse {
	out := VersionResponse{
		ID:            v.ID,
		AgentID:       v.AgentID,
		VersionNumber: v.VersionNumber,
		Status:        v.Status,
		CreatedAt:     v.CreatedAt,
		CreatedBy:     v.CreatedBy,
		PublishedAt:   v.PublishedAt,
		PublishedBy:   v.PublishedBy,
	}
	if v.ConfigJSON != "" {
		_ = json.Unmarshal([]byte(v.ConfigJSON), &out.Config)
	}
	return out
}

func mapVersions(items []domain.AgentVersion) []VersionResponse {
	res := make([]VersionResponse, 0, len(items))
	for _, v := range items {
		res = append(res, versionResponse(v))
	}
	return res
}

func linkResponse(l domain.PreviewLink, url string) LinkResponse {
	return LinkResponse{
		ID:                l.ID,
		Token:             l.Token,
		URL:               url,
		AgentVersionID:    l.AgentVersionID,
		ExpiresAt:         l.ExpiresAt,
		PasswordRequired:  l.PasswordRequired(),
		MaxConversations:  l.MaxConversations,
		ConversationCount: l.ConversationCount,
		IncludeFeedback:   l.IncludeFeedback,
		CreatedAt:         l.CreatedAt,
		CreatedBy:         l.CreatedBy,
		LastAccessedAt:    l.LastAccessedAt,
		RevokedAt:         l.RevokedAt,
	}
}

func feedbackResponse(f domain.FeedbackEntry) FeedbackResponse {
	return FeedbackResponse{
		ID:        f.ID,
		LinkID:    f.PreviewLinkID,
		Name:      f.Name,
		Email:     f.Email,
		Rating:    f.Rating,
		Text:      f.Text,
		CreatedAt: f.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		AgentID:    e.AgentID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &out.Payload)
	}
	return out
}

func conversationResponse(c domain.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:            c.ID,
		CreatedAt:     c.CreatedAt,
		MessageCount:  c.MessageCount,
		LastMessageAt: c.LastMessageAt,
	}
}
