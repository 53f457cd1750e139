package domain

type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	CreatedBy   string `json:"created_by"`
}

type AgentVersion struct {
	ID            string  `json:"id"`
	AgentID       string  `json:"agent_id"`
	VersionNumber int     `json:"version_number"`
	Status        string  `json:"status" enum:"draft,production,archived"`
	ConfigJSON    string  `json:"config_json"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	CreatedBy     string  `json:"created_by"`
	PublishedAt   *string `json:"published_at,omitempty" format:"date-time"`
	PublishedBy   *string `json:"published_by,omitempty"`
}

const (
	VersionDraft      = "draft"
	VersionProduction = "production"
	VersionArchived   = "archived"
)

type PreviewLink struct {
	ID                string  `json:"id"`
	Token             string  `json:"token"`
	AgentVersionID    string  `json:"agent_version_id"`
	ExpiresAt         string  `json:"expires_at" format:"date-time"`
	PasswordHash      *string `json:"-"`
	MaxConversations  int     `json:"max_conversations"`
	ConversationCount int     `json:"conversation_count"`
	IncludeFeedback   bool    `json:"include_feedback"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	CreatedBy         string  `json:"created_by"`
	LastAccessedAt    *string `json:"last_accessed_at,omitempty" format:"date-time"`
	RevokedAt         *string `json:"revoked_at,omitempty" format:"date-time"`
}

// PasswordRequired reports whether the link is password gated. The hash
// itself never leaves the repo/engine layers.
func (l PreviewLink) PasswordRequired() bool {
	return l.PasswordHash != nil && *l.PasswordHash != ""
}

type Conversation struct {
	ID            string  `json:"id"`
	PreviewLinkID string  `json:"preview_link_id"`
	ConfigJSON    string  `json:"-"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	MessageCount  int     `json:"message_count"`
	LastMessageAt *string `json:"last_message_at,omitempty" format:"date-time"`
}

type FeedbackEntry struct {
	ID            string  `json:"id"`
	PreviewLinkID string  `json:"preview_link_id"`
	Name          *string `json:"name,omitempty"`
	Email         *string `json:"email,omitempty"`
	Rating        *int    `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Text          *string `json:"text,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
