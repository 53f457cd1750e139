package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"agentstage/internal/domain"
	"agentstage/internal/events"
	"agentstage/internal/repo"
	"agentstage/internal/responder"
)

// StartConversation opens a preview conversation against a link, freezing
// the version's config into the conversation row. The quota is enforced by a
// compare-and-increment on the link row, so concurrent starts cannot push
// conversation_count past max_conversations.
func (e Engine) StartConversation(ctx context.Context, token, password string) (domain.Conversation, error) {
	l, v, err := e.AuthorizeLink(ctx, token, password)
	if err != nil {
		return domain.Conversation{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ConsumeConversationSlot(ctx, tx, l.ID, now)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !ok {
		// The claim fails when the quota filled or the link was revoked
		// between the gate check and this update. Re-read inside the
		// transaction to report the right one.
		fresh, err := e.Repo.GetLinkTx(ctx, tx, l.ID)
		if err != nil {
			return domain.Conversation{}, err
		}
		if fresh.RevokedAt != nil {
			return domain.Conversation{}, RevokedError{}
		}
		return domain.Conversation{}, QuotaExceededError{}
	}
	c := domain.Conversation{
		ID:            uuid.New().String(),
		PreviewLinkID: l.ID,
		ConfigJSON:    v.ConfigJSON,
		CreatedAt:     now,
	}
	if err := e.Repo.InsertConversation(ctx, tx, c); err != nil {
		return domain.Conversation{}, err
	}
	if err := e.Events.Append(ctx, tx, "conversation.started", v.AgentID, "conversation", c.ID, "", events.EventPayload{
		"preview_link_id":  l.ID,
		"agent_version_id": v.ID,
	}); err != nil {
		return domain.Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}

// PostMessage relays one user message to the responder using the config
// frozen at conversation start. A conversation already open keeps working
// even if its link has since expired or been revoked; only new conversations
// are gated.
func (e Engine) PostMessage(ctx context.Context, token, conversationID string, history []responder.Message, message string) (string, error) {
	if message == "" {
		return "", ValidationError{Msg: "message is required"}
	}
	l, err := e.Repo.GetLinkByToken(ctx, token)
	if err != nil {
		return "", err
	}
	c, err := e.Repo.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	// A conversation is only addressable through the link that opened it.
	if c.PreviewLinkID != l.ID {
		return "", repo.ErrNotFound
	}
	if e.Responder == nil {
		return "", errors.New("no responder configured")
	}
	reply, err := e.Responder.Reply(ctx, c.ConfigJSON, history, message)
	if err != nil {
		return "", err
	}
	if err := e.Repo.TouchConversation(ctx, conversationID, e.now().UTC().Format(time.RFC3339)); err != nil {
		return "", err
	}
	return reply, nil
}
