package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentstage/internal/domain"
	"agentstage/internal/events"
)

type FeedbackInput struct {
	Name   string
	Email  string
	Rating int
	Text   string
}

// SubmitFeedback records preview feedback against a link. The link must have
// been issued with feedback enabled and must still be active; feedback is the
// reviewer's channel, so a dead link closes it along with conversations.
func (e Engine) SubmitFeedback(ctx context.Context, token string, in FeedbackInput) (domain.FeedbackEntry, error) {
	if in.Rating == 0 && in.Text == "" {
		return domain.FeedbackEntry{}, ValidationError{Msg: "feedback needs a rating or text"}
	}
	if in.Rating != 0 && (in.Rating < 1 || in.Rating > 5) {
		return domain.FeedbackEntry{}, ValidationError{Msg: "rating must be between 1 and 5"}
	}
	l, v, err := e.ResolveLink(ctx, token)
	if err != nil {
		return domain.FeedbackEntry{}, err
	}
	if err := e.checkLinkActive(l); err != nil {
		return domain.FeedbackEntry{}, err
	}
	// An exhausted quota ends the link's life for feedback too, matching the
	// conversation gate.
	if l.ConversationCount >= l.MaxConversations {
		return domain.FeedbackEntry{}, QuotaExceededError{}
	}
	if !l.IncludeFeedback {
		return domain.FeedbackEntry{}, ForbiddenError{Msg: "feedback is not enabled for this preview"}
	}

	f := domain.FeedbackEntry{
		ID:            uuid.New().String(),
		PreviewLinkID: l.ID,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if in.Name != "" {
		f.Name = &in.Name
	}
	if in.Email != "" {
		f.Email = &in.Email
	}
	if in.Rating != 0 {
		r := in.Rating
		f.Rating = &r
	}
	if in.Text != "" {
		f.Text = &in.Text
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FeedbackEntry{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFeedback(ctx, tx, f); err != nil {
		return domain.FeedbackEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "feedback.submitted", v.AgentID, "feedback", f.ID, "", events.EventPayload{
		"preview_link_id": l.ID,
		"has_rating":      f.Rating != nil,
	}); err != nil {
		return domain.FeedbackEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FeedbackEntry{}, err
	}
	return f, nil
}

// FeedbackForLink lists feedback entries for a link, newest first.
func (e Engine) FeedbackForLink(ctx context.Context, linkID string) ([]domain.FeedbackEntry, error) {
	if _, err := e.Repo.GetLink(ctx, linkID); err != nil {
		return nil, err
	}
	return e.Repo.ListFeedback(ctx, linkID)
}
