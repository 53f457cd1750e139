package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentstage/internal/engine"
	"agentstage/internal/repo"
)

// previewError renders errors for the public surface. An unknown token and a
// wrong password produce byte-identical 404s so the endpoint cannot be used
// to probe which tokens exist.
func previewError(err error) huma.StatusError {
	if errors.Is(err, repo.ErrNotFound) || errors.As(err, &engine.UnauthorizedError{}) {
		return newAPIError(http.StatusNotFound, "not_found", "preview not found", nil)
	}
	return handleError(err)
}

func registerPreview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "preview-meta",
		Method:      http.MethodGet,
		Path:        "/{token}",
		Summary:     "Preview metadata",
		Tags:        []string{"preview"},
		Errors: []int{
			http.StatusNotFound,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body PreviewMetaResponse `json:"body"`
	}, error) {
		l, v, err := e.PreviewMeta(ctx, input.Token)
		if err != nil {
			return nil, previewError(err)
		}
		a, err := e.Repo.GetAgent(ctx, v.AgentID)
		if err != nil {
			return nil, previewError(err)
		}
		remaining := l.MaxConversations - l.ConversationCount
		if remaining < 0 {
			remaining = 0
		}
		return &struct {
			Body PreviewMetaResponse `json:"body"`
		}{Body: PreviewMetaResponse{
			AgentName:              a.Name,
			AgentDescription:       a.Description,
			PasswordRequired:       l.PasswordRequired(),
			IncludeFeedback:        l.IncludeFeedback,
			ExpiresAt:              l.ExpiresAt,
			ConversationsRemaining: remaining,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-preview-conversation",
		Method:        http.MethodPost,
		Path:          "/{token}/conversations",
		Summary:       "Start preview conversation",
		Tags:          []string{"preview"},
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusGone,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Token string                   `path:"token"`
		Body  StartConversationRequest `json:"body"`
	}) (*struct {
		Body ConversationResponse `json:"body"`
	}, error) {
		password := ""
		if input.Body.Password != nil {
			password = *input.Body.Password
		}
		c, err := e.StartConversation(ctx, input.Token, password)
		if err != nil {
			return nil, previewError(err)
		}
		return &struct {
			Body ConversationResponse `json:"body"`
		}{Body: conversationResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-preview-message",
		Method:      http.MethodPost,
		Path:        "/{token}/conversations/{conversation_id}/messages",
		Summary:     "Send preview message",
		Tags:        []string{"preview"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Token          string             `path:"token"`
		ConversationID string             `path:"conversation_id"`
		Body           PostMessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		reply, err := e.PostMessage(ctx, input.Token, input.ConversationID, input.Body.History, input.Body.Message)
		if err != nil {
			return nil, previewError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Reply: reply}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-preview-feedback",
		Method:        http.MethodPost,
		Path:          "/{token}/feedback",
		Summary:       "Submit preview feedback",
		Tags:          []string{"preview"},
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		Token string                `path:"token"`
		Body  SubmitFeedbackRequest `json:"body"`
	}) (*struct {
		Body FeedbackResponse `json:"body"`
	}, error) {
		in := engine.FeedbackInput{}
		if input.Body.Name != nil {
			in.Name = *input.Body.Name
		}
		if input.Body.Email != nil {
			in.Email = *input.Body.Email
		}
		if input.Body.Rating != nil {
			in.Rating = *input.Body.Rating
		}
		if input.Body.Text != nil {
			in.Text = *input.Body.Text
		}
		f, err := e.SubmitFeedback(ctx, input.Token, in)
		if err != nil {
			return nil, previewError(err)
		}
		return &struct {
			Body FeedbackResponse `json:"body"`
		}{Body: feedbackResponse(f)}, nil
	})
}
