package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentstage/internal/domain"
	"agentstage/internal/repo"
)

// CreateAPIKey stores the hash of plaintext and returns the key record. The
// plaintext itself is the caller's to show once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, plaintext string) (domain.APIKey, error) {
	if actorID == "" {
		return domain.APIKey{}, ValidationError{Msg: "actor_id is required"}
	}
	if plaintext == "" {
		return domain.APIKey{}, ValidationError{Msg: "key material is required"}
	}
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}
