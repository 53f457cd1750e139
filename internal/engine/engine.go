package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentstage/internal/config"
	"agentstage/internal/domain"
	"agentstage/internal/events"
	"agentstage/internal/repo"
	"agentstage/internal/responder"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Responder responder.Client
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func validateConfigJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return ValidationError{Msg: fmt.Sprintf("config is not valid JSON: %v", err)}
	}
	return nil
}

// CreateAgent registers a new agent with no versions yet.
func (e Engine) CreateAgent(ctx context.Context, name, description, actorID string) (domain.Agent, error) {
	if name == "" {
		return domain.Agent{}, ValidationError{Msg: "name is required"}
	}
	a := domain.Agent{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
		CreatedBy:   actorID,
	}
	if err := e.Repo.InsertAgent(ctx, a); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// CreateDraft opens a new working copy for the agent. Version numbers are
// assigned inside the transaction so the sequence stays gapless, and the
// one-draft-per-agent index turns a concurrent duplicate into a conflict.
func (e Engine) CreateDraft(ctx context.Context, agentID, configJSON, actorID string) (domain.AgentVersion, error) {
	if err := validateConfigJSON(configJSON); err != nil {
		return domain.AgentVersion{}, err
	}
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.AgentVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	defer tx.Rollback()

	next, err := e.Repo.NextVersionNumber(ctx, tx, agentID)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	v := domain.AgentVersion{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		VersionNumber: next,
		Status:        domain.VersionDraft,
		ConfigJSON:    configJSON,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
		CreatedBy:     actorID,
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		if repo.IsUniqueViolation(err, "agent_versions.agent_id") {
			return domain.AgentVersion{}, ConflictError{Msg: "agent already has a draft; edit or discard it first"}
		}
		return domain.AgentVersion{}, err
	}
	if err := e.Events.Append(ctx, tx, "version.draft.created", agentID, "version", v.ID, actorID, events.EventPayload{
		"version_number": v.VersionNumber,
	}); err != nil {
		return domain.AgentVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentVersion{}, err
	}
	return v, nil
}

// EditDraft replaces a draft's config in place. Identity and version number
// never change; this is the only mutation a non-terminal version undergoes.
func (e Engine) EditDraft(ctx context.Context, versionID, configJSON, actorID string) (domain.AgentVersion, error) {
	if err := validateConfigJSON(configJSON); err != nil {
		return domain.AgentVersion{}, err
	}
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdateDraftConfig(ctx, tx, versionID, configJSON)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	if !ok {
		return domain.AgentVersion{}, InvalidStateError{Op: "edit", Status: v.Status}
	}
	if err := e.Events.Append(ctx, tx, "version.draft.edited", v.AgentID, "version", v.ID, actorID, nil); err != nil {
		return domain.AgentVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentVersion{}, err
	}
	v.ConfigJSON = configJSON
	return v, nil
}

// Publish promotes a draft to production, archiving the previous production
// version in the same transaction. Both conditional updates are guarded on
// the status observed at transaction start; a rows-affected mismatch means a
// concurrent publish won, and the whole transaction rolls back.
func (e Engine) Publish(ctx context.Context, versionID, actorID string) (domain.AgentVersion, error) {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	if v.Status != domain.VersionDraft {
		return domain.AgentVersion{}, InvalidStateError{Op: "publish", Status: v.Status}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	defer tx.Rollback()

	previous, err := e.Repo.VersionByStatusTx(ctx, tx, v.AgentID, domain.VersionProduction)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.AgentVersion{}, err
	}
	if err == nil {
		archived, err := e.Repo.ArchiveProduction(ctx, tx, previous.ID)
		if err != nil {
			return domain.AgentVersion{}, err
		}
		if !archived {
			return domain.AgentVersion{}, ConflictError{Msg: "concurrent publish in progress; retry"}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	promoted, err := e.Repo.PromoteDraft(ctx, tx, v.ID, now, actorID)
	if err != nil {
		if repo.IsUniqueViolation(err, "agent_versions.agent_id") {
			return domain.AgentVersion{}, ConflictError{Msg: "concurrent publish in progress; retry"}
		}
		return domain.AgentVersion{}, err
	}
	if !promoted {
		return domain.AgentVersion{}, ConflictError{Msg: "concurrent publish in progress; retry"}
	}
	payload := events.EventPayload{"version_number": v.VersionNumber}
	if previous.ID != "" {
		payload["archived_version_id"] = previous.ID
	}
	if err := e.Events.Append(ctx, tx, "version.published", v.AgentID, "version", v.ID, actorID, payload); err != nil {
		return domain.AgentVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentVersion{}, err
	}
	v.Status = domain.VersionProduction
	v.PublishedAt = &now
	v.PublishedBy = &actorID
	return v, nil
}

// Rollback seeds a fresh draft from an old version's config. History is
// never resurrected or mutated; the new draft still has to go through
// Publish to take effect.
func (e Engine) Rollback(ctx context.Context, targetVersionID, actorID string) (domain.AgentVersion, error) {
	target, err := e.Repo.GetVersion(ctx, targetVersionID)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	// Drafts are mutable and not meaningful rollback points.
	if target.Status == domain.VersionDraft {
		return domain.AgentVersion{}, InvalidStateError{Op: "rollback", Status: target.Status}
	}
	if _, err := e.Repo.VersionByStatus(ctx, target.AgentID, domain.VersionDraft); err == nil {
		return domain.AgentVersion{}, InvalidStateError{Op: "rollback", Status: "agent with existing draft"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.AgentVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	defer tx.Rollback()

	next, err := e.Repo.NextVersionNumber(ctx, tx, target.AgentID)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	v := domain.AgentVersion{
		ID:            uuid.New().String(),
		AgentID:       target.AgentID,
		VersionNumber: next,
		Status:        domain.VersionDraft,
		ConfigJSON:    target.ConfigJSON,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
		CreatedBy:     actorID,
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		if repo.IsUniqueViolation(err, "agent_versions.agent_id") {
			return domain.AgentVersion{}, ConflictError{Msg: "agent already has a draft; edit or discard it first"}
		}
		return domain.AgentVersion{}, err
	}
	if err := e.Events.Append(ctx, tx, "version.rollback", v.AgentID, "version", v.ID, actorID, events.EventPayload{
		"source_version_id":     target.ID,
		"source_version_number": target.VersionNumber,
		"version_number":        v.VersionNumber,
	}); err != nil {
		return domain.AgentVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentVersion{}, err
	}
	return v, nil
}

// DeleteDraft discards a draft. Production and archived versions are
// permanent history and cannot be deleted.
func (e Engine) DeleteDraft(ctx context.Context, versionID, actorID string) error {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.DeleteDraft(ctx, tx, versionID)
	if err != nil {
		return err
	}
	if !ok {
		return InvalidStateError{Op: "delete", Status: v.Status}
	}
	if err := e.Events.Append(ctx, tx, "version.draft.deleted", v.AgentID, "version", v.ID, actorID, events.EventPayload{
		"version_number": v.VersionNumber,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
