package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"agentstage/internal/domain"
	"agentstage/internal/events"
	"agentstage/internal/repo"
)

// tokenBytes yields 256 bits of randomness per token, well past the 128-bit
// floor needed to make collisions negligible at any plausible link volume.
const tokenBytes = 32

const maxTokenAttempts = 5

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type IssueLinkOptions struct {
	AgentVersionID   string
	ExpirationHours  int
	Password         string
	MaxConversations int
	IncludeFeedback  bool
	ActorID          string
}

// IssuedLink carries the one-time issuance response. Password holds the
// plaintext exactly once; it is never persisted and never retrievable again.
type IssuedLink struct {
	Link     domain.PreviewLink
	URL      string
	Password string
}

// IssueLink mints a preview link for a draft or production version. A token
// uniqueness violation at insert time regenerates the token and retries.
func (e Engine) IssueLink(ctx context.Context, opts IssueLinkOptions) (IssuedLink, error) {
	if opts.ExpirationHours <= 0 {
		return IssuedLink{}, ValidationError{Msg: "expiration_hours must be positive"}
	}
	if opts.MaxConversations <= 0 {
		return IssuedLink{}, ValidationError{Msg: "max_conversations must be positive"}
	}
	if e.Config != nil {
		if cap := e.Config.Preview.MaxExpirationHours; cap > 0 && opts.ExpirationHours > cap {
			return IssuedLink{}, ValidationError{Msg: fmt.Sprintf("expiration_hours exceeds cap of %d", cap)}
		}
		if cap := e.Config.Preview.MaxConversationsCap; cap > 0 && opts.MaxConversations > cap {
			return IssuedLink{}, ValidationError{Msg: fmt.Sprintf("max_conversations exceeds cap of %d", cap)}
		}
	}
	v, err := e.Repo.GetVersion(ctx, opts.AgentVersionID)
	if err != nil {
		return IssuedLink{}, err
	}

	now := e.now().UTC()
	l := domain.PreviewLink{
		ID:               uuid.New().String(),
		AgentVersionID:   v.ID,
		ExpiresAt:        now.Add(time.Duration(opts.ExpirationHours) * time.Hour).Format(time.RFC3339),
		MaxConversations: opts.MaxConversations,
		IncludeFeedback:  opts.IncludeFeedback,
		CreatedAt:        now.Format(time.RFC3339),
		CreatedBy:        opts.ActorID,
	}
	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return IssuedLink{}, err
		}
		h := string(hash)
		l.PasswordHash = &h
	}

	// One transaction per attempt: the link row and its audit event commit
	// together, and a token collision rolls both back before the retry.
	for attempt := 0; ; attempt++ {
		token, err := newToken()
		if err != nil {
			return IssuedLink{}, err
		}
		l.Token = token
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return IssuedLink{}, err
		}
		if err := e.Repo.InsertLink(ctx, tx, l); err != nil {
			tx.Rollback()
			if repo.IsUniqueViolation(err, "preview_links.token") && attempt < maxTokenAttempts {
				continue
			}
			return IssuedLink{}, err
		}
		if err := e.Events.Append(ctx, tx, "link.issued", v.AgentID, "link", l.ID, opts.ActorID, events.EventPayload{
			"agent_version_id":  v.ID,
			"version_number":    v.VersionNumber,
			"expires_at":        l.ExpiresAt,
			"max_conversations": l.MaxConversations,
			"password_gated":    l.PasswordRequired(),
		}); err != nil {
			tx.Rollback()
			return IssuedLink{}, err
		}
		if err := tx.Commit(); err != nil {
			return IssuedLink{}, err
		}
		break
	}

	return IssuedLink{
		Link:     l,
		URL:      e.ShareURL(l.Token),
		Password: opts.Password,
	}, nil
}

// ShareURL composes the externally shareable URL embedding the token.
func (e Engine) ShareURL(token string) string {
	base := ""
	if e.Config != nil {
		base = strings.TrimRight(e.Config.Server.BaseURL, "/")
	}
	return base + "/p/" + token
}

// RevokeLink is idempotent and terminal; there is no unrevoke. The stamp and
// its audit event commit in one transaction; a repeat revocation stamps
// nothing and writes no event.
func (e Engine) RevokeLink(ctx context.Context, linkID, actorID string) (domain.PreviewLink, error) {
	l, err := e.Repo.GetLink(ctx, linkID)
	if err != nil {
		return domain.PreviewLink{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PreviewLink{}, err
	}
	defer tx.Rollback()

	stamped, err := e.Repo.RevokeLink(ctx, tx, linkID, now)
	if err != nil {
		return domain.PreviewLink{}, err
	}
	if stamped {
		agentID := ""
		if v, err := e.Repo.GetVersionTx(ctx, tx, l.AgentVersionID); err == nil {
			agentID = v.AgentID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.PreviewLink{}, err
		}
		if err := e.Events.Append(ctx, tx, "link.revoked", agentID, "link", l.ID, actorID, nil); err != nil {
			return domain.PreviewLink{}, err
		}
		l.RevokedAt = &now
	}
	if err := tx.Commit(); err != nil {
		return domain.PreviewLink{}, err
	}
	return l, nil
}

// ResolveLink maps a token to its link and owning version.
func (e Engine) ResolveLink(ctx context.Context, token string) (domain.PreviewLink, domain.AgentVersion, error) {
	l, err := e.Repo.GetLinkByToken(ctx, token)
	if err != nil {
		return domain.PreviewLink{}, domain.AgentVersion{}, err
	}
	v, err := e.Repo.GetVersion(ctx, l.AgentVersionID)
	if err != nil {
		return domain.PreviewLink{}, domain.AgentVersion{}, err
	}
	return l, v, nil
}

// PreviewMeta resolves a token for display. It enforces revocation and
// expiry but not the password; the password gate applies to conversations,
// not to learning that the preview exists and is gated.
func (e Engine) PreviewMeta(ctx context.Context, token string) (domain.PreviewLink, domain.AgentVersion, error) {
	l, v, err := e.ResolveLink(ctx, token)
	if err != nil {
		return domain.PreviewLink{}, domain.AgentVersion{}, err
	}
	if err := e.checkLinkActive(l); err != nil {
		return domain.PreviewLink{}, domain.AgentVersion{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.TouchLinkAccess(ctx, l.ID, now); err != nil {
		return domain.PreviewLink{}, domain.AgentVersion{}, err
	}
	l.LastAccessedAt = &now
	return l, v, nil
}

// AuthorizeLink runs the gate for a new conversation: token, revocation,
// expiry, password, in that order. The quota is not checked here; the
// compare-and-increment at conversation insert is the authoritative check.
func (e Engine) AuthorizeLink(ctx context.Context, token, suppliedPassword string) (domain.PreviewLink, domain.AgentVersion, error) {
	l, v, err := e.ResolveLink(ctx, token)
	if err != nil {
		return domain.PreviewLink{}, domain.AgentVersion{}, err
	}
	if err := e.checkLinkActive(l); err != nil {
		return domain.PreviewLink{}, domain.AgentVersion{}, err
	}
	if l.PasswordRequired() {
		if bcrypt.CompareHashAndPassword([]byte(*l.PasswordHash), []byte(suppliedPassword)) != nil {
			return domain.PreviewLink{}, domain.AgentVersion{}, UnauthorizedError{}
		}
	}
	return l, v, nil
}

func (e Engine) checkLinkActive(l domain.PreviewLink) error {
	if l.RevokedAt != nil {
		return RevokedError{}
	}
	expires, err := time.Parse(time.RFC3339, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("parse expires_at: %w", err)
	}
	if e.now().UTC().After(expires) {
		return ExpiredError{}
	}
	return nil
}
