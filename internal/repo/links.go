package repo

import (
	"context"
	"database/sql"

	"agentstage/internal/domain"
)

const linkColumns = `id,token,agent_version_id,expires_at,password_hash,max_conversations,conversation_count,include_feedback,created_at,created_by,last_accessed_at,revoked_at`

func scanLink(scan func(dest ...any) error) (domain.PreviewLink, error) {
	var l domain.PreviewLink
	var passwordHash, lastAccessed, revoked sql.NullString
	var includeFeedback int
	err := scan(&l.ID, &l.Token, &l.AgentVersionID, &l.ExpiresAt, &passwordHash,
		&l.MaxConversations, &l.ConversationCount, &includeFeedback,
		&l.CreatedAt, &l.CreatedBy, &lastAccessed, &revoked)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.IncludeFeedback = includeFeedback != 0
	if passwordHash.Valid {
		l.PasswordHash = &passwordHash.String
	}
	if lastAccessed.Valid {
		l.LastAccessedAt = &lastAccessed.String
	}
	if revoked.Valid {
		l.RevokedAt = &revoked.String
	}
	return l, nil
}

func (r Repo) InsertLink(ctx context.Context, tx *sql.Tx, l domain.PreviewLink) error {
	includeFeedback := 0
	if l.IncludeFeedback {
		includeFeedback = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO preview_links(`+linkColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.Token, l.AgentVersionID, l.ExpiresAt, nullableStringPtr(l.PasswordHash),
		l.MaxConversations, l.ConversationCount, includeFeedback,
		l.CreatedAt, l.CreatedBy, nullableStringPtr(l.LastAccessedAt), nullableStringPtr(l.RevokedAt))
	return err
}

func (r Repo) GetLink(ctx context.Context, id string) (domain.PreviewLink, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM preview_links WHERE id=?`, id)
	return scanLink(row.Scan)
}

func (r Repo) GetLinkTx(ctx context.Context, tx *sql.Tx, id string) (domain.PreviewLink, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM preview_links WHERE id=?`, id)
	return scanLink(row.Scan)
}

func (r Repo) GetLinkByToken(ctx context.Context, token string) (domain.PreviewLink, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM preview_links WHERE token=?`, token)
	return scanLink(row.Scan)
}

func (r Repo) ListLinksByVersion(ctx context.Context, versionID string) ([]domain.PreviewLink, error) {
	return r.listLinks(ctx, `SELECT `+linkColumns+` FROM preview_links WHERE agent_version_id=? ORDER BY created_at DESC, id DESC`, versionID)
}

func (r Repo) ListLinksByAgent(ctx context.Context, agentID string) ([]domain.PreviewLink, error) {
	return r.listLinks(ctx, `SELECT `+linkColumns+` FROM preview_links WHERE agent_version_id IN (SELECT id FROM agent_versions WHERE agent_id=?) ORDER BY created_at DESC, id DESC`, agentID)
}

func (r Repo) listLinks(ctx context.Context, query string, args ...any) ([]domain.PreviewLink, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PreviewLink
	for rows.Next() {
		l, err := scanLink(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// RevokeLink stamps revoked_at if not already set. The guard keeps the first
// revocation timestamp; a second call affects zero rows and that is fine.
func (r Repo) RevokeLink(ctx context.Context, tx *sql.Tx, id, revokedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE preview_links SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, revokedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) TouchLinkAccess(ctx context.Context, id, accessedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE preview_links SET last_accessed_at=? WHERE id=?`, accessedAt, id)
	return err
}

// ConsumeConversationSlot is the compare-and-increment that enforces the
// conversation quota. A single conditional UPDATE claims one slot; zero rows
// means the quota was exhausted (or the link revoked) by the time this writer
// ran, never that the count overshot.
func (r Repo) ConsumeConversationSlot(ctx context.Context, tx *sql.Tx, id, accessedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE preview_links
SET conversation_count=conversation_count+1, last_accessed_at=?
WHERE id=? AND revoked_at IS NULL AND conversation_count < max_conversations`, accessedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
