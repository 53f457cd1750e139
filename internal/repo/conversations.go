package repo

import (
	"context"
	"database/sql"

	"agentstage/internal/domain"
)

func (r Repo) InsertConversation(ctx context.Context, tx *sql.Tx, c domain.Conversation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO conversations(id,preview_link_id,config_json,created_at,message_count,last_message_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.PreviewLinkID, c.ConfigJSON, c.CreatedAt, c.MessageCount, nullableStringPtr(c.LastMessageAt))
	return err
}

func (r Repo) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var c domain.Conversation
	var lastMessage sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,preview_link_id,config_json,created_at,message_count,last_message_at FROM conversations WHERE id=?`, id).
		Scan(&c.ID, &c.PreviewLinkID, &c.ConfigJSON, &c.CreatedAt, &c.MessageCount, &lastMessage)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if lastMessage.Valid {
		c.LastMessageAt = &lastMessage.String
	}
	return c, nil
}

func (r Repo) TouchConversation(ctx context.Context, id, messagedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE conversations SET message_count=message_count+1, last_message_at=? WHERE id=?`, messagedAt, id)
	return err
}

func (r Repo) CountConversations(ctx context.Context, previewLinkID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM conversations WHERE preview_link_id=?`, previewLinkID).Scan(&n)
	return n, err
}
