package repo

import (
	"context"
	"database/sql"

	"agentstage/internal/domain"
)

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.FeedbackEntry) error {
	var rating any
	if f.Rating != nil {
		rating = *f.Rating
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO feedback_entries(id,preview_link_id,name,email,rating,text,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.PreviewLinkID, nullableStringPtr(f.Name), nullableStringPtr(f.Email), rating, nullableStringPtr(f.Text), f.CreatedAt)
	return err
}

func (r Repo) ListFeedback(ctx context.Context, previewLinkID string) ([]domain.FeedbackEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,preview_link_id,name,email,rating,text,created_at FROM feedback_entries WHERE preview_link_id=? ORDER BY created_at DESC, id DESC`, previewLinkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedbackEntry
	for rows.Next() {
		var f domain.FeedbackEntry
		var name, email, text sql.NullString
		var rating sql.NullInt64
		if err := rows.Scan(&f.ID, &f.PreviewLinkID, &name, &email, &rating, &text, &f.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			f.Name = &name.String
		}
		if email.Valid {
			f.Email = &email.String
		}
		if rating.Valid {
			v := int(rating.Int64)
			f.Rating = &v
		}
		if text.Valid {
			f.Text = &text.String
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
