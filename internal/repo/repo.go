package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"agentstage/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a UNIQUE constraint failure on the
// named column (table.column as reported by SQLite).
func IsUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- agents ---

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id,name,description,created_at,created_by) VALUES (?,?,?,?,?)`,
		a.ID, a.Name, nullable(a.Description), a.CreatedAt, a.CreatedBy)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,created_at,created_by FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &desc, &a.CreatedAt, &a.CreatedBy)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if desc.Valid {
		a.Description = desc.String
	}
	return a, err
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at,created_by FROM agents ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.CreatedAt, &a.CreatedBy); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- versions ---

const versionColumns = `id,agent_id,version_number,status,config_json,created_at,created_by,published_at,published_by`

func scanVersion(scan func(dest ...any) error) (domain.AgentVersion, error) {
	var v domain.AgentVersion
	var publishedAt, publishedBy sql.NullString
	err := scan(&v.ID, &v.AgentID, &v.VersionNumber, &v.Status, &v.ConfigJSON, &v.CreatedAt, &v.CreatedBy, &publishedAt, &publishedBy)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if publishedAt.Valid {
		v.PublishedAt = &publishedAt.String
	}
	if publishedBy.Valid {
		v.PublishedBy = &publishedBy.String
	}
	return v, nil
}

// NextVersionNumber returns MAX(version_number)+1 for the agent, read inside
// the caller's transaction so concurrent creates cannot reuse a number.
func (r Repo) NextVersionNumber(ctx context.Context, tx *sql.Tx, agentID string) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM agent_versions WHERE agent_id=?`, agentID).Scan(&next)
	return next, err
}

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.AgentVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_versions(`+versionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.AgentID, v.VersionNumber, v.Status, v.ConfigJSON, v.CreatedAt, v.CreatedBy,
		nullableStringPtr(v.PublishedAt), nullableStringPtr(v.PublishedBy))
	return err
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.AgentVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM agent_versions WHERE id=?`, id)
	return scanVersion(row.Scan)
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentVersion, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM agent_versions WHERE id=?`, id)
	return scanVersion(row.Scan)
}

func (r Repo) ListVersions(ctx context.Context, agentID string) ([]domain.AgentVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM agent_versions WHERE agent_id=? ORDER BY version_number DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// VersionByStatus returns the agent's single version in the given status, or
// ErrNotFound. Only meaningful for draft and production.
func (r Repo) VersionByStatus(ctx context.Context, agentID, status string) (domain.AgentVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM agent_versions WHERE agent_id=? AND status=?`, agentID, status)
	return scanVersion(row.Scan)
}

func (r Repo) VersionByStatusTx(ctx context.Context, tx *sql.Tx, agentID, status string) (domain.AgentVersion, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM agent_versions WHERE agent_id=? AND status=?`, agentID, status)
	return scanVersion(row.Scan)
}

// UpdateDraftConfig replaces a draft's config in place. The status guard in
// the WHERE clause makes the edit a no-op on anything but a draft.
func (r Repo) UpdateDraftConfig(ctx context.Context, tx *sql.Tx, id, configJSON string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agent_versions SET config_json=? WHERE id=? AND status='draft'`, configJSON, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ArchiveProduction demotes the identified version only if it is still the
// production one. Returns false when another writer got there first.
func (r Repo) ArchiveProduction(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agent_versions SET status='archived' WHERE id=? AND status='production'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PromoteDraft moves a draft to production, stamping publish metadata. The
// status guard makes the promotion conditional on the version still being a
// draft at commit time.
func (r Repo) PromoteDraft(ctx context.Context, tx *sql.Tx, id, publishedAt, publishedBy string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agent_versions SET status='production', published_at=?, published_by=? WHERE id=? AND status='draft'`,
		publishedAt, publishedBy, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeleteDraft removes a draft row. Returns false when the version is not a
// draft (production and archived versions are permanent).
func (r Repo) DeleteDraft(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM agent_versions WHERE id=? AND status='draft'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
