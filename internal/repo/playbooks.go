package repo

import (
	"context"
	"encoding/json"

	"deskline/internal/domain"
)

func (r Repo) InsertPlaybook(ctx context.Context, q Querier, p domain.Playbook) error {
	if p.Keywords == nil {
		p.Keywords = []string{}
	}
	kw, err := json.Marshal(p.Keywords)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO playbooks(id,tenant_id,name,keywords_json,body,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.Name, string(kw), p.Body, p.CreatedAt)
	return err
}

func (r Repo) ListPlaybooks(ctx context.Context, q Querier, tenantID string) ([]domain.Playbook, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT id,tenant_id,name,keywords_json,body,created_at FROM playbooks WHERE tenant_id=? ORDER BY created_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Playbook
	for rows.Next() {
		var p domain.Playbook
		var kw string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &kw, &p.Body, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(kw), &p.Keywords); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeletePlaybook(ctx context.Context, q Querier, tenantID, id string) error {
	return r.execOne(ctx, q, `DELETE FROM playbooks WHERE id=? AND tenant_id=?`, id, tenantID)
}
