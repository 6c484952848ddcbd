package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"deskline/internal/domain"
)

const deskColumns = `id,tenant_id,name,active,priority,rules_json,schedules_json,created_at,deleted_at`

func scanDesk(s scanner) (domain.Desk, error) {
	var d domain.Desk
	var active int
	var rules, schedules string
	var deletedAt sql.NullString
	err := s.Scan(&d.ID, &d.TenantID, &d.Name, &active, &d.Priority, &rules, &schedules, &d.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Active = active == 1
	d.DeletedAt = stringPtr(deletedAt)
	if err := json.Unmarshal([]byte(rules), &d.Rules); err != nil {
		return d, fmt.Errorf("desk %s rules: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(schedules), &d.Schedules); err != nil {
		return d, fmt.Errorf("desk %s schedules: %w", d.ID, err)
	}
	return d, nil
}

func (r Repo) InsertDesk(ctx context.Context, q Querier, d domain.Desk) error {
	rules, schedules, err := deskJSON(d)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO desks(`+deskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TenantID, d.Name, boolInt(d.Active), d.Priority, rules, schedules, d.CreatedAt, nullableStringPtr(d.DeletedAt))
	return err
}

func (r Repo) UpdateDesk(ctx context.Context, q Querier, d domain.Desk) error {
	rules, schedules, err := deskJSON(d)
	if err != nil {
		return err
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE desks SET name=?, active=?, priority=?, rules_json=?, schedules_json=? WHERE id=? AND tenant_id=? AND deleted_at IS NULL`,
		d.Name, boolInt(d.Active), d.Priority, rules, schedules, d.ID, d.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func deskJSON(d domain.Desk) (string, string, error) {
	if d.Rules == nil {
		d.Rules = []domain.RoutingRule{}
	}
	if d.Schedules == nil {
		d.Schedules = []domain.CoverageSchedule{}
	}
	rules, err := json.Marshal(d.Rules)
	if err != nil {
		return "", "", err
	}
	schedules, err := json.Marshal(d.Schedules)
	if err != nil {
		return "", "", err
	}
	return string(rules), string(schedules), nil
}

func (r Repo) GetDesk(ctx context.Context, q Querier, tenantID, id string) (domain.Desk, error) {
	return scanDesk(r.q(q).QueryRowContext(ctx, `SELECT `+deskColumns+` FROM desks WHERE id=? AND tenant_id=? AND deleted_at IS NULL`, id, tenantID))
}

// ListDesks returns live desks in evaluation order: priority high to low,
// then oldest first.
func (r Repo) ListDesks(ctx context.Context, q Querier, tenantID string, activeOnly bool) ([]domain.Desk, error) {
	query := `SELECT ` + deskColumns + ` FROM desks WHERE tenant_id=? AND deleted_at IS NULL`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	rows, err := r.q(q).QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Desk
	for rows.Next() {
		d, err := scanDesk(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) SoftDeleteDesk(ctx context.Context, q Querier, tenantID, id, now string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE desks SET deleted_at=?, active=0 WHERE id=? AND tenant_id=? AND deleted_at IS NULL`, now, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRoutingTenants returns tenants that have at least one active desk.
func (r Repo) ListRoutingTenants(ctx context.Context, q Querier) ([]string, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT DISTINCT tenant_id FROM desks WHERE active=1 AND deleted_at IS NULL ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
