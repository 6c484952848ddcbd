package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"deskline/internal/domain"
)

const monitorColumns = `id,tenant_id,provider,connection_ref,config_json,target_desk_id,assignee_class,default_priority,poll_interval_seconds,status,last_polled_at,cursor,last_error,webhook_id,webhook_secret,created_at,deleted_at`

func scanMonitor(s scanner) (domain.Monitor, error) {
	var m domain.Monitor
	var connRef, targetDesk, lastPolled, cursor, lastError, webhookID, webhookSecret, deletedAt sql.NullString
	var config string
	err := s.Scan(&m.ID, &m.TenantID, &m.Provider, &connRef, &config, &targetDesk, &m.AssigneeClass, &m.DefaultPriority,
		&m.PollIntervalSeconds, &m.Status, &lastPolled, &cursor, &lastError, &webhookID, &webhookSecret, &m.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ConnectionRef = connRef.String
	m.TargetDeskID = stringPtr(targetDesk)
	m.LastPolledAt = stringPtr(lastPolled)
	m.Cursor = stringPtr(cursor)
	m.LastError = stringPtr(lastError)
	m.WebhookID = stringPtr(webhookID)
	m.WebhookSecret = stringPtr(webhookSecret)
	m.DeletedAt = stringPtr(deletedAt)
	if config != "" {
		if err := json.Unmarshal([]byte(config), &m.Config); err != nil {
			return m, fmt.Errorf("monitor %s config: %w", m.ID, err)
		}
	}
	return m, nil
}

func (r Repo) InsertMonitor(ctx context.Context, q Querier, m domain.Monitor) error {
	if m.Config == nil {
		m.Config = map[string]any{}
	}
	config, err := json.Marshal(m.Config)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO monitors(`+monitorColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TenantID, m.Provider, nullable(m.ConnectionRef), string(config), nullableStringPtr(m.TargetDeskID), m.AssigneeClass,
		m.DefaultPriority, m.PollIntervalSeconds, m.Status, nullableStringPtr(m.LastPolledAt), nullableStringPtr(m.Cursor),
		nullableStringPtr(m.LastError), nullableStringPtr(m.WebhookID), nullableStringPtr(m.WebhookSecret), m.CreatedAt, nullableStringPtr(m.DeletedAt))
	return err
}

func (r Repo) GetMonitor(ctx context.Context, q Querier, tenantID, id string) (domain.Monitor, error) {
	return scanMonitor(r.q(q).QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id=? AND tenant_id=? AND deleted_at IS NULL`, id, tenantID))
}

// GetMonitorByID loads a live monitor without a tenant; webhook deliveries
// only carry the monitor id and the tenant is taken from the row.
func (r Repo) GetMonitorByID(ctx context.Context, q Querier, id string) (domain.Monitor, error) {
	return scanMonitor(r.q(q).QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id=? AND deleted_at IS NULL`, id))
}

func (r Repo) ListMonitors(ctx context.Context, q Querier, tenantID string) ([]domain.Monitor, error) {
	return r.listMonitors(ctx, q, `SELECT `+monitorColumns+` FROM monitors WHERE tenant_id=? AND deleted_at IS NULL ORDER BY created_at ASC, id ASC`, tenantID)
}

// ListPollable returns live monitors of every tenant that are not paused.
func (r Repo) ListPollable(ctx context.Context, q Querier) ([]domain.Monitor, error) {
	return r.listMonitors(ctx, q, `SELECT `+monitorColumns+` FROM monitors WHERE status IN ('active','error') AND deleted_at IS NULL ORDER BY COALESCE(last_polled_at,'') ASC, id ASC`)
}

func (r Repo) listMonitors(ctx context.Context, q Querier, query string, args ...any) ([]domain.Monitor, error) {
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// RecordPollSuccess stores the new cursor and clears any previous error.
func (r Repo) RecordPollSuccess(ctx context.Context, q Querier, tenantID, id string, cursor *string, now string) error {
	return r.execOne(ctx, q, `UPDATE monitors SET cursor=?, last_polled_at=?, last_error=NULL, status=CASE WHEN status='error' THEN 'active' ELSE status END
WHERE id=? AND tenant_id=? AND deleted_at IS NULL`, nullableStringPtr(cursor), now, id, tenantID)
}

// RecordPollFailure flags the monitor as errored and leaves the cursor alone.
func (r Repo) RecordPollFailure(ctx context.Context, q Querier, tenantID, id, message, now string) error {
	return r.execOne(ctx, q, `UPDATE monitors SET status='error', last_error=?, last_polled_at=? WHERE id=? AND tenant_id=? AND deleted_at IS NULL`,
		message, now, id, tenantID)
}

func (r Repo) SetMonitorStatus(ctx context.Context, q Querier, tenantID, id string, status domain.MonitorStatus) error {
	return r.execOne(ctx, q, `UPDATE monitors SET status=? WHERE id=? AND tenant_id=? AND deleted_at IS NULL`, status, id, tenantID)
}

// SetWebhook stores or clears (nil values) the registered webhook.
func (r Repo) SetWebhook(ctx context.Context, q Querier, tenantID, id string, webhookID, secret *string) error {
	return r.execOne(ctx, q, `UPDATE monitors SET webhook_id=?, webhook_secret=? WHERE id=? AND tenant_id=? AND deleted_at IS NULL`,
		nullableStringPtr(webhookID), nullableStringPtr(secret), id, tenantID)
}

func (r Repo) SoftDeleteMonitor(ctx context.Context, q Querier, tenantID, id, now string) error {
	return r.execOne(ctx, q, `UPDATE monitors SET deleted_at=?, status='paused' WHERE id=? AND tenant_id=? AND deleted_at IS NULL`, now, id, tenantID)
}

func (r Repo) execOne(ctx context.Context, q Querier, query string, args ...any) error {
	res, err := r.q(q).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
