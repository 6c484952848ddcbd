package repo

import (
	"context"
	"database/sql"

	"deskline/internal/domain"
)

// InsertMonitorEvent records a provider event unless (monitor_id,
// provider_event_id) already exists. inserted is false for duplicates.
func (r Repo) InsertMonitorEvent(ctx context.Context, q Querier, e domain.MonitorEvent) (inserted bool, err error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO monitor_events(id,monitor_id,provider_event_id,event_type,payload,context_payload,processed,task_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(monitor_id, provider_event_id) DO NOTHING`,
		e.ID, e.MonitorID, e.ProviderEventID, e.EventType, e.Payload, nullableStringPtr(e.ContextPayload), boolInt(e.Processed),
		nullableStringPtr(e.TaskID), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkEventProcessed links the event to the work item created from it.
func (r Repo) MarkEventProcessed(ctx context.Context, q Querier, eventID, taskID string) error {
	return r.execOne(ctx, q, `UPDATE monitor_events SET processed=1, task_id=? WHERE id=?`, taskID, eventID)
}

func (r Repo) ListMonitorEvents(ctx context.Context, q Querier, monitorID string, limit int) ([]domain.MonitorEvent, error) {
	query := `SELECT id,monitor_id,provider_event_id,event_type,payload,context_payload,processed,task_id,created_at
FROM monitor_events WHERE monitor_id=? ORDER BY created_at DESC, id DESC`
	args := []any{monitorID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MonitorEvent
	for rows.Next() {
		var e domain.MonitorEvent
		var ctxPayload, taskID sql.NullString
		var processed int
		if err := rows.Scan(&e.ID, &e.MonitorID, &e.ProviderEventID, &e.EventType, &e.Payload, &ctxPayload, &processed, &taskID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ContextPayload = stringPtr(ctxPayload)
		e.TaskID = stringPtr(taskID)
		e.Processed = processed == 1
		res = append(res, e)
	}
	return res, rows.Err()
}
