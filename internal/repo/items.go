package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"deskline/internal/domain"
)

const itemColumns = `id,tenant_id,title,description,priority,status,assignee_class,project_id,worker_id,desk_id,blocking_question_id,related_ref,context_json,output_json,last_error,attempts,version,created_at,updated_at,started_at,completed_at,deleted_at`

func scanItem(s scanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var description, projectID, workerID, deskID, questionID, relatedRef, contextJSON, outputJSON, lastError, startedAt, completedAt, deletedAt sql.NullString
	err := s.Scan(&it.ID, &it.TenantID, &it.Title, &description, &it.Priority, &it.Status, &it.AssigneeClass,
		&projectID, &workerID, &deskID, &questionID, &relatedRef, &contextJSON, &outputJSON, &lastError,
		&it.Attempts, &it.Version, &it.CreatedAt, &it.UpdatedAt, &startedAt, &completedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if description.Valid {
		it.Description = description.String
	}
	it.ProjectID = stringPtr(projectID)
	it.WorkerID = stringPtr(workerID)
	it.DeskID = stringPtr(deskID)
	it.BlockingQuestionID = stringPtr(questionID)
	it.RelatedRef = stringPtr(relatedRef)
	it.LastError = stringPtr(lastError)
	it.StartedAt = stringPtr(startedAt)
	it.CompletedAt = stringPtr(completedAt)
	it.DeletedAt = stringPtr(deletedAt)
	if it.Context, err = unmarshalMap(contextJSON); err != nil {
		return it, err
	}
	if it.Output, err = unmarshalMap(outputJSON); err != nil {
		return it, err
	}
	return it, nil
}

func scanItems(rows *sql.Rows) ([]domain.WorkItem, error) {
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) InsertItem(ctx context.Context, q Querier, it domain.WorkItem) error {
	contextJSON, err := marshalJSON(it.Context)
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(it.Output)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.TenantID, it.Title, nullable(it.Description), it.Priority, it.Status, it.AssigneeClass,
		nullableStringPtr(it.ProjectID), nullableStringPtr(it.WorkerID), nullableStringPtr(it.DeskID),
		nullableStringPtr(it.BlockingQuestionID), nullableStringPtr(it.RelatedRef), contextJSON, outputJSON,
		nullableStringPtr(it.LastError), it.Attempts, it.Version, it.CreatedAt, it.UpdatedAt,
		nullableStringPtr(it.StartedAt), nullableStringPtr(it.CompletedAt), nullableStringPtr(it.DeletedAt))
	return err
}

// GetItem loads a live item scoped to its tenant.
func (r Repo) GetItem(ctx context.Context, q Querier, tenantID, id string) (domain.WorkItem, error) {
	return scanItem(r.q(q).QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=? AND tenant_id=? AND deleted_at IS NULL`, id, tenantID))
}

// UpdateItem writes every mutable column when the stored version still equals
// expected, bumping it by one. ErrStale means someone else got there first.
func (r Repo) UpdateItem(ctx context.Context, q Querier, it domain.WorkItem, expected int64) error {
	contextJSON, err := marshalJSON(it.Context)
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(it.Output)
	if err != nil {
		return err
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE work_items SET title=?, description=?, priority=?, status=?, project_id=?, worker_id=?, desk_id=?,
blocking_question_id=?, related_ref=?, context_json=?, output_json=?, last_error=?, attempts=?, version=?, updated_at=?, started_at=?, completed_at=?
WHERE id=? AND tenant_id=? AND version=? AND deleted_at IS NULL`,
		it.Title, nullable(it.Description), it.Priority, it.Status, nullableStringPtr(it.ProjectID), nullableStringPtr(it.WorkerID),
		nullableStringPtr(it.DeskID), nullableStringPtr(it.BlockingQuestionID), nullableStringPtr(it.RelatedRef), contextJSON, outputJSON,
		nullableStringPtr(it.LastError), it.Attempts, expected+1, it.UpdatedAt, nullableStringPtr(it.StartedAt), nullableStringPtr(it.CompletedAt),
		it.ID, it.TenantID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// ClaimNext selects and marks the most urgent queued item in one statement.
// ErrNotFound means no row was taken, either because none is eligible or a
// concurrent claimer won the race.
func (r Repo) ClaimNext(ctx context.Context, q Querier, tenantID, workerID string, class domain.AssigneeClass, now string) (domain.WorkItem, error) {
	row := r.q(q).QueryRowContext(ctx, `UPDATE work_items
SET status='working', worker_id=?, started_at=?, updated_at=?, version=version+1
WHERE id = (
	SELECT id FROM work_items
	WHERE tenant_id=? AND status='queued' AND assignee_class=? AND deleted_at IS NULL
	ORDER BY priority ASC, created_at ASC, id ASC
	LIMIT 1
) AND status='queued'
RETURNING `+itemColumns, workerID, now, now, tenantID, class)
	return scanItem(row)
}

// CountEligible counts items a ClaimNext for the same class could still take.
func (r Repo) CountEligible(ctx context.Context, q Querier, tenantID string, class domain.AssigneeClass) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE tenant_id=? AND status='queued' AND assignee_class=? AND deleted_at IS NULL`, tenantID, class).Scan(&n)
	return n, err
}

type ItemFilters struct {
	TenantID        string
	Status          string
	DeskID          string
	AssigneeClass   string
	ProjectID       string
	WorkerID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListItems(ctx context.Context, q Querier, f ItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"tenant_id=?", "deleted_at IS NULL"}
	args := []any{f.TenantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DeskID != "" {
		clauses = append(clauses, "desk_id=?")
		args = append(args, f.DeskID)
	}
	if f.AssigneeClass != "" {
		clauses = append(clauses, "assignee_class=?")
		args = append(args, f.AssigneeClass)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

// ListBlockedBy returns live items currently blocked on the question.
func (r Repo) ListBlockedBy(ctx context.Context, q Querier, tenantID, questionID string) ([]domain.WorkItem, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items
WHERE tenant_id=? AND status='blocked' AND blocking_question_id=? AND deleted_at IS NULL
ORDER BY created_at ASC, id ASC`, tenantID, questionID)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

// ListUnrouted returns queued or working items that have no desk.
func (r Repo) ListUnrouted(ctx context.Context, q Querier, tenantID string, limit int) ([]domain.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items
WHERE tenant_id=? AND status IN ('queued','working') AND desk_id IS NULL AND deleted_at IS NULL
ORDER BY priority ASC, created_at ASC, id ASC`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

// AssignDeskIfUnset sets desk_id only on live queued or working items that still
// have none and reports whether this call did the assignment.
func (r Repo) AssignDeskIfUnset(ctx context.Context, q Querier, tenantID, itemID, deskID, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE work_items SET desk_id=?, updated_at=?, version=version+1
WHERE id=? AND tenant_id=? AND desk_id IS NULL AND deleted_at IS NULL
  AND status IN ('queued','working')`, deskID, now, itemID, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SoftDeleteItem(ctx context.Context, q Querier, tenantID, id, now string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE work_items SET deleted_at=?, updated_at=? WHERE id=? AND tenant_id=? AND deleted_at IS NULL`, now, now, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentCompleted lists the latest completed items of a project, newest first.
func (r Repo) RecentCompleted(ctx context.Context, q Querier, tenantID, projectID, excludeID string, limit int) ([]domain.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items
WHERE tenant_id=? AND project_id=? AND status='completed' AND id != ? AND deleted_at IS NULL
ORDER BY completed_at DESC, id DESC LIMIT ?`, tenantID, projectID, excludeID, limit)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func (r Repo) CountItemsByStatus(ctx context.Context, q Querier, tenantID string) (map[string]int, error) {
	return r.countBy(ctx, q, `SELECT status, COUNT(*) FROM work_items WHERE tenant_id=? AND deleted_at IS NULL GROUP BY status`, tenantID)
}

// CountOpenItemsByDesk counts non-terminal items per desk; unrouted items
// are keyed by the empty string.
func (r Repo) CountOpenItemsByDesk(ctx context.Context, q Querier, tenantID string) (map[string]int, error) {
	return r.countBy(ctx, q, `SELECT COALESCE(desk_id,''), COUNT(*) FROM work_items
WHERE tenant_id=? AND deleted_at IS NULL AND status IN ('queued','working','blocked') GROUP BY COALESCE(desk_id,'')`, tenantID)
}

func (r Repo) countBy(ctx context.Context, q Querier, query string, args ...any) (map[string]int, error) {
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		res[key] = count
	}
	return res, rows.Err()
}
