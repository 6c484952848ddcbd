package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"deskline/internal/domain"
)

const questionColumns = `id,tenant_id,text,context,plan,priority,status,answer,answered_by,dismiss_reason,created_at,resolved_at`

func scanQuestion(s scanner) (domain.Question, error) {
	var qn domain.Question
	var qctx, plan, answer, answeredBy, reason, resolvedAt sql.NullString
	err := s.Scan(&qn.ID, &qn.TenantID, &qn.Text, &qctx, &plan, &qn.Priority, &qn.Status, &answer, &answeredBy, &reason, &qn.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return qn, ErrNotFound
	}
	if err != nil {
		return qn, err
	}
	qn.Context = qctx.String
	qn.Plan = plan.String
	qn.Answer = stringPtr(answer)
	qn.AnsweredBy = stringPtr(answeredBy)
	qn.DismissReason = stringPtr(reason)
	qn.ResolvedAt = stringPtr(resolvedAt)
	return qn, nil
}

func (r Repo) InsertQuestion(ctx context.Context, q Querier, qn domain.Question) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO questions(`+questionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		qn.ID, qn.TenantID, qn.Text, nullable(qn.Context), nullable(qn.Plan), qn.Priority, qn.Status,
		nullableStringPtr(qn.Answer), nullableStringPtr(qn.AnsweredBy), nullableStringPtr(qn.DismissReason), qn.CreatedAt, nullableStringPtr(qn.ResolvedAt))
	return err
}

// GetQuestion loads a question with its linked item ids.
func (r Repo) GetQuestion(ctx context.Context, q Querier, tenantID, id string) (domain.Question, error) {
	qn, err := scanQuestion(r.q(q).QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=? AND tenant_id=?`, id, tenantID))
	if err != nil {
		return qn, err
	}
	qn.ItemIDs, err = r.QuestionItemIDs(ctx, q, qn.ID)
	return qn, err
}

// LinkQuestionItems inserts join rows, ignoring links that already exist.
func (r Repo) LinkQuestionItems(ctx context.Context, q Querier, questionID string, itemIDs []string) error {
	for _, id := range itemIDs {
		if _, err := r.q(q).ExecContext(ctx, `INSERT OR IGNORE INTO question_items(question_id,item_id) VALUES (?,?)`, questionID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) QuestionItemIDs(ctx context.Context, q Querier, questionID string) ([]string, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT item_id FROM question_items WHERE question_id=? ORDER BY item_id`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResolveQuestion moves an unanswered question to answered or dismissed.
// ErrStale means it was no longer unanswered.
func (r Repo) ResolveQuestion(ctx context.Context, q Querier, qn domain.Question) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE questions SET status=?, answer=?, answered_by=?, dismiss_reason=?, resolved_at=?
WHERE id=? AND tenant_id=? AND status='unanswered'`,
		qn.Status, nullableStringPtr(qn.Answer), nullableStringPtr(qn.AnsweredBy), nullableStringPtr(qn.DismissReason), nullableStringPtr(qn.ResolvedAt),
		qn.ID, qn.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

type QuestionFilters struct {
	TenantID        string
	Status          string
	ItemID          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListQuestions(ctx context.Context, q Querier, f QuestionFilters) ([]domain.Question, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ItemID != "" {
		clauses = append(clauses, "id IN (SELECT question_id FROM question_items WHERE item_id=?)")
		args = append(args, f.ItemID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + questionColumns + ` FROM questions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Question
	for rows.Next() {
		qn, err := scanQuestion(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, qn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		ids, err := r.QuestionItemIDs(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].ItemIDs = ids
	}
	return res, nil
}
