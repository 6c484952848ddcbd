package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskline/internal/domain"
)

func newMock(t *testing.T) (Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return Repo{DB: conn}, mock
}

func TestUpdateItemStaleVersion(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec(`UPDATE work_items SET title=\?`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), int64(8), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "i1", "t1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.UpdateItem(context.Background(), nil, domain.WorkItem{ID: "i1", TenantID: "t1", Title: "x", Status: domain.StatusWorking}, 7)
	assert.ErrorIs(t, err, ErrStale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateItemWritesNextVersion(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec(`UPDATE work_items SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	err := r.UpdateItem(context.Background(), nil, domain.WorkItem{ID: "i1", TenantID: "t1", Title: "x", Status: domain.StatusQueued}, 1)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMonitorEventReportsDuplicate(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO monitor_events.*ON CONFLICT\(monitor_id, provider_event_id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO monitor_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	ev := domain.MonitorEvent{ID: "e1", MonitorID: "m1", ProviderEventID: "p1", EventType: "issue", Payload: "{}", CreatedAt: "now"}
	inserted, err := r.InsertMonitorEvent(context.Background(), nil, ev)
	require.NoError(t, err)
	assert.False(t, inserted)
	inserted, err = r.InsertMonitorEvent(context.Background(), nil, ev)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveQuestionAlreadyResolved(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec(`UPDATE questions SET status=\?.*status='unanswered'`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := r.ResolveQuestion(context.Background(), nil, domain.Question{ID: "q1", TenantID: "t1", Status: domain.QuestionAnswered})
	assert.ErrorIs(t, err, ErrStale)
}

func TestGetItemNotFound(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM work_items WHERE id=\? AND tenant_id=\? AND deleted_at IS NULL`).
		WithArgs("i1", "t1").
		WillReturnError(sql.ErrNoRows)
	_, err := r.GetItem(context.Background(), nil, "t1", "i1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err := r.WithTx(context.Background(), func(*sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHashAPIKeyIsStable(t *testing.T) {
	assert.Equal(t, HashAPIKey("secret"), HashAPIKey(" secret \n"))
	assert.Len(t, HashAPIKey("secret"), 64)
}

func TestAssignDeskIfUnsetSkipsTerminalItems(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec(`UPDATE work_items SET desk_id=\?.*desk_id IS NULL.*status IN \('queued','working'\)`).
		WithArgs("d1", "now", "i1", "t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := r.AssignDeskIfUnset(context.Background(), nil, "t1", "i1", "d1", "now")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
