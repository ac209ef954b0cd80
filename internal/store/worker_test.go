package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "pgx")), mock
}

func TestSendCommandSetsPendingCommand(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE worker_status SET command = \$1 WHERE worker_id = \$2`).
		WithArgs("forensic_dump", "host-1-video_proxy-ab12").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.Workers.SendCommand(context.Background(), "host-1-video_proxy-ab12", CommandForensicDump)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendCommandRejectsUnknownWorker(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE worker_status SET command`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.Workers.SendCommand(context.Background(), "ghost", CommandPause)
	assert.ErrorContains(t, err, "not registered")
}
