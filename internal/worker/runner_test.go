package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/mediasearch/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)
	return store.NewWithDB(sqlx.NewDb(db, "pgx")), mock
}

type countingTask struct {
	calls   int
	results []bool
	err     error
}

func (c *countingTask) Process(_ context.Context) (bool, error) {
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	if c.calls <= len(c.results) {
		return c.results[c.calls-1], nil
	}
	return false, nil
}

func expectLifecycle(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT value FROM system_metadata`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("1"))
	mock.ExpectExec(`INSERT INTO worker_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE worker_status SET state = .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM worker_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestRunnerOnceDrainsQueueAndDeregisters(t *testing.T) {
	st, mock := newMockStore(t)
	expectLifecycle(mock)
	// Two work items, then dry. One command poll per iteration.
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(`SELECT command FROM worker_status`).
			WillReturnRows(sqlmock.NewRows([]string{"command"}).AddRow("none"))
	}

	task := &countingTask{results: []bool{true, true}}
	r := &Runner{
		ID:                "test-worker-1",
		Hostname:          "testhost",
		Store:             st,
		Task:              task,
		Log:               zerolog.Nop(),
		HeartbeatInterval: time.Hour,
		PollInterval:      time.Millisecond,
		Once:              true,
	}
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 3, task.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunnerStopsOnShutdownCommand(t *testing.T) {
	st, mock := newMockStore(t)
	expectLifecycle(mock)
	mock.ExpectQuery(`SELECT command FROM worker_status`).
		WillReturnRows(sqlmock.NewRows([]string{"command"}).AddRow("shutdown"))
	mock.ExpectExec(`UPDATE worker_status SET command = 'none'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := &countingTask{results: []bool{true, true, true}}
	r := &Runner{
		ID:                "test-worker-2",
		Store:             st,
		Task:              task,
		Log:               zerolog.Nop(),
		HeartbeatInterval: time.Hour,
		PollInterval:      time.Millisecond,
	}
	require.NoError(t, r.Run(context.Background()))
	assert.Zero(t, task.calls, "shutdown lands before the first claim")
	assert.True(t, r.ShouldStop())
}

func TestRunnerContextCancelExitsCleanly(t *testing.T) {
	st, mock := newMockStore(t)
	expectLifecycle(mock)
	for i := 0; i < 200; i++ {
		mock.ExpectQuery(`SELECT command FROM worker_status`).
			WillReturnRows(sqlmock.NewRows([]string{"command"}).AddRow("none"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &countingTask{}
	r := &Runner{
		ID:                "test-worker-3",
		Store:             st,
		Task:              task,
		Log:               zerolog.Nop(),
		HeartbeatInterval: time.Hour,
		PollInterval:      time.Millisecond,
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	assert.NoError(t, r.Run(ctx))
}

func TestRunnerPauseSkipsProcessing(t *testing.T) {
	st, mock := newMockStore(t)
	expectLifecycle(mock)
	mock.ExpectQuery(`SELECT command FROM worker_status`).
		WillReturnRows(sqlmock.NewRows([]string{"command"}).AddRow("pause"))
	mock.ExpectExec(`UPDATE worker_status SET state = .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE worker_status SET command = 'none'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 200; i++ {
		mock.ExpectQuery(`SELECT command FROM worker_status`).
			WillReturnRows(sqlmock.NewRows([]string{"command"}).AddRow("none"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &countingTask{results: []bool{true}}
	r := &Runner{
		ID:                "test-worker-4",
		Store:             st,
		Task:              task,
		Log:               zerolog.Nop(),
		HeartbeatInterval: time.Hour,
		PollInterval:      time.Millisecond,
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, r.Run(ctx))
	assert.Zero(t, task.calls, "paused worker must not claim work")
}

func TestPermanentErrorClassification(t *testing.T) {
	base := errors.New("unsupported codec")
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(errors.Join(errors.New("x"), Permanent(base))))
	assert.ErrorIs(t, Permanent(base), base)
	assert.Nil(t, Permanent(nil))
}

func TestNewIDShape(t *testing.T) {
	id := NewID("proxy")
	assert.Contains(t, id, "proxy-")
	assert.NotEqual(t, id, NewID("proxy"))
}
