package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)
	return store.NewWithDB(sqlx.NewDb(db, "pgx")), mock
}

// writeAged writes a file and backdates its mtime.
func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func expectDBSweeps(mock sqlmock.Sqlmock, activeTranscodes int) {
	mock.ExpectExec(`lease_expires_at < now`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM worker_status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`count\(\*\) FROM worker_status`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(activeTranscodes))
	mock.ExpectQuery(`SELECT vs\.rep_frame_path`).
		WillReturnRows(sqlmock.NewRows([]string{"rep_frame_path"}))
}

func TestSweepTempRemovesOldFilesOnly(t *testing.T) {
	layout := media.Layout{DataDir: t.TempDir()}
	old := filepath.Join(layout.DataDir, "tmp", "holiday", "a.mp4")
	fresh := filepath.Join(layout.DataDir, "tmp", "holiday", "b.mp4")
	writeAged(t, old, 5*time.Hour)
	writeAged(t, fresh, time.Minute)

	st, mock := newMockStore(t)
	expectDBSweeps(mock, 0)

	s := &Sweeper{Store: st, Layout: layout, Log: zerolog.Nop(), Hostname: "host-1"}
	rep, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.TempFilesRemoved)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepTempSkipsWhenTranscodeActive(t *testing.T) {
	layout := media.Layout{DataDir: t.TempDir()}
	old := filepath.Join(layout.DataDir, "tmp", "holiday", "a.mp4")
	writeAged(t, old, 5*time.Hour)

	st, mock := newMockStore(t)
	expectDBSweeps(mock, 1)

	s := &Sweeper{Store: st, Layout: layout, Log: zerolog.Nop(), Hostname: "host-1"}
	rep, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, rep.TempFilesRemoved)
	assert.FileExists(t, old)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepOrphanFrames(t *testing.T) {
	layout := media.Layout{DataDir: t.TempDir()}
	known := filepath.Join(layout.DataDir, "video_scenes", "holiday", "9", "0.000_10.000.jpg")
	orphanOld := filepath.Join(layout.DataDir, "video_scenes", "holiday", "9", "10.000_20.000.jpg")
	orphanFresh := filepath.Join(layout.DataDir, "video_scenes", "holiday", "9", "20.000_30.000.jpg")
	writeAged(t, known, time.Hour)
	writeAged(t, orphanOld, time.Hour)
	writeAged(t, orphanFresh, time.Minute)

	st, mock := newMockStore(t)
	mock.ExpectExec(`lease_expires_at < now`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM worker_status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`count\(\*\) FROM worker_status`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT vs\.rep_frame_path`).
		WillReturnRows(sqlmock.NewRows([]string{"rep_frame_path"}).
			AddRow("video_scenes/holiday/9/0.000_10.000.jpg"))

	s := &Sweeper{Store: st, Layout: layout, Log: zerolog.Nop(), Hostname: "host-1"}
	rep, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.OrphanFramesRemoved)
	assert.FileExists(t, known)
	assert.NoFileExists(t, orphanOld)
	assert.FileExists(t, orphanFresh, "files younger than the age guard survive")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDryRunDeletesNothing(t *testing.T) {
	layout := media.Layout{DataDir: t.TempDir()}
	old := filepath.Join(layout.DataDir, "tmp", "holiday", "a.mp4")
	orphan := filepath.Join(layout.DataDir, "video_scenes", "holiday", "9", "0.000_10.000.jpg")
	writeAged(t, old, 5*time.Hour)
	writeAged(t, orphan, time.Hour)

	st, mock := newMockStore(t)
	// Dry run never touches asset or worker rows.
	mock.ExpectQuery(`count\(\*\) FROM worker_status`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT vs\.rep_frame_path`).
		WillReturnRows(sqlmock.NewRows([]string{"rep_frame_path"}))

	s := &Sweeper{Store: st, Layout: layout, Log: zerolog.Nop(), Hostname: "host-1", DryRun: true}
	rep, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.TempFilesRemoved)
	assert.Equal(t, 1, rep.OrphanFramesRemoved)
	assert.FileExists(t, old)
	assert.FileExists(t, orphan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLibraryScopesDiskSweeps(t *testing.T) {
	layout := media.Layout{DataDir: t.TempDir()}
	inScope := filepath.Join(layout.DataDir, "tmp", "holiday", "a.mp4")
	outOfScope := filepath.Join(layout.DataDir, "tmp", "archive", "b.mp4")
	writeAged(t, inScope, 5*time.Hour)
	writeAged(t, outOfScope, 5*time.Hour)

	st, mock := newMockStore(t)
	expectDBSweeps(mock, 0)

	s := &Sweeper{Store: st, Layout: layout, Log: zerolog.Nop(), Hostname: "host-1", Library: "holiday"}
	rep, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.TempFilesRemoved)
	assert.NoFileExists(t, inScope)
	assert.FileExists(t, outOfScope)
	assert.NoError(t, mock.ExpectationsWereMet())
}
