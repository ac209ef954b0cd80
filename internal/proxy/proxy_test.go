package proxy

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

	"github.com/ManuGH/mediasearch/internal/ffmpeg"
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

var assetColumns = []string{
	"id", "library_id", "rel_path", "type", "mtime", "size", "status", "claimed_from",
	"tags_model_id", "analysis_model_id", "error_message", "worker_id", "lease_expires_at",
	"retry_count", "video_preview_path", "segmentation_version",
}

func assetRow(id int64, relPath string) *sqlmock.Rows {
	return sqlmock.NewRows(assetColumns).AddRow(
		id, "holiday", relPath, "image", 1000.0, int64(100), "processing", "pending",
		nil, nil, nil, "w1", time.Now().Add(5*time.Minute), 1, nil, nil)
}

func libraryRow(slug, path string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"slug", "name", "absolute_path", "is_active", "scan_status", "target_tagger_id", "deleted_at"}).
		AddRow(slug, slug, path, true, "idle", nil, nil)
}

// stubFFmpeg installs a fake ffmpeg binary that writes one byte to its last
// argument (the output path), or fails when exitCode is non-zero.
func stubFFmpeg(t *testing.T, exitCode int) {
	t.Helper()
	script := "#!/bin/sh\nfor last; do :; done\nmkdir -p \"$(dirname \"$last\")\"\nprintf x > \"$last\"\n"
	if exitCode != 0 {
		script = "#!/bin/sh\necho 'decode error' >&2\nexit 1\n"
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	prev := ffmpeg.FFmpegBin
	ffmpeg.FFmpegBin = path
	t.Cleanup(func() { ffmpeg.FFmpegBin = prev })
}

func TestProcessNoWork(t *testing.T) {
	st, mock := newMockStore(t)
	// Pending first, then the failed fallback; both empty.
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`status = 'processing'`).
			WillReturnRows(sqlmock.NewRows(assetColumns))
	}

	task := &Task{Store: st, WorkerID: "w1", Log: zerolog.Nop()}
	worked, err := task.Process(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessGeneratesDerivatives(t *testing.T) {
	stubFFmpeg(t, 0)
	srcRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a.jpg"), []byte("img"), 0o644))

	st, mock := newMockStore(t)
	mock.ExpectQuery(`status = 'processing'`).
		WillReturnRows(assetRow(7, "a.jpg"))
	mock.ExpectQuery(`FROM library WHERE slug`).
		WillReturnRows(libraryRow("holiday", srcRoot))
	mock.ExpectExec(`status = 'proxied'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	layout := media.Layout{DataDir: t.TempDir()}
	task := &Task{Store: st, WorkerID: "w1", Log: zerolog.Nop(), Layout: layout}
	worked, err := task.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.FileExists(t, layout.Abs(layout.ProxyRel("holiday", 7)))
	assert.FileExists(t, layout.Abs(layout.ThumbnailRel("holiday", 7)))
	assert.Equal(t, int64(1), task.processed.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessDecodeFailurePoisons(t *testing.T) {
	stubFFmpeg(t, 1)
	srcRoot := t.TempDir()

	st, mock := newMockStore(t)
	mock.ExpectQuery(`status = 'processing'`).
		WillReturnRows(assetRow(8, "broken.cr2"))
	mock.ExpectQuery(`FROM library WHERE slug`).
		WillReturnRows(libraryRow("holiday", srcRoot))
	mock.ExpectExec(`status = 'poisoned'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := &Task{Store: st, WorkerID: "w1", Log: zerolog.Nop(), Layout: media.Layout{DataDir: t.TempDir()}}
	worked, err := task.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, worked, "a failed asset still counts as handled work")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepairResetsOnlyMissing(t *testing.T) {
	layout := media.Layout{DataDir: t.TempDir()}
	// Asset 1 has both derivatives, asset 2 lost its thumbnail, asset 3 is a
	// video and not this stage's problem.
	for _, rel := range []string{
		layout.ProxyRel("holiday", 1), layout.ThumbnailRel("holiday", 1),
		layout.ProxyRel("holiday", 2),
	} {
		abs := layout.Abs(rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte("x"), 0o644))
	}

	st, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "library_id", "type", "video_preview_path"}).
		AddRow(1, "holiday", "image", nil).
		AddRow(2, "holiday", "image", nil).
		AddRow(3, "holiday", "video", nil)
	mock.ExpectQuery(`FROM asset a JOIN library l`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE asset SET status = \$1 WHERE id = \$2`).
		WithArgs("pending", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	reset, err := Repair(context.Background(), st, layout, "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScaleFilterNeverUpscales(t *testing.T) {
	assert.Equal(t,
		"scale='min(768,iw)':'min(768,ih)':force_original_aspect_ratio=decrease",
		ScaleFilter(768))
}
