package videoproxy

import (
	"context"
	"database/sql"
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

func videoAssetRow(id int64, relPath string, segVersion any) *sqlmock.Rows {
	return sqlmock.NewRows(assetColumns).AddRow(
		id, "holiday", relPath, "video", 1000.0, int64(500), "processing", "pending",
		nil, nil, nil, "w1", time.Now().Add(5*time.Minute), 1, nil, segVersion)
}

func libraryRow(slug, path string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"slug", "name", "absolute_path", "is_active", "scan_status", "target_tagger_id", "deleted_at"}).
		AddRow(slug, slug, path, true, "idle", nil, nil)
}

// stubTools installs fake ffmpeg/ffprobe binaries. The ffprobe stub reports a
// 1280x720 stream of the given duration. The ffmpeg stub emits two flat
// rawvideo frames with showinfo timestamps when decoding, fails outright when
// fail is set, and otherwise writes one byte to its last (output) argument.
func stubTools(t *testing.T, duration string, fail bool) {
	t.Helper()
	dir := t.TempDir()

	probe := "#!/bin/sh\ncase \"$*\" in\n" +
		"*width,height*) echo '1280,720';;\n" +
		"*duration*) echo '" + duration + "';;\n" +
		"esac\n"
	probePath := filepath.Join(dir, "ffprobe")
	require.NoError(t, os.WriteFile(probePath, []byte(probe), 0o755))

	// 480x270 rgb24 frames are 388800 bytes each.
	mpeg := "#!/bin/sh\n"
	if fail {
		mpeg += "echo 'decode error' >&2\nexit 1\n"
	} else {
		mpeg += "case \"$*\" in\n" +
			"*rawvideo*)\n" +
			"  echo '[Parsed_showinfo_2 @ 0x0] n:0 pts_time:0.0' >&2\n" +
			"  echo '[Parsed_showinfo_2 @ 0x0] n:1 pts_time:1.0' >&2\n" +
			"  head -c 777600 /dev/zero\n" +
			"  ;;\n" +
			"*)\n" +
			"  for last; do :; done\n" +
			"  mkdir -p \"$(dirname \"$last\")\"\n" +
			"  printf x > \"$last\"\n" +
			"  ;;\n" +
			"esac\n"
	}
	mpegPath := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(mpegPath, []byte(mpeg), 0o755))

	prevMpeg, prevProbe := ffmpeg.FFmpegBin, ffmpeg.FFprobeBin
	ffmpeg.FFmpegBin, ffmpeg.FFprobeBin = mpegPath, probePath
	t.Cleanup(func() { ffmpeg.FFmpegBin, ffmpeg.FFprobeBin = prevMpeg, prevProbe })
}

func TestProcessNoWork(t *testing.T) {
	st, mock := newMockStore(t)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`status = 'processing'`).
			WillReturnRows(sqlmock.NewRows(assetColumns))
	}

	task := &Task{Store: st, WorkerID: "w1", Log: zerolog.Nop()}
	worked, err := task.Process(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcessFullChain(t *testing.T) {
	stubTools(t, "2.0", false)
	srcRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "clip.mp4"), []byte("v"), 0o644))

	st, mock := newMockStore(t)
	mock.ExpectQuery(`status = 'processing'`).
		WillReturnRows(videoAssetRow(9, "clip.mp4", nil))
	mock.ExpectQuery(`FROM library WHERE slug`).
		WillReturnRows(libraryRow("holiday", srcRoot))

	// First resume lookup finds no scenes; the truncation check afterwards
	// sees the forced close extended to the container duration.
	mock.ExpectQuery(`SELECT max\(end_ts\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(`SELECT max\(end_ts\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2.0))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO video_scene`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`DELETE FROM video_active_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`lease_expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec(`SET video_preview_path = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET segmentation_version`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`status = 'proxied'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	layout := media.Layout{DataDir: t.TempDir()}
	task := &Task{
		Store: st, WorkerID: "w1", Log: zerolog.Nop(),
		Layout: layout, UseRawPreviews: true,
	}
	worked, err := task.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.FileExists(t, layout.Abs(layout.ThumbnailRel("holiday", 9)))
	assert.FileExists(t, layout.Abs(layout.HeadClipRel("holiday", 9)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessTranscodeFailureMarksFailed(t *testing.T) {
	stubTools(t, "2.0", true)
	srcRoot := t.TempDir()

	st, mock := newMockStore(t)
	mock.ExpectQuery(`status = 'processing'`).
		WillReturnRows(videoAssetRow(10, "bad.mkv", nil))
	mock.ExpectQuery(`FROM library WHERE slug`).
		WillReturnRows(libraryRow("holiday", srcRoot))
	mock.ExpectExec(`ELSE 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := &Task{Store: st, WorkerID: "w1", Log: zerolog.Nop(), Layout: media.Layout{DataDir: t.TempDir()}}
	worked, err := task.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateStaleScenes(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM video_scene`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM video_active_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`video_preview_path = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := &Task{Store: st, WorkerID: "w1", Log: zerolog.Nop()}
	asset := &store.Asset{ID: 11, SegmentationVersion: sql.NullInt64{Int64: 1, Valid: true}}
	require.NoError(t, task.invalidateStaleScenes(context.Background(), asset, zerolog.Nop()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateSkipsLegacyAssets(t *testing.T) {
	st, mock := newMockStore(t)
	task := &Task{Store: st, WorkerID: "w1", Log: zerolog.Nop()}
	asset := &store.Asset{ID: 12}
	require.NoError(t, task.invalidateStaleScenes(context.Background(), asset, zerolog.Nop()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteAnimatedPreview(t *testing.T) {
	stubTools(t, "2.0", false)
	layout := media.Layout{DataDir: t.TempDir()}

	var scenes []store.VideoScene
	for i := 0; i < 3; i++ {
		rel := layout.SceneFrameRel("holiday", 13, float64(i), float64(i+1))
		abs := layout.Abs(rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte("jpg"), 0o644))
		scenes = append(scenes, store.VideoScene{AssetID: 13, RepFramePath: rel})
	}

	require.NoError(t, WriteAnimatedPreview(context.Background(), layout, "holiday", 13, scenes))
	assert.FileExists(t, layout.Abs(layout.PreviewRel("holiday", 13)))
}

func TestSampleScenesEvenSpread(t *testing.T) {
	scenes := make([]store.VideoScene, 10)
	for i := range scenes {
		scenes[i].ID = int64(i)
	}
	got := sampleScenes(scenes, 4)
	require.Len(t, got, 4)
	assert.Equal(t, []int64{0, 2, 5, 7}, []int64{got[0].ID, got[1].ID, got[2].ID, got[3].ID})

	assert.Len(t, sampleScenes(scenes, 60), 10)
}

func TestStatsExposeTranscodeStage(t *testing.T) {
	task := &Task{}
	task.setStage(7, StageTranscode)
	task.setProgress(0.5)
	stats := task.Stats()
	assert.Equal(t, StageTranscode, stats["current_stage"])
	assert.Equal(t, 0.5, stats["current_stage_progress"])
	assert.Equal(t, int64(7), stats["current_asset_id"])
}
