package store

import (
	"database/sql"
	"time"
)

// ScanStatus is the library scan lifecycle.
type ScanStatus string

const (
	ScanIdle      ScanStatus = "idle"
	ScanRequested ScanStatus = "scan_requested"
	ScanScanning  ScanStatus = "scanning"
)

// AssetStatus is the pipeline status of an asset. Progression is expressed
// solely through these transitions; workers select on status.
type AssetStatus string

const (
	StatusPending       AssetStatus = "pending"
	StatusProcessing    AssetStatus = "processing"
	StatusProxied       AssetStatus = "proxied"
	StatusAnalyzedLight AssetStatus = "analyzed_light"
	StatusCompleted     AssetStatus = "completed"
	StatusFailed        AssetStatus = "failed"
	StatusPoisoned      AssetStatus = "poisoned"
)

// MaxRetries is the retry cap: a claim observing retry_count above this marks
// the asset poisoned instead of failed.
const MaxRetries = 5

// WorkerState mirrors the worker_status.state column.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerProcessing WorkerState = "processing"
	WorkerPaused     WorkerState = "paused"
	WorkerOffline    WorkerState = "offline"
)

// WorkerCommand is the pending operator command for a worker.
type WorkerCommand string

const (
	CommandNone         WorkerCommand = "none"
	CommandPause        WorkerCommand = "pause"
	CommandResume       WorkerCommand = "resume"
	CommandShutdown     WorkerCommand = "shutdown"
	CommandForensicDump WorkerCommand = "forensic_dump"
)

// SceneCloseReason records why a scene was closed.
type SceneCloseReason string

const (
	ClosePHash    SceneCloseReason = "phash"
	CloseTemporal SceneCloseReason = "temporal"
	CloseForced   SceneCloseReason = "forced"
)

// Library is one registered media library. Soft-deleted libraries are
// invisible to every normal query; the slug stays reserved until the trash
// is emptied.
type Library struct {
	Slug           string         `db:"slug"`
	Name           string         `db:"name"`
	AbsolutePath   string         `db:"absolute_path"`
	IsActive       bool           `db:"is_active"`
	ScanStatus     ScanStatus     `db:"scan_status"`
	TargetTaggerID sql.NullInt64  `db:"target_tagger_id"`
	DeletedAt      sql.NullTime   `db:"deleted_at"`
}

// Asset is one discovered media file with its pipeline state.
type Asset struct {
	ID                  int64           `db:"id"`
	LibraryID           string          `db:"library_id"`
	RelPath             string          `db:"rel_path"`
	Type                string          `db:"type"`
	Mtime               float64         `db:"mtime"`
	Size                int64           `db:"size"`
	Status              AssetStatus     `db:"status"`
	ClaimedFrom         sql.NullString  `db:"claimed_from"`
	TagsModelID         sql.NullInt64   `db:"tags_model_id"`
	AnalysisModelID     sql.NullInt64   `db:"analysis_model_id"`
	ErrorMessage        sql.NullString  `db:"error_message"`
	WorkerID            sql.NullString  `db:"worker_id"`
	LeaseExpiresAt      sql.NullTime    `db:"lease_expires_at"`
	RetryCount          int             `db:"retry_count"`
	VideoPreviewPath    sql.NullString  `db:"video_preview_path"`
	SegmentationVersion sql.NullInt64   `db:"segmentation_version"`
}

// VideoScene is one closed scene of a video asset.
type VideoScene struct {
	ID             int64            `db:"id"`
	AssetID        int64            `db:"asset_id"`
	StartTS        float64          `db:"start_ts"`
	EndTS          float64          `db:"end_ts"`
	RepFramePath   string           `db:"rep_frame_path"`
	SharpnessScore float64          `db:"sharpness_score"`
	KeepReason     SceneCloseReason `db:"keep_reason"`
	Description    sql.NullString   `db:"description"`
	Metadata       []byte           `db:"metadata"` // raw JSONB, nil when absent
}

// VideoActiveState is the resume checkpoint for an asset mid-segmentation.
// At most one row per asset; deleted when indexing finishes cleanly.
type VideoActiveState struct {
	AssetID              int64   `db:"asset_id"`
	AnchorPHash          string  `db:"anchor_phash"`
	SceneStartTS         float64 `db:"scene_start_ts"`
	CurrentBestPTS       float64 `db:"current_best_pts"`
	CurrentBestSharpness float64 `db:"current_best_sharpness"`
}

// WorkerStatusRow is one worker process as seen through the database.
type WorkerStatusRow struct {
	WorkerID   string        `db:"worker_id"`
	Hostname   string        `db:"hostname"`
	LastSeenAt time.Time     `db:"last_seen_at"`
	State      WorkerState   `db:"state"`
	Command    WorkerCommand `db:"command"`
	Stats      []byte        `db:"stats"` // raw JSONB, nil when absent
}

// AIModel is a registered vision model (name, version).
type AIModel struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	Version string `db:"version"`
}
