package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SceneRepo persists video scenes and the per-asset resume checkpoint.
type SceneRepo struct {
	db *sqlx.DB
}

const sceneColumns = `id, asset_id, start_ts, end_ts, rep_frame_path, sharpness_score, keep_reason, description, metadata`

// List returns all scenes of an asset ordered by start_ts.
func (r *SceneRepo) List(ctx context.Context, assetID int64) ([]VideoScene, error) {
	var out []VideoScene
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+sceneColumns+` FROM video_scene WHERE asset_id = $1 ORDER BY start_ts`, assetID)
	if err != nil {
		return nil, fmt.Errorf("asset %d: list scenes: %w", assetID, err)
	}
	return out, nil
}

// MaxEndTS returns the largest end_ts persisted for the asset; ok is false
// when no scenes exist.
func (r *SceneRepo) MaxEndTS(ctx context.Context, assetID int64) (float64, bool, error) {
	var v sql.NullFloat64
	err := r.db.GetContext(ctx, &v, `SELECT max(end_ts) FROM video_scene WHERE asset_id = $1`, assetID)
	if err != nil {
		return 0, false, fmt.Errorf("asset %d: max end_ts: %w", assetID, err)
	}
	return v.Float64, v.Valid, nil
}

// LastDescription returns the description of the most recent scene, for
// semantic-duplicate flagging. Empty when none exists.
func (r *SceneRepo) LastDescription(ctx context.Context, assetID int64) (string, error) {
	var desc sql.NullString
	err := r.db.GetContext(ctx, &desc, `
		SELECT description FROM video_scene WHERE asset_id = $1
		ORDER BY end_ts DESC LIMIT 1`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("asset %d: last description: %w", assetID, err)
	}
	return desc.String, nil
}

// ActiveState loads the resume checkpoint, or nil when the last run finished
// cleanly.
func (r *SceneRepo) ActiveState(ctx context.Context, assetID int64) (*VideoActiveState, error) {
	var st VideoActiveState
	err := r.db.GetContext(ctx, &st, `
		SELECT asset_id, anchor_phash, scene_start_ts, current_best_pts, current_best_sharpness
		FROM video_active_state WHERE asset_id = $1`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("asset %d: active state: %w", assetID, err)
	}
	return &st, nil
}

// SaveSceneAndState is the per-scene checkpoint transaction: insert the
// closed scene, upsert (or delete, at end of stream) the active state, and
// renew the asset's lease. One transaction so a crash never leaves a scene
// without its matching checkpoint.
func (r *SceneRepo) SaveSceneAndState(ctx context.Context, scene *VideoScene, state *VideoActiveState, leaseTTL time.Duration) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("scene checkpoint: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sceneID int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO video_scene (asset_id, start_ts, end_ts, rep_frame_path, sharpness_score, keep_reason, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		scene.AssetID, scene.StartTS, scene.EndTS, scene.RepFramePath,
		scene.SharpnessScore, string(scene.KeepReason), scene.Description, scene.Metadata).Scan(&sceneID)
	if err != nil {
		return 0, fmt.Errorf("scene checkpoint: insert scene: %w", err)
	}

	if state != nil {
		if err := upsertActiveStateTx(ctx, tx, state); err != nil {
			return 0, err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM video_active_state WHERE asset_id = $1`, scene.AssetID); err != nil {
			return 0, fmt.Errorf("scene checkpoint: delete state: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE asset SET lease_expires_at = now() + make_interval(secs => $1) WHERE id = $2`,
		leaseTTL.Seconds(), scene.AssetID); err != nil {
		return 0, fmt.Errorf("scene checkpoint: renew lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("scene checkpoint: commit: %w", err)
	}
	return sceneID, nil
}

func upsertActiveStateTx(ctx context.Context, tx *sqlx.Tx, state *VideoActiveState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO video_active_state (asset_id, anchor_phash, scene_start_ts, current_best_pts, current_best_sharpness)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (asset_id) DO UPDATE SET
			anchor_phash = EXCLUDED.anchor_phash,
			scene_start_ts = EXCLUDED.scene_start_ts,
			current_best_pts = EXCLUDED.current_best_pts,
			current_best_sharpness = EXCLUDED.current_best_sharpness`,
		state.AssetID, state.AnchorPHash, state.SceneStartTS, state.CurrentBestPTS, state.CurrentBestSharpness)
	if err != nil {
		return fmt.Errorf("scene checkpoint: upsert state: %w", err)
	}
	return nil
}

// UpsertActiveState writes the checkpoint outside a scene close (a cut with
// no eligible best frame still moves the anchor).
func (r *SceneRepo) UpsertActiveState(ctx context.Context, state *VideoActiveState) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("active state: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertActiveStateTx(ctx, tx, state); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteActiveState removes the checkpoint (end of stream with nothing to
// persist).
func (r *SceneRepo) DeleteActiveState(ctx context.Context, assetID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM video_active_state WHERE asset_id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("asset %d: delete active state: %w", assetID, err)
	}
	return nil
}

// ClearForAsset removes all scenes and the checkpoint, forcing a full
// re-segmentation (parameter invalidation).
func (r *SceneRepo) ClearForAsset(ctx context.Context, assetID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("asset %d: clear scenes: begin: %w", assetID, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM video_scene WHERE asset_id = $1`, assetID); err != nil {
		return fmt.Errorf("asset %d: clear scenes: %w", assetID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM video_active_state WHERE asset_id = $1`, assetID); err != nil {
		return fmt.Errorf("asset %d: clear state: %w", assetID, err)
	}
	return tx.Commit()
}

// UpdateVision attaches vision output to a scene. The caller is responsible
// for the strict-merge read-before-write discipline.
func (r *SceneRepo) UpdateVision(ctx context.Context, sceneID int64, description string, metadata []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE video_scene SET description = $1, metadata = $2 WHERE id = $3`,
		description, metadata, sceneID)
	if err != nil {
		return fmt.Errorf("scene %d: update vision: %w", sceneID, err)
	}
	return nil
}

// GetMetadata re-reads a single scene's metadata just before a merge write.
func (r *SceneRepo) GetMetadata(ctx context.Context, sceneID int64) ([]byte, sql.NullString, error) {
	var meta []byte
	var desc sql.NullString
	err := r.db.QueryRowxContext(ctx,
		`SELECT metadata, description FROM video_scene WHERE id = $1`, sceneID).Scan(&meta, &desc)
	if err != nil {
		return nil, sql.NullString{}, fmt.Errorf("scene %d: get metadata: %w", sceneID, err)
	}
	return meta, desc, nil
}

// RepFramePaths returns every rep_frame_path outside trashed libraries, for
// the orphan-file sweep.
func (r *SceneRepo) RepFramePaths(ctx context.Context) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out, `
		SELECT vs.rep_frame_path
		FROM video_scene vs
		JOIN asset a ON a.id = vs.asset_id
		JOIN library l ON l.slug = a.library_id
		WHERE l.deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("rep frame paths: %w", err)
	}
	return out, nil
}
