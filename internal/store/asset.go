package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ManuGH/mediasearch/internal/media"
)

// ErrNoWork signals an empty eligible pool; callers sleep and retry.
var ErrNoWork = errors.New("no claimable work")

// AssetRepo is the queue/lease engine over the asset table.
type AssetRepo struct {
	db *sqlx.DB
}

const assetColumns = `id, library_id, rel_path, type, mtime, size, status, claimed_from,
	tags_model_id, analysis_model_id, error_message, worker_id, lease_expires_at,
	retry_count, video_preview_path, segmentation_version`

// Upsert inserts a discovered file or refreshes an existing row. Dirty
// detection: only when mtime or size differ does the status reset to pending
// and the derived model references clear. An unchanged file is a no-op on the
// status column, which is what makes repeated scans idempotent.
func (r *AssetRepo) Upsert(ctx context.Context, library, relPath string, kind media.Kind, mtime float64, size int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO asset (library_id, rel_path, type, mtime, size, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0)
		ON CONFLICT (library_id, rel_path)
		DO UPDATE SET
			type = EXCLUDED.type,
			mtime = EXCLUDED.mtime,
			size = EXCLUDED.size,
			status = CASE
				WHEN asset.mtime IS DISTINCT FROM EXCLUDED.mtime
				     OR asset.size IS DISTINCT FROM EXCLUDED.size
				THEN 'pending'
				ELSE asset.status
			END,
			tags_model_id = CASE
				WHEN asset.mtime IS DISTINCT FROM EXCLUDED.mtime
				     OR asset.size IS DISTINCT FROM EXCLUDED.size
				THEN NULL
				ELSE asset.tags_model_id
			END,
			analysis_model_id = CASE
				WHEN asset.mtime IS DISTINCT FROM EXCLUDED.mtime
				     OR asset.size IS DISTINCT FROM EXCLUDED.size
				THEN NULL
				ELSE asset.analysis_model_id
			END`,
		library, relPath, string(kind), mtime, size)
	if err != nil {
		return fmt.Errorf("asset upsert %s/%s: %w", library, relPath, err)
	}
	return nil
}

// ClaimSpec describes one claim attempt.
type ClaimSpec struct {
	WorkerID string
	Status   AssetStatus
	Kind     media.Kind
	LeaseTTL time.Duration

	// Library scopes the claim to one library when non-empty.
	Library string

	// ModelID, when set, restricts the claim to assets whose library's
	// effective target model (COALESCE(target_tagger_id, system default))
	// equals it. Forgetting this causes silent starvation when a library
	// overrides the default, so AI workers must always set both fields.
	ModelID              int64
	SystemDefaultModelID int64
}

// Claim atomically selects one eligible row with FOR UPDATE SKIP LOCKED and
// moves it to processing in the same statement: sets the worker, stamps the
// lease, increments retry_count, clears the error, and records the pre-claim
// status for reclaim. Returns ErrNoWork when the pool is empty.
//
// The select and update are one statement on purpose: split in two, a pair of
// workers can both observe the same row before either locks it.
func (r *AssetRepo) Claim(ctx context.Context, spec ClaimSpec) (*Asset, error) {
	var a Asset
	err := r.db.GetContext(ctx, &a, `
		UPDATE asset SET
			status = 'processing',
			claimed_from = asset.status,
			worker_id = $1,
			lease_expires_at = now() + make_interval(secs => $2),
			retry_count = retry_count + 1,
			error_message = NULL
		WHERE id = (
			SELECT a.id FROM asset a
			JOIN library l ON l.slug = a.library_id
			WHERE a.status = $3
			  AND a.type = $4
			  AND (a.status <> 'failed' OR a.retry_count <= $5)
			  AND l.is_active AND l.deleted_at IS NULL
			  AND ($6 = '' OR a.library_id = $6)
			  AND ($7::bigint = 0 OR COALESCE(l.target_tagger_id, $8) = $7)
			ORDER BY a.id
			FOR UPDATE OF a SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+assetColumns,
		spec.WorkerID, spec.LeaseTTL.Seconds(), string(spec.Status), string(spec.Kind),
		MaxRetries, spec.Library, spec.ModelID, spec.SystemDefaultModelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("asset claim: %w", err)
	}
	return &a, nil
}

// RenewLease extends the lease of a processing asset. Long stages call this
// at every durable checkpoint (scene close).
func (r *AssetRepo) RenewLease(ctx context.Context, assetID int64, ttl time.Duration) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE asset SET lease_expires_at = now() + make_interval(secs => $1) WHERE id = $2`,
		ttl.Seconds(), assetID)
	if err != nil {
		return fmt.Errorf("asset %d: renew lease: %w", assetID, err)
	}
	return nil
}

// Release restores the pre-claim status and drops the lease. Used on
// cooperative shutdown so the asset is immediately claimable again. The
// worker_id guard keeps a late release from clobbering a reclaimed row.
func (r *AssetRepo) Release(ctx context.Context, assetID int64, workerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE asset SET
			status = COALESCE(claimed_from, 'pending'),
			claimed_from = NULL,
			worker_id = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND status = 'processing'`,
		assetID, workerID)
	if err != nil {
		return fmt.Errorf("asset %d: release: %w", assetID, err)
	}
	return nil
}

// MarkFailed records a retryable failure: back to failed while under the
// retry cap, poisoned beyond it.
func (r *AssetRepo) MarkFailed(ctx context.Context, assetID int64, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE asset SET
			status = CASE WHEN retry_count > $1 THEN 'poisoned' ELSE 'failed' END,
			error_message = $2,
			worker_id = NULL,
			lease_expires_at = NULL
		WHERE id = $3`,
		MaxRetries, message, assetID)
	if err != nil {
		return fmt.Errorf("asset %d: mark failed: %w", assetID, err)
	}
	return nil
}

// MarkPoisoned records a permanent failure. Only maintenance retry-poisoned
// brings the asset back.
func (r *AssetRepo) MarkPoisoned(ctx context.Context, assetID int64, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE asset SET status = 'poisoned', error_message = $1,
			worker_id = NULL, lease_expires_at = NULL
		WHERE id = $2`,
		message, assetID)
	if err != nil {
		return fmt.Errorf("asset %d: mark poisoned: %w", assetID, err)
	}
	return nil
}

// advance moves a processing asset to the next stable status, resets the
// retry counter, and releases the lease.
func (r *AssetRepo) advance(ctx context.Context, assetID int64, status AssetStatus, extra string, args ...any) error {
	query := fmt.Sprintf(`
		UPDATE asset SET status = '%s', claimed_from = NULL, worker_id = NULL,
			lease_expires_at = NULL, retry_count = 0, error_message = NULL%s
		WHERE id = $1`, status, extra)
	_, err := r.db.ExecContext(ctx, query, append([]any{assetID}, args...)...)
	if err != nil {
		return fmt.Errorf("asset %d: advance to %s: %w", assetID, status, err)
	}
	return nil
}

// MarkProxied finishes the proxy stage.
func (r *AssetRepo) MarkProxied(ctx context.Context, assetID int64) error {
	return r.advance(ctx, assetID, StatusProxied, "")
}

// MarkAnalyzedLight finishes the light vision pass and records its model.
func (r *AssetRepo) MarkAnalyzedLight(ctx context.Context, assetID, modelID int64) error {
	return r.advance(ctx, assetID, StatusAnalyzedLight, ", tags_model_id = $2", modelID)
}

// MarkCompleted finishes the full vision pass and records its model.
func (r *AssetRepo) MarkCompleted(ctx context.Context, assetID, modelID int64) error {
	return r.advance(ctx, assetID, StatusCompleted, ", analysis_model_id = $2", modelID)
}

// SetStatus force-sets a status (repair passes only: repair is a resetter and
// must never advance the pipeline).
func (r *AssetRepo) SetStatus(ctx context.Context, assetID int64, status AssetStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE asset SET status = $1 WHERE id = $2`, string(status), assetID)
	if err != nil {
		return fmt.Errorf("asset %d: set status %s: %w", assetID, status, err)
	}
	return nil
}

// SetVideoPreviewPath records the head-clip path (relative to the data dir).
func (r *AssetRepo) SetVideoPreviewPath(ctx context.Context, assetID int64, rel string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE asset SET video_preview_path = $1 WHERE id = $2`, rel, assetID)
	if err != nil {
		return fmt.Errorf("asset %d: set preview path: %w", assetID, err)
	}
	return nil
}

// SetSegmentationVersion records the parameter version the current scene set
// was produced with.
func (r *AssetRepo) SetSegmentationVersion(ctx context.Context, assetID int64, version int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE asset SET segmentation_version = $1 WHERE id = $2`, version, assetID)
	if err != nil {
		return fmt.Errorf("asset %d: set segmentation version: %w", assetID, err)
	}
	return nil
}

// ClearVideoDerivatives drops the preview path and segmentation version,
// used when segmentation parameters were invalidated.
func (r *AssetRepo) ClearVideoDerivatives(ctx context.Context, assetID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE asset SET video_preview_path = NULL, segmentation_version = NULL WHERE id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("asset %d: clear video derivatives: %w", assetID, err)
	}
	return nil
}

// SetAnalysis stores the vision output for an image asset as JSONB.
func (r *AssetRepo) SetAnalysis(ctx context.Context, assetID int64, analysisJSON []byte) error {
	_, err := r.db.ExecContext(ctx, `UPDATE asset SET analysis = $1 WHERE id = $2`, analysisJSON, assetID)
	if err != nil {
		return fmt.Errorf("asset %d: set analysis: %w", assetID, err)
	}
	return nil
}

// GetAnalysis re-reads the stored vision document. The strict merge policy
// requires this immediately before every merge write.
func (r *AssetRepo) GetAnalysis(ctx context.Context, assetID int64) ([]byte, error) {
	var doc []byte
	err := r.db.GetContext(ctx, &doc, `SELECT analysis FROM asset WHERE id = $1`, assetID)
	if err != nil {
		return nil, fmt.Errorf("asset %d: get analysis: %w", assetID, err)
	}
	return doc, nil
}

// ReclaimExpired sweeps processing rows with expired leases back into the
// queue: under the retry cap they revert to the recorded pre-claim status,
// beyond it they are poisoned. Any worker may run this; lease expiry is the
// single source of truth for abandoned work.
func (r *AssetRepo) ReclaimExpired(ctx context.Context, library string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE asset SET
			status = CASE WHEN retry_count > $1 THEN 'poisoned' ELSE COALESCE(claimed_from, 'pending') END,
			error_message = CASE WHEN retry_count > $1
				THEN 'lease expired; retry limit exceeded' ELSE error_message END,
			claimed_from = CASE WHEN retry_count > $1 THEN claimed_from ELSE NULL END,
			worker_id = NULL,
			lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at < now()
		  AND ($2 = '' OR library_id = $2)`,
		MaxRetries, library)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetryPoisoned resets poisoned assets to pending with a fresh retry budget.
// Operator action only; the sweep never touches poisoned rows.
func (r *AssetRepo) RetryPoisoned(ctx context.Context, library string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE asset SET status = 'pending', retry_count = 0, error_message = NULL, claimed_from = NULL
		WHERE status = 'poisoned' AND ($1 = '' OR library_id = $1)`,
		library)
	if err != nil {
		return 0, fmt.Errorf("retry poisoned: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetByID loads one asset.
func (r *AssetRepo) GetByID(ctx context.Context, assetID int64) (*Asset, error) {
	var a Asset
	err := r.db.GetContext(ctx, &a, `SELECT `+assetColumns+` FROM asset WHERE id = $1`, assetID)
	if err != nil {
		return nil, fmt.Errorf("asset %d: get: %w", assetID, err)
	}
	return &a, nil
}

// ListByLibrary returns assets of a library, newest first, optionally
// filtered by status.
func (r *AssetRepo) ListByLibrary(ctx context.Context, library string, status AssetStatus, limit int) ([]Asset, error) {
	var out []Asset
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+assetColumns+` FROM asset
		WHERE library_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY id DESC LIMIT $3`,
		library, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list assets for %s: %w", library, err)
	}
	return out, nil
}

// DerivativeRef identifies an asset expected to have derivatives on disk.
type DerivativeRef struct {
	ID        int64          `db:"id"`
	LibraryID string         `db:"library_id"`
	Type      string         `db:"type"`
	Preview   sql.NullString `db:"video_preview_path"`
}

// PageExpectingDerivatives pages assets whose status implies derivatives
// exist on disk. The repair pass walks these and resets the ones whose files
// went missing.
func (r *AssetRepo) PageExpectingDerivatives(ctx context.Context, library string, limit, offset int) ([]DerivativeRef, error) {
	var out []DerivativeRef
	err := r.db.SelectContext(ctx, &out, `
		SELECT a.id, a.library_id, a.type, a.video_preview_path
		FROM asset a JOIN library l ON l.slug = a.library_id
		WHERE a.status IN ('proxied', 'analyzed_light', 'completed')
		  AND l.deleted_at IS NULL
		  AND ($1 = '' OR a.library_id = $1)
		ORDER BY a.id LIMIT $2 OFFSET $3`,
		library, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("page derivative refs: %w", err)
	}
	return out, nil
}

// PageWrongModel pages assets analyzed with a model other than the library's
// effective target. Videos carry only analysis_model_id, hence the COALESCE.
// The AI repair pass resets these to proxied.
func (r *AssetRepo) PageWrongModel(ctx context.Context, library string, effectiveModelID int64, limit, offset int) ([]int64, error) {
	var out []int64
	err := r.db.SelectContext(ctx, &out, `
		SELECT id FROM asset
		WHERE library_id = $1
		  AND status IN ('analyzed_light', 'completed')
		  AND COALESCE(tags_model_id, analysis_model_id) IS NOT NULL
		  AND COALESCE(tags_model_id, analysis_model_id) <> $2
		ORDER BY id LIMIT $3 OFFSET $4`,
		library, effectiveModelID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("page wrong-model assets: %w", err)
	}
	return out, nil
}

// ResetForReanalysis returns a wrong-model asset to proxied and clears the
// stale model references so the model invariants keep holding.
func (r *AssetRepo) ResetForReanalysis(ctx context.Context, assetID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE asset SET status = 'proxied', tags_model_id = NULL, analysis_model_id = NULL
		WHERE id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("asset %d: reset for reanalysis: %w", assetID, err)
	}
	return nil
}

// StatusCounts returns the admin-visible status histogram.
func (r *AssetRepo) StatusCounts(ctx context.Context, library string) (map[AssetStatus]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT status, count(*) FROM asset
		WHERE ($1 = '' OR library_id = $1)
		GROUP BY status`,
		library)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	out := make(map[AssetStatus]int64)
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[AssetStatus(s)] = n
	}
	return out, rows.Err()
}
