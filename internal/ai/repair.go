package ai

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/store"
)

const repairPageSize = 500

// Repair resets assets analyzed with a model other than their library's
// effective target back to proxied, clearing the stale model references.
// Like every repair pass it only resets; re-analysis runs through the normal
// claim path.
func Repair(ctx context.Context, st *store.Store, library string, systemDefaultModelID int64, log zerolog.Logger) (int64, error) {
	libs, err := st.Libraries.List(ctx, false)
	if err != nil {
		return 0, err
	}

	var stale []int64
	for _, lib := range libs {
		if library != "" && lib.Slug != library {
			continue
		}
		effective := systemDefaultModelID
		if lib.TargetTaggerID.Valid {
			effective = lib.TargetTaggerID.Int64
		}
		if effective == 0 {
			log.Warn().Str("library", lib.Slug).Msg("no effective model, skipping")
			continue
		}
		for offset := 0; ; offset += repairPageSize {
			ids, err := st.Assets.PageWrongModel(ctx, lib.Slug, effective, repairPageSize, offset)
			if err != nil {
				return 0, err
			}
			stale = append(stale, ids...)
			if len(ids) < repairPageSize {
				break
			}
		}
	}

	var reset int64
	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		if err := st.Assets.ResetForReanalysis(ctx, id); err != nil {
			return reset, err
		}
		reset++
		log.Info().Int64("asset_id", id).Msg("analyzed with wrong model, reset to proxied")
	}
	return reset, nil
}
