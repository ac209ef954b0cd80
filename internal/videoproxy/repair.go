package videoproxy

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
)

const repairPageSize = 500

// Repair resets video assets whose derivative files went missing back to
// pending. Like the image variant it is only a resetter; regeneration runs
// through the normal claim path.
func Repair(ctx context.Context, st *store.Store, layout media.Layout, library string, log zerolog.Logger) (int64, error) {
	var missing []int64
	for offset := 0; ; offset += repairPageSize {
		refs, err := st.Assets.PageExpectingDerivatives(ctx, library, repairPageSize, offset)
		if err != nil {
			return 0, err
		}
		for _, ref := range refs {
			if media.Kind(ref.Type) != media.KindVideo {
				continue
			}
			if fileMissing(layout.Abs(layout.ThumbnailRel(ref.LibraryID, ref.ID))) ||
				(ref.Preview.Valid && fileMissing(layout.Abs(ref.Preview.String))) {
				missing = append(missing, ref.ID)
			}
		}
		if len(refs) < repairPageSize {
			break
		}
	}

	var reset int64
	for _, id := range missing {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		if err := st.Assets.SetStatus(ctx, id, store.StatusPending); err != nil {
			return reset, err
		}
		reset++
		log.Info().Int64("asset_id", id).Msg("video derivatives missing, reset to pending")
	}
	return reset, nil
}

func fileMissing(path string) bool {
	info, err := os.Stat(path)
	return err != nil || info.Size() == 0
}
