package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/store"
)

// PermanentError marks a failure that retrying cannot fix (unsupported file,
// corrupt container). The asset is poisoned immediately instead of burning
// through the retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// MarkFailure records a task failure on the asset: poison for permanent
// errors, otherwise failed (which itself escalates to poisoned once the retry
// budget is spent).
func MarkFailure(ctx context.Context, assets *store.AssetRepo, asset *store.Asset, err error, log zerolog.Logger) {
	msg := err.Error()
	if IsPermanent(err) {
		log.Error().Err(err).Int64("asset_id", asset.ID).Str("rel_path", asset.RelPath).
			Msg("permanent failure, poisoning asset")
		if perr := assets.MarkPoisoned(ctx, asset.ID, msg); perr != nil {
			log.Error().Err(perr).Int64("asset_id", asset.ID).Msg("could not poison asset")
		}
		return
	}
	if asset.RetryCount > store.MaxRetries {
		msg = fmt.Sprintf("%s\n\nRetry limit exceeded (retry_count=%d > %d)", msg, asset.RetryCount, store.MaxRetries)
	}
	log.Error().Err(err).Int64("asset_id", asset.ID).Str("rel_path", asset.RelPath).
		Int("retry_count", asset.RetryCount).Msg("task failure, marking asset failed")
	if ferr := assets.MarkFailed(ctx, asset.ID, msg); ferr != nil {
		log.Error().Err(ferr).Int64("asset_id", asset.ID).Msg("could not mark asset failed")
	}
}
