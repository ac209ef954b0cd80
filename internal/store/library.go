package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrLibraryNotFound is returned for a missing or (unless asked) soft-deleted
// library.
var ErrLibraryNotFound = errors.New("library not found")

// ErrSlugTaken is returned when a slug collides with an existing library,
// including one sitting in the trash.
var ErrSlugTaken = errors.New("library slug already in use")

// LibraryRepo is the library catalogue. Soft-delete filtering is explicit:
// every read takes an includeDeleted flag instead of hiding rows by magic.
type LibraryRepo struct {
	db *sqlx.DB
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives the URL-safe slug from a display name.
func Slugify(name string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return "library"
	}
	return slug
}

const libraryColumns = `slug, name, absolute_path, is_active, scan_status, target_tagger_id, deleted_at`

func (r *LibraryRepo) deletedClause(includeDeleted bool) string {
	if includeDeleted {
		return ""
	}
	return " AND deleted_at IS NULL"
}

// Add registers a new library and returns its slug. Slug uniqueness is
// enforced against trashed libraries too: the reserved name only frees up
// when the trash is emptied.
func (r *LibraryRepo) Add(ctx context.Context, name, absolutePath string) (string, error) {
	slug := Slugify(name)
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("library add: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deletedAt sql.NullTime
	err = tx.QueryRowxContext(ctx, `SELECT deleted_at FROM library WHERE slug = $1`, slug).Scan(&deletedAt)
	switch {
	case err == nil:
		if deletedAt.Valid {
			return "", fmt.Errorf("%w: a deleted library with slug %q is in the trash; restore it or pick a different name", ErrSlugTaken, slug)
		}
		return "", fmt.Errorf("%w: an active library with slug %q exists", ErrSlugTaken, slug)
	case errors.Is(err, sql.ErrNoRows):
		// free
	default:
		return "", fmt.Errorf("library add: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO library (slug, name, absolute_path, is_active, scan_status)
		VALUES ($1, $2, $3, TRUE, 'idle')`,
		slug, name, absolutePath)
	if err != nil {
		return "", fmt.Errorf("library add: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("library add: commit: %w", err)
	}
	return slug, nil
}

// GetBySlug loads one library.
func (r *LibraryRepo) GetBySlug(ctx context.Context, slug string, includeDeleted bool) (*Library, error) {
	var lib Library
	err := r.db.GetContext(ctx, &lib,
		`SELECT `+libraryColumns+` FROM library WHERE slug = $1`+r.deletedClause(includeDeleted), slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLibraryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("library %s: get: %w", slug, err)
	}
	return &lib, nil
}

// List returns libraries ordered by slug.
func (r *LibraryRepo) List(ctx context.Context, includeDeleted bool) ([]Library, error) {
	clause := ""
	if !includeDeleted {
		clause = " WHERE deleted_at IS NULL"
	}
	var out []Library
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+libraryColumns+` FROM library`+clause+` ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	return out, nil
}

// ListTrashed returns all soft-deleted libraries.
func (r *LibraryRepo) ListTrashed(ctx context.Context) ([]Library, error) {
	var out []Library
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+libraryColumns+` FROM library WHERE deleted_at IS NOT NULL ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list trashed libraries: %w", err)
	}
	return out, nil
}

// SoftDelete hides the library from every normal query.
func (r *LibraryRepo) SoftDelete(ctx context.Context, slug string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE library SET deleted_at = now() WHERE slug = $1 AND deleted_at IS NULL`, slug)
	if err != nil {
		return fmt.Errorf("library %s: soft delete: %w", slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLibraryNotFound
	}
	return nil
}

// Restore undeletes a trashed library.
func (r *LibraryRepo) Restore(ctx context.Context, slug string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE library SET deleted_at = NULL WHERE slug = $1 AND deleted_at IS NOT NULL`, slug)
	if err != nil {
		return fmt.Errorf("library %s: restore: %w", slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLibraryNotFound
	}
	return nil
}

// RequestScan flags an idle library for scanning.
func (r *LibraryRepo) RequestScan(ctx context.Context, slug string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE library SET scan_status = 'scan_requested'
		WHERE slug = $1 AND deleted_at IS NULL AND is_active`, slug)
	if err != nil {
		return fmt.Errorf("library %s: request scan: %w", slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLibraryNotFound
	}
	return nil
}

// ClaimForScan picks one library with a scan request and flips it to
// scanning. SKIP LOCKED keeps two scanners off the same library; a second
// concurrent scanner simply sees no work.
func (r *LibraryRepo) ClaimForScan(ctx context.Context, slug string) (*Library, error) {
	var lib Library
	err := r.db.GetContext(ctx, &lib, `
		UPDATE library SET scan_status = 'scanning'
		WHERE slug = (
			SELECT slug FROM library
			WHERE is_active AND deleted_at IS NULL
			  AND scan_status = 'scan_requested'
			  AND ($1 = '' OR slug = $1)
			ORDER BY slug
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+libraryColumns,
		slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("claim library for scan: %w", err)
	}
	return &lib, nil
}

// SetScanStatus returns the library to idle (or another state) after a scan.
// Called on every exit path of the scanner, including cancellation.
func (r *LibraryRepo) SetScanStatus(ctx context.Context, slug string, status ScanStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE library SET scan_status = $1 WHERE slug = $2`, string(status), slug)
	if err != nil {
		return fmt.Errorf("library %s: set scan status: %w", slug, err)
	}
	return nil
}

// HardDeleteChunk size keeps delete transactions short so the queue never
// stalls behind a library purge.
const HardDeleteChunk = 5000

// HardDelete permanently removes a trashed library and everything under it,
// deleting assets in chunks. Fails unless the library is in the trash.
func (r *LibraryRepo) HardDelete(ctx context.Context, slug string) error {
	var deletedAt sql.NullTime
	err := r.db.QueryRowxContext(ctx, `SELECT deleted_at FROM library WHERE slug = $1`, slug).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLibraryNotFound
	}
	if err != nil {
		return fmt.Errorf("library %s: hard delete: %w", slug, err)
	}
	if !deletedAt.Valid {
		return fmt.Errorf("library %q is not in the trash (soft-delete it first)", slug)
	}

	// Child rows first, then assets in chunks, then the library row.
	for _, q := range []string{
		`DELETE FROM video_scene WHERE asset_id IN (SELECT id FROM asset WHERE library_id = $1)`,
		`DELETE FROM video_active_state WHERE asset_id IN (SELECT id FROM asset WHERE library_id = $1)`,
	} {
		if _, err := r.db.ExecContext(ctx, q, slug); err != nil {
			return fmt.Errorf("library %s: purge children: %w", slug, err)
		}
	}
	for {
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM asset WHERE id IN (
				SELECT id FROM asset WHERE library_id = $1 LIMIT $2
			)`, slug, HardDeleteChunk)
		if err != nil {
			return fmt.Errorf("library %s: purge assets: %w", slug, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			break
		}
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM library WHERE slug = $1`, slug); err != nil {
		return fmt.Errorf("library %s: delete row: %w", slug, err)
	}
	return nil
}
