package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// MetadataRepo covers system_metadata and the AI model registry.
type MetadataRepo struct {
	db *sqlx.DB
}

const (
	keySchemaVersion  = "schema_version"
	keyDefaultModelID = "default_ai_model_id"
)

// Get reads one metadata value; ok is false when the key is absent.
func (r *MetadataRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.GetContext(ctx, &v, `SELECT value FROM system_metadata WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("metadata %s: %w", key, err)
	}
	return v, true, nil
}

// Set upserts one metadata value.
func (r *MetadataRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("metadata set %s: %w", key, err)
	}
	return nil
}

// SchemaVersion reads the deployed schema generation.
func (r *MetadataRepo) SchemaVersion(ctx context.Context) (int, error) {
	v, ok, err := r.Get(ctx, keySchemaVersion)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("schema_version missing from system_metadata")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("schema_version %q is not an integer", v)
	}
	return n, nil
}

// DefaultModelID returns the system default vision model id, or 0 when unset.
func (r *MetadataRepo) DefaultModelID(ctx context.Context) (int64, error) {
	v, ok, err := r.Get(ctx, keyDefaultModelID)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("default_ai_model_id %q is not an integer", v)
	}
	return n, nil
}

// SetDefaultModelID records the system default vision model.
func (r *MetadataRepo) SetDefaultModelID(ctx context.Context, id int64) error {
	return r.Set(ctx, keyDefaultModelID, strconv.FormatInt(id, 10))
}

// GetOrCreateModel registers (name, version) if needed and returns its id.
func (r *MetadataRepo) GetOrCreateModel(ctx context.Context, name, version string) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO ai_model (name, version) VALUES ($1, $2)
		ON CONFLICT (name, version) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		name, version)
	if err != nil {
		return 0, fmt.Errorf("ai model %s@%s: %w", name, version, err)
	}
	return id, nil
}

// ListModels returns the registry.
func (r *MetadataRepo) ListModels(ctx context.Context) ([]AIModel, error) {
	var out []AIModel
	err := r.db.SelectContext(ctx, &out, `SELECT id, name, version FROM ai_model ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list ai models: %w", err)
	}
	return out, nil
}
