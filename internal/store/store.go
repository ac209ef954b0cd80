// Package store is the relational coordination layer. All cross-worker
// coordination happens here: the claim/lease protocol, scanner upserts, scene
// checkpoints, and worker status. Every mutation is a single transaction.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

// SchemaVersion is the schema generation this binary understands. Workers
// compare it against system_metadata.schema_version on startup and refuse to
// run on mismatch.
const SchemaVersion = 1

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store bundles the repositories over one connection pool.
type Store struct {
	DB        *sqlx.DB
	Libraries *LibraryRepo
	Assets    *AssetRepo
	Scenes    *SceneRepo
	Workers   *WorkerRepo
	Meta      *MetadataRepo
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing connection (tests use sqlmock here).
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{
		DB:        db,
		Libraries: &LibraryRepo{db: db},
		Assets:    &AssetRepo{db: db},
		Scenes:    &SceneRepo{db: db},
		Workers:   &WorkerRepo{db: db},
		Meta:      &MetadataRepo{db: db},
	}
}

// Migrate applies embedded migrations up to the latest version.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CheckSchemaVersion compares the deployed schema generation against this
// binary's. A mismatch is a configuration error: the caller must exit loudly.
func (s *Store) CheckSchemaVersion(ctx context.Context) error {
	v, err := s.Meta.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if v != SchemaVersion {
		return fmt.Errorf("store: schema version mismatch: database has %d, binary expects %d", v, SchemaVersion)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.DB.Close()
}
