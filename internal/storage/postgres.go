// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// postgres provides persistent storage for the device registry, content
// catalog, cache state, entity records, and pending reviews.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Configure connection pool settings for optimal performance
	// Maximum number of connections
	config.MaxConns = 20
	// Minimum number of connections
	config.MinConns = 5
	// Maximum lifetime of a connection
	config.MaxConnLifetime = time.Hour
	// Maximum idle time before closing
	config.MaxConnIdleTime = time.Minute * 30
	// How often to check connection health
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize database schema
	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema initializes the database schema.
// It creates all required tables and indexes if they don't already exist.
// This function is called automatically when creating a new PostgreSQL store.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	// SQL schema definition with all required tables and indexes
	schema := `
		-- Devices table for the EFB device registry
		CREATE TABLE IF NOT EXISTS devices (
		    id TEXT PRIMARY KEY,                     -- Unique device identifier
		    org_id TEXT NOT NULL,                    -- Owning organization
		    model TEXT NOT NULL,                     -- Hardware model
		    platform TEXT NOT NULL,                  -- OS platform
		    registered_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),  -- First registration time
		    last_seen_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()    -- Refreshed on sync checks
		);

		CREATE INDEX IF NOT EXISTS idx_devices_org ON devices(org_id);

		-- Manuals table: the content catalog roots
		CREATE TABLE IF NOT EXISTS manuals (
		    id TEXT PRIMARY KEY,                     -- Unique manual identifier
		    org_id TEXT NOT NULL,                    -- Owning organization
		    title TEXT NOT NULL,                     -- Display title
		    status TEXT NOT NULL,                    -- Lifecycle status (only RELEASED is planned)
		    version TEXT NOT NULL,                   -- Published version
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()  -- Last publish time
		);

		CREATE INDEX IF NOT EXISTS idx_manuals_org_status ON manuals(org_id, status);

		-- Chapters within a manual, in document order
		CREATE TABLE IF NOT EXISTS chapters (
		    id TEXT PRIMARY KEY,                     -- Unique chapter identifier
		    manual_id TEXT NOT NULL REFERENCES manuals(id) ON DELETE CASCADE,  -- Owning manual
		    position INTEGER NOT NULL,               -- Document order
		    title TEXT NOT NULL                      -- Display title
		);

		CREATE INDEX IF NOT EXISTS idx_chapters_manual ON chapters(manual_id, position);

		-- Sections within a chapter, in document order
		CREATE TABLE IF NOT EXISTS sections (
		    id TEXT PRIMARY KEY,                     -- Unique section identifier
		    chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,  -- Owning chapter
		    position INTEGER NOT NULL,               -- Document order
		    title TEXT NOT NULL,                     -- Display title
		    block_count INTEGER NOT NULL DEFAULT 0   -- Content blocks (sizing input)
		);

		CREATE INDEX IF NOT EXISTS idx_sections_chapter ON sections(chapter_id, position);

		-- Reader bundles: the packaged, chunked form devices sync
		CREATE TABLE IF NOT EXISTS reader_bundles (
		    id TEXT PRIMARY KEY,                     -- Unique bundle identifier
		    manual_id TEXT NOT NULL REFERENCES manuals(id) ON DELETE CASCADE,  -- Source manual
		    version TEXT NOT NULL,                   -- Bundle version
		    checksum TEXT NOT NULL DEFAULT '',       -- Manifest checksum over the chunk set
		    chunk_count INTEGER NOT NULL DEFAULT 0,  -- Number of canonical chunks
		    total_size_bytes BIGINT NOT NULL DEFAULT 0,  -- Sum of uncompressed chunk sizes
		    active BOOLEAN NOT NULL DEFAULT FALSE    -- Whether devices should hold this bundle
		);

		CREATE INDEX IF NOT EXISTS idx_reader_bundles_manual_active ON reader_bundles(manual_id, active);

		-- Canonical bundle chunk records, persisted by chunk staging
		CREATE TABLE IF NOT EXISTS bundle_chunks (
		    reader_bundle_id TEXT NOT NULL REFERENCES reader_bundles(id) ON DELETE CASCADE,  -- Owning bundle
		    chunk_index INTEGER NOT NULL,            -- 0-based, contiguous
		    checksum TEXT NOT NULL,                  -- SHA-256 of uncompressed content
		    size_bytes BIGINT NOT NULL,              -- Uncompressed size
		    storage_key TEXT NOT NULL,               -- Object-store key of the compressed blob
		    PRIMARY KEY (reader_bundle_id, chunk_index)
		);

		-- Device-reported cache manifests, one per (device, bundle)
		CREATE TABLE IF NOT EXISTS cache_manifests (
		    device_id TEXT NOT NULL REFERENCES devices(id),  -- Reporting device
		    reader_bundle_id TEXT NOT NULL,          -- Bundle the manifest describes
		    bundle_version TEXT NOT NULL,            -- Version the device holds
		    chunk_count INTEGER NOT NULL,            -- Chunks the device holds
		    total_size_bytes BIGINT NOT NULL,        -- Bytes on device
		    checksum TEXT NOT NULL,                  -- Checksum over the device's chunk set
		    last_modified TIMESTAMP WITH TIME ZONE NOT NULL,  -- Device-side completion time
		    PRIMARY KEY (device_id, reader_bundle_id)
		);

		-- Device cache chunk records, source of truth for stored blobs
		CREATE TABLE IF NOT EXISTS cache_chunks (
		    device_id TEXT NOT NULL,                 -- Owning device
		    reader_bundle_id TEXT NOT NULL,          -- Owning bundle
		    chunk_index INTEGER NOT NULL,            -- 0-based, contiguous
		    chunk_path TEXT NOT NULL,                -- Object-store key
		    chunk_checksum TEXT NOT NULL,            -- SHA-256 of uncompressed content
		    chunk_size_bytes BIGINT NOT NULL,        -- Uncompressed size
		    status TEXT NOT NULL,                    -- COMPLETED or ERROR
		    downloaded_at TIMESTAMP WITH TIME ZONE NOT NULL,  -- Device store time
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,     -- Janitor eviction deadline
		    PRIMARY KEY (device_id, reader_bundle_id, chunk_index)
		);

		CREATE INDEX IF NOT EXISTS idx_cache_chunks_expires_at ON cache_chunks(expires_at);

		-- Server-canonical highlight/note/annotation records. Keyed by ID
		-- alone so type mismatches surface as semantic conflicts.
		CREATE TABLE IF NOT EXISTS entity_records (
		    entity_id TEXT PRIMARY KEY,              -- Unique entity identifier
		    entity_type TEXT NOT NULL,               -- HIGHLIGHT, NOTE, or ANNOTATION
		    device_id TEXT NOT NULL,                 -- Authoring device
		    content TEXT NOT NULL,                   -- User-visible payload
		    metadata JSONB NOT NULL,                 -- Positioning, color, page refs
		    is_private BOOLEAN NOT NULL,             -- Privacy flag
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,  -- Last write time
		    version INTEGER NOT NULL DEFAULT 1       -- Incremented on accepted writes
		);

		-- Durable MANUAL_MERGE reviews (at-least-once persistence)
		CREATE TABLE IF NOT EXISTS pending_reviews (
		    id TEXT PRIMARY KEY,                     -- Review identifier (ULID)
		    entity_type TEXT NOT NULL,               -- Kind of entity in conflict
		    entity_id TEXT NOT NULL,                 -- Entity identifier
		    device_id TEXT NOT NULL,                 -- Submitting device
		    conflict_type TEXT NOT NULL,             -- Detected conflict class
		    server_data JSONB NOT NULL,              -- Server payload snapshot
		    client_data JSONB NOT NULL,              -- Client payload snapshot
		    server_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,  -- Server record update time
		    client_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,  -- Client edit time
		    status TEXT NOT NULL,                    -- PENDING_REVIEW at creation
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()  -- Persistence time
		);

		CREATE INDEX IF NOT EXISTS idx_pending_reviews_status ON pending_reviews(status);
		CREATE INDEX IF NOT EXISTS idx_pending_reviews_entity ON pending_reviews(entity_type, entity_id);

		-- Idempotency table for storing idempotency keys
		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT,                           -- Hash of the idempotency key
		    request_hash TEXT NOT NULL,              -- Hash of the request payload for conflict detection
		    response_body BYTEA NOT NULL,            -- Cached response body
		    response_status INTEGER NOT NULL,        -- HTTP status code
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),  -- When the entry was created
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,  -- When the entry expires
		    PRIMARY KEY (key_hash, request_hash)     -- Composite primary key for conflict detection
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`

	// Execute the schema creation SQL
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// RegisterDevice creates a new device in the registry
func (p *postgres) RegisterDevice(ctx context.Context, device model.Device) error {
	query := `INSERT INTO devices (id, org_id, model, platform, registered_at, last_seen_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.Exec(ctx, query,
		device.ID,
		device.OrgID,
		device.Model,
		device.Platform,
		device.RegisteredAt,
		device.LastSeenAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by ID
func (p *postgres) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	query := `SELECT id, org_id, model, platform, registered_at, last_seen_at FROM devices WHERE id = $1`
	var device model.Device

	err := p.db.QueryRow(ctx, query, deviceID).Scan(
		&device.ID,
		&device.OrgID,
		&device.Model,
		&device.Platform,
		&device.RegisteredAt,
		&device.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return &device, nil
}

// TouchDevice refreshes a device's last_seen_at timestamp
func (p *postgres) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error {
	query := `UPDATE devices SET last_seen_at = $1 WHERE id = $2`
	result, err := p.db.Exec(ctx, query, seenAt, deviceID)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetReleasedManuals retrieves all RELEASED manuals for an organization with
// their chapters, sections, and latest active reader bundle.
func (p *postgres) GetReleasedManuals(ctx context.Context, orgID string) ([]model.Manual, error) {
	query := `SELECT id, org_id, title, status, version, updated_at
	          FROM manuals WHERE org_id = $1 AND status = 'RELEASED' ORDER BY id`

	rows, err := p.db.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list manuals: %w", err)
	}
	defer rows.Close()

	var manuals []model.Manual
	for rows.Next() {
		var manual model.Manual
		if err := rows.Scan(&manual.ID, &manual.OrgID, &manual.Title, &manual.Status, &manual.Version, &manual.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan manual: %w", err)
		}
		manuals = append(manuals, manual)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manuals: %w", err)
	}

	for i := range manuals {
		if err := p.loadManualStructure(ctx, &manuals[i]); err != nil {
			return nil, err
		}
	}

	if manuals == nil {
		manuals = []model.Manual{}
	}
	return manuals, nil
}

// loadManualStructure fills in a manual's chapters, sections, and active bundle.
func (p *postgres) loadManualStructure(ctx context.Context, manual *model.Manual) error {
	chapterQuery := `SELECT id, title FROM chapters WHERE manual_id = $1 ORDER BY position`
	rows, err := p.db.Query(ctx, chapterQuery, manual.ID)
	if err != nil {
		return fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	chapterIndex := make(map[string]int)
	for rows.Next() {
		var chapter model.Chapter
		if err := rows.Scan(&chapter.ID, &chapter.Title); err != nil {
			return fmt.Errorf("failed to scan chapter: %w", err)
		}
		chapterIndex[chapter.ID] = len(manual.Chapters)
		manual.Chapters = append(manual.Chapters, chapter)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating chapters: %w", err)
	}

	sectionQuery := `SELECT s.id, s.chapter_id, s.title, s.block_count
	                 FROM sections s JOIN chapters c ON s.chapter_id = c.id
	                 WHERE c.manual_id = $1 ORDER BY c.position, s.position`
	sectionRows, err := p.db.Query(ctx, sectionQuery, manual.ID)
	if err != nil {
		return fmt.Errorf("failed to list sections: %w", err)
	}
	defer sectionRows.Close()

	for sectionRows.Next() {
		var section model.Section
		var chapterID string
		if err := sectionRows.Scan(&section.ID, &chapterID, &section.Title, &section.BlockCount); err != nil {
			return fmt.Errorf("failed to scan section: %w", err)
		}
		if idx, ok := chapterIndex[chapterID]; ok {
			manual.Chapters[idx].Sections = append(manual.Chapters[idx].Sections, section)
		}
	}
	if err := sectionRows.Err(); err != nil {
		return fmt.Errorf("error iterating sections: %w", err)
	}

	bundle, err := p.activeBundle(ctx, manual.ID)
	if err != nil {
		return err
	}
	manual.Bundle = bundle
	return nil
}

// activeBundle returns the manual's active reader bundle with its chunk
// records, or nil when no bundle has been built yet.
func (p *postgres) activeBundle(ctx context.Context, manualID string) (*model.ReaderBundle, error) {
	query := `SELECT id, manual_id, version, checksum, chunk_count, total_size_bytes, active
	          FROM reader_bundles WHERE manual_id = $1 AND active ORDER BY id DESC LIMIT 1`

	var bundle model.ReaderBundle
	err := p.db.QueryRow(ctx, query, manualID).Scan(
		&bundle.ID,
		&bundle.ManualID,
		&bundle.Version,
		&bundle.Checksum,
		&bundle.ChunkCount,
		&bundle.TotalSizeBytes,
		&bundle.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active bundle: %w", err)
	}

	chunks, err := p.ListBundleChunks(ctx, bundle.ID)
	if err != nil {
		return nil, err
	}
	bundle.Chunks = chunks
	return &bundle, nil
}

// GetReaderBundle retrieves a reader bundle and its chunk records by ID
func (p *postgres) GetReaderBundle(ctx context.Context, bundleID string) (*model.ReaderBundle, error) {
	query := `SELECT id, manual_id, version, checksum, chunk_count, total_size_bytes, active
	          FROM reader_bundles WHERE id = $1`

	var bundle model.ReaderBundle
	err := p.db.QueryRow(ctx, query, bundleID).Scan(
		&bundle.ID,
		&bundle.ManualID,
		&bundle.Version,
		&bundle.Checksum,
		&bundle.ChunkCount,
		&bundle.TotalSizeBytes,
		&bundle.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get reader bundle: %w", err)
	}

	chunks, err := p.ListBundleChunks(ctx, bundle.ID)
	if err != nil {
		return nil, err
	}
	bundle.Chunks = chunks
	return &bundle, nil
}

// PutManual upserts a manual with its full nested structure and bundle.
// Chapters and sections are replaced wholesale; any previous active bundle
// is deactivated when the manual carries a new one.
func (p *postgres) PutManual(ctx context.Context, manual model.Manual) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	manualQuery := `INSERT INTO manuals (id, org_id, title, status, version, updated_at)
	                VALUES ($1, $2, $3, $4, $5, $6)
	                ON CONFLICT (id) DO UPDATE
	                SET org_id = $2, title = $3, status = $4, version = $5, updated_at = $6`
	if _, err := tx.Exec(ctx, manualQuery, manual.ID, manual.OrgID, manual.Title, manual.Status, manual.Version, manual.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert manual: %w", err)
	}

	// Replace the nested structure
	if _, err := tx.Exec(ctx, `DELETE FROM chapters WHERE manual_id = $1`, manual.ID); err != nil {
		return fmt.Errorf("failed to clear chapters: %w", err)
	}
	for ci, chapter := range manual.Chapters {
		if _, err := tx.Exec(ctx, `INSERT INTO chapters (id, manual_id, position, title) VALUES ($1, $2, $3, $4)`,
			chapter.ID, manual.ID, ci, chapter.Title); err != nil {
			return fmt.Errorf("failed to insert chapter: %w", err)
		}
		for si, section := range chapter.Sections {
			if _, err := tx.Exec(ctx, `INSERT INTO sections (id, chapter_id, position, title, block_count) VALUES ($1, $2, $3, $4, $5)`,
				section.ID, chapter.ID, si, section.Title, section.BlockCount); err != nil {
				return fmt.Errorf("failed to insert section: %w", err)
			}
		}
	}

	if manual.Bundle != nil {
		if _, err := tx.Exec(ctx, `UPDATE reader_bundles SET active = FALSE WHERE manual_id = $1`, manual.ID); err != nil {
			return fmt.Errorf("failed to deactivate bundles: %w", err)
		}
		bundleQuery := `INSERT INTO reader_bundles (id, manual_id, version, checksum, chunk_count, total_size_bytes, active)
		                VALUES ($1, $2, $3, $4, $5, $6, $7)
		                ON CONFLICT (id) DO UPDATE
		                SET version = $3, checksum = $4, chunk_count = $5, total_size_bytes = $6, active = $7`
		b := manual.Bundle
		if _, err := tx.Exec(ctx, bundleQuery, b.ID, manual.ID, b.Version, b.Checksum, b.ChunkCount, b.TotalSizeBytes, b.Active); err != nil {
			return fmt.Errorf("failed to upsert bundle: %w", err)
		}
		for _, chunk := range b.Chunks {
			if err := upsertBundleChunkTx(ctx, tx, chunk); err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

// upsertBundleChunkTx inserts or replaces one canonical chunk record.
func upsertBundleChunkTx(ctx context.Context, tx pgx.Tx, chunk model.BundleChunk) error {
	query := `INSERT INTO bundle_chunks (reader_bundle_id, chunk_index, checksum, size_bytes, storage_key)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (reader_bundle_id, chunk_index) DO UPDATE
	          SET checksum = $3, size_bytes = $4, storage_key = $5`
	if _, err := tx.Exec(ctx, query, chunk.ReaderBundleID, chunk.ChunkIndex, chunk.Checksum, chunk.SizeBytes, chunk.StorageKey); err != nil {
		return fmt.Errorf("failed to upsert bundle chunk: %w", err)
	}
	return nil
}

// UpsertBundleChunk inserts or replaces one canonical chunk record
func (p *postgres) UpsertBundleChunk(ctx context.Context, chunk model.BundleChunk) error {
	query := `INSERT INTO bundle_chunks (reader_bundle_id, chunk_index, checksum, size_bytes, storage_key)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (reader_bundle_id, chunk_index) DO UPDATE
	          SET checksum = $3, size_bytes = $4, storage_key = $5`

	_, err := p.db.Exec(ctx, query, chunk.ReaderBundleID, chunk.ChunkIndex, chunk.Checksum, chunk.SizeBytes, chunk.StorageKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			// Unknown bundle
			return ErrNotFound
		}
		return fmt.Errorf("failed to upsert bundle chunk: %w", err)
	}
	return nil
}

// ListBundleChunks retrieves a bundle's canonical chunk records in index order
func (p *postgres) ListBundleChunks(ctx context.Context, bundleID string) ([]model.BundleChunk, error) {
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reader_bundles WHERE id = $1)`, bundleID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check bundle: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	query := `SELECT reader_bundle_id, chunk_index, checksum, size_bytes, storage_key
	          FROM bundle_chunks WHERE reader_bundle_id = $1 ORDER BY chunk_index`

	rows, err := p.db.Query(ctx, query, bundleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundle chunks: %w", err)
	}
	defer rows.Close()

	chunks := []model.BundleChunk{}
	for rows.Next() {
		var chunk model.BundleChunk
		if err := rows.Scan(&chunk.ReaderBundleID, &chunk.ChunkIndex, &chunk.Checksum, &chunk.SizeBytes, &chunk.StorageKey); err != nil {
			return nil, fmt.Errorf("failed to scan bundle chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bundle chunks: %w", err)
	}
	return chunks, nil
}

// UpdateBundleManifest updates a bundle's derived chunk aggregates
func (p *postgres) UpdateBundleManifest(ctx context.Context, bundleID string, chunkCount int, totalSizeBytes int64, checksum string) error {
	query := `UPDATE reader_bundles SET chunk_count = $1, total_size_bytes = $2, checksum = $3 WHERE id = $4`
	result, err := p.db.Exec(ctx, query, chunkCount, totalSizeBytes, checksum, bundleID)
	if err != nil {
		return fmt.Errorf("failed to update bundle manifest: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertCacheManifest inserts or replaces a device's cache manifest
func (p *postgres) UpsertCacheManifest(ctx context.Context, manifest model.CacheManifest) error {
	query := `INSERT INTO cache_manifests (device_id, reader_bundle_id, bundle_version, chunk_count, total_size_bytes, checksum, last_modified)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (device_id, reader_bundle_id) DO UPDATE
	          SET bundle_version = $3, chunk_count = $4, total_size_bytes = $5, checksum = $6, last_modified = $7`

	_, err := p.db.Exec(ctx, query,
		manifest.DeviceID,
		manifest.ReaderBundleID,
		manifest.BundleVersion,
		manifest.ChunkCount,
		manifest.TotalSizeBytes,
		manifest.Checksum,
		manifest.LastModified)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			// Unknown device
			return ErrNotFound
		}
		return fmt.Errorf("failed to upsert cache manifest: %w", err)
	}
	return nil
}

// GetCacheManifest retrieves a device's manifest for one bundle
func (p *postgres) GetCacheManifest(ctx context.Context, deviceID, bundleID string) (*model.CacheManifest, error) {
	query := `SELECT device_id, reader_bundle_id, bundle_version, chunk_count, total_size_bytes, checksum, last_modified
	          FROM cache_manifests WHERE device_id = $1 AND reader_bundle_id = $2`

	var manifest model.CacheManifest
	err := p.db.QueryRow(ctx, query, deviceID, bundleID).Scan(
		&manifest.DeviceID,
		&manifest.ReaderBundleID,
		&manifest.BundleVersion,
		&manifest.ChunkCount,
		&manifest.TotalSizeBytes,
		&manifest.Checksum,
		&manifest.LastModified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache manifest: %w", err)
	}
	return &manifest, nil
}

// ListCacheManifests retrieves all manifests a device has reported
func (p *postgres) ListCacheManifests(ctx context.Context, deviceID string) ([]model.CacheManifest, error) {
	query := `SELECT device_id, reader_bundle_id, bundle_version, chunk_count, total_size_bytes, checksum, last_modified
	          FROM cache_manifests WHERE device_id = $1 ORDER BY reader_bundle_id`

	rows, err := p.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache manifests: %w", err)
	}
	defer rows.Close()

	manifests := []model.CacheManifest{}
	for rows.Next() {
		var manifest model.CacheManifest
		if err := rows.Scan(
			&manifest.DeviceID,
			&manifest.ReaderBundleID,
			&manifest.BundleVersion,
			&manifest.ChunkCount,
			&manifest.TotalSizeBytes,
			&manifest.Checksum,
			&manifest.LastModified,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cache manifest: %w", err)
		}
		manifests = append(manifests, manifest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache manifests: %w", err)
	}
	return manifests, nil
}

// UpsertCacheChunk inserts or replaces a device cache chunk record
func (p *postgres) UpsertCacheChunk(ctx context.Context, chunk model.CacheChunk) error {
	query := `INSERT INTO cache_chunks (device_id, reader_bundle_id, chunk_index, chunk_path, chunk_checksum, chunk_size_bytes, status, downloaded_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (device_id, reader_bundle_id, chunk_index) DO UPDATE
	          SET chunk_path = $4, chunk_checksum = $5, chunk_size_bytes = $6, status = $7, downloaded_at = $8, expires_at = $9`

	_, err := p.db.Exec(ctx, query,
		chunk.DeviceID,
		chunk.ReaderBundleID,
		chunk.ChunkIndex,
		chunk.ChunkPath,
		chunk.ChunkChecksum,
		chunk.ChunkSizeBytes,
		chunk.Status,
		chunk.DownloadedAt,
		chunk.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cache chunk: %w", err)
	}
	return nil
}

// GetCacheChunk retrieves one device cache chunk record
func (p *postgres) GetCacheChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int) (*model.CacheChunk, error) {
	query := `SELECT device_id, reader_bundle_id, chunk_index, chunk_path, chunk_checksum, chunk_size_bytes, status, downloaded_at, expires_at
	          FROM cache_chunks WHERE device_id = $1 AND reader_bundle_id = $2 AND chunk_index = $3`

	var chunk model.CacheChunk
	err := p.db.QueryRow(ctx, query, deviceID, bundleID, chunkIndex).Scan(
		&chunk.DeviceID,
		&chunk.ReaderBundleID,
		&chunk.ChunkIndex,
		&chunk.ChunkPath,
		&chunk.ChunkChecksum,
		&chunk.ChunkSizeBytes,
		&chunk.Status,
		&chunk.DownloadedAt,
		&chunk.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache chunk: %w", err)
	}
	return &chunk, nil
}

// DeleteCacheChunk removes one device cache chunk record.
// Returns false when no record existed.
func (p *postgres) DeleteCacheChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int) (bool, error) {
	query := `DELETE FROM cache_chunks WHERE device_id = $1 AND reader_bundle_id = $2 AND chunk_index = $3`
	result, err := p.db.Exec(ctx, query, deviceID, bundleID, chunkIndex)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache chunk: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DeleteExpiredChunks removes all chunk records past their eviction
// deadline and returns them so callers can delete the blobs.
func (p *postgres) DeleteExpiredChunks(ctx context.Context, now time.Time) ([]model.CacheChunk, error) {
	query := `DELETE FROM cache_chunks WHERE expires_at < $1
	          RETURNING device_id, reader_bundle_id, chunk_index, chunk_path, chunk_checksum, chunk_size_bytes, status, downloaded_at, expires_at`

	rows, err := p.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired chunks: %w", err)
	}
	defer rows.Close()

	expired := []model.CacheChunk{}
	for rows.Next() {
		var chunk model.CacheChunk
		if err := rows.Scan(
			&chunk.DeviceID,
			&chunk.ReaderBundleID,
			&chunk.ChunkIndex,
			&chunk.ChunkPath,
			&chunk.ChunkChecksum,
			&chunk.ChunkSizeBytes,
			&chunk.Status,
			&chunk.DownloadedAt,
			&chunk.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expired chunk: %w", err)
		}
		expired = append(expired, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired chunks: %w", err)
	}
	return expired, nil
}

// GetEntityRecord retrieves the server-canonical record for one entity
func (p *postgres) GetEntityRecord(ctx context.Context, entityID string) (*model.EntityRecord, error) {
	query := `SELECT entity_type, entity_id, device_id, content, metadata, is_private, updated_at, version
	          FROM entity_records WHERE entity_id = $1`

	var record model.EntityRecord
	var metadataJSON []byte
	err := p.db.QueryRow(ctx, query, entityID).Scan(
		&record.EntityType,
		&record.EntityID,
		&record.DeviceID,
		&record.Content,
		&metadataJSON,
		&record.IsPrivate,
		&record.UpdatedAt,
		&record.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity record: %w", err)
	}

	if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity metadata: %w", err)
	}
	return &record, nil
}

// PutEntityRecord upserts the server-canonical record for one entity
func (p *postgres) PutEntityRecord(ctx context.Context, record model.EntityRecord) error {
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal entity metadata: %w", err)
	}

	query := `INSERT INTO entity_records (entity_type, entity_id, device_id, content, metadata, is_private, updated_at, version)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (entity_id) DO UPDATE
	          SET entity_type = $1, device_id = $3, content = $4, metadata = $5, is_private = $6, updated_at = $7, version = $8`

	_, err = p.db.Exec(ctx, query,
		string(record.EntityType),
		record.EntityID,
		record.DeviceID,
		record.Content,
		metadataJSON,
		record.IsPrivate,
		record.UpdatedAt,
		record.Version)
	if err != nil {
		return fmt.Errorf("failed to put entity record: %w", err)
	}
	return nil
}

// CreatePendingReview persists a durable MANUAL_MERGE review record
func (p *postgres) CreatePendingReview(ctx context.Context, review model.PendingReview) error {
	serverJSON, err := json.Marshal(review.ServerData)
	if err != nil {
		return fmt.Errorf("failed to marshal server data: %w", err)
	}
	clientJSON, err := json.Marshal(review.ClientData)
	if err != nil {
		return fmt.Errorf("failed to marshal client data: %w", err)
	}

	query := `INSERT INTO pending_reviews (id, entity_type, entity_id, device_id, conflict_type, server_data, client_data, server_timestamp, client_timestamp, status, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = p.db.Exec(ctx, query,
		review.ID,
		string(review.EntityType),
		review.EntityID,
		review.DeviceID,
		string(review.ConflictType),
		serverJSON,
		clientJSON,
		review.ServerTimestamp,
		review.ClientTimestamp,
		review.Status,
		review.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create pending review: %w", err)
	}
	return nil
}

// ListPendingReviews retrieves reviews, optionally filtered by status
func (p *postgres) ListPendingReviews(ctx context.Context, status string) ([]model.PendingReview, error) {
	query := `SELECT id, entity_type, entity_id, device_id, conflict_type, server_data, client_data, server_timestamp, client_timestamp, status, created_at
	          FROM pending_reviews`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	defer rows.Close()

	reviews := []model.PendingReview{}
	for rows.Next() {
		var review model.PendingReview
		var serverJSON, clientJSON []byte
		if err := rows.Scan(
			&review.ID,
			&review.EntityType,
			&review.EntityID,
			&review.DeviceID,
			&review.ConflictType,
			&serverJSON,
			&clientJSON,
			&review.ServerTimestamp,
			&review.ClientTimestamp,
			&review.Status,
			&review.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending review: %w", err)
		}
		if err := json.Unmarshal(serverJSON, &review.ServerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal server data: %w", err)
		}
		if err := json.Unmarshal(clientJSON, &review.ClientData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client data: %w", err)
		}
		reviews = append(reviews, review)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending reviews: %w", err)
	}
	return reviews, nil
}

// StoreIdempotentResponse stores an idempotent response in the database
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	// First, check if there are existing entries with the same key_hash but different request_hash
	var existingRequestHash string
	query := `SELECT request_hash FROM idempotency WHERE key_hash = $1 AND request_hash != $2 LIMIT 1`

	err := p.db.QueryRow(ctx, query, keyHash, requestHash).Scan(&existingRequestHash)
	if err != nil {
		// If no rows found, that's fine - no conflict
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check for idempotency conflicts: %w", err)
		}
	} else {
		// Found an entry with same key_hash but different request_hash - this is a conflict
		return ErrConflict
	}

	// Now try to insert or update
	query = `INSERT INTO idempotency (key_hash, request_hash, response_body, response_status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (key_hash, request_hash) DO UPDATE
	          SET response_body = $3, response_status = $4, created_at = $5, expires_at = $6`

	_, err = p.db.Exec(ctx, query, keyHash, requestHash, responseBody, statusCode, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}

	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from the database.
// Returns ErrConflict when the key exists with a different request hash.
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash, requestHash string) ([]byte, int, error) {
	query := `SELECT request_hash, response_body, response_status FROM idempotency
	          WHERE key_hash = $1 AND expires_at > $2`

	var storedRequestHash string
	var responseBody []byte
	var statusCode int

	err := p.db.QueryRow(ctx, query, keyHash, time.Now().UTC()).Scan(&storedRequestHash, &responseBody, &statusCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get idempotent response: %w", err)
	}

	if storedRequestHash != requestHash {
		return nil, 0, ErrConflict
	}

	return responseBody, statusCode, nil
}

// Ping verifies the database is reachable
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}
