// Package cache maps content keys to previously produced artifacts so the
// submitter can short-circuit redundant expensive work.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"printforge/internal/apperrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifact_cache (
  content_key   TEXT PRIMARY KEY,
  artifact_url  TEXT NOT NULL,
  artifact_meta TEXT,
  created_at    INTEGER NOT NULL
);
`

// ArtifactRef points at an artifact produced by a prior completed job.
type ArtifactRef struct {
	URL       string            `json:"url"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Index is a SQLite-backed cache index. It shares the job store's database.
type Index struct {
	db *sql.DB
}

// New creates the cache table on the given database if needed.
func New(db *sql.DB) (*Index, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

// ContentKey derives the cache key for a resource. contentParams must be the
// subset of input params that affects the produced artifact; cosmetic fields
// stay out so display-only changes still hit the cache. Empty params key on
// the resource alone.
func ContentKey(resourceKey string, contentParams []byte) string {
	if len(contentParams) == 0 {
		return resourceKey
	}
	sum := sha256.Sum256(contentParams)
	return resourceKey + ":" + hex.EncodeToString(sum[:8])
}

// Lookup returns the cached artifact for a key. No side effects on miss.
func (i *Index) Lookup(ctx context.Context, key string) (ArtifactRef, bool, error) {
	var (
		ref       ArtifactRef
		meta      sql.NullString
		createdMs int64
	)
	err := i.db.QueryRowContext(ctx,
		`SELECT artifact_url, artifact_meta, created_at FROM artifact_cache WHERE content_key = ?`,
		key,
	).Scan(&ref.URL, &meta, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ArtifactRef{}, false, nil
	}
	if err != nil {
		return ArtifactRef{}, false, apperrors.Internal("cache.lookup", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &ref.Metadata); err != nil {
			return ArtifactRef{}, false, apperrors.Internal("cache.lookup", err)
		}
	}
	ref.CreatedAt = time.UnixMilli(createdMs)
	return ref, true, nil
}

// Record stores the artifact for a key. Idempotent: recording the same key
// twice overwrites silently, which covers a duplicate job somehow completing
// for the same content.
func (i *Index) Record(ctx context.Context, key string, ref ArtifactRef) error {
	metaJSON, err := json.Marshal(ref.Metadata)
	if err != nil {
		return apperrors.Internal("cache.record", err)
	}
	createdAt := ref.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = i.db.ExecContext(ctx, `
        INSERT INTO artifact_cache (content_key, artifact_url, artifact_meta, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (content_key) DO UPDATE SET
            artifact_url = excluded.artifact_url,
            artifact_meta = excluded.artifact_meta,
            created_at = excluded.created_at`,
		key, ref.URL, string(metaJSON), createdAt.UnixMilli(),
	)
	if err != nil {
		return apperrors.Internal("cache.record", err)
	}
	return nil
}

// Delete removes the entry for a key. Cache entries have no expiry; deletion
// happens only when the owning resource is deleted.
func (i *Index) Delete(ctx context.Context, key string) error {
	if _, err := i.db.ExecContext(ctx, `DELETE FROM artifact_cache WHERE content_key = ?`, key); err != nil {
		return apperrors.Internal("cache.delete", err)
	}
	return nil
}
