package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
)

// ManifestRepository implements repositories.ManifestRepository on SQLite
type ManifestRepository struct {
	db *sql.DB
}

// Manifests returns the manifest repository backed by this store
func (s *Store) Manifests() repositories.ManifestRepository {
	return &ManifestRepository{db: s.db}
}

// Save stores a manifest
func (r *ManifestRepository) Save(ctx context.Context, manifest *models.EvidenceManifest) error {
	files, err := json.Marshal(manifest.Files)
	if err != nil {
		return fmt.Errorf("failed to encode manifest files: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO evidence_manifests (run_id, commit_sha, generated_at, files, manifest_sha256)
		VALUES (?, ?, ?, ?, ?)`,
		manifest.RunID,
		manifest.CommitSHA,
		manifest.GeneratedAt.UTC().Format(time.RFC3339Nano),
		files,
		manifest.ManifestSHA256,
	)
	if err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

// GetByRunID retrieves a manifest by run id
func (r *ManifestRepository) GetByRunID(ctx context.Context, runID string) (*models.EvidenceManifest, error) {
	m := &models.EvidenceManifest{}
	var generated string
	var files []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT run_id, commit_sha, generated_at, files, manifest_sha256
		FROM evidence_manifests WHERE run_id = ?`, runID,
	).Scan(&m.RunID, &m.CommitSHA, &generated, &files, &m.ManifestSHA256)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("manifest %s: %w", runID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	if m.GeneratedAt, err = time.Parse(time.RFC3339Nano, generated); err != nil {
		return nil, fmt.Errorf("invalid stored timestamp %q: %w", generated, err)
	}
	m.GeneratedAt = m.GeneratedAt.UTC()
	if err := json.Unmarshal(files, &m.Files); err != nil {
		return nil, fmt.Errorf("failed to decode manifest files: %w", err)
	}
	return m, nil
}
