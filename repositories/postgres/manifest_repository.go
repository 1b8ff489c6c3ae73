package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
	"go.uber.org/zap"
)

// ManifestRepository implements the repositories.ManifestRepository interface
type ManifestRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewManifestRepository creates a new manifest repository
func NewManifestRepository(db *DB, logger *zap.Logger) repositories.ManifestRepository {
	return &ManifestRepository{
		db:     db,
		logger: logger,
	}
}

// Save stores a manifest
func (r *ManifestRepository) Save(ctx context.Context, manifest *models.EvidenceManifest) error {
	files, err := json.Marshal(manifest.Files)
	if err != nil {
		return fmt.Errorf("failed to encode manifest files: %w", err)
	}

	query := `
		INSERT INTO evidence_manifests (run_id, commit_sha, generated_at, files, manifest_sha256)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = GetExecutor(ctx, r.db).ExecContext(ctx, query,
		manifest.RunID,
		manifest.CommitSHA,
		manifest.GeneratedAt,
		files,
		manifest.ManifestSHA256,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("manifest for run %s already exists: %w", manifest.RunID, err)
		}
		return fmt.Errorf("failed to save manifest: %w", err)
	}

	r.logger.Debug("manifest saved", zap.String("run_id", manifest.RunID))
	return nil
}

// GetByRunID retrieves a manifest by run id
func (r *ManifestRepository) GetByRunID(ctx context.Context, runID string) (*models.EvidenceManifest, error) {
	query := `
		SELECT run_id, commit_sha, generated_at, files, manifest_sha256
		FROM evidence_manifests
		WHERE run_id = $1
	`

	m := &models.EvidenceManifest{}
	var files []byte
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, runID).Scan(
		&m.RunID,
		&m.CommitSHA,
		&m.GeneratedAt,
		&files,
		&m.ManifestSHA256,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("manifest %s: %w", runID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	if err := json.Unmarshal(files, &m.Files); err != nil {
		return nil, fmt.Errorf("failed to decode manifest files: %w", err)
	}
	m.GeneratedAt = m.GeneratedAt.UTC()
	return m, nil
}
