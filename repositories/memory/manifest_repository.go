package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
)

// ManifestRepository is a map-backed repositories.ManifestRepository
type ManifestRepository struct {
	mu        sync.RWMutex
	manifests map[string]models.EvidenceManifest
}

// NewManifestRepository creates an empty manifest store
func NewManifestRepository() *ManifestRepository {
	return &ManifestRepository{manifests: make(map[string]models.EvidenceManifest)}
}

// Save stores a manifest; run ids are unique
func (r *ManifestRepository) Save(ctx context.Context, manifest *models.EvidenceManifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifests[manifest.RunID]; exists {
		return fmt.Errorf("manifest for run %s already exists", manifest.RunID)
	}
	m := *manifest
	m.Files = append([]models.EvidenceFile(nil), manifest.Files...)
	r.manifests[manifest.RunID] = m
	return nil
}

// GetByRunID retrieves a manifest by run id
func (r *ManifestRepository) GetByRunID(ctx context.Context, runID string) (*models.EvidenceManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[runID]
	if !ok {
		return nil, fmt.Errorf("manifest %s: %w", runID, repositories.ErrNotFound)
	}
	m.Files = append([]models.EvidenceFile(nil), m.Files...)
	return &m, nil
}

// NewRepositories returns a fully in-memory repository set
func NewRepositories(rules *models.RuleTable) *repositories.Repositories {
	return &repositories.Repositories{
		Ledger:    NewLedgerRepository(),
		Rules:     NewRuleRepository(rules),
		Manifests: NewManifestRepository(),
	}
}
