package models

import "time"

// EvidenceFile is one hashed entry of a manifest
type EvidenceFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// EvidenceManifest is a deterministic, content-hashed summary of a file set.
type EvidenceManifest struct {
	RunID          string         `json:"runId" db:"run_id"`
	CommitSHA      string         `json:"commitSha" db:"commit_sha"`
	GeneratedAt    time.Time      `json:"generatedAt" db:"generated_at"`
	Files          []EvidenceFile `json:"files" db:"files"`
	ManifestSHA256 string         `json:"manifestSha256" db:"manifest_sha256"`
}

// TableName returns the table name for the EvidenceManifest model
func (EvidenceManifest) TableName() string {
	return "evidence_manifests"
}
