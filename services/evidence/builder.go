// Package evidence builds content-hashed manifests over evidence files and
// exports verified ledger segments for external review.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"regexp"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/services"
)

// ErrManifestMismatch is returned by VerifyManifest when the file set or a
// hash differs from what the manifest recorded
var ErrManifestMismatch = errors.New("evidence manifest mismatch")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

const manifestSchemaURL = "https://governed-core.schemas.local/evidence/manifest.schema.json"

var manifestSchema = compileManifestSchema()

func compileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(manifestSchemaURL, bytes.NewReader(manifestSchemaJSON)); err != nil {
		panic(fmt.Sprintf("manifest schema load failed: %v", err))
	}
	return c.MustCompile(manifestSchemaURL)
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithBuildClock overrides the generatedAt source
func WithBuildClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) { b.clock = clock }
}

// Builder hashes files read from an fs.FS into an EvidenceManifest
type Builder struct {
	fsys  fs.FS
	clock func() time.Time
}

// NewBuilder creates a builder reading evidence from fsys
func NewBuilder(fsys fs.FS, opts ...BuilderOption) *Builder {
	b := &Builder{fsys: fsys, clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build hashes every path and returns the manifest. Entries are sorted by
// path, so the aggregate hash does not depend on the order of paths.
func (b *Builder) Build(ctx context.Context, runID, commitSHA string, paths []string) (*models.EvidenceManifest, error) {
	if !runIDPattern.MatchString(runID) {
		return nil, services.NewValidationError("invalid runId", nil).WithDetail("field", "runId")
	}
	if commitSHA == "" {
		return nil, services.NewValidationError("commitSha is required", nil).WithDetail("field", "commitSha")
	}
	if len(paths) == 0 {
		return nil, services.NewValidationError("at least one evidence file is required", nil).WithDetail("field", "files")
	}

	seen := make(map[string]struct{}, len(paths))
	files := make([]models.EvidenceFile, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !fs.ValidPath(p) || p == "." {
			return nil, services.NewValidationError(fmt.Sprintf("invalid evidence path %q", p), nil).WithDetail("path", p)
		}
		if _, dup := seen[p]; dup {
			return nil, services.NewValidationError(fmt.Sprintf("duplicate evidence path %q", p), nil).WithDetail("path", p)
		}
		seen[p] = struct{}{}

		sum, err := hashFile(b.fsys, p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, services.NewValidationError(fmt.Sprintf("evidence file %q not found", p), err).WithDetail("path", p)
			}
			return nil, fmt.Errorf("failed to hash %s: %w", p, err)
		}
		files = append(files, models.EvidenceFile{Path: p, SHA256: sum})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return &models.EvidenceManifest{
		RunID:          runID,
		CommitSHA:      commitSHA,
		GeneratedAt:    b.clock().UTC().Truncate(time.Millisecond),
		Files:          files,
		ManifestSHA256: ManifestHash(files),
	}, nil
}

// ManifestHash folds sorted entries into the aggregate hash:
// SHA-256 over the concatenation of "path:sha256\n" lines.
func ManifestHash(files []models.EvidenceFile) string {
	h := sha256.New()
	for _, f := range files {
		_, _ = io.WriteString(h, f.Path)
		_, _ = io.WriteString(h, ":")
		_, _ = io.WriteString(h, f.SHA256)
		_, _ = io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyManifest recomputes every file hash against fsys and the aggregate
// hash over the recorded entries.
func VerifyManifest(m *models.EvidenceManifest, fsys fs.FS) error {
	for i, f := range m.Files {
		if i > 0 && m.Files[i-1].Path >= f.Path {
			return fmt.Errorf("%w: entries not sorted at %s", ErrManifestMismatch, f.Path)
		}
		sum, err := hashFile(fsys, f.Path)
		if err != nil {
			return fmt.Errorf("%w: %s unreadable: %v", ErrManifestMismatch, f.Path, err)
		}
		if sum != f.SHA256 {
			return fmt.Errorf("%w: %s content changed", ErrManifestMismatch, f.Path)
		}
	}
	if ManifestHash(m.Files) != m.ManifestSHA256 {
		return fmt.Errorf("%w: aggregate hash differs", ErrManifestMismatch)
	}
	return nil
}

// ValidateDocument checks the manifest's JSON form against the export schema
func ValidateDocument(m *models.EvidenceManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return services.NewValidationError("manifest does not match export schema", err)
	}
	return nil
}

func hashFile(fsys fs.FS, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
