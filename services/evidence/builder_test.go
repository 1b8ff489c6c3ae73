package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/services"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func evidenceFS() fstest.MapFS {
	return fstest.MapFS{
		"reports/duty.csv":   {Data: []byte("hs,duty\n850760,0.00\n")},
		"ledger/1-2.jsonl":   {Data: []byte("{\"sequence\":1}\n{\"sequence\":2}\n")},
		"build/commit.txt":   {Data: []byte("abc123\n")},
		"reports/empty.json": {Data: []byte{}},
	}
}

func newTestBuilder(fsys fstest.MapFS) *Builder {
	return NewBuilder(fsys, WithBuildClock(func() time.Time { return fixedNow }))
}

func TestBuilder_Build(t *testing.T) {
	b := newTestBuilder(evidenceFS())

	m, err := b.Build(context.Background(), "run-1", "abc123", []string{"reports/duty.csv", "build/commit.txt", "ledger/1-2.jsonl"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, "abc123", m.CommitSHA)
	assert.Equal(t, fixedNow, m.GeneratedAt)

	require.Len(t, m.Files, 3)
	assert.Equal(t, "build/commit.txt", m.Files[0].Path)
	assert.Equal(t, "ledger/1-2.jsonl", m.Files[1].Path)
	assert.Equal(t, "reports/duty.csv", m.Files[2].Path)
	assert.Equal(t, sum("abc123\n"), m.Files[0].SHA256)

	want := sum("build/commit.txt:" + sum("abc123\n") + "\n" +
		"ledger/1-2.jsonl:" + sum("{\"sequence\":1}\n{\"sequence\":2}\n") + "\n" +
		"reports/duty.csv:" + sum("hs,duty\n850760,0.00\n") + "\n")
	assert.Equal(t, want, m.ManifestSHA256)
	assert.NoError(t, ValidateDocument(m))
}

func TestBuilder_BuildEmptyFile(t *testing.T) {
	m, err := newTestBuilder(evidenceFS()).Build(context.Background(), "run-1", "abc", []string{"reports/empty.json"})
	require.NoError(t, err)
	assert.Equal(t, sum(""), m.Files[0].SHA256)
}

func TestBuilder_BuildRejects(t *testing.T) {
	tests := []struct {
		name      string
		runID     string
		commitSHA string
		paths     []string
		detail    string
	}{
		{"duplicate path", "run-1", "abc", []string{"reports/duty.csv", "build/commit.txt", "reports/duty.csv"}, "path"},
		{"missing file", "run-1", "abc", []string{"reports/absent.csv"}, "path"},
		{"absolute path", "run-1", "abc", []string{"/etc/passwd"}, "path"},
		{"parent traversal", "run-1", "abc", []string{"../secret"}, "path"},
		{"no files", "run-1", "abc", nil, "field"},
		{"empty run id", "", "abc", []string{"build/commit.txt"}, "field"},
		{"run id with slash", "a/b", "abc", []string{"build/commit.txt"}, "field"},
		{"empty commit", "run-1", "", []string{"build/commit.txt"}, "field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := newTestBuilder(evidenceFS()).Build(context.Background(), tt.runID, tt.commitSHA, tt.paths)
			assert.Nil(t, m)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))
			assert.Contains(t, services.GetErrorDetails(err), tt.detail)
		})
	}
}

func TestBuilder_BuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestBuilder(evidenceFS()).Build(ctx, "run-1", "abc", []string{"build/commit.txt"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyManifest(t *testing.T) {
	fsys := evidenceFS()
	m, err := newTestBuilder(fsys).Build(context.Background(), "run-1", "abc", []string{"reports/duty.csv", "build/commit.txt"})
	require.NoError(t, err)
	require.NoError(t, VerifyManifest(m, fsys))

	tests := []struct {
		name   string
		mutate func(fs fstest.MapFS, m *models.EvidenceManifest)
	}{
		{"file altered", func(fs fstest.MapFS, m *models.EvidenceManifest) {
			fs["reports/duty.csv"] = &fstest.MapFile{Data: []byte("hs,duty\n850760,9.99\n")}
		}},
		{"file removed", func(fs fstest.MapFS, m *models.EvidenceManifest) {
			delete(fs, "build/commit.txt")
		}},
		{"entry added without rehash", func(fs fstest.MapFS, m *models.EvidenceManifest) {
			m.Files = append(m.Files, models.EvidenceFile{Path: "ledger/1-2.jsonl", SHA256: sum("{\"sequence\":1}\n{\"sequence\":2}\n")})
		}},
		{"entries reordered", func(fs fstest.MapFS, m *models.EvidenceManifest) {
			m.Files[0], m.Files[1] = m.Files[1], m.Files[0]
		}},
		{"aggregate altered", func(fs fstest.MapFS, m *models.EvidenceManifest) {
			m.ManifestSHA256 = sum("other")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := evidenceFS()
			copied := *m
			copied.Files = append([]models.EvidenceFile(nil), m.Files...)
			tt.mutate(fs, &copied)

			err := VerifyManifest(&copied, fs)
			assert.True(t, errors.Is(err, ErrManifestMismatch), "got %v", err)
		})
	}
}

func TestValidateDocument(t *testing.T) {
	valid := func() *models.EvidenceManifest {
		files := []models.EvidenceFile{{Path: "ledger/1-1.jsonl", SHA256: sum("x")}}
		return &models.EvidenceManifest{
			RunID:          "run-1",
			CommitSHA:      "abc",
			GeneratedAt:    fixedNow,
			Files:          files,
			ManifestSHA256: ManifestHash(files),
		}
	}
	require.NoError(t, ValidateDocument(valid()))

	tests := []struct {
		name   string
		mutate func(m *models.EvidenceManifest)
	}{
		{"short file hash", func(m *models.EvidenceManifest) { m.Files[0].SHA256 = "abc" }},
		{"uppercase aggregate", func(m *models.EvidenceManifest) { m.ManifestSHA256 = "A" + m.ManifestSHA256[1:] }},
		{"no files", func(m *models.EvidenceManifest) { m.Files = []models.EvidenceFile{} }},
		{"empty commit", func(m *models.EvidenceManifest) { m.CommitSHA = "" }},
		{"bad run id", func(m *models.EvidenceManifest) { m.RunID = "../x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := ValidateDocument(m)
			assert.True(t, services.IsValidationError(err), "got %v", err)
		})
	}
}
