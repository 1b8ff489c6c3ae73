package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
	"github.com/upb/governed-core/services"
	"github.com/upb/governed-core/services/authz"
)

const tracerName = "github.com/upb/governed-core/services/evidence"

// ManifestFile is the name of the manifest document written beside a run's files
const ManifestFile = "manifest.json"

// Ledger is the part of the audit ledger an export needs
type Ledger interface {
	Verify(ctx context.Context, from, to int64) error
	Read(ctx context.Context, from, to int64) ([]*models.AuditRecord, error)
	Append(ctx context.Context, candidate *models.AuditCandidate) (*models.AuditRecord, error)
}

// ExportOption configures an Exporter
type ExportOption func(*Exporter)

// WithExportClock overrides the manifest generatedAt source
func WithExportClock(clock func() time.Time) ExportOption {
	return func(e *Exporter) { e.clock = clock }
}

// Exporter writes verified ledger segments to a sink and records a manifest
type Exporter struct {
	authorizer authz.Authorizer
	ledger     Ledger
	sink       Sink
	manifests  repositories.ManifestRepository
	logger     *zap.Logger
	clock      func() time.Time
	tracer     trace.Tracer
}

// NewExporter creates an exporter
func NewExporter(authorizer authz.Authorizer, ledger Ledger, sink Sink, manifests repositories.ManifestRepository, logger *zap.Logger, opts ...ExportOption) *Exporter {
	e := &Exporter{
		authorizer: authorizer,
		ledger:     ledger,
		sink:       sink,
		manifests:  manifests,
		logger:     logger,
		clock:      time.Now,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// exportedBody is the payload of an EVIDENCE_EXPORTED record
type exportedBody struct {
	RunID          string `json:"runId"`
	CommitSHA      string `json:"commitSha"`
	From           int64  `json:"from"`
	To             int64  `json:"to"`
	ManifestSHA256 string `json:"manifestSha256"`
	SegmentTail    string `json:"segmentTailHash"`
}

// SegmentPath names the JSONL file holding records from..to
func SegmentPath(from, to int64) string {
	return fmt.Sprintf("ledger/%d-%d.jsonl", from, to)
}

// ExportLedgerSegment authorizes EXPORT_EVIDENCE, verifies records
// from..to, writes them under runID in the sink, and returns the manifest
// together with the EVIDENCE_EXPORTED record. An integrity failure in the
// range halts the export before anything is written.
func (e *Exporter) ExportLedgerSegment(ctx context.Context, rc models.RequestContext, runID, commitSHA string, from, to int64) (*models.EvidenceManifest, *models.AuditRecord, error) {
	ctx, span := e.tracer.Start(ctx, "evidence.ExportLedgerSegment", trace.WithAttributes(
		attribute.String("request_id", rc.RequestID),
		attribute.String("run_id", runID),
		attribute.Int64("from", from),
		attribute.Int64("to", to),
	))
	defer span.End()

	if err := e.authorizer.AuthorizeAction(ctx, rc, models.ActionExportEvidence); err != nil {
		span.SetStatus(codes.Error, "not authorized")
		return nil, nil, err
	}

	ctx = context.WithoutCancel(ctx)

	if !runIDPattern.MatchString(runID) {
		return nil, nil, services.NewValidationError("invalid runId", nil).WithDetail("field", "runId")
	}
	if _, err := e.manifests.GetByRunID(ctx, runID); err == nil {
		return nil, nil, services.NewValidationError(fmt.Sprintf("run %s already exported", runID), nil).
			WithDetail("field", "runId")
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, nil, services.WrapInternal("failed to look up manifest", err)
	}

	if err := e.ledger.Verify(ctx, from, to); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "segment failed verification")
		if services.IsLedgerIntegrityError(err) {
			e.logger.Error("evidence export halted by ledger integrity failure",
				zap.String("request_id", rc.RequestID),
				zap.String("run_id", runID),
				zap.Error(err))
		}
		return nil, nil, err
	}

	records, err := e.ledger.Read(ctx, from, to)
	if err != nil {
		return nil, nil, services.WrapInternal("failed to read ledger segment", err)
	}
	if len(records) == 0 {
		return nil, nil, services.NewValidationError("ledger segment is empty", nil)
	}
	segment, err := encodeSegment(records)
	if err != nil {
		return nil, nil, services.WrapInternal("failed to encode ledger segment", err)
	}

	segmentPath := SegmentPath(from, to)
	if err := e.sink.Put(ctx, path.Join(runID, segmentPath), segment); err != nil {
		span.RecordError(err)
		return nil, nil, services.WrapInternal("failed to write ledger segment", err)
	}

	runFS, err := fs.Sub(SinkFS(ctx, e.sink), runID)
	if err != nil {
		return nil, nil, services.WrapInternal("failed to open run directory", err)
	}
	manifest, err := NewBuilder(runFS, WithBuildClock(e.clock)).Build(ctx, runID, commitSHA, []string{segmentPath})
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateDocument(manifest); err != nil {
		return nil, nil, err
	}

	doc, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, services.WrapInternal("failed to encode manifest", err)
	}

	body := exportedBody{
		RunID:          runID,
		CommitSHA:      commitSHA,
		From:           from,
		To:             to,
		ManifestSHA256: manifest.ManifestSHA256,
		SegmentTail:    records[len(records)-1].RecordHash,
	}
	record, err := e.ledger.Append(ctx, models.NewAuditCandidate(rc, models.ActionKindEvidenceExported).WithBody(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export not recorded")
		e.logger.Error("evidence export could not be recorded",
			zap.String("request_id", rc.RequestID),
			zap.String("run_id", runID),
			zap.Error(err))
		return nil, nil, err
	}

	// Publish only after the export record is sealed
	if err := e.sink.Put(ctx, path.Join(runID, ManifestFile), doc); err != nil {
		return nil, nil, services.WrapInternal("failed to write manifest", err)
	}
	if err := e.manifests.Save(ctx, manifest); err != nil {
		return nil, nil, services.WrapInternal("failed to save manifest", err)
	}

	e.logger.Info("ledger segment exported",
		zap.String("request_id", rc.RequestID),
		zap.String("run_id", runID),
		zap.Int64("from", from),
		zap.Int64("to", to),
		zap.String("manifest_sha256", manifest.ManifestSHA256),
		zap.Int64("sequence", record.Sequence))

	return manifest, record, nil
}

// Manifest returns a stored manifest by run id
func (e *Exporter) Manifest(ctx context.Context, runID string) (*models.EvidenceManifest, error) {
	m, err := e.manifests.GetByRunID(ctx, runID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound,
				fmt.Sprintf("no manifest for run %s", runID), err)
		}
		return nil, services.WrapInternal("failed to load manifest", err)
	}
	return m, nil
}

// Reverify loads a stored manifest and checks it against the sink contents
func (e *Exporter) Reverify(ctx context.Context, runID string) (*models.EvidenceManifest, error) {
	m, err := e.Manifest(ctx, runID)
	if err != nil {
		return nil, err
	}
	runFS, err := fs.Sub(SinkFS(ctx, e.sink), runID)
	if err != nil {
		return nil, services.WrapInternal("failed to open run directory", err)
	}
	if err := VerifyManifest(m, runFS); err != nil {
		e.logger.Warn("evidence manifest no longer matches stored files",
			zap.String("run_id", runID),
			zap.Error(err))
		return m, services.NewDomainError(services.ErrorTypeLedgerIntegrity, "evidence manifest mismatch", err).
			WithDetail("runId", runID)
	}
	return m, nil
}

func encodeSegment(records []*models.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
