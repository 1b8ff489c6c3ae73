// Package ledger implements the append-only, hash-chained audit ledger.
//
// The ledger is the only component that mutates shared state. Appends are
// serialized inside the process and the backing repository rejects any
// record that does not extend its stored tail, so the chain stays gap-free
// even when two processes share a store.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/upb/governed-core/internal/canonical"
	"github.com/upb/governed-core/internal/observability"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
	"github.com/upb/governed-core/services"
)

const tracerName = "github.com/upb/governed-core/services/ledger"

// Envelope is the canonical document whose hash is an AuditRecord's PayloadHash
type Envelope struct {
	ActionKind models.ActionKind `json:"actionKind"`
	ActorID    string            `json:"actorId"`
	RequestID  string            `json:"requestId"`
	Body       interface{}       `json:"body"`
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the time source used to stamp records
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithMetrics attaches append and integrity instruments
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// Ledger is the single writer of audit records
type Ledger struct {
	repo    repositories.LedgerRepository
	logger  *zap.Logger
	clock   func() time.Time
	metrics *observability.Metrics
	tracer  trace.Tracer

	// appendMu serializes read-tail, seal, persist
	appendMu sync.Mutex

	headMu   sync.RWMutex
	headSeq  int64
	headHash string
	stale    bool
}

// New creates a ledger over the given repository. Call Open before use.
func New(repo repositories.LedgerRepository, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:     repo,
		logger:   logger,
		clock:    time.Now,
		tracer:   otel.Tracer(tracerName),
		headHash: models.GenesisHash,
		stale:    true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open loads the stored tail so the next append extends it
func (l *Ledger) Open(ctx context.Context) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := l.resync(ctx); err != nil {
		return err
	}

	seq, hash := l.Head()
	l.logger.Info("ledger opened",
		zap.Int64("head_sequence", seq),
		zap.String("head_hash", hash))
	return nil
}

// Head returns the last durable sequence and its record hash. An empty
// ledger reports (0, GenesisHash).
func (l *Ledger) Head() (int64, string) {
	l.headMu.RLock()
	defer l.headMu.RUnlock()
	return l.headSeq, l.headHash
}

// Append seals the candidate as the next record and persists it. It returns
// only after the repository reports the write durable; on failure the head
// is not advanced.
func (l *Ledger) Append(ctx context.Context, candidate *models.AuditCandidate) (*models.AuditRecord, error) {
	if candidate == nil || candidate.RequestID == "" || candidate.ActionKind == "" {
		return nil, services.NewValidationError("audit candidate requires requestId and actionKind", nil)
	}

	ctx, span := l.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("action_kind", string(candidate.ActionKind)),
		attribute.String("request_id", candidate.RequestID),
	))
	defer span.End()

	payload, err := canonical.Marshal(Envelope{
		ActionKind: candidate.ActionKind,
		ActorID:    candidate.ActorID,
		RequestID:  candidate.RequestID,
		Body:       candidate.Body,
	})
	if err != nil {
		span.SetStatus(codes.Error, "encode payload")
		return nil, services.NewValidationError("audit payload cannot be encoded", err)
	}
	payloadHash := canonical.HashBytes(payload)

	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	start := time.Now()

	if l.isStale() {
		if err := l.resync(ctx); err != nil {
			l.metrics.RecordAppend(ctx, string(candidate.ActionKind), time.Since(start), err)
			span.SetStatus(codes.Error, "resync")
			return nil, services.NewLedgerWriteError(err)
		}
	}

	prevSeq, prevHash := l.Head()
	ts := l.clock().UTC().Truncate(time.Microsecond)
	seq := prevSeq + 1

	record := &models.AuditRecord{
		Sequence:           seq,
		RequestID:          candidate.RequestID,
		ActorID:            candidate.ActorID,
		ActionKind:         candidate.ActionKind,
		PayloadHash:        payloadHash,
		PreviousRecordHash: prevHash,
		RecordHash:         ComputeRecordHash(prevHash, payloadHash, seq, ts),
		Timestamp:          ts,
		Payload:            payload,
	}

	if err := l.repo.Insert(ctx, record); err != nil {
		l.markStale()
		l.metrics.RecordAppend(ctx, string(candidate.ActionKind), time.Since(start), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert")
		l.logger.Error("ledger append failed",
			zap.Int64("sequence", seq),
			zap.String("request_id", candidate.RequestID),
			zap.String("action_kind", string(candidate.ActionKind)),
			zap.Error(err))
		return nil, services.NewLedgerWriteError(err)
	}

	l.setHead(record.Sequence, record.RecordHash)
	l.metrics.RecordAppend(ctx, string(candidate.ActionKind), time.Since(start), nil)
	span.SetAttributes(attribute.Int64("sequence", record.Sequence))

	l.logger.Debug("ledger record sealed",
		zap.Int64("sequence", record.Sequence),
		zap.String("request_id", record.RequestID),
		zap.String("action_kind", string(record.ActionKind)))

	return record, nil
}

// Verify recomputes payload and record hashes over [from, to] and checks
// that the range is contiguous and linked to record from-1 (or genesis).
// The first offending sequence is reported in a ledger integrity error.
func (l *Ledger) Verify(ctx context.Context, from, to int64) error {
	ctx, span := l.tracer.Start(ctx, "ledger.Verify", trace.WithAttributes(
		attribute.Int64("from", from),
		attribute.Int64("to", to),
	))
	defer span.End()

	head, _ := l.Head()
	if from >= 1 && to > head {
		var err error
		if head, err = l.Refresh(ctx); err != nil {
			return services.WrapInternal("ledger tail read failed", err)
		}
	}
	if from < 1 || to < from || to > head {
		return services.NewValidationError(
			fmt.Sprintf("invalid range [%d, %d] for head %d", from, to, head), nil).
			WithDetail("from", from).WithDetail("to", to)
	}

	prevHash := models.GenesisHash
	if from > 1 {
		prev, err := l.repo.GetBySequence(ctx, from-1)
		if err != nil {
			return l.integrityOrInternal(ctx, span, from-1, "preceding record unavailable", err)
		}
		prevHash = prev.RecordHash
	}

	records, err := l.repo.Range(ctx, from, to)
	if err != nil {
		return services.WrapInternal("ledger range read failed", err)
	}

	expected := from
	for _, rec := range records {
		if rec.Sequence != expected {
			return l.fail(ctx, span, expected, fmt.Sprintf("sequence gap: expected %d, found %d", expected, rec.Sequence))
		}
		if msg := checkRecord(rec, prevHash); msg != "" {
			return l.fail(ctx, span, rec.Sequence, msg)
		}
		prevHash = rec.RecordHash
		expected++
	}
	if expected <= to {
		return l.fail(ctx, span, expected, fmt.Sprintf("record %d missing", expected))
	}

	return nil
}

// Read returns records in [from, to] ascending, clamped to the stored head at call time
func (l *Ledger) Read(ctx context.Context, from, to int64) ([]*models.AuditRecord, error) {
	if from < 1 || to < from {
		return nil, services.NewValidationError(fmt.Sprintf("invalid range [%d, %d]", from, to), nil)
	}

	head, _ := l.Head()
	if to > head {
		var err error
		if head, err = l.Refresh(ctx); err != nil {
			return nil, services.WrapInternal("ledger tail read failed", err)
		}
	}
	if to > head {
		to = head
	}
	if from > to {
		return []*models.AuditRecord{}, nil
	}

	records, err := l.repo.Range(ctx, from, to)
	if err != nil {
		return nil, services.WrapInternal("ledger range read failed", err)
	}
	return records, nil
}

// Refresh advances the cached head to the stored tail when another writer
// sharing the store has appended since, and returns the resulting head
// sequence. The head never moves backwards.
func (l *Ledger) Refresh(ctx context.Context) (int64, error) {
	tail, err := l.repo.Tail(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load ledger tail: %w", err)
	}

	l.headMu.Lock()
	defer l.headMu.Unlock()
	if tail != nil && tail.Sequence > l.headSeq {
		l.headSeq, l.headHash = tail.Sequence, tail.RecordHash
	}
	return l.headSeq, nil
}

// RecordsForRequest returns every record written for one logical action
func (l *Ledger) RecordsForRequest(ctx context.Context, requestID string) ([]*models.AuditRecord, error) {
	records, err := l.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, services.WrapInternal("ledger lookup failed", err)
	}
	return records, nil
}

// ComputeRecordHash returns the chain hash of one record
func ComputeRecordHash(prevHash, payloadHash string, sequence int64, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write([]byte(payloadHash))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// checkRecord returns a non-empty reason when rec is not a valid successor of prevHash
func checkRecord(rec *models.AuditRecord, prevHash string) string {
	if rec.PreviousRecordHash != prevHash {
		return "previous record hash does not link"
	}
	if len(rec.Payload) > 0 {
		if canonical.HashBytes(rec.Payload) != rec.PayloadHash {
			return "payload hash mismatch"
		}
		var env Envelope
		if err := json.Unmarshal(rec.Payload, &env); err != nil {
			return "payload is not a valid envelope"
		}
		if string(env.ActionKind) != norm.NFC.String(string(rec.ActionKind)) ||
			env.ActorID != norm.NFC.String(rec.ActorID) ||
			env.RequestID != norm.NFC.String(rec.RequestID) {
			return "payload envelope does not match record"
		}
	}
	if ComputeRecordHash(rec.PreviousRecordHash, rec.PayloadHash, rec.Sequence, rec.Timestamp) != rec.RecordHash {
		return "record hash mismatch"
	}
	return ""
}

func (l *Ledger) fail(ctx context.Context, span trace.Span, sequence int64, msg string) error {
	l.metrics.RecordIntegrityFailure(ctx)
	span.SetStatus(codes.Error, msg)
	span.SetAttributes(attribute.Int64("mismatch_sequence", sequence))
	l.logger.Warn("ledger integrity check failed",
		zap.Int64("sequence", sequence),
		zap.String("reason", msg))
	return services.NewLedgerIntegrityError(sequence, msg)
}

func (l *Ledger) integrityOrInternal(ctx context.Context, span trace.Span, sequence int64, msg string, err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return l.fail(ctx, span, sequence, msg)
	}
	return services.WrapInternal("ledger read failed", err)
}

func (l *Ledger) resync(ctx context.Context) error {
	tail, err := l.repo.Tail(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger tail: %w", err)
	}

	l.headMu.Lock()
	defer l.headMu.Unlock()
	if tail == nil {
		l.headSeq, l.headHash = 0, models.GenesisHash
	} else {
		l.headSeq, l.headHash = tail.Sequence, tail.RecordHash
	}
	l.stale = false
	return nil
}

func (l *Ledger) setHead(seq int64, hash string) {
	l.headMu.Lock()
	defer l.headMu.Unlock()
	l.headSeq, l.headHash = seq, hash
}

func (l *Ledger) markStale() {
	l.headMu.Lock()
	defer l.headMu.Unlock()
	l.stale = true
}

func (l *Ledger) isStale() bool {
	l.headMu.RLock()
	defer l.headMu.RUnlock()
	return l.stale
}
