package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories/memory"
	"github.com/upb/governed-core/services"
)

// tamperRepo returns records altered by mutate, simulating storage edits
type tamperRepo struct {
	*memory.LedgerRepository
	mutate func(*models.AuditRecord)
}

func (r *tamperRepo) GetBySequence(ctx context.Context, seq int64) (*models.AuditRecord, error) {
	rec, err := r.LedgerRepository.GetBySequence(ctx, seq)
	if err == nil && r.mutate != nil {
		r.mutate(rec)
	}
	return rec, err
}

func (r *tamperRepo) Range(ctx context.Context, from, to int64) ([]*models.AuditRecord, error) {
	recs, err := r.LedgerRepository.Range(ctx, from, to)
	if err == nil && r.mutate != nil {
		for _, rec := range recs {
			r.mutate(rec)
		}
	}
	return recs, err
}

// flakyRepo fails inserts while failing is set
type flakyRepo struct {
	*memory.LedgerRepository
	failing bool
}

func (r *flakyRepo) Insert(ctx context.Context, rec *models.AuditRecord) error {
	if r.failing {
		return errors.New("disk full")
	}
	return r.LedgerRepository.Insert(ctx, rec)
}

func steppingClock() func() time.Time {
	base := time.Date(2025, 3, 1, 9, 0, 0, 123456789, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

// flip changes the first hex digit of h
func flip(h string) string {
	if h[0] == '0' {
		return "1" + h[1:]
	}
	return "0" + h[1:]
}

func openLedger(t *testing.T, repo *tamperRepo) *Ledger {
	t.Helper()
	l := New(repo, zap.NewNop(), WithClock(steppingClock()))
	require.NoError(t, l.Open(context.Background()))
	return l
}

func candidate(requestID, actorID string, kind models.ActionKind, body interface{}) *models.AuditCandidate {
	rc := models.NewRequestContext(requestID, models.Actor{ActorID: actorID, Role: "OPERATOR"})
	return models.NewAuditCandidate(rc, kind).WithBody(body)
}

func appendN(t *testing.T, l *Ledger, n int) []*models.AuditRecord {
	t.Helper()
	var out []*models.AuditRecord
	for i := 0; i < n; i++ {
		rec, err := l.Append(context.Background(), candidate("req-"+string(rune('a'+i)), "u1",
			models.ActionKindAuthzDecision, map[string]interface{}{"i": i}))
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestAppend_ChainsRecords(t *testing.T) {
	l := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})

	records := appendN(t, l, 3)

	assert.Equal(t, int64(1), records[0].Sequence)
	assert.Equal(t, models.GenesisHash, records[0].PreviousRecordHash)
	for i := 1; i < len(records); i++ {
		assert.Equal(t, int64(i+1), records[i].Sequence)
		assert.Equal(t, records[i-1].RecordHash, records[i].PreviousRecordHash)
	}
	for _, rec := range records {
		assert.Len(t, rec.RecordHash, 64)
		assert.Len(t, rec.PayloadHash, 64)
		assert.Equal(t, time.UTC, rec.Timestamp.Location())
		assert.Zero(t, rec.Timestamp.Nanosecond()%1000, "timestamp must be truncated to microseconds")
	}

	seq, hash := l.Head()
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, records[2].RecordHash, hash)
}

func TestAppend_PayloadHashIsCanonical(t *testing.T) {
	l1 := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})
	l2 := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})

	r1, err := l1.Append(context.Background(), candidate("r", "u", models.ActionKindDutyCalculated,
		map[string]interface{}{"b": 1, "a": "café"}))
	require.NoError(t, err)
	r2, err := l2.Append(context.Background(), candidate("r", "u", models.ActionKindDutyCalculated,
		map[string]interface{}{"a": "café", "b": 1}))
	require.NoError(t, err)

	assert.Equal(t, r1.PayloadHash, r2.PayloadHash)
	assert.JSONEq(t, `{"actionKind":"DUTY_CALCULATED","actorId":"u","body":{"a":"café","b":1},"requestId":"r"}`,
		string(r1.Payload))
}

func TestAppend_RejectsInvalidCandidate(t *testing.T) {
	l := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})

	tests := []struct {
		name string
		c    *models.AuditCandidate
	}{
		{"nil", nil},
		{"missing request id", candidate("", "u", models.ActionKindAuthzDecision, nil)},
		{"missing kind", candidate("r", "u", "", nil)},
		{"unencodable body", candidate("r", "u", models.ActionKindAuthzDecision, make(chan int))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(context.Background(), tt.c)
			assert.True(t, services.IsValidationError(err))
		})
	}

	seq, _ := l.Head()
	assert.Equal(t, int64(0), seq)
}

func TestAppend_WriteFailureDoesNotAdvanceHead(t *testing.T) {
	repo := &flakyRepo{LedgerRepository: memory.NewLedgerRepository()}
	l := New(repo, zap.NewNop(), WithClock(steppingClock()))
	require.NoError(t, l.Open(context.Background()))

	first, err := l.Append(context.Background(), candidate("r1", "u", models.ActionKindAuthzDecision, nil))
	require.NoError(t, err)

	repo.failing = true
	_, err = l.Append(context.Background(), candidate("r2", "u", models.ActionKindAuthzDecision, nil))
	require.Error(t, err)
	assert.True(t, services.IsLedgerWriteError(err))

	seq, hash := l.Head()
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, first.RecordHash, hash)

	repo.failing = false
	next, err := l.Append(context.Background(), candidate("r3", "u", models.ActionKindAuthzDecision, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Sequence)
	assert.Equal(t, first.RecordHash, next.PreviousRecordHash)
	assert.Equal(t, 2, repo.Len())
}

func TestAppend_CancelledContextIsWriteFailure(t *testing.T) {
	l := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Append(ctx, candidate("r", "u", models.ActionKindAuthzDecision, nil))
	assert.True(t, services.IsLedgerWriteError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAppend_ConcurrentAppendsAreGapFree(t *testing.T) {
	repo := &tamperRepo{LedgerRepository: memory.NewLedgerRepository()}
	l := New(repo, zap.NewNop())
	require.NoError(t, l.Open(context.Background()))

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(context.Background(), candidate("r", "u", models.ActionKindAuthzDecision, nil))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seq, _ := l.Head()
	assert.Equal(t, int64(n), seq)
	assert.NoError(t, l.Verify(context.Background(), 1, n))
}

func TestOpen_ResumesFromStoredTail(t *testing.T) {
	repo := &tamperRepo{LedgerRepository: memory.NewLedgerRepository()}
	first := openLedger(t, repo)
	records := appendN(t, first, 2)

	second := New(repo, zap.NewNop())
	require.NoError(t, second.Open(context.Background()))

	rec, err := second.Append(context.Background(), candidate("r", "u", models.ActionKindAuthzDecision, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Sequence)
	assert.Equal(t, records[1].RecordHash, rec.PreviousRecordHash)
}

func TestVerify_IntactChain(t *testing.T) {
	l := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})
	appendN(t, l, 5)

	assert.NoError(t, l.Verify(context.Background(), 1, 5))
	assert.NoError(t, l.Verify(context.Background(), 3, 5))
	assert.NoError(t, l.Verify(context.Background(), 2, 2))
}

func TestVerify_PayloadHashMutationOnFirstRecord(t *testing.T) {
	repo := &tamperRepo{LedgerRepository: memory.NewLedgerRepository()}
	l := openLedger(t, repo)

	_, err := l.Append(context.Background(), candidate("r1", "u", models.ActionKindAuthzDecision, map[string]string{"n": "1"}))
	require.NoError(t, err)
	_, err = l.Append(context.Background(), candidate("r2", "u", models.ActionKindAuthzDecision, map[string]string{"n": "2"}))
	require.NoError(t, err)

	repo.mutate = func(rec *models.AuditRecord) {
		if rec.Sequence == 1 {
			rec.PayloadHash = flip(rec.PayloadHash)
		}
	}

	err = l.Verify(context.Background(), 1, 2)
	require.Error(t, err)
	assert.True(t, services.IsLedgerIntegrityError(err))

	seq, ok := services.MismatchSequence(err)
	require.True(t, ok)
	assert.Equal(t, int64(1), seq)
}

func TestVerify_DetectsTamperAtExactSequence(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.AuditRecord)
		wantSeq int64
	}{
		{
			name: "payload bytes edited",
			mutate: func(rec *models.AuditRecord) {
				rec.Payload = []byte(`{"actionKind":"AUTHZ_DECISION","actorId":"u1","body":{"i":99},"requestId":"req-c"}`)
			},
			wantSeq: 3,
		},
		{
			name:    "record hash edited",
			mutate:  func(rec *models.AuditRecord) { rec.RecordHash = flip(rec.RecordHash) },
			wantSeq: 3,
		},
		{
			name:    "timestamp edited",
			mutate:  func(rec *models.AuditRecord) { rec.Timestamp = rec.Timestamp.Add(time.Second) },
			wantSeq: 3,
		},
		{
			name:    "actor column edited",
			mutate:  func(rec *models.AuditRecord) { rec.ActorID = "someone-else" },
			wantSeq: 3,
		},
		{
			name:    "sequence renumbered",
			mutate:  func(rec *models.AuditRecord) { rec.Sequence = 30 },
			wantSeq: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &tamperRepo{LedgerRepository: memory.NewLedgerRepository()}
			l := openLedger(t, repo)
			appendN(t, l, 5)

			repo.mutate = func(rec *models.AuditRecord) {
				if rec.Sequence == 3 {
					tt.mutate(rec)
				}
			}

			err := l.Verify(context.Background(), 1, 5)
			seq, ok := services.MismatchSequence(err)
			require.True(t, ok, "expected integrity error, got %v", err)
			assert.Equal(t, tt.wantSeq, seq)
		})
	}
}

func TestVerify_SubrangeChecksLinkToPredecessor(t *testing.T) {
	repo := &tamperRepo{LedgerRepository: memory.NewLedgerRepository()}
	l := openLedger(t, repo)
	appendN(t, l, 5)

	repo.mutate = func(rec *models.AuditRecord) {
		if rec.Sequence == 2 {
			rec.RecordHash = flip(rec.RecordHash)
		}
	}

	seq, ok := services.MismatchSequence(l.Verify(context.Background(), 3, 5))
	require.True(t, ok)
	assert.Equal(t, int64(3), seq)
}

func TestVerify_InvalidRange(t *testing.T) {
	l := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})
	appendN(t, l, 2)

	for _, r := range [][2]int64{{0, 1}, {2, 1}, {1, 3}} {
		err := l.Verify(context.Background(), r[0], r[1])
		assert.True(t, services.IsValidationError(err), "range %v", r)
	}
}

func TestRead_ClampsToHead(t *testing.T) {
	l := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})
	appendN(t, l, 3)

	records, err := l.Read(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].Sequence)
	assert.Equal(t, int64(3), records[1].Sequence)

	records, err = l.Read(context.Background(), 7, 9)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = l.Read(context.Background(), 0, 1)
	assert.True(t, services.IsValidationError(err))
}

func TestSharedStore_ReaderSeesOtherWriter(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewLedgerRepository()

	a := New(repo, zap.NewNop())
	require.NoError(t, a.Open(ctx))
	b := New(repo, zap.NewNop())
	require.NoError(t, b.Open(ctx))

	written := appendN(t, a, 3)

	require.NoError(t, b.Verify(ctx, 1, 3))

	records, err := b.Read(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, written[2].RecordHash, records[2].RecordHash)

	seq, hash := b.Head()
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, written[2].RecordHash, hash)

	// b extends the chain a wrote; a's stale head is rejected once, then resyncs
	rec, err := b.Append(ctx, candidate("REQ-B", "u-b", models.ActionKindAuthzDecision, map[string]int{"n": 4}))
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Sequence)

	_, err = a.Append(ctx, candidate("REQ-A", "u-a", models.ActionKindAuthzDecision, map[string]int{"n": 5}))
	assert.True(t, services.IsLedgerWriteError(err))
	rec, err = a.Append(ctx, candidate("REQ-A", "u-a", models.ActionKindAuthzDecision, map[string]int{"n": 5}))
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Sequence)

	require.NoError(t, b.Verify(ctx, 1, 5))
	assert.True(t, services.IsValidationError(b.Verify(ctx, 1, 6)))
}

func TestRecordsForRequest(t *testing.T) {
	l := openLedger(t, &tamperRepo{LedgerRepository: memory.NewLedgerRepository()})

	_, err := l.Append(context.Background(), candidate("shared", "u", models.ActionKindAuthzDecision, nil))
	require.NoError(t, err)
	_, err = l.Append(context.Background(), candidate("other", "u", models.ActionKindAuthzDecision, nil))
	require.NoError(t, err)
	_, err = l.Append(context.Background(), candidate("shared", "u", models.ActionKindDutyCalculated, nil))
	require.NoError(t, err)

	records, err := l.RecordsForRequest(context.Background(), "shared")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.ActionKindAuthzDecision, records[0].ActionKind)
	assert.Equal(t, models.ActionKindDutyCalculated, records[1].ActionKind)
}

func TestComputeRecordHash(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := ComputeRecordHash(models.GenesisHash, "ab", 1, ts)

	assert.Len(t, h, 64)
	assert.Equal(t, h, ComputeRecordHash(models.GenesisHash, "ab", 1, ts.In(time.FixedZone("X", 3600))))
	assert.NotEqual(t, h, ComputeRecordHash(models.GenesisHash, "ab", 2, ts))
	assert.NotEqual(t, h, ComputeRecordHash(models.GenesisHash, "ab", 1, ts.Add(time.Microsecond)))
}
