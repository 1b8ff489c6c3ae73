// Package audit runs background integrity checks over the audit ledger.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/governed-core/services"
)

// Verifier is the part of the ledger the monitor checks
type Verifier interface {
	Verify(ctx context.Context, from, to int64) error
	Refresh(ctx context.Context) (int64, error)
}

// Job asks a worker to verify records From..To
type Job struct {
	From int64
	To   int64
}

// Monitor re-verifies ledger ranges on a pool of workers. A scan loop queues
// every range appended since the previous scan.
type Monitor struct {
	ledger      Verifier
	logger      *zap.Logger
	jobs        chan Job
	workerCount int
	bufferSize  int
	interval    time.Duration
	jobTimeout  time.Duration

	wg     sync.WaitGroup
	scanWg sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards started, stopped and sends on jobs
	mu      sync.RWMutex
	started bool
	stopped bool

	stateMu         sync.Mutex
	scheduled       int64
	verifiedThrough int64
	failures        int64
	lastFailure     error
}

// Config holds configuration for the Monitor
type Config struct {
	BufferSize  int           // size of the job channel
	WorkerCount int           // number of concurrent verifiers
	Interval    time.Duration // scan period; zero disables the scan loop
	JobTimeout  time.Duration // deadline for one verification
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  64,
		WorkerCount: 2,
		Interval:    30 * time.Second,
		JobTimeout:  30 * time.Second,
	}
}

// NewMonitor creates a monitor; call Start to run it
func NewMonitor(ledger Verifier, logger *zap.Logger, config Config) *Monitor {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultConfig().JobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		ledger:      ledger,
		logger:      logger,
		jobs:        make(chan Job, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		interval:    config.Interval,
		jobTimeout:  config.JobTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers and the scan loop
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("integrity monitor already started")
	}

	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	if m.interval > 0 {
		m.scanWg.Add(1)
		go m.scanLoop()
	}

	m.started = true
	m.logger.Info("started ledger integrity monitor",
		zap.Int("worker_count", m.workerCount),
		zap.Int("buffer_size", m.bufferSize),
		zap.Duration("interval", m.interval))

	return nil
}

// Stop halts the scan loop and waits for queued jobs to drain
func (m *Monitor) Stop(timeout time.Duration) error {
	m.mu.RLock()
	if !m.started || m.stopped {
		m.mu.RUnlock()
		return fmt.Errorf("integrity monitor not running")
	}
	m.mu.RUnlock()

	// no new scans, then no new sends
	m.cancel()
	m.scanWg.Wait()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("integrity monitor not running")
	}
	m.stopped = true
	pending := len(m.jobs)
	close(m.jobs)
	m.mu.Unlock()

	m.logger.Info("stopping ledger integrity monitor", zap.Int("pending_jobs", pending))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("ledger integrity monitor stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("integrity monitor stop timeout after %v", timeout)
	}
}

// Submit queues a verification without blocking
func (m *Monitor) Submit(job Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started || m.stopped {
		return fmt.Errorf("integrity monitor not running")
	}

	select {
	case m.jobs <- job:
		return nil
	default:
		m.logger.Warn("integrity job channel full, dropping job",
			zap.Int64("from", job.From),
			zap.Int64("to", job.To))
		return fmt.Errorf("integrity job buffer full")
	}
}

// SubmitBlocking queues a verification, waiting for buffer space
func (m *Monitor) SubmitBlocking(ctx context.Context, job Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started || m.stopped {
		return fmt.Errorf("integrity monitor not running")
	}

	select {
	case m.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan queues the range appended since the last scan. It returns false when
// there was nothing new or the queue was full.
func (m *Monitor) Scan() bool {
	head, err := m.ledger.Refresh(m.ctx)
	if err != nil {
		m.logger.Warn("failed to read ledger head", zap.Error(err))
		return false
	}

	m.stateMu.Lock()
	from := m.scheduled + 1
	m.stateMu.Unlock()

	if head < from {
		return false
	}
	if err := m.Submit(Job{From: from, To: head}); err != nil {
		return false
	}

	m.stateMu.Lock()
	if head > m.scheduled {
		m.scheduled = head
	}
	m.stateMu.Unlock()
	return true
}

func (m *Monitor) scanLoop() {
	defer m.scanWg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Scan()
	for {
		select {
		case <-ticker.C:
			m.Scan()
		case <-m.ctx.Done():
			return
		}
	}
}

// worker processes jobs from the channel
func (m *Monitor) worker(id int) {
	defer m.wg.Done()

	m.logger.Debug("integrity worker started", zap.Int("worker_id", id))

	for job := range m.jobs {
		if err := m.process(job); err != nil {
			m.logger.Error("ledger range failed verification",
				zap.Int("worker_id", id),
				zap.Int64("from", job.From),
				zap.Int64("to", job.To),
				zap.Error(err))
		}
	}

	m.logger.Debug("integrity worker stopped", zap.Int("worker_id", id))
}

func (m *Monitor) process(job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.jobTimeout)
	defer cancel()

	err := m.ledger.Verify(ctx, job.From, job.To)

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if err != nil {
		if services.IsLedgerIntegrityError(err) {
			m.failures++
			m.lastFailure = err
		}
		return err
	}
	if job.To > m.verifiedThrough {
		m.verifiedThrough = job.To
	}
	return nil
}

// Healthy returns the most recent integrity failure, if any
func (m *Monitor) Healthy() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastFailure
}

// GetStats returns statistics about the monitor
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	started := m.started && !m.stopped
	m.mu.RUnlock()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	s := Stats{
		BufferSize:      m.bufferSize,
		PendingJobs:     len(m.jobs),
		WorkerCount:     m.workerCount,
		Started:         started,
		Scheduled:       m.scheduled,
		VerifiedThrough: m.verifiedThrough,
		Failures:        m.failures,
	}
	if seq, ok := services.MismatchSequence(m.lastFailure); ok {
		s.FailedAt = seq
	}
	return s
}

// Stats represents integrity monitor statistics
type Stats struct {
	BufferSize      int   `json:"bufferSize"`
	PendingJobs     int   `json:"pendingJobs"`
	WorkerCount     int   `json:"workerCount"`
	Started         bool  `json:"started"`
	Scheduled       int64 `json:"scheduled"`
	VerifiedThrough int64 `json:"verifiedThrough"`
	Failures        int64 `json:"failures"`
	FailedAt        int64 `json:"failedAt,omitempty"`
}
