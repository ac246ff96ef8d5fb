// Package cleanup periodically purges linking codes that can no longer be redeemed.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/store"
)

// TableLinkingCodes is the metric label of purged linking codes.
const TableLinkingCodes = "linking_codes"

// Config contains the cleanup manager configuration.
type Config struct {
	Interval time.Duration `json:"interval"`
	// Retention is how long used or expired codes are kept before purging.
	Retention       time.Duration `json:"retention"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// Result describes one purge run.
type Result struct {
	TableName    string        `json:"table_name"`
	DeletedCount int64         `json:"deleted_count"`
	Cutoff       time.Time     `json:"cutoff"`
	Duration     time.Duration `json:"duration"`
	Error        error         `json:"-"`
}

// Stats contains cleanup statistics.
type Stats struct {
	TotalRuns         int           `json:"total_runs"`
	TotalDeletedCount int64         `json:"total_deleted_count"`
	FailedRuns        int           `json:"failed_runs"`
	LastRunAt         time.Time     `json:"last_run_at"`
	LastRunDuration   time.Duration `json:"last_run_duration"`
	LastRunResult     *Result       `json:"last_run_result"`
}

// Manager handles periodic cleanup of old data.
type Manager struct {
	store   store.LinkingCodeStore
	config  Config
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time

	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	statsMu sync.RWMutex
	stats   Stats
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records purged row counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(mgr *Manager) {
		if l != nil {
			mgr.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) {
		mgr.now = now
	}
}

// NewManager creates a new cleanup manager.
func NewManager(config Config, s store.LinkingCodeStore, opts ...Option) *Manager {
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	m := &Manager{
		store:  s,
		config: config,
		logger: logging.Nop(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the cleanup manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("cleanup manager is already running")
	}
	if m.config.Interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}

	m.running = true
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.runCleanupLoop(ctx)

	return nil
}

// Stop stops the cleanup manager gracefully, waiting for a run in progress.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(m.config.ShutdownTimeout):
		return fmt.Errorf("timeout waiting for cleanup to stop")
	}
}

// runCleanupLoop runs the periodic cleanup loop.
func (m *Manager) runCleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunCleanup(ctx); err != nil {
				m.logger.WarnWithContext(ctx, "linking code purge failed", "error", err.Error())
			}
		}
	}
}

// RunCleanup purges used or expired codes older than the retention window.
func (m *Manager) RunCleanup(ctx context.Context) (*Result, error) {
	start := m.now()
	cutoff := start.UTC().Add(-m.config.Retention)

	deleted, err := m.store.PurgeLinkingCodes(ctx, cutoff)
	result := &Result{
		TableName:    TableLinkingCodes,
		DeletedCount: deleted,
		Cutoff:       cutoff,
		Duration:     m.now().Sub(start),
		Error:        err,
	}

	m.statsMu.Lock()
	m.stats.TotalRuns++
	m.stats.LastRunAt = start
	m.stats.LastRunDuration = result.Duration
	m.stats.LastRunResult = result
	if err != nil {
		m.stats.FailedRuns++
	} else {
		m.stats.TotalDeletedCount += deleted
	}
	m.statsMu.Unlock()

	if err != nil {
		return result, err
	}

	if m.metrics != nil {
		m.metrics.RecordCleanupDeleted(TableLinkingCodes, deleted)
	}
	if deleted > 0 {
		m.logger.InfoWithContext(ctx, "purged linking codes", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return result, nil
}

// GetStats returns the current cleanup statistics.
func (m *Manager) GetStats() Stats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

// IsRunning returns whether the cleanup manager is running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
