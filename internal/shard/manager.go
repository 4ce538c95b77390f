package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sumire/aidev/internal/domain"
)

// journalRetention is how long terminal runs stay in the on-disk journal.
const journalRetention = 7 * 24 * time.Hour

// RunJournal persists run state across restarts.
type RunJournal interface {
	Save(ctx context.Context, req domain.ExecuteRequest, snap domain.RunSnapshot) error
	Get(ctx context.Context, jobID string) (domain.RunSnapshot, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// CallbackSender delivers run outcomes to the caller.
type CallbackSender interface {
	Send(ctx context.Context, url, token string, cb domain.Callback) error
}

type ManagerConfig struct {
	MaxConcurrentJobs int
	Retention         time.Duration
	Executor          ExecutorConfig
}

// Manager tracks every run on the shard and enforces the concurrency
// ceiling.
type Manager struct {
	cfg       ManagerConfig
	bus       *EventBus
	sem       *semaphore.Weighted
	running   atomic.Int64
	journal   RunJournal
	callbacks CallbackSender

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*Executor
}

// NewManager returns a manager. journal and callbacks may be nil.
func NewManager(cfg ManagerConfig, journal RunJournal, callbacks CallbackSender) *Manager {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		bus:       NewEventBus(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		journal:   journal,
		callbacks: callbacks,
		ctx:       ctx,
		stop:      stop,
		runs:      make(map[string]*Executor),
	}
}

func (m *Manager) MaxConcurrentJobs() int { return m.cfg.MaxConcurrentJobs }

// Running is the number of runs currently holding a concurrency slot.
func (m *Manager) Running() int { return int(m.running.Load()) }

// Create registers a queued run. An empty job id is replaced by a fresh one;
// any other id must pass ValidJobID.
func (m *Manager) Create(ctx context.Context, req domain.ExecuteRequest) (*Executor, error) {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if !ValidJobID(req.JobID) {
		return nil, &domain.ValidationError{Field: "job_id", Message: "must be 1-128 letters, digits, '-' or '_'"}
	}

	m.mu.Lock()
	if _, exists := m.runs[req.JobID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("run %s: %w", req.JobID, domain.ErrConflict)
	}
	e := NewExecutor(req.JobID, req, m.cfg.Executor, m.bus)
	m.runs[req.JobID] = e
	m.mu.Unlock()

	if m.journal != nil {
		if _, err := m.journal.Get(ctx, req.JobID); err == nil {
			m.remove(req.JobID)
			return nil, fmt.Errorf("run %s: %w", req.JobID, domain.ErrConflict)
		}
	}

	m.persist(e)
	return e, nil
}

// Start launches a queued run if a concurrency slot is free. It never
// waits for one.
func (m *Manager) Start(id string) error {
	e, ok := m.Get(id)
	if !ok {
		return domain.ErrNotFound
	}
	if e.Status() != domain.RunStatusQueued {
		return fmt.Errorf("run %s is %s: %w", id, e.Status(), domain.ErrInvalidTransition)
	}
	if !m.acquire() {
		return domain.ErrCapacity
	}
	m.launch(e)
	return nil
}

// Submit creates and starts a run in one step. At capacity nothing is
// created.
func (m *Manager) Submit(ctx context.Context, req domain.ExecuteRequest) (*Executor, error) {
	if !m.acquire() {
		return nil, domain.ErrCapacity
	}
	e, err := m.Create(ctx, req)
	if err != nil {
		m.release()
		return nil, err
	}
	m.launch(e)
	return e, nil
}

func (m *Manager) acquire() bool {
	if !m.sem.TryAcquire(1) {
		return false
	}
	m.running.Add(1)
	return true
}

func (m *Manager) release() {
	m.running.Add(-1)
	m.sem.Release(1)
}

func (m *Manager) launch(e *Executor) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		slog.Info("run started", "job_id", e.ID(), "issue_key", e.Request().Task.IssueKey, "task_type", e.Request().Task.Type)
		e.Run(m.ctx, func() {
			m.persist(e)
			m.notify(e, domain.Callback{JobID: e.ID(), Status: domain.RunStatusProgress, Message: "run started"})
		})
		m.release()

		snap := e.Snapshot()
		slog.Info("run finished", "job_id", e.ID(), "status", snap.Status, "elapsed", e.Elapsed().Round(time.Second))
		m.persist(e)
		m.notify(e, finalCallback(snap, e.Elapsed()))
	}()
}

func finalCallback(snap domain.RunSnapshot, elapsed time.Duration) domain.Callback {
	cb := domain.Callback{
		JobID:          snap.JobID,
		Result:         snap.Result,
		ElapsedSeconds: int(elapsed.Seconds()),
	}
	if snap.Status == domain.RunStatusCompleted {
		cb.Status = domain.RunStatusCompleted
	} else {
		cb.Status = domain.RunStatusFailed
		cb.Error = snap.Error
	}
	return cb
}

func (m *Manager) persist(e *Executor) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.journal.Save(ctx, e.Request(), e.Snapshot()); err != nil {
		slog.Error("failed to journal run", "job_id", e.ID(), "error", err)
	}
}

func (m *Manager) notify(e *Executor, cb domain.Callback) {
	req := e.Request()
	if m.callbacks == nil || req.CallbackURL == "" {
		return
	}
	if err := m.callbacks.Send(context.Background(), req.CallbackURL, req.CallbackToken, cb); err != nil {
		slog.Warn("callback delivery failed", "job_id", e.ID(), "status", cb.Status, "error", err)
	}
}

// Get returns a run held in memory.
func (m *Manager) Get(id string) (*Executor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.runs[id]
	return e, ok
}

// Lookup returns a run's state from memory, falling back to the journal for
// runs swept or lost across a restart.
func (m *Manager) Lookup(ctx context.Context, id string) (domain.RunSnapshot, error) {
	if e, ok := m.Get(id); ok {
		return e.Snapshot(), nil
	}
	if m.journal == nil {
		return domain.RunSnapshot{}, domain.ErrNotFound
	}
	snap, err := m.journal.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.RunSnapshot{}, domain.ErrNotFound
		}
		return domain.RunSnapshot{}, err
	}
	return snap, nil
}

// Cancel cancels a queued or running run.
func (m *Manager) Cancel(id string) error {
	e, ok := m.Get(id)
	if !ok {
		return domain.ErrNotFound
	}
	if err := e.Cancel(); err != nil {
		return err
	}
	slog.Info("run cancelled", "job_id", id)
	if e.Snapshot().StartedAt == nil {
		// Never started, so the run goroutine will not journal it.
		m.persist(e)
	}
	return nil
}

// List returns snapshots of all runs in memory, newest first.
func (m *Manager) List() []domain.RunSnapshot {
	m.mu.RLock()
	runs := make([]*Executor, 0, len(m.runs))
	for _, e := range m.runs {
		runs = append(runs, e)
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].createdAt.After(runs[j].createdAt)
	})

	out := make([]domain.RunSnapshot, len(runs))
	for i, e := range runs {
		out[i] = e.Snapshot()
	}
	return out
}

// Stats counts runs in memory by status.
func (m *Manager) Stats() domain.RunStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s domain.RunStats
	for _, e := range m.runs {
		switch e.Status() {
		case domain.RunStatusQueued:
			s.Queued++
		case domain.RunStatusRunning:
			s.Running++
		case domain.RunStatusCompleted:
			s.Completed++
		case domain.RunStatusFailed:
			s.Failed++
		case domain.RunStatusCancelled:
			s.Cancelled++
		case domain.RunStatusLost:
			s.Lost++
		}
		s.Total++
	}
	return s
}

// Sweep drops terminal runs that finished more than the retention window
// before now. It returns how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.Retention)

	m.mu.Lock()
	var expired []*Executor
	for id, e := range m.runs {
		if e.finishedBefore(cutoff) {
			expired = append(expired, e)
			delete(m.runs, id)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		if err := e.Workspace().Cleanup(); err != nil {
			slog.Warn("workspace cleanup failed", "job_id", e.ID(), "error", err)
		}
	}
	return len(expired)
}

// RunSweeper sweeps expired runs every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				slog.Info("swept expired runs", "count", n)
			}
			if m.journal != nil {
				if _, err := m.journal.Prune(ctx, now.Add(-journalRetention)); err != nil {
					slog.Warn("journal prune failed", "error", err)
				}
			}
		}
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
}

// Shutdown cancels every live run and waits for their goroutines until ctx
// expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	live := make([]*Executor, 0, len(m.runs))
	for _, e := range m.runs {
		live = append(live, e)
	}
	m.mu.RUnlock()

	for _, e := range live {
		if err := e.Cancel(); err == nil {
			slog.Info("cancelled run on shutdown", "job_id", e.ID())
		}
	}
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown runs: %w", ctx.Err())
	}
}
