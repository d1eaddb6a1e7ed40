// Package memory provides an in-memory store implementation. It backs
// tests and single-process development setups; production deployments
// use the postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/store"
	"github.com/crosslist/relister/task"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
// Job creation events are delivered on an internal channel, mirroring
// the NOTIFY trigger of the postgres store.
type Store struct {
	mu     sync.Mutex
	jobs   map[int64]map[id.JobID]*job.Job
	tasks  map[int64]map[id.TaskID]*task.Task
	locks  map[string]bool
	notify chan store.Notification
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:   make(map[int64]map[id.JobID]*job.Job),
		tasks:  make(map[int64]map[id.TaskID]*task.Task),
		locks:  make(map[string]bool),
		notify: make(chan store.Notification, 64),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(ctx context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relister.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed and stops notification delivery.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	return nil
}

// Notifications returns the job-creation event channel.
func (s *Store) Notifications(ctx context.Context) (<-chan store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}
	return s.notify, nil
}

// ──────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────

func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relister.ErrStoreClosed
	}

	tenant := s.jobs[j.TenantID]
	if tenant == nil {
		tenant = make(map[id.JobID]*job.Job)
		s.jobs[j.TenantID] = tenant
	}
	if _, exists := tenant[j.ID]; exists {
		return fmt.Errorf("%w: %s", relister.ErrJobAlreadyExists, j.ID)
	}

	cp := *j
	tenant[j.ID] = &cp

	// Mirror the NOTIFY trigger; a full channel drops the event and
	// the worker's poll interval picks the job up instead.
	select {
	case s.notify <- store.Notification{
		JobID:  j.ID.String(),
		Schema: fmt.Sprintf("tenant_%d", j.TenantID),
	}:
	default:
	}

	return nil
}

func (s *Store) GetJob(ctx context.Context, tenantID int64, jobID id.JobID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.getJobLocked(tenantID, jobID)
	if err != nil {
		return nil, err
	}
	cp := *j
	return &cp, nil
}

func (s *Store) getJobLocked(tenantID int64, jobID id.JobID) (*job.Job, error) {
	if s.closed {
		return nil, relister.ErrStoreClosed
	}
	j, ok := s.jobs[tenantID][jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", relister.ErrJobNotFound, jobID)
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.getJobLocked(j.TenantID, j.ID)
	if err != nil {
		return err
	}

	if stored.Status.Terminal() {
		// The only legal write to a terminal row is the cancellation
		// finalizer clearing the flag on an already-cancelled job; it
		// may not touch anything else.
		if j.Status != job.StatusCancelled || stored.Status != job.StatusCancelled || j.CancelRequested {
			return fmt.Errorf("%w: %s is %s", relister.ErrJobTerminal, j.ID, stored.Status)
		}
		stored.CancelRequested = false
		stored.Touch()
		j.UpdatedAt = stored.UpdatedAt
		return nil
	}
	if j.Status != stored.Status && !job.CanTransition(stored.Status, j.Status) {
		return fmt.Errorf("%w: %s -> %s", relister.ErrInvalidTransition, stored.Status, j.Status)
	}

	cp := *j
	cp.Touch()
	s.jobs[j.TenantID][j.ID] = &cp
	j.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *Store) ClaimJob(ctx context.Context, tenantID int64, jobID id.JobID) (*job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.getJobLocked(tenantID, jobID)
	if err != nil {
		return nil, false, err
	}
	if j.Status != job.StatusPending {
		return nil, false, nil
	}

	now := time.Now().UTC()
	j.Status = job.StatusRunning
	j.StartedAt = &now
	j.Touch()

	cp := *j
	return &cp, true, nil
}

func (s *Store) PendingJobs(ctx context.Context, tenantID int64, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}

	out := make([]*job.Job, 0)
	for _, j := range s.jobs[tenantID] {
		if j.Status == job.StatusPending {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority < out[b].Priority
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RunningJobs(ctx context.Context, tenantID int64, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}

	out := make([]*job.Job, 0)
	for _, j := range s.jobs[tenantID] {
		if j.Status == job.StatusRunning {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TenantsWithOpenJobs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}

	tenants := make([]int64, 0)
	for tenantID, jobs := range s.jobs {
		for _, j := range jobs {
			if j.Status == job.StatusPending || j.Status == job.StatusRunning {
				tenants = append(tenants, tenantID)
				break
			}
		}
	}
	sort.Slice(tenants, func(a, b int) bool { return tenants[a] < tenants[b] })
	return tenants, nil
}

func (s *Store) CancelRequested(ctx context.Context, tenantID int64, jobID id.JobID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.getJobLocked(tenantID, jobID)
	if err != nil {
		return false, err
	}
	return j.CancelRequested, nil
}

func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}

	expired := make([]*job.Job, 0)
	for _, jobs := range s.jobs {
		for _, j := range jobs {
			switch j.Status {
			case job.StatusPending, job.StatusPaused:
			default:
				continue
			}
			if j.ExpiresAt.After(now) {
				continue
			}
			done := now
			j.Status = job.StatusExpired
			j.CompletedAt = &done
			j.Touch()
			cp := *j
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

func (s *Store) CountByStatus(ctx context.Context, tenantID int64, status job.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, relister.ErrStoreClosed
	}

	var n int64
	count := func(jobs map[id.JobID]*job.Job) {
		for _, j := range jobs {
			if j.Status == status {
				n++
			}
		}
	}
	if tenantID == 0 {
		for _, jobs := range s.jobs {
			count(jobs)
		}
	} else {
		count(s.jobs[tenantID])
	}
	return n, nil
}

// ──────────────────────────────────────────────
// Advisory locks
// ──────────────────────────────────────────────

func lockKey(tenantID int64, jobID id.JobID) string {
	return fmt.Sprintf("%d/%s", tenantID, jobID)
}

func (s *Store) HoldJobLock(ctx context.Context, tenantID int64, jobID id.JobID) (func(), error) {
	key := lockKey(tenantID, jobID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}
	s.locks[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, key)
			s.mu.Unlock()
		})
	}
	return release, nil
}

func (s *Store) SignalCancel(ctx context.Context, tenantID int64, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relister.ErrStoreClosed
	}
	// Try-lock semantics: if the running worker holds the lock the
	// signal attempt returns immediately; the flag write carries the
	// actual cancellation.
	return nil
}

// ──────────────────────────────────────────────
// Tasks
// ──────────────────────────────────────────────

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relister.ErrStoreClosed
	}

	tenant := s.tasks[t.TenantID]
	if tenant == nil {
		tenant = make(map[id.TaskID]*task.Task)
		s.tasks[t.TenantID] = tenant
	}
	if _, exists := tenant[t.ID]; exists {
		return fmt.Errorf("%w: %s", relister.ErrTaskAlreadyExists, t.ID)
	}

	cp := *t
	tenant[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(ctx context.Context, tenantID int64, taskID id.TaskID) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getTaskLocked(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (s *Store) getTaskLocked(tenantID int64, taskID id.TaskID) (*task.Task, error) {
	if s.closed {
		return nil, relister.ErrStoreClosed
	}
	t, ok := s.tasks[tenantID][taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", relister.ErrTaskNotFound, taskID)
	}
	return t, nil
}

func (s *Store) ClaimPending(ctx context.Context, tenantID int64, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}

	// Marketplaces with a task already in flight are skipped entirely.
	inflight := make(map[string]bool)
	pending := make([]*task.Task, 0)
	for _, t := range s.tasks[tenantID] {
		switch {
		case t.Status == task.StatusProcessing:
			inflight[t.Marketplace] = true
		case t.Status == task.StatusPending && t.Kind == task.KindRelayed:
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})

	now := time.Now().UTC()
	claimed := make([]*task.Task, 0, limit)
	taken := make(map[string]bool)
	for _, t := range pending {
		if len(claimed) >= limit {
			break
		}
		if inflight[t.Marketplace] || taken[t.Marketplace] {
			continue
		}
		taken[t.Marketplace] = true
		started := now
		t.Status = task.StatusProcessing
		t.StartedAt = &started
		t.Touch()
		cp := *t
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *Store) SetExecuteDelay(ctx context.Context, tenantID int64, taskID id.TaskID, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getTaskLocked(tenantID, taskID)
	if err != nil {
		return err
	}
	if t.ExecuteDelay == 0 {
		t.ExecuteDelay = delay
		t.Touch()
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, tenantID int64, taskID id.TaskID, result []byte) (*task.Task, error) {
	return s.resolveTask(tenantID, taskID, func(t *task.Task) {
		t.Status = task.StatusSuccess
		t.Result = result
	})
}

func (s *Store) FailTask(ctx context.Context, tenantID int64, taskID id.TaskID, message, details string) (*task.Task, error) {
	return s.resolveTask(tenantID, taskID, func(t *task.Task) {
		t.Status = task.StatusFailed
		t.ErrorMessage = message
		t.ErrorDetails = details
	})
}

func (s *Store) resolveTask(tenantID int64, taskID id.TaskID, apply func(*task.Task)) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTaskLocked(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		cp := *t
		return &cp, nil
	}

	now := time.Now().UTC()
	apply(t)
	t.CompletedAt = &now
	t.Touch()
	cp := *t
	return &cp, nil
}

func (s *Store) CancelPendingForJob(ctx context.Context, tenantID int64, jobID id.JobID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, relister.ErrStoreClosed
	}

	now := time.Now().UTC()
	n := 0
	for _, t := range s.tasks[tenantID] {
		if t.JobID != jobID || t.Status != task.StatusPending {
			continue
		}
		done := now
		t.Status = task.StatusCancelled
		t.CompletedAt = &done
		t.Touch()
		n++
	}
	return n, nil
}

func (s *Store) TasksForJob(ctx context.Context, tenantID int64, jobID id.JobID) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}

	out := make([]*task.Task, 0)
	for _, t := range s.tasks[tenantID] {
		if t.JobID == jobID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (s *Store) HasPending(ctx context.Context, tenantID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, relister.ErrStoreClosed
	}

	for _, t := range s.tasks[tenantID] {
		if t.Status == task.StatusPending && t.Kind == task.KindRelayed {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RequeueStale(ctx context.Context, grace time.Duration) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, relister.ErrStoreClosed
	}

	cutoff := time.Now().UTC().Add(-grace)
	requeued := make([]*task.Task, 0)
	for _, tasks := range s.tasks {
		for _, t := range tasks {
			if t.Status != task.StatusProcessing {
				continue
			}
			if t.StartedAt == nil || t.StartedAt.After(cutoff) {
				continue
			}
			t.Status = task.StatusPending
			t.StartedAt = nil
			t.Touch()
			cp := *t
			requeued = append(requeued, &cp)
		}
	}
	return requeued, nil
}

var _ store.Store = (*Store)(nil)
