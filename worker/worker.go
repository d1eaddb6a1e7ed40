package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/crosslist/relister/job"
)

// Worker owns execution of all jobs belonging to one tenant. It
// enforces the tenant's concurrency cap beneath the process-wide bound
// and reports liveness for reclamation by the dispatcher's janitor — a
// worker never removes itself.
type Worker struct {
	tenantID int64
	store    job.Store
	executor *Executor
	logger   *slog.Logger

	// global is shared across all workers; local is sized to the
	// tenant's cap. Admission acquires global then local; release is
	// local then global, so the global bound stays authoritative even
	// when a tenant's local pool is misconfigured oversize.
	global *semaphore.Weighted
	local  *semaphore.Weighted

	// limiter optionally paces job starts for this tenant.
	limiter *rate.Limiter

	pollInterval time.Duration
	batchSize    int

	createdAt time.Time
	mu        sync.Mutex
	lastSeen  time.Time

	active atomic.Int64

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	stopping atomic.Bool

	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup

	runningMu   sync.Mutex
	runningJobs map[string]context.CancelFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval sets the fallback poll interval used when no
// notification arrives.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithRateLimit paces job starts for the tenant at r jobs per second
// with the given burst. A zero rate disables pacing.
func WithRateLimit(r float64, burst int) Option {
	return func(w *Worker) {
		if r <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithBatchSize sets how many pending jobs one drain pass fetches.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// New creates a worker for one tenant. The global semaphore is shared
// with every other worker; localMax sizes the tenant's own cap.
func New(
	tenantID int64,
	store job.Store,
	executor *Executor,
	global *semaphore.Weighted,
	localMax int64,
	logger *slog.Logger,
	opts ...Option,
) *Worker {
	now := time.Now().UTC()
	w := &Worker{
		tenantID:     tenantID,
		store:        store,
		executor:     executor,
		logger:       logger,
		global:       global,
		local:        semaphore.NewWeighted(localMax),
		pollInterval: 5 * time.Second,
		batchSize:    10,
		createdAt:    now,
		lastSeen:     now,
		notifyCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		runningJobs:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// TenantID returns the tenant this worker serves.
func (w *Worker) TenantID() int64 { return w.tenantID }

// Start launches the worker's run loop. It returns immediately.
func (w *Worker) Start() {
	w.loopWG.Add(1)
	go w.runLoop()
}

// Notify wakes the worker because new work exists. Signals are
// coalesced; a worker mid-drain picks the job up on the same pass.
func (w *Worker) Notify() {
	w.touch()
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

// ActiveJobs returns the number of jobs currently executing.
func (w *Worker) ActiveJobs() int64 { return w.active.Load() }

// CreatedAt returns the worker's creation time.
func (w *Worker) CreatedAt() time.Time { return w.createdAt }

// LastActivity returns the time of the last observed activity.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// IsIdle reports whether the worker has seen no activity for longer
// than the timeout. Pure predicate over wall-clock timestamps.
func (w *Worker) IsIdle(timeout time.Duration) bool {
	return time.Since(w.LastActivity()) > timeout
}

// IsOld reports whether the worker's age exceeds maxAge.
func (w *Worker) IsOld(maxAge time.Duration) bool {
	return time.Since(w.createdAt) > maxAge
}

// Stop requests graceful termination: the worker stops accepting new
// jobs, waits for active jobs until the context deadline, then cancels
// any that remain.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		close(w.stopCh)
	})
	w.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		w.jobWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("worker shutdown grace elapsed, cancelling active jobs",
			slog.Int64("tenant_id", w.tenantID),
			slog.Int64("active", w.active.Load()),
		)
		w.cancelRunning()
		w.jobWG.Wait()
	}
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastSeen = time.Now().UTC()
	w.mu.Unlock()
}

// runLoop wakes on notification or the fallback poll interval and
// drains the tenant's pending list.
func (w *Worker) runLoop() {
	defer w.loopWG.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.notifyCh:
		case <-time.After(w.pollInterval):
		}
		w.drain()
	}
}

// drain fetches pending jobs in priority order and admits each one
// through the nested semaphores. Blocking on a full global semaphore is
// the intended backpressure; the loop aborts promptly on shutdown.
func (w *Worker) drain() {
	for {
		if w.stopping.Load() {
			return
		}

		jobs, err := w.store.PendingJobs(context.Background(), w.tenantID, w.batchSize)
		if err != nil {
			w.logger.Error("failed to fetch pending jobs",
				slog.Int64("tenant_id", w.tenantID),
				slog.String("error", err.Error()),
			)
			return
		}
		if len(jobs) == 0 {
			return
		}

		admitted := 0
		for _, j := range jobs {
			// Jobs admitted on an earlier pass may still be pending
			// until their claim lands; skip anything already in
			// flight.
			if w.isTracked(j.ID.String()) {
				continue
			}
			if !w.admit(j.ID.String(), func(ctx context.Context) { w.runClaimed(ctx, j) }) {
				return
			}
			admitted++
		}
		if admitted == 0 {
			return
		}
	}
}

// Submit runs an already-claimed job (resume path) through admission
// and the executor.
func (w *Worker) Submit(j *job.Job) bool {
	w.touch()
	return w.admit(j.ID.String(), func(ctx context.Context) {
		if err := w.executor.Execute(ctx, j); err != nil {
			w.logger.Debug("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	})
}

// admit takes one global then one local permit, then runs fn in its own
// goroutine. Both permits are released, local first, when fn returns.
// Returns false if the worker shut down while waiting.
func (w *Worker) admit(jobKey string, fn func(ctx context.Context)) bool {
	admitCtx, cancelAdmit := w.shutdownContext()
	defer cancelAdmit()

	if w.limiter != nil {
		if err := w.limiter.Wait(admitCtx); err != nil {
			return false
		}
	}

	if err := w.global.Acquire(admitCtx, 1); err != nil {
		return false
	}
	if err := w.local.Acquire(admitCtx, 1); err != nil {
		w.global.Release(1)
		return false
	}

	w.active.Add(1)
	w.touch()
	w.jobWG.Add(1)

	runCtx, cancelRun := context.WithCancel(context.Background())
	w.trackJob(jobKey, cancelRun)

	go func() {
		defer func() {
			w.untrackJob(jobKey)
			cancelRun()
			w.active.Add(-1)
			w.touch()
			w.local.Release(1)
			w.global.Release(1)
			w.jobWG.Done()
		}()
		fn(runCtx)
	}()

	return true
}

// runClaimed claims a pending job and executes it. A claim that loses
// the race (job already claimed, cancelled, or expired) is a no-op.
func (w *Worker) runClaimed(ctx context.Context, j *job.Job) {
	claimed, ok, err := w.store.ClaimJob(ctx, w.tenantID, j.ID)
	if err != nil {
		w.logger.Error("claim failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		return
	}

	if execErr := w.executor.Execute(ctx, claimed); execErr != nil {
		w.logger.Debug("job execution failed",
			slog.String("job_id", claimed.ID.String()),
			slog.String("action", string(claimed.Action)),
			slog.String("error", execErr.Error()),
		)
	}
}

// shutdownContext returns a context cancelled when the worker stops.
func (w *Worker) shutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (w *Worker) isTracked(key string) bool {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	_, ok := w.runningJobs[key]
	return ok
}

func (w *Worker) trackJob(key string, cancel context.CancelFunc) {
	w.runningMu.Lock()
	w.runningJobs[key] = cancel
	w.runningMu.Unlock()
}

func (w *Worker) untrackJob(key string) {
	w.runningMu.Lock()
	delete(w.runningJobs, key)
	w.runningMu.Unlock()
}

func (w *Worker) cancelRunning() {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	for key, cancel := range w.runningJobs {
		w.logger.Warn("cancelling active job", slog.String("job_id", key))
		cancel()
	}
}
