// Package engine provides the process-wide job dispatcher: the single
// entry point that bridges database-level job creation events to
// in-process execution, while bounding total concurrency and
// reclaiming unused per-tenant workers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/backoff"
	"github.com/crosslist/relister/ext"
	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/job"
	mw "github.com/crosslist/relister/middleware"
	"github.com/crosslist/relister/store"
	"github.com/crosslist/relister/task"
	"github.com/crosslist/relister/worker"
)

// tenantSchemaRe matches the fixed tenant schema naming convention.
var tenantSchemaRe = regexp.MustCompile(`^tenant_(\d+)$`)

// errInterrupted is the failure recorded on jobs reclaimed after a
// process crash.
var errInterrupted = errors.New("interrupted by process restart")

// ExtractTenantID extracts a tenant id from a schema name following
// the "tenant_<id>" convention. Returns false for anything that does
// not match; it never panics.
func ExtractTenantID(schema string) (int64, bool) {
	m := tenantSchemaRe.FindStringSubmatch(schema)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Dispatcher is the process-wide singleton coordinating all tenant
// workers. It owns the global concurrency bound, the worker registry,
// the database-notification listener, the janitor, and the expiration
// sweep. Construct one with New and pass it explicitly; there are no
// ambient globals.
type Dispatcher struct {
	cfg        relister.Config
	st         store.Store
	registry   *job.Registry
	extensions *ext.Registry
	executor   *worker.Executor
	logger     *slog.Logger
	bo         backoff.Strategy
	extraMws   []mw.Middleware

	global *semaphore.Weighted

	mu      sync.Mutex
	workers map[int64]*worker.Worker
	running bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(d *Dispatcher) { d.extensions.Register(e) }
}

// WithMiddleware appends middleware to the execution chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(d *Dispatcher) { d.extraMws = append(d.extraMws, m) }
}

// WithBackoff sets the retry backoff strategy. Defaults to
// backoff.DefaultStrategy().
func WithBackoff(b backoff.Strategy) Option {
	return func(d *Dispatcher) { d.bo = b }
}

// New creates a Dispatcher over the given store.
func New(st store.Store, cfg relister.Config, opts ...Option) (*Dispatcher, error) {
	if st == nil {
		return nil, relister.ErrNoStore
	}

	d := &Dispatcher{
		cfg:      cfg,
		st:       st,
		registry: job.NewRegistry(),
		logger:   slog.Default(),
		workers:  make(map[int64]*worker.Worker),
		global:   semaphore.NewWeighted(int64(cfg.GlobalMaxConcurrent)),
		stopCh:   make(chan struct{}),
	}
	d.extensions = ext.NewRegistry(d.logger)

	for _, opt := range opts {
		opt(d)
	}

	if d.bo == nil {
		d.bo = backoff.DefaultStrategy()
	}

	// Default middleware stack: recover → metrics → logging → timeout.
	mws := []mw.Middleware{
		mw.Recover(d.logger),
		mw.Metrics(),
		mw.Logging(d.logger),
		mw.Timeout(d.logger, cfg.JobTimeout),
	}
	mws = append(mws, d.extraMws...)

	d.executor = worker.NewExecutor(
		d.registry, st, st, st, d.bo, d.extensions, d.logger, mws...,
	)

	return d, nil
}

// Registry returns the action registry for handler registration.
func (d *Dispatcher) Registry() *job.Registry { return d.registry }

// Extensions returns the extension registry.
func (d *Dispatcher) Extensions() *ext.Registry { return d.extensions }

// Store returns the underlying store.
func (d *Dispatcher) Store() store.Store { return d.st }

// Start brings the dispatcher up: it verifies database connectivity
// (fatal on failure), bootstraps workers for tenants that already have
// open jobs (crash recovery), subscribes to the notification channel,
// and starts the janitor and expiration loops.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	if err := d.st.Ping(ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("engine: store unavailable: %w", err)
	}

	notifications, err := d.st.Notifications(ctx)
	if err != nil {
		d.abortStart()
		return fmt.Errorf("engine: subscribe notifications: %w", err)
	}

	d.logger.Info("dispatcher starting",
		slog.Int("global_max", d.cfg.GlobalMaxConcurrent),
		slog.Int("per_tenant_max", d.cfg.PerTenantMaxConcurrent),
	)

	d.bootstrap(ctx)

	d.wg.Add(1)
	go d.listenLoop(notifications)

	d.wg.Add(1)
	go d.janitorLoop()

	d.wg.Add(1)
	go d.expireLoop()

	return nil
}

// abortStart rolls the running flag back after a failed Start, so a
// later Start attempt is not short-circuited into a no-op success.
func (d *Dispatcher) abortStart() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop signals shutdown, gives every worker a bounded grace period to
// finish in-flight work, and closes the store. Idempotent.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	workers := make([]*worker.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[int64]*worker.Worker)
	d.mu.Unlock()

	d.stopOnce.Do(func() { close(d.stopCh) })

	var stopWG sync.WaitGroup
	for _, w := range workers {
		stopWG.Add(1)
		go func(w *worker.Worker) {
			defer stopWG.Done()
			graceCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
			defer cancel()
			w.Stop(graceCtx)
		}(w)
	}
	stopWG.Wait()

	d.wg.Wait()

	d.extensions.EmitShutdown(ctx)
	d.logger.Info("dispatcher stopped")

	return d.st.Close()
}

// bootstrap creates workers for tenants with jobs already pending or
// running at startup, so a crash does not strand open work.
func (d *Dispatcher) bootstrap(ctx context.Context) {
	tenants, err := d.st.TenantsWithOpenJobs(ctx)
	if err != nil {
		d.logger.Warn("bootstrap scan failed", slog.String("error", err.Error()))
		return
	}
	for _, tenantID := range tenants {
		d.reclaimInterrupted(ctx, tenantID)
		w, werr := d.EnsureWorker(tenantID)
		if werr != nil {
			d.logger.Warn("bootstrap worker creation failed",
				slog.Int64("tenant_id", tenantID),
				slog.String("error", werr.Error()),
			)
			continue
		}
		w.Notify()
	}
	if len(tenants) > 0 {
		d.logger.Info("bootstrapped workers for open jobs", slog.Int("tenants", len(tenants)))
	}
}

// reclaimBatch bounds one reclamation query at startup.
const reclaimBatch = 100

// reclaimInterrupted finalizes jobs a crashed process left in running
// state. No worker holds them anymore and a running row may not return
// to pending, so they are failed with their undelivered child tasks
// cancelled. Runs before the tenant's worker starts.
func (d *Dispatcher) reclaimInterrupted(ctx context.Context, tenantID int64) {
	for {
		jobs, err := d.st.RunningJobs(ctx, tenantID, reclaimBatch)
		if err != nil {
			d.logger.Warn("interrupted-job scan failed",
				slog.Int64("tenant_id", tenantID),
				slog.String("error", err.Error()),
			)
			return
		}
		if len(jobs) == 0 {
			return
		}

		for _, j := range jobs {
			now := time.Now().UTC()
			j.Status = job.StatusFailed
			j.LastError = errInterrupted.Error()
			j.CancelRequested = false
			j.CompletedAt = &now
			if err := d.st.UpdateJob(ctx, j); err != nil {
				d.logger.Warn("failed to reclaim interrupted job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if _, err := d.st.CancelPendingForJob(ctx, tenantID, j.ID); err != nil {
				d.logger.Warn("failed to cancel tasks of interrupted job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			d.extensions.EmitJobFailed(ctx, j, errInterrupted)
			d.logger.Warn("reclaimed interrupted job",
				slog.String("job_id", j.ID.String()),
				slog.Int64("tenant_id", tenantID),
			)
		}

		if len(jobs) < reclaimBatch {
			return
		}
	}
}

// listenLoop consumes decoded notifications until shutdown.
func (d *Dispatcher) listenLoop(notifications <-chan store.Notification) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			d.handleNotification(n)
		}
	}
}

// handleNotification routes one job-creation event to its tenant's
// worker. Malformed or unrecognized schemas are logged and dropped;
// nothing here may take down the listener.
func (d *Dispatcher) handleNotification(n store.Notification) {
	tenantID, ok := ExtractTenantID(n.Schema)
	if !ok {
		d.logger.Warn("dropping notification with unrecognized schema",
			slog.String("schema", n.Schema),
			slog.String("job_id", n.JobID),
		)
		return
	}

	w, err := d.EnsureWorker(tenantID)
	if err != nil {
		// Retried implicitly by the next notification.
		d.logger.Error("worker creation failed",
			slog.Int64("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.Notify()
}

// HandleNotifyPayload parses a raw JSON notification payload
// {job_id, schema} and routes it. Exposed for transports that deliver
// raw payloads.
func (d *Dispatcher) HandleNotifyPayload(payload []byte) {
	var n store.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		d.logger.Warn("dropping malformed notification payload",
			slog.String("error", err.Error()),
		)
		return
	}
	d.handleNotification(n)
}

// EnsureWorker returns the tenant's worker, creating and starting one
// if absent. Safe under concurrent invocation: at most one worker ever
// exists per tenant.
func (d *Dispatcher) EnsureWorker(tenantID int64) (*worker.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil, relister.ErrDispatcherStopped
	}
	if w, ok := d.workers[tenantID]; ok {
		return w, nil
	}

	w := worker.New(
		tenantID,
		d.st,
		d.executor,
		d.global,
		int64(d.cfg.PerTenantMaxConcurrent),
		d.logger,
		worker.WithPollInterval(d.cfg.PollInterval),
		worker.WithRateLimit(d.cfg.TenantJobRate, d.cfg.TenantJobBurst),
	)
	w.Start()
	d.workers[tenantID] = w

	d.extensions.EmitWorkerStarted(context.Background(), tenantID)
	d.logger.Info("worker created", slog.Int64("tenant_id", tenantID))

	return w, nil
}

// Worker returns the tenant's worker if one exists.
func (d *Dispatcher) Worker(tenantID int64) (*worker.Worker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[tenantID]
	return w, ok
}

// janitorLoop periodically retires idle and aged workers.
func (d *Dispatcher) janitorLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.JanitorSweep()
		}
	}
}

// JanitorSweep removes and stops every worker that has zero active
// jobs AND is either idle past the timeout or older than the max age.
// A worker with any active job is never removed, regardless of age or
// idleness.
func (d *Dispatcher) JanitorSweep() {
	d.mu.Lock()
	victims := make([]*worker.Worker, 0)
	for tenantID, w := range d.workers {
		if w.ActiveJobs() > 0 {
			continue
		}
		if w.IsIdle(d.cfg.WorkerIdleTimeout) || w.IsOld(d.cfg.WorkerMaxAge) {
			delete(d.workers, tenantID)
			victims = append(victims, w)
		}
	}
	d.mu.Unlock()

	for _, w := range victims {
		graceCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
		w.Stop(graceCtx)
		cancel()

		age := time.Since(w.CreatedAt())
		idle := time.Since(w.LastActivity())
		d.extensions.EmitWorkerRetired(context.Background(), w.TenantID(), age, idle)
		d.logger.Info("worker retired",
			slog.Int64("tenant_id", w.TenantID()),
			slog.Duration("age", age),
			slog.Duration("idle", idle),
		)
	}
}

// expireLoop periodically sweeps overdue jobs to expired and reclaims
// stale in-flight tasks. Distinct from the janitor and independent of
// whether a worker exists for the jobs' tenants.
func (d *Dispatcher) expireLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.ExpireSweep(context.Background())
		}
	}
}

// ExpireSweep runs one expiration pass.
func (d *Dispatcher) ExpireSweep(ctx context.Context) {
	expired, err := d.st.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		d.logger.Error("expiration sweep failed", slog.String("error", err.Error()))
	} else {
		for _, j := range expired {
			d.extensions.EmitJobExpired(ctx, j)
			d.logger.Info("job expired",
				slog.String("job_id", j.ID.String()),
				slog.Int64("tenant_id", j.TenantID),
			)
		}
	}

	requeued, err := d.st.RequeueStale(ctx, d.cfg.StaleTaskGrace)
	if err != nil {
		d.logger.Error("stale task reclamation failed", slog.String("error", err.Error()))
		return
	}
	for _, t := range requeued {
		d.logger.Warn("reclaimed stale task",
			slog.String("task_id", t.ID.String()),
			slog.String("marketplace", t.Marketplace),
		)
	}
}

// EnqueueJob creates a pending job for a tenant and wakes its worker.
// This is the surface consumed by the API layer; out-of-process
// creators reach the same worker through the database trigger.
func (d *Dispatcher) EnqueueJob(ctx context.Context, tenantID int64, action job.Action, priority int, payload []byte) (*job.Job, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", relister.ErrUnknownAction, action)
	}

	j := job.New(tenantID, action, priority, payload, d.cfg.JobTTL)
	if err := d.st.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	d.extensions.EmitJobEnqueued(ctx, j)

	if w, err := d.EnsureWorker(tenantID); err == nil {
		w.Notify()
	}

	return j, nil
}

// CancelJob cancels a job. Pending and paused jobs cancel
// synchronously: nothing is executing, so the status flips and child
// tasks are cancelled in one step. Running jobs cancel cooperatively:
// the advisory lock is taken momentarily to signal intent (never
// blocking), then the cancel flag and status are persisted so external
// observers see the cancellation immediately, while the executing
// worker exits at its next checkpoint. Terminal jobs reject the
// request.
func (d *Dispatcher) CancelJob(ctx context.Context, tenantID int64, jobID id.JobID) (*job.Job, error) {
	j, err := d.st.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	switch j.Status {
	case job.StatusPending, job.StatusPaused:
		now := time.Now().UTC()
		j.Status = job.StatusCancelled
		j.CompletedAt = &now
		if uerr := d.st.UpdateJob(ctx, j); uerr != nil {
			return nil, uerr
		}
		if _, terr := d.st.CancelPendingForJob(ctx, tenantID, jobID); terr != nil {
			d.logger.Warn("failed to cancel pending tasks",
				slog.String("job_id", jobID.String()),
				slog.String("error", terr.Error()),
			)
		}
		d.extensions.EmitJobCancelled(ctx, j)
		return j, nil

	case job.StatusRunning:
		if serr := d.st.SignalCancel(ctx, tenantID, jobID); serr != nil {
			d.logger.Warn("cancel signal failed, relying on flag polling",
				slog.String("job_id", jobID.String()),
				slog.String("error", serr.Error()),
			)
		}
		now := time.Now().UTC()
		j.CancelRequested = true
		j.Status = job.StatusCancelled
		j.CompletedAt = &now
		if uerr := d.st.UpdateJob(ctx, j); uerr != nil {
			return nil, uerr
		}
		d.extensions.EmitJobCancelled(ctx, j)
		return j, nil

	default:
		return j, relister.ErrJobTerminal
	}
}

// ResumeJob moves a paused job back to running and hands it to the
// tenant's worker.
func (d *Dispatcher) ResumeJob(ctx context.Context, tenantID int64, jobID id.JobID) (*job.Job, error) {
	j, err := d.st.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusPaused {
		return j, fmt.Errorf("%w: cannot resume %s job", relister.ErrInvalidTransition, j.Status)
	}

	j.Status = job.StatusRunning
	if uerr := d.st.UpdateJob(ctx, j); uerr != nil {
		return nil, uerr
	}

	w, werr := d.EnsureWorker(tenantID)
	if werr != nil {
		return nil, werr
	}
	w.Submit(j)

	return j, nil
}

// WorkerStatus is one entry of the dispatcher snapshot.
type WorkerStatus struct {
	TenantID     int64     `json:"tenant_id"`
	ActiveJobs   int64     `json:"active_jobs"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Idle         bool      `json:"idle"`
	Old          bool      `json:"old"`
}

// Status is a point-in-time snapshot of the dispatcher.
type Status struct {
	Running         bool            `json:"running"`
	Config          relister.Config `json:"config"`
	WorkerCount     int             `json:"worker_count"`
	ActiveTotal     int64           `json:"active_total"`
	AvailableGlobal int64           `json:"available_global"`
	Workers         []WorkerStatus  `json:"workers"`
}

// Status returns a snapshot of the dispatcher and every worker.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		Running:     d.running,
		Config:      d.cfg,
		WorkerCount: len(d.workers),
		Workers:     make([]WorkerStatus, 0, len(d.workers)),
	}
	for _, w := range d.workers {
		active := w.ActiveJobs()
		s.ActiveTotal += active
		s.Workers = append(s.Workers, WorkerStatus{
			TenantID:     w.TenantID(),
			ActiveJobs:   active,
			CreatedAt:    w.CreatedAt(),
			LastActivity: w.LastActivity(),
			Idle:         w.IsIdle(d.cfg.WorkerIdleTimeout),
			Old:          w.IsOld(d.cfg.WorkerMaxAge),
		})
	}
	s.AvailableGlobal = int64(d.cfg.GlobalMaxConcurrent) - s.ActiveTotal

	return s
}

// TasksForJob exposes a job's tasks for status queries.
func (d *Dispatcher) TasksForJob(ctx context.Context, tenantID int64, jobID id.JobID) ([]*task.Task, error) {
	return d.st.TasksForJob(ctx, tenantID, jobID)
}
