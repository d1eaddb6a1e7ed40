package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/store/memory"
)

// gauge tracks the high-water mark of concurrent executions.
type gauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (g *gauge) enter() {
	c := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if c <= p || g.peak.CompareAndSwap(p, c) {
			return
		}
	}
}

func (g *gauge) exit() { g.cur.Add(-1) }

// slowRegistry registers a handler that holds a slot briefly so
// concurrent admissions overlap.
func slowRegistry(g *gauge, hold time.Duration) *job.Registry {
	r := job.NewRegistry()
	r.Register(job.ActionPublishListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		g.enter()
		defer g.exit()
		time.Sleep(hold)
		return nil, nil
	})
	return r
}

func enqueue(t *testing.T, st *memory.Store, tenantID int64, n int) {
	t.Helper()
	for range n {
		j := job.New(tenantID, job.ActionPublishListing, 0, nil, time.Hour)
		if err := st.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}
}

func waitCompleted(t *testing.T, st *memory.Store, tenantID int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := st.CountByStatus(context.Background(), tenantID, job.StatusCompleted)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tenant %d did not complete %d jobs in time", tenantID, want)
}

// ---------------------------------------------------------------------------
// Concurrency bounds
// ---------------------------------------------------------------------------

func TestWorker_PerTenantCap(t *testing.T) {
	st := memory.New()
	g := &gauge{}
	e := newExecutor(t, st, slowRegistry(g, 30*time.Millisecond))

	w := New(1, st, e, semaphore.NewWeighted(100), 2, testLogger(),
		WithPollInterval(10*time.Millisecond))
	enqueue(t, st, 1, 6)
	w.Start()
	defer w.Stop(context.Background())

	waitCompleted(t, st, 1, 6)
	if p := g.peak.Load(); p > 2 {
		t.Fatalf("tenant cap of 2 exceeded: peak %d", p)
	}
}

func TestWorker_GlobalCapSharedAcrossTenants(t *testing.T) {
	st := memory.New()
	g := &gauge{}
	e := newExecutor(t, st, slowRegistry(g, 30*time.Millisecond))

	global := semaphore.NewWeighted(2)
	w1 := New(1, st, e, global, 10, testLogger(), WithPollInterval(10*time.Millisecond))
	w2 := New(2, st, e, global, 10, testLogger(), WithPollInterval(10*time.Millisecond))
	enqueue(t, st, 1, 4)
	enqueue(t, st, 2, 4)
	w1.Start()
	w2.Start()
	defer w1.Stop(context.Background())
	defer w2.Stop(context.Background())

	waitCompleted(t, st, 1, 4)
	waitCompleted(t, st, 2, 4)
	if p := g.peak.Load(); p > 2 {
		t.Fatalf("global cap of 2 exceeded: peak %d", p)
	}
}

// ---------------------------------------------------------------------------
// Wakeup and liveness
// ---------------------------------------------------------------------------

func TestWorker_NotifyWakesBeforePollInterval(t *testing.T) {
	st := memory.New()
	g := &gauge{}
	e := newExecutor(t, st, slowRegistry(g, time.Millisecond))

	// Poll interval far beyond the test horizon; only Notify can wake it.
	w := New(1, st, e, semaphore.NewWeighted(10), 5, testLogger(),
		WithPollInterval(time.Hour))
	w.Start()
	defer w.Stop(context.Background())

	enqueue(t, st, 1, 1)
	w.Notify()

	waitCompleted(t, st, 1, 1)
}

func TestWorker_IdleAndAgePredicates(t *testing.T) {
	st := memory.New()
	e := newExecutor(t, st, job.NewRegistry())
	w := New(1, st, e, semaphore.NewWeighted(1), 1, testLogger())

	if w.IsIdle(time.Hour) {
		t.Fatal("fresh worker should not be idle")
	}
	if w.IsOld(time.Hour) {
		t.Fatal("fresh worker should not be old")
	}
	if !w.IsIdle(0) {
		t.Fatal("zero timeout should report idle")
	}
	if !w.IsOld(0) {
		t.Fatal("zero max age should report old")
	}

	last := w.LastActivity()
	time.Sleep(2 * time.Millisecond)
	w.Notify()
	if !w.LastActivity().After(last) {
		t.Fatal("Notify should refresh last activity")
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestWorker_StopWaitsForActiveJobs(t *testing.T) {
	st := memory.New()
	g := &gauge{}
	e := newExecutor(t, st, slowRegistry(g, 50*time.Millisecond))

	w := New(1, st, e, semaphore.NewWeighted(10), 5, testLogger(),
		WithPollInterval(10*time.Millisecond))
	enqueue(t, st, 1, 2)
	w.Start()

	// Let the jobs get admitted, then stop with a generous grace.
	deadline := time.Now().Add(2 * time.Second)
	for w.ActiveJobs() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Stop(ctx)

	if w.ActiveJobs() != 0 {
		t.Fatalf("stop returned with %d jobs still active", w.ActiveJobs())
	}
	n, err := st.CountByStatus(context.Background(), 1, job.StatusCompleted)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n == 0 {
		t.Fatal("graceful stop should let admitted jobs finish")
	}
}

func TestWorker_StopIdempotent(t *testing.T) {
	st := memory.New()
	e := newExecutor(t, st, job.NewRegistry())
	w := New(1, st, e, semaphore.NewWeighted(1), 1, testLogger())
	w.Start()

	w.Stop(context.Background())
	w.Stop(context.Background())
}

// ---------------------------------------------------------------------------
// Resume path
// ---------------------------------------------------------------------------

func TestWorker_SubmitRunsClaimedJob(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	r := job.NewRegistry()
	r.Register(job.ActionImportListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		return []byte(`"resumed"`), nil
	})
	e := newExecutor(t, st, r)
	w := New(1, st, e, semaphore.NewWeighted(5), 5, testLogger(),
		WithPollInterval(time.Hour))
	w.Start()
	defer w.Stop(ctx)

	j := job.New(1, job.ActionImportListing, 0, nil, time.Hour)
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	running, ok, err := st.ClaimJob(ctx, 1, j.ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if !w.Submit(running) {
		t.Fatal("submit rejected")
	}
	waitCompleted(t, st, 1, 1)
}
