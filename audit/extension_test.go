package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/task"
)

// capture collects recorded events for assertion.
type capture struct {
	events []*Event
}

func (c *capture) Record(ctx context.Context, e *Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestJobLifecycleEvents(t *testing.T) {
	rec := &capture{}
	e := New(rec)
	ctx := context.Background()
	j := job.New(7, job.ActionPublishListing, 2, nil, time.Hour)

	if err := e.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("enqueued: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("listing rejected")); err != nil {
		t.Fatalf("failed: %v", err)
	}

	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}

	enq := rec.events[0]
	if enq.Action != ActionJobEnqueued || enq.Category != CategoryJob {
		t.Fatalf("unexpected event: %+v", enq)
	}
	if enq.TenantID != 7 || enq.ResourceID != j.ID.String() {
		t.Fatalf("identity fields wrong: %+v", enq)
	}
	if enq.Metadata["action_code"] != string(job.ActionPublishListing) {
		t.Fatalf("metadata missing action code: %v", enq.Metadata)
	}

	failed := rec.events[1]
	if failed.Severity != SeverityCritical || failed.Outcome != OutcomeFailure {
		t.Fatalf("failure event should be critical/failure: %+v", failed)
	}
	if failed.Reason != "listing rejected" {
		t.Fatalf("reason not carried: %q", failed.Reason)
	}
}

func TestTaskResolvedSeverityTracksStatus(t *testing.T) {
	rec := &capture{}
	e := New(rec)
	ctx := context.Background()

	ok := task.New(job.New(1, job.ActionSyncListing, 0, nil, time.Hour).ID, 1, task.KindRelayed, "ebay", "PUT", "/items/1")
	ok.Status = task.StatusSuccess
	bad := task.New(ok.JobID, 1, task.KindRelayed, "etsy", "PUT", "/items/1")
	bad.Status = task.StatusFailed

	_ = e.OnTaskResolved(ctx, ok)
	_ = e.OnTaskResolved(ctx, bad)

	if rec.events[0].Outcome != OutcomeSuccess || rec.events[0].Severity != SeverityInfo {
		t.Fatalf("success resolution mislabeled: %+v", rec.events[0])
	}
	if rec.events[1].Outcome != OutcomeFailure || rec.events[1].Severity != SeverityWarning {
		t.Fatalf("failed resolution mislabeled: %+v", rec.events[1])
	}
}

func TestActionFilter(t *testing.T) {
	rec := &capture{}
	e := New(rec, WithActions(ActionJobCancelled))
	ctx := context.Background()
	j := job.New(1, job.ActionDeleteListing, 0, nil, time.Hour)

	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobStarted(ctx, j)
	_ = e.OnJobCancelled(ctx, j)

	if len(rec.events) != 1 {
		t.Fatalf("expected only the cancellation recorded, got %d events", len(rec.events))
	}
	if rec.events[0].Action != ActionJobCancelled {
		t.Fatalf("wrong event survived the filter: %s", rec.events[0].Action)
	}
}

func TestRecorderErrorNeverPropagates(t *testing.T) {
	e := New(RecorderFunc(func(ctx context.Context, evt *Event) error {
		return errors.New("audit store down")
	}))
	j := job.New(1, job.ActionPublishListing, 0, nil, time.Hour)

	if err := e.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("recorder failure must not bubble into the pipeline: %v", err)
	}
}
