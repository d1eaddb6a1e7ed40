// Package listing implements the marketplace action handlers. Every
// action fans out into one relayed task per marketplace; the handler
// then waits for the browser-side executor to report results, checking
// the cooperative cancellation flag between polls.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/task"
	"github.com/crosslist/relister/taskqueue"
)

// Payload is the job payload shared by every listing action.
type Payload struct {
	ListingID    string   `json:"listing_id"`
	Title        string   `json:"title,omitempty"`
	Marketplaces []string `json:"marketplaces"`
}

// MarketplaceOutcome is one marketplace's slice of the job result.
type MarketplaceOutcome struct {
	Marketplace string          `json:"marketplace"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Handlers holds the dependencies of the listing action handlers.
type Handlers struct {
	tasks        task.Store
	queue        *taskqueue.Queue
	logger       *slog.Logger
	pollInterval time.Duration
}

// New creates the listing handlers.
func New(tasks task.Store, queue *taskqueue.Queue, logger *slog.Logger) *Handlers {
	return &Handlers{
		tasks:        tasks,
		queue:        queue,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// RegisterAll registers every listing action on the registry.
func (h *Handlers) RegisterAll(r *job.Registry) {
	job.RegisterDefinition(r, job.NewDefinition(job.ActionPublishListing, h.publish))
	job.RegisterDefinition(r, job.NewDefinition(job.ActionSyncListing, h.sync))
	job.RegisterDefinition(r, job.NewDefinition(job.ActionDeleteListing, h.delete))
	job.RegisterDefinition(r, job.NewDefinition(job.ActionRelistListing, h.relist))
	job.RegisterDefinition(r, job.NewDefinition(job.ActionImportListing, h.importListing))
}

func (h *Handlers) publish(ctx context.Context, j *job.Job, p Payload) ([]byte, error) {
	return h.fanOut(ctx, j, p, "POST", "/items")
}

func (h *Handlers) sync(ctx context.Context, j *job.Job, p Payload) ([]byte, error) {
	return h.fanOut(ctx, j, p, "PUT", "/items/"+p.ListingID)
}

func (h *Handlers) delete(ctx context.Context, j *job.Job, p Payload) ([]byte, error) {
	return h.fanOut(ctx, j, p, "DELETE", "/items/"+p.ListingID)
}

func (h *Handlers) relist(ctx context.Context, j *job.Job, p Payload) ([]byte, error) {
	return h.fanOut(ctx, j, p, "POST", "/items/"+p.ListingID+"/relist")
}

func (h *Handlers) importListing(ctx context.Context, j *job.Job, p Payload) ([]byte, error) {
	return h.fanOut(ctx, j, p, "GET", "/items/"+p.ListingID)
}

// fanOut creates one relayed task per marketplace, waits for all of
// them to resolve, and aggregates the outcomes. Any failed marketplace
// fails the whole attempt so the retry budget applies to the job as a
// unit.
func (h *Handlers) fanOut(ctx context.Context, j *job.Job, p Payload, verb, target string) ([]byte, error) {
	if len(p.Marketplaces) == 0 {
		return nil, errors.New("listing: payload names no marketplaces")
	}
	if err := job.Checkpoint(ctx); err != nil {
		return nil, err
	}

	for _, marketplace := range p.Marketplaces {
		t := task.New(j.ID, j.TenantID, task.KindRelayed, marketplace, verb, target)
		t.Payload = j.Payload
		if err := h.tasks.CreateTask(ctx, t); err != nil {
			return nil, fmt.Errorf("listing: create task for %s: %w", marketplace, err)
		}
	}

	resolved, err := h.queue.AwaitTasks(ctx, j.TenantID, j.ID, h.pollInterval)
	if err != nil {
		return nil, err
	}

	// A retried attempt leaves the previous attempt's terminal tasks
	// behind; only the newest task per marketplace counts.
	latest := make(map[string]*task.Task, len(p.Marketplaces))
	for _, t := range resolved {
		latest[t.Marketplace] = t
	}

	outcomes := make([]MarketplaceOutcome, 0, len(p.Marketplaces))
	failed := 0
	for _, marketplace := range p.Marketplaces {
		t, ok := latest[marketplace]
		if !ok {
			continue
		}
		o := MarketplaceOutcome{
			Marketplace: t.Marketplace,
			Success:     t.Status == task.StatusSuccess,
			Result:      t.Result,
			Error:       t.ErrorMessage,
		}
		if !o.Success {
			failed++
		}
		outcomes = append(outcomes, o)
	}

	result, mErr := json.Marshal(outcomes)
	if mErr != nil {
		return nil, fmt.Errorf("listing: marshal outcomes: %w", mErr)
	}
	if failed > 0 {
		return nil, fmt.Errorf("listing: %d of %d marketplaces failed", failed, len(outcomes))
	}
	return result, nil
}
