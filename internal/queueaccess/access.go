// Package queueaccess gives the CLI one view of stored jobs whether or not the
// daemon is running: the daemon API when it answers, the job store otherwise.
package queueaccess

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"acsmconv/internal/api"
	"acsmconv/internal/jobs"
	"acsmconv/internal/queue"
)

// ErrDaemonRequired is returned by store-backed access for operations that
// only the process running the job can perform.
var ErrDaemonRequired = errors.New("daemon not running")

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("job not found")

// Access provides job operations regardless of API or direct store backing.
type Access interface {
	Counts(ctx context.Context) (api.JobCounts, error)
	List(ctx context.Context, stages []string, limit int) ([]api.Job, error)
	Describe(ctx context.Context, id string) (*api.Job, error)
	Cancel(ctx context.Context, id string) error
	Remote() bool
}

// NewAPIAccess returns an Access backed by the daemon API.
func NewAPIAccess(client *api.Client) Access {
	return &apiAccess{client: client}
}

// NewStoreAccess returns an Access backed by direct DB access.
func NewStoreAccess(store *queue.Store) Access {
	return &storeAccess{store: store}
}

type apiAccess struct {
	client *api.Client
}

func (a *apiAccess) Remote() bool { return true }

func (a *apiAccess) Counts(ctx context.Context) (api.JobCounts, error) {
	status, err := a.client.Status(ctx)
	if err != nil {
		return api.JobCounts{}, err
	}
	return status.Jobs, nil
}

func (a *apiAccess) List(ctx context.Context, stages []string, limit int) ([]api.Job, error) {
	return a.client.Jobs(ctx, stages, limit)
}

func (a *apiAccess) Describe(ctx context.Context, id string) (*api.Job, error) {
	job, err := a.client.Job(ctx, id)
	if err != nil {
		if api.StatusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (a *apiAccess) Cancel(ctx context.Context, id string) error {
	err := a.client.Cancel(ctx, id)
	if api.StatusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

type storeAccess struct {
	store *queue.Store
}

func (a *storeAccess) Remote() bool { return false }

func (a *storeAccess) Counts(ctx context.Context) (api.JobCounts, error) {
	summary, err := a.store.Health(ctx)
	if err != nil {
		return api.JobCounts{}, err
	}
	return api.JobCounts{
		Total:     summary.Total,
		Received:  summary.Received,
		Active:    summary.Active,
		Done:      summary.Done,
		Failed:    summary.Failed,
		Delivered: summary.Delivered,
	}, nil
}

func (a *storeAccess) List(ctx context.Context, stages []string, limit int) ([]api.Job, error) {
	filter := queue.Filter{Limit: limit}
	for _, value := range stages {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		stage, ok := queue.ParseStage(value)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", value)
		}
		filter.Stages = append(filter.Stages, stage)
	}
	stored, err := a.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]api.Job, 0, len(stored))
	for _, job := range stored {
		history, err := a.store.History(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, api.FromResult(jobs.Snapshot(job, history, now)))
	}
	return out, nil
}

func (a *storeAccess) Describe(ctx context.Context, id string) (*api.Job, error) {
	job, err := a.store.Get(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	history, err := a.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	view := api.FromResult(jobs.Snapshot(job, history, time.Now()))
	return &view, nil
}

func (a *storeAccess) Cancel(ctx context.Context, id string) error {
	job, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Stage.IsTerminal() {
		return fmt.Errorf("%w: job is %s", jobs.ErrNotCancellable, job.Stage)
	}
	return fmt.Errorf("%w: start `acsmconv serve` to cancel running jobs", ErrDaemonRequired)
}
