// Package runtime implements the Connector Runtime of spec §4.8: it drives
// a Connector Instance's sources through pull, transform, upload and
// checkpoint-advance, tracks each invocation as a cancellable Job, and
// enforces the at-most-one-running-pull-per-source invariant. The Job
// registry is grounded on the teacher's internal/server/runs.go
// activeRun/sync.Map pattern, generalized from one workflow run to one
// connector-source pull.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/connectgate/internal/checkpoint"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/ratelimit"
	"github.com/rakunlabs/connectgate/internal/retry"
	"github.com/rakunlabs/connectgate/internal/transform"
	"github.com/rakunlabs/connectgate/internal/upload"
	"github.com/rakunlabs/logi"
)

// DefaultConcurrencyPerSource is the errgroup limit PullInstance applies
// while starting an instance's sources (spec §5: "default 4 per source").
// Each PullSource call returns as soon as its pull goroutine starts, so
// the limit does not bound how many pulls run at once.
const DefaultConcurrencyPerSource = 4

// Puller is implemented by a connector for one of its sources: it fetches
// one page of raw records starting from params, returning the cursor to
// resume from and whether more pages remain.
type Puller interface {
	Pull(ctx context.Context, sourceKey string, params model.SyncParams) (records []transform.Record, nextCursor string, hasMore bool, err error)
}

// Connector is a running instance of a Connector Definition: something
// the runtime can pull from, one source at a time.
type Connector interface {
	InstanceID() string
	Sources() []string
	Puller
	Transformer(sourceKey string) *transform.Transformer
}

// Runtime drives Connectors through pull/transform/upload/checkpoint.
type Runtime struct {
	checkpoints checkpoint.Store
	uploader    *upload.Client
	limiter     *ratelimit.Limiter
	retrier     *retry.Retrier

	concurrencyPerSource int

	jobs    sync.Map // jobID (string) -> *activeJob
	running sync.Map // "instanceID:sourceKey" (string) -> struct{}
}

type activeJob struct {
	mu     sync.Mutex
	job    model.Job
	cancel context.CancelFunc
}

// Config wires a Runtime's collaborators.
type Config struct {
	Checkpoints          checkpoint.Store
	Uploader             *upload.Client
	Limiter              *ratelimit.Limiter
	Retrier              *retry.Retrier
	ConcurrencyPerSource int
}

func New(cfg Config) *Runtime {
	concurrency := cfg.ConcurrencyPerSource
	if concurrency <= 0 {
		concurrency = DefaultConcurrencyPerSource
	}
	retrier := cfg.Retrier
	if retrier == nil {
		retrier = retry.New(retry.DefaultPolicy)
	}
	return &Runtime{
		checkpoints:          cfg.Checkpoints,
		uploader:             cfg.Uploader,
		limiter:              cfg.Limiter,
		retrier:              retrier,
		concurrencyPerSource: concurrency,
	}
}

// PullSource starts (or rejects, if already running) a pull of one source
// and returns immediately with the Job's initial record; the pull itself
// runs in a background goroutine the caller can stop via Cancel.
func (r *Runtime) PullSource(conn Connector, sourceKey string, params model.SyncParams) (*model.Job, error) {
	runKey := conn.InstanceID() + ":" + sourceKey

	if _, loaded := r.running.LoadOrStore(runKey, struct{}{}); loaded {
		return nil, &errtax.AlreadyRunningError{InstanceID: conn.InstanceID(), SourceKey: sourceKey}
	}

	jobID := ulid.Make().String()
	ctx, cancel := context.WithCancel(context.Background())

	job := model.Job{
		ID:                  jobID,
		ConnectorInstanceID: conn.InstanceID(),
		StartedAt:           time.Now().UTC(),
		Status:              model.JobPending,
	}

	aj := &activeJob{job: job, cancel: cancel}
	r.jobs.Store(jobID, aj)

	go r.runPull(ctx, aj, conn, sourceKey, params, runKey)

	jobCopy := job
	return &jobCopy, nil
}

// PullInstance starts a pull for every source conn exposes, bounded by
// Runtime's concurrency-per-source limit, and waits for all of them to
// finish starting (not to complete — each still runs as its own Job).
// A source that's already running is skipped rather than treated as a
// fatal error, since the other sources must still get their chance
// (spec §4.8: "failure of one source must not abort siblings").
func (r *Runtime) PullInstance(ctx context.Context, conn Connector, params model.SyncParams) ([]*model.Job, error) {
	sources := conn.Sources()
	jobs := make([]*model.Job, len(sources))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrencyPerSource)

	var mu sync.Mutex
	for i, sourceKey := range sources {
		i, sourceKey := i, sourceKey
		g.Go(func() error {
			job, err := r.PullSource(conn, sourceKey, params)
			if err != nil {
				var already *errtax.AlreadyRunningError
				if errors.As(err, &already) {
					logi.Ctx(ctx).Info("runtime: skipping source already running", "instance_id", conn.InstanceID(), "source", sourceKey)
					return nil
				}
				return err
			}
			mu.Lock()
			jobs[i] = job
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return jobs, nil
}

// Job returns a snapshot of jobID's current state.
func (r *Runtime) Job(jobID string) (*model.Job, bool) {
	v, ok := r.jobs.Load(jobID)
	if !ok {
		return nil, false
	}
	aj := v.(*activeJob)
	aj.mu.Lock()
	defer aj.mu.Unlock()
	jobCopy := aj.job
	return &jobCopy, true
}

// ListJobs returns a snapshot of every Job the registry still holds.
func (r *Runtime) ListJobs() []model.Job {
	var out []model.Job
	r.jobs.Range(func(_, v any) bool {
		aj := v.(*activeJob)
		aj.mu.Lock()
		out = append(out, aj.job)
		aj.mu.Unlock()
		return true
	})
	return out
}

// Cancel requests cooperative cancellation of jobID. Per spec §5, the
// runtime finishes the in-flight batch (upload + checkpoint persist)
// before stopping rather than aborting mid-batch.
func (r *Runtime) Cancel(jobID string) bool {
	v, ok := r.jobs.Load(jobID)
	if !ok {
		return false
	}
	v.(*activeJob).cancel()
	return true
}
