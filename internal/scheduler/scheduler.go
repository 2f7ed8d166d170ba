// Package scheduler fires scheduled pulls for registered connector
// instances (spec §4.9): each instance/source pair with a non-empty
// connector.Schedule is driven on its cron or interval cadence through
// hardloop, with at most one process acting as leader when the runtime
// shares a checkpoint store across instances (internal/cluster).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rakunlabs/connectgate/internal/cluster"
	"github.com/rakunlabs/connectgate/internal/connector"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/runtime"
	"github.com/rakunlabs/logi"
	str2duration "github.com/xhit/go-str2duration/v2"
	"github.com/worldline-go/hardloop"
)

// cronRunner is satisfied by hardloop's unexported *cronJob type
// (returned by hardloop.NewCron), so it can be held without naming the
// unexported struct.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Puller is the subset of Runtime the Scheduler needs to fire a
// scheduled job. Matches (*runtime.Runtime).PullSource.
type Puller interface {
	PullSource(conn runtime.Connector, sourceKey string, params model.SyncParams) (*model.Job, error)
}

// entry is one instance+source registered for scheduled firing.
type entry struct {
	instanceID string
	sourceKey  string
	schedule   connector.Schedule
	conn       runtime.Connector
}

// Scheduler fires registered connector instance/source pulls on a cron
// or fixed-interval cadence, expressed to hardloop as cron specs — a
// fixed interval becomes a "@every <duration>" spec, following the same
// convention hardloop's underlying cron parser understands for plain
// interval jobs.
type Scheduler struct {
	puller  Puller
	cluster *cluster.Cluster

	mu      sync.Mutex
	entries map[string]entry // key: instanceID + "/" + sourceKey
	cron    cronRunner
	cancel  context.CancelFunc
	ctx     context.Context

	skipMu    sync.Mutex
	skipCount map[string]int
}

// New creates a Scheduler. cl may be nil (single-process mode): the
// scheduler then starts immediately instead of waiting for a leader lock.
func New(puller Puller, cl *cluster.Cluster) *Scheduler {
	return &Scheduler{
		puller:    puller,
		cluster:   cl,
		entries:   make(map[string]entry),
		skipCount: make(map[string]int),
	}
}

func entryKey(instanceID, sourceKey string) string {
	return instanceID + "/" + sourceKey
}

// Register adds instanceID/sourceKey to the schedule. If the scheduler
// is already running, it reloads the cron runner to pick it up
// immediately; callers typically Register everything before Start.
func (s *Scheduler) Register(conn runtime.Connector, sourceKey string, schedule connector.Schedule) {
	s.mu.Lock()
	s.entries[entryKey(conn.InstanceID(), sourceKey)] = entry{
		instanceID: conn.InstanceID(),
		sourceKey:  sourceKey,
		schedule:   schedule,
		conn:       conn,
	}
	running := s.ctx != nil
	s.mu.Unlock()

	if running {
		_ = s.Reload()
	}
}

// Deregister removes instanceID/sourceKey from the schedule.
func (s *Scheduler) Deregister(instanceID, sourceKey string) {
	s.mu.Lock()
	delete(s.entries, entryKey(instanceID, sourceKey))
	running := s.ctx != nil
	s.mu.Unlock()

	if running {
		_ = s.Reload()
	}
}

// Skipped reports how many times instanceID/sourceKey's scheduled fire
// was skipped because the previous run was still in flight (spec §4.9
// overlap-skip semantics), since the runtime already treats
// AlreadyRunningError as a non-fatal skip rather than a failure.
func (s *Scheduler) Skipped(instanceID, sourceKey string) int {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()
	return s.skipCount[entryKey(instanceID, sourceKey)]
}

// Start loads the registered schedule and begins firing. If a cluster is
// configured, the cron runner only starts once this process wins the
// scheduler leader lock; otherwise it starts immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx

	if s.cluster != nil {
		go s.runLockLoop(ctx)
		return nil
	}

	return s.reload()
}

// runLockLoop retries acquiring the scheduler leader lock until it
// succeeds or ctx is cancelled, starting the cron runner while held and
// stopping it if the lock is lost or ctx ends.
func (s *Scheduler) runLockLoop(ctx context.Context) {
	logger := logi.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		logger.Info("scheduler: attempting to acquire leader lock")
		if err := s.cluster.LockScheduler(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("scheduler: failed to acquire lock, retrying", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		logger.Info("scheduler: acquired leader lock, starting scheduled pulls")

		s.mu.Lock()
		if err := s.reload(); err != nil {
			logger.Error("scheduler: failed to start cron runner", "error", err)
		}
		s.mu.Unlock()

		<-ctx.Done()

		logger.Info("scheduler: releasing leader lock")
		s.Stop()
		_ = s.cluster.UnlockScheduler()
		return
	}
}

// Reload stops the current cron runner (if any) and rebuilds it from
// the current registration set. Call after Register/Deregister while
// the scheduler is running.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reload()
}

// Stop stops firing scheduled pulls. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// reload must be called with s.mu held.
func (s *Scheduler) reload() error {
	s.stopLocked()

	if s.ctx == nil {
		return nil
	}

	crons := make([]hardloop.Cron, 0, len(s.entries))
	for key, e := range s.entries {
		spec, ok := cronSpec(e.schedule)
		if !ok {
			logi.Ctx(s.ctx).Warn("scheduler: entry has no usable schedule, skipping",
				"instance_id", e.instanceID, "source", e.sourceKey)
			continue
		}

		ent := e
		crons = append(crons, hardloop.Cron{
			Name:  fmt.Sprintf("pull-%s", key),
			Specs: []string{spec},
			Func:  s.makeCronFunc(ent),
		})
	}

	if len(crons) == 0 {
		logi.Ctx(s.ctx).Info("scheduler: no scheduled entries")
		return nil
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("scheduler: create cron runner: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.cron = cronJob

	if err := cronJob.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("scheduler: start cron runner: %w", err)
	}

	logi.Ctx(s.ctx).Info("scheduler: started scheduled pulls", "count", len(crons))
	return nil
}

// cronSpec renders a connector.Schedule as a hardloop cron spec. A
// fixed Interval is expressed as "@every <duration>", the usual cron
// library shorthand for a plain recurring timer. Interval is parsed with
// str2duration rather than time.ParseDuration so operators can write a
// connector instance's schedule with the extended unit suffixes
// (e.g. "1d", "2w") the control-plane API accepts, not just Go's own
// "h"/"m"/"s".
func cronSpec(sch connector.Schedule) (string, bool) {
	if sch.Cron != "" {
		return sch.Cron, true
	}
	if sch.Interval != "" {
		d, err := str2duration.ParseDuration(sch.Interval)
		if err != nil {
			return "", false
		}
		return "@every " + d.String(), true
	}
	return "", false
}

// makeCronFunc returns the function hardloop calls on each tick for
// entry e. A run still in flight is skipped, not failed: runtime.Runtime
// already reports that case as errtax.AlreadyRunningError.
func (s *Scheduler) makeCronFunc(e entry) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		logi.Ctx(ctx).Info("scheduler: firing scheduled pull",
			"instance_id", e.instanceID, "source", e.sourceKey)

		_, err := s.puller.PullSource(e.conn, e.sourceKey, model.SyncParams{})
		if err == nil {
			return nil
		}

		if isAlreadyRunning(err) {
			s.skipMu.Lock()
			s.skipCount[entryKey(e.instanceID, e.sourceKey)]++
			s.skipMu.Unlock()

			logi.Ctx(ctx).Warn("scheduler: skipped, previous run still in flight",
				"instance_id", e.instanceID, "source", e.sourceKey)
			return nil
		}

		logi.Ctx(ctx).Error("scheduler: scheduled pull failed",
			"instance_id", e.instanceID, "source", e.sourceKey, "error", err)
		return nil // never stop the cron loop on a single failed fire
	}
}

func isAlreadyRunning(err error) bool {
	var already *errtax.AlreadyRunningError
	return errors.As(err, &already)
}
