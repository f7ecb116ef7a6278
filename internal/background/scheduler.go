// Package background runs the periodic jobs that keep process instances moving
// when no API request is driving them.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cordum/procflow/internal/infra/bus"
	"github.com/cordum/procflow/internal/infra/config"
	"github.com/cordum/procflow/internal/infra/locks"
	"github.com/cordum/procflow/internal/infra/logging"
	"github.com/cordum/procflow/internal/infra/metrics"
	"github.com/cordum/procflow/internal/process"
	"github.com/cordum/procflow/internal/protocol"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Job names, also used as lease keys and metric labels.
const (
	// JobProcessWaiting re-runs instances waiting on retries or timers.
	JobProcessWaiting = "process_waiting_process_instances"
	// JobProcessRunning re-runs running instances, expiring timed-out tasks.
	JobProcessRunning = "process_running_process_instances"
	// JobProcessUserInputRequired resumes instances whose user tasks were completed.
	JobProcessUserInputRequired = "process_user_input_required_process_instances"
	// JobProcessFutureTasks fires due timers and arms the ones inside the lookahead.
	JobProcessFutureTasks = "process_future_tasks"
	// JobRemoveStaleLocks drops instance locks older than the confiscation window.
	JobRemoveStaleLocks = "remove_stale_locks"
)

const (
	component          = "background-scheduler"
	jobLeasePrefix     = "procflow:scheduler:job:"
	defaultConcurrency = 8
)

// ErrUnknownJob is returned by RunJob for names the scheduler does not know.
var ErrUnknownJob = errors.New("unknown job")

// Engine is the part of the process engine the scheduler drives.
type Engine interface {
	RunInstance(ctx context.Context, id string) (*process.ProcessInstance, error)
	HandleTaskResult(ctx context.Context, res *protocol.TaskResult) error
	FireFutureTask(ctx context.Context, ft *process.FutureTask) (bool, error)
}

// Index finds instances and timers that need attention.
type Index interface {
	ListInstanceIDsByStatus(ctx context.Context, status process.InstanceStatus, limit int64) ([]string, error)
	ListDueFutureTasks(ctx context.Context, before time.Time, limit int64) ([]*process.FutureTask, error)
}

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	run      func(ctx context.Context) error
}

// Scheduler runs background jobs, each as a cluster-wide singleton.
type Scheduler struct {
	id          string
	cfg         *config.SchedulerConfig
	engine      Engine
	index       Index
	locks       locks.Store
	metrics     metrics.Scheduler
	now         func() time.Time
	concurrency int
	jobs        []Job

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup

	// instances this process is working on; Redis locks are reentrant per owner
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	armedMu sync.Mutex
	armed   map[string]*time.Timer
	timerWG sync.WaitGroup
}

// New builds a scheduler. cfg nil means defaults.
func New(cfg *config.SchedulerConfig, engine Engine, index Index, lockStore locks.Store) *Scheduler {
	if cfg == nil {
		cfg = config.DefaultScheduler()
	}
	s := &Scheduler{
		id:          "procflow-scheduler-" + uuid.NewString(),
		cfg:         cfg,
		engine:      engine,
		index:       index,
		locks:       lockStore,
		metrics:     metrics.Noop{},
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: defaultConcurrency,
		inflight:    map[string]struct{}{},
		armed:       map[string]*time.Timer{},
	}
	s.jobs = []Job{
		{Name: JobProcessWaiting, Interval: cfg.PollingInterval(), run: func(ctx context.Context) error {
			return s.processStatus(ctx, JobProcessWaiting, process.StatusWaiting)
		}},
		{Name: JobProcessRunning, Interval: cfg.PollingInterval(), run: func(ctx context.Context) error {
			return s.processStatus(ctx, JobProcessRunning, process.StatusRunning)
		}},
		{Name: JobProcessUserInputRequired, Interval: cfg.UserInputRequiredPollingInterval(), run: func(ctx context.Context) error {
			return s.processStatus(ctx, JobProcessUserInputRequired, process.StatusUserInputRequired)
		}},
		{Name: JobProcessFutureTasks, Interval: cfg.FutureTaskExecutionInterval(), run: s.processFutureTasks},
		{Name: JobRemoveStaleLocks, Interval: cfg.AllowConfiscatingLockAfter(), run: s.removeStaleLocks},
	}
	return s
}

// WithMetrics sets the metrics sink.
func (s *Scheduler) WithMetrics(m metrics.Scheduler) *Scheduler {
	if m != nil {
		s.metrics = m
	}
	return s
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// WithID sets the lock owner id.
func (s *Scheduler) WithID(id string) *Scheduler {
	if id != "" {
		s.id = id
	}
	return s
}

// WithConcurrency bounds how many instances a job processes at once.
func (s *Scheduler) WithConcurrency(n int) *Scheduler {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// ID is the owner recorded on locks taken by this scheduler.
func (s *Scheduler) ID() string { return s.id }

// Jobs lists the configured jobs.
func (s *Scheduler) Jobs() []Job {
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Start launches every job. Each job runs once immediately, then on its interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return fmt.Errorf("scheduler already running")
	}
	if s.engine == nil || s.index == nil || s.locks == nil {
		return fmt.Errorf("scheduler requires engine, index and lock store")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.running.Store(true)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, job)
	}
	logging.Info(component, "started", "id", s.id, "jobs", len(s.jobs),
		"polling_interval", s.cfg.PollingInterval().String(),
		"future_task_lookahead", s.cfg.FutureTaskLookahead().String())
	return nil
}

// Stop cancels all jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.armedMu.Lock()
	for guid, t := range s.armed {
		if t.Stop() {
			s.timerWG.Done()
		}
		delete(s.armed, guid)
	}
	s.armedMu.Unlock()
	s.timerWG.Wait()

	s.running.Store(false)
	logging.Info(component, "stopped", "id", s.id)
}

// RunJob runs the named job once, honoring its singleton lease.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.runJob(ctx, job)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// HandleTaskResult applies a worker result under the instance lock. A busy lock
// asks the bus to redeliver later.
func (s *Scheduler) HandleTaskResult(ctx context.Context, res *protocol.TaskResult) error {
	if res == nil || res.DispatchID == "" {
		return nil
	}
	instanceID, _ := process.SplitDispatchID(res.DispatchID)
	if instanceID == "" {
		return nil
	}
	release, ok, err := s.lockInstance(ctx, instanceID)
	if err != nil {
		return bus.RetryAfter(err, time.Second)
	}
	if !ok {
		return bus.RetryAfter(fmt.Errorf("instance lock busy"), 500*time.Millisecond)
	}
	defer release()
	return s.engine.HandleTaskResult(ctx, res)
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	interval := job.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.runJob(ctx, job); err != nil && ctx.Err() == nil {
			logging.Error(component, "job failed", "job", job.Name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	key := jobLeasePrefix + job.Name
	ttl := job.Interval * 2
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := s.locks.TryAcquire(ctx, key, s.id, ttl)
	if err != nil {
		return fmt.Errorf("job lease: %w", err)
	}
	if !ok {
		logging.Debug(component, "job lease held elsewhere", "job", job.Name)
		return nil
	}
	defer func() { _ = s.locks.ReleaseKey(context.Background(), key, s.id) }()

	start := time.Now()
	err = job.run(ctx)
	s.metrics.ObserveJobRun(job.Name, time.Since(start).Seconds(), err != nil)
	return err
}

func (s *Scheduler) processStatus(ctx context.Context, job string, status process.InstanceStatus) error {
	ids, err := s.index.ListInstanceIDsByStatus(ctx, status, s.cfg.InstanceScanLimit)
	if err != nil {
		return fmt.Errorf("list %s instances: %w", status, err)
	}
	if len(ids) == 0 {
		return nil
	}
	logging.Debug(component, "processing instances", "job", job, "count", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			s.metrics.IncInstancesProcessed(job, s.processInstance(gctx, job, id))
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) processInstance(ctx context.Context, job, id string) string {
	release, ok, err := s.lockInstance(ctx, id)
	if err != nil {
		logging.Error(component, "lock instance", "job", job, "instance_id", id, "error", err)
		return "error"
	}
	if !ok {
		return "locked"
	}
	defer release()

	inst, err := s.engine.RunInstance(ctx, id)
	if err != nil {
		logging.Error(component, "run instance", "job", job, "instance_id", id, "error", err)
		return "error"
	}
	return string(inst.Status)
}

func (s *Scheduler) processFutureTasks(ctx context.Context) error {
	now := s.now()
	due, err := s.index.ListDueFutureTasks(ctx, now, s.cfg.InstanceScanLimit)
	if err != nil {
		return fmt.Errorf("list due future tasks: %w", err)
	}
	for _, ft := range due {
		s.disarm(ft.GUID)
		s.fire(ctx, ft)
	}

	lookahead := s.cfg.FutureTaskLookahead()
	if lookahead <= 0 {
		return nil
	}
	upcoming, err := s.index.ListDueFutureTasks(ctx, now.Add(lookahead), s.cfg.InstanceScanLimit)
	if err != nil {
		return fmt.Errorf("list upcoming future tasks: %w", err)
	}
	armed := 0
	for _, ft := range upcoming {
		if ft.RunAt.After(now) && s.arm(ft, ft.RunAt.Sub(now)) {
			armed++
		}
	}
	if armed > 0 {
		logging.Info(component, "armed upcoming future tasks", "count", armed, "lookahead", lookahead.String())
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, ft *process.FutureTask) {
	release, ok, err := s.lockInstance(ctx, ft.InstanceID)
	if err != nil {
		logging.Error(component, "lock instance", "instance_id", ft.InstanceID, "error", err)
		s.metrics.IncFutureTasksFired("error")
		return
	}
	if !ok {
		s.metrics.IncFutureTasksFired("locked")
		return
	}
	defer release()

	fired, err := s.engine.FireFutureTask(ctx, ft)
	switch {
	case err != nil:
		logging.Error(component, "fire future task", "guid", ft.GUID, "instance_id", ft.InstanceID, "error", err)
		s.metrics.IncFutureTasksFired("error")
	case fired:
		s.metrics.IncFutureTasksFired("fired")
	default:
		s.metrics.IncFutureTasksFired("skipped")
	}
}

// arm schedules ft to fire in-process after delay, ahead of the next job tick.
func (s *Scheduler) arm(ft *process.FutureTask, delay time.Duration) bool {
	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	if _, ok := s.armed[ft.GUID]; ok || s.runCtx == nil || s.runCtx.Err() != nil {
		return false
	}
	ctx := s.runCtx
	s.timerWG.Add(1)
	s.armed[ft.GUID] = time.AfterFunc(delay, func() {
		defer s.timerWG.Done()
		s.armedMu.Lock()
		delete(s.armed, ft.GUID)
		s.armedMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, ft)
	})
	return true
}

func (s *Scheduler) disarm(guid string) {
	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	if t, ok := s.armed[guid]; ok {
		if t.Stop() {
			s.timerWG.Done()
		}
		delete(s.armed, guid)
	}
}

func (s *Scheduler) removeStaleLocks(ctx context.Context) error {
	removed, err := s.locks.RemoveStale(ctx, s.cfg.AllowConfiscatingLockAfter(), s.cfg.InstanceScanLimit)
	if err != nil {
		return fmt.Errorf("remove stale locks: %w", err)
	}
	if len(removed) > 0 {
		logging.Info(component, "removed stale instance locks", "count", len(removed), "instances", removed)
		s.metrics.AddStaleLocksRemoved(len(removed))
	}
	return nil
}

// lockInstance takes the instance lock for this scheduler. The returned release
// func must be called when ok is true.
func (s *Scheduler) lockInstance(ctx context.Context, id string) (func(), bool, error) {
	s.inflightMu.Lock()
	if _, busy := s.inflight[id]; busy {
		s.inflightMu.Unlock()
		return nil, false, nil
	}
	s.inflight[id] = struct{}{}
	s.inflightMu.Unlock()

	unmark := func() {
		s.inflightMu.Lock()
		delete(s.inflight, id)
		s.inflightMu.Unlock()
	}
	ok, err := s.locks.Acquire(ctx, id, s.id)
	if err != nil || !ok {
		unmark()
		return nil, ok, err
	}
	return func() {
		if err := s.locks.Release(context.Background(), id, s.id); err != nil {
			logging.Error(component, "release instance lock", "instance_id", id, "error", err)
		}
		unmark()
	}, true, nil
}
