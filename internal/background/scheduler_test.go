package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/procflow/internal/infra/bus"
	"github.com/cordum/procflow/internal/infra/config"
	"github.com/cordum/procflow/internal/infra/locks"
	"github.com/cordum/procflow/internal/process"
	"github.com/cordum/procflow/internal/protocol"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubBus struct {
	mu        sync.Mutex
	submitted []*protocol.TaskRequest
}

func (b *stubBus) Publish(subject string, packet *protocol.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subject == protocol.SubjectTaskSubmit && packet.TaskRequest != nil {
		b.submitted = append(b.submitted, packet.TaskRequest)
	}
	return nil
}

func (b *stubBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submitted)
}

type lockClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *lockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t.IsZero() {
		return time.Now().UTC()
	}
	return c.t
}

func (c *lockClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testEnv struct {
	store     *process.RedisStore
	locks     *locks.RedisStore
	lockClock *lockClock
	engine    *process.Engine
	bus       *stubBus
	sched     *Scheduler
}

func newEnv(t *testing.T, cfg *config.SchedulerConfig) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()
	store, err := process.NewRedisStore(url)
	if err != nil {
		t.Fatalf("process store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	lockStore, err := locks.NewRedisStore(url)
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	t.Cleanup(func() { _ = lockStore.Close() })
	clock := &lockClock{}
	lockStore.WithClock(clock.Now)

	b := &stubBus{}
	engine := process.NewEngine(store, b)
	return &testEnv{
		store:     store,
		locks:     lockStore,
		lockClock: clock,
		engine:    engine,
		bus:       b,
		sched:     New(cfg, engine, store, lockStore).WithID("sched-test"),
	}
}

func (e *testEnv) model(t *testing.T, m *process.ProcessModel) {
	t.Helper()
	if err := e.store.SaveModel(context.Background(), m); err != nil {
		t.Fatalf("save model: %v", err)
	}
}

func (e *testEnv) instance(t *testing.T, modelID string, status process.InstanceStatus) *process.ProcessInstance {
	t.Helper()
	ctx := context.Background()
	inst, err := e.engine.CreateInstance(ctx, modelID, nil, "test")
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if status != process.StatusNotStarted {
		inst.Status = status
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			t.Fatalf("update instance: %v", err)
		}
	}
	return inst
}

func (e *testEnv) status(t *testing.T, id string) process.InstanceStatus {
	t.Helper()
	inst, err := e.store.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	return inst.Status
}

func serviceModel() *process.ProcessModel {
	return &process.ProcessModel{
		ID:    "svc",
		Tasks: map[string]*process.Task{"call": {Type: process.TaskTypeService, Topic: "task.call"}},
	}
}

func TestProcessWaitingInstances(t *testing.T) {
	env := newEnv(t, nil)
	env.model(t, serviceModel())
	inst := env.instance(t, "svc", process.StatusWaiting)

	if err := env.sched.RunJob(context.Background(), JobProcessWaiting); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if env.bus.count() != 1 {
		t.Fatalf("expected task dispatched, got %d", env.bus.count())
	}
	if got := env.status(t, inst.ID); got != process.StatusRunning {
		t.Fatalf("expected running, got %s", got)
	}
	if _, err := env.locks.Get(context.Background(), inst.ID); !errors.Is(err, locks.ErrNotLocked) {
		t.Fatalf("expected instance lock released, got %v", err)
	}
}

func TestProcessRunningSkipsLockedInstance(t *testing.T) {
	env := newEnv(t, nil)
	env.model(t, serviceModel())
	inst := env.instance(t, "svc", process.StatusRunning)
	if ok, err := env.locks.Acquire(context.Background(), inst.ID, "other-scheduler"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if err := env.sched.RunJob(context.Background(), JobProcessRunning); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if env.bus.count() != 0 {
		t.Fatalf("locked instance was processed")
	}
	lock, err := env.locks.Get(context.Background(), inst.ID)
	if err != nil || lock.LockedBy != "other-scheduler" {
		t.Fatalf("expected foreign lock untouched, got %+v err=%v", lock, err)
	}
}

func TestUserInputRequiredOnlyResumesCompletedTasks(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	env.model(t, &process.ProcessModel{
		ID: "approval",
		Tasks: map[string]*process.Task{
			"approve": {Type: process.TaskTypeUser},
			"notify":  {Type: process.TaskTypeService, Topic: "task.notify", DependsOn: []string{"approve"}},
		},
	})
	inst := env.instance(t, "approval", process.StatusNotStarted)
	if _, err := env.engine.RunInstance(ctx, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := env.sched.RunJob(ctx, JobProcessUserInputRequired); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if got := env.status(t, inst.ID); got != process.StatusUserInputRequired || env.bus.count() != 0 {
		t.Fatalf("instance with open user task advanced: %s", got)
	}

	// simulate an instance whose user task finished but was left in user_input_required
	stored, _ := env.store.GetInstance(ctx, inst.ID)
	now := time.Now().UTC()
	stored.Tasks["approve"].State = process.TaskCompleted
	stored.Tasks["approve"].CompletedAt = &now
	if err := env.store.UpdateInstance(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := env.sched.RunJob(ctx, JobProcessUserInputRequired); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if got := env.status(t, inst.ID); got != process.StatusRunning || env.bus.count() != 1 {
		t.Fatalf("expected resumed instance, got %s with %d dispatches", got, env.bus.count())
	}
}

func TestProcessFutureTasksFiresDue(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	env.model(t, &process.ProcessModel{
		ID:    "timer",
		Tasks: map[string]*process.Task{"wait": {Type: process.TaskTypeTimer}},
	})
	inst := env.instance(t, "timer", process.StatusNotStarted)
	if _, err := env.engine.RunInstance(ctx, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := env.status(t, inst.ID); got != process.StatusWaiting {
		t.Fatalf("expected waiting on timer, got %s", got)
	}
	if err := env.sched.RunJob(ctx, JobProcessFutureTasks); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if got := env.status(t, inst.ID); got != process.StatusComplete {
		t.Fatalf("expected complete after timer fired, got %s", got)
	}
}

func TestFutureTasksInLookaheadAreArmed(t *testing.T) {
	cfg := config.DefaultScheduler()
	cfg.FutureTaskExecutionIntervalSeconds = 3600
	env := newEnv(t, cfg)
	ctx := context.Background()
	env.model(t, &process.ProcessModel{
		ID:    "timer",
		Tasks: map[string]*process.Task{"wait": {Type: process.TaskTypeTimer, DelaySeconds: 1}},
	})
	inst := env.instance(t, "timer", process.StatusNotStarted)
	if _, err := env.engine.RunInstance(ctx, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := env.sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer env.sched.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.status(t, inst.ID) == process.StatusComplete {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("armed timer did not fire, status %s", env.status(t, inst.ID))
}

func TestRemoveStaleLocks(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	env.lockClock.Set(now.Add(-time.Hour))
	if ok, _ := env.locks.Acquire(ctx, "stale", "crashed"); !ok {
		t.Fatalf("acquire stale")
	}
	env.lockClock.Set(now.Add(-time.Minute))
	if ok, _ := env.locks.Acquire(ctx, "fresh", "alive"); !ok {
		t.Fatalf("acquire fresh")
	}
	env.lockClock.Set(now)

	if err := env.sched.RunJob(ctx, JobRemoveStaleLocks); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if _, err := env.locks.Get(ctx, "stale"); !errors.Is(err, locks.ErrNotLocked) {
		t.Fatalf("expected stale lock removed, got %v", err)
	}
	if _, err := env.locks.Get(ctx, "fresh"); err != nil {
		t.Fatalf("expected fresh lock kept, got %v", err)
	}
}

func TestJobLeaseKeepsJobsSingleton(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	env.model(t, serviceModel())
	env.instance(t, "svc", process.StatusWaiting)

	ok, err := env.locks.TryAcquire(ctx, jobLeasePrefix+JobProcessWaiting, "other-process", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lease: ok=%v err=%v", ok, err)
	}
	if err := env.sched.RunJob(ctx, JobProcessWaiting); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if env.bus.count() != 0 {
		t.Fatalf("job ran while another process held the lease")
	}
	if err := env.sched.RunJob(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected unknown job error, got %v", err)
	}
}

func TestHandleTaskResultRetriesWhenLocked(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	env.model(t, serviceModel())
	inst := env.instance(t, "svc", process.StatusNotStarted)
	if _, err := env.engine.RunInstance(ctx, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	res := &protocol.TaskResult{DispatchID: process.DispatchID(inst.ID, "call", 1), Attempt: 1, Status: protocol.TaskStatusSucceeded}

	if ok, _ := env.locks.Acquire(ctx, inst.ID, "other-scheduler"); !ok {
		t.Fatalf("acquire")
	}
	err := env.sched.HandleTaskResult(ctx, res)
	delay, retry := bus.RetryDelay(err)
	if !retry || delay != 500*time.Millisecond {
		t.Fatalf("expected retry after 500ms, got %v (%v)", delay, err)
	}
	if err := env.locks.Release(ctx, inst.ID, "other-scheduler"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := env.sched.HandleTaskResult(ctx, res); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.status(t, inst.ID); got != process.StatusComplete {
		t.Fatalf("expected complete, got %s", got)
	}
	if err := env.sched.HandleTaskResult(ctx, &protocol.TaskResult{DispatchID: "garbage"}); err != nil {
		t.Fatalf("malformed dispatch id should be dropped, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	if env.sched.Running() {
		t.Fatalf("expected not running before start")
	}
	if err := env.sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !env.sched.Running() {
		t.Fatalf("expected running")
	}
	if err := env.sched.Start(ctx); err == nil {
		t.Fatalf("expected error starting twice")
	}
	env.sched.Stop()
	env.sched.Stop()
	if env.sched.Running() {
		t.Fatalf("expected stopped")
	}
	if len(env.sched.Jobs()) != 5 {
		t.Fatalf("expected five jobs, got %d", len(env.sched.Jobs()))
	}
}

func TestStartRequiresDependencies(t *testing.T) {
	s := New(nil, nil, nil, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error without dependencies")
	}
}
