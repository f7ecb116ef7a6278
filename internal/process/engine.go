package process

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/procflow/internal/infra/logging"
	"github.com/cordum/procflow/internal/infra/schema"
	"github.com/cordum/procflow/internal/protocol"
	"github.com/google/uuid"
)

const (
	engineComponent = "process-engine"
	publishRetry    = time.Second
)

// Publisher sends packets on the bus.
type Publisher interface {
	Publish(subject string, packet *protocol.Packet) error
}

// Engine advances process instances, dispatching service tasks and applying results.
type Engine struct {
	store  *RedisStore
	bus    Publisher
	sender string
	now    func() time.Time
	locks  instanceLocks
	// optional callbacks for observability or hooks
	OnTaskDispatched func(instanceID, taskID, dispatchID string)
	OnStatusChanged  func(inst *ProcessInstance, previous InstanceStatus)
}

// NewEngine creates a process engine bound to a Redis store and bus. bus may be nil,
// in which case service tasks cannot be dispatched.
func NewEngine(store *RedisStore, bus Publisher) *Engine {
	return &Engine{store: store, bus: bus, sender: "procflow", now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the engine clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// WithSender sets the sender id stamped on published packets.
func (e *Engine) WithSender(id string) *Engine {
	if id != "" {
		e.sender = id
	}
	return e
}

// Store returns the backing store.
func (e *Engine) Store() *RedisStore {
	return e.store
}

// CreateInstance validates input against the model schema and persists a not_started instance.
func (e *Engine) CreateInstance(ctx context.Context, modelID string, data map[string]any, startedBy string) (*ProcessInstance, error) {
	model, err := e.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := schema.Validate("model:"+model.ID, model.InputSchema, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	now := e.now()
	inst := &ProcessInstance{
		ID:        uuid.NewString(),
		ModelID:   model.ID,
		Status:    StatusNotStarted,
		Data:      data,
		Tasks:     make(map[string]*TaskRun, len(model.Tasks)),
		StartedBy: startedBy,
		CreatedAt: now,
	}
	for id := range model.Tasks {
		inst.Tasks[id] = &TaskRun{TaskID: id, State: TaskPending}
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	e.timeline(ctx, inst.ID, TimelineEvent{Kind: "instance_created", Status: string(inst.Status)})
	return inst, nil
}

// RunInstance advances every ready task of an instance. Terminal and suspended
// instances are returned unchanged.
func (e *Engine) RunInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	defer e.locks.lock(id)()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() || inst.Status == StatusSuspended {
		return inst, nil
	}
	prev := inst.Status
	model, err := e.store.GetModel(ctx, inst.ModelID)
	if errors.Is(err, ErrNotFound) {
		now := e.now()
		inst.Status = StatusError
		inst.ErrorMessage = "process model " + inst.ModelID + " not found"
		inst.CompletedAt = &now
		return inst, e.save(ctx, inst, prev)
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}

	now := e.now()
	if inst.StartedAt == nil {
		inst.StartedAt = &now
		e.timeline(ctx, inst.ID, TimelineEvent{Kind: "instance_started"})
	}
	e.expireTimedOut(ctx, model, inst, now)
	e.advance(ctx, model, inst)
	updateInstanceStatus(inst, model, e.now())
	return inst, e.save(ctx, inst, prev)
}

// HandleTaskResult applies a worker result and advances the instance. Results for
// terminal instances or tasks that are no longer running are ignored.
func (e *Engine) HandleTaskResult(ctx context.Context, res *protocol.TaskResult) error {
	if res == nil || res.DispatchID == "" {
		return nil
	}
	instanceID, taskID := SplitDispatchID(res.DispatchID)
	if instanceID == "" || taskID == "" {
		return nil
	}

	defer e.locks.lock(instanceID)()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if errors.Is(err, ErrNotFound) {
		logging.Info(engineComponent, "result for unknown instance", "instance_id", instanceID, "task_id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if inst.Status.Terminal() {
		return nil
	}
	tr := inst.Tasks[taskID]
	if tr == nil || tr.State != TaskRunning || tr.DispatchID != res.DispatchID {
		logging.Debug(engineComponent, "ignoring stale result", "instance_id", instanceID, "task_id", taskID)
		return nil
	}
	model, err := e.store.GetModel(ctx, inst.ModelID)
	if err != nil {
		return fmt.Errorf("get model: %w", err)
	}
	prev := inst.Status
	task := model.Tasks[taskID]
	now := e.now()

	retry, delay := applyResult(tr, res, task, now)
	switch {
	case retry:
		e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_retry_scheduled", TaskID: taskID, Message: fmt.Sprintf("%s (retry in %s)", res.ErrorMessage, delay)})
	case tr.State == TaskCompleted:
		if task != nil && task.OutputPath != "" {
			setPath(inst.Data, task.OutputPath, res.Output)
		}
		e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_completed", TaskID: taskID, Status: string(tr.State)})
	default:
		e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_failed", TaskID: taskID, Status: string(tr.State), Message: tr.Error})
	}

	updateInstanceStatus(inst, model, now)
	if inst.Status != StatusSuspended && !inst.Status.Terminal() {
		e.advance(ctx, model, inst)
		updateInstanceStatus(inst, model, e.now())
	}
	return e.save(ctx, inst, prev)
}

// CompleteUserTask completes a waiting user or manual task with submitted data.
func (e *Engine) CompleteUserTask(ctx context.Context, id, taskID string, data map[string]any) (*ProcessInstance, error) {
	defer e.locks.lock(id)()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: instance %s is %s", ErrConflict, id, inst.Status)
	}
	model, err := e.store.GetModel(ctx, inst.ModelID)
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	task := model.Tasks[taskID]
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	tr := inst.Tasks[taskID]
	if task.Type != TaskTypeUser && task.Type != TaskTypeManual {
		return nil, fmt.Errorf("%w: task %s is a %s task", ErrConflict, taskID, task.Type)
	}
	if tr == nil || tr.State != TaskWaiting {
		return nil, fmt.Errorf("%w: task %s is not waiting for input", ErrConflict, taskID)
	}

	prev := inst.Status
	now := e.now()
	tr.State = TaskCompleted
	tr.CompletedAt = &now
	if len(data) > 0 {
		tr.Output = data
		if task.OutputPath != "" {
			setPath(inst.Data, task.OutputPath, data)
		} else {
			for k, v := range data {
				inst.Data[k] = v
			}
		}
	}
	e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_completed", TaskID: taskID, Status: string(tr.State), Message: "completed by user"})

	updateInstanceStatus(inst, model, now)
	if inst.Status != StatusSuspended && !inst.Status.Terminal() {
		e.advance(ctx, model, inst)
		updateInstanceStatus(inst, model, e.now())
	}
	return inst, e.save(ctx, inst, prev)
}

// Suspend pauses an instance; in-flight results are still recorded.
func (e *Engine) Suspend(ctx context.Context, id string) (*ProcessInstance, error) {
	defer e.locks.lock(id)()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: instance %s is %s", ErrConflict, id, inst.Status)
	}
	if inst.Status == StatusSuspended {
		return inst, nil
	}
	prev := inst.Status
	inst.Status = StatusSuspended
	return inst, e.save(ctx, inst, prev)
}

// Resume continues a suspended instance.
func (e *Engine) Resume(ctx context.Context, id string) (*ProcessInstance, error) {
	defer e.locks.lock(id)()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusSuspended {
		return nil, fmt.Errorf("%w: instance %s is not suspended", ErrConflict, id)
	}
	model, err := e.store.GetModel(ctx, inst.ModelID)
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	prev := inst.Status
	inst.Status = StatusRunning
	updateInstanceStatus(inst, model, e.now())
	if !inst.Status.Terminal() {
		e.advance(ctx, model, inst)
		updateInstanceStatus(inst, model, e.now())
	}
	return inst, e.save(ctx, inst, prev)
}

// Terminate stops an instance and cancels every unfinished task.
func (e *Engine) Terminate(ctx context.Context, id string) (*ProcessInstance, error) {
	defer e.locks.lock(id)()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: instance %s is %s", ErrConflict, id, inst.Status)
	}
	prev := inst.Status
	now := e.now()
	for _, tr := range inst.Tasks {
		if tr == nil || tr.State.Done() {
			continue
		}
		tr.State = TaskCancelled
		tr.CompletedAt = &now
		tr.NextAttemptAt = nil
	}
	inst.Status = StatusTerminated
	inst.CompletedAt = &now
	return inst, e.save(ctx, inst, prev)
}

// FireFutureTask completes the timer task behind ft and advances its instance.
// It reports whether the timer resumed anything; timers already completed, or for
// instances that can no longer progress, are only marked completed.
func (e *Engine) FireFutureTask(ctx context.Context, ft *FutureTask) (bool, error) {
	if ft == nil || ft.GUID == "" {
		return false, fmt.Errorf("%w: future task required", ErrInvalid)
	}
	current, err := e.store.GetFutureTask(ctx, ft.GUID)
	if err != nil {
		return false, err
	}
	defer e.locks.lock(current.InstanceID)()

	// re-read under the instance lock; a concurrent fire may have won
	current, err = e.store.GetFutureTask(ctx, ft.GUID)
	if err != nil {
		return false, err
	}
	if current.Completed {
		return false, nil
	}
	fired, err := e.fireLocked(ctx, current)
	if err != nil {
		return false, err
	}
	if _, err := e.store.CompleteFutureTask(ctx, ft.GUID); err != nil {
		return fired, fmt.Errorf("complete future task: %w", err)
	}
	return fired, nil
}

func (e *Engine) fireLocked(ctx context.Context, ft *FutureTask) (bool, error) {
	inst, err := e.store.GetInstance(ctx, ft.InstanceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if inst.Status.Terminal() {
		return false, nil
	}
	tr := inst.Tasks[ft.TaskID]
	if tr == nil || tr.State != TaskWaiting {
		return false, nil
	}
	model, err := e.store.GetModel(ctx, inst.ModelID)
	if err != nil {
		return false, fmt.Errorf("get model: %w", err)
	}
	prev := inst.Status
	now := e.now()
	tr.State = TaskCompleted
	tr.CompletedAt = &now
	e.timeline(ctx, inst.ID, TimelineEvent{Kind: "timer_fired", TaskID: ft.TaskID})

	updateInstanceStatus(inst, model, now)
	if inst.Status != StatusSuspended && !inst.Status.Terminal() {
		e.advance(ctx, model, inst)
		updateInstanceStatus(inst, model, e.now())
	}
	return true, e.save(ctx, inst, prev)
}

// advance runs ready tasks until no further progress is possible.
func (e *Engine) advance(ctx context.Context, model *ProcessModel, inst *ProcessInstance) {
	order, err := model.Order()
	if err != nil {
		inst.Status = StatusError
		inst.ErrorMessage = err.Error()
		return
	}
	for progress := true; progress; {
		progress = false
		for _, id := range order {
			task := model.Tasks[id]
			tr := inst.Tasks[id]
			if tr == nil {
				tr = &TaskRun{TaskID: id, State: TaskPending}
				inst.Tasks[id] = tr
			}
			if tr.State != TaskPending || !depsSatisfied(task, inst) {
				continue
			}
			now := e.now()
			if tr.NextAttemptAt != nil && tr.NextAttemptAt.After(now) {
				continue
			}
			if e.runTask(ctx, model, inst, task, tr, now) {
				progress = true
			}
		}
	}
}

// runTask starts a single ready task and reports whether its state changed.
func (e *Engine) runTask(ctx context.Context, model *ProcessModel, inst *ProcessInstance, task *Task, tr *TaskRun, now time.Time) bool {
	if task.Condition != "" {
		ok, err := EvalBool(task.Condition, evalScope(inst))
		if err != nil {
			failTask(tr, "condition: "+err.Error(), now)
			e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_failed", TaskID: task.ID, Status: string(tr.State), Message: tr.Error})
			return true
		}
		if !ok {
			tr.State = TaskCompleted
			tr.CompletedAt = &now
			e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_skipped", TaskID: task.ID, Message: "condition false"})
			return true
		}
	}

	switch task.Type {
	case TaskTypeScript:
		tr.StartedAt = &now
		tr.Attempts++
		val, err := Eval(task.Script, evalScope(inst))
		if err != nil {
			failTask(tr, "script: "+err.Error(), now)
			e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_failed", TaskID: task.ID, Status: string(tr.State), Message: tr.Error})
			return true
		}
		tr.State = TaskCompleted
		tr.CompletedAt = &now
		tr.Output = val
		if task.OutputPath != "" {
			setPath(inst.Data, task.OutputPath, val)
		}
		e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_completed", TaskID: task.ID, Status: string(tr.State)})
		return true

	case TaskTypeService:
		return e.dispatch(ctx, model, inst, task, tr, now)

	case TaskTypeTimer:
		runAt := now.Add(time.Duration(task.DelaySeconds) * time.Second)
		ft := &FutureTask{GUID: uuid.NewString(), InstanceID: inst.ID, TaskID: task.ID, RunAt: runAt, CreatedAt: now}
		if err := e.store.AddFutureTask(ctx, ft); err != nil {
			logging.Error(engineComponent, "register future task", "instance_id", inst.ID, "task_id", task.ID, "error", err)
			return false
		}
		tr.State = TaskWaiting
		tr.StartedAt = &now
		e.timeline(ctx, inst.ID, TimelineEvent{Kind: "timer_registered", TaskID: task.ID, Message: "fires at " + runAt.Format(time.RFC3339)})
		return true

	case TaskTypeUser, TaskTypeManual:
		tr.State = TaskWaiting
		tr.StartedAt = &now
		e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_waiting_for_input", TaskID: task.ID})
		return true
	}
	return false
}

func (e *Engine) dispatch(ctx context.Context, model *ProcessModel, inst *ProcessInstance, task *Task, tr *TaskRun, now time.Time) bool {
	dispatchID := DispatchID(inst.ID, task.ID, tr.Attempts+1)
	req := &protocol.TaskRequest{
		DispatchID: dispatchID,
		Topic:      task.Topic,
		InstanceID: inst.ID,
		ModelID:    model.ID,
		TaskID:     task.ID,
		Attempt:    tr.Attempts + 1,
		Input:      copyData(inst.Data),
		Labels:     task.Labels,
	}
	if task.TimeoutSec > 0 {
		req.DeadlineMs = now.Add(time.Duration(task.TimeoutSec) * time.Second).UnixMilli()
	}
	packet := protocol.NewPacket(inst.ID, e.sender)
	packet.TaskRequest = req

	var err error
	if e.bus == nil {
		err = errors.New("no bus configured")
	} else {
		err = e.bus.Publish(protocol.SubjectTaskSubmit, packet)
	}
	if err != nil {
		// leave pending; the waiting scan retries after the delay
		next := now.Add(publishRetry)
		tr.NextAttemptAt = &next
		tr.Error = "dispatch: " + err.Error()
		logging.Error(engineComponent, "dispatch task", "instance_id", inst.ID, "task_id", task.ID, "error", err)
		return false
	}
	tr.State = TaskRunning
	tr.Attempts++
	tr.DispatchID = dispatchID
	tr.StartedAt = &now
	tr.NextAttemptAt = nil
	tr.Error = ""
	e.timeline(ctx, inst.ID, TimelineEvent{Kind: "task_dispatched", TaskID: task.ID, Message: fmt.Sprintf("attempt %d on %s", tr.Attempts, task.Topic)})
	if e.OnTaskDispatched != nil {
		e.OnTaskDispatched(inst.ID, task.ID, dispatchID)
	}
	return true
}

// expireTimedOut treats running service tasks past their timeout as timed out.
func (e *Engine) expireTimedOut(ctx context.Context, model *ProcessModel, inst *ProcessInstance, now time.Time) {
	for id, tr := range inst.Tasks {
		task := model.Tasks[id]
		if task == nil || tr == nil || tr.State != TaskRunning || task.TimeoutSec <= 0 || tr.StartedAt == nil {
			continue
		}
		if now.Sub(*tr.StartedAt) < time.Duration(task.TimeoutSec)*time.Second {
			continue
		}
		res := &protocol.TaskResult{DispatchID: tr.DispatchID, Status: protocol.TaskStatusTimeout, ErrorMessage: "task timed out"}
		retry, _ := applyResult(tr, res, task, now)
		kind := "task_failed"
		if retry {
			kind = "task_retry_scheduled"
		}
		e.timeline(ctx, inst.ID, TimelineEvent{Kind: kind, TaskID: id, Status: string(tr.State), Message: res.ErrorMessage})
	}
}

func (e *Engine) save(ctx context.Context, inst *ProcessInstance, prev InstanceStatus) error {
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if inst.Status == prev {
		return nil
	}
	e.timeline(ctx, inst.ID, TimelineEvent{Kind: "status_changed", Status: string(inst.Status), Message: "from " + string(prev)})
	e.publishEvent(inst, prev)
	if e.OnStatusChanged != nil {
		e.OnStatusChanged(inst, prev)
	}
	return nil
}

func (e *Engine) publishEvent(inst *ProcessInstance, prev InstanceStatus) {
	if e.bus == nil {
		return
	}
	packet := protocol.NewPacket(inst.ID, e.sender)
	packet.ProcessEvent = &protocol.ProcessEvent{
		InstanceID: inst.ID,
		ModelID:    inst.ModelID,
		Status:     string(inst.Status),
		Previous:   string(prev),
	}
	if err := e.bus.Publish(protocol.SubjectProcessEvent, packet); err != nil {
		logging.Error(engineComponent, "publish process event", "instance_id", inst.ID, "error", err)
	}
}

func (e *Engine) timeline(ctx context.Context, instanceID string, evt TimelineEvent) {
	if evt.Time.IsZero() {
		evt.Time = e.now()
	}
	if err := e.store.AppendTimelineEvent(ctx, instanceID, &evt); err != nil {
		logging.Error(engineComponent, "append timeline", "instance_id", instanceID, "kind", evt.Kind, "error", err)
	}
}

// DispatchID names one attempt of a service task as "instanceID:taskID#attempt".
func DispatchID(instanceID, taskID string, attempt int) string {
	return instanceID + ":" + taskID + "#" + strconv.Itoa(attempt)
}

// SplitDispatchID returns the instance and task of a dispatch id. Instance ids
// never contain ':', so the first ':' ends the instance id; a trailing
// "#attempt" is dropped from the task id.
func SplitDispatchID(dispatchID string) (instanceID, taskID string) {
	idx := strings.Index(dispatchID, ":")
	if idx <= 0 {
		return "", ""
	}
	instanceID, taskID = dispatchID[:idx], dispatchID[idx+1:]
	if hash := strings.LastIndex(taskID, "#"); hash >= 0 {
		if _, err := strconv.Atoi(taskID[hash+1:]); err == nil {
			taskID = taskID[:hash]
		}
	}
	if taskID == "" {
		return "", ""
	}
	return instanceID, taskID
}

func depsSatisfied(task *Task, inst *ProcessInstance) bool {
	for _, dep := range task.DependsOn {
		tr := inst.Tasks[dep]
		if tr == nil || tr.State != TaskCompleted {
			return false
		}
	}
	return true
}

func applyResult(tr *TaskRun, res *protocol.TaskResult, task *Task, now time.Time) (retry bool, delay time.Duration) {
	switch res.Status {
	case protocol.TaskStatusSucceeded:
		tr.State = TaskCompleted
		tr.CompletedAt = &now
		tr.NextAttemptAt = nil
		tr.Output = res.Output
		tr.Error = ""
	case protocol.TaskStatusFailed, protocol.TaskStatusTimeout:
		msg := res.ErrorMessage
		if msg == "" {
			msg = string(res.Status)
		}
		if shouldRetry(task, tr) {
			delay = computeBackoff(task, tr)
			next := now.Add(delay)
			tr.NextAttemptAt = &next
			tr.State = TaskPending
			tr.Error = msg
			return true, delay
		}
		failTask(tr, msg, now)
	case protocol.TaskStatusCancelled:
		tr.State = TaskCancelled
		tr.CompletedAt = &now
		tr.Error = res.ErrorMessage
	default:
		failTask(tr, fmt.Sprintf("unexpected status: %s", res.Status), now)
	}
	return false, 0
}

func failTask(tr *TaskRun, msg string, now time.Time) {
	tr.State = TaskError
	tr.CompletedAt = &now
	tr.NextAttemptAt = nil
	tr.Error = msg
}

func shouldRetry(task *Task, tr *TaskRun) bool {
	if task == nil || task.Retry == nil {
		return false
	}
	max := task.Retry.MaxRetries
	if max <= 0 {
		return false
	}
	return tr.Attempts <= max
}

func computeBackoff(task *Task, tr *TaskRun) time.Duration {
	if task == nil || task.Retry == nil {
		return time.Second
	}
	cfg := task.Retry
	initial := cfg.InitialBackoffSec
	if initial <= 0 {
		initial = 1
	}
	mult := cfg.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := float64(initial) * math.Pow(mult, float64(tr.Attempts-1))
	if cfg.MaxBackoffSec > 0 && delay > float64(cfg.MaxBackoffSec) {
		delay = float64(cfg.MaxBackoffSec)
	}
	return time.Duration(delay) * time.Second
}

// updateInstanceStatus derives the instance status from its tasks. Suspended and
// terminated instances keep their status.
func updateInstanceStatus(inst *ProcessInstance, model *ProcessModel, now time.Time) {
	if inst.Status == StatusSuspended || inst.Status == StatusTerminated {
		return
	}
	if inst.Status == StatusError {
		if inst.CompletedAt == nil {
			inst.CompletedAt = &now
		}
		return
	}
	ids := make([]string, 0, len(model.Tasks))
	for id := range model.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var failed []string
	allDone := true
	userInput, running, waiting := false, false, false
	for _, id := range ids {
		tr := inst.Tasks[id]
		if tr == nil {
			allDone = false
			continue
		}
		switch tr.State {
		case TaskError, TaskCancelled:
			msg := tr.Error
			if msg == "" {
				msg = string(tr.State)
			}
			failed = append(failed, id+": "+msg)
		case TaskCompleted:
		case TaskRunning:
			running = true
			allDone = false
		case TaskWaiting:
			if t := model.Tasks[id]; t.Type == TaskTypeUser || t.Type == TaskTypeManual {
				userInput = true
			} else {
				waiting = true
			}
			allDone = false
		default:
			if tr.NextAttemptAt != nil {
				waiting = true
			}
			allDone = false
		}
	}
	switch {
	case len(failed) > 0:
		inst.Status = StatusError
		inst.ErrorMessage = strings.Join(failed, "; ")
		inst.CompletedAt = &now
	case allDone:
		inst.Status = StatusComplete
		inst.CompletedAt = &now
	case userInput:
		inst.Status = StatusUserInputRequired
	case running:
		inst.Status = StatusRunning
	case waiting:
		inst.Status = StatusWaiting
	default:
		inst.Status = StatusRunning
	}
}

func evalScope(inst *ProcessInstance) map[string]any {
	outputs := make(map[string]any, len(inst.Tasks))
	for id, tr := range inst.Tasks {
		if tr != nil && tr.Output != nil {
			outputs[id] = tr.Output
		}
	}
	return map[string]any{
		"data":     inst.Data,
		"tasks":    outputs,
		"instance": map[string]any{"id": inst.ID, "model_id": inst.ModelID},
	}
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
