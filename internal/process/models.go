package process

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a model, instance or future task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an operation does not apply to the current state.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned for malformed models or input.
	ErrInvalid = errors.New("invalid")
)

// TaskType identifies how a task is executed.
type TaskType string

const (
	// TaskTypeService is dispatched to a worker over the bus.
	TaskTypeService TaskType = "service"
	// TaskTypeScript evaluates an expression inline.
	TaskTypeScript TaskType = "script"
	// TaskTypeUser waits for a person to submit data.
	TaskTypeUser TaskType = "user"
	// TaskTypeManual waits for a person to acknowledge.
	TaskTypeManual TaskType = "manual"
	// TaskTypeTimer waits until a future time.
	TaskTypeTimer TaskType = "timer"
)

// InstanceStatus is the lifecycle of a process instance.
type InstanceStatus string

const (
	StatusNotStarted        InstanceStatus = "not_started"
	StatusRunning           InstanceStatus = "running"
	StatusWaiting           InstanceStatus = "waiting"
	StatusUserInputRequired InstanceStatus = "user_input_required"
	StatusSuspended         InstanceStatus = "suspended"
	StatusComplete          InstanceStatus = "complete"
	StatusError             InstanceStatus = "error"
	StatusTerminated        InstanceStatus = "terminated"
)

// Terminal reports whether no further work will happen for the status.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusTerminated:
		return true
	}
	return false
}

// TaskState is the lifecycle of one task within an instance.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskWaiting   TaskState = "waiting"
	TaskCompleted TaskState = "completed"
	TaskError     TaskState = "error"
	TaskCancelled TaskState = "cancelled"
)

// Done reports whether the task state is final.
func (s TaskState) Done() bool {
	switch s {
	case TaskCompleted, TaskError, TaskCancelled:
		return true
	}
	return false
}

// RetryConfig configures retry behavior for service tasks.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries,omitempty"`
	InitialBackoffSec int     `json:"initial_backoff_sec,omitempty"`
	MaxBackoffSec     int     `json:"max_backoff_sec,omitempty"`
	Multiplier        float64 `json:"multiplier,omitempty"`
}

// ProcessModel is a persisted process definition: a DAG of tasks.
type ProcessModel struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"display_name"`
	Description string           `json:"description,omitempty"`
	Tasks       map[string]*Task `json:"tasks"`
	InputSchema map[string]any   `json:"input_schema,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Task is a node in the process graph.
type Task struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Type         TaskType          `json:"type"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Condition    string            `json:"condition,omitempty"`   // skip when false
	Topic        string            `json:"topic,omitempty"`       // service
	Script       string            `json:"script,omitempty"`      // script
	OutputPath   string            `json:"output_path,omitempty"` // data path for results
	DelaySeconds int64             `json:"delay_seconds,omitempty"`
	Retry        *RetryConfig      `json:"retry,omitempty"`
	TimeoutSec   int64             `json:"timeout_sec,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// ProcessInstance is one execution of a model.
type ProcessInstance struct {
	ID           string              `json:"id"`
	ModelID      string              `json:"model_id"`
	Status       InstanceStatus      `json:"status"`
	Data         map[string]any      `json:"data"`
	Tasks        map[string]*TaskRun `json:"tasks"`
	ErrorMessage string              `json:"error_message,omitempty"`
	StartedBy    string              `json:"started_by,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Labels       map[string]string   `json:"labels,omitempty"`
}

// TaskRun tracks a task's progress within an instance.
type TaskRun struct {
	TaskID        string     `json:"task_id"`
	State         TaskState  `json:"state"`
	Attempts      int        `json:"attempts,omitempty"`
	DispatchID    string     `json:"dispatch_id,omitempty"`
	Output        any        `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// FutureTask is a timer registered by a waiting timer task.
type FutureTask struct {
	GUID       string    `json:"guid"`
	InstanceID string    `json:"instance_id"`
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	Completed  bool      `json:"completed"`
	CreatedAt  time.Time `json:"created_at"`
}

// TimelineEvent is an append-only record of what happened to an instance.
type TimelineEvent struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Validate checks that the model is a well-formed acyclic task graph.
func (m *ProcessModel) Validate() error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: model id required", ErrInvalid)
	}
	if len(m.Tasks) == 0 {
		return fmt.Errorf("%w: model %s has no tasks", ErrInvalid, m.ID)
	}
	for id, task := range m.Tasks {
		if task == nil {
			return fmt.Errorf("%w: task %s is empty", ErrInvalid, id)
		}
		if task.ID == "" {
			task.ID = id
		}
		if task.ID != id {
			return fmt.Errorf("%w: task key %s does not match id %s", ErrInvalid, id, task.ID)
		}
		switch task.Type {
		case TaskTypeService:
			if task.Topic == "" {
				return fmt.Errorf("%w: service task %s needs a topic", ErrInvalid, id)
			}
		case TaskTypeScript:
			if task.Script == "" {
				return fmt.Errorf("%w: script task %s needs a script", ErrInvalid, id)
			}
		case TaskTypeTimer:
			if task.DelaySeconds < 0 {
				return fmt.Errorf("%w: timer task %s has negative delay", ErrInvalid, id)
			}
		case TaskTypeUser, TaskTypeManual:
		default:
			return fmt.Errorf("%w: task %s has unknown type %q", ErrInvalid, id, task.Type)
		}
		for _, dep := range task.DependsOn {
			if _, ok := m.Tasks[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalid, id, dep)
			}
		}
	}
	if _, err := m.Order(); err != nil {
		return err
	}
	return nil
}

// Order returns task IDs in dependency order, ties broken by ID.
func (m *ProcessModel) Order() ([]string, error) {
	indegree := make(map[string]int, len(m.Tasks))
	dependents := make(map[string][]string, len(m.Tasks))
	for id, task := range m.Tasks {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range task.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	ready := make([]string, 0, len(indegree))
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(out) != len(indegree) {
		return nil, fmt.Errorf("%w: model %s has a dependency cycle", ErrInvalid, m.ID)
	}
	return out, nil
}
