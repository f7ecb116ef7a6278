// Package protocol defines the JSON packets exchanged between procflow and
// task workers over the message bus.
package protocol

import "time"

const (
	SubjectTaskSubmit   = "sys.task.submit"
	SubjectTaskResult   = "sys.task.result"
	SubjectProcessEvent = "sys.process.event"

	// Version is the packet wire version.
	Version = 1
)

// TaskStatus is the terminal outcome reported by a worker.
type TaskStatus string

const (
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// Packet is the bus envelope. Exactly one payload field is set.
type Packet struct {
	TraceID         string        `json:"trace_id,omitempty"`
	SenderID        string        `json:"sender_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ProtocolVersion int           `json:"protocol_version"`
	TaskRequest     *TaskRequest  `json:"task_request,omitempty"`
	TaskResult      *TaskResult   `json:"task_result,omitempty"`
	ProcessEvent    *ProcessEvent `json:"process_event,omitempty"`
}

// TaskRequest asks a worker to execute a service task.
type TaskRequest struct {
	DispatchID string            `json:"dispatch_id"`
	Topic      string            `json:"topic"`
	InstanceID string            `json:"instance_id"`
	ModelID    string            `json:"model_id"`
	TaskID     string            `json:"task_id"`
	Attempt    int               `json:"attempt"`
	Input      map[string]any    `json:"input,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	DeadlineMs int64             `json:"deadline_ms,omitempty"`
}

// TaskResult reports the outcome of a dispatched task.
type TaskResult struct {
	DispatchID   string     `json:"dispatch_id"`
	Attempt      int        `json:"attempt,omitempty"`
	Status       TaskStatus `json:"status"`
	Output       any        `json:"output,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`
	ExecutionMs  int64      `json:"execution_ms,omitempty"`
}

// ProcessEvent announces a process instance status change.
type ProcessEvent struct {
	InstanceID string `json:"instance_id"`
	ModelID    string `json:"model_id"`
	Status     string `json:"status"`
	Previous   string `json:"previous,omitempty"`
}

// NewPacket wraps a payload in an envelope stamped with sender and time.
func NewPacket(traceID, sender string) *Packet {
	return &Packet{
		TraceID:         traceID,
		SenderID:        sender,
		CreatedAt:       time.Now().UTC(),
		ProtocolVersion: Version,
	}
}
