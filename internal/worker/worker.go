// Package worker runs service-task handlers against the bus. It backs the
// reference echo worker and is the shape real workers follow.
package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cordum/procflow/internal/infra/bus"
	"github.com/cordum/procflow/internal/infra/logging"
	"github.com/cordum/procflow/internal/protocol"
)

// HandlerFunc executes one task request and returns its output.
type HandlerFunc func(ctx context.Context, req *protocol.TaskRequest) (any, error)

// Bus is the subset of the bus a worker needs.
type Bus interface {
	Publish(subject string, packet *protocol.Packet) error
	Subscribe(subject, queue string, handler bus.Handler) error
}

// Config describes which requests a worker accepts.
type Config struct {
	WorkerID    string
	QueueGroup  string
	TopicPrefix string // empty accepts every topic
}

// Worker consumes task requests and publishes results.
type Worker struct {
	cfg     Config
	bus     Bus
	handler HandlerFunc
}

// New builds a worker. Start subscribes it.
func New(cfg Config, b Bus, h HandlerFunc) (*Worker, error) {
	if b == nil || h == nil {
		return nil, errors.New("worker requires bus and handler")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "procflow-worker"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "procflow-workers"
	}
	return &Worker{cfg: cfg, bus: b, handler: h}, nil
}

// Start subscribes to task submissions.
func (w *Worker) Start(ctx context.Context) error {
	return w.bus.Subscribe(protocol.SubjectTaskSubmit, w.cfg.QueueGroup, func(p *protocol.Packet) error {
		if p == nil || p.TaskRequest == nil {
			return nil
		}
		return w.Handle(ctx, p.TaskRequest)
	})
}

// Handle runs one request and publishes the result. Requests for other topics are ignored.
func (w *Worker) Handle(ctx context.Context, req *protocol.TaskRequest) error {
	if req == nil || !strings.HasPrefix(req.Topic, w.cfg.TopicPrefix) {
		return nil
	}
	if req.DeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(req.DeadlineMs))
		defer cancel()
	}
	start := time.Now()
	out, err := w.handler(ctx, req)
	res := &protocol.TaskResult{
		DispatchID:  req.DispatchID,
		Attempt:     req.Attempt,
		Status:      protocol.TaskStatusSucceeded,
		Output:      out,
		WorkerID:    w.cfg.WorkerID,
		ExecutionMs: time.Since(start).Milliseconds(),
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = protocol.TaskStatusTimeout
		res.ErrorMessage = err.Error()
	case err != nil:
		res.Status = protocol.TaskStatusFailed
		res.ErrorMessage = err.Error()
	}
	logging.Info("worker", "task handled", "dispatch_id", req.DispatchID, "topic", req.Topic,
		"attempt", req.Attempt, "status", string(res.Status))

	packet := protocol.NewPacket(req.InstanceID, w.cfg.WorkerID)
	packet.TaskResult = res
	return w.bus.Publish(protocol.SubjectTaskResult, packet)
}

// Echo returns the request input along with who processed it.
func Echo(workerID string) HandlerFunc {
	return func(_ context.Context, req *protocol.TaskRequest) (any, error) {
		return map[string]any{
			"echo":             req.Input,
			"task_id":          req.TaskID,
			"processed_by":     workerID,
			"completed_at_utc": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}
