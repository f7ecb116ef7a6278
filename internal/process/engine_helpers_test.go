package process

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/procflow/internal/protocol"
)

type pubMsg struct {
	subject string
	packet  *protocol.Packet
}

type stubBus struct {
	mu        sync.Mutex
	published []pubMsg
	err       error
}

func (b *stubBus) Publish(subject string, packet *protocol.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, pubMsg{subject: subject, packet: packet})
	return nil
}

func (b *stubBus) requests() []*protocol.TaskRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*protocol.TaskRequest
	for _, msg := range b.published {
		if msg.subject == protocol.SubjectTaskSubmit && msg.packet.TaskRequest != nil {
			out = append(out, msg.packet.TaskRequest)
		}
	}
	return out
}

func (b *stubBus) events() []*protocol.ProcessEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*protocol.ProcessEvent
	for _, msg := range b.published {
		if msg.subject == protocol.SubjectProcessEvent && msg.packet.ProcessEvent != nil {
			out = append(out, msg.packet.ProcessEvent)
		}
	}
	return out
}

func newProcessStore(t *testing.T) *RedisStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("process store init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func saveModel(t *testing.T, store *RedisStore, m *ProcessModel) {
	t.Helper()
	if err := store.SaveModel(context.Background(), m); err != nil {
		t.Fatalf("save model: %v", err)
	}
}

func startInstance(t *testing.T, engine *Engine, modelID string, data map[string]any) *ProcessInstance {
	t.Helper()
	ctx := context.Background()
	inst, err := engine.CreateInstance(ctx, modelID, data, "tester")
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	inst, err = engine.RunInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("run instance: %v", err)
	}
	return inst
}
