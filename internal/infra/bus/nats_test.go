package bus

import (
	"errors"
	"testing"

	"github.com/cordum/procflow/internal/protocol"
)

func TestJetStreamEnabled(t *testing.T) {
	t.Setenv(envUseJetStream, "")
	if jetStreamEnabled() {
		t.Fatalf("expected jetstream disabled by default")
	}
	for _, val := range []string{"1", "true", "yes", "y", "on"} {
		t.Setenv(envUseJetStream, val)
		if !jetStreamEnabled() {
			t.Fatalf("expected jetstream enabled for %s", val)
		}
	}
	t.Setenv(envUseJetStream, "no")
	if jetStreamEnabled() {
		t.Fatalf("expected jetstream disabled for no")
	}
}

func TestIsDurableSubject(t *testing.T) {
	cases := map[string]bool{
		protocol.SubjectTaskSubmit:   true,
		protocol.SubjectTaskResult:   true,
		protocol.SubjectProcessEvent: false,
		"task.invoice.render":        true,
		"sys.ping":                   false,
	}
	for subject, expect := range cases {
		if got := isDurableSubject(subject); got != expect {
			t.Fatalf("subject %s expected durable=%v got=%v", subject, expect, got)
		}
	}
}

func TestDurableName(t *testing.T) {
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	if got := durableName("task.render.*", "q.1"); got != "dur_q_1__task_render_STAR" {
		t.Fatalf("unexpected durable name: %s", got)
	}
	if got := durableName("sys.>", ""); got != "dur_sys_GT" {
		t.Fatalf("unexpected durable name: %s", got)
	}
}

func TestComputeMsgID(t *testing.T) {
	packet := &protocol.Packet{TaskRequest: &protocol.TaskRequest{DispatchID: "inst-1:render", Attempt: 2}}
	if got := computeMsgID(protocol.SubjectTaskSubmit, packet); got != "taskreq:inst-1:render#2" {
		t.Fatalf("unexpected request msg id: %s", got)
	}

	packet = &protocol.Packet{TaskRequest: &protocol.TaskRequest{
		DispatchID: "inst-1:render",
		Labels:     map[string]string{LabelBusMsgID: "override"},
	}}
	if got := computeMsgID("task.render", packet); got != "taskreq:task.render:override" {
		t.Fatalf("unexpected override msg id: %s", got)
	}

	packet = &protocol.Packet{TaskResult: &protocol.TaskResult{DispatchID: "inst-1:render", Attempt: 1}}
	if got := computeMsgID(protocol.SubjectTaskResult, packet); got != "sys.task.result:inst-1:render#1" {
		t.Fatalf("unexpected result msg id: %s", got)
	}

	if computeMsgID("x", &protocol.Packet{}) != "" || computeMsgID("x", nil) != "" {
		t.Fatalf("expected empty msg id")
	}
}

func TestComputeMsgIDResultsPerAttempt(t *testing.T) {
	failed := &protocol.Packet{TaskResult: &protocol.TaskResult{DispatchID: "inst:charge", Attempt: 1, Status: protocol.TaskStatusFailed}}
	succeeded := &protocol.Packet{TaskResult: &protocol.TaskResult{DispatchID: "inst:charge", Attempt: 2, Status: protocol.TaskStatusSucceeded}}
	first := computeMsgID(protocol.SubjectTaskResult, failed)
	second := computeMsgID(protocol.SubjectTaskResult, succeeded)
	if first == "" || first == second {
		t.Fatalf("expected distinct msg ids per attempt, got %q and %q", first, second)
	}
}

func TestDecode(t *testing.T) {
	packet, err := decode([]byte(`{"sender_id":"w","task_result":{"dispatch_id":"i:t","status":"succeeded"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if packet.TaskResult == nil || packet.TaskResult.Status != protocol.TaskStatusSucceeded {
		t.Fatalf("unexpected packet: %+v", packet)
	}
	if _, err := decode([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNilBusErrors(t *testing.T) {
	var b *NatsBus
	if err := b.Publish("x", &protocol.Packet{}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected errNilBus, got %v", err)
	}
	if err := b.Subscribe("x", "", func(*protocol.Packet) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected errNilBus, got %v", err)
	}
	if b.IsConnected() {
		t.Fatalf("expected disconnected")
	}
	if b.Status() != "UNKNOWN" {
		t.Fatalf("unexpected status")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close nil bus: %v", err)
	}
}
