package process

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestModelSaveGetListDelete(t *testing.T) {
	store := newProcessStore(t)
	ctx := context.Background()

	m := &ProcessModel{
		ID:          "m-1",
		DisplayName: "Sample",
		Tasks:       map[string]*Task{"start": {Type: TaskTypeService, Topic: "task.echo"}},
	}
	if err := store.SaveModel(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetModel(ctx, "m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "Sample" || got.Tasks["start"].ID != "start" || got.CreatedAt.IsZero() {
		t.Fatalf("mismatch: %+v", got)
	}
	list, err := store.ListModels(ctx, 10)
	if err != nil || len(list) != 1 || list[0].ID != "m-1" {
		t.Fatalf("unexpected list: %+v err=%v", list, err)
	}
	if err := store.SaveModel(ctx, &ProcessModel{ID: "bad"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid model rejected, got %v", err)
	}

	if err := store.DeleteModel(ctx, "m-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetModel(ctx, "m-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteModel(ctx, "m-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
}

func TestInstanceCRUDAndStatusIndex(t *testing.T) {
	store := newProcessStore(t)
	ctx := context.Background()

	inst := &ProcessInstance{
		ID:      "i-1",
		ModelID: "m-1",
		Data:    map[string]any{"foo": "bar"},
		Tasks:   map[string]*TaskRun{},
	}
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetInstance(ctx, "i-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusNotStarted || got.Data["foo"] != "bar" {
		t.Fatalf("unexpected instance: %+v", got)
	}

	inst.Status = StatusWaiting
	if err := store.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("update: %v", err)
	}
	ids, err := store.ListInstanceIDsByStatus(ctx, StatusWaiting, 10)
	if err != nil || len(ids) != 1 || ids[0] != "i-1" {
		t.Fatalf("expected i-1 waiting, got %v err=%v", ids, err)
	}
	ids, _ = store.ListInstanceIDsByStatus(ctx, StatusNotStarted, 10)
	if len(ids) != 0 {
		t.Fatalf("expected instance removed from previous status index, got %v", ids)
	}

	list, err := store.ListInstancesByModel(ctx, "m-1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list by model: %v err=%v", list, err)
	}

	if err := store.DeleteInstance(ctx, "i-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetInstance(ctx, "i-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	ids, _ = store.ListInstanceIDsByStatus(ctx, StatusWaiting, 10)
	if len(ids) != 0 {
		t.Fatalf("expected status index cleaned up, got %v", ids)
	}
	if err := store.CreateInstance(ctx, &ProcessInstance{ID: "x"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid without model id, got %v", err)
	}
}

func TestDueFutureTasksUseSubSecondRunAt(t *testing.T) {
	store := newProcessStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	ft := &FutureTask{GUID: "g-ms", InstanceID: "i-1", TaskID: "t", RunAt: base.Add(700 * time.Millisecond)}
	if err := store.AddFutureTask(ctx, ft); err != nil {
		t.Fatalf("add: %v", err)
	}
	due, err := store.ListDueFutureTasks(ctx, base.Add(200*time.Millisecond), 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("timer fired early: %+v err=%v", due, err)
	}
	due, err = store.ListDueFutureTasks(ctx, base.Add(700*time.Millisecond), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected timer due at its run time, got %+v err=%v", due, err)
	}
}

func TestFutureTasks(t *testing.T) {
	store := newProcessStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	soon := &FutureTask{GUID: "g-1", InstanceID: "i-1", TaskID: "t", RunAt: now.Add(10 * time.Second)}
	later := &FutureTask{GUID: "g-2", InstanceID: "i-1", TaskID: "t2", RunAt: now.Add(time.Hour)}
	for _, ft := range []*FutureTask{later, soon} {
		if err := store.AddFutureTask(ctx, ft); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	due, err := store.ListDueFutureTasks(ctx, now.Add(time.Minute), 10)
	if err != nil || len(due) != 1 || due[0].GUID != "g-1" {
		t.Fatalf("expected only g-1 due, got %+v err=%v", due, err)
	}
	due, _ = store.ListDueFutureTasks(ctx, now.Add(2*time.Hour), 10)
	if len(due) != 2 || due[0].GUID != "g-1" {
		t.Fatalf("expected both due soonest first, got %+v", due)
	}

	ok, err := store.CompleteFutureTask(ctx, "g-1")
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	ok, err = store.CompleteFutureTask(ctx, "g-1")
	if err != nil || ok {
		t.Fatalf("second complete should report false: ok=%v err=%v", ok, err)
	}
	due, _ = store.ListDueFutureTasks(ctx, now.Add(2*time.Hour), 10)
	if len(due) != 1 || due[0].GUID != "g-2" {
		t.Fatalf("expected completed task excluded, got %+v", due)
	}
	if _, err := store.CompleteFutureTask(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTimelineEvents(t *testing.T) {
	store := newProcessStore(t)
	ctx := context.Background()
	for _, kind := range []string{"instance_created", "instance_started", "task_completed"} {
		if err := store.AppendTimelineEvent(ctx, "i-1", &TimelineEvent{Kind: kind}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := store.ListTimelineEvents(ctx, "i-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Kind != "instance_created" || events[1].Kind != "instance_started" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].Time.IsZero() {
		t.Fatalf("expected timestamp filled")
	}
}
