package process

import (
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
)

func TestModelValidate(t *testing.T) {
	valid := &ProcessModel{
		ID: "m",
		Tasks: map[string]*Task{
			"a": {Type: TaskTypeScript, Script: "1"},
			"b": {Type: TaskTypeService, Topic: "task.b", DependsOn: []string{"a"}},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid model: %v", err)
	}
	if valid.Tasks["a"].ID != "a" {
		t.Fatalf("expected task id filled from key")
	}

	bad := map[string]*ProcessModel{
		"no id":        {Tasks: map[string]*Task{"a": {Type: TaskTypeUser}}},
		"no tasks":     {ID: "m"},
		"no topic":     {ID: "m", Tasks: map[string]*Task{"a": {Type: TaskTypeService}}},
		"no script":    {ID: "m", Tasks: map[string]*Task{"a": {Type: TaskTypeScript}}},
		"bad type":     {ID: "m", Tasks: map[string]*Task{"a": {Type: "bpmn"}}},
		"neg delay":    {ID: "m", Tasks: map[string]*Task{"a": {Type: TaskTypeTimer, DelaySeconds: -1}}},
		"unknown dep":  {ID: "m", Tasks: map[string]*Task{"a": {Type: TaskTypeUser, DependsOn: []string{"z"}}}},
		"id mismatch":  {ID: "m", Tasks: map[string]*Task{"a": {ID: "b", Type: TaskTypeUser}}},
		"nil task":     {ID: "m", Tasks: map[string]*Task{"a": nil}},
		"dependencies": {ID: "m", Tasks: map[string]*Task{"a": {Type: TaskTypeUser, DependsOn: []string{"b"}}, "b": {Type: TaskTypeUser, DependsOn: []string{"a"}}}},
	}
	for name, m := range bad {
		if err := m.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestModelOrder(t *testing.T) {
	m := &ProcessModel{
		ID: "m",
		Tasks: map[string]*Task{
			"d": {DependsOn: []string{"b", "c"}},
			"c": {DependsOn: []string{"a"}},
			"b": {DependsOn: []string{"a"}},
			"a": {},
			"e": {},
		},
	}
	got, err := m.Order()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v got %v", want, got)
	}
}

func TestStatusHelpers(t *testing.T) {
	for _, s := range []InstanceStatus{StatusComplete, StatusError, StatusTerminated} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []InstanceStatus{StatusNotStarted, StatusRunning, StatusWaiting, StatusUserInputRequired, StatusSuspended} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if TaskWaiting.Done() || !TaskCancelled.Done() {
		t.Fatalf("unexpected Done results")
	}
}

func TestSampleModelValid(t *testing.T) {
	raw, err := os.ReadFile("../../config/models/order-review.json")
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var m ProcessModel
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("sample model invalid: %v", err)
	}
	order, err := m.Order()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if got := strings.Join(order, ","); got != "price,echo,approve,cooldown,notify" {
		t.Fatalf("unexpected order %s", got)
	}
}
