package process

import (
	"fmt"
	"testing"
)

func TestEvalLiteralsAndPaths(t *testing.T) {
	scope := map[string]any{
		"data":  map[string]any{"order": map[string]any{"total": 10.0}, "name": "Ada", "items": []any{1.0, 2.0, 3.0}},
		"tasks": map[string]any{"lookup": map[string]any{"score": 7.0}},
	}
	cases := []struct {
		expr string
		want any
	}{
		{"true", true},
		{"null", nil},
		{"42", float64(42)},
		{"'hi'", "hi"},
		{`"double"`, "double"},
		{"data.order.total", float64(10)},
		{"order.total", float64(10)},
		{"tasks.lookup.score", float64(7)},
		{"items[0]", float64(1)},
		{"items[-1]", float64(3)},
		{"items[9]", nil},
		{"missing.path", nil},
		{"[1, 'a']", []any{float64(1), "a"}},
	}
	for _, c := range cases {
		got, err := Eval(c.expr, scope)
		if err != nil {
			t.Fatalf("expr %q: %v", c.expr, err)
		}
		if fmt.Sprint(got) != fmt.Sprint(c.want) {
			t.Fatalf("expr %q: want %v got %v", c.expr, c.want, got)
		}
	}
}

func TestEvalOperators(t *testing.T) {
	scope := map[string]any{"data": map[string]any{"a": 6.0, "b": 4.0, "tier": "prod"}}
	cases := []struct {
		expr string
		want any
	}{
		{"a + b * 2", float64(14)},
		{"(a + b) * 2", float64(20)},
		{"a - b - 1", float64(1)},
		{"a / b", 1.5},
		{"a % b", float64(2)},
		{"-a + 1", float64(-5)},
		{"'id-' + a", "id-6"},
		{"a > b", true},
		{"a <= b", false},
		{"tier == 'prod'", true},
		{"tier != 'prod'", false},
		{"a == 6 && tier == 'prod'", true},
		{"a == 1 || b == 4", true},
		{"!(a > b)", false},
	}
	for _, c := range cases {
		got, err := Eval(c.expr, scope)
		if err != nil {
			t.Fatalf("expr %q: %v", c.expr, err)
		}
		if fmt.Sprint(got) != fmt.Sprint(c.want) {
			t.Fatalf("expr %q: want %v got %v", c.expr, c.want, got)
		}
	}
}

func TestEvalShortCircuit(t *testing.T) {
	scope := map[string]any{"data": map[string]any{"n": 0.0}}
	for _, expr := range []string{"false && 1 / n", "true || 1 / n", "n != 0 && 10 / n > 1"} {
		if _, err := Eval(expr, scope); err != nil {
			t.Fatalf("expr %q should short-circuit: %v", expr, err)
		}
	}
	if _, err := Eval("1 / n", scope); err == nil {
		t.Fatalf("expected division by zero")
	}
}

func TestEvalBuiltins(t *testing.T) {
	scope := map[string]any{"data": map[string]any{"tags": []any{"a", "b"}, "name": "Ada", "meta": map[string]any{"k": 1.0}}}
	cases := []struct {
		expr string
		want any
	}{
		{"length(tags)", float64(2)},
		{"length(name)", float64(3)},
		{"first(tags)", "a"},
		{"last(tags)", "b"},
		{"upper(name)", "ADA"},
		{"lower(name)", "ada"},
		{"contains(tags, 'b')", true},
		{"contains(name, 'x')", false},
		{"contains(meta, 'k')", true},
		{"default(missing, 'fallback')", "fallback"},
		{"default(name, 'fallback')", "Ada"},
	}
	for _, c := range cases {
		got, err := Eval(c.expr, scope)
		if err != nil {
			t.Fatalf("expr %q: %v", c.expr, err)
		}
		if fmt.Sprint(got) != fmt.Sprint(c.want) {
			t.Fatalf("expr %q: want %v got %v", c.expr, c.want, got)
		}
	}
}

func TestEvalErrors(t *testing.T) {
	for _, expr := range []string{"", "1 +", "'open", "nope(1)", "length(1, 2)", "1 $ 2", "'a' - 1", "(1", "1 2"} {
		if _, err := Eval(expr, nil); err == nil {
			t.Fatalf("expr %q: expected error", expr)
		}
	}
}

func TestEvalBool(t *testing.T) {
	scope := map[string]any{"data": map[string]any{"list": []any{}, "s": "x"}}
	cases := map[string]bool{"list": false, "s": true, "0": false, "1": true, "null": false}
	for expr, want := range cases {
		got, err := EvalBool(expr, scope)
		if err != nil {
			t.Fatalf("expr %q: %v", expr, err)
		}
		if got != want {
			t.Fatalf("expr %q: want %v got %v", expr, want, got)
		}
	}
}

func TestSetPath(t *testing.T) {
	data := map[string]any{"a": "scalar"}
	setPath(data, "x.y.z", 1)
	setPath(data, "a.b", 2)
	x, _ := data["x"].(map[string]any)
	y, _ := x["y"].(map[string]any)
	if y["z"] != 1 {
		t.Fatalf("expected nested write, got %#v", data)
	}
	a, _ := data["a"].(map[string]any)
	if a["b"] != 2 {
		t.Fatalf("expected scalar replaced by map, got %#v", data["a"])
	}
	setPath(nil, "a", 1)
}
