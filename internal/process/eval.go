package process

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Eval evaluates an expression against scope.
//
// Supported:
//   - literals: numbers, 'single' or "double" quoted strings, true, false, null
//   - paths: data.order.total, items[0]; bare names fall back to scope["data"]
//   - arithmetic: + - * / % (+ concatenates when either side is a string)
//   - comparisons: == != > < >= <=
//   - logic: && || ! with short-circuiting
//   - functions: length, first, last, upper, lower, contains, default
func Eval(expr string, scope map[string]any) (any, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("empty expression")
	}
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, scope: scope}
	val, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return val, nil
}

// EvalBool evaluates expr and reports its truthiness.
func EvalBool(expr string, scope map[string]any) (bool, error) {
	val, err := Eval(expr, scope)
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokStr
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

func tokenize(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c):
			start := i
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			n, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q at offset %d", src[start:i], start)
			}
			out = append(out, token{kind: tokNum, text: src[start:i], num: n, pos: start})
		case c == '\'' || c == '"':
			start := i
			i++
			var b strings.Builder
			for i < len(src) && rune(src[i]) != c {
				if src[i] == '\\' && i+1 < len(src) {
					i++
				}
				b.WriteByte(src[i])
				i++
			}
			if i >= len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			i++
			out = append(out, token{kind: tokStr, text: b.String(), pos: start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			out = append(out, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case "==", "!=", ">=", "<=", "&&", "||":
					out = append(out, token{kind: tokOp, text: two, pos: i})
					i += 2
					continue
				}
			}
			if strings.ContainsRune("+-*/%<>!().,[]", c) {
				out = append(out, token{kind: tokOp, text: string(c), pos: i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(out, token{kind: tokEOF, pos: len(src)}), nil
}

type parser struct {
	toks  []token
	pos   int
	scope map[string]any
	skip  int // >0 while parsing a short-circuited branch
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(op string) bool {
	if t := p.peek(); t.kind == tokOp && t.text == op {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(op string) error {
	if !p.accept(op) {
		t := p.peek()
		return fmt.Errorf("expected %q at offset %d", op, t.pos)
	}
	return nil
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		if truthy(left) {
			p.skip++
			_, err := p.parseAnd()
			p.skip--
			if err != nil {
				return nil, err
			}
			left = true
			continue
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		if !truthy(left) {
			p.skip++
			_, err := p.parseCompare()
			p.skip--
			if err != nil {
				return nil, err
			}
			left = false
			continue
		}
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = truthy(right)
	}
	return left, nil
}

func (p *parser) parseCompare() (any, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp {
		return left, nil
	}
	switch t.text {
	case "==", "!=", ">=", "<=", ">", "<":
		p.next()
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return compare(left, right, t.text), nil
	}
	return left, nil
}

func (p *parser) parseAdd() (any, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left, err = p.arith(t.text, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseMul() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left, err = p.arith(t.text, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseUnary() (any, error) {
	if p.accept("!") {
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}
	if p.accept("-") {
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n, ok := toNumber(val)
		if !ok && p.skip == 0 {
			return nil, fmt.Errorf("cannot negate %T", val)
		}
		return -n, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		return t.num, nil
	case tokStr:
		return t.text, nil
	case tokIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		}
		if p.peek().kind == tokOp && p.peek().text == "(" {
			return p.parseCall(t)
		}
		return p.parsePath(t)
	case tokOp:
		switch t.text {
		case "(":
			val, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			return val, p.expect(")")
		case "[":
			var items []any
			if p.accept("]") {
				return []any{}, nil
			}
			for {
				item, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				items = append(items, item)
				if p.accept("]") {
					return items, nil
				}
				if err := p.expect(","); err != nil {
					return nil, err
				}
			}
		}
	case tokEOF:
		return nil, errors.New("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

func (p *parser) parsePath(head token) (any, error) {
	cur, ok := p.scope[head.text]
	if !ok {
		if data, isMap := p.scope["data"].(map[string]any); isMap {
			cur = data[head.text]
		}
	}
	for {
		switch {
		case p.accept("."):
			t := p.next()
			if t.kind != tokIdent {
				return nil, fmt.Errorf("expected field name at offset %d", t.pos)
			}
			m, _ := cur.(map[string]any)
			cur = m[t.text]
		case p.accept("["):
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			cur = index(cur, idx)
		default:
			return cur, nil
		}
	}
}

func (p *parser) parseCall(name token) (any, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var args []any
	if !p.accept(")") {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.accept(")") {
				break
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
	}
	return callBuiltin(name.text, args)
}

func callBuiltin(name string, args []any) (any, error) {
	arity := map[string]int{"length": 1, "first": 1, "last": 1, "upper": 1, "lower": 1, "contains": 2, "default": 2}
	want, ok := arity[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %s", name)
	}
	if len(args) != want {
		return nil, fmt.Errorf("%s expects %d argument(s), got %d", name, want, len(args))
	}
	switch name {
	case "length":
		switch v := args[0].(type) {
		case []any:
			return float64(len(v)), nil
		case string:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		}
		return float64(0), nil
	case "first":
		if arr, ok := args[0].([]any); ok && len(arr) > 0 {
			return arr[0], nil
		}
		return nil, nil
	case "last":
		if arr, ok := args[0].([]any); ok && len(arr) > 0 {
			return arr[len(arr)-1], nil
		}
		return nil, nil
	case "upper":
		return strings.ToUpper(fmt.Sprint(args[0])), nil
	case "lower":
		return strings.ToLower(fmt.Sprint(args[0])), nil
	case "contains":
		switch hay := args[0].(type) {
		case string:
			return strings.Contains(hay, fmt.Sprint(args[1])), nil
		case []any:
			for _, item := range hay {
				if compare(item, args[1], "==") {
					return true, nil
				}
			}
			return false, nil
		case map[string]any:
			_, ok := hay[fmt.Sprint(args[1])]
			return ok, nil
		}
		return false, nil
	default: // "default"
		if args[0] == nil {
			return args[1], nil
		}
		return args[0], nil
	}
}

func (p *parser) arith(op string, a, b any) (any, error) {
	if op == "+" {
		_, as := a.(string)
		_, bs := b.(string)
		if as || bs {
			return fmt.Sprint(a) + fmt.Sprint(b), nil
		}
	}
	x, okA := toNumber(a)
	y, okB := toNumber(b)
	if !okA || !okB {
		if p.skip > 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("operator %s needs numbers, got %T and %T", op, a, b)
	}
	switch op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			if p.skip > 0 {
				return nil, nil
			}
			return nil, errors.New("division by zero")
		}
		return x / y, nil
	default:
		if y == 0 {
			if p.skip > 0 {
				return nil, nil
			}
			return nil, errors.New("modulo by zero")
		}
		return math.Mod(x, y), nil
	}
}

func index(cur, idx any) any {
	switch c := cur.(type) {
	case []any:
		n, ok := toNumber(idx)
		if !ok {
			return nil
		}
		i := int(n)
		if i < 0 {
			i += len(c)
		}
		if i < 0 || i >= len(c) {
			return nil
		}
		return c[i]
	case map[string]any:
		return c[fmt.Sprint(idx)]
	}
	return nil
}

func compare(a, b any, op string) bool {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			switch op {
			case "==":
				return x == y
			case "!=":
				return x != y
			case ">":
				return x > y
			case "<":
				return x < y
			case ">=":
				return x >= y
			case "<=":
				return x <= y
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch op {
			case "==":
				return as == bs
			case "!=":
				return as != bs
			case ">":
				return as > bs
			case "<":
				return as < bs
			case ">=":
				return as >= bs
			case "<=":
				return as <= bs
			}
		}
	}
	switch op {
	case "==":
		return fmt.Sprint(a) == fmt.Sprint(b)
	case "!=":
		return fmt.Sprint(a) != fmt.Sprint(b)
	}
	return false
}

// toNumber converts numeric Go values; strings are not coerced.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// setPath writes val into data at a dotted path, creating intermediate maps.
func setPath(data map[string]any, path string, val any) {
	if data == nil || path == "" {
		return
	}
	parts := strings.Split(path, ".")
	cur := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = val
}
