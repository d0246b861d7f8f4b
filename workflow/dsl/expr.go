package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expression is a compiled boolean condition such as
// `score >= 0.8 && status == "ok"`.
//
// Operators: ==, !=, >, <, >=, <=, &&, ||, ! and parentheses.
// Literals: numbers, double-quoted strings, true, false, null.
// Identifiers use dot paths; a numeric segment indexes a list, so
// `results.0.ok` reads vars["results"].([]any)[0].(map[string]any)["ok"].
// A path that does not resolve evaluates to null.
type Expression struct {
	source string
	root   node
	idents []string
}

// Compile parses expr into an evaluable tree.
func Compile(expr string) (*Expression, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil {
		return nil, fmt.Errorf("unexpected token %q at offset %d", t.value, t.pos)
	}
	return &Expression{source: expr, root: root, idents: p.idents}, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(expr string) *Expression {
	e, err := Compile(expr)
	if err != nil {
		panic(fmt.Sprintf("dsl: %v", err))
	}
	return e
}

func (e *Expression) String() string { return e.source }

// Identifiers returns the root name of every path, in order of first use.
func (e *Expression) Identifiers() []string {
	return append([]string(nil), e.idents...)
}

// Eval evaluates the expression against vars. The result of a non-boolean
// expression is converted with truthiness rules: null, 0, "" and "false"
// are false.
func (e *Expression) Eval(vars map[string]any) (bool, error) {
	return truthy(e.root.eval(vars)), nil
}

// Evaluate compiles and evaluates expr in one go.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	e, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Eval(vars)
}

// =============================================================================
// Tokenizer
// =============================================================================

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)

	for i := 0; i < len(runes); {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", i})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", i})
			i++
		case ch == '"':
			s, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, i})
			i = n
		case i+1 < len(runes) && isTwoCharOp(string(runes[i:i+2])):
			tokens = append(tokens, token{tkOp, string(runes[i : i+2]), i})
			i += 2
		case ch == '>' || ch == '<' || ch == '!':
			tokens = append(tokens, token{tkOp, string(ch), i})
			i++
		case isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negativeAllowed(tokens)):
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num, i})
			i = n
		case isIdentStart(ch):
			ident, n := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident, i})
			i = n
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(ch), i)
		}
	}
	return tokens, nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", "&&", "||":
		return true
	}
	return false
}

func readString(runes []rune, start int) (string, int, error) {
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				i++
				sb.WriteRune(runes[i])
			}
		case '"':
			return sb.String(), i + 1, nil
		default:
			sb.WriteRune(runes[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.') {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }

// negativeAllowed: '-' starts a number at the beginning, after an operator
// or after '('.
func negativeAllowed(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

// =============================================================================
// Parser
// =============================================================================

type parser struct {
	tokens []token
	pos    int
	idents []string
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t == nil || t.kind != tkOp {
		return "", false
	}
	for _, op := range ops {
		if t.value == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
}

// comparisons do not chain: `a < b < c` is a syntax error.
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", ">", "<", ">=", "<=")
	if !ok {
		return left, nil
	}
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.acceptOp("!"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	p.pos++

	switch t.kind {
	case tkNumber:
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", t.value, t.pos)
		}
		return literal{f}, nil
	case tkString:
		return literal{t.value}, nil
	case tkIdent:
		switch t.value {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null":
			return literal{nil}, nil
		}
		path := strings.Split(t.value, ".")
		for _, seg := range path {
			if seg == "" {
				return nil, fmt.Errorf("invalid path %q at offset %d", t.value, t.pos)
			}
		}
		p.addIdent(path[0])
		return pathNode(path), nil
	case tkLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.peek(); c == nil || c.kind != tkRParen {
			return nil, fmt.Errorf("expected ')' to close '(' at offset %d", t.pos)
		}
		p.pos++
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected token %q at offset %d", t.value, t.pos)
	}
}

func (p *parser) addIdent(name string) {
	for _, seen := range p.idents {
		if seen == name {
			return
		}
	}
	p.idents = append(p.idents, name)
}

// =============================================================================
// Evaluation
// =============================================================================

type node interface {
	eval(vars map[string]any) any
}

type literal struct{ v any }

func (n literal) eval(map[string]any) any { return n.v }

type pathNode []string

func (n pathNode) eval(vars map[string]any) any {
	var cur any = vars
	for _, seg := range n {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			cur = c[i]
		default:
			return nil
		}
	}
	return cur
}

type notNode struct{ operand node }

func (n notNode) eval(vars map[string]any) any { return !truthy(n.operand.eval(vars)) }

type andNode struct{ left, right node }

func (n andNode) eval(vars map[string]any) any {
	return truthy(n.left.eval(vars)) && truthy(n.right.eval(vars))
}

type orNode struct{ left, right node }

func (n orNode) eval(vars map[string]any) any {
	return truthy(n.left.eval(vars)) || truthy(n.right.eval(vars))
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(vars map[string]any) any {
	return compare(n.left.eval(vars), n.op, n.right.eval(vars))
}

// compare orders null below every other value; two nulls are equal.
// Numbers compare numerically, booleans only by equality, everything else
// by its string form.
func compare(left any, op string, right any) bool {
	var c int
	switch {
	case left == nil && right == nil:
		c = 0
	case left == nil:
		c = -1
	case right == nil:
		c = 1
	default:
		lf, lok := toFloat64(left)
		rf, rok := toFloat64(right)
		lb, lbool := left.(bool)
		rb, rbool := right.(bool)
		switch {
		case lok && rok:
			c = cmpFloat(lf, rf)
		case lbool && rbool:
			if op != "==" && op != "!=" {
				return false
			}
			if lb != rb {
				c = 1
			}
		default:
			c = strings.Compare(fmt.Sprint(left), fmt.Sprint(right))
		}
	}

	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	return true
}

// toFloat64 converts numeric kinds; strings are not numbers here so that
// `"10" > "9"` stays a string comparison.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
