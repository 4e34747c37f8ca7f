// Package eval implements the row-level expression evaluator (C9) the
// conglomerate uses for column and table CHECK constraints and for
// column default expressions; Txn.Select takes no filter expression, so
// no scan evaluates a predicate through it. It is a small stack
// machine over a closed node set — literal, variable reference,
// correlated reference, function call, operator — evaluated with
// three-valued (true/false/null) logic, the same semantics SQL
// comparisons need without this package depending on any SQL frontend.
package eval

import (
	"fmt"
	"regexp"
	"strings"
)

// Value is a three-valued runtime value: a Go bool/int64/float64/string,
// or nil for SQL NULL. nil must propagate through every operator per
// three-valued logic rather than panicking or silently coercing.
type Value interface{}

// NodeKind identifies one of the closed set of expression node types.
type NodeKind byte

const (
	KindLiteral NodeKind = iota + 1
	KindVariable
	KindCorrelated
	KindFunction
	KindOperator
)

// Node is one element of an expression tree. Exactly one of the
// type-specific fields is meaningful, selected by Kind.
type Node struct {
	Kind NodeKind

	// KindLiteral
	Literal Value

	// KindVariable: a column reference resolved against the row under
	// evaluation.
	Variable string

	// KindCorrelated: a column reference resolved against an outer,
	// already-bound row (subquery correlation).
	Correlated string

	// KindFunction / KindOperator
	Name     string
	Children []*Node
}

// VariableResolver resolves a KindVariable node against the row
// currently being evaluated.
type VariableResolver interface {
	Resolve(name string) (Value, error)
}

// GroupResolver resolves a KindCorrelated node against an outer binding
// established by the caller (e.g. a correlated subquery's parent row).
type GroupResolver interface {
	ResolveCorrelated(name string) (Value, error)
}

// Evaluator walks an expression tree against a row, producing a Value.
type Evaluator struct {
	Vars  VariableResolver
	Group GroupResolver
}

// New returns an Evaluator bound to the given resolvers. Group may be
// nil if the expression contains no correlated references.
func New(vars VariableResolver, group GroupResolver) *Evaluator {
	return &Evaluator{Vars: vars, Group: group}
}

// Eval evaluates the tree rooted at n and returns its value. A nil
// return with a nil error denotes SQL NULL, not absence of a value.
func (e *Evaluator) Eval(n *Node) (Value, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Kind {
	case KindLiteral:
		return n.Literal, nil
	case KindVariable:
		if e.Vars == nil {
			return nil, fmt.Errorf("eval: no variable resolver bound for %q", n.Variable)
		}
		return e.Vars.Resolve(n.Variable)
	case KindCorrelated:
		if e.Group == nil {
			return nil, fmt.Errorf("eval: no correlated resolver bound for %q", n.Correlated)
		}
		return e.Group.ResolveCorrelated(n.Correlated)
	case KindFunction:
		return e.evalFunction(n)
	case KindOperator:
		return e.evalOperator(n)
	default:
		return nil, fmt.Errorf("eval: unknown node kind %d", n.Kind)
	}
}

// EvalBool evaluates n and coerces the result to SQL three-valued
// boolean: true, false, or nil (unknown). A non-bool, non-nil result is
// an error — callers that need predicate truth (CHECK constraints,
// filter predicates) go through this rather than Eval directly.
func (e *Evaluator) EvalBool(n *Node) (*bool, error) {
	v, err := e.Eval(n)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("eval: expected boolean result, got %T", v)
	}
	return &b, nil
}

func (e *Evaluator) evalChildren(n *Node) ([]Value, error) {
	vals := make([]Value, len(n.Children))
	for i, c := range n.Children {
		v, err := e.Eval(c)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func (e *Evaluator) evalFunction(n *Node) (Value, error) {
	args, err := e.evalChildren(n)
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(n.Name) {
	case "COALESCE":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	case "LENGTH":
		if len(args) != 1 || args[0] == nil {
			return nil, nil
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("eval: LENGTH expects a string argument")
		}
		return int64(len(s)), nil
	default:
		return nil, fmt.Errorf("eval: unknown function %q", n.Name)
	}
}

func (e *Evaluator) evalOperator(n *Node) (Value, error) {
	args, err := e.evalChildren(n)
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(n.Name) {
	case "AND":
		return evalAnd(args)
	case "OR":
		return evalOr(args)
	case "NOT":
		if args[0] == nil {
			return nil, nil
		}
		b, ok := args[0].(bool)
		if !ok {
			return nil, fmt.Errorf("eval: NOT expects a boolean operand")
		}
		return !b, nil
	case "IS NULL":
		return args[0] == nil, nil
	case "IS NOT NULL":
		return args[0] != nil, nil
	case "=":
		return compareEq(args[0], args[1])
	case "!=", "<>":
		r, err := compareEq(args[0], args[1])
		return negate(r), err
	case "<":
		return compareOrd(args[0], args[1], func(c int) bool { return c < 0 })
	case "<=":
		return compareOrd(args[0], args[1], func(c int) bool { return c <= 0 })
	case ">":
		return compareOrd(args[0], args[1], func(c int) bool { return c > 0 })
	case ">=":
		return compareOrd(args[0], args[1], func(c int) bool { return c >= 0 })
	case "LIKE":
		return matchLike(args[0], args[1])
	case "NOT LIKE":
		r, err := matchLike(args[0], args[1])
		return negate(r), err
	case "IN":
		return matchIn(args[0], args[1:])
	case "NOT IN":
		r, err := matchIn(args[0], args[1:])
		return negate(r), err
	case "ANY":
		return matchIn(args[0], args[1:])
	case "ALL":
		return matchAll(args[0], args[1:])
	case "IS":
		return evalIs(args[0], args[1])
	case "IS NOT":
		r, err := evalIs(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return negateStrict(r), nil
	case "REGEX":
		return matchRegex(args[0], args[1])
	case "NOT REGEX":
		r, err := matchRegex(args[0], args[1])
		return negate(r), err
	case "||":
		return concat(args[0], args[1])
	case "+", "-", "*", "/":
		return arith(n.Name, args[0], args[1])
	default:
		return nil, fmt.Errorf("eval: unknown operator %q", n.Name)
	}
}

func negate(v Value) Value {
	if v == nil {
		return nil
	}
	return !v.(bool)
}

func evalAnd(args []Value) (Value, error) {
	sawNull := false
	for _, a := range args {
		if a == nil {
			sawNull = true
			continue
		}
		b, ok := a.(bool)
		if !ok {
			return nil, fmt.Errorf("eval: AND expects boolean operands")
		}
		if !b {
			return false, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return true, nil
}

func evalOr(args []Value) (Value, error) {
	sawNull := false
	for _, a := range args {
		if a == nil {
			sawNull = true
			continue
		}
		b, ok := a.(bool)
		if !ok {
			return nil, fmt.Errorf("eval: OR expects boolean operands")
		}
		if b {
			return true, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return false, nil
}

func compareEq(a, b Value) (Value, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf, nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs, nil
	}
	return a == b, nil
}

func compareOrd(a, b Value, pred func(int) bool) (Value, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return pred(cmpFloat(af, bf)), nil
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return pred(strings.Compare(as, bs)), nil
		}
	}
	return nil, fmt.Errorf("eval: incomparable operand types %T and %T", a, b)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func arith(op string, a, b Value) (Value, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("eval: arithmetic requires numeric operands, got %T and %T", a, b)
	}
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	case "*":
		return af * bf, nil
	case "/":
		if bf == 0 {
			return nil, fmt.Errorf("eval: division by zero")
		}
		return af / bf, nil
	default:
		return nil, fmt.Errorf("eval: unknown arithmetic operator %q", op)
	}
}

// matchLike implements SQL LIKE semantics: '%' matches any run of
// characters, '_' matches exactly one.
func matchLike(v, pattern Value) (Value, error) {
	if v == nil || pattern == nil {
		return nil, nil
	}
	s, ok := v.(string)
	p, pok := pattern.(string)
	if !ok || !pok {
		return nil, fmt.Errorf("eval: LIKE expects string operands")
	}
	re := likeToRegexp(p)
	return re.MatchString(s), nil
}

func likeToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func matchIn(v Value, set []Value) (Value, error) {
	if v == nil {
		return nil, nil
	}
	sawNull := false
	for _, s := range set {
		if s == nil {
			sawNull = true
			continue
		}
		eq, err := compareEq(v, s)
		if err != nil {
			return nil, err
		}
		if b, _ := eq.(bool); b {
			return true, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return false, nil
}

// matchAll reports whether v equals every non-null member of set,
// three-valued like matchIn. The closed Node set has no field for a
// quantified comparator (e.g. x > ALL (set)), so ALL is equality-based,
// matching the same simplification ANY makes over IN.
func matchAll(v Value, set []Value) (Value, error) {
	if v == nil {
		return nil, nil
	}
	sawNull := false
	for _, s := range set {
		if s == nil {
			sawNull = true
			continue
		}
		eq, err := compareEq(v, s)
		if err != nil {
			return nil, err
		}
		if b, _ := eq.(bool); !b {
			return false, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return true, nil
}

// evalIs implements general IS: unlike =, it never propagates NULL —
// "x IS y" is always a concrete true/false, with NULL IS NULL true and
// NULL IS <non-null> false.
func evalIs(a, b Value) (Value, error) {
	if a == nil && b == nil {
		return true, nil
	}
	if a == nil || b == nil {
		return false, nil
	}
	eq, err := compareEq(a, b)
	if err != nil {
		return nil, err
	}
	return eq, nil
}

// negateStrict inverts a concrete (never-nil) boolean result, used for
// IS NOT which — like IS — never resolves to NULL.
func negateStrict(v Value) Value {
	b, _ := v.(bool)
	return !b
}

// matchRegex reports whether v matches the regular expression pattern.
func matchRegex(v, pattern Value) (Value, error) {
	if v == nil || pattern == nil {
		return nil, nil
	}
	s, ok := v.(string)
	p, pok := pattern.(string)
	if !ok || !pok {
		return nil, fmt.Errorf("eval: regex expects string operands")
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("eval: invalid regex pattern: %w", err)
	}
	return re.MatchString(s), nil
}

// concat implements the || string concatenation operator.
func concat(a, b Value) (Value, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return nil, fmt.Errorf("eval: || expects string operands, got %T and %T", a, b)
	}
	return as + bs, nil
}
