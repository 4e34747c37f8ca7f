package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]Value

func (m mapResolver) Resolve(name string) (Value, error) {
	v, ok := m[name]
	if !ok {
		return nil, assert.AnError
	}
	return v, nil
}

func lit(v Value) *Node { return &Node{Kind: KindLiteral, Literal: v} }

func op(name string, children ...*Node) *Node {
	return &Node{Kind: KindOperator, Name: name, Children: children}
}

func fn(name string, children ...*Node) *Node {
	return &Node{Kind: KindFunction, Name: name, Children: children}
}

func variable(name string) *Node { return &Node{Kind: KindVariable, Variable: name} }

func TestEval_Literal(t *testing.T) {
	e := New(nil, nil)
	v, err := e.Eval(lit(int64(42)))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestEval_NilNodeIsNull(t *testing.T) {
	e := New(nil, nil)
	v, err := e.Eval(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEval_Variable(t *testing.T) {
	e := New(mapResolver{"age": int64(30)}, nil)
	v, err := e.Eval(variable("age"))
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)
}

func TestEval_VariableNoResolverBound(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Eval(variable("age"))
	assert.Error(t, err)
}

func TestEval_Correlated(t *testing.T) {
	e := New(nil, groupResolverFunc(func(name string) (Value, error) {
		assert.Equal(t, "outer_id", name)
		return int64(7), nil
	}))
	v, err := e.Eval(&Node{Kind: KindCorrelated, Correlated: "outer_id"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

type groupResolverFunc func(name string) (Value, error)

func (f groupResolverFunc) ResolveCorrelated(name string) (Value, error) { return f(name) }

func TestEvalBool_ThreeValued(t *testing.T) {
	e := New(nil, nil)

	b, err := e.EvalBool(lit(true))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, *b)

	b, err = e.EvalBool(lit(nil))
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = e.EvalBool(lit(int64(1)))
	assert.Error(t, err)
}

func TestEvalOperator_AndThreeValued(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("AND", lit(true), lit(true)))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("AND", lit(false), lit(nil)))
	require.NoError(t, err)
	assert.Equal(t, false, v, "false AND null is false, not null")

	v, err = e.Eval(op("AND", lit(true), lit(nil)))
	require.NoError(t, err)
	assert.Nil(t, v, "true AND null is null")
}

func TestEvalOperator_OrThreeValued(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("OR", lit(false), lit(true)))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("OR", lit(true), lit(nil)))
	require.NoError(t, err)
	assert.Equal(t, true, v, "true OR null is true")

	v, err = e.Eval(op("OR", lit(false), lit(nil)))
	require.NoError(t, err)
	assert.Nil(t, v, "false OR null is null")
}

func TestEvalOperator_Not(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("NOT", lit(true)))
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = e.Eval(op("NOT", lit(nil)))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalOperator_IsNull(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("IS NULL", lit(nil)))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("IS NOT NULL", lit(int64(1))))
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalOperator_Comparisons(t *testing.T) {
	e := New(nil, nil)

	tests := []struct {
		op   string
		a, b Value
		want Value
	}{
		{"=", int64(1), int64(1), true},
		{"=", int64(1), int64(2), false},
		{"=", "a", "a", true},
		{"!=", int64(1), int64(2), true},
		{"<>", int64(1), int64(1), false},
		{"<", int64(1), int64(2), true},
		{"<=", int64(2), int64(2), true},
		{">", float64(3.5), int64(2), true},
		{">=", int64(2), int64(2), true},
	}
	for _, tt := range tests {
		v, err := e.Eval(op(tt.op, lit(tt.a), lit(tt.b)))
		require.NoError(t, err)
		assert.Equal(t, tt.want, v, "%v %s %v", tt.a, tt.op, tt.b)
	}
}

func TestEvalOperator_ComparisonNullPropagates(t *testing.T) {
	e := New(nil, nil)
	v, err := e.Eval(op("=", lit(nil), lit(int64(1))))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalOperator_ComparisonIncomparableTypes(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Eval(op("<", lit("a"), lit(true)))
	assert.Error(t, err)
}

func TestEvalOperator_Like(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("LIKE", lit("hello world"), lit("hello%")))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("LIKE", lit("hello"), lit("h_llo")))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("NOT LIKE", lit("hello"), lit("goodbye%")))
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalOperator_In(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("IN", lit(int64(2)), lit(int64(1)), lit(int64(2)), lit(int64(3))))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("IN", lit(int64(9)), lit(int64(1)), lit(int64(2))))
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = e.Eval(op("IN", lit(int64(9)), lit(int64(1)), lit(nil)))
	require.NoError(t, err)
	assert.Nil(t, v, "no match but a null candidate means unknown, not false")
}

func TestEvalOperator_Arithmetic(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("+", lit(int64(2)), lit(int64(3))))
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	v, err = e.Eval(op("/", lit(int64(10)), lit(int64(4))))
	require.NoError(t, err)
	assert.Equal(t, float64(2.5), v)

	_, err = e.Eval(op("/", lit(int64(1)), lit(int64(0))))
	assert.Error(t, err)

	v, err = e.Eval(op("+", lit(nil), lit(int64(1))))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalOperator_NotIn(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("NOT IN", lit(int64(9)), lit(int64(1)), lit(int64(2))))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("NOT IN", lit(int64(2)), lit(int64(1)), lit(int64(2))))
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestEvalOperator_AnyAll(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("ANY", lit(int64(2)), lit(int64(1)), lit(int64(2)), lit(int64(3))))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("ALL", lit(int64(5)), lit(int64(5)), lit(int64(5))))
	require.NoError(t, err)
	assert.Equal(t, true, v, "equals every member")

	v, err = e.Eval(op("ALL", lit(int64(5)), lit(int64(5)), lit(int64(6))))
	require.NoError(t, err)
	assert.Equal(t, false, v, "does not equal every member")
}

func TestEvalOperator_IsGeneral(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("IS", lit(nil), lit(nil)))
	require.NoError(t, err)
	assert.Equal(t, true, v, "IS never propagates null")

	v, err = e.Eval(op("IS", lit(int64(1)), lit(nil)))
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = e.Eval(op("IS", lit(int64(1)), lit(int64(1))))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("IS NOT", lit(int64(1)), lit(int64(2))))
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalOperator_Regex(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("REGEX", lit("hello123"), lit(`^hello\d+$`)))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval(op("NOT REGEX", lit("hello"), lit(`^\d+$`)))
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalOperator_Concat(t *testing.T) {
	e := New(nil, nil)

	v, err := e.Eval(op("||", lit("foo"), lit("bar")))
	require.NoError(t, err)
	assert.Equal(t, "foobar", v)

	v, err = e.Eval(op("||", lit(nil), lit("bar")))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalFunction_Coalesce(t *testing.T) {
	e := New(nil, nil)
	v, err := e.Eval(fn("COALESCE", lit(nil), lit(nil), lit(int64(5))))
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestEvalFunction_Length(t *testing.T) {
	e := New(nil, nil)
	v, err := e.Eval(fn("LENGTH", lit("hello")))
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = e.Eval(fn("LENGTH", lit(nil)))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalFunction_Unknown(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Eval(fn("NOPE"))
	assert.Error(t, err)
}

func TestEval_NestedExpression(t *testing.T) {
	// (age >= 18) AND (name != 'bot')
	e := New(mapResolver{"age": int64(21), "name": "alice"}, nil)
	expr := op("AND",
		op(">=", variable("age"), lit(int64(18))),
		op("!=", variable("name"), lit("bot")),
	)
	b, err := e.EvalBool(expr)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, *b)
}
