package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, n *Node) *Node {
	t.Helper()
	encoded := Encode(n)
	decoded, consumed, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), consumed)
	return decoded
}

func TestCodec_LiteralRoundTrip(t *testing.T) {
	cases := []Value{nil, true, false, int64(42), int64(-7), float64(3.25), "hello"}
	for _, v := range cases {
		decoded := roundTrip(t, lit(v))
		assert.Equal(t, KindLiteral, decoded.Kind)
		assert.Equal(t, v, decoded.Literal)
	}
}

func TestCodec_NilNodeRoundTrip(t *testing.T) {
	decoded := roundTrip(t, nil)
	assert.Equal(t, KindLiteral, decoded.Kind)
	assert.Nil(t, decoded.Literal)
}

func TestCodec_VariableRoundTrip(t *testing.T) {
	decoded := roundTrip(t, variable("balance"))
	assert.Equal(t, KindVariable, decoded.Kind)
	assert.Equal(t, "balance", decoded.Variable)
}

func TestCodec_CorrelatedRoundTrip(t *testing.T) {
	decoded := roundTrip(t, &Node{Kind: KindCorrelated, Correlated: "parent_id"})
	assert.Equal(t, KindCorrelated, decoded.Kind)
	assert.Equal(t, "parent_id", decoded.Correlated)
}

func TestCodec_OperatorRoundTrip(t *testing.T) {
	expr := op("AND",
		op(">=", variable("age"), lit(int64(18))),
		op("!=", variable("name"), lit("bot")),
	)
	decoded := roundTrip(t, expr)

	assert.Equal(t, KindOperator, decoded.Kind)
	assert.Equal(t, "AND", decoded.Name)
	require.Len(t, decoded.Children, 2)
	assert.Equal(t, KindOperator, decoded.Children[0].Kind)
	assert.Equal(t, ">=", decoded.Children[0].Name)
	assert.Equal(t, "age", decoded.Children[0].Children[0].Variable)
	assert.Equal(t, int64(18), decoded.Children[0].Children[1].Literal)
}

func TestCodec_FunctionRoundTrip(t *testing.T) {
	decoded := roundTrip(t, fn("COALESCE", lit(nil), lit(int64(5))))
	assert.Equal(t, KindFunction, decoded.Kind)
	assert.Equal(t, "COALESCE", decoded.Name)
	require.Len(t, decoded.Children, 2)
}

func TestCodec_FunctionNoArgsRoundTrip(t *testing.T) {
	decoded := roundTrip(t, fn("NOW"))
	assert.Equal(t, KindFunction, decoded.Kind)
	assert.Empty(t, decoded.Children)
}

func TestDecode_EmptyBuffer(t *testing.T) {
	_, _, err := Decode(nil)
	assert.Error(t, err)
}

func TestDecode_UnknownTag(t *testing.T) {
	_, _, err := Decode([]byte{0xFF})
	assert.Error(t, err)
}

func TestDecode_TruncatedIntLiteral(t *testing.T) {
	encoded := Encode(lit(int64(1)))
	_, _, err := Decode(encoded[:len(encoded)-2])
	assert.Error(t, err)
}

func TestDecode_TruncatedStringLength(t *testing.T) {
	encoded := Encode(variable("x"))
	_, _, err := Decode(encoded[:1])
	assert.Error(t, err)
}

func TestDecode_ConsumedLeavesSiblingBytesIntact(t *testing.T) {
	first := Encode(lit(int64(1)))
	second := Encode(lit(int64(2)))
	buf := append(append([]byte{}, first...), second...)

	decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decoded.Literal)
	assert.Equal(t, len(first), consumed)

	decoded2, consumed2, err := Decode(buf[consumed:])
	require.NoError(t, err)
	assert.Equal(t, int64(2), decoded2.Literal)
	assert.Equal(t, len(second), consumed2)
}

func TestEncode_PanicsOnUnsupportedLiteralType(t *testing.T) {
	assert.Panics(t, func() {
		Encode(lit(struct{}{}))
	})
}
