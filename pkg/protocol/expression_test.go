package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcmir/calcmir/pkg/expression"
)

func TestExpressionRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		expr expression.Expr
	}{
		{"constant", expression.Num(3.25)},
		{"negative constant", expression.Num(-4)},
		{"infinity", expression.Num(math.Inf(-1))},
		{"pi", expression.Pi()},
		{"tau", expression.Tau()},
		{"e", expression.E()},
		{"binary", expression.Sub(expression.Num(1), expression.Num(5))},
		{"every binary operator", expression.Add(
			expression.Sub(expression.Mul(expression.Num(1), expression.Num(2)), expression.Div(expression.Num(3), expression.Num(4))),
			expression.Mod(expression.Num(5), expression.Pow(expression.Num(6), expression.Num(7))),
		)},
		{"unary", expression.Neg(expression.Pos(expression.Num(2)))},
		{"call arity 0", expression.Rand()},
		{"call arity 1", expression.Sqrt(expression.Num(16))},
		{"call arity 2", expression.PowFn(expression.Num(2), expression.Num(8))},
		{"call arity 5", expression.Max(
			expression.Num(2),
			expression.Mul(expression.Num(3), expression.Num(4)),
			expression.Log(expression.E()),
			expression.Mul(expression.Num(6), expression.Num(7)),
			expression.Div(expression.Num(9), expression.Num(8)),
		)},
		{"nested", expression.Mul(
			expression.Div(expression.Sin(expression.Max(
				expression.Num(2),
				expression.Mul(expression.Num(3), expression.Num(4)),
				expression.Num(5),
				expression.Mul(expression.Num(6), expression.Div(expression.Mul(expression.Num(7), expression.Num(8)), expression.Num(9))),
				expression.Div(expression.Num(10), expression.Num(11)),
			)), expression.Num(12)),
			expression.Num(13),
		)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeExpression(tt.expr)
			require.NoError(t, err)

			got, err := DecodeExpression(data)
			require.NoError(t, err)
			assert.Equal(t, tt.expr, got)
			assert.Equal(t, tt.expr.String(), got.String())

			again, err := EncodeExpression(got)
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestEncodeExpressionLayout(t *testing.T) {
	data, err := EncodeExpression(expression.Add(expression.Max(expression.Num(2), expression.Pi()), expression.Neg(expression.Num(1))))
	require.NoError(t, err)
	want := []byte{
		tagBinary, byte(expression.OpAdd),
		tagCall, byte(expression.FnMax), 2,
		tagConstant, 0x40, 0, 0, 0, 0, 0, 0, 0,
		tagNamedConstant, byte(expression.ConstPi),
		tagUnary, byte(expression.OpNeg),
		tagConstant, 0x3F, 0xF0, 0, 0, 0, 0, 0, 0,
	}
	assert.Equal(t, want, data)
}

func TestEncodeExpressionRejects(t *testing.T) {
	tests := []struct {
		name string
		expr expression.Expr
	}{
		{"nil", nil},
		{"unknown operator", expression.NewBinary(expression.Num(1), expression.BinaryOp(42), expression.Num(2))},
		{"unknown unary operator", expression.NewUnary(expression.UnaryOp(0), expression.Num(2))},
		{"unknown constant", expression.Named(expression.ConstantID(9))},
		{"unknown function", expression.NewCall(expression.Function(99))},
		{"arity", expression.NewCall(expression.FnSin)},
		{"nil child", expression.Neg(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeExpression(tt.expr)
			var cerr *ClientError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestDecodeExpressionMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{9}},
		{"zero tag", []byte{0}},
		{"truncated constant", []byte{tagConstant, 0x40, 0}},
		{"missing named constant id", []byte{tagNamedConstant}},
		{"unknown named constant", []byte{tagNamedConstant, 4}},
		{"unknown binary operator", []byte{tagBinary, 7, tagNamedConstant, 1, tagNamedConstant, 1}},
		{"missing right operand", []byte{tagBinary, byte(expression.OpAdd), tagNamedConstant, 1}},
		{"unknown unary operator", []byte{tagUnary, 3, tagNamedConstant, 1}},
		{"missing operand", []byte{tagUnary, byte(expression.OpNeg)}},
		{"unknown function", []byte{tagCall, 10, 0}},
		{"missing argument count", []byte{tagCall, byte(expression.FnMax)}},
		{"too few arguments", []byte{tagCall, byte(expression.FnPow), 1, tagNamedConstant, 1}},
		{"too many arguments", []byte{tagCall, byte(expression.FnRand), 1, tagNamedConstant, 1}},
		{"max without arguments", []byte{tagCall, byte(expression.FnMax), 0}},
		{"argument count exceeds data", []byte{tagCall, byte(expression.FnMax), 3, tagNamedConstant, 1}},
		{"trailing bytes", []byte{tagNamedConstant, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				_, err := DecodeExpression(tt.data)
				var cerr *ClientError
				assert.ErrorAs(t, err, &cerr)
				assert.Equal(t, StatusClientError, StatusOf(err))
			})
		})
	}
}

func TestDecodeExpressionNeverPanics(t *testing.T) {
	data, err := EncodeExpression(expression.Add(
		expression.Max(expression.Num(2), expression.Num(3), expression.Log(expression.E())),
		expression.Neg(expression.Pow(expression.Num(2), expression.Tau())),
	))
	require.NoError(t, err)

	// Every prefix is truncated and every single-byte corruption must be
	// rejected or decoded without a panic.
	for i := range data {
		assert.NotPanics(t, func() { _, _ = DecodeExpression(data[:i]) })
		for _, b := range []byte{0, 1, 5, 6, 0xFF} {
			corrupt := append([]byte(nil), data...)
			corrupt[i] = b
			assert.NotPanics(t, func() { _, _ = DecodeExpression(corrupt) })
		}
	}
}

func TestEncodingIsStable(t *testing.T) {
	build := func() expression.Expr {
		return expression.Div(expression.Pow(expression.Add(expression.Num(1), expression.Num(2)), expression.Mul(expression.Num(3), expression.Num(4))), expression.Mul(expression.Num(5), expression.Num(6)))
	}
	a, err := EncodeExpression(build())
	require.NoError(t, err)
	b, err := EncodeExpression(build())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
