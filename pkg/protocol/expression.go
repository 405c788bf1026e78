package protocol

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/calcmir/calcmir/pkg/expression"
)

// Expression node tags.
const (
	tagConstant      byte = 1
	tagNamedConstant byte = 2
	tagBinary        byte = 3
	tagUnary         byte = 4
	tagCall          byte = 5
)

const (
	constantSize = 8
	maxCallArgs  = math.MaxUint8
)

// EncodeExpression serializes an expression tree. Every node starts with a
// 1-byte tag:
//   - constant: tag, 8-byte IEEE-754 value
//   - named constant: tag, 1-byte id
//   - binary: tag, 1-byte operator, left, right
//   - unary: tag, 1-byte operator, operand
//   - call: tag, 1-byte function, 1-byte argument count, arguments
//
// Equal trees always encode to equal bytes, which is what makes the encoding
// usable as a cache key.
//
// Returns a [*ClientError] for unknown codes or a call whose argument count
// is outside the function arity.
func EncodeExpression(e expression.Expr) ([]byte, error) {
	if e == nil {
		return nil, clientErrorf("nil expression")
	}
	enc := &encoder{}
	if err := e.Accept(enc); err != nil {
		return nil, err
	}
	return enc.buf, nil
}

type encoder struct {
	buf []byte
}

var _ expression.Visitor = (*encoder)(nil)

func (enc *encoder) VisitConstant(c *expression.Constant) error {
	enc.buf = append(enc.buf, tagConstant)
	enc.buf = binary.BigEndian.AppendUint64(enc.buf, math.Float64bits(c.Value))
	return nil
}

func (enc *encoder) VisitNamedConstant(n *expression.NamedConstant) error {
	if !n.ID.Valid() {
		return clientErrorf("unknown named constant %d", uint8(n.ID))
	}
	enc.buf = append(enc.buf, tagNamedConstant, byte(n.ID))
	return nil
}

func (enc *encoder) VisitBinary(b *expression.Binary) error {
	if !b.Op.Valid() {
		return clientErrorf("unknown binary operator %d", uint8(b.Op))
	}
	enc.buf = append(enc.buf, tagBinary, byte(b.Op))
	if err := enc.child(b.Left); err != nil {
		return err
	}
	return enc.child(b.Right)
}

func (enc *encoder) VisitUnary(u *expression.Unary) error {
	if !u.Op.Valid() {
		return clientErrorf("unknown unary operator %d", uint8(u.Op))
	}
	enc.buf = append(enc.buf, tagUnary, byte(u.Op))
	return enc.child(u.Operand)
}

func (enc *encoder) VisitCall(c *expression.Call) error {
	if !c.Fn.Valid() {
		return clientErrorf("unknown function %d", uint8(c.Fn))
	}
	if len(c.Args) > maxCallArgs {
		return clientErrorf("%s called with %d arguments, at most %d fit", c.Fn.Name(), len(c.Args), maxCallArgs)
	}
	if err := c.Fn.CheckArity(len(c.Args)); err != nil {
		return &ClientError{Err: err}
	}
	enc.buf = append(enc.buf, tagCall, byte(c.Fn), byte(len(c.Args)))
	for _, arg := range c.Args {
		if err := enc.child(arg); err != nil {
			return err
		}
	}
	return nil
}

func (enc *encoder) child(e expression.Expr) error {
	if e == nil {
		return clientErrorf("nil sub-expression")
	}
	return e.Accept(enc)
}

// errTruncated is wrapped when the buffer ends inside a node.
var errTruncated = errors.New("expression data truncated")

// DecodeExpression is the inverse of [EncodeExpression]. It returns a
// [*ClientError] when the data holds an unknown code, a call with an
// argument count outside the function arity, ends in the middle of a node,
// or has bytes left over after the root node. It never panics on bad input.
func DecodeExpression(data []byte) (expression.Expr, error) {
	e, offset, err := decodeExpr(data, 0)
	if err != nil {
		return nil, err
	}
	if offset != len(data) {
		return nil, clientErrorf("%d trailing bytes after expression", len(data)-offset)
	}
	return e, nil
}

func decodeExpr(data []byte, offset int) (e expression.Expr, newOffset int, err error) {
	if offset >= len(data) {
		return nil, offset, &ClientError{Err: errTruncated}
	}
	tag := data[offset]
	offset++

	switch tag {
	case tagConstant:
		return decodeConstant(data, offset)
	case tagNamedConstant:
		return decodeNamedConstant(data, offset)
	case tagBinary:
		return decodeBinary(data, offset)
	case tagUnary:
		return decodeUnary(data, offset)
	case tagCall:
		return decodeCall(data, offset)
	default:
		return nil, offset, clientErrorf("unknown expression tag %d at offset %d", tag, offset-1)
	}
}

func decodeByte(data []byte, offset int, fieldName string) (byte, int, error) {
	if offset >= len(data) {
		return 0, offset, clientErrorf("%s: %w", fieldName, errTruncated)
	}
	return data[offset], offset + 1, nil
}

func decodeConstant(data []byte, offset int) (expression.Expr, int, error) {
	if offset+constantSize > len(data) {
		return nil, offset, clientErrorf("constant: %w", errTruncated)
	}
	bits := binary.BigEndian.Uint64(data[offset : offset+constantSize])
	return expression.Num(math.Float64frombits(bits)), offset + constantSize, nil
}

func decodeNamedConstant(data []byte, offset int) (expression.Expr, int, error) {
	code, offset, err := decodeByte(data, offset, "named constant")
	if err != nil {
		return nil, offset, err
	}
	id := expression.ConstantID(code)
	if !id.Valid() {
		return nil, offset, clientErrorf("unknown named constant %d", code)
	}
	return expression.Named(id), offset, nil
}

func decodeBinary(data []byte, offset int) (expression.Expr, int, error) {
	code, offset, err := decodeByte(data, offset, "binary operator")
	if err != nil {
		return nil, offset, err
	}
	op := expression.BinaryOp(code)
	if !op.Valid() {
		return nil, offset, clientErrorf("unknown binary operator %d", code)
	}
	left, offset, err := decodeExpr(data, offset)
	if err != nil {
		return nil, offset, err
	}
	right, offset, err := decodeExpr(data, offset)
	if err != nil {
		return nil, offset, err
	}
	return expression.NewBinary(left, op, right), offset, nil
}

func decodeUnary(data []byte, offset int) (expression.Expr, int, error) {
	code, offset, err := decodeByte(data, offset, "unary operator")
	if err != nil {
		return nil, offset, err
	}
	op := expression.UnaryOp(code)
	if !op.Valid() {
		return nil, offset, clientErrorf("unknown unary operator %d", code)
	}
	operand, offset, err := decodeExpr(data, offset)
	if err != nil {
		return nil, offset, err
	}
	return expression.NewUnary(op, operand), offset, nil
}

func decodeCall(data []byte, offset int) (expression.Expr, int, error) {
	code, offset, err := decodeByte(data, offset, "function")
	if err != nil {
		return nil, offset, err
	}
	fn := expression.Function(code)
	if !fn.Valid() {
		return nil, offset, clientErrorf("unknown function %d", code)
	}
	count, offset, err := decodeByte(data, offset, "argument count")
	if err != nil {
		return nil, offset, err
	}
	if err := fn.CheckArity(int(count)); err != nil {
		return nil, offset, &ClientError{Err: err}
	}
	args := make([]expression.Expr, count)
	for i := range args {
		args[i], offset, err = decodeExpr(data, offset)
		if err != nil {
			return nil, offset, err
		}
	}
	return &expression.Call{Fn: fn, Args: args}, offset, nil
}
