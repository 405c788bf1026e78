package expression

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Arithmetic failures. They are always wrapped in an [*ArithmeticError] that
// names the failing operator or function.
var (
	ErrDivisionByZero    = errors.New("division by zero")
	ErrModuloByZero      = errors.New("modulo by zero")
	ErrComplexResult     = errors.New("negative base raised to a non-integer exponent")
	ErrZeroNegativePower = errors.New("zero raised to a negative exponent")
	ErrNegativeSqrt      = errors.New("square root of a negative number")
	ErrNonPositiveLog    = errors.New("logarithm of a non-positive number")
	ErrOverflow          = errors.New("result too large")
	ErrUndefined         = errors.New("result is undefined")
	ErrArity             = errors.New("wrong number of arguments")
)

// ArithmeticError reports an evaluation rule that rejected its operands.
//
// The operands always come from the request, so callers map this error to a
// client error rather than a server fault.
type ArithmeticError struct {
	Op  string
	Err error
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ArithmeticError) Unwrap() error {
	return e.Err
}

func arithErr(op string, err error) error {
	return &ArithmeticError{Op: op, Err: err}
}

// checkResult rejects infinities and NaNs that finite operands produced.
func checkResult(op string, v float64, operands ...float64) (float64, error) {
	if !math.IsInf(v, 0) && !math.IsNaN(v) {
		return v, nil
	}
	for _, x := range operands {
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return v, nil
		}
	}
	if math.IsNaN(v) {
		return 0, arithErr(op, ErrUndefined)
	}
	return 0, arithErr(op, ErrOverflow)
}

// ConstantID identifies a named constant. The numeric value is the wire code.
type ConstantID uint8

const (
	ConstPi ConstantID = iota + 1
	ConstTau
	ConstE
)

type constantInfo struct {
	name  string
	value float64
}

var constants = [...]constantInfo{
	ConstPi:  {name: "pi", value: math.Pi},
	ConstTau: {name: "tau", value: 2 * math.Pi},
	ConstE:   {name: "e", value: math.E},
}

// Valid reports whether c is a known constant code.
func (c ConstantID) Valid() bool { return c > 0 && int(c) < len(constants) }

// Name returns the display name, e.g. "pi".
func (c ConstantID) Name() string {
	if !c.Valid() {
		return fmt.Sprintf("constant(%d)", uint8(c))
	}
	return constants[c].name
}

// Value returns the real number the constant resolves to.
func (c ConstantID) Value() float64 {
	if !c.Valid() {
		return math.NaN()
	}
	return constants[c].value
}

// ConstantByName looks a constant up by display name.
func ConstantByName(name string) (ConstantID, bool) {
	for id := ConstPi; id.Valid(); id++ {
		if constants[id].name == name {
			return id, true
		}
	}
	return 0, false
}

// BinaryOp identifies a binary operator. The numeric value is the wire code.
type BinaryOp uint8

const (
	OpAdd BinaryOp = iota + 1
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
)

type binaryInfo struct {
	name       string
	symbol     string
	prec       int
	rightAssoc bool
	apply      func(l, r float64) (float64, error)
}

var binaryOps = [...]binaryInfo{
	OpAdd: {name: "add", symbol: "+", prec: precAdditive, apply: func(l, r float64) (float64, error) {
		return l + r, nil
	}},
	OpSub: {name: "sub", symbol: "-", prec: precAdditive, apply: func(l, r float64) (float64, error) {
		return l - r, nil
	}},
	OpMul: {name: "mul", symbol: "*", prec: precMultiplicative, apply: func(l, r float64) (float64, error) {
		return l * r, nil
	}},
	OpDiv: {name: "div", symbol: "/", prec: precMultiplicative, apply: func(l, r float64) (float64, error) {
		if r == 0 {
			return 0, arithErr("div", ErrDivisionByZero)
		}
		return l / r, nil
	}},
	OpMod: {name: "mod", symbol: "%", prec: precMultiplicative, apply: floorMod},
	OpPow: {name: "pow", symbol: "**", prec: precPower, rightAssoc: true, apply: func(l, r float64) (float64, error) {
		return power("pow", l, r)
	}},
}

// floorMod returns the remainder with the sign of the divisor.
func floorMod(l, r float64) (float64, error) {
	if r == 0 {
		return 0, arithErr("mod", ErrModuloByZero)
	}
	m := math.Mod(l, r)
	if m != 0 && (m < 0) != (r < 0) {
		m += r
	}
	return m, nil
}

func power(op string, base, exp float64) (float64, error) {
	if base == 0 && exp < 0 {
		return 0, arithErr(op, ErrZeroNegativePower)
	}
	if base < 0 && exp != math.Trunc(exp) {
		return 0, arithErr(op, ErrComplexResult)
	}
	return math.Pow(base, exp), nil
}

// Valid reports whether op is a known operator code.
func (op BinaryOp) Valid() bool { return op > 0 && int(op) < len(binaryOps) }

// Name returns the operator name used in configuration files and logs, e.g. "add".
func (op BinaryOp) Name() string {
	if !op.Valid() {
		return fmt.Sprintf("binary(%d)", uint8(op))
	}
	return binaryOps[op].name
}

// Symbol returns the infix symbol, e.g. "+".
func (op BinaryOp) Symbol() string {
	if !op.Valid() {
		return "?"
	}
	return binaryOps[op].symbol
}

// Precedence returns the display precedence. Higher binds tighter.
func (op BinaryOp) Precedence() int {
	if !op.Valid() {
		return precAtom
	}
	return binaryOps[op].prec
}

// RightAssociative reports whether a ** b ** c groups as a ** (b ** c).
func (op BinaryOp) RightAssociative() bool {
	return op.Valid() && binaryOps[op].rightAssoc
}

// Apply evaluates the operator.
func (op BinaryOp) Apply(l, r float64) (float64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("unknown binary operator %d", uint8(op))
	}
	v, err := binaryOps[op].apply(l, r)
	if err != nil {
		return 0, err
	}
	return checkResult(op.Name(), v, l, r)
}

// BinaryOpByName looks an operator up by name.
func BinaryOpByName(name string) (BinaryOp, bool) {
	for op := OpAdd; op.Valid(); op++ {
		if binaryOps[op].name == name {
			return op, true
		}
	}
	return 0, false
}

// UnaryOp identifies a unary operator. The numeric value is the wire code.
type UnaryOp uint8

const (
	OpNeg UnaryOp = iota + 1
	OpPos
)

type unaryInfo struct {
	name   string
	symbol string
	apply  func(x float64) float64
}

var unaryOps = [...]unaryInfo{
	OpNeg: {name: "neg", symbol: "-", apply: func(x float64) float64 { return -x }},
	OpPos: {name: "pos", symbol: "+", apply: func(x float64) float64 { return x }},
}

// Valid reports whether op is a known operator code.
func (op UnaryOp) Valid() bool { return op > 0 && int(op) < len(unaryOps) }

// Name returns the operator name, e.g. "neg".
func (op UnaryOp) Name() string {
	if !op.Valid() {
		return fmt.Sprintf("unary(%d)", uint8(op))
	}
	return unaryOps[op].name
}

// Symbol returns the prefix symbol.
func (op UnaryOp) Symbol() string {
	if !op.Valid() {
		return "?"
	}
	return unaryOps[op].symbol
}

// Apply evaluates the operator. Sign changes never fail.
func (op UnaryOp) Apply(x float64) (float64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("unknown unary operator %d", uint8(op))
	}
	return unaryOps[op].apply(x), nil
}

// UnaryOpByName looks an operator up by name.
func UnaryOpByName(name string) (UnaryOp, bool) {
	for op := OpNeg; op.Valid(); op++ {
		if unaryOps[op].name == name {
			return op, true
		}
	}
	return 0, false
}

// Function identifies a catalog function. The numeric value is the wire code.
type Function uint8

const (
	FnSin Function = iota + 1
	FnCos
	FnTan
	FnSqrt
	FnLog
	FnMax
	FnMin
	FnPow
	FnRand
)

// Variadic is the MaxArgs value of functions without an upper bound.
const Variadic = -1

type functionInfo struct {
	name    string
	minArgs int
	maxArgs int
	apply   func(args []float64) (float64, error)
}

var functions = [...]functionInfo{
	FnSin: {name: "sin", minArgs: 1, maxArgs: 1, apply: unary(math.Sin)},
	FnCos: {name: "cos", minArgs: 1, maxArgs: 1, apply: unary(math.Cos)},
	FnTan: {name: "tan", minArgs: 1, maxArgs: 1, apply: unary(math.Tan)},
	FnSqrt: {name: "sqrt", minArgs: 1, maxArgs: 1, apply: func(args []float64) (float64, error) {
		if args[0] < 0 {
			return 0, arithErr("sqrt", ErrNegativeSqrt)
		}
		return math.Sqrt(args[0]), nil
	}},
	FnLog: {name: "log", minArgs: 1, maxArgs: 1, apply: func(args []float64) (float64, error) {
		if args[0] <= 0 {
			return 0, arithErr("log", ErrNonPositiveLog)
		}
		return math.Log(args[0]), nil
	}},
	FnMax: {name: "max", minArgs: 1, maxArgs: Variadic, apply: func(args []float64) (float64, error) {
		m := args[0]
		for _, v := range args[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	}},
	FnMin: {name: "min", minArgs: 1, maxArgs: Variadic, apply: func(args []float64) (float64, error) {
		m := args[0]
		for _, v := range args[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	}},
	FnPow: {name: "pow", minArgs: 2, maxArgs: 2, apply: func(args []float64) (float64, error) {
		return power("pow", args[0], args[1])
	}},
	FnRand: {name: "rand", minArgs: 0, maxArgs: 0, apply: func([]float64) (float64, error) {
		return rand.Float64(), nil
	}},
}

func unary(f func(float64) float64) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		return f(args[0]), nil
	}
}

// Valid reports whether fn is a known function code.
func (fn Function) Valid() bool { return fn > 0 && int(fn) < len(functions) }

// Name returns the function name, e.g. "sqrt".
func (fn Function) Name() string {
	if !fn.Valid() {
		return fmt.Sprintf("function(%d)", uint8(fn))
	}
	return functions[fn].name
}

// MinArgs returns the smallest accepted argument count.
func (fn Function) MinArgs() int {
	if !fn.Valid() {
		return 0
	}
	return functions[fn].minArgs
}

// MaxArgs returns the largest accepted argument count, or [Variadic].
func (fn Function) MaxArgs() int {
	if !fn.Valid() {
		return 0
	}
	return functions[fn].maxArgs
}

// CheckArity returns an [*ArithmeticError] wrapping [ErrArity] when n
// arguments are not acceptable for fn.
func (fn Function) CheckArity(n int) error {
	lo, hi := fn.MinArgs(), fn.MaxArgs()
	if n >= lo && (hi == Variadic || n <= hi) {
		return nil
	}
	var want string
	switch {
	case hi == Variadic:
		want = fmt.Sprintf("at least %d", lo)
	case lo == hi:
		want = fmt.Sprintf("%d", lo)
	default:
		want = fmt.Sprintf("%d to %d", lo, hi)
	}
	return arithErr(fn.Name(), fmt.Errorf("%w: want %s, got %d", ErrArity, want, n))
}

// Apply evaluates the function after checking its arity.
func (fn Function) Apply(args ...float64) (float64, error) {
	if !fn.Valid() {
		return 0, fmt.Errorf("unknown function %d", uint8(fn))
	}
	if err := fn.CheckArity(len(args)); err != nil {
		return 0, err
	}
	v, err := functions[fn].apply(args)
	if err != nil {
		return 0, err
	}
	return checkResult(fn.Name(), v, args...)
}

// FunctionByName looks a function up by name.
func FunctionByName(name string) (Function, bool) {
	for fn := FnSin; fn.Valid(); fn++ {
		if functions[fn].name == name {
			return fn, true
		}
	}
	return 0, false
}
