// Package expression defines the expression trees that calcmir clients send for evaluation.
//
// An expression is an immutable, finite tree built from five node kinds:
//
//   - Constant: a literal real number
//   - NamedConstant: one of pi, tau or e
//   - Binary: two operands joined by +, -, *, /, % or **
//   - Unary: a sign applied to one operand
//   - Call: a catalog function applied to an ordered argument list
//
// Trees are built with the helper constructors rather than parsed from text:
//
//	// max(2, 3) + 3
//	e := expression.Add(expression.Max(expression.Num(2), expression.Num(3)), expression.Num(3))
//	fmt.Println(e) // max(2, 3) + 3
//
// Code that needs to handle every node kind implements [Visitor]. Adding a node
// kind adds a Visitor method, so every consumer stops compiling until it handles
// the new kind.
//
// The operator and function catalog in this package is the single source of truth
// for arity, evaluation rules, domain checks and display.
package expression

// Expr is a node of an expression tree.
//
// The interface is sealed: only the node types declared in this package
// implement it. Nodes must not be mutated after construction.
type Expr interface {
	// Accept dispatches to the Visitor method for the concrete node kind.
	Accept(v Visitor) error

	// String renders the expression with the minimum parentheses needed.
	String() string

	precedence() int
}

// Visitor handles each node kind of an expression tree.
//
// Implementations assert conformance at compile time:
//
//	var _ expression.Visitor = (*myVisitor)(nil)
type Visitor interface {
	VisitConstant(c *Constant) error
	VisitNamedConstant(n *NamedConstant) error
	VisitBinary(b *Binary) error
	VisitUnary(u *Unary) error
	VisitCall(c *Call) error
}

// Constant is a literal real number.
type Constant struct {
	Value float64
}

// NamedConstant is a well-known mathematical constant.
type NamedConstant struct {
	ID ConstantID
}

// Binary applies a binary operator to two operands.
type Binary struct {
	Left  Expr
	Op    BinaryOp
	Right Expr
}

// Unary applies a unary operator to one operand.
type Unary struct {
	Op      UnaryOp
	Operand Expr
}

// Call applies a catalog function to its arguments, in order.
type Call struct {
	Fn   Function
	Args []Expr
}

var (
	_ Expr = (*Constant)(nil)
	_ Expr = (*NamedConstant)(nil)
	_ Expr = (*Binary)(nil)
	_ Expr = (*Unary)(nil)
	_ Expr = (*Call)(nil)
)

// Accept implements [Expr].
func (c *Constant) Accept(v Visitor) error { return v.VisitConstant(c) }

// Accept implements [Expr].
func (n *NamedConstant) Accept(v Visitor) error { return v.VisitNamedConstant(n) }

// Accept implements [Expr].
func (b *Binary) Accept(v Visitor) error { return v.VisitBinary(b) }

// Accept implements [Expr].
func (u *Unary) Accept(v Visitor) error { return v.VisitUnary(u) }

// Accept implements [Expr].
func (c *Call) Accept(v Visitor) error { return v.VisitCall(c) }

// Num returns a [*Constant] holding v.
func Num(v float64) *Constant {
	return &Constant{Value: v}
}

// Named returns a [*NamedConstant] for id.
func Named(id ConstantID) *NamedConstant {
	return &NamedConstant{ID: id}
}

// NewBinary returns a [*Binary] node.
func NewBinary(left Expr, op BinaryOp, right Expr) *Binary {
	return &Binary{Left: left, Op: op, Right: right}
}

// NewUnary returns a [*Unary] node.
func NewUnary(op UnaryOp, operand Expr) *Unary {
	return &Unary{Op: op, Operand: operand}
}

// NewCall returns a [*Call] node. The argument slice is copied.
func NewCall(fn Function, args ...Expr) *Call {
	owned := make([]Expr, len(args))
	copy(owned, args)
	return &Call{Fn: fn, Args: owned}
}

// Pi returns the named constant pi.
func Pi() *NamedConstant { return Named(ConstPi) }

// Tau returns the named constant tau.
func Tau() *NamedConstant { return Named(ConstTau) }

// E returns the named constant e.
func E() *NamedConstant { return Named(ConstE) }

// Add returns l + r.
//
// Example:
//
//	e := expression.Add(expression.Num(1), expression.Num(2)) // "1 + 2"
func Add(l, r Expr) *Binary { return NewBinary(l, OpAdd, r) }

// Sub returns l - r.
func Sub(l, r Expr) *Binary { return NewBinary(l, OpSub, r) }

// Mul returns l * r.
func Mul(l, r Expr) *Binary { return NewBinary(l, OpMul, r) }

// Div returns l / r.
func Div(l, r Expr) *Binary { return NewBinary(l, OpDiv, r) }

// Mod returns l % r.
func Mod(l, r Expr) *Binary { return NewBinary(l, OpMod, r) }

// Pow returns l ** r.
func Pow(l, r Expr) *Binary { return NewBinary(l, OpPow, r) }

// Neg returns -x.
func Neg(x Expr) *Unary { return NewUnary(OpNeg, x) }

// Pos returns +x.
func Pos(x Expr) *Unary { return NewUnary(OpPos, x) }

// Sin returns sin(x).
func Sin(x Expr) *Call { return NewCall(FnSin, x) }

// Cos returns cos(x).
func Cos(x Expr) *Call { return NewCall(FnCos, x) }

// Tan returns tan(x).
func Tan(x Expr) *Call { return NewCall(FnTan, x) }

// Sqrt returns sqrt(x).
func Sqrt(x Expr) *Call { return NewCall(FnSqrt, x) }

// Log returns the natural logarithm log(x).
func Log(x Expr) *Call { return NewCall(FnLog, x) }

// Max returns max(args...). At least one argument is required at evaluation.
func Max(args ...Expr) *Call { return NewCall(FnMax, args...) }

// Min returns min(args...).
func Min(args ...Expr) *Call { return NewCall(FnMin, args...) }

// PowFn returns the function call pow(base, exp), as opposed to the
// operator built by [Pow].
func PowFn(base, exp Expr) *Call { return NewCall(FnPow, base, exp) }

// Rand returns rand(), a uniform value in [0, 1).
func Rand() *Call { return NewCall(FnRand) }
