package expression

import (
	"math"
	"strconv"
	"strings"
)

// Display precedence levels. A child whose precedence is lower than the
// minimum its position requires is wrapped in parentheses.
const (
	precAdditive       = 1
	precMultiplicative = 2
	precUnary          = 3
	precPower          = 4
	precAtom           = 5
)

// FormatNumber renders v the way step traces show numbers: integral values
// without a fractional part, everything else in shortest round-trip form.
//
// Example:
//
//	FormatNumber(6)        // "6"
//	FormatNumber(17714.7)  // "17714.7"
//	FormatNumber(1e-7)     // "1e-07"
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e16 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (c *Constant) precedence() int {
	if math.Signbit(c.Value) && !math.IsNaN(c.Value) {
		return precUnary
	}
	return precAtom
}

func (n *NamedConstant) precedence() int { return precAtom }
func (b *Binary) precedence() int        { return b.Op.Precedence() }
func (u *Unary) precedence() int         { return precUnary }
func (c *Call) precedence() int          { return precAtom }

// String renders the constant with [FormatNumber].
func (c *Constant) String() string { return render(c) }

// String returns the constant name, e.g. "pi".
func (n *NamedConstant) String() string { return render(n) }

// String renders the expression with the minimum parentheses needed, e.g.
// "(1 + 2) ** (3 * 4) / (5 * 6)".
func (b *Binary) String() string { return render(b) }

// String renders the operator followed by its operand, e.g. "-pi".
func (u *Unary) String() string { return render(u) }

// String renders the call, e.g. "max(2, 3)".
func (c *Call) String() string { return render(c) }

func render(e Expr) string {
	p := &printer{}
	_ = e.Accept(p) // the printer never fails
	return p.sb.String()
}

// printer writes an expression with the minimum parentheses needed.
type printer struct {
	sb strings.Builder
}

var _ Visitor = (*printer)(nil)

func (p *printer) child(e Expr, minPrec int) error {
	if e.precedence() >= minPrec {
		return e.Accept(p)
	}
	p.sb.WriteByte('(')
	if err := e.Accept(p); err != nil {
		return err
	}
	p.sb.WriteByte(')')
	return nil
}

func (p *printer) VisitConstant(c *Constant) error {
	p.sb.WriteString(FormatNumber(c.Value))
	return nil
}

func (p *printer) VisitNamedConstant(n *NamedConstant) error {
	p.sb.WriteString(n.ID.Name())
	return nil
}

func (p *printer) VisitBinary(b *Binary) error {
	prec := b.Op.Precedence()
	leftMin, rightMin := prec, prec+1
	if b.Op.RightAssociative() {
		leftMin, rightMin = prec+1, prec
	}
	if err := p.child(b.Left, leftMin); err != nil {
		return err
	}
	p.sb.WriteByte(' ')
	p.sb.WriteString(b.Op.Symbol())
	p.sb.WriteByte(' ')
	return p.child(b.Right, rightMin)
}

func (p *printer) VisitUnary(u *Unary) error {
	p.sb.WriteString(u.Op.Symbol())
	return p.child(u.Operand, precAtom)
}

func (p *printer) VisitCall(c *Call) error {
	p.sb.WriteString(c.Fn.Name())
	p.sb.WriteByte('(')
	for i, arg := range c.Args {
		if i > 0 {
			p.sb.WriteString(", ")
		}
		if err := arg.Accept(p); err != nil {
			return err
		}
	}
	p.sb.WriteByte(')')
	return nil
}
