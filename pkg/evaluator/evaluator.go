// Package evaluator reduces expression trees to a value and a derivation.
//
// The derivation is the ordered list of snapshots the tree passes through
// while it is reduced, innermost sub-expression first and left to right:
//
//	res, err := evaluator.Evaluate(expression.Add(expression.Max(expression.Num(2), expression.Num(3)), expression.Num(3)))
//	// res.Value == 6
//	// res.Steps: max(2, 3) + 3, 3 + 3, 6
//
// Evaluation is synchronous and recursive. Recursion depth equals the depth
// of the tree and is not otherwise bounded.
package evaluator

import (
	"errors"

	"github.com/calcmir/calcmir/pkg/expression"
)

// Result is the outcome of a successful evaluation.
type Result struct {
	Value float64

	// Steps holds the derivation. For any non-leaf expression the first
	// step restates the input (with named constants resolved) and the last
	// step is the constant Value. A leaf has no steps.
	Steps []expression.Expr
}

// Reductions returns the number of derivation steps, e.g. 2 for
// max(2, 3) + 3 -> 3 + 3 -> 6.
func (r *Result) Reductions() int {
	if len(r.Steps) == 0 {
		return 0
	}
	return len(r.Steps) - 1
}

// StepStrings renders every snapshot.
func (r *Result) StepStrings() []string {
	out := make([]string, len(r.Steps))
	for i, step := range r.Steps {
		out[i] = step.String()
	}
	return out
}

// Evaluate reduces e. Errors raised by operators and functions are returned
// unchanged as [*expression.ArithmeticError].
func Evaluate(e expression.Expr) (*Result, error) {
	if e == nil {
		return nil, errors.New("nil expression")
	}
	value, steps, err := resolve(e)
	if err != nil {
		return nil, err
	}
	return &Result{Value: value, Steps: steps}, nil
}

// resolve evaluates e with a fresh step accumulator.
func resolve(e expression.Expr) (float64, []expression.Expr, error) {
	if e == nil {
		return 0, nil, errors.New("nil sub-expression")
	}
	s := &stepper{}
	if err := e.Accept(s); err != nil {
		return 0, nil, err
	}
	return s.value, s.steps, nil
}

// stepper evaluates one node and records its derivation.
type stepper struct {
	value float64
	steps []expression.Expr
}

var _ expression.Visitor = (*stepper)(nil)

// intermediate drops the final snapshot, which is always the child's value
// and is shown in the parent's substituted step instead.
func intermediate(steps []expression.Expr) []expression.Expr {
	if len(steps) == 0 {
		return nil
	}
	return steps[:len(steps)-1]
}

func (s *stepper) record(step expression.Expr) {
	s.steps = append(s.steps, step)
}

func (s *stepper) finish(v float64) {
	s.value = v
	s.record(expression.Num(v))
}

func (s *stepper) VisitConstant(c *expression.Constant) error {
	s.value = c.Value
	return nil
}

func (s *stepper) VisitNamedConstant(n *expression.NamedConstant) error {
	if !n.ID.Valid() {
		return &expression.ArithmeticError{Op: n.ID.Name(), Err: errors.New("unknown constant")}
	}
	s.value = n.ID.Value()
	return nil
}

func (s *stepper) VisitBinary(b *expression.Binary) error {
	left, steps, err := resolve(b.Left)
	if err != nil {
		return err
	}
	for _, step := range intermediate(steps) {
		s.record(expression.NewBinary(step, b.Op, b.Right))
	}

	right, steps, err := resolve(b.Right)
	if err != nil {
		return err
	}
	for _, step := range intermediate(steps) {
		s.record(expression.NewBinary(expression.Num(left), b.Op, step))
	}

	s.record(expression.NewBinary(expression.Num(left), b.Op, expression.Num(right)))
	v, err := b.Op.Apply(left, right)
	if err != nil {
		return err
	}
	s.finish(v)
	return nil
}

func (s *stepper) VisitUnary(u *expression.Unary) error {
	operand, steps, err := resolve(u.Operand)
	if err != nil {
		return err
	}
	for _, step := range intermediate(steps) {
		s.record(expression.NewUnary(u.Op, step))
	}

	s.record(expression.NewUnary(u.Op, expression.Num(operand)))
	v, err := u.Op.Apply(operand)
	if err != nil {
		return err
	}
	s.finish(v)
	return nil
}

func (s *stepper) VisitCall(c *expression.Call) error {
	if err := c.Fn.CheckArity(len(c.Args)); err != nil {
		return err
	}

	values := make([]float64, 0, len(c.Args))
	resolved := make([]expression.Expr, 0, len(c.Args))
	for i, arg := range c.Args {
		v, steps, err := resolve(arg)
		if err != nil {
			return err
		}
		for _, step := range intermediate(steps) {
			args := make([]expression.Expr, 0, len(c.Args))
			args = append(args, resolved...)
			args = append(args, step)
			args = append(args, c.Args[i+1:]...)
			s.record(&expression.Call{Fn: c.Fn, Args: args})
		}
		values = append(values, v)
		resolved = append(resolved, expression.Num(v))
	}

	s.record(expression.NewCall(c.Fn, resolved...))
	v, err := c.Fn.Apply(values...)
	if err != nil {
		return err
	}
	s.finish(v)
	return nil
}
