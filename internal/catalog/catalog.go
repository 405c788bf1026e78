// Package catalog holds the expressions the client can send: a fixed list of
// demo expressions and expressions read from YAML files.
package catalog

import (
	"fmt"

	e "github.com/calcmir/calcmir/pkg/expression"
)

// Entry is a predefined expression.
type Entry struct {
	Name        string
	Description string
	Expr        e.Expr
}

// Predefined returns the demo expressions. Each call builds new trees.
func Predefined() []Entry {
	n := e.Num
	return []Entry{
		{
			Name:        "expr0",
			Description: "complex trigonometric expression",
			Expr: e.Mul(e.Div(e.Sin(e.Max(
				n(2), e.Mul(n(3), n(4)), n(5),
				e.Mul(n(6), e.Div(e.Mul(n(7), n(8)), n(9))),
				e.Div(n(10), n(11)),
			)), n(12)), n(13)),
		},
		{
			Name:        "expr1",
			Description: "simple max function usage",
			Expr:        e.Add(e.Max(n(2), n(3)), n(3)),
		},
		{
			Name:        "expr2",
			Description: "nested power operations",
			Expr:        e.Add(n(3), e.Div(e.Mul(n(4), n(2)), e.Pow(e.Sub(n(1), n(5)), e.Pow(n(2), n(3))))),
		},
		{
			Name:        "expr3",
			Description: "power and division",
			Expr:        e.Div(e.Pow(e.Add(n(1), n(2)), e.Mul(n(3), n(4))), e.Mul(n(5), n(6))),
		},
		{
			Name:        "expr4",
			Description: "negative exponents",
			Expr:        e.Neg(e.Neg(e.Pow(e.Add(n(1), e.Add(n(2), n(3))), e.Neg(e.Add(n(4), n(5)))))),
		},
		{
			Name:        "expr5",
			Description: "max with logarithm",
			Expr:        e.Max(n(2), e.Mul(n(3), n(4)), e.Log(e.E()), e.Mul(n(6), n(7)), e.Div(n(9), n(8))),
		},
	}
}

// Select returns the predefined expressions at the given indexes, in order.
func Select(indexes []int) ([]e.Expr, error) {
	entries := Predefined()
	out := make([]e.Expr, 0, len(indexes))
	for _, idx := range indexes {
		if idx < 0 || idx >= len(entries) {
			return nil, fmt.Errorf("no predefined expression %d (have 0 to %d)", idx, len(entries)-1)
		}
		out = append(out, entries[idx].Expr)
	}
	return out, nil
}
