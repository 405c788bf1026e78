package catalog

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/calcmir/calcmir/pkg/expression"
)

// File is the layout of a YAML expression file:
//
//	expressions:
//	  - add: [{max: [2, 3]}, 3]
//	  - neg: {const: pi}
//	  - call: {fn: min, args: [1, 2, 3]}
//
// A number is a constant, {const: name} a named constant, an operator key
// takes its operands and a function key takes its argument list. The pow key
// is the operator; the pow function is reachable through call.
type File struct {
	// Expressions is kept as a node so that every entry, including null
	// ones, is checked with its line number.
	Expressions yaml.Node `yaml:"expressions"`
}

// Load reads the expressions of the YAML file at path.
func Load(path string) ([]expression.Expr, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read expression file: %w", err)
	}
	exprs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return exprs, nil
}

// Parse decodes the expressions of a YAML document.
func Parse(data []byte) ([]expression.Expr, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	list := &f.Expressions
	switch {
	case list.Kind == 0, isNull(list), list.Kind == yaml.SequenceNode && len(list.Content) == 0:
		return nil, fmt.Errorf("no expressions")
	case list.Kind != yaml.SequenceNode:
		return nil, nodeErrorf(list, "expressions must be a list")
	}
	out := make([]expression.Expr, 0, len(list.Content))
	for _, item := range list.Content {
		expr, err := parseNode(item)
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
	}
	return out, nil
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.Tag == "!!null"
}

func parseNode(node *yaml.Node) (expression.Expr, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if isNull(node) {
			return nil, nodeErrorf(node, "empty expression")
		}
		v, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return nil, nodeErrorf(node, "not a number: %q", node.Value)
		}
		return expression.Num(v), nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return nil, nodeErrorf(node, "an expression must have exactly one key")
		}
		return parseKeyed(node.Content[0], node.Content[1])
	case yaml.AliasNode:
		return parseNode(node.Alias)
	default:
		return nil, nodeErrorf(node, "unexpected YAML node")
	}
}

func parseKeyed(key, value *yaml.Node) (expression.Expr, error) {
	name := key.Value
	if name == "const" {
		id, ok := expression.ConstantByName(value.Value)
		if value.Kind != yaml.ScalarNode || !ok {
			return nil, nodeErrorf(value, "unknown constant %q", value.Value)
		}
		return expression.Named(id), nil
	}
	if name == "call" {
		return parseCall(value)
	}
	if op, ok := expression.BinaryOpByName(name); ok {
		operands, err := parseList(value)
		if err != nil {
			return nil, err
		}
		if len(operands) != 2 {
			return nil, nodeErrorf(value, "%s takes 2 operands, got %d", name, len(operands))
		}
		return expression.NewBinary(operands[0], op, operands[1]), nil
	}
	if op, ok := expression.UnaryOpByName(name); ok {
		operands, err := parseOperands(value)
		if err != nil {
			return nil, err
		}
		if len(operands) != 1 {
			return nil, nodeErrorf(value, "%s takes 1 operand, got %d", name, len(operands))
		}
		return expression.NewUnary(op, operands[0]), nil
	}
	if fn, ok := expression.FunctionByName(name); ok {
		args, err := parseOperands(value)
		if err != nil {
			return nil, err
		}
		return newCall(value, fn, args)
	}
	return nil, nodeErrorf(key, "unknown key %q", name)
}

func parseCall(value *yaml.Node) (expression.Expr, error) {
	var c struct {
		Fn   string      `yaml:"fn"`
		Args []yaml.Node `yaml:"args"`
	}
	if err := value.Decode(&c); err != nil {
		return nil, err
	}
	fn, ok := expression.FunctionByName(c.Fn)
	if !ok {
		return nil, nodeErrorf(value, "unknown function %q", c.Fn)
	}
	args := make([]expression.Expr, 0, len(c.Args))
	for i := range c.Args {
		arg, err := parseNode(&c.Args[i])
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return newCall(value, fn, args)
}

func newCall(node *yaml.Node, fn expression.Function, args []expression.Expr) (expression.Expr, error) {
	if err := fn.CheckArity(len(args)); err != nil {
		return nil, nodeErrorf(node, "%v", err)
	}
	return expression.NewCall(fn, args...), nil
}

// parseList decodes a sequence of expressions.
func parseList(node *yaml.Node) ([]expression.Expr, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, nodeErrorf(node, "expected a list of operands")
	}
	out := make([]expression.Expr, 0, len(node.Content))
	for _, child := range node.Content {
		expr, err := parseNode(child)
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
	}
	return out, nil
}

// parseOperands accepts a list, a single operand, or null for no operand.
func parseOperands(node *yaml.Node) ([]expression.Expr, error) {
	switch {
	case node.Kind == yaml.SequenceNode:
		return parseList(node)
	case isNull(node):
		return nil, nil
	default:
		expr, err := parseNode(node)
		if err != nil {
			return nil, err
		}
		return []expression.Expr{expr}, nil
	}
}

func nodeErrorf(node *yaml.Node, format string, args ...any) error {
	return fmt.Errorf("line %d: %s", node.Line, fmt.Sprintf(format, args...))
}
