// Package expr builds aggregation expression trees and compiles them into
// documents.
//
// Trees are assembled with the constructors and builders in this package and
// are immutable once built. Nothing is resolved at build time: field names are
// kept symbolic until Compile walks the tree against a scope.Context. Binding
// constructs ($map, $let, $filter, $reduce) validate their inputs when built
// and wrap the context they receive in a child scope before rendering the
// expression they bind names for.
package expr

import (
	"fmt"

	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// Node is an element of an expression tree.
type Node interface {
	nodeType() string
}

// FieldNode references a field of the input document, or a variable bound by
// an enclosing construct. Which one is decided by the scope at compile time.
type FieldNode struct {
	path string
}

func (n *FieldNode) nodeType() string { return "field" }

// Path returns the referenced dotted path.
func (n *FieldNode) Path() string { return n.path }

// VariableNode references a variable explicitly ("$$name"). It fails to
// compile unless some scope binds the name.
type VariableNode struct {
	name string
}

func (n *VariableNode) nodeType() string { return "variable" }

// LiteralNode is a constant. Values that could be mistaken for references are
// wrapped in $literal when rendered.
type LiteralNode struct {
	value types.Value
}

func (n *LiteralNode) nodeType() string { return "literal" }

// RawNode is a document passed through verbatim.
type RawNode struct {
	value types.Value
}

func (n *RawNode) nodeType() string { return "document" }

// OperatorNode renders as {"$op": [args...]}.
type OperatorNode struct {
	op   string
	args []Node
}

func (n *OperatorNode) nodeType() string { return n.op }

// ArrayNode renders each element into a list.
type ArrayNode struct {
	elements []Node
}

func (n *ArrayNode) nodeType() string { return "array" }

// ObjectNode renders into a document with the given keys, in order.
type ObjectNode struct {
	keys   []string
	values []Node
	err    error
}

// Err returns the error recorded while the object was built, if any. Compile
// returns the same error.
func (n *ObjectNode) Err() error { return n.err }

func (n *ObjectNode) nodeType() string { return "object" }

// MapNode applies an expression to every item of an array ($map).
type MapNode struct {
	input Source
	as    string
	in    Node
}

func (n *MapNode) nodeType() string { return "$map" }

// FilterNode keeps the items of an array matching a condition ($filter).
type FilterNode struct {
	input Source
	as    string
	cond  Node
}

func (n *FilterNode) nodeType() string { return "$filter" }

// ReduceNode folds an array into a single value ($reduce). The fold
// expression sees the accumulator as "value" and the current item as "this".
type ReduceNode struct {
	input        Source
	initialValue Node
	in           Node
}

func (n *ReduceNode) nodeType() string { return "$reduce" }

// LetNode binds variables for use in a body expression ($let).
type LetNode struct {
	vars []ExpressionVariable
	in   Node
}

func (n *LetNode) nodeType() string { return "$let" }

// VariableNames returns the declared names in declaration order.
func (n *LetNode) VariableNames() []string {
	names := make([]string, len(n.vars))
	for i, v := range n.vars {
		names[i] = v.name
	}
	return names
}

// Source is the array input of an iterating construct: either a field path
// or an expression. Which one is fixed when the source is created.
type Source struct {
	field string
	node  Node
}

// FieldSource uses the array at a field path.
func FieldSource(path string) Source {
	return Source{field: path}
}

// ExpressionSource uses the array an expression evaluates to.
func ExpressionSource(n Node) Source {
	return Source{node: n}
}

// IsField reports whether the source is a field path.
func (s Source) IsField() bool {
	return s.node == nil
}

func (s Source) valid() bool {
	if s.node != nil {
		return true
	}
	return s.field != ""
}

// Field references a field path such as "items" or "address.city".
func Field(path string) *FieldNode {
	return &FieldNode{path: path}
}

// Variable references a bound or system variable by name, without the "$$"
// prefix.
func Variable(name string) *VariableNode {
	return &VariableNode{name: name}
}

// Literal wraps a constant. v may be a types.Value or any value accepted by
// types.ValueFromJSON.
func Literal(v interface{}) *LiteralNode {
	return &LiteralNode{value: types.ValueFromJSON(v)}
}

// Raw passes a document through without resolution or escaping.
func Raw(v types.Value) *RawNode {
	return &RawNode{value: v}
}

// Operator builds a generic operator node. op must include the "$" sigil.
// Nil arguments render as null.
func Operator(op string, args ...Node) *OperatorNode {
	return &OperatorNode{op: op, args: nonNil(args)}
}

// Array builds a list of expressions.
func Array(elements ...Node) *ArrayNode {
	return &ArrayNode{elements: nonNil(elements)}
}

// Object builds a document from alternating key and value arguments. Values
// that are not Nodes become literals. An odd argument count, a non-string key
// or a repeated key is recorded as an InvalidArgument error that Compile
// reports.
func Object(pairs ...interface{}) *ObjectNode {
	o := &ObjectNode{}
	if len(pairs)%2 != 0 {
		o.err = types.NewInvalidArgumentError("object", "keys and values must come in pairs")
		return o
	}
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			o.err = types.NewInvalidArgumentError("object", fmt.Sprintf("key %v is not a string", pairs[i]))
			return o
		}
		n, ok := pairs[i+1].(Node)
		if !ok || n == nil {
			n = Literal(pairs[i+1])
		}
		o.add(key, n)
		if o.err != nil {
			return o
		}
	}
	return o
}

// ObjectOf builds a document from parallel key and value slices. Nil values
// render as null. Mismatched lengths or a repeated key are recorded as an
// InvalidArgument error that Compile reports.
func ObjectOf(keys []string, values []Node) *ObjectNode {
	o := &ObjectNode{}
	if len(keys) != len(values) {
		o.err = types.NewInvalidArgumentError("object",
			fmt.Sprintf("%d keys but %d values", len(keys), len(values)))
		return o
	}
	for i, k := range keys {
		n := values[i]
		if n == nil {
			n = Literal(nil)
		}
		o.add(k, n)
		if o.err != nil {
			return o
		}
	}
	return o
}

func (o *ObjectNode) add(key string, n Node) {
	for _, k := range o.keys {
		if k == key {
			e := types.NewInvalidArgumentError("object", "key declared more than once")
			e.Name = key
			o.err = e
			return
		}
	}
	o.keys = append(o.keys, key)
	o.values = append(o.values, n)
}

func nonNil(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		if n == nil {
			out[i] = Literal(nil)
			continue
		}
		out[i] = n
	}
	return out
}
