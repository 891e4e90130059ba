// Package scope resolves symbolic names inside aggregation expressions.
//
// A Context is a node in a parent chain. Binding constructs wrap the context
// they receive in a child that exposes the names they bind; the child is
// discarded once the nested expression is rendered. Resolution walks the
// chain nearest-first:
//
//  1. A name exposed by the current scope is a bound variable of that scope.
//  2. A synthetic scope hides the outer document: names it does not expose
//     only resolve if an ancestor binds them as variables.
//  3. An inheriting scope delegates everything else to its parent unchanged.
//  4. The root treats the name as a path into the input document, optionally
//     restricted to (and rewritten by) the fields exposed by a preceding
//     pipeline stage.
//
// Only the head segment of a dotted name takes part in the lookup; the rest
// of the path is carried through, so "item.price" resolves to "$$item.price"
// inside a scope that binds "item".
package scope

import (
	"fmt"

	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// Exposure selects how a child scope relates to its parent.
type Exposure int

const (
	// Synthetic scopes replace the visible document shape.
	Synthetic Exposure = iota
	// Inheriting scopes add names on top of the parent's.
	Inheriting
)

// String returns the exposure name.
func (e Exposure) String() string {
	switch e {
	case Synthetic:
		return "synthetic"
	case Inheriting:
		return "inheriting"
	default:
		return fmt.Sprintf("Exposure(%d)", int(e))
	}
}

// ResolutionKind tells a bound variable from a document path.
type ResolutionKind int

const (
	FieldPath ResolutionKind = iota
	BoundVariable
)

func (k ResolutionKind) String() string {
	if k == BoundVariable {
		return "variable"
	}
	return "field"
}

// Resolution is the result of resolving a name.
type Resolution struct {
	Kind ResolutionKind
	// Name is the name as it was asked for.
	Name string
	// Path is the variable name or document path, dotted remainder included.
	Path string
}

// Reference renders the resolution as a document string: "$$var.rest" for
// variables and "$path" for fields.
func (r Resolution) Reference() string {
	if r.Kind == BoundVariable {
		return "$$" + r.Path
	}
	return "$" + r.Path
}

// Context resolves names. Implementations are immutable and safe for
// concurrent use.
type Context interface {
	Resolve(name string) (Resolution, error)
}

// SystemVariables are always resolvable as variables.
var SystemVariables = NewFields("ROOT", "CURRENT", "REMOVE")

type rootContext struct {
	fields     Fields
	restricted bool
}

// Root returns a context that maps every name to the same path in the input
// document.
func Root() Context {
	return rootContext{}
}

// RootWithFields returns a root context for a stage that follows another
// stage: only the given fields are visible and each resolves to its target.
func RootWithFields(fields Fields) Context {
	return rootContext{fields: fields, restricted: true}
}

func (c rootContext) Resolve(name string) (Resolution, error) {
	if name == "" {
		return Resolution{}, types.NewUnresolvedNameError(name, "empty field reference")
	}
	head, rest := splitHead(name)
	if SystemVariables.Contains(head) {
		return Resolution{Kind: BoundVariable, Name: name, Path: name}, nil
	}
	if !c.restricted {
		return Resolution{Kind: FieldPath, Name: name, Path: name}, nil
	}
	f, ok := c.fields.Lookup(head)
	if !ok {
		return Resolution{}, types.NewUnresolvedNameError(name,
			fmt.Sprintf("field is not exposed by the previous stage %s", c.fields))
	}
	return Resolution{Kind: FieldPath, Name: name, Path: f.Target + rest}, nil
}

type childContext struct {
	exposure Exposure
	fields   Fields
	parent   Context
}

// WithScope wraps parent in a child scope that exposes fields with the given
// exposure policy.
func WithScope(exposure Exposure, fields Fields, parent Context) Context {
	if parent == nil {
		parent = Root()
	}
	return childContext{exposure: exposure, fields: fields, parent: parent}
}

// WithSyntheticScope wraps parent in a scope that hides the outer document.
func WithSyntheticScope(fields Fields, parent Context) Context {
	return WithScope(Synthetic, fields, parent)
}

// WithInheritingScope wraps parent in a scope that adds variables on top of
// everything parent can resolve.
func WithInheritingScope(fields Fields, parent Context) Context {
	return WithScope(Inheriting, fields, parent)
}

func (c childContext) Resolve(name string) (Resolution, error) {
	if name == "" {
		return Resolution{}, types.NewUnresolvedNameError(name, "empty field reference")
	}
	head, rest := splitHead(name)
	if f, ok := c.fields.Lookup(head); ok {
		return Resolution{Kind: BoundVariable, Name: name, Path: f.Target + rest}, nil
	}

	res, err := c.parent.Resolve(name)
	if err != nil {
		return Resolution{}, err
	}
	if c.exposure == Synthetic && res.Kind != BoundVariable {
		return Resolution{}, types.NewUnresolvedNameError(name,
			fmt.Sprintf("field is hidden by the scope binding %s", c.fields))
	}
	return res, nil
}
