package expr

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lemonberrylabs/aggexpr/pkg/scope"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// DefaultMaxDepth bounds how deeply expression trees may nest.
const DefaultMaxDepth = 256

// Option configures a Compiler.
type Option func(*Compiler)

// WithMaxDepth sets the nesting limit. Values below 1 restore the default.
func WithMaxDepth(n int) Option {
	return func(c *Compiler) {
		if n < 1 {
			n = DefaultMaxDepth
		}
		c.maxDepth = n
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

// Observer is notified once per Compile call with its outcome.
type Observer interface {
	ObserveCompile(err error, elapsed time.Duration)
}

// WithObserver sets an observer, typically a metrics collector.
func WithObserver(o Observer) Option {
	return func(c *Compiler) {
		c.observer = o
	}
}

// Compiler renders expression trees into documents. A Compiler holds no
// per-compilation state and may be shared between goroutines.
type Compiler struct {
	maxDepth int
	logger   *slog.Logger
	observer Observer
}

// NewCompiler creates a compiler.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{maxDepth: DefaultMaxDepth, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxDepth returns the configured nesting limit.
func (c *Compiler) MaxDepth() int { return c.maxDepth }

// Compile renders root against ctx. A nil ctx means scope.Root(). Any error
// aborts the whole compilation; no partial document is returned.
func (c *Compiler) Compile(root Node, ctx scope.Context) (doc types.Value, err error) {
	if c.observer != nil {
		start := time.Now()
		defer func() { c.observer.ObserveCompile(err, time.Since(start)) }()
	}
	if isNil(root) {
		return types.Null, types.NewInvalidArgumentError("compile", "root expression must not be nil")
	}
	if ctx == nil {
		ctx = scope.Root()
	}
	r := &renderer{maxDepth: c.maxDepth}
	doc, err = r.render(root, ctx)
	if err != nil {
		c.logger.Debug("compile failed", "node", root.nodeType(), "error", err)
		return types.Null, err
	}
	c.logger.Debug("compiled expression", "node", root.nodeType(), "depth", r.deepest)
	return doc, nil
}

// Compile renders root against ctx with a one-off compiler.
func Compile(root Node, ctx scope.Context, opts ...Option) (types.Value, error) {
	return NewCompiler(opts...).Compile(root, ctx)
}

// renderer carries the recursion depth of a single compilation.
type renderer struct {
	maxDepth int
	depth    int
	deepest  int
}

func (r *renderer) render(node Node, ctx scope.Context) (types.Value, error) {
	if isNil(node) {
		return types.Null, nil
	}
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > r.maxDepth {
		return types.Null, types.NewDepthExceededError(node.nodeType(), r.maxDepth)
	}
	if r.depth > r.deepest {
		r.deepest = r.depth
	}

	switch n := node.(type) {
	case *FieldNode:
		return renderField(n, ctx)
	case *VariableNode:
		return renderVariable(n, ctx)
	case *LiteralNode:
		return renderLiteral(n), nil
	case *RawNode:
		return n.value, nil
	case *OperatorNode:
		args, err := r.renderAll(n.args, ctx)
		if err != nil {
			return types.Null, err
		}
		return types.Doc(n.op, types.NewList(args)), nil
	case *ArrayNode:
		items, err := r.renderAll(n.elements, ctx)
		if err != nil {
			return types.Null, err
		}
		return types.NewList(items), nil
	case *ObjectNode:
		return r.renderObject(n, ctx)
	case *MapNode:
		return r.renderMap(n, ctx)
	case *FilterNode:
		return r.renderFilter(n, ctx)
	case *ReduceNode:
		return r.renderReduce(n, ctx)
	case *LetNode:
		return r.renderLet(n, ctx)
	default:
		return types.Null, types.NewInvalidArgumentError(fmt.Sprintf("%T", node), "unsupported expression node")
	}
}

func (r *renderer) renderAll(nodes []Node, ctx scope.Context) ([]types.Value, error) {
	out := make([]types.Value, len(nodes))
	for i, n := range nodes {
		v, err := r.render(n, ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r *renderer) renderObject(n *ObjectNode, ctx scope.Context) (types.Value, error) {
	if n.err != nil {
		return types.Null, n.err
	}
	m := types.NewOrderedMap()
	for i, k := range n.keys {
		v, err := r.render(n.values[i], ctx)
		if err != nil {
			return types.Null, err
		}
		m.Set(k, v)
	}
	return types.NewMap(m), nil
}

func renderField(n *FieldNode, ctx scope.Context) (types.Value, error) {
	res, err := ctx.Resolve(n.path)
	if err != nil {
		return types.Null, attribute(err, "field reference")
	}
	return types.NewString(res.Reference()), nil
}

func renderVariable(n *VariableNode, ctx scope.Context) (types.Value, error) {
	res, err := ctx.Resolve(n.name)
	if err != nil {
		return types.Null, attribute(err, "variable reference")
	}
	if res.Kind != scope.BoundVariable {
		e := types.NewUnresolvedNameError(n.name, "no enclosing scope binds this variable")
		return types.Null, e.InNode("variable reference")
	}
	return types.NewString(res.Reference()), nil
}

func renderLiteral(n *LiteralNode) types.Value {
	if containsReference(n.value) {
		return types.Doc("$literal", n.value)
	}
	return n.value
}

// containsReference reports whether v holds a string that a consumer would
// read as a field or variable reference.
func containsReference(v types.Value) bool {
	switch v.Type() {
	case types.TypeString:
		return types.IsReference(v.AsString())
	case types.TypeList:
		for _, item := range v.AsList() {
			if containsReference(item) {
				return true
			}
		}
	case types.TypeMap:
		m := v.AsMap()
		for _, k := range m.Keys() {
			if types.IsReference(k) {
				return true
			}
			item, _ := m.Get(k)
			if containsReference(item) {
				return true
			}
		}
	}
	return false
}

// renderSource renders the array input of an iterating construct against the
// context the construct itself received.
func (r *renderer) renderSource(src Source, ctx scope.Context) (types.Value, error) {
	if src.IsField() {
		return renderField(&FieldNode{path: src.field}, ctx)
	}
	return r.render(src.node, ctx)
}

func (r *renderer) renderMap(n *MapNode, ctx scope.Context) (types.Value, error) {
	input, err := r.renderSource(n.input, ctx)
	if err != nil {
		return types.Null, err
	}
	inner := scope.WithSyntheticScope(scope.NewFields(n.as), ctx)
	in, err := r.render(n.in, inner)
	if err != nil {
		return types.Null, err
	}
	m := types.NewOrderedMap()
	m.Set("input", input)
	m.Set("as", types.NewString(n.as))
	m.Set("in", in)
	return types.Doc("$map", types.NewMap(m)), nil
}

func (r *renderer) renderFilter(n *FilterNode, ctx scope.Context) (types.Value, error) {
	input, err := r.renderSource(n.input, ctx)
	if err != nil {
		return types.Null, err
	}
	inner := scope.WithSyntheticScope(scope.NewFields(n.as), ctx)
	cond, err := r.render(n.cond, inner)
	if err != nil {
		return types.Null, err
	}
	m := types.NewOrderedMap()
	m.Set("input", input)
	m.Set("as", types.NewString(n.as))
	m.Set("cond", cond)
	return types.Doc("$filter", types.NewMap(m)), nil
}

func (r *renderer) renderReduce(n *ReduceNode, ctx scope.Context) (types.Value, error) {
	input, err := r.renderSource(n.input, ctx)
	if err != nil {
		return types.Null, err
	}
	initial, err := r.render(n.initialValue, ctx)
	if err != nil {
		return types.Null, err
	}
	inner := scope.WithSyntheticScope(scope.NewFields("value", "this"), ctx)
	in, err := r.render(n.in, inner)
	if err != nil {
		return types.Null, err
	}
	m := types.NewOrderedMap()
	m.Set("input", input)
	m.Set("initialValue", initial)
	m.Set("in", in)
	return types.Doc("$reduce", types.NewMap(m)), nil
}

func (r *renderer) renderLet(n *LetNode, ctx scope.Context) (types.Value, error) {
	vars := types.NewOrderedMap()
	for _, v := range n.vars {
		// Values see the outer context only, never their siblings.
		val, err := r.render(v.value, ctx)
		if err != nil {
			return types.Null, err
		}
		vars.Set(v.name, val)
	}
	inner := scope.WithInheritingScope(scope.NewFields(n.VariableNames()...), ctx)
	in, err := r.render(n.in, inner)
	if err != nil {
		return types.Null, err
	}
	m := types.NewOrderedMap()
	m.Set("vars", types.NewMap(vars))
	m.Set("in", in)
	return types.Doc("$let", types.NewMap(m)), nil
}

func attribute(err error, node string) error {
	var ce *types.CompileError
	if errors.As(err, &ce) {
		return ce.InNode(node)
	}
	return err
}
