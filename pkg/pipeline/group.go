package pipeline

import (
	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/scope"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// GroupStage renders a $group stage. It is built fluently: every accumulator
// method returns an AccumulatorBuilder whose As call yields a new stage, so a
// stage value can be extended in several directions without interference.
type GroupStage struct {
	id   scope.Fields
	accs []accumulator
	err  error
}

type accumulator struct {
	op    string
	alias string
	value expr.Node
}

// Group starts a $group keyed by the given fields. Plain names group by the
// field of the same name; aliased fields group by their target.
func Group(fields ...scope.Field) *GroupStage {
	return &GroupStage{id: scope.FieldsOf(fields...)}
}

// GroupBy starts a $group keyed by plain field names.
func GroupBy(names ...string) *GroupStage {
	return &GroupStage{id: scope.NewFields(names...)}
}

// Name implements Stage.
func (g *GroupStage) Name() string { return "$group" }

// Err returns the first error recorded while building the stage.
func (g *GroupStage) Err() error { return g.err }

// AccumulatorBuilder is a pending accumulator waiting for its output name.
type AccumulatorBuilder struct {
	stage *GroupStage
	op    string
	value expr.Node
	err   error
}

// As finishes the accumulator under the given output name.
func (b AccumulatorBuilder) As(alias string) *GroupStage {
	g := b.stage.clone()
	switch {
	case g.err != nil:
	case b.err != nil:
		g.err = b.err
	case alias == "":
		g.err = types.NewInvalidArgumentError(b.op, "accumulator output name must not be empty")
	case alias == "_id" || g.hasOutput(alias):
		e := types.NewInvalidArgumentError("$group", "output field declared more than once")
		e.Name = alias
		g.err = e
	case g.id.Contains(alias):
		e := types.NewInvalidArgumentError("$group", "output field has the name of a group key")
		e.Name = alias
		g.err = e
	default:
		g.accs = append(g.accs, accumulator{op: b.op, alias: alias, value: b.value})
	}
	return g
}

// Count adds {"$sum": 1}.
func (g *GroupStage) Count() AccumulatorBuilder {
	return AccumulatorBuilder{stage: g, op: "$sum", value: expr.Literal(1)}
}

// Sum, Avg, Min, Max, First, Last, Push, AddToSet, StdDevPop and StdDevSamp
// accept a field name (string), an expression (expr.Node) or a constant.
func (g *GroupStage) Sum(v interface{}) AccumulatorBuilder      { return g.acc("$sum", v) }
func (g *GroupStage) Avg(v interface{}) AccumulatorBuilder      { return g.acc("$avg", v) }
func (g *GroupStage) Min(v interface{}) AccumulatorBuilder      { return g.acc("$min", v) }
func (g *GroupStage) Max(v interface{}) AccumulatorBuilder      { return g.acc("$max", v) }
func (g *GroupStage) First(v interface{}) AccumulatorBuilder    { return g.acc("$first", v) }
func (g *GroupStage) Last(v interface{}) AccumulatorBuilder     { return g.acc("$last", v) }
func (g *GroupStage) Push(v interface{}) AccumulatorBuilder     { return g.acc("$push", v) }
func (g *GroupStage) AddToSet(v interface{}) AccumulatorBuilder { return g.acc("$addToSet", v) }
func (g *GroupStage) StdDevPop(v interface{}) AccumulatorBuilder {
	return g.acc("$stdDevPop", v)
}
func (g *GroupStage) StdDevSamp(v interface{}) AccumulatorBuilder {
	return g.acc("$stdDevSamp", v)
}

// Accumulate adds an accumulator by operator name, e.g. "$mergeObjects".
func (g *GroupStage) Accumulate(op string, v interface{}) AccumulatorBuilder {
	return g.acc(op, v)
}

func (g *GroupStage) acc(op string, v interface{}) AccumulatorBuilder {
	n, err := operand(op, v)
	return AccumulatorBuilder{stage: g, op: op, value: n, err: err}
}

// operand turns an accumulator argument into a node: strings are field
// names, nodes are used as-is and anything else is a constant.
func operand(op string, v interface{}) (expr.Node, error) {
	switch x := v.(type) {
	case nil:
		return nil, types.NewInvalidArgumentError(op, "accumulator operand must not be nil")
	case string:
		if x == "" {
			return nil, types.NewInvalidArgumentError(op, "field name must not be empty")
		}
		return expr.Field(x), nil
	case expr.Node:
		return x, nil
	default:
		return expr.Literal(v), nil
	}
}

func (g *GroupStage) clone() *GroupStage {
	return &GroupStage{
		id:   g.id,
		accs: append([]accumulator(nil), g.accs...),
		err:  g.err,
	}
}

func (g *GroupStage) hasOutput(alias string) bool {
	for _, a := range g.accs {
		if a.alias == alias {
			return true
		}
	}
	return false
}

// Fields implements Stage. The group key is exposed as _id; with a single key
// field that field reads _id directly, with several each reads _id.<name>.
func (g *GroupStage) Fields() (scope.Fields, bool) {
	out := []scope.Field{scope.NewField("_id")}
	for _, f := range g.id.List() {
		target := "_id"
		if g.id.Len() > 1 {
			target = "_id." + f.Name
		}
		out = append(out, scope.AliasedField(f.Name, target))
	}
	for _, a := range g.accs {
		out = append(out, scope.NewField(a.alias))
	}
	return scope.FieldsOf(out...), true
}

// Render implements Stage.
func (g *GroupStage) Render(c *expr.Compiler, ctx scope.Context) (types.Value, error) {
	if g.err != nil {
		return types.Null, g.err
	}

	id, err := g.renderID(c, ctx)
	if err != nil {
		return types.Null, err
	}
	body := types.NewOrderedMap()
	body.Set("_id", id)
	for _, a := range g.accs {
		v, err := c.Compile(a.value, ctx)
		if err != nil {
			return types.Null, err
		}
		body.Set(a.alias, types.Doc(a.op, v))
	}
	return types.Doc(g.Name(), types.NewMap(body)), nil
}

func (g *GroupStage) renderID(c *expr.Compiler, ctx scope.Context) (types.Value, error) {
	switch g.id.Len() {
	case 0:
		return types.Null, nil
	case 1:
		return c.Compile(expr.Field(g.id.List()[0].Target), ctx)
	}
	m := types.NewOrderedMap()
	for _, f := range g.id.List() {
		v, err := c.Compile(expr.Field(f.Target), ctx)
		if err != nil {
			return types.Null, err
		}
		m.Set(f.Name, v)
	}
	return types.NewMap(m), nil
}
