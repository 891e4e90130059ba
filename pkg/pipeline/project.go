package pipeline

import (
	"strings"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/scope"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// ProjectStage renders a $project stage. Plain fields render as inclusions
// (1); aliased fields and computed outputs render as expressions. The next
// stage sees exactly the projected names plus _id.
type ProjectStage struct {
	include  scope.Fields
	computed []projection
	err      error
}

type projection struct {
	alias string
	value expr.Node
}

// Project starts a $project including the given fields.
func Project(fields ...scope.Field) *ProjectStage {
	return &ProjectStage{include: scope.FieldsOf(fields...)}
}

// ProjectFields starts a $project including plain field names.
func ProjectFields(names ...string) *ProjectStage {
	return &ProjectStage{include: scope.NewFields(names...)}
}

// Name implements Stage.
func (p *ProjectStage) Name() string { return "$project" }

// Err returns the first error recorded while building the stage.
func (p *ProjectStage) Err() error { return p.err }

// And adds a computed output.
func (p *ProjectStage) And(alias string, value expr.Node) *ProjectStage {
	c := &ProjectStage{
		include:  p.include,
		computed: append([]projection(nil), p.computed...),
		err:      p.err,
	}
	if c.err != nil {
		return c
	}
	switch {
	case alias == "":
		c.err = types.NewInvalidArgumentError(p.Name(), "projected field name must not be empty")
	case value == nil:
		e := types.NewInvalidArgumentError(p.Name(), "projection expression must not be nil")
		e.Name = alias
		c.err = e
	case p.include.Contains(alias) || p.includesParentOf(alias) || p.hasComputed(alias):
		e := types.NewInvalidArgumentError(p.Name(), "output field declared more than once")
		e.Name = alias
		c.err = e
	default:
		c.computed = append(c.computed, projection{alias: alias, value: value})
	}
	return c
}

// includesParentOf reports whether a dotted inclusion such as "a.b" already
// produces the top-level field alias.
func (p *ProjectStage) includesParentOf(alias string) bool {
	for _, f := range p.include.List() {
		if head(f.Name) == alias {
			return true
		}
	}
	return false
}

func head(path string) string {
	h, _, _ := strings.Cut(path, ".")
	return h
}

func (p *ProjectStage) hasComputed(alias string) bool {
	for _, c := range p.computed {
		if c.alias == alias {
			return true
		}
	}
	return false
}

// Fields implements Stage. A dotted inclusion "a.b" produces the document
// {a: {b: ...}}, so the next stage sees its top-level field a.
func (p *ProjectStage) Fields() (scope.Fields, bool) {
	out := []scope.Field{scope.NewField("_id")}
	for _, f := range p.include.List() {
		out = append(out, scope.NewField(head(f.Name)))
	}
	for _, c := range p.computed {
		out = append(out, scope.NewField(c.alias))
	}
	return scope.FieldsOf(out...), true
}

// Render implements Stage.
func (p *ProjectStage) Render(c *expr.Compiler, ctx scope.Context) (types.Value, error) {
	if p.err != nil {
		return types.Null, p.err
	}
	if p.include.Len() == 0 && len(p.computed) == 0 {
		return types.Null, types.NewInvalidArgumentError(p.Name(), "projection must name at least one field")
	}

	body := types.NewOrderedMap()
	for _, f := range p.include.List() {
		// Validate the field against the previous stage even when it renders
		// as a plain inclusion.
		ref, err := c.Compile(expr.Field(f.Target), ctx)
		if err != nil {
			return types.Null, err
		}
		if ref.AsString() == "$"+f.Name {
			body.Set(f.Name, types.NewInt(1))
		} else {
			body.Set(f.Name, ref)
		}
	}
	for _, pr := range p.computed {
		v, err := c.Compile(pr.value, ctx)
		if err != nil {
			return types.Null, err
		}
		body.Set(pr.alias, v)
	}
	return types.Doc(p.Name(), types.NewMap(body)), nil
}
