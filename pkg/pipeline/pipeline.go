// Package pipeline assembles aggregation stages and renders them in order.
//
// Each stage renders its expressions against a root context. The first stage
// sees the input document (optionally restricted to a declared set of
// fields); every later stage sees only the fields the stage before it
// exposes, with references rewritten to where that stage put them.
package pipeline

import (
	"fmt"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/scope"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// Stage is one step of a pipeline.
type Stage interface {
	// Name returns the stage operator, e.g. "$group".
	Name() string
	// Render produces the stage document against ctx.
	Render(c *expr.Compiler, ctx scope.Context) (types.Value, error)
	// Fields returns the fields visible to the next stage. ok is false when
	// the stage passes its input shape through unchanged.
	Fields() (fields scope.Fields, ok bool)
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	input  scope.Fields
	stages []Stage
}

// New creates a pipeline over an unrestricted input document.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// WithInput returns a copy of the pipeline whose first stage may only
// reference the given fields.
func (p *Pipeline) WithInput(fields scope.Fields) *Pipeline {
	return &Pipeline{input: fields, stages: p.stages}
}

// Stages returns the stages in order.
func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Render renders every stage. The result is a list of stage documents.
func (p *Pipeline) Render(c *expr.Compiler) (types.Value, error) {
	if c == nil {
		c = expr.NewCompiler()
	}

	ctx := scope.Root()
	if p.input.Len() > 0 {
		ctx = scope.RootWithFields(p.input)
	}

	out := make([]types.Value, 0, len(p.stages))
	for i, s := range p.stages {
		if s == nil {
			return types.Null, types.NewInvalidArgumentError("pipeline", fmt.Sprintf("stage %d is nil", i))
		}
		doc, err := s.Render(c, ctx)
		if err != nil {
			return types.Null, fmt.Errorf("stage %d (%s): %w", i, s.Name(), err)
		}
		out = append(out, doc)
		if fields, ok := s.Fields(); ok {
			ctx = scope.RootWithFields(fields)
		}
	}
	return types.NewList(out), nil
}

// MatchStage renders {"$match": {"$expr": cond}}. It does not change the
// document shape.
type MatchStage struct {
	cond expr.Node
}

// Match creates a $match stage over an expression.
func Match(cond expr.Node) *MatchStage {
	return &MatchStage{cond: cond}
}

// Name implements Stage.
func (m *MatchStage) Name() string { return "$match" }

// Fields implements Stage.
func (m *MatchStage) Fields() (scope.Fields, bool) { return scope.Fields{}, false }

// Render implements Stage.
func (m *MatchStage) Render(c *expr.Compiler, ctx scope.Context) (types.Value, error) {
	if m.cond == nil {
		return types.Null, types.NewInvalidArgumentError(m.Name(), "condition must not be nil")
	}
	cond, err := c.Compile(m.cond, ctx)
	if err != nil {
		return types.Null, err
	}
	return types.Doc(m.Name(), types.Doc("$expr", cond)), nil
}
