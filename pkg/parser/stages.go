package parser

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/pipeline"
	"github.com/lemonberrylabs/aggexpr/pkg/scope"
)

// parseStages parses the stages sequence of a pipeline definition.
func parseStages(node *yaml.Node) ([]pipeline.Stage, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, &ParseError{Message: "stages must be a sequence", Location: location(node)}
	}
	if len(node.Content) == 0 {
		return nil, &ParseError{Message: "pipeline must have at least one stage", Location: location(node)}
	}
	if len(node.Content) > MaxStages {
		return nil, &ParseError{
			Message:  fmt.Sprintf("pipeline has %d stages, maximum is %d", len(node.Content), MaxStages),
			Location: location(node),
		}
	}

	stages := make([]pipeline.Stage, 0, len(node.Content))
	for i, item := range node.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return nil, &ParseError{
				Message:  "each stage must be a single-key mapping",
				Location: fmt.Sprintf("stage %d", i),
			}
		}
		name := item.Content[0].Value
		body := item.Content[1]
		loc := fmt.Sprintf("stage %d (%s)", i, name)

		var (
			stage pipeline.Stage
			err   error
		)
		switch name {
		case "$group":
			stage, err = parseGroup(body, loc)
		case "$project":
			stage, err = parseProject(body, loc)
		case "$match":
			stage, err = parseMatch(body, loc)
		default:
			return nil, &ParseError{Message: fmt.Sprintf("unknown stage '%s'", name), Location: loc}
		}
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// parseGroup parses {_id: ..., alias: {$acc: operand}, ...}.
func parseGroup(node *yaml.Node, loc string) (pipeline.Stage, error) {
	if node.Kind != yaml.MappingNode {
		return nil, &ParseError{Message: "$group must be a mapping", Location: loc}
	}

	var g *pipeline.GroupStage
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "_id" {
			continue
		}
		id, err := parseGroupID(node.Content[i+1], loc)
		if err != nil {
			return nil, err
		}
		g = pipeline.Group(id...)
	}
	if g == nil {
		return nil, &ParseError{Message: "$group must have an '_id'", Location: loc}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		alias := node.Content[i].Value
		if alias == "_id" {
			continue
		}
		acc := node.Content[i+1]
		if acc.Kind != yaml.MappingNode || len(acc.Content) != 2 || !strings.HasPrefix(acc.Content[0].Value, "$") {
			return nil, &ParseError{
				Message:  fmt.Sprintf("accumulator '%s' must be a single-key mapping like {$sum: ...}", alias),
				Location: loc,
			}
		}
		operand, err := parseNode(acc.Content[1], 1)
		if err != nil {
			return nil, err
		}
		g = g.Accumulate(acc.Content[0].Value, operand).As(alias)
	}
	if err := g.Err(); err != nil {
		return nil, builderError(err, loc)
	}
	return g, nil
}

// parseGroupID accepts null, "$field", or a mapping of name to "$field".
func parseGroupID(node *yaml.Node, loc string) ([]scope.Field, error) {
	if node.Kind == yaml.ScalarNode && scalarToInterface(node) == nil {
		return nil, nil
	}
	if path, ok := fieldRef(node); ok {
		name := path
		if i := strings.LastIndexByte(path, '.'); i >= 0 {
			name = path[i+1:]
		}
		return []scope.Field{scope.AliasedField(name, path)}, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &ParseError{Message: "_id must be null, a field reference or a mapping of field references", Location: loc}
	}
	var fields []scope.Field
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		target, ok := fieldRef(node.Content[i+1])
		if !ok {
			return nil, &ParseError{
				Message:  fmt.Sprintf("_id field '%s' must be a field reference", name),
				Location: loc,
			}
		}
		fields = append(fields, scope.AliasedField(name, target))
	}
	return fields, nil
}

// parseProject parses {name: 1, alias: "$path", computed: expression}.
func parseProject(node *yaml.Node, loc string) (pipeline.Stage, error) {
	if node.Kind != yaml.MappingNode {
		return nil, &ParseError{Message: "$project must be a mapping", Location: loc}
	}

	var include []scope.Field
	type computed struct {
		alias string
		value expr.Node
	}
	var outputs []computed
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		val := node.Content[i+1]

		if val.Kind == yaml.ScalarNode {
			switch v := scalarToInterface(val).(type) {
			case bool:
				if v {
					include = append(include, scope.NewField(name))
				}
				continue
			case int64:
				if v == 1 {
					include = append(include, scope.NewField(name))
					continue
				}
				if v == 0 {
					continue
				}
			}
			if target, ok := fieldRef(val); ok && !strings.Contains(val.Value, "${") {
				include = append(include, scope.AliasedField(name, target))
				continue
			}
		}
		n, err := parseNode(val, 1)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, computed{alias: name, value: n})
	}

	p := pipeline.Project(include...)
	for _, o := range outputs {
		p = p.And(o.alias, o.value)
	}
	if err := p.Err(); err != nil {
		return nil, builderError(err, loc)
	}
	return p, nil
}

// parseMatch parses {$expr: condition} or a bare condition.
func parseMatch(node *yaml.Node, loc string) (pipeline.Stage, error) {
	cond := node
	if node.Kind == yaml.MappingNode && len(node.Content) == 2 && node.Content[0].Value == "$expr" {
		cond = node.Content[1]
	}
	n, err := parseNode(cond, 1)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, &ParseError{Message: "$match needs a condition", Location: loc}
	}
	return pipeline.Match(n), nil
}
