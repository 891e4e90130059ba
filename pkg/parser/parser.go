// Package parser converts YAML/JSON definitions into expression trees and
// pipelines.
//
// A definition is a mapping with an optional "input" key naming the fields
// the input document exposes, and exactly one of "expression" (a single
// expression) or "stages" (a pipeline). Inside expressions, "$a.b" is a
// field reference, "$$v" a variable reference, a single-key mapping whose key
// starts with "$" an operator, and "${...}" the infix shorthand.
package parser

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/pipeline"
	"github.com/lemonberrylabs/aggexpr/pkg/scope"
	"github.com/lemonberrylabs/aggexpr/pkg/syntax"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// MaxSourceSize is the maximum definition source size in bytes (128 KB).
const MaxSourceSize = 128 * 1024

// MaxNesting bounds how deeply definition documents may nest.
const MaxNesting = 128

// MaxStages is the maximum number of stages in a pipeline definition.
const MaxStages = 100

// ParseError represents an error encountered during definition parsing.
type ParseError struct {
	Message  string
	Location string // e.g., "line 4" or "stage 2 ($group)"
	Err      error  // underlying builder error, if any
}

func (e *ParseError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("parse error at %s: %s", e.Location, e.Message)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error { return e.Err }

// Definition is a parsed definition: either one expression or a pipeline.
type Definition struct {
	Input      scope.Fields
	Expression expr.Node
	Pipeline   *pipeline.Pipeline
}

// IsPipeline reports whether the definition holds stages.
func (d *Definition) IsPipeline() bool { return d.Pipeline != nil }

// Compile renders the definition. Expressions render to a single document,
// pipelines to a list of stage documents.
func (d *Definition) Compile(c *expr.Compiler) (types.Value, error) {
	if c == nil {
		c = expr.NewCompiler()
	}
	if d.Pipeline != nil {
		return d.Pipeline.Render(c)
	}
	ctx := scope.Root()
	if d.Input.Len() > 0 {
		ctx = scope.RootWithFields(d.Input)
	}
	return c.Compile(d.Expression, ctx)
}

// Parse parses a YAML or JSON definition.
func Parse(source []byte) (*Definition, error) {
	if len(source) > MaxSourceSize {
		return nil, &ParseError{Message: fmt.Sprintf("definition source size %d exceeds maximum %d bytes", len(source), MaxSourceSize)}
	}

	source = preprocessSource(source)

	var raw yaml.Node
	if err := yaml.Unmarshal(source, &raw); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid YAML: %v", err)}
	}

	if raw.Kind != yaml.DocumentNode || len(raw.Content) == 0 {
		return nil, &ParseError{Message: "empty definition"}
	}

	root := raw.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Message: "definition must be a mapping", Location: location(root)}
	}

	def := &Definition{}
	var exprNode, stagesNode *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		val := root.Content[i+1]

		switch key {
		case "input":
			fields, err := parseFields(val)
			if err != nil {
				return nil, err
			}
			def.Input = fields
		case "expression":
			exprNode = val
		case "stages":
			stagesNode = val
		default:
			return nil, &ParseError{
				Message:  fmt.Sprintf("unknown key '%s' in definition", key),
				Location: location(root.Content[i]),
			}
		}
	}

	switch {
	case exprNode != nil && stagesNode != nil:
		return nil, &ParseError{Message: "definition must have either 'expression' or 'stages', not both"}
	case exprNode != nil:
		n, err := parseNode(exprNode, 0)
		if err != nil {
			return nil, err
		}
		def.Expression = n
	case stagesNode != nil:
		stages, err := parseStages(stagesNode)
		if err != nil {
			return nil, err
		}
		def.Pipeline = pipeline.New(stages...)
		if def.Input.Len() > 0 {
			def.Pipeline = def.Pipeline.WithInput(def.Input)
		}
	default:
		return nil, &ParseError{Message: "definition must have 'expression' or 'stages'"}
	}

	return def, nil
}

// ParseExpression parses a YAML or JSON document holding one bare expression.
func ParseExpression(source []byte) (expr.Node, error) {
	if len(source) > MaxSourceSize {
		return nil, &ParseError{Message: fmt.Sprintf("expression source size %d exceeds maximum %d bytes", len(source), MaxSourceSize)}
	}
	var raw yaml.Node
	if err := yaml.Unmarshal(preprocessSource(source), &raw); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if raw.Kind != yaml.DocumentNode || len(raw.Content) == 0 {
		return nil, &ParseError{Message: "empty expression"}
	}
	return parseNode(raw.Content[0], 0)
}

// parseFields parses the input field list: either a sequence of names or a
// mapping of name to "$target".
func parseFields(node *yaml.Node) (scope.Fields, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		names := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode || item.Value == "" {
				return scope.Fields{}, &ParseError{Message: "input field must be a name", Location: location(item)}
			}
			names = append(names, strings.TrimPrefix(item.Value, "$"))
		}
		return scope.NewFields(names...), nil
	case yaml.MappingNode:
		var fields []scope.Field
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			target, ok := fieldRef(node.Content[i+1])
			if !ok {
				return scope.Fields{}, &ParseError{
					Message:  fmt.Sprintf("input field '%s' must map to a field reference", name),
					Location: location(node.Content[i+1]),
				}
			}
			fields = append(fields, scope.AliasedField(name, target))
		}
		return scope.FieldsOf(fields...), nil
	}
	return scope.Fields{}, &ParseError{Message: "input must be a sequence or mapping", Location: location(node)}
}

// fieldRef returns the path of a "$path" scalar.
func fieldRef(node *yaml.Node) (string, bool) {
	if node.Kind != yaml.ScalarNode || node.Tag == "!!null" {
		return "", false
	}
	v := node.Value
	if !strings.HasPrefix(v, "$") || strings.HasPrefix(v, "$$") || len(v) < 2 {
		return "", false
	}
	return v[1:], true
}

// parseNode converts a yaml.Node into an expression.
func parseNode(node *yaml.Node, depth int) (expr.Node, error) {
	if depth > MaxNesting {
		return nil, &ParseError{
			Message:  fmt.Sprintf("definition nesting exceeds maximum depth of %d", MaxNesting),
			Location: location(node),
		}
	}

	switch node.Kind {
	case yaml.AliasNode:
		return parseNode(node.Alias, depth+1)
	case yaml.ScalarNode:
		return parseScalar(node)
	case yaml.SequenceNode:
		items, err := parseNodes(node.Content, depth)
		if err != nil {
			return nil, err
		}
		return expr.Array(items...), nil
	case yaml.MappingNode:
		return parseMapping(node, depth)
	}
	return nil, &ParseError{Message: "unsupported YAML node", Location: location(node)}
}

func parseNodes(nodes []*yaml.Node, depth int) ([]expr.Node, error) {
	out := make([]expr.Node, len(nodes))
	for i, n := range nodes {
		v, err := parseNode(n, depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseScalar(node *yaml.Node) (expr.Node, error) {
	v := scalarToInterface(node)
	s, ok := v.(string)
	if !ok {
		return expr.Literal(v), nil
	}

	if n, ok, err := syntax.ParseTemplate(s); ok {
		if err != nil {
			return nil, &ParseError{Message: err.Error(), Location: location(node), Err: err}
		}
		return n, nil
	}
	switch {
	case strings.HasPrefix(s, "$$"):
		if len(s) == 2 {
			return nil, &ParseError{Message: "empty variable reference", Location: location(node)}
		}
		return expr.Variable(s[2:]), nil
	case strings.HasPrefix(s, "$"):
		if len(s) == 1 {
			return nil, &ParseError{Message: "empty field reference", Location: location(node)}
		}
		return expr.Field(s[1:]), nil
	}
	return expr.Literal(s), nil
}

// operatorArity maps rendered operator names back to their argument bounds.
var operatorArity = func() map[string]expr.Arity {
	m := make(map[string]expr.Arity, len(expr.Operators))
	for _, a := range expr.Operators {
		m[a.Op] = a
	}
	return m
}()

func parseMapping(node *yaml.Node, depth int) (expr.Node, error) {
	if len(node.Content) == 2 && strings.HasPrefix(node.Content[0].Value, "$") {
		return parseOperator(node.Content[0], node.Content[1], depth)
	}

	keys := make([]string, 0, len(node.Content)/2)
	values := make([]expr.Node, 0, len(node.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if strings.HasPrefix(key, "$") {
			return nil, &ParseError{
				Message:  fmt.Sprintf("operator '%s' must be the only key of its mapping", key),
				Location: location(node.Content[i]),
			}
		}
		if seen[key] {
			return nil, &ParseError{Message: fmt.Sprintf("duplicate key '%s'", key), Location: location(node.Content[i])}
		}
		seen[key] = true
		v, err := parseNode(node.Content[i+1], depth+1)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		values = append(values, v)
	}
	return expr.ObjectOf(keys, values), nil
}

func parseOperator(keyNode, val *yaml.Node, depth int) (expr.Node, error) {
	op := keyNode.Value
	loc := fmt.Sprintf("%s (%s)", location(keyNode), op)

	switch op {
	case "$literal":
		return expr.Literal(nodeToInterface(val)), nil
	case "$map":
		return parseMap(val, loc, depth)
	case "$filter":
		return parseFilter(val, loc, depth)
	case "$reduce":
		return parseReduce(val, loc, depth)
	case "$let":
		return parseLet(val, loc, depth)
	}

	var args []expr.Node
	if val.Kind == yaml.SequenceNode {
		items, err := parseNodes(val.Content, depth)
		if err != nil {
			return nil, err
		}
		args = items
	} else {
		arg, err := parseNode(val, depth+1)
		if err != nil {
			return nil, err
		}
		args = []expr.Node{arg}
	}

	if arity, ok := operatorArity[op]; ok && !arity.Accepts(len(args)) {
		return nil, &ParseError{
			Message:  fmt.Sprintf("%s does not accept %d argument(s)", op, len(args)),
			Location: loc,
		}
	}
	return expr.Operator(op, args...), nil
}

// bindingArgs collects the keys of a binding construct's argument mapping
// and rejects keys it does not know.
func bindingArgs(node *yaml.Node, loc string, allowed ...string) (map[string]*yaml.Node, error) {
	if node.Kind != yaml.MappingNode {
		return nil, &ParseError{Message: "arguments must be a mapping", Location: loc}
	}
	args := make(map[string]*yaml.Node, len(allowed))
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		known := false
		for _, a := range allowed {
			if key == a {
				known = true
				break
			}
		}
		if !known {
			return nil, &ParseError{Message: fmt.Sprintf("unknown argument '%s'", key), Location: loc}
		}
		args[key] = node.Content[i+1]
	}
	return args, nil
}

// parseSource reads the input of an iterating construct. A plain "$path"
// becomes a field source; anything else is an expression.
func parseSource(node *yaml.Node, depth int) (expr.Source, error) {
	if node == nil {
		return expr.Source{}, nil
	}
	if path, ok := fieldRef(node); ok && !strings.Contains(node.Value, "${") {
		return expr.FieldSource(path), nil
	}
	n, err := parseNode(node, depth+1)
	if err != nil {
		return expr.Source{}, err
	}
	return expr.ExpressionSource(n), nil
}

func parseOptional(node *yaml.Node, depth int) (expr.Node, error) {
	if node == nil {
		return nil, nil
	}
	return parseNode(node, depth+1)
}

func builderError(err error, loc string) error {
	return &ParseError{Message: err.Error(), Location: loc, Err: err}
}

func parseMap(node *yaml.Node, loc string, depth int) (expr.Node, error) {
	args, err := bindingArgs(node, loc, "input", "as", "in")
	if err != nil {
		return nil, err
	}
	src, err := parseSource(args["input"], depth)
	if err != nil {
		return nil, err
	}
	in, err := parseOptional(args["in"], depth)
	if err != nil {
		return nil, err
	}
	m, err := expr.ForEachItemIn(src).As(scalarValue(args["as"])).AndApply(in)
	if err != nil {
		return nil, builderError(err, loc)
	}
	return m, nil
}

func parseFilter(node *yaml.Node, loc string, depth int) (expr.Node, error) {
	args, err := bindingArgs(node, loc, "input", "as", "cond")
	if err != nil {
		return nil, err
	}
	src, err := parseSource(args["input"], depth)
	if err != nil {
		return nil, err
	}
	cond, err := parseOptional(args["cond"], depth)
	if err != nil {
		return nil, err
	}

	f, err := expr.FilterItemsIn(src).As(scalarValue(args["as"])).By(cond)
	if err != nil {
		return nil, builderError(err, loc)
	}
	return f, nil
}

func parseReduce(node *yaml.Node, loc string, depth int) (expr.Node, error) {
	args, err := bindingArgs(node, loc, "input", "initialValue", "in")
	if err != nil {
		return nil, err
	}
	src, err := parseSource(args["input"], depth)
	if err != nil {
		return nil, err
	}
	init, err := parseOptional(args["initialValue"], depth)
	if err != nil {
		return nil, err
	}
	in, err := parseOptional(args["in"], depth)
	if err != nil {
		return nil, err
	}
	r, err := expr.Reduce(src).StartingWith(init).AndApply(in)
	if err != nil {
		return nil, builderError(err, loc)
	}
	return r, nil
}

func parseLet(node *yaml.Node, loc string, depth int) (expr.Node, error) {
	args, err := bindingArgs(node, loc, "vars", "in")
	if err != nil {
		return nil, err
	}

	var vars []expr.ExpressionVariable
	if v := args["vars"]; v != nil {
		if v.Kind != yaml.MappingNode {
			return nil, &ParseError{Message: "vars must be a mapping", Location: loc}
		}
		for i := 0; i+1 < len(v.Content); i += 2 {
			value, err := parseNode(v.Content[i+1], depth+1)
			if err != nil {
				return nil, err
			}
			vars = append(vars, expr.NewVariable(v.Content[i].Value).ForExpression(value))
		}
	}

	in, err := parseOptional(args["in"], depth)
	if err != nil {
		return nil, err
	}
	l, err := expr.Define(vars...).AndApply(in)
	if err != nil {
		return nil, builderError(err, loc)
	}
	return l, nil
}

func scalarValue(node *yaml.Node) string {
	if node == nil || node.Kind != yaml.ScalarNode {
		return ""
	}
	return node.Value
}

func location(node *yaml.Node) string {
	if node == nil || node.Line == 0 {
		return ""
	}
	return fmt.Sprintf("line %d", node.Line)
}
