package expr

import (
	"fmt"
	"reflect"

	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// MapBuilder collects the parts of a $map expression. Builders are values;
// every method returns a new builder and validation happens in AndApply.
type MapBuilder struct {
	input Source
	as    string
}

// ForEachItemIn starts a $map over the given source.
func ForEachItemIn(src Source) MapBuilder {
	return MapBuilder{input: src}
}

// MapItemsOf starts a $map over the array at a field path.
func MapItemsOf(field string) MapBuilder {
	return ForEachItemIn(FieldSource(field))
}

// MapItemsOfExpression starts a $map over the array an expression yields.
func MapItemsOfExpression(n Node) MapBuilder {
	if isNil(n) {
		return MapBuilder{}
	}
	return ForEachItemIn(ExpressionSource(n))
}

// As names the variable each item is bound to.
func (b MapBuilder) As(name string) MapBuilder {
	b.as = name
	return b
}

// AndApply finishes the $map with the expression applied to each item.
func (b MapBuilder) AndApply(in Node) (*MapNode, error) {
	if err := validateIteration("$map", b.input, b.as); err != nil {
		return nil, err
	}
	if isNil(in) {
		return nil, types.NewInvalidArgumentError("$map", "mapping expression must not be nil")
	}
	return &MapNode{input: b.input, as: b.as, in: in}, nil
}

// FilterBuilder collects the parts of a $filter expression.
type FilterBuilder struct {
	input Source
	as    string
}

// FilterItemsIn starts a $filter over the given source.
func FilterItemsIn(src Source) FilterBuilder {
	return FilterBuilder{input: src}
}

// FilterItemsOf starts a $filter over the array at a field path.
func FilterItemsOf(field string) FilterBuilder {
	return FilterItemsIn(FieldSource(field))
}

// FilterItemsOfExpression starts a $filter over the array an expression yields.
func FilterItemsOfExpression(n Node) FilterBuilder {
	if isNil(n) {
		return FilterBuilder{}
	}
	return FilterItemsIn(ExpressionSource(n))
}

// As names the variable each item is bound to.
func (b FilterBuilder) As(name string) FilterBuilder {
	b.as = name
	return b
}

// By finishes the $filter with the condition items must satisfy.
func (b FilterBuilder) By(cond Node) (*FilterNode, error) {
	if err := validateIteration("$filter", b.input, b.as); err != nil {
		return nil, err
	}
	if isNil(cond) {
		return nil, types.NewInvalidArgumentError("$filter", "condition must not be nil")
	}
	return &FilterNode{input: b.input, as: b.as, cond: cond}, nil
}

// ReduceBuilder collects the parts of a $reduce expression.
type ReduceBuilder struct {
	input        Source
	initialValue Node
}

// Reduce starts a $reduce over the given source.
func Reduce(src Source) ReduceBuilder {
	return ReduceBuilder{input: src}
}

// StartingWith sets the initial accumulator value.
func (b ReduceBuilder) StartingWith(init Node) ReduceBuilder {
	b.initialValue = init
	return b
}

// AndApply finishes the $reduce with the fold expression. Inside it, "value"
// is the accumulator and "this" the current item.
func (b ReduceBuilder) AndApply(in Node) (*ReduceNode, error) {
	if !b.input.valid() {
		return nil, types.NewInvalidArgumentError("$reduce", "input must not be empty")
	}
	if isNil(b.initialValue) {
		return nil, types.NewInvalidArgumentError("$reduce", "initial value must not be nil")
	}
	if isNil(in) {
		return nil, types.NewInvalidArgumentError("$reduce", "fold expression must not be nil")
	}
	return &ReduceNode{input: b.input, initialValue: b.initialValue, in: in}, nil
}

// ExpressionVariable is a name bound by a $let, together with its value.
type ExpressionVariable struct {
	name  string
	value Node
}

// NewVariable starts a variable declaration.
func NewVariable(name string) ExpressionVariable {
	return ExpressionVariable{name: name}
}

// ForExpression binds the variable to an expression.
func (v ExpressionVariable) ForExpression(n Node) ExpressionVariable {
	v.value = n
	return v
}

// ForValue binds the variable to a constant.
func (v ExpressionVariable) ForValue(val interface{}) ExpressionVariable {
	v.value = Literal(val)
	return v
}

// ForDocument binds the variable to a document passed through verbatim.
func (v ExpressionVariable) ForDocument(doc types.Value) ExpressionVariable {
	v.value = Raw(doc)
	return v
}

// Name returns the variable name.
func (v ExpressionVariable) Name() string { return v.name }

// LetBuilder collects the variables of a $let expression.
type LetBuilder struct {
	vars []ExpressionVariable
}

// Define starts a $let with the given variables.
func Define(vars ...ExpressionVariable) LetBuilder {
	return LetBuilder{vars: append([]ExpressionVariable(nil), vars...)}
}

// AndApply finishes the $let with the body evaluated against the variables.
func (b LetBuilder) AndApply(in Node) (*LetNode, error) {
	seen := make(map[string]bool, len(b.vars))
	for i, v := range b.vars {
		if v.name == "" {
			return nil, types.NewInvalidArgumentError("$let",
				fmt.Sprintf("variable %d has no name", i))
		}
		if err := validateVariableName("$let", v.name); err != nil {
			return nil, err
		}
		if seen[v.name] {
			e := types.NewInvalidArgumentError("$let", "variable declared more than once")
			e.Name = v.name
			return nil, e
		}
		seen[v.name] = true
		if isNil(v.value) {
			e := types.NewInvalidArgumentError("$let", "variable has no value")
			e.Name = v.name
			return nil, e
		}
	}
	if isNil(in) {
		return nil, types.NewInvalidArgumentError("$let", "body expression must not be nil")
	}
	return &LetNode{vars: append([]ExpressionVariable(nil), b.vars...), in: in}, nil
}

func validateIteration(node string, input Source, as string) error {
	if !input.valid() {
		return types.NewInvalidArgumentError(node, "input must not be empty")
	}
	if as == "" {
		return types.NewInvalidArgumentError(node, "item variable name must not be empty")
	}
	return validateVariableName(node, as)
}

// validateVariableName rejects names that could not be referenced: they must
// not carry a sigil or contain a path separator.
func validateVariableName(node, name string) error {
	for i := 0; i < len(name); i++ {
		if name[i] == '$' || name[i] == '.' {
			e := types.NewInvalidArgumentError(node, "variable name must not contain '$' or '.'")
			e.Name = name
			return e
		}
	}
	return nil
}

func isNil(n Node) bool {
	if n == nil {
		return true
	}
	v := reflect.ValueOf(n)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
