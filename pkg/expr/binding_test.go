package expr

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name     string
		build    func() error
		wantName string
	}{
		{
			name: "map without input",
			build: func() error {
				_, err := MapItemsOf("").As("x").AndApply(Field("x"))
				return err
			},
		},
		{
			name: "map over nil expression",
			build: func() error {
				_, err := MapItemsOfExpression(nil).As("x").AndApply(Field("x"))
				return err
			},
		},
		{
			name: "map without item name",
			build: func() error {
				_, err := MapItemsOf("a").AndApply(Field("x"))
				return err
			},
		},
		{
			name: "map item name with sigil",
			build: func() error {
				_, err := MapItemsOf("a").As("$x").AndApply(Field("x"))
				return err
			},
			wantName: "$x",
		},
		{
			name: "filter without condition",
			build: func() error {
				_, err := FilterItemsOf("a").As("x").By(nil)
				return err
			},
		},
		{
			name: "filter item name with dot",
			build: func() error {
				_, err := FilterItemsOf("a").As("x.y").By(Field("x"))
				return err
			},
			wantName: "x.y",
		},
		{
			name: "reduce without initial value",
			build: func() error {
				_, err := Reduce(FieldSource("a")).AndApply(Field("value"))
				return err
			},
		},
		{
			name: "reduce without input",
			build: func() error {
				_, err := Reduce(FieldSource("")).StartingWith(Literal(0)).AndApply(Field("value"))
				return err
			},
		},
		{
			name: "let without body",
			build: func() error {
				_, err := Define(NewVariable("a").ForValue(1)).AndApply(nil)
				return err
			},
		},
		{
			name: "let variable without value",
			build: func() error {
				_, err := Define(NewVariable("a")).AndApply(Field("a"))
				return err
			},
			wantName: "a",
		},
		{
			name: "let variable without name",
			build: func() error {
				_, err := Define(NewVariable("").ForValue(1)).AndApply(Field("a"))
				return err
			},
		},
		{
			name: "let duplicate variable",
			build: func() error {
				_, err := Define(NewVariable("a").ForValue(1), NewVariable("a").ForValue(2)).AndApply(Field("a"))
				return err
			},
			wantName: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build()
			if !errors.Is(err, types.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			var ce *types.CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CompileError, got %T", err)
			}
			if ce.Name != tt.wantName {
				t.Errorf("got name %q, want %q", ce.Name, tt.wantName)
			}
			if ce.Node == "" {
				t.Error("error does not name the construct")
			}
		})
	}
}

func TestBuildersAreValues(t *testing.T) {
	base := MapItemsOf("items")
	a := must(base.As("a").AndApply(Field("a")))
	b := must(base.As("b").AndApply(Field("b")))

	if a.as != "a" || b.as != "b" {
		t.Errorf("builders shared state: %q, %q", a.as, b.as)
	}
	if _, err := base.AndApply(Field("x")); err == nil {
		t.Error("base builder picked up a name from a derived builder")
	}
}

func TestLetVariableNames(t *testing.T) {
	vars := []ExpressionVariable{NewVariable("z").ForValue(1), NewVariable("a").ForValue(2)}
	let := must(Define(vars...).AndApply(Field("a")))

	// Mutating the caller's slice does not affect the built node.
	vars[0] = NewVariable("changed").ForValue(0)

	if diff := cmp.Diff([]string{"z", "a"}, let.VariableNames()); diff != "" {
		t.Errorf("variable names mismatch (-want +got):\n%s", diff)
	}
	if got := vars[1].Name(); got != "a" {
		t.Errorf("got %s, want a", got)
	}
}

func TestOperatorArity(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want bool
	}{
		{"size", 1, true},
		{"size", 2, false},
		{"add", 5, true},
		{"add", 0, false},
		{"cond", 3, true},
		{"ifNull", 1, false},
	}
	for _, tt := range tests {
		arity, ok := Operators[tt.name]
		if !ok {
			t.Fatalf("operator %s not registered", tt.name)
		}
		if got := arity.Accepts(tt.n); got != tt.want {
			t.Errorf("%s.Accepts(%d) = %v, want %v", tt.name, tt.n, got, tt.want)
		}
	}
}
