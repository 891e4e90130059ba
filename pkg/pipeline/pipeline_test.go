package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/scope"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

func renderStage(t *testing.T, s Stage) string {
	t.Helper()
	doc, err := s.Render(expr.NewCompiler(), scope.Root())
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	return doc.String()
}

func TestGroupID(t *testing.T) {
	tests := []struct {
		name  string
		stage *GroupStage
		want  string
	}{
		{"no fields", GroupBy(), `{"$group":{"_id":null}}`},
		{"single field", GroupBy("a"), `{"$group":{"_id":"$a"}}`},
		{
			name:  "multiple fields with alias",
			stage: Group(scope.NewField("a"), scope.AliasedField("b", "c")),
			want:  `{"$group":{"_id":{"a":"$a","b":"$c"}}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderStage(t, tt.stage); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGroupAccumulators(t *testing.T) {
	tests := []struct {
		name  string
		stage *GroupStage
		want  string
	}{
		{"count", GroupBy().Count().As("cnt").Last("foo").As("foo"), `{"_id":null,"cnt":{"$sum":1},"foo":{"$last":"$foo"}}`},
		{"sum", GroupBy("a", "b").Sum("e").As("ee"), `{"_id":{"a":"$a","b":"$b"},"ee":{"$sum":"$e"}}`},
		{"sum and min", GroupBy("a").Sum("e").As("sum").Min("e").As("min"), `{"_id":"$a","sum":{"$sum":"$e"},"min":{"$min":"$e"}}`},
		{"push value", GroupBy("a").Push(1).As("x"), `{"_id":"$a","x":{"$push":1}}`},
		{"push reference", GroupBy("a").Push("ref").As("x"), `{"_id":"$a","x":{"$push":"$ref"}}`},
		{"add to set", GroupBy("a").AddToSet(42).As("x"), `{"_id":"$a","x":{"$addToSet":42}}`},
		{"std dev", GroupBy("a").StdDevSamp("f").As("s").StdDevPop("f").As("p"), `{"_id":"$a","s":{"$stdDevSamp":"$f"},"p":{"$stdDevPop":"$f"}}`},
		{"expression", GroupBy("username").First(expr.Size(expr.Field("tags"))).As("tags_count"), `{"_id":"$username","tags_count":{"$first":{"$size":["$tags"]}}}`},
		{
			name: "conditional sum",
			stage: GroupBy("username").Sum(expr.Cond(
				expr.Eq(expr.Field("foo"), expr.Literal("bar")), expr.Literal(1), expr.Literal(-1),
			)).As("foobar"),
			want: `{"_id":"$username","foobar":{"$sum":{"$cond":[{"$eq":["$foo","bar"]},1,-1]}}}`,
		},
		{"avg max first", GroupBy("a").Avg("x").As("avg").Max("x").As("max"), `{"_id":"$a","avg":{"$avg":"$x"},"max":{"$max":"$x"}}`},
		{"generic", GroupBy("a").Accumulate("$mergeObjects", "doc").As("all"), `{"_id":"$a","all":{"$mergeObjects":"$doc"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderStage(t, tt.stage)
			want := `{"$group":` + tt.want + `}`
			if got != want {
				t.Errorf("got %s, want %s", got, want)
			}
		})
	}
}

func TestGroupBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		stage *GroupStage
	}{
		{"nil operand", GroupBy("a").Sum(nil).As("s")},
		{"empty alias", GroupBy("a").Count().As("")},
		{"duplicate alias", GroupBy("a").Count().As("n").Sum("x").As("n")},
		{"alias _id", GroupBy("a").Count().As("_id")},
		{"empty field name", GroupBy("a").Max("").As("m")},
		{"alias of group key", GroupBy("a").Sum("x").As("a")},
		{"alias of aliased group key", Group(scope.AliasedField("city", "address.city")).Count().As("city")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.stage.Err(), types.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", tt.stage.Err())
			}
			if _, err := tt.stage.Render(expr.NewCompiler(), scope.Root()); err == nil {
				t.Fatal("expected render to fail")
			}
		})
	}
}

func TestGroupStagesAreIndependent(t *testing.T) {
	base := GroupBy("a").Count().As("n")
	withSum := base.Sum("x").As("total")
	withMax := base.Max("x").As("top")

	if got := renderStage(t, base); strings.Contains(got, "total") || strings.Contains(got, "top") {
		t.Errorf("base stage changed: %s", got)
	}
	if got := renderStage(t, withMax); strings.Contains(got, "total") {
		t.Errorf("sibling stage leaked: %s", got)
	}
	if got := renderStage(t, withSum); !strings.Contains(got, `"total":{"$sum":"$x"}`) {
		t.Errorf("missing accumulator: %s", got)
	}
}

func TestGroupExposedFields(t *testing.T) {
	tests := []struct {
		name  string
		stage *GroupStage
		want  string
	}{
		{"no fields", GroupBy(), "[_id]"},
		{"single", GroupBy("a").Count().As("n"), "[_id, a->_id, n]"},
		{"multiple", Group(scope.NewField("a"), scope.AliasedField("b", "c")), "[_id, a->_id.a, b->_id.b]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, ok := tt.stage.Fields()
			if !ok {
				t.Fatal("group must replace the document shape")
			}
			if got := fields.String(); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProject(t *testing.T) {
	stage := ProjectFields("name").And("total", expr.Add(expr.Field("a"), expr.Field("b")))
	got := renderStage(t, stage)
	want := `{"$project":{"name":1,"total":{"$add":["$a","$b"]}}}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	aliased := Project(scope.AliasedField("city", "address.city"))
	if got := renderStage(t, aliased); got != `{"$project":{"city":"$address.city"}}` {
		t.Errorf("got %s", got)
	}
}

func TestProjectBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		stage *ProjectStage
	}{
		{"empty alias", ProjectFields().And("", expr.Field("a"))},
		{"nil expression", ProjectFields().And("x", nil)},
		{"duplicate", ProjectFields("x").And("x", expr.Field("a"))},
		{"parent of dotted inclusion", ProjectFields("a.b").And("a", expr.Field("c"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.stage.Err(), types.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", tt.stage.Err())
			}
		})
	}

	if _, err := ProjectFields().Render(expr.NewCompiler(), scope.Root()); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty projection, got %v", err)
	}
}

func TestPipelineChainsExposedFields(t *testing.T) {
	p := New(
		Match(expr.Gt(expr.Field("qty"), expr.Literal(0))),
		GroupBy("city", "state").Sum("qty").As("total"),
		ProjectFields("city", "total").And("half", expr.Divide(expr.Field("total"), expr.Literal(2))),
	)

	doc, err := p.Render(nil)
	if err != nil {
		t.Fatalf("render error: %v", err)
	}

	var got []string
	for _, s := range doc.AsList() {
		got = append(got, s.String())
	}
	want := []string{
		`{"$match":{"$expr":{"$gt":["$qty",0]}}}`,
		`{"$group":{"_id":{"city":"$city","state":"$state"},"total":{"$sum":"$qty"}}}`,
		`{"$project":{"city":"$_id.city","total":1,"half":{"$divide":["$total",2]}}}`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pipeline mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineRejectsHiddenFields(t *testing.T) {
	p := New(
		GroupBy("city").Count().As("n"),
		ProjectFields("n").And("q", expr.Field("qty")),
	)

	_, err := p.Render(expr.NewCompiler())
	if !errors.Is(err, types.ErrUnresolvedName) {
		t.Fatalf("expected unresolved name, got %v", err)
	}
	if !strings.Contains(err.Error(), "stage 1 ($project)") {
		t.Errorf("error does not name the stage: %v", err)
	}
}

func TestPipelineInputRestriction(t *testing.T) {
	p := New(ProjectFields("a")).WithInput(scope.NewFields("a", "b"))
	if _, err := p.Render(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p = New(ProjectFields("c")).WithInput(scope.NewFields("a", "b"))
	if _, err := p.Render(nil); !errors.Is(err, types.ErrUnresolvedName) {
		t.Fatalf("expected unresolved name, got %v", err)
	}
}

func TestPipelineNilStage(t *testing.T) {
	p := New(GroupBy("a"), nil)
	if _, err := p.Render(nil); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if p.Len() != 2 || len(p.Stages()) != 2 {
		t.Errorf("unexpected stage count %d", p.Len())
	}
}

func TestMatchKeepsShape(t *testing.T) {
	p := New(GroupBy("a").Count().As("n"), Match(expr.Gt(expr.Field("n"), expr.Literal(1))))
	doc, err := p.Render(nil)
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	if got := doc.AsList()[1].String(); got != `{"$match":{"$expr":{"$gt":["$n",1]}}}` {
		t.Errorf("got %s", got)
	}

	if _, err := Match(nil).Render(expr.NewCompiler(), scope.Root()); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestGroupKeyNameCannotHideAccumulator(t *testing.T) {
	p := New(GroupBy("a").Sum("x").As("a"), ProjectFields("a"))
	_, err := p.Render(nil)
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	var ce *types.CompileError
	if !errors.As(err, &ce) || ce.Name != "a" {
		t.Errorf("error does not name the output field: %v", err)
	}
}

func TestProjectDottedInclusion(t *testing.T) {
	fields, _ := ProjectFields("a.b", "a.c", "d").Fields()
	if got := fields.String(); got != "[_id, a, d]" {
		t.Errorf("got exposed fields %s", got)
	}

	p := New(
		ProjectFields("a.b"),
		Project().And("out", expr.Field("a.b")),
	)
	doc, err := p.Render(nil)
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	want := `[{"$project":{"a.b":1}},{"$project":{"out":"$a.b"}}]`
	if got := doc.String(); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
