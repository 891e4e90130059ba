package metrics

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

func TestResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ResultSuccess},
		{types.NewInvalidArgumentError("map", "bad"), ResultInvalidArgument},
		{fmt.Errorf("stage 0: %w", types.NewUnresolvedNameError("a", "hidden")), ResultUnresolvedName},
		{types.NewDepthExceededError("add", 3), ResultDepthExceeded},
		{errors.New("boom"), ResultError},
	}
	for _, tt := range tests {
		if got := Result(tt.err); got != tt.want {
			t.Errorf("Result(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestObserveCompile(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveCompile(nil, time.Millisecond)
	c.ObserveCompile(nil, time.Millisecond)
	c.ObserveCompile(types.NewUnresolvedNameError("b", "hidden"), time.Microsecond)

	if got := testutil.ToFloat64(c.compilationsTotal.WithLabelValues(ResultSuccess)); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.compilationsTotal.WithLabelValues(ResultUnresolvedName)); got != 1 {
		t.Errorf("unresolved count = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.compileDuration); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestCollectorAsObserver(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	compiler := expr.NewCompiler(expr.WithObserver(c))

	if _, err := compiler.Compile(expr.Field("a"), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := compiler.Compile(expr.Variable("missing"), nil); err == nil {
		t.Fatal("expected unresolved variable")
	}

	expected := `
# HELP aggexpr_compilations_total Total number of compilations by result
# TYPE aggexpr_compilations_total counter
aggexpr_compilations_total{result="success"} 1
aggexpr_compilations_total{result="unresolved_name"} 1
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "aggexpr_compilations_total"); err != nil {
		t.Error(err)
	}
}

func TestSetDefinitions(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.SetDefinitions(3)
	if got := testutil.ToFloat64(c.definitions); got != 3 {
		t.Errorf("definitions = %v, want 3", got)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveCompile(nil, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{"aggexpr_compilations_total", "aggexpr_compile_duration_seconds", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
