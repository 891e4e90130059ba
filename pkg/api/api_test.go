package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lemonberrylabs/aggexpr/pkg/metrics"
	"github.com/lemonberrylabs/aggexpr/pkg/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(store.New(), Options{
		Metrics: metrics.NewCollector(prometheus.NewRegistry()),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// do sends a request and decodes the JSON response body.
func do(t *testing.T, srv *Server, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func errorStatus(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no error envelope: %v", body)
	}
	s, _ := e["status"].(string)
	return s
}

// documentJSON re-encodes the "document" field for comparison.
func documentJSON(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(body["document"])
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCompile(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, srv, "POST", "/v1/compile", map[string]string{
		"source": "expression:\n  $map:\n    input: $items\n    as: i\n    in: {$multiply: [$i.price, $i.qty]}\n",
	})
	if code != http.StatusOK {
		t.Fatalf("got status %d: %v", code, body)
	}
	// Object keys come back sorted after the round trip through interface{}.
	want := `{"$map":{"as":"i","in":{"$multiply":["$$i.price","$$i.qty"]},"input":"$items"}}`
	if got := documentJSON(t, body); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCompileErrors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name     string
		body     interface{}
		wantKind string
	}{
		{"missing source", map[string]string{}, ""},
		{"parse error", map[string]string{"source": "expression: ["}, ""},
		{"unresolved", map[string]string{"source": "expression:\n  $map: {input: $a, as: x, in: $b}\n"}, "UnresolvedName"},
		{"builder", map[string]string{"source": "expression: {$let: {vars: {a: 1}}}"}, "InvalidArgument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, "POST", "/v1/compile", tt.body)
			if code != http.StatusBadRequest {
				t.Fatalf("got status %d, want 400", code)
			}
			if s := errorStatus(t, body); s != "INVALID_ARGUMENT" {
				t.Errorf("got status %q", s)
			}
			if tt.wantKind == "" {
				return
			}
			details, _ := body["error"].(map[string]interface{})["details"].(map[string]interface{})
			if details["kind"] != tt.wantKind {
				t.Errorf("got details %v, want kind %s", details, tt.wantKind)
			}
		})
	}
}

func TestDefinitionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	src := "expression:\n  $let:\n    vars: {rate: 2}\n    in: {$multiply: [$price, $rate]}\n"

	code, body := do(t, srv, "POST", "/v1/definitions?definitionId=pricing", map[string]interface{}{
		"source":      src,
		"description": "price doubling",
		"labels":      map[string]string{"team": "billing"},
	})
	if code != http.StatusOK {
		t.Fatalf("create: status %d: %v", code, body)
	}
	rev := body["revisionId"].(string)

	code, body = do(t, srv, "POST", "/v1/definitions?definitionId=pricing", map[string]string{"source": src})
	if code != http.StatusConflict || errorStatus(t, body) != "ALREADY_EXISTS" {
		t.Fatalf("duplicate create: status %d: %v", code, body)
	}

	code, body = do(t, srv, "GET", "/v1/definitions/pricing", nil)
	if code != http.StatusOK || body["description"] != "price doubling" {
		t.Fatalf("get: status %d: %v", code, body)
	}

	code, body = do(t, srv, "POST", "/v1/definitions/pricing:compile", nil)
	if code != http.StatusOK {
		t.Fatalf("compile: status %d: %v", code, body)
	}
	want := `{"$let":{"in":{"$multiply":["$price","$$rate"]},"vars":{"rate":2}}}`
	if got := documentJSON(t, body); got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	code, body = do(t, srv, "PATCH", "/v1/definitions/pricing", map[string]string{"source": "expression: $total\n"})
	if code != http.StatusOK {
		t.Fatalf("update: status %d: %v", code, body)
	}
	if body["revisionId"] == rev {
		t.Error("update must assign a new revision")
	}
	_, body = do(t, srv, "POST", "/v1/definitions/pricing:compile", nil)
	if got := documentJSON(t, body); got != `"$total"` {
		t.Errorf("compiled stale definition: %s", got)
	}

	code, body = do(t, srv, "GET", "/v1/definitions", nil)
	if code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if items := body["definitions"].([]interface{}); len(items) != 1 {
		t.Errorf("got %d definitions, want 1", len(items))
	}

	code, _ = do(t, srv, "DELETE", "/v1/definitions/pricing", nil)
	if code != http.StatusOK {
		t.Fatalf("delete: status %d", code)
	}
	code, body = do(t, srv, "GET", "/v1/definitions/pricing", nil)
	if code != http.StatusNotFound || errorStatus(t, body) != "NOT_FOUND" {
		t.Fatalf("get after delete: status %d: %v", code, body)
	}
}

func TestDefinitionValidation(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"missing id", "/v1/definitions", map[string]string{"source": "expression: 1"}},
		{"bad id", "/v1/definitions?definitionId=1bad", map[string]string{"source": "expression: 1"}},
		{"missing source", "/v1/definitions?definitionId=a", map[string]string{}},
		{"invalid source", "/v1/definitions?definitionId=a", map[string]string{"source": "nope: 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, "POST", tt.path, tt.body)
			if code != http.StatusBadRequest || errorStatus(t, body) != "INVALID_ARGUMENT" {
				t.Errorf("got status %d: %v", code, body)
			}
		})
	}

	code, body := do(t, srv, "PATCH", "/v1/definitions/missing", map[string]string{"description": "x"})
	if code != http.StatusNotFound {
		t.Errorf("patch missing: status %d: %v", code, body)
	}
	code, body = do(t, srv, "POST", "/v1/definitions/missing:compile", nil)
	if code != http.StatusNotFound {
		t.Errorf("compile missing: status %d: %v", code, body)
	}
}

func TestCompilePipelineDefinition(t *testing.T) {
	srv := newTestServer(t)
	src := `
stages:
  - $group:
      _id: $city
      total: {$sum: $amount}
  - $project:
      share: ${total / 100}
      city: 1
`
	if code, body := do(t, srv, "POST", "/v1/definitions?definitionId=by-city", map[string]string{"source": src}); code != http.StatusOK {
		t.Fatalf("create: status %d: %v", code, body)
	}
	code, body := do(t, srv, "POST", "/v1/definitions/by-city:compile", nil)
	if code != http.StatusOK {
		t.Fatalf("compile: status %d: %v", code, body)
	}
	want := `[{"$group":{"_id":"$city","total":{"$sum":"$amount"}}},` +
		`{"$project":{"city":"$_id","share":{"$divide":["$total",100]}}}]`
	if got := documentJSON(t, body); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, "POST", "/v1/compile", map[string]string{"source": "expression: $a"})

	code, body := do(t, srv, "GET", "/healthz", nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: status %d: %v", code, body)
	}

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `aggexpr_compilations_total{result="success"} 1`) {
		t.Errorf("metrics missing compilation count:\n%s", data)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func definitionNames(s *Server) []string {
	var names []string
	for _, d := range s.store.List() {
		names = append(names, d.Name)
	}
	return names
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.yaml", "expression: $total\n")
	writeFile(t, dir, "people.json", `{"expression": {"$toUpper": "$name"}}`)
	writeFile(t, dir, "broken.yaml", "expression: [\n")
	writeFile(t, dir, "1bad.yaml", "expression: 1\n")
	writeFile(t, dir, "notes.txt", "ignored")

	srv := newTestServer(t)
	n, err := srv.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d definitions, want 2", n)
	}
	if diff := cmp.Diff([]string{"orders", "people"}, definitionNames(srv)); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	// A definition created over the API is left alone on reload.
	if code, _ := do(t, srv, "POST", "/v1/definitions?definitionId=manual", map[string]string{"source": "expression: 1"}); code != http.StatusOK {
		t.Fatal("create failed")
	}
	if err := os.Remove(filepath.Join(dir, "people.json")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "orders.yaml", "expression: $grandTotal\n")

	if _, err := srv.LoadDir(dir); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"manual", "orders"}, definitionNames(srv)); diff != "" {
		t.Errorf("names mismatch after reload (-want +got):\n%s", diff)
	}
	_, body := do(t, srv, "POST", "/v1/definitions/orders:compile", nil)
	if got := documentJSON(t, body); got != `"$grandTotal"` {
		t.Errorf("reloaded definition compiled to %s", got)
	}

	if _, err := srv.LoadDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestWatchDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "expression: 1\n")

	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.WatchDir(ctx, dir); err != nil {
		t.Fatalf("WatchDir() error = %v", err)
	}
	if srv.store.Len() != 1 {
		t.Fatalf("initial load: got %d definitions", srv.store.Len())
	}

	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "b.yaml", "expression: 2\n")

	deadline := time.Now().Add(3 * time.Second)
	for srv.store.Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not load the new file, have %v", definitionNames(srv))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
