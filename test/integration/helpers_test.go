package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// These tests run against a live aggexpr server:
//
//	aggexpr serve --port=8787 --grpc-port=8788 --definitions-dir=./defs
//
// AGGEXPR_URL and AGGEXPR_GRPC_ENDPOINT override the addresses. Tests skip
// when the server is not reachable.

// testServer holds the base URL of a running server.
var testServer string

func init() {
	testServer = os.Getenv("AGGEXPR_URL")
	if testServer == "" {
		testServer = "http://localhost:8787"
	}
	if !strings.HasPrefix(testServer, "http://") && !strings.HasPrefix(testServer, "https://") {
		testServer = "http://" + testServer
	}
}

// grpcEndpoint returns the gRPC endpoint address (host:port).
func grpcEndpoint() string {
	if ep := os.Getenv("AGGEXPR_GRPC_ENDPOINT"); ep != "" {
		return ep
	}
	return "localhost:8788"
}

// requireServer skips the test when no server answers /healthz.
func requireServer(t *testing.T) {
	t.Helper()
	client := http.Client{Timeout: time.Second}
	resp, err := client.Get(strings.TrimRight(testServer, "/") + "/healthz")
	if err != nil {
		t.Skipf("aggexpr server not reachable at %s: %v", testServer, err)
	}
	resp.Body.Close()
}

// apiURL builds a full URL for the given API path.
func apiURL(path string) string {
	return strings.TrimRight(testServer, "/") + "/v1/" + path
}

// call sends a JSON request and decodes the JSON response.
func call(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, apiURL(path), r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// uniqueName returns a definition name that won't collide across runs.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// createDefinition stores a definition and removes it when the test ends.
func createDefinition(t *testing.T, name, source string) {
	t.Helper()
	code, body := call(t, "POST", "definitions?definitionId="+name, map[string]string{"source": source})
	if code != http.StatusOK {
		t.Fatalf("create %s: status %d: %v", name, code, body)
	}
	t.Cleanup(func() { call(t, "DELETE", "definitions/"+name, nil) })
}

// documentJSON re-encodes a response's document field.
func documentJSON(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(body["document"])
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
