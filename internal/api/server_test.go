package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctrlai/actionaudit/internal/audit"
)

func newTestServer(t *testing.T) (*httptest.Server, *audit.ActionLog) {
	t.Helper()
	dir := t.TempDir()
	l, err := audit.Open(audit.Options{
		LogPath:   filepath.Join(dir, "actions.jsonl"),
		IndexPath: filepath.Join(dir, "index.db"),
	})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	srv := httptest.NewServer(New(Options{Log: l, Version: "test"}).Handler())
	t.Cleanup(func() {
		srv.Close()
		l.Close()
	})
	return srv, l
}

func postAction(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/actions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/actions: %v", err)
	}
	return resp
}

const validRecord = `{"run_id":"run-1","session_id":"s-1","action_class":"x","tool_name":"http_get","args_summary":"url=https://example.test","outcome":"ok","reversible":true,"operator_authorized":false}`

func TestActions_Append(t *testing.T) {
	srv, l := newTestServer(t)

	resp := postAction(t, srv, validRecord)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var body struct {
		Head string `json:"head"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Head != l.ChainHead() || body.Head == audit.GenesisHash {
		t.Errorf("head = %q, want the new chain head %q", body.Head, l.ChainHead())
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("response should carry a request ID")
	}
}

func TestActions_Rejects(t *testing.T) {
	srv, l := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"run_id":`, http.StatusBadRequest},
		{"unknown field", `{"run_id":"r","action_class":"x","tool_name":"t","outcome":"ok","ts":"now"}`, http.StatusBadRequest},
		{"missing tool", `{"run_id":"r","action_class":"x","outcome":"ok"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postAction(t, srv, tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if l.ChainHead() != audit.GenesisHash {
		t.Error("rejected records must not advance the head")
	}

	resp, err := http.Get(srv.URL + "/api/actions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/actions status = %d, want 405", resp.StatusCode)
	}
}

func TestHead(t *testing.T) {
	srv, l := newTestServer(t)
	for i := 0; i < 3; i++ {
		postAction(t, srv, validRecord).Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/head")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["head"] != l.ChainHead() {
		t.Errorf("head = %q, want %q", body["head"], l.ChainHead())
	}
}

func TestVerify(t *testing.T) {
	srv, l := newTestServer(t)
	for i := 0; i < 4; i++ {
		postAction(t, srv, validRecord).Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/verify")
	if err != nil {
		t.Fatal(err)
	}
	var report audit.ChainReport
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !report.OK || report.Verified != 4 {
		t.Fatalf("status=%d report=%+v, want 200 with 4 verified", resp.StatusCode, report)
	}

	// Tamper with the live file behind the server's back.
	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	data = bytes.Replace(data, []byte("http_get"), []byte("http_put"), 1)
	if err := os.WriteFile(l.Path(), data, 0o600); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(srv.URL + "/api/verify")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict || report.OK {
		t.Errorf("status=%d ok=%v after tampering, want 409", resp.StatusCode, report.OK)
	}
}

func TestEntries(t *testing.T) {
	srv, l := newTestServer(t)
	ctx := context.Background()
	for _, tool := range []string{"read_file", "write_file", "read_file"} {
		if err := l.LogAction(ctx, audit.Record{RunID: "r", ActionClass: "r", ToolName: tool, Outcome: "ok"}); err != nil {
			t.Fatal(err)
		}
	}

	get := func(query string) (int, []audit.IndexedEntry) {
		resp, err := http.Get(srv.URL + "/api/entries" + query)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var entries []audit.IndexedEntry
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
				t.Fatal(err)
			}
		}
		return resp.StatusCode, entries
	}

	if code, entries := get(""); code != http.StatusOK || len(entries) != 3 {
		t.Errorf("all: status=%d entries=%d, want 200 with 3", code, len(entries))
	}
	if code, entries := get("?tool=read_file"); code != http.StatusOK || len(entries) != 2 {
		t.Errorf("tool filter: status=%d entries=%d, want 2", code, len(entries))
	}
	if code, entries := get("?limit=1"); code != http.StatusOK || len(entries) != 1 {
		t.Errorf("limit: status=%d entries=%d, want 1", code, len(entries))
	}
	if code, entries := get("?run_id=nobody"); code != http.StatusOK || entries == nil || len(entries) != 0 {
		t.Errorf("no match: status=%d entries=%v, want an empty array", code, entries)
	}
	if code, _ := get("?limit=abc"); code != http.StatusBadRequest {
		t.Errorf("bad limit: status=%d, want 400", code)
	}
	if code, _ := get("?since=yesterday"); code != http.StatusBadRequest {
		t.Errorf("bad since: status=%d, want 400", code)
	}
}

func TestHealth_RequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set(RequestIDHeader, "caller-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(RequestIDHeader); got != "caller-42" {
		t.Errorf("request ID = %q, want the caller's ID echoed", got)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteJSON_LogsEncodeFailure(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"value": math.Inf(1)})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(buf.String(), "writing JSON response failed") {
		t.Errorf("encode failure was not logged; log output: %q", buf.String())
	}
}
