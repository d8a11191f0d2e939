// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"grblhost/internal/config"
	"grblhost/internal/host"
)

func newTestServer(t *testing.T) (*Server, *host.Host) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Logging.Dir = t.TempDir()
	h := host.New(cfg)
	t.Cleanup(func() { h.Close() })
	return New(h), h
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec.Code, out
}

func TestStatusReportsDisconnectedInitially(t *testing.T) {
	srv, _ := newTestServer(t)
	code, resp := doJSON(t, srv, "POST", "/status", StatusRequest{})
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp["connected"] != false {
		t.Fatalf("expected connected=false, got %+v", resp)
	}
}

func TestSendCommandRejectedWhenNotConnected(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := doJSON(t, srv, "POST", "/send-command", SendCommandRequest{Line: "G0 X1"})
	if code == 200 {
		t.Fatalf("expected a non-200 status for send-command while disconnected, got %d", code)
	}
}

func TestSendCommandRejectsInvalidLine(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := doJSON(t, srv, "POST", "/send-command", SendCommandRequest{Line: ""})
	if code != 400 {
		t.Fatalf("expected 400 for empty line, got %d", code)
	}
}

func TestOverrideRejectsUnknownAxis(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := doJSON(t, srv, "POST", "/override", OverrideRequest{Axis: "bogus", Target: 150})
	if code != 400 {
		t.Fatalf("expected 400 for unknown axis, got %d", code)
	}
}

func TestOverrideRejectedWhenNotConnected(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := doJSON(t, srv, "POST", "/override", OverrideRequest{Axis: "feed", Target: 150})
	if code == 200 {
		t.Fatalf("expected a non-200 status for override while disconnected, got %d", code)
	}
}

func TestQueryLinesRejectsTailWithRange(t *testing.T) {
	srv, _ := newTestServer(t)
	tail := 5
	from := 1
	code, _ := doJSON(t, srv, "POST", "/query-lines", QueryLinesRequest{Tail: &tail, FromLine: &from})
	if code != 400 {
		t.Fatalf("expected 400 for tail+range, got %d", code)
	}
}

func TestOptionsRequestIsHandledAsCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 204 {
		t.Fatalf("expected 204 for OPTIONS preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header to be set")
	}
}

func TestGetMethodRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 405 {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
}
