package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/caffeineduck/vmrun/internal/config"
	"github.com/caffeineduck/vmrun/internal/logging"
)

func setupTestEngine(t *testing.T, isolation string, files map[string]string) *engine {
	t.Helper()

	dir := t.TempDir()
	for name, src := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	cfg := config.Default()
	cfg.Bundle.Path = dir
	cfg.Runner.Isolation = isolation

	eng, err := newEngine(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func setupTestServer(t *testing.T, files map[string]string, withSessions bool) (http.Handler, *sessionManager) {
	t.Helper()

	eng := setupTestEngine(t, "once", files)

	var sessions *sessionManager
	if withSessions {
		sessions = newSessionManager(t.Context(), eng, sessionTTL)
		t.Cleanup(sessions.closeAll)
	}
	return newServer(eng, sessions, serverOptions{gzip: true, timeout: 5 * time.Second}), sessions
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const echoBundle = `module.exports = function (ctx) {
  return "<h1>" + ctx.method + " " + ctx.url + " " + ctx.query.name + " " + ctx.headers["x-test"] + "</h1>"
}`

// ============================================================================
// RENDERING
// ============================================================================

func TestHealthEndpoint(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, false)

	w := do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected 'ok', got %q", w.Body.String())
	}
}

func TestRenderHTML(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, false)

	req := httptest.NewRequest(http.MethodGet, "/hello?name=bob", nil)
	req.Header.Set("X-Test", "yes")
	w := do(t, h, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Errorf("expected text/html, got %q", got)
	}
	if want := "<h1>GET /hello?name=bob bob yes</h1>"; w.Body.String() != want {
		t.Errorf("expected %q, got %q", want, w.Body.String())
	}
}

func TestRenderJSON(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{
		"main.js": `module.exports = function (ctx) { return { path: ctx.url, ok: true } }`,
	}, false)

	w := do(t, h, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("expected application/json, got %q", got)
	}

	var resp map[string]any
	if err := sonic.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["path"] != "/items/7" || resp["ok"] != true {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestRenderAsync(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{
		"main.js": `module.exports = function (ctx) {
  return new Promise(function (resolve) { setTimeout(function () { resolve("<p>late</p>") }, 5) })
}`,
	}, false)

	w := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || w.Body.String() != "<p>late</p>" {
		t.Errorf("expected 200 <p>late</p>, got %d %q", w.Code, w.Body.String())
	}
}

func TestRenderError(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{
		"main.js": `module.exports = function () { throw new Error("secret detail") }`,
	}, false)

	w := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret detail") {
		t.Errorf("error detail leaked to client: %q", w.Body.String())
	}
}

func TestRenderSharesModuleState(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{
		"main.js": `var hits = 0
module.exports = function () { return "hit " + (++hits) }`,
	}, false)

	do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	w := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Body.String() != "hit 2" {
		t.Errorf("expected 'hit 2', got %q", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, false)

	do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	w := do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{"vmrun_renders_total", "vmrun_compilations_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output should contain %q", name)
		}
	}
}

func TestGzipResponses(t *testing.T) {
	files := map[string]string{
		"main.js": `module.exports = function () { return "<p>" + "x".repeat(4096) + "</p>" }`,
	}
	eng := setupTestEngine(t, "once", files)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w := do(t, newServer(eng, nil, serverOptions{gzip: true}), req)
	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("expected gzip encoding, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w = do(t, newServer(eng, nil, serverOptions{}), req)
	if got := w.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("expected no encoding with gzip disabled, got %q", got)
	}
	if w.Body.Len() < 4096 {
		t.Errorf("expected uncompressed body, got %d bytes", w.Body.Len())
	}
}

// ============================================================================
// SESSIONS
// ============================================================================

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()

	w := do(t, h, httptest.NewRequest(http.MethodPost, "/_vmrun/sessions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp createSessionResponse
	if err := sonic.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected non-empty session ID")
	}
	return resp.SessionID
}

func execSession(t *testing.T, h http.Handler, id, code string) sessionExecResponse {
	t.Helper()

	body, _ := sonic.Marshal(sessionExecRequest{Code: code})
	w := do(t, h, httptest.NewRequest(http.MethodPost, "/_vmrun/sessions/"+id+"/exec", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp sessionExecResponse
	if err := sonic.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestSessionExecution(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, true)
	id := createSession(t, h)

	if resp := execSession(t, h, id, `var x = 40`); resp.Error != "" {
		t.Fatalf("first run failed: %s", resp.Error)
	}

	resp := execSession(t, h, id, `console.log("adding"); x + 2`)
	if resp.Error != "" {
		t.Fatalf("second run failed: %s", resp.Error)
	}
	if resp.Value != "42" {
		t.Errorf("expected value 42, got %q", resp.Value)
	}
	if !strings.Contains(resp.Output, "adding") {
		t.Errorf("expected output to contain 'adding', got %q", resp.Output)
	}
}

func TestSessionRequiresEntry(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, true)
	id := createSession(t, h)

	resp := execSession(t, h, id, `require("./main.js")({ method: "GET", url: "/", query: { name: "n" }, headers: {} })`)
	if resp.Error != "" {
		t.Fatalf("run failed: %s", resp.Error)
	}
	if resp.Value != "<h1>GET / n undefined</h1>" {
		t.Errorf("unexpected value %q", resp.Value)
	}
}

func TestSessionExecErrors(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, true)
	id := createSession(t, h)

	resp := execSession(t, h, id, `throw new Error("boom")`)
	if !strings.Contains(resp.Error, "boom") {
		t.Errorf("expected 'boom' in error, got %q", resp.Error)
	}

	w := do(t, h, httptest.NewRequest(http.MethodPost, "/_vmrun/sessions/"+id+"/exec", strings.NewReader(`{`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for invalid json, got %d", w.Code)
	}

	w = do(t, h, httptest.NewRequest(http.MethodPost, "/_vmrun/sessions/"+id+"/exec", strings.NewReader(`{}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing code, got %d", w.Code)
	}

	w = do(t, h, httptest.NewRequest(http.MethodPost, "/_vmrun/sessions/nope/exec", strings.NewReader(`{"code":"1"}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown session, got %d", w.Code)
	}
}

func TestSessionClose(t *testing.T) {
	h, sessions := setupTestServer(t, map[string]string{"main.js": echoBundle}, true)
	id := createSession(t, h)

	w := do(t, h, httptest.NewRequest(http.MethodDelete, "/_vmrun/sessions/"+id, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", w.Code)
	}
	if _, ok := sessions.get(id); ok {
		t.Error("session should not exist after close")
	}

	w = do(t, h, httptest.NewRequest(http.MethodDelete, "/_vmrun/sessions/"+id, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for closed session, got %d", w.Code)
	}
}

func TestMultipleSessions(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, true)

	id1 := createSession(t, h)
	id2 := createSession(t, h)
	if id1 == id2 {
		t.Error("session IDs should be unique")
	}

	execSession(t, h, id1, `var who = "session1"`)
	execSession(t, h, id2, `var who = "session2"`)

	if resp := execSession(t, h, id1, `who`); resp.Value != "session1" {
		t.Errorf("session1 should have who='session1', got %q", resp.Value)
	}
	if resp := execSession(t, h, id2, `who`); resp.Value != "session2" {
		t.Errorf("session2 should have who='session2', got %q", resp.Value)
	}
}

func TestSessionExpiry(t *testing.T) {
	_, sessions := setupTestServer(t, map[string]string{"main.js": echoBundle}, true)

	id, err := sessions.create()
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	sessions.expire(time.Now())
	if _, ok := sessions.get(id); !ok {
		t.Fatal("fresh session should survive expiry")
	}

	sessions.expire(time.Now().Add(sessionTTL + time.Minute))
	if _, ok := sessions.get(id); ok {
		t.Error("idle session should be expired")
	}
}

func TestSessionRunawayTimeout(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, true)
	runaway := createSession(t, h)
	other := createSession(t, h)

	body, _ := sonic.Marshal(sessionExecRequest{Code: `while (true) {}`, Timeout: "50ms"})
	w := do(t, h, httptest.NewRequest(http.MethodPost, "/_vmrun/sessions/"+runaway+"/exec", bytes.NewReader(body)))
	var resp sessionExecResponse
	if err := sonic.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.Contains(resp.Error, "deadline exceeded") {
		t.Fatalf("expected deadline error, got %+v", resp)
	}

	if resp := execSession(t, h, runaway, `"alive"`); resp.Value != "alive" {
		t.Errorf("expected session to recover after timeout, got %+v", resp)
	}

	closed := make(chan int, 1)
	go func() {
		w := do(t, h, httptest.NewRequest(http.MethodDelete, "/_vmrun/sessions/"+runaway, nil))
		closed <- w.Code
	}()
	select {
	case code := <-closed:
		if code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("closing a timed-out session blocked")
	}

	if resp := execSession(t, h, other, `1 + 1`); resp.Value != "2" {
		t.Errorf("expected other session unaffected, got %+v", resp)
	}
}

func TestSessionsDisabled(t *testing.T) {
	h, _ := setupTestServer(t, map[string]string{"main.js": echoBundle}, false)

	w := do(t, h, httptest.NewRequest(http.MethodPost, "/_vmrun/sessions", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405 without --sessions, got %d", w.Code)
	}
}
