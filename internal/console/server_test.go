package console

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mooconsole/internal/auth"
	"mooconsole/internal/dispatch"
	"mooconsole/internal/executor"
	"mooconsole/internal/isolation"
	"mooconsole/internal/session"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type staticAuth map[string]struct {
	password string
	role     string
}

func (a staticAuth) Authenticate(ctx context.Context, username, password string) (auth.Identity, error) {
	u, ok := a[username]
	if !ok || u.password != password {
		return auth.Identity{}, auth.ErrInvalidCredentials
	}
	return auth.Identity{Username: username, Role: u.role}, nil
}

// contextExecutor behaves like the real executors with respect to isolation
// contexts: it refuses users without one and echoes the argument vector.
type contextExecutor struct {
	contexts *isolation.Manager

	mu    sync.Mutex
	calls []executor.Invocation
}

func (e *contextExecutor) Execute(ctx context.Context, inv executor.Invocation) (*executor.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, inv)
	e.mu.Unlock()

	if _, ok := e.contexts.GetContext(inv.User); !ok {
		return nil, executor.ErrSessionNotFound
	}
	now := time.Now()
	return &executor.Result{
		Output:     strings.Join(inv.Args, " "),
		ReceivedAt: inv.ReceivedAt,
		StartedAt:  now,
		EndedAt:    now,
	}, nil
}

func (e *contextExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *contextExecutor) lastCall(t *testing.T) executor.Invocation {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.calls) == 0 {
		t.Fatal("executor was not called")
	}
	return e.calls[len(e.calls)-1]
}

type testEnv struct {
	server    *Server
	clock     *fakeClock
	contexts  *isolation.Manager
	sessions  *session.MemoryStore
	exec      *contextExecutor
	audit     *AuditLogger
	auditPath string
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	contexts, err := isolation.NewManager(isolation.Config{
		ScratchPath: filepath.Join(t.TempDir(), "scratch"),
		Now:         clock.now,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := contexts.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	audit, err := NewAuditLogger(auditPath)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	metrics := NewMetrics()
	exec := &contextExecutor{contexts: contexts}
	dispatcher, err := dispatch.New(dispatch.Config{
		Executor: exec,
		Observer: NewRecorder(audit, metrics, quietLogger()),
		Now:      clock.now,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	sessions := session.NewMemoryStore(clock.now)
	cfg := Config{
		Authenticator: staticAuth{
			"alice": {password: "wonderland", role: AdminRole},
			"bob":   {password: "builder", role: auth.DefaultRole},
		},
		Sessions:    sessions,
		Contexts:    contexts,
		Dispatcher:  dispatcher,
		Audit:       audit,
		Metrics:     metrics,
		IdleTimeout: time.Hour,
		Backend:     "local",
		Now:         clock.now,
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	return &testEnv{
		server:    server,
		clock:     clock,
		contexts:  contexts,
		sessions:  sessions,
		exec:      exec,
		audit:     audit,
		auditPath: auditPath,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.10:5555"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, user, password string) *http.Cookie {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/admin/login", `{"username":"`+user+`","password":"`+password+`"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d: %s", user, rec.Code, rec.Body.String())
	}
	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatal("login did not set a session cookie")
	}
	return cookie
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without authenticator")
	}
	if _, err := NewServer(Config{Authenticator: staticAuth{}}); err == nil {
		t.Error("expected error without contexts and dispatcher")
	}
}

func TestAdminLogin_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/admin/login", `{"username":"alice","password":"wonderland"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if body["success"] != true || body["message"] != "Login successful" {
		t.Errorf("body = %v", body)
	}

	cookie := sessionCookie(rec)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("missing session cookie")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags: HttpOnly=%v SameSite=%v", cookie.HttpOnly, cookie.SameSite)
	}

	ctx, ok := env.contexts.GetContext("alice")
	if !ok {
		t.Fatal("no isolation context after login")
	}
	if _, err := os.Stat(ctx.ConfigDir); err != nil {
		t.Errorf("config dir: %v", err)
	}
	if env.sessions.Len() != 1 {
		t.Errorf("sessions = %d, want 1", env.sessions.Len())
	}
}

func TestAdminLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong password", `{"username":"alice","password":"nope"}`, http.StatusUnauthorized},
		{"unknown user", `{"username":"mallory","password":"x"}`, http.StatusUnauthorized},
		{"empty body", ``, http.StatusUnauthorized},
		{"malformed body", `{"username":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/admin/login", tt.body, nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			body := decode[map[string]any](t, rec)
			if body["success"] != false {
				t.Errorf("body = %v", body)
			}
			if tt.want == http.StatusUnauthorized && body["message"] != "Invalid credentials" {
				t.Errorf("message = %v", body["message"])
			}
			if sessionCookie(rec) != nil {
				t.Error("cookie set on failed login")
			}
		})
	}

	if env.contexts.Len() != 0 {
		t.Errorf("contexts = %d, want 0", env.contexts.Len())
	}
}

func TestAdminLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.LoginRatePerMin = 2 })

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/admin/login", `{"username":"alice","password":"bad"}`, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/admin/login", `{"username":"alice","password":"wonderland"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	env.clock.advance(time.Minute)
	rec = env.do(t, http.MethodPost, "/admin/login", `{"username":"alice","password":"wonderland"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("after refill: status = %d, want 200", rec.Code)
	}
}

func TestAdminLogin_ReplacesPreviousSession(t *testing.T) {
	env := newTestEnv(t, nil)

	aliceCookie := env.login(t, "alice", "wonderland")

	rec := env.do(t, http.MethodPost, "/admin/login", `{"username":"bob","password":"builder"}`, aliceCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if _, err := env.sessions.Lookup(aliceCookie.Value); err == nil {
		t.Error("previous session still live")
	}
	if _, ok := env.contexts.GetContext("alice"); ok {
		t.Error("previous user's context not destroyed")
	}
	if _, ok := env.contexts.GetContext("bob"); !ok {
		t.Error("new user has no context")
	}
}

func TestAdminLogin_ReusesLiveContext(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.login(t, "alice", "wonderland")
	before, _ := env.contexts.GetContext("alice")

	env.login(t, "alice", "wonderland")
	after, _ := env.contexts.GetContext("alice")

	if before.ID != after.ID {
		t.Errorf("context replaced: %s -> %s", before.ID, after.ID)
	}
	if _, err := env.sessions.Lookup(first.Value); err != nil {
		t.Errorf("first session dropped: %v", err)
	}
	if env.contexts.Len() != 1 {
		t.Errorf("contexts = %d, want 1", env.contexts.Len())
	}
}

func TestAdminLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "alice", "wonderland")

	rec := env.do(t, http.MethodPost, "/admin/logout", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["message"] != "Logged out successfully" {
		t.Errorf("message = %v", body["message"])
	}
	if c := sessionCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Errorf("cookie not cleared: %+v", c)
	}
	if env.contexts.Len() != 0 || env.sessions.Len() != 0 {
		t.Errorf("contexts = %d, sessions = %d; want 0, 0", env.contexts.Len(), env.sessions.Len())
	}

	// Idempotent
	rec = env.do(t, http.MethodPost, "/admin/logout", "", cookie)
	if rec.Code != http.StatusOK {
		t.Errorf("second logout status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/admin/logout", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("logout without cookie status = %d", rec.Code)
	}
}

func TestAPI_RequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/moo-login"},
		{http.MethodPost, "/api/moo-logout"},
		{http.MethodPost, "/api/execute-command"},
		{http.MethodPost, "/api/search-appinsights"},
		{http.MethodGet, "/api/status"},
		{http.MethodGet, "/api/history"},
	}

	bogus := &http.Cookie{Name: SessionCookie, Value: "not-a-session"}
	for _, rt := range routes {
		for _, cookie := range []*http.Cookie{nil, bogus} {
			rec := env.do(t, rt.method, rt.path, "{}", cookie)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("%s %s (cookie=%v): status = %d, want 401", rt.method, rt.path, cookie != nil, rec.Code)
			}
		}
	}
	if env.exec.callCount() != 0 {
		t.Errorf("executor called %d times", env.exec.callCount())
	}
}

func TestExecuteCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "alice", "wonderland")

	rec := env.do(t, http.MethodPost, "/api/execute-command", `{"args":["account","show","--name","my sub"]}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	resp := decode[dispatch.Response](t, rec)
	if !resp.Success || resp.Message != "Command executed successfully" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Output != "account show --name my sub" {
		t.Errorf("output = %q", resp.Output)
	}

	inv := env.exec.lastCall(t)
	if inv.User != "alice" || len(inv.Args) != 4 || inv.Args[3] != "my sub" {
		t.Errorf("invocation = %+v", inv)
	}
	if !inv.ReceivedAt.Equal(env.clock.now()) {
		t.Errorf("ReceivedAt = %s, want request arrival", inv.ReceivedAt)
	}
}

func TestExecuteCommand_NotPermitted(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "bob", "builder")

	rec := env.do(t, http.MethodPost, "/api/execute-command", `{"args":["deploy","--everything"]}`, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	resp := decode[dispatch.Response](t, rec)
	if resp.Success || resp.Kind != dispatch.KindNotPermitted {
		t.Errorf("resp = %+v", resp)
	}
	if env.exec.callCount() != 0 {
		t.Error("denied command reached the executor")
	}

	entries, err := ReadAuditLog(env.auditPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Operation != "execute" || last.Decision != "deny" {
		t.Errorf("audit entry = %+v", last)
	}
}

func TestMooLogin_BuildsFlagVector(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "alice", "wonderland")

	rec := env.do(t, http.MethodPost, "/api/moo-login", `{"username":"svc","password":"s3cret","device_code":true}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[dispatch.Response](t, rec)
	if !resp.Success || resp.Message != "MOO login successful" {
		t.Errorf("resp = %+v", resp)
	}

	want := []string{"login", "--device-code", "--username", "svc", "--password", "s3cret"}
	inv := env.exec.lastCall(t)
	if strings.Join(inv.Args, "|") != strings.Join(want, "|") {
		t.Errorf("args = %q, want %q", inv.Args, want)
	}

	data, err := os.ReadFile(env.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "s3cret") {
		t.Error("password written to audit log")
	}
}

func TestMooLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "alice", "wonderland")

	rec := env.do(t, http.MethodPost, "/api/moo-logout", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[dispatch.Response](t, rec)
	if !resp.Success || resp.Message != "MOO logout successful" {
		t.Errorf("resp = %+v", resp)
	}
	inv := env.exec.lastCall(t)
	if len(inv.Args) != 1 || inv.Args[0] != "logout" || inv.Elevate {
		t.Errorf("invocation = %+v", inv)
	}
}

func TestSessionDroppedWhenContextMissing(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "alice", "wonderland")

	env.contexts.DestroyContext("alice")

	rec := env.do(t, http.MethodPost, "/api/execute-command", `{"args":["version"]}`, cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	resp := decode[dispatch.Response](t, rec)
	if resp.Kind != dispatch.KindSessionNotFound {
		t.Errorf("kind = %q", resp.Kind)
	}
	if c := sessionCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Error("cookie not cleared")
	}
	if env.sessions.Len() != 0 {
		t.Errorf("sessions = %d, want 0", env.sessions.Len())
	}
}

func TestIdleSweepRunsBeforeRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "alice", "wonderland")

	env.clock.advance(59 * time.Minute)
	if rec := env.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if env.contexts.Len() != 1 {
		t.Fatal("context swept before the idle timeout")
	}

	env.clock.advance(2 * time.Minute)
	env.do(t, http.MethodGet, "/health", "", nil)
	if env.contexts.Len() != 0 {
		t.Error("context not swept after the idle timeout")
	}
	if env.sessions.Len() != 0 {
		t.Error("session of swept user still live")
	}

	rec := env.do(t, http.MethodGet, "/api/status", "", cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status after sweep = %d, want 401", rec.Code)
	}
}

func TestSearchAppInsights_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "alice", "wonderland")

	rec := env.do(t, http.MethodPost, "/api/search-appinsights", `{"apiKey":"k","appId":"app"}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["message"] != "API Key, Application ID, and Command ID are required" {
		t.Errorf("message = %v", body["message"])
	}

	rec = env.do(t, http.MethodPost, "/api/search-appinsights", `{"apiKey":"k","appId":"../other","commandId":"abc"}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad app id: status = %d, want 400", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "bob", "builder")
	env.clock.advance(90 * time.Second)

	rec := env.do(t, http.MethodGet, "/api/status", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	st := decode[statusResponse](t, rec)
	if st.User.Username != "bob" || st.Sessions != 1 || st.Contexts != 1 || st.Backend != "local" {
		t.Errorf("status = %+v", st)
	}
	if st.Uptime != 90 {
		t.Errorf("uptime = %v, want 90", st.Uptime)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceCookie := env.login(t, "alice", "wonderland")

	// bob signs in from another browser
	rec := env.do(t, http.MethodPost, "/admin/login", `{"username":"bob","password":"builder"}`, nil)
	bobCookie := sessionCookie(rec)

	env.do(t, http.MethodPost, "/api/execute-command", `{"args":["version"]}`, aliceCookie)
	env.do(t, http.MethodPost, "/api/execute-command", `{"args":["status"]}`, bobCookie)

	type history struct {
		Success bool         `json:"success"`
		Entries []AuditEntry `json:"entries"`
	}

	rec = env.do(t, http.MethodGet, "/api/history", "", bobCookie)
	h := decode[history](t, rec)
	if len(h.Entries) == 0 {
		t.Fatal("no history for bob")
	}
	for _, e := range h.Entries {
		if e.User != "bob" {
			t.Errorf("bob sees entry for %s", e.User)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/history?limit=2", "", aliceCookie)
	h = decode[history](t, rec)
	if len(h.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(h.Entries))
	}
	if h.Entries[0].User != "alice" || h.Entries[1].User != "bob" {
		t.Errorf("entries = %+v", h.Entries)
	}

	rec = env.do(t, http.MethodGet, "/api/history?limit=zero", "", aliceCookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.login(t, "alice", "wonderland")
	env.do(t, http.MethodPost, "/api/execute-command", `{"args":["version"]}`, cookie)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{
		"mooconsole_isolation_contexts 1",
		"mooconsole_sessions 1",
		`mooconsole_dispatch_requests_total{operation="execute",outcome="ok"} 1`,
		`mooconsole_admin_logins_total{result="success"} 1`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRouting(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodGet, "/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path: status = %d", rec.Code)
	}

	wrongMethod := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/admin/login"},
		{http.MethodGet, "/admin/logout"},
		{http.MethodGet, "/api/moo-login"},
		{http.MethodGet, "/api/execute-command"},
		{http.MethodPut, "/api/status"},
		{http.MethodPost, "/api/history"},
		{http.MethodPost, "/health"},
	}
	for _, tt := range wrongMethod {
		rec := env.do(t, tt.method, tt.path, "", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status = %d, want 405", tt.method, tt.path, rec.Code)
			continue
		}
		body := decode[map[string]any](t, rec)
		if body["message"] != "Method not allowed" {
			t.Errorf("%s %s: body = %v", tt.method, tt.path, body)
		}
	}

	rec := env.do(t, http.MethodGet, "/", "", nil)
	body := decode[map[string]any](t, rec)
	if body["authenticated"] != false {
		t.Errorf("index = %v", body)
	}
}

func TestAdminLogin_FileStore(t *testing.T) {
	hash, err := auth.HashPassword("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	usersPath := filepath.Join(t.TempDir(), "users.yaml")
	content := "users:\n  - username: carol\n    password_hash: " + hash + "\n"
	if err := os.WriteFile(usersPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	store, err := auth.LoadFileStore(usersPath, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t, func(c *Config) { c.Authenticator = store })

	if rec := env.do(t, http.MethodPost, "/admin/login", `{"username":"carol","password":"wrong"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d", rec.Code)
	}
	cookie := env.login(t, "carol", "correct horse")

	rec := env.do(t, http.MethodGet, "/api/status", "", cookie)
	st := decode[statusResponse](t, rec)
	if st.User.Role != auth.DefaultRole {
		t.Errorf("role = %q, want %q", st.User.Role, auth.DefaultRole)
	}
}
