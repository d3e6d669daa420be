package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"eden/internal/metrics"
	"eden/internal/storage"
	"eden/internal/task"
	"eden/internal/task/engine"
	logx "eden/pkg/logx"
)

type fixture struct {
	srv   *httptest.Server
	store *storage.Store
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	m := metrics.New(metrics.Sources{Counts: st.Counts}, logx.Nop())
	deps := Deps{
		Store:   st,
		Queue:   engine.NewQueue(st, nil, logx.Nop(), nil),
		Metrics: m.Registry(),
		Health:  func() map[string]any { return map[string]any{"worker": "up"} },
	}
	srv := httptest.NewServer(NewRouter(cfg, deps, logx.Nop()))
	t.Cleanup(srv.Close)
	return fixture{srv: srv, store: st}
}

func (f fixture) do(t *testing.T, method, path, body, token string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})
	code, body := f.do(t, http.MethodGet, "/healthz", "", "")
	if code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) || !strings.Contains(body, `"worker":"up"`) {
		t.Fatalf("GET /healthz = %d %s", code, body)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	code, body := f.do(t, http.MethodPost, "/tasks", `{"payload":{"type":"ping","chat":"42"},"priority":"high"}`, "")
	if code != http.StatusCreated {
		t.Fatalf("POST /tasks = %d %s", code, body)
	}
	var created task.Task
	if err := json.Unmarshal([]byte(body), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Priority != task.PriorityHigh || created.Status != task.StatusQueued || created.Kind() != "ping" {
		t.Fatalf("created = %+v", created)
	}

	code, body = f.do(t, http.MethodGet, "/tasks/"+created.ID, "", "")
	if code != http.StatusOK || !strings.Contains(body, created.ID) {
		t.Fatalf("GET /tasks/{id} = %d %s", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/tasks?status=queued&kind=ping", "", "")
	if code != http.StatusOK || !strings.Contains(body, created.ID) || !strings.Contains(body, `"next_after"`) {
		t.Fatalf("GET /tasks = %d %s", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/tasks/counts", "", "")
	if code != http.StatusOK || !strings.Contains(body, `"queued":1`) {
		t.Fatalf("GET /tasks/counts = %d %s", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/metrics", "", "")
	if code != http.StatusOK || !strings.Contains(body, `eden_tasks{status="queued"} 1`) {
		t.Fatalf("GET /metrics = %d, missing queued gauge", code)
	}

	if code, _ = f.do(t, http.MethodDelete, "/tasks/"+created.ID, "", ""); code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", code)
	}
	if code, _ = f.do(t, http.MethodGet, "/tasks/"+created.ID, "", ""); code != http.StatusNotFound {
		t.Fatalf("GET deleted = %d, want 404", code)
	}
}

func TestRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/tasks", `{"payload":{"chat":"42"}}`, http.StatusUnprocessableEntity},
		{http.MethodPost, "/tasks", `{"payload":[1,2]}`, http.StatusUnprocessableEntity},
		{http.MethodPost, "/tasks", `{"payload":{"type":"ping"},"priority":"urgent"}`, http.StatusUnprocessableEntity},
		{http.MethodPost, "/tasks", `{"payload":{"type":"ping"},"extra":1}`, http.StatusBadRequest},
		{http.MethodGet, "/tasks?status=zombie", "", http.StatusBadRequest},
		{http.MethodGet, "/tasks?limit=-3", "", http.StatusBadRequest},
		{http.MethodDelete, "/tasks/nope", "", http.StatusNotFound},
	}
	for _, c := range cases {
		if code, body := f.do(t, c.method, c.path, c.body, ""); code != c.want {
			t.Errorf("%s %s %s = %d %s, want %d", c.method, c.path, c.body, code, body, c.want)
		}
	}
	counts, err := f.store.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[task.StatusQueued] != 0 {
		t.Fatalf("invalid requests persisted %d tasks", counts[task.StatusQueued])
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})
	if code, _ := f.do(t, http.MethodGet, "/tasks", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/tasks", "", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/tasks", "", "s3cret"); code != http.StatusOK {
		t.Fatalf("good token = %d, want 200", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/tasks?token=s3cret", "", ""); code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", code)
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newFixture(t, Config{})
	if code, _ := off.do(t, http.MethodGet, "/debug/pprof/", "", ""); code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d, want 404", code)
	}
	on := newFixture(t, Config{Pprof: true})
	if code, _ := on.do(t, http.MethodGet, "/debug/pprof/cmdline", "", ""); code != http.StatusOK {
		t.Fatalf("pprof enabled = %d, want 200", code)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s := NewServer(Config{Addr: "127.0.0.1:0"}, Deps{Store: st}, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
