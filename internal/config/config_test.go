package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"eden/internal/task"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

const minimalJSON = `{"database":{"path":"tasks.db"}}`

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.json", []byte(minimalJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	w := s.Worker
	if w.Partition.Total() != 1 || !w.Partition.Owns(7) {
		t.Fatalf("partition = %s, want everything owned", w.Partition)
	}
	if w.MaxRunning != 10 || w.BatchSize != 50 || w.Retry.MaxRetries != 3 {
		t.Fatalf("limits = %d/%d/%d", w.MaxRunning, w.BatchSize, w.Retry.MaxRetries)
	}
	if w.StalledThreshold != 30*time.Minute || w.ReaperInterval != time.Minute || w.ErrorBackoff != 30*time.Second {
		t.Fatalf("durations = %v/%v/%v", w.StalledThreshold, w.ReaperInterval, w.ErrorBackoff)
	}
	if got := w.Retry.Backoff(1); got != 2*time.Minute {
		t.Fatalf("Backoff(1) = %v, want 2m", got)
	}
	if !w.ClearTemporary || w.PeriodicInterval != time.Hour {
		t.Fatalf("clear=%v periodic=%v", w.ClearTemporary, w.PeriodicInterval)
	}
	if s.Ops.Enabled || s.Ops.Addr != DefaultOpsAddr {
		t.Fatalf("ops = %+v", s.Ops)
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	doc := `
logging:
  level: debug
  console: true
database:
  path: /var/lib/eden/tasks.db
  busy_timeout: 2s
worker:
  ids: [2, 3]
  total: 4
  max_task_retries: 5
  backoff: linear
  retry_base_delay: 10s
  clear_temporary_on_start: false
ops:
  enabled: true
  addr: 127.0.0.1:9000
systemd:
  units: [nginx, " nginx", redis-server.service]
`
	cfg, err := Decode("worker.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := s.Worker.Partition.Owned(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("owned = %v", got)
	}
	if s.Worker.Retry.MaxRetries != 5 || s.Worker.Retry.Backoff(2) != 20*time.Second {
		t.Fatalf("retry = %+v backoff(2)=%v", s.Worker.Retry, s.Worker.Retry.Backoff(2))
	}
	if s.Worker.ClearTemporary {
		t.Fatalf("explicit false for clear_temporary_on_start ignored")
	}
	if s.Database.BusyTimeout != 2*time.Second || s.Logging.Level != "debug" {
		t.Fatalf("database=%+v logging=%+v", s.Database, s.Logging)
	}
	if got := s.Systemd.Units; len(got) != 2 || got[0] != "nginx" || got[1] != "redis-server.service" {
		t.Fatalf("units = %q", got)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown key":   `{"database":{"path":"x"},"telegram":{}}`,
		"trailing data": minimalJSON + `{}`,
		"bad json":      `{"database":`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode("c.json", []byte(doc)); err == nil {
				t.Fatalf("Decode(%s) err = nil", doc)
			}
		})
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no path", Config{}, "database.path"},
		{"ids out of range", Config{Database: DatabaseConfig{Path: "x"}, Worker: WorkerConfig{IDs: []int{5}, Total: 2}}, "worker.ids"},
		{"bad duration", Config{Database: DatabaseConfig{Path: "x"}, Worker: WorkerConfig{PollInterval: "soon"}}, "worker.poll_interval"},
		{"negative pool", Config{Database: DatabaseConfig{Path: "x"}, Worker: WorkerConfig{MaxRunningTasks: -1}}, "worker.max_running_tasks"},
		{"bad backoff", Config{Database: DatabaseConfig{Path: "x"}, Worker: WorkerConfig{Backoff: "fibonacci"}}, "worker.backoff"},
		{"bad level", Config{Database: DatabaseConfig{Path: "x"}, Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"public ops without token", Config{Database: DatabaseConfig{Path: "x"}, Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:9464"}}, "ops.addr"},
		{"bad unit", Config{Database: DatabaseConfig{Path: "x"}, Systemd: SystemdConfig{Units: []string{"../etc"}}}, "systemd.units[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.Resolve()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Resolve() err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a := &Config{Database: DatabaseConfig{Path: "x"}}
	b := &Config{Database: DatabaseConfig{Path: "x"}, Logging: LoggingConfig{Level: "debug"}, Worker: WorkerConfig{Total: 2}}
	ch := Diff(a, b)
	if len(ch.Live) != 1 || ch.Live[0] != "logging" {
		t.Fatalf("Live = %v", ch.Live)
	}
	if len(ch.Restart) != 1 || ch.Restart[0] != "worker" {
		t.Fatalf("Restart = %v", ch.Restart)
	}
	if !Diff(a, a).Empty() {
		t.Fatalf("Diff(a, a) not empty")
	}
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "worker.json", minimalJSON)
	m := NewManager(path)
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("Reload unchanged = %v, %v; want false", ok, err)
	}

	if err := os.WriteFile(path, []byte(`{"database":{"path":"tasks.db"},"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("Reload changed = %v, %v; want true", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatalf("nothing published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("Get() not updated")
	}
}

func TestManagerReloadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "worker.json", minimalJSON)
	m := NewManager(path)
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(context.Context, *Config) error { return task.ErrInvalidPriority })

	if err := os.WriteFile(path, []byte(`{"database":{"path":"other.db"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(context.Background()); err == nil || ok {
		t.Fatalf("Reload = %v, %v; want rejection", ok, err)
	}
	if m.Get().Database.Path != "tasks.db" {
		t.Fatalf("rejected config was committed")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "worker.json", minimalJSON)
	m := NewManager(path)
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-deadline:
			t.Fatalf("no reload observed")
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			if i%3 == 0 {
				_ = os.WriteFile(path, []byte(`{"database":{"path":"tasks.db"},"logging":{"level":"warn"}}`), 0o600)
			}
		}
	}
}
