package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"eden/internal/task"
	logx "eden/pkg/logx"
)

const (
	DefaultOpsAddr       = "127.0.0.1:9464"
	DefaultMaxRunning    = 10
	DefaultBatchSize     = 50
	DefaultStalled       = 30 * time.Minute
	DefaultReaperEvery   = time.Minute
	DefaultPollInterval  = time.Second
	DefaultErrorBackoff  = 30 * time.Second
	DefaultPeriodicEvery = time.Hour
)

// DefaultWorkerIDs is the owned-id list used when worker.ids is omitted.
var DefaultWorkerIDs = []int{0, 1}

// Settings is a Config with defaults applied and every string parsed.
type Settings struct {
	Logging  logx.Config
	Database DatabaseSettings
	Worker   WorkerSettings
	Ops      OpsSettings
	Systemd  SystemdSettings
}

type DatabaseSettings struct {
	Path           string
	BusyTimeout    time.Duration
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

type WorkerSettings struct {
	Partition        task.Partition
	MaxRunning       int
	BatchSize        int
	Retry            task.RetryPolicy
	StalledThreshold time.Duration
	ReaperInterval   time.Duration
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	PeriodicInterval time.Duration
	Location         *time.Location
	ClearTemporary   bool
}

type OpsSettings struct {
	Enabled     bool
	Addr        string
	Token       string
	Pprof       bool
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

type SystemdSettings struct {
	// Units are trimmed, deduplicated unit names in config order.
	Units []string
}

// Resolve validates cfg and applies defaults. All problems are reported
// together.
func (cfg *Config) Resolve() (Settings, error) {
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := parseDuration(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	lc := cfg.Logging
	if lc.Level != "" && !logx.ValidLevel(lc.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lc.Level))
	}
	s.Logging = logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		JSON:    lc.JSON,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: strings.TrimSpace(lc.File.Path)},
	}

	db := cfg.Database
	s.Database = DatabaseSettings{
		Path:           strings.TrimSpace(db.Path),
		BusyTimeout:    dur("database.busy_timeout", db.BusyTimeout, 0),
		ConnectTimeout: dur("database.connect_timeout", db.ConnectTimeout, 0),
		QueryTimeout:   dur("database.query_timeout", db.QueryTimeout, 0),
	}
	if s.Database.Path == "" {
		errs = append(errs, errors.New("database.path: required"))
	}

	w := cfg.Worker
	ids := w.IDs
	if len(ids) == 0 {
		ids = DefaultWorkerIDs
	}
	total := w.Total
	if total == 0 {
		total = 1
	}
	part, err := task.NewPartition(ids, total)
	if err != nil {
		errs = append(errs, fmt.Errorf("worker.ids: %w", err))
	}
	ws := WorkerSettings{
		Partition:        part,
		MaxRunning:       orDefault(w.MaxRunningTasks, DefaultMaxRunning),
		BatchSize:        orDefault(w.QueuedTasksPerBatch, DefaultBatchSize),
		StalledThreshold: dur("worker.stalled_tasks_threshold", w.StalledTasksThreshold, DefaultStalled),
		ReaperInterval:   dur("worker.reaper_interval", w.ReaperInterval, DefaultReaperEvery),
		PollInterval:     dur("worker.poll_interval", w.PollInterval, DefaultPollInterval),
		ErrorBackoff:     dur("worker.error_backoff", w.ErrorBackoff, DefaultErrorBackoff),
		PeriodicInterval: dur("worker.periodic_interval", w.PeriodicInterval, DefaultPeriodicEvery),
		Location:         time.Local,
		ClearTemporary:   w.ClearTemporaryOnStart == nil || *w.ClearTemporaryOnStart,
	}
	for _, c := range []struct {
		path string
		v    int
	}{
		{"worker.max_running_tasks", w.MaxRunningTasks},
		{"worker.max_task_retries", w.MaxTaskRetries},
		{"worker.queued_tasks_per_batch", w.QueuedTasksPerBatch},
	} {
		if c.v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0, got %d", c.path, c.v))
		}
	}
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("worker.timezone: %w", err))
		} else {
			ws.Location = loc
		}
	}

	base := dur("worker.retry_base_delay", w.RetryBaseDelay, task.DefaultRetryBaseDelay)
	maxDelay := dur("worker.retry_max_delay", w.RetryMaxDelay, task.DefaultRetryMaxDelay)
	var backoff task.Backoff
	switch strings.ToLower(strings.TrimSpace(w.Backoff)) {
	case "", "exponential":
		backoff = task.Exponential(base, maxDelay)
	case "linear":
		backoff = task.Linear(base, maxDelay)
	case "constant":
		backoff = task.Constant(base)
	default:
		errs = append(errs, fmt.Errorf("worker.backoff: unknown strategy %q", w.Backoff))
	}
	ws.Retry = task.RetryPolicy{
		MaxRetries: orDefault(w.MaxTaskRetries, task.DefaultMaxRetries),
		Backoff:    backoff,
		MaxDelay:   maxDelay,
	}
	s.Worker = ws

	o := cfg.Ops
	s.Ops = OpsSettings{
		Enabled:     o.Enabled,
		Addr:        strings.TrimSpace(o.Addr),
		Token:       strings.TrimSpace(o.Token),
		Pprof:       o.Pprof,
		ReadTimeout: dur("ops.read_timeout", o.ReadTimeout, 10*time.Second),
		IdleTimeout: dur("ops.idle_timeout", o.IdleTimeout, time.Minute),
	}
	if s.Ops.Addr == "" {
		s.Ops.Addr = DefaultOpsAddr
	}
	if s.Ops.Enabled && s.Ops.Token == "" && !o.AllowInsecure && !isLoopback(s.Ops.Addr) {
		errs = append(errs, fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", s.Ops.Addr))
	}

	seen := map[string]bool{}
	for i, u := range cfg.Systemd.Units {
		u = strings.TrimSpace(u)
		switch {
		case u == "":
			errs = append(errs, fmt.Errorf("systemd.units[%d]: empty unit name", i))
		case strings.ContainsAny(u, "/ "):
			errs = append(errs, fmt.Errorf("systemd.units[%d]: invalid unit name %q", i, u))
		case !seen[u]:
			seen[u] = true
			s.Systemd.Units = append(s.Systemd.Units, u)
		}
	}

	return s, errors.Join(errs...)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return def, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
