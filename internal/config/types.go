package config

// Config is the on-disk worker configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "30s", "1h"). Omitted or zero
// fields take the defaults documented on each section; see Resolve.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Database DatabaseConfig `json:"database"`
	Worker   WorkerConfig   `json:"worker"`
	Ops      OpsConfig      `json:"ops,omitempty"`
	Systemd  SystemdConfig  `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DatabaseConfig locates the SQLite task store.
//
// Example:
//
//	"database": { "path": "./data/tasks.db", "busy_timeout": "5s" }
type DatabaseConfig struct {
	Path           string `json:"path"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`    // default 5s
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default 5s
	QueryTimeout   string `json:"query_timeout,omitempty"`   // default 10s
}

// WorkerConfig controls claiming, execution, retries and recovery.
//
// Defaults (when fields are omitted/zero):
//   - ids: [0, 1]; total: 1 (this node claims everything)
//   - max_running_tasks: 10
//   - max_task_retries: 3
//   - queued_tasks_per_batch: 50
//   - stalled_tasks_threshold: "30m"
//   - reaper_interval: "1m"
//   - poll_interval: "1s"
//   - error_backoff: "30s"
//   - backoff: "exponential", retry_base_delay: "1m", retry_max_delay: "24h"
//   - periodic_interval: "1h"
//   - clear_temporary_on_start: true
type WorkerConfig struct {
	// IDs are the worker ids this node owns. Ids outside 1..total are ignored.
	IDs []int `json:"ids,omitempty"`
	// Total is the number of worker ids across the whole deployment.
	Total int `json:"total,omitempty"`

	MaxRunningTasks     int `json:"max_running_tasks,omitempty"`
	MaxTaskRetries      int `json:"max_task_retries,omitempty"`
	QueuedTasksPerBatch int `json:"queued_tasks_per_batch,omitempty"`

	StalledTasksThreshold string `json:"stalled_tasks_threshold,omitempty"`
	ReaperInterval        string `json:"reaper_interval,omitempty"`
	PollInterval          string `json:"poll_interval,omitempty"`
	ErrorBackoff          string `json:"error_backoff,omitempty"`

	Backoff        string `json:"backoff,omitempty"`
	RetryBaseDelay string `json:"retry_base_delay,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`

	PeriodicInterval string `json:"periodic_interval,omitempty"`
	// Timezone for cron schedules (IANA name). Default: local time.
	Timezone string `json:"timezone,omitempty"`

	// ClearTemporaryOnStart is a pointer so an explicit false survives.
	ClearTemporaryOnStart *bool `json:"clear_temporary_on_start,omitempty"`
}

// OpsConfig controls the operator HTTP server (health, metrics, task
// inspection, pprof).
//
// Security note: bind to loopback, or set a token. A non-loopback address
// without a token is rejected unless allow_insecure is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// SystemdConfig lists the units the systemd.unit task kind may act on. The
// kind is not registered when the list is empty.
//
// Example:
//
//	"systemd": { "units": ["nginx", "redis-server.service"] }
type SystemdConfig struct {
	Units []string `json:"units,omitempty"`
}
