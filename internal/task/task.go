package task

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the dispatch ordering hint of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Level maps the priority to its numeric ordering level (low=1, high=3).
// Unknown values map to 0.
func (p Priority) Level() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	default:
		return 0
	}
}

func (p Priority) Valid() bool { return p.Level() > 0 }

// ParsePriority accepts the names above (case-insensitive); empty means medium.
func ParsePriority(raw string) (Priority, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, raw)
	}
	return p, nil
}

// Status is the lifecycle state of a task.
//
//	queued -> running -> success
//	                  -> failed
//	                  -> queued (retry or stall recovery)
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}

// Statuses lists every status in state machine order.
var Statuses = []Status{StatusQueued, StatusRunning, StatusSuccess, StatusFailed}

// Task is a persisted unit of deferred work.
//
// UpdatedAt doubles as the heartbeat for stall detection and as the claim
// stamp: outcome transitions only apply while the stored value still matches.
type Task struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence_number"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Attempts  int       `json:"attempts"`
	Payload   Payload   `json:"payload"`
	Deadline  time.Time `json:"deadline"`
	// LastRetry is zero when the task was never requeued after a failure.
	LastRetry time.Time `json:"last_retry,omitzero"`
	Periodic  bool      `json:"periodic"`
	Priority  Priority  `json:"priority"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
}

func (t Task) Kind() string { return t.Payload.Kind() }

// NewTask is the producer-side description of a task to enqueue.
type NewTask struct {
	Payload  Payload
	Deadline time.Time // zero means "now"
	Priority Priority  // empty means medium
	Periodic bool
}

// Validate normalizes defaults and rejects malformed input. now fills a zero deadline.
func (n *NewTask) Validate(now time.Time) error {
	if err := n.Payload.Validate(); err != nil {
		return err
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, n.Priority)
	}
	if n.Deadline.IsZero() {
		n.Deadline = now
	}
	return nil
}
