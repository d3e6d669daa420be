package storage

import (
	"time"

	"eden/internal/task"
)

const (
	DefaultBusyTimeout    = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultQueryTimeout   = 10 * time.Second
)

// Config configures the task store.
type Config struct {
	Path           string
	BusyTimeout    time.Duration // 0 means DefaultBusyTimeout
	ConnectTimeout time.Duration // 0 means DefaultConnectTimeout
	QueryTimeout   time.Duration // 0 means DefaultQueryTimeout; <0 disables
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return c
}

// ListFilter pages through tasks in sequence order. Zero values match all.
type ListFilter struct {
	Status        task.Status
	Kind          string
	AfterSequence int64
	Limit         int // 0 means 100
}

type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryPolicy sets the policy applied by Fail.
func WithRetryPolicy(p task.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}
