package config

import (
	"reflect"
)

// Change lists which sections differ between two configs. Only logging is
// applied live; everything else takes effect on restart.
type Change struct {
	Live    []string
	Restart []string
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// Diff compares configs section by section. Secrets are compared but never
// returned.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Live = append(ch.Live, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Database, newCfg.Database) {
		ch.Restart = append(ch.Restart, "database")
	}
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		ch.Restart = append(ch.Restart, "worker")
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		ch.Restart = append(ch.Restart, "ops")
	}
	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		ch.Restart = append(ch.Restart, "systemd")
	}
	return ch
}
