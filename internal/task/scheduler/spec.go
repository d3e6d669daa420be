package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of one schedule spec.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is one parsed schedule spec.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */10 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Prefixes "cron:" and "interval:"/"every:" force the kind.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a single spec (no "|").
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cronSpec(expr)
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	case strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@"):
		return cronSpec(s)
	}

	if spec, err := intervalSpec(s); err == nil {
		return spec, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func cronSpec(expr string) (ParsedSpec, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		src = "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
		}
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// Schedule is a compiled, possibly multi-spec, recurrence.
type Schedule struct {
	raw   string
	specs []ParsedSpec
	cron  []cron.Schedule // parallel to specs; nil for intervals
}

// Compile parses raw, which may join several specs with "|".
func Compile(raw string) (Schedule, error) {
	parts := strings.Split(raw, "|")
	out := Schedule{raw: strings.TrimSpace(raw)}
	for _, part := range parts {
		spec, err := ParseSchedule(part)
		if err != nil {
			return Schedule{}, err
		}
		var cs cron.Schedule
		if spec.Kind == SpecCron {
			// Validated in ParseSchedule.
			cs, _ = cronParser.Parse(spec.Cron)
		}
		out.specs = append(out.specs, spec)
		out.cron = append(out.cron, cs)
	}
	return out, nil
}

// Every returns a single-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{
		raw:   "every:" + d.String(),
		specs: []ParsedSpec{{Kind: SpecInterval, Every: d, Source: "duration"}},
		cron:  []cron.Schedule{nil},
	}
}

func (s Schedule) IsZero() bool { return len(s.specs) == 0 }

func (s Schedule) String() string { return s.raw }

// Specs returns the parsed parts.
func (s Schedule) Specs() []ParsedSpec { return append([]ParsedSpec(nil), s.specs...) }

// Next returns the earliest time strictly after after at which any part fires.
// Cron parts are evaluated in loc (UTC when nil).
func (s Schedule) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	var best time.Time
	for i, spec := range s.specs {
		var next time.Time
		if spec.Kind == SpecInterval {
			next = after.Add(spec.Every)
		} else {
			next = s.cron[i].Next(after.In(loc))
		}
		if next.IsZero() {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	return best
}
