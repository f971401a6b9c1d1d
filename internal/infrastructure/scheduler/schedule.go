package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule accepts "@every <duration>", a descriptor such as @daily or a
// five-field cron expression.
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("interval %s is shorter than one second", d)
		}
		return Every(d), nil
	}
	return ParseCron(expr)
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERVAL
// ══════════════════════════════════════════════════════════════════════════════

// IntervalSchedule runs a job at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an IntervalSchedule.
func Every(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// Next implements Schedule.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

func (s *IntervalSchedule) String() string {
	return "@every " + s.Interval.String()
}

// ══════════════════════════════════════════════════════════════════════════════
// CRON
// Standard five-field expressions and the @hourly, @daily, @weekly family.
// ══════════════════════════════════════════════════════════════════════════════

// CronSchedule is a parsed cron expression.
type CronSchedule struct {
	raw      string
	schedule cron.Schedule
}

// ParseCron parses a cron expression.
func ParseCron(expr string) (*CronSchedule, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &CronSchedule{raw: expr, schedule: schedule}, nil
}

// Next implements Schedule.
func (c *CronSchedule) Next(after time.Time) time.Time {
	return c.schedule.Next(after)
}

func (c *CronSchedule) String() string {
	return c.raw
}
