package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a repeatable job should run next
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

// cronParser accepts standard 5-field expressions, an optional leading seconds field and descriptors like @daily.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// intervalSchedule runs at fixed intervals aligned to the Unix epoch,
// so every process computes the same slots for the same interval.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	step := s.every.Milliseconds()
	slot := (from.UnixMilli()/step + 1) * step
	return time.UnixMilli(slot).In(from.Location())
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

// cronSchedule evaluates a cron expression in a fixed location
type cronSchedule struct {
	spec     string
	schedule cron.Schedule
	loc      *time.Location
}

func (s cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from.In(s.loc))
}

func (s cronSchedule) String() string {
	if s.loc == time.UTC {
		return s.spec
	}
	return fmt.Sprintf("%s (%s)", s.spec, s.loc)
}

// ParseSchedule builds a Schedule from exactly one of a cron pattern or a fixed interval.
func ParseSchedule(pattern string, every time.Duration, tz string) (Schedule, error) {
	switch {
	case pattern != "" && every > 0:
		return nil, fmt.Errorf("%w: pattern and every are mutually exclusive", ErrInvalidRepeat)
	case pattern == "" && every <= 0:
		return nil, fmt.Errorf("%w: pattern or every is required", ErrInvalidRepeat)
	case every > 0:
		if every < time.Millisecond {
			return nil, fmt.Errorf("%w: interval must be at least 1ms", ErrInvalidRepeat)
		}
		return intervalSchedule{every: every}, nil
	}

	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidRepeat, tz, err)
		}
		loc = l
	}

	sched, err := cronParser.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRepeat, pattern, err)
	}

	return cronSchedule{spec: pattern, schedule: sched, loc: loc}, nil
}

// Factory functions for common repeat options

// Every repeats at a fixed interval
func Every(d time.Duration) RepeatOptions {
	return RepeatOptions{Every: d}
}

// Cron repeats on a cron pattern
func Cron(pattern string) RepeatOptions {
	return RepeatOptions{Pattern: pattern}
}

// HourlyAt repeats every hour at the given minute
func HourlyAt(minute int) RepeatOptions {
	return RepeatOptions{Pattern: fmt.Sprintf("%d * * * *", minute)}
}

// DailyAt repeats once per day at the given time
func DailyAt(hour, minute int) RepeatOptions {
	return RepeatOptions{Pattern: fmt.Sprintf("%d %d * * *", minute, hour)}
}

// WeeklyOn repeats once per week on the given day and time
func WeeklyOn(weekday time.Weekday, hour, minute int) RepeatOptions {
	return RepeatOptions{Pattern: fmt.Sprintf("%d %d * * %d", minute, hour, int(weekday))}
}

// MonthlyOn repeats once per month on the given day and time
func MonthlyOn(day, hour, minute int) RepeatOptions {
	return RepeatOptions{Pattern: fmt.Sprintf("%d %d %d * *", minute, hour, day)}
}

// Schedule returns the parsed schedule of the definition
func (d *RepeatDefinition) Schedule() (Schedule, error) {
	return ParseSchedule(d.Pattern, d.Every, d.TZ)
}

// nextRun computes the run time following after, honoring start/end dates and the run limit.
// ok is false when the definition is exhausted.
func (d *RepeatDefinition) nextRun(after time.Time) (next time.Time, ok bool, err error) {
	if d.Limit > 0 && d.Count >= d.Limit {
		return time.Time{}, false, nil
	}

	sched, err := d.Schedule()
	if err != nil {
		return time.Time{}, false, err
	}

	from := after
	if d.StartDate != nil && d.StartDate.After(from) {
		// Next is exclusive, step back so a slot exactly at StartDate is kept
		from = d.StartDate.Add(-time.Millisecond)
	}

	next = sched.Next(from)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	if d.EndDate != nil && next.After(*d.EndDate) {
		return time.Time{}, false, nil
	}

	return next, true, nil
}

// repeatKey derives a stable key so that re-registering the same schedule is idempotent
func repeatKey(name string, r RepeatOptions) string {
	if r.Key != "" {
		return r.Key
	}
	spec := r.Pattern
	if spec == "" {
		spec = fmt.Sprintf("every:%d", r.Every.Milliseconds())
	}
	return fmt.Sprintf("%s:%s:%s", name, spec, r.TZ)
}

// repeatJobID is deterministic per slot so a slot can only be materialized once
func repeatJobID(key string, runAt time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", key, runAt.UnixMilli())
}
