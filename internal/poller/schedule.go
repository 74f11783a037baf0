package poller

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule returns the poll schedule of a source: its cron spec when set
// (five fields or a descriptor such as "@every 2m"), otherwise its interval,
// otherwise def.
func ParseSchedule(src *domain.MonitoredSource, def time.Duration) (cron.Schedule, error) {
	if src.Schedule != "" {
		sched, err := cronParser.Parse(src.Schedule)
		if err != nil {
			return nil, fmt.Errorf("source %s: invalid schedule %q: %w", src.Ref, src.Schedule, err)
		}
		return sched, nil
	}
	interval := src.Interval
	if interval <= 0 {
		interval = def
	}
	if interval <= 0 {
		return nil, fmt.Errorf("source %s: no poll interval", src.Ref)
	}
	return cron.Every(interval), nil
}

// scheduleKey identifies the schedule settings a computed next time was based on
func scheduleKey(src *domain.MonitoredSource) string {
	return fmt.Sprintf("%s|%s", src.Schedule, src.Interval)
}

// jittered spreads next by up to ±jitter of the delay from now. r is a
// uniform sample in [0, 1).
func jittered(now, next time.Time, jitter, r float64) time.Time {
	delay := next.Sub(now)
	if jitter <= 0 || delay <= 0 {
		return next
	}
	offset := time.Duration(float64(delay) * jitter * (2*r - 1))
	return now.Add(delay + offset)
}
