package schema

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Schedule decides when the cache is refreshed in the background. A zero Interval
// disables scheduled refreshes.
type Schedule struct {
	Interval time.Duration
}

func (s Schedule) Enabled() bool { return s.Interval > 0 }

// Due reports whether a refresh last run at last is due again at now.
func (s Schedule) Due(last, now time.Time) bool {
	if !s.Enabled() {
		return false
	}
	return !now.Before(last.Add(s.Interval))
}

// pollInterval is the granularity at which Run checks Due.
func (s Schedule) pollInterval() time.Duration {
	return min(max(s.Interval/10, 10*time.Millisecond), time.Second)
}

// Run calls refresh whenever the schedule is due until ctx is done. A failed refresh is
// logged and attempted again one interval later.
func (s Schedule) Run(ctx context.Context, refresh func(context.Context) error, logger *zap.Logger) {
	if !s.Enabled() {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	last := time.Now()
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.Due(last, now) {
				continue
			}
			if err := refresh(ctx); err != nil {
				logger.Warn("scheduled schema refresh failed", zap.Error(err))
			}
			last = now
		}
	}
}
