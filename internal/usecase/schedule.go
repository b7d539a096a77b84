package usecase

import "time"

// nextTick returns the delay until the tick following planned, skipping
// slots that already passed so a slow tick never causes a burst of catch-up
// ticks or drifts the schedule.
func nextTick(planned time.Time, now time.Time, interval time.Duration) (time.Duration, time.Time) {
	next := planned.Add(interval)
	if !next.Before(now) {
		return next.Sub(now), next
	}
	missed := (now.Sub(next) + interval - 1) / interval
	next = next.Add(missed * interval)
	return next.Sub(now), next
}
