package collector

import (
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// How far past the last stored record the next fetch begins. Enough to
	// skip the interval we already have without skipping the one after it.
	watermarkEpsilon = time.Minute

	// Window used when the watermark sits ahead of the clock.
	skewClampWindow = 24 * time.Hour
)

// nextWindow derives the [start, end) range the next fetch should cover.
// found reports whether any rows exist for this data kind; if not, the
// window opens at the configured historical start. A start past now (bad
// clock, misconfigured start date) is clamped to one day ending at now so
// the window never has negative length. All values are market-local.
func nextWindow(latest time.Time, found bool, historicalStart, now time.Time) timeRange {
	start := historicalStart
	if found {
		start = latest.Add(watermarkEpsilon)
	}
	if start.After(now) {
		log.Warnf("Fetch window start %s is after now %s, clamping to the last %s",
			start.Format(time.RFC3339), now.Format(time.RFC3339), skewClampWindow)
		start = now.Add(-skewClampWindow)
	}
	return timeRange{start: start, end: now}
}
