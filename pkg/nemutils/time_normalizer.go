// All interval timestamps in this system live in the NEM market timezone.
// Every timestamp crossing the API or store boundary passes through here
// once, so nothing downstream ever has to ask which zone a value is in.
package nemutils

import (
	"fmt"
	"sync"
	"time"
)

const marketTimezone = "Australia/Sydney"

var (
	marketLoc     *time.Location
	marketLocOnce sync.Once
)

func MarketLocation() *time.Location {
	marketLocOnce.Do(func() {
		var err error
		marketLoc, err = time.LoadLocation(marketTimezone)
		if err != nil {
			// No tzdata on this host; AEST keeps comparisons consistent
			// even though DST transitions will be off by an hour.
			marketLoc = time.FixedZone("AEST", 10*60*60)
		}
	})
	return marketLoc
}

// NowMarket returns the current time in the market timezone, independent of
// the zone the server runs in.
func NowMarket() time.Time {
	return time.Now().In(MarketLocation())
}

func ToMarketTime(t time.Time) time.Time {
	return t.In(MarketLocation())
}

// Layouts accepted from the store and the API. The naive forms carry no
// zone and are interpreted as market-local.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
}

var naiveLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp reads a zoned or naive timestamp string and returns it
// normalized to market time.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(MarketLocation()), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, MarketLocation()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatDbTime renders a timestamp in the naive market-local form the SQLite
// store keeps. Lexical order of this form matches chronological order.
func FormatDbTime(t time.Time) string {
	return ToMarketTime(t).Format("2006-01-02 15:04:05")
}

// FormatAPIDate renders the whole-date form the pricing API takes for range
// requests.
func FormatAPIDate(t time.Time) string {
	return ToMarketTime(t).Format("2006-01-02")
}
