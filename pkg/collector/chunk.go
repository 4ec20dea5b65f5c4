package collector

import "time"

const (
	// The API rejects range requests longer than this.
	maxChunkSpan = 7 * 24 * time.Hour

	// Minimum delay between consecutive API calls to stay under the rate
	// limit.
	pacingDelay = 2 * time.Second
)

type timeRange struct {
	start time.Time
	end   time.Time
}

// chunkRanges splits [start, end) into consecutive sub-ranges of at most
// span each. The result covers the window exactly, with each chunk starting
// where the previous one ended. A window of zero or negative length yields
// nothing.
func chunkRanges(start, end time.Time, span time.Duration) []timeRange {
	if span <= 0 || !start.Before(end) {
		return nil
	}
	var ranges []timeRange
	for cursor := start; cursor.Before(end); {
		chunkEnd := cursor.Add(span)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		ranges = append(ranges, timeRange{start: cursor, end: chunkEnd})
		cursor = chunkEnd
	}
	return ranges
}
