package nemutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestampNaiveIsMarketLocal(t *testing.T) {
	got, err := ParseTimestamp("2024-01-05 12:30:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 1, 5, 12, 30, 0, 0, MarketLocation())))
	assert.Equal(t, MarketLocation(), got.Location())
}

func TestParseTimestampZonedIsConverted(t *testing.T) {
	// 01:30 UTC in January is 12:30 in Sydney (AEDT, +11).
	got, err := ParseTimestamp("2024-01-05T01:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, MarketLocation(), got.Location())
	assert.True(t, got.Equal(time.Date(2024, 1, 5, 12, 30, 0, 0, MarketLocation())))
}

func TestParseTimestampAcceptedForms(t *testing.T) {
	for _, s := range []string{
		"2024-01-05T12:30:00+11:00",
		"2024-01-05T12:30:00.123456Z",
		"2024-01-05 12:30:00",
		"2024-01-05T12:30:00",
		"2024-01-05",
	} {
		_, err := ParseTimestamp(s)
		assert.NoError(t, err, "form %q", s)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "yesterday", "05/01/2024", "1704414600"} {
		_, err := ParseTimestamp(s)
		assert.Error(t, err, "form %q", s)
	}
}

func TestFormatDbTimeIsMarketLocal(t *testing.T) {
	// 23:00 UTC on the 4th is 10:00 on the 5th in Sydney.
	utc := time.Date(2024, 1, 4, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-05 10:00:00", FormatDbTime(utc))
}

func TestFormatDbTimeSortsChronologically(t *testing.T) {
	earlier := FormatDbTime(time.Date(2024, 1, 5, 9, 59, 0, 0, MarketLocation()))
	later := FormatDbTime(time.Date(2024, 1, 5, 10, 0, 0, 0, MarketLocation()))
	assert.Less(t, earlier, later)
}

func TestFormatDbTimeRoundTrips(t *testing.T) {
	orig := time.Date(2024, 6, 15, 8, 30, 0, 0, MarketLocation())
	parsed, err := ParseTimestamp(FormatDbTime(orig))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(orig))
}

func TestFormatAPIDateUsesMarketDay(t *testing.T) {
	// Still the 4th in UTC, already the 5th in Sydney.
	utc := time.Date(2024, 1, 4, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-05", FormatAPIDate(utc))
}

func TestNowMarketLocation(t *testing.T) {
	assert.Equal(t, MarketLocation(), NowMarket().Location())
}

func TestCentsToDollars(t *testing.T) {
	assert.Equal(t, 0.25, CentsToDollars(25))
	assert.Equal(t, -1.5, CentsToDollars(-150))
	assert.Zero(t, CentsToDollars(0))
}

func TestDollarsToCentsRoundsHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, int64(250), DollarsToCents(2.5))
	assert.Equal(t, int64(131), DollarsToCents(1.31))
	// 0.125 is exact in binary, so the product lands on exactly 12.5 cents.
	assert.Equal(t, int64(13), DollarsToCents(0.125))
	assert.Equal(t, int64(-13), DollarsToCents(-0.125))
}
