package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemwatch/amber_collector/pkg/types"
)

func TestSchedulerStopsOnCancel(t *testing.T) {
	src := &fakeSource{sites: []types.Site{{ID: "site-a", Nmi: "41030000001"}}}
	c, store := newTestCollector(t, src, mkt(2024, 1, 2, 0, 0))
	sched := NewScheduler(c, store, 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(src.priceCallsFor("site-a")) > 0
	}, 2*time.Second, 5*time.Millisecond, "first cycle never ran")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop within a second of cancellation")
	}
}

func TestSchedulerBootstrapsWithBackfill(t *testing.T) {
	src := &fakeSource{sites: []types.Site{{ID: "site-a", Nmi: "41030000001"}}}
	c, store := newTestCollector(t, src, mkt(2024, 1, 2, 0, 0))
	sched := NewScheduler(c, store, time.Minute, time.Hour)

	require.NoError(t, sched.runOnce(context.Background()))

	runs, err := store.RecentRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunBackfill, runs[0].Kind)
	assert.True(t, sched.bootstrapped)
}

func TestSchedulerCatchesUpWhenAlreadyInitialized(t *testing.T) {
	src := &fakeSource{sites: []types.Site{{ID: "site-a", Nmi: "41030000001"}}}
	now := mkt(2024, 1, 2, 0, 0)
	c, store := newTestCollector(t, src, now)
	ctx := context.Background()

	// Store already holds data back to the historical start.
	seeded := mkt(2024, 1, 1, 0, 30)
	_, err := store.UpsertPrices(ctx, genPrices("site-a", seeded.Add(-30*time.Minute), seeded))
	require.NoError(t, err)
	_, err = store.UpsertUsage(ctx, genUsage("site-a", seeded.Add(-30*time.Minute), seeded))
	require.NoError(t, err)

	sched := NewScheduler(c, store, time.Minute, time.Hour)
	require.NoError(t, sched.runOnce(ctx))

	runs, err := store.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunIncremental, runs[0].Kind, "a warm store skips the backfill")
}

func TestSchedulerForceReinitBackfills(t *testing.T) {
	src := &fakeSource{sites: []types.Site{{ID: "site-a", Nmi: "41030000001"}}}
	now := mkt(2024, 1, 2, 0, 0)
	c, store := newTestCollector(t, src, now)
	c.cfg.ForceReinit = true
	ctx := context.Background()

	seeded := mkt(2024, 1, 1, 0, 30)
	_, err := store.UpsertPrices(ctx, genPrices("site-a", seeded.Add(-30*time.Minute), seeded))
	require.NoError(t, err)
	_, err = store.UpsertUsage(ctx, genUsage("site-a", seeded.Add(-30*time.Minute), seeded))
	require.NoError(t, err)

	sched := NewScheduler(c, store, time.Minute, time.Hour)
	require.NoError(t, sched.runOnce(ctx))

	runs, err := store.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunBackfill, runs[0].Kind, "force reinit overrides the warm-store check")
}

func TestSchedulerSurvivesFailedCycle(t *testing.T) {
	src := &fakeSource{
		sites:   []types.Site{{ID: "site-a", Nmi: "41030000001"}},
		listErr: errors.New("api down"),
	}
	c, store := newTestCollector(t, src, mkt(2024, 1, 2, 0, 0))
	sched := NewScheduler(c, store, time.Minute, time.Hour)
	sched.backoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	// More than one site-list attempt means the loop retried after failure.
	require.Eventually(t, func() bool {
		return src.listCount() >= 2
	}, 2*time.Second, 2*time.Millisecond, "loop did not retry after a failed cycle")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestSchedulerDefaults(t *testing.T) {
	src := &fakeSource{}
	c, store := newTestCollector(t, src, mkt(2024, 1, 2, 0, 0))

	sched := NewScheduler(c, store, 0, 0)
	assert.Equal(t, 5*time.Minute, sched.interval)
	assert.Equal(t, 7*24*time.Hour, sched.forecastRetention)
	assert.Equal(t, errorBackoff, sched.backoff)
}
