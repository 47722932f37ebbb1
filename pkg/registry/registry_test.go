package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimmerhq/dashcache/pkg/interval"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestProgressEmptyLedgerIsDone(t *testing.T) {
	r := New()
	assert.Equal(t, 100.0, r.Progress())
	assert.False(t, r.GlobalLoading())
}

func TestScenarioTwoCallsOneFailure(t *testing.T) {
	r := New()
	r.Register("A", "weekly_chart", Meta{Dataset: "weekly_chart"})
	r.Register("B", "monthly_chart", Meta{Dataset: "monthly_chart"})
	assert.True(t, r.GlobalLoading())
	assert.Equal(t, 0.0, r.Progress())

	r.Complete("A", true)
	assert.Equal(t, 50.0, r.Progress())

	r.Complete("B", false)
	assert.Equal(t, 100.0, r.Progress())
	assert.False(t, r.GlobalLoading())

	failed := r.FailedCalls()
	require.Len(t, failed, 1)
	assert.Equal(t, "B", failed[0].ID)
	require.NotNil(t, failed[0].EndedAt)

	reset := r.RetryFailed()
	require.Len(t, reset, 1)
	assert.Equal(t, StatusPending, reset[0].Status)
	assert.Equal(t, 1, reset[0].Meta.RetryCount)
	assert.Nil(t, reset[0].EndedAt)
	assert.Less(t, r.Progress(), 100.0)
	assert.True(t, r.GlobalLoading())
}

func TestCompleteUnknownOrSettledIsNoop(t *testing.T) {
	r := New()
	r.Complete("ghost", true)
	assert.Equal(t, 100.0, r.Progress())

	r.Register("A", "c", Meta{})
	r.Complete("A", true)
	before := r.Snapshot()
	r.Complete("A", false) // already settled; must not flip status
	require.Len(t, r.FailedCalls(), 0)
	assert.Equal(t, before.Progress, r.Progress())
}

func TestRetryCeiling(t *testing.T) {
	r := New(WithMaxRetries(1))
	r.Register("A", "c", Meta{})
	r.Complete("A", false)

	require.Len(t, r.RetryFailed(), 1)
	r.Complete("A", false)

	// Ceiling reached: the record stays failed.
	assert.Len(t, r.RetryFailed(), 0)
	assert.Len(t, r.FailedCalls(), 1)
}

func TestRetryNotifiesSubscriber(t *testing.T) {
	r := New()
	var notified []CallRecord
	r.OnRetry(func(records []CallRecord) { notified = records })

	r.Register("A", "c", Meta{Dataset: "weekly_chart"})
	r.Complete("A", false)
	r.RetryFailed()

	require.Len(t, notified, 1)
	assert.Equal(t, "weekly_chart", notified[0].Meta.Dataset)
}

func TestIntervalChangeWipesLedger(t *testing.T) {
	r := New()
	week := interval.Interval{From: day(2025, 1, 13), To: day(2025, 1, 19)}
	r.OnIntervalChange(week)
	r.Register("A", "c", Meta{})

	// Equal interval with sub-second jitter: a re-render, not a change.
	jittered := interval.Interval{
		From: week.From.Add(200 * time.Millisecond),
		To:   week.To.Add(300 * time.Millisecond),
	}
	r.OnIntervalChange(jittered)
	assert.Equal(t, 1, r.TotalCount(), "no-op change must keep in-flight records")

	next := interval.Interval{From: day(2025, 1, 20), To: day(2025, 1, 26)}
	r.OnIntervalChange(next)
	assert.Equal(t, 0, r.TotalCount(), "genuine change must wipe the ledger")
	assert.False(t, r.GlobalLoading())
}

func TestWatchdogForcesReset(t *testing.T) {
	r := New(WithWatchdogBound(20 * time.Millisecond))
	r.Register("hung", "c", Meta{})
	require.True(t, r.GlobalLoading())

	assert.Eventually(t, func() bool {
		return !r.GlobalLoading() && r.TotalCount() == 0
	}, time.Second, 5*time.Millisecond, "watchdog should reset a stuck epoch")
}

func TestSnapshotAggregates(t *testing.T) {
	r := New()
	r.Register("A", "c", Meta{})
	r.Register("B", "c", Meta{})
	r.Complete("B", false)

	ov := r.Snapshot()
	assert.True(t, ov.GlobalLoading)
	assert.Equal(t, 50.0, ov.Progress)
	assert.Equal(t, 1, ov.ActiveCount)
	assert.Equal(t, 2, ov.TotalCount)
	require.Len(t, ov.Failed, 1)
	assert.Equal(t, "B", ov.Failed[0].ID)
}
