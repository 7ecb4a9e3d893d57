package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/pkg/api"
)

func TestIngestAndJobSnapshot(t *testing.T) {
	clock := testClock()
	a := NewAggregator().WithClock(clock)

	a.Ingest(sample("job-1", "node-1", 1, clock.Now(), 90, 10, 100))
	clock.Advance(time.Second)
	a.Ingest(sample("job-1", "node-1", 2, clock.Now(), 95, 5, 100))

	view := a.JobSnapshot("job-1")
	assert.InDelta(t, 200.0/5, view.RequestsPerSecond, 0.001)
	assert.Equal(t, int64(185), view.SuccessfulRequests)
	assert.Equal(t, int64(15), view.FailedRequests)
	assert.InDelta(t, 15.0/200, view.ErrorRate, 0.001)
}

func TestDuplicateSamplesAreDropped(t *testing.T) {
	clock := testClock()
	a := NewAggregator().WithClock(clock)

	s := sample("job-1", "node-1", 1, clock.Now(), 100, 0, 0)
	a.Ingest(s)
	a.Ingest(s)
	a.Ingest(sample("job-1", "node-1", 0, clock.Now(), 100, 0, 0))

	view := a.JobSnapshot("job-1")
	assert.Equal(t, int64(100), view.SuccessfulRequests)
}

func TestSequencesTrackedPerNode(t *testing.T) {
	clock := testClock()
	a := NewAggregator().WithClock(clock)

	a.Ingest(sample("job-1", "node-1", 1, clock.Now(), 100, 0, 0))
	a.Ingest(sample("job-1", "node-2", 1, clock.Now(), 50, 0, 0))

	view := a.JobSnapshot("job-1")
	assert.Equal(t, int64(150), view.SuccessfulRequests)
}

func TestLatencyMovingAverage(t *testing.T) {
	clock := testClock()
	a := NewAggregator().WithClock(clock)

	a.Ingest(sample("job-1", "node-1", 1, clock.Now(), 10, 0, 100))
	assert.InDelta(t, 100, a.JobSnapshot("job-1").AverageLatencyMillis, 0.001)

	a.Ingest(sample("job-1", "node-1", 2, clock.Now(), 10, 0, 200))
	assert.InDelta(t, 0.2*200+0.8*100, a.JobSnapshot("job-1").AverageLatencyMillis, 0.001)
}

func TestRequestsPerSecondWindowExpires(t *testing.T) {
	clock := testClock()
	a := NewAggregator().WithClock(clock)

	a.Ingest(sample("job-1", "node-1", 1, clock.Now(), 100, 0, 0))
	assert.InDelta(t, 100.0/5, a.JobSnapshot("job-1").RequestsPerSecond, 0.001)

	clock.Advance(6 * time.Second)
	view := a.JobSnapshot("job-1")
	assert.Zero(t, view.RequestsPerSecond)
	// Cumulative totals are not windowed.
	assert.Equal(t, int64(100), view.SuccessfulRequests)
}

func TestRemoveJobDropsState(t *testing.T) {
	clock := testClock()
	a := NewAggregator().WithClock(clock)

	a.Ingest(sample("job-1", "node-1", 1, clock.Now(), 100, 0, 50))
	a.RemoveJob("job-1")

	assert.Equal(t, api.JobMetrics{}, a.JobSnapshot("job-1"))
}

func TestSystemSnapshot(t *testing.T) {
	clock := testClock()
	a := NewAggregator().WithClock(clock)

	a.Ingest(sample("job-1", "node-1", 1, clock.Now(), 90, 10, 120))
	a.Ingest(sample("job-2", "node-2", 1, clock.Now(), 100, 0, 80))

	snapshot := a.SystemSnapshot()
	assert.InDelta(t, 200.0/5, snapshot.GlobalRequestsPerSecond, 0.001)
	assert.InDelta(t, 10.0/200, snapshot.GlobalErrorRate, 0.001)
	assert.Equal(t, int64(200), snapshot.TotalRequestsToday)
	assert.InDelta(t, 100, snapshot.AverageResponseTime, 0.001)
	assert.True(t, snapshot.Timestamp.Equal(clock.Now()))
}

func TestDailyTotalsRollOverAtMidnight(t *testing.T) {
	clock := testClock()
	a := NewAggregator().WithClock(clock)

	a.Ingest(sample("job-1", "node-1", 1, clock.Now(), 100, 0, 50))
	assert.Equal(t, int64(100), a.SystemSnapshot().TotalRequestsToday)

	clock.Advance(24 * time.Hour)
	assert.Equal(t, int64(0), a.SystemSnapshot().TotalRequestsToday)

	a.Ingest(sample("job-1", "node-1", 2, clock.Now(), 40, 0, 50))
	assert.Equal(t, int64(40), a.SystemSnapshot().TotalRequestsToday)
}

func sample(jobId, nodeId string, sequence int64, at time.Time, success, errors int64, latency float64) *api.MetricSample {
	return &api.MetricSample{
		JobId:                jobId,
		NodeId:               nodeId,
		Sequence:             sequence,
		Time:                 at,
		SuccessCount:         success,
		ErrorCount:           errors,
		AverageLatencyMillis: latency,
	}
}

func testClock() *util.DummyClock {
	return &util.DummyClock{T: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
}
