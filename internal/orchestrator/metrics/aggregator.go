package metrics

import (
	"sync"

	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/pkg/api"
)

const (
	// Width of the sliding window requests-per-second is computed over.
	windowSeconds = 5
	// Smoothing factor for the average latency moving average.
	latencyAlpha = 0.2
)

// Aggregator folds executor progress samples into per-job rolling views and
// system-wide totals. State size is bounded: it depends on the number of
// active jobs and reporting nodes, never on how many samples were ingested.
//
// Ingestion is idempotent under at-least-once delivery: samples carry a
// monotonically increasing sequence per (node, job) and anything at or below
// the high-water mark is dropped silently.
type Aggregator struct {
	mutex sync.RWMutex
	jobs  map[string]*jobState
	clock util.Clock

	// Cumulative counters since dayStart, for the system snapshot.
	day           string
	dayRequests   int64
	dayErrors     int64
	daySumLatency float64
	daySamples    int64
}

type jobState struct {
	mutex sync.Mutex

	// Highest sequence seen per reporting node.
	sequences map[string]int64

	buckets [windowSeconds]bucket

	avgLatency float64
	hasLatency bool

	successTotal int64
	errorTotal   int64
}

type bucket struct {
	second int64
	count  int64
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		jobs:  map[string]*jobState{},
		clock: &util.DefaultClock{},
	}
}

func (a *Aggregator) WithClock(clock util.Clock) *Aggregator {
	a.clock = clock
	return a
}

// Ingest folds one sample. Duplicate or out-of-order sequence numbers are
// expected under redelivery and dropped without error. Folds take only the
// job's own lock, so many nodes can report concurrently.
func (a *Aggregator) Ingest(sample *api.MetricSample) {
	state := a.jobState(sample.JobId)

	state.mutex.Lock()
	last, seen := state.sequences[sample.NodeId]
	if seen && sample.Sequence <= last {
		state.mutex.Unlock()
		return
	}
	state.sequences[sample.NodeId] = sample.Sequence

	requests := sample.SuccessCount + sample.ErrorCount

	second := sample.Time.Unix()
	b := &state.buckets[int(second%windowSeconds+windowSeconds)%windowSeconds]
	if b.second != second {
		b.second = second
		b.count = 0
	}
	b.count += requests

	if sample.AverageLatencyMillis > 0 {
		if state.hasLatency {
			state.avgLatency = latencyAlpha*sample.AverageLatencyMillis + (1-latencyAlpha)*state.avgLatency
		} else {
			state.avgLatency = sample.AverageLatencyMillis
			state.hasLatency = true
		}
	}

	state.successTotal += sample.SuccessCount
	state.errorTotal += sample.ErrorCount
	latency := state.avgLatency
	state.mutex.Unlock()

	a.foldSystem(requests, sample.ErrorCount, latency)
}

// JobSnapshot returns the current rolling view of one job. Unknown jobs yield
// a zero view rather than an error; the caller decides whether that matters.
func (a *Aggregator) JobSnapshot(jobId string) api.JobMetrics {
	a.mutex.RLock()
	state, ok := a.jobs[jobId]
	a.mutex.RUnlock()
	if !ok {
		return api.JobMetrics{}
	}

	state.mutex.Lock()
	defer state.mutex.Unlock()
	return a.snapshotLocked(state)
}

// SystemSnapshot sums the rolling views of all tracked jobs.
func (a *Aggregator) SystemSnapshot() api.SystemSnapshot {
	a.mutex.RLock()
	states := make([]*jobState, 0, len(a.jobs))
	for _, state := range a.jobs {
		states = append(states, state)
	}
	day := a.day
	dayRequests := a.dayRequests
	daySumLatency := a.daySumLatency
	daySamples := a.daySamples
	a.mutex.RUnlock()

	snapshot := api.SystemSnapshot{Timestamp: a.clock.Now()}
	var totalRequests, totalErrors int64
	for _, state := range states {
		state.mutex.Lock()
		view := a.snapshotLocked(state)
		state.mutex.Unlock()
		snapshot.GlobalRequestsPerSecond += view.RequestsPerSecond
		totalRequests += view.SuccessfulRequests + view.FailedRequests
		totalErrors += view.FailedRequests
	}
	if totalRequests > 0 {
		snapshot.GlobalErrorRate = float64(totalErrors) / float64(totalRequests)
	}
	if day == a.currentDay() {
		snapshot.TotalRequestsToday = dayRequests
		if daySamples > 0 {
			snapshot.AverageResponseTime = daySumLatency / float64(daySamples)
		}
	}
	return snapshot
}

// RemoveJob drops a terminated job's state so aggregator memory stays bounded
// by the number of active jobs.
func (a *Aggregator) RemoveJob(jobId string) {
	a.mutex.Lock()
	delete(a.jobs, jobId)
	a.mutex.Unlock()
}

func (a *Aggregator) snapshotLocked(state *jobState) api.JobMetrics {
	nowSecond := a.clock.Now().Unix()
	var windowCount int64
	for _, b := range state.buckets {
		if b.second > nowSecond-windowSeconds {
			windowCount += b.count
		}
	}

	view := api.JobMetrics{
		RequestsPerSecond:    float64(windowCount) / float64(windowSeconds),
		AverageLatencyMillis: state.avgLatency,
		SuccessfulRequests:   state.successTotal,
		FailedRequests:       state.errorTotal,
	}
	if total := state.successTotal + state.errorTotal; total > 0 {
		view.ErrorRate = float64(state.errorTotal) / float64(total)
	}
	return view
}

func (a *Aggregator) jobState(jobId string) *jobState {
	a.mutex.RLock()
	state, ok := a.jobs[jobId]
	a.mutex.RUnlock()
	if ok {
		return state
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	if state, ok = a.jobs[jobId]; ok {
		return state
	}
	state = &jobState{sequences: map[string]int64{}}
	a.jobs[jobId] = state
	return state
}

func (a *Aggregator) foldSystem(requests int64, errors int64, latency float64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	today := a.currentDay()
	if a.day != today {
		a.day = today
		a.dayRequests = 0
		a.dayErrors = 0
		a.daySumLatency = 0
		a.daySamples = 0
	}
	a.dayRequests += requests
	a.dayErrors += errors
	if latency > 0 {
		a.daySumLatency += latency
		a.daySamples++
	}
}

func (a *Aggregator) currentDay() string {
	return a.clock.Now().UTC().Format("2006-01-02")
}
