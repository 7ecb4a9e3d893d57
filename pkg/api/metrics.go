package api

import (
	"time"
)

// MetricSample is one progress report from an executor for one job. Sequence
// numbers increase monotonically per (node, job) pair; the aggregator uses
// them to drop duplicates and out-of-order redeliveries.
type MetricSample struct {
	NodeId               string    `json:"nodeId"`
	JobId                string    `json:"jobId"`
	Sequence             int64     `json:"sequence"`
	Time                 time.Time `json:"time"`
	RequestsPerSecond    float64   `json:"requestsPerSecond"`
	AverageLatencyMillis float64   `json:"averageLatency"`
	SuccessCount         int64     `json:"successCount"`
	ErrorCount           int64     `json:"errorCount"`
	TotalRequests        int64     `json:"totalRequests"`
	TotalErrors          int64     `json:"totalErrors"`
}

// JobMetrics is the rolling view of a single job.
type JobMetrics struct {
	RequestsPerSecond    float64 `json:"requestsPerSecond"`
	AverageLatencyMillis float64 `json:"averageLatency"`
	ErrorRate            float64 `json:"errorRate"`
	SuccessfulRequests   int64   `json:"successfulRequests"`
	FailedRequests       int64   `json:"failedRequests"`
}

// ActiveJob is a job plus its live metrics, as served to dashboards.
type ActiveJob struct {
	Id              string     `json:"id"`
	Name            string     `json:"name"`
	TenantId        string     `json:"tenantId"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progress"`
	DurationSeconds int        `json:"duration"`
	Concurrency     int        `json:"concurrency"`
	TargetUrl       string     `json:"targetUrl"`
	StartedAt       *time.Time `json:"startedAt"`
	CurrentMetrics  JobMetrics `json:"currentMetrics"`
}

// SystemSnapshot aggregates across all active jobs and nodes.
type SystemSnapshot struct {
	Timestamp               time.Time `json:"timestamp"`
	TotalActiveTests        int       `json:"totalActiveTests"`
	TotalVirtualUsers       int       `json:"totalVirtualUsers"`
	GlobalRequestsPerSecond float64   `json:"globalRequestsPerSecond"`
	GlobalErrorRate         float64   `json:"globalErrorRate"`
	ActiveNodes             int       `json:"activeNodes"`
	TotalRequestsToday      int64     `json:"totalRequestsToday"`
	AverageResponseTime     float64   `json:"averageResponseTime"`
}

// ProgressResponse tells the executor whether to keep going. Stop is set once
// cancellation has been requested for the job.
type ProgressResponse struct {
	Stop bool `json:"stop"`
}
