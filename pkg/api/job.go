package api

import (
	"time"
)

// JobStatus is the lifecycle state of a load-test job. Transitions are
// one-directional; terminal states are never left again.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobAdmitted  JobStatus = "ADMITTED"
	JobScheduled JobStatus = "SCHEDULED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether a job in this status has finished for good.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// LoadTestSpec describes the HTTP load pattern a worker node should execute.
// Field ranges match what the submission API accepts; anything outside them is
// rejected at validation, before admission.
type LoadTestSpec struct {
	Name            string            `json:"name"`
	TargetUrl       string            `json:"targetUrl"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	Concurrency     int               `json:"concurrency"`
	DurationSeconds int               `json:"duration"`
	RampUpSeconds   int               `json:"rampUpTime"`
	TimeoutMillis   int               `json:"timeout"`
	FollowRedirects bool              `json:"followRedirects"`
	UserAgent       string            `json:"userAgent,omitempty"`
	Cookies         map[string]string `json:"cookies,omitempty"`
	Proxy           string            `json:"proxy,omitempty"`
	PreferredNodeId string            `json:"nodeId,omitempty"`
}

// Job is the orchestrator's record of a submitted load test.
type Job struct {
	Id       string       `json:"id"`
	TenantId string       `json:"tenantId"`
	Spec     LoadTestSpec `json:"spec"`
	Status   JobStatus    `json:"status"`

	// NodeId is empty until a node has been selected.
	NodeId string `json:"nodeId,omitempty"`
	// ExcludedNodeIds lists nodes a dispatch attempt already timed out on.
	ExcludedNodeIds []string `json:"excludedNodeIds,omitempty"`
	// DispatchAttempts counts how many times the job has been enqueued.
	DispatchAttempts int `json:"dispatchAttempts"`

	FailureReason string `json:"failureReason,omitempty"`

	// CancelRequested is set when a stop was requested while the job was
	// running; the executor observes it on its next progress report.
	CancelRequested   bool       `json:"cancelRequested,omitempty"`
	CancelRequestedAt *time.Time `json:"cancelRequestedAt,omitempty"`

	Created  time.Time  `json:"created"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

// JobSubmitRequest is the body of POST /api/v1/tests.
type JobSubmitRequest struct {
	TenantId string       `json:"tenantId"`
	Spec     LoadTestSpec `json:"spec"`
}

// JobSubmitResponse mirrors the shape the dashboard expects back from a
// successful submission.
type JobSubmitResponse struct {
	JobId              string    `json:"testId"`
	Status             JobStatus `json:"status"`
	EstimatedStartTime time.Time `json:"estimatedStartTime"`
	NodeRegion         string    `json:"nodeRegion"`
	Message            string    `json:"message"`
}

// JobOutcome is the terminal report sent by an executor.
type JobOutcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// TenantQuota bounds what a single tenant may run. Owned by the external
// billing collaborator; the orchestrator only ever reads it.
type TenantQuota struct {
	MaxConcurrentJobs    int `json:"maxConcurrentJobs"`
	MaxConcurrencyPerJob int `json:"maxConcurrencyPerJob"`
	MaxTestsPerDay       int `json:"maxTestsPerDay"`
	MaxTestsPerMonth     int `json:"maxTestsPerMonth"`
}
