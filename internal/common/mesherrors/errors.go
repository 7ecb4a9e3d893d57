// Package mesherrors contains the typed errors returned by the orchestrator
// core. The HTTP gateway inspects these (via errors.As) to pick response
// status codes, so code below the gateway should return them unwrapped or
// wrapped with pkg/errors so the chain is preserved.
//
// Validation failures covering multiple fields should be combined with
// multierror.Error from github.com/hashicorp/go-multierror and carried in
// ErrInvalidJobSpec.
package mesherrors

import (
	"fmt"
)

// QuotaKind distinguishes which tenant bound a submission violated.
type QuotaKind string

const (
	QuotaConcurrency QuotaKind = "concurrency"
	QuotaDaily       QuotaKind = "daily"
	QuotaMonthly     QuotaKind = "monthly"
)

// ErrQuotaExceeded is returned by admission when a tenant bound would be
// violated. No resources have been consumed when this is returned.
type ErrQuotaExceeded struct {
	TenantId string
	Kind     QuotaKind
	Limit    int
}

func (err *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("tenant %q exceeded %s quota (limit %d)", err.TenantId, err.Kind, err.Limit)
}

// ErrNoCapacity is returned when no healthy node can satisfy the requested
// concurrency. The job remains pending and submission may be retried.
type ErrNoCapacity struct {
	RequiredConcurrency int
	Region              string
}

func (err *ErrNoCapacity) Error() string {
	if err.Region != "" {
		return fmt.Sprintf("no node in region %q has %d free capacity", err.Region, err.RequiredConcurrency)
	}
	return fmt.Sprintf("no node has %d free capacity", err.RequiredConcurrency)
}

// ErrUnknownNode indicates an operation referenced a node that was never
// registered. This is an integration error and is surfaced immediately.
type ErrUnknownNode struct {
	NodeId string
}

func (err *ErrUnknownNode) Error() string {
	return fmt.Sprintf("node %q is not registered", err.NodeId)
}

// ErrUnknownJob indicates an operation referenced a nonexistent job.
type ErrUnknownJob struct {
	JobId string
}

func (err *ErrUnknownJob) Error() string {
	return fmt.Sprintf("job %q does not exist", err.JobId)
}

// ErrInvalidTransition is returned when a job was not in the expected state
// for a transition, e.g. because a racing signal moved it first. Callers log
// it as a warning and treat the operation as a no-op.
type ErrInvalidTransition struct {
	JobId    string
	Expected string
	Actual   string
	Target   string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf(
		"job %q cannot move to %s: expected state %s but found %s",
		err.JobId, err.Target, err.Expected, err.Actual)
}

// ErrInvalidJobSpec wraps the validation errors for a rejected job spec.
type ErrInvalidJobSpec struct {
	Reason error
}

func (err *ErrInvalidJobSpec) Error() string {
	return fmt.Sprintf("invalid job spec: %s", err.Reason)
}

func (err *ErrInvalidJobSpec) Unwrap() error {
	return err.Reason
}
