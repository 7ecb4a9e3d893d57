package server

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/internal/orchestrator/audit"
	"github.com/loadmesh/loadmesh/internal/orchestrator/configuration"
	"github.com/loadmesh/loadmesh/internal/orchestrator/metrics"
	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
	"github.com/loadmesh/loadmesh/internal/orchestrator/scheduling"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// Failure reasons recorded on job records.
const (
	ReasonDispatchTimeout = "DispatchTimeout"
	ReasonNodeUnreachable = "NodeUnreachable"
	ReasonNoCapacity      = "NoCapacity"
	ReasonExecutorError   = "ExecutorError"
)

// JobService owns the job state machine. Every transition goes through the
// repository's compare-and-swap, so the service methods can be called from the
// API, from executor reports and from sweeps without coordinating further.
type JobService struct {
	jobs       repository.JobRepository
	nodes      repository.NodeRepository
	dispatch   repository.DispatchRepository
	usage      repository.UsageRepository
	aggregator *metrics.Aggregator
	auditSink  audit.Sink
	config     *configuration.SchedulingConfig
	clock      util.Clock
}

func NewJobService(
	jobs repository.JobRepository,
	nodes repository.NodeRepository,
	dispatch repository.DispatchRepository,
	usage repository.UsageRepository,
	aggregator *metrics.Aggregator,
	auditSink audit.Sink,
	config *configuration.SchedulingConfig,
) *JobService {
	return &JobService{
		jobs:       jobs,
		nodes:      nodes,
		dispatch:   dispatch,
		usage:      usage,
		aggregator: aggregator,
		auditSink:  auditSink,
		config:     config,
		clock:      &util.DefaultClock{},
	}
}

func (s *JobService) WithClock(clock util.Clock) *JobService {
	s.clock = clock
	return s
}

// selectAndReserve picks a node for the job and reserves its capacity. When a
// racing assignment takes the capacity between snapshot and reservation the
// node is excluded and selection runs again against a fresh snapshot.
func (s *JobService) selectAndReserve(job *api.Job, excluded []string) (*api.NodeInfo, error) {
	constraints := &scheduling.Constraints{
		RequiredConcurrency: job.Spec.Concurrency,
		PreferredNodeId:     job.Spec.PreferredNodeId,
		ExcludedNodeIds:     excluded,
	}

	for {
		nodes, err := s.nodes.GetNodes()
		if err != nil {
			return nil, err
		}
		node, err := scheduling.SelectNode(nodes, constraints, s.config.HeartbeatStaleness, s.clock.Now())
		if err != nil {
			return nil, err
		}

		reserved, err := s.nodes.ReserveCapacity(node.Id, job.Spec.Concurrency)
		if err != nil {
			return nil, err
		}
		if reserved {
			return node, nil
		}
		constraints.ExcludedNodeIds = append(constraints.ExcludedNodeIds, node.Id)
	}
}

// ScheduleJob assigns a node to an admitted job and places it on the dispatch
// queue. from is the status the job is expected to be in (ADMITTED on first
// dispatch, SCHEDULED on retry after a lease expired).
func (s *JobService) ScheduleJob(job *api.Job, from api.JobStatus) (*api.NodeInfo, error) {
	node, err := s.selectAndReserve(job, job.ExcludedNodeIds)
	if err != nil {
		return nil, err
	}

	scheduled, err := s.jobs.TryTransition(job.Id, from, api.JobScheduled, func(j *api.Job) {
		j.NodeId = node.Id
		j.DispatchAttempts++
	})
	if err != nil {
		if releaseErr := s.nodes.ReleaseCapacity(node.Id, job.Spec.Concurrency); releaseErr != nil {
			log.WithError(releaseErr).Errorf("failed to release capacity on node %s", node.Id)
		}
		return nil, err
	}

	err = s.dispatch.Enqueue(&repository.DispatchItem{
		JobId:  scheduled.Id,
		NodeId: node.Id,
		Spec:   scheduled.Spec,
	})
	if err != nil {
		// The dispatch sweep will notice the missing queue entry is not
		// acknowledged and retry; surface the error regardless.
		return nil, err
	}
	return node, nil
}

// SchedulePending walks an admitted-but-still-PENDING job through ADMITTED to
// SCHEDULED, with node capacity reserved and a dispatch enqueued. Both fresh
// submissions and the pending backoff sweep go through here. On failure the
// node reservation is handed back; the admission slot stays with the caller.
func (s *JobService) SchedulePending(job *api.Job) (*api.NodeInfo, error) {
	node, err := s.selectAndReserve(job, job.ExcludedNodeIds)
	if err != nil {
		return nil, err
	}

	if _, err := s.jobs.TryTransition(job.Id, api.JobPending, api.JobAdmitted, nil); err != nil {
		s.releaseReservation(node, &job.Spec)
		return nil, err
	}
	scheduled, err := s.jobs.TryTransition(job.Id, api.JobAdmitted, api.JobScheduled, func(j *api.Job) {
		j.NodeId = node.Id
		j.DispatchAttempts++
	})
	if err != nil {
		s.releaseReservation(node, &job.Spec)
		return nil, err
	}

	err = s.dispatch.Enqueue(&repository.DispatchItem{
		JobId:  scheduled.Id,
		NodeId: node.Id,
		Spec:   scheduled.Spec,
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ParkJob returns a scheduled job that found no replacement node to PENDING
// and hands its admission reservation back. The pending backoff sweep
// re-admits it once capacity appears.
func (s *JobService) ParkJob(job *api.Job) error {
	if _, err := s.jobs.TryTransition(job.Id, api.JobScheduled, api.JobPending, nil); err != nil {
		return err
	}
	if err := s.usage.Release(job.TenantId, job.Id); err != nil {
		log.WithError(err).Errorf("failed to release quota reservation for job %s", job.Id)
	}
	return nil
}

// MarkRunning records the first progress report for a job. Racing reports are
// expected; only the first one wins the transition.
func (s *JobService) MarkRunning(jobId string) {
	_, err := s.jobs.TryTransition(jobId, api.JobScheduled, api.JobRunning, func(j *api.Job) {
		now := s.clock.Now()
		j.Started = &now
	})
	if err != nil {
		var invalid *mesherrors.ErrInvalidTransition
		if !errors.As(err, &invalid) {
			log.WithError(err).Warnf("could not mark job %s running", jobId)
		}
	}
}

// CompleteJob finishes a job that ran to the end of its duration.
func (s *JobService) CompleteJob(job *api.Job) error {
	finished, err := s.jobs.TryTransition(job.Id, job.Status, api.JobCompleted, func(j *api.Job) {
		now := s.clock.Now()
		j.Finished = &now
	})
	if err != nil {
		return err
	}
	s.releaseJobResources(finished)
	return nil
}

// FailJob moves a job to FAILED and records why. Used for dispatch timeouts,
// unreachable nodes and executor-reported errors.
func (s *JobService) FailJob(job *api.Job, from api.JobStatus, reason string) error {
	failed, err := s.jobs.TryTransition(job.Id, from, api.JobFailed, func(j *api.Job) {
		now := s.clock.Now()
		j.Finished = &now
		j.FailureReason = reason
	})
	if err != nil {
		return err
	}
	s.releaseJobResources(failed)
	return nil
}

// RequestCancel cancels a job. Jobs that have not reached an executor yet are
// cancelled immediately; running jobs get a stop flag the executor observes on
// its next progress report, with the grace sweep forcing the transition if no
// acknowledgement arrives in time.
func (s *JobService) RequestCancel(jobId string) (*api.Job, error) {
	job, err := s.jobs.GetJob(jobId)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		return nil, &mesherrors.ErrInvalidTransition{
			JobId: jobId, Expected: "non-terminal", Actual: string(job.Status), Target: string(api.JobCancelled)}
	}

	if job.Status == api.JobRunning {
		updated, err := s.jobs.UpdateJob(jobId, func(j *api.Job) error {
			if !j.CancelRequested {
				j.CancelRequested = true
				now := s.clock.Now()
				j.CancelRequestedAt = &now
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.recordCancelled(updated)
		return updated, nil
	}

	// Not running yet: the slot the admission reserved is handed back in
	// full, including the daily/monthly counters.
	if err := s.usage.Release(job.TenantId, job.Id); err != nil {
		log.WithError(err).Errorf("failed to release quota reservation for job %s", job.Id)
	}
	cancelled, err := s.jobs.TryTransition(jobId, job.Status, api.JobCancelled, func(j *api.Job) {
		now := s.clock.Now()
		j.Finished = &now
	})
	if err != nil {
		return nil, err
	}
	s.releaseJobResources(cancelled)
	s.recordCancelled(cancelled)
	return cancelled, nil
}

// ForceCancel completes a cancellation the executor acknowledged, or one whose
// grace period ran out.
func (s *JobService) ForceCancel(job *api.Job, from api.JobStatus) error {
	cancelled, err := s.jobs.TryTransition(job.Id, from, api.JobCancelled, func(j *api.Job) {
		now := s.clock.Now()
		j.Finished = &now
	})
	if err != nil {
		return err
	}
	s.releaseJobResources(cancelled)
	return nil
}

// HandleDone processes an executor's terminal report. The job is normally
// RUNNING, but an executor may finish before its first progress report lands.
func (s *JobService) HandleDone(jobId string, outcome *api.JobOutcome) error {
	job, err := s.jobs.GetJob(jobId)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		// Redelivered terminal report; nothing to do.
		return nil
	}

	switch {
	case job.CancelRequested:
		return s.ForceCancel(job, job.Status)
	case outcome.Success:
		return s.CompleteJob(job)
	default:
		reason := outcome.Reason
		if reason == "" {
			reason = ReasonExecutorError
		}
		return s.FailJob(job, job.Status, reason)
	}
}

func (s *JobService) releaseReservation(node *api.NodeInfo, spec *api.LoadTestSpec) {
	if err := s.nodes.ReleaseCapacity(node.Id, spec.Concurrency); err != nil {
		log.WithError(err).Errorf("failed to release capacity on node %s", node.Id)
	}
}

// releaseJobResources cleans up after a terminal transition: node capacity,
// any queued dispatch and the aggregator's per-job state.
func (s *JobService) releaseJobResources(job *api.Job) {
	if job.NodeId != "" {
		if err := s.nodes.ReleaseCapacity(job.NodeId, job.Spec.Concurrency); err != nil {
			log.WithError(err).Errorf("failed to release capacity on node %s for job %s", job.NodeId, job.Id)
		}
	}
	if err := s.dispatch.Remove(job.Id); err != nil {
		log.WithError(err).Errorf("failed to remove dispatch entry for job %s", job.Id)
	}
	s.aggregator.RemoveJob(job.Id)
}

func (s *JobService) recordCancelled(job *api.Job) {
	s.auditSink.Record(&audit.Event{
		Type:       audit.EventJobCancelled,
		TenantId:   job.TenantId,
		ResourceId: job.Id,
	})
}
