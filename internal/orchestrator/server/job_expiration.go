package server

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/internal/orchestrator/admission"
	"github.com/loadmesh/loadmesh/internal/orchestrator/configuration"
	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
	"github.com/loadmesh/loadmesh/internal/orchestrator/scheduling"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// SweepManager runs the periodic wall-clock deadline checks: dispatch lease
// expiry, node heartbeat staleness, cancellation grace and the pending-job
// backoff. Each sweep is registered with the background task manager; none of
// them busy-polls.
type SweepManager struct {
	jobs      repository.JobRepository
	nodes     repository.NodeRepository
	dispatch  repository.DispatchRepository
	service   *JobService
	admission *admission.Controller
	config    *configuration.SchedulingConfig
	clock     util.Clock
}

func NewSweepManager(
	jobs repository.JobRepository,
	nodes repository.NodeRepository,
	dispatch repository.DispatchRepository,
	service *JobService,
	admissionController *admission.Controller,
	config *configuration.SchedulingConfig,
) *SweepManager {
	return &SweepManager{
		jobs:      jobs,
		nodes:     nodes,
		dispatch:  dispatch,
		service:   service,
		admission: admissionController,
		config:    config,
		clock:     &util.DefaultClock{},
	}
}

func (m *SweepManager) WithClock(clock util.Clock) *SweepManager {
	m.clock = clock
	return m
}

// ExpireDispatches redelivers work that was enqueued or leased but never
// acknowledged within the dispatch lease timeout. Every reschedule burns an
// attempt; after the bounded retry count the job fails with DispatchTimeout.
// When no other node has capacity the job is parked back in PENDING for the
// backoff sweep.
func (m *SweepManager) ExpireDispatches() {
	deadline := m.clock.Now().Add(-m.config.DispatchLeaseTimeout)

	leased, err := m.dispatch.ExpireLeases(deadline)
	if err != nil {
		log.WithError(err).Error("failed to expire dispatch leases")
		return
	}
	pending, err := m.dispatch.ExpirePending(deadline)
	if err != nil {
		log.WithError(err).Error("failed to expire pending dispatches")
		return
	}

	for _, item := range append(leased, pending...) {
		m.retryDispatch(item)
	}
}

func (m *SweepManager) retryDispatch(item *repository.DispatchItem) {
	job, err := m.jobs.GetJob(item.JobId)
	if err != nil {
		var unknown *mesherrors.ErrUnknownJob
		if !errors.As(err, &unknown) {
			log.WithError(err).Errorf("failed to load job %s for dispatch retry", item.JobId)
		}
		return
	}
	if job.Status != api.JobScheduled {
		// Already running, finished or cancelled; the expiry raced a report.
		return
	}

	// The timed-out node keeps neither the work nor the capacity.
	if err := m.nodes.ReleaseCapacity(item.NodeId, job.Spec.Concurrency); err != nil {
		log.WithError(err).Errorf("failed to release capacity on node %s", item.NodeId)
	}

	job, err = m.jobs.UpdateJob(job.Id, func(j *api.Job) error {
		j.ExcludedNodeIds = append(j.ExcludedNodeIds, item.NodeId)
		j.NodeId = ""
		return nil
	})
	if err != nil {
		log.WithError(err).Errorf("failed to record dispatch timeout for job %s", item.JobId)
		return
	}

	if job.DispatchAttempts >= m.config.MaxDispatchRetries {
		log.Warnf("job %s exceeded %d dispatch attempts, failing", job.Id, m.config.MaxDispatchRetries)
		if err := m.service.FailJob(job, api.JobScheduled, ReasonDispatchTimeout); err != nil {
			log.WithError(err).Errorf("failed to fail job %s", job.Id)
		}
		return
	}

	if _, err := m.service.ScheduleJob(job, api.JobScheduled); err != nil {
		var noCapacity *mesherrors.ErrNoCapacity
		if errors.As(err, &noCapacity) {
			// No replacement node right now. The timed-out node's reservation
			// is already released, so the queue entry must not come back; park
			// the job for the backoff sweep instead.
			if parkErr := m.service.ParkJob(job); parkErr != nil {
				log.WithError(parkErr).Errorf("failed to park job %s", job.Id)
			}
			return
		}
		log.WithError(err).Errorf("failed to reschedule job %s", job.Id)
	}
}

// MonitorNodes marks nodes whose heartbeats lapsed as unreachable and, after
// the failure grace period, fails the jobs stranded on them rather than
// letting them hang.
func (m *SweepManager) MonitorNodes() {
	nodes, err := m.nodes.GetNodes()
	if err != nil {
		log.WithError(err).Error("failed to load nodes for staleness sweep")
		return
	}

	now := m.clock.Now()
	for _, node := range nodes {
		if !scheduling.IsStale(node, m.config.HeartbeatStaleness, now) {
			continue
		}
		if node.Health != api.NodeUnreachable {
			log.Warnf("node %s heartbeat is stale, marking unreachable", node.Id)
			if err := m.nodes.MarkUnreachable(node.Id); err != nil {
				log.WithError(err).Errorf("failed to mark node %s unreachable", node.Id)
				continue
			}
		}
		if scheduling.IsStale(node, m.config.HeartbeatStaleness+m.config.NodeFailureGrace, now) {
			m.failJobsOnNode(node)
		}
	}
}

func (m *SweepManager) failJobsOnNode(node *api.NodeInfo) {
	ids, err := m.jobs.GetActiveJobIds()
	if err != nil {
		log.WithError(err).Error("failed to list active jobs")
		return
	}
	jobs, err := m.jobs.GetJobsByIds(ids)
	if err != nil {
		log.WithError(err).Error("failed to load active jobs")
		return
	}

	for _, job := range jobs {
		if job.NodeId != node.Id || job.Status.IsTerminal() {
			continue
		}
		log.Warnf("failing job %s: assigned node %s is unreachable", job.Id, node.Id)
		if err := m.service.FailJob(job, job.Status, ReasonNodeUnreachable); err != nil {
			var invalid *mesherrors.ErrInvalidTransition
			if !errors.As(err, &invalid) {
				log.WithError(err).Errorf("failed to fail job %s", job.Id)
			}
		}
	}
}

// SweepCancellations forces jobs whose cancellation was not acknowledged
// within the grace period into CANCELLED.
func (m *SweepManager) SweepCancellations() {
	ids, err := m.jobs.GetActiveJobIds()
	if err != nil {
		log.WithError(err).Error("failed to list active jobs")
		return
	}
	jobs, err := m.jobs.GetJobsByIds(ids)
	if err != nil {
		log.WithError(err).Error("failed to load active jobs")
		return
	}

	deadline := m.clock.Now().Add(-m.config.CancelGrace)
	for _, job := range jobs {
		if !job.CancelRequested || job.CancelRequestedAt == nil {
			continue
		}
		if job.CancelRequestedAt.After(deadline) {
			continue
		}
		log.Warnf("cancellation of job %s not acknowledged in time, forcing", job.Id)
		if err := m.service.ForceCancel(job, job.Status); err != nil {
			var invalid *mesherrors.ErrInvalidTransition
			if !errors.As(err, &invalid) {
				log.WithError(err).Errorf("failed to force-cancel job %s", job.Id)
			}
		}
	}
}

// RetryPendingJobs gives jobs parked in PENDING after a capacity shortage
// another admission attempt.
func (m *SweepManager) RetryPendingJobs() {
	ids, err := m.jobs.GetActiveJobIds()
	if err != nil {
		log.WithError(err).Error("failed to list active jobs")
		return
	}
	jobs, err := m.jobs.GetJobsByIds(ids)
	if err != nil {
		log.WithError(err).Error("failed to load active jobs")
		return
	}

	for _, job := range jobs {
		if job.Status != api.JobPending {
			continue
		}
		token, err := m.admission.Admit(job.TenantId, job.Id, job.Spec.Concurrency)
		if err != nil {
			continue
		}
		if _, err := m.service.SchedulePending(job); err != nil {
			// A racing cancel settles the reservation itself.
			var invalid *mesherrors.ErrInvalidTransition
			if !errors.As(err, &invalid) {
				if releaseErr := m.admission.Release(token); releaseErr != nil {
					log.WithError(releaseErr).Errorf("failed to release admission for job %s", job.Id)
				}
			}
			continue
		}
	}
}
