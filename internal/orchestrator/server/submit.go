package server

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/internal/orchestrator/admission"
	"github.com/loadmesh/loadmesh/internal/orchestrator/audit"
	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
	"github.com/loadmesh/loadmesh/internal/orchestrator/validation"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// Workers poll for new dispatches, so a fresh submission is expected to start
// within roughly this long.
const estimatedStartDelay = 30 * time.Second

// SubmitServer is the ingress for new load tests and cancellations.
type SubmitServer struct {
	jobs      repository.JobRepository
	admission *admission.Controller
	service   *JobService
	auditSink audit.Sink
	clock     util.Clock
}

func NewSubmitServer(
	jobs repository.JobRepository,
	admissionController *admission.Controller,
	service *JobService,
	auditSink audit.Sink,
) *SubmitServer {
	return &SubmitServer{
		jobs:      jobs,
		admission: admissionController,
		service:   service,
		auditSink: auditSink,
		clock:     &util.DefaultClock{},
	}
}

func (s *SubmitServer) WithClock(clock util.Clock) *SubmitServer {
	s.clock = clock
	return s
}

// SubmitJob validates, admits, schedules and enqueues one load test.
//
// Validation failures and quota rejections are returned synchronously and
// leave nothing behind. When admission passed but no node has capacity the
// job record is kept in PENDING with its reservation released, so the backoff
// sweep (or the caller) can retry it.
func (s *SubmitServer) SubmitJob(request *api.JobSubmitRequest) (*api.JobSubmitResponse, error) {
	spec := request.Spec
	validation.ApplyDefaults(&spec)
	if err := validation.ValidateJobSpec(&spec); err != nil {
		return nil, err
	}

	job := s.jobs.CreateJob(request.TenantId, &spec)

	token, err := s.admission.Admit(request.TenantId, job.Id, spec.Concurrency)
	if err != nil {
		s.auditSink.Record(&audit.Event{
			Type:       audit.EventAdmissionRejected,
			TenantId:   request.TenantId,
			ResourceId: job.Id,
			Details:    map[string]interface{}{"error": err.Error()},
		})
		return nil, err
	}

	if err := s.jobs.AddJob(job); err != nil {
		if releaseErr := s.admission.Release(token); releaseErr != nil {
			log.WithError(releaseErr).Errorf("failed to release admission for job %s", job.Id)
		}
		return nil, err
	}

	node, err := s.service.SchedulePending(job)
	if err != nil {
		// A racing cancel settles the reservation itself; on anything else
		// the job stays PENDING and the admission slot is handed back.
		var invalid *mesherrors.ErrInvalidTransition
		if !errors.As(err, &invalid) {
			if releaseErr := s.admission.Release(token); releaseErr != nil {
				log.WithError(releaseErr).Errorf("failed to release admission for job %s", job.Id)
			}
		}
		return nil, err
	}

	s.auditSink.Record(&audit.Event{
		Type:       audit.EventJobCreated,
		TenantId:   request.TenantId,
		ResourceId: job.Id,
		Details: map[string]interface{}{
			"targetUrl":   spec.TargetUrl,
			"concurrency": spec.Concurrency,
			"duration":    spec.DurationSeconds,
		},
	})

	return &api.JobSubmitResponse{
		JobId:              job.Id,
		Status:             api.JobScheduled,
		EstimatedStartTime: s.clock.Now().Add(estimatedStartDelay),
		NodeRegion:         node.Region,
		Message:            "Load test queued successfully",
	}, nil
}

// CancelJob requests cancellation of a job in any non-terminal state.
func (s *SubmitServer) CancelJob(jobId string) (*api.Job, error) {
	return s.service.RequestCancel(jobId)
}
