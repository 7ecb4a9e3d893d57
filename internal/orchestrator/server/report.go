package server

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/orchestrator/metrics"
	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// ReportServer is the executor-facing side of the orchestrator: node
// registration and heartbeats, work claiming and progress reporting. Nothing
// here ever blocks on an executor; slow workers only delay their own jobs.
type ReportServer struct {
	nodes      repository.NodeRepository
	jobs       repository.JobRepository
	dispatch   repository.DispatchRepository
	aggregator *metrics.Aggregator
	service    *JobService
}

func NewReportServer(
	nodes repository.NodeRepository,
	jobs repository.JobRepository,
	dispatch repository.DispatchRepository,
	aggregator *metrics.Aggregator,
	service *JobService,
) *ReportServer {
	return &ReportServer{
		nodes:      nodes,
		jobs:       jobs,
		dispatch:   dispatch,
		aggregator: aggregator,
		service:    service,
	}
}

func (s *ReportServer) RegisterNode(request *api.NodeRegisterRequest) error {
	if request.Id == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if request.Capacity <= 0 {
		return fmt.Errorf("node %q declared non-positive capacity %d", request.Id, request.Capacity)
	}
	return s.nodes.Register(request)
}

func (s *ReportServer) Heartbeat(nodeId string, request *api.NodeHeartbeatRequest) error {
	return s.nodes.Heartbeat(nodeId, request)
}

// LeaseDispatches hands the node up to limit queued jobs. Unacknowledged
// leases are redelivered by the dispatch sweep.
func (s *ReportServer) LeaseDispatches(request *api.DispatchLeaseRequest) ([]*repository.DispatchItem, error) {
	limit := request.Limit
	if limit <= 0 {
		limit = 1
	}
	return s.dispatch.Lease(request.NodeId, limit)
}

func (s *ReportServer) AckDispatch(jobId string) error {
	return s.dispatch.Ack(jobId)
}

// NackDispatch returns a claimed job to the queue, e.g. when the worker could
// not start it. The entry becomes pending again on the same node; if the node
// keeps rejecting it the lease sweep moves it elsewhere.
func (s *ReportServer) NackDispatch(jobId string, reason string) error {
	log.Warnf("dispatch for job %s rejected by worker: %s", jobId, reason)
	return s.dispatch.Nack(jobId)
}

// Progress ingests one metric sample and tells the executor whether to stop.
// The first report moves the job to RUNNING. Samples for finished jobs are
// redeliveries and answered with stop so the worker winds down.
func (s *ReportServer) Progress(sample *api.MetricSample) (*api.ProgressResponse, error) {
	job, err := s.jobs.GetJob(sample.JobId)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		return &api.ProgressResponse{Stop: true}, nil
	}

	if job.Status == api.JobScheduled {
		s.service.MarkRunning(job.Id)
	}

	s.aggregator.Ingest(sample)

	// Re-read after the ingest: a termination racing this report cleans the
	// aggregator up before the sample lands, so the cleanup has to run again.
	job, err = s.jobs.GetJob(sample.JobId)
	if err != nil {
		var unknown *mesherrors.ErrUnknownJob
		if errors.As(err, &unknown) {
			s.aggregator.RemoveJob(sample.JobId)
			return &api.ProgressResponse{Stop: true}, nil
		}
		return nil, err
	}
	if job.Status.IsTerminal() {
		s.aggregator.RemoveJob(sample.JobId)
		return &api.ProgressResponse{Stop: true}, nil
	}

	return &api.ProgressResponse{Stop: job.CancelRequested}, nil
}

// Done processes the executor's terminal outcome for a job.
func (s *ReportServer) Done(jobId string, outcome *api.JobOutcome) error {
	return s.service.HandleDone(jobId, outcome)
}
