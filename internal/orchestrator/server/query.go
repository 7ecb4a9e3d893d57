package server

import (
	"sort"

	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/internal/orchestrator/configuration"
	"github.com/loadmesh/loadmesh/internal/orchestrator/metrics"
	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
	"github.com/loadmesh/loadmesh/internal/orchestrator/scheduling"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// QueryServer backs the dashboard's real-time views. Strictly read-only: it
// never triggers transitions or registry writes.
type QueryServer struct {
	jobs       repository.JobRepository
	nodes      repository.NodeRepository
	aggregator *metrics.Aggregator
	config     *configuration.SchedulingConfig
	clock      util.Clock
}

func NewQueryServer(
	jobs repository.JobRepository,
	nodes repository.NodeRepository,
	aggregator *metrics.Aggregator,
	config *configuration.SchedulingConfig,
) *QueryServer {
	return &QueryServer{
		jobs:       jobs,
		nodes:      nodes,
		aggregator: aggregator,
		config:     config,
		clock:      &util.DefaultClock{},
	}
}

func (s *QueryServer) WithClock(clock util.Clock) *QueryServer {
	s.clock = clock
	return s
}

// ListActiveJobs returns all non-terminal jobs with their live metrics,
// optionally restricted to one tenant.
func (s *QueryServer) ListActiveJobs(tenantId string) ([]*api.ActiveJob, error) {
	var ids []string
	var err error
	if tenantId != "" {
		ids, err = s.jobs.GetTenantActiveJobIds(tenantId)
	} else {
		ids, err = s.jobs.GetActiveJobIds()
	}
	if err != nil {
		return nil, err
	}

	jobs, err := s.jobs.GetJobsByIds(ids)
	if err != nil {
		return nil, err
	}

	active := make([]*api.ActiveJob, 0, len(jobs))
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		active = append(active, s.toActiveJob(job))
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Id < active[j].Id })
	return active, nil
}

// SystemSnapshot aggregates across all active jobs and nodes.
func (s *QueryServer) SystemSnapshot() (*api.SystemSnapshot, error) {
	snapshot := s.aggregator.SystemSnapshot()

	activeIds, err := s.jobs.GetActiveJobIds()
	if err != nil {
		return nil, err
	}
	snapshot.TotalActiveTests = len(activeIds)

	nodes, err := s.nodes.GetNodes()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for _, node := range nodes {
		if node.Health == api.NodeUnreachable || scheduling.IsStale(node, s.config.HeartbeatStaleness, now) {
			continue
		}
		snapshot.ActiveNodes++
		snapshot.TotalVirtualUsers += node.CurrentLoad
	}
	return &snapshot, nil
}

// NodeStatus returns the registry's current view of every node.
func (s *QueryServer) NodeStatus() ([]*api.NodeInfo, error) {
	return s.nodes.GetNodes()
}

func (s *QueryServer) toActiveJob(job *api.Job) *api.ActiveJob {
	active := &api.ActiveJob{
		Id:              job.Id,
		Name:            job.Spec.Name,
		TenantId:        job.TenantId,
		Status:          job.Status,
		DurationSeconds: job.Spec.DurationSeconds,
		Concurrency:     job.Spec.Concurrency,
		TargetUrl:       job.Spec.TargetUrl,
		StartedAt:       job.Started,
		CurrentMetrics:  s.aggregator.JobSnapshot(job.Id),
	}
	if job.Status == api.JobRunning && job.Started != nil && job.Spec.DurationSeconds > 0 {
		elapsed := s.clock.Now().Sub(*job.Started).Seconds()
		progress := int(elapsed / float64(job.Spec.DurationSeconds) * 100)
		if progress > 100 {
			progress = 100
		}
		if progress < 0 {
			progress = 0
		}
		active.ProgressPercent = progress
	}
	return active
}
