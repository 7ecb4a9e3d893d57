package server

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/require"

	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/internal/orchestrator/admission"
	"github.com/loadmesh/loadmesh/internal/orchestrator/audit"
	"github.com/loadmesh/loadmesh/internal/orchestrator/configuration"
	"github.com/loadmesh/loadmesh/internal/orchestrator/metrics"
	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// fixture wires the full orchestrator core against a miniredis instance, with
// a dummy clock shared by every component so deadline behavior is exact.
type fixture struct {
	clock      *util.DummyClock
	config     configuration.SchedulingConfig
	jobs       *repository.RedisJobRepository
	nodes      *repository.RedisNodeRepository
	dispatch   *repository.RedisDispatchRepository
	usage      *repository.RedisUsageRepository
	aggregator *metrics.Aggregator
	admission  *admission.Controller
	service    *JobService
	submit     *SubmitServer
	report     *ReportServer
	query      *QueryServer
	sweeps     *SweepManager
}

func withOrchestrator(quota api.TenantQuota, action func(f *fixture)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	f := &fixture{
		clock:  &util.DummyClock{T: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)},
		config: configuration.DefaultSchedulingConfig(),
	}
	f.jobs = repository.NewRedisJobRepository(client, time.Hour).WithClock(f.clock)
	f.nodes = repository.NewRedisNodeRepository(client).WithClock(f.clock)
	f.dispatch = repository.NewRedisDispatchRepository(client).WithClock(f.clock)
	f.usage = repository.NewRedisUsageRepository(client).WithClock(f.clock)
	f.aggregator = metrics.NewAggregator().WithClock(f.clock)

	quotaSource := admission.NewConfigQuotaSource(&configuration.QuotaConfig{Default: quota})
	f.admission = admission.NewController(f.usage, quotaSource)

	auditSink := audit.NewLogSink()
	f.service = NewJobService(
		f.jobs, f.nodes, f.dispatch, f.usage, f.aggregator, auditSink, &f.config).WithClock(f.clock)
	f.submit = NewSubmitServer(f.jobs, f.admission, f.service, auditSink).WithClock(f.clock)
	f.report = NewReportServer(f.nodes, f.jobs, f.dispatch, f.aggregator, f.service)
	f.query = NewQueryServer(f.jobs, f.nodes, f.aggregator, &f.config).WithClock(f.clock)
	f.sweeps = NewSweepManager(f.jobs, f.nodes, f.dispatch, f.service, f.admission, &f.config).WithClock(f.clock)

	action(f)
}

func defaultQuota() api.TenantQuota {
	return api.TenantQuota{MaxConcurrentJobs: 10, MaxConcurrencyPerJob: 10000}
}

func (f *fixture) registerNode(t *testing.T, id string, region string, capacity int) {
	t.Helper()
	require.NoError(t, f.report.RegisterNode(&api.NodeRegisterRequest{
		Id:       id,
		Region:   region,
		Capacity: capacity,
	}))
}

// refreshNodes re-heartbeats the given nodes at the current clock so they stay
// usable after the clock was advanced. Load is reported as the registry's
// current view, the way a live worker would.
func (f *fixture) refreshNodes(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		node, err := f.nodes.GetNode(id)
		require.NoError(t, err)
		require.NoError(t, f.report.Heartbeat(id, &api.NodeHeartbeatRequest{
			Load:          node.CurrentLoad,
			Health:        api.NodeHealthy,
			LatencyMillis: node.LatencyMillis,
		}))
	}
}

func (f *fixture) mustGetJob(t *testing.T, jobId string) *api.Job {
	t.Helper()
	job, err := f.jobs.GetJob(jobId)
	require.NoError(t, err)
	return job
}

func (f *fixture) nodeLoad(t *testing.T, nodeId string) int {
	t.Helper()
	node, err := f.nodes.GetNode(nodeId)
	require.NoError(t, err)
	return node.CurrentLoad
}

func submitRequest(tenantId string, concurrency int) *api.JobSubmitRequest {
	return &api.JobSubmitRequest{
		TenantId: tenantId,
		Spec: api.LoadTestSpec{
			Name:            "checkout flow",
			TargetUrl:       "https://example.com/checkout",
			Method:          "GET",
			Concurrency:     concurrency,
			DurationSeconds: 60,
			TimeoutMillis:   30000,
			FollowRedirects: true,
		},
	}
}

func progressSample(jobId string, nodeId string, sequence int64, at time.Time) *api.MetricSample {
	return &api.MetricSample{
		JobId:                jobId,
		NodeId:               nodeId,
		Sequence:             sequence,
		Time:                 at,
		SuccessCount:         95,
		ErrorCount:           5,
		AverageLatencyMillis: 120,
	}
}
