package configuration

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/loadmesh/loadmesh/pkg/api"
)

type OrchestratorConfig struct {
	HttpPort    uint16
	MetricsPort uint16

	Redis redis.UniversalOptions

	// Retention for terminal job records.
	JobRetention time.Duration

	Scheduling SchedulingConfig
	Quotas     QuotaConfig
}

type SchedulingConfig struct {
	// How long a dispatched job may sit unacknowledged before its lease is
	// returned and the job retried on another node.
	DispatchLeaseTimeout time.Duration
	// How many times a job is re-enqueued after lease expiry before failing.
	MaxDispatchRetries int
	// Heartbeats older than this mark a node unreachable.
	HeartbeatStaleness time.Duration
	// How long jobs on an unreachable node are given before being failed.
	NodeFailureGrace time.Duration
	// How long a cancellation waits for executor acknowledgement before the
	// job is forced into CANCELLED.
	CancelGrace time.Duration
	// Interval between deadline sweeps.
	SweepInterval time.Duration
}

type QuotaConfig struct {
	// Default applies to tenants without an explicit entry.
	Default api.TenantQuota
	// Tenants maps tenant id to its quota, normally populated from the
	// billing collaborator's feed.
	Tenants map[string]api.TenantQuota
}

func DefaultSchedulingConfig() SchedulingConfig {
	return SchedulingConfig{
		DispatchLeaseTimeout: 30 * time.Second,
		MaxDispatchRetries:   3,
		HeartbeatStaleness:   30 * time.Second,
		NodeFailureGrace:     30 * time.Second,
		CancelGrace:          15 * time.Second,
		SweepInterval:        5 * time.Second,
	}
}
