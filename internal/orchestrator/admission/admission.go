package admission

import (
	"github.com/google/uuid"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/orchestrator/configuration"
	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// QuotaSource is the read-only boundary towards the billing collaborator.
type QuotaSource interface {
	GetQuota(tenantId string) (*api.TenantQuota, error)
}

// Token proves a submission passed admission. It is consumed exactly once by
// job creation; Release rolls the reservation back if the job never starts.
type Token struct {
	Id       string
	TenantId string
	JobId    string
}

// Controller enforces per-tenant quotas before a job is accepted. The quota
// check and the reservation are a single atomic unit in the usage repository,
// so concurrent submissions from one tenant serialize on the store.
type Controller struct {
	usage  repository.UsageRepository
	quotas QuotaSource
}

func NewController(usage repository.UsageRepository, quotas QuotaSource) *Controller {
	return &Controller{usage: usage, quotas: quotas}
}

// Admit checks the tenant's bounds for a job with the given concurrency and
// reserves a slot for jobId. On rejection nothing has been consumed.
func (c *Controller) Admit(tenantId string, jobId string, requestedConcurrency int) (*Token, error) {
	quota, err := c.quotas.GetQuota(tenantId)
	if err != nil {
		return nil, err
	}

	if quota.MaxConcurrencyPerJob > 0 && requestedConcurrency > quota.MaxConcurrencyPerJob {
		return nil, &mesherrors.ErrQuotaExceeded{
			TenantId: tenantId,
			Kind:     mesherrors.QuotaConcurrency,
			Limit:    quota.MaxConcurrencyPerJob,
		}
	}

	if err := c.usage.Reserve(tenantId, jobId, quota); err != nil {
		return nil, err
	}
	return &Token{Id: uuid.New().String(), TenantId: tenantId, JobId: jobId}, nil
}

// Release returns the slot held by an admission token whose job will never
// run, e.g. because no node had capacity.
func (c *Controller) Release(token *Token) error {
	return c.usage.Release(token.TenantId, token.JobId)
}

// ConfigQuotaSource serves quotas from static configuration. It stands in for
// the billing system in deployments that have no live quota feed.
type ConfigQuotaSource struct {
	config *configuration.QuotaConfig
}

func NewConfigQuotaSource(config *configuration.QuotaConfig) *ConfigQuotaSource {
	return &ConfigQuotaSource{config: config}
}

func (s *ConfigQuotaSource) GetQuota(tenantId string) (*api.TenantQuota, error) {
	if quota, ok := s.config.Tenants[tenantId]; ok {
		return &quota, nil
	}
	quota := s.config.Default
	return &quota, nil
}
