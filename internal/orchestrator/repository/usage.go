package repository

import (
	"fmt"

	"github.com/go-redis/redis"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/pkg/api"
)

const (
	concurrentSetPrefix = "Usage:Concurrent:"
	dailyCountPrefix    = "Usage:Daily:"
	monthlyCountPrefix  = "Usage:Monthly:"

	dailyCountTTLSeconds   = 2 * 24 * 60 * 60
	monthlyCountTTLSeconds = 32 * 24 * 60 * 60
)

type UsageRepository interface {
	Reserve(tenantId string, jobId string, quota *api.TenantQuota) error
	Release(tenantId string, jobId string) error
	CountConcurrent(tenantId string) (int64, error)
	CountToday(tenantId string) (int64, error)
	CountThisMonth(tenantId string) (int64, error)
}

// RedisUsageRepository maintains per-tenant usage counters and performs the
// atomic admission reservation. Check and consumption happen in a single lua
// script so that two racing submissions from one tenant can never both pass a
// bound only one may legally pass.
type RedisUsageRepository struct {
	db    redis.UniversalClient
	clock util.Clock
}

func NewRedisUsageRepository(db redis.UniversalClient) *RedisUsageRepository {
	return &RedisUsageRepository{db: db, clock: &util.DefaultClock{}}
}

func (repo *RedisUsageRepository) WithClock(clock util.Clock) *RedisUsageRepository {
	repo.clock = clock
	return repo
}

// Limits of zero or below mean unlimited.
const reserveScript = `
local maxConcurrent = tonumber(ARGV[2])
local maxDaily = tonumber(ARGV[3])
local maxMonthly = tonumber(ARGV[4])

if maxConcurrent > 0 and redis.call('SCARD', KEYS[1]) >= maxConcurrent then
	return 'concurrency'
end
if maxDaily > 0 and tonumber(redis.call('GET', KEYS[2]) or '0') >= maxDaily then
	return 'daily'
end
if maxMonthly > 0 and tonumber(redis.call('GET', KEYS[3]) or '0') >= maxMonthly then
	return 'monthly'
end

redis.call('SADD', KEYS[1], ARGV[1])
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[5])
redis.call('INCR', KEYS[3])
redis.call('EXPIRE', KEYS[3], ARGV[6])
return 'ok'
`

// Reserve admits jobId against the tenant's quota, reserving a concurrency
// slot and counting the test towards today's and this month's totals. On
// rejection nothing is consumed and the returned ErrQuotaExceeded carries the
// violated bound.
func (repo *RedisUsageRepository) Reserve(tenantId string, jobId string, quota *api.TenantQuota) error {
	result, err := repo.db.Eval(
		reserveScript,
		[]string{
			concurrentSetPrefix + tenantId,
			repo.dailyKey(tenantId),
			repo.monthlyKey(tenantId),
		},
		jobId,
		quota.MaxConcurrentJobs,
		quota.MaxTestsPerDay,
		quota.MaxTestsPerMonth,
		dailyCountTTLSeconds,
		monthlyCountTTLSeconds,
	).Result()
	if err != nil {
		return err
	}

	switch result {
	case "ok":
		return nil
	case "concurrency":
		return &mesherrors.ErrQuotaExceeded{
			TenantId: tenantId, Kind: mesherrors.QuotaConcurrency, Limit: quota.MaxConcurrentJobs}
	case "daily":
		return &mesherrors.ErrQuotaExceeded{
			TenantId: tenantId, Kind: mesherrors.QuotaDaily, Limit: quota.MaxTestsPerDay}
	case "monthly":
		return &mesherrors.ErrQuotaExceeded{
			TenantId: tenantId, Kind: mesherrors.QuotaMonthly, Limit: quota.MaxTestsPerMonth}
	}
	return fmt.Errorf("unexpected admission result %v", result)
}

// Release rolls back a reservation whose job never came to life, e.g. because
// no node had capacity. Counters only move for reservations that were made.
const releaseScript = `
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 1 then
	if tonumber(redis.call('GET', KEYS[2]) or '0') > 0 then
		redis.call('DECR', KEYS[2])
	end
	if tonumber(redis.call('GET', KEYS[3]) or '0') > 0 then
		redis.call('DECR', KEYS[3])
	end
end
return removed
`

func (repo *RedisUsageRepository) Release(tenantId string, jobId string) error {
	return repo.db.Eval(
		releaseScript,
		[]string{
			concurrentSetPrefix + tenantId,
			repo.dailyKey(tenantId),
			repo.monthlyKey(tenantId),
		},
		jobId,
	).Err()
}

func (repo *RedisUsageRepository) CountConcurrent(tenantId string) (int64, error) {
	return repo.db.SCard(concurrentSetPrefix + tenantId).Result()
}

func (repo *RedisUsageRepository) CountToday(tenantId string) (int64, error) {
	return repo.count(repo.dailyKey(tenantId))
}

func (repo *RedisUsageRepository) CountThisMonth(tenantId string) (int64, error) {
	return repo.count(repo.monthlyKey(tenantId))
}

func (repo *RedisUsageRepository) count(key string) (int64, error) {
	n, err := repo.db.Get(key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (repo *RedisUsageRepository) dailyKey(tenantId string) string {
	return dailyCountPrefix + tenantId + ":" + repo.clock.Now().UTC().Format("2006-01-02")
}

func (repo *RedisUsageRepository) monthlyKey(tenantId string) string {
	return monthlyCountPrefix + tenantId + ":" + repo.clock.Now().UTC().Format("2006-01")
}
