package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/pkg/api"
)

func TestReserveWithinQuota(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository, clock *util.DummyClock) {
		quota := &api.TenantQuota{MaxConcurrentJobs: 2}

		require.NoError(t, r.Reserve("tenant-a", "job-1", quota))
		require.NoError(t, r.Reserve("tenant-a", "job-2", quota))

		concurrent, err := r.CountConcurrent("tenant-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), concurrent)

		today, err := r.CountToday("tenant-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), today)
	})
}

func TestReserveRejectsThirdConcurrentJob(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository, clock *util.DummyClock) {
		quota := &api.TenantQuota{MaxConcurrentJobs: 2}
		require.NoError(t, r.Reserve("tenant-a", "job-1", quota))
		require.NoError(t, r.Reserve("tenant-a", "job-2", quota))

		err := r.Reserve("tenant-a", "job-3", quota)
		var exceeded *mesherrors.ErrQuotaExceeded
		require.True(t, errors.As(err, &exceeded))
		assert.Equal(t, mesherrors.QuotaConcurrency, exceeded.Kind)
		assert.Equal(t, 2, exceeded.Limit)

		// The rejected attempt consumed nothing.
		today, err := r.CountToday("tenant-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), today)
	})
}

func TestReserveEnforcesDailyLimit(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository, clock *util.DummyClock) {
		quota := &api.TenantQuota{MaxTestsPerDay: 2}
		require.NoError(t, r.Reserve("tenant-a", "job-1", quota))
		require.NoError(t, r.Reserve("tenant-a", "job-2", quota))

		err := r.Reserve("tenant-a", "job-3", quota)
		var exceeded *mesherrors.ErrQuotaExceeded
		require.True(t, errors.As(err, &exceeded))
		assert.Equal(t, mesherrors.QuotaDaily, exceeded.Kind)

		// The next day the counter starts over.
		clock.Advance(24 * time.Hour)
		assert.NoError(t, r.Reserve("tenant-a", "job-3", quota))
	})
}

func TestReserveEnforcesMonthlyLimit(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository, clock *util.DummyClock) {
		quota := &api.TenantQuota{MaxTestsPerMonth: 1}
		require.NoError(t, r.Reserve("tenant-a", "job-1", quota))

		clock.Advance(24 * time.Hour)
		err := r.Reserve("tenant-a", "job-2", quota)
		var exceeded *mesherrors.ErrQuotaExceeded
		require.True(t, errors.As(err, &exceeded))
		assert.Equal(t, mesherrors.QuotaMonthly, exceeded.Kind)
	})
}

func TestZeroLimitsMeanUnlimited(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository, clock *util.DummyClock) {
		quota := &api.TenantQuota{}
		for _, jobId := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, r.Reserve("tenant-a", jobId, quota))
		}
	})
}

func TestReleaseRollsBackReservation(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository, clock *util.DummyClock) {
		quota := &api.TenantQuota{MaxConcurrentJobs: 1, MaxTestsPerDay: 1}
		require.NoError(t, r.Reserve("tenant-a", "job-1", quota))
		require.NoError(t, r.Release("tenant-a", "job-1"))

		// A released reservation frees both the slot and the day's count.
		require.NoError(t, r.Reserve("tenant-a", "job-2", quota))
	})
}

func TestDoubleReleaseDoesNotUnderflow(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository, clock *util.DummyClock) {
		quota := &api.TenantQuota{}
		require.NoError(t, r.Reserve("tenant-a", "job-1", quota))
		require.NoError(t, r.Reserve("tenant-a", "job-2", quota))

		require.NoError(t, r.Release("tenant-a", "job-1"))
		require.NoError(t, r.Release("tenant-a", "job-1"))

		today, err := r.CountToday("tenant-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), today)
	})
}

// Jobs that reach a terminal state through the lifecycle leave the tenant's
// concurrency set without decrementing the daily total: a test that ran still
// counts towards the day.
func TestFinishedJobsStillCountTowardsDailyTotal(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	clock := &util.DummyClock{T: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	usage := NewRedisUsageRepository(client).WithClock(clock)
	jobs := NewRedisJobRepository(client, time.Hour).WithClock(clock)

	job := jobs.CreateJob("tenant-a", testSpec())
	require.NoError(t, usage.Reserve("tenant-a", job.Id, &api.TenantQuota{}))
	require.NoError(t, jobs.AddJob(job))

	_, err = jobs.TryTransition(job.Id, api.JobPending, api.JobCompleted, nil)
	require.NoError(t, err)

	concurrent, err := usage.CountConcurrent("tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), concurrent)

	today, err := usage.CountToday("tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), today)
}

func withUsageRepository(action func(r *RedisUsageRepository, clock *util.DummyClock)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	clock := &util.DummyClock{T: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	action(NewRedisUsageRepository(client).WithClock(clock), clock)
}
