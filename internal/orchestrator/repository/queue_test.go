package repository

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/pkg/api"
)

func TestEnqueueAndLease(t *testing.T) {
	withDispatchRepository(func(r *RedisDispatchRepository, clock *util.DummyClock) {
		item := dispatchItem("job-1", "node-1")
		require.NoError(t, r.Enqueue(item))

		leased, err := r.Lease("node-1", 10)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		assert.Equal(t, item, leased[0])

		// A leased item is visible to exactly one consumer.
		leased, err = r.Lease("node-1", 10)
		require.NoError(t, err)
		assert.Empty(t, leased)
	})
}

func TestLeaseIsScopedToNode(t *testing.T) {
	withDispatchRepository(func(r *RedisDispatchRepository, clock *util.DummyClock) {
		require.NoError(t, r.Enqueue(dispatchItem("job-1", "node-1")))

		leased, err := r.Lease("node-2", 10)
		require.NoError(t, err)
		assert.Empty(t, leased)
	})
}

func TestLeaseRespectsLimit(t *testing.T) {
	withDispatchRepository(func(r *RedisDispatchRepository, clock *util.DummyClock) {
		require.NoError(t, r.Enqueue(dispatchItem("job-1", "node-1")))
		require.NoError(t, r.Enqueue(dispatchItem("job-2", "node-1")))
		require.NoError(t, r.Enqueue(dispatchItem("job-3", "node-1")))

		leased, err := r.Lease("node-1", 2)
		require.NoError(t, err)
		assert.Len(t, leased, 2)

		leased, err = r.Lease("node-1", 2)
		require.NoError(t, err)
		assert.Len(t, leased, 1)
	})
}

func TestAckRemovesItemForGood(t *testing.T) {
	withDispatchRepository(func(r *RedisDispatchRepository, clock *util.DummyClock) {
		require.NoError(t, r.Enqueue(dispatchItem("job-1", "node-1")))
		_, err := r.Lease("node-1", 1)
		require.NoError(t, err)

		require.NoError(t, r.Ack("job-1"))

		clock.Advance(time.Hour)
		expired, err := r.ExpireLeases(clock.Now())
		require.NoError(t, err)
		assert.Empty(t, expired)
	})
}

func TestNackReturnsItemToPending(t *testing.T) {
	withDispatchRepository(func(r *RedisDispatchRepository, clock *util.DummyClock) {
		require.NoError(t, r.Enqueue(dispatchItem("job-1", "node-1")))
		_, err := r.Lease("node-1", 1)
		require.NoError(t, err)

		require.NoError(t, r.Nack("job-1"))

		leased, err := r.Lease("node-1", 1)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		assert.Equal(t, "job-1", leased[0].JobId)
	})
}

func TestExpireLeasesReturnsUnackedItems(t *testing.T) {
	withDispatchRepository(func(r *RedisDispatchRepository, clock *util.DummyClock) {
		require.NoError(t, r.Enqueue(dispatchItem("job-1", "node-1")))
		_, err := r.Lease("node-1", 1)
		require.NoError(t, err)

		// Deadline before the lease time: nothing has expired yet.
		expired, err := r.ExpireLeases(clock.Now().Add(-time.Second))
		require.NoError(t, err)
		assert.Empty(t, expired)

		clock.Advance(31 * time.Second)
		expired, err = r.ExpireLeases(clock.Now().Add(-30 * time.Second))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "job-1", expired[0].JobId)

		// Expiry removes the entry; a second sweep finds nothing.
		expired, err = r.ExpireLeases(clock.Now())
		require.NoError(t, err)
		assert.Empty(t, expired)
	})
}

func TestExpirePendingReturnsUnclaimedItems(t *testing.T) {
	withDispatchRepository(func(r *RedisDispatchRepository, clock *util.DummyClock) {
		require.NoError(t, r.Enqueue(dispatchItem("job-1", "node-1")))

		clock.Advance(31 * time.Second)
		expired, err := r.ExpirePending(clock.Now().Add(-30 * time.Second))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "job-1", expired[0].JobId)

		leased, err := r.Lease("node-1", 1)
		require.NoError(t, err)
		assert.Empty(t, leased)
	})
}

func TestRemoveDropsItemWhereverItIs(t *testing.T) {
	withDispatchRepository(func(r *RedisDispatchRepository, clock *util.DummyClock) {
		require.NoError(t, r.Enqueue(dispatchItem("job-1", "node-1")))
		require.NoError(t, r.Remove("job-1"))

		leased, err := r.Lease("node-1", 1)
		require.NoError(t, err)
		assert.Empty(t, leased)

		// Removing an unknown job is a no-op.
		require.NoError(t, r.Remove("job-1"))
	})
}

func dispatchItem(jobId string, nodeId string) *DispatchItem {
	return &DispatchItem{
		JobId:  jobId,
		NodeId: nodeId,
		Spec: api.LoadTestSpec{
			Name:            "steady load",
			TargetUrl:       "https://example.com",
			Method:          "GET",
			Concurrency:     50,
			DurationSeconds: 120,
			TimeoutMillis:   30000,
		},
	}
}

func withDispatchRepository(action func(r *RedisDispatchRepository, clock *util.DummyClock)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	clock := &util.DummyClock{T: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	action(NewRedisDispatchRepository(client).WithClock(clock), clock)
}
