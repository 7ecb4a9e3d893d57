package repository

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/pkg/api"
)

const (
	dispatchPendingPrefix   = "Dispatch:Pending:"
	dispatchPendingNodesKey = "Dispatch:PendingNodes"
	dispatchLeasedKey       = "Dispatch:Leased"
	dispatchPayloadPrefix   = "Dispatch:Payload:"
)

// DispatchItem is the unit of work handed to a worker node.
type DispatchItem struct {
	JobId  string           `json:"jobId"`
	NodeId string           `json:"nodeId"`
	Spec   api.LoadTestSpec `json:"spec"`
}

type DispatchRepository interface {
	Enqueue(item *DispatchItem) error
	Lease(nodeId string, limit int64) ([]*DispatchItem, error)
	Ack(jobId string) error
	Nack(jobId string) error
	Remove(jobId string) error
	ExpireLeases(deadline time.Time) ([]*DispatchItem, error)
	ExpirePending(deadline time.Time) ([]*DispatchItem, error)
}

// RedisDispatchRepository is the durable at-least-once channel between job
// acceptance and execution start. Pending work sits in a per-node sorted set;
// leased work moves to a shared sorted set scored by lease time so expired
// leases can be swept out and redelivered.
type RedisDispatchRepository struct {
	db    redis.UniversalClient
	clock util.Clock
}

func NewRedisDispatchRepository(db redis.UniversalClient) *RedisDispatchRepository {
	return &RedisDispatchRepository{db: db, clock: &util.DefaultClock{}}
}

func (repo *RedisDispatchRepository) WithClock(clock util.Clock) *RedisDispatchRepository {
	repo.clock = clock
	return repo
}

// Enqueue durably records the item before it becomes visible to its node.
func (repo *RedisDispatchRepository) Enqueue(item *DispatchItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return errors.WithStack(err)
	}

	pipe := repo.db.TxPipeline()
	pipe.Set(dispatchPayloadPrefix+item.JobId, data, 0)
	pipe.SAdd(dispatchPendingNodesKey, item.NodeId)
	pipe.ZAdd(dispatchPendingPrefix+item.NodeId, redis.Z{
		Member: item.JobId,
		Score:  float64(repo.clock.Now().UnixNano()),
	})
	_, err = pipe.Exec()
	return err
}

// Lease moves up to limit items from the node's pending set into the leased
// set. The zmove script guarantees each item is visible to exactly one
// consumer; an item that is not acknowledged before the lease deadline is
// returned to pending by the sweep and redelivered.
func (repo *RedisDispatchRepository) Lease(nodeId string, limit int64) ([]*DispatchItem, error) {
	ids, err := repo.db.ZRange(dispatchPendingPrefix+nodeId, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*DispatchItem{}, nil
	}

	now := float64(repo.clock.Now().UnixNano())
	pipe := repo.db.Pipeline()
	cmds := make(map[string]*redis.Cmd, len(ids))
	for _, id := range ids {
		cmds[id] = zmove(pipe, dispatchPendingPrefix+nodeId, dispatchLeasedKey, id, now)
	}
	if _, err := pipe.Exec(); err != nil {
		return nil, err
	}

	leased := make([]string, 0, len(ids))
	for _, id := range ids {
		moved, err := cmds[id].Int()
		if err == nil && moved > 0 {
			leased = append(leased, id)
		}
	}
	return repo.getItems(leased)
}

// Ack acknowledges a dispatched job; the item is gone for good.
func (repo *RedisDispatchRepository) Ack(jobId string) error {
	pipe := repo.db.TxPipeline()
	pipe.ZRem(dispatchLeasedKey, jobId)
	pipe.Del(dispatchPayloadPrefix + jobId)
	_, err := pipe.Exec()
	return err
}

// Nack returns a leased item to its node's pending set for redelivery.
func (repo *RedisDispatchRepository) Nack(jobId string) error {
	item, err := repo.getItem(jobId)
	if err != nil || item == nil {
		return err
	}
	now := float64(repo.clock.Now().UnixNano())
	return zmove(repo.db, dispatchLeasedKey, dispatchPendingPrefix+item.NodeId, jobId, now).Err()
}

// Remove drops the item from wherever it currently is, e.g. on cancellation.
func (repo *RedisDispatchRepository) Remove(jobId string) error {
	item, err := repo.getItem(jobId)
	if err != nil || item == nil {
		return err
	}
	pipe := repo.db.TxPipeline()
	pipe.ZRem(dispatchPendingPrefix+item.NodeId, jobId)
	pipe.ZRem(dispatchLeasedKey, jobId)
	pipe.Del(dispatchPayloadPrefix + jobId)
	_, err = pipe.Exec()
	return err
}

// ExpireLeases removes and returns items that were leased before deadline but
// never acknowledged, so the lifecycle can retry them on another node.
func (repo *RedisDispatchRepository) ExpireLeases(deadline time.Time) ([]*DispatchItem, error) {
	return repo.expire(dispatchLeasedKey, deadline)
}

// ExpirePending removes and returns items that have sat unleased past the
// deadline, which happens when the assigned node stops claiming work.
func (repo *RedisDispatchRepository) ExpirePending(deadline time.Time) ([]*DispatchItem, error) {
	nodeIds, err := repo.db.SMembers(dispatchPendingNodesKey).Result()
	if err != nil {
		return nil, err
	}
	expired := []*DispatchItem{}
	for _, nodeId := range nodeIds {
		items, err := repo.expire(dispatchPendingPrefix+nodeId, deadline)
		if err != nil {
			return nil, err
		}
		expired = append(expired, items...)
	}
	return expired, nil
}

func (repo *RedisDispatchRepository) expire(key string, deadline time.Time) ([]*DispatchItem, error) {
	ids, err := repo.db.ZRangeByScore(key, redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(deadline),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*DispatchItem{}, nil
	}

	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		// ZREM result guards against another sweeper racing us to the
		// same entry.
		count, err := repo.db.ZRem(key, id).Result()
		if err != nil {
			return nil, err
		}
		if count > 0 {
			removed = append(removed, id)
		}
	}
	return repo.getItems(removed)
}

func (repo *RedisDispatchRepository) getItem(jobId string) (*DispatchItem, error) {
	data, err := repo.db.Get(dispatchPayloadPrefix + jobId).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item := &DispatchItem{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, errors.WithStack(err)
	}
	return item, nil
}

func (repo *RedisDispatchRepository) getItems(jobIds []string) ([]*DispatchItem, error) {
	items := make([]*DispatchItem, 0, len(jobIds))
	for _, id := range jobIds {
		item, err := repo.getItem(id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, item)
		}
	}
	return items, nil
}

const zmoveScript = `
local exists = redis.call('ZREM', KEYS[1], ARGV[1])
if exists == 1 then
	return redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
else
	return 0
end
`

func zmove(db redis.Cmdable, from string, to string, member string, score float64) *redis.Cmd {
	return db.Eval(zmoveScript, []string{from, to}, member, score)
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
