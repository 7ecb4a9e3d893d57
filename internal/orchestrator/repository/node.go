package repository

import (
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/pkg/api"
)

const (
	nodeSetKey = "Nodes"
	nodePrefix = "Node:"
)

type NodeRepository interface {
	Register(request *api.NodeRegisterRequest) error
	Heartbeat(nodeId string, request *api.NodeHeartbeatRequest) error
	GetNode(nodeId string) (*api.NodeInfo, error)
	GetNodes() ([]*api.NodeInfo, error)
	ReserveCapacity(nodeId string, concurrency int) (bool, error)
	ReleaseCapacity(nodeId string, concurrency int) error
	MarkUnreachable(nodeId string) error
}

// RedisNodeRepository tracks worker node identity, capacity, health and load.
// Each node is a redis hash so that load changes are HINCRBY-atomic per node;
// assignment and heartbeat writers serialize on the redis side.
type RedisNodeRepository struct {
	db    redis.UniversalClient
	clock util.Clock
}

func NewRedisNodeRepository(db redis.UniversalClient) *RedisNodeRepository {
	return &RedisNodeRepository{db: db, clock: &util.DefaultClock{}}
}

func (repo *RedisNodeRepository) WithClock(clock util.Clock) *RedisNodeRepository {
	repo.clock = clock
	return repo
}

// Register adds a node or updates its declared capacity and region.
// Idempotent on node id; current load and health survive re-registration.
func (repo *RedisNodeRepository) Register(request *api.NodeRegisterRequest) error {
	key := nodePrefix + request.Id
	pipe := repo.db.TxPipeline()
	pipe.SAdd(nodeSetKey, request.Id)
	pipe.HSet(key, "id", request.Id)
	pipe.HSet(key, "region", request.Region)
	pipe.HSet(key, "capacity", request.Capacity)
	pipe.HSetNX(key, "load", 0)
	pipe.HSetNX(key, "latency", 0)
	pipe.HSet(key, "health", string(api.NodeHealthy))
	pipe.HSet(key, "lastHeartbeat", repo.clock.Now().UnixNano())
	_, err := pipe.Exec()
	return err
}

func (repo *RedisNodeRepository) Heartbeat(nodeId string, request *api.NodeHeartbeatRequest) error {
	registered, err := repo.db.SIsMember(nodeSetKey, nodeId).Result()
	if err != nil {
		return err
	}
	if !registered {
		return &mesherrors.ErrUnknownNode{NodeId: nodeId}
	}

	health := request.Health
	if health == "" || health == api.NodeUnreachable {
		health = api.NodeHealthy
	}

	pipe := repo.db.TxPipeline()
	key := nodePrefix + nodeId
	pipe.HSet(key, "load", request.Load)
	pipe.HSet(key, "latency", request.LatencyMillis)
	pipe.HSet(key, "health", string(health))
	pipe.HSet(key, "lastHeartbeat", repo.clock.Now().UnixNano())
	_, err = pipe.Exec()
	return err
}

func (repo *RedisNodeRepository) GetNode(nodeId string) (*api.NodeInfo, error) {
	fields, err := repo.db.HGetAll(nodePrefix + nodeId).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &mesherrors.ErrUnknownNode{NodeId: nodeId}
	}
	return nodeFromFields(fields), nil
}

// GetNodes returns a snapshot of all registered nodes, sorted by id so that
// selection over the same registry state is deterministic. The snapshot is
// recomputed on every call, never cached.
func (repo *RedisNodeRepository) GetNodes() ([]*api.NodeInfo, error) {
	ids, err := repo.db.SMembers(nodeSetKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.NodeInfo{}, nil
	}

	pipe := repo.db.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(nodePrefix+id))
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, err
	}

	nodes := make([]*api.NodeInfo, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		nodes = append(nodes, nodeFromFields(fields))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Id < nodes[j].Id })
	return nodes, nil
}

const reserveCapacityScript = `
local capacity = tonumber(redis.call('HGET', KEYS[1], 'capacity') or '0')
local load = tonumber(redis.call('HGET', KEYS[1], 'load') or '0')
local requested = tonumber(ARGV[1])
if capacity - load >= requested then
	redis.call('HINCRBY', KEYS[1], 'load', requested)
	return 1
else
	return 0
end
`

// ReserveCapacity atomically adds a job's concurrency to the node's load,
// refusing if the node no longer has enough free capacity. This is the check
// that keeps load at or below capacity even when assignments race.
func (repo *RedisNodeRepository) ReserveCapacity(nodeId string, concurrency int) (bool, error) {
	result, err := repo.db.Eval(reserveCapacityScript, []string{nodePrefix + nodeId}, concurrency).Int()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

const releaseCapacityScript = `
local load = tonumber(redis.call('HGET', KEYS[1], 'load') or '0')
local released = tonumber(ARGV[1])
if released > load then
	released = load
end
redis.call('HINCRBY', KEYS[1], 'load', -released)
return load - released
`

// ReleaseCapacity removes a finished job's concurrency from the node's load,
// clamped at zero in case a heartbeat already reset it.
func (repo *RedisNodeRepository) ReleaseCapacity(nodeId string, concurrency int) error {
	return repo.db.Eval(releaseCapacityScript, []string{nodePrefix + nodeId}, concurrency).Err()
}

func (repo *RedisNodeRepository) MarkUnreachable(nodeId string) error {
	return repo.db.HSet(nodePrefix+nodeId, "health", string(api.NodeUnreachable)).Err()
}

func nodeFromFields(fields map[string]string) *api.NodeInfo {
	capacity, _ := strconv.Atoi(fields["capacity"])
	load, _ := strconv.Atoi(fields["load"])
	latency, _ := strconv.Atoi(fields["latency"])
	heartbeatNanos, _ := strconv.ParseInt(fields["lastHeartbeat"], 10, 64)
	return &api.NodeInfo{
		Id:            fields["id"],
		Region:        fields["region"],
		Capacity:      capacity,
		CurrentLoad:   load,
		Health:        api.NodeHealth(fields["health"]),
		LatencyMillis: latency,
		LastHeartbeat: time.Unix(0, heartbeatNanos),
	}
}
