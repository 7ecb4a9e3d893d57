package scheduling

import (
	"sort"
	"time"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// Constraints describe what a job needs from a node.
type Constraints struct {
	RequiredConcurrency int
	PreferredRegion     string
	PreferredNodeId     string
	// ExcludedNodeIds holds nodes previous dispatch attempts timed out on.
	ExcludedNodeIds []string
}

// SelectNode picks a node for a job from a registry snapshot. The preferred
// node wins if it is usable; otherwise candidates are ranked least-loaded
// first by load/capacity ratio, tie-broken by observed latency and then by id
// so that identical snapshots always select the same node. Greedy rather than
// globally optimal, but it bounds worst-case overload of any single node.
func SelectNode(nodes []*api.NodeInfo, constraints *Constraints, staleAfter time.Duration, now time.Time) (*api.NodeInfo, error) {
	usable := filterUsableNodes(nodes, constraints, staleAfter, now)

	if constraints.PreferredNodeId != "" {
		for _, node := range usable {
			if node.Id == constraints.PreferredNodeId {
				return node, nil
			}
		}
	}

	candidates := usable
	if constraints.PreferredRegion != "" {
		regional := filterRegion(usable, constraints.PreferredRegion)
		// Region affinity is a preference, not a hard constraint.
		if len(regional) > 0 {
			candidates = regional
		}
	}

	if len(candidates) == 0 {
		return nil, &mesherrors.ErrNoCapacity{
			RequiredConcurrency: constraints.RequiredConcurrency,
			Region:              constraints.PreferredRegion,
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.LoadRatio() != b.LoadRatio() {
			return a.LoadRatio() < b.LoadRatio()
		}
		if a.LatencyMillis != b.LatencyMillis {
			return a.LatencyMillis < b.LatencyMillis
		}
		return a.Id < b.Id
	})
	return candidates[0], nil
}

func filterUsableNodes(nodes []*api.NodeInfo, constraints *Constraints, staleAfter time.Duration, now time.Time) []*api.NodeInfo {
	excluded := make(map[string]bool, len(constraints.ExcludedNodeIds))
	for _, id := range constraints.ExcludedNodeIds {
		excluded[id] = true
	}

	usable := []*api.NodeInfo{}
	for _, node := range nodes {
		if excluded[node.Id] {
			continue
		}
		if node.Health == api.NodeUnreachable {
			continue
		}
		if IsStale(node, staleAfter, now) {
			continue
		}
		if node.FreeCapacity() < constraints.RequiredConcurrency {
			continue
		}
		usable = append(usable, node)
	}
	return usable
}

func filterRegion(nodes []*api.NodeInfo, region string) []*api.NodeInfo {
	result := []*api.NodeInfo{}
	for _, node := range nodes {
		if node.Region == region {
			result = append(result, node)
		}
	}
	return result
}

// IsStale reports whether the node's most recent heartbeat is older than the
// staleness threshold.
func IsStale(node *api.NodeInfo, staleAfter time.Duration, now time.Time) bool {
	return !node.LastHeartbeat.Add(staleAfter).After(now)
}
