package api

import (
	"time"
)

// NodeHealth is reported by worker nodes with every heartbeat. Unreachable is
// set by the orchestrator when heartbeats lapse, never by the node itself.
type NodeHealth string

const (
	NodeHealthy     NodeHealth = "healthy"
	NodeWarning     NodeHealth = "warning"
	NodeUnreachable NodeHealth = "unreachable"
)

// NodeInfo is the registry's view of a worker node.
type NodeInfo struct {
	Id            string     `json:"id"`
	Region        string     `json:"region"`
	Capacity      int        `json:"capacity"`
	CurrentLoad   int        `json:"load"`
	Health        NodeHealth `json:"status"`
	LatencyMillis int        `json:"latency"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
}

// FreeCapacity returns the number of virtual users the node can still take.
func (n *NodeInfo) FreeCapacity() int {
	return n.Capacity - n.CurrentLoad
}

// LoadRatio is the selection key for least-loaded-first scheduling.
// Nodes declaring zero capacity are treated as fully loaded.
func (n *NodeInfo) LoadRatio() float64 {
	if n.Capacity <= 0 {
		return 1
	}
	return float64(n.CurrentLoad) / float64(n.Capacity)
}

// NodeRegisterRequest announces a node and its declared capacity.
// Registration is idempotent on node id.
type NodeRegisterRequest struct {
	Id       string `json:"id"`
	Region   string `json:"region"`
	Capacity int    `json:"capacity"`
}

// NodeHeartbeatRequest is sent periodically by each worker node.
type NodeHeartbeatRequest struct {
	Load          int        `json:"load"`
	Health        NodeHealth `json:"status"`
	LatencyMillis int        `json:"latency"`
}

// DispatchLeaseRequest asks for work on behalf of a node.
type DispatchLeaseRequest struct {
	NodeId string `json:"nodeId"`
	Limit  int64  `json:"limit"`
}

// Dispatch is one unit of leased work as seen by a worker node.
type Dispatch struct {
	JobId  string       `json:"jobId"`
	NodeId string       `json:"nodeId"`
	Spec   LoadTestSpec `json:"spec"`
}
