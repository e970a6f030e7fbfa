package cluster

import (
	"fmt"
	"log/slog"
	"sync"
)

// EnvironmentCluster owns the kernel nodes of one environment. Every
// node's environment matches the cluster's; nodes are created by the
// cluster and destroyed with it.
type EnvironmentCluster struct {
	Environment Environment

	mu     sync.RWMutex
	nodes  map[string]*KernelNode
	order  []string // node ids in registration order
	logger *slog.Logger
}

// NewEnvironmentCluster creates an empty cluster for an environment.
func NewEnvironmentCluster(env Environment, logger *slog.Logger) *EnvironmentCluster {
	return &EnvironmentCluster{
		Environment: env,
		nodes:       make(map[string]*KernelNode),
		logger:      logger,
	}
}

// AddNode registers a node. The node's environment must match the
// cluster's and ids are unique within a cluster.
func (c *EnvironmentCluster) AddNode(node *KernelNode) error {
	if node == nil {
		return fmt.Errorf("nil node")
	}
	if node.Environment != c.Environment {
		return fmt.Errorf("node %s is %s, cluster is %s", node.NodeID, node.Environment, c.Environment)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[node.NodeID]; ok {
		return fmt.Errorf("node %s already registered", node.NodeID)
	}
	c.nodes[node.NodeID] = node
	c.order = append(c.order, node.NodeID)
	c.logger.Info("node added to cluster", "node_id", node.NodeID, "environment", c.Environment)
	return nil
}

// RemoveNode drops a node from the cluster.
func (c *EnvironmentCluster) RemoveNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[nodeID]; !ok {
		return fmt.Errorf("node %s not in cluster", nodeID)
	}
	delete(c.nodes, nodeID)
	for i, id := range c.order {
		if id == nodeID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Node returns a node by id.
func (c *EnvironmentCluster) Node(nodeID string) (*KernelNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[nodeID]
	return n, ok
}

// Nodes returns the cluster's nodes in registration order.
func (c *EnvironmentCluster) Nodes() []*KernelNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*KernelNode, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.nodes[id])
	}
	return out
}

// NodeIDs returns the cluster's node ids in registration order.
func (c *EnvironmentCluster) NodeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Size returns the number of nodes.
func (c *EnvironmentCluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Health polls node states and aggregates them.
func (c *EnvironmentCluster) Health() ClusterHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := ClusterHealth{TotalNodes: len(c.nodes)}
	for _, n := range c.nodes {
		switch n.State() {
		case NodeHealthy, NodeIdle:
			h.HealthyNodes++
		default:
			h.UnhealthyNodes++
		}
	}
	return h
}
