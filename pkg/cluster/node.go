package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FailureMode configures deterministic failure injection on a node,
// used by tests and chaos drills.
type FailureMode struct {
	SimulateDeploymentFailure bool `json:"simulate_deployment_failure"`
	SimulateUnhealthy         bool `json:"simulate_unhealthy"` // deploy succeeds, health probe then fails
	SimulateException         bool `json:"simulate_exception"`
}

// KernelNode is a single deployment target. Each node is exclusively
// owned by one EnvironmentCluster; external references hold the node
// id, never the node itself.
type KernelNode struct {
	NodeID      string      `json:"node_id"`
	Hostname    string      `json:"hostname"`
	Port        int         `json:"port"`
	Environment Environment `json:"environment"`

	mu            sync.RWMutex
	state         NodeState
	currentModule *Module
	history       []DeploymentRecord
	failureMode   FailureMode
	deployLatency time.Duration
	logger        *slog.Logger
}

// NewKernelNode creates an idle node.
func NewKernelNode(nodeID, hostname string, port int, env Environment, logger *slog.Logger) *KernelNode {
	return &KernelNode{
		NodeID:      nodeID,
		Hostname:    hostname,
		Port:        port,
		Environment: env,
		state:       NodeIdle,
		logger:      logger,
	}
}

// SetFailureMode configures failure injection for the next deploys.
func (n *KernelNode) SetFailureMode(fm FailureMode) {
	n.mu.Lock()
	n.failureMode = fm
	n.mu.Unlock()
}

// SetDeployLatency adds an artificial delay to each deploy, for
// cancellation and timeout tests.
func (n *KernelNode) SetDeployLatency(d time.Duration) {
	n.mu.Lock()
	n.deployLatency = d
	n.mu.Unlock()
}

// State returns the node's current state.
func (n *KernelNode) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetState overrides the node state. Used by health probes and tests.
func (n *KernelNode) SetState(s NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// CurrentModule returns the module currently loaded, if any.
func (n *KernelNode) CurrentModule() *Module {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.currentModule == nil {
		return nil
	}
	m := *n.currentModule
	return &m
}

// History returns a copy of the node's deployment history, oldest
// first.
func (n *KernelNode) History() []DeploymentRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]DeploymentRecord(nil), n.history...)
}

// PreviousModule returns the last successfully deployed module before
// the current one, for rollback.
func (n *KernelNode) PreviousModule() *Module {
	n.mu.RLock()
	defer n.mu.RUnlock()
	// Walk backwards past the current module's record.
	for i := len(n.history) - 2; i >= 0; i-- {
		if n.history[i].Success {
			m := n.history[i].Module
			return &m
		}
	}
	return nil
}

// Deploy loads a module version onto the node. On success the node
// becomes healthy, the module becomes current, and the history grows
// by one record. A failure leaves the node in the failed state.
func (n *KernelNode) Deploy(ctx context.Context, module Module) NodeDeploymentResult {
	start := time.Now()

	if err := module.Validate(); err != nil {
		return NodeDeploymentResult{
			NodeID:   n.NodeID,
			Success:  false,
			Message:  err.Error(),
			Duration: time.Since(start),
		}
	}

	n.mu.Lock()
	n.state = NodeDeploying
	fm := n.failureMode
	latency := n.deployLatency
	n.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			n.SetState(NodeFailed)
			return NodeDeploymentResult{
				NodeID:   n.NodeID,
				Success:  false,
				Message:  fmt.Sprintf("deploy cancelled: %v", ctx.Err()),
				Duration: time.Since(start),
			}
		case <-time.After(latency):
		}
	}
	if err := ctx.Err(); err != nil {
		n.SetState(NodeFailed)
		return NodeDeploymentResult{
			NodeID:   n.NodeID,
			Success:  false,
			Message:  fmt.Sprintf("deploy cancelled: %v", err),
			Duration: time.Since(start),
		}
	}

	if fm.SimulateException {
		n.recordDeploy(module, false, NodeFailed)
		return NodeDeploymentResult{
			NodeID:   n.NodeID,
			Success:  false,
			Message:  fmt.Sprintf("deploy %s: simulated exception: module loader panic", module),
			Duration: time.Since(start),
		}
	}
	if fm.SimulateDeploymentFailure {
		n.recordDeploy(module, false, NodeFailed)
		return NodeDeploymentResult{
			NodeID:   n.NodeID,
			Success:  false,
			Message:  fmt.Sprintf("deploy %s failed", module),
			Duration: time.Since(start),
		}
	}

	endState := NodeHealthy
	if fm.SimulateUnhealthy {
		endState = NodeUnhealthy
	}
	n.recordDeploy(module, true, endState)

	n.logger.Info("module deployed",
		"node_id", n.NodeID,
		"module", module.String(),
		"state", endState,
	)
	return NodeDeploymentResult{
		NodeID:   n.NodeID,
		Success:  true,
		Message:  fmt.Sprintf("deployed %s", module),
		Duration: time.Since(start),
	}
}

func (n *KernelNode) recordDeploy(module Module, success bool, endState NodeState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = endState
	if success {
		m := module
		n.currentModule = &m
	}
	n.history = append(n.history, DeploymentRecord{
		Module:     module,
		DeployedAt: time.Now().UTC(),
		Success:    success,
	})
}

// ProbeHealth reports whether the node currently answers its health
// check. Simulated-unhealthy nodes deploy fine but probe unhealthy.
func (n *KernelNode) ProbeHealth(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == NodeHealthy || n.state == NodeIdle
}
