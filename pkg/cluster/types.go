// Package cluster provides the per-environment node fleet that modswap
// deploys modules onto.
//
// A KernelNode is the smallest deployment target: it loads exactly one
// module version at a time and tracks its own deployment history. An
// EnvironmentCluster owns the nodes of one environment and aggregates
// their health. Resource metrics come from an injected MetricsProvider.
package cluster

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Environment is a deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// ParseEnvironment validates an environment name.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case Development, Staging, Production:
		return Environment(s), nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

// NodeState is the operational state of a kernel node.
type NodeState string

const (
	NodeIdle      NodeState = "idle"
	NodeDeploying NodeState = "deploying"
	NodeHealthy   NodeState = "healthy"
	NodeUnhealthy NodeState = "unhealthy"
	NodeFailed    NodeState = "failed"
)

// semverRe matches major.minor.patch version strings.
var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Module is an immutable, versioned software module.
type Module struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"` // major.minor.patch
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the module's name and version format.
func (m Module) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("module name is required")
	}
	if !semverRe.MatchString(m.Version) {
		return fmt.Errorf("module version %q is not major.minor.patch", m.Version)
	}
	return nil
}

// String returns "name@version".
func (m Module) String() string {
	return m.Name + "@" + m.Version
}

// NodeDeploymentResult is the outcome of one module deployment on one
// node.
type NodeDeploymentResult struct {
	NodeID   string        `json:"node_id"`
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DeploymentRecord is one entry in a node's deployment history.
type DeploymentRecord struct {
	Module     Module    `json:"module"`
	DeployedAt time.Time `json:"deployed_at"`
	Success    bool      `json:"success"`
}

// ClusterHealth aggregates node states for one environment.
type ClusterHealth struct {
	TotalNodes     int `json:"total_nodes"`
	HealthyNodes   int `json:"healthy_nodes"`
	UnhealthyNodes int `json:"unhealthy_nodes"`
}

// NodeMetrics is a point-in-time resource snapshot for one node.
type NodeMetrics struct {
	NodeID       string    `json:"node_id"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemPercent   float64   `json:"mem_percent"`
	LatencyMs    float64   `json:"latency_ms"`
	ErrorRate    float64   `json:"error_rate"`
	CollectedAt  time.Time `json:"collected_at"`
}

// ClusterMetrics is the aggregate resource snapshot for a node set.
type ClusterMetrics struct {
	AvgCPUPercent float64   `json:"avg_cpu_percent"`
	AvgMemPercent float64   `json:"avg_mem_percent"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	NodeCount     int       `json:"node_count"`
	CollectedAt   time.Time `json:"collected_at"`
}

// MetricsProvider supplies per-node and per-cluster resource
// snapshots. Implementations are external collaborators (agent
// scrapers, Prometheus federation); SimulatedMetricsProvider backs
// dev and test.
type MetricsProvider interface {
	GetClusterMetrics(ctx context.Context, env Environment) (ClusterMetrics, error)
	GetNodesMetrics(ctx context.Context, nodeIDs []string) ([]NodeMetrics, error)
}

// Aggregate folds node metrics into a cluster snapshot.
func Aggregate(nodes []NodeMetrics) ClusterMetrics {
	agg := ClusterMetrics{NodeCount: len(nodes), CollectedAt: time.Now().UTC()}
	if len(nodes) == 0 {
		return agg
	}
	for _, n := range nodes {
		agg.AvgCPUPercent += n.CPUPercent
		agg.AvgMemPercent += n.MemPercent
		agg.AvgLatencyMs += n.LatencyMs
	}
	f := float64(len(nodes))
	agg.AvgCPUPercent /= f
	agg.AvgMemPercent /= f
	agg.AvgLatencyMs /= f
	return agg
}
