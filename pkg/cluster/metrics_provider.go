package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SimulatedMetricsProvider synthesizes node metrics around a baseline
// with bounded jitter. Tests steer it with SetBaseline and SetJitter
// to model warming-up or settled workloads.
type SimulatedMetricsProvider struct {
	mu       sync.Mutex
	baseline NodeMetrics
	jitter   float64 // fraction of the baseline applied as +/- noise
	rng      *rand.Rand
	clusters map[Environment]*EnvironmentCluster
}

// NewSimulatedMetricsProvider seeds a provider with a steady-state
// baseline: modest cpu and memory, sub-100ms latency.
func NewSimulatedMetricsProvider() *SimulatedMetricsProvider {
	return &SimulatedMetricsProvider{
		baseline: NodeMetrics{
			CPUPercent: 35.0,
			MemPercent: 50.0,
			LatencyMs:  80.0,
			ErrorRate:  0.001,
		},
		jitter:   0.02,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		clusters: make(map[Environment]*EnvironmentCluster),
	}
}

// RegisterCluster lets the provider resolve node ids for an environment.
func (p *SimulatedMetricsProvider) RegisterCluster(c *EnvironmentCluster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clusters[c.Environment] = c
}

// SetBaseline replaces the synthetic baseline for all nodes.
func (p *SimulatedMetricsProvider) SetBaseline(m NodeMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseline = m
}

// SetJitter sets the relative noise amplitude, e.g. 0.02 for +/-2%.
func (p *SimulatedMetricsProvider) SetJitter(j float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jitter = j
}

// GetNodesMetrics returns one synthesized sample per node id.
func (p *SimulatedMetricsProvider) GetNodesMetrics(ctx context.Context, nodeIDs []string) ([]NodeMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make([]NodeMetrics, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		out = append(out, NodeMetrics{
			NodeID:      id,
			CPUPercent:  p.perturb(p.baseline.CPUPercent),
			MemPercent:  p.perturb(p.baseline.MemPercent),
			LatencyMs:   p.perturb(p.baseline.LatencyMs),
			ErrorRate:   p.baseline.ErrorRate,
			CollectedAt: now,
		})
	}
	return out, nil
}

// GetClusterMetrics samples every node in the environment's registered
// cluster and averages.
func (p *SimulatedMetricsProvider) GetClusterMetrics(ctx context.Context, env Environment) (ClusterMetrics, error) {
	p.mu.Lock()
	c, ok := p.clusters[env]
	p.mu.Unlock()
	if !ok {
		return ClusterMetrics{CollectedAt: time.Now()}, nil
	}
	nodes, err := p.GetNodesMetrics(ctx, c.NodeIDs())
	if err != nil {
		return ClusterMetrics{}, err
	}
	return Aggregate(nodes), nil
}

// perturb applies +/- jitter around v. Callers hold p.mu.
func (p *SimulatedMetricsProvider) perturb(v float64) float64 {
	if p.jitter <= 0 {
		return v
	}
	noise := (p.rng.Float64()*2 - 1) * p.jitter * v
	out := v + noise
	if out < 0 {
		out = 0
	}
	return out
}
