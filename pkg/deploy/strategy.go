package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freitascorp/modswap/pkg/cluster"
	"github.com/freitascorp/modswap/pkg/stabilize"
)

// StrategyDeps are the collaborators every strategy shares.
type StrategyDeps struct {
	Stabilizer *stabilize.Service
	Metrics    cluster.MetricsProvider
	Logger     *slog.Logger
}

// NewStrategy resolves a strategy by name.
func NewStrategy(name string, deps StrategyDeps) (Strategy, error) {
	switch name {
	case StrategyBlueGreen:
		return &BlueGreenStrategy{deps: deps}, nil
	case StrategyRolling:
		return &RollingStrategy{deps: deps}, nil
	case StrategyCanary:
		return &CanaryStrategy{deps: deps}, nil
	case StrategyDirect:
		return &DirectStrategy{deps: deps}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// ------------------------------------------------------------------
// Shared helpers
// ------------------------------------------------------------------

// deployParallel deploys the module to every node concurrently and
// returns results in node order.
func deployParallel(ctx context.Context, module cluster.Module, nodes []*cluster.KernelNode) []cluster.NodeDeploymentResult {
	results := make([]cluster.NodeDeploymentResult, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *cluster.KernelNode) {
			defer wg.Done()
			results[i] = n.Deploy(ctx, module)
		}(i, n)
	}
	wg.Wait()
	return results
}

// smokeTest probes node health until all pass or the timeout elapses.
// Unhealthy nodes are re-probed each second; a node that never turns
// healthy fails the test.
func smokeTest(ctx context.Context, nodes []*cluster.KernelNode, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	pending := append([]*cluster.KernelNode(nil), nodes...)
	for {
		var still []*cluster.KernelNode
		for _, n := range pending {
			if !n.ProbeHealth(ctx) {
				still = append(still, n)
			}
		}
		if len(still) == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
		pending = still
	}
}

// snapshotBaseline samples cluster metrics before a deploy. A metrics
// failure yields a zero baseline, which the stabilizer treats as
// always-within-delta.
func snapshotBaseline(ctx context.Context, provider cluster.MetricsProvider, env cluster.Environment, logger *slog.Logger) cluster.ClusterMetrics {
	if provider == nil {
		return cluster.ClusterMetrics{}
	}
	baseline, err := provider.GetClusterMetrics(ctx, env)
	if err != nil {
		logger.Warn("baseline metrics unavailable", "error", err)
		return cluster.ClusterMetrics{}
	}
	return baseline
}

func failure(strategy string, env cluster.Environment, start time.Time, msg string, results []cluster.NodeDeploymentResult) DeploymentResult {
	return DeploymentResult{
		Success:     false,
		Strategy:    strategy,
		Environment: env,
		Message:     msg,
		NodeResults: results,
		StartTime:   start,
		EndTime:     time.Now(),
	}
}

func success(strategy string, env cluster.Environment, start time.Time, msg string, results []cluster.NodeDeploymentResult) DeploymentResult {
	return DeploymentResult{
		Success:     true,
		Strategy:    strategy,
		Environment: env,
		Message:     msg,
		NodeResults: results,
		StartTime:   start,
		EndTime:     time.Now(),
	}
}
