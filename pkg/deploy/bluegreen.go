package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/freitascorp/modswap/pkg/cluster"
)

// BlueGreenStrategy deploys the new version to the full node set (the
// green environment) in parallel, gates on stabilization and smoke
// tests, and only then switches traffic. Any gate failure leaves green
// running but keeps traffic on blue.
type BlueGreenStrategy struct {
	deps StrategyDeps
}

func (s *BlueGreenStrategy) Name() string { return StrategyBlueGreen }

func (s *BlueGreenStrategy) Execute(ctx context.Context, req DeploymentRequest, c *cluster.EnvironmentCluster) DeploymentResult {
	start := time.Now()
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return failure(StrategyBlueGreen, req.Environment, start, "No nodes available", nil)
	}

	s.deps.Logger.Info("blue-green deploy starting",
		"module", req.Module.String(),
		"environment", req.Environment,
		"nodes", len(nodes))

	// Baseline must predate the deploy for the delta comparison to
	// mean anything.
	var baseline cluster.ClusterMetrics
	if req.Stabilization != nil {
		baseline = snapshotBaseline(ctx, s.deps.Metrics, req.Environment, s.deps.Logger)
	}

	results := deployParallel(ctx, req.Module, nodes)
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return failure(StrategyBlueGreen, req.Environment, start,
			fmt.Sprintf("Deployment to green environment failed: %d node(s)", failed), results)
	}

	if req.Stabilization != nil {
		stabRes, err := s.deps.Stabilizer.WaitForStabilization(ctx, c.NodeIDs(), baseline, *req.Stabilization)
		if err != nil || !stabRes.IsStable {
			return failure(StrategyBlueGreen, req.Environment, start,
				fmt.Sprintf("Green environment did not stabilize within %s. Not switching traffic",
					req.Stabilization.MaximumWaitTime), results)
		}
	}

	if !smokeTest(ctx, nodes, req.SmokeTestTimeout) {
		return failure(StrategyBlueGreen, req.Environment, start,
			"Smoke tests failed. Traffic remains on blue environment", results)
	}

	return success(StrategyBlueGreen, req.Environment, start,
		fmt.Sprintf("Successfully deployed to %d node(s) using blue-green strategy", len(nodes)), results)
}
