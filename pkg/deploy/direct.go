package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/freitascorp/modswap/pkg/cluster"
)

// DirectStrategy deploys to every node in parallel with no smoke test
// and no stabilization. All nodes must succeed.
type DirectStrategy struct {
	deps StrategyDeps
}

func (s *DirectStrategy) Name() string { return StrategyDirect }

func (s *DirectStrategy) Execute(ctx context.Context, req DeploymentRequest, c *cluster.EnvironmentCluster) DeploymentResult {
	start := time.Now()
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return failure(StrategyDirect, req.Environment, start, "No nodes available", nil)
	}

	s.deps.Logger.Info("direct deploy starting",
		"module", req.Module.String(),
		"environment", req.Environment,
		"nodes", len(nodes))

	results := deployParallel(ctx, req.Module, nodes)
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return failure(StrategyDirect, req.Environment, start,
			fmt.Sprintf("Direct deployment failed on %d node(s)", failed), results)
	}
	return success(StrategyDirect, req.Environment, start,
		fmt.Sprintf("Successfully deployed to %d node(s) using direct strategy", len(nodes)), results)
}
