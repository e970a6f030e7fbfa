package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/freitascorp/modswap/pkg/cluster"
)

// RollingStrategy deploys in batches, health-checking after each batch
// and aborting once unhealthy nodes exceed the failure threshold.
// Already-deployed nodes are left in place; regression is the
// pipeline rollback stage's job.
type RollingStrategy struct {
	deps StrategyDeps
}

func (s *RollingStrategy) Name() string { return StrategyRolling }

func (s *RollingStrategy) Execute(ctx context.Context, req DeploymentRequest, c *cluster.EnvironmentCluster) DeploymentResult {
	start := time.Now()
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return failure(StrategyRolling, req.Environment, start, "No nodes available", nil)
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		// Default to quarters, rounded up.
		batchSize = (len(nodes) + 3) / 4
		if batchSize < 1 {
			batchSize = 1
		}
	}
	threshold := req.FailureThreshold

	s.deps.Logger.Info("rolling deploy starting",
		"module", req.Module.String(),
		"environment", req.Environment,
		"nodes", len(nodes),
		"batch_size", batchSize,
		"failure_threshold", threshold)

	var results []cluster.NodeDeploymentResult
	var deployed []*cluster.KernelNode
	aborted := false

	for i := 0; i < len(nodes); i += batchSize {
		end := i + batchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[i:end]

		if err := ctx.Err(); err != nil {
			aborted = true
			break
		}

		results = append(results, deployParallel(ctx, req.Module, batch)...)
		deployed = append(deployed, batch...)

		unhealthy := 0
		for _, n := range deployed {
			if !n.ProbeHealth(ctx) {
				unhealthy++
			}
		}
		if unhealthy > threshold {
			s.deps.Logger.Warn("rolling deploy aborting",
				"unhealthy", unhealthy, "threshold", threshold,
				"deployed", len(deployed))
			aborted = true
			break
		}
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	if aborted || failed > 0 {
		return failure(StrategyRolling, req.Environment, start,
			fmt.Sprintf("Rolling deployment stopped: %d node(s) deployed, %d failed",
				len(results)-failed, failed), results)
	}
	return success(StrategyRolling, req.Environment, start,
		fmt.Sprintf("Successfully deployed to %d node(s) using rolling strategy", len(results)), results)
}
