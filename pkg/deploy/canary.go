package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/freitascorp/modswap/pkg/cluster"
)

const defaultCanarySoak = 30 * time.Second

// CanaryStrategy deploys to one node first, soaks, verifies it, and
// only then promotes the rest via the rolling strategy. An unhealthy
// canary fails the deployment without touching other nodes.
type CanaryStrategy struct {
	deps StrategyDeps
}

func (s *CanaryStrategy) Name() string { return StrategyCanary }

func (s *CanaryStrategy) Execute(ctx context.Context, req DeploymentRequest, c *cluster.EnvironmentCluster) DeploymentResult {
	start := time.Now()
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return failure(StrategyCanary, req.Environment, start, "No nodes available", nil)
	}

	canary := nodes[0]
	s.deps.Logger.Info("canary deploy starting",
		"module", req.Module.String(),
		"environment", req.Environment,
		"canary_node", canary.NodeID)

	var baseline cluster.ClusterMetrics
	if req.Stabilization != nil {
		baseline = snapshotBaseline(ctx, s.deps.Metrics, req.Environment, s.deps.Logger)
	}

	canaryRes := canary.Deploy(ctx, req.Module)
	results := []cluster.NodeDeploymentResult{canaryRes}
	if !canaryRes.Success {
		return failure(StrategyCanary, req.Environment, start,
			fmt.Sprintf("Canary deployment to node %s failed: %s", canary.NodeID, canaryRes.Message), results)
	}

	soak := req.CanarySoakTime
	if soak <= 0 {
		soak = defaultCanarySoak
	}

	if req.Stabilization != nil {
		stabRes, err := s.deps.Stabilizer.WaitForStabilization(ctx, []string{canary.NodeID}, baseline, *req.Stabilization)
		if err != nil || !stabRes.IsStable {
			return failure(StrategyCanary, req.Environment, start,
				"Canary node did not stabilize. Not promoting", results)
		}
	} else {
		select {
		case <-ctx.Done():
			return failure(StrategyCanary, req.Environment, start, "Canary soak cancelled", results)
		case <-time.After(soak):
		}
	}

	if !canary.ProbeHealth(ctx) {
		return failure(StrategyCanary, req.Environment, start,
			fmt.Sprintf("Canary node %s unhealthy after soak. Not promoting", canary.NodeID), results)
	}

	// Promote the remainder with rolling semantics.
	rest := nodes[1:]
	if len(rest) > 0 {
		promoteCluster := cluster.NewEnvironmentCluster(c.Environment, s.deps.Logger)
		for _, n := range rest {
			if err := promoteCluster.AddNode(n); err != nil {
				return failure(StrategyCanary, req.Environment, start,
					fmt.Sprintf("Promotion setup failed: %v", err), results)
			}
		}
		promoteReq := req
		promoteReq.Stabilization = nil
		rolling := &RollingStrategy{deps: s.deps}
		rollRes := rolling.Execute(ctx, promoteReq, promoteCluster)
		results = append(results, rollRes.NodeResults...)
		if !rollRes.Success {
			return failure(StrategyCanary, req.Environment, start,
				fmt.Sprintf("Canary promotion failed: %s", rollRes.Message), results)
		}
	}

	return success(StrategyCanary, req.Environment, start,
		fmt.Sprintf("Successfully deployed to %d node(s) using canary strategy", len(results)), results)
}
