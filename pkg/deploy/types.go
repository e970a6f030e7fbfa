// Package deploy rolls versioned modules across environment clusters.
// It provides four strategies (blue-green, rolling, canary, direct)
// and a staged pipeline orchestrator with approval gating, resource
// stabilization, verification and rollback.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/freitascorp/modswap/pkg/cluster"
	"github.com/freitascorp/modswap/pkg/stabilize"
)

// ------------------------------------------------------------------
// Strategy names
// ------------------------------------------------------------------

const (
	StrategyBlueGreen = "bluegreen"
	StrategyRolling   = "rolling"
	StrategyCanary    = "canary"
	StrategyDirect    = "direct"
)

// ------------------------------------------------------------------
// Requests and results
// ------------------------------------------------------------------

// DeploymentRequest asks for a module rollout against one environment.
type DeploymentRequest struct {
	Module          cluster.Module      `json:"module"`
	Environment     cluster.Environment `json:"environment"`
	Strategy        string              `json:"strategy"`
	RequireApproval bool                `json:"require_approval"`
	RequestedBy     string              `json:"requested_by,omitempty"`

	// Strategy tuning. Zero values take strategy defaults.
	BatchSize        int           `json:"batch_size,omitempty"`
	FailureThreshold int           `json:"failure_threshold,omitempty"`
	CanarySoakTime   time.Duration `json:"canary_soak_time,omitempty"`
	SmokeTestTimeout time.Duration `json:"smoke_test_timeout,omitempty"`

	// Stabilization is optional. When nil the strategy skips the
	// quiescence gate and the pipeline's Stabilize stage is a no-op.
	Stabilization *stabilize.Config `json:"stabilization,omitempty"`
}

// Validate rejects requests the pipeline cannot act on.
func (r DeploymentRequest) Validate() error {
	if err := r.Module.Validate(); err != nil {
		return err
	}
	if _, err := cluster.ParseEnvironment(string(r.Environment)); err != nil {
		return err
	}
	switch r.Strategy {
	case StrategyBlueGreen, StrategyRolling, StrategyCanary, StrategyDirect:
		return nil
	default:
		return fmt.Errorf("unknown strategy %q", r.Strategy)
	}
}

// DeploymentResult is the outcome of one strategy run.
type DeploymentResult struct {
	Success     bool                           `json:"success"`
	Strategy    string                         `json:"strategy"`
	Environment cluster.Environment            `json:"environment"`
	Message     string                         `json:"message"`
	NodeResults []cluster.NodeDeploymentResult `json:"node_results"`
	StartTime   time.Time                      `json:"start_time"`
	EndTime     time.Time                      `json:"end_time"`
}

// NodesDeployed counts successful node deploys.
func (r DeploymentResult) NodesDeployed() int {
	n := 0
	for _, nr := range r.NodeResults {
		if nr.Success {
			n++
		}
	}
	return n
}

// NodesFailed counts failed node deploys.
func (r DeploymentResult) NodesFailed() int {
	n := 0
	for _, nr := range r.NodeResults {
		if !nr.Success {
			n++
		}
	}
	return n
}

// Strategy drives one rollout across a cluster. Implementations do not
// mutate the request.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, req DeploymentRequest, c *cluster.EnvironmentCluster) DeploymentResult
}
