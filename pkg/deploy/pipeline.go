package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freitascorp/modswap/pkg/cluster"
	"github.com/freitascorp/modswap/pkg/observability"
	"github.com/freitascorp/modswap/pkg/stabilize"
)

// ------------------------------------------------------------------
// Pipeline state
// ------------------------------------------------------------------

// PipelineStatus is the lifecycle of one execution. Terminal statuses
// are monotonic: once set they never change.
type PipelineStatus string

const (
	PipelineRunning         PipelineStatus = "running"
	PipelinePendingApproval PipelineStatus = "pending_approval"
	PipelineSucceeded       PipelineStatus = "succeeded"
	PipelineFailed          PipelineStatus = "failed"
	PipelineRolledBack      PipelineStatus = "rolled_back"
	PipelineCancelled       PipelineStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineSucceeded, PipelineFailed, PipelineRolledBack, PipelineCancelled:
		return true
	}
	return false
}

// Stage names, in execution order.
const (
	StageValidate        = "validate"
	StageApprovalGate    = "approval_gate"
	StagePreDeployHealth = "pre_deploy_health"
	StageDeploy          = "deploy"
	StageStabilize       = "stabilize"
	StageVerify          = "verify"
	StageCommit          = "commit"
	StageRollback        = "rollback"
)

// PipelineStageResult records one stage of one execution.
type PipelineStageResult struct {
	Stage         string    `json:"stage"`
	Success       bool      `json:"success"`
	Message       string    `json:"message,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Strategy      string    `json:"strategy,omitempty"`
	NodesDeployed int       `json:"nodes_deployed,omitempty"`
	NodesFailed   int       `json:"nodes_failed,omitempty"`
}

// PipelineExecutionState is the tracked state of one execution.
type PipelineExecutionState struct {
	ExecutionID  string                `json:"execution_id"`
	Request      DeploymentRequest     `json:"request"`
	Status       PipelineStatus        `json:"status"`
	CurrentStage string                `json:"current_stage,omitempty"`
	Stages       []PipelineStageResult `json:"stages"`
	Result       *DeploymentResult     `json:"result,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// approvalSignal carries an operator's decision into a waiting gate.
type approvalSignal struct {
	approved bool
	actor    string
	reason   string
}

// ------------------------------------------------------------------
// Orchestrator
// ------------------------------------------------------------------

const defaultApprovalTimeout = 15 * time.Minute

// OrchestratorOptions tunes pipeline behaviour.
type OrchestratorOptions struct {
	ApprovalTimeout    time.Duration
	MinHealthyFraction float64 // Verify stage threshold, default 0.5
}

func (o OrchestratorOptions) withDefaults() OrchestratorOptions {
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = defaultApprovalTimeout
	}
	if o.MinHealthyFraction <= 0 {
		o.MinHealthyFraction = 0.5
	}
	return o
}

// EventSink receives lifecycle notifications from the orchestrator.
// The API layer fans these out to websocket clients and the
// coordination topic. A nil sink is ignored.
type EventSink interface {
	PipelineEvent(executionID, stage string, status PipelineStatus, message string)
}

// Orchestrator runs deployment pipelines end to end. One orchestrator
// serves many concurrent executions.
type Orchestrator struct {
	clusters   map[cluster.Environment]*cluster.EnvironmentCluster
	stabilizer *stabilize.Service
	provider   cluster.MetricsProvider
	tracker    Tracker
	metrics    *observability.Metrics
	logger     *slog.Logger
	opts       OrchestratorOptions
	events     EventSink

	mu        sync.Mutex
	approvals map[string]chan approvalSignal
}

func NewOrchestrator(
	clusters map[cluster.Environment]*cluster.EnvironmentCluster,
	stabilizer *stabilize.Service,
	provider cluster.MetricsProvider,
	tracker Tracker,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts OrchestratorOptions,
) *Orchestrator {
	return &Orchestrator{
		clusters:   clusters,
		stabilizer: stabilizer,
		provider:   provider,
		tracker:    tracker,
		metrics:    metrics,
		logger:     logger,
		opts:       opts.withDefaults(),
		approvals:  make(map[string]chan approvalSignal),
	}
}

// SetEventSink attaches a lifecycle event sink. Call before Execute.
func (o *Orchestrator) SetEventSink(sink EventSink) { o.events = sink }

// StartExecution launches a pipeline in the background and returns its
// execution id immediately.
func (o *Orchestrator) StartExecution(ctx context.Context, req DeploymentRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	executionID := uuid.New().String()
	state := &PipelineExecutionState{
		ExecutionID: executionID,
		Request:     req,
		Status:      PipelineRunning,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := o.tracker.SaveState(ctx, state); err != nil {
		return "", fmt.Errorf("save initial state: %w", err)
	}
	go o.run(context.WithoutCancel(ctx), state)
	return executionID, nil
}

// Execute runs a pipeline synchronously and returns its final state.
func (o *Orchestrator) Execute(ctx context.Context, req DeploymentRequest) (*PipelineExecutionState, error) {
	executionID := uuid.New().String()
	state := &PipelineExecutionState{
		ExecutionID: executionID,
		Request:     req,
		Status:      PipelineRunning,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := o.tracker.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("save initial state: %w", err)
	}
	o.run(ctx, state)
	return o.tracker.GetPipelineState(ctx, executionID)
}

// Approve signals the approval gate of a pending execution.
func (o *Orchestrator) Approve(executionID, approvedBy string) error {
	return o.signal(executionID, approvalSignal{approved: true, actor: approvedBy})
}

// RollbackExecution manually rolls back a finished execution by
// redeploying each touched node's previous module version. Running
// executions cannot be rolled back out from under the pipeline.
func (o *Orchestrator) RollbackExecution(ctx context.Context, executionID string) (*PipelineExecutionState, error) {
	state, err := o.tracker.GetPipelineState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !state.Status.IsTerminal() {
		return nil, fmt.Errorf("execution %s is still %s", executionID, state.Status)
	}
	if state.Result == nil {
		return nil, fmt.Errorf("execution %s has no deployment result to roll back", executionID)
	}
	c, ok := o.clusters[state.Request.Environment]
	if !ok {
		return nil, fmt.Errorf("no cluster for environment %s", state.Request.Environment)
	}

	start := time.Now()
	rolledBack := 0
	failed := 0
	for _, nr := range state.Result.NodeResults {
		n, found := c.Node(nr.NodeID)
		if !found {
			continue
		}
		prev := n.PreviousModule()
		if prev == nil {
			failed++
			continue
		}
		if res := n.Deploy(ctx, *prev); res.Success {
			rolledBack++
		} else {
			failed++
		}
	}

	ok = failed == 0
	msg := fmt.Sprintf("manually rolled back %d node(s)", rolledBack)
	if failed > 0 {
		msg = fmt.Sprintf("manual rollback incomplete: %d node(s) failed", failed)
	}
	// Terminal statuses are monotonic; the rollback is visible as an
	// extra stage record rather than a status change.
	state.Stages = append(state.Stages, PipelineStageResult{
		Stage: StageRollback, Success: ok, Message: msg,
		StartTime: start, EndTime: time.Now(),
	})
	state.UpdatedAt = time.Now()
	if err := o.tracker.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("save rollback state: %w", err)
	}
	o.metrics.RollbacksTotal.Inc()
	o.emit(state, StageRollback, msg)
	if !ok {
		return state, fmt.Errorf("%s", msg)
	}
	return state, nil
}

// Reject signals the approval gate of a pending execution.
func (o *Orchestrator) Reject(executionID, rejectedBy, reason string) error {
	return o.signal(executionID, approvalSignal{approved: false, actor: rejectedBy, reason: reason})
}

func (o *Orchestrator) signal(executionID string, sig approvalSignal) error {
	o.mu.Lock()
	ch, ok := o.approvals[executionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s is not awaiting approval", executionID)
	}
	select {
	case ch <- sig:
		return nil
	default:
		return fmt.Errorf("execution %s already received a decision", executionID)
	}
}

// ------------------------------------------------------------------
// Pipeline run
// ------------------------------------------------------------------

func (o *Orchestrator) run(ctx context.Context, state *PipelineExecutionState) {
	req := state.Request
	o.metrics.ActiveDeployments.Inc()
	defer o.metrics.ActiveDeployments.Dec()

	log := o.logger.With("execution_id", state.ExecutionID, "module", req.Module.String())
	log.Info("pipeline starting", "strategy", req.Strategy, "environment", req.Environment)

	// Validate
	if ok := o.stage(ctx, state, StageValidate, func() (bool, string) {
		if err := req.Validate(); err != nil {
			return false, err.Error()
		}
		return true, "request valid"
	}); !ok {
		o.finish(ctx, state, PipelineFailed, nil)
		return
	}

	// ApprovalGate
	if req.RequireApproval {
		if ok := o.approvalGate(ctx, state); !ok {
			return // approvalGate sets the terminal status itself
		}
	} else {
		o.recordStage(ctx, state, PipelineStageResult{
			Stage: StageApprovalGate, Success: true,
			Message:   "approval not required",
			StartTime: time.Now(), EndTime: time.Now(),
		})
	}

	c, ok := o.clusters[req.Environment]
	if !ok {
		o.recordStage(ctx, state, PipelineStageResult{
			Stage: StagePreDeployHealth, Success: false,
			Message:   fmt.Sprintf("no cluster for environment %s", req.Environment),
			StartTime: time.Now(), EndTime: time.Now(),
		})
		o.finish(ctx, state, PipelineFailed, nil)
		return
	}

	// PreDeployHealth
	if ok := o.stage(ctx, state, StagePreDeployHealth, func() (bool, string) {
		h := c.Health()
		if h.HealthyNodes < 1 {
			return false, fmt.Sprintf("no healthy nodes in %s (%d total)", req.Environment, h.TotalNodes)
		}
		return true, fmt.Sprintf("%d/%d nodes healthy", h.HealthyNodes, h.TotalNodes)
	}); !ok {
		o.finish(ctx, state, PipelineFailed, nil)
		return
	}

	// Baseline before any node changes, for the Stabilize stage.
	var baseline cluster.ClusterMetrics
	if req.Stabilization != nil {
		baseline = snapshotBaseline(ctx, o.provider, req.Environment, log)
	}

	// Deploy
	strategy, err := NewStrategy(req.Strategy, StrategyDeps{
		Stabilizer: o.stabilizer,
		Metrics:    o.provider,
		Logger:     log,
	})
	if err != nil {
		o.recordStage(ctx, state, PipelineStageResult{
			Stage: StageDeploy, Success: false, Message: err.Error(),
			StartTime: time.Now(), EndTime: time.Now(),
		})
		o.finish(ctx, state, PipelineFailed, nil)
		return
	}

	deployStart := time.Now()
	result := strategy.Execute(ctx, req, c)
	o.recordStage(ctx, state, PipelineStageResult{
		Stage:         StageDeploy,
		Success:       result.Success,
		Message:       result.Message,
		StartTime:     deployStart,
		EndTime:       result.EndTime,
		Strategy:      result.Strategy,
		NodesDeployed: result.NodesDeployed(),
		NodesFailed:   result.NodesFailed(),
	})
	o.metrics.NodesDeployed.Add(float64(result.NodesDeployed()))
	o.metrics.NodesFailed.Add(float64(result.NodesFailed()))

	if !result.Success {
		o.rollback(ctx, state, c, &result)
		return
	}

	// Stabilize: only when the strategy has not already gated on it.
	strategyStabilizes := req.Stabilization != nil &&
		(req.Strategy == StrategyBlueGreen || req.Strategy == StrategyCanary)
	if req.Stabilization != nil && !strategyStabilizes {
		stageStart := time.Now()
		stabRes, serr := o.stabilizer.WaitForStabilization(ctx, c.NodeIDs(), baseline, *req.Stabilization)
		o.metrics.StabilizationTime.Observe(time.Since(stageStart).Seconds())
		msg := fmt.Sprintf("stable after %d check(s)", stabRes.TotalChecks)
		okStab := serr == nil && stabRes.IsStable
		if !okStab {
			msg = "did not stabilize within the configured window"
			if serr != nil {
				msg = fmt.Sprintf("stabilization aborted: %v", serr)
			}
		}
		o.recordStage(ctx, state, PipelineStageResult{
			Stage: StageStabilize, Success: okStab, Message: msg,
			StartTime: stageStart, EndTime: time.Now(),
		})
		if !okStab {
			o.rollback(ctx, state, c, &result)
			return
		}
	} else {
		o.recordStage(ctx, state, PipelineStageResult{
			Stage: StageStabilize, Success: true,
			Message:   "skipped",
			StartTime: time.Now(), EndTime: time.Now(),
		})
	}

	// Verify
	if ok := o.stage(ctx, state, StageVerify, func() (bool, string) {
		h := c.Health()
		if h.TotalNodes == 0 {
			return false, "cluster is empty"
		}
		frac := float64(h.HealthyNodes) / float64(h.TotalNodes)
		if frac < o.opts.MinHealthyFraction {
			return false, fmt.Sprintf("only %d/%d nodes healthy", h.HealthyNodes, h.TotalNodes)
		}
		return true, fmt.Sprintf("%d/%d nodes healthy", h.HealthyNodes, h.TotalNodes)
	}); !ok {
		o.rollback(ctx, state, c, &result)
		return
	}

	// Commit
	o.recordStage(ctx, state, PipelineStageResult{
		Stage: StageCommit, Success: true,
		Message:   "deployment committed",
		StartTime: time.Now(), EndTime: time.Now(),
	})
	o.finish(ctx, state, PipelineSucceeded, &result)
	log.Info("pipeline succeeded", "nodes_deployed", result.NodesDeployed())
}

// approvalGate blocks until an operator decision or timeout. Returns
// true when the pipeline may continue.
func (o *Orchestrator) approvalGate(ctx context.Context, state *PipelineExecutionState) bool {
	ch := make(chan approvalSignal, 1)
	o.mu.Lock()
	o.approvals[state.ExecutionID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.approvals, state.ExecutionID)
		o.mu.Unlock()
	}()

	o.setStatus(ctx, state, PipelinePendingApproval)
	o.emit(state, StageApprovalGate, "awaiting approval")
	start := time.Now()

	select {
	case sig := <-ch:
		if sig.approved {
			o.setStatus(ctx, state, PipelineRunning)
			o.recordStage(ctx, state, PipelineStageResult{
				Stage: StageApprovalGate, Success: true,
				Message:   fmt.Sprintf("approved by %s", sig.actor),
				StartTime: start, EndTime: time.Now(),
			})
			return true
		}
		msg := fmt.Sprintf("rejected by %s", sig.actor)
		if sig.reason != "" {
			msg += ": " + sig.reason
		}
		o.recordStage(ctx, state, PipelineStageResult{
			Stage: StageApprovalGate, Success: false, Message: msg,
			StartTime: start, EndTime: time.Now(),
		})
		o.finish(ctx, state, PipelineCancelled, nil)
		return false
	case <-time.After(o.opts.ApprovalTimeout):
		o.recordStage(ctx, state, PipelineStageResult{
			Stage: StageApprovalGate, Success: false,
			Message:   fmt.Sprintf("no approval within %s", o.opts.ApprovalTimeout),
			StartTime: start, EndTime: time.Now(),
		})
		o.finish(ctx, state, PipelineFailed, nil)
		return false
	case <-ctx.Done():
		o.recordStage(ctx, state, PipelineStageResult{
			Stage: StageApprovalGate, Success: false, Message: "cancelled",
			StartTime: start, EndTime: time.Now(),
		})
		o.finish(ctx, state, PipelineCancelled, nil)
		return false
	}
}

// rollback redeploys each failed node's previous module version, then
// finishes the pipeline as RolledBack or Failed.
func (o *Orchestrator) rollback(ctx context.Context, state *PipelineExecutionState, c *cluster.EnvironmentCluster, result *DeploymentResult) {
	start := time.Now()
	log := o.logger.With("execution_id", state.ExecutionID)

	var targets []*cluster.KernelNode
	for _, nr := range result.NodeResults {
		n, ok := c.Node(nr.NodeID)
		if !ok {
			continue
		}
		if !nr.Success || !n.ProbeHealth(ctx) {
			targets = append(targets, n)
		}
	}

	rolledBack := 0
	failedRollback := 0
	for _, n := range targets {
		prev := n.PreviousModule()
		if prev == nil {
			log.Warn("no previous module to roll back to", "node_id", n.NodeID)
			failedRollback++
			continue
		}
		res := n.Deploy(ctx, *prev)
		if res.Success {
			rolledBack++
		} else {
			failedRollback++
		}
	}

	ok := failedRollback == 0 && len(targets) > 0
	msg := fmt.Sprintf("rolled back %d node(s)", rolledBack)
	if failedRollback > 0 {
		msg = fmt.Sprintf("rollback incomplete: %d node(s) failed to roll back", failedRollback)
	} else if len(targets) == 0 {
		msg = "no nodes required rollback"
		ok = true
	}
	o.recordStage(ctx, state, PipelineStageResult{
		Stage: StageRollback, Success: ok, Message: msg,
		StartTime: start, EndTime: time.Now(),
	})

	o.metrics.RollbacksTotal.Inc()
	if ok {
		o.finish(ctx, state, PipelineRolledBack, result)
	} else {
		o.finish(ctx, state, PipelineFailed, result)
	}
	log.Warn("pipeline rolled back", "rolled_back", rolledBack, "rollback_failures", failedRollback)
}

// ------------------------------------------------------------------
// Bookkeeping
// ------------------------------------------------------------------

// stage runs fn, records its result, and returns whether it passed.
func (o *Orchestrator) stage(ctx context.Context, state *PipelineExecutionState, name string, fn func() (bool, string)) bool {
	start := time.Now()
	ok, msg := fn()
	o.metrics.PipelineStageTime.WithLabelValues(name).Observe(time.Since(start).Seconds())
	o.recordStage(ctx, state, PipelineStageResult{
		Stage: name, Success: ok, Message: msg,
		StartTime: start, EndTime: time.Now(),
	})
	return ok
}

func (o *Orchestrator) recordStage(ctx context.Context, state *PipelineExecutionState, r PipelineStageResult) {
	state.Stages = append(state.Stages, r)
	state.CurrentStage = r.Stage
	state.UpdatedAt = time.Now()
	if err := o.tracker.SaveState(ctx, state); err != nil {
		o.logger.Error("tracker save failed", "execution_id", state.ExecutionID, "error", err)
	}
	o.emit(state, r.Stage, r.Message)
}

func (o *Orchestrator) setStatus(ctx context.Context, state *PipelineExecutionState, s PipelineStatus) {
	if state.Status.IsTerminal() {
		return
	}
	state.Status = s
	state.UpdatedAt = time.Now()
	if err := o.tracker.SaveState(ctx, state); err != nil {
		o.logger.Error("tracker save failed", "execution_id", state.ExecutionID, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, state *PipelineExecutionState, s PipelineStatus, result *DeploymentResult) {
	if state.Status.IsTerminal() {
		return
	}
	state.Status = s
	state.Result = result
	state.UpdatedAt = time.Now()
	if err := o.tracker.SaveState(ctx, state); err != nil {
		o.logger.Error("tracker save failed", "execution_id", state.ExecutionID, "error", err)
	}
	o.metrics.DeploymentsTotal.WithLabelValues(state.Request.Strategy, string(s)).Inc()
	o.emit(state, state.CurrentStage, string(s))
}

func (o *Orchestrator) emit(state *PipelineExecutionState, stage, message string) {
	if o.events == nil {
		return
	}
	o.events.PipelineEvent(state.ExecutionID, stage, state.Status, message)
}
