package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freitascorp/modswap/pkg/cluster"
	"github.com/freitascorp/modswap/pkg/observability"
	"github.com/freitascorp/modswap/pkg/stabilize"
)

// recordingSink captures pipeline events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) PipelineEvent(executionID, stage string, status PipelineStatus, message string) {
	s.mu.Lock()
	s.events = append(s.events, stage)
	s.mu.Unlock()
}

func (s *recordingSink) seen(stage string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == stage {
			return true
		}
	}
	return false
}

type pipelineFixture struct {
	orchestrator *Orchestrator
	cluster      *cluster.EnvironmentCluster
	tracker      *MemoryTracker
	sink         *recordingSink
}

func newPipelineFixture(t *testing.T, nodes int, opts OrchestratorOptions) *pipelineFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := deployCluster(t, cluster.Staging, nodes)
	provider := steadyProvider()
	tracker := NewMemoryTracker()
	sink := &recordingSink{}

	o := NewOrchestrator(
		map[cluster.Environment]*cluster.EnvironmentCluster{cluster.Staging: c},
		stabilize.NewService(provider, logger),
		provider,
		tracker,
		observability.NewMetrics(),
		logger,
		opts,
	)
	o.SetEventSink(sink)
	return &pipelineFixture{orchestrator: o, cluster: c, tracker: tracker, sink: sink}
}

// seed deploys a baseline version so every node has rollback history.
func (f *pipelineFixture) seed(t *testing.T) {
	t.Helper()
	for _, n := range f.cluster.Nodes() {
		if res := n.Deploy(context.Background(), cluster.Module{Name: "auth", Version: "1.0.0"}); !res.Success {
			t.Fatalf("seed deploy: %s", res.Message)
		}
	}
}

func waitForStatus(t *testing.T, tracker Tracker, executionID string, want PipelineStatus) *PipelineExecutionState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := tracker.GetPipelineState(context.Background(), executionID)
		if err == nil && state.Status == want {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := tracker.GetPipelineState(context.Background(), executionID)
	t.Fatalf("execution %s never reached %s, last state %+v", executionID, want, state)
	return nil
}

func stageNames(state *PipelineExecutionState) []string {
	out := make([]string, 0, len(state.Stages))
	for _, s := range state.Stages {
		out = append(out, s.Stage)
	}
	return out
}

func TestPipeline_FullSuccess(t *testing.T) {
	f := newPipelineFixture(t, 4, OrchestratorOptions{})

	req := baseRequest(StrategyRolling)
	state, err := f.orchestrator.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != PipelineSucceeded {
		t.Fatalf("status = %s, stages %v", state.Status, stageNames(state))
	}

	want := []string{StageValidate, StageApprovalGate, StagePreDeployHealth, StageDeploy, StageStabilize, StageVerify, StageCommit}
	got := stageNames(state)
	if len(got) != len(want) {
		t.Fatalf("stages = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if state.Result == nil || state.Result.NodesDeployed() != 4 {
		t.Errorf("result = %+v", state.Result)
	}
	if !f.sink.seen(StageCommit) {
		t.Error("commit event not emitted")
	}

	deployStage := state.Stages[3]
	if deployStage.NodesDeployed != 4 || deployStage.Strategy != StrategyRolling {
		t.Errorf("deploy stage = %+v", deployStage)
	}
}

func TestPipeline_InvalidRequestFailsAtValidate(t *testing.T) {
	f := newPipelineFixture(t, 2, OrchestratorOptions{})

	req := baseRequest(StrategyRolling)
	req.Module.Version = "not-semver"

	state, err := f.orchestrator.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != PipelineFailed {
		t.Fatalf("status = %s", state.Status)
	}
	if len(state.Stages) != 1 || state.Stages[0].Stage != StageValidate || state.Stages[0].Success {
		t.Errorf("stages = %+v", state.Stages)
	}
}

func TestPipeline_ApprovalApproved(t *testing.T) {
	f := newPipelineFixture(t, 2, OrchestratorOptions{})

	req := baseRequest(StrategyDirect)
	req.RequireApproval = true

	id, err := f.orchestrator.StartExecution(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForStatus(t, f.tracker, id, PipelinePendingApproval)
	if err := f.orchestrator.Approve(id, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	state := waitForStatus(t, f.tracker, id, PipelineSucceeded)
	for _, s := range state.Stages {
		if s.Stage == StageApprovalGate {
			if !s.Success || !strings.Contains(s.Message, "approved by alice") {
				t.Errorf("gate stage = %+v", s)
			}
			return
		}
	}
	t.Error("approval gate stage missing")
}

func TestPipeline_ApprovalRejectedCancels(t *testing.T) {
	f := newPipelineFixture(t, 2, OrchestratorOptions{})

	req := baseRequest(StrategyDirect)
	req.RequireApproval = true

	id, _ := f.orchestrator.StartExecution(context.Background(), req)
	waitForStatus(t, f.tracker, id, PipelinePendingApproval)

	if err := f.orchestrator.Reject(id, "bob", "not during the freeze"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	state := waitForStatus(t, f.tracker, id, PipelineCancelled)
	// No node was touched.
	for _, n := range f.cluster.Nodes() {
		if n.CurrentModule() != nil {
			t.Errorf("node %s deployed despite rejection", n.NodeID)
		}
	}
	last := state.Stages[len(state.Stages)-1]
	if last.Stage != StageApprovalGate || !strings.Contains(last.Message, "rejected by bob") {
		t.Errorf("last stage = %+v", last)
	}
}

func TestPipeline_ApprovalTimeout(t *testing.T) {
	f := newPipelineFixture(t, 2, OrchestratorOptions{ApprovalTimeout: 30 * time.Millisecond})

	req := baseRequest(StrategyDirect)
	req.RequireApproval = true

	id, _ := f.orchestrator.StartExecution(context.Background(), req)
	state := waitForStatus(t, f.tracker, id, PipelineFailed)

	last := state.Stages[len(state.Stages)-1]
	if last.Stage != StageApprovalGate || !strings.Contains(last.Message, "no approval within") {
		t.Errorf("last stage = %+v", last)
	}

	// The gate is gone once the pipeline finishes.
	if err := f.orchestrator.Approve(id, "alice"); err == nil {
		t.Error("approve succeeded after timeout")
	}
}

func TestPipeline_FailedDeployRollsBack(t *testing.T) {
	f := newPipelineFixture(t, 3, OrchestratorOptions{})
	f.seed(t)
	// First node comes up unhealthy, tripping rolling's zero threshold.
	f.cluster.Nodes()[0].SetFailureMode(cluster.FailureMode{SimulateUnhealthy: true})

	req := baseRequest(StrategyRolling)
	req.BatchSize = 1

	state, err := f.orchestrator.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != PipelineRolledBack {
		t.Fatalf("status = %s, stages %v", state.Status, stageNames(state))
	}

	last := state.Stages[len(state.Stages)-1]
	if last.Stage != StageRollback || !last.Success {
		t.Errorf("rollback stage = %+v", last)
	}

	// The unhealthy node is back on its previous version; untouched
	// nodes keep the seeded one.
	for _, n := range f.cluster.Nodes() {
		if m := n.CurrentModule(); m == nil || m.Version != "1.0.0" {
			t.Errorf("node %s module = %v", n.NodeID, m)
		}
	}
}

func TestPipeline_TerminalStatusIsMonotonic(t *testing.T) {
	f := newPipelineFixture(t, 2, OrchestratorOptions{})

	state, err := f.orchestrator.Execute(context.Background(), baseRequest(StrategyDirect))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != PipelineSucceeded {
		t.Fatalf("status = %s", state.Status)
	}

	terminal := 0
	for _, s := range []PipelineStatus{PipelineSucceeded, PipelineFailed, PipelineRolledBack, PipelineCancelled} {
		if state.Status == s {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal statuses = %d", terminal)
	}
}

func TestPipeline_ManualRollbackKeepsTerminalStatus(t *testing.T) {
	f := newPipelineFixture(t, 2, OrchestratorOptions{})
	f.seed(t)

	state, err := f.orchestrator.Execute(context.Background(), baseRequest(StrategyDirect))
	if err != nil || state.Status != PipelineSucceeded {
		t.Fatalf("execute: %v, status %s", err, state.Status)
	}

	rolled, err := f.orchestrator.RollbackExecution(context.Background(), state.ExecutionID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	// The status stays succeeded; the rollback shows as an extra stage.
	if rolled.Status != PipelineSucceeded {
		t.Errorf("status = %s", rolled.Status)
	}
	last := rolled.Stages[len(rolled.Stages)-1]
	if last.Stage != StageRollback || !last.Success {
		t.Errorf("rollback stage = %+v", last)
	}
	for _, n := range f.cluster.Nodes() {
		if m := n.CurrentModule(); m == nil || m.Version != "1.0.0" {
			t.Errorf("node %s module = %v", n.NodeID, m)
		}
	}

	if _, err := f.orchestrator.RollbackExecution(context.Background(), "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("unknown execution: %v", err)
	}
}

func TestPipeline_StabilizeStageGatesNonGatingStrategies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := deployCluster(t, cluster.Staging, 2)
	provider := spikedProvider()
	tracker := NewMemoryTracker()

	o := NewOrchestrator(
		map[cluster.Environment]*cluster.EnvironmentCluster{cluster.Staging: c},
		stabilize.NewService(provider, logger),
		provider,
		tracker,
		observability.NewMetrics(),
		logger,
		OrchestratorOptions{},
	)
	for _, n := range c.Nodes() {
		n.Deploy(context.Background(), cluster.Module{Name: "auth", Version: "1.0.0"})
	}

	req := baseRequest(StrategyDirect)
	req.Stabilization = fastStabilization()

	state, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != PipelineRolledBack {
		t.Fatalf("status = %s, stages %v", state.Status, stageNames(state))
	}
	for _, s := range state.Stages {
		if s.Stage == StageStabilize {
			if s.Success || !strings.Contains(s.Message, "did not stabilize") {
				t.Errorf("stabilize stage = %+v", s)
			}
			return
		}
	}
	t.Error("stabilize stage missing")
}
