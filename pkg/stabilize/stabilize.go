// Package stabilize gates deployments on post-deploy resource
// quiescence: metrics must stay within a configured delta of the
// pre-deploy baseline for a number of consecutive samples.
package stabilize

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/freitascorp/modswap/pkg/cluster"
)

// Config bounds the stabilization window. Deltas are percentages
// relative to the baseline, e.g. CPUDelta=10 tolerates +/-10%.
type Config struct {
	CPUDelta     float64       `json:"cpu_delta" yaml:"cpu_delta"`
	MemDelta     float64       `json:"mem_delta" yaml:"mem_delta"`
	LatencyDelta float64       `json:"latency_delta" yaml:"latency_delta"`

	PollingInterval         time.Duration `json:"polling_interval" yaml:"polling_interval"`
	ConsecutiveStableChecks int           `json:"consecutive_stable_checks" yaml:"consecutive_stable_checks"`
	MinimumWaitTime         time.Duration `json:"minimum_wait_time" yaml:"minimum_wait_time"`
	MaximumWaitTime         time.Duration `json:"maximum_wait_time" yaml:"maximum_wait_time"`
}

// DefaultConfig matches the production gating defaults: 10% deltas,
// 10s polls, 3 stable samples, 30s floor, 30m ceiling.
func DefaultConfig() Config {
	return Config{
		CPUDelta:                10,
		MemDelta:                10,
		LatencyDelta:            15,
		PollingInterval:         10 * time.Second,
		ConsecutiveStableChecks: 3,
		MinimumWaitTime:         30 * time.Second,
		MaximumWaitTime:         30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CPUDelta <= 0 {
		c.CPUDelta = d.CPUDelta
	}
	if c.MemDelta <= 0 {
		c.MemDelta = d.MemDelta
	}
	if c.LatencyDelta <= 0 {
		c.LatencyDelta = d.LatencyDelta
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.ConsecutiveStableChecks <= 0 {
		c.ConsecutiveStableChecks = d.ConsecutiveStableChecks
	}
	if c.MaximumWaitTime <= 0 {
		c.MaximumWaitTime = d.MaximumWaitTime
	}
	return c
}

// Result reports how the wait ended.
type Result struct {
	IsStable                bool          `json:"is_stable"`
	ElapsedTime             time.Duration `json:"elapsed_time"`
	ConsecutiveStableChecks int           `json:"consecutive_stable_checks"`
	TotalChecks             int           `json:"total_checks"`
	TimeoutReached          bool          `json:"timeout_reached"`
}

// Service polls a metrics provider until the node set settles.
type Service struct {
	provider cluster.MetricsProvider
	logger   *slog.Logger
}

func NewService(provider cluster.MetricsProvider, logger *slog.Logger) *Service {
	return &Service{provider: provider, logger: logger}
}

// WaitForStabilization polls nodeIDs until metrics stay within cfg's
// deltas of baseline for ConsecutiveStableChecks samples. The stable
// exit also requires MinimumWaitTime to have elapsed; MaximumWaitTime
// forces a timeout exit. An unstable sample resets the streak to zero.
func (s *Service) WaitForStabilization(ctx context.Context, nodeIDs []string, baseline cluster.ClusterMetrics, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	start := time.Now()
	streak := 0
	total := 0

	for {
		elapsed := time.Since(start)
		if elapsed >= cfg.MaximumWaitTime {
			s.logger.Warn("stabilization timed out",
				"elapsed", elapsed, "total_checks", total)
			return Result{
				ElapsedTime:             elapsed,
				ConsecutiveStableChecks: streak,
				TotalChecks:             total,
				TimeoutReached:          true,
			}, nil
		}

		nodes, err := s.provider.GetNodesMetrics(ctx, nodeIDs)
		if err != nil {
			if ctx.Err() != nil {
				return Result{ElapsedTime: time.Since(start), TotalChecks: total}, ctx.Err()
			}
			s.logger.Error("metrics fetch failed, counting as unstable", "error", err)
			streak = 0
		} else {
			current := cluster.Aggregate(nodes)
			total++
			if s.isStable(current, baseline, cfg) {
				streak++
			} else {
				streak = 0
			}
			s.logger.Debug("stabilization check",
				"streak", streak,
				"required", cfg.ConsecutiveStableChecks,
				"avg_cpu", current.AvgCPUPercent,
				"avg_latency_ms", current.AvgLatencyMs)
		}

		if streak >= cfg.ConsecutiveStableChecks && time.Since(start) >= cfg.MinimumWaitTime {
			elapsed := time.Since(start)
			s.logger.Info("stabilization reached",
				"elapsed", elapsed, "total_checks", total)
			return Result{
				IsStable:                true,
				ElapsedTime:             elapsed,
				ConsecutiveStableChecks: streak,
				TotalChecks:             total,
			}, nil
		}

		select {
		case <-ctx.Done():
			return Result{
				ElapsedTime:             time.Since(start),
				ConsecutiveStableChecks: streak,
				TotalChecks:             total,
			}, ctx.Err()
		case <-time.After(cfg.PollingInterval):
		}
	}
}

// isStable compares current against baseline per metric. A zero
// baseline value tolerates anything on that axis.
func (s *Service) isStable(current, baseline cluster.ClusterMetrics, cfg Config) bool {
	return withinDelta(current.AvgCPUPercent, baseline.AvgCPUPercent, cfg.CPUDelta) &&
		withinDelta(current.AvgMemPercent, baseline.AvgMemPercent, cfg.MemDelta) &&
		withinDelta(current.AvgLatencyMs, baseline.AvgLatencyMs, cfg.LatencyDelta)
}

func withinDelta(current, baseline, deltaPct float64) bool {
	if baseline == 0 {
		return true
	}
	return math.Abs(current-baseline)/baseline*100 <= deltaPct
}
