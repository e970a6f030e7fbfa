package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthStatus is the broker's tri-state (plus unknown) health signal.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Queue-depth thresholds for health classification.
const (
	healthDegradedDepth  = 500
	healthUnhealthyDepth = 1000
)

// HealthMonitor periodically samples queue depth and derives broker
// health: <500 healthy, 500..1000 degraded, >1000 unhealthy. Status is
// Unknown until the first successful sample.
type HealthMonitor struct {
	queue    Queue
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	status    HealthStatus
	lastDepth int
	lastCheck time.Time
	onChange  func(old, new HealthStatus)
}

// NewHealthMonitor creates a broker health monitor. interval defaults
// to 5s.
func NewHealthMonitor(queue Queue, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthMonitor{
		queue:    queue,
		interval: interval,
		logger:   logger,
		status:   HealthUnknown,
	}
}

// OnStatusChange registers a callback invoked on health transitions.
func (m *HealthMonitor) OnStatusChange(fn func(old, new HealthStatus)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Run samples until the context is cancelled. Sampling errors are
// logged and do not stop the loop.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs one health sample. Exported for synchronous use.
func (m *HealthMonitor) Check(ctx context.Context) {
	depth, err := m.queue.Count(ctx)
	if err != nil {
		m.logger.Error("broker health check failed", "error", err)
		return
	}

	status := HealthHealthy
	switch {
	case depth > healthUnhealthyDepth:
		status = HealthUnhealthy
	case depth >= healthDegradedDepth:
		status = HealthDegraded
	}

	m.mu.Lock()
	old := m.status
	m.status = status
	m.lastDepth = depth
	m.lastCheck = time.Now()
	onChange := m.onChange
	m.mu.Unlock()

	if old != status {
		m.logger.Info("broker health transition",
			"from", old,
			"to", status,
			"queue_depth", depth,
		)
		if onChange != nil {
			onChange(old, status)
		}
	}
}

// CurrentHealthStatus returns the latest health classification.
func (m *HealthMonitor) CurrentHealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// QueueDepth returns the depth observed by the last successful check.
func (m *HealthMonitor) QueueDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastDepth
}
