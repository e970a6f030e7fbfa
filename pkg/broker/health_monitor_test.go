package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// countQueue lets tests fix the reported depth without enqueuing
// thousands of messages.
type countQueue struct {
	Queue
	depth int
	err   error
}

func (q *countQueue) Count(ctx context.Context) (int, error) { return q.depth, q.err }

func TestHealthMonitor_InitialUnknown(t *testing.T) {
	mon := NewHealthMonitor(NewMemoryQueue(0), time.Second, discardLogger())
	if got := mon.CurrentHealthStatus(); got != HealthUnknown {
		t.Errorf("initial status = %s, want unknown", got)
	}
}

func TestHealthMonitor_Thresholds(t *testing.T) {
	cases := []struct {
		depth int
		want  HealthStatus
	}{
		{0, HealthHealthy},
		{499, HealthHealthy},
		{500, HealthDegraded},
		{1000, HealthDegraded},
		{1001, HealthUnhealthy},
	}
	for _, c := range cases {
		q := &countQueue{depth: c.depth}
		mon := NewHealthMonitor(q, time.Second, discardLogger())
		mon.Check(context.Background())
		if got := mon.CurrentHealthStatus(); got != c.want {
			t.Errorf("depth %d → %s, want %s", c.depth, got, c.want)
		}
		if mon.QueueDepth() != c.depth {
			t.Errorf("QueueDepth() = %d, want %d", mon.QueueDepth(), c.depth)
		}
	}
}

func TestHealthMonitor_ErrorKeepsLastStatus(t *testing.T) {
	q := &countQueue{depth: 10}
	mon := NewHealthMonitor(q, time.Second, discardLogger())
	mon.Check(context.Background())
	if mon.CurrentHealthStatus() != HealthHealthy {
		t.Fatal("setup check failed")
	}

	q.err = errors.New("queue down")
	mon.Check(context.Background())
	if got := mon.CurrentHealthStatus(); got != HealthHealthy {
		t.Errorf("status after failed check = %s, want previous healthy", got)
	}
}

func TestHealthMonitor_TransitionCallback(t *testing.T) {
	q := &countQueue{depth: 0}
	mon := NewHealthMonitor(q, time.Second, discardLogger())

	var transitions []HealthStatus
	mon.OnStatusChange(func(_, newStatus HealthStatus) {
		transitions = append(transitions, newStatus)
	})

	mon.Check(context.Background()) // unknown → healthy
	mon.Check(context.Background()) // healthy → healthy, no callback
	q.depth = 700
	mon.Check(context.Background()) // healthy → degraded
	q.depth = 1500
	mon.Check(context.Background()) // degraded → unhealthy

	want := []HealthStatus{HealthHealthy, HealthDegraded, HealthUnhealthy}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
