package broker

import (
	"fmt"
	"testing"
)

func testSubs(n int) []*Subscription {
	subs := make([]*Subscription, n)
	for i := range subs {
		subs[i] = &Subscription{
			SubscriptionID: fmt.Sprintf("sub-%d", i),
			TopicName:      "orders",
			IsActive:       true,
		}
	}
	return subs
}

func queueTopic(strategy string) *Topic {
	t := &Topic{Name: "orders", Type: TopicTypeQueue}
	if strategy != "" {
		t.Config = map[string]string{TopicConfigRoutingStrategy: strategy}
	}
	return t
}

func TestRouter_NoActiveConsumers(t *testing.T) {
	r := NewRouter()
	subs := testSubs(2)
	subs[0].IsActive = false
	subs[1].IsActive = false

	res := r.Route(testMessage("m", "orders"), queueTopic(""), subs)
	if res.Success {
		t.Fatal("expected routing failure with no active consumers")
	}
	if res.ErrorMessage != "No active consumers" {
		t.Errorf("unexpected error message %q", res.ErrorMessage)
	}
}

func TestRouter_DefaultByTopicType(t *testing.T) {
	r := NewRouter()
	subs := testSubs(3)

	res := r.Route(testMessage("m", "orders"), &Topic{Name: "orders", Type: TopicTypeQueue}, subs)
	if res.StrategyName != StrategyLoadBalanced {
		t.Errorf("queue topic default = %s, want loadbalanced", res.StrategyName)
	}
	if len(res.ConsumerIDs) != 1 {
		t.Errorf("loadbalanced selected %d consumers", len(res.ConsumerIDs))
	}

	res = r.Route(testMessage("m", "events"), &Topic{Name: "events", Type: TopicTypePubSub}, subs)
	if res.StrategyName != StrategyFanOut {
		t.Errorf("pubsub topic default = %s, want fanout", res.StrategyName)
	}
	if len(res.ConsumerIDs) != 3 {
		t.Errorf("fanout selected %d consumers, want 3", len(res.ConsumerIDs))
	}
}

func TestRouter_UnknownStrategyFallsBack(t *testing.T) {
	r := NewRouter()
	res := r.Route(testMessage("m", "orders"), queueTopic("bogus"), testSubs(2))
	if !res.Success || res.StrategyName != StrategyLoadBalanced {
		t.Errorf("unknown strategy should fall back to loadbalanced, got %+v", res)
	}
}

func TestRouter_LoadBalancedDistribution(t *testing.T) {
	r := NewRouter()
	subs := testSubs(3)
	topic := queueTopic(StrategyLoadBalanced)

	const calls = 300
	counts := map[string]int{}
	for i := 0; i < calls; i++ {
		res := r.Route(testMessage("m", "orders"), topic, subs)
		if !res.Success || len(res.ConsumerIDs) != 1 {
			t.Fatalf("route failed: %+v", res)
		}
		counts[res.ConsumerIDs[0]]++
	}

	// Round-robin over k consumers keeps every count within one of N/k.
	for id, n := range counts {
		if n < calls/3-1 || n > calls/3+1 {
			t.Errorf("consumer %s selected %d times, want ~%d", id, n, calls/3)
		}
	}
}

func TestRouter_PriorityTiers(t *testing.T) {
	r := NewRouter()
	subs := testSubs(4)
	topic := queueTopic(StrategyPriority)

	high := testMessage("h", "orders")
	high.Priority = 8
	res := r.Route(high, topic, subs)
	if res.ConsumerIDs[0] != "sub-0" {
		t.Errorf("high priority routed to %s, want sub-0", res.ConsumerIDs[0])
	}

	low := testMessage("l", "orders")
	low.Priority = 2
	res = r.Route(low, topic, subs)
	if res.ConsumerIDs[0] != "sub-3" {
		t.Errorf("low priority routed to %s, want sub-3", res.ConsumerIDs[0])
	}

	// Middle tier round-robins across all consumers.
	mid := testMessage("n", "orders")
	mid.Priority = 5
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		res = r.Route(mid, topic, subs)
		seen[res.ConsumerIDs[0]] = true
	}
	if len(seen) != 4 {
		t.Errorf("normal tier hit %d consumers, want 4", len(seen))
	}
}

func TestRouter_ContentBased(t *testing.T) {
	r := NewRouter()
	subs := testSubs(3)
	subs[0].Filter = &SubscriptionFilter{HeaderMatches: map[string]string{"region": "eu"}}
	subs[1].Filter = &SubscriptionFilter{HeaderMatches: map[string]string{"region": "us"}}
	// subs[2] has no filter and matches everything.
	topic := queueTopic(StrategyContentBased)

	msg := testMessage("m", "orders")
	msg.Headers = map[string]string{"region": "eu"}
	res := r.Route(msg, topic, subs)
	if !res.Success || len(res.ConsumerIDs) != 2 {
		t.Fatalf("expected eu + unfiltered match, got %+v", res)
	}

	nomatch := testMessage("m2", "orders")
	nomatch.Headers = map[string]string{"region": "ap"}
	subs[2].Filter = &SubscriptionFilter{HeaderMatches: map[string]string{"region": "us"}}
	res = r.Route(nomatch, topic, subs)
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.ErrorMessage == "" || res.Metadata["matchedCount"] != "0" {
		t.Errorf("unexpected failure detail: %+v", res)
	}
}

func TestRouter_DirectPicksFirstActive(t *testing.T) {
	r := NewRouter()
	subs := testSubs(3)
	subs[0].IsActive = false
	res := r.Route(testMessage("m", "orders"), queueTopic(StrategyDirect), subs)
	if !res.Success || res.ConsumerIDs[0] != "sub-1" {
		t.Errorf("direct routed to %v, want sub-1", res.ConsumerIDs)
	}
}
