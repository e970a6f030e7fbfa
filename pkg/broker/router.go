package broker

import (
	"fmt"
	"sync/atomic"
)

// Routing strategy names, stable for telemetry and topic config.
const (
	StrategyDirect       = "direct"
	StrategyFanOut       = "fanout"
	StrategyLoadBalanced = "loadbalanced"
	StrategyPriority     = "priority"
	StrategyContentBased = "contentbased"
)

// TopicConfigRoutingStrategy is the topic config key selecting a strategy.
const TopicConfigRoutingStrategy = "routingStrategy"

// Message priority tiers used by the priority strategy.
const (
	priorityHighThreshold = 7 // priority >= 7 → first consumer
	priorityLowThreshold  = 3 // priority <= 3 → last consumer
)

// RouteResult is the outcome of routing one message.
type RouteResult struct {
	ConsumerIDs  []string          `json:"consumer_ids"`
	Success      bool              `json:"success"`
	Reason       string            `json:"reason,omitempty"`
	StrategyName string            `json:"strategy_name"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Router selects the consumer subset for a message given the topic's
// type and config. The round-robin cursor is per-router state; routers
// are safe for concurrent use.
type Router struct {
	cursor atomic.Uint64
}

// NewRouter creates a message router.
func NewRouter() *Router {
	return &Router{}
}

// Route selects consumers for msg among the subscriptions of topic.
// Inactive subscriptions are filtered out before any strategy runs.
// Unknown strategy names fall back to the topic-type default
// (queue → loadbalanced, pubsub → fanout); routing never fails on an
// unrecognised name.
func (r *Router) Route(msg *Message, topic *Topic, subs []*Subscription) RouteResult {
	active := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s != nil && s.IsActive {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return RouteResult{
			Success:      false,
			StrategyName: r.strategyFor(topic),
			ErrorMessage: "No active consumers",
			Metadata:     map[string]string{"totalActive": "0"},
		}
	}

	switch name := r.strategyFor(topic); name {
	case StrategyDirect:
		return r.routeDirect(active)
	case StrategyFanOut:
		return r.routeFanOut(active)
	case StrategyPriority:
		return r.routePriority(msg, active)
	case StrategyContentBased:
		return r.routeContentBased(msg, active)
	default: // StrategyLoadBalanced
		return r.routeLoadBalanced(active)
	}
}

// strategyFor resolves the effective strategy name for a topic.
func (r *Router) strategyFor(topic *Topic) string {
	def := StrategyLoadBalanced
	if topic != nil && topic.Type == TopicTypePubSub {
		def = StrategyFanOut
	}
	if topic == nil {
		return def
	}
	switch topic.Config[TopicConfigRoutingStrategy] {
	case StrategyDirect:
		return StrategyDirect
	case StrategyFanOut:
		return StrategyFanOut
	case StrategyLoadBalanced:
		return StrategyLoadBalanced
	case StrategyPriority:
		return StrategyPriority
	case StrategyContentBased:
		return StrategyContentBased
	default:
		return def
	}
}

// routeDirect returns the first active subscription in input order.
func (r *Router) routeDirect(active []*Subscription) RouteResult {
	return RouteResult{
		ConsumerIDs:  []string{active[0].SubscriptionID},
		Success:      true,
		Reason:       "first active consumer",
		StrategyName: StrategyDirect,
		Metadata: map[string]string{
			"totalActive": fmt.Sprintf("%d", len(active)),
		},
	}
}

// routeFanOut broadcasts to every active subscription, preserving order.
func (r *Router) routeFanOut(active []*Subscription) RouteResult {
	ids := make([]string, len(active))
	for i, s := range active {
		ids[i] = s.SubscriptionID
	}
	return RouteResult{
		ConsumerIDs:  ids,
		Success:      true,
		Reason:       "broadcast to all active consumers",
		StrategyName: StrategyFanOut,
		Metadata: map[string]string{
			"totalActive":    fmt.Sprintf("%d", len(active)),
			"broadcastCount": fmt.Sprintf("%d", len(ids)),
		},
	}
}

// routeLoadBalanced picks one consumer round-robin. The cursor advances
// by exactly one per call so concurrent callers stay uniformly spread.
func (r *Router) routeLoadBalanced(active []*Subscription) RouteResult {
	idx := int((r.cursor.Add(1) - 1) % uint64(len(active)))
	return RouteResult{
		ConsumerIDs:  []string{active[idx].SubscriptionID},
		Success:      true,
		Reason:       "round-robin selection",
		StrategyName: StrategyLoadBalanced,
		Metadata: map[string]string{
			"totalActive":   fmt.Sprintf("%d", len(active)),
			"selectedIndex": fmt.Sprintf("%d", idx),
		},
	}
}

// routePriority picks a single consumer by message priority tier:
// high goes to the first consumer, low to the last, and the middle
// tier is balanced round-robin.
func (r *Router) routePriority(msg *Message, active []*Subscription) RouteResult {
	var idx int
	var reason string
	priority := 0
	if msg != nil {
		priority = msg.Priority
	}
	switch {
	case priority >= priorityHighThreshold:
		idx = 0
		reason = "high priority tier"
	case priority <= priorityLowThreshold:
		idx = len(active) - 1
		reason = "low priority tier"
	default:
		idx = int((r.cursor.Add(1) - 1) % uint64(len(active)))
		reason = "normal priority round-robin"
	}
	return RouteResult{
		ConsumerIDs:  []string{active[idx].SubscriptionID},
		Success:      true,
		Reason:       reason,
		StrategyName: StrategyPriority,
		Metadata: map[string]string{
			"totalActive":     fmt.Sprintf("%d", len(active)),
			"selectedIndex":   fmt.Sprintf("%d", idx),
			"messagePriority": fmt.Sprintf("%d", priority),
		},
	}
}

// routeContentBased selects subscriptions whose header filter matches
// the message. Subscriptions without a filter always match.
func (r *Router) routeContentBased(msg *Message, active []*Subscription) RouteResult {
	var headers map[string]string
	if msg != nil {
		headers = msg.Headers
	}
	var ids []string
	for _, s := range active {
		if s.Filter.Matches(headers) {
			ids = append(ids, s.SubscriptionID)
		}
	}
	meta := map[string]string{
		"totalActive":  fmt.Sprintf("%d", len(active)),
		"matchedCount": fmt.Sprintf("%d", len(ids)),
	}
	if len(ids) == 0 {
		return RouteResult{
			Success:      false,
			StrategyName: StrategyContentBased,
			ErrorMessage: "No matching consumers for message headers",
			Metadata:     meta,
		}
	}
	return RouteResult{
		ConsumerIDs:  ids,
		Success:      true,
		Reason:       "header filter match",
		StrategyName: StrategyContentBased,
		Metadata:     meta,
	}
}
