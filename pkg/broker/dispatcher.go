package broker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Dispatcher hands a routed message to one consumer.
type Dispatcher interface {
	Dispatch(ctx context.Context, sub *Subscription, msg *Message) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, sub *Subscription, msg *Message) error

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, sub *Subscription, msg *Message) error {
	return f(ctx, sub, msg)
}

// HTTPDispatcher POSTs messages to push-consumer endpoints. Each
// endpoint gets its own circuit breaker so one failing consumer cannot
// exhaust delivery capacity for the rest.
type HTTPDispatcher struct {
	client  *http.Client
	logger  *slog.Logger
	mu      sync.Mutex
	breaker map[string]*gobreaker.CircuitBreaker
}

// NewHTTPDispatcher creates an HTTP push dispatcher. client of nil
// uses a 10s-timeout default.
func NewHTTPDispatcher(client *http.Client, logger *slog.Logger) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDispatcher{
		client:  client,
		logger:  logger,
		breaker: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch delivers one message. Pull subscriptions are satisfied by
// the consumer calling the fetch API, so only push subscriptions
// trigger an outbound request.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, sub *Subscription, msg *Message) error {
	if sub.Type != SubscriptionPush {
		return nil
	}
	if sub.ConsumerEndpoint == "" {
		return fmt.Errorf("subscription %s: push without endpoint: %w", sub.SubscriptionID, ErrInvalidArgument)
	}

	cb := d.breakerFor(sub.ConsumerEndpoint)
	_, err := cb.Execute(func() (any, error) {
		return nil, d.post(ctx, sub, msg)
	})
	return err
}

func (d *HTTPDispatcher) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breaker[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("consumer circuit state change", "endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	d.breaker[endpoint] = cb
	return cb
}

func (d *HTTPDispatcher) post(ctx context.Context, sub *Subscription, msg *Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.ConsumerEndpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Message-Id", msg.MessageID)
	req.Header.Set("X-Topic", msg.TopicName)
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", sub.ConsumerEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push to %s: status %d", sub.ConsumerEndpoint, resp.StatusCode)
	}
	return nil
}
