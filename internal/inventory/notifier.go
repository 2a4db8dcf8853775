package inventory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"stockmesh/internal/observability"
)

// Subscriber reacts to committed inventory changes.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, event ChangeEvent) error
}

// SubscriberFunc adapts a function into a named Subscriber.
type SubscriberFunc struct {
	SubscriberName string
	Fn             func(ctx context.Context, event ChangeEvent) error
}

func (f SubscriberFunc) Name() string { return f.SubscriberName }

func (f SubscriberFunc) Handle(ctx context.Context, event ChangeEvent) error {
	return f.Fn(ctx, event)
}

// Notifier delivers change events to its subscribers in registration order.
// Subscriber errors and panics are logged and never reach the publisher.
type Notifier struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewNotifier(logger *zap.Logger, metrics *observability.Metrics) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		logger:  logger.Named("inventory.notifier"),
		metrics: metrics,
	}
}

func (n *Notifier) Subscribe(sub Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, sub)
}

// Publish implements Publisher.
func (n *Notifier) Publish(ctx context.Context, event ChangeEvent) {
	n.mu.RLock()
	subs := make([]Subscriber, len(n.subscribers))
	copy(subs, n.subscribers)
	n.mu.RUnlock()

	for _, sub := range subs {
		if err := n.deliver(ctx, sub, event); err != nil {
			n.metrics.SubscriberFailure(sub.Name())
			n.logger.Error("inventory event subscriber failed",
				zap.String("subscriber", sub.Name()),
				zap.Int64("product_id", event.ProductID),
				zap.String("operation", string(event.Operation)),
				zap.Error(err),
			)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, sub Subscriber, event ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return sub.Handle(ctx, event)
}
