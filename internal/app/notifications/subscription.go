package notifications

import (
	"context"
	"errors"
	"sync"

	"github.com/coachpo/uinotify/internal/domain/notification"
)

var (
	// ErrUnsubscribed rejects a pending subscription that was removed before the backend confirmed it.
	ErrUnsubscribed = errors.New("subscription removed before it started")
	// ErrTornDown rejects pending subscriptions when the manager is torn down.
	ErrTornDown = errors.New("notification manager torn down")
)

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	system string
	once   bool
}

// WithSystem targets a registered backend system other than the default one.
func WithSystem(system string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.system = system
	}
}

// Once removes the subscription after its handler ran for the first notification.
func Once() SubscribeOption {
	return func(o *subscribeOptions) {
		o.once = true
	}
}

// Subscription is the handle returned by Subscribe. It identifies one handler registration.
type Subscription struct {
	id      string
	system  string
	topic   string
	once    bool
	handler notification.Handler

	// guarded by the manager lock
	active bool

	settle  sync.Once
	started chan struct{}
	err     error
}

func newSubscription(id string, system, topic string, once bool, handler notification.Handler) *Subscription {
	return &Subscription{
		id:      id,
		system:  system,
		topic:   topic,
		once:    once,
		handler: handler,
		active:  true,
		settle:  sync.Once{},
		started: make(chan struct{}),
		err:     nil,
	}
}

// ID returns the unique subscription id.
func (s *Subscription) ID() string { return s.id }

// System returns the backend system name.
func (s *Subscription) System() string { return s.system }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// IsOnce reports whether the subscription removes itself after the first delivery.
func (s *Subscription) IsOnce() bool { return s.once }

// Started is closed once the backend confirmed the subscription or it was rejected.
func (s *Subscription) Started() <-chan struct{} { return s.started }

// Err returns the rejection cause after Started is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.started:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the backend confirmed the subscription, it was rejected, or ctx is done.
// It returns the subscribed topic on success.
func (s *Subscription) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.started:
		if s.err != nil {
			return "", s.err
		}
		return s.topic, nil
	}
}

func (s *Subscription) resolve() {
	s.finish(nil)
}

func (s *Subscription) reject(err error) {
	s.finish(err)
}

func (s *Subscription) finish(err error) {
	s.settle.Do(func() {
		s.err = err
		close(s.started)
	})
}
