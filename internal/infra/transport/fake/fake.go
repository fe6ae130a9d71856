// Package fake provides a scriptable in-memory poll transport for tests and local runs.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/uinotify/internal/domain/notification"
)

// maxKeptCalls bounds the captured call log of long-running fakes.
const maxKeptCalls = 4096

// Call is a poll request captured by the fake transport.
type Call struct {
	System   string
	Endpoint string
	Request  notification.PollRequest

	ctx   context.Context
	reply chan reply
}

type reply struct {
	resp notification.PollResponse
	err  error
}

// Respond completes the call with resp. Responding to an abandoned call is a no-op.
func (c *Call) Respond(resp notification.PollResponse) {
	select {
	case c.reply <- reply{resp: resp}:
	default:
	}
}

// Fail completes the call with err.
func (c *Call) Fail(err error) {
	select {
	case c.reply <- reply{err: err}:
	default:
	}
}

// Done is closed once the caller abandoned the request.
func (c *Call) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Cancelled reports whether the caller abandoned the request.
func (c *Call) Cancelled() bool {
	return c.ctx.Err() != nil
}

// Transport records poll calls and answers them on demand.
type Transport struct {
	// Idle answers unscripted calls with an empty response after the duration. Zero waits forever.
	Idle time.Duration

	mu          sync.Mutex
	calls       []*Call
	inflight    int
	maxInflight int
	queue       chan *Call
}

// New constructs an empty fake transport.
func New() *Transport {
	return &Transport{
		Idle:        0,
		mu:          sync.Mutex{},
		calls:       nil,
		inflight:    0,
		maxInflight: 0,
		queue:       make(chan *Call, 1024),
	}
}

// Poll captures the request and blocks until it is answered or ctx is done.
func (t *Transport) Poll(ctx context.Context, system, endpoint string, req notification.PollRequest) (notification.PollResponse, error) {
	call := &Call{
		System:   system,
		Endpoint: endpoint,
		Request:  req,
		ctx:      ctx,
		reply:    make(chan reply, 1),
	}

	t.mu.Lock()
	if len(t.calls) >= maxKeptCalls {
		t.calls = append(t.calls[:0], t.calls[len(t.calls)-maxKeptCalls/2:]...)
	}
	t.calls = append(t.calls, call)
	t.inflight++
	if t.inflight > t.maxInflight {
		t.maxInflight = t.inflight
	}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.inflight--
		t.mu.Unlock()
	}()

	select {
	case t.queue <- call:
	default:
	}

	var idle <-chan time.Time
	if t.Idle > 0 {
		timer := time.NewTimer(t.Idle)
		defer timer.Stop()
		idle = timer.C
	}

	select {
	case <-ctx.Done():
		return notification.PollResponse{}, ctx.Err()
	case r := <-call.reply:
		return r.resp, r.err
	case <-idle:
		return notification.PollResponse{}, nil
	}
}

// Next waits for the next captured call in issue order.
func (t *Transport) Next(ctx context.Context) (*Call, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case call := <-t.queue:
		return call, nil
	}
}

// Serve answers captured calls with answer until ctx is done.
func (t *Transport) Serve(ctx context.Context, answer func(*Call)) {
	for {
		call, err := t.Next(ctx)
		if err != nil {
			return
		}
		answer(call)
	}
}

// AnnounceTopics confirms every requested topic that carries no markers yet with a
// subscription start record. Calls without new topics are left to the idle timer.
func AnnounceTopics(call *Call) {
	var records []notification.Record
	for _, topic := range call.Request.Topics {
		if len(topic.LastNotifications) > 0 {
			continue
		}
		records = append(records, notification.Record{
			ID:                "",
			Topic:             topic.Name,
			NodeID:            "fake",
			CreationTime:      time.Now().UTC(),
			Message:           nil,
			SubscriptionStart: true,
		})
	}
	if len(records) > 0 {
		call.Respond(notification.PollResponse{Notifications: records})
	}
}

// Calls returns the captured calls in issue order.
func (t *Transport) Calls() []*Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Count returns the number of captured calls.
func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// MaxInflight returns the highest number of simultaneously outstanding calls observed.
func (t *Transport) MaxInflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInflight
}
