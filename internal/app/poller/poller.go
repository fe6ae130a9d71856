// Package poller runs the long-poll loop for a single backend system.
package poller

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/uinotify/errs"
	"github.com/coachpo/uinotify/internal/app/history"
	"github.com/coachpo/uinotify/internal/domain/historystore"
	"github.com/coachpo/uinotify/internal/domain/notification"
	"github.com/coachpo/uinotify/internal/infra/telemetry"
)

// DefaultRetryInterval is the wait between a failed poll and the next attempt.
const DefaultRetryInterval = 10 * time.Second

// Transport issues a single poll request against a system endpoint.
// Implementations must return promptly once ctx is cancelled.
type Transport interface {
	Poll(ctx context.Context, system, endpoint string, req notification.PollRequest) (notification.PollResponse, error)
}

// Sink receives poller output. Calls happen on the poller goroutine with no poller lock held.
type Sink interface {
	// Deliver hands over one fresh notification.
	Deliver(evt notification.Event)
	// SubscriptionStarted reports that the backend confirmed the subscription of topic.
	SubscriptionStarted(system, topic string)
	// Stopped reports that polling stopped on a failure that is not retried.
	Stopped(system string, cause error)
}

// Journal persists accepted history entries. Append must not block the poll loop.
type Journal interface {
	Append(entry historystore.Entry)
}

// BackOffFactory builds the retry schedule used after transient failures.
type BackOffFactory func() backoff.BackOff

// ConstantBackOff retries after a fixed interval.
func ConstantBackOff(interval time.Duration) BackOffFactory {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(interval)
	}
}

// ExponentialBackOff grows the retry interval up to maxInterval.
func ExponentialBackOff(initial, maxInterval time.Duration) BackOffFactory {
	if initial <= 0 {
		initial = DefaultRetryInterval
	}
	if maxInterval < initial {
		maxInterval = initial
	}
	return func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = initial
		bo.MaxInterval = maxInterval
		return bo
	}
}

// Config describes a poller instance.
type Config struct {
	System    string
	Endpoint  string
	Transport Transport
	History   *history.History
	Sink      Sink
	Journal   Journal
	BackOff   BackOffFactory
	Logger    *log.Logger
}

// Info is a point-in-time view of a poller.
type Info struct {
	System     string              `json:"system"`
	Endpoint   string              `json:"endpoint"`
	Status     notification.Status `json:"status"`
	Topics     []string            `json:"topics"`
	Requests   uint64              `json:"requests"`
	Failures   uint64              `json:"failures"`
	Generation uint64              `json:"generation"`
	LastError  string              `json:"lastError,omitempty"`
}

// Poller keeps at most one poll request outstanding for its system.
type Poller struct {
	system    string
	endpoint  string
	transport Transport
	history   *history.History
	sink      Sink
	journal   Journal
	logger    *log.Logger
	metrics   *pollerMetrics
	backoff   backoff.BackOff

	mu            sync.Mutex
	status        notification.Status
	topics        []string
	runToken      uint64
	generation    uint64
	cancelRun     context.CancelFunc
	cancelRequest context.CancelFunc
	requests      uint64
	failures      uint64
	lastErr       error

	wg conc.WaitGroup
}

// New constructs a stopped poller for topics.
func New(cfg Config, topics []string) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "poller ", log.LstdFlags|log.Lmicroseconds)
	}
	hist := cfg.History
	if hist == nil {
		hist = history.New(history.DefaultCount)
	}
	factory := cfg.BackOff
	if factory == nil {
		factory = ConstantBackOff(DefaultRetryInterval)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = discardSink{}
	}
	system := strings.TrimSpace(cfg.System)
	if system == "" {
		system = notification.DefaultSystem
	}
	return &Poller{
		system:        system,
		endpoint:      cfg.Endpoint,
		transport:     cfg.Transport,
		history:       hist,
		sink:          sink,
		journal:       cfg.Journal,
		logger:        logger,
		metrics:       newPollerMetrics(system),
		backoff:       factory(),
		mu:            sync.Mutex{},
		status:        notification.StatusStopped,
		topics:        copyTopics(topics),
		runToken:      0,
		generation:    0,
		cancelRun:     nil,
		cancelRequest: nil,
		requests:      0,
		failures:      0,
		lastErr:       nil,
		wg:            conc.WaitGroup{},
	}
}

// System returns the system name the poller serves.
func (p *Poller) System() string {
	return p.system
}

// Start begins polling. It is a no-op unless the poller is stopped.
func (p *Poller) Start() bool {
	p.mu.Lock()
	if p.status != notification.StatusStopped {
		p.mu.Unlock()
		return false
	}
	p.status = notification.StatusRunning
	p.runToken++
	p.generation++
	p.lastErr = nil
	p.backoff.Reset()
	token := p.runToken
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelRun = cancel
	p.mu.Unlock()

	p.logger.Printf("system %s: polling started", p.system)
	p.wg.Go(func() {
		p.run(ctx, token)
	})
	return true
}

// Stop abandons the outstanding request and any scheduled retry. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.status == notification.StatusStopped && p.cancelRun == nil {
		p.mu.Unlock()
		return
	}
	p.haltLocked()
	p.mu.Unlock()
	p.logger.Printf("system %s: polling stopped", p.system)
}

// Restart replaces the topic set. A running poller abandons its outstanding
// request and issues a new one; a failing or stopped poller only remembers the topics.
func (p *Poller) Restart(topics []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = copyTopics(topics)
	if p.status != notification.StatusRunning {
		return
	}
	p.generation++
	if p.cancelRequest != nil {
		p.cancelRequest()
		p.cancelRequest = nil
	}
}

// Wait blocks until the poll goroutines have exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Status returns the current lifecycle state.
func (p *Poller) Status() notification.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Topics returns the current topic set.
func (p *Poller) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyTopics(p.topics)
}

// Snapshot reports the poller state.
func (p *Poller) Snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		System:     p.system,
		Endpoint:   p.endpoint,
		Status:     p.status,
		Topics:     copyTopics(p.topics),
		Requests:   p.requests,
		Failures:   p.failures,
		Generation: p.generation,
		LastError:  "",
	}
	if p.lastErr != nil {
		info.LastError = p.lastErr.Error()
	}
	return info
}

type outcome int

const (
	outcomeNext outcome = iota
	outcomeRetry
	outcomeExit
)

func (p *Poller) run(ctx context.Context, token uint64) {
	for {
		req, gen, reqCtx, ok := p.prepare(ctx, token)
		if !ok {
			return
		}
		started := time.Now()
		resp, err := p.transport.Poll(reqCtx, p.system, p.endpoint, req)
		if err == nil {
			err = resp.Err(p.system)
		}
		next, wait := p.complete(token, gen, resp, err, time.Since(started))
		switch next {
		case outcomeExit:
			return
		case outcomeRetry:
			if !p.sleep(ctx, wait) {
				return
			}
		case outcomeNext:
		}
	}
}

// prepare builds the next request from the current topics and history and marks it outstanding.
func (p *Poller) prepare(ctx context.Context, token uint64) (notification.PollRequest, uint64, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if token != p.runToken || p.status == notification.StatusStopped || ctx.Err() != nil {
		return notification.PollRequest{}, 0, nil, false
	}
	p.status = notification.StatusRunning

	req := notification.PollRequest{Topics: make([]notification.TopicRequest, 0, len(p.topics))}
	for _, topic := range p.topics {
		req.Topics = append(req.Topics, notification.TopicRequest{
			Name:              topic,
			LastNotifications: p.history.Markers(topic),
		})
	}
	reqCtx, cancel := context.WithCancel(ctx)
	p.cancelRequest = cancel
	p.requests++
	return req, p.generation, reqCtx, true
}

func (p *Poller) complete(token, gen uint64, resp notification.PollResponse, err error, elapsed time.Duration) (outcome, time.Duration) {
	p.mu.Lock()
	if token != p.runToken || p.status == notification.StatusStopped {
		p.mu.Unlock()
		p.metrics.recordRequest(telemetry.ResultStale, elapsed)
		return outcomeExit, 0
	}
	if p.cancelRequest != nil {
		p.cancelRequest()
		p.cancelRequest = nil
	}
	if gen != p.generation {
		// superseded by a topic change; the next iteration issues the replacement
		p.mu.Unlock()
		p.metrics.recordRequest(telemetry.ResultStale, elapsed)
		return outcomeNext, 0
	}

	if err != nil {
		return p.failLocked(err, elapsed)
	}

	p.lastErr = nil
	p.backoff.Reset()
	starts, events := p.absorbLocked(resp.Notifications)
	p.mu.Unlock()
	p.metrics.recordRequest(telemetry.ResultSuccess, elapsed)

	for _, topic := range starts {
		p.sink.SubscriptionStarted(p.system, topic)
	}
	for _, evt := range events {
		if !p.active(token) {
			return outcomeExit, 0
		}
		p.sink.Deliver(evt)
	}
	return outcomeNext, 0
}

// failLocked handles a failed request. It is called with p.mu held and releases it.
func (p *Poller) failLocked(err error, elapsed time.Duration) (outcome, time.Duration) {
	class := errs.Classify(err)
	if class == errs.ClassCancelled {
		// the request was neither stopped nor superseded, so the transport gave up on its own
		class = errs.ClassTransient
	}
	p.lastErr = err
	p.failures++
	if class.Fatal() {
		p.haltLocked()
		p.mu.Unlock()
		p.metrics.recordRequest(telemetry.ResultError, elapsed)
		p.metrics.recordFailure(class.String())
		p.logger.Printf("system %s: polling stopped after %s failure: %v", p.system, class, err)
		p.sink.Stopped(p.system, err)
		return outcomeExit, 0
	}

	p.status = notification.StatusFailure
	wait := p.backoff.NextBackOff()
	if wait == backoff.Stop || wait < 0 {
		p.backoff.Reset()
		wait = p.backoff.NextBackOff()
	}
	p.mu.Unlock()
	p.metrics.recordRequest(telemetry.ResultError, elapsed)
	p.metrics.recordFailure(class.String())
	p.logger.Printf("system %s: poll failed, retrying in %s: %v", p.system, wait, err)
	return outcomeRetry, wait
}

// absorbLocked applies a successful response to the history and returns the
// topics whose subscription started plus the events to deliver, in response order.
func (p *Poller) absorbLocked(records []notification.Record) ([]string, []notification.Event) {
	subscribed := make(map[string]struct{}, len(p.topics))
	for _, topic := range p.topics {
		subscribed[topic] = struct{}{}
	}

	var starts []string
	startSeen := make(map[string]struct{})
	events := make([]notification.Event, 0, len(records))
	for _, rec := range records {
		if !rec.Validate() {
			p.logger.Printf("system %s: dropping malformed notification topic=%q id=%q", p.system, rec.Topic, rec.ID)
			continue
		}
		if _, ok := subscribed[rec.Topic]; !ok {
			continue
		}
		if rec.SubscriptionStart {
			p.history.MarkStart(rec.Topic, rec.NodeID, rec.Entry())
			p.journalAppend(rec)
			p.metrics.recordStart(rec.Topic)
			if _, seen := startSeen[rec.Topic]; !seen {
				startSeen[rec.Topic] = struct{}{}
				starts = append(starts, rec.Topic)
			}
			continue
		}
		if p.history.Has(rec.Topic, rec.NodeID, rec.ID) {
			p.metrics.recordNotification(rec.Topic, telemetry.ResultDuplicate)
			continue
		}
		p.history.Record(rec.Topic, rec.NodeID, rec.Entry())
		p.journalAppend(rec)
		p.metrics.recordNotification(rec.Topic, telemetry.ResultDelivered)
		events = append(events, notification.Event{
			System:       p.system,
			Topic:        rec.Topic,
			NodeID:       rec.NodeID,
			ID:           rec.ID,
			CreationTime: rec.CreationTime,
			Message:      rec.Message,
		})
	}
	return starts, events
}

func (p *Poller) journalAppend(rec notification.Record) {
	if p.journal == nil {
		return
	}
	p.journal.Append(historystore.Entry{
		System:            p.system,
		Topic:             rec.Topic,
		NodeID:            rec.NodeID,
		ID:                rec.ID,
		CreationTime:      rec.CreationTime,
		SubscriptionStart: rec.SubscriptionStart,
	})
}

// sleep waits out the retry interval and reports whether polling should resume.
func (p *Poller) sleep(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Poller) active(token uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return token == p.runToken && p.status != notification.StatusStopped
}

// haltLocked moves the poller to stopped and invalidates the running loop.
func (p *Poller) haltLocked() {
	p.status = notification.StatusStopped
	p.runToken++
	p.generation++
	if p.cancelRequest != nil {
		p.cancelRequest()
		p.cancelRequest = nil
	}
	if p.cancelRun != nil {
		p.cancelRun()
		p.cancelRun = nil
	}
}

type discardSink struct{}

func (discardSink) Deliver(notification.Event) {}

func (discardSink) SubscriptionStarted(string, string) {}

func (discardSink) Stopped(string, error) {}

func copyTopics(topics []string) []string {
	if len(topics) == 0 {
		return nil
	}
	out := make([]string, len(topics))
	copy(out, topics)
	return out
}
