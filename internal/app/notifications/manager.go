// Package notifications exposes the subscription registry that routes polled UI notifications to handlers.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/uinotify/errs"
	"github.com/coachpo/uinotify/internal/app/history"
	"github.com/coachpo/uinotify/internal/app/poller"
	"github.com/coachpo/uinotify/internal/domain/historystore"
	"github.com/coachpo/uinotify/internal/domain/notification"
)

// DefaultEndpoint is the endpoint of the implicitly registered default system.
const DefaultEndpoint = "/api/uinotifications"

// ErrSystemNotRegistered is the cause of configuration errors for unknown systems.
var ErrSystemNotRegistered = errors.New("system not registered")

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opRestart     = "restart"
	opTearDown    = "teardown"
)

// Manager owns the per-system topic registries and their pollers.
type Manager struct {
	mu        sync.Mutex
	logger    *log.Logger
	transport poller.Transport
	endpoint  string
	limit     int
	backoff   poller.BackOffFactory
	store     historystore.Store
	journal   *journal
	queue     int
	metrics   *managerMetrics

	systems map[string]*systemState

	retired conc.WaitGroup
}

type systemState struct {
	name      string
	endpoint  string
	transport poller.Transport
	history   *history.History
	topics    []string
	handlers  map[string][]*Subscription
	pending   map[string][]*Subscription
	poller    *poller.Poller
}

// Option configures optional manager behaviour.
type Option func(*Manager)

// WithLogger overrides the manager logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHistoryCount bounds the history kept per (topic, node).
func WithHistoryCount(count int) Option {
	return func(m *Manager) {
		if count > 0 {
			m.limit = count
		}
	}
}

// WithBackOff sets the retry schedule used by pollers after transient failures.
func WithBackOff(factory poller.BackOffFactory) Option {
	return func(m *Manager) {
		if factory != nil {
			m.backoff = factory
		}
	}
}

// WithDefaultEndpoint sets the endpoint of the default system.
func WithDefaultEndpoint(endpoint string) Option {
	return func(m *Manager) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			m.endpoint = trimmed
		}
	}
}

// WithPersistence wires a history store so markers survive restarts.
func WithPersistence(store historystore.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithJournalQueue bounds the number of history writes waiting to be persisted.
func WithJournalQueue(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.queue = size
		}
	}
}

// SystemOption configures a registered system.
type SystemOption func(*systemState)

// WithTransport overrides the transport used for a single system.
func WithTransport(transport poller.Transport) SystemOption {
	return func(s *systemState) {
		if transport != nil {
			s.transport = transport
		}
	}
}

// NewManager creates a manager with the default system registered.
func NewManager(transport poller.Transport, opts ...Option) *Manager {
	m := &Manager{
		mu:        sync.Mutex{},
		logger:    log.New(os.Stdout, "notifications ", log.LstdFlags|log.Lmicroseconds),
		transport: transport,
		endpoint:  DefaultEndpoint,
		limit:     history.DefaultCount,
		backoff:   poller.ConstantBackOff(poller.DefaultRetryInterval),
		store:     nil,
		journal:   nil,
		queue:     defaultJournalQueue,
		metrics:   newManagerMetrics(),
		systems:   make(map[string]*systemState),
		retired:   conc.WaitGroup{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.store != nil {
		j, err := newJournal(m.store, m.limit, m.queue, m.logger)
		if err != nil {
			m.logger.Printf("history persistence disabled: %v", err)
		} else {
			m.journal = j
		}
	}
	m.registerDefaultLocked()
	return m
}

func (m *Manager) registerDefaultLocked() {
	m.systems[notification.DefaultSystem] = m.newSystem(notification.DefaultSystem, m.endpoint)
}

func (m *Manager) newSystem(name, endpoint string) *systemState {
	return &systemState{
		name:      name,
		endpoint:  endpoint,
		transport: m.transport,
		history:   history.New(m.limit),
		topics:    nil,
		handlers:  make(map[string][]*Subscription),
		pending:   make(map[string][]*Subscription),
		poller:    nil,
	}
}

// RegisterSystem records the endpoint of a named backend system. Registering a known name is a no-op.
func (m *Manager) RegisterSystem(name, endpoint string, opts ...SystemOption) error {
	name = strings.TrimSpace(name)
	endpoint = strings.TrimSpace(endpoint)
	if name == "" {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("system name required"))
	}
	if endpoint == "" {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("system endpoint required"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.systems[name]; ok {
		if existing.endpoint != endpoint {
			m.logger.Printf("system %s already registered with endpoint %s; ignoring %s", name, existing.endpoint, endpoint)
		}
		return nil
	}
	state := m.newSystem(name, endpoint)
	for _, opt := range opts {
		if opt != nil {
			opt(state)
		}
	}
	m.systems[name] = state
	m.logger.Printf("system %s registered endpoint=%s", name, endpoint)
	return nil
}

// Restore seeds every registered system's history from the persistence store.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	states := make([]*systemState, 0, len(m.systems))
	for _, state := range m.systems {
		states = append(states, state)
	}
	m.mu.Unlock()

	for _, state := range states {
		entries, err := m.store.Load(ctx, state.name)
		if err != nil {
			return fmt.Errorf("restore history for %s: %w", state.name, err)
		}
		state.history.Restore(entries)
		m.logger.Printf("system %s: restored %d history entries", state.name, len(entries))
	}
	return nil
}

// Subscribe registers handler for topic and ensures the system is polled.
// The returned subscription settles once the backend confirmed the topic.
func (m *Manager) Subscribe(topic string, handler notification.Handler, opts ...SubscribeOption) (*Subscription, error) {
	options := subscribeOptions{system: notification.DefaultSystem, once: false}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	system := strings.TrimSpace(options.system)
	if system == "" {
		system = notification.DefaultSystem
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errs.New(system, errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if handler == nil {
		return nil, errs.New(system, errs.CodeInvalid, errs.WithMessage("handler required"), errs.WithField("topic", topic))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.systems[system]
	if !ok {
		return nil, errs.New(system, errs.CodeConfig,
			errs.WithMessage("subscribe to unregistered system"),
			errs.WithField("topic", topic),
			errs.WithCause(ErrSystemNotRegistered))
	}

	sub := newSubscription(uuid.NewString(), system, topic, options.once, handler)
	existing := state.handlers[topic]
	fresh := len(existing) == 0
	state.handlers[topic] = append(existing, sub)
	if fresh {
		state.topics = append(state.topics, topic)
	}
	if !fresh && state.history.Started(topic) {
		sub.resolve()
	} else {
		state.pending[topic] = append(state.pending[topic], sub)
	}

	m.ensurePollingLocked(state, fresh)
	m.metrics.recordOperation(system, opSubscribe)
	return sub, nil
}

// SubscribeOne registers a handler that is removed after its first notification.
func (m *Manager) SubscribeOne(topic string, handler notification.Handler, opts ...SubscribeOption) (*Subscription, error) {
	all := make([]SubscribeOption, 0, len(opts)+1)
	all = append(all, opts...)
	all = append(all, Once())
	return m.Subscribe(topic, handler, all...)
}

// Unsubscribe removes the handler registration. Removing it twice is a no-op.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeLocked(sub) {
		m.metrics.recordOperation(sub.system, opUnsubscribe)
	}
}

// Active reports whether sub is still registered.
func (m *Manager) Active(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sub.active
}

// Restart resumes a stopped poller or reissues the request of a running one.
func (m *Manager) Restart(system string) error {
	system = strings.TrimSpace(system)
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.systems[system]
	if !ok {
		return errs.New(system, errs.CodeConfig, errs.WithMessage("restart of unregistered system"), errs.WithCause(ErrSystemNotRegistered))
	}
	if state.poller == nil {
		return nil
	}
	switch state.poller.Status() {
	case notification.StatusStopped:
		state.poller.Restart(state.topics)
		state.poller.Start()
	case notification.StatusRunning:
		state.poller.Restart(state.topics)
	case notification.StatusFailure:
		// the scheduled retry picks up the current topics
	}
	m.metrics.recordOperation(system, opRestart)
	m.logger.Printf("system %s: restart requested", system)
	return nil
}

// TearDown stops every poller, rejects pending subscriptions and clears all registries.
// The default system is registered again so the manager stays usable.
func (m *Manager) TearDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, state := range m.systems {
		for _, subs := range state.handlers {
			for _, sub := range subs {
				sub.active = false
				sub.reject(ErrTornDown)
			}
		}
		if state.poller != nil {
			m.retireLocked(state)
		}
		m.metrics.recordOperation(name, opTearDown)
	}
	m.systems = make(map[string]*systemState)
	m.registerDefaultLocked()
	m.logger.Printf("torn down")
}

// Shutdown tears the manager down and waits for poll goroutines and pending history writes.
// It must not be called from a notification handler.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.TearDown()

	done := make(chan struct{})
	go func() {
		m.retired.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for pollers: %w", ctx.Err())
	case <-done:
	}
	if m.journal != nil {
		if err := m.journal.Shutdown(ctx); err != nil {
			return fmt.Errorf("flush history: %w", err)
		}
	}
	return nil
}

// SystemInfo describes a registered system for status reporting.
type SystemInfo struct {
	Name     string       `json:"name"`
	Endpoint string       `json:"endpoint"`
	Topics   []TopicInfo  `json:"topics"`
	Poller   *poller.Info `json:"poller,omitempty"`
}

// TopicInfo describes one active topic of a system.
type TopicInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	Started     bool   `json:"started"`
	Pending     int    `json:"pending"`
}

// Systems returns the registered systems ordered by name.
func (m *Manager) Systems() []SystemInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SystemInfo, 0, len(m.systems))
	for _, state := range m.systems {
		out = append(out, describe(state))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// System returns the status of a single system.
func (m *Manager) System(name string) (SystemInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.systems[strings.TrimSpace(name)]
	if !ok {
		return SystemInfo{}, false
	}
	return describe(state), true
}

// Poller returns the active poller of a system, or nil when the system has no active topics.
func (m *Manager) Poller(system string) *poller.Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.systems[system]
	if !ok {
		return nil
	}
	return state.poller
}

// History returns the notification history of a system.
func (m *Manager) History(system string) *history.History {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.systems[system]
	if !ok {
		return nil
	}
	return state.history
}

func describe(state *systemState) SystemInfo {
	info := SystemInfo{
		Name:     state.name,
		Endpoint: state.endpoint,
		Topics:   make([]TopicInfo, 0, len(state.topics)),
		Poller:   nil,
	}
	for _, topic := range state.topics {
		info.Topics = append(info.Topics, TopicInfo{
			Name:        topic,
			Subscribers: len(state.handlers[topic]),
			Started:     state.history.Started(topic),
			Pending:     len(state.pending[topic]),
		})
	}
	if state.poller != nil {
		snapshot := state.poller.Snapshot()
		info.Poller = &snapshot
	}
	return info
}

// ensurePollingLocked creates, restarts or resumes the poller after a subscribe.
func (m *Manager) ensurePollingLocked(state *systemState, fresh bool) {
	if state.poller == nil {
		state.poller = poller.New(poller.Config{
			System:    state.name,
			Endpoint:  state.endpoint,
			Transport: state.transport,
			History:   state.history,
			Sink:      &systemSink{manager: m, state: state},
			Journal:   m.pollerJournal(),
			BackOff:   m.backoff,
			Logger:    m.logger,
		}, state.topics)
		state.poller.Start()
		return
	}
	if fresh {
		state.poller.Restart(state.topics)
	}
	if state.poller.Status() == notification.StatusStopped {
		state.poller.Restart(state.topics)
		state.poller.Start()
	}
}

func (m *Manager) pollerJournal() poller.Journal {
	if m.journal == nil {
		return nil
	}
	return m.journal
}

// removeLocked drops sub from its system and reports whether it was still registered.
func (m *Manager) removeLocked(sub *Subscription) bool {
	if !sub.active {
		return false
	}
	sub.active = false
	sub.reject(ErrUnsubscribed)

	state, ok := m.systems[sub.system]
	if !ok {
		return true
	}
	state.pending[sub.topic] = without(state.pending[sub.topic], sub)
	if len(state.pending[sub.topic]) == 0 {
		delete(state.pending, sub.topic)
	}
	remaining := without(state.handlers[sub.topic], sub)
	if len(remaining) > 0 {
		state.handlers[sub.topic] = remaining
		return true
	}

	delete(state.handlers, sub.topic)
	topics := make([]string, 0, len(state.topics))
	for _, topic := range state.topics {
		if topic != sub.topic {
			topics = append(topics, topic)
		}
	}
	state.topics = topics

	// The poller must drop the topic before its history is purged, otherwise a
	// response absorbed in between records the topic again.
	if state.poller != nil {
		if len(state.topics) == 0 {
			m.retireLocked(state)
		} else {
			state.poller.Restart(state.topics)
		}
	}
	state.history.Remove(sub.topic)
	if m.journal != nil {
		m.journal.RemoveTopic(state.name, sub.topic)
	}
	return true
}

// retireLocked stops and discards the poller of state.
func (m *Manager) retireLocked(state *systemState) {
	p := state.poller
	state.poller = nil
	p.Stop()
	m.retired.Go(p.Wait)
}

func (m *Manager) current(state *systemState) bool {
	return m.systems[state.name] == state
}

// deliver runs the handlers of evt's topic in registration order.
func (m *Manager) deliver(state *systemState, evt notification.Event) {
	started := time.Now()
	m.mu.Lock()
	if !m.current(state) {
		m.mu.Unlock()
		return
	}
	subs := make([]*Subscription, len(state.handlers[evt.Topic]))
	copy(subs, state.handlers[evt.Topic])
	m.mu.Unlock()

	invoked := 0
	for _, sub := range subs {
		m.mu.Lock()
		active := sub.active
		m.mu.Unlock()
		if !active {
			continue
		}
		m.invoke(sub, evt)
		invoked++
		if sub.once {
			m.Unsubscribe(sub)
		}
	}
	m.metrics.recordDispatch(evt.System, evt.Topic, invoked, time.Since(started))
}

func (m *Manager) invoke(sub *Subscription, evt notification.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("system %s: handler for topic %s panicked: %v", sub.system, sub.topic, r)
		}
	}()
	sub.handler(evt)
}

func (m *Manager) started(state *systemState, topic string) {
	m.mu.Lock()
	if !m.current(state) {
		m.mu.Unlock()
		return
	}
	waiting := state.pending[topic]
	delete(state.pending, topic)
	m.mu.Unlock()

	for _, sub := range waiting {
		sub.resolve()
	}
}

func (m *Manager) stopped(state *systemState, cause error) {
	m.mu.Lock()
	if !m.current(state) {
		m.mu.Unlock()
		return
	}
	var waiting []*Subscription
	for topic, subs := range state.pending {
		waiting = append(waiting, subs...)
		delete(state.pending, topic)
	}
	m.mu.Unlock()

	m.logger.Printf("system %s: polling halted, rejecting %d pending subscriptions: %v", state.name, len(waiting), cause)
	for _, sub := range waiting {
		sub.reject(cause)
	}
}

// systemSink adapts poller callbacks to the registry of one system.
type systemSink struct {
	manager *Manager
	state   *systemState
}

func (s *systemSink) Deliver(evt notification.Event) {
	s.manager.deliver(s.state, evt)
}

func (s *systemSink) SubscriptionStarted(_ string, topic string) {
	s.manager.started(s.state, topic)
}

func (s *systemSink) Stopped(_ string, cause error) {
	s.manager.stopped(s.state, cause)
}

func without(subs []*Subscription, target *Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}
