package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/uinotify/errs"
	"github.com/coachpo/uinotify/internal/app/history"
	"github.com/coachpo/uinotify/internal/domain/historystore"
	"github.com/coachpo/uinotify/internal/domain/notification"
	"github.com/coachpo/uinotify/internal/infra/transport/fake"
)

const testRetry = 200 * time.Millisecond

var created = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	events  []notification.Event
	starts  []string
	stopped []error
}

func (s *recordingSink) Deliver(evt notification.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) SubscriptionStarted(_ string, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, topic)
}

func (s *recordingSink) Stopped(_ string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, cause)
}

func (s *recordingSink) Events() []notification.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notification.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) Starts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.starts...)
}

func (s *recordingSink) Stops() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.stopped...)
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []historystore.Entry
}

func (j *memoryJournal) Append(entry historystore.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

type harness struct {
	poller    *Poller
	transport *fake.Transport
	sink      *recordingSink
	history   *history.History
	journal   *memoryJournal
}

func newHarness(t *testing.T, topics ...string) *harness {
	t.Helper()
	h := &harness{
		transport: fake.New(),
		sink:      &recordingSink{},
		history:   history.New(history.DefaultCount),
		journal:   &memoryJournal{},
	}
	h.poller = New(Config{
		System:    notification.DefaultSystem,
		Endpoint:  "http://backend/ui/notifications",
		Transport: h.transport,
		History:   h.history,
		Sink:      h.sink,
		Journal:   h.journal,
		BackOff:   ConstantBackOff(testRetry),
		Logger:    log.New(io.Discard, "", 0),
	}, topics)
	t.Cleanup(func() {
		h.poller.Stop()
		h.poller.Wait()
	})
	return h
}

func (h *harness) next(t *testing.T) *fake.Call {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	call, err := h.transport.Next(ctx)
	require.NoError(t, err, "expected a poll request")
	return call
}

func (h *harness) expectNoRequest(t *testing.T, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	call, err := h.transport.Next(ctx)
	require.Error(t, err, "unexpected poll request %+v", call)
}

func record(id, topic, node string, offset time.Duration, message string) notification.Record {
	return notification.Record{
		ID:           id,
		Topic:        topic,
		NodeID:       node,
		CreationTime: created.Add(offset),
		Message:      json.RawMessage(message),
	}
}

func TestStartIssuesRequestWithoutMarkers(t *testing.T) {
	h := newHarness(t, "aaa")
	require.Equal(t, notification.StatusStopped, h.poller.Status())

	require.True(t, h.poller.Start())
	require.False(t, h.poller.Start())
	require.Equal(t, notification.StatusRunning, h.poller.Status())

	call := h.next(t)
	require.Equal(t, notification.DefaultSystem, call.System)
	require.Equal(t, "http://backend/ui/notifications", call.Endpoint)
	require.Equal(t, notification.PollRequest{Topics: []notification.TopicRequest{{Name: "aaa"}}}, call.Request)
	require.Equal(t, 1, h.transport.Count())
}

func TestDeliveryUpdatesMarkersForNextRequest(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{
		record("1", "aaa", "node1", 0, `{"a":"aaa"}`),
	}})
	call := h.next(t)

	events := h.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, "aaa", events[0].Topic)
	require.Equal(t, "node1", events[0].NodeID)
	require.JSONEq(t, `{"a":"aaa"}`, string(events[0].Message))

	topic, ok := call.Request.Topic("aaa")
	require.True(t, ok)
	require.Equal(t, []notification.Marker{{ID: "1", CreationTime: created, NodeID: "node1"}}, topic.LastNotifications)
	require.Equal(t, notification.StatusRunning, h.poller.Status())
}

func TestDuplicateIsNotRedelivered(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	rec := record("1", "aaa", "node1", 0, `{"a":"aaa"}`)
	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{rec}})
	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{rec}})
	h.next(t)

	require.Len(t, h.sink.Events(), 1)
	require.Len(t, h.history.Entries("aaa", "node1"), 1)
}

func TestBatchOrderIsPreserved(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{
		record("3", "aaa", "node1", 3*time.Second, `{}`),
		record("1", "aaa", "node1", 1*time.Second, `{}`),
		record("2", "aaa", "node2", 2*time.Second, `{}`),
	}})
	h.next(t)

	var got []string
	for _, evt := range h.sink.Events() {
		got = append(got, evt.ID)
	}
	require.Equal(t, []string{"3", "1", "2"}, got)

	entries := h.history.Entries("aaa", "node1")
	require.Equal(t, "1", entries[0].ID)
	require.Equal(t, "3", entries[1].ID)
}

func TestRestartSupersedesInFlightRequest(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{
		record("1", "aaa", "node1", 0, `{}`),
	}})
	inflight := h.next(t)
	before := h.transport.Count()

	h.poller.Restart([]string{"aaa", "bbb"})
	replacement := h.next(t)

	<-inflight.Done()
	require.True(t, inflight.Cancelled())
	require.Equal(t, before+1, h.transport.Count())
	require.Equal(t, 1, h.transport.MaxInflight())
	require.Equal(t, []string{"aaa", "bbb"}, replacement.Request.TopicNames())

	aaa, _ := replacement.Request.Topic("aaa")
	require.Len(t, aaa.LastNotifications, 1)
	bbb, _ := replacement.Request.Topic("bbb")
	require.Empty(t, bbb.LastNotifications)
	require.Equal(t, notification.StatusRunning, h.poller.Status())

	// a late answer to the superseded request is ignored
	inflight.Respond(notification.PollResponse{Notifications: []notification.Record{
		record("2", "aaa", "node1", time.Second, `{}`),
	}})
	h.expectNoRequest(t, 50*time.Millisecond)
	require.Len(t, h.sink.Events(), 1)
}

func TestPurgeAfterRestartIsNotUndoneByLateResponse(t *testing.T) {
	h := newHarness(t, "aaa", "bbb")
	h.poller.Start()

	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{
		{Topic: "aaa", NodeID: "node1", CreationTime: created, SubscriptionStart: true},
		record("1", "aaa", "node1", time.Second, `{}`),
	}})
	inflight := h.next(t)
	require.True(t, h.history.Started("aaa"))

	// same order the manager uses when the last handler of a topic goes away
	h.poller.Restart([]string{"bbb"})
	h.history.Remove("aaa")

	inflight.Respond(notification.PollResponse{Notifications: []notification.Record{
		record("9", "aaa", "node1", 9*time.Second, `{}`),
		{Topic: "aaa", NodeID: "node1", CreationTime: created.Add(10 * time.Second), SubscriptionStart: true},
	}})
	replacement := h.next(t)
	require.Equal(t, []string{"bbb"}, replacement.Request.TopicNames())

	require.False(t, h.history.Has("aaa", "node1", "9"))
	require.False(t, h.history.Started("aaa"))
	require.Empty(t, h.history.Entries("aaa", "node1"))
	require.Empty(t, h.history.LastMarkers("aaa"))
	require.Len(t, h.sink.Events(), 1)
}

func TestTransportCancellationIsRetried(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Fail(fmt.Errorf("read frame: %w", context.Canceled))
	require.Eventually(t, func() bool {
		return h.poller.Status() == notification.StatusFailure
	}, time.Second, time.Millisecond)

	call := h.next(t)
	require.Equal(t, notification.StatusRunning, h.poller.Status())
	require.Equal(t, []string{"aaa"}, call.Request.TopicNames())
	require.Equal(t, uint64(1), h.poller.Snapshot().Failures)
	require.Empty(t, h.sink.Stops())
}

func TestTransientFailureRetriesAfterInterval(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Fail(errs.FromHTTPStatus(notification.DefaultSystem, http.StatusInternalServerError))
	require.Eventually(t, func() bool {
		return h.poller.Status() == notification.StatusFailure
	}, time.Second, time.Millisecond)

	call := h.next(t)
	require.Equal(t, notification.StatusRunning, h.poller.Status())
	require.Equal(t, []string{"aaa"}, call.Request.TopicNames())

	info := h.poller.Snapshot()
	require.Equal(t, uint64(1), info.Failures)
	require.Contains(t, info.LastError, "http=500")
	require.Empty(t, h.sink.Stops())

	call.Respond(notification.PollResponse{})
	h.next(t)
	require.Empty(t, h.poller.Snapshot().LastError)
}

func TestPlainErrorsAreTransient(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Fail(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return h.poller.Status() == notification.StatusFailure
	}, time.Second, time.Millisecond)
	h.next(t)
}

func TestForbiddenStopsWithoutRetry(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Fail(errs.FromHTTPStatus(notification.DefaultSystem, http.StatusForbidden))
	require.Eventually(t, func() bool {
		return h.poller.Status() == notification.StatusStopped
	}, time.Second, time.Millisecond)

	h.expectNoRequest(t, testRetry+100*time.Millisecond)
	require.Equal(t, notification.StatusStopped, h.poller.Status())
	require.Equal(t, 1, h.transport.Count())

	stops := h.sink.Stops()
	require.Len(t, stops, 1)
	require.True(t, errs.IsCode(stops[0], errs.CodeForbidden))

	// an explicit start resumes polling
	require.True(t, h.poller.Start())
	h.next(t)
}

func TestSessionTerminationStops(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Respond(notification.PollResponse{SessionTerminated: true})
	require.Eventually(t, func() bool {
		return h.poller.Status() == notification.StatusStopped
	}, time.Second, time.Millisecond)
	h.expectNoRequest(t, testRetry+100*time.Millisecond)

	stops := h.sink.Stops()
	require.Len(t, stops, 1)
	require.Equal(t, errs.ClassSessionExpired, errs.Classify(stops[0]))
}

func TestStopIgnoresLateResponse(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	call := h.next(t)
	h.poller.Stop()
	h.poller.Stop()
	require.Equal(t, notification.StatusStopped, h.poller.Status())
	<-call.Done()

	call.Respond(notification.PollResponse{Notifications: []notification.Record{
		record("1", "aaa", "node1", 0, `{}`),
	}})
	h.poller.Wait()
	require.Empty(t, h.sink.Events())
	require.False(t, h.history.Has("aaa", "node1", "1"))
}

func TestStopDuringBackoffCancelsRetry(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Fail(errs.FromHTTPStatus(notification.DefaultSystem, http.StatusBadGateway))
	require.Eventually(t, func() bool {
		return h.poller.Status() == notification.StatusFailure
	}, time.Second, time.Millisecond)

	h.poller.Stop()
	h.poller.Wait()
	h.expectNoRequest(t, testRetry+100*time.Millisecond)
	require.Equal(t, notification.StatusStopped, h.poller.Status())
}

func TestRestartDuringFailureOnlyReplacesTopics(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Fail(errs.FromHTTPStatus(notification.DefaultSystem, http.StatusServiceUnavailable))
	require.Eventually(t, func() bool {
		return h.poller.Status() == notification.StatusFailure
	}, time.Second, time.Millisecond)

	h.poller.Restart([]string{"aaa", "bbb"})
	require.Equal(t, notification.StatusFailure, h.poller.Status())
	require.Equal(t, 1, h.transport.Count())

	call := h.next(t)
	require.Equal(t, []string{"aaa", "bbb"}, call.Request.TopicNames())
}

func TestRestartWhileStoppedDoesNotPoll(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Restart([]string{"bbb"})
	require.Equal(t, []string{"bbb"}, h.poller.Topics())
	h.expectNoRequest(t, 50*time.Millisecond)
}

func TestSubscriptionStartMovesMarkerWithoutDelivery(t *testing.T) {
	h := newHarness(t, "aaa", "bbb")
	h.poller.Start()

	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{
		{Topic: "aaa", NodeID: "node1", ID: "s", CreationTime: created, SubscriptionStart: true},
		{Topic: "aaa", NodeID: "node2", ID: "s", CreationTime: created, SubscriptionStart: true},
	}})
	call := h.next(t)

	require.Empty(t, h.sink.Events())
	require.Equal(t, []string{"aaa"}, h.sink.Starts())
	require.True(t, h.history.Started("aaa"))
	require.False(t, h.history.Started("bbb"))
	require.False(t, h.history.Has("aaa", "node1", "s"))

	aaa, _ := call.Request.Topic("aaa")
	require.Len(t, aaa.LastNotifications, 2)
}

func TestRecordsForUnknownTopicsAreDropped(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{
		record("1", "zzz", "node1", 0, `{}`),
		{Topic: "aaa", NodeID: "node1"},
	}})
	h.next(t)

	require.Empty(t, h.sink.Events())
	require.Empty(t, h.history.Topics())
}

func TestJournalReceivesAcceptedEntries(t *testing.T) {
	h := newHarness(t, "aaa")
	h.poller.Start()

	rec := record("1", "aaa", "node1", 0, `{}`)
	h.next(t).Respond(notification.PollResponse{Notifications: []notification.Record{
		{Topic: "aaa", NodeID: "node1", CreationTime: created, SubscriptionStart: true},
		rec,
		rec,
	}})
	h.next(t)

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	require.Len(t, h.journal.entries, 2)
	require.True(t, h.journal.entries[0].SubscriptionStart)
	require.Equal(t, historystore.Entry{
		System:       notification.DefaultSystem,
		Topic:        "aaa",
		NodeID:       "node1",
		ID:           "1",
		CreationTime: created,
	}, h.journal.entries[1])
}

func TestExponentialBackOffBounds(t *testing.T) {
	bo := ExponentialBackOff(10*time.Millisecond, 5*time.Millisecond)()
	wait := bo.NextBackOff()
	require.Greater(t, wait, time.Duration(0))
	require.LessOrEqual(t, wait, 15*time.Millisecond)

	constant := ConstantBackOff(0)()
	require.Equal(t, DefaultRetryInterval, constant.NextBackOff())
}
