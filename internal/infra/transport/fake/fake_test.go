package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/uinotify/internal/domain/notification"
)

func request(topics ...notification.TopicRequest) notification.PollRequest {
	return notification.PollRequest{Topics: topics}
}

func TestRespondAndFail(t *testing.T) {
	transport := New()
	type result struct {
		resp notification.PollResponse
		err  error
	}
	results := make(chan result, 2)
	poll := func() {
		resp, err := transport.Poll(context.Background(), "main", "/x", request(notification.TopicRequest{Name: "aaa"}))
		results <- result{resp: resp, err: err}
	}

	go poll()
	call, err := transport.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "main", call.System)
	require.Equal(t, "/x", call.Endpoint)
	call.Respond(notification.PollResponse{Notifications: []notification.Record{{ID: "1", Topic: "aaa"}}})
	got := <-results
	require.NoError(t, got.err)
	require.Len(t, got.resp.Notifications, 1)

	go poll()
	call, err = transport.Next(context.Background())
	require.NoError(t, err)
	boom := errors.New("boom")
	call.Fail(boom)
	require.ErrorIs(t, (<-results).err, boom)

	require.Equal(t, 2, transport.Count())
	require.Len(t, transport.Calls(), 2)
	require.Equal(t, 1, transport.MaxInflight())
}

func TestPollHonoursContext(t *testing.T) {
	transport := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := transport.Poll(ctx, "main", "/x", request())
		done <- err
	}()
	call, err := transport.Next(context.Background())
	require.NoError(t, err)
	require.False(t, call.Cancelled())
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	<-call.Done()
	require.True(t, call.Cancelled())
	call.Respond(notification.PollResponse{})
}

func TestIdleAnswersEmpty(t *testing.T) {
	transport := New()
	transport.Idle = 20 * time.Millisecond
	resp, err := transport.Poll(context.Background(), "main", "/x", request())
	require.NoError(t, err)
	require.Empty(t, resp.Notifications)
}

func TestAnnounceTopics(t *testing.T) {
	transport := New()
	transport.Idle = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go transport.Serve(ctx, AnnounceTopics)

	marker := notification.Marker{ID: "1", CreationTime: time.Now(), NodeID: "fake"}
	resp, err := transport.Poll(context.Background(), "main", "/x", request(
		notification.TopicRequest{Name: "aaa"},
		notification.TopicRequest{Name: "bbb", LastNotifications: []notification.Marker{marker}},
	))
	require.NoError(t, err)
	require.Len(t, resp.Notifications, 1)
	require.Equal(t, "aaa", resp.Notifications[0].Topic)
	require.True(t, resp.Notifications[0].SubscriptionStart)

	resp, err = transport.Poll(context.Background(), "main", "/x", request(
		notification.TopicRequest{Name: "bbb", LastNotifications: []notification.Marker{marker}},
	))
	require.NoError(t, err)
	require.Empty(t, resp.Notifications)
}
