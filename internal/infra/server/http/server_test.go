package httpserver

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/uinotify/internal/app/notifications"
	"github.com/coachpo/uinotify/internal/app/poller"
	"github.com/coachpo/uinotify/internal/domain/notification"
	"github.com/coachpo/uinotify/internal/infra/config"
	"github.com/coachpo/uinotify/internal/infra/transport/fake"
)

type harness struct {
	server    *Server
	manager   *notifications.Manager
	transport *fake.Transport
	store     *config.AppConfigStore
	persisted int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	h := &harness{transport: fake.New()}
	h.manager = notifications.NewManager(h.transport,
		notifications.WithLogger(quiet),
		notifications.WithBackOff(poller.ConstantBackOff(100*time.Millisecond)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.manager.Shutdown(ctx))
	})

	cfg := config.DefaultAppConfig()
	cfg.Systems["crm"] = config.SystemConfig{
		Endpoint:  "/crm/notifications",
		Transport: config.TransportHTTP,
		Headers:   map[string]string{"Authorization": "Bearer secret"},
	}
	store, err := config.NewAppConfigStore(cfg, func(config.AppConfig) error {
		h.persisted++
		return nil
	})
	require.NoError(t, err)
	h.store = store

	noop := func(system, topic string) notification.Handler {
		return func(notification.Event) {}
	}
	h.server = NewServer(config.EnvDev, h.manager, noop, WithLogger(quiet), WithConfigStore(store))
	return h
}

func (h *harness) waitStarted(t *testing.T, id string) <-chan struct{} {
	t.Helper()
	h.server.mu.Lock()
	sub, ok := h.server.subs[id]
	h.server.mu.Unlock()
	require.True(t, ok)
	return sub.Started()
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, map[string]string{"status": "ok", "environment": "dev"}, decode[map[string]string](t, rec))
}

func TestSystemsEndpoints(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.RegisterSystem("crm", "/crm/notifications"))

	rec := h.do(t, http.MethodGet, "/systems", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[map[string][]notifications.SystemInfo](t, rec)
	require.Len(t, listing["systems"], 2)
	require.Equal(t, "crm", listing["systems"][0].Name)
	require.Equal(t, notification.DefaultSystem, listing["systems"][1].Name)

	rec = h.do(t, http.MethodGet, "/systems/crm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/crm/notifications", decode[notifications.SystemInfo](t, rec).Endpoint)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/systems/unknown", "").Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/systems/", "").Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/systems/unknown/restart", "").Code)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/systems/crm/restart", "").Code)

	rec = h.do(t, http.MethodGet, "/systems/crm/restart", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = h.do(t, http.MethodPut, "/systems", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/subscriptions", `{"topic":" aaa "}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[subscriptionView](t, rec)
	require.Equal(t, notification.DefaultSystem, created.System)
	require.Equal(t, "aaa", created.Topic)
	require.False(t, created.Started)
	require.Equal(t, []config.SubscriptionConfig{{System: notification.DefaultSystem, Topic: "aaa"}}, h.store.Subscriptions())
	require.Equal(t, 1, h.persisted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	call, err := h.transport.Next(ctx)
	require.NoError(t, err)
	call.Respond(notification.PollResponse{Notifications: []notification.Record{{
		Topic:             "aaa",
		NodeID:            "node1",
		CreationTime:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		SubscriptionStart: true,
	}}})

	select {
	case <-ctx.Done():
		t.Fatal("subscription did not start")
	case <-h.waitStarted(t, created.ID):
	}
	rec = h.do(t, http.MethodGet, "/subscriptions/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[subscriptionView](t, rec).Started)

	rec = h.do(t, http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[map[string][]subscriptionView](t, rec)
	require.Len(t, listing["subscriptions"], 1)
	require.Equal(t, created.ID, listing["subscriptions"][0].ID)

	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/subscriptions/"+created.ID, "").Code)
	require.Empty(t, h.store.Subscriptions())
	require.Equal(t, 2, h.persisted)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/subscriptions/"+created.ID, "").Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/subscriptions/"+created.ID, "").Code)
	require.Nil(t, h.manager.Poller(notification.DefaultSystem))
}

func TestOnceSubscriptionIsNotPersisted(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/subscriptions", `{"topic":"aaa","once":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, decode[subscriptionView](t, rec).Once)
	require.Empty(t, h.store.Subscriptions())
	require.Zero(t, h.persisted)
}

func TestCreateSubscriptionErrors(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/subscriptions", `{`).Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/subscriptions", `{"topic":"  "}`).Code)

	rec := h.do(t, http.MethodPost, "/subscriptions", `{"system":"nope","topic":"aaa"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, decode[map[string]string](t, rec)["error"], "not registered")
	require.Empty(t, h.store.Subscriptions())
}

func TestTrackedSubscriptionsAreListed(t *testing.T) {
	h := newHarness(t)
	sub, err := h.manager.Subscribe("bbb", func(notification.Event) {})
	require.NoError(t, err)
	h.server.Track(sub)

	listing := decode[map[string][]subscriptionView](t, h.do(t, http.MethodGet, "/subscriptions", ""))
	require.Len(t, listing["subscriptions"], 1)
	require.Equal(t, "bbb", listing["subscriptions"][0].Topic)

	h.manager.Unsubscribe(sub)
	listing = decode[map[string][]subscriptionView](t, h.do(t, http.MethodGet, "/subscriptions", ""))
	require.Empty(t, listing["subscriptions"])
}

func TestConfigBackupRedactsHeaders(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/config/backup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "Bearer secret")

	backup := decode[ConfigBackup](t, rec)
	require.Equal(t, backupVersion, backup.Version)
	require.Equal(t, "dev", backup.Environment)
	require.Equal(t, []string{"Authorization: " + redactedHeader}, backup.Systems["crm"].Headers)
	require.Equal(t, "http", backup.Systems["crm"].Transport)
	require.Len(t, backup.Status, 1)
}

func TestPreflight(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodOptions, "/subscriptions", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
}
