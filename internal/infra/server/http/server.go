// Package httpserver exposes the HTTP control surface of the notification client.
package httpserver

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/uinotify/errs"
	"github.com/coachpo/uinotify/internal/app/notifications"
	"github.com/coachpo/uinotify/internal/domain/notification"
	"github.com/coachpo/uinotify/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath = "/healthz"

	systemsPath        = "/systems"
	systemDetailPrefix = systemsPath + "/"
	restartSuffix      = "/restart"

	subscriptionsPath        = "/subscriptions"
	subscriptionDetailPrefix = subscriptionsPath + "/"

	configBackupPath = "/config/backup"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// HandlerFactory builds the handler attached to subscriptions created over HTTP.
type HandlerFactory func(system, topic string) notification.Handler

// Server routes control requests to the notification manager.
type Server struct {
	environment config.Environment
	manager     *notifications.Manager
	configStore *config.AppConfigStore
	handlerFor  HandlerFactory
	logger      *log.Logger

	mu   sync.Mutex
	subs map[string]*notifications.Subscription

	handler http.Handler
}

// Option configures the server.
type Option func(*Server)

// WithLogger overrides the server logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfigStore persists subscriptions created or removed over HTTP.
func WithConfigStore(store *config.AppConfigStore) Option {
	return func(s *Server) {
		s.configStore = store
	}
}

// NewServer creates the control API for manager.
func NewServer(environment config.Environment, manager *notifications.Manager, handlerFor HandlerFactory, opts ...Option) *Server {
	server := &Server{
		environment: environment,
		manager:     manager,
		configStore: nil,
		handlerFor:  handlerFor,
		logger:      log.New(os.Stdout, "api ", log.LstdFlags|log.Lmicroseconds),
		mu:          sync.Mutex{},
		subs:        make(map[string]*notifications.Subscription),
		handler:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(systemsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSystems,
	}))
	mux.Handle(systemDetailPrefix, http.HandlerFunc(server.handleSystem))
	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listSubscriptions,
		http.MethodPost: server.createSubscription,
	}))
	mux.Handle(subscriptionDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getSubscription,
		http.MethodDelete: server.deleteSubscription,
	}))
	mux.Handle(configBackupPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.exportConfigBackup,
	}))
	server.handler = withCORS(mux)
	return server
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Track makes a subscription created outside the API visible to it.
func (s *Server) Track(sub *notifications.Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID()] = sub
}

func (s *Server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

func (s *Server) listSystems(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"systems": s.manager.Systems()})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, systemDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "system name required")
		return
	}
	if name, ok := strings.CutSuffix(rest, restartSuffix); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.restartSystem(w, name)
		return
	}
	if strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	info, ok := s.manager.System(rest)
	if !ok {
		writeError(w, http.StatusNotFound, "system not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) restartSystem(w http.ResponseWriter, name string) {
	if err := s.manager.Restart(name); err != nil {
		writeManagerError(w, err)
		return
	}
	info, _ := s.manager.System(name)
	writeJSON(w, http.StatusAccepted, info)
}

// subscriptionView is the JSON form of a tracked subscription.
type subscriptionView struct {
	ID      string `json:"id"`
	System  string `json:"system"`
	Topic   string `json:"topic"`
	Once    bool   `json:"once"`
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

type subscriptionPayload struct {
	System string `json:"system"`
	Topic  string `json:"topic"`
	Once   bool   `json:"once"`
}

func (s *Server) view(sub *notifications.Subscription) subscriptionView {
	started := false
	select {
	case <-sub.Started():
		started = sub.Err() == nil
	default:
	}
	view := subscriptionView{
		ID:      sub.ID(),
		System:  sub.System(),
		Topic:   sub.Topic(),
		Once:    sub.IsOnce(),
		Started: started,
		Error:   "",
	}
	if err := sub.Err(); err != nil {
		view.Error = err.Error()
	}
	return view
}

// active returns the tracked subscriptions still registered, forgetting the rest.
func (s *Server) active() []*notifications.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*notifications.Subscription, 0, len(s.subs))
	for id, sub := range s.subs {
		if !s.manager.Active(sub) {
			delete(s.subs, id)
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].System() != out[j].System() {
			return out[i].System() < out[j].System()
		}
		if out[i].Topic() != out[j].Topic() {
			return out[i].Topic() < out[j].Topic()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (s *Server) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.active()
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, s.view(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeSubscriptionPayload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.handlerFor == nil {
		writeError(w, http.StatusServiceUnavailable, "subscriptions are read-only")
		return
	}

	opts := []notifications.SubscribeOption{notifications.WithSystem(payload.System)}
	if payload.Once {
		opts = append(opts, notifications.Once())
	}
	sub, err := s.manager.Subscribe(payload.Topic, s.handlerFor(payload.System, payload.Topic), opts...)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if !payload.Once && s.configStore != nil {
		if err := s.configStore.AddSubscription(config.SubscriptionConfig{System: payload.System, Topic: payload.Topic, Once: false}); err != nil {
			s.manager.Unsubscribe(sub)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("persist subscription: %v", err))
			return
		}
	}
	s.Track(sub)
	s.logger.Printf("subscription %s created system=%s topic=%s once=%t", sub.ID(), sub.System(), sub.Topic(), sub.IsOnce())
	writeJSON(w, http.StatusCreated, s.view(sub))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*notifications.Subscription, bool) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, subscriptionDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "subscription id required")
		return nil, false
	}
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok || !s.manager.Active(sub) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return nil, false
	}
	return sub, true
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(sub))
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.manager.Unsubscribe(sub)
	s.mu.Lock()
	delete(s.subs, sub.ID())
	remaining := 0
	for _, other := range s.subs {
		if other.System() == sub.System() && other.Topic() == sub.Topic() && !other.IsOnce() {
			remaining++
		}
	}
	s.mu.Unlock()
	if remaining == 0 && s.configStore != nil {
		if err := s.configStore.RemoveSubscription(sub.System(), sub.Topic()); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("persist subscription removal: %v", err))
			return
		}
	}
	s.logger.Printf("subscription %s removed system=%s topic=%s", sub.ID(), sub.System(), sub.Topic())
	w.WriteHeader(http.StatusNoContent)
}

func decodeSubscriptionPayload(w http.ResponseWriter, r *http.Request) (subscriptionPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload subscriptionPayload
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	payload.System = strings.TrimSpace(payload.System)
	if payload.System == "" {
		payload.System = notification.DefaultSystem
	}
	payload.Topic = strings.TrimSpace(payload.Topic)
	if payload.Topic == "" {
		return payload, fmt.Errorf("topic required")
	}
	return payload, nil
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notifications.ErrSystemNotRegistered):
		writeError(w, http.StatusNotFound, err.Error())
	case errs.IsCode(err, errs.CodeInvalid), errs.IsCode(err, errs.CodeConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
