package config

import (
	"fmt"
	"strings"
	"sync"
)

// AppConfigStore holds the canonical application configuration and persists changes via a callback.
type AppConfigStore struct {
	mu      sync.RWMutex
	cfg     AppConfig
	persist func(AppConfig) error
}

// NewAppConfigStore constructs a configuration store seeded with the supplied configuration snapshot.
func NewAppConfigStore(initial AppConfig, persist func(AppConfig) error) (*AppConfigStore, error) {
	clone := initial.Clone()
	if err := clone.normalise(); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{mu: sync.RWMutex{}, cfg: clone, persist: persist}, nil
}

// Snapshot returns a deep copy of the current application configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return DefaultAppConfig()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Subscriptions returns the configured startup subscriptions.
func (s *AppConfigStore) Subscriptions() []SubscriptionConfig {
	return s.Snapshot().Subscriptions
}

// AddSubscription records sub so it is subscribed again on the next start.
// Adding an existing subscription is a no-op.
func (s *AppConfigStore) AddSubscription(sub SubscriptionConfig) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.cfg.Clone()
	updated.Subscriptions = append(updated.Subscriptions, sub)
	if err := updated.normalise(); err != nil {
		return err
	}
	if len(updated.Subscriptions) == len(s.cfg.Subscriptions) {
		return nil
	}
	return s.commitLocked(updated)
}

// RemoveSubscription drops every persisted subscription of (system, topic).
func (s *AppConfigStore) RemoveSubscription(system, topic string) error {
	if s == nil {
		return nil
	}
	system = normalizeSystemName(system)
	topic = strings.TrimSpace(topic)

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.cfg.Clone()
	kept := updated.Subscriptions[:0]
	for _, sub := range updated.Subscriptions {
		if sub.System == system && sub.Topic == topic {
			continue
		}
		kept = append(kept, sub)
	}
	if len(kept) == len(s.cfg.Subscriptions) {
		return nil
	}
	updated.Subscriptions = kept
	return s.commitLocked(updated)
}

func (s *AppConfigStore) commitLocked(updated AppConfig) error {
	if err := updated.Validate(); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return fmt.Errorf("persist app config: %w", err)
		}
	}
	s.cfg = updated
	return nil
}
