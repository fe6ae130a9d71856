package httpserver

import (
	"net/http"
	"sort"
	"time"

	"github.com/coachpo/uinotify/internal/app/notifications"
	"github.com/coachpo/uinotify/internal/infra/config"
)

const (
	backupVersion  = "1"
	redactedHeader = "<redacted>"
)

// ConfigBackup captures the configured systems and subscriptions together with live status.
type ConfigBackup struct {
	Version       string                      `json:"version"`
	GeneratedAt   time.Time                   `json:"generatedAt"`
	Environment   string                      `json:"environment"`
	Systems       map[string]SystemBackup     `json:"systems"`
	Subscriptions []config.SubscriptionConfig `json:"subscriptions"`
	Status        []notifications.SystemInfo  `json:"status"`
}

// SystemBackup is the exported form of a system; header values are redacted.
type SystemBackup struct {
	Endpoint        string   `json:"endpoint"`
	Transport       string   `json:"transport"`
	MinPollInterval string   `json:"minPollInterval,omitempty"`
	RequestTimeout  string   `json:"requestTimeout,omitempty"`
	Headers         []string `json:"headers,omitempty"`
}

func buildBackupPayload(s *Server) ConfigBackup {
	snapshot := s.configStore.Snapshot()
	systems := make(map[string]SystemBackup, len(snapshot.Systems))
	for name, system := range snapshot.Systems {
		backup := SystemBackup{
			Endpoint:        system.Endpoint,
			Transport:       string(system.Transport),
			MinPollInterval: "",
			RequestTimeout:  "",
			Headers:         nil,
		}
		if system.MinPollInterval > 0 {
			backup.MinPollInterval = system.MinPollInterval.String()
		}
		if system.RequestTimeout > 0 {
			backup.RequestTimeout = system.RequestTimeout.String()
		}
		for key := range system.Headers {
			backup.Headers = append(backup.Headers, key+": "+redactedHeader)
		}
		sort.Strings(backup.Headers)
		systems[name] = backup
	}
	return ConfigBackup{
		Version:       backupVersion,
		GeneratedAt:   time.Now().UTC(),
		Environment:   string(s.environment),
		Systems:       systems,
		Subscriptions: snapshot.Subscriptions,
		Status:        s.manager.Systems(),
	}
}

func (s *Server) exportConfigBackup(w http.ResponseWriter, _ *http.Request) {
	if s.configStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, buildBackupPayload(s))
}
