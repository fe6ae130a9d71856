// Package notification defines the UI notification data model and poll wire envelopes.
package notification

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/uinotify/errs"
)

// DefaultSystem names the backend system that is registered implicitly.
const DefaultSystem = "main"

// Record is a single notification returned by a poll.
// Identity is (Topic, NodeID, ID).
type Record struct {
	ID                string          `json:"id"`
	Topic             string          `json:"topic"`
	NodeID            string          `json:"nodeId"`
	CreationTime      time.Time       `json:"creationTime"`
	Message           json.RawMessage `json:"message,omitempty"`
	SubscriptionStart bool            `json:"subscriptionStart,omitempty"`
}

// Entry returns the minimal history entry for the record.
func (r Record) Entry() HistoryEntry {
	return HistoryEntry{ID: r.ID, CreationTime: r.CreationTime}
}

// Validate reports whether the record carries the fields needed for routing and dedup.
func (r Record) Validate() bool {
	if strings.TrimSpace(r.Topic) == "" {
		return false
	}
	if r.SubscriptionStart {
		return true
	}
	return strings.TrimSpace(r.ID) != ""
}

// HistoryEntry is what the history keeps of a processed record.
type HistoryEntry struct {
	ID           string    `json:"id"`
	CreationTime time.Time `json:"creationTime"`
}

// Marker tells the backend which notification of a node the client consumed last.
type Marker struct {
	ID           string    `json:"id"`
	CreationTime time.Time `json:"creationTime"`
	NodeID       string    `json:"nodeId"`
}

// Event is handed to topic handlers.
type Event struct {
	System       string
	Topic        string
	NodeID       string
	ID           string
	CreationTime time.Time
	Message      json.RawMessage
}

// Decode unmarshals the message payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Message, v)
}

// Handler receives delivered notifications. It runs on the poller goroutine.
type Handler func(Event)

// TopicRequest is one topic entry of a poll request.
type TopicRequest struct {
	Name              string   `json:"name"`
	LastNotifications []Marker `json:"lastNotifications,omitempty"`
}

// PollRequest is the body sent to a system endpoint.
type PollRequest struct {
	Topics []TopicRequest `json:"topics"`
}

// TopicNames lists the topic names of the request in order.
func (r PollRequest) TopicNames() []string {
	names := make([]string, 0, len(r.Topics))
	for _, topic := range r.Topics {
		names = append(names, topic.Name)
	}
	return names
}

// Topic returns the request entry for name.
func (r PollRequest) Topic(name string) (TopicRequest, bool) {
	for _, topic := range r.Topics {
		if topic.Name == name {
			return topic, true
		}
	}
	return TopicRequest{}, false
}

// ErrorEnvelope is the error body a backend may answer with.
type ErrorEnvelope struct {
	HTTPStatus int    `json:"httpStatus"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// PollResponse is the body returned by a system endpoint.
type PollResponse struct {
	Notifications     []Record       `json:"notifications"`
	Error             *ErrorEnvelope `json:"error,omitempty"`
	SessionTerminated bool           `json:"sessionTerminated,omitempty"`
}

// Err converts an error envelope or a session termination flag into an error.
func (r PollResponse) Err(system string) error {
	if r.SessionTerminated {
		return errs.New(system, errs.CodeSessionExpired, errs.WithMessage("session terminated"))
	}
	if r.Error == nil {
		return nil
	}
	opts := []errs.Option{errs.WithRawCode(r.Error.Code), errs.WithMessage(r.Error.Message)}
	if r.Error.HTTPStatus == 0 {
		return errs.New(system, errs.CodeUnavailable, opts...)
	}
	return errs.FromHTTPStatus(system, r.Error.HTTPStatus, opts...)
}

// Status is the lifecycle state of a poller.
type Status string

const (
	// StatusStopped means no request is outstanding and none is scheduled.
	StatusStopped Status = "stopped"
	// StatusRunning means a poll request is outstanding.
	StatusRunning Status = "running"
	// StatusFailure means the last poll failed and a retry is scheduled.
	StatusFailure Status = "failure"
)
