// Package wspoll implements the long-poll transport over a persistent WebSocket per system.
package wspoll

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/uinotify/errs"
	"github.com/coachpo/uinotify/internal/domain/notification"
	"github.com/coachpo/uinotify/internal/infra/telemetry"
)

const (
	transportName = "websocket"
	readLimit     = 8 << 20

	// StatusSessionExpired is the close code a backend uses for an invalid session.
	StatusSessionExpired websocket.StatusCode = 4401
	// StatusForbidden is the close code a backend uses for a refused subscription.
	StatusForbidden websocket.StatusCode = 4403
)

// requestFrame wraps a poll request with the id echoed by the reply.
type requestFrame struct {
	ID string `json:"id"`
	notification.PollRequest
}

type responseFrame struct {
	ID string `json:"id"`
	notification.PollResponse
}

type readResult struct {
	msgType websocket.MessageType
	data    []byte
	err     error
}

// link is one dialed connection plus the goroutine reading from it. Reads never
// use a poll context, so abandoning a poll leaves the connection open.
type link struct {
	conn   *websocket.Conn
	frames chan readResult
	done   chan struct{}
	once   sync.Once
}

func newLink(conn *websocket.Conn) *link {
	l := &link{
		conn:   conn,
		frames: make(chan readResult, 1),
		done:   make(chan struct{}),
		once:   sync.Once{},
	}
	go l.read()
	return l
}

func (l *link) read() {
	for {
		msgType, data, err := l.conn.Read(context.Background())
		select {
		case l.frames <- readResult{msgType: msgType, data: data, err: err}:
		case <-l.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// stale discards frames buffered since the last poll. They answer abandoned
// requests. A read error among them is returned.
func (l *link) stale() error {
	for {
		select {
		case res := <-l.frames:
			if res.err != nil {
				return res.err
			}
		default:
			return nil
		}
	}
}

// release stops the reader. The caller closes the connection.
func (l *link) release() {
	l.once.Do(func() {
		close(l.done)
	})
}

type session struct {
	mu       sync.Mutex
	endpoint string
	link     *link
}

// Transport keeps one WebSocket connection per system and exchanges one request frame per poll.
type Transport struct {
	header http.Header
	client *http.Client
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*session

	dials metric.Int64Counter
}

// Option configures the transport.
type Option func(*Transport)

// WithHeader adds a header to the WebSocket handshake.
func WithHeader(key, value string) Option {
	return func(t *Transport) {
		if strings.TrimSpace(key) != "" {
			t.header.Set(key, value)
		}
	}
}

// WithHTTPClient overrides the client used for the handshake.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// WithLogger overrides the transport logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New constructs a WebSocket poll transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		header:   make(http.Header),
		client:   nil,
		logger:   log.New(os.Stdout, "wspoll ", log.LstdFlags|log.Lmicroseconds),
		mu:       sync.Mutex{},
		sessions: make(map[string]*session),
		dials:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	meter := otel.Meter("transport.websocket")
	t.dials, _ = meter.Int64Counter("uinotify_transport_dials",
		metric.WithDescription("WebSocket dials by result"),
		metric.WithUnit("{dial}"))
	return t
}

// Poll sends the request frame and waits for the reply carrying the same id.
// Replies to abandoned requests are discarded.
func (t *Transport) Poll(ctx context.Context, system, endpoint string, req notification.PollRequest) (notification.PollResponse, error) {
	if err := ctx.Err(); err != nil {
		return notification.PollResponse{}, classify(ctx, system, "poll", err)
	}
	s := t.session(system)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := t.connect(ctx, s, system, endpoint)
	if err != nil {
		return notification.PollResponse{}, err
	}

	id := uuid.NewString()
	payload, err := json.Marshal(requestFrame{ID: id, PollRequest: req})
	if err != nil {
		return notification.PollResponse{}, errs.New(system, errs.CodeInvalid, errs.WithMessage("encode poll request"), errs.WithCause(err))
	}
	if err := l.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		s.drop()
		return notification.PollResponse{}, classify(ctx, system, "write", err)
	}

	for {
		var res readResult
		select {
		case <-ctx.Done():
			// the reply may still arrive; the next poll discards it by id
			return notification.PollResponse{}, classify(ctx, system, "read", ctx.Err())
		case res = <-l.frames:
		}
		if res.err != nil {
			s.drop()
			return notification.PollResponse{}, classify(ctx, system, "read", res.err)
		}
		if res.msgType != websocket.MessageText {
			continue
		}
		var frame responseFrame
		if err := json.Unmarshal(res.data, &frame); err != nil {
			return notification.PollResponse{}, errs.New(system, errs.CodeDecode,
				errs.WithMessage("decode poll response"),
				errs.WithField("request_id", id),
				errs.WithCause(err))
		}
		if frame.ID != id {
			t.logger.Printf("system %s: discarding reply to superseded request %s", system, frame.ID)
			continue
		}
		return frame.PollResponse, frame.PollResponse.Err(system)
	}
}

// Close terminates every open connection.
func (t *Transport) Close() {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()
	for _, s := range sessions {
		s.mu.Lock()
		if s.link != nil {
			s.link.release()
			_ = s.link.conn.Close(websocket.StatusNormalClosure, "shutdown")
			s.link = nil
		}
		s.mu.Unlock()
	}
}

func (t *Transport) session(system string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[system]
	if !ok {
		s = &session{mu: sync.Mutex{}, endpoint: "", link: nil}
		t.sessions[system] = s
	}
	return s
}

func (t *Transport) connect(ctx context.Context, s *session, system, endpoint string) (*link, error) {
	if s.link != nil && s.endpoint == endpoint {
		err := s.link.stale()
		if err == nil {
			return s.link, nil
		}
		s.drop()
		// a connection lost while idle is redialled unless the backend refused the session
		if classified := classify(ctx, system, "read", err); errs.Classify(classified).Fatal() {
			return nil, classified
		}
		t.logger.Printf("system %s: connection lost while idle, redialling: %v", system, err)
	}
	s.drop()

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: t.client,
		HTTPHeader: t.header.Clone(),
	})
	if err != nil {
		t.recordDial(system, "error")
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, errs.FromHTTPStatus(system, resp.StatusCode, errs.WithMessage("websocket handshake rejected"), errs.WithCause(err))
		}
		return nil, classify(ctx, system, "dial", err)
	}
	t.recordDial(system, "success")
	conn.SetReadLimit(readLimit)
	s.link = newLink(conn)
	s.endpoint = endpoint
	return s.link, nil
}

func (s *session) drop() {
	if s.link == nil {
		return
	}
	s.link.release()
	_ = s.link.conn.CloseNow()
	s.link = nil
}

// classify maps connection failures, honouring the backend close codes.
func classify(ctx context.Context, system, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("%s %s: %w", op, system, context.Canceled)
	}
	status := websocket.CloseStatus(err)
	switch status {
	case StatusSessionExpired:
		return errs.New(system, errs.CodeSessionExpired, errs.WithMessage("session closed by backend"), errs.WithCause(err))
	case StatusForbidden, websocket.StatusPolicyViolation:
		return errs.New(system, errs.CodeForbidden,
			errs.WithMessage("subscription refused by backend"),
			errs.WithRawCode(strconv.Itoa(int(status))),
			errs.WithCause(err))
	}
	if errors.Is(err, net.ErrClosed) {
		return errs.New(system, errs.CodeNetwork, errs.WithMessage(op+": connection closed"), errs.WithCause(err))
	}
	return errs.New(system, errs.CodeNetwork, errs.WithMessage(op+" failed"), errs.WithCause(err))
}

func (t *Transport) recordDial(system, result string) {
	if t.dials == nil {
		return
	}
	attrs := telemetry.TransportAttributes(telemetry.Environment(), system, transportName, "")
	attrs = append(attrs, telemetry.AttrResult.String(result))
	t.dials.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
