// Package httppoll implements the long-poll transport over HTTP POST.
package httppoll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/uinotify/errs"
	"github.com/coachpo/uinotify/internal/domain/notification"
	"github.com/coachpo/uinotify/internal/infra/telemetry"
)

const (
	transportName = "http"
	// RequestIDHeader carries the per request correlation id.
	RequestIDHeader = "X-Request-Id"
	maxBodyBytes    = 8 << 20
	errorBodyBytes  = 4 << 10
)

// Transport posts poll requests as JSON and decodes the notification response.
type Transport struct {
	client      *http.Client
	baseURL     *url.URL
	headers     http.Header
	minInterval time.Duration
	timeout     time.Duration
	logger      *log.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	requests metric.Int64Counter
}

// Option configures the transport.
type Option func(*Transport)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithBaseURL resolves relative system endpoints against base.
func WithBaseURL(base *url.URL) Option {
	return func(t *Transport) {
		t.baseURL = base
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(t *Transport) {
		if strings.TrimSpace(key) != "" {
			t.headers.Set(key, value)
		}
	}
}

// WithMinInterval spaces consecutive requests of one system by at least d.
func WithMinInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.minInterval = d
	}
}

// WithRequestTimeout bounds a single poll. Zero leaves the wait to the backend.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.timeout = d
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

// New constructs an HTTP poll transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		client:      &http.Client{},
		baseURL:     nil,
		headers:     make(http.Header),
		minInterval: 0,
		timeout:     0,
		logger:      log.New(os.Stdout, "httppoll ", log.LstdFlags|log.Lmicroseconds),
		mu:          sync.Mutex{},
		limiters:    make(map[string]*rate.Limiter),
		requests:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	meter := otel.Meter("transport.http")
	t.requests, _ = meter.Int64Counter("uinotify_transport_requests",
		metric.WithDescription("Poll requests sent by the transport, by response status"),
		metric.WithUnit("{request}"))
	return t
}

// Poll issues one long-poll request for system.
func (t *Transport) Poll(ctx context.Context, system, endpoint string, req notification.PollRequest) (notification.PollResponse, error) {
	if err := t.wait(ctx, system); err != nil {
		return notification.PollResponse{}, err
	}
	target, err := t.resolve(endpoint)
	if err != nil {
		return notification.PollResponse{}, errs.New(system, errs.CodeInvalid, errs.WithMessage("invalid endpoint"), errs.WithCause(err))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return notification.PollResponse{}, errs.New(system, errs.CodeInvalid, errs.WithMessage("encode poll request"), errs.WithCause(err))
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	requestID := uuid.NewString()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return notification.PollResponse{}, errs.New(system, errs.CodeInvalid, errs.WithMessage("create poll request"), errs.WithCause(err))
	}
	for key, values := range t.headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return notification.PollResponse{}, fmt.Errorf("poll %s: %w", system, context.Canceled)
		}
		t.record(system, "network")
		return notification.PollResponse{}, errs.New(system, errs.CodeNetwork,
			errs.WithMessage("poll request failed"),
			errs.WithField("request_id", requestID),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	t.record(system, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode == http.StatusNoContent {
		return notification.PollResponse{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Printf("system %s: poll status %d request_id=%s", system, resp.StatusCode, requestID)
		return notification.PollResponse{}, statusError(system, requestID, resp)
	}

	var decoded notification.PollResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&decoded); err != nil {
		if errors.Is(err, io.EOF) {
			return notification.PollResponse{}, nil
		}
		return notification.PollResponse{}, errs.New(system, errs.CodeDecode,
			errs.WithMessage("decode poll response"),
			errs.WithField("request_id", requestID),
			errs.WithCause(err))
	}
	return decoded, decoded.Err(system)
}

// statusError maps a non-success response, honouring an error envelope in the body.
func statusError(system, requestID string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyBytes))
	var envelope notification.PollResponse
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &envelope) == nil {
		if envelope.SessionTerminated {
			return errs.New(system, errs.CodeSessionExpired,
				errs.WithHTTP(resp.StatusCode),
				errs.WithMessage("session terminated"),
				errs.WithField("request_id", requestID))
		}
		if envelope.Error != nil {
			return errs.FromHTTPStatus(system, resp.StatusCode,
				errs.WithRawCode(envelope.Error.Code),
				errs.WithMessage(envelope.Error.Message),
				errs.WithField("request_id", requestID))
		}
	}
	return errs.FromHTTPStatus(system, resp.StatusCode,
		errs.WithMessage(strings.TrimSpace(string(body))),
		errs.WithField("request_id", requestID))
}

func (t *Transport) wait(ctx context.Context, system string) error {
	if t.minInterval <= 0 {
		return nil
	}
	t.mu.Lock()
	limiter, ok := t.limiters[system]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(t.minInterval), 1)
		t.limiters[system] = limiter
	}
	t.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("poll %s: %w", system, ctxErr)
		}
		return errs.New(system, errs.CodeUnavailable, errs.WithMessage("rate limit"), errs.WithCause(err))
	}
	return nil
}

func (t *Transport) resolve(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if t.baseURL == nil {
		return "", fmt.Errorf("relative endpoint %q without base url", endpoint)
	}
	return t.baseURL.ResolveReference(ref).String(), nil
}

func (t *Transport) record(system, status string) {
	if t.requests == nil {
		return
	}
	t.requests.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.TransportAttributes(telemetry.Environment(), system, transportName, status)...))
}
