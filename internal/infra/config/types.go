package config

import "strings"

// Environment identifies the runtime environment the client runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TransportKind selects how a system is polled.
type TransportKind string

const (
	// TransportHTTP posts poll requests over HTTP.
	TransportHTTP TransportKind = "http"
	// TransportWebSocket exchanges poll frames over a persistent WebSocket.
	TransportWebSocket TransportKind = "websocket"
	// TransportFake answers every poll from an in-memory script.
	TransportFake TransportKind = "fake"
)

// RetryMode selects the retry schedule after a transient failure.
type RetryMode string

const (
	// RetryConstant waits the retry interval between every attempt.
	RetryConstant RetryMode = "constant"
	// RetryExponential grows the wait up to the maximum retry interval.
	RetryExponential RetryMode = "exponential"
)

func normalizeSystemName(name string) string {
	return strings.TrimSpace(name)
}

func normalizeKind[T ~string](value T, fallback T) T {
	trimmed := T(strings.ToLower(strings.TrimSpace(string(value))))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
