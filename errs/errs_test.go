package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFields(t *testing.T) {
	err := New(
		"main",
		CodeForbidden,
		WithHTTP(403),
		WithMessage("operation not allowed"),
		WithRawCode("OperationNotAllowed"),
		WithField("endpoint", "/api/ui-notifications"),
		WithField("request_id", "req-123"),
		WithCause(errors.New("http 403")),
	)

	out := err.Error()
	if !strings.Contains(out, "system=main") {
		t.Fatalf("expected system marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=forbidden") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=403") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"/api/ui-notifications\",request_id=\"req-123\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"http 403\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestEmptySystemRendersUnknown(t *testing.T) {
	err := New("  ", CodeNetwork)
	if !strings.Contains(err.Error(), "system=unknown") {
		t.Fatalf("expected unknown system marker: %s", err.Error())
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("main", CodeInvalid, WithField("  ", "value"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := New("main", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"server error", FromHTTPStatus("main", http.StatusInternalServerError), ClassTransient},
		{"forbidden", FromHTTPStatus("main", http.StatusForbidden), ClassForbidden},
		{"not allowed", FromHTTPStatus("main", http.StatusMethodNotAllowed), ClassForbidden},
		{"unauthorized", FromHTTPStatus("main", http.StatusUnauthorized), ClassSessionExpired},
		{"session code", New("main", CodeSessionExpired), ClassSessionExpired},
		{"wrapped forbidden", fmt.Errorf("poll: %w", New("main", CodeForbidden)), ClassForbidden},
		{"plain error", errors.New("boom"), ClassTransient},
		{"network", New("main", CodeNetwork, WithCause(errors.New("reset"))), ClassTransient},
		{"cancelled", fmt.Errorf("poll: %w", context.Canceled), ClassCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestClassFatal(t *testing.T) {
	if ClassTransient.Fatal() {
		t.Fatalf("transient must not be fatal")
	}
	if !ClassForbidden.Fatal() || !ClassSessionExpired.Fatal() {
		t.Fatalf("forbidden and session expiry must be fatal")
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("subscribe: %w", New("remote", CodeConfig))
	if !IsCode(err, CodeConfig) {
		t.Fatalf("expected config code to be detected")
	}
	if IsCode(errors.New("x"), CodeConfig) {
		t.Fatalf("plain errors carry no code")
	}
}
