package apierr

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"
)

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestClassifyStatusTable(t *testing.T) {
	cases := []struct {
		status       int
		wantType     Type
		wantRetry    bool
		requiresAuth bool
	}{
		{400, TypeBadRequest, false, false},
		{401, TypeUnauthorized, true, true},
		{404, TypeNotFound, false, false},
		{409, TypeConflict, true, false},
		{422, TypeValidationError, false, false},
		{500, TypeServerError, true, false},
		{502, TypeServerError, true, false},
	}

	for _, tc := range cases {
		c := NewClassifier()
		e := c.ClassifyResponse(tc.status, headers(), nil, "test")
		if e.Type != tc.wantType {
			t.Fatalf("status %d: type = %s, want %s", tc.status, e.Type, tc.wantType)
		}
		if e.CanRetry != tc.wantRetry {
			t.Fatalf("status %d: canRetry = %v, want %v", tc.status, e.CanRetry, tc.wantRetry)
		}
		if e.RequiresAuth != tc.requiresAuth {
			t.Fatalf("status %d: requiresAuth = %v, want %v", tc.status, e.RequiresAuth, tc.requiresAuth)
		}
	}
}

func TestForbiddenVsRateLimit(t *testing.T) {
	c := NewClassifier()

	limited := c.ClassifyResponse(403, headers("X-RateLimit-Remaining", "0"), nil, "repos")
	if limited.Type != TypeRateLimit || !limited.CanRetry {
		t.Fatalf("remaining=0 should classify as retryable rate_limit, got %+v", limited)
	}

	plain := c.ClassifyResponse(403, headers("X-RateLimit-Remaining", "5"), nil, "repos")
	if plain.Type != TypeForbidden || plain.CanRetry {
		t.Fatalf("remaining=5 should classify as non-retryable forbidden, got %+v", plain)
	}
}

func TestRateLimitRetryAfterFromResetHeader(t *testing.T) {
	c := NewClassifier()
	reset := time.Now().Add(90 * time.Second).Unix()

	e := c.ClassifyResponse(403, headers(
		"X-RateLimit-Remaining", "0",
		"X-RateLimit-Reset", strconv.FormatInt(reset, 10),
	), nil, "repos")

	d := c.RetryDelay(e)
	if d < 80*time.Second || d > 91*time.Second {
		t.Fatalf("retry delay should track the reset header, got %s", d)
	}
}

func TestRateLimitStateUpdatedOnEveryResponse(t *testing.T) {
	c := NewClassifier()

	// Even a success path response must update bookkeeping.
	c.UpdateFromHeaders(headers(
		"X-RateLimit-Remaining", "42",
		"X-RateLimit-Limit", "5000",
	))

	rl := c.RateLimit()
	if rl.Remaining == nil || *rl.Remaining != 42 {
		t.Fatalf("remaining not tracked: %+v", rl)
	}
	if rl.Limit == nil || *rl.Limit != 5000 {
		t.Fatalf("limit not tracked: %+v", rl)
	}
}

func TestRetryDelayTable(t *testing.T) {
	c := NewClassifier()

	if d := c.RetryDelay(&ClassifiedError{Type: TypeServerError, CanRetry: true}); d != 30*time.Second {
		t.Fatalf("server_error delay = %s, want 30s", d)
	}
	if d := c.RetryDelay(&ClassifiedError{Type: TypeNetworkError, CanRetry: true}); d != 5*time.Second {
		t.Fatalf("network_error delay = %s, want 5s", d)
	}
	if d := c.RetryDelay(&ClassifiedError{Type: TypeNotFound}); d != 0 {
		t.Fatalf("non-retryable error should have zero delay, got %s", d)
	}
}

func TestClassifyTransportError(t *testing.T) {
	c := NewClassifier()

	if e := c.ClassifyTransportError(context.DeadlineExceeded, "push"); e.Type != TypeTimeoutError {
		t.Fatalf("deadline should classify as timeout_error, got %s", e.Type)
	}

	plain := c.ClassifyTransportError(&connRefusedError{}, "push")
	if plain.Type != TypeNetworkError || !plain.CanRetry {
		t.Fatalf("connection failure should classify as retryable network_error, got %+v", plain)
	}
}

// connRefusedError is a minimal non-timeout transport failure.
type connRefusedError struct{}

func (*connRefusedError) Error() string { return "connection refused" }

func TestProviderMessageExtraction(t *testing.T) {
	c := NewClassifier()

	e := c.ClassifyResponse(404, headers(), []byte(`{"message":"Not Found"}`), "contents")
	if e.Message != "Not Found" {
		t.Fatalf("provider message not extracted: %q", e.Message)
	}

	e = c.ClassifyResponse(422, headers(), []byte(`{"message":"Validation Failed","errors":[{"resource":"Repository","field":"name","code":"already_exists"}]}`), "create repo")
	if len(e.FieldErrors) != 1 || !strings.Contains(e.FieldErrors[0], "already_exists") {
		t.Fatalf("field errors not extracted: %v", e.FieldErrors)
	}
}

func TestFormatUserMessageAppendsRetryHint(t *testing.T) {
	c := NewClassifier()

	e := &ClassifiedError{Type: TypeServerError, CanRetry: true, UserMessage: "The Git host is having trouble right now."}
	msg := c.FormatUserMessage(e)
	if !strings.Contains(msg, "Try again in 30 seconds") {
		t.Fatalf("retry hint missing: %q", msg)
	}

	fixed := c.FormatUserMessage(&ClassifiedError{Type: TypeNotFound, UserMessage: "The repository or file was not found."})
	if strings.Contains(fixed, "Try again") {
		t.Fatalf("non-retryable message must not carry a retry hint: %q", fixed)
	}
}
