// Package apierr maps transport and HTTP failures from Git hosts into a
// typed taxonomy with retry guidance, and tracks rate-limit headers.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Type identifies one failure class.
type Type string

const (
	TypeBadRequest      Type = "bad_request"
	TypeUnauthorized    Type = "unauthorized"
	TypeForbidden       Type = "forbidden"
	TypeNotFound        Type = "not_found"
	TypeConflict        Type = "conflict"
	TypeValidationError Type = "validation_error"
	TypeServerError     Type = "server_error"
	TypeRateLimit       Type = "rate_limit"
	TypeNetworkError    Type = "network_error"
	TypeTimeoutError    Type = "timeout_error"
)

const (
	serverErrorRetryDelay  = 30 * time.Second
	networkErrorRetryDelay = 5 * time.Second
)

// ClassifiedError is the structured result of classifying a failure.
type ClassifiedError struct {
	Type         Type
	Status       int
	Message      string
	UserMessage  string
	CanRetry     bool
	RetryAfter   time.Duration
	RequiresAuth bool
	IsConflict   bool
	FieldErrors  []string
	Context      string
}

func (e *ClassifiedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Context, e.Message, e.Type)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Type)
}

// RateLimitState mirrors the standard rate-limit headers of the last
// response seen by this classifier.
type RateLimitState struct {
	Remaining *int
	ResetTime *time.Time
	Limit     *int
}

// Classifier converts responses and transport errors into ClassifiedErrors.
// One instance is shared per provider client; rate-limit state is updated
// on every response regardless of status.
type Classifier struct {
	mu   sync.Mutex
	rate RateLimitState
}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// UpdateFromHeaders records rate-limit bookkeeping from a response.
func (c *Classifier) UpdateFromHeaders(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rate.Remaining = &n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(ts, 0)
			c.rate.ResetTime = &t
		}
	}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rate.Limit = &n
		}
	}
}

// RateLimit returns a copy of the current rate-limit state.
func (c *Classifier) RateLimit() RateLimitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// IsRateLimited reports whether a 403 response is actually a rate-limit
// rejection, judged by the remaining-calls header.
func IsRateLimited(status int, h http.Header) bool {
	return status == http.StatusForbidden && h.Get("X-RateLimit-Remaining") == "0"
}

// ClassifyResponse maps a non-2xx HTTP response into the taxonomy. Headers
// are folded into the rate-limit state before classification.
func (c *Classifier) ClassifyResponse(status int, h http.Header, body []byte, ctx string) *ClassifiedError {
	c.UpdateFromHeaders(h)

	providerMsg := extractProviderMessage(body)

	switch {
	case status == http.StatusBadRequest:
		return &ClassifiedError{
			Type: TypeBadRequest, Status: status, Context: ctx,
			Message:     nonEmpty(providerMsg, "bad request"),
			UserMessage: "The request was rejected by the Git host.",
		}

	case status == http.StatusUnauthorized:
		return &ClassifiedError{
			Type: TypeUnauthorized, Status: status, Context: ctx,
			Message:      nonEmpty(providerMsg, "token expired or invalid"),
			UserMessage:  "Your session has expired. Please sign in again.",
			CanRetry:     true,
			RequiresAuth: true,
		}

	case status == http.StatusForbidden && IsRateLimited(status, h):
		e := &ClassifiedError{
			Type: TypeRateLimit, Status: status, Context: ctx,
			Message:     nonEmpty(providerMsg, "rate limit exceeded"),
			UserMessage: "Too many requests to the Git host.",
			CanRetry:    true,
		}
		e.RetryAfter = c.untilReset()
		return e

	case status == http.StatusForbidden:
		return &ClassifiedError{
			Type: TypeForbidden, Status: status, Context: ctx,
			Message:     nonEmpty(providerMsg, "permission denied"),
			UserMessage: "You do not have permission for that operation.",
		}

	case status == http.StatusNotFound:
		return &ClassifiedError{
			Type: TypeNotFound, Status: status, Context: ctx,
			Message:     nonEmpty(providerMsg, "resource not found"),
			UserMessage: "The repository or file was not found.",
		}

	case status == http.StatusConflict:
		return &ClassifiedError{
			Type: TypeConflict, Status: status, Context: ctx,
			Message:     nonEmpty(providerMsg, "remote content conflict"),
			UserMessage: "The remote copy changed since your last sync.",
			CanRetry:    true,
			IsConflict:  true,
		}

	case status == http.StatusUnprocessableEntity:
		return &ClassifiedError{
			Type: TypeValidationError, Status: status, Context: ctx,
			Message:     nonEmpty(providerMsg, "validation failed"),
			UserMessage: "The Git host rejected the payload as invalid.",
			FieldErrors: extractFieldErrors(body),
		}

	case status >= 500:
		return &ClassifiedError{
			Type: TypeServerError, Status: status, Context: ctx,
			Message:     nonEmpty(providerMsg, fmt.Sprintf("server error %d", status)),
			UserMessage: "The Git host is having trouble right now.",
			CanRetry:    true,
			RetryAfter:  serverErrorRetryDelay,
		}

	default:
		return &ClassifiedError{
			Type: TypeServerError, Status: status, Context: ctx,
			Message:     nonEmpty(providerMsg, fmt.Sprintf("unexpected status %d", status)),
			UserMessage: "The Git host returned an unexpected response.",
			CanRetry:    true,
			RetryAfter:  serverErrorRetryDelay,
		}
	}
}

// ClassifyTransportError maps a failed round trip (no response) into the
// taxonomy: timeouts and cancellations vs plain network failures.
func (c *Classifier) ClassifyTransportError(err error, ctx string) *ClassifiedError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr) && netErr.Timeout():
		return &ClassifiedError{
			Type:        TypeTimeoutError,
			Message:     err.Error(),
			UserMessage: "The request to the Git host timed out.",
			CanRetry:    true,
			RetryAfter:  networkErrorRetryDelay,
			Context:     ctx,
		}
	default:
		return &ClassifiedError{
			Type:        TypeNetworkError,
			Message:     err.Error(),
			UserMessage: "Could not reach the Git host.",
			CanRetry:    true,
			RetryAfter:  networkErrorRetryDelay,
			Context:     ctx,
		}
	}
}

// RetryDelay returns how long a caller should wait before retrying.
// Non-retryable errors yield zero.
func (c *Classifier) RetryDelay(e *ClassifiedError) time.Duration {
	if e == nil || !e.CanRetry {
		return 0
	}
	switch e.Type {
	case TypeRateLimit:
		if d := c.untilReset(); d > 0 {
			return d
		}
		return serverErrorRetryDelay
	case TypeServerError:
		return serverErrorRetryDelay
	case TypeNetworkError, TypeTimeoutError:
		return networkErrorRetryDelay
	default:
		if e.RetryAfter > 0 {
			return e.RetryAfter
		}
		return networkErrorRetryDelay
	}
}

// FormatUserMessage renders the short actionable sentence shown to users,
// with a retry hint when one applies.
func (c *Classifier) FormatUserMessage(e *ClassifiedError) string {
	if e == nil {
		return ""
	}
	msg := e.UserMessage
	if msg == "" {
		msg = "Something went wrong talking to the Git host."
	}
	if e.CanRetry {
		if d := c.RetryDelay(e); d > 0 {
			msg = fmt.Sprintf("%s Try again in %s.", msg, humanDuration(d))
		} else {
			msg += " Try again."
		}
	}
	return msg
}

func (c *Classifier) untilReset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rate.ResetTime == nil {
		return 0
	}
	d := time.Until(*c.rate.ResetTime)
	if d < 0 {
		return 0
	}
	return d
}

func humanDuration(d time.Duration) string {
	if d < time.Minute {
		secs := int(d.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("%d seconds", secs)
	}
	mins := int(d.Round(time.Minute).Minutes())
	if mins == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// extractProviderMessage pulls the human-readable message most Git hosts
// embed in error bodies. Token payloads are never echoed.
func extractProviderMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	if payload.ErrorDescription != "" {
		return payload.ErrorDescription
	}
	return payload.Error
}

// extractFieldErrors flattens GitHub-style 422 error arrays.
func extractFieldErrors(body []byte) []string {
	var payload struct {
		Errors []struct {
			Resource string `json:"resource"`
			Field    string `json:"field"`
			Code     string `json:"code"`
			Message  string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	out := make([]string, 0, len(payload.Errors))
	for _, fe := range payload.Errors {
		if fe.Message != "" {
			out = append(out, fe.Message)
			continue
		}
		out = append(out, strings.TrimSpace(fmt.Sprintf("%s %s %s", fe.Resource, fe.Field, fe.Code)))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
