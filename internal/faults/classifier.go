// Package faults classifies anything that can go wrong during a verification
// attempt into a typed VerificationError with fixed presentation and retry
// semantics.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VerificationError is an immutable classified fault.
type VerificationError struct {
	Kind        Kind             `json:"type"`
	Message     string           `json:"message"`
	UserMessage string           `json:"user_message"`
	Suggestions []string         `json:"suggestions"`
	Severity    Severity         `json:"severity"`
	Retryable   bool             `json:"retryable"`
	Deferred    bool             `json:"deferred,omitempty"`
	Code        string           `json:"code"`
	Actions     []RecoveryAction `json:"recovery_actions"`
	Timestamp   time.Time        `json:"timestamp"`

	cause error
}

// Error implements the error interface with the technical message.
func (e *VerificationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the raw fault that was classified.
func (e *VerificationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Context describes where a fault was observed.
type Context struct {
	Operation string
	Step      string
	Attempt   int
}

// Classifier maps raw faults to VerificationErrors.
type Classifier struct {
	now func() time.Time
}

// NewClassifier returns a classifier stamping errors with the wall clock.
func NewClassifier() *Classifier {
	return &Classifier{now: time.Now}
}

// NewClassifierWithClock lets callers control timestamps.
func NewClassifierWithClock(now func() time.Time) *Classifier {
	return &Classifier{now: now}
}

// Classify never returns nil for a non-nil fault.
func (c *Classifier) Classify(fault error, fc Context) *VerificationError {
	if fault == nil {
		return nil
	}

	var existing *VerificationError
	if errors.As(fault, &existing) {
		return existing
	}

	kind := kindOf(fault)
	msg := fault.Error()
	if fc.Operation != "" {
		msg = fc.Operation + ": " + msg
	}
	return c.New(kind, msg, fault)
}

// New builds a VerificationError for a known kind.
func (c *Classifier) New(kind Kind, message string, cause error) *VerificationError {
	p, ok := profiles[kind]
	if !ok {
		kind = KindUnknownError
		p = profiles[kind]
	}
	now := time.Now
	if c != nil && c.now != nil {
		now = c.now
	}
	return &VerificationError{
		Kind:        kind,
		Message:     message,
		UserMessage: p.userMessage,
		Suggestions: append([]string(nil), p.suggestions...),
		Severity:    p.severity,
		Retryable:   p.retryable,
		Deferred:    p.deferred,
		Code:        p.code,
		Actions:     append([]RecoveryAction(nil), p.actions...),
		Timestamp:   now().UTC(),
		cause:       cause,
	}
}

func kindOf(err error) Kind {
	var native NativeFault
	if errors.As(err, &native) {
		return native.Kind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeoutError
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		if k, matched := kindForGRPC(st); matched {
			return k
		}
	}

	var httpErr interface{ HTTPStatus() int }
	if errors.As(err, &httpErr) {
		if k, matched := kindForHTTP(httpErr.HTTPStatus()); matched {
			return k
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeoutError
		}
		return KindNetworkError
	}

	if k, ok := kindForMessage(err.Error()); ok {
		return k
	}
	return KindUnknownError
}

func kindForGRPC(st *status.Status) (Kind, bool) {
	switch st.Code() {
	case codes.Unavailable:
		return KindNetworkError, true
	case codes.DeadlineExceeded:
		return KindTimeoutError, true
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindSecurityViolation, true
	case codes.ResourceExhausted:
		return KindTooManyAttempts, true
	case codes.NotFound:
		return KindFaceNotRegistered, true
	case codes.Internal, codes.DataLoss, codes.Unimplemented:
		return KindServerError, true
	}
	if k, ok := kindForMessage(st.Message()); ok {
		return k, true
	}
	switch st.Code() {
	case codes.FailedPrecondition, codes.InvalidArgument:
		return KindVerificationFailed, true
	case codes.Unknown, codes.Aborted:
		return KindServerError, true
	}
	return "", false
}

func kindForHTTP(code int) (Kind, bool) {
	switch {
	case code == 401 || code == 403:
		return KindSecurityViolation, true
	case code == 404:
		return KindFaceNotRegistered, true
	case code == 408 || code == 504:
		return KindTimeoutError, true
	case code == 409 || code == 423:
		return KindAccountLocked, true
	case code == 422:
		return KindVerificationFailed, true
	case code == 429:
		return KindTooManyAttempts, true
	case code >= 500:
		return KindServerError, true
	}
	return "", false
}

// messageRules is the last-resort classification for untyped faults that
// reach the classifier without a code. Order encodes precedence.
var messageRules = []struct {
	kind    Kind
	needles []string
}{
	{KindPermissionDenied, []string{"permission", "not authorized to use camera"}},
	{KindHardwareUnavailable, []string{"device not available", "camera not available", "device unavailable", "camera unavailable", "no camera"}},
	{KindInitializationFailed, []string{"initializ", "failed to start"}},
	{KindMultipleFaces, []string{"multiple faces", "more than one face"}},
	{KindNoFaceDetected, []string{"no face"}},
	{KindFaceNotRegistered, []string{"not registered", "no profile"}},
	{KindFakeFaceDetected, []string{"spoof", "fake face"}},
	{KindNoLivenessDetected, []string{"liveness"}},
	{KindLowConfidence, []string{"confidence"}},
	{KindAccountLocked, []string{"account locked", "account is locked"}},
	{KindTooManyAttempts, []string{"too many", "rate limit"}},
	{KindSecurityViolation, []string{"security", "unauthorized", "forbidden"}},
	{KindEncodingGenerationFailed, []string{"encoding"}},
	{KindNetworkError, []string{"network", "connection", "offline", "unreachable"}},
	{KindTimeoutError, []string{"timeout", "timed out"}},
	{KindStorageError, []string{"storage", "disk full"}},
	{KindSyncError, []string{"sync"}},
	{KindMemoryError, []string{"memory"}},
	{KindHardwareError, []string{"device", "camera", "hardware"}},
	{KindServerError, []string{"server", "internal error"}},
	{KindProcessingError, []string{"processing"}},
}

func kindForMessage(msg string) (Kind, bool) {
	msg = strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.kind, true
			}
		}
	}
	return "", false
}
