// Package verifyapi is the client side of the remote verification service:
// face match against a registered profile and profile enrollment.
package verifyapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/example/faceverify/internal/detector"
)

// Metadata travels with every request for auditing on the service side.
type Metadata struct {
	SessionID     string  `json:"session_id"`
	Attempt       int     `json:"attempt"`
	LivenessScore float64 `json:"liveness_score"`
	Manual        bool    `json:"manual"`
	DeviceID      string  `json:"device_id,omitempty"`
}

// Result is the verdict of a verification call.
type Result struct {
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	MatchID    string  `json:"match_id,omitempty"`
}

// Client exposes the operations used by the verification flow.
type Client interface {
	Verify(ctx context.Context, userID string, artifact detector.Artifact, live bool, meta Metadata) (Result, error)
	RegisterProfile(ctx context.Context, userID string, encoding []byte, meta Metadata) error
	Close() error
}

// StatusError is a non-2xx answer from the HTTP transport.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("verification api: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("verification api: %d: %s", e.Code, e.Message)
}

// HTTPStatus exposes the status code to the fault classifier.
func (e *StatusError) HTTPStatus() int {
	return e.Code
}
