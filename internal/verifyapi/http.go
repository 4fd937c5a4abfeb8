package verifyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/logging"
)

const maxErrorBody = 4 << 10

// HTTPClient talks to the verification service over JSON.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type verifyRequest struct {
	UserID      string   `json:"user_id"`
	Image       []byte   `json:"image"`
	ContentType string   `json:"content_type,omitempty"`
	Liveness    bool     `json:"liveness"`
	Context     Metadata `json:"context"`
}

type registerRequest struct {
	UserID   string   `json:"user_id"`
	Encoding []byte   `json:"encoding"`
	Context  Metadata `json:"context"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPClient builds a client for baseURL with the given request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("verifyapi"),
	}
}

// Verify implements Client.
func (c *HTTPClient) Verify(ctx context.Context, userID string, artifact detector.Artifact, live bool, meta Metadata) (Result, error) {
	var result Result
	err := c.post(ctx, "/v1/verify", verifyRequest{
		UserID:      userID,
		Image:       artifact.Data,
		ContentType: artifact.ContentType,
		Liveness:    live,
		Context:     meta,
	}, &result)
	if err != nil {
		wrapped := logging.NewOperationError("verifyapi.verify", meta.SessionID, err)
		c.logger.Error("verification call failed", zap.Error(wrapped), zap.String("user_id", userID))
		return Result{}, wrapped
	}
	return result, nil
}

// RegisterProfile implements Client.
func (c *HTTPClient) RegisterProfile(ctx context.Context, userID string, encoding []byte, meta Metadata) error {
	err := c.post(ctx, "/v1/profiles", registerRequest{UserID: userID, Encoding: encoding, Context: meta}, nil)
	if err != nil {
		wrapped := logging.NewOperationError("verifyapi.register_profile", meta.SessionID, err)
		c.logger.Error("profile registration failed", zap.Error(wrapped), zap.String("user_id", userID))
		return wrapped
	}
	return nil
}

// Close implements Client.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var er errorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
