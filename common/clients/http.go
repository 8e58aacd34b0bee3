package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/botkita/flowcore/common/sdk"
)

// Logger interface for HTTP client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client with context-aware helpers
// It automatically extracts metadata from context and adds appropriate headers
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient creates a new HTTP client wrapper
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		client: client,
		logger: logger,
	}
}

// DoRequest creates and executes an HTTP request, extracting metadata from context
// This is the central method that handles context-to-header conversion
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	// Create request with context
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	// Extract user ID from context and set X-User-ID header
	if userID, ok := GetUserID(ctx); ok {
		req.Header.Set("X-User-ID", userID)
		c.logger.Debug("added X-User-ID header from context", "user_id", userID)
	}

	// Extract trace ID from context and set X-Trace-ID header
	if traceID, ok := GetTraceID(ctx); ok {
		req.Header.Set("X-Trace-ID", traceID)
	}

	// Execute request
	return c.client.Do(req)
}

// PostJSON posts a JSON payload and returns the parsed response body. Errors
// are mapped onto the handler error taxonomy: transport failures become
// remote_unavailable, deadline expiry becomes timeout, and non-2xx responses
// become remote_error.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, payload interface{}) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, sdk.Errf(sdk.ErrInvalidInput, "marshal request payload: %v", err)
	}

	resp, err := c.DoRequest(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return gjson.Result{}, sdk.Errf(sdk.ErrTimeout, "call to %s timed out", url)
		}
		c.logger.Warn("collaborator unreachable", "url", url, "error", err)
		return gjson.Result{}, sdk.Errf(sdk.ErrRemoteUnavailable, "call to %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, sdk.Errf(sdk.ErrRemoteUnavailable, "read response from %s: %v", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("collaborator returned error", "url", url, "status", resp.StatusCode)
		return gjson.Result{}, sdk.Errf(sdk.ErrRemoteError, "%s returned status %d: %s", url, resp.StatusCode, string(respBody))
	}

	return gjson.ParseBytes(respBody), nil
}
