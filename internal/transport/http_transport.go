// Package transport implements the sync server wire contract over HTTP.
// The engine consumes it through the services.Transport interface and makes
// no further assumptions about the wire format.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/medsync/engine/internal/models"
)

// Error is a classified transport failure. Class follows the engine's
// failure taxonomy: transient failures are retried with backoff, fatal ones
// abort the current cycle.
type Error struct {
	Class      string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s (status %d)", e.Err, e.StatusCode)
	}
	return fmt.Sprintf("transport: %s", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the failure class of an error, defaulting to transient
// for plain network errors
func Classify(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	return models.ErrorClassTransient
}

// pushRequest is the wire form of a pushed batch
type pushRequest struct {
	Records []*models.ChangeRecord `json:"records"`
}

// pullResponse is the wire form of a pulled batch
type pullResponse struct {
	Records       []*models.RemoteRecord `json:"records"`
	ServerVersion int64                  `json:"serverVersion"`
	HasMore       bool                   `json:"hasMore"`
}

// HTTPTransport talks JSON over HTTP to the sync server
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPTransport creates an HTTPTransport with a bounded per-request
// timeout. Timeouts surface as transient errors, not fatal ones.
func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Push sends a batch of local change records to the server
func (t *HTTPTransport) Push(ctx context.Context, records []*models.ChangeRecord) (*models.PushResult, error) {
	body, err := json.Marshal(pushRequest{Records: records})
	if err != nil {
		return nil, &Error{Class: models.ErrorClassFatal, Err: fmt.Errorf("encode push batch: %w", err)}
	}

	var result models.PushResult
	if err := t.do(ctx, http.MethodPost, "/api/sync/push", bytes.NewReader(body), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pull retrieves remote records of one entity type newer than sinceVersion
func (t *HTTPTransport) Pull(ctx context.Context, entityType string, sinceVersion int64, limit int) ([]*models.RemoteRecord, int64, error) {
	q := url.Values{}
	q.Set("entityType", entityType)
	q.Set("since", strconv.FormatInt(sinceVersion, 10))
	q.Set("limit", strconv.Itoa(limit))

	var resp pullResponse
	if err := t.do(ctx, http.MethodGet, "/api/sync/pull?"+q.Encode(), nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Records, resp.ServerVersion, nil
}

// Fetch retrieves the full current server copy of one entity. Used to
// recover from a checksum mismatch after apply.
func (t *HTTPTransport) Fetch(ctx context.Context, entityID string) (*models.RemoteRecord, error) {
	var record models.RemoteRecord
	if err := t.do(ctx, http.MethodGet, "/api/sync/entities/"+url.PathEscape(entityID), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body *bytes.Reader, out interface{}) error {
	var reqBody *bytes.Reader
	if body == nil {
		reqBody = bytes.NewReader(nil)
	} else {
		reqBody = body
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
	if err != nil {
		return &Error{Class: models.ErrorClassFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &Error{Class: classifyNetError(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &Error{Class: models.ErrorClassTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("server error")}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &Error{Class: models.ErrorClassTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("rate limited")}
	}
	if resp.StatusCode >= 400 {
		return &Error{Class: models.ErrorClassFatal, StatusCode: resp.StatusCode, Err: fmt.Errorf("request rejected")}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Class: models.ErrorClassFatal, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func classifyNetError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrorClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrorClassFatal
	}
	// Connection refused, DNS failures and the like are retryable
	return models.ErrorClassTransient
}
