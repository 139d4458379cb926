package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
)

// Transport delivers events to the ingestion endpoint
type Transport interface {
	Send(ctx context.Context, rec activity.ActivityRecord) error
	SendBatch(ctx context.Context, recs []activity.ActivityRecord) error
}

// StatusError is returned for a non-2xx ingestion response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingestion endpoint returned %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport posts JSON arrays to the batch ingestion endpoint
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	header   http.Header
}

// NewHTTPTransport creates a transport for endpoint, typically
// https://host/api/v1/activity/batch. A nil client gets a 10s timeout.
func NewHTTPTransport(endpoint string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{endpoint: endpoint, client: client, header: http.Header{}}
}

// SetHeader adds a header to every request, e.g. identity set by a gateway
func (t *HTTPTransport) SetHeader(key, value string) {
	t.header.Set(key, value)
}

// Send delivers a single event
func (t *HTTPTransport) Send(ctx context.Context, rec activity.ActivityRecord) error {
	return t.SendBatch(ctx, []activity.ActivityRecord{rec})
}

// SendBatch delivers events in one request. Any non-2xx status is a failure.
func (t *HTTPTransport) SendBatch(ctx context.Context, recs []activity.ActivityRecord) error {
	body, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range t.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
