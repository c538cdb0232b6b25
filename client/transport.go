package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Response is a successful reply from a Transport.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs the HTTP calls against the application backend.
// Non-2xx replies are reported as *TransportError.
type Transport interface {
	PostForm(ctx context.Context, endpoint string, form url.Values) (*Response, error)
	PostJSON(ctx context.Context, endpoint string, body any) (*Response, error)
}

const maxResponseBytes = 1 << 20

// HTTPTransport is the net/http implementation of Transport.
type HTTPTransport struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPTransport wraps client, defaulting to a 30 second timeout.
func NewHTTPTransport(client *http.Client, logger *slog.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{client: client, logger: logger}
}

// PostForm sends form as application/x-www-form-urlencoded.
func (t *HTTPTransport) PostForm(ctx context.Context, endpoint string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return t.do(req, endpoint)
}

// PostJSON sends body encoded as JSON.
func (t *HTTPTransport) PostJSON(ctx context.Context, endpoint string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal body: %v", ErrTransport, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return t.do(req, endpoint)
}

func (t *HTTPTransport) do(req *http.Request, endpoint string) (*Response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: post %s: %w", ErrTransport, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		te := newTransportError(endpoint, resp.StatusCode, body)
		t.logger.Debug("backend rejected request", "endpoint", endpoint, "status", resp.StatusCode, "error", te.Code)
		return nil, te
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
