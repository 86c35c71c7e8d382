// Package upstream is the HTTP client for the inference service. A turn call
// returns the raw response body so the relay can read frames incrementally;
// a company lookup is a plain JSON round trip.
//
// Transport failures are classified so callers can map them without string
// matching: ErrUnavailable (could not connect, or the service answered
// 502/503), ErrTimeout (the call's deadline elapsed) and *StatusError for any
// other non-200 answer.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tbourn/deepdive-relay/internal/config"
)

const (
	defaultTimeout        = 45 * time.Second
	defaultConnectTimeout = 5 * time.Second
	lookupTimeout         = 15 * time.Second
	maxErrorBody          = 4 << 10
)

var (
	// ErrUnavailable means the service could not be reached.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("upstream timeout")
)

// StatusError is returned for non-200 answers that are not classified as
// unavailable.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// IsTimeout reports whether err stems from a deadline: ErrTimeout, a context
// deadline, or a net.Error that timed out.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Client communicates with the inference service.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a client from cfg. The http.Client carries no overall
// timeout because turn responses are streamed; each call is bounded by its
// own context deadline instead.
func NewClient(cfg config.UpstreamConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   connect,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{Transport: transport},
	}
}

// WithAPIKey returns a copy of c using key.
func (c *Client) WithAPIKey(key string) *Client {
	cp := *c
	cp.apiKey = key
	return &cp
}

// StreamTurn posts one turn and returns the streaming body. The whole call,
// including reading the body, is bounded by the client timeout; reads past
// the deadline fail with an error for which IsTimeout is true. The caller
// must close the body.
func (c *Client) StreamTurn(ctx context.Context, req TurnRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling turn request: %w", err)
	}
	resp, cancel, err := c.post(ctx, "/v1/turns/"+req.Kind, body, "text/event-stream", c.timeout)
	if err != nil {
		return nil, err
	}
	// Wrap the body so the timeout context cancel is called when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// LookupCompany asks the service for a company profile and returns the raw
// JSON document.
func (c *Client) LookupCompany(ctx context.Context, req LookupRequest) (LookupResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling lookup request: %w", err)
	}
	timeout := lookupTimeout
	if c.timeout < timeout {
		timeout = c.timeout
	}
	resp, cancel, err := c.post(ctx, "/v1/companies/lookup", body, "application/json", timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("decoding lookup response: %w", err)
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, accept string, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		if IsTimeout(err) {
			return nil, nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return nil, nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		case http.StatusGatewayTimeout:
			return nil, nil, fmt.Errorf("%w: status %d", ErrTimeout, resp.StatusCode)
		}
		return nil, nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp, cancel, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
