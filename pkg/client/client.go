// Package client is a small HTTP client for the queryscope API that measures
// the client-observed round trip of every statement.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultTimeout = 60 * time.Second

// Client talks to a queryscope server.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client for the server at baseURL, e.g. http://localhost:5000.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SQLResponse is a query result together with its latency breakdown.
type SQLResponse struct {
	Result  *models.QueryResult
	Latency models.LatencyBreakdown
}

type errorEnvelope struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Detail    string `json:"detail"`
	Position  int    `json:"position"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (e errorEnvelope) serviceError() *errors.ServiceError {
	code := e.Code
	if code == "" {
		code = errors.CodeQueryFailed
	}
	err := errors.New(code, e.Message)
	if e.Detail != "" || e.Position > 0 {
		err = err.WithPosition(e.Detail, e.Position)
	}
	if e.Retryable {
		err = err.AsRetryable()
	}
	return err
}

// RunSQL posts query to /api/sql. Structured query errors are returned as
// *errors.ServiceError.
func (c *Client) RunSQL(ctx context.Context, query string, useCache bool) (*SQLResponse, error) {
	start := c.now()
	body, err := c.post(ctx, "/api/sql", models.SQLRequest{Query: query, UseCache: useCache})
	if err != nil {
		return nil, err
	}
	totalMs := float64(c.now().Sub(start).Microseconds()) / 1000

	var result models.QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to decode query result")
	}

	return &SQLResponse{
		Result:  &result,
		Latency: models.Breakdown(totalMs, result.ServerDurationMs, result.DBDurationMs),
	}, nil
}

// Health fetches /api/health.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "failed to build request")
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to decode health response")
	}
	return health, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "failed to encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// do sends req and returns the body, converting error envelopes of any
// status into ServiceErrors.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "request failed").AsRetryable()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to read response").AsRetryable()
	}

	var envelope errorEnvelope
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Error {
		return nil, envelope.serviceError()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.New(errors.CodeQueryFailed, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return body, nil
}
