// Package apiclient talks to the remote analytics API. Every dataset is one
// POST-shaped logical operation taking a normalized date interval and
// returning a JSON envelope {success, message, data}. The client maps each
// failure mode onto the errmodel taxonomy: transport trouble and bad HTTP
// statuses are transport errors, a success:false envelope is an application
// error, and undecodable or empty payloads are data_shape errors.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimmerhq/dashcache/pkg/errmodel"
	"github.com/glimmerhq/dashcache/pkg/interval"
)

// DefaultTimeout bounds one request attempt.
const DefaultTimeout = 15 * time.Second

// Envelope is the wire response shape shared by every dataset operation.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client issues dataset requests against one API base URL.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// Option configures the Client at construction time.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log.With("component", "apiclient")
		}
	}
}

// New constructs a Client. The transport is traced with otelhttp.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: slog.Default().With("component", "apiclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchDataset POSTs the normalized interval (plus optional discriminators)
// to path and returns the envelope's data payload.
func (c *Client) FetchDataset(ctx context.Context, path string, iv interval.Interval, extra map[string]string) (json.RawMessage, error) {
	tr := otel.Tracer("apiclient")
	ctx, span := tr.Start(ctx, "Client.FetchDataset", trace.WithAttributes(
		attribute.String("api.path", path),
		attribute.String("api.interval", iv.String()),
	))
	defer span.End()

	n := iv.Normalize()
	body := map[string]string{
		"start_date": n.From.Format(interval.DayFormat),
		"end_date":   n.To.Format(interval.DayFormat),
	}
	for k, v := range extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errmodel.Transport("encode_request", "marshal request body", nil, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errmodel.Transport("build_request", "build request", map[string]any{"path": path}, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, errmodel.Transport("request_failed", "post dataset request", map[string]any{"path": path}, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errmodel.Transport("read_body", "read response body", map[string]any{"path": path}, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errmodel.Transport("http_status",
			fmt.Sprintf("unexpected status %d", resp.StatusCode),
			map[string]any{"path": path, "status": resp.StatusCode}, nil)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errmodel.DataShape("invalid_json", "response is not a valid envelope",
			map[string]any{"path": path}, err)
	}
	if !env.Success {
		return nil, errmodel.Application("api_rejected", env.Message,
			map[string]any{"path": path})
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, errmodel.DataShape("missing_data", "envelope has no data field",
			map[string]any{"path": path}, nil)
	}
	return env.Data, nil
}
