// Package client provides the upstream HTTP client for the Gemini API.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"gemini-balance-go/internal/config"
	"gemini-balance-go/internal/metrics"
	"gemini-balance-go/internal/model"
)

// GeminiClient sends requests to the upstream Gemini API. It carries two
// http.Clients over one pooled transport: the buffered client enforces an
// overall per-attempt timeout, the streaming client only bounds the wait for
// response headers so a committed long-lived stream is never cut off.
type GeminiClient struct {
	buffered  *http.Client
	streaming *http.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewGeminiClient creates a GeminiClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewGeminiClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GeminiClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &GeminiClient{
		buffered: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		streaming: &http.Client{
			Transport: transport,
		},
		logger:  logger.With("component", "gemini_client"),
		metrics: m,
	}
}

// Do executes one key attempt against the upstream and returns the raw
// response. The caller is responsible for closing the response body.
// The provided context controls the lifetime of the upstream request: when
// it is canceled (e.g. client disconnects), the attempt is canceled too.
// With stream set, the overall timeout is lifted and only the wait for
// response headers is bounded.
func (c *GeminiClient) Do(ctx context.Context, method, url string, header http.Header, body io.Reader, stream bool) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
		"stream", stream,
	)

	hc := c.buffered
	if stream {
		hc = c.streaming
	}

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	m := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(m, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
