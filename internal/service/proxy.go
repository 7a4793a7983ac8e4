// Package service implements the key failover loop at the core of the proxy.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"gemini-balance-go/internal/client"
	"gemini-balance-go/internal/config"
	"gemini-balance-go/internal/keypool"
	"gemini-balance-go/internal/metrics"
	"gemini-balance-go/internal/model"
)

// ErrMissingAPIKeys is returned when no API key is available from the
// x-goog-api-key header, GOOGLE_API_KEYS, or the config file.
var ErrMissingAPIKeys = errors.New("no API keys provided: send x-goog-api-key header or set GOOGLE_API_KEYS")

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// strippedRequestHeaders are removed before forwarding: host and
// client-identifying headers, platform deployment headers, and the key header
// itself (re-injected per attempt). Accept-Encoding is stripped too so the
// transport negotiates compression and buffered bodies arrive decoded.
var strippedRequestHeaders = []string{
	"Host",
	"X-Real-Ip",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Vercel-Id",
	"X-Vercel-Deployment-Url",
	"X-Vercel-Proxied-For",
	"Accept-Encoding",
	keypool.HeaderAPIKey,
}

// userAgent replaces whatever User-Agent the client sent.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) CherryStudio/1.5.1 Chrome/134.0.6998.205 Electron/35.6.0 Safari/537.36"

// keyPattern matches key query parameter values in URLs embedded in error messages.
var keyPattern = regexp.MustCompile(`(?i)(key=)[^&\s"]+`)

// ProxyService runs the per-request key failover loop.
type ProxyService struct {
	client  *client.GeminiClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable key attempt metrics.
func NewProxyService(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		baseURL: u,
	}, nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		baseURL: u,
	}, nil
}

// failoverState remembers the most recent retried failure. It is overwritten
// on every recorded failure, so exhaustion reports the LAST failing key's
// outcome, matching the long-standing proxy behavior.
type failoverState struct {
	status      int
	body        []byte
	contentType string
}

func (f *failoverState) record(status int, body []byte, contentType string) {
	f.status = status
	f.body = body
	if contentType == "" {
		contentType = "application/json"
	}
	f.contentType = contentType
}

// Forward runs the failover loop for one request: extract the key pool,
// shuffle it, sanitize headers once, then try keys strictly in order until
// one succeeds or the pool is exhausted. All pool, shuffle, and failover
// state is local to this call; concurrent requests share nothing.
//
// The only error returns are ErrMissingAPIKeys, an unreadable inbound body,
// and inbound-context cancellation; every upstream outcome is shaped into a
// ProxyResult.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResult, error) {
	keys := keypool.FromRequest(pr.Header, s.cfg.Gemini.APIKeys)
	if len(keys) == 0 {
		return nil, ErrMissingAPIKeys
	}
	keys = keypool.Shuffle(keys)

	header := s.sanitizeHeaders(pr.Header)
	streaming := IsStreamingPath(pr.Path)
	target := s.upstreamURL(pr.Path, pr.RawQuery)

	// A non-streamed body is buffered exactly once and replayed for every
	// attempt; the inbound body cannot be re-read after the first attempt.
	var bufferedBody []byte
	if !streaming && pr.Body != nil {
		b, err := io.ReadAll(pr.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		bufferedBody = b
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"keys", len(keys),
		"stream", streaming,
	)

	var last failoverState
	last.record(http.StatusInternalServerError, []byte(`{"error":"all API keys failed"}`), "application/json")

	for _, key := range keys {
		header.Set(keypool.HeaderAPIKey, key)

		var body io.Reader
		if streaming {
			body = pr.Body
		} else if len(bufferedBody) > 0 {
			body = bytes.NewReader(bufferedBody)
		}

		resp, err := s.client.Do(pr.Ctx, pr.Method, target, header, body, streaming)
		if err != nil {
			// Client gone: abandon the loop rather than burn keys.
			if pr.Ctx.Err() != nil {
				return nil, pr.Ctx.Err()
			}
			s.logger.Warn("key attempt failed",
				"key", keypool.Redact(key),
				"err", sanitizeError(err),
			)
			s.countAttempt(metrics.OutcomeNetworkError)
			last.record(http.StatusBadGateway, networkErrorBody(err), "application/json")
			continue
		}

		switch {
		case streaming && resp.StatusCode == http.StatusOK:
			// Committed: from here on a failure surfaces to the caller
			// as a truncated stream, never another key.
			s.logger.Info("key succeeded", "key", keypool.Redact(key), "stream", true)
			s.countAttempt(metrics.OutcomeSuccess)
			return &model.ProxyResult{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Stream:     resp.Body,
			}, nil

		case !streaming && resp.StatusCode >= 200 && resp.StatusCode < 400:
			b, err := readAndClose(resp.Body)
			if err != nil {
				s.logger.Warn("reading upstream body",
					"key", keypool.Redact(key),
					"err", sanitizeError(err),
				)
				s.countAttempt(metrics.OutcomeNetworkError)
				last.record(http.StatusBadGateway, networkErrorBody(err), "application/json")
				continue
			}
			s.logger.Info("key succeeded", "key", keypool.Redact(key))
			s.countAttempt(metrics.OutcomeSuccess)
			return &model.ProxyResult{
				StatusCode: resp.StatusCode,
				Header:     dropEncodingHeaders(resp.Header),
				Body:       b,
			}, nil

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Key rejected. Buffer the error body (streamed requests
			// included) and move on to the next key.
			b, _ := readAndClose(resp.Body)
			s.logger.Warn("key rejected",
				"key", keypool.Redact(key),
				"status", resp.StatusCode,
			)
			s.countAttempt(metrics.OutcomeRejected)
			last.record(resp.StatusCode, b, resp.Header.Get("Content-Type"))
			continue

		default:
			// Server-side fault (or a non-200 streaming status outside
			// [400,500)): assumed independent of the key, returned as-is
			// with no further attempts.
			b, _ := readAndClose(resp.Body)
			s.logger.Warn("upstream fault, not retrying",
				"key", keypool.Redact(key),
				"status", resp.StatusCode,
			)
			s.countAttempt(metrics.OutcomeUpstreamFault)
			return &model.ProxyResult{
				StatusCode: resp.StatusCode,
				Header:     dropEncodingHeaders(resp.Header),
				Body:       b,
			}, nil
		}
	}

	s.logger.Warn("all API keys failed",
		"keys", len(keys),
		"status", last.status,
	)
	if s.metrics != nil {
		s.metrics.PoolExhausted.Inc()
	}

	header = make(http.Header)
	header.Set("Content-Type", last.contentType)
	return &model.ProxyResult{
		StatusCode: last.status,
		Header:     header,
		Body:       last.body,
	}, nil
}

// IsStreamingPath classifies a request as streaming when its path contains
// "stream" anywhere, case-insensitively. The rule is deliberately this
// coarse; ambiguous paths have always been classified this way and clients
// depend on it.
func IsStreamingPath(path string) bool {
	return strings.Contains(strings.ToLower(path), "stream")
}

// sanitizeHeaders copies the inbound headers minus the stripped set and
// pins the User-Agent. It runs once per request; the key header is injected
// inside the loop, not here.
func (s *ProxyService) sanitizeHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[http.CanonicalHeaderKey(key)] = vals
	}
	for _, key := range strippedRequestHeaders {
		dst.Del(key)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

// upstreamURL joins the inbound path and raw query onto the upstream base.
// The query string is passed through verbatim, never re-encoded.
func (s *ProxyService) upstreamURL(path, rawQuery string) string {
	u := strings.TrimSuffix(s.baseURL.String(), "/") + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// dropEncodingHeaders removes Content-Encoding and Transfer-Encoding from a
// buffered reply; the body bytes are already decoded.
func dropEncodingHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = vals
	}
	dst.Del("Content-Encoding")
	dst.Del("Transfer-Encoding")
	return dst
}

func readAndClose(rc io.ReadCloser) ([]byte, error) {
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// networkErrorBody shapes a transport failure into the JSON error body
// recorded for a possible exhaustion reply.
func networkErrorBody(err error) []byte {
	b, _ := json.Marshal(map[string]string{
		"error":   "proxy fetch error",
		"details": sanitizeError(err),
	})
	return b
}

// sanitizeError redacts key query parameter values from error messages that
// may contain upstream URLs.
func sanitizeError(err error) string {
	return keyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

func (s *ProxyService) countAttempt(outcome string) {
	if s.metrics != nil {
		s.metrics.KeyAttempts.WithLabelValues(outcome).Inc()
	}
}
