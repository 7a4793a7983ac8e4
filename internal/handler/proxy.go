package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"gemini-balance-go/internal/model"
	"gemini-balance-go/internal/service"
)

// ProxyHandler forwards API requests to the upstream Gemini API with key
// failover.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle runs the failover loop for one request and delivers its result:
// a buffered reply, or an incremental relay of a committed upstream stream.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	res, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range res.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(res.StatusCode)

	if !res.Streaming() {
		if _, err := c.Response().Write(res.Body); err != nil {
			h.logger.Error("writing response body",
				"err", err,
				"path", req.URL.Path,
			)
		}
		return nil
	}
	defer func() { _ = res.Stream.Close() }()

	// Relay the committed stream chunk-by-chunk. If the relay fails
	// mid-stream (upstream drop, client disconnect), the status line has
	// already been sent: the client sees a truncated stream and no other
	// key can be tried. We log the error for observability.
	if err := relayStream(c.Response(), res.Stream); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// relayStream copies upstream bytes to the response writer, flushing after
// every chunk. io.Copy would let small SSE events pool in net/http's
// response buffer until it fills, stalling low-volume streams that the
// upstream is still producing.
func relayStream(w *echo.Response, stream io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrMissingAPIKeys) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "no API keys provided: send them in the x-goog-api-key header or set GOOGLE_API_KEYS",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "proxy request failed",
	})
}
