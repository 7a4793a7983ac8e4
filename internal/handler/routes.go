package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// proxyMethods are the inbound methods forwarded to the upstream.
var proxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodOptions,
}

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// is proxied except the reserved health/status routes, which take precedence
// over the catch-all.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Match(proxyMethods, "/", proxy.Handle)
	e.Match(proxyMethods, "/*", proxy.Handle)
}
