package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"download-proxy-go/internal/model"
	"download-proxy-go/internal/service"
)

// DownloadHandler proxies a single upstream resource and forces an attachment
// disposition carrying the caller-chosen filename.
type DownloadHandler struct {
	service *service.DownloadService
	logger  *slog.Logger
}

// NewDownloadHandler creates a DownloadHandler.
func NewDownloadHandler(svc *service.DownloadService, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		service: svc,
		logger:  logger.With("component", "download_handler"),
	}
}

// Handle fetches the upstream named by the `u` query parameter and streams it
// back with rewritten download headers. The method is not inspected; every
// request is an independent validate/fetch/transform/stream cycle.
func (h *DownloadHandler) Handle(c echo.Context) error {
	req := c.Request()

	dr := &model.DownloadRequest{
		Ctx:      req.Context(),
		Upstream: c.QueryParam("u"),
		Name:     c.QueryParam("name"),
	}

	resp, err := h.service.Fetch(dr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Relay the transformed upstream headers verbatim.
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client without buffering.
	// If io.Copy fails mid-stream (client disconnect, upstream reset), the
	// status line is already on the wire, so the client receives a truncated
	// body with the original status. This is an inherent trade-off of
	// streaming proxies; we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"upstream_host", upstreamHost(dr.Upstream),
		)
	}

	return nil
}

// mapError converts service errors into the plain-text client/gateway
// responses of the wire contract. Validation failures are 400; everything
// that happened after the network call collapses into 502.
func (h *DownloadHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("download proxy error",
		"err", err,
		"upstream_host", upstreamHost(c.QueryParam("u")),
	)

	switch {
	case errors.Is(err, service.ErrMissingUpstream):
		return c.String(http.StatusBadRequest, "Missing query param: u")
	case errors.Is(err, service.ErrInvalidUpstream):
		return c.String(http.StatusBadRequest, "Invalid upstream URL")
	case errors.Is(err, service.ErrSchemeNotAllowed):
		return c.String(http.StatusBadRequest, "Upstream must be http/https")
	}

	var statusErr *service.UpstreamStatusError
	if errors.As(err, &statusErr) {
		return c.String(http.StatusBadGateway,
			fmt.Sprintf("Upstream error: %d %s", statusErr.StatusCode, http.StatusText(statusErr.StatusCode)))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.String(http.StatusBadGateway, "Upstream error: request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return c.String(http.StatusBadGateway, "Upstream error: client disconnected")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.String(http.StatusBadGateway, "Upstream error: host unreachable")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.String(http.StatusBadGateway, "Upstream error: request timed out")
		}
		return c.String(http.StatusBadGateway, "Upstream error: connection failed")
	}

	return c.String(http.StatusBadGateway, "Upstream error: request failed")
}

// upstreamHost extracts the host part of a raw upstream value for logging.
// Query strings of token URLs can carry one-time credentials, so full URLs
// stay out of the logs.
func upstreamHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
