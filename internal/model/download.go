// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// DownloadRequest represents a single proxied download: the upstream URL to
// fetch and the filename to present to the caller's user agent.
type DownloadRequest struct {
	Ctx      context.Context
	Upstream string
	Name     string
}

// UpstreamResponse represents the upstream response to be streamed back.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
