// Package service implements validation and header rewriting for proxied downloads.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"download-proxy-go/internal/client"
	"download-proxy-go/internal/config"
	"download-proxy-go/internal/model"
)

// Validation errors, detected before any network call.
var (
	ErrMissingUpstream  = errors.New("missing upstream parameter")
	ErrInvalidUpstream  = errors.New("invalid upstream URL")
	ErrSchemeNotAllowed = errors.New("upstream scheme must be http or https")
)

// UpstreamStatusError reports a reachable upstream that answered with a
// non-success status. The proxy never relays such a response as-is; the
// status code is preserved here for the gateway error text.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// allowedSchemes restricts which URL schemes the proxy will fetch. Anything
// else (file, ftp, gopher, ...) could reach non-network resources on the host.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// DefaultFilename is the fallback when neither the request nor the config
// supplies a filename.
const DefaultFilename = "download"

// DownloadService validates upstream URLs, fetches them and rewrites the
// response headers for attachment delivery.
type DownloadService struct {
	client *client.UpstreamClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewDownloadService creates a DownloadService.
func NewDownloadService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "download_service"),
	}
}

// Fetch validates the upstream URL of a DownloadRequest, retrieves the
// resource and returns the response with the download headers applied.
// The caller is responsible for closing the response body.
//
// Non-2xx upstream statuses are returned as *UpstreamStatusError; the body of
// such responses is closed here, never relayed.
func (s *DownloadService) Fetch(dr *model.DownloadRequest) (*model.UpstreamResponse, error) {
	target, err := s.validateUpstream(dr.Upstream)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("fetching upstream",
		"host", target.Host,
		"scheme", target.Scheme,
	)

	resp, err := s.client.Fetch(dr.Ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("fetch upstream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode}
	}

	resp.Header = s.downloadHeaders(resp.Header, dr.Name)
	return resp, nil
}

// validateUpstream checks the raw upstream value against the input contract:
// present, parseable as an absolute URL, and on the scheme allow-list.
func (s *DownloadService) validateUpstream(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, ErrMissingUpstream
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil, ErrInvalidUpstream
	}
	if !allowedSchemes[u.Scheme] {
		return nil, ErrSchemeNotAllowed
	}
	if u.Host == "" {
		return nil, ErrInvalidUpstream
	}

	return u, nil
}

// downloadHeaders clones the upstream headers verbatim, then forces the
// attachment disposition with the chosen filename and disables caching.
// Every proxied download is a one-shot transfer; the upstream content behind
// a token URL may be ephemeral, so intermediaries must not cache it.
func (s *DownloadService) downloadHeaders(src http.Header, name string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	if name == "" {
		name = s.cfg.Proxy.DefaultName
		if name == "" {
			name = DefaultFilename
		}
	}

	dst.Set("Content-Disposition", "attachment; filename*=UTF-8''"+EncodeFilename(name))
	dst.Set("Cache-Control", "no-store")
	return dst
}

// filenameSafe lists the bytes left bare by EncodeFilename: the unreserved
// set of component encoding minus `'`, `(`, `)` and `*`, which the
// extended-value grammar reserves.
const filenameSafe = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.!~"

// EncodeFilename percent-encodes a filename for use as the UTF-8
// extended value of a Content-Disposition header. All bytes outside
// filenameSafe are encoded as uppercase %XX over the UTF-8 representation,
// so Unicode, spaces and grammar-reserved characters all survive transport.
func EncodeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if strings.IndexByte(filenameSafe, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
