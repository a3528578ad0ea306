package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"download-proxy-go/internal/client"
	"download-proxy-go/internal/config"
	"download-proxy-go/internal/service"
)

func newTestHandler(t *testing.T) *DownloadHandler {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxRedirects:    10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc := service.NewDownloadService(uc, cfg, logger)
	return NewDownloadHandler(svc, logger)
}

func serveDownload(t *testing.T, h *DownloadHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestHandle_MissingUpstreamParam(t *testing.T) {
	h := newTestHandler(t)
	rec := serveDownload(t, h, "/")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := rec.Body.String(); got != "Missing query param: u" {
		t.Errorf("body = %q, want %q", got, "Missing query param: u")
	}
}

func TestHandle_InvalidUpstreamURL(t *testing.T) {
	h := newTestHandler(t)
	rec := serveDownload(t, h, "/?u="+url.QueryEscape("not a url"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := rec.Body.String(); got != "Invalid upstream URL" {
		t.Errorf("body = %q, want %q", got, "Invalid upstream URL")
	}
}

func TestHandle_DisallowedScheme(t *testing.T) {
	h := newTestHandler(t)

	for _, raw := range []string{"ftp://host/f", "file:///etc/passwd"} {
		t.Run(raw, func(t *testing.T) {
			rec := serveDownload(t, h, "/?u="+url.QueryEscape(raw))

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if got := rec.Body.String(); got != "Upstream must be http/https" {
				t.Errorf("body = %q, want %q", got, "Upstream must be http/https")
			}
		})
	}
}

func TestHandle_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer upstream.Close()

	h := newTestHandler(t)
	rec := serveDownload(t, h, "/?u="+url.QueryEscape(upstream.URL+"/a1b2c3")+"&name=report.pdf")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "%PDF-1.4 fake" {
		t.Errorf("body = %q, want upstream bytes unchanged", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != "attachment; filename*=UTF-8''report.pdf" {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, upstream cache directive must be overridden", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Errorf("Content-Type = %q, upstream header not relayed", got)
	}
}

func TestHandle_ReservedCharactersInName(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
	}))
	defer upstream.Close()

	h := newTestHandler(t)
	rec := serveDownload(t, h,
		"/?u="+url.QueryEscape(upstream.URL)+"&name="+url.QueryEscape("a'b(c)d*.txt"))

	want := "attachment; filename*=UTF-8''a%27b%28c%29d%2A.txt"
	if got := rec.Header().Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
}

func TestHandle_DefaultName(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
	}))
	defer upstream.Close()

	h := newTestHandler(t)
	rec := serveDownload(t, h, "/?u="+url.QueryEscape(upstream.URL))

	want := "attachment; filename*=UTF-8''download"
	if got := rec.Header().Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
}

func TestHandle_UpstreamNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer upstream.Close()

	h := newTestHandler(t)
	rec := serveDownload(t, h, "/?u="+url.QueryEscape(upstream.URL+"/expired"))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if body := rec.Body.String(); !strings.Contains(body, "404") {
		t.Errorf("body = %q, want upstream status 404 mentioned", body)
	}
}

func TestHandle_UpstreamUnreachable(t *testing.T) {
	h := newTestHandler(t)
	rec := serveDownload(t, h, "/?u="+url.QueryEscape("http://127.0.0.1:1/nonexistent"))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if body := rec.Body.String(); !strings.HasPrefix(body, "Upstream error:") {
		t.Errorf("body = %q, want an Upstream error message", body)
	}
}

func TestHandle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wait until client context is done; the client has disconnected.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?u="+url.QueryEscape(upstream.URL), http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestHandle_Idempotent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("stable-content"))
	}))
	defer upstream.Close()

	h := newTestHandler(t)
	target := "/?u=" + url.QueryEscape(upstream.URL) + "&name=f.bin"

	first := serveDownload(t, h, target)
	second := serveDownload(t, h, target)

	if first.Code != second.Code {
		t.Errorf("status differs between identical requests: %d vs %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("body differs between identical requests")
	}
	for _, rec := range []*httptest.ResponseRecorder{first, second} {
		if got := rec.Header().Get("Cache-Control"); got != "no-store" {
			t.Errorf("Cache-Control = %q, want %q on every response", got, "no-store")
		}
	}
}

func TestHandle_PostTreatedLikeGet(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upstream fetch itself is always a GET.
		if r.Method != http.MethodGet {
			t.Errorf("upstream method = %q, want GET", r.Method)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
	}))
	defer upstream.Close()

	h := newTestHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/?u="+url.QueryEscape(upstream.URL)+"&name=f.bin", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMapError_DNSError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &DownloadHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?u=http%3A%2F%2Fhost%2Ff", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	dnsErr := &net.DNSError{Err: "no such host", Name: "host"}
	wrapped := fmt.Errorf("fetch upstream: %w", dnsErr)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := rec.Body.String(); got != "Upstream error: host unreachable" {
		t.Errorf("body = %q, want %q", got, "Upstream error: host unreachable")
	}
}

func TestMapError_URLError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &DownloadHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?u=http%3A%2F%2Fhost%2Ff", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	urlErr := &url.Error{Op: "Get", URL: "http://host/f", Err: errors.New("connection refused")}
	wrapped := fmt.Errorf("fetch upstream: %w", urlErr)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := rec.Body.String(); got != "Upstream error: connection failed" {
		t.Errorf("body = %q, want %q", got, "Upstream error: connection failed")
	}
}

func TestUpstreamHost(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://files.example.com/a?token=secret", "files.example.com"},
		{"http://host:8080/f", "host:8080"},
		{"not a url", "invalid"},
		{"", "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := upstreamHost(tt.raw); got != tt.want {
				t.Errorf("upstreamHost(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
