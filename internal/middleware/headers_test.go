package middleware_test

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/persistorai/custodian/internal/middleware"
)

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.Use(middleware.SecurityHeaders())
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent over plain HTTP: %q", got)
	}
}

func TestSecurityHeaders_HSTSOverTLS(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.Use(middleware.SecurityHeaders())
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	direct := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	direct.TLS = &tls.ConnectionState{}

	proxied := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	proxied.Header.Set("X-Forwarded-Proto", "https")

	for name, req := range map[string]*http.Request{"direct": direct, "proxied": proxied} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Errorf("%s: missing Strict-Transport-Security", name)
		}
	}
}

func TestMaxBodySize(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.Use(middleware.MaxBodySize(8))
	r.POST("/test", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name    string
		body    string
		chunked bool
		want    int
	}{
		{"within limit", "12345678", false, http.StatusOK},
		{"declared too large", "123456789", false, http.StatusRequestEntityTooLarge},
		{"chunked too large", "123456789", true, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))
		if tt.chunked {
			req.ContentLength = -1
		}

		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, w.Code)
		}
	}
}
