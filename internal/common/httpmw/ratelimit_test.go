package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func limitedRouter(n int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRateLimiter(n, time.Minute).Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func doGet(r *gin.Engine, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	r := limitedRouter(2)

	for i := 0; i < 2; i++ {
		if w := doGet(r, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := doGet(r, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
	}
	if body := w.Body.String(); !strings.Contains(body, "rate_limited") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	r := limitedRouter(1)

	if w := doGet(r, "192.168.1.1"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := doGet(r, "192.168.1.1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same client, got %d", w.Code)
	}
	// A different forwarded address gets a fresh bucket.
	if w := doGet(r, "192.168.1.2"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a new client, got %d", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"forwarded first hop", "1.2.3.4, 5.6.7.8", "9.9.9.9", "10.0.0.1:80", "1.2.3.4"},
		{"real ip fallback", "", "9.9.9.9", "10.0.0.1:80", "9.9.9.9"},
		{"socket peer", "", "", "10.0.0.1:80", "10.0.0.1"},
		{"unparseable peer", "", "", "garbage", "garbage"},
		{"nothing", "", "", "", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}
