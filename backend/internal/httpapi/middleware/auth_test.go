package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"canvasServer/backend/internal/metrics"
)

func newRouter(v *Verifier, rejects *[]string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(v, func(reason string) { *rejects = append(*rejects, reason) }))
	r.GET("/me", func(c *gin.Context) {
		c.String(200, c.GetString("uid"))
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	v := NewVerifier("s3cret")
	good, err := v.Sign("user-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	expired, _ := v.Sign("user-1", "alice", -time.Minute)
	other, _ := NewVerifier("other").Sign("user-1", "alice", time.Minute)

	tests := []struct {
		name   string
		header string
		query  string
		code   int
		body   string
		reason string
	}{
		{name: "bearer", header: "Bearer " + good, code: 200, body: "user-1"},
		{name: "lowercase bearer", header: "bearer " + good, code: 200, body: "user-1"},
		{name: "query token", query: "?token=" + good, code: 200, body: "user-1"},
		{name: "missing", code: 401, reason: "missing_token"},
		{name: "expired", header: "Bearer " + expired, code: 401, reason: "expired"},
		{name: "wrong secret", header: "Bearer " + other, code: 401, reason: "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rejects []string
			r := newRouter(v, &rejects)
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Fatalf("code = %d, want %d", w.Code, tt.code)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", w.Body.String(), tt.body)
			}
			if tt.reason != "" && (len(rejects) != 1 || rejects[0] != tt.reason) {
				t.Fatalf("rejects = %v, want [%s]", rejects, tt.reason)
			}
		})
	}
}

func TestMonitorUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.New(prometheus.NewRegistry())
	r := gin.New()
	r.Use(Monitor(m))
	r.GET("/canvas/canvases/:id", func(c *gin.Context) { c.Status(204) })

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/canvas/canvases/"+id, nil))
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/canvas/canvases/:id", "GET", "204")); got != 2 {
		t.Fatalf("requests = %v, want 2", got)
	}
}

func TestBasicAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", BasicAuth("ops", "pw"), func(c *gin.Context) { c.Status(200) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("without credentials code = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "pw")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("with credentials code = %d", w.Code)
	}
}
