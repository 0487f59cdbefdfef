package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CorrelationIDMiddleware(), SlogLoggerMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil))))
	router.GET("/ping", func(c *gin.Context) {
		if LoggerFromContext(c) == slog.Default() {
			c.String(http.StatusInternalServerError, "no request logger")
			return
		}
		c.String(http.StatusOK, GetCorrelationID(c))
	})
	return router
}

func TestCorrelationIDPropagation(t *testing.T) {
	cases := []struct {
		name   string
		header string
		keep   bool
	}{
		{"client supplied", "req-123", true},
		{"missing", "", false},
		{"too long", strings.Repeat("x", 65), false},
		{"control characters", "abc\tdef", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tc.header != "" {
				req.Header.Set("X-Correlation-ID", tc.header)
			}
			w := httptest.NewRecorder()
			newEngine().ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status %d body %s", w.Code, w.Body.String())
			}
			got := w.Header().Get("X-Correlation-ID")
			if got == "" || got != w.Body.String() {
				t.Fatalf("header %q body %q", got, w.Body.String())
			}
			if tc.keep != (got == tc.header) {
				t.Fatalf("correlation id %q, client sent %q", got, tc.header)
			}
		})
	}
}
