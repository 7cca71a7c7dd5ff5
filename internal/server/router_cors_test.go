package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCORSRouter(allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(allowedOrigins))
	router.OPTIONS("/documents/doc-1/sync", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func preflight(router *gin.Engine, origin string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodOptions, "/documents/doc-1/sync", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", requestIDHeader)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSMiddlewareAllowsRequestIDHeader(t *testing.T) {
	router := newCORSRouter([]string{"https://app.example.com"})
	recorder := preflight(router, "https://app.example.com")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}

	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), strings.ToLower(requestIDHeader)) {
		t.Fatalf("expected Access-Control-Allow-Headers to include %s, got %q", requestIDHeader, allowHeaders)
	}

	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected origin to be echoed, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	router := newCORSRouter([]string{"https://app.example.com"})
	recorder := preflight(router, "https://evil.example")

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no allowed origin, got %q", origin)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected no credentials header for an unlisted origin")
	}
}

func TestCORSMiddlewareWildcardDropsCredentials(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}} {
		router := newCORSRouter(origins)
		recorder := preflight(router, "https://evil.example")

		if recorder.Code != http.StatusNoContent {
			t.Fatalf("expected status %d for %v, got %d", http.StatusNoContent, origins, recorder.Code)
		}
		if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("expected wildcard origin for %v, got %q", origins, recorder.Header().Get("Access-Control-Allow-Origin"))
		}
		if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
			t.Fatalf("expected credentials disabled for %v", origins)
		}
	}
}
