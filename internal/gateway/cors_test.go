package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/convmem/internal/config"
	"github.com/basket/convmem/internal/gateway"
)

func TestCORS_PreflightHeaders(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAgeSeconds:  7200,
	}
	wrap := gateway.NewCORSMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for OPTIONS preflight")
	})
	handler := wrap(inner)

	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions/a/turns", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://example.com" {
		t.Fatalf("expected origin https://example.com, got %q", origin)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); methods != "GET, POST" {
		t.Fatalf("expected methods 'GET, POST', got %q", methods)
	}
	if maxAge := rec.Header().Get("Access-Control-Max-Age"); maxAge != "7200" {
		t.Fatalf("expected max-age 7200, got %q", maxAge)
	}
}

func TestCORS_OriginFiltering(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	tests := []struct {
		name    string
		cfg     config.CORSConfig
		origin  string
		allowed bool
	}{
		{"listed", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://allowed.com"}}, "https://allowed.com", true},
		{"unlisted", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://allowed.com"}}, "https://evil.com", false},
		{"wildcard", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}}, "https://any.com", true},
		{"disabled", config.CORSConfig{Enabled: false, AllowedOrigins: []string{"*"}}, "https://any.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := gateway.NewCORSMiddleware(tt.cfg)(inner)
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tt.allowed && got != tt.origin {
				t.Fatalf("expected allow-origin %q, got %q", tt.origin, got)
			}
			if !tt.allowed && got != "" {
				t.Fatalf("expected no allow-origin, got %q", got)
			}
		})
	}
}

func TestRequestSizeLimit(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := gateway.RequestSizeLimitMiddleware(8)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/a/turns", http.NoBody)
	req.ContentLength = 100
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
