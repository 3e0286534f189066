package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestApplyCORSHeaders(t *testing.T) {
	header := make(http.Header)
	header.Set("Access-Control-Allow-Origin", "https://stale.example.com")
	applyCORSHeaders(header)

	want := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Accept, X-Requested-With",
	}
	for name, value := range want {
		if got := header.Values(name); len(got) != 1 || got[0] != value {
			t.Fatalf("unexpected %s header: %v", name, got)
		}
	}
}

func TestIsPreflight(t *testing.T) {
	if !isPreflight(httptest.NewRequest(http.MethodOptions, "/anything", nil)) {
		t.Fatal("expected OPTIONS to be treated as preflight")
	}
	if isPreflight(httptest.NewRequest(http.MethodGet, "/metrics", nil)) {
		t.Fatal("expected GET not to be treated as preflight")
	}
}
