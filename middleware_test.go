package main

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func jsonHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	})
}

func TestCompressHonorsAcceptEncoding(t *testing.T) {
	const body = `{"status":"ok"}`
	h := wrapHandler(jsonHandler(body))

	req := httptest.NewRequest("GET", "/api/state", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Expected a gzip response, headers: %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil || string(plain) != body {
		t.Errorf("Decompressed body %q, err %v", plain, err)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Errorf("Responses should not be cached")
	}
}

func TestCompressSkipsPlainClients(t *testing.T) {
	const body = `{"status":"ok"}`
	rec := httptest.NewRecorder()
	wrapHandler(jsonHandler(body)).ServeHTTP(rec, httptest.NewRequest("GET", "/api/state", nil))

	if rec.Header().Get("Content-Encoding") != "" || rec.Body.String() != body {
		t.Errorf("Expected a plain response, got %q %v", rec.Body.String(), rec.Header())
	}
}

func TestCompressPassesWebSocketThrough(t *testing.T) {
	var got http.ResponseWriter
	rec := httptest.NewRecorder()
	h := compress(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { got = w }))

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	h.ServeHTTP(rec, req)

	if got != http.ResponseWriter(rec) {
		t.Errorf("WebSocket requests need the raw writer, got %T", got)
	}
}

func TestShouldCompress(t *testing.T) {
	tests := map[string]bool{
		"application/json; charset=utf-8": true,
		"text/html":                       true,
		"image/png":                       false,
		"":                                false,
	}
	for contentType, want := range tests {
		if got := shouldCompress(contentType); got != want {
			t.Errorf("shouldCompress(%q) = %v, want %v", contentType, got, want)
		}
	}
}

func TestTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := setupTracing(context.Background(), "")
	if err != nil {
		t.Fatalf("setupTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("No-op shutdown failed: %v", err)
	}
}
