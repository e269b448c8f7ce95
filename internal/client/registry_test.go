package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"registry-proxy/internal/config"
	"registry-proxy/internal/metrics"
)

func testClient(t *testing.T, m *metrics.Metrics) *RegistryClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistryClient(cfg, logger, m)
}

func TestRegistryClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"schemaVersion":2}`))
	}))
	defer srv.Close()

	c := testClient(t, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/v2/library/busybox/manifests/latest", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"schemaVersion":2}` {
		t.Errorf("body = %q, want %q", string(body), `{"schemaVersion":2}`)
	}
}

func TestRegistryClient_DoStream_StreamsBody(t *testing.T) {
	var gotBody string
	var gotLength int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotLength = r.ContentLength
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(t, nil)
	header := http.Header{"Content-Length": {"5"}}

	resp, err := c.DoStream(context.Background(), http.MethodPut, srv.URL+"/v2/app/blobs/uploads/1", header, strings.NewReader("layer"))
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if gotBody != "layer" {
		t.Errorf("upstream body = %q, want %q", gotBody, "layer")
	}
	if gotLength != 5 {
		t.Errorf("upstream ContentLength = %d, want 5", gotLength)
	}
}

func TestRegistryClient_FollowsRedirects(t *testing.T) {
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("blob-bytes"))
	}))
	defer storage.Close()

	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, storage.URL+"/blob", http.StatusTemporaryRedirect)
	}))
	defer registry.Close()

	c := testClient(t, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, registry.URL+"/v2/app/blobs/sha256:abc", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "blob-bytes" {
		t.Errorf("got %d %q, want 200 %q", resp.StatusCode, body, "blob-bytes")
	}
}

func TestRegistryClient_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := metrics.New()
	c := testClient(t, m)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/v2/", nil, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()

	if got := testutil.ToFloat64(m.UpstreamResponses.WithLabelValues("GET", "401")); got != 1 {
		t.Errorf("upstream responses GET/401 = %v, want 1", got)
	}
}

func TestRegistryClient_DoStream_Error(t *testing.T) {
	c := testClient(t, nil)

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
}

func TestRegistryClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, srv.URL+"/slow", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
}
