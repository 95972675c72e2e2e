package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func testClientConfig() ClientConfig {
	return ClientConfig{
		Client: &http.Client{Timeout: 5 * time.Second},
		Backoff: BackoffConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
		},
	}
}

func testBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"})
}

func TestResilienceRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "payload")
	}))
	defer srv.Close()

	resp, err := doRequestWithResilience(context.Background(), testClientConfig(), testBreaker(),
		func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, srv.URL, nil)
		})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Fatalf("unexpected body %q", body)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestResilienceNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := doRequestWithResilience(context.Background(), testClientConfig(), testBreaker(),
		func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, srv.URL, nil)
		})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", hits.Load())
	}
}

func TestResilienceGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := doRequestWithResilience(context.Background(), testClientConfig(), testBreaker(),
		func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, srv.URL, nil)
		})
	if !errors.Is(err, errServerError) {
		t.Fatalf("expected server error, got %v", err)
	}
	if hits.Load() != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d", hits.Load())
	}
}

func TestResilienceHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := doRequestWithResilience(ctx, testClientConfig(), testBreaker(),
		func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, "http://localhost:0", nil)
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNotFoundStreakDoesNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, testClientConfig())
	for i := 0; i < 8; i++ {
		_, err := src.Fetch(context.Background(), "gfs.20260830/00/gfs.t00z.pgrb2.0p25.f000")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("fetch %d: expected ErrNotFound, got %v", i+1, err)
		}
	}
	if hits.Load() != 8 {
		t.Fatalf("expected one request per fetch, got %d", hits.Load())
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gfs.20260830/00/gfs.t00z.pgrb2.0p25.f000" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, "grib-bytes")
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, testClientConfig())
	body, err := src.Fetch(context.Background(), "gfs.20260830/00/gfs.t00z.pgrb2.0p25.f000")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "grib-bytes" {
		t.Fatalf("unexpected body %q", data)
	}

	if _, err := src.Fetch(context.Background(), "gfs.20260830/00/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
