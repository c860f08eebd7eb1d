package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Timeout:     2 * time.Second,
		Retries:     3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
}

func TestFetchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	f := New(testConfig())
	body, err := f.Fetch(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestFetchRetries5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := New(testConfig())
	body, err := f.Fetch(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Fetch failed after retries: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body: %q", body)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("expected 4 attempts, got %d", got)
	}
}

func TestFetch404FailsImmediately(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := New(testConfig())
	_, err := f.Fetch(context.Background(), server.URL, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected StatusError, got %T", err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", se.Code)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", got)
	}
}

func TestFetch429Retries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := New(testConfig())
	if _, err := f.Fetch(context.Background(), server.URL, nil); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestFetchExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := New(testConfig())
	_, err := f.Fetch(context.Background(), server.URL, nil)
	if err == nil {
		t.Fatal("expected error after retry budget exhausted")
	}
	if got := calls.Load(); got != 4 { // 1 initial + 3 retries
		t.Errorf("expected 4 attempts, got %d", got)
	}
}

func TestFetchHostileFallbackIdentity(t *testing.T) {
	orig := hostileHosts
	hostileHosts = []string{"127.0.0.1"}
	defer func() { hostileHosts = orig }()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == fallbackUserAgent {
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := New(testConfig())
	body, err := f.Fetch(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("expected fallback identity to succeed, got %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.BackoffBase = time.Minute
	cfg.BackoffCap = time.Minute
	f := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Fetch(ctx, server.URL, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("backoff sleep was not cancellable, took %s", elapsed)
	}
}

func TestBackoffCapped(t *testing.T) {
	f := New(Config{BackoffBase: time.Second, BackoffCap: 2 * time.Second, Retries: 10, Timeout: time.Second})
	for n := 0; n < 10; n++ {
		d := f.backoff(n)
		// cap plus at most 10% jitter
		if d > 2*time.Second+200*time.Millisecond {
			t.Errorf("backoff(%d) = %s exceeds cap", n, d)
		}
		if d <= 0 {
			t.Errorf("backoff(%d) = %s not positive", n, d)
		}
	}
}

func TestStatusErrorRetryable(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		se := &StatusError{Code: tc.code}
		if se.Retryable() != tc.retryable {
			t.Errorf("StatusError{%d}.Retryable() = %v, want %v", tc.code, se.Retryable(), tc.retryable)
		}
	}
}
