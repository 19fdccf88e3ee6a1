package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(5, time.Millisecond, "", nil)
	status, body, err := c.Get(srv.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestGetUpstreamFailedAfterExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(3, time.Millisecond, "", nil)
	status, _, err := c.Get(srv.URL, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var uf *UpstreamFailedError
	if !errors.As(err, &uf) {
		t.Fatalf("err = %v, want *UpstreamFailedError", err)
	}
	if !errors.Is(err, ErrUpstreamFailed) {
		t.Errorf("errors.Is(err, ErrUpstreamFailed) = false")
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
}

func TestGetSendsHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(1, time.Millisecond, "", nil)
	if _, _, err := c.Get(srv.URL, map[string]string{"User-Agent": "harvestpool/1.0"}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "harvestpool/1.0" {
		t.Errorf("User-Agent = %q, want %q", got, "harvestpool/1.0")
	}
}

func TestGetWritesDebugTrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("body"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "trace.log")

	c := New(1, time.Millisecond, logPath, nil)
	if _, _, err := c.Get(srv.URL, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("debug trace log is empty")
	}
}
