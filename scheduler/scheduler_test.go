package scheduler

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"gitlab.com/texpen/fetchcore/modules"
)

func newTestScheduler(t *testing.T, cfg modules.Config) (*Scheduler, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "scheduler-test")
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(dir, cfg, nil)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(dir)
	}
}

func testConfig() modules.Config {
	cfg := modules.DefaultConfig()
	cfg.MaxConcurrent = 2
	return cfg
}

// TestCachedShortCircuit scripts seed scenario 1: a url already present in
// ContentCache resolves without any HTTP request.
func TestCachedShortCircuit(t *testing.T) {
	s, cleanup := newTestScheduler(t, testConfig())
	defer cleanup()

	const url = "https://example.com/a"
	if err := s.cache.PutBytes(url, []byte("1234567"), "text/plain"); err != nil {
		t.Fatal(err)
	}

	var got modules.Progress
	err := s.Acquire(context.Background(), url, func(p modules.Progress) { got = p })
	if err != nil {
		t.Fatal(err)
	}
	if got.Loaded != 7 || got.Total != 7 {
		t.Errorf("expected a (7,7) completion snapshot, got %+v", got)
	}
}

// TestFreshDownloadFinalizes checks that a successful acquisition lands the
// bytes in ContentCache and leaves ChunkStore clear (P2, P3).
func TestFreshDownloadFinalizes(t *testing.T) {
	s, cleanup := newTestScheduler(t, testConfig())
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "7")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	if err := s.Acquire(context.Background(), srv.URL, nil); err != nil {
		t.Fatal(err)
	}

	res, err := s.cache.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || string(res.Bytes) != "content" {
		t.Fatalf("expected cached bytes %q, got %+v", "content", res)
	}

	md, err := s.cs.GetMetadata(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if md != nil {
		t.Error("expected chunk store metadata to be cleared after finalization")
	}
}

// TestAcquireIsIdempotent checks that a second Acquire for an already
// cached url is a no-op that still resolves successfully.
func TestAcquireIsIdempotent(t *testing.T) {
	s, cleanup := newTestScheduler(t, testConfig())
	defer cleanup()

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Length", "3")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("abc"))
	}))
	defer srv.Close()

	if err := s.Acquire(context.Background(), srv.URL, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(context.Background(), srv.URL, nil); err != nil {
		t.Fatal(err)
	}
	if requests != 1 {
		t.Errorf("expected exactly one HTTP request across both acquisitions, got %d", requests)
	}
}

// TestDedupeConcurrentAcquire checks that concurrent Acquire calls for the
// same url attach to a single job instance (P5) and all resolve together.
func TestDedupeConcurrentAcquire(t *testing.T) {
	s, cleanup := newTestScheduler(t, testConfig())
	defer cleanup()

	release := make(chan struct{})
	requests := 0
	var reqMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqMu.Lock()
		requests++
		reqMu.Unlock()
		<-release
		w.Header().Set("Content-Length", "3")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("abc"))
	}))
	defer srv.Close()

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Acquire(context.Background(), srv.URL, nil)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: unexpected error %v", i, err)
		}
	}
	reqMu.Lock()
	defer reqMu.Unlock()
	if requests != 1 {
		t.Errorf("expected exactly one job instance to serve the request, got %d requests", requests)
	}
}

// TestMaxConcurrentBound checks that at most cfg.MaxConcurrent jobs run
// simultaneously, queuing the rest (P4).
func TestMaxConcurrentBound(t *testing.T) {
	cfg := testConfig()
	s, cleanup := newTestScheduler(t, cfg)
	defer cleanup()

	release := make(chan struct{})
	var mu sync.Mutex
	peak := 0
	inFlight := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	const urls = 5
	var wg sync.WaitGroup
	for i := 0; i < urls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("%s/%d", srv.URL, i)
			if err := s.Acquire(context.Background(), url, nil); err != nil {
				t.Error(err)
			}
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > cfg.MaxConcurrent {
		t.Errorf("expected at most %d concurrent requests, saw %d", cfg.MaxConcurrent, peak)
	}
}

// TestCancelQueued checks that cancelling a job still waiting for an
// admission slot resolves it with ErrCancelled without ever issuing a
// request.
func TestCancelQueued(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s, cleanup := newTestScheduler(t, cfg)
	defer cleanup()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	blockerDone := make(chan error, 1)
	go func() {
		blockerDone <- s.Acquire(context.Background(), srv.URL+"/blocker", nil)
	}()
	time.Sleep(20 * time.Millisecond)

	queuedDone := make(chan error, 1)
	go func() {
		queuedDone <- s.Acquire(context.Background(), srv.URL+"/queued", nil)
	}()
	time.Sleep(20 * time.Millisecond)

	s.Cancel(srv.URL + "/queued")
	if err := <-queuedDone; err != modules.ErrCancelled {
		t.Fatalf("expected ErrCancelled for the queued job, got %v", err)
	}

	close(release)
	if err := <-blockerDone; err != nil {
		t.Fatalf("expected the running job to finish cleanly, got %v", err)
	}
}

// TestDeleteIsIdempotent checks that Delete can be called repeatedly on a
// url with no tracked state.
func TestDeleteIsIdempotent(t *testing.T) {
	s, cleanup := newTestScheduler(t, testConfig())
	defer cleanup()

	const url = "https://example.com/gone"
	if err := s.Delete(url); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(url); err != nil {
		t.Fatal(err)
	}
}
