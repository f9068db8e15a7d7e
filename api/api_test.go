package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"gitlab.com/texpen/fetchcore/crypto"
	"gitlab.com/texpen/fetchcore/modules"
)

// fakeScheduler is a hand-rolled double satisfying the Scheduler interface,
// letting handler wiring be tested without a real chunkstore/contentcache.
type fakeScheduler struct {
	acquireErr    error
	acquireCalls  []string
	cancelCalls   []string
	deleteErr     error
	deleteCalls   []string
	integrity     modules.IntegrityStatus
	integrityErr  error
	lastChecksum  *crypto.Hash
	progressCalls int
}

func (f *fakeScheduler) Acquire(ctx context.Context, u string, progress modules.ProgressFunc) error {
	f.acquireCalls = append(f.acquireCalls, u)
	if progress != nil {
		progress(modules.Progress{Loaded: 1, Total: 2, Speed: 3})
		f.progressCalls++
	}
	return f.acquireErr
}

func (f *fakeScheduler) Cancel(u string) {
	f.cancelCalls = append(f.cancelCalls, u)
}

func (f *fakeScheduler) CheckIntegrity(u string, expected *crypto.Hash) (modules.IntegrityStatus, error) {
	f.lastChecksum = expected
	return f.integrity, f.integrityErr
}

func (f *fakeScheduler) Delete(u string) error {
	f.deleteCalls = append(f.deleteCalls, u)
	return f.deleteErr
}

func newTestAPI(f *fakeScheduler) *httptest.Server {
	a := New(f)
	return httptest.NewServer(a.Handler)
}

func TestAcquireHandlerStreamsAndResolves(t *testing.T) {
	f := &fakeScheduler{}
	srv := newTestAPI(f)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/resource/"+url.QueryEscape("https://example.com/a"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var frames []map[string]interface{}
	dec := json.NewDecoder(resp.Body)
	for {
		var frame map[string]interface{}
		if err := dec.Decode(&frame); err != nil {
			break
		}
		frames = append(frames, frame)
	}
	if len(frames) != 2 {
		t.Fatalf("expected a progress frame plus a final frame, got %d", len(frames))
	}
	if done, _ := frames[1]["done"].(bool); !done {
		t.Errorf("expected the final frame to report done=true, got %+v", frames[1])
	}
	if len(f.acquireCalls) != 1 || f.acquireCalls[0] != "https://example.com/a" {
		t.Errorf("expected Acquire to be called with the decoded url, got %+v", f.acquireCalls)
	}
}

func TestAcquireHandlerReportsError(t *testing.T) {
	f := &fakeScheduler{acquireErr: modules.ErrNetwork}
	srv := newTestAPI(f)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/resource/"+url.QueryEscape("https://example.com/b"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var frames []map[string]interface{}
	dec := json.NewDecoder(resp.Body)
	for {
		var frame map[string]interface{}
		if err := dec.Decode(&frame); err != nil {
			break
		}
		frames = append(frames, frame)
	}
	last := frames[len(frames)-1]
	if last["error"] == nil || last["error"] == "" {
		t.Errorf("expected a non-empty error field in the final frame, got %+v", last)
	}
}

func TestCancelHandler(t *testing.T) {
	f := &fakeScheduler{}
	srv := newTestAPI(f)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/resource/"+url.QueryEscape("https://example.com/c")+"/cancel", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if len(f.cancelCalls) != 1 || f.cancelCalls[0] != "https://example.com/c" {
		t.Errorf("expected Cancel to be called with the decoded url, got %+v", f.cancelCalls)
	}
}

func TestIntegrityHandler(t *testing.T) {
	h := crypto.HashBytes([]byte("hello"))
	f := &fakeScheduler{integrity: modules.IntegrityOK}
	srv := newTestAPI(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/resource/" + url.QueryEscape("https://example.com/d") + "/integrity?checksum=" + h.String())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status %q, got %q", "ok", body.Status)
	}
	if f.lastChecksum == nil || *f.lastChecksum != h {
		t.Errorf("expected the decoded checksum to reach CheckIntegrity, got %+v", f.lastChecksum)
	}
}

func TestIntegrityHandlerRejectsMalformedChecksum(t *testing.T) {
	f := &fakeScheduler{}
	srv := newTestAPI(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/resource/" + url.QueryEscape("https://example.com/e") + "/integrity?checksum=not-hex")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteHandler(t *testing.T) {
	f := &fakeScheduler{}
	srv := newTestAPI(f)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/resource/"+url.QueryEscape("https://example.com/f"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if len(f.deleteCalls) != 1 || f.deleteCalls[0] != "https://example.com/f" {
		t.Errorf("expected Delete to be called with the decoded url, got %+v", f.deleteCalls)
	}
}

func TestNotFoundRoute(t *testing.T) {
	f := &fakeScheduler{}
	srv := newTestAPI(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
