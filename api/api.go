// Package api exposes the scheduler to out-of-process collaborators (e.g.
// a sidecar serving the browser UI) over a local HTTP control plane, in the
// teacher's node/api convention: an httprouter.Router wrapping typed
// handlers that write a uniform JSON envelope.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/texpen/fetchcore/crypto"
	"gitlab.com/texpen/fetchcore/modules"
)

// Error is the JSON body written on any non-2xx response.
type Error struct {
	Message string `json:"message"`
}

// Error implements the error interface, returning only the Message field.
func (e Error) Error() string {
	return e.Message
}

// Scheduler is the subset of scheduler.Scheduler the API depends on, kept
// narrow so handlers can be tested against a fake.
type Scheduler interface {
	Acquire(ctx context.Context, url string, progress modules.ProgressFunc) error
	Cancel(url string)
	CheckIntegrity(url string, expectedChecksum *crypto.Hash) (modules.IntegrityStatus, error)
	Delete(url string) error
}

// API wraps a Scheduler with the local HTTP control plane described in the
// package comment.
type API struct {
	scheduler Scheduler
	Handler   http.Handler
}

// New builds an API around s and wires up its routes.
func New(s Scheduler) *API {
	a := &API{scheduler: s}
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(a.notFoundHandler)

	router.POST("/resource/:url", a.acquireHandler)
	router.POST("/resource/:url/cancel", a.cancelHandler)
	router.GET("/resource/:url/integrity", a.integrityHandler)
	router.DELETE("/resource/:url", a.deleteHandler)

	// Route on the escaped path so that a percent-encoded :url (which
	// contains encoded slashes) stays a single path segment.
	a.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = r.URL.EscapedPath()
		router.ServeHTTP(w, r)
	})
	return a
}

func (a *API) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, Error{"404 - no such route"}, http.StatusNotFound)
}

// resourceURL decodes the percent-encoded :url path parameter back into the
// resource identifier it stands for.
func resourceURL(ps httprouter.Params) (string, error) {
	return url.QueryUnescape(ps.ByName("url"))
}

// acquireHandler starts or attaches to an acquisition and streams
// newline-delimited JSON progress frames until it resolves.
func (a *API) acquireHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	target, err := resourceURL(ps)
	if err != nil {
		writeError(w, Error{"invalid url parameter"}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)
	flusher, _ := w.(http.Flusher)

	progress := func(p modules.Progress) {
		json.NewEncoder(bw).Encode(p)
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}

	acquireErr := a.scheduler.Acquire(r.Context(), target, progress)
	frame := struct {
		Done  bool   `json:"done"`
		Error string `json:"error,omitempty"`
	}{Done: true}
	if acquireErr != nil {
		frame.Error = acquireErr.Error()
	}
	json.NewEncoder(bw).Encode(frame)
	bw.Flush()
}

// cancelHandler aborts an in-flight or queued acquisition.
func (a *API) cancelHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	target, err := resourceURL(ps)
	if err != nil {
		writeError(w, Error{"invalid url parameter"}, http.StatusBadRequest)
		return
	}
	a.scheduler.Cancel(target)
	writeSuccess(w)
}

// integrityHandler reports the IntegrityStatus of a cached resource,
// optionally checked against a ?checksum= hex digest.
func (a *API) integrityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	target, err := resourceURL(ps)
	if err != nil {
		writeError(w, Error{"invalid url parameter"}, http.StatusBadRequest)
		return
	}

	var expected *crypto.Hash
	if raw := r.URL.Query().Get("checksum"); raw != "" {
		var h crypto.Hash
		if err := h.LoadString(raw); err != nil {
			writeError(w, Error{"invalid checksum parameter"}, http.StatusBadRequest)
			return
		}
		expected = &h
	}

	status, err := a.scheduler.CheckIntegrity(target, expected)
	if err != nil {
		writeError(w, Error{err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Status string `json:"status"`
	}{status.String()})
}

// deleteHandler removes a cached resource and any in-flight acquisition
// for it.
func (a *API) deleteHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	target, err := resourceURL(ps)
	if err != nil {
		writeError(w, Error{"invalid url parameter"}, http.StatusBadRequest)
		return
	}
	if err := a.scheduler.Delete(target); err != nil {
		writeError(w, Error{err.Error()}, http.StatusInternalServerError)
		return
	}
	writeSuccess(w)
}

// writeError writes err as the JSON body with the given status code.
func writeError(w http.ResponseWriter, err Error, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if json.NewEncoder(w).Encode(err) != nil {
		http.Error(w, "failed to encode error response", http.StatusInternalServerError)
	}
}

// writeJSON writes obj as the JSON response body.
func writeJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if json.NewEncoder(w).Encode(obj) != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// writeSuccess writes a 204 No Content response.
func writeSuccess(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
