// Package fetchjob implements DownloadJob: the ranged-HTTP state machine
// that acquires a single resource, resumable and cancellable, writing
// chunks to a ChunkStore or, when that is unavailable or full, to process
// memory.
package fetchjob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/texpen/fetchcore/chunkstore"
	"gitlab.com/texpen/fetchcore/modules"
	"gitlab.com/texpen/fetchcore/ratelimit"
)

// readBufferSize bounds a single Read off the response body between flush
// checks; it is independent of, and much smaller than, the flush window.
const readBufferSize = 32 << 10

// Outcome is a job's terminal result, handed to the scheduler once Run
// returns without error. A job that ran in memory fallback carries its
// bytes directly; otherwise the scheduler finalizes by streaming
// chunkCount chunks out of the shared ChunkStore.
type Outcome struct {
	MemoryFallback bool
	Bytes          []byte
	ContentType    string
	TotalBytes     uint64
	ChunkCount     uint64
}

// Job executes one resource acquisition per SPEC_FULL.md §4.3. A Job is
// single-use: construct one per acquisition via New and call Run once.
type Job struct {
	URL          string
	Client       *http.Client
	ChunkStore   *chunkstore.ChunkStore
	FlushWindow  uint64
	QuotaHandler modules.QuotaHandler

	mu          sync.Mutex
	status      modules.JobStatus
	subscribers []modules.ProgressFunc

	memoryFallback bool
	memoryChunks   [][]byte
}

// New constructs a Job for url. cs may be nil, which forces memory-fallback
// operation from the start, the same behavior a ChunkStore.SetUnavailable(true)
// produces on a real store. A zero flushWindow falls back to
// modules.DefaultFlushWindowBytes.
func New(url string, cs *chunkstore.ChunkStore, client *http.Client, flushWindow uint64, quotaHandler modules.QuotaHandler) *Job {
	if flushWindow == 0 {
		flushWindow = modules.DefaultFlushWindowBytes
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Job{
		URL:          url,
		Client:       client,
		ChunkStore:   cs,
		FlushWindow:  flushWindow,
		QuotaHandler: quotaHandler,
		status:       modules.StatusPending,
	}
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() modules.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(s modules.JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// Subscribe registers fn to receive progress snapshots for the remainder of
// the run. Every deduplicated caller of Scheduler.Acquire gets its own
// progress callback even though only one Job instance ever runs for a url —
// the broadcast-resolution design of SPEC_FULL.md §9.
func (j *Job) Subscribe(fn modules.ProgressFunc) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	j.subscribers = append(j.subscribers, fn)
	j.mu.Unlock()
}

func (j *Job) reportProgress(p modules.Progress) {
	j.mu.Lock()
	subs := append([]modules.ProgressFunc(nil), j.subscribers...)
	j.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
}

// Run drives the job to completion, failure, or pause. It blocks the
// calling goroutine; the scheduler runs it on its own per-job goroutine.
func (j *Job) Run(ctx context.Context) (outcome Outcome, retErr error) {
	j.setStatus(modules.StatusRunning)
	defer func() {
		switch {
		case retErr == nil:
			j.setStatus(modules.StatusCompleted)
		case errors.Contains(retErr, modules.ErrCancelled):
			j.setStatus(modules.StatusPaused)
		default:
			j.setStatus(modules.StatusErrored)
		}
	}()

	startByte, chunkIndex, validator, err := j.resumeState()
	if err != nil {
		return Outcome{}, err
	}

	restarted := false
	for {
		if ctx.Err() != nil {
			return Outcome{}, modules.ErrCancelled
		}

		resp, err := j.doRequest(ctx, startByte)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, modules.ErrCancelled
			}
			return Outcome{}, errors.Extend(modules.ErrNetwork, err)
		}

		c, err := classifyResponse(startByte, resp)
		if err != nil {
			resp.Body.Close()
			return Outcome{}, err
		}

		if validator != "" && c.validator != "" && c.validator != validator {
			resp.Body.Close()
			if cerr := j.clearStore(); cerr != nil {
				return Outcome{}, cerr
			}
			return Outcome{}, modules.ErrValidatorChanged
		}
		if c.validator != "" {
			validator = c.validator
		}

		switch c.kind {
		case kindCompleted416:
			resp.Body.Close()
			return j.finish(chunkIndex, validator, "")

		case kindRestartFrom416:
			resp.Body.Close()
			if restarted {
				return Outcome{}, modules.ErrHTTPStatus{Status: http.StatusRequestedRangeNotSatisfiable}
			}
			if cerr := j.clearStore(); cerr != nil {
				return Outcome{}, cerr
			}
			startByte, chunkIndex, validator, restarted = 0, 0, "", true
			continue

		case kindResumedReset200:
			if cerr := j.clearStore(); cerr != nil {
				resp.Body.Close()
				return Outcome{}, cerr
			}
			startByte, chunkIndex = 0, 0
		}

		return j.stream(ctx, resp, startByte, chunkIndex, c.totalBytes, validator)
	}
}

// stream consumes resp's body, flushing a chunk every time the buffered
// window reaches j.FlushWindow, per SPEC_FULL.md §4.3 step 5.
func (j *Job) stream(ctx context.Context, resp *http.Response, startByte, chunkIndex, totalBytes uint64, validator string) (Outcome, error) {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	body := ratelimit.NewRLReader(resp.Body)
	readBuf := make([]byte, readBufferSize)
	buf := make([]byte, 0, j.FlushWindow)
	loaded := startByte
	speed := newSpeedTracker()

	j.reportProgress(modules.Progress{Loaded: loaded, Total: totalBytes})

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, modules.ErrCancelled
		default:
		}

		n, readErr := body.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			loaded += uint64(n)
			j.reportProgress(modules.Progress{Loaded: loaded, Total: totalBytes, Speed: speed.sample(loaded)})
		}

		if uint64(len(buf)) >= j.FlushWindow {
			if err := j.appendChunk(buf, chunkIndex, totalBytes, validator); err != nil {
				return Outcome{}, err
			}
			chunkIndex++
			buf = make([]byte, 0, j.FlushWindow)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return Outcome{}, modules.ErrCancelled
			}
			return Outcome{}, errors.Extend(modules.ErrNetwork, readErr)
		}
	}

	if len(buf) > 0 {
		if err := j.appendChunk(buf, chunkIndex, totalBytes, validator); err != nil {
			return Outcome{}, err
		}
		chunkIndex++
	}

	j.reportProgress(modules.Progress{Loaded: loaded, Total: totalBytes, Speed: 0})
	return j.finish(chunkIndex, validator, contentType)
}

// finish builds the job's terminal Outcome. In memory-fallback mode the
// buffered chunks are concatenated and handed back directly; otherwise the
// scheduler is expected to finalize from ChunkStore using chunkCount.
func (j *Job) finish(chunkCount uint64, validator, contentType string) (Outcome, error) {
	if j.memoryFallback {
		var all []byte
		for _, c := range j.memoryChunks {
			all = append(all, c...)
		}
		return Outcome{
			MemoryFallback: true,
			Bytes:          all,
			ContentType:    contentType,
			TotalBytes:     uint64(len(all)),
		}, nil
	}

	md, err := j.ChunkStore.GetMetadata(j.URL)
	if err != nil {
		return Outcome{}, err
	}
	var total uint64
	if md != nil {
		total = md.TotalBytes
	}
	return Outcome{
		ChunkCount:  chunkCount,
		TotalBytes:  total,
		ContentType: contentType,
	}, nil
}

// resumeState reads persisted ChunkMetadata to decide where this run should
// start, per SPEC_FULL.md §4.3 step 1.
func (j *Job) resumeState() (startByte, chunkIndex uint64, validator string, err error) {
	if j.ChunkStore == nil {
		j.memoryFallback = true
		return 0, 0, "", nil
	}
	md, err := j.ChunkStore.GetMetadata(j.URL)
	if err != nil {
		return 0, 0, "", err
	}
	if md == nil {
		return 0, 0, "", nil
	}
	if md.DownloadedBytes == 0 {
		// Stale metadata with no bytes behind it: drop it rather than
		// resume from a phantom offset.
		if err := j.ChunkStore.Clear(j.URL); err != nil {
			return 0, 0, "", err
		}
		return 0, 0, "", nil
	}
	return md.DownloadedBytes, md.ChunkCount, md.Validator, nil
}

// doRequest issues the ranged GET for this attempt, including a Range
// header only when resuming from a nonzero offset.
func (j *Job) doRequest(ctx context.Context, startByte uint64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL, nil)
	if err != nil {
		return nil, err
	}
	if startByte > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}
	return j.Client.Do(req)
}

// clearStore discards any partial state for this job's url, whether that
// state lives in the shared ChunkStore or in this job's own memory buffer.
func (j *Job) clearStore() error {
	j.memoryChunks = nil
	if j.ChunkStore == nil {
		return nil
	}
	return j.ChunkStore.Clear(j.URL)
}

// appendChunk commits chunk to durable storage, or to memory when the job
// has already fallen back, transparently switching modes on
// ErrStorageUnavailable/ErrStorageFull as SPEC_FULL.md §4.3 step 6 requires.
func (j *Job) appendChunk(chunk []byte, index, totalBytes uint64, validator string) error {
	if j.memoryFallback || j.ChunkStore == nil {
		j.memoryChunks = append(j.memoryChunks, chunk)
		return nil
	}

	err := j.ChunkStore.AppendChunk(j.URL, chunk, index, totalBytes, validator)
	switch {
	case err == nil:
		return nil
	case errors.Contains(err, modules.ErrStorageUnavailable):
		// Nothing was ever durably written under StorageUnavailable, so
		// there is nothing to recover; just start accumulating in memory.
		j.memoryFallback = true
		j.memoryChunks = append(j.memoryChunks, chunk)
		return nil
	case errors.Contains(err, modules.ErrStorageFull):
		return j.handleStorageFull(chunk)
	default:
		return err
	}
}

// handleStorageFull implements the quota-fallback path: consult the
// configured handler, and on consent recover whatever is already persisted
// into memory, clear the store to reclaim space, and switch modes.
func (j *Job) handleStorageFull(chunk []byte) error {
	if j.QuotaHandler == nil || !j.QuotaHandler() {
		return modules.ErrStorageFull
	}

	md, err := j.ChunkStore.GetMetadata(j.URL)
	if err != nil {
		return err
	}
	if md != nil && md.ChunkCount > 0 {
		r, err := j.ChunkStore.Stream(j.URL, md.ChunkCount)
		if err != nil {
			return err
		}
		recovered, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return err
		}
		j.memoryChunks = append(j.memoryChunks, recovered)
	}
	if err := j.ChunkStore.Clear(j.URL); err != nil {
		return err
	}

	j.memoryFallback = true
	j.memoryChunks = append(j.memoryChunks, chunk)
	return nil
}
