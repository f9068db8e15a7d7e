// Package scheduler implements DownloadScheduler: the process-wide
// coordinator that accepts acquisition requests, deduplicates concurrent
// requests for the same URL, bounds concurrency, and finalizes completed
// jobs from ChunkStore into ContentCache.
package scheduler

import (
	"context"
	"net/http"
	"path/filepath"

	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/texpen/fetchcore/chunkstore"
	"gitlab.com/texpen/fetchcore/contentcache"
	"gitlab.com/texpen/fetchcore/crypto"
	"gitlab.com/texpen/fetchcore/fetchjob"
	"gitlab.com/texpen/fetchcore/modules"
	"gitlab.com/texpen/fetchcore/persist"
)

// jobState tracks where a trackedJob sits relative to admission.
type jobState int

const (
	stateQueued jobState = iota
	stateRunning
)

// trackedJob pairs a running or queued fetchjob.Job with the bookkeeping the
// scheduler needs to dedupe, cancel, and resolve it.
type trackedJob struct {
	url    string
	job    *fetchjob.Job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	state  jobState
}

// Scheduler is the DownloadScheduler described in the package comment. It
// is a process-singleton by construction, not by global state: callers
// create one explicit value at startup and thread it through.
type Scheduler struct {
	cs     *chunkstore.ChunkStore
	cache  *contentcache.ContentCache
	client *http.Client
	config modules.Config
	log    *persist.Logger

	mu           demotemutex.DemoteMutex
	jobs         map[string]*trackedJob
	queue        []*trackedJob
	active       int
	quotaHandler modules.QuotaHandler

	tg threadgroup.ThreadGroup
}

// New opens the ChunkStore and ContentCache rooted at persistDir per cfg
// and returns a ready-to-use Scheduler. A nil client defaults to
// http.DefaultClient.
func New(persistDir string, cfg modules.Config, client *http.Client) (*Scheduler, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = modules.DefaultMaxConcurrent
	}

	cs, err := chunkstore.New(filepath.Join(persistDir, "chunkstore"), cfg.StoreName, cfg.StoreVersion)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open chunk store")
	}
	cache, err := contentcache.New(persistDir, cfg.CacheName)
	if err != nil {
		cs.Close()
		return nil, errors.AddContext(err, "unable to open content cache")
	}
	log, err := persist.NewLogger(filepath.Join(persistDir, "fetchcore.log"))
	if err != nil {
		cs.Close()
		cache.Close()
		return nil, errors.AddContext(err, "unable to open log")
	}

	return &Scheduler{
		cs:     cs,
		cache:  cache,
		client: client,
		config: cfg,
		log:    log,
		jobs:   make(map[string]*trackedJob),
	}, nil
}

// Acquire attaches the caller to url's download, starting one if none is
// in flight, and blocks until the acquisition resolves or ctx is done. A
// url already present in ContentCache short-circuits without issuing any
// HTTP request.
func (s *Scheduler) Acquire(ctx context.Context, url string, progress modules.ProgressFunc) error {
	if res, err := s.cache.Get(url); err != nil {
		return err
	} else if res != nil {
		if progress != nil {
			progress(modules.Progress{Loaded: res.ContentLength, Total: res.ContentLength})
		}
		return nil
	}

	s.mu.Lock()
	tj, exists := s.jobs[url]
	if !exists {
		if err := s.tg.Add(); err != nil {
			s.mu.Unlock()
			return modules.ErrCancelled
		}
		jobCtx, cancel := context.WithCancel(context.Background())
		job := fetchjob.New(url, s.cs, s.client, s.config.FlushWindowBytes, s.quotaHandler)
		tj = &trackedJob{url: url, job: job, ctx: jobCtx, cancel: cancel, done: make(chan struct{})}
		s.jobs[url] = tj
		s.admitOrQueueLocked(tj)
	}
	tj.job.Subscribe(progress)
	s.mu.Unlock()

	select {
	case <-tj.done:
		return tj.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitOrQueueLocked decides whether tj starts immediately or waits in the
// FIFO queue. Caller must hold s.mu.
func (s *Scheduler) admitOrQueueLocked(tj *trackedJob) {
	if s.active < s.config.MaxConcurrent {
		s.active++
		tj.state = stateRunning
		go s.runJob(tj)
		return
	}
	tj.state = stateQueued
	s.queue = append(s.queue, tj)
}

// runJob drives one job to completion and finalizes it on success. It owns
// the threadgroup slot reserved for tj in Acquire.
func (s *Scheduler) runJob(tj *trackedJob) {
	defer s.tg.Done()

	outcome, err := tj.job.Run(tj.ctx)
	if err == nil {
		err = s.finalize(tj.url, outcome)
	}

	tj.err = err
	close(tj.done)

	s.mu.Lock()
	delete(s.jobs, tj.url)
	s.active--
	s.admitNextLocked()
	s.mu.Unlock()
}

// admitNextLocked promotes queued jobs into the active set while there is
// room. Caller must hold s.mu.
func (s *Scheduler) admitNextLocked() {
	for len(s.queue) > 0 && s.active < s.config.MaxConcurrent {
		next := s.queue[0]
		s.queue = s.queue[1:]
		next.state = stateRunning
		s.active++
		go s.runJob(next)
	}
}

// finalize implements the §4.4 finalization step: materialize the
// completed job's bytes into ContentCache, then reclaim ChunkStore.
func (s *Scheduler) finalize(url string, outcome fetchjob.Outcome) error {
	if outcome.MemoryFallback {
		return s.cache.PutBytes(url, outcome.Bytes, outcome.ContentType)
	}

	md, err := s.cs.GetMetadata(url)
	if err != nil {
		return err
	}
	if md == nil || md.DownloadedBytes != md.TotalBytes {
		return modules.ErrIntegrity
	}

	r, err := s.cs.Stream(url, md.ChunkCount)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := s.cache.Put(url, r, outcome.ContentType); err != nil {
		return err
	}
	return s.cs.Clear(url)
}

// Cancel aborts url's acquisition, whether it is running or only queued.
// Every subscriber's Acquire call resolves with modules.ErrCancelled. A url
// with no tracked job is a no-op.
func (s *Scheduler) Cancel(url string) {
	s.mu.Lock()
	tj, ok := s.jobs[url]
	if !ok {
		s.mu.Unlock()
		return
	}

	if tj.state == stateQueued {
		for i, q := range s.queue {
			if q == tj {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		delete(s.jobs, url)
		s.mu.Unlock()

		tj.err = modules.ErrCancelled
		close(tj.done)
		s.tg.Done()
		return
	}
	s.mu.Unlock()
	tj.cancel()
}

// SetQuotaHandler installs the callback consulted by future jobs when a
// chunk append fails with ErrStorageFull. It does not affect jobs already
// running.
func (s *Scheduler) SetQuotaHandler(h modules.QuotaHandler) {
	s.mu.Lock()
	s.quotaHandler = h
	s.mu.Unlock()
}

// CheckIntegrity delegates to ContentCache.
func (s *Scheduler) CheckIntegrity(url string, expectedChecksum *crypto.Hash) (modules.IntegrityStatus, error) {
	return s.cache.CheckIntegrity(url, expectedChecksum)
}

// Delete cancels any in-flight acquisition for url and removes it from
// both ContentCache and ChunkStore.
func (s *Scheduler) Delete(url string) error {
	s.Cancel(url)
	if err := s.cache.Delete(url); err != nil {
		return err
	}
	return s.cs.Clear(url)
}

// activeCount reports the number of jobs currently in the Running state,
// used by tests to verify the MAX_CONCURRENT bound (P4).
func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close stops admitting new work, waits for every in-flight job to unwind,
// and closes the underlying stores and log.
func (s *Scheduler) Close() error {
	if err := s.tg.Stop(); err != nil {
		return err
	}
	return errors.Compose(s.cs.Close(), s.cache.Close(), s.log.Close())
}
