// Package replicator copies locally staged files to remote storage in the
// background with bounded retries.
package replicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Source interface {
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

type Target interface {
	Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error)
}

type Job struct {
	Key  string
	Size int64
	Hash string
	// Done, when set, receives the outcome once the job is replicated or
	// given up.
	Done func(err error)
}

func (j Job) finish(err error) {
	if j.Done != nil {
		j.Done(err)
	}
}

type Stats struct {
	Queued     int    `json:"queued"`
	Replicated uint64 `json:"replicated"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
}

type Replicator struct {
	local  Source
	remote Target

	queue      chan Job
	workerNum  int
	maxRetries int
	backoff    time.Duration

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	replicated atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
}

func New(local Source, remote Target, queueSize, workerNum, maxRetries int) *Replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Replicator{
		local:      local,
		remote:     remote,
		queue:      make(chan Job, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
	}
}

// Start launches the workers. They exit when ctx is done or after Stop has
// drained the queue.
func (r *Replicator) Start(ctx context.Context) {
	r.wg.Add(r.workerNum)
	for i := range r.workerNum {
		go r.worker(ctx, i)
	}
}

// Stop refuses new jobs and waits until queued jobs are replicated.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	slog.Info("replicator stopped", slog.Uint64("replicated", r.replicated.Load()))
	return nil
}

// Enqueue reports false when the queue is full or stopped.
func (r *Replicator) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Replicator) Stats() Stats {
	return Stats{
		Queued:     len(r.queue),
		Replicated: r.replicated.Load(),
		Failed:     r.failed.Load(),
		Dropped:    r.dropped.Load(),
	}
}

func (r *Replicator) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.handle(ctx, id, job)
		}
	}
}

func (r *Replicator) handle(ctx context.Context, worker int, job Job) {
	l := slog.With(slog.String("key", job.Key), slog.Int("worker", worker))

	delay := r.backoff
	for attempt := 0; ; attempt++ {
		err := r.replicateOnce(ctx, job)
		if err == nil {
			r.replicated.Add(1)
			l.Debug("file replicated", slog.Int64("size", job.Size))
			job.finish(nil)
			return
		}
		if attempt >= r.maxRetries || ctx.Err() != nil {
			r.failed.Add(1)
			l.Error("replication failed, giving up",
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			job.finish(err)
			return
		}

		l.Warn("replication failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			r.failed.Add(1)
			job.finish(ctx.Err())
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (r *Replicator) replicateOnce(ctx context.Context, job Job) error {
	rc, size, err := r.local.Open(ctx, job.Key)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer rc.Close()

	if job.Size > 0 {
		size = job.Size
	}

	written, remoteHash, err := r.remote.Save(ctx, rc, job.Key, size)
	if err != nil {
		return fmt.Errorf("save to remote: %w", err)
	}
	if written != size {
		return fmt.Errorf("remote save wrote %d of %d bytes", written, size)
	}
	if job.Hash != "" && remoteHash != "" && job.Hash != remoteHash {
		return fmt.Errorf("hash mismatch: local=%s remote=%s", job.Hash, remoteHash)
	}

	return nil
}
