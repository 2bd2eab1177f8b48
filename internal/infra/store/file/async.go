package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/cache"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/store/file/replicator"
)

type RemoteStore interface {
	replicator.Target
	DownloadFile(ctx context.Context, key, localPath string) error
	Delete(ctx context.Context, key string) error
}

// asyncStore stages payloads on local disk and replicates them to remote
// storage in the background. Local copies are tracked by the staged file
// cache, so evicted payloads are fetched back from remote on next use. A
// payload joins the cache only once replicated; until then it is pinned and
// only the local copy exists.
type asyncStore struct {
	local      *localStore
	remote     RemoteStore
	files      *cache.Cache[string, string]
	replicator *replicator.Replicator

	mu     sync.Mutex
	pinned map[string]int
}

func NewAsyncStore(
	ctx context.Context,
	local *localStore,
	remote RemoteStore,
	files *cache.Cache[string, string],
	queueSize,
	workerNum,
	maxRetries int,
) *asyncStore {
	repl := replicator.New(local, remote, queueSize, workerNum, maxRetries)
	repl.Start(ctx)

	return &asyncStore{
		local:      local,
		remote:     remote,
		files:      files,
		replicator: repl,
		pinned:     map[string]int{},
	}
}

func (s *asyncStore) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

func (s *asyncStore) Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error) {
	// Evicting first removes the previous copy before it is overwritten.
	s.files.Invalidate(key)

	written, hash, err := s.local.Save(ctx, reader, key, size)
	if err != nil {
		return 0, "", err
	}

	localPath, err := s.local.Path(key)
	if err != nil {
		return 0, "", err
	}

	s.pin(key)
	ok := s.replicator.Enqueue(replicator.Job{
		Key:  key,
		Size: written,
		Hash: hash,
		Done: func(err error) { s.replicated(key, localPath, err) },
	})
	if !ok {
		slog.Error("replication queue full, file saved only locally",
			slog.String("key", key),
			slog.Int64("size", written),
		)
	}

	return written, hash, nil
}

func (s *asyncStore) pin(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[key]++
}

// replicated hands the local copy over to the cache. A payload that failed
// to replicate stays pinned: it is the only copy.
func (s *asyncStore) replicated(key, localPath string, err error) {
	if err != nil {
		slog.Warn("staged file kept local only", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.pinned[key]--
	done := s.pinned[key] <= 0
	if done {
		delete(s.pinned, key)
	}
	s.mu.Unlock()

	if done && s.local.Exists(key) {
		s.files.Put(key, localPath)
	}
}

func (s *asyncStore) isPinned(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned[key] > 0
}

func (s *asyncStore) unpin(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pinned, key)
}

// Fetch returns the local path of the staged payload, downloading it from
// remote storage when the local copy is gone.
func (s *asyncStore) Fetch(ctx context.Context, key string) (string, error) {
	if s.isPinned(key) {
		if s.local.Exists(key) {
			return s.local.Path(key)
		}
		s.unpin(key)
	}
	return s.files.Get(ctx, key, s.load)
}

func (s *asyncStore) load(ctx context.Context, key string) (string, error) {
	localPath, err := s.local.Path(key)
	if err != nil {
		return "", err
	}
	if s.local.Exists(key) {
		return localPath, nil
	}

	if err := s.remote.DownloadFile(ctx, key, localPath); err != nil {
		return "", fmt.Errorf("fetch %s: %w", key, err)
	}
	slog.Debug("staged file restored from remote", slog.String("key", key))
	return localPath, nil
}

func (s *asyncStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if _, err := s.Fetch(ctx, key); err != nil {
		return nil, 0, err
	}
	return s.local.Open(ctx, key)
}

func (s *asyncStore) Delete(ctx context.Context, key string) error {
	s.unpin(key)
	s.files.Invalidate(key)

	var errs []error
	if err := s.local.Delete(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if err := s.remote.Delete(ctx, key); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CleanupOlderThan drops stale local files the cache lost track of, for
// example after a restart.
func (s *asyncStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	return s.local.CleanupOlderThan(ctx, maxAge)
}

func (s *asyncStore) ReplicationStats() replicator.Stats {
	return s.replicator.Stats()
}
