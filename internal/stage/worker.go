// Package stage runs the tasks of one pipeline stage for the entries routed
// to it, then hands the entry back to the delegation pipeline.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

type EntryFinder interface {
	FindEntry(ctx context.Context, publicID string) (domain.Entry, error)
}

type Scheduler interface {
	Claim(ctx context.Context, entryID int64, stage domain.Stage) ([]domain.Task, error)
	StageDone(ctx context.Context, entryID int64, stage domain.Stage) (bool, error)
}

type Executor interface {
	Execute(ctx context.Context, entry domain.Entry, task domain.Task) (domain.Task, error)
}

type TaskCanceller interface {
	CancelUnfinishedTasks(ctx context.Context, entryID int64, stage domain.Stage) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, destination string, m domain.JobMessage) error
}

var ErrStalled = errors.New("stage made no progress")

type Options struct {
	MaxParallelTasks int
	MaxRetries       int
	// PollInterval is the wait between claims while tasks of the stage are
	// still held by another worker.
	PollInterval time.Duration
	// StallTimeout bounds the wait for tasks that nothing can claim.
	StallTimeout time.Duration
}

type Worker struct {
	stage     domain.Stage
	entries   EntryFinder
	scheduler Scheduler
	executor  Executor
	tasks     TaskCanceller
	publisher Publisher
	opts      Options
}

func NewWorker(
	stage domain.Stage,
	entries EntryFinder,
	scheduler Scheduler,
	executor Executor,
	tasks TaskCanceller,
	publisher Publisher,
	opts Options,
) *Worker {
	if opts.MaxParallelTasks <= 0 {
		opts.MaxParallelTasks = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = domain.DefaultMaxRetries
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 30 * time.Minute
	}
	return &Worker{
		stage:     stage,
		entries:   entries,
		scheduler: scheduler,
		executor:  executor,
		tasks:     tasks,
		publisher: publisher,
		opts:      opts,
	}
}

// Handle executes every task of the worker's stage for the entry. When the
// stage fails for infrastructure reasons the message goes back to the stage
// with the next try number; after the last try the open tasks are cancelled
// and the entry continues through the pipeline. An error is returned only
// when nothing could be published, so the queue redelivers the message.
func (w *Worker) Handle(ctx context.Context, m domain.JobMessage) error {
	stage, err := domain.ParseStage(m.Previous)
	if err != nil || stage != w.stage {
		slog.Warn("stage message dropped",
			slog.String("entry_id", m.Entry.PublicID),
			slog.String("worker_stage", w.stage.String()),
			slog.Any("previous", m.Previous),
		)
		return nil
	}

	if m.Retry.MaxRetries <= 0 {
		m.Retry.MaxRetries = w.opts.MaxRetries
	}
	if m.Retry.TryNumber <= 0 {
		m.Retry.TryNumber = 1
	}

	l := slog.With(
		slog.String("entry_id", m.Entry.PublicID),
		slog.String("stage", w.stage.String()),
		slog.Int("try", m.Retry.TryNumber),
	)

	if m.Retry.Exhausted() {
		entry, err := w.entries.FindEntry(ctx, m.Entry.PublicID)
		if err != nil {
			return fmt.Errorf("find entry: %w", err)
		}
		n, err := w.tasks.CancelUnfinishedTasks(ctx, entry.ID, w.stage)
		if err != nil {
			return fmt.Errorf("cancel %s tasks: %w", w.stage, err)
		}
		l.Warn("stage retries exhausted, tasks cancelled", slog.Int64("cancelled", n))
		return w.handBack(ctx, m, entry)
	}

	entry, err := w.run(ctx, m)
	if err == nil {
		l.Info("stage completed")
		return w.handBack(ctx, m, entry)
	}
	if ctx.Err() != nil {
		return err
	}

	retry := m
	retry.Retry = m.Retry.Next()
	l.Warn("stage failed, retrying",
		slog.Int("next_try", retry.Retry.TryNumber),
		slog.String("error", err.Error()),
	)
	if perr := w.publisher.Publish(ctx, string(w.stage), retry); perr != nil {
		return errors.Join(err, fmt.Errorf("republish: %w", perr))
	}
	return nil
}

func (w *Worker) handBack(ctx context.Context, m domain.JobMessage, entry domain.Entry) error {
	out := m
	out.Entry = entry
	out.Retry = domain.RetryStatistics{TryNumber: 1, MaxRetries: m.Retry.MaxRetries}
	if err := w.publisher.Publish(ctx, domain.DestinationJobs, out); err != nil {
		return fmt.Errorf("hand back to %s: %w", domain.DestinationJobs, err)
	}
	return nil
}

// run claims and executes batches until every task of the stage is complete.
func (w *Worker) run(ctx context.Context, m domain.JobMessage) (domain.Entry, error) {
	entry, err := w.entries.FindEntry(ctx, m.Entry.PublicID)
	if err != nil {
		return m.Entry, fmt.Errorf("find entry: %w", err)
	}

	idleSince := time.Now()
	for {
		tasks, err := w.scheduler.Claim(ctx, entry.ID, w.stage)
		if err != nil {
			return entry, err
		}

		if len(tasks) > 0 {
			if err := w.execute(ctx, entry, tasks); err != nil {
				return entry, err
			}
			idleSince = time.Now()
			continue
		}

		done, err := w.scheduler.StageDone(ctx, entry.ID, w.stage)
		if err != nil {
			return entry, fmt.Errorf("stage state: %w", err)
		}
		if done {
			return entry, nil
		}
		if time.Since(idleSince) > w.opts.StallTimeout {
			return entry, fmt.Errorf("%w for %s", ErrStalled, w.opts.StallTimeout)
		}

		select {
		case <-ctx.Done():
			return entry, ctx.Err()
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// execute runs one claimed batch. Siblings of a failing task still finish so
// their results are kept.
func (w *Worker) execute(ctx context.Context, entry domain.Entry, tasks []domain.Task) error {
	var g errgroup.Group
	g.SetLimit(w.opts.MaxParallelTasks)

	for _, task := range tasks {
		g.Go(func() error {
			if _, err := w.executor.Execute(ctx, entry, task); err != nil {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Handler adapts the worker to a queue consumer.
func (w *Worker) Handler() func(ctx context.Context, m domain.JobMessage) error {
	return w.Handle
}
