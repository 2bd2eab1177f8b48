// Package pipeline moves entries between processing stages. The stage an
// entry just left travels in JobMessage.Previous; every inbound message is
// one hop through the routing table below.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

type EntryStore interface {
	FindEntry(ctx context.Context, publicID string) (domain.Entry, error)
	MarkStatus(ctx context.Context, e domain.Entry, status domain.Status) error
	StartEntryProcessing(ctx context.Context, e domain.Entry) error
	UpdateEntryProcessing(ctx context.Context, e domain.Entry) error
	CompleteEntryProcessing(ctx context.Context, e domain.Entry) error
}

type ResultStore interface {
	FindTasks(ctx context.Context, entryID int64) ([]domain.Task, error)
	SeverityCounts(ctx context.Context, entryID int64) (map[domain.Severity]int, error)
	CancelUnfinishedTasks(ctx context.Context, entryID int64, stage domain.Stage) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, destination string, m domain.JobMessage) error
}

type Outcome string

const (
	OutcomeRouted     Outcome = "routed"
	OutcomeCompleted  Outcome = "completed"
	OutcomeRequeued   Outcome = "requeued"
	OutcomeTerminated Outcome = "terminated"
	OutcomeDropped    Outcome = "dropped"
)

type route struct {
	next        domain.Stage
	destination string
	terminal    bool
}

var routes = map[domain.Stage]route{
	domain.StageStart:      {next: domain.StageValidation, destination: domain.DestinationValidation},
	domain.StageValidation: {next: domain.StageConversion, destination: domain.DestinationConversion},
	domain.StageConversion: {next: domain.StageJobs, destination: domain.DestinationJobs},
	domain.StageJobs:       {terminal: true},
}

type Options struct {
	MaxRetries int
	// FailOnExhausted marks force-terminated entries FAILED instead of
	// aggregating whatever their tasks produced.
	FailOnExhausted bool
}

type Delegator struct {
	entries   EntryStore
	results   ResultStore
	publisher Publisher
	opts      Options
}

func NewDelegator(entries EntryStore, results ResultStore, publisher Publisher, opts Options) *Delegator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = domain.DefaultMaxRetries
	}
	return &Delegator{entries: entries, results: results, publisher: publisher, opts: opts}
}

// Handle runs one hop. A failing hop is requeued to the jobs destination with
// the same previous marker and the next try number; once the retries are used
// up the entry is completed without further processing. The returned error is
// non-nil only when the message could not be requeued either.
func (d *Delegator) Handle(ctx context.Context, m domain.JobMessage) (Outcome, error) {
	stage, err := domain.ParseStage(m.Previous)
	if err != nil {
		slog.Warn("job message dropped",
			slog.String("entry_id", m.Entry.PublicID),
			slog.String("error", err.Error()),
		)
		return OutcomeDropped, nil
	}

	if m.Retry.MaxRetries <= 0 {
		m.Retry.MaxRetries = d.opts.MaxRetries
	}
	if m.Retry.TryNumber <= 0 {
		m.Retry.TryNumber = 1
	}

	l := slog.With(
		slog.String("entry_id", m.Entry.PublicID),
		slog.String("previous", stage.String()),
		slog.Int("try", m.Retry.TryNumber),
	)

	if m.Retry.Exhausted() {
		l.Warn("retries exhausted, terminating entry", slog.Int("max_retries", m.Retry.MaxRetries))
		if err := d.terminate(ctx, m); err != nil {
			return OutcomeTerminated, fmt.Errorf("terminate entry %s: %w", m.Entry.PublicID, err)
		}
		return OutcomeTerminated, nil
	}

	outcome, err := d.hop(ctx, stage, m)
	if err == nil {
		l.Info("hop done", slog.String("outcome", string(outcome)))
		return outcome, nil
	}

	retry := m
	retry.Retry = m.Retry.Next()
	l.Warn("hop failed, requeueing",
		slog.Int("next_try", retry.Retry.TryNumber),
		slog.String("error", err.Error()),
	)
	if perr := d.publisher.Publish(ctx, domain.DestinationJobs, retry); perr != nil {
		return OutcomeRequeued, errors.Join(err, fmt.Errorf("requeue: %w", perr))
	}
	return OutcomeRequeued, nil
}

func (d *Delegator) hop(ctx context.Context, stage domain.Stage, m domain.JobMessage) (Outcome, error) {
	entry, err := d.entries.FindEntry(ctx, m.Entry.PublicID)
	if err != nil {
		return "", fmt.Errorf("find entry: %w", err)
	}

	if err := d.bookkeeping(ctx, stage, entry); err != nil {
		return "", err
	}

	r, ok := routes[stage]
	if !ok {
		return "", fmt.Errorf("%w: no route for %s", domain.ErrUnknownStage, stage)
	}

	if r.terminal {
		status, err := d.finalStatus(ctx, entry)
		if err != nil {
			return "", err
		}
		if err := d.entries.MarkStatus(ctx, entry, status); err != nil {
			return "", fmt.Errorf("mark %s: %w", status, err)
		}
		return OutcomeCompleted, nil
	}

	if stage == domain.StageStart {
		if err := d.entries.MarkStatus(ctx, entry, domain.StatusProcessing); err != nil {
			return "", fmt.Errorf("mark processing: %w", err)
		}
	}

	next := m.WithPrevious(r.next)
	next.Entry = entry
	next.Retry = domain.RetryStatistics{TryNumber: 1, MaxRetries: m.Retry.MaxRetries}
	if err := d.publisher.Publish(ctx, r.destination, next); err != nil {
		return "", fmt.Errorf("dispatch to %s: %w", r.destination, err)
	}

	return OutcomeRouted, nil
}

// bookkeeping records processing timestamps before routing. A replayed
// submission of an already started entry only touches the update time.
func (d *Delegator) bookkeeping(ctx context.Context, stage domain.Stage, entry domain.Entry) error {
	var err error
	switch stage {
	case domain.StageStart:
		if entry.Started == nil {
			err = d.entries.StartEntryProcessing(ctx, entry)
		} else {
			err = d.entries.UpdateEntryProcessing(ctx, entry)
		}
	case domain.StageValidation, domain.StageConversion:
		err = d.entries.UpdateEntryProcessing(ctx, entry)
	case domain.StageJobs:
		err = d.entries.CompleteEntryProcessing(ctx, entry)
	default:
		err = fmt.Errorf("%w: %s", domain.ErrUnknownStage, stage)
	}
	if err != nil {
		return fmt.Errorf("entry bookkeeping at %s: %w", stage, err)
	}
	return nil
}

func (d *Delegator) finalStatus(ctx context.Context, entry domain.Entry) (domain.Status, error) {
	tasks, err := d.results.FindTasks(ctx, entry.ID)
	if err != nil {
		return "", fmt.Errorf("find tasks: %w", err)
	}
	counts, err := d.results.SeverityCounts(ctx, entry.ID)
	if err != nil {
		return "", fmt.Errorf("severity counts: %w", err)
	}
	return scheduler.Aggregate(tasks, counts), nil
}

// terminate completes an entry whose hop kept failing. Open tasks are closed
// as cancelled so the entry does not look busy forever.
func (d *Delegator) terminate(ctx context.Context, m domain.JobMessage) error {
	entry, err := d.entries.FindEntry(ctx, m.Entry.PublicID)
	if err != nil {
		return fmt.Errorf("find entry: %w", err)
	}

	for _, stage := range []domain.Stage{domain.StageValidation, domain.StageConversion} {
		n, err := d.results.CancelUnfinishedTasks(ctx, entry.ID, stage)
		if err != nil {
			return fmt.Errorf("cancel %s tasks: %w", stage, err)
		}
		if n > 0 {
			slog.Info("cancelled unfinished tasks",
				slog.String("entry_id", entry.PublicID),
				slog.String("stage", stage.String()),
				slog.Int64("count", n),
			)
		}
	}

	if err := d.entries.CompleteEntryProcessing(ctx, entry); err != nil {
		return fmt.Errorf("complete processing: %w", err)
	}

	status := domain.StatusFailed
	if !d.opts.FailOnExhausted {
		if status, err = d.finalStatus(ctx, entry); err != nil {
			return err
		}
	}
	return d.entries.MarkStatus(ctx, entry, status)
}

// Handler adapts the delegator to a queue consumer.
func (d *Delegator) Handler() func(ctx context.Context, m domain.JobMessage) error {
	return func(ctx context.Context, m domain.JobMessage) error {
		_, err := d.Handle(ctx, m)
		return err
	}
}
