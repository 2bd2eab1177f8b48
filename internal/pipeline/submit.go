package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

type RulesetResolver interface {
	Resolve(ctx context.Context, names []string) ([]domain.Ruleset, error)
}

type EntryCreator interface {
	CreateEntryWithTasks(ctx context.Context, e domain.Entry, tasks []domain.Task) (domain.Entry, error)
}

// Submit plans the entry, stores it together with its tasks and sends the
// start message to the jobs destination. Nothing is stored when the plan
// cannot be compiled.
func Submit(
	ctx context.Context,
	resolver RulesetResolver,
	entries EntryCreator,
	publisher Publisher,
	entry domain.Entry,
	rulesetNames []string,
	maxRetries int,
) (domain.Entry, scheduler.Plan, error) {
	rulesets, err := resolver.Resolve(ctx, rulesetNames)
	if err != nil {
		return entry, scheduler.Plan{}, err
	}
	plan, err := scheduler.Compile(entry, rulesets)
	if err != nil {
		return entry, scheduler.Plan{}, err
	}

	entry, err = entries.CreateEntryWithTasks(ctx, entry, plan.Tasks)
	if err != nil {
		return entry, plan, fmt.Errorf("create entry: %w", err)
	}

	start := domain.JobMessage{Entry: entry, Retry: domain.NewRetryStatistics(maxRetries)}
	if err := publisher.Publish(ctx, domain.DestinationJobs, start); err != nil {
		return entry, plan, fmt.Errorf("publish start of %s: %w", entry.PublicID, err)
	}

	slog.Info("entry submitted",
		slog.String("entry_id", entry.PublicID),
		slog.String("format", entry.Format),
		slog.Int("tasks", len(plan.Tasks)),
	)
	return entry, plan, nil
}
