package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

type RulesetFinder interface {
	FindRulesetByName(ctx context.Context, name string) (domain.Ruleset, error)
}

type TaskStore interface {
	CreateTasks(ctx context.Context, entry domain.Entry, tasks []domain.Task) error
	FindTasks(ctx context.Context, entryID int64) ([]domain.Task, error)
	FindAvailableTasksToExecute(ctx context.Context, entryID int64, stage domain.Stage) ([]domain.Task, error)
	StartTask(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	CompleteTask(ctx context.Context, task domain.Task) (domain.Task, error)
	ReleaseTask(ctx context.Context, task domain.Task) error
}

type Service struct {
	rulesets RulesetFinder
	tasks    TaskStore
}

func NewService(rulesets RulesetFinder, tasks TaskStore) *Service {
	return &Service{rulesets: rulesets, tasks: tasks}
}

// Resolve looks up every named ruleset. Unknown names are configuration
// errors and reject the submission.
func (s *Service) Resolve(ctx context.Context, names []string) ([]domain.Ruleset, error) {
	res := make([]domain.Ruleset, 0, len(names))
	for _, name := range names {
		r, err := s.rulesets.FindRulesetByName(ctx, name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRuleset, name)
			}
			return nil, fmt.Errorf("find ruleset %s: %w", name, err)
		}
		res = append(res, r)
	}
	return res, nil
}

// PlanEntry compiles the plan for the selected rulesets and persists it.
func (s *Service) PlanEntry(ctx context.Context, entry domain.Entry, rulesetNames []string) (Plan, error) {
	rulesets, err := s.Resolve(ctx, rulesetNames)
	if err != nil {
		return Plan{}, err
	}

	plan, err := Compile(entry, rulesets)
	if err != nil {
		return Plan{}, err
	}

	if err := s.tasks.CreateTasks(ctx, entry, plan.Tasks); err != nil {
		return Plan{}, fmt.Errorf("create tasks: %w", err)
	}

	slog.Info("plan created",
		slog.String("entry_id", entry.PublicID),
		slog.Int("tasks", len(plan.Tasks)),
	)
	return plan, nil
}

// Claim returns the tasks of the stage that are ready and marks them started
// in the same store operation, so concurrent pollers never share a task.
func (s *Service) Claim(ctx context.Context, entryID int64, stage domain.Stage) ([]domain.Task, error) {
	tasks, err := s.tasks.FindAvailableTasksToExecute(ctx, entryID, stage)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return tasks, nil
}

// StageDone reports whether every task of the stage has completed.
func (s *Service) StageDone(ctx context.Context, entryID int64, stage domain.Stage) (bool, error) {
	tasks, err := s.tasks.FindTasks(ctx, entryID)
	if err != nil {
		return false, err
	}
	return Done(OfStage(tasks, stage)), nil
}

func (s *Service) Start(ctx context.Context, task domain.Task) (domain.Task, error) {
	t, err := s.tasks.StartTask(ctx, task)
	if err != nil {
		if errors.Is(err, domain.ErrTaskAlreadyStarted) {
			slog.Error("duplicate task dispatch",
				slog.Int64("entry_id", task.EntryID),
				slog.String("task", task.Name),
			)
		}
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Service) Heartbeat(ctx context.Context, task domain.Task) (domain.Task, error) {
	return s.tasks.UpdateTask(ctx, task)
}

// Release hands a task whose rule hit an infrastructure failure back to the
// scheduler.
func (s *Service) Release(ctx context.Context, task domain.Task) error {
	if err := s.tasks.ReleaseTask(ctx, task); err != nil {
		return err
	}
	slog.Warn("task released",
		slog.Int64("entry_id", task.EntryID),
		slog.String("task", task.Name),
	)
	return nil
}

func (s *Service) Complete(ctx context.Context, task domain.Task) (domain.Task, error) {
	t, err := s.tasks.CompleteTask(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	slog.Debug("task completed",
		slog.Int64("entry_id", t.EntryID),
		slog.String("task", t.Name),
		slog.String("status", string(t.Status)),
	)
	return t, nil
}
