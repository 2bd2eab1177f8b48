package dbstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

const taskColumns = `id,entry_id,name,stage,priority,status,created,started,updated,completed`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t                           domain.Task
		stage, status               string
		created                     int64
		started, updated, completed sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.EntryID, &t.Name, &stage, &t.Priority, &status, &created, &started, &updated, &completed)
	if err == sql.ErrNoRows {
		return t, domain.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Status, err = domain.ParseStatus(status); err != nil {
		return t, err
	}
	t.Stage = domain.Stage(stage)
	t.Created = time.Unix(0, created)
	t.Started = timeOf(started)
	t.Updated = timeOf(updated)
	t.Completed = timeOf(completed)

	return t, nil
}

func queryTasks(ctx context.Context, ex execer, query string, args ...any) ([]domain.Task, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) insertTasks(ctx context.Context, ex execer, entryID int64, tasks []domain.Task) error {
	now := r.now()
	for _, t := range tasks {
		if _, err := ex.ExecContext(ctx, `INSERT INTO tasks(entry_id,name,stage,priority,status,created) VALUES (?,?,?,?,?,?)`,
			entryID, t.Name, string(t.Stage), t.Priority, string(domain.StatusReceived), now); err != nil {
			return fmt.Errorf("insert task %s: %w", t.Name, err)
		}
	}
	return nil
}

// CreateTasks appends tasks to an existing entry in one transaction.
func (r Repo) CreateTasks(ctx context.Context, entry domain.Entry, tasks []domain.Task) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.insertTasks(ctx, tx, entry.ID, tasks); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) FindTasks(ctx context.Context, entryID int64) ([]domain.Task, error) {
	return queryTasks(ctx, r.DB, `SELECT `+taskColumns+` FROM tasks WHERE entry_id=? ORDER BY priority, id`, entryID)
}

func (r Repo) FindTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// FindAvailableTasksToExecute evaluates the readiness query over the stage's
// tasks and marks the ready ones started within the same write transaction.
// A task already taken by a concurrent caller is left out of the result.
func (r Repo) FindAvailableTasksToExecute(ctx context.Context, entryID int64, stage domain.Stage) ([]domain.Task, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tasks, err := queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE entry_id=? AND stage=? ORDER BY priority, id`, entryID, string(stage))
	if err != nil {
		return nil, err
	}

	now := r.now()
	var claimed []domain.Task
	for _, t := range scheduler.Ready(tasks) {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET started=?, updated=?, status=? WHERE id=? AND started IS NULL`,
			now, now, string(domain.StatusProcessing), t.ID)
		if err != nil {
			return nil, fmt.Errorf("start task %s: %w", t.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		started := time.Unix(0, now)
		t.Started, t.Updated, t.Status = &started, &started, domain.StatusProcessing
		claimed = append(claimed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r Repo) transition(ctx context.Context, t domain.Task, query string, args ...any) (domain.Task, error) {
	res, err := r.DB.ExecContext(ctx, query, append(args, t.ID)...)
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return r.FindTask(ctx, t.ID)
	}

	current, err := r.FindTask(ctx, t.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %d: %w", t.ID, err)
	}
	if current.Started != nil {
		return current, fmt.Errorf("task %s of entry %d: %w", current.Name, current.EntryID, domain.ErrTaskAlreadyStarted)
	}
	return current, fmt.Errorf("task %s of entry %d: %w", current.Name, current.EntryID, domain.ErrTaskNotStarted)
}

// StartTask fails with domain.ErrTaskAlreadyStarted on a second start.
func (r Repo) StartTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	now := r.now()
	return r.transition(ctx, t, `UPDATE tasks SET started=?, updated=?, status=? WHERE id=? AND started IS NULL`,
		now, now, string(domain.StatusProcessing))
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	return r.transition(ctx, t, `UPDATE tasks SET updated=? WHERE id=? AND started IS NOT NULL`, r.now())
}

// CompleteTask records t.Status as the final status. Completing twice keeps
// the first completion time.
func (r Repo) CompleteTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	status := t.Status
	if !status.Terminal() {
		status = domain.StatusSuccess
	}
	now := r.now()
	return r.transition(ctx, t, `UPDATE tasks SET completed=COALESCE(completed, ?), updated=?, status=? WHERE id=? AND started IS NOT NULL`,
		now, now, string(status))
}

// CancelUnfinishedTasks closes every open task of the stage as cancelled.
func (r Repo) CancelUnfinishedTasks(ctx context.Context, entryID int64, stage domain.Stage) (int64, error) {
	now := r.now()
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET started=COALESCE(started, ?), completed=?, updated=?, status=? WHERE entry_id=? AND stage=? AND completed IS NULL`,
		now, now, now, string(domain.StatusCancelled), entryID, string(stage))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReleaseTask returns a started but unfinished task to the not started
// state, so the next claim of its stage can dispatch it again.
func (r Repo) ReleaseTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET started=NULL, updated=?, status=? WHERE id=? AND completed IS NULL`,
		r.now(), string(domain.StatusReceived), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release task %s: %w", t.Name, domain.ErrNotFound)
	}
	return nil
}
