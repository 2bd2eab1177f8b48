package dbstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

const entryColumns = `id,public_id,business_id,url,format,COALESCE(etag,''),metadata_json,configs_json,status,created,started,updated,completed`

func scanEntry(row interface{ Scan(...any) error }) (domain.Entry, error) {
	var (
		e                           domain.Entry
		metadata, configs, status   string
		created                     int64
		started, updated, completed sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.PublicID, &e.BusinessID, &e.URL, &e.Format, &e.Etag,
		&metadata, &configs, &status, &created, &started, &updated, &completed)
	if err == sql.ErrNoRows {
		return e, domain.ErrNotFound
	}
	if err != nil {
		return e, err
	}

	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return e, fmt.Errorf("entry %s metadata: %w", e.PublicID, err)
	}
	if err := json.Unmarshal([]byte(configs), &e.Configs); err != nil {
		return e, fmt.Errorf("entry %s configs: %w", e.PublicID, err)
	}
	if e.Status, err = domain.ParseStatus(status); err != nil {
		return e, err
	}
	e.Created = time.Unix(0, created)
	e.Started = timeOf(started)
	e.Updated = timeOf(updated)
	e.Completed = timeOf(completed)

	return e, nil
}

func (r Repo) insertEntry(ctx context.Context, ex execer, e domain.Entry) (domain.Entry, error) {
	if e.PublicID == "" {
		e.PublicID = uuid.NewString()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	if e.Configs == nil {
		e.Configs = map[string]json.RawMessage{}
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return e, fmt.Errorf("marshal metadata: %w", err)
	}
	configs, err := json.Marshal(e.Configs)
	if err != nil {
		return e, fmt.Errorf("marshal configs: %w", err)
	}

	now := r.now()
	e.Status = domain.StatusReceived
	e.Created = time.Unix(0, now)

	res, err := ex.ExecContext(ctx, `INSERT INTO entries(public_id,business_id,url,format,etag,metadata_json,configs_json,status,created) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.PublicID, e.BusinessID, e.URL, e.Format, nullable(e.Etag), string(metadata), string(configs), string(e.Status), now)
	if err != nil {
		return e, fmt.Errorf("insert entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return e, err
	}

	return e, nil
}

func (r Repo) CreateEntry(ctx context.Context, e domain.Entry) (domain.Entry, error) {
	return r.insertEntry(ctx, r.DB, e)
}

// CreateEntryWithTasks stores the entry and its task plan in one transaction.
func (r Repo) CreateEntryWithTasks(ctx context.Context, e domain.Entry, tasks []domain.Task) (domain.Entry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return e, err
	}
	defer tx.Rollback()

	e, err = r.insertEntry(ctx, tx, e)
	if err != nil {
		return e, err
	}
	if err := r.insertTasks(ctx, tx, e.ID, tasks); err != nil {
		return e, err
	}

	return e, tx.Commit()
}

func (r Repo) FindEntry(ctx context.Context, publicID string) (domain.Entry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE public_id=?`, publicID))
}

func (r Repo) FindEntryByID(ctx context.Context, id int64) (domain.Entry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id))
}

func (r Repo) ListEntries(ctx context.Context, limit int) ([]domain.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY created DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) updateEntry(ctx context.Context, entryID int64, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, append(args, entryID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %d: %w", entryID, domain.ErrNotFound)
	}
	return nil
}

func (r Repo) MarkStatus(ctx context.Context, e domain.Entry, status domain.Status) error {
	return r.updateEntry(ctx, e.ID, `UPDATE entries SET status=?, updated=? WHERE id=?`, string(status), r.now())
}

// StartEntryProcessing keeps the first start time when replayed.
func (r Repo) StartEntryProcessing(ctx context.Context, e domain.Entry) error {
	now := r.now()
	return r.updateEntry(ctx, e.ID, `UPDATE entries SET started=COALESCE(started, ?), updated=? WHERE id=?`, now, now)
}

func (r Repo) UpdateEntryProcessing(ctx context.Context, e domain.Entry) error {
	return r.updateEntry(ctx, e.ID, `UPDATE entries SET updated=? WHERE id=?`, r.now())
}

func (r Repo) CompleteEntryProcessing(ctx context.Context, e domain.Entry) error {
	now := r.now()
	return r.updateEntry(ctx, e.ID, `UPDATE entries SET completed=?, updated=? WHERE id=?`, now, now)
}
