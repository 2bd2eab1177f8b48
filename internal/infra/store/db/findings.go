package dbstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

func (r Repo) CreateFindings(ctx context.Context, findings []domain.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, f := range findings {
		severity := f.Severity
		if severity == "" {
			severity = domain.SeverityUnknown
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO findings(task_id,ruleset_id,source,code,message,severity,raw) VALUES (?,?,?,?,?,?,?)`,
			f.TaskID, nullableID(f.RulesetID), f.Source, nullable(f.Code), f.Message, string(severity), f.Raw); err != nil {
			return fmt.Errorf("insert finding for task %d: %w", f.TaskID, err)
		}
	}

	return tx.Commit()
}

func (r Repo) FindFindings(ctx context.Context, taskID int64) ([]domain.Finding, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,COALESCE(ruleset_id,0),source,COALESCE(code,''),message,severity,raw FROM findings WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Finding
	for rows.Next() {
		var (
			f        domain.Finding
			severity string
		)
		if err := rows.Scan(&f.ID, &f.TaskID, &f.RulesetID, &f.Source, &f.Code, &f.Message, &severity, &f.Raw); err != nil {
			return nil, err
		}
		if f.Severity, err = domain.ParseSeverity(severity); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// SeverityCounts counts the findings of every task of the entry by severity.
func (r Repo) SeverityCounts(ctx context.Context, entryID int64) (map[domain.Severity]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT f.severity, COUNT(*) FROM findings f JOIN tasks t ON t.id=f.task_id WHERE t.entry_id=? GROUP BY f.severity`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := map[domain.Severity]int{}
	for rows.Next() {
		var (
			severity string
			n        int
		)
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		sv, err := domain.ParseSeverity(severity)
		if err != nil {
			return nil, err
		}
		res[sv] = n
	}
	return res, rows.Err()
}

// CreatePackage registers a produced package; re-registering a name replaces its path.
func (r Repo) CreatePackage(ctx context.Context, p domain.Package) (domain.Package, error) {
	err := r.DB.QueryRowContext(ctx, `INSERT INTO packages(task_id,name,path) VALUES (?,?,?)
		ON CONFLICT(task_id,name) DO UPDATE SET path=excluded.path RETURNING id`,
		p.TaskID, p.Name, p.Path).Scan(&p.ID)
	if err != nil {
		return p, fmt.Errorf("insert package %s: %w", p.Name, err)
	}
	return p, nil
}

func (r Repo) FindPackages(ctx context.Context, entryID int64) ([]domain.Package, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id,p.task_id,p.name,p.path FROM packages p JOIN tasks t ON t.id=p.task_id WHERE t.entry_id=? ORDER BY p.id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Package
	for rows.Next() {
		var p domain.Package
		if err := rows.Scan(&p.ID, &p.TaskID, &p.Name, &p.Path); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) FindSeverityOverride(ctx context.Context, ownerID string, rulesetID int64, code string) (domain.Severity, error) {
	var severity string
	err := r.DB.QueryRowContext(ctx, `SELECT severity FROM severity_overrides WHERE owner_id=? AND ruleset_id=? AND code=?`,
		ownerID, rulesetID, code).Scan(&severity)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.ParseSeverity(severity)
}

func (r Repo) UpsertSeverityOverride(ctx context.Context, o domain.SeverityOverride) error {
	if o.RulesetID == 0 {
		rs, err := r.FindRulesetByName(ctx, o.Ruleset)
		if err != nil {
			return fmt.Errorf("override ruleset %s: %w", o.Ruleset, err)
		}
		o.RulesetID = rs.ID
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO severity_overrides(owner_id,ruleset_id,code,severity) VALUES (?,?,?,?)
		ON CONFLICT(owner_id,ruleset_id,code) DO UPDATE SET severity=excluded.severity`,
		o.OwnerID, o.RulesetID, o.Code, string(o.Severity))
	return err
}
