package dbstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

const rulesetColumns = `id,identifying_name,COALESCE(description,''),owner_id,category,type,format,before_dependencies,after_dependencies`

func scanRuleset(row interface{ Scan(...any) error }) (domain.Ruleset, error) {
	var (
		rs            domain.Ruleset
		category, typ string
		before, after string
	)
	err := row.Scan(&rs.ID, &rs.IdentifyingName, &rs.Description, &rs.OwnerID, &category, &typ, &rs.Format, &before, &after)
	if err == sql.ErrNoRows {
		return rs, domain.ErrNotFound
	}
	if err != nil {
		return rs, err
	}
	if rs.Category, err = domain.ParseCategory(category); err != nil {
		return rs, err
	}
	if rs.Type, err = domain.ParseRulesetType(typ); err != nil {
		return rs, err
	}
	if err := json.Unmarshal([]byte(before), &rs.BeforeDependencies); err != nil {
		return rs, fmt.Errorf("ruleset %s before: %w", rs.IdentifyingName, err)
	}
	if err := json.Unmarshal([]byte(after), &rs.AfterDependencies); err != nil {
		return rs, fmt.Errorf("ruleset %s after: %w", rs.IdentifyingName, err)
	}
	return rs, nil
}

func (r Repo) FindRulesetByName(ctx context.Context, name string) (domain.Ruleset, error) {
	return scanRuleset(r.DB.QueryRowContext(ctx, `SELECT `+rulesetColumns+` FROM rulesets WHERE identifying_name=?`, name))
}

func (r Repo) ListRulesets(ctx context.Context) ([]domain.Ruleset, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+rulesetColumns+` FROM rulesets ORDER BY identifying_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Ruleset
	for rows.Next() {
		rs, err := scanRuleset(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rs)
	}
	return res, rows.Err()
}

func depsJSON(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	b, err := json.Marshal(deps)
	return string(b), err
}

// UpsertRuleset inserts or replaces the catalog row keyed by identifying name.
func (r Repo) UpsertRuleset(ctx context.Context, rs domain.Ruleset) (domain.Ruleset, error) {
	before, err := depsJSON(rs.BeforeDependencies)
	if err != nil {
		return rs, err
	}
	after, err := depsJSON(rs.AfterDependencies)
	if err != nil {
		return rs, err
	}

	err = r.DB.QueryRowContext(ctx, `INSERT INTO rulesets(identifying_name,description,owner_id,category,type,format,before_dependencies,after_dependencies)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(identifying_name) DO UPDATE SET description=excluded.description, owner_id=excluded.owner_id,
			category=excluded.category, type=excluded.type, format=excluded.format,
			before_dependencies=excluded.before_dependencies, after_dependencies=excluded.after_dependencies
		RETURNING id`,
		rs.IdentifyingName, nullable(rs.Description), rs.OwnerID, string(rs.Category), string(rs.Type), rs.Format, before, after).Scan(&rs.ID)
	if err != nil {
		return rs, fmt.Errorf("upsert ruleset %s: %w", rs.IdentifyingName, err)
	}
	return rs, nil
}
