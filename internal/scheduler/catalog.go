package scheduler

import (
	"context"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/cache"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

type RulesetStore interface {
	RulesetFinder
	UpsertRuleset(ctx context.Context, r domain.Ruleset) (domain.Ruleset, error)
}

// Catalog serves ruleset lookups through the ruleset cache.
type Catalog struct {
	store RulesetStore
	cache *cache.Cache[string, domain.Ruleset]
}

func NewCatalog(store RulesetStore, c *cache.Cache[string, domain.Ruleset]) *Catalog {
	return &Catalog{store: store, cache: c}
}

func (c *Catalog) FindRulesetByName(ctx context.Context, name string) (domain.Ruleset, error) {
	return c.cache.Get(ctx, name, c.store.FindRulesetByName)
}

func (c *Catalog) UpsertRuleset(ctx context.Context, r domain.Ruleset) (domain.Ruleset, error) {
	defer c.cache.Invalidate(r.IdentifyingName)
	return c.store.UpsertRuleset(ctx, r)
}
