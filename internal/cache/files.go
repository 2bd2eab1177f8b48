package cache

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"
)

type Config struct {
	Capacity int
	TTL      time.Duration
}

// RulesetsName names the ruleset cache on the ops endpoint.
const RulesetsName = "rulesets"

var (
	DefaultRulesets  = Config{Capacity: 500, TTL: time.Hour}
	DefaultEndpoints = Config{Capacity: 50, TTL: time.Hour}
	DefaultFiles     = Config{Capacity: 5000, TTL: 24 * time.Hour}
)

func (c Config) orDefault(def Config) Config {
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	return c
}

// NewFiles returns the cache of locally staged files keyed by destination
// path. An entry leaving the cache deletes its file from disk, which is what
// bounds local disk usage for downloaded payloads.
func NewFiles(cfg Config) *Cache[string, string] {
	cfg = cfg.orDefault(DefaultFiles)
	return New[string, string]("staged_files", cfg.Capacity, cfg.TTL, func(dst, local string) {
		if err := os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cache: remove evicted file",
				slog.String("path", local),
				slog.String("error", err.Error()),
			)
			return
		}
		slog.Debug("cache: evicted staged file", slog.String("path", local))
	})
}

func NewRulesets[V any](cfg Config) *Cache[string, V] {
	cfg = cfg.orDefault(DefaultRulesets)
	return New[string, V](RulesetsName, cfg.Capacity, cfg.TTL, nil)
}

func NewEndpoints(cfg Config) *Cache[string, string] {
	cfg = cfg.orDefault(DefaultEndpoints)
	return New[string, string]("endpoints", cfg.Capacity, cfg.TTL, nil)
}
