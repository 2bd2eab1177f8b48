package domain

import (
	"encoding/json"
	"time"
)

type Entry struct {
	ID         int64  `json:"id"`
	PublicID   string `json:"public_id"`
	BusinessID string `json:"business_id"`
	URL        string `json:"url"`
	Format     string `json:"format"`
	Etag       string `json:"etag,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	// Configs holds the submitted per-rule configuration keyed by ruleset name.
	Configs map[string]json.RawMessage `json:"configs,omitempty"`

	Status Status `json:"status"`

	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Updated   *time.Time `json:"updated,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
}

type Ruleset struct {
	ID              int64       `json:"id" yaml:"-"`
	IdentifyingName string      `json:"identifying_name" yaml:"identifying_name"`
	Description     string      `json:"description,omitempty" yaml:"description"`
	OwnerID         string      `json:"owner_id" yaml:"owner"`
	Category        Category    `json:"category" yaml:"category"`
	Type            RulesetType `json:"type" yaml:"type"`
	Format          string      `json:"format" yaml:"format"`

	// BeforeDependencies must complete before this ruleset starts.
	BeforeDependencies []string `json:"before_dependencies,omitempty" yaml:"before"`
	// AfterDependencies must run after this ruleset.
	AfterDependencies []string `json:"after_dependencies,omitempty" yaml:"after"`
}

type Task struct {
	ID       int64  `json:"id"`
	EntryID  int64  `json:"entry_id"`
	Name     string `json:"name"`
	Stage    Stage  `json:"stage"`
	Priority int    `json:"priority"`
	Status   Status `json:"status"`

	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Updated   *time.Time `json:"updated,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
}

// Band is the concurrency group of the task; tasks of one band may run in parallel.
func (t Task) Band() int {
	return t.Priority / 100
}

type Finding struct {
	ID        int64    `json:"id"`
	TaskID    int64    `json:"task_id"`
	RulesetID int64    `json:"ruleset_id"`
	Source    string   `json:"source"`
	Code      string   `json:"code,omitempty"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Raw       []byte   `json:"raw,omitempty"`
}

type Package struct {
	ID     int64  `json:"id"`
	TaskID int64  `json:"task_id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
}

type SeverityOverride struct {
	OwnerID   string   `json:"owner_id" yaml:"owner"`
	Ruleset   string   `json:"ruleset" yaml:"ruleset"`
	Code      string   `json:"code" yaml:"code"`
	Severity  Severity `json:"severity" yaml:"severity"`
	RulesetID int64    `json:"-" yaml:"-"`
}
