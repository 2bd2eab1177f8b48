// Package rules runs validation and conversion rules against an entry's
// staged inputs and turns their reports into persisted findings, uploaded
// artifacts and packages.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"path"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

type Input struct {
	Entry      domain.Entry
	Task       domain.Task
	InputsDir  string
	OutputsDir string
	Config     json.RawMessage
}

type Report struct {
	Message  string           `json:"message,omitempty"`
	Findings []domain.Finding `json:"findings,omitempty"`
	// Packages maps a package name to glob patterns relative to the outputs dir.
	Packages map[string][]string `json:"packages,omitempty"`
}

// Rule is a validator or converter registered under the identifying name of
// its ruleset. Run must only write below Input.OutputsDir; task state is
// tracked by the executor.
type Rule interface {
	IdentifyingName() string
	Run(ctx context.Context, in Input) (Report, error)
}

// Configurable rules supply the configuration used when the entry carries none.
type Configurable interface {
	DefaultConfig() any
}

// DecodeConfig overlays raw onto defaults. Absent or malformed configuration
// yields the defaults unchanged.
func DecodeConfig[T any](raw json.RawMessage, defaults T) T {
	if len(raw) == 0 || string(raw) == "null" {
		return defaults
	}
	cfg := defaults
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("malformed rule configuration, using defaults", slog.String("error", err.Error()))
		return defaults
	}
	return cfg
}

type infrastructureError struct {
	err error
}

func (e *infrastructureError) Error() string { return "infrastructure: " + e.err.Error() }
func (e *infrastructureError) Unwrap() error { return e.err }

// Infrastructure marks err as a failure of the environment rather than of the
// rule. Such errors propagate and put the entry on the retry path instead of
// being recorded as findings.
func Infrastructure(err error) error {
	if err == nil {
		return nil
	}
	return &infrastructureError{err: err}
}

func IsInfrastructure(err error) bool {
	var ie *infrastructureError
	return errors.As(err, &ie)
}

func payloadName(e domain.Entry) string {
	if e.Format == "" {
		return "feed.zip"
	}
	return e.Format + ".zip"
}

// SourceKey is the storage key of the entry's downloaded payload.
func SourceKey(e domain.Entry) string {
	return path.Join("entries", e.PublicID, "source", payloadName(e))
}

// FeedKey is the storage key of the latest payload downloaded for the
// submitter's feed URL, shared by every entry of that feed.
func FeedKey(e domain.Entry) string {
	sum := sha256.Sum256([]byte(e.BusinessID + "\n" + e.URL))
	return path.Join("feeds", hex.EncodeToString(sum[:12]), payloadName(e))
}

// OutputPrefix is the storage prefix of a rule's uploaded outputs.
func OutputPrefix(e domain.Entry, task domain.Task, rule string) string {
	return path.Join("entries", e.PublicID, "tasks", task.Name, rule, "output")
}

func PackageKey(e domain.Entry, task domain.Task, name string) string {
	return path.Join("entries", e.PublicID, "tasks", task.Name, "packages", name+".zip")
}
