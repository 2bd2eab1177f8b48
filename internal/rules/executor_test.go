package rules_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
)

type fakeTracker struct {
	mu        sync.Mutex
	completed []domain.Task
	released  []domain.Task
}

func (f *fakeTracker) Start(ctx context.Context, t domain.Task) (domain.Task, error) {
	now := time.Now()
	t.Started = &now
	return t, nil
}

func (f *fakeTracker) Heartbeat(ctx context.Context, t domain.Task) (domain.Task, error) {
	return t, nil
}

func (f *fakeTracker) Complete(ctx context.Context, t domain.Task) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	t.Completed = &now
	f.completed = append(f.completed, t)
	return t, nil
}

func (f *fakeTracker) Release(ctx context.Context, t domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, t)
	return nil
}

type fakeResults struct {
	findings  []domain.Finding
	packages  []domain.Package
	overrides map[string]domain.Severity
}

func (f *fakeResults) CreateFindings(ctx context.Context, findings []domain.Finding) error {
	f.findings = append(f.findings, findings...)
	return nil
}

func (f *fakeResults) CreatePackage(ctx context.Context, p domain.Package) (domain.Package, error) {
	p.ID = int64(len(f.packages) + 1)
	f.packages = append(f.packages, p)
	return p, nil
}

func (f *fakeResults) FindSeverityOverride(ctx context.Context, owner string, rulesetID int64, code string) (domain.Severity, error) {
	if sv, ok := f.overrides[owner+"/"+code]; ok {
		return sv, nil
	}
	return "", domain.ErrNotFound
}

type fakeCatalog map[string]int64

func (f fakeCatalog) FindRulesetByName(ctx context.Context, name string) (domain.Ruleset, error) {
	id, ok := f[name]
	if !ok {
		return domain.Ruleset{}, domain.ErrNotFound
	}
	return domain.Ruleset{ID: id, IdentifyingName: name}, nil
}

type fakeBlobs struct {
	mu       sync.Mutex
	prefixes []string
	files    []string
	fail     string
}

func (f *fakeBlobs) UploadDirectory(ctx context.Context, dir, prefix string) (domain.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)

	var res domain.UploadResult
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if f.fail != "" && e.Name() == f.fail {
			res.Failed = append(res.Failed, domain.UploadFailure{Path: e.Name(), Err: errors.New("connection reset")})
			continue
		}
		res.Uploaded = append(res.Uploaded, e.Name())
	}
	return res, nil
}

func (f *fakeBlobs) UploadFile(ctx context.Context, localPath, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	f.files = append(f.files, key)
	return nil
}

type fakeStaging struct {
	path string
	err  error
}

func (f fakeStaging) Fetch(ctx context.Context, key string) (string, error) {
	return f.path, f.err
}

type funcRule struct {
	name string
	run  func(ctx context.Context, in rules.Input) (rules.Report, error)
}

func (r funcRule) IdentifyingName() string { return r.name }

func (r funcRule) Run(ctx context.Context, in rules.Input) (rules.Report, error) {
	return r.run(ctx, in)
}

type fixture struct {
	tracker *fakeTracker
	results *fakeResults
	blobs   *fakeBlobs
	exec    *rules.Executor
	entry   domain.Entry
}

func newFixture(t *testing.T, staging fakeStaging, rs ...rules.Rule) fixture {
	t.Helper()
	registry, err := rules.NewRegistry(rs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	if staging.path == "" && staging.err == nil {
		staging.path = filepath.Join(t.TempDir(), "gtfs.zip")
		if err := os.WriteFile(staging.path, []byte("payload"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	f := fixture{
		tracker: &fakeTracker{},
		results: &fakeResults{overrides: map[string]domain.Severity{}},
		blobs:   &fakeBlobs{},
		entry:   domain.Entry{ID: 1, PublicID: "e-1", BusinessID: "2942108-7", Format: "gtfs"},
	}
	f.exec = rules.NewExecutor(registry, f.tracker, f.results,
		fakeCatalog{"gtfs.canonical": 11, "gtfs.broken": 12},
		f.blobs, staging,
		rules.ExecutorConfig{WorkDir: t.TempDir(), HeartbeatInterval: time.Hour},
	)
	return f
}

func claimed(name string) domain.Task {
	now := time.Now()
	return domain.Task{ID: 5, EntryID: 1, Name: name, Priority: 200, Started: &now}
}

func TestExecuteSuccessfulRule(t *testing.T) {
	rule := funcRule{name: "gtfs.canonical", run: func(ctx context.Context, in rules.Input) (rules.Report, error) {
		if _, err := os.Stat(filepath.Join(in.InputsDir, "gtfs.zip")); err != nil {
			t.Errorf("input not staged: %v", err)
		}
		if string(in.Config) != `{"maxErrors":10}` {
			t.Errorf("config = %s", in.Config)
		}
		if err := os.WriteFile(filepath.Join(in.OutputsDir, "report.json"), []byte("{}"), 0o644); err != nil {
			return rules.Report{}, err
		}
		return rules.Report{
			Findings: []domain.Finding{
				{Code: "missing_feed_info", Message: "feed_info.txt missing", Severity: domain.SeverityWarning},
				{Code: "unused_shape", Message: "shape s1 unused", Severity: domain.SeverityWarning},
			},
			Packages: map[string][]string{"report": {"*.json"}},
		}, nil
	}}
	f := newFixture(t, fakeStaging{}, rule)
	f.entry.Configs = map[string]json.RawMessage{"gtfs.canonical": json.RawMessage(`{"maxErrors":10}`)}
	f.results.overrides["2942108-7/missing_feed_info"] = domain.SeverityInfo

	done, err := f.exec.Execute(context.Background(), f.entry, claimed("gtfs.canonical"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Status != domain.StatusWarnings {
		t.Fatalf("status = %s", done.Status)
	}

	if len(f.results.findings) != 2 {
		t.Fatalf("findings = %+v", f.results.findings)
	}
	for _, finding := range f.results.findings {
		if finding.TaskID != 5 || finding.RulesetID != 11 || finding.Source != "gtfs.canonical" {
			t.Fatalf("unresolved finding: %+v", finding)
		}
	}
	if f.results.findings[0].Severity != domain.SeverityInfo {
		t.Fatalf("override not applied: %s", f.results.findings[0].Severity)
	}

	if len(f.blobs.prefixes) != 1 || f.blobs.prefixes[0] != "entries/e-1/tasks/gtfs.canonical/gtfs.canonical/output" {
		t.Fatalf("upload prefixes = %v", f.blobs.prefixes)
	}
	if len(f.results.packages) != 1 || f.results.packages[0].Path != "entries/e-1/tasks/gtfs.canonical/packages/report.zip" {
		t.Fatalf("packages = %+v", f.results.packages)
	}
}

func TestExecutePanickingRule(t *testing.T) {
	rule := funcRule{name: "gtfs.broken", run: func(ctx context.Context, in rules.Input) (rules.Report, error) {
		panic("index out of range")
	}}
	f := newFixture(t, fakeStaging{}, rule)

	done, err := f.exec.Execute(context.Background(), f.entry, claimed("gtfs.broken"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Status != domain.StatusErrors || done.Completed == nil {
		t.Fatalf("task = %+v", done)
	}
	if len(f.results.findings) != 1 || !strings.Contains(f.results.findings[0].Message, "gtfs.broken") ||
		f.results.findings[0].Severity != domain.SeverityError {
		t.Fatalf("findings = %+v", f.results.findings)
	}
}

func TestExecuteReportsFailedUploads(t *testing.T) {
	rule := funcRule{name: "gtfs.canonical", run: func(ctx context.Context, in rules.Input) (rules.Report, error) {
		for _, name := range []string{"a.json", "b.json"} {
			if err := os.WriteFile(filepath.Join(in.OutputsDir, name), []byte("{}"), 0o644); err != nil {
				return rules.Report{}, err
			}
		}
		return rules.Report{}, nil
	}}
	f := newFixture(t, fakeStaging{}, rule)
	f.blobs.fail = "b.json"

	done, err := f.exec.Execute(context.Background(), f.entry, claimed("gtfs.canonical"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Status != domain.StatusErrors {
		t.Fatalf("status = %s", done.Status)
	}
	if len(f.results.findings) != 1 || f.results.findings[0].Code != "upload_failed" ||
		!strings.Contains(f.results.findings[0].Message, "b.json") {
		t.Fatalf("findings = %+v", f.results.findings)
	}
}

func TestExecuteInfrastructureFailureReleasesTask(t *testing.T) {
	rule := funcRule{name: "gtfs.canonical", run: func(ctx context.Context, in rules.Input) (rules.Report, error) {
		return rules.Report{}, rules.Infrastructure(errors.New("validator service unavailable"))
	}}
	f := newFixture(t, fakeStaging{}, rule)

	_, err := f.exec.Execute(context.Background(), f.entry, claimed("gtfs.canonical"))
	if !rules.IsInfrastructure(err) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	if len(f.tracker.released) != 1 || len(f.tracker.completed) != 0 {
		t.Fatalf("released = %d, completed = %d", len(f.tracker.released), len(f.tracker.completed))
	}
	if len(f.results.findings) != 0 {
		t.Fatalf("infrastructure failure must not record findings")
	}
}

func TestExecuteStagingFailureIsInfrastructure(t *testing.T) {
	rule := funcRule{name: "gtfs.canonical", run: func(ctx context.Context, in rules.Input) (rules.Report, error) {
		t.Fatalf("rule must not run without inputs")
		return rules.Report{}, nil
	}}
	f := newFixture(t, fakeStaging{err: errors.New("bucket unreachable")}, rule)

	if _, err := f.exec.Execute(context.Background(), f.entry, claimed("gtfs.canonical")); !rules.IsInfrastructure(err) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestExecuteMissingInputCompletesTask(t *testing.T) {
	rule := funcRule{name: "gtfs.canonical", run: func(ctx context.Context, in rules.Input) (rules.Report, error) {
		t.Fatalf("rule must not run without inputs")
		return rules.Report{}, nil
	}}
	missing := fmt.Errorf("fetch entries/e-1/source/gtfs.zip: %w", domain.ErrNotFound)
	f := newFixture(t, fakeStaging{err: missing}, rule)

	done, err := f.exec.Execute(context.Background(), f.entry, claimed("gtfs.canonical"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Status != domain.StatusErrors || done.Completed == nil {
		t.Fatalf("task = %+v", done)
	}
	if len(f.tracker.released) != 0 {
		t.Fatalf("task released for a retry")
	}
	if len(f.results.findings) != 1 || f.results.findings[0].Code != "input_missing" || f.results.findings[0].RulesetID != 11 {
		t.Fatalf("findings = %+v", f.results.findings)
	}
}

func TestExecuteUnregisteredRule(t *testing.T) {
	f := newFixture(t, fakeStaging{})

	done, err := f.exec.Execute(context.Background(), f.entry, claimed("gtfs.unknown"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Status != domain.StatusErrors || len(f.results.findings) != 1 {
		t.Fatalf("task = %+v, findings = %+v", done, f.results.findings)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := funcRule{name: "gtfs.canonical"}
	if _, err := rules.NewRegistry(r, r); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestDecodeConfigFallsBack(t *testing.T) {
	type cfg struct {
		Country   string `json:"country"`
		MaxErrors int    `json:"maxErrors"`
	}
	defaults := cfg{Country: "fi", MaxErrors: 100}

	if got := rules.DecodeConfig(nil, defaults); got != defaults {
		t.Fatalf("absent config = %+v", got)
	}
	if got := rules.DecodeConfig(json.RawMessage(`{"maxErrors":`), defaults); got != defaults {
		t.Fatalf("malformed config = %+v", got)
	}
	if got := rules.DecodeConfig(json.RawMessage(`{"maxErrors":5}`), defaults); got.Country != "fi" || got.MaxErrors != 5 {
		t.Fatalf("partial config = %+v", got)
	}
}
