package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"time"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

type TaskTracker interface {
	Start(ctx context.Context, task domain.Task) (domain.Task, error)
	Heartbeat(ctx context.Context, task domain.Task) (domain.Task, error)
	Complete(ctx context.Context, task domain.Task) (domain.Task, error)
	Release(ctx context.Context, task domain.Task) error
}

type ResultStore interface {
	CreateFindings(ctx context.Context, findings []domain.Finding) error
	CreatePackage(ctx context.Context, p domain.Package) (domain.Package, error)
	FindSeverityOverride(ctx context.Context, ownerID string, rulesetID int64, code string) (domain.Severity, error)
}

type RulesetFinder interface {
	FindRulesetByName(ctx context.Context, name string) (domain.Ruleset, error)
}

type Blobs interface {
	UploadDirectory(ctx context.Context, localDir, prefix string) (domain.UploadResult, error)
	UploadFile(ctx context.Context, localPath, key string) error
}

type Staging interface {
	Fetch(ctx context.Context, key string) (string, error)
}

type ExecutorConfig struct {
	WorkDir           string
	HeartbeatInterval time.Duration
	Timeout           time.Duration
}

type Executor struct {
	registry *Registry
	tracker  TaskTracker
	results  ResultStore
	rulesets RulesetFinder
	blobs    Blobs
	staging  Staging
	cfg      ExecutorConfig
}

func NewExecutor(
	registry *Registry,
	tracker TaskTracker,
	results ResultStore,
	rulesets RulesetFinder,
	blobs Blobs,
	staging Staging,
	cfg ExecutorConfig,
) *Executor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Executor{
		registry: registry,
		tracker:  tracker,
		results:  results,
		rulesets: rulesets,
		blobs:    blobs,
		staging:  staging,
		cfg:      cfg,
	}
}

// Execute runs the task's rule and completes the task. Rule failures end up
// as findings; only infrastructure failures are returned, after the task has
// been released for a later attempt.
func (e *Executor) Execute(ctx context.Context, entry domain.Entry, task domain.Task) (domain.Task, error) {
	var err error
	if task.Started == nil {
		if task, err = e.tracker.Start(ctx, task); err != nil {
			return task, err
		}
	}

	l := slog.With(
		slog.String("entry_id", entry.PublicID),
		slog.String("task", task.Name),
	)

	findings, err := e.execute(ctx, l, entry, task)
	if err != nil {
		if rerr := e.tracker.Release(context.WithoutCancel(ctx), task); rerr != nil {
			l.Error("release task", slog.String("error", rerr.Error()))
		}
		return task, err
	}

	task.Status = scheduler.TaskStatus(findings)
	done, err := e.tracker.Complete(ctx, task)
	if err != nil {
		return task, fmt.Errorf("complete task %s: %w", task.Name, err)
	}
	l.Info("task executed",
		slog.String("status", string(done.Status)),
		slog.Int("findings", len(findings)),
	)
	return done, nil
}

func (e *Executor) execute(ctx context.Context, l *slog.Logger, entry domain.Entry, task domain.Task) ([]domain.Finding, error) {
	rule, ok := e.registry.Lookup(task.Name)
	if !ok {
		findings := []domain.Finding{e.failure(task, task.Name, fmt.Errorf("no rule implementation registered"))}
		return findings, e.persist(ctx, entry, findings)
	}

	in, err := e.prepare(ctx, entry, task, rule)
	if errors.Is(err, domain.ErrNotFound) {
		// Nothing was staged, usually after a failed prepare.
		findings := []domain.Finding{{
			TaskID:   task.ID,
			Source:   rule.IdentifyingName(),
			Code:     "input_missing",
			Message:  fmt.Sprintf("input of %s is missing: %v", rule.IdentifyingName(), err),
			Severity: domain.SeverityError,
		}}
		if err := e.persist(ctx, entry, findings); err != nil {
			return nil, Infrastructure(err)
		}
		return findings, nil
	}
	if err != nil {
		return nil, Infrastructure(err)
	}

	report, err := e.run(ctx, l, rule, in)
	if err != nil && IsInfrastructure(err) {
		return nil, err
	}

	findings := e.collect(task, rule.IdentifyingName(), report)
	if err != nil {
		l.Warn("rule failed", slog.String("error", err.Error()))
		findings = append(findings, e.failure(task, rule.IdentifyingName(), err))
	}

	findings = append(findings, e.upload(ctx, entry, task, rule.IdentifyingName(), in.OutputsDir)...)
	findings = append(findings, e.packages(ctx, entry, task, rule.IdentifyingName(), in.OutputsDir, report.Packages)...)

	if err := e.persist(ctx, entry, findings); err != nil {
		return nil, Infrastructure(err)
	}
	return findings, nil
}

// prepare lays out the task's working directories and stages the entry's
// source payload as its input.
func (e *Executor) prepare(ctx context.Context, entry domain.Entry, task domain.Task, rule Rule) (Input, error) {
	root := filepath.Join(e.cfg.WorkDir, "entries", entry.PublicID, "tasks", task.Name)
	in := Input{
		Entry:      entry,
		Task:       task,
		InputsDir:  filepath.Join(root, "inputs"),
		OutputsDir: filepath.Join(root, "outputs"),
		Config:     configFor(entry, rule),
	}

	// Outputs of an earlier attempt must not leak into this one.
	if err := os.RemoveAll(in.OutputsDir); err != nil {
		return in, fmt.Errorf("reset outputs: %w", err)
	}
	for _, dir := range []string{in.InputsDir, in.OutputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return in, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if task.Name == scheduler.PrepareTaskName {
		return in, nil
	}

	key := SourceKey(entry)
	staged, err := e.staging.Fetch(ctx, key)
	if err != nil {
		return in, fmt.Errorf("stage %s: %w", key, err)
	}
	if err := copyFile(staged, filepath.Join(in.InputsDir, filepath.Base(key))); err != nil {
		return in, fmt.Errorf("copy input: %w", err)
	}
	return in, nil
}

func configFor(entry domain.Entry, rule Rule) json.RawMessage {
	if raw, ok := entry.Configs[rule.IdentifyingName()]; ok && len(raw) > 0 {
		return raw
	}
	if c, ok := rule.(Configurable); ok {
		if raw, err := json.Marshal(c.DefaultConfig()); err == nil {
			return raw
		}
	}
	return nil
}

// run invokes the rule while heartbeating the task. A panicking rule is
// reported like a rule returning an error.
func (e *Executor) run(ctx context.Context, l *slog.Logger, rule Rule, in Input) (report Report, err error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	stop := make(chan struct{})
	defer close(stop)
	go e.heartbeat(ctx, l, in.Task, stop)

	defer func() {
		if r := recover(); r != nil {
			l.Error("rule panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("rule panic: %v", r)
		}
	}()

	return rule.Run(ctx, in)
}

func (e *Executor) heartbeat(ctx context.Context, l *slog.Logger, task domain.Task, stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := e.tracker.Heartbeat(ctx, task); err != nil {
				l.Warn("task heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Executor) collect(task domain.Task, rule string, report Report) []domain.Finding {
	findings := make([]domain.Finding, 0, len(report.Findings))
	for _, f := range report.Findings {
		f.TaskID = task.ID
		if f.Source == "" {
			f.Source = rule
		}
		if f.Severity == "" {
			f.Severity = domain.SeverityUnknown
		}
		findings = append(findings, f)
	}
	return findings
}

func (e *Executor) failure(task domain.Task, rule string, err error) domain.Finding {
	return domain.Finding{
		TaskID:   task.ID,
		Source:   rule,
		Code:     "rule_failed",
		Message:  fmt.Sprintf("rule %s failed: %v", rule, err),
		Severity: domain.SeverityError,
	}
}

func (e *Executor) upload(ctx context.Context, entry domain.Entry, task domain.Task, rule, outputsDir string) []domain.Finding {
	prefix := OutputPrefix(entry, task, rule)
	res, err := e.blobs.UploadDirectory(ctx, outputsDir, prefix)
	if err != nil {
		return []domain.Finding{{
			TaskID:   task.ID,
			Source:   rule,
			Code:     "upload_failed",
			Message:  fmt.Sprintf("upload of %s failed: %v", prefix, err),
			Severity: domain.SeverityError,
		}}
	}

	findings := make([]domain.Finding, 0, len(res.Failed))
	for _, f := range res.Failed {
		findings = append(findings, domain.Finding{
			TaskID:   task.ID,
			Source:   rule,
			Code:     "upload_failed",
			Message:  fmt.Sprintf("upload of output file %s failed: %v", filepath.ToSlash(f.Path), f.Err),
			Severity: domain.SeverityError,
		})
	}
	return findings
}

func (e *Executor) packages(ctx context.Context, entry domain.Entry, task domain.Task, rule, outputsDir string, specs map[string][]string) []domain.Finding {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []domain.Finding
	for _, name := range names {
		if err := e.pack(ctx, entry, task, outputsDir, name, specs[name]); err != nil {
			findings = append(findings, domain.Finding{
				TaskID:   task.ID,
				Source:   rule,
				Code:     "package_failed",
				Message:  fmt.Sprintf("package %s failed: %v", name, err),
				Severity: domain.SeverityError,
			})
		}
	}
	return findings
}

func (e *Executor) pack(ctx context.Context, entry domain.Entry, task domain.Task, outputsDir, name string, patterns []string) error {
	archive := filepath.Join(filepath.Dir(outputsDir), "packages", name+".zip")
	if err := zipOutputs(outputsDir, patterns, archive); err != nil {
		return err
	}

	key := PackageKey(entry, task, name)
	if err := e.blobs.UploadFile(ctx, archive, key); err != nil {
		return err
	}
	_, err := e.results.CreatePackage(ctx, domain.Package{TaskID: task.ID, Name: name, Path: key})
	return err
}

// persist resolves ruleset ids and severity overrides, then stores the findings.
func (e *Executor) persist(ctx context.Context, entry domain.Entry, findings []domain.Finding) error {
	for i := range findings {
		f := &findings[i]
		if f.RulesetID == 0 {
			rs, err := e.rulesets.FindRulesetByName(ctx, f.Source)
			switch {
			case err == nil:
				f.RulesetID = rs.ID
			case errors.Is(err, domain.ErrNotFound):
			default:
				return fmt.Errorf("resolve ruleset %s: %w", f.Source, err)
			}
		}
		if f.RulesetID == 0 || f.Code == "" {
			continue
		}

		sv, err := e.results.FindSeverityOverride(ctx, entry.BusinessID, f.RulesetID, f.Code)
		switch {
		case err == nil:
			f.Severity = sv
		case errors.Is(err, domain.ErrNotFound):
		default:
			return fmt.Errorf("severity override: %w", err)
		}
	}

	if err := e.results.CreateFindings(ctx, findings); err != nil {
		return fmt.Errorf("create findings: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
