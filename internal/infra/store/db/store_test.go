package dbstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	sqlitedb "github.com/tmfg/digitraffic-tis-vaco-sub001/core/libs/sqlite"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	dbstore "github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/store/db"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

func setupRepo(t *testing.T) dbstore.Repo {
	t.Helper()
	db, err := sqlitedb.Open(sqlitedb.Config{Path: filepath.Join(t.TempDir(), "feeds.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := dbstore.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := dbstore.Migrate(db); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	return dbstore.New(db)
}

func seedRulesets(t *testing.T, repo dbstore.Repo) []domain.Ruleset {
	t.Helper()
	ctx := context.Background()
	var res []domain.Ruleset
	for _, rs := range []domain.Ruleset{
		{IdentifyingName: "gtfs.canonical", OwnerID: "fintraffic", Category: domain.CategoryGeneric, Type: domain.TypeValidationSyntax, Format: "gtfs"},
		{IdentifyingName: "gtfs.fares", OwnerID: "fintraffic", Category: domain.CategorySpecific, Type: domain.TypeValidationLogic, Format: "gtfs"},
		{IdentifyingName: "gtfs.summary", OwnerID: "fintraffic", Category: domain.CategoryGeneric, Type: domain.TypeValidationLogic, Format: "gtfs",
			BeforeDependencies: []string{"gtfs.canonical", "gtfs.fares"}},
	} {
		stored, err := repo.UpsertRuleset(ctx, rs)
		if err != nil {
			t.Fatalf("upsert %s: %v", rs.IdentifyingName, err)
		}
		res = append(res, stored)
	}
	return res
}

func createPlanned(t *testing.T, repo dbstore.Repo) domain.Entry {
	t.Helper()
	ctx := context.Background()
	rulesets := seedRulesets(t, repo)

	entry := domain.Entry{BusinessID: "2942108-7", URL: "https://example.com/gtfs.zip", Format: "gtfs"}
	plan, err := scheduler.Compile(entry, rulesets)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	entry, err = repo.CreateEntryWithTasks(ctx, entry, plan.Tasks)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return entry
}

func TestEntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	entry := createPlanned(t, repo)

	got, err := repo.FindEntry(ctx, entry.PublicID)
	if err != nil {
		t.Fatalf("find entry: %v", err)
	}
	if got.ID != entry.ID || got.Status != domain.StatusReceived || got.Started != nil {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if err := repo.StartEntryProcessing(ctx, got); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := repo.FindEntry(ctx, entry.PublicID)
	if err := repo.StartEntryProcessing(ctx, got); err != nil {
		t.Fatalf("start again: %v", err)
	}
	second, _ := repo.FindEntry(ctx, entry.PublicID)
	if first.Started == nil || !first.Started.Equal(*second.Started) {
		t.Fatalf("start time changed on replay: %v vs %v", first.Started, second.Started)
	}

	if err := repo.MarkStatus(ctx, got, domain.StatusWarnings); err != nil {
		t.Fatalf("mark status: %v", err)
	}
	got, _ = repo.FindEntry(ctx, entry.PublicID)
	if got.Status != domain.StatusWarnings {
		t.Fatalf("status = %s", got.Status)
	}

	if _, err := repo.FindEntry(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimFollowsBands(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	entry := createPlanned(t, repo)

	claimed, err := repo.FindAvailableTasksToExecute(ctx, entry.ID, domain.StageValidation)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Name != scheduler.PrepareTaskName || claimed[0].Started == nil {
		t.Fatalf("expected prepare only, got %+v", claimed)
	}

	// Nothing new until prepare completes.
	again, err := repo.FindAvailableTasksToExecute(ctx, entry.ID, domain.StageValidation)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing while prepare runs, got %+v", again)
	}

	prepare := claimed[0]
	prepare.Status = domain.StatusSuccess
	if _, err := repo.CompleteTask(ctx, prepare); err != nil {
		t.Fatalf("complete prepare: %v", err)
	}

	claimed, err = repo.FindAvailableTasksToExecute(ctx, entry.ID, domain.StageValidation)
	if err != nil {
		t.Fatalf("claim band 2: %v", err)
	}
	var priorities []int
	for _, task := range claimed {
		priorities = append(priorities, task.Priority)
	}
	if len(priorities) != 2 || priorities[0] != 200 || priorities[1] != 201 {
		t.Fatalf("expected [200 201], got %v", priorities)
	}

	// Claimed tasks cannot be started a second time.
	if _, err := repo.StartTask(ctx, claimed[0]); !errors.Is(err, domain.ErrTaskAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}

	// A released task is claimable again.
	if err := repo.ReleaseTask(ctx, claimed[1]); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err = repo.FindAvailableTasksToExecute(ctx, entry.ID, domain.StageValidation)
	if err != nil {
		t.Fatalf("claim released: %v", err)
	}
	if len(again) != 1 || again[0].ID != claimed[1].ID {
		t.Fatalf("expected released task, got %+v", again)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	entry := createPlanned(t, repo)

	tasks, err := repo.FindTasks(ctx, entry.ID)
	if err != nil {
		t.Fatalf("find tasks: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	last := tasks[len(tasks)-1]

	if _, err := repo.CompleteTask(ctx, last); !errors.Is(err, domain.ErrTaskNotStarted) {
		t.Fatalf("expected not started, got %v", err)
	}

	started, err := repo.StartTask(ctx, last)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusProcessing {
		t.Fatalf("status = %s", started.Status)
	}
	if _, err := repo.UpdateTask(ctx, started); err != nil {
		t.Fatalf("update: %v", err)
	}

	started.Status = domain.StatusErrors
	done, err := repo.CompleteTask(ctx, started)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Completed == nil || done.Status != domain.StatusErrors {
		t.Fatalf("unexpected completed task: %+v", done)
	}

	n, err := repo.CancelUnfinishedTasks(ctx, entry.ID, domain.StageValidation)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 3 {
		t.Fatalf("cancelled %d tasks, want 3", n)
	}
	tasks, _ = repo.FindTasks(ctx, entry.ID)
	if !scheduler.Done(tasks) {
		t.Fatalf("expected all tasks closed")
	}
}

func TestFindingsAndOverrides(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	entry := createPlanned(t, repo)
	tasks, _ := repo.FindTasks(ctx, entry.ID)

	rs, err := repo.FindRulesetByName(ctx, "gtfs.fares")
	if err != nil {
		t.Fatalf("find ruleset: %v", err)
	}

	err = repo.CreateFindings(ctx, []domain.Finding{
		{TaskID: tasks[1].ID, RulesetID: rs.ID, Source: rs.IdentifyingName, Code: "missing_fare", Message: "m1", Severity: domain.SeverityWarning},
		{TaskID: tasks[1].ID, RulesetID: rs.ID, Source: rs.IdentifyingName, Code: "missing_fare", Message: "m2", Severity: domain.SeverityWarning},
		{TaskID: tasks[2].ID, Source: "upload", Message: "upload failed", Severity: domain.SeverityError},
	})
	if err != nil {
		t.Fatalf("create findings: %v", err)
	}

	counts, err := repo.SeverityCounts(ctx, entry.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.SeverityWarning] != 2 || counts[domain.SeverityError] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if _, err := repo.FindSeverityOverride(ctx, "2942108-7", rs.ID, "missing_fare"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no override, got %v", err)
	}
	override := domain.SeverityOverride{OwnerID: "2942108-7", Ruleset: "gtfs.fares", Code: "missing_fare", Severity: domain.SeverityInfo}
	if err := repo.UpsertSeverityOverride(ctx, override); err != nil {
		t.Fatalf("upsert override: %v", err)
	}
	sv, err := repo.FindSeverityOverride(ctx, "2942108-7", rs.ID, "missing_fare")
	if err != nil || sv != domain.SeverityInfo {
		t.Fatalf("override = %s, %v", sv, err)
	}

	p, err := repo.CreatePackage(ctx, domain.Package{TaskID: tasks[1].ID, Name: "result", Path: "entries/x/packages/result.zip"})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	if _, err := repo.CreatePackage(ctx, domain.Package{TaskID: tasks[1].ID, Name: "result", Path: "entries/x/packages/result-2.zip"}); err != nil {
		t.Fatalf("replace package: %v", err)
	}
	packages, err := repo.FindPackages(ctx, entry.ID)
	if err != nil {
		t.Fatalf("find packages: %v", err)
	}
	if len(packages) != 1 || packages[0].ID != p.ID || packages[0].Path != "entries/x/packages/result-2.zip" {
		t.Fatalf("unexpected packages: %+v", packages)
	}
}

func TestClaimMixedStagesKeepsBandOrder(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)

	var rulesets []domain.Ruleset
	for _, rs := range []domain.Ruleset{
		{IdentifyingName: "a", Category: domain.CategoryGeneric, Type: domain.TypeValidationSyntax, Format: "gtfs"},
		{IdentifyingName: "b", Category: domain.CategoryGeneric, Type: domain.TypeValidationLogic, Format: "gtfs", BeforeDependencies: []string{"a"}},
		{IdentifyingName: "c", Category: domain.CategoryGeneric, Type: domain.TypeConversionSyntax, Format: "gtfs"},
	} {
		stored, err := repo.UpsertRuleset(ctx, rs)
		if err != nil {
			t.Fatalf("upsert %s: %v", rs.IdentifyingName, err)
		}
		rulesets = append(rulesets, stored)
	}
	entry := domain.Entry{BusinessID: "2942108-7", URL: "https://example.com/gtfs.zip", Format: "gtfs"}
	plan, err := scheduler.Compile(entry, rulesets)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	entry, err = repo.CreateEntryWithTasks(ctx, entry, plan.Tasks)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}

	runStage := func(stage domain.Stage) {
		for {
			claimed, err := repo.FindAvailableTasksToExecute(ctx, entry.ID, stage)
			if err != nil {
				t.Fatalf("claim %s: %v", stage, err)
			}
			if len(claimed) == 0 {
				return
			}
			tasks, err := repo.FindTasks(ctx, entry.ID)
			if err != nil {
				t.Fatalf("find tasks: %v", err)
			}
			for _, c := range claimed {
				for _, other := range tasks {
					if other.Band() < c.Band() && other.Completed == nil {
						t.Fatalf("%s (band %d) started while %s (band %d) is incomplete", c.Name, c.Band(), other.Name, other.Band())
					}
				}
				c.Status = domain.StatusSuccess
				if _, err := repo.CompleteTask(ctx, c); err != nil {
					t.Fatalf("complete %s: %v", c.Name, err)
				}
			}
		}
	}
	runStage(domain.StageValidation)
	runStage(domain.StageConversion)

	tasks, err := repo.FindTasks(ctx, entry.ID)
	if err != nil {
		t.Fatalf("find tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Completed == nil {
			t.Fatalf("task %s never ran", task.Name)
		}
	}
}

func TestConcurrentClaimsDispatchOnce(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	entry := createPlanned(t, repo)

	tasks, err := repo.FindTasks(ctx, entry.ID)
	if err != nil {
		t.Fatalf("find tasks: %v", err)
	}

	var (
		mu     sync.Mutex
		counts = map[int64]int{}
	)
	// Claimers keep going until every task has been handed out once.
	for round := 0; ; round++ {
		if round > len(tasks) {
			t.Fatalf("tasks still pending after %d rounds", round)
		}
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := repo.FindAvailableTasksToExecute(ctx, entry.ID, domain.StageValidation)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, c := range claimed {
					counts[c.ID]++
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("claim: %v", err)
		}

		current, err := repo.FindTasks(ctx, entry.ID)
		if err != nil {
			t.Fatalf("find tasks: %v", err)
		}
		pending := 0
		for _, task := range current {
			if task.Started != nil && task.Completed == nil {
				task.Status = domain.StatusSuccess
				if _, err := repo.CompleteTask(ctx, task); err != nil {
					t.Fatalf("complete %s: %v", task.Name, err)
				}
			}
			if task.Started == nil {
				pending++
			}
		}
		if pending == 0 {
			break
		}
	}

	for _, task := range tasks {
		if counts[task.ID] != 1 {
			t.Fatalf("task %s claimed %d times", task.Name, counts[task.ID])
		}
	}
}
