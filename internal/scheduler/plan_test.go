package scheduler_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

func ruleset(name string, typ domain.RulesetType, before ...string) domain.Ruleset {
	return domain.Ruleset{
		IdentifyingName:    name,
		Type:               typ,
		Category:           domain.CategoryGeneric,
		Format:             "gtfs",
		BeforeDependencies: before,
	}
}

func priorities(p scheduler.Plan) map[string]int {
	res := make(map[string]int, len(p.Tasks))
	for _, t := range p.Tasks {
		res[t.Name] = t.Priority
	}
	return res
}

func TestCompileBands(t *testing.T) {
	entry := domain.Entry{ID: 1}
	summary := ruleset("summary", domain.TypeValidationLogic, "gtfs.canonical", "gtfs.fares")
	plan, err := scheduler.Compile(entry, []domain.Ruleset{
		summary,
		ruleset("gtfs.fares", domain.TypeValidationSyntax),
		ruleset("gtfs.canonical", domain.TypeValidationSyntax),
		ruleset("gtfs2netex", domain.TypeConversionSyntax, "gtfs.canonical"),
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	want := map[string]int{
		scheduler.PrepareTaskName: 100,
		"gtfs.canonical":          200,
		"gtfs.fares":              201,
		"summary":                 300,
		"gtfs2netex":              400,
	}
	got := priorities(plan)
	for name, p := range want {
		if got[name] != p {
			t.Fatalf("priority of %s: want %d, got %d (plan %v)", name, p, got[name], got)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected tasks: %v", got)
	}

	for _, task := range plan.Tasks {
		wantStage := domain.StageValidation
		if task.Name == "gtfs2netex" {
			wantStage = domain.StageConversion
		}
		if task.Stage != wantStage {
			t.Fatalf("stage of %s: want %s, got %s", task.Name, wantStage, task.Stage)
		}
		if task.EntryID != entry.ID || task.Status != domain.StatusReceived {
			t.Fatalf("unexpected task fields: %+v", task)
		}
	}
}

func TestCompileAfterDependencies(t *testing.T) {
	first := ruleset("a", domain.TypeValidationSyntax)
	first.AfterDependencies = []string{"b"}
	plan, err := scheduler.Compile(domain.Entry{}, []domain.Ruleset{ruleset("b", domain.TypeValidationSyntax), first})
	if err != nil {
		t.Fatal(err)
	}
	got := priorities(plan)
	if got["a"]/100 >= got["b"]/100 {
		t.Fatalf("expected a in an earlier band than b: %v", got)
	}
}

func TestCompileConversionAfterValidationBands(t *testing.T) {
	plan, err := scheduler.Compile(domain.Entry{}, []domain.Ruleset{
		ruleset("a", domain.TypeValidationSyntax),
		ruleset("b", domain.TypeValidationLogic, "a"),
		ruleset("c", domain.TypeConversionSyntax),
	})
	if err != nil {
		t.Fatal(err)
	}

	lastValidation, firstConversion := 0, 1<<30
	for _, task := range plan.Tasks {
		band := task.Priority / 100
		switch task.Stage {
		case domain.StageValidation:
			lastValidation = max(lastValidation, band)
		case domain.StageConversion:
			firstConversion = min(firstConversion, band)
		}
	}
	if firstConversion <= lastValidation {
		t.Fatalf("conversion band %d overlaps validation bands up to %d: %v", firstConversion, lastValidation, priorities(plan))
	}

	got := priorities(plan)
	if got["a"] != 200 || got["b"] != 300 || got["c"] != 400 {
		t.Fatalf("unexpected priorities %v", got)
	}
}

func TestCompileIgnoresUnselectedDependencies(t *testing.T) {
	plan, err := scheduler.Compile(domain.Entry{}, []domain.Ruleset{
		ruleset("netex.entur", domain.TypeValidationSyntax, "not.selected"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if p := priorities(plan)["netex.entur"]; p != 200 {
		t.Fatalf("expected soft dependency ignored, got priority %d", p)
	}
}

func TestCompileCycle(t *testing.T) {
	_, err := scheduler.Compile(domain.Entry{}, []domain.Ruleset{
		ruleset("a", domain.TypeValidationSyntax, "c"),
		ruleset("b", domain.TypeValidationSyntax, "a"),
		ruleset("c", domain.TypeValidationSyntax, "b"),
		ruleset("d", domain.TypeValidationSyntax),
	})
	if !errors.Is(err, domain.ErrDependencyCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestCompileStageOrder(t *testing.T) {
	_, err := scheduler.Compile(domain.Entry{}, []domain.Ruleset{
		ruleset("convert", domain.TypeConversionSyntax),
		ruleset("validate", domain.TypeValidationSyntax, "convert"),
	})
	if !errors.Is(err, domain.ErrStageOrder) {
		t.Fatalf("expected stage order error, got %v", err)
	}
}

func TestCompileDeterministic(t *testing.T) {
	selection := []domain.Ruleset{
		ruleset("z", domain.TypeValidationSyntax),
		ruleset("m", domain.TypeValidationSyntax, "z"),
		ruleset("a", domain.TypeValidationSyntax),
		ruleset("k", domain.TypeConversionLogic, "m", "a"),
	}
	first, err := scheduler.Compile(domain.Entry{}, selection)
	if err != nil {
		t.Fatal(err)
	}
	reversed := slices.Clone(selection)
	slices.Reverse(reversed)

	for range 10 {
		again, err := scheduler.Compile(domain.Entry{}, reversed)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(first.Names(), again.Names()) {
			t.Fatalf("names differ: %v vs %v", first.Names(), again.Names())
		}
		for i := range first.Tasks {
			if first.Tasks[i].Priority != again.Tasks[i].Priority {
				t.Fatalf("priorities differ at %d", i)
			}
		}
	}
}

func TestCompileRespectsBeforeDependencies(t *testing.T) {
	selection := []domain.Ruleset{
		ruleset("a", domain.TypeValidationSyntax),
		ruleset("b", domain.TypeValidationSyntax, "a"),
		ruleset("c", domain.TypeValidationLogic, "b", "a"),
		ruleset("d", domain.TypeConversionSyntax, "c"),
		ruleset("e", domain.TypeConversionSyntax),
	}
	plan, err := scheduler.Compile(domain.Entry{}, selection)
	if err != nil {
		t.Fatal(err)
	}
	got := priorities(plan)
	for _, r := range selection {
		if got[r.IdentifyingName]/100 <= got[scheduler.PrepareTaskName]/100 {
			t.Fatalf("%s not after prepare: %v", r.IdentifyingName, got)
		}
		for _, dep := range r.BeforeDependencies {
			if got[dep]/100 >= got[r.IdentifyingName]/100 {
				t.Fatalf("%s (band %d) must come after %s (band %d)", r.IdentifyingName, got[r.IdentifyingName]/100, dep, got[dep]/100)
			}
		}
	}
}
