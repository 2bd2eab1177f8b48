// Package scheduler compiles ruleset selections into prioritized task plans
// and answers which tasks of an entry may run now.
//
// Priorities encode both order and concurrency: priority/100 is the band,
// tasks of one band run concurrently and a band starts only once every task
// of the previous band has completed.
package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

// PrepareTaskName is the implicit first task of every plan. It stages the
// entry's source payload before any rule looks at it.
const PrepareTaskName = "prepare"

const (
	bandWidth   = 100
	prepareBand = 1
)

type Plan struct {
	Tasks []domain.Task
}

// Names returns task names in priority order.
func (p Plan) Names() []string {
	names := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		names = append(names, t.Name)
	}
	return names
}

// Compile assigns one task per ruleset. A dependency on a ruleset that is not
// part of the selection is ignored. Cycles fail the whole plan.
func Compile(entry domain.Entry, rulesets []domain.Ruleset) (Plan, error) {
	selected := make(map[string]domain.Ruleset, len(rulesets))
	for _, r := range rulesets {
		if r.IdentifyingName == "" {
			return Plan{}, fmt.Errorf("%w: empty identifying name", domain.ErrUnknownRuleset)
		}
		if r.IdentifyingName == PrepareTaskName {
			continue
		}
		selected[r.IdentifyingName] = r
	}

	deps := dependencyGraph(selected)
	if err := checkStageOrder(selected, deps); err != nil {
		return Plan{}, err
	}

	layers, err := layer(deps)
	if err != nil {
		return Plan{}, err
	}

	tasks := []domain.Task{{
		EntryID:  entry.ID,
		Name:     PrepareTaskName,
		Stage:    domain.StageValidation,
		Priority: prepareBand * bandWidth,
		Status:   domain.StatusReceived,
	}}

	band := prepareBand
	for _, stage := range []domain.Stage{domain.StageValidation, domain.StageConversion} {
		for _, names := range stageLayers(layers, selected, stage) {
			band++
			if len(names) >= bandWidth {
				return Plan{}, fmt.Errorf("band %d holds %d rulesets, limit is %d", band, len(names), bandWidth-1)
			}
			for idx, name := range names {
				tasks = append(tasks, domain.Task{
					EntryID:  entry.ID,
					Name:     name,
					Stage:    stage,
					Priority: band*bandWidth + idx,
					Status:   domain.StatusReceived,
				})
			}
		}
	}

	return Plan{Tasks: tasks}, nil
}

// stageLayers keeps the rulesets of one stage, dropping layers left empty.
// Every validation band precedes every conversion band, since readiness is
// evaluated per stage.
func stageLayers(layers [][]string, selected map[string]domain.Ruleset, stage domain.Stage) [][]string {
	var res [][]string
	for _, names := range layers {
		var kept []string
		for _, name := range names {
			if selected[name].Type.Stage() == stage {
				kept = append(kept, name)
			}
		}
		if len(kept) > 0 {
			res = append(res, kept)
		}
	}
	return res
}

// dependencyGraph maps each ruleset to the rulesets that must finish before it.
func dependencyGraph(selected map[string]domain.Ruleset) map[string]map[string]struct{} {
	deps := make(map[string]map[string]struct{}, len(selected))
	for name := range selected {
		deps[name] = map[string]struct{}{}
	}

	for name, r := range selected {
		for _, before := range r.BeforeDependencies {
			if _, ok := selected[before]; ok && before != name {
				deps[name][before] = struct{}{}
			}
		}
		for _, after := range r.AfterDependencies {
			if _, ok := selected[after]; ok && after != name {
				deps[after][name] = struct{}{}
			}
		}
	}

	return deps
}

// checkStageOrder rejects validation rules waiting on conversion rules: the
// conversion stage only starts after validation has finished.
func checkStageOrder(selected map[string]domain.Ruleset, deps map[string]map[string]struct{}) error {
	for name, ds := range deps {
		if selected[name].Type.Stage() != domain.StageValidation {
			continue
		}
		for d := range ds {
			if selected[d].Type.Stage() == domain.StageConversion {
				return fmt.Errorf("%w: %s waits for %s", domain.ErrStageOrder, name, d)
			}
		}
	}
	return nil
}

// layer groups rulesets so that each one sits one layer above the deepest of
// its dependencies. Layers are sorted by name.
func layer(deps map[string]map[string]struct{}) ([][]string, error) {
	level := make(map[string]int, len(deps))
	remaining := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))

	for name, ds := range deps {
		level[name] = 0
		remaining[name] = len(ds)
		for d := range ds {
			dependents[d] = append(dependents[d], name)
		}
	}

	var queue []string
	for name, n := range remaining {
		if n == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		for _, dep := range dependents[name] {
			if level[name]+1 > level[dep] {
				level[dep] = level[name] + 1
			}
			remaining[dep]--
			if remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		delete(remaining, name)
	}

	if len(remaining) > 0 {
		cycle := make([]string, 0, len(remaining))
		for name := range remaining {
			cycle = append(cycle, name)
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("%w: %s", domain.ErrDependencyCycle, strings.Join(cycle, ", "))
	}

	var layers [][]string
	for name, l := range level {
		for len(layers) <= l {
			layers = append(layers, nil)
		}
		layers[l] = append(layers[l], name)
	}
	for _, names := range layers {
		slices.Sort(names)
	}

	return layers, nil
}
