package scheduler

import (
	"sort"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

// Ready returns the not yet started tasks that may run now: those in the
// lowest band that still has unstarted tasks, provided no earlier band is
// still running.
func Ready(tasks []domain.Task) []domain.Task {
	firstAvailable, firstIncomplete := -1, -1

	for _, t := range tasks {
		if t.Started == nil && (firstAvailable < 0 || t.Priority < firstAvailable) {
			firstAvailable = t.Priority
		}
		if t.Completed == nil && (firstIncomplete < 0 || t.Priority < firstIncomplete) {
			firstIncomplete = t.Priority
		}
	}

	if firstAvailable < 0 {
		return nil
	}

	band := firstAvailable / bandWidth
	if firstIncomplete/bandWidth != band {
		return nil
	}

	var ready []domain.Task
	for _, t := range tasks {
		if t.Started == nil && t.Band() == band {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Priority < ready[j].Priority })

	return ready
}

// OfStage filters tasks executed by the given stage worker.
func OfStage(tasks []domain.Task, stage domain.Stage) []domain.Task {
	var res []domain.Task
	for _, t := range tasks {
		if t.Stage == stage {
			res = append(res, t)
		}
	}
	return res
}

// Done reports whether every task has completed.
func Done(tasks []domain.Task) bool {
	for _, t := range tasks {
		if t.Completed == nil {
			return false
		}
	}
	return true
}
