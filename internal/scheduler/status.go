package scheduler

import "github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"

// Aggregate resolves the final entry status from its tasks and the number of
// findings per severity.
func Aggregate(tasks []domain.Task, severities map[domain.Severity]int) domain.Status {
	var failed, errs, warnings bool

	for _, t := range tasks {
		switch t.Status {
		case domain.StatusFailed:
			failed = true
		case domain.StatusErrors:
			errs = true
		case domain.StatusWarnings, domain.StatusCancelled:
			warnings = true
		case domain.StatusReceived, domain.StatusProcessing:
			// never finished, counts like a cancelled task
			warnings = true
		case domain.StatusSuccess:
		}
	}

	if severities[domain.SeverityError] > 0 || severities[domain.SeverityCritical] > 0 {
		errs = true
	}
	if severities[domain.SeverityWarning] > 0 {
		warnings = true
	}

	switch {
	case failed:
		return domain.StatusFailed
	case errs:
		return domain.StatusErrors
	case warnings:
		return domain.StatusWarnings
	default:
		return domain.StatusSuccess
	}
}

// TaskStatus resolves a finished task's status from its own findings.
func TaskStatus(findings []domain.Finding) domain.Status {
	worst := domain.SeverityUnknown
	for _, f := range findings {
		if f.Severity.Rank() > worst.Rank() {
			worst = f.Severity
		}
	}

	switch worst {
	case domain.SeverityCritical:
		return domain.StatusFailed
	case domain.SeverityError:
		return domain.StatusErrors
	case domain.SeverityWarning:
		return domain.StatusWarnings
	case domain.SeverityInfo, domain.SeverityNone, domain.SeverityUnknown:
		return domain.StatusSuccess
	default:
		return domain.StatusSuccess
	}
}
