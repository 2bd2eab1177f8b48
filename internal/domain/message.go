package domain

import "fmt"

// Stage is the state of the delegation pipeline, carried in JobMessage.Previous.
type Stage string

const (
	StageStart      Stage = ""
	StageValidation Stage = "validation"
	StageConversion Stage = "conversion"
	StageJobs       Stage = "jobs"
)

func ParseStage(previous *string) (Stage, error) {
	if previous == nil {
		return StageStart, nil
	}
	switch s := Stage(*previous); s {
	case StageValidation, StageConversion, StageJobs:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, *previous)
	}
}

// Marker returns the wire form of the stage: nil for StageStart.
func (s Stage) Marker() *string {
	if s == StageStart {
		return nil
	}
	v := string(s)
	return &v
}

func (s Stage) String() string {
	if s == StageStart {
		return "start"
	}
	return string(s)
}

const DefaultMaxRetries = 5

type RetryStatistics struct {
	TryNumber  int `json:"try_number"`
	MaxRetries int `json:"max_retries"`
}

func NewRetryStatistics(maxRetries int) RetryStatistics {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return RetryStatistics{TryNumber: 1, MaxRetries: maxRetries}
}

// Exhausted reports whether the message has used up its retries.
func (r RetryStatistics) Exhausted() bool {
	return r.TryNumber > r.MaxRetries
}

func (r RetryStatistics) Next() RetryStatistics {
	r.TryNumber++
	return r
}

type JobMessage struct {
	Entry    Entry           `json:"entry"`
	Previous *string         `json:"previous"`
	Retry    RetryStatistics `json:"retry_statistics"`
}

// WithPrevious returns a copy of the message marked with the given stage.
func (m JobMessage) WithPrevious(s Stage) JobMessage {
	m.Previous = s.Marker()
	return m
}

// Logical queue destinations. Adapters map them to concrete subjects.
const (
	DestinationJobs       = "jobs"
	DestinationValidation = "validation"
	DestinationConversion = "conversion"
)
