package domain

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusWarnings   Status = "warnings"
	StatusErrors     Status = "errors"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusReceived, StatusProcessing, StatusSuccess, StatusWarnings,
		StatusErrors, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrUnknownValue, s)
	}
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusWarnings, StatusErrors, StatusFailed, StatusCancelled:
		return true
	case StatusReceived, StatusProcessing:
		return false
	default:
		return false
	}
}

// UnmarshalText leaves an empty value unset.
func (s *Status) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = ""
		return nil
	}
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
	SeverityNone     Severity = "NONE"
	SeverityUnknown  Severity = "UNKNOWN"
)

func ParseSeverity(s string) (Severity, error) {
	switch sv := Severity(s); sv {
	case SeverityCritical, SeverityError, SeverityWarning, SeverityInfo, SeverityNone, SeverityUnknown:
		return sv, nil
	default:
		return "", fmt.Errorf("%w: severity %q", ErrUnknownValue, s)
	}
}

// Rank orders severities from least (0) to most severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityError:
		return 4
	case SeverityWarning:
		return 3
	case SeverityInfo:
		return 2
	case SeverityNone:
		return 1
	case SeverityUnknown:
		return 0
	default:
		return 0
	}
}

// UnmarshalText leaves an empty value unset.
func (s *Severity) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = ""
		return nil
	}
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type RulesetType string

const (
	TypeValidationSyntax RulesetType = "validation-syntax"
	TypeValidationLogic  RulesetType = "validation-logic"
	TypeConversionSyntax RulesetType = "conversion-syntax"
	TypeConversionLogic  RulesetType = "conversion-logic"
	TypeInternal         RulesetType = "internal"
)

func ParseRulesetType(s string) (RulesetType, error) {
	switch t := RulesetType(s); t {
	case TypeValidationSyntax, TypeValidationLogic, TypeConversionSyntax, TypeConversionLogic, TypeInternal:
		return t, nil
	default:
		return "", fmt.Errorf("%w: ruleset type %q", ErrUnknownValue, s)
	}
}

// Stage returns the pipeline stage whose worker executes rules of this type.
func (t RulesetType) Stage() Stage {
	switch t {
	case TypeInternal, TypeValidationSyntax, TypeValidationLogic:
		return StageValidation
	case TypeConversionSyntax, TypeConversionLogic:
		return StageConversion
	default:
		return StageValidation
	}
}

func (t *RulesetType) UnmarshalText(b []byte) error {
	v, err := ParseRulesetType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

type Category string

const (
	CategoryGeneric  Category = "generic"
	CategorySpecific Category = "specific"
)

func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryGeneric, CategorySpecific:
		return c, nil
	default:
		return "", fmt.Errorf("%w: category %q", ErrUnknownValue, s)
	}
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

var (
	ErrNotFound           = errors.New("not found")
	ErrUnknownValue       = errors.New("unknown value")
	ErrUnknownRuleset     = errors.New("unknown ruleset")
	ErrDependencyCycle    = errors.New("ruleset dependency cycle")
	ErrStageOrder         = errors.New("ruleset depends on a later stage")
	ErrTaskAlreadyStarted = errors.New("task already started")
	ErrTaskNotStarted     = errors.New("task not started")
	ErrUnknownStage       = errors.New("unknown pipeline stage")
)
