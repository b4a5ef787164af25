package shared

import "errors"

// Period statuses reused outside the periods module.
const (
	PeriodStatusOpen   = "OPEN"
	PeriodStatusClosed = "CLOSED"
)

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = errors.New("period transition invalid")

// ValidatePeriodTransition checks transitions according to policy. Reopening a
// closed period requires an elevated caller.
func ValidatePeriodTransition(current, target string, elevated bool) error {
	if current == target {
		return ErrInvalidPeriodTransition
	}
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusClosed {
			return nil
		}
	case PeriodStatusClosed:
		if target == PeriodStatusOpen && elevated {
			return nil
		}
	}
	return ErrInvalidPeriodTransition
}
