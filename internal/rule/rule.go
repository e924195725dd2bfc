// Package rule computes planned due dates for step instances. Everything here
// is pure: callers supply the base instant and the template's frequency
// settings, and get back a concrete date or nil for ask-on-completion rules.
package rule

import (
	"fmt"
	"time"

	"flowline/internal/domain"
)

// Validate rejects malformed duration rules before they reach storage.
func Validate(r domain.DurationRule) error {
	switch r.Kind {
	case domain.RuleFixed, domain.RuleDependent:
		if r.Days < 0 || r.Hours < 0 {
			return fmt.Errorf("duration must not be negative (days=%d hours=%d)", r.Days, r.Hours)
		}
		if r.Days == 0 && r.Hours == 0 {
			return fmt.Errorf("duration must be positive for %s rules", r.Kind)
		}
		return nil
	case domain.RuleAskOnCompletion:
		if r.Days != 0 || r.Hours != 0 {
			return fmt.Errorf("ask_on_completion rules carry no duration")
		}
		return nil
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
}

// Evaluate computes the planned due date for a step. base is the previous
// step's actual completion, or the project start for step 1. A nil result
// means the date is pending external input (ask-on-completion).
func Evaluate(r domain.DurationRule, base time.Time, freq domain.FrequencySettings) (*time.Time, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	switch r.Kind {
	case domain.RuleAskOnCompletion:
		return nil, nil
	case domain.RuleFixed, domain.RuleDependent:
		due := base.AddDate(0, 0, r.Days).Add(time.Duration(r.Hours) * time.Hour)
		due = ShiftOffSunday(due, freq)
		return &due, nil
	}
	return nil, fmt.Errorf("unknown rule kind %q", r.Kind)
}

// ShiftOffSunday advances a date falling on Sunday to the next Monday when
// the template excludes Sundays and shifting is enabled. Workflows that run
// through Sundays keep the date untouched.
func ShiftOffSunday(t time.Time, freq domain.FrequencySettings) time.Time {
	if freq.IncludeSunday || !freq.ShiftSundayToMonday {
		return t
	}
	if t.Weekday() == time.Sunday {
		return t.AddDate(0, 0, 1)
	}
	return t
}

// Negotiable reports whether a hold objection may suspend the step's
// schedule. Dependent rules are non-negotiable by hold; only date-change
// objections apply to them.
func Negotiable(r domain.DurationRule) bool {
	return r.Kind != domain.RuleDependent
}
