package constellation

import (
	"errors"
	"fmt"
)

// ErrorKind is the broad machine-readable category of an edit failure.
type ErrorKind string

const (
	// KindInvariantViolation covers structural rule violations: cycles,
	// duplicates, self-loops, immutable tasks, empty patches.
	KindInvariantViolation ErrorKind = "invariant_violation"
	// KindUnknownEntity covers references to tasks, edges, or devices that
	// do not exist.
	KindUnknownEntity ErrorKind = "unknown_entity"
)

// Rule names the specific rule behind an invariant violation.
type Rule string

const (
	RuleCycle         Rule = "cycle"
	RuleDuplicate     Rule = "duplicate"
	RuleSelfLoop      Rule = "self_loop"
	RuleNotModifiable Rule = "not_modifiable"
	RuleEmptyPatch    Rule = "empty_patch"
	RuleMissingTask   Rule = "missing_task"
	RuleMissingEdge   Rule = "missing_edge"
	RuleUnknownDevice Rule = "unknown_device"
	RuleBadSpec       Rule = "bad_spec"
)

// EditError is returned by every mutation primitive on rejection. The
// constellation is guaranteed untouched when an EditError is returned.
type EditError struct {
	Kind   ErrorKind `json:"kind"`
	Rule   Rule      `json:"rule"`
	Entity string    `json:"entity,omitempty"`
	Detail string    `json:"detail"`
}

func (e *EditError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s/%s (%s): %s", e.Kind, e.Rule, e.Entity, e.Detail)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Rule, e.Detail)
}

func violation(rule Rule, entity, format string, args ...any) *EditError {
	return &EditError{
		Kind:   KindInvariantViolation,
		Rule:   rule,
		Entity: entity,
		Detail: fmt.Sprintf(format, args...),
	}
}

func unknown(rule Rule, entity, format string, args ...any) *EditError {
	return &EditError{
		Kind:   KindUnknownEntity,
		Rule:   rule,
		Entity: entity,
		Detail: fmt.Sprintf(format, args...),
	}
}

// IsEditError extracts an *EditError from err, unwrapping as needed.
func IsEditError(err error) (*EditError, bool) {
	var ee *EditError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
