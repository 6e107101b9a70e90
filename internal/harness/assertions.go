package harness

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEntry // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, entry := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", formatEntry(entry))
		}
	}
	return buf.String()
}

func mismatch(typ string, expected, actual any, trace []TraceEntry) error {
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
		Trace:    trace,
	}
}

func assertCount(typ string, expected, actual int, trace []TraceEntry) error {
	if expected == actual {
		return nil
	}
	return mismatch(typ, expected, actual, trace)
}

// assertBatchUsers checks the user numbers of applied batches, in order.
func assertBatchUsers(result *Result, assertion Assertion) error {
	batches := result.Batches()
	got := make([]int, len(batches))
	for i, b := range batches {
		got[i] = b.UserNumber
	}
	if slices.Equal(got, assertion.Users) {
		return nil
	}
	return mismatch(AssertBatchUsers, assertion.Users, got, result.Trace)
}

// assertCompletedAt checks the clock offset of the final tick.
func assertCompletedAt(result *Result, assertion Assertion) error {
	want, err := time.ParseDuration(assertion.At)
	if err != nil {
		return err
	}
	for _, entry := range result.Trace {
		if entry.Kind == EntryTick && entry.Final {
			if entry.At == want {
				return nil
			}
			return mismatch(AssertCompletedAt, want, entry.At, result.Trace)
		}
	}
	return mismatch(AssertCompletedAt, want, "no final tick", result.Trace)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalStatus:
			if string(result.Status) != assertion.Status {
				err = mismatch(AssertFinalStatus, assertion.Status, result.Status, result.Trace)
			}
		case AssertUserCount:
			err = assertCount(AssertUserCount, assertion.Count, result.State.UserCount, result.Trace)
		case AssertConversions:
			err = assertCount(AssertConversions, assertion.Count, result.State.Conversions, result.Trace)
		case AssertBatchCount:
			err = assertCount(AssertBatchCount, assertion.Count, len(result.Batches()), result.Trace)
		case AssertViolations:
			err = assertCount(AssertViolations, assertion.Count, result.Violations, result.Trace)
		case AssertBatchUsers:
			err = assertBatchUsers(result, assertion)
		case AssertCompletedAt:
			err = assertCompletedAt(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
