// Package skills holds the skill registry, the JSON-Schema contract layer and
// the invoker that runs a skill under its contract.
package skills

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects a task payload before the skill runs. Fatal: the
// payload will never get better on retry.
type ValidationError struct {
	Skill   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input validation for %s: %s", e.Skill, e.Message)
}

// ContractViolationError rejects a skill's output. Fatal: the skill produced
// something its published contract forbids.
type ContractViolationError struct {
	Skill   string
	Message string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation by %s: %s", e.Skill, e.Message)
}

// TimeoutError marks an execution that exceeded its deadline. Retryable.
type TimeoutError struct {
	Skill   string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("skill %s timed out after %s", e.Skill, e.Elapsed)
}

// ExecutionError wraps a failure from inside a skill. Retryable unless the
// skill says otherwise.
type ExecutionError struct {
	Skill     string
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("skill %s: %v", e.Skill, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable reports whether the worker should retry the task after err.
// Unknown errors default to retryable; only taxonomy errors that are fatal by
// construction short-circuit the retry budget.
func Retryable(err error) bool {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var contract *ContractViolationError
	if errors.As(err, &contract) {
		return false
	}
	var execution *ExecutionError
	if errors.As(err, &execution) {
		return execution.Retryable
	}
	return true
}
