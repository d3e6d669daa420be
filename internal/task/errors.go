package task

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPriority = errors.New("invalid task priority")
	ErrTaskNotFound    = errors.New("task not found")

	// ErrInvalidPayload rejects a payload that is not an object or lacks its "type".
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrInvalidPartition rejects an empty partition or one owning no valid id.
	ErrInvalidPartition = errors.New("invalid partition")

	// ErrLostClaim means the task is no longer running under the caller's claim,
	// e.g. it was reaped and claimed again elsewhere.
	ErrLostClaim = errors.New("task claim lost")

	// ErrStore wraps every store connectivity, timeout or SQL failure.
	ErrStore = errors.New("task store unavailable")

	// ErrRetryLimitExceeded marks a failure that moved the task to "failed".
	ErrRetryLimitExceeded = errors.New("task retry limit exceeded")
)

// StoreError wraps a driver error so it matches both ErrStore and err.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

// Outcome classifies how a task attempt ended.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeTransient          Outcome = "transient"
	OutcomeRetryLimitExceeded Outcome = "retry_limit_exceeded"
	OutcomeStallRecovered     Outcome = "stall_recovered"
)
