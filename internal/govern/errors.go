// Package govern implements the stage and routing governor: the coded
// failure type and the pure guard functions consulted before every
// mutation. Guards read state snapshots and return either nil or a
// structured *Error; they never panic.
package govern

import (
	"errors"
	"fmt"
)

// Code is a machine-readable failure code callers branch on.
type Code string

const (
	CodePolicyNotSet             Code = "POLICY_NOT_SET"
	CodeInvalidStage             Code = "INVALID_STAGE"
	CodeRoleForbidden            Code = "ROLE_FORBIDDEN"
	CodeTaskNotFound             Code = "TASK_NOT_FOUND"
	CodeTaskNotQueued            Code = "TASK_NOT_QUEUED"
	CodeTaskAlreadyRunning       Code = "TASK_ALREADY_RUNNING"
	CodeNoPendingTasks           Code = "NO_PENDING_TASKS"
	CodePartialContinueRequired  Code = "RESULT_PARTIAL_CONTINUE_REQUIRED"
	CodeNoPartialToContinue      Code = "NO_PARTIAL_TO_CONTINUE"
	CodeSubtasksIncomplete       Code = "SUBTASKS_INCOMPLETE"
	CodeNetworkIDMismatch        Code = "NETWORK_ID_MISMATCH"
	CodePreviousStepNotCompleted Code = "PREVIOUS_STEP_NOT_COMPLETED"
	CodeActiveTaskExists         Code = "ACTIVE_TASK_EXISTS"
	CodeInvalidStepOrder         Code = "INVALID_STEP_ORDER"
	CodeStepNumberRequired       Code = "STEP_NUMBER_REQUIRED"
)

// Error is a structured, coded failure. State and ordering violations
// are reported as values of this type so callers can branch
// programmatically instead of matching message text.
type Error struct {
	Code    Code   `json:"errorCode"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a coded error with a formatted message.
func Errf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, or "" if err is not a
// governor error.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
