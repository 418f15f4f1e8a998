// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAgentUnavailable indicates no agent of the required type is free to take
// a task. Callers should treat this as a retryable condition.
var ErrAgentUnavailable = errors.New("agent unavailable")

// ErrUnknownAgentType indicates no constructor is registered for the
// requested agent type.
var ErrUnknownAgentType = errors.New("unknown agent type")

// ErrTaskExecutionFailed indicates the delegated unit of work failed. The
// underlying cause is wrapped alongside this sentinel.
var ErrTaskExecutionFailed = errors.New("task execution failed")

// ErrDependencyUnsatisfied indicates a task was handed to an executor while
// one of its dependencies is not completed. The queue prevents this when used
// correctly; hitting it is a logic error in the caller.
var ErrDependencyUnsatisfied = errors.New("task dependency unsatisfied")

// ErrWorkflowNotFound indicates the referenced workflow is not registered.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrNoPendingApproval indicates approve/reject was called for an execution
// that is not suspended at a human-review step.
var ErrNoPendingApproval = errors.New("no pending approval")
