package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockContention is returned when another worker holds the instance lock.
var ErrLockContention = errors.New("instance is locked by another worker")

// ErrInstanceTerminal is returned when an operation targets an instance that
// already reached a terminal status.
var ErrInstanceTerminal = errors.New("instance is in a terminal state")

// ErrInstanceNotWaiting is returned when resumption targets an instance that
// is not suspended.
var ErrInstanceNotWaiting = errors.New("instance is not suspended")

// ExecutionError wraps a node-level failure with its position in the graph.
type ExecutionError struct {
	InstanceID string
	NodeID     string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at node %s (instance %s): %v", e.NodeID, e.InstanceID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates an ExecutionError.
func NewExecutionError(instanceID, nodeID string, err error) *ExecutionError {
	return &ExecutionError{InstanceID: instanceID, NodeID: nodeID, Err: err}
}

// TimeoutError marks an instance that exceeded its allowed waiting window.
type TimeoutError struct {
	InstanceID string
	NodeID     string
	Waited     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("instance %s timed out at node %s after %s", e.InstanceID, e.NodeID, e.Waited)
}
