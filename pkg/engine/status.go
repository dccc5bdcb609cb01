package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusPending indicates the run has a run ID but no node has started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates every node converged successfully.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates at least one node failed or was skipped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was interrupted before every node ran.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// CanTransitionTo reports whether the run state machine allows moving from s to next.
// Pending -> Running -> {Completed, Failed, Cancelled}; a pending run may also be
// cancelled before its first node starts.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusCancelled
	case RunStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// NodeStatus represents the status of a single definition during a run.
type NodeStatus string

const (
	// NodeStatusPending indicates the node is waiting for its dependencies.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusRunning indicates the node's handler is executing.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusSucceeded indicates the handler converged the resource.
	NodeStatusSucceeded NodeStatus = "succeeded"

	// NodeStatusFailed indicates the handler failed or rejected its parameters.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusSkipped indicates the node never ran because a dependency failed.
	NodeStatusSkipped NodeStatus = "skipped"

	// NodeStatusCancelled indicates the node never ran because the run was cancelled.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// IsTerminal returns true if the node status represents a final state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusSucceeded || s == NodeStatusFailed ||
		s == NodeStatusSkipped || s == NodeStatusCancelled
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusSucceeded,
		NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s NodeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = NodeStatus(str)
	return s.Validate()
}
