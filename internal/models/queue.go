package models

import (
	"time"
)

// TestRequest is a user submission as received by the orchestrator.
type TestRequest struct {
	DeviceIDs        []string `json:"deviceIds"`
	ScenarioIDs      []string `json:"scenarioIds"`
	RepeatCount      int      `json:"repeatCount,omitempty"`
	ScenarioInterval int      `json:"scenarioInterval,omitempty"`
	UserName         string   `json:"userName"`
	Priority         int      `json:"priority,omitempty"`
	TestName         string   `json:"testName,omitempty"`
	SplitExecution   bool     `json:"splitExecution,omitempty"`
}

// Normalize applies the request defaults in place.
func (r *TestRequest) Normalize() {
	if r.RepeatCount < 1 {
		r.RepeatCount = 1
	}
	if r.ScenarioInterval < 0 {
		r.ScenarioInterval = 0
	}
	if r.Priority < 0 {
		r.Priority = 0
	}
	if r.Priority > 2 {
		r.Priority = 2
	}
}

// Validate rejects structurally unusable submissions.
func (r *TestRequest) Validate() error {
	if len(r.DeviceIDs) == 0 {
		return ErrInvalidRequest("deviceIds must not be empty")
	}
	if len(r.ScenarioIDs) == 0 {
		return ErrInvalidRequest("scenarioIds must not be empty")
	}
	if r.UserName == "" {
		return ErrInvalidRequest("userName is required")
	}
	for _, id := range r.DeviceIDs {
		if err := ValidateDeviceID(id); err != nil {
			return ErrInvalidRequest(err.Error())
		}
	}
	return nil
}

// QueueItem is one admitted submission tracked by the orchestrator.
type QueueItem struct {
	QueueID          string     `json:"queueId"`
	UserName         string     `json:"userName"`
	SocketID         string     `json:"socketId,omitempty"`
	DeviceIDs        []string   `json:"deviceIds"`
	ScenarioIDs      []string   `json:"scenarioIds"`
	RepeatCount      int        `json:"repeatCount"`
	ScenarioInterval int        `json:"scenarioInterval"`
	Priority         int        `json:"priority"`
	TestName         string     `json:"testName,omitempty"`
	SplitExecution   bool       `json:"splitExecution,omitempty"`
	SubmittedAt      time.Time  `json:"submittedAt"`
	State            QueueState `json:"state"`

	// ParentQueueID links a split follow-up clone to its original item.
	ParentQueueID string `json:"parentQueueId,omitempty"`
}

// QueueState is the lifecycle state of a queue item
type QueueState string

const (
	QueueStateQueued    QueueState = "queued"
	QueueStateRunning   QueueState = "running"
	QueueStateSplit     QueueState = "split"
	QueueStateCompleted QueueState = "completed"
	QueueStateFailed    QueueState = "failed"
	QueueStateCancelled QueueState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s QueueState) Terminal() bool {
	switch s {
	case QueueStateCompleted, QueueStateFailed, QueueStateCancelled:
		return true
	}
	return false
}

// ErrInvalidRequest represents a submission validation error
type ErrInvalidRequest string

func (e ErrInvalidRequest) Error() string {
	return string(e)
}
