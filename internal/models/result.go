package models

import (
	"time"
)

// StepStatus is the outcome of a single node execution
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepError   StepStatus = "error"
	StepWaiting StepStatus = "waiting"
	StepSkipped StepStatus = "skipped"
)

// FailureType distinguishes expected timeouts from driver faults
type FailureType string

const (
	FailureTimeout FailureType = "timeout"
	FailureRuntime FailureType = "runtime"
)

// StepResult records the outcome of one node. A waiting marker is an
// intermediate record always followed by a terminal record for the
// same node.
type StepResult struct {
	NodeID      string      `json:"nodeId"`
	NodeName    string      `json:"nodeName"`
	NodeType    NodeType    `json:"nodeType"`
	Status      StepStatus  `json:"status"`
	StartTime   time.Time   `json:"startTime"`
	EndTime     time.Time   `json:"endTime"`
	Duration    int64       `json:"duration"`
	Error       string      `json:"error,omitempty"`
	FailureType FailureType `json:"failureType,omitempty"`
}

// ScreenshotKind classifies a persisted capture
type ScreenshotKind string

const (
	ScreenshotStep      ScreenshotKind = "step"
	ScreenshotFinal     ScreenshotKind = "final"
	ScreenshotFailed    ScreenshotKind = "failed"
	ScreenshotHighlight ScreenshotKind = "highlight"
)

// ScreenshotRef points at a persisted capture artifact.
type ScreenshotRef struct {
	NodeID    string         `json:"nodeId"`
	Kind      ScreenshotKind `json:"kind"`
	Path      string         `json:"path"`
	Timestamp time.Time      `json:"timestamp"`
}

// DeviceScenarioResult is the per-device outcome of one scenario run.
type DeviceScenarioResult struct {
	DeviceID     string          `json:"deviceId"`
	ScenarioID   string          `json:"scenarioId"`
	ScenarioName string          `json:"scenarioName"`
	Success      bool            `json:"success"`
	Duration     int64           `json:"duration"`
	Error        string          `json:"error,omitempty"`
	Steps        []StepResult    `json:"steps"`
	Screenshots  []ScreenshotRef `json:"screenshots,omitempty"`
	Video        string          `json:"video,omitempty"`

	// RepeatIndex and Order position the result inside a sequenced test.
	RepeatIndex int `json:"repeatIndex,omitempty"`
	Order       int `json:"order,omitempty"`
}

// ReportStats are the aggregate counters of a finished run.
type ReportStats struct {
	Total         int   `json:"total"`
	Passed        int   `json:"passed"`
	Failed        int   `json:"failed"`
	TotalDuration int64 `json:"totalDuration"`
	AvgDuration   int64 `json:"avgDuration"`
}

// ComputeStats aggregates device scenario results.
func ComputeStats(results []DeviceScenarioResult) ReportStats {
	stats := ReportStats{Total: len(results)}
	for _, r := range results {
		if r.Success {
			stats.Passed++
		} else {
			stats.Failed++
		}
		stats.TotalDuration += r.Duration
	}
	if stats.Total > 0 {
		stats.AvgDuration = stats.TotalDuration / int64(stats.Total)
	}
	return stats
}

// ParallelReport is the immutable aggregate of one parallel run.
type ParallelReport struct {
	ReportID      string                 `json:"reportId"`
	ScenarioID    string                 `json:"scenarioId"`
	ScenarioName  string                 `json:"scenarioName"`
	DeviceResults []DeviceScenarioResult `json:"deviceResults"`
	Stats         ReportStats            `json:"stats"`
	StartedAt     time.Time              `json:"startedAt"`
	CompletedAt   time.Time              `json:"completedAt"`

	// QueueID ties scheduler- or queue-born runs back to their submission.
	QueueID string `json:"queueId,omitempty"`
}

// ExecutionStatus is the overall outcome of a sequenced test
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// ScenarioExecutionSummary aggregates one (scenario, repeat) pair
// across all devices of a test.
type ScenarioExecutionSummary struct {
	ScenarioID   string `json:"scenarioId"`
	ScenarioName string `json:"scenarioName"`
	RepeatIndex  int    `json:"repeatIndex"`
	Devices      int    `json:"devices"`
	Passed       int    `json:"passed"`
	Failed       int    `json:"failed"`
	AvgDuration  int64  `json:"avgDuration"`
}

// TestReport is the immutable aggregate of one sequenced test execution.
type TestReport struct {
	ExecutionID   string                     `json:"executionId"`
	QueueID       string                     `json:"queueId,omitempty"`
	TestName      string                     `json:"testName,omitempty"`
	UserName      string                     `json:"userName,omitempty"`
	DeviceIDs     []string                   `json:"deviceIds"`
	Status        ExecutionStatus            `json:"status"`
	DeviceResults []DeviceScenarioResult     `json:"deviceResults"`
	Summaries     []ScenarioExecutionSummary `json:"summaries"`
	Stats         ReportStats                `json:"stats"`
	SkippedIDs    []string                   `json:"skippedIds,omitempty"`
	StartedAt     time.Time                  `json:"startedAt"`
	CompletedAt   time.Time                  `json:"completedAt"`
}

// DeviceProgress is one device's slice of the overall progress.
type DeviceProgress struct {
	DeviceID  string `json:"deviceId"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Current   string `json:"current,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
}

// Progress is the global progress snapshot recomputed on every
// scenario boundary.
type Progress struct {
	Completed  int              `json:"completed"`
	Total      int              `json:"total"`
	Percentage float64          `json:"percentage"`
	PerDevice  []DeviceProgress `json:"perDeviceProgress"`
}
