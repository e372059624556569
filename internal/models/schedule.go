package models

import (
	"fmt"
	"time"
)

// ScheduleMode selects which execution path a schedule drives
type ScheduleMode string

const (
	// ScheduleModeParallel runs one scenario across the device set.
	ScheduleModeParallel ScheduleMode = "parallel"
	// ScheduleModeSuite runs a sequenced scenario list per device.
	ScheduleModeSuite ScheduleMode = "suite"
)

// Schedule is a recurring cron-driven trigger. While enabled, exactly
// one live cron entry is registered for it.
type Schedule struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Mode           ScheduleMode `json:"mode"`
	ScenarioID     string       `json:"scenarioId,omitempty"`
	ScenarioIDs    []string     `json:"scenarioIds,omitempty"`
	RepeatCount    int          `json:"repeatCount,omitempty"`
	DeviceIDs      []string     `json:"deviceIds"`
	CronExpression string       `json:"cronExpression"`
	Enabled        bool         `json:"enabled"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastRunAt      *time.Time   `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time   `json:"nextRunAt,omitempty"`
}

// Validate checks schedule fields other than the cron expression,
// which the schedule manager validates against its engine.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	switch s.Mode {
	case ScheduleModeParallel:
		if s.ScenarioID == "" {
			return fmt.Errorf("parallel schedule requires scenarioId")
		}
	case ScheduleModeSuite:
		if len(s.ScenarioIDs) == 0 {
			return fmt.Errorf("suite schedule requires scenarioIds")
		}
	default:
		return fmt.Errorf("unknown schedule mode %q", s.Mode)
	}
	if len(s.DeviceIDs) == 0 {
		return fmt.Errorf("schedule requires deviceIds")
	}
	if s.CronExpression == "" {
		return fmt.Errorf("schedule requires cronExpression")
	}
	return nil
}

// ScheduleRunStatus is the outcome of one schedule fire
type ScheduleRunStatus string

const (
	ScheduleRunCompleted ScheduleRunStatus = "completed"
	ScheduleRunFailed    ScheduleRunStatus = "failed"
	ScheduleRunSkipped   ScheduleRunStatus = "skipped"
)

// ScheduleHistoryEntry records one fire of a schedule.
type ScheduleHistoryEntry struct {
	ScheduleID string            `json:"scheduleId"`
	FiredAt    time.Time         `json:"firedAt"`
	Status     ScheduleRunStatus `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	ReportID   string            `json:"reportId,omitempty"`
}
