package events

import (
	"time"
)

// Client → server message types.
const (
	ClientUserIdentify = "user:identify"
	ClientQueueSubmit  = "queue:submit"
	ClientQueueCancel  = "queue:cancel"
	ClientQueueStatus  = "queue:status"
	ClientPing         = "ping"
)

// Server → client event types.
const (
	UserIdentified      = "user:identified"
	QueueSubmitted      = "queue:submitted"
	QueueCancelResponse = "queue:cancel:response"
	QueueStatusResponse = "queue:status:response"
	QueuePosition       = "queue:position"
	QueueAssigned       = "queue:assigned"

	TestPreparing              = "test:preparing"
	TestSessionValidating      = "test:session:validating"
	TestSessionRecreated       = "test:session:recreated"
	TestSessionFailed          = "test:session:failed"
	TestScenariosSkipped       = "test:scenarios:skipped"
	TestStart                  = "test:start"
	TestDeviceStart            = "test:device:start"
	TestDeviceScenarioStart    = "test:device:scenario:start"
	TestDeviceNode             = "test:device:node"
	TestDeviceScenarioComplete = "test:device:scenario:complete"
	TestDeviceComplete         = "test:device:complete"
	TestProgress               = "test:progress"
	TestComplete               = "test:complete"
	TestStopping               = "test:stopping"

	ParallelStart    = "parallel:start"
	ParallelComplete = "parallel:complete"

	ScheduleStart    = "schedule:start"
	ScheduleComplete = "schedule:complete"

	Error = "error"
	Pong  = "pong"
)

// Event is one typed progress record pushed to subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Emitter is the callback shape components use to publish progress.
// Delivery is best-effort; emit never blocks the caller.
type Emitter func(eventType string, data any)

// NopEmitter discards everything. Useful as a default and in tests.
func NopEmitter(string, any) {}
