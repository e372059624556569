package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/queue"
)

// Store is the persistence surface the schedule manager consumes.
type Store interface {
	GetScenario(id string) (*models.Scenario, error)
	GetSchedule(id string) (*models.Schedule, error)
	PutSchedule(s *models.Schedule) error
	DeleteSchedule(id string) error
	ListSchedules() ([]models.Schedule, error)
	GetScheduleHistory() ([]models.ScheduleHistoryEntry, error)
	PutScheduleHistory(entries []models.ScheduleHistoryEntry) error
}

// Dispatcher is the parallel-run surface schedules drive.
type Dispatcher interface {
	ExecuteParallel(ctx context.Context, scenarioID string, deviceIDs []string, opts dispatch.Options) (*models.ParallelReport, error)
	Running() bool
}

// Submitter admits suite-mode schedules into the test queue.
type Submitter interface {
	SubmitTest(req models.TestRequest, socketID string) (*queue.SubmitResponse, error)
}

// Sessions answers whether a device holds a live session.
type Sessions interface {
	Info(deviceID string) (models.SessionInfo, bool)
}

// Config assembles a Manager's collaborators.
type Config struct {
	Store      Store
	Dispatcher Dispatcher
	Submitter  Submitter
	Sessions   Sessions
	Emitter    events.Emitter
	Logger     *slog.Logger
	// HistoryLimit caps the shared history ring buffer. Defaults to 100.
	HistoryLimit int
}

// Manager registers enabled schedules with a cron engine and fires
// them into the dispatcher or the test queue. While a schedule is
// enabled, exactly one live cron entry exists for it.
type Manager struct {
	store      Store
	dispatcher Dispatcher
	submitter  Submitter
	sessions   Sessions
	emit       events.Emitter
	logger     *slog.Logger
	limit      int

	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// New creates a Manager. Call Start to load persisted schedules and
// begin firing.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := cfg.Emitter
	if emit == nil {
		emit = events.NopEmitter
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	return &Manager{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		submitter:  cfg.Submitter,
		sessions:   cfg.Sessions,
		emit:       emit,
		logger:     logger.With("component", "schedule"),
		limit:      limit,
		cron:       cron.New(),
		jobs:       make(map[string]cron.EntryID),
	}
}

// ValidateCron checks an expression against the 5-field POSIX dialect.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return dferrors.Wrapf(dferrors.ErrValidation, "invalid cron expression %q: %v", expr, err)
	}
	return nil
}

// Start loads all enabled schedules, registers their triggers, and
// starts the cron engine.
func (m *Manager) Start() error {
	schedules, err := m.store.ListSchedules()
	if err != nil {
		return dferrors.Wrap(err, "failed to load schedules")
	}
	for i := range schedules {
		s := schedules[i]
		if !s.Enabled {
			continue
		}
		if err := m.register(&s); err != nil {
			m.logger.Error("failed to register schedule",
				"schedule_id", s.ID, "error", err)
		}
	}
	m.cron.Start()
	m.logger.Info("schedule manager started", "registered", len(m.jobs))
	return nil
}

// Stop halts the cron engine and waits for in-flight fires.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// register installs the live trigger for a schedule and records its
// next fire time. Caller ensures the schedule is enabled.
func (m *Manager) register(s *models.Schedule) error {
	spec, err := cron.ParseStandard(s.CronExpression)
	if err != nil {
		return dferrors.Wrapf(dferrors.ErrValidation, "invalid cron expression %q: %v", s.CronExpression, err)
	}

	scheduleID := s.ID
	m.mu.Lock()
	if old, ok := m.jobs[scheduleID]; ok {
		m.cron.Remove(old)
	}
	entryID := m.cron.Schedule(spec, cron.FuncJob(func() {
		m.fire(scheduleID)
	}))
	m.jobs[scheduleID] = entryID
	m.mu.Unlock()

	next := spec.Next(time.Now())
	s.NextRunAt = &next
	return nil
}

// unregister removes the live trigger, if any.
func (m *Manager) unregister(scheduleID string) {
	m.mu.Lock()
	if entryID, ok := m.jobs[scheduleID]; ok {
		m.cron.Remove(entryID)
		delete(m.jobs, scheduleID)
	}
	m.mu.Unlock()
}

// fire runs one schedule trigger.
func (m *Manager) fire(scheduleID string) {
	s, err := m.store.GetSchedule(scheduleID)
	if err != nil {
		m.logger.Error("fired schedule not found", "schedule_id", scheduleID, "error", err)
		m.unregister(scheduleID)
		return
	}

	firedAt := time.Now()
	m.emit(events.ScheduleStart, map[string]any{
		"scheduleId": s.ID,
		"name":       s.Name,
	})
	m.logger.Info("schedule fired", "schedule_id", s.ID, "name", s.Name, "mode", s.Mode)

	entry := models.ScheduleHistoryEntry{
		ScheduleID: s.ID,
		FiredAt:    firedAt,
	}

	switch s.Mode {
	case models.ScheduleModeParallel:
		entry = m.fireParallel(s, entry)
	case models.ScheduleModeSuite:
		entry = m.fireSuite(s, entry)
	default:
		entry.Status = models.ScheduleRunFailed
		entry.Reason = "unknown schedule mode " + string(s.Mode)
	}

	m.recordHistory(entry)
	metrics.RecordScheduleFire(string(entry.Status))

	s.LastRunAt = &firedAt
	m.mu.Lock()
	entryID, registered := m.jobs[scheduleID]
	var next time.Time
	if registered {
		next = m.cron.Entry(entryID).Schedule.Next(time.Now())
	}
	m.mu.Unlock()
	if registered {
		s.NextRunAt = &next
	}
	if err := m.store.PutSchedule(s); err != nil {
		m.logger.Error("failed to persist schedule run state",
			"schedule_id", s.ID, "error", err)
	}

	m.emit(events.ScheduleComplete, map[string]any{
		"scheduleId": s.ID,
		"status":     entry.Status,
		"reason":     entry.Reason,
		"reportId":   entry.ReportID,
	})
}

func (m *Manager) fireParallel(s *models.Schedule, entry models.ScheduleHistoryEntry) models.ScheduleHistoryEntry {
	if m.dispatcher.Running() {
		entry.Status = models.ScheduleRunSkipped
		entry.Reason = "parallel dispatcher busy"
		return entry
	}
	live := m.liveDevices(s.DeviceIDs)
	if len(live) == 0 {
		entry.Status = models.ScheduleRunSkipped
		entry.Reason = "no devices with live sessions"
		return entry
	}
	if _, err := m.store.GetScenario(s.ScenarioID); err != nil {
		entry.Status = models.ScheduleRunFailed
		entry.Reason = "scenario not found: " + s.ScenarioID
		return entry
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	report, err := m.dispatcher.ExecuteParallel(ctx, s.ScenarioID, live, dispatch.Options{})
	if err != nil {
		entry.Status = models.ScheduleRunFailed
		entry.Reason = err.Error()
		return entry
	}
	entry.Status = models.ScheduleRunCompleted
	entry.ReportID = report.ReportID
	if report.Stats.Failed > 0 {
		entry.Status = models.ScheduleRunFailed
		entry.Reason = "scenario failed on some devices"
	}
	return entry
}

func (m *Manager) fireSuite(s *models.Schedule, entry models.ScheduleHistoryEntry) models.ScheduleHistoryEntry {
	repeat := s.RepeatCount
	if repeat < 1 {
		repeat = 1
	}
	resp, err := m.submitter.SubmitTest(models.TestRequest{
		DeviceIDs:   s.DeviceIDs,
		ScenarioIDs: s.ScenarioIDs,
		RepeatCount: repeat,
		UserName:    "schedule:" + s.Name,
		TestName:    s.Name,
	}, "")
	if err != nil {
		entry.Status = models.ScheduleRunFailed
		entry.Reason = err.Error()
		return entry
	}
	entry.Status = models.ScheduleRunCompleted
	entry.ReportID = resp.QueueID
	return entry
}

// liveDevices filters the schedule's device set to those holding a
// live session.
func (m *Manager) liveDevices(deviceIDs []string) []string {
	var live []string
	for _, id := range deviceIDs {
		if _, ok := m.sessions.Info(id); ok {
			live = append(live, id)
		}
	}
	return live
}

// recordHistory appends one fire to the shared ring buffer.
func (m *Manager) recordHistory(entry models.ScheduleHistoryEntry) {
	history, err := m.store.GetScheduleHistory()
	if err != nil {
		m.logger.Warn("failed to load schedule history", "error", err)
	}
	history = append(history, entry)
	if len(history) > m.limit {
		history = history[len(history)-m.limit:]
	}
	if err := m.store.PutScheduleHistory(history); err != nil {
		m.logger.Error("failed to persist schedule history", "error", err)
	}
}

// Create validates and persists a new schedule, registering its
// trigger when enabled.
func (m *Manager) Create(s *models.Schedule) (*models.Schedule, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if err := s.Validate(); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrValidation, err.Error())
	}
	if err := ValidateCron(s.CronExpression); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Now()

	if s.Enabled {
		if err := m.register(s); err != nil {
			return nil, err
		}
	}
	if err := m.store.PutSchedule(s); err != nil {
		m.unregister(s.ID)
		return nil, dferrors.Wrap(err, "failed to persist schedule")
	}
	m.logger.Info("schedule created", "schedule_id", s.ID, "name", s.Name, "enabled", s.Enabled)
	return s, nil
}

// Update replaces a schedule, re-registering its trigger.
func (m *Manager) Update(s *models.Schedule) (*models.Schedule, error) {
	existing, err := m.store.GetSchedule(s.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrValidation, err.Error())
	}
	if err := ValidateCron(s.CronExpression); err != nil {
		return nil, err
	}
	s.CreatedAt = existing.CreatedAt
	s.LastRunAt = existing.LastRunAt

	m.unregister(s.ID)
	s.NextRunAt = nil
	if s.Enabled {
		if err := m.register(s); err != nil {
			return nil, err
		}
	}
	if err := m.store.PutSchedule(s); err != nil {
		return nil, dferrors.Wrap(err, "failed to persist schedule")
	}
	m.logger.Info("schedule updated", "schedule_id", s.ID, "enabled", s.Enabled)
	return s, nil
}

// SetEnabled flips a schedule's trigger on or off.
func (m *Manager) SetEnabled(id string, enabled bool) (*models.Schedule, error) {
	s, err := m.store.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	if s.Enabled == enabled {
		return s, nil
	}
	s.Enabled = enabled
	if enabled {
		if err := m.register(s); err != nil {
			return nil, err
		}
	} else {
		m.unregister(id)
		s.NextRunAt = nil
	}
	if err := m.store.PutSchedule(s); err != nil {
		return nil, dferrors.Wrap(err, "failed to persist schedule")
	}
	m.logger.Info("schedule toggled", "schedule_id", id, "enabled", enabled)
	return s, nil
}

// Delete removes a schedule and its trigger.
func (m *Manager) Delete(id string) error {
	m.unregister(id)
	return m.store.DeleteSchedule(id)
}

// Get returns one schedule.
func (m *Manager) Get(id string) (*models.Schedule, error) {
	return m.store.GetSchedule(id)
}

// List returns all schedules.
func (m *Manager) List() ([]models.Schedule, error) {
	return m.store.ListSchedules()
}

// History returns the most recent fires of one schedule, newest first.
func (m *Manager) History(scheduleID string, limit int) ([]models.ScheduleHistoryEntry, error) {
	history, err := m.store.GetScheduleHistory()
	if err != nil {
		return nil, err
	}
	var out []models.ScheduleHistoryEntry
	for i := len(history) - 1; i >= 0; i-- {
		if scheduleID != "" && history[i].ScheduleID != scheduleID {
			continue
		}
		out = append(out, history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Registered reports whether a live trigger exists for a schedule.
func (m *Manager) Registered(scheduleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[scheduleID]
	return ok
}
