package executor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/driver"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/match"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/scenario"
	"droidfleet.sh/internal/session"
)

// Store is the persistence surface the executor consumes.
type Store interface {
	GetScenario(id string) (*models.Scenario, error)
	GetPackage(id string) (*models.PackageInfo, error)
	GetCategory(id string) (*models.Category, error)
	GetDevice(id string) (*models.Device, error)
	PutTestReport(r *models.TestReport) error
	SaveScreenshot(reportID, deviceID, nodeID string, kind models.ScreenshotKind, data []byte) (*models.ScreenshotRef, error)
}

// Sessions is the registry surface the executor consumes.
type Sessions interface {
	ValidateAndEnsureSessions(ctx context.Context, deviceIDs []string, devices map[string]models.Device) session.ValidationResult
	Actions(deviceID string) (driver.Actions, bool)
}

// Runner walks one scenario on one device.
type Runner interface {
	Run(ctx context.Context, sc *models.Scenario, deviceID string, ax driver.Actions, stop *scenario.StopSignal, emit events.Emitter, opts scenario.RunOptions) models.DeviceScenarioResult
}

// Request is one sequenced test to run: the same scenario sequence,
// replicated across every requested device independently.
type Request struct {
	ExecutionID      string
	QueueID          string
	DeviceIDs        []string
	ScenarioIDs      []string
	RepeatCount      int
	ScenarioInterval int // ms between scenarios on one device
	UserName         string
	SocketID         string
	TestName         string

	CaptureScreenshots bool
}

// queueEntry is one resolved (scenario, repeat) slot of the sequence.
type queueEntry struct {
	ScenarioID   string
	ScenarioName string
	PackageID    string
	PackageName  string
	AppPackage   string
	CategoryID   string
	CategoryName string
	Order        int
	RepeatIndex  int

	scenario *models.Scenario
}

// executionState tracks one active execution in the process-wide map.
type executionState struct {
	id        string
	request   Request
	entries   []queueEntry
	deviceIDs []string
	stop      *scenario.StopSignal
	startedAt time.Time

	mu       sync.Mutex
	progress map[string]*models.DeviceProgress
	results  []models.DeviceScenarioResult
}

func (st *executionState) snapshotProgress() models.Progress {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.progressLocked()
}

func (st *executionState) progressLocked() models.Progress {
	p := models.Progress{}
	ids := make([]string, 0, len(st.progress))
	for id := range st.progress {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		dp := *st.progress[id]
		p.PerDevice = append(p.PerDevice, dp)
		p.Completed += dp.Completed
		p.Total += dp.Total
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// Config assembles an Executor's collaborators.
type Config struct {
	Store    Store
	Sessions Sessions
	Matcher  match.Finder
	Emitter  events.Emitter
	Logger   *slog.Logger

	// Runner overrides the per-execution interpreter. Tests only.
	Runner Runner
}

// Executor runs sequenced tests. Multiple executions may be active at
// once, one per disjoint device set; the queue orchestrator guarantees
// disjointness.
type Executor struct {
	store    Store
	sessions Sessions
	matcher  match.Finder
	emit     events.Emitter
	logger   *slog.Logger
	runner   Runner

	mu        sync.Mutex
	active    map[string]*executionState
	currentID string
}

// New creates an Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := cfg.Emitter
	if emit == nil {
		emit = events.NopEmitter
	}
	return &Executor{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		matcher:  cfg.Matcher,
		emit:     emit,
		logger:   logger.With("component", "executor"),
		runner:   cfg.Runner,
		active:   make(map[string]*executionState),
	}
}

// reportSink binds the execution id for interpreter captures.
type reportSink struct {
	store    Store
	reportID string
}

func (s *reportSink) SaveScreenshot(deviceID, nodeID string, kind models.ScreenshotKind, data []byte) (*models.ScreenshotRef, error) {
	return s.store.SaveScreenshot(s.reportID, deviceID, nodeID, kind, data)
}

// Execute runs one sequenced test to completion and returns its report.
func (e *Executor) Execute(ctx context.Context, req Request) (*models.TestReport, error) {
	if req.ExecutionID == "" {
		return nil, dferrors.Wrap(dferrors.ErrValidation, "executionId is required")
	}
	if req.RepeatCount < 1 {
		req.RepeatCount = 1
	}

	e.emit(events.TestPreparing, map[string]any{
		"executionId": req.ExecutionID,
		"deviceIds":   req.DeviceIDs,
		"scenarioIds": req.ScenarioIDs,
	})

	// Preflight: device descriptors and the scenario queue, in parallel.
	var (
		devices map[string]models.Device
		entries []queueEntry
		skipped []string
	)
	var g errgroup.Group
	g.Go(func() error {
		devices = e.resolveDevices(req.DeviceIDs)
		return nil
	})
	g.Go(func() error {
		entries, skipped = e.buildQueue(req)
		return nil
	})
	g.Wait()

	if len(skipped) > 0 {
		e.emit(events.TestScenariosSkipped, map[string]any{
			"executionId": req.ExecutionID,
			"scenarioIds": skipped,
		})
	}
	if len(entries) == 0 {
		return nil, dferrors.Wrap(dferrors.ErrValidation, "no scenarios could be resolved")
	}

	e.emit(events.TestSessionValidating, map[string]any{"deviceIds": req.DeviceIDs})
	vr := e.sessions.ValidateAndEnsureSessions(ctx, req.DeviceIDs, devices)
	if len(vr.Recreated) > 0 {
		e.emit(events.TestSessionRecreated, map[string]any{"deviceIds": vr.Recreated})
	}
	if len(vr.Failed) > 0 {
		e.emit(events.TestSessionFailed, map[string]any{"deviceIds": vr.Failed, "errors": vr.Errors})
	}
	valid := vr.Valid(req.DeviceIDs)
	if len(valid) == 0 {
		return nil, dferrors.Wrapf(dferrors.ErrNoValidDevices, "execution %s", req.ExecutionID)
	}

	st := &executionState{
		id:        req.ExecutionID,
		request:   req,
		entries:   entries,
		deviceIDs: valid,
		stop:      scenario.NewStopSignal(),
		startedAt: time.Now(),
		progress:  make(map[string]*models.DeviceProgress, len(valid)),
	}
	for _, id := range valid {
		st.progress[id] = &models.DeviceProgress{DeviceID: id, Total: len(entries)}
	}
	e.register(st)
	defer e.unregister(st.id)

	runner := e.runner
	if runner == nil {
		runner = scenario.New(scenario.Config{
			Matcher:   e.matcher,
			Artifacts: &reportSink{store: e.store, reportID: req.ExecutionID},
			Logger:    e.logger,
		})
	}

	e.emit(events.TestStart, map[string]any{
		"executionId":    req.ExecutionID,
		"queueId":        req.QueueID,
		"deviceIds":      valid,
		"totalScenarios": len(entries),
	})
	e.logger.Info("test execution started",
		"execution_id", req.ExecutionID,
		"devices", len(valid),
		"scenarios", len(entries))

	var wg sync.WaitGroup
	for _, deviceID := range valid {
		deviceID := deviceID
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.deviceRun(ctx, st, runner, deviceID)
		}()
	}
	wg.Wait()

	report := e.buildReport(st)
	if err := e.store.PutTestReport(report); err != nil {
		e.logger.Error("failed to persist test report",
			"execution_id", st.id, "error", err)
	}

	e.emit(events.TestComplete, map[string]any{
		"executionId": st.id,
		"status":      report.Status,
		"stats":       report.Stats,
	})
	e.logger.Info("test execution completed",
		"execution_id", st.id,
		"status", report.Status,
		"passed", report.Stats.Passed,
		"failed", report.Stats.Failed)
	return report, nil
}

// deviceRun walks the full scenario sequence on one device. A failed
// scenario halts this device's sequence and no other's.
func (e *Executor) deviceRun(ctx context.Context, st *executionState, runner Runner, deviceID string) {
	e.emit(events.TestDeviceStart, map[string]any{
		"executionId": st.id,
		"deviceId":    deviceID,
	})

	ax, ok := e.sessions.Actions(deviceID)
	if !ok {
		st.mu.Lock()
		st.progress[deviceID].Failed = true
		st.results = append(st.results, skippedResult(deviceID, st.entries[0], "no active session"))
		st.mu.Unlock()
		e.emit(events.TestDeviceComplete, map[string]any{
			"executionId": st.id,
			"deviceId":    deviceID,
			"failed":      true,
		})
		return
	}

	failed := false
	ran := 0
	for i, entry := range st.entries {
		if st.stop.Stopped() || ctx.Err() != nil {
			break
		}

		st.mu.Lock()
		st.progress[deviceID].Current = entry.ScenarioName
		st.mu.Unlock()

		e.emit(events.TestDeviceScenarioStart, map[string]any{
			"executionId": st.id,
			"deviceId":    deviceID,
			"scenarioId":  entry.ScenarioID,
			"repeatIndex": entry.RepeatIndex,
			"order":       entry.Order,
		})

		res := runner.Run(ctx, entry.scenario, deviceID, ax, st.stop, e.emit, scenario.RunOptions{
			AppPackage:         entry.AppPackage,
			CaptureScreenshots: st.request.CaptureScreenshots,
			RepeatIndex:        entry.RepeatIndex,
			Order:              entry.Order,
		})
		metrics.RecordScenario(res.Success, float64(res.Duration)/1000)

		st.mu.Lock()
		st.results = append(st.results, res)
		ran++
		st.progress[deviceID].Completed++
		st.progress[deviceID].Current = ""
		if !res.Success {
			st.progress[deviceID].Failed = true
		}
		progress := st.progressLocked()
		st.mu.Unlock()

		e.emit(events.TestDeviceScenarioComplete, map[string]any{
			"executionId": st.id,
			"deviceId":    deviceID,
			"scenarioId":  entry.ScenarioID,
			"repeatIndex": entry.RepeatIndex,
			"success":     res.Success,
			"duration":    res.Duration,
		})
		e.emit(events.TestProgress, progress)

		if !res.Success && res.Error != "stopped" {
			failed = true
			break
		}
		if st.stop.Stopped() {
			break
		}

		last := i == len(st.entries)-1
		if !last && st.request.ScenarioInterval > 0 {
			e.sleep(ctx, st.stop, time.Duration(st.request.ScenarioInterval)*time.Millisecond)
		}
	}

	// A stop that lands before the first scenario still leaves a trace
	// of this device in the report.
	if ran == 0 {
		st.mu.Lock()
		st.results = append(st.results, skippedResult(deviceID, st.entries[0], "stopped"))
		st.mu.Unlock()
	}

	e.emit(events.TestDeviceComplete, map[string]any{
		"executionId": st.id,
		"deviceId":    deviceID,
		"failed":      failed,
	})
}

// skippedResult stands in for a device that never ran a scenario.
func skippedResult(deviceID string, entry queueEntry, reason string) models.DeviceScenarioResult {
	return models.DeviceScenarioResult{
		DeviceID:     deviceID,
		ScenarioID:   entry.ScenarioID,
		ScenarioName: entry.ScenarioName,
		Error:        reason,
		RepeatIndex:  entry.RepeatIndex,
		Order:        entry.Order,
	}
}

func (e *Executor) sleep(ctx context.Context, stop *scenario.StopSignal, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if stop.Stopped() || ctx.Err() != nil {
			return
		}
		remaining := time.Until(deadline)
		step := 100 * time.Millisecond
		if remaining < step {
			step = remaining
		}
		time.Sleep(step)
	}
}

// buildQueue resolves every (scenario, repeat) slot of the sequence.
// Scenarios that cannot be resolved are collected into skipped.
func (e *Executor) buildQueue(req Request) (entries []queueEntry, skipped []string) {
	type resolved struct {
		entry queueEntry
		ok    bool
	}
	cache := make(map[string]resolved, len(req.ScenarioIDs))
	for _, id := range req.ScenarioIDs {
		sc, err := e.store.GetScenario(id)
		if err != nil {
			e.logger.Warn("skipping unresolvable scenario", "scenario_id", id, "error", err)
			cache[id] = resolved{}
			continue
		}
		entry := queueEntry{
			ScenarioID:   sc.ID,
			ScenarioName: sc.Name,
			scenario:     sc,
		}
		if sc.PackageID != "" {
			if pkg, err := e.store.GetPackage(sc.PackageID); err == nil {
				entry.PackageID = pkg.ID
				entry.PackageName = pkg.Name
				entry.AppPackage = pkg.AppPackage
				if pkg.CategoryID != "" {
					if cat, err := e.store.GetCategory(pkg.CategoryID); err == nil {
						entry.CategoryID = cat.ID
						entry.CategoryName = cat.Name
					}
				}
			}
		}
		cache[id] = resolved{entry: entry, ok: true}
	}

	seenSkipped := make(map[string]bool)
	order := 0
	for repeat := 1; repeat <= req.RepeatCount; repeat++ {
		for _, id := range req.ScenarioIDs {
			r := cache[id]
			if !r.ok {
				if !seenSkipped[id] {
					seenSkipped[id] = true
					skipped = append(skipped, id)
				}
				continue
			}
			entry := r.entry
			entry.RepeatIndex = repeat
			entry.Order = order
			order++
			entries = append(entries, entry)
		}
	}
	return entries, skipped
}

func (e *Executor) resolveDevices(deviceIDs []string) map[string]models.Device {
	devices := make(map[string]models.Device, len(deviceIDs))
	for _, id := range deviceIDs {
		if dev, err := e.store.GetDevice(id); err == nil {
			devices[id] = *dev
		} else {
			devices[id] = models.Device{ID: id}
		}
	}
	return devices
}

// buildReport aggregates the settled device runs into a TestReport.
func (e *Executor) buildReport(st *executionState) *models.TestReport {
	st.mu.Lock()
	results := make([]models.DeviceScenarioResult, len(st.results))
	copy(results, st.results)
	st.mu.Unlock()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].DeviceID != results[j].DeviceID {
			return results[i].DeviceID < results[j].DeviceID
		}
		return results[i].Order < results[j].Order
	})

	report := &models.TestReport{
		ExecutionID:   st.id,
		QueueID:       st.request.QueueID,
		TestName:      st.request.TestName,
		UserName:      st.request.UserName,
		DeviceIDs:     st.deviceIDs,
		DeviceResults: results,
		Summaries:     summarize(results),
		Stats:         models.ComputeStats(results),
		StartedAt:     st.startedAt,
		CompletedAt:   time.Now(),
	}

	switch {
	case st.stop.Stopped():
		report.Status = models.ExecutionStopped
	case report.Stats.Failed == 0 && report.Stats.Passed > 0:
		report.Status = models.ExecutionCompleted
	case report.Stats.Passed == 0:
		report.Status = models.ExecutionFailed
	default:
		report.Status = models.ExecutionPartial
	}
	return report
}

// summarize groups results by (scenarioId, repeatIndex), preserving
// first-appearance order.
func summarize(results []models.DeviceScenarioResult) []models.ScenarioExecutionSummary {
	type key struct {
		scenarioID  string
		repeatIndex int
	}
	index := make(map[key]int)
	var out []models.ScenarioExecutionSummary
	totals := make(map[key]int64)

	ordered := make([]models.DeviceScenarioResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})

	for _, r := range ordered {
		k := key{r.ScenarioID, r.RepeatIndex}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, models.ScenarioExecutionSummary{
				ScenarioID:   r.ScenarioID,
				ScenarioName: r.ScenarioName,
				RepeatIndex:  r.RepeatIndex,
			})
		}
		out[i].Devices++
		if r.Success {
			out[i].Passed++
		} else {
			out[i].Failed++
		}
		totals[k] += r.Duration
	}
	for i := range out {
		k := key{out[i].ScenarioID, out[i].RepeatIndex}
		if out[i].Devices > 0 {
			out[i].AvgDuration = totals[k] / int64(out[i].Devices)
		}
	}
	return out
}

func (e *Executor) register(st *executionState) {
	e.mu.Lock()
	e.active[st.id] = st
	if e.currentID == "" {
		e.currentID = st.id
	}
	e.mu.Unlock()
	metrics.ExecutionsRunning.Inc()
}

// unregister removes a settled execution; when it was the current one,
// an arbitrary still-active execution is promoted for legacy status
// queries.
func (e *Executor) unregister(id string) {
	e.mu.Lock()
	delete(e.active, id)
	if e.currentID == id {
		e.currentID = ""
		for other := range e.active {
			e.currentID = other
			break
		}
	}
	e.mu.Unlock()
	metrics.ExecutionsRunning.Dec()
}

// Stop sets the stop signal of a running execution.
func (e *Executor) Stop(executionID string) bool {
	e.mu.Lock()
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	st.stop.Stop()
	e.emit(events.TestStopping, map[string]any{"executionId": executionID})
	return true
}

// StatusSnapshot is the aggregate view of one running execution.
type StatusSnapshot struct {
	ExecutionID     string          `json:"executionId"`
	Running         bool            `json:"running"`
	StartedAt       time.Time       `json:"startedAt"`
	Progress        models.Progress `json:"progress"`
	CurrentScenario string          `json:"currentScenario,omitempty"`
}

// Status returns the snapshot of one execution; an empty id selects
// the current one.
func (e *Executor) Status(executionID string) (StatusSnapshot, bool) {
	e.mu.Lock()
	if executionID == "" {
		executionID = e.currentID
	}
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return StatusSnapshot{}, false
	}

	snap := StatusSnapshot{
		ExecutionID: st.id,
		Running:     true,
		StartedAt:   st.startedAt,
		Progress:    st.snapshotProgress(),
	}
	for _, dp := range snap.Progress.PerDevice {
		if dp.Current != "" {
			snap.CurrentScenario = dp.Current
			break
		}
	}
	return snap, true
}

// ActiveCount returns the number of running executions.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
