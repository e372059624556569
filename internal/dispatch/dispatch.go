package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/driver"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/match"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/scenario"
	"droidfleet.sh/internal/session"
)

// Store is the persistence surface the dispatcher consumes.
type Store interface {
	GetScenario(id string) (*models.Scenario, error)
	GetPackage(id string) (*models.PackageInfo, error)
	GetDevice(id string) (*models.Device, error)
	PutParallelReport(r *models.ParallelReport) error
	SaveScreenshot(reportID, deviceID, nodeID string, kind models.ScreenshotKind, data []byte) (*models.ScreenshotRef, error)
	SaveVideo(reportID, deviceID string, data []byte) (string, error)
}

// Sessions is the registry surface the dispatcher consumes.
type Sessions interface {
	ValidateAndEnsureSessions(ctx context.Context, deviceIDs []string, devices map[string]models.Device) session.ValidationResult
	Actions(deviceID string) (driver.Actions, bool)
	Driver(deviceID string) (driver.Driver, bool)
}

// Runner walks one scenario on one device.
type Runner interface {
	Run(ctx context.Context, sc *models.Scenario, deviceID string, ax driver.Actions, stop *scenario.StopSignal, emit events.Emitter, opts scenario.RunOptions) models.DeviceScenarioResult
}

// Options configures one parallel run.
type Options struct {
	CaptureScreenshots bool `json:"captureScreenshots,omitempty"`
	CaptureOnComplete  bool `json:"captureOnComplete,omitempty"`
	RecordVideo        bool `json:"recordVideo,omitempty"`
}

// Config assembles a Dispatcher's collaborators.
type Config struct {
	Store    Store
	Sessions Sessions
	Matcher  match.Finder
	Emitter  events.Emitter
	// Recording holds the screen recording defaults applied when a run
	// asks for video.
	Recording driver.RecordingOptions
	Logger    *slog.Logger

	// Runner overrides the per-run interpreter. Tests only.
	Runner Runner
}

// Dispatcher fans one scenario across many devices at once and
// materializes an integrated report. A single dispatcher permits one
// active run at a time because per-run artifact directories share the
// report id namespace.
type Dispatcher struct {
	store     Store
	sessions  Sessions
	matcher   match.Finder
	emit      events.Emitter
	recording driver.RecordingOptions
	logger    *slog.Logger
	runner    Runner

	mu      sync.Mutex
	running bool
	stops   map[string]*scenario.StopSignal
}

// DefaultRecording is applied when the config carries no recording options.
func DefaultRecording() driver.RecordingOptions {
	return driver.RecordingOptions{
		BitRate:      4_000_000,
		VideoSize:    "720x1280",
		TimeLimit:    5 * time.Minute,
		ForceRestart: true,
	}
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := cfg.Emitter
	if emit == nil {
		emit = events.NopEmitter
	}
	rec := cfg.Recording
	if rec.BitRate == 0 {
		rec = DefaultRecording()
	}
	return &Dispatcher{
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		matcher:   cfg.Matcher,
		emit:      emit,
		recording: rec,
		logger:    logger.With("component", "dispatch"),
		runner:    cfg.Runner,
		stops:     make(map[string]*scenario.StopSignal),
	}
}

// Running reports whether a parallel run is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// reportSink binds the run's report id for interpreter captures.
type reportSink struct {
	store    Store
	reportID string
}

func (s *reportSink) SaveScreenshot(deviceID, nodeID string, kind models.ScreenshotKind, data []byte) (*models.ScreenshotRef, error) {
	return s.store.SaveScreenshot(s.reportID, deviceID, nodeID, kind, data)
}

// ExecuteParallel runs one scenario across the device set and persists
// the aggregated report. Only one run may be active per dispatcher.
func (d *Dispatcher) ExecuteParallel(ctx context.Context, scenarioID string, deviceIDs []string, opts Options) (*models.ParallelReport, error) {
	if len(deviceIDs) == 0 {
		return nil, dferrors.Wrap(dferrors.ErrValidation, "deviceIds must not be empty")
	}

	sc, err := d.store.GetScenario(scenarioID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, dferrors.Wrap(dferrors.ErrDeviceBusy, "a parallel run is already active")
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.stops = make(map[string]*scenario.StopSignal)
		d.mu.Unlock()
	}()

	devices := d.resolveDevices(deviceIDs)

	d.emit(events.TestSessionValidating, map[string]any{"deviceIds": deviceIDs})
	vr := d.sessions.ValidateAndEnsureSessions(ctx, deviceIDs, devices)
	if len(vr.Recreated) > 0 {
		d.emit(events.TestSessionRecreated, map[string]any{"deviceIds": vr.Recreated})
	}
	if len(vr.Failed) > 0 {
		d.emit(events.TestSessionFailed, map[string]any{"deviceIds": vr.Failed, "errors": vr.Errors})
	}
	valid := vr.Valid(deviceIDs)
	if len(valid) == 0 {
		return nil, dferrors.Wrapf(dferrors.ErrNoValidDevices, "scenario %s", scenarioID)
	}

	reportID := fmt.Sprintf("pr-%d", time.Now().UnixMilli())
	started := time.Now()
	appPackage := d.resolvePackage(sc)
	runner := d.runner
	if runner == nil {
		runner = scenario.New(scenario.Config{
			Matcher:   d.matcher,
			Artifacts: &reportSink{store: d.store, reportID: reportID},
			Logger:    d.logger,
		})
	}

	d.mu.Lock()
	for _, id := range valid {
		d.stops[id] = scenario.NewStopSignal()
	}
	d.mu.Unlock()

	d.emit(events.ParallelStart, map[string]any{
		"reportId":   reportID,
		"scenarioId": sc.ID,
		"deviceIds":  valid,
	})
	d.logger.Info("parallel run started",
		"report_id", reportID, "scenario_id", sc.ID, "devices", len(valid))

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make([]models.DeviceScenarioResult, 0, len(valid))
	)
	for _, deviceID := range valid {
		deviceID := deviceID
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.deviceRun(ctx, runner, sc, deviceID, reportID, appPackage, opts)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
		}()
	}
	wg.Wait()

	// Input order, not completion order.
	ordered := make([]models.DeviceScenarioResult, 0, len(results))
	for _, id := range valid {
		for _, r := range results {
			if r.DeviceID == id {
				ordered = append(ordered, r)
				break
			}
		}
	}

	report := &models.ParallelReport{
		ReportID:      reportID,
		ScenarioID:    sc.ID,
		ScenarioName:  sc.Name,
		DeviceResults: ordered,
		Stats:         models.ComputeStats(ordered),
		StartedAt:     started,
		CompletedAt:   time.Now(),
	}
	if err := d.store.PutParallelReport(report); err != nil {
		d.logger.Error("failed to persist parallel report",
			"report_id", reportID, "error", err)
	}

	d.emit(events.ParallelComplete, map[string]any{
		"reportId": reportID,
		"stats":    report.Stats,
	})
	d.logger.Info("parallel run completed",
		"report_id", reportID,
		"passed", report.Stats.Passed,
		"failed", report.Stats.Failed)
	return report, nil
}

// deviceRun executes the scenario on one device, bracketing it with
// the optional screen recording.
func (d *Dispatcher) deviceRun(ctx context.Context, runner Runner, sc *models.Scenario, deviceID, reportID, appPackage string, opts Options) models.DeviceScenarioResult {
	ax, ok := d.sessions.Actions(deviceID)
	if !ok {
		return models.DeviceScenarioResult{
			DeviceID:     deviceID,
			ScenarioID:   sc.ID,
			ScenarioName: sc.Name,
			Error:        "no live session",
			Steps:        []models.StepResult{},
		}
	}

	recording := false
	if opts.RecordVideo {
		if drv, ok := d.sessions.Driver(deviceID); ok {
			if err := drv.StartRecording(ctx, d.recording); err != nil {
				d.logger.Warn("failed to start recording",
					"device_id", deviceID, "error", err)
			} else {
				recording = true
			}
		}
	}

	d.mu.Lock()
	stop := d.stops[deviceID]
	d.mu.Unlock()

	res := runner.Run(ctx, sc, deviceID, ax, stop, d.emit, scenario.RunOptions{
		AppPackage:         appPackage,
		CaptureScreenshots: opts.CaptureScreenshots,
		CaptureOnComplete:  opts.CaptureOnComplete,
	})
	metrics.RecordScenario(res.Success, float64(res.Duration)/1000)

	if recording {
		d.stopRecording(deviceID, reportID, &res)
	}
	return res
}

func (d *Dispatcher) stopRecording(deviceID, reportID string, res *models.DeviceScenarioResult) {
	drv, ok := d.sessions.Driver(deviceID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	data, err := drv.StopRecording(ctx)
	if err != nil {
		d.logger.Warn("failed to stop recording", "device_id", deviceID, "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	path, err := d.store.SaveVideo(reportID, deviceID, data)
	if err != nil {
		d.logger.Error("failed to persist recording",
			"device_id", deviceID, "report_id", reportID, "error", err)
		return
	}
	res.Video = path
}

func (d *Dispatcher) resolveDevices(deviceIDs []string) map[string]models.Device {
	devices := make(map[string]models.Device, len(deviceIDs))
	for _, id := range deviceIDs {
		if dev, err := d.store.GetDevice(id); err == nil {
			devices[id] = *dev
		} else {
			devices[id] = models.Device{ID: id}
		}
	}
	return devices
}

func (d *Dispatcher) resolvePackage(sc *models.Scenario) string {
	if sc.PackageID == "" {
		return ""
	}
	pkg, err := d.store.GetPackage(sc.PackageID)
	if err != nil {
		d.logger.Warn("scenario package not resolvable",
			"scenario_id", sc.ID, "package_id", sc.PackageID, "error", err)
		return ""
	}
	return pkg.AppPackage
}

// StopDevice sets the stop signal of one device's active run.
func (d *Dispatcher) StopDevice(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	stop, ok := d.stops[deviceID]
	if !ok {
		return false
	}
	stop.Stop()
	return true
}

// StopAll signals every device of the active run to stop.
func (d *Dispatcher) StopAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, stop := range d.stops {
		stop.Stop()
	}
	return len(d.stops)
}
