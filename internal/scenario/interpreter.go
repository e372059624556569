package scenario

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/driver"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/match"
	"droidfleet.sh/internal/models"
)

// errStopped marks a step interrupted by a stop request.
var errStopped = errors.New("stopped")

// StopSignal is a cooperative cancellation flag, polled before every
// node and inside every wait.
type StopSignal struct {
	flag atomic.Bool
}

// NewStopSignal creates an unset signal.
func NewStopSignal() *StopSignal { return &StopSignal{} }

// Stop sets the signal. Idempotent.
func (s *StopSignal) Stop() { s.flag.Store(true) }

// Stopped reports whether the signal is set.
func (s *StopSignal) Stopped() bool { return s.flag.Load() }

// NodeEvent is the payload of a test:device:node event.
type NodeEvent struct {
	DeviceID string          `json:"deviceId"`
	NodeID   string          `json:"nodeId"`
	NodeName string          `json:"nodeName"`
	NodeType models.NodeType `json:"nodeType"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
}

// ArtifactSink persists step captures. Implementations bind a report
// id and return store-relative refs.
type ArtifactSink interface {
	SaveScreenshot(deviceID, nodeID string, kind models.ScreenshotKind, data []byte) (*models.ScreenshotRef, error)
}

// Config assembles an Interpreter's collaborators.
type Config struct {
	// Matcher resolves image templates. Image actions fail without it.
	Matcher match.Finder
	// Artifacts persists screenshots. Captures are skipped without it.
	Artifacts ArtifactSink
	Logger    *slog.Logger
}

// Interpreter walks a scenario graph on one device, one node at a
// time, and records a StepResult per executed node.
type Interpreter struct {
	matcher   match.Finder
	artifacts ArtifactSink
	logger    *slog.Logger
	retry     *dferrors.RetryConfig

	terminateDelay time.Duration
	backdate       time.Duration
	stopPoll       time.Duration
	probeInterval  time.Duration
}

// New creates an Interpreter.
func New(cfg Config) *Interpreter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		matcher:        cfg.Matcher,
		artifacts:      cfg.Artifacts,
		logger:         logger.With("component", "interpreter"),
		retry:          dferrors.DefaultRetryConfig(),
		terminateDelay: 10 * time.Second,
		backdate:       time.Second,
		stopPoll:       100 * time.Millisecond,
		probeInterval:  defaultProbeInterval,
	}
}

// RunOptions configures one interpretation run.
type RunOptions struct {
	// AppPackage is the scenario's resolved application package. App
	// actions without an explicit package fall back to it.
	AppPackage string
	// CaptureScreenshots captures a step screenshot after every passed
	// action and on expected failures.
	CaptureScreenshots bool
	// CaptureOnComplete captures a final screenshot when the run ends.
	CaptureOnComplete bool
	// RepeatIndex and Order position the result inside a sequenced test.
	RepeatIndex int
	Order       int
}

// Run interprets the scenario on one device. It always returns a
// result; failures are carried in Success and Error, never panics.
func (it *Interpreter) Run(ctx context.Context, sc *models.Scenario, deviceID string, ax driver.Actions, stop *StopSignal, emit events.Emitter, opts RunOptions) (res models.DeviceScenarioResult) {
	if emit == nil {
		emit = events.NopEmitter
	}
	if stop == nil {
		stop = NewStopSignal()
	}

	started := time.Now()
	res = models.DeviceScenarioResult{
		DeviceID:     deviceID,
		ScenarioID:   sc.ID,
		ScenarioName: sc.Name,
		RepeatIndex:  opts.RepeatIndex,
		Order:        opts.Order,
		Steps:        []models.StepResult{},
	}
	defer func() {
		res.Duration = time.Since(started).Milliseconds()
	}()

	node, err := sc.StartNode()
	if err != nil {
		res.Error = err.Error()
		return res
	}

	visited := make(map[string]bool)
	loopIters := make(map[string]int)
	var abortErr error
	stopped := false

loop:
	for {
		if stop.Stopped() || ctx.Err() != nil {
			stopped = true
			if node.Type == models.NodeAction || node.Type == models.NodeCondition || node.Type == models.NodeLoop {
				now := time.Now()
				res.Steps = append(res.Steps, models.StepResult{
					NodeID: node.ID, NodeName: nodeName(node), NodeType: node.Type,
					Status: models.StepSkipped, StartTime: now, EndTime: now,
				})
				it.emitNode(emit, deviceID, node, string(models.StepSkipped), "")
			}
			break loop
		}

		switch node.Type {
		case models.NodeStart:
			next, ok := sc.NextNode(node.ID, "")
			if !ok {
				abortErr = dferrors.Wrap(dferrors.ErrRuntime, "start node has no successor")
				break loop
			}
			node = next

		case models.NodeEnd:
			res.Success = true
			break loop

		case models.NodeAction:
			if visited[node.ID] {
				res.Steps = append(res.Steps, cycleStep(node))
				abortErr = dferrors.Wrapf(dferrors.ErrRuntime, "cycle detected at node %s", node.ID)
				break loop
			}
			visited[node.ID] = true

			out := it.runAction(ctx, node, deviceID, ax, stop, emit, opts)
			res.Steps = append(res.Steps, out.steps...)
			res.Screenshots = append(res.Screenshots, out.shots...)
			if out.stopped {
				stopped = true
				break loop
			}
			if out.err != nil {
				if out.fatal || !out.cont {
					abortErr = out.err
					break loop
				}
				it.logger.Warn("continuing after action failure",
					"device_id", deviceID, "node_id", node.ID, "error", out.err)
			}
			next, ok := sc.NextNode(node.ID, "")
			if !ok {
				abortErr = dferrors.Wrapf(dferrors.ErrRuntime, "node %s has no successor", node.ID)
				break loop
			}
			node = next

		case models.NodeCondition:
			if visited[node.ID] {
				res.Steps = append(res.Steps, cycleStep(node))
				abortErr = dferrors.Wrapf(dferrors.ErrRuntime, "cycle detected at node %s", node.ID)
				break loop
			}
			visited[node.ID] = true

			branch, step := it.runCondition(ctx, node, deviceID, ax, emit)
			res.Steps = append(res.Steps, step)
			next, ok := sc.NextNode(node.ID, branch)
			if !ok {
				abortErr = dferrors.Wrapf(dferrors.ErrRuntime, "condition %s has no %s branch", node.ID, branch)
				break loop
			}
			node = next

		case models.NodeLoop:
			// Each loop arrival opens a fresh cycle-detection scope so
			// body nodes may be revisited on the next iteration.
			visited = make(map[string]bool)

			branch, step, err := it.runLoop(ctx, node, deviceID, ax, emit, loopIters)
			res.Steps = append(res.Steps, step)
			if err != nil {
				abortErr = err
				break loop
			}
			next, ok := sc.NextNode(node.ID, branch)
			if !ok {
				abortErr = dferrors.Wrapf(dferrors.ErrRuntime, "loop %s has no %s branch", node.ID, branch)
				break loop
			}
			node = next

		default:
			abortErr = dferrors.Wrapf(dferrors.ErrRuntime, "unknown node type %q", node.Type)
			break loop
		}
	}

	switch {
	case stopped:
		res.Error = "stopped"
	case abortErr != nil:
		res.Error = abortErr.Error()
		it.scheduleTerminate(ax, opts.AppPackage, deviceID)
	}

	if opts.CaptureOnComplete {
		if ref := it.capture(ax, deviceID, "final", models.ScreenshotFinal); ref != nil {
			res.Screenshots = append(res.Screenshots, *ref)
		}
	}
	return res
}

// actionOutcome is what one action node contributes to the run.
type actionOutcome struct {
	steps   []models.StepResult
	shots   []models.ScreenshotRef
	err     error
	fatal   bool
	stopped bool
	cont    bool
}

func (it *Interpreter) runAction(ctx context.Context, node *models.Node, deviceID string, ax driver.Actions, stop *StopSignal, emit events.Emitter, opts RunOptions) actionOutcome {
	var out actionOutcome

	act, err := DecodeAction(node.Params)
	if err != nil {
		now := time.Now()
		out.steps = append(out.steps, models.StepResult{
			NodeID: node.ID, NodeName: nodeName(node), NodeType: node.Type,
			Status: models.StepError, StartTime: now, EndTime: now,
			Error: err.Error(), FailureType: models.FailureRuntime,
		})
		it.emitNode(emit, deviceID, node, string(models.StepError), err.Error())
		out.err = err
		out.fatal = true
		return out
	}
	out.cont = act.common().ContinueOnError

	if isWaitKind(act.Kind()) {
		return it.runWaitAction(ctx, node, deviceID, ax, stop, emit, opts, act, out)
	}

	it.emitNode(emit, deviceID, node, "running", "")
	start := time.Now()
	err = it.perform(ctx, node, deviceID, ax, stop, act, opts, &out)
	end := time.Now()

	step := models.StepResult{
		NodeID: node.ID, NodeName: nodeName(node), NodeType: node.Type,
		StartTime: start, EndTime: end, Duration: end.Sub(start).Milliseconds(),
	}
	switch {
	case err == nil:
		step.Status = models.StepPassed
		if opts.CaptureScreenshots {
			if ref := it.capture(ax, deviceID, node.ID, models.ScreenshotStep); ref != nil {
				out.shots = append(out.shots, *ref)
			}
		}
	case errors.Is(err, errStopped):
		step.Status = models.StepSkipped
		out.stopped = true
	default:
		status, ftype := classify(err)
		step.Status = status
		step.Error = err.Error()
		step.FailureType = ftype
		out.err = err
		// Bad parameters cannot be rescued by continueOnError.
		out.fatal = dferrors.Is(err, dferrors.ErrValidation)
		if ftype == models.FailureRuntime || opts.CaptureScreenshots {
			if ref := it.capture(ax, deviceID, node.ID, models.ScreenshotFailed); ref != nil {
				out.shots = append(out.shots, *ref)
			}
		}
	}
	out.steps = append(out.steps, step)
	it.emitNode(emit, deviceID, node, string(step.Status), step.Error)
	return out
}

// perform executes one immediate action against the device.
func (it *Interpreter) perform(ctx context.Context, node *models.Node, deviceID string, ax driver.Actions, stop *StopSignal, act Action, opts RunOptions, out *actionOutcome) error {
	switch a := act.(type) {
	case TapAction:
		return it.withRetry(ctx, func() error { return ax.Tap(ctx, a.X, a.Y) })
	case DoubleTapAction:
		return it.withRetry(ctx, func() error { return ax.DoubleTap(ctx, a.X, a.Y) })
	case LongPressAction:
		return it.withRetry(ctx, func() error { return ax.LongPress(ctx, a.X, a.Y, a.Duration) })
	case SwipeAction:
		return it.withRetry(ctx, func() error { return ax.Swipe(ctx, a.X1, a.Y1, a.X2, a.Y2, a.Duration) })
	case TapElementAction:
		return it.tapElement(ctx, ax, stop, a)

	case LaunchAppAction:
		pkg, err := resolvePackage(a.Package, opts, "launchApp")
		if err != nil {
			return err
		}
		return ax.LaunchApp(ctx, pkg)
	case TerminateAppAction:
		pkg, err := resolvePackage(a.Package, opts, "terminateApp")
		if err != nil {
			return err
		}
		return ax.TerminateApp(ctx, pkg)
	case RestartAppAction:
		pkg, err := resolvePackage(a.Package, opts, "restartApp")
		if err != nil {
			return err
		}
		if err := ax.TerminateApp(ctx, pkg); err != nil {
			it.logger.Debug("terminate before restart failed",
				"device_id", deviceID, "package", pkg, "error", err)
		}
		return ax.LaunchApp(ctx, pkg)
	case ClearDataAction:
		pkg, err := resolvePackage(a.Package, opts, "clearData")
		if err != nil {
			return err
		}
		return ax.ClearData(ctx, pkg)
	case ClearCacheAction:
		pkg, err := resolvePackage(a.Package, opts, "clearCache")
		if err != nil {
			return err
		}
		return ax.ClearCache(ctx, pkg)

	case BackAction:
		return ax.Back(ctx)
	case HomeAction:
		return ax.Home(ctx)
	case InputTextAction:
		return ax.InputText(ctx, a.Text)
	case ClearTextAction:
		return ax.ClearText(ctx)
	case PressKeyAction:
		return ax.PressKey(ctx, a.Keycode)

	case TapImageAction:
		return it.tapImage(ctx, node, deviceID, ax, stop, a, out)

	default:
		return dferrors.Wrapf(dferrors.ErrRuntime, "unhandled action %s", act.Kind())
	}
}

func resolvePackage(explicit string, opts RunOptions, action string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if opts.AppPackage != "" {
		return opts.AppPackage, nil
	}
	return "", dferrors.Wrapf(dferrors.ErrValidation, "%s requires an application package", action)
}

func (it *Interpreter) withRetry(ctx context.Context, fn func() error) error {
	return dferrors.Retry(ctx, it.retry, fn)
}

// tapElement polls for the element until the action timeout. Elements
// frequently render a beat after the screen that hosts them.
func (it *Interpreter) tapElement(ctx context.Context, ax driver.Actions, stop *StopSignal, a TapElementAction) error {
	deadline := time.Now().Add(a.Timeout)
	for {
		err := it.withRetry(ctx, func() error {
			return ax.TapElement(ctx, a.Selector.Strategy, a.Selector.Value)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, driver.ErrNoSuchElement) {
			return err
		}
		if time.Now().After(deadline) {
			return dferrors.Wrapf(dferrors.ErrTimeout, "element %s not found within %s", a.Selector.Value, a.Timeout)
		}
		if serr := it.sleep(ctx, stop, it.probeInterval); serr != nil {
			return serr
		}
	}
}

// tapImage polls the screen for the template until the action timeout,
// then taps the match center. A found match leaves a highlight capture.
func (it *Interpreter) tapImage(ctx context.Context, node *models.Node, deviceID string, ax driver.Actions, stop *StopSignal, a TapImageAction, out *actionOutcome) error {
	if it.matcher == nil {
		return dferrors.Wrap(dferrors.ErrRuntime, "no template matcher configured")
	}
	deadline := time.Now().Add(a.Timeout)
	for {
		screen, err := ax.Screenshot(ctx)
		if err != nil {
			return err
		}
		m, found, err := it.matcher.Find(ctx, screen, a.TemplateID, a.Threshold)
		if err != nil {
			return err
		}
		if found {
			if it.artifacts != nil {
				if hl, err := match.DrawHighlight(screen, m); err == nil {
					if ref, err := it.artifacts.SaveScreenshot(deviceID, node.ID, models.ScreenshotHighlight, hl); err == nil {
						out.shots = append(out.shots, *ref)
					}
				}
			}
			x, y := m.Center()
			return ax.Tap(ctx, x, y)
		}
		if time.Now().After(deadline) {
			return dferrors.Wrapf(dferrors.ErrTimeout, "template %s not matched within %s", a.TemplateID, a.Timeout)
		}
		if err := it.sleep(ctx, stop, it.probeInterval); err != nil {
			return err
		}
	}
}

// runWaitAction records the waiting marker, blocks, then records the
// terminal marker with a back-dated start so the two bands do not
// overlap on a timeline.
func (it *Interpreter) runWaitAction(ctx context.Context, node *models.Node, deviceID string, ax driver.Actions, stop *StopSignal, emit events.Emitter, opts RunOptions, act Action, out actionOutcome) actionOutcome {
	waitStart := time.Now()
	out.steps = append(out.steps, models.StepResult{
		NodeID: node.ID, NodeName: nodeName(node), NodeType: node.Type,
		Status: models.StepWaiting, StartTime: waitStart, EndTime: waitStart,
	})
	it.emitNode(emit, deviceID, node, string(models.StepWaiting), "")

	var err error
	switch a := act.(type) {
	case WaitAction:
		err = it.sleep(ctx, stop, a.Duration)
	case WaitUntilAction:
		err = it.waitUntil(ctx, ax, stop, a)
	}

	end := time.Now()
	start := end.Add(-it.backdate)
	if start.Before(waitStart) {
		start = waitStart
	}
	step := models.StepResult{
		NodeID: node.ID, NodeName: nodeName(node), NodeType: node.Type,
		StartTime: start, EndTime: end, Duration: end.Sub(start).Milliseconds(),
	}
	switch {
	case err == nil:
		step.Status = models.StepPassed
	case errors.Is(err, errStopped):
		step.Status = models.StepSkipped
		out.stopped = true
	default:
		status, ftype := classify(err)
		step.Status = status
		step.Error = err.Error()
		step.FailureType = ftype
		out.err = err
		if ftype == models.FailureRuntime || opts.CaptureScreenshots {
			if ref := it.capture(ax, deviceID, node.ID, models.ScreenshotFailed); ref != nil {
				out.shots = append(out.shots, *ref)
			}
		}
	}
	out.steps = append(out.steps, step)
	it.emitNode(emit, deviceID, node, string(step.Status), step.Error)
	return out
}

// waitUntil polls the predicate at the action's interval until it
// holds or the timeout elapses. Driver hiccups count as an unsatisfied
// probe and are retried until the deadline.
func (it *Interpreter) waitUntil(ctx context.Context, ax driver.Actions, stop *StopSignal, a WaitUntilAction) error {
	deadline := time.Now().Add(a.Timeout)
	for {
		ok, err := it.probe(ctx, ax, a)
		if err != nil {
			if dferrors.Is(err, dferrors.ErrRuntime) || errors.Is(err, errStopped) || ctx.Err() != nil {
				return err
			}
			it.logger.Debug("wait probe failed", "action", a.Until, "error", err)
		}
		if err == nil && ok {
			return nil
		}
		if time.Now().After(deadline) {
			return dferrors.Wrapf(dferrors.ErrTimeout, "%s unsatisfied after %s", a.Until, a.Timeout)
		}
		if err := it.sleep(ctx, stop, a.Interval); err != nil {
			return err
		}
	}
}

func (it *Interpreter) probe(ctx context.Context, ax driver.Actions, a WaitUntilAction) (bool, error) {
	switch a.Until {
	case ActionWaitUntilExists:
		return ax.ElementExists(ctx, a.Selector.Strategy, a.Selector.Value)
	case ActionWaitUntilGone:
		ok, err := ax.ElementExists(ctx, a.Selector.Strategy, a.Selector.Value)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case ActionWaitUntilTextExist:
		return ax.TextExists(ctx, a.Text)
	case ActionWaitUntilTextGone:
		ok, err := ax.TextExists(ctx, a.Text)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case ActionWaitUntilImage, ActionWaitUntilImageGone:
		if it.matcher == nil {
			return false, dferrors.Wrap(dferrors.ErrRuntime, "no template matcher configured")
		}
		screen, err := ax.Screenshot(ctx)
		if err != nil {
			return false, err
		}
		_, found, err := it.matcher.Find(ctx, screen, a.TemplateID, a.Threshold)
		if err != nil {
			return false, err
		}
		if a.Until == ActionWaitUntilImageGone {
			return !found, nil
		}
		return found, nil
	}
	return false, dferrors.Wrapf(dferrors.ErrRuntime, "unhandled wait %s", a.Until)
}

func (it *Interpreter) runCondition(ctx context.Context, node *models.Node, deviceID string, ax driver.Actions, emit events.Emitter) (models.BranchKind, models.StepResult) {
	it.emitNode(emit, deviceID, node, "running", "")
	start := time.Now()

	branch := models.BranchNo
	cond, err := DecodeCondition(node.Params)
	if err == nil {
		var val bool
		val, err = it.evalCondition(ctx, ax, cond)
		if err == nil && val {
			branch = models.BranchYes
		}
	}

	end := time.Now()
	step := models.StepResult{
		NodeID: node.ID, NodeName: nodeName(node), NodeType: node.Type,
		StartTime: start, EndTime: end, Duration: end.Sub(start).Milliseconds(),
		Status: models.StepPassed,
	}
	if err != nil {
		// A condition that fails to evaluate takes the no branch.
		step.Status = models.StepError
		step.Error = err.Error()
		step.FailureType = models.FailureRuntime
	}
	it.emitNode(emit, deviceID, node, string(step.Status), step.Error)
	return branch, step
}

func (it *Interpreter) evalCondition(ctx context.Context, ax driver.Actions, cond Condition) (bool, error) {
	switch cond.Kind {
	case ConditionElementExists:
		return ax.ElementExists(ctx, cond.Selector.Strategy, cond.Selector.Value)
	case ConditionElementNotExists:
		ok, err := ax.ElementExists(ctx, cond.Selector.Strategy, cond.Selector.Value)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case ConditionTextExists:
		return ax.TextExists(ctx, cond.Text)
	case ConditionTextNotExists:
		ok, err := ax.TextExists(ctx, cond.Text)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case ConditionImageExists, ConditionImageNotExists:
		if it.matcher == nil {
			return false, dferrors.Wrap(dferrors.ErrRuntime, "no template matcher configured")
		}
		screen, err := ax.Screenshot(ctx)
		if err != nil {
			return false, err
		}
		_, found, err := it.matcher.Find(ctx, screen, cond.TemplateID, cond.Threshold)
		if err != nil {
			return false, err
		}
		if cond.Kind == ConditionImageNotExists {
			return !found, nil
		}
		return found, nil
	}
	return false, dferrors.Wrapf(dferrors.ErrRuntime, "unhandled condition %s", cond.Kind)
}

// runLoop evaluates one loop-node arrival. The per-node counter in
// iters holds completed iterations; it resets when the exit branch is
// taken so re-entered loops start fresh.
func (it *Interpreter) runLoop(ctx context.Context, node *models.Node, deviceID string, ax driver.Actions, emit events.Emitter, iters map[string]int) (models.BranchKind, models.StepResult, error) {
	start := time.Now()
	step := models.StepResult{
		NodeID: node.ID, NodeName: nodeName(node), NodeType: node.Type, StartTime: start,
	}

	lp, err := DecodeLoop(node.Params)
	if err != nil {
		end := time.Now()
		step.EndTime = end
		step.Duration = end.Sub(start).Milliseconds()
		step.Status = models.StepError
		step.Error = err.Error()
		step.FailureType = models.FailureRuntime
		it.emitNode(emit, deviceID, node, string(models.StepError), err.Error())
		return "", step, err
	}

	iter := iters[node.ID]
	again := false
	var probeErr error
	switch lp.Kind {
	case LoopCount:
		again = iter < lp.Count
	case LoopWhileExists:
		var exists bool
		exists, probeErr = ax.ElementExists(ctx, lp.Selector.Strategy, lp.Selector.Value)
		again = probeErr == nil && exists
	case LoopWhileNotExists:
		var exists bool
		exists, probeErr = ax.ElementExists(ctx, lp.Selector.Strategy, lp.Selector.Value)
		again = probeErr == nil && !exists
	}
	if lp.MaxIterations > 0 && iter >= lp.MaxIterations {
		again = false
	}

	end := time.Now()
	step.EndTime = end
	step.Duration = end.Sub(start).Milliseconds()
	step.Status = models.StepPassed
	if probeErr != nil {
		// A failed probe exits the loop instead of aborting the run.
		step.Status = models.StepError
		step.Error = probeErr.Error()
		step.FailureType = models.FailureRuntime
	}

	branch := models.BranchExit
	if again {
		iters[node.ID] = iter + 1
		branch = models.BranchLoop
	} else {
		delete(iters, node.ID)
	}
	it.emitNode(emit, deviceID, node, string(step.Status), step.Error)
	return branch, step, nil
}

// sleep blocks for d, waking early on stop or context cancellation.
func (it *Interpreter) sleep(ctx context.Context, stop *StopSignal, d time.Duration) error {
	if stop != nil && stop.Stopped() {
		return errStopped
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(it.stopPoll)
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return errStopped
		case <-ticker.C:
			if stop != nil && stop.Stopped() {
				return errStopped
			}
		}
	}
}

// capture takes and persists a screenshot. Best effort.
func (it *Interpreter) capture(ax driver.Actions, deviceID, nodeID string, kind models.ScreenshotKind) *models.ScreenshotRef {
	if it.artifacts == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := ax.Screenshot(ctx)
	if err != nil {
		it.logger.Debug("screenshot capture failed",
			"device_id", deviceID, "node_id", nodeID, "error", err)
		return nil
	}
	ref, err := it.artifacts.SaveScreenshot(deviceID, nodeID, kind, data)
	if err != nil {
		it.logger.Warn("failed to persist screenshot",
			"device_id", deviceID, "node_id", nodeID, "error", err)
		return nil
	}
	return ref
}

// scheduleTerminate stops the scenario's app a while after a fatal
// failure. Best effort, never retried.
func (it *Interpreter) scheduleTerminate(ax driver.Actions, pkg, deviceID string) {
	if pkg == "" {
		return
	}
	delay := it.terminateDelay
	go func() {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := ax.TerminateApp(ctx, pkg); err != nil {
			it.logger.Debug("post-failure app terminate failed",
				"device_id", deviceID, "package", pkg, "error", err)
		}
	}()
}

func (it *Interpreter) emitNode(emit events.Emitter, deviceID string, node *models.Node, status, errMsg string) {
	emit(events.TestDeviceNode, NodeEvent{
		DeviceID: deviceID,
		NodeID:   node.ID,
		NodeName: nodeName(node),
		NodeType: node.Type,
		Status:   status,
		Error:    errMsg,
	})
}

func classify(err error) (models.StepStatus, models.FailureType) {
	if dferrors.Is(err, dferrors.ErrTimeout) || errors.Is(err, driver.ErrNoSuchElement) {
		return models.StepFailed, models.FailureTimeout
	}
	return models.StepError, models.FailureRuntime
}

func cycleStep(node *models.Node) models.StepResult {
	now := time.Now()
	return models.StepResult{
		NodeID: node.ID, NodeName: nodeName(node), NodeType: node.Type,
		Status: models.StepError, StartTime: now, EndTime: now,
		Error: "cycle detected", FailureType: models.FailureRuntime,
	}
}

func nodeName(n *models.Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

func isWaitKind(k ActionKind) bool {
	switch k {
	case ActionWait, ActionWaitUntilExists, ActionWaitUntilGone,
		ActionWaitUntilTextExist, ActionWaitUntilTextGone,
		ActionWaitUntilImage, ActionWaitUntilImageGone:
		return true
	}
	return false
}
