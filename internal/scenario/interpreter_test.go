package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/driver"
	"droidfleet.sh/internal/match"
	"droidfleet.sh/internal/models"
)

// fakeActions is a scripted driver.Actions that records every call.
type fakeActions struct {
	mu    sync.Mutex
	calls []string

	tapErrs        []error
	tapElementErrs []error
	existsSeq      []bool
	existsErrs     []error
	textSeq        []bool
	screen         []byte
	screenshotErr  error
	launchErr      error
	launched       []string
	terminated     []string
}

func (f *fakeActions) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	e := (*errs)[0]
	*errs = (*errs)[1:]
	return e
}

// nextBool pops the sequence; the last value sticks once exhausted.
func nextBool(seq *[]bool) bool {
	if len(*seq) == 0 {
		return false
	}
	v := (*seq)[0]
	if len(*seq) > 1 {
		*seq = (*seq)[1:]
	}
	return v
}

func (f *fakeActions) Tap(ctx context.Context, x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tap(%d,%d)", x, y)
	return popErr(&f.tapErrs)
}

func (f *fakeActions) DoubleTap(ctx context.Context, x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("doubleTap(%d,%d)", x, y)
	return nil
}

func (f *fakeActions) LongPress(ctx context.Context, x, y int, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("longPress(%d,%d,%s)", x, y, d)
	return nil
}

func (f *fakeActions) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("swipe(%d,%d,%d,%d)", x1, y1, x2, y2)
	return nil
}

func (f *fakeActions) TapElement(ctx context.Context, strategy driver.Strategy, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tapElement(%s,%s)", strategy, selector)
	return popErr(&f.tapElementErrs)
}

func (f *fakeActions) InputText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inputText(%s)", text)
	return nil
}

func (f *fakeActions) ClearText(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clearText")
	return nil
}

func (f *fakeActions) PressKey(ctx context.Context, keycode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pressKey(%d)", keycode)
	return nil
}

func (f *fakeActions) Back(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("back")
	return nil
}

func (f *fakeActions) Home(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("home")
	return nil
}

func (f *fakeActions) LaunchApp(ctx context.Context, pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("launchApp(%s)", pkg)
	f.launched = append(f.launched, pkg)
	return f.launchErr
}

func (f *fakeActions) TerminateApp(ctx context.Context, pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("terminateApp(%s)", pkg)
	f.terminated = append(f.terminated, pkg)
	return nil
}

func (f *fakeActions) ClearData(ctx context.Context, pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clearData(%s)", pkg)
	return nil
}

func (f *fakeActions) ClearCache(ctx context.Context, pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clearCache(%s)", pkg)
	return nil
}

func (f *fakeActions) ElementExists(ctx context.Context, strategy driver.Strategy, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exists(%s)", selector)
	if err := popErr(&f.existsErrs); err != nil {
		return false, err
	}
	return nextBool(&f.existsSeq), nil
}

func (f *fakeActions) TextExists(ctx context.Context, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("textExists(%s)", text)
	return nextBool(&f.textSeq), nil
}

func (f *fakeActions) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("screenshot")
	return f.screen, f.screenshotErr
}

func (f *fakeActions) Stop() {}

func (f *fakeActions) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeActions) terminatedApps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

// eventLog collects emitted events for assertions.
type eventLog struct {
	mu      sync.Mutex
	entries []NodeEvent
}

func (l *eventLog) emit(eventType string, data any) {
	ev, ok := data.(NodeEvent)
	if !ok {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, ev)
	l.mu.Unlock()
}

func (l *eventLog) statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Status
	}
	return out
}

func p(s string) json.RawMessage { return json.RawMessage(s) }

// linear builds start → n1 → n2 → ... → end with action nodes.
func linear(params ...json.RawMessage) *models.Scenario {
	sc := &models.Scenario{ID: "sc-1", Name: "linear"}
	sc.Nodes = append(sc.Nodes, models.Node{ID: "start", Type: models.NodeStart})
	prev := "start"
	for i, raw := range params {
		id := fmt.Sprintf("n%d", i+1)
		sc.Nodes = append(sc.Nodes, models.Node{ID: id, Type: models.NodeAction, Params: raw})
		sc.Connections = append(sc.Connections, models.Connection{From: prev, To: id})
		prev = id
	}
	sc.Nodes = append(sc.Nodes, models.Node{ID: "end", Type: models.NodeEnd})
	sc.Connections = append(sc.Connections, models.Connection{From: prev, To: "end"})
	return sc
}

func fastInterpreter() *Interpreter {
	it := New(Config{})
	it.retry = &dferrors.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: dferrors.IsTransient,
	}
	it.terminateDelay = 10 * time.Millisecond
	it.stopPoll = 5 * time.Millisecond
	it.probeInterval = 5 * time.Millisecond
	return it
}

func repeatErrs(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func TestRunTapThenWait(t *testing.T) {
	sc := linear(
		p(`{"actionType":"tap","x":100,"y":200}`),
		p(`{"actionType":"wait","duration":50}`),
	)
	fake := &fakeActions{}
	log := &eventLog{}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, log.emit, RunOptions{})

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	require.Len(t, res.Steps, 3)

	assert.Equal(t, "n1", res.Steps[0].NodeID)
	assert.Equal(t, models.StepPassed, res.Steps[0].Status)
	assert.Equal(t, "n2", res.Steps[1].NodeID)
	assert.Equal(t, models.StepWaiting, res.Steps[1].Status)
	assert.Equal(t, "n2", res.Steps[2].NodeID)
	assert.Equal(t, models.StepPassed, res.Steps[2].Status)

	// The terminal wait marker never starts before its waiting marker.
	assert.False(t, res.Steps[2].StartTime.Before(res.Steps[1].StartTime))
	assert.Equal(t, 1, fake.callCount("tap(100,200)"))

	assert.Equal(t, []string{"running", "passed", "waiting", "passed"}, log.statuses())
}

func TestRunDeterministicSteps(t *testing.T) {
	sc := linear(
		p(`{"actionType":"tap","x":1,"y":2}`),
		p(`{"actionType":"back"}`),
		p(`{"actionType":"inputText","text":"hello"}`),
	)

	type shape struct {
		node   string
		status models.StepStatus
	}
	run := func() []shape {
		res := fastInterpreter().Run(context.Background(), sc, "dev-A", &fakeActions{}, nil, nil, RunOptions{})
		require.True(t, res.Success)
		out := make([]shape, len(res.Steps))
		for i, s := range res.Steps {
			out[i] = shape{s.NodeID, s.Status}
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestRunCountLoop(t *testing.T) {
	sc := &models.Scenario{
		ID: "sc-loop",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeStart},
			{ID: "loop", Type: models.NodeLoop, Params: p(`{"loopType":"count","count":2}`)},
			{ID: "body", Type: models.NodeAction, Params: p(`{"actionType":"tap","x":5,"y":5}`)},
			{ID: "end", Type: models.NodeEnd},
		},
		Connections: []models.Connection{
			{From: "start", To: "loop"},
			{From: "loop", To: "body", Branch: models.BranchLoop},
			{From: "body", To: "loop"},
			{From: "loop", To: "end", Branch: models.BranchExit},
		},
	}
	fake := &fakeActions{}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, 2, fake.callCount("tap(5,5)"))
	// Three loop arrivals plus two body executions.
	require.Len(t, res.Steps, 5)
	assert.Equal(t, "loop", res.Steps[0].NodeID)
	assert.Equal(t, "body", res.Steps[1].NodeID)
	assert.Equal(t, "loop", res.Steps[2].NodeID)
	assert.Equal(t, "body", res.Steps[3].NodeID)
	assert.Equal(t, "loop", res.Steps[4].NodeID)
}

func TestRunWhileExistsLoop(t *testing.T) {
	sc := &models.Scenario{
		ID: "sc-while",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeStart},
			{ID: "loop", Type: models.NodeLoop, Params: p(`{"loopType":"whileExists","selector":"spinner","strategy":"id"}`)},
			{ID: "body", Type: models.NodeAction, Params: p(`{"actionType":"back"}`)},
			{ID: "end", Type: models.NodeEnd},
		},
		Connections: []models.Connection{
			{From: "start", To: "loop"},
			{From: "loop", To: "body", Branch: models.BranchLoop},
			{From: "body", To: "loop"},
			{From: "loop", To: "end", Branch: models.BranchExit},
		},
	}
	fake := &fakeActions{existsSeq: []bool{true, true, false}}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, 2, fake.callCount("back"))
	assert.Equal(t, 3, fake.callCount("exists(spinner)"))
}

func TestRunConditionBranches(t *testing.T) {
	build := func() *models.Scenario {
		return &models.Scenario{
			ID: "sc-cond",
			Nodes: []models.Node{
				{ID: "start", Type: models.NodeStart},
				{ID: "cond", Type: models.NodeCondition, Params: p(`{"conditionType":"elementExists","selector":"dialog"}`)},
				{ID: "yes", Type: models.NodeAction, Params: p(`{"actionType":"back"}`)},
				{ID: "no", Type: models.NodeAction, Params: p(`{"actionType":"home"}`)},
				{ID: "end", Type: models.NodeEnd},
			},
			Connections: []models.Connection{
				{From: "start", To: "cond"},
				{From: "cond", To: "yes", Branch: models.BranchYes},
				{From: "cond", To: "no", Branch: models.BranchNo},
				{From: "yes", To: "end"},
				{From: "no", To: "end"},
			},
		}
	}

	fake := &fakeActions{existsSeq: []bool{true}}
	res := fastInterpreter().Run(context.Background(), build(), "dev-A", fake, nil, nil, RunOptions{})
	assert.True(t, res.Success)
	assert.Equal(t, 1, fake.callCount("back"))
	assert.Equal(t, 0, fake.callCount("home"))

	fake = &fakeActions{existsSeq: []bool{false}}
	res = fastInterpreter().Run(context.Background(), build(), "dev-A", fake, nil, nil, RunOptions{})
	assert.True(t, res.Success)
	assert.Equal(t, 0, fake.callCount("back"))
	assert.Equal(t, 1, fake.callCount("home"))

	// A condition that throws takes the no branch and records error.
	fake = &fakeActions{existsErrs: []error{dferrors.New("ui dump failed")}}
	res = fastInterpreter().Run(context.Background(), build(), "dev-A", fake, nil, nil, RunOptions{})
	assert.True(t, res.Success)
	assert.Equal(t, 1, fake.callCount("home"))
	assert.Equal(t, models.StepError, res.Steps[0].Status)
}

func TestRunContinueOnError(t *testing.T) {
	sc := linear(
		p(`{"actionType":"tapElement","selector":"gone","timeout":40,"continueOnError":true}`),
		p(`{"actionType":"back"}`),
	)
	fake := &fakeActions{tapElementErrs: repeatErrs(driver.ErrNoSuchElement, 64)}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.True(t, res.Success)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, models.StepFailed, res.Steps[0].Status)
	assert.Equal(t, models.FailureTimeout, res.Steps[0].FailureType)
	assert.Equal(t, models.StepPassed, res.Steps[1].Status)
}

func TestRunTapElementWaitsForLateElement(t *testing.T) {
	sc := linear(p(`{"actionType":"tapElement","selector":"late","timeout":2000}`))
	fake := &fakeActions{tapElementErrs: repeatErrs(driver.ErrNoSuchElement, 2)}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.True(t, res.Success, "element appearing within the timeout must not fail the step")
	assert.Equal(t, 3, fake.callCount("tapElement("))
	require.Len(t, res.Steps, 1)
	assert.Equal(t, models.StepPassed, res.Steps[0].Status)
}

func TestRunAbortsOnFailure(t *testing.T) {
	sc := linear(
		p(`{"actionType":"tap","x":1,"y":1}`),
		p(`{"actionType":"back"}`),
	)
	fake := &fakeActions{tapErrs: []error{dferrors.New("driver exploded")}}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{AppPackage: "com.example.app"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "driver exploded")
	require.Len(t, res.Steps, 1)
	assert.Equal(t, models.StepError, res.Steps[0].Status)
	assert.Equal(t, models.FailureRuntime, res.Steps[0].FailureType)
	assert.Equal(t, 0, fake.callCount("back"))

	// The post-failure terminate fires after the configured delay.
	require.Eventually(t, func() bool {
		apps := fake.terminatedApps()
		return len(apps) == 1 && apps[0] == "com.example.app"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunRetriesTransientTouchFaults(t *testing.T) {
	sc := linear(p(`{"actionType":"tap","x":7,"y":7}`))
	fake := &fakeActions{tapErrs: []error{
		dferrors.Wrap(dferrors.ErrDriverUnavailable, "connection refused"),
		dferrors.Wrap(dferrors.ErrDriverUnavailable, "connection refused"),
	}}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, 3, fake.callCount("tap(7,7)"))
}

func TestRunStopSignal(t *testing.T) {
	sc := linear(
		p(`{"actionType":"wait","duration":5000}`),
		p(`{"actionType":"back"}`),
	)
	fake := &fakeActions{}
	stop := NewStopSignal()

	done := make(chan models.DeviceScenarioResult, 1)
	go func() {
		done <- fastInterpreter().Run(context.Background(), sc, "dev-A", fake, stop, nil, RunOptions{})
	}()

	time.Sleep(50 * time.Millisecond)
	stop.Stop()

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, "stopped", res.Error)
		last := res.Steps[len(res.Steps)-1]
		assert.Equal(t, models.StepSkipped, last.Status)
		assert.Equal(t, 0, fake.callCount("back"))
	case <-time.After(2 * time.Second):
		t.Fatal("run did not honor the stop signal")
	}
}

func TestRunContextCancellation(t *testing.T) {
	sc := linear(p(`{"actionType":"wait","duration":5000}`))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan models.DeviceScenarioResult, 1)
	go func() {
		done <- fastInterpreter().Run(ctx, sc, "dev-A", &fakeActions{}, nil, nil, RunOptions{})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.False(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not honor context cancellation")
	}
}

func TestRunCycleDetection(t *testing.T) {
	sc := &models.Scenario{
		ID: "sc-cycle",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeStart},
			{ID: "a", Type: models.NodeAction, Params: p(`{"actionType":"back"}`)},
			{ID: "b", Type: models.NodeAction, Params: p(`{"actionType":"home"}`)},
			{ID: "end", Type: models.NodeEnd},
		},
		Connections: []models.Connection{
			{From: "start", To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", &fakeActions{}, nil, nil, RunOptions{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cycle detected")
	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, models.StepError, last.Status)
	assert.Equal(t, "a", last.NodeID)
}

func TestRunWaitUntilExists(t *testing.T) {
	sc := linear(p(`{"actionType":"waitUntilExists","selector":"button","timeout":2000,"interval":10}`))
	fake := &fakeActions{existsSeq: []bool{false, false, true}}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, fake.callCount("exists(button)"), 3)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, models.StepWaiting, res.Steps[0].Status)
	assert.Equal(t, models.StepPassed, res.Steps[1].Status)
}

func TestRunWaitUntilTimesOut(t *testing.T) {
	sc := linear(p(`{"actionType":"waitUntilExists","selector":"missing","timeout":60,"interval":15}`))
	fake := &fakeActions{}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.False(t, res.Success)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, models.StepFailed, res.Steps[1].Status)
	assert.Equal(t, models.FailureTimeout, res.Steps[1].FailureType)
}

func TestRunLaunchAppWithoutPackageIsFatal(t *testing.T) {
	sc := linear(
		p(`{"actionType":"launchApp","continueOnError":true}`),
		p(`{"actionType":"back"}`),
	)
	fake := &fakeActions{}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "application package")
	assert.Equal(t, 0, fake.callCount("back"))
}

func TestRunLaunchAppFallsBackToScenarioPackage(t *testing.T) {
	sc := linear(p(`{"actionType":"launchApp"}`))
	fake := &fakeActions{}

	res := fastInterpreter().Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{AppPackage: "com.example.app"})

	assert.True(t, res.Success)
	assert.Equal(t, 1, fake.callCount("launchApp(com.example.app)"))
}

type fakeFinder struct {
	m     match.Match
	found bool
	err   error
}

func (f *fakeFinder) Find(ctx context.Context, screen []byte, templateID string, threshold float64) (match.Match, bool, error) {
	return f.m, f.found, f.err
}

type fakeSink struct {
	mu    sync.Mutex
	saved []models.ScreenshotKind
}

func (f *fakeSink) SaveScreenshot(deviceID, nodeID string, kind models.ScreenshotKind, data []byte) (*models.ScreenshotRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, kind)
	return &models.ScreenshotRef{NodeID: nodeID, Kind: kind, Path: "p.png", Timestamp: time.Now()}, nil
}

func (f *fakeSink) kinds() []models.ScreenshotKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ScreenshotKind(nil), f.saved...)
}

func TestRunTapImage(t *testing.T) {
	sc := linear(p(`{"actionType":"tapImage","templateId":"ok-button"}`))
	fake := &fakeActions{screen: testPNG(t)}
	sink := &fakeSink{}

	it := fastInterpreter()
	it.matcher = &fakeFinder{m: match.Match{X: 10, Y: 20, Width: 30, Height: 40, Score: 0.99}, found: true}
	it.artifacts = sink

	res := it.Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, 1, fake.callCount("tap(25,40)"))
	assert.Contains(t, sink.kinds(), models.ScreenshotHighlight)
	require.Len(t, res.Screenshots, 1)
	assert.Equal(t, models.ScreenshotHighlight, res.Screenshots[0].Kind)
}

func TestRunCapturesStepScreenshots(t *testing.T) {
	sc := linear(p(`{"actionType":"back"}`))
	fake := &fakeActions{screen: testPNG(t)}
	sink := &fakeSink{}

	it := fastInterpreter()
	it.artifacts = sink

	res := it.Run(context.Background(), sc, "dev-A", fake, nil, nil, RunOptions{
		CaptureScreenshots: true,
		CaptureOnComplete:  true,
	})

	assert.True(t, res.Success)
	kinds := sink.kinds()
	assert.Contains(t, kinds, models.ScreenshotStep)
	assert.Contains(t, kinds, models.ScreenshotFinal)
	assert.Len(t, res.Screenshots, 2)
}
