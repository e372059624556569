package server

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/config"
	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/driver"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/executor"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/queue"
	"droidfleet.sh/internal/scenario"
	"droidfleet.sh/internal/schedule"
	"droidfleet.sh/internal/session"
	"droidfleet.sh/internal/store"
)

type nullDriver struct {
	driver.Driver
}

func (nullDriver) SessionID() string { return "sess-test" }

func (nullDriver) WindowSize(ctx context.Context) (int, int, error) { return 1080, 1920, nil }

func (nullDriver) Delete(ctx context.Context) error { return nil }

type nullActions struct {
	driver.Actions
}

func (nullActions) Stop() {}

func nullFactory(ctx context.Context, device models.Device, mjpegPort int) (driver.Driver, driver.Actions, error) {
	return nullDriver{}, nullActions{}, nil
}

// okRunner pretends every scenario passes instantly.
type okRunner struct{}

func (okRunner) Run(ctx context.Context, sc *models.Scenario, deviceID string, ax driver.Actions, stop *scenario.StopSignal, emit events.Emitter, opts scenario.RunOptions) models.DeviceScenarioResult {
	return models.DeviceScenarioResult{
		DeviceID:     deviceID,
		ScenarioID:   sc.ID,
		ScenarioName: sc.Name,
		Success:      true,
		Duration:     5,
	}
}

type harness struct {
	srv      *Server
	store    *store.Store
	registry *session.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := session.NewRegistry(nullFactory, 9100)
	disp := dispatch.New(dispatch.Config{
		Store:    st,
		Sessions: registry,
		Runner:   okRunner{},
		Logger:   logger,
	})
	exec := executor.New(executor.Config{
		Store:    st,
		Sessions: registry,
		Runner:   okRunner{},
		Logger:   logger,
	})
	orch := queue.New(queue.Config{
		Executor: exec,
		Store:    st,
		Logger:   logger,
	})
	hub := events.NewHub()
	t.Cleanup(hub.Close)
	sched := schedule.New(schedule.Config{
		Store:      st,
		Dispatcher: disp,
		Submitter:  orch,
		Sessions:   registry,
		Logger:     logger,
	})

	cfg := config.DefaultServerConfig()
	srv := New(cfg, Deps{
		Store:      st,
		Registry:   registry,
		Dispatcher: disp,
		Executor:   exec,
		Queue:      orch,
		Schedules:  sched,
		Hub:        hub,
	}, logger)
	t.Cleanup(srv.limiter.Stop)

	return &harness{srv: srv, store: st, registry: registry}
}

func (h *harness) do(t *testing.T, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])

	rec = h.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareChainHeaders(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = h.do(t, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRejectsInvalidBody(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/test/submit", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/test/submit",
		`{"deviceIds":["emulator-5554"],"scenarioIds":["s1"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "userName is required")
}

func TestSubmitRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutScenario(&models.Scenario{ID: "s1", Name: "Login"}))
	_, err := h.registry.Create(context.Background(), models.Device{ID: "emulator-5554"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/test/submit",
		`{"deviceIds":["emulator-5554"],"scenarioIds":["s1"],"userName":"alice"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp queue.SubmitResponse
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.QueueID)

	require.Eventually(t, func() bool {
		return h.do(t, http.MethodGet, "/api/reports/tests/"+resp.QueueID, "", nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rec = h.do(t, http.MethodGet, "/api/reports/tests/"+resp.QueueID, "", nil)
	var report models.TestReport
	decode(t, rec, &report)
	assert.Equal(t, models.ExecutionCompleted, report.Status)
	assert.Equal(t, 1, report.Stats.Passed)
	assert.Equal(t, "alice", report.UserName)
}

func TestQueueStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/test/queue/status?userName=alice", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelUnknownQueueItem(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/test/cancel/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusWithoutActiveExecution(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/test/status", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlanSubmission(t *testing.T) {
	h := newHarness(t)
	manifest := `
name: smoke
devices:
  - emulator-5554
scenarios:
  - s1
`
	rec := h.do(t, http.MethodPost, "/api/test/plan", manifest, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp queue.SubmitResponse
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.QueueID)

	rec = h.do(t, http.MethodPost, "/api/test/plan", `name: broken`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/session/create", `{"deviceId":"emulator-5554"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var info models.SessionInfo
	decode(t, rec, &info)
	assert.Equal(t, "sess-test", info.SessionID)
	assert.Equal(t, 9100, info.MJPEGPort)

	rec = h.do(t, http.MethodGet, "/api/session/list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []models.SessionInfo `json:"sessions"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Sessions, 1)

	rec = h.do(t, http.MethodPost, "/api/session/create", `{"deviceId":"bad id!"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/session/destroy", `{"deviceId":"emulator-5554"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/session/destroy", `{"deviceId":"emulator-5554"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteParallelValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/session/execute-parallel",
		`{"deviceIds":["emulator-5554"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/session/execute-parallel",
		`{"scenarioId":"s1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteParallelRun(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutScenario(&models.Scenario{ID: "s1", Name: "Login"}))
	_, err := h.registry.Create(context.Background(), models.Device{ID: "emulator-5554"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/session/execute-parallel",
		`{"scenarioId":"s1","deviceIds":["emulator-5554"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report models.ParallelReport
	decode(t, rec, &report)
	assert.Equal(t, 1, report.Stats.Passed)
	assert.NotEmpty(t, report.ReportID)
}

func TestStopParallelWithEmptyBody(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/session/stop-parallel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.EqualValues(t, 0, body["stoppedCount"])
}

func TestScheduleEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/schedules",
		`{"name":"nightly","mode":"parallel","scenarioId":"s1","deviceIds":["emulator-5554"],"cronExpression":"0 3 * * *","enabled":true}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sc models.Schedule
	decode(t, rec, &sc)
	require.NotEmpty(t, sc.ID)

	rec = h.do(t, http.MethodGet, "/api/schedules", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/schedules/"+sc.ID+"/enable", `{"enabled":false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled models.Schedule
	decode(t, rec, &toggled)
	assert.False(t, toggled.Enabled)

	rec = h.do(t, http.MethodGet, "/api/schedules/"+sc.ID+"/history?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/schedules/"+sc.ID+"/history", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/schedules/"+sc.ID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/schedules/"+sc.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/schedules",
		`{"name":"broken","mode":"parallel","deviceIds":["d"],"cronExpression":"0 3 * * *"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "parallel mode requires scenarioId")
}

func TestDeviceEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPut, "/api/devices/emulator-5554", `{"alias":"bench"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.Device
	decode(t, rec, &d)
	assert.Equal(t, "emulator-5554", d.ID, "path id wins over the body")
	assert.Equal(t, "bench", d.Alias)

	rec = h.do(t, http.MethodGet, "/api/devices", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Devices []models.Device `json:"devices"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Devices, 1)

	rec = h.do(t, http.MethodPut, "/api/devices/emulator-5554", `{"role":"pilot"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/devices/scan", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "discovery is not wired")

	rec = h.do(t, http.MethodDelete, "/api/devices/emulator-5554", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReportEndpoints(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutParallelReport(&models.ParallelReport{
		ReportID:   "pr-1",
		ScenarioID: "s1",
	}))

	rec := h.do(t, http.MethodGet, "/api/reports/parallel", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/reports/parallel/pr-1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/reports/parallel/absent", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/reports/tests/absent", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportBundleEndpoint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutParallelReport(&models.ParallelReport{ReportID: "pr-1"}))

	rec := h.do(t, http.MethodGet, "/api/reports/parallel/pr-1/bundle?codec=none", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-tar", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "pr-1.tar.none")

	tr := tar.NewReader(bytes.NewReader(rec.Body.Bytes()))
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "pr-1/report.json", hdr.Name)

	rec = h.do(t, http.MethodGet, "/api/reports/parallel/pr-1/bundle?codec=brotli", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/reports/parallel/absent/bundle", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodRouting(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/test/submit", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
