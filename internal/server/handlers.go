package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"droidfleet.sh/internal/archive"
	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/plan"
)

// maxPlanSize caps uploaded test plan manifests.
const maxPlanSize = 1 << 20

func socketID(r *http.Request) string {
	return r.Header.Get("X-Socket-ID")
}

// --- queue ---

func (s *Server) handleTestSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.TestRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	resp, err := s.deps.Queue.SubmitTest(req, socketID(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleTestCancel(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	msg, err := s.deps.Queue.CancelTest(queueID, socketID(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	userName := r.URL.Query().Get("userName")
	s.respondJSON(w, http.StatusOK, s.deps.Queue.Status(userName))
}

func (s *Server) handleTestStatus(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("executionId")
	snap, ok := s.deps.Executor.Status(executionID)
	if !ok {
		s.respondError(w, dferrors.Wrap(dferrors.ErrNotFound, "no active execution"))
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// handleTestPlan accepts a YAML or JSON manifest and submits it as a
// regular queue entry.
func (s *Server) handleTestPlan(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPlanSize))
	if err != nil {
		s.respondError(w, dferrors.Wrapf(dferrors.ErrValidation, "failed to read plan: %v", err))
		return
	}
	m, err := plan.ParseManifest(data)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := m.Validate(); err != nil {
		s.respondError(w, dferrors.Wrap(dferrors.ErrValidation, err.Error()))
		return
	}
	req := m.Request(r.Header.Get("X-User-Name"))
	resp, err := s.deps.Queue.SubmitTest(req, socketID(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, resp)
}

// --- sessions ---

type deviceRef struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceRef
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := models.ValidateDeviceID(req.DeviceID); err != nil {
		s.respondError(w, err)
		return
	}
	device := models.Device{ID: req.DeviceID, Role: models.DeviceRoleTesting}
	if saved, err := s.deps.Store.GetDevice(req.DeviceID); err == nil {
		device = *saved
	}
	info, err := s.deps.Registry.Create(r.Context(), device)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, info)
}

func (s *Server) handleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	var req deviceRef
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.deps.Registry.Destroy(r.Context(), req.DeviceID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "session destroyed"})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Registry.List()})
}

type parallelRequest struct {
	ScenarioID string           `json:"scenarioId"`
	DeviceIDs  []string         `json:"deviceIds"`
	Options    dispatch.Options `json:"options"`
}

func (s *Server) handleExecuteParallel(w http.ResponseWriter, r *http.Request) {
	var req parallelRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.ScenarioID == "" {
		s.respondError(w, dferrors.Wrap(dferrors.ErrValidation, "scenarioId is required"))
		return
	}
	if len(req.DeviceIDs) == 0 {
		s.respondError(w, dferrors.Wrap(dferrors.ErrValidation, "deviceIds must not be empty"))
		return
	}
	report, err := s.deps.Dispatcher.ExecuteParallel(r.Context(), req.ScenarioID, req.DeviceIDs, req.Options)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleStopParallel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId,omitempty"`
	}
	// An empty body means stop everything.
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, err)
			return
		}
	}
	if req.DeviceID != "" {
		s.respondJSON(w, http.StatusOK, map[string]any{"stopped": s.deps.Dispatcher.StopDevice(req.DeviceID)})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"stoppedCount": s.deps.Dispatcher.StopAll()})
}

// --- schedules ---

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Schedules.List()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var sc models.Schedule
	if err := decodeBody(r, &sc); err != nil {
		s.respondError(w, err)
		return
	}
	created, err := s.deps.Schedules.Create(&sc)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Schedules.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	var sc models.Schedule
	if err := decodeBody(r, &sc); err != nil {
		s.respondError(w, err)
		return
	}
	sc.ID = mux.Vars(r)["id"]
	updated, err := s.deps.Schedules.Update(&sc)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Schedules.Delete(mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "schedule deleted"})
}

func (s *Server) handleScheduleEnable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	sc, err := s.deps.Schedules.SetEnabled(mux.Vars(r)["id"], req.Enabled)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleScheduleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondError(w, dferrors.Wrap(dferrors.ErrValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.deps.Schedules.History(mux.Vars(r)["id"], limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// --- devices ---

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Store.ListDevices()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleDeviceScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discovery == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "discovery is disabled"})
		return
	}
	res, err := s.deps.Discovery.Scan(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	var d models.Device
	if err := decodeBody(r, &d); err != nil {
		s.respondError(w, err)
		return
	}
	d.ID = mux.Vars(r)["id"]
	if err := d.Validate(); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.deps.Store.PutDevice(&d); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, &d)
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// A device with a live session keeps its session; the registry
	// owns that lifecycle, not the device catalog.
	if err := s.deps.Store.DeleteDevice(id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "device deleted"})
}

// --- reports ---

func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	reports, err := s.deps.Store.ListParallelReports()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Store.GetParallelReport(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleTestReportGet(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Store.GetTestReport(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// handleReportBundle streams a compressed tar of the report document
// and its screenshots and videos.
func (s *Server) handleReportBundle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Store.GetParallelReport(id); err != nil {
		s.respondError(w, err)
		return
	}

	bundler := s.deps.Bundler
	if codec := r.URL.Query().Get("codec"); codec != "" {
		c, err := archive.New(codec)
		if err != nil {
			s.respondError(w, dferrors.Wrap(dferrors.ErrValidation, err.Error()))
			return
		}
		bundler = c
	}

	w.Header().Set("Content-Type", bundler.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".tar."+bundler.Type()))
	err := archive.BuildBundle(w, bundler, id,
		s.deps.Store.ParallelReportPath(id),
		s.deps.Store.ReportArtifactDirs(id))
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		s.logger.Error("report bundle failed", "report_id", id, "error", err)
	}
}

// --- operational ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"sessions":         len(s.deps.Registry.List()),
		"activeExecutions": s.deps.Executor.ActiveCount(),
		"eventClients":     s.deps.Hub.ClientCount(),
	})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Store.ListDevices(); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
