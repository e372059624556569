package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/models"
)

// Store is a passive JSON key→document store rooted at a data
// directory. Documents are written atomically (temp file + rename)
// with a .bak backup of the previous version.
type Store struct {
	root string
	mu   sync.RWMutex
}

// Collection subdirectories under the store root.
const (
	dirScenarios  = "scenarios"
	dirPackages   = "packages"
	dirCategories = "categories"
	dirDevices    = "devices"
	dirSchedules  = "schedules"
	dirParallel   = "reports/parallel"
	dirTests      = "reports/tests"
	dirTemplates  = "templates"

	scheduleHistoryDoc = "_history"
)

// New creates a store rooted at dir, creating the directory tree.
func New(dir string) (*Store, error) {
	s := &Store{root: dir}
	for _, d := range []string{
		dirScenarios, dirPackages, dirCategories, dirDevices,
		dirSchedules, dirParallel, dirTests, dirTemplates,
		"reports/screenshots", "reports/videos",
	} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) docPath(collection, id string) string {
	return filepath.Join(s.root, collection, id+".json")
}

// writeDoc persists a document atomically, keeping the previous
// version as a .bak next to it. Callers must hold the write lock.
func (s *Store) writeDoc(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (s *Store) readDoc(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dferrors.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	return nil
}

func (s *Store) deleteDoc(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return dferrors.ErrNotFound
		}
		return err
	}
	os.Remove(path + ".bak")
	return nil
}

// listIDs returns document ids in a collection, sorted.
func (s *Store) listIDs(collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if strings.HasPrefix(id, "_") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Scenarios

func (s *Store) GetScenario(id string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sc models.Scenario
	if err := s.readDoc(s.docPath(dirScenarios, id), &sc); err != nil {
		return nil, dferrors.Wrapf(err, "scenario %s", id)
	}
	return &sc, nil
}

func (s *Store) PutScenario(sc *models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(s.docPath(dirScenarios, sc.ID), sc)
}

func (s *Store) DeleteScenario(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteDoc(s.docPath(dirScenarios, id))
}

func (s *Store) ListScenarios() ([]models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, err := s.listIDs(dirScenarios)
	if err != nil {
		return nil, err
	}
	out := make([]models.Scenario, 0, len(ids))
	for _, id := range ids {
		var sc models.Scenario
		if err := s.readDoc(s.docPath(dirScenarios, id), &sc); err != nil {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// Packages and categories

func (s *Store) GetPackage(id string) (*models.PackageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p models.PackageInfo
	if err := s.readDoc(s.docPath(dirPackages, id), &p); err != nil {
		return nil, dferrors.Wrapf(err, "package %s", id)
	}
	return &p, nil
}

func (s *Store) PutPackage(p *models.PackageInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(s.docPath(dirPackages, p.ID), p)
}

func (s *Store) GetCategory(id string) (*models.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c models.Category
	if err := s.readDoc(s.docPath(dirCategories, id), &c); err != nil {
		return nil, dferrors.Wrapf(err, "category %s", id)
	}
	return &c, nil
}

func (s *Store) PutCategory(c *models.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(s.docPath(dirCategories, c.ID), c)
}

// Devices

func (s *Store) GetDevice(id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var d models.Device
	if err := s.readDoc(s.docPath(dirDevices, models.SanitizeDeviceID(id)), &d); err != nil {
		return nil, dferrors.Wrapf(err, "device %s", id)
	}
	return &d, nil
}

func (s *Store) PutDevice(d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(s.docPath(dirDevices, models.SanitizeDeviceID(d.ID)), d)
}

func (s *Store) DeleteDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteDoc(s.docPath(dirDevices, models.SanitizeDeviceID(id)))
}

func (s *Store) ListDevices() ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, err := s.listIDs(dirDevices)
	if err != nil {
		return nil, err
	}
	out := make([]models.Device, 0, len(ids))
	for _, id := range ids {
		var d models.Device
		if err := s.readDoc(s.docPath(dirDevices, id), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Schedules

func (s *Store) GetSchedule(id string) (*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sc models.Schedule
	if err := s.readDoc(s.docPath(dirSchedules, id), &sc); err != nil {
		return nil, dferrors.Wrapf(err, "schedule %s", id)
	}
	return &sc, nil
}

func (s *Store) PutSchedule(sc *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(s.docPath(dirSchedules, sc.ID), sc)
}

func (s *Store) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteDoc(s.docPath(dirSchedules, id))
}

func (s *Store) ListSchedules() ([]models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, err := s.listIDs(dirSchedules)
	if err != nil {
		return nil, err
	}
	out := make([]models.Schedule, 0, len(ids))
	for _, id := range ids {
		var sc models.Schedule
		if err := s.readDoc(s.docPath(dirSchedules, id), &sc); err != nil {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// GetScheduleHistory loads the shared schedule history document.
func (s *Store) GetScheduleHistory() ([]models.ScheduleHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []models.ScheduleHistoryEntry
	err := s.readDoc(s.docPath(dirSchedules, scheduleHistoryDoc), &entries)
	if dferrors.Is(err, dferrors.ErrNotFound) {
		return nil, nil
	}
	return entries, err
}

// PutScheduleHistory replaces the shared schedule history document.
func (s *Store) PutScheduleHistory(entries []models.ScheduleHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(s.docPath(dirSchedules, scheduleHistoryDoc), entries)
}

// Reports

func (s *Store) PutParallelReport(r *models.ParallelReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(s.docPath(dirParallel, r.ReportID), r)
}

func (s *Store) GetParallelReport(id string) (*models.ParallelReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r models.ParallelReport
	if err := s.readDoc(s.docPath(dirParallel, id), &r); err != nil {
		return nil, dferrors.Wrapf(err, "report %s", id)
	}
	return &r, nil
}

func (s *Store) ListParallelReports() ([]models.ParallelReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, err := s.listIDs(dirParallel)
	if err != nil {
		return nil, err
	}
	out := make([]models.ParallelReport, 0, len(ids))
	for _, id := range ids {
		var r models.ParallelReport
		if err := s.readDoc(s.docPath(dirParallel, id), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *Store) PutTestReport(r *models.TestReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(s.docPath(dirTests, r.ExecutionID), r)
}

func (s *Store) GetTestReport(executionID string) (*models.TestReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r models.TestReport
	if err := s.readDoc(s.docPath(dirTests, executionID), &r); err != nil {
		return nil, dferrors.Wrapf(err, "test report %s", executionID)
	}
	return &r, nil
}

// Artifacts

// ScreenshotDir returns the capture directory for one device of a run.
func (s *Store) ScreenshotDir(reportID, deviceID string) string {
	return filepath.Join(s.root, "reports", "screenshots", reportID, models.SanitizeDeviceID(deviceID))
}

// SaveScreenshot persists a PNG capture and returns its ref.
func (s *Store) SaveScreenshot(reportID, deviceID, nodeID string, kind models.ScreenshotKind, data []byte) (*models.ScreenshotRef, error) {
	dir := s.ScreenshotDir(reportID, deviceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	now := time.Now()
	name := fmt.Sprintf("%s_%s_%d.png", nodeID, kind, now.UnixMilli())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write screenshot: %w", err)
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}
	return &models.ScreenshotRef{
		NodeID:    nodeID,
		Kind:      kind,
		Path:      rel,
		Timestamp: now,
	}, nil
}

// VideoPath returns the recording path for one device of a run.
func (s *Store) VideoPath(reportID, deviceID string) string {
	return filepath.Join(s.root, "reports", "videos", reportID, models.SanitizeDeviceID(deviceID)+".mp4")
}

// SaveVideo persists an MP4 recording and returns its store-relative path.
func (s *Store) SaveVideo(reportID, deviceID string, data []byte) (string, error) {
	path := s.VideoPath(reportID, deviceID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create video directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write video: %w", err)
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}
	return rel, nil
}

// ReportArtifactDirs returns the artifact directories belonging to a
// report, for bundling. Missing directories are omitted.
func (s *Store) ReportArtifactDirs(reportID string) []string {
	var dirs []string
	for _, d := range []string{
		filepath.Join(s.root, "reports", "screenshots", reportID),
		filepath.Join(s.root, "reports", "videos", reportID),
	} {
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// ParallelReportPath returns the document path of a parallel report.
func (s *Store) ParallelReportPath(reportID string) string {
	return s.docPath(dirParallel, reportID)
}

// TemplatePath returns the PNG path of a match template.
func (s *Store) TemplatePath(id string) string {
	return filepath.Join(s.root, dirTemplates, models.SanitizeDeviceID(id)+".png")
}

// SaveTemplate persists a match template image.
func (s *Store) SaveTemplate(id string, data []byte) error {
	if id == "" {
		return dferrors.Wrap(dferrors.ErrValidation, "template id is required")
	}
	if err := os.WriteFile(s.TemplatePath(id), data, 0644); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}
	return nil
}

// LoadTemplate reads a match template image.
func (s *Store) LoadTemplate(id string) ([]byte, error) {
	data, err := os.ReadFile(s.TemplatePath(id))
	if os.IsNotExist(err) {
		return nil, dferrors.Wrapf(dferrors.ErrNotFound, "template %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	return data, nil
}

// ListTemplates returns the ids of stored match templates.
func (s *Store) ListTemplates() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirTemplates))
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".png") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".png"))
	}
	sort.Strings(ids)
	return ids, nil
}
