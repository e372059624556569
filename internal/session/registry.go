package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/driver"
	"droidfleet.sh/internal/models"
)

const (
	healthProbeTimeout = 5 * time.Second
	ensureConcurrency  = 8
)

// Factory opens a driver session for a device on the given MJPEG port.
type Factory func(ctx context.Context, device models.Device, mjpegPort int) (driver.Driver, driver.Actions, error)

// ClientFactory adapts a driver client into a session Factory.
func ClientFactory(c *driver.Client) Factory {
	return func(ctx context.Context, device models.Device, mjpegPort int) (driver.Driver, driver.Actions, error) {
		rs, err := c.CreateSession(ctx, device.ID, mjpegPort)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs, nil
	}
}

type session struct {
	info    models.SessionInfo
	drv     driver.Driver
	actions driver.Actions
}

// Registry owns the deviceId → session mapping and the MJPEG port
// pool. All map and pool mutation is serialized; remote driver calls
// never happen under the lock.
type Registry struct {
	logger   *slog.Logger
	factory  Factory
	portBase int

	mu       sync.RWMutex
	sessions map[string]*session
	ports    map[int]string

	group singleflight.Group
}

// NewRegistry creates a registry allocating MJPEG ports from portBase.
func NewRegistry(factory Factory, portBase int) *Registry {
	return &Registry{
		logger:   slog.Default().With("component", "session"),
		factory:  factory,
		portBase: portBase,
		sessions: make(map[string]*session),
		ports:    make(map[int]string),
	}
}

// Create returns the device's session, creating one when none exists
// or the existing one is dead. Concurrent calls for the same device
// share one creation.
func (r *Registry) Create(ctx context.Context, device models.Device) (models.SessionInfo, error) {
	v, err, _ := r.group.Do(device.ID, func() (any, error) {
		return r.create(ctx, device)
	})
	if err != nil {
		return models.SessionInfo{}, err
	}
	return v.(models.SessionInfo), nil
}

func (r *Registry) create(ctx context.Context, device models.Device) (models.SessionInfo, error) {
	if existing, ok := r.lookup(device.ID); ok {
		if r.probe(ctx, existing) {
			return existing.info, nil
		}
		r.evict(device.ID, existing.info.SessionID)
	}

	port := r.reservePort(device.ID)
	drv, actions, err := r.factory(ctx, device, port)
	if err != nil {
		r.releasePort(port)
		return models.SessionInfo{}, dferrors.Wrapf(dferrors.ErrSessionCreation, "device %s: %v", device.ID, err)
	}

	s := &session{
		info: models.SessionInfo{
			DeviceID:  device.ID,
			SessionID: drv.SessionID(),
			MJPEGPort: port,
			CreatedAt: time.Now(),
			Status:    models.SessionActive,
		},
		drv:     drv,
		actions: actions,
	}

	r.mu.Lock()
	r.sessions[device.ID] = s
	r.mu.Unlock()

	r.logger.Info("session created",
		"device_id", device.ID,
		"session_id", s.info.SessionID,
		"mjpeg_port", port)
	return s.info, nil
}

// reservePort takes the lowest free port at or above portBase.
func (r *Registry) reservePort(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port := r.portBase; ; port++ {
		if _, used := r.ports[port]; !used {
			r.ports[port] = deviceID
			return port
		}
	}
}

func (r *Registry) releasePort(port int) {
	r.mu.Lock()
	delete(r.ports, port)
	r.mu.Unlock()
}

func (r *Registry) lookup(deviceID string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// probe runs a cheap window-size round trip against the session.
func (r *Registry) probe(ctx context.Context, s *session) bool {
	pctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	_, _, err := s.drv.WindowSize(pctx)
	if err != nil {
		r.logger.Warn("session health probe failed",
			"device_id", s.info.DeviceID,
			"session_id", s.info.SessionID,
			"error", err)
		return false
	}
	return true
}

// evict removes the session only if it is still the probed one, so a
// concurrent recreation is never torn down by a stale prober.
func (r *Registry) evict(deviceID, sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	if !ok || s.info.SessionID != sessionID {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, deviceID)
	delete(r.ports, s.info.MJPEGPort)
	r.mu.Unlock()

	s.actions.Stop()
	r.logger.Info("session evicted", "device_id", deviceID, "session_id", sessionID)
}

// Destroy tears the session down. The MJPEG port is released even when
// the remote delete fails.
func (r *Registry) Destroy(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	if !ok {
		r.mu.Unlock()
		return dferrors.Wrapf(dferrors.ErrSessionNotFound, "device %s", deviceID)
	}
	delete(r.sessions, deviceID)
	delete(r.ports, s.info.MJPEGPort)
	r.mu.Unlock()

	s.actions.Stop()
	if err := s.drv.Delete(ctx); err != nil {
		r.logger.Warn("remote session delete failed",
			"device_id", deviceID,
			"session_id", s.info.SessionID,
			"error", err)
	}
	r.logger.Info("session destroyed", "device_id", deviceID, "session_id", s.info.SessionID)
	return nil
}

// DestroyAll fans destroy out over every live session and returns the
// number torn down.
func (r *Registry) DestroyAll(ctx context.Context) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if err := r.Destroy(ctx, id); err == nil {
			n++
		}
	}
	return n
}

// Driver returns the session-owning handle for a device.
func (r *Registry) Driver(deviceID string) (driver.Driver, bool) {
	s, ok := r.lookup(deviceID)
	if !ok {
		return nil, false
	}
	return s.drv, true
}

// Actions returns the command handle for a device.
func (r *Registry) Actions(deviceID string) (driver.Actions, bool) {
	s, ok := r.lookup(deviceID)
	if !ok {
		return nil, false
	}
	return s.actions, true
}

// Info returns the session snapshot for a device.
func (r *Registry) Info(deviceID string) (models.SessionInfo, bool) {
	s, ok := r.lookup(deviceID)
	if !ok {
		return models.SessionInfo{}, false
	}
	return s.info, true
}

// List returns all live sessions, ordered by device id.
func (r *Registry) List() []models.SessionInfo {
	r.mu.RLock()
	out := make([]models.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// CheckHealth probes a device's session and evicts it on failure.
func (r *Registry) CheckHealth(ctx context.Context, deviceID string) bool {
	s, ok := r.lookup(deviceID)
	if !ok {
		return false
	}
	if r.probe(ctx, s) {
		return true
	}
	r.evict(deviceID, s.info.SessionID)
	return false
}

// EnsureSession is the canonical entry point before issuing commands:
// probe, and recreate when the probe fails.
func (r *Registry) EnsureSession(ctx context.Context, device models.Device) (models.SessionInfo, error) {
	if r.CheckHealth(ctx, device.ID) {
		info, _ := r.Info(device.ID)
		return info, nil
	}
	return r.Create(ctx, device)
}

// ValidationResult partitions devices after a bulk ensure.
type ValidationResult struct {
	Validated []string
	Recreated []string
	Failed    []string
	Errors    map[string]string
}

// Valid returns the devices that hold a live session, in input order.
func (v ValidationResult) Valid(deviceIDs []string) []string {
	ok := make(map[string]bool, len(v.Validated)+len(v.Recreated))
	for _, id := range v.Validated {
		ok[id] = true
	}
	for _, id := range v.Recreated {
		ok[id] = true
	}
	var out []string
	for _, id := range deviceIDs {
		if ok[id] {
			out = append(out, id)
		}
	}
	return out
}

// ValidateAndEnsureSessions concurrently ensures sessions for a device
// set and partitions the outcome.
func (r *Registry) ValidateAndEnsureSessions(ctx context.Context, deviceIDs []string, devices map[string]models.Device) ValidationResult {
	res := ValidationResult{Errors: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ensureConcurrency)
	for _, id := range deviceIDs {
		id := id
		g.Go(func() error {
			device, ok := devices[id]
			if !ok {
				device = models.Device{ID: id}
			}

			if r.CheckHealth(gctx, id) {
				mu.Lock()
				res.Validated = append(res.Validated, id)
				mu.Unlock()
				return nil
			}

			if _, err := r.Create(gctx, device); err != nil {
				mu.Lock()
				res.Failed = append(res.Failed, id)
				res.Errors[id] = err.Error()
				mu.Unlock()
				return nil
			}
			mu.Lock()
			res.Recreated = append(res.Recreated, id)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Strings(res.Validated)
	sort.Strings(res.Recreated)
	sort.Strings(res.Failed)
	return res
}
