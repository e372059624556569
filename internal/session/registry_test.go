package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/driver"
	"droidfleet.sh/internal/models"
)

// stubDriver overrides only the methods the registry touches.
type stubDriver struct {
	driver.Driver

	id        string
	mu        sync.Mutex
	windowErr error
	deleteErr error
	deleted   bool
}

func (d *stubDriver) SessionID() string { return d.id }

func (d *stubDriver) WindowSize(ctx context.Context) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.windowErr != nil {
		return 0, 0, d.windowErr
	}
	return 1080, 1920, nil
}

func (d *stubDriver) Delete(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = true
	return d.deleteErr
}

func (d *stubDriver) kill() {
	d.mu.Lock()
	d.windowErr = errors.New("connection refused")
	d.mu.Unlock()
}

type stubActions struct {
	driver.Actions

	stopped atomic.Int32
}

func (a *stubActions) Stop() { a.stopped.Add(1) }

// testFactory mints sequential session ids and remembers every driver.
type testFactory struct {
	mu      sync.Mutex
	creates int
	delay   time.Duration
	failFor map[string]error
	drivers map[string]*stubDriver
	actions map[string]*stubActions
	ports   []int
}

func newTestFactory() *testFactory {
	return &testFactory{
		failFor: make(map[string]error),
		drivers: make(map[string]*stubDriver),
		actions: make(map[string]*stubActions),
	}
}

func (f *testFactory) factory(ctx context.Context, device models.Device, mjpegPort int) (driver.Driver, driver.Actions, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[device.ID]; ok {
		return nil, nil, err
	}
	f.creates++
	d := &stubDriver{id: fmt.Sprintf("sess-%d", f.creates)}
	a := &stubActions{}
	f.drivers[device.ID] = d
	f.actions[device.ID] = a
	f.ports = append(f.ports, mjpegPort)
	return d, a, nil
}

func (f *testFactory) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func TestCreateReusesHealthySession(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()
	device := models.Device{ID: "emulator-5554"}

	first, err := r.Create(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", first.SessionID)
	assert.Equal(t, 9100, first.MJPEGPort)

	second, err := r.Create(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, f.createCount(), "healthy session must be reused")
}

func TestCreateReplacesDeadSession(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()
	device := models.Device{ID: "emulator-5554"}

	first, err := r.Create(ctx, device)
	require.NoError(t, err)
	dead := f.drivers[device.ID]
	deadActions := f.actions[device.ID]
	dead.kill()

	second, err := r.Create(ctx, device)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 9100, second.MJPEGPort, "port of the evicted session is reusable")
	assert.Equal(t, int32(1), deadActions.stopped.Load(), "dead session must be stopped")
}

func TestPortAllocation(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()

	a, err := r.Create(ctx, models.Device{ID: "dev-a"})
	require.NoError(t, err)
	b, err := r.Create(ctx, models.Device{ID: "dev-b"})
	require.NoError(t, err)
	assert.Equal(t, 9100, a.MJPEGPort)
	assert.Equal(t, 9101, b.MJPEGPort)

	require.NoError(t, r.Destroy(ctx, "dev-a"))
	c, err := r.Create(ctx, models.Device{ID: "dev-c"})
	require.NoError(t, err)
	assert.Equal(t, 9100, c.MJPEGPort, "released port is reallocated first")
}

func TestCreateFailureReleasesPort(t *testing.T) {
	f := newTestFactory()
	f.failFor["broken"] = errors.New("driver exploded")
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()

	_, err := r.Create(ctx, models.Device{ID: "broken"})
	require.Error(t, err)
	assert.True(t, dferrors.Is(err, dferrors.ErrSessionCreation))

	info, err := r.Create(ctx, models.Device{ID: "fine"})
	require.NoError(t, err)
	assert.Equal(t, 9100, info.MJPEGPort, "failed create must not leak its port")
}

func TestDestroy(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()
	device := models.Device{ID: "emulator-5554"}

	_, err := r.Create(ctx, device)
	require.NoError(t, err)

	require.NoError(t, r.Destroy(ctx, device.ID))
	assert.True(t, f.drivers[device.ID].deleted)
	assert.Equal(t, int32(1), f.actions[device.ID].stopped.Load())
	_, ok := r.Info(device.ID)
	assert.False(t, ok)

	err = r.Destroy(ctx, device.ID)
	assert.True(t, dferrors.Is(err, dferrors.ErrSessionNotFound))
}

func TestDestroyToleratesRemoteFailure(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()
	device := models.Device{ID: "emulator-5554"}

	_, err := r.Create(ctx, device)
	require.NoError(t, err)
	f.drivers[device.ID].deleteErr = errors.New("driver gone")

	require.NoError(t, r.Destroy(ctx, device.ID), "local teardown wins even when the remote delete fails")
	_, ok := r.Info(device.ID)
	assert.False(t, ok)
}

func TestDestroyAll(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Create(ctx, models.Device{ID: id})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.DestroyAll(ctx))
	assert.Empty(t, r.List())
}

func TestListOrdered(t *testing.T) {
	f := newTestFactory()
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()

	for _, id := range []string{"zebra", "alpha", "mike"} {
		_, err := r.Create(ctx, models.Device{ID: id})
		require.NoError(t, err)
	}
	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].DeviceID)
	assert.Equal(t, "mike", list[1].DeviceID)
	assert.Equal(t, "zebra", list[2].DeviceID)
}

func TestConcurrentCreateShared(t *testing.T) {
	f := newTestFactory()
	f.delay = 20 * time.Millisecond
	r := NewRegistry(f.factory, 9100)
	device := models.Device{ID: "emulator-5554"}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := r.Create(context.Background(), device)
			if assert.NoError(t, err) {
				ids[i] = info.SessionID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.createCount(), "concurrent creates for one device share a flight")
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestValidateAndEnsureSessions(t *testing.T) {
	f := newTestFactory()
	f.failFor["dead"] = errors.New("unreachable")
	r := NewRegistry(f.factory, 9100)
	ctx := context.Background()

	// "healthy" holds a live session before validation runs.
	_, err := r.Create(ctx, models.Device{ID: "healthy"})
	require.NoError(t, err)

	deviceIDs := []string{"healthy", "fresh", "dead"}
	res := r.ValidateAndEnsureSessions(ctx, deviceIDs, map[string]models.Device{
		"healthy": {ID: "healthy"},
		"fresh":   {ID: "fresh"},
		"dead":    {ID: "dead"},
	})

	assert.Equal(t, []string{"healthy"}, res.Validated)
	assert.Equal(t, []string{"fresh"}, res.Recreated)
	assert.Equal(t, []string{"dead"}, res.Failed)
	assert.Contains(t, res.Errors["dead"], "unreachable")
	assert.Equal(t, []string{"healthy", "fresh"}, res.Valid(deviceIDs))
}
