package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"droidfleet.sh/internal/models"
)

// Service types advertised by Android wireless debugging.
const (
	ServiceADBTLS = "_adb-tls-connect._tcp"
	ServiceADB    = "_adb._tcp"
)

// Store is the device persistence surface discovery upserts into.
type Store interface {
	GetDevice(id string) (*models.Device, error)
	PutDevice(d *models.Device) error
	ListDevices() ([]models.Device, error)
}

// found is one sighted wireless-debugging endpoint.
type found struct {
	deviceID string
	host     string
}

// queryFunc resolves one mDNS browse. Replaceable in tests.
type queryFunc func(ctx context.Context, serviceType string, timeout time.Duration) ([]found, error)

// Config assembles a Browser.
type Config struct {
	Store Store
	// Interval between periodic scans. Defaults to 30s.
	Interval time.Duration
	// QueryTimeout bounds one mDNS browse. Defaults to 3s.
	QueryTimeout time.Duration
	// MissedScans is how many consecutive scans a device may miss
	// before it is marked offline. Defaults to 3.
	MissedScans int
	Logger      *slog.Logger

	// Query overrides the mDNS browse. Tests only.
	Query queryFunc
}

// Browser periodically browses mDNS for ADB wireless-debugging
// services and maintains the saved Device set: every sighting bumps
// lastConnectedAt, devices missing for several scans go offline.
// Discovery never deletes a device.
type Browser struct {
	store        Store
	interval     time.Duration
	queryTimeout time.Duration
	missedScans  int
	logger       *slog.Logger
	query        queryFunc

	mu     sync.Mutex
	misses map[string]int
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Browser. Call Start for the periodic loop or Scan for
// a one-shot browse.
func New(cfg Config) *Browser {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Browser{
		store:        cfg.Store,
		interval:     cfg.Interval,
		queryTimeout: cfg.QueryTimeout,
		missedScans:  cfg.MissedScans,
		logger:       logger.With("component", "discovery"),
		query:        cfg.Query,
		misses:       make(map[string]int),
	}
	if b.interval <= 0 {
		b.interval = 30 * time.Second
	}
	if b.queryTimeout <= 0 {
		b.queryTimeout = 3 * time.Second
	}
	if b.missedScans <= 0 {
		b.missedScans = 3
	}
	if b.query == nil {
		b.query = mdnsQuery
	}
	return b
}

// Start launches the periodic scan loop.
func (b *Browser) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			if _, err := b.Scan(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("device scan failed", "error", err)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	b.logger.Info("discovery started", "interval", b.interval)
}

// Stop halts the periodic loop.
func (b *Browser) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// ScanResult summarizes one browse pass.
type ScanResult struct {
	Found   []string `json:"found"`
	New     []string `json:"new,omitempty"`
	Offline []string `json:"offline,omitempty"`
}

// Scan performs one browse across both ADB service types and updates
// the saved device set.
func (b *Browser) Scan(ctx context.Context) (*ScanResult, error) {
	sighted := make(map[string]found)
	for _, serviceType := range []string{ServiceADBTLS, ServiceADB} {
		entries, err := b.query(ctx, serviceType, b.queryTimeout)
		if err != nil {
			return nil, fmt.Errorf("mdns browse %s failed: %w", serviceType, err)
		}
		for _, e := range entries {
			sighted[e.deviceID] = e
		}
	}

	res := &ScanResult{}
	now := time.Now()
	for id := range sighted {
		res.Found = append(res.Found, id)
		dev, err := b.store.GetDevice(id)
		if err != nil {
			dev = &models.Device{
				ID:   id,
				Role: models.DeviceRoleTesting,
			}
			res.New = append(res.New, id)
			b.logger.Info("device discovered", "device_id", id)
		}
		dev.Touch(now)
		if err := b.store.PutDevice(dev); err != nil {
			b.logger.Error("failed to persist device", "device_id", id, "error", err)
		}
	}

	// Age out devices that keep missing scans.
	b.mu.Lock()
	for id := range sighted {
		delete(b.misses, id)
	}
	saved, err := b.store.ListDevices()
	if err != nil {
		b.mu.Unlock()
		return res, nil
	}
	var wentOffline []models.Device
	for i := range saved {
		d := saved[i]
		if _, ok := sighted[d.ID]; ok || d.Status != models.DeviceStatusConnected {
			continue
		}
		b.misses[d.ID]++
		if b.misses[d.ID] >= b.missedScans {
			delete(b.misses, d.ID)
			wentOffline = append(wentOffline, d)
		}
	}
	b.mu.Unlock()

	for i := range wentOffline {
		d := wentOffline[i]
		d.Status = models.DeviceStatusOffline
		if err := b.store.PutDevice(&d); err != nil {
			b.logger.Error("failed to mark device offline", "device_id", d.ID, "error", err)
			continue
		}
		res.Offline = append(res.Offline, d.ID)
		b.logger.Info("device offline", "device_id", d.ID)
	}
	return res, nil
}

// mdnsQuery is the production browse over hashicorp/mdns.
func mdnsQuery(ctx context.Context, serviceType string, timeout time.Duration) ([]found, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	var (
		mu  sync.Mutex
		out []found
	)
	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		for {
			select {
			case entry, ok := <-entriesCh:
				if !ok {
					return
				}
				if entry.AddrV4 == nil || entry.Port == 0 {
					continue
				}
				id := net.JoinHostPort(entry.AddrV4.String(), fmt.Sprintf("%d", entry.Port))
				mu.Lock()
				out = append(out, found{deviceID: id, host: entry.Host})
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Timeout = timeout
	params.Entries = entriesCh
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entriesCh)
	<-collectDone
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return out, nil
}
