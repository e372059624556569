package models

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Device represents a persistent descriptor for one physical device.
// IDs are ADB-style serials or ip:port pairs for wireless targets.
type Device struct {
	ID    string `json:"id"`
	Alias string `json:"alias,omitempty"`

	Hardware HardwareInfo `json:"hardware"`
	Runtime  RuntimeStats `json:"runtime"`

	Status DeviceStatus `json:"status"`
	Role   DeviceRole   `json:"role"`

	FirstConnectedAt time.Time `json:"firstConnectedAt"`
	LastConnectedAt  time.Time `json:"lastConnectedAt"`
}

// HardwareInfo is the static hardware snapshot taken on discovery.
type HardwareInfo struct {
	Brand      string `json:"brand,omitempty"`
	Model      string `json:"model,omitempty"`
	OS         string `json:"os,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	CPUABI     string `json:"cpuAbi,omitempty"`
	SDK        int    `json:"sdk,omitempty"`
}

// RuntimeStats is the volatile snapshot refreshed on each scan.
type RuntimeStats struct {
	BatteryLevel  int     `json:"batteryLevel,omitempty"`
	BatteryTemp   float64 `json:"batteryTemp,omitempty"`
	MemoryFreeMB  int     `json:"memoryFreeMb,omitempty"`
	StorageFreeGB float64 `json:"storageFreeGb,omitempty"`
	CPUTemp       float64 `json:"cpuTemp,omitempty"`
}

// DeviceStatus represents the current connectivity of a device
type DeviceStatus string

const (
	DeviceStatusConnected    DeviceStatus = "connected"
	DeviceStatusOffline      DeviceStatus = "offline"
	DeviceStatusUnauthorized DeviceStatus = "unauthorized"
)

// DeviceRole determines what a device may be used for
type DeviceRole string

const (
	DeviceRoleEditing DeviceRole = "editing"
	DeviceRoleTesting DeviceRole = "testing"
)

// ValidateDeviceID checks that an id is either a serial built from the
// allowed character set or a well-formed ip:port pair.
func ValidateDeviceID(id string) error {
	if id == "" {
		return ErrInvalidDevice("device ID is required")
	}
	if host, port, err := net.SplitHostPort(id); err == nil {
		if net.ParseIP(host) == nil {
			return ErrInvalidDevice("device ID host is not a valid IP")
		}
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return ErrInvalidDevice("device ID port out of range")
		}
		return nil
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-', r == ':':
		default:
			return ErrInvalidDevice("device ID contains invalid characters")
		}
	}
	return nil
}

// Validate checks if the device data is valid
func (d *Device) Validate() error {
	if err := ValidateDeviceID(d.ID); err != nil {
		return err
	}
	switch d.Role {
	case DeviceRoleEditing, DeviceRoleTesting, "":
	default:
		return ErrInvalidDevice("unknown device role")
	}
	switch d.Status {
	case DeviceStatusConnected, DeviceStatusOffline, DeviceStatusUnauthorized, "":
	default:
		return ErrInvalidDevice("unknown device status")
	}
	return nil
}

// Touch marks the device as seen now, setting the first-connected
// timestamp when this is its first sighting.
func (d *Device) Touch(now time.Time) {
	if d.FirstConnectedAt.IsZero() {
		d.FirstConnectedAt = now
	}
	d.LastConnectedAt = now
	d.Status = DeviceStatusConnected
}

// SanitizeDeviceID converts a device id into a filesystem-safe document name.
func SanitizeDeviceID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

// ErrInvalidDevice represents a device validation error
type ErrInvalidDevice string

func (e ErrInvalidDevice) Error() string {
	return string(e)
}
