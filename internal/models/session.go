package models

import (
	"time"
)

// SessionStatus is the liveness of a driver attachment
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionDead   SessionStatus = "dead"
)

// SessionInfo is the wire-visible snapshot of a live session. The
// driver and action handles themselves never leave the registry.
type SessionInfo struct {
	DeviceID  string        `json:"deviceId"`
	SessionID string        `json:"sessionId"`
	MJPEGPort int           `json:"mjpegPort"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    SessionStatus `json:"status"`
}
