package models

import "time"

// Session lifecycle. A session is created in StatusAssigned when the broker
// matches a browser to a device, moves to StatusNegotiating on the first
// relayed offer, StatusActive once negotiation traffic settles, and
// StatusEnded on explicit end, leg disconnect or the staleness sweep.
const (
	SessionRequested   = "requested"
	SessionAssigned    = "assigned"
	SessionNegotiating = "negotiating"
	SessionActive      = "active"
	SessionEnded       = "ended"
)

// Session correlates exactly one browser leg and one device leg.
type Session struct {
	SessionID           string     `json:"sessionId" gorm:"primaryKey"`
	UserID              string     `json:"userId" gorm:"index"`
	DeviceID            string     `json:"deviceId" gorm:"index"`
	CameraID            string     `json:"cameraId,omitempty"`
	BrowserConnectionID string     `json:"browserConnectionId"`
	DeviceConnectionID  string     `json:"deviceConnectionId"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastActivity        time.Time  `json:"lastActivity"`
	EndedAt             *time.Time `json:"endedAt,omitempty"`
	EndReason           string     `json:"endReason,omitempty"`
}
