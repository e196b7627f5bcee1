package models

import (
	"time"
)

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Device is the cloud-side record of an edge gateway. The row is never
// hard-deleted; presence is tracked through the Status field and the
// in-memory connection table in the registry.
type Device struct {
	DeviceID     string            `json:"deviceId" gorm:"primaryKey"`
	UserID       string            `json:"userId" gorm:"index;not null"`
	Capabilities map[string]string `json:"capabilities" gorm:"serializer:json"`
	Location     *Location         `json:"location,omitempty" gorm:"serializer:json"`
	IPAddress    string            `json:"ipAddress"`
	Status       string            `json:"status" gorm:"default:offline"`
	LastSeen     time.Time         `json:"lastSeen"`
	SessionCount int               `json:"sessionCount"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Cameras      []Camera          `json:"cameras,omitempty" gorm:"serializer:json"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Location is a WGS84 point attached to a device at registration time.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeviceRequirements is what a browser asks for when requesting a device.
type DeviceRequirements struct {
	Capabilities map[string]string    `json:"capabilities,omitempty"`
	Location     *LocationRequirement `json:"location,omitempty"`
}

// LocationRequirement restricts device selection to a radius around a point.
// MaxDistance is in kilometers.
type LocationRequirement struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	MaxDistance float64 `json:"maxDistance"`
}
