package models

import (
	"fmt"
	"strings"
)

// Camera is the edge gateway's record of a camera found on the LAN.
// The gateway is the source of truth for these; the cloud only ever sees
// them as capability metadata inside camera_status events.
type Camera struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	RTSPURL  string `json:"rtspUrl"`
	Username string `json:"username"`
	Password string `json:"password"`
	HasPTZ   bool   `json:"hasPTZ"`
}

// CameraIDFromIP derives a stable camera id from the camera's IP so that
// rediscovery of the same unit maps onto the same record.
func CameraIDFromIP(ip string) string {
	return "axis-" + strings.ReplaceAll(ip, ".", "-")
}

// RTSPURLFor builds the vendor stream URL for a camera address.
func RTSPURLFor(username, password, ip string) string {
	return fmt.Sprintf("rtsp://%s:%s@%s:554/axis-media/media.amp", username, password, ip)
}
