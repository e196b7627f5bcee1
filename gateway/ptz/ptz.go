package ptz

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"homecam-bridge/backend/models"
)

// Controller drives Axis cameras over the VAPIX continuous-move CGI.
type Controller struct {
	client *http.Client
}

func NewController() *Controller {
	return &Controller{
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Execute translates an abstract PTZ action into a single VAPIX request.
// A stop zeroes every axis in one call so the camera never keeps drifting
// on an axis the browser forgot about.
func (p *Controller) Execute(cam *models.Camera, action string, speed float64) error {
	if speed <= 0 {
		speed = 0.5
	}

	var pan, tilt, zoom float64
	switch action {
	case models.PTZPanLeft:
		pan = -speed
	case models.PTZPanRight:
		pan = speed
	case models.PTZTiltUp:
		tilt = speed
	case models.PTZTiltDown:
		tilt = -speed
	case models.PTZZoomIn:
		zoom = speed
	case models.PTZZoomOut:
		zoom = -speed
	case models.PTZStop:
		// all axes stay zero
	default:
		log.Printf("PTZ: ignoring unknown action %q for camera %s", action, cam.ID)
		return nil
	}

	url := fmt.Sprintf("http://%s/axis-cgi/com/ptz.cgi?continuouspantiltmove=%.2f,%.2f&continuouszoommove=%.2f",
		cam.IP, pan, tilt, zoom)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build ptz request: %w", err)
	}
	req.SetBasicAuth(cam.Username, cam.Password)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ptz request to %s: %w", cam.IP, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("PTZ: camera %s rejected %s with status %d", cam.ID, action, resp.StatusCode)
	}
	return nil
}

// HasPTZ probes the PTZ parameter group. Cameras without a PTZ unit answer
// this CGI with a non-200 status.
func (p *Controller) HasPTZ(cam *models.Camera) bool {
	url := fmt.Sprintf("http://%s/axis-cgi/param.cgi?action=list&group=PTZ", cam.IP)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.SetBasicAuth(cam.Username, cam.Password)

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
