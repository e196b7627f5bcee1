package handlers

import (
	"net/http"

	"homecam-bridge/backend/models"
	"homecam-bridge/backend/services"

	"github.com/gin-gonic/gin"
)

type APIHandler struct {
	registry *services.DeviceRegistry
	broker   *services.SignalingBroker
}

func NewAPIHandler(registry *services.DeviceRegistry, broker *services.SignalingBroker) *APIHandler {
	return &APIHandler{registry: registry, broker: broker}
}

type registerCamerasRequest struct {
	DeviceID     string            `json:"deviceId" binding:"required"`
	IPAddress    string            `json:"ipAddress"`
	Capabilities map[string]string `json:"capabilities"`
	Location     *models.Location  `json:"location"`
	Cameras      []models.Camera   `json:"cameras"`
}

// RegisterCameras lets a gateway (or provisioning tool) register a device
// and its camera set over REST instead of the tunnel.
func (h *APIHandler) RegisterCameras(c *gin.Context) {
	var req registerCamerasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.registry.Register(&models.Device{
		DeviceID:     req.DeviceID,
		UserID:       c.GetString("user_id"),
		IPAddress:    req.IPAddress,
		Capabilities: req.Capabilities,
		Location:     req.Location,
		Cameras:      req.Cameras,
	}, nil)

	c.JSON(http.StatusOK, gin.H{"deviceId": req.DeviceID, "cameras": len(req.Cameras)})
}

// GetCameras lists every camera announced by the user's devices.
func (h *APIHandler) GetCameras(c *gin.Context) {
	devices := h.registry.DevicesForUser(c.GetString("user_id"))

	type cameraView struct {
		models.Camera
		DeviceID     string `json:"deviceId"`
		DeviceStatus string `json:"deviceStatus"`
	}
	cameras := make([]cameraView, 0)
	for _, dev := range devices {
		for _, cam := range dev.Cameras {
			cam.Password = "" // credentials stay on the edge
			cameras = append(cameras, cameraView{Camera: cam, DeviceID: dev.DeviceID, DeviceStatus: dev.Status})
		}
	}

	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

func (h *APIHandler) GetCamera(c *gin.Context) {
	cameraID := c.Param("id")
	dev, ok := h.registry.DeviceForCamera(c.GetString("user_id"), cameraID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
		return
	}
	for _, cam := range dev.Cameras {
		if cam.ID == cameraID {
			cam.Password = ""
			c.JSON(http.StatusOK, gin.H{"camera": cam, "deviceId": dev.DeviceID, "deviceStatus": dev.Status})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
}

type createSessionRequest struct {
	DeviceID     string                    `json:"deviceId"`
	CameraID     string                    `json:"cameraId"`
	Requirements models.DeviceRequirements `json:"requirements"`
}

// CreateSession is the REST path into the broker's device matching. "No
// device" is a normal outcome, reported as a structured negative response.
func (h *APIHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.broker.CreateSession(c.GetString("user_id"), "", req.DeviceID, req.CameraID, req.Requirements)
	switch err {
	case nil:
		c.JSON(http.StatusCreated, gin.H{"session": sess})
	case services.ErrNoDevice:
		c.JSON(http.StatusNotFound, gin.H{"error": "no-device-available"})
	case services.ErrDeviceNotConnected:
		c.JSON(http.StatusConflict, gin.H{"error": "device-not-connected"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *APIHandler) GetSession(c *gin.Context) {
	sess, ok := h.broker.Session(c.GetString("user_id"), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type offerRequest struct {
	SDP string `json:"sdp" binding:"required"`
}

func (h *APIHandler) PostOffer(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.broker.RelayToDevice(c.GetString("user_id"), c.Param("id"), models.MsgOffer, gin.H{"sdp": req.SDP})
	h.writeRelayResult(c, err)
}

type candidateRequest struct {
	Candidate map[string]interface{} `json:"candidate" binding:"required"`
}

func (h *APIHandler) PostCandidate(c *gin.Context) {
	var req candidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.broker.RelayToDevice(c.GetString("user_id"), c.Param("id"), models.MsgBrowserCandidate, gin.H{"candidate": req.Candidate})
	h.writeRelayResult(c, err)
}

func (h *APIHandler) writeRelayResult(c *gin.Context, err error) {
	switch err {
	case nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "relayed"})
	case services.ErrSessionNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case services.ErrTargetUnavailable:
		// The session survives; the caller may retry.
		c.JSON(http.StatusBadGateway, gin.H{"error": "target connection not available"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type ptzRequest struct {
	Action string  `json:"action" binding:"required"`
	Speed  float64 `json:"speed"`
}

// PostPTZ forwards a PTZ gesture to the camera's gateway. Fire-and-forget:
// a 202 means the command left the broker, nothing more.
func (h *APIHandler) PostPTZ(c *gin.Context) {
	var req ptzRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.broker.SendPTZ(c.GetString("user_id"), c.Param("id"), req.Action, req.Speed)
	switch err {
	case nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
	case services.ErrNoDevice:
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
	case services.ErrDeviceNotConnected:
		c.JSON(http.StatusConflict, gin.H{"error": "device-not-connected"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *APIHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.broker.Stats())
}
